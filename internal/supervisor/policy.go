package supervisor

import (
	"time"

	"github.com/loykin/agentvisor/internal/config"
)

const (
	DefaultMaxRestarts = 5
	DefaultGracePeriod = 5 * time.Second
	DefaultCoolDown    = time.Second
)

// Policy bounds automatic recovery. A health-triggered restart is attempted
// only while fewer than MaxRestarts have happened since the last explicit
// start; the next failure after that is terminal.
type Policy struct {
	MaxRestarts int
	GracePeriod time.Duration
	CoolDown    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxRestarts: DefaultMaxRestarts, GracePeriod: DefaultGracePeriod, CoolDown: DefaultCoolDown}
}

// PolicyFrom reads the policy from health configuration. Zero values take
// the defaults. A negative MaxRestarts disables automatic recovery and a
// negative CoolDown removes the pause between attempts.
func PolicyFrom(h config.HealthConfig) Policy {
	p := DefaultPolicy()
	switch {
	case h.MaxRestarts < 0:
		p.MaxRestarts = 0
	case h.MaxRestarts > 0:
		p.MaxRestarts = h.MaxRestarts
	}
	if h.GracePeriod > 0 {
		p.GracePeriod = h.GracePeriod
	}
	switch {
	case h.CoolDown < 0:
		p.CoolDown = 0
	case h.CoolDown > 0:
		p.CoolDown = h.CoolDown
	}
	return p
}

// exhausted reports whether restarts already reached the ceiling.
func (p Policy) exhausted(restarts int) bool { return restarts >= p.MaxRestarts }
