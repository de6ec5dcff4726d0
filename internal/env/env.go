// Package env composes the environment handed to the worker process.
package env

import (
	"os"
	"regexp"
	"sort"
	"strings"
)

// Env layers KEY=VALUE sources: a base (usually the supervisor's own
// environment), then fixed variables set by the supervisor, then per-worker
// overrides from configuration.
type Env struct {
	base map[string]string
	vars map[string]string
}

// FromOS starts from the current process environment.
func FromOS() *Env { return FromList(os.Environ()) }

// FromList starts from an explicit KEY=VALUE list.
func FromList(kvs []string) *Env {
	e := &Env{base: make(map[string]string), vars: make(map[string]string)}
	for _, kv := range kvs {
		if k, v, ok := Parse(kv); ok {
			e.base[k] = v
		}
	}
	return e
}

// Parse splits "KEY=VALUE". Entries without '=' or with an empty key are
// rejected.
func Parse(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

// Set records a supervisor-level variable and returns e for chaining.
func (e *Env) Set(k, v string) *Env {
	if k != "" {
		e.vars[k] = v
	}
	return e
}

var ref = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Merge applies base, then Set variables, then overrides, and expands
// ${VAR} references against the composed map in a single pass. Unknown
// references are left untouched. The result is sorted by key.
func (e *Env) Merge(overrides []string) []string {
	m := make(map[string]string, len(e.base)+len(e.vars)+len(overrides))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range overrides {
		if k, v, ok := Parse(kv); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return ref.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := m[name]; ok {
			return v
		}
		return match
	})
}
