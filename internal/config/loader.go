package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Loader supplies configuration to the supervisor.
type Loader interface {
	Load() (Config, error)
}

// FileLoader reads a TOML (or any viper-supported) file with environment
// overrides. A missing file is not an error: defaults and environment apply.
type FileLoader struct {
	Path string
}

// Load always returns a usable Config. On a read, decode or validation
// error it returns Defaults() together with the error so the caller can
// warn and carry on.
func (l FileLoader) Load() (Config, error) {
	v := newViper()
	if l.Path != "" {
		if _, err := os.Stat(l.Path); err == nil {
			v.SetConfigFile(l.Path)
			if filepath.Ext(l.Path) == "" {
				v.SetConfigType("toml")
			}
			if err := v.ReadInConfig(); err != nil {
				return Defaults(), fmt.Errorf("read config %s: %w", l.Path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Defaults(), fmt.Errorf("stat config %s: %w", l.Path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Defaults(), fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Defaults(), fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// Static is a Loader returning a fixed Config, for embedding and tests.
type Static struct {
	Config Config
	Err    error
}

func (s Static) Load() (Config, error) { return s.Config, s.Err }

// Paths is the on-disk layout under <workspace>/.agentvisor.
type Paths struct {
	Workspace   string
	StateDir    string
	Marker      string
	ActivityLog string
	Memory      string
	Config      string
}

// PathsFor resolves the state layout for workspace.
func PathsFor(workspace string) Paths {
	if abs, err := filepath.Abs(workspace); err == nil {
		workspace = abs
	}
	dir := filepath.Join(workspace, StateDirName)
	return Paths{
		Workspace:   workspace,
		StateDir:    dir,
		Marker:      filepath.Join(dir, "agent.pid"),
		ActivityLog: filepath.Join(dir, "activity.log"),
		Memory:      filepath.Join(dir, "memory.json"),
		Config:      filepath.Join(dir, "config.toml"),
	}
}
