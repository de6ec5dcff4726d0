package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/agentvisor/internal/logger"
	"github.com/loykin/agentvisor/internal/schedule"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// AGENTVISOR_PORT or AGENTVISOR_HEALTH_MAX_RESTARTS.
const EnvPrefix = "AGENTVISOR"

// StateDirName is the per-workspace directory holding the marker, the
// activity log, the memory snapshot and the optional config file.
const StateDirName = ".agentvisor"

type Config struct {
	Port      int               `mapstructure:"port"`
	LogLevel  string            `mapstructure:"log_level"`
	LogFormat string            `mapstructure:"log_format"`
	AutoStart bool              `mapstructure:"auto_start"`
	Worker    WorkerConfig      `mapstructure:"worker"`
	Health    HealthConfig      `mapstructure:"health"`
	Memory    MemoryConfig      `mapstructure:"memory"`
	Sync      SyncConfig        `mapstructure:"sync"`
	History   HistoryConfig     `mapstructure:"history"`
	Control   ControlConfig     `mapstructure:"control"`
	Log       logger.FileConfig `mapstructure:"log"`
}

// WorkerConfig overrides the program that is supervised. An empty Command
// runs the built-in worker entry point.
type WorkerConfig struct {
	Command          string   `mapstructure:"command"`
	Args             []string `mapstructure:"args"`
	Env              []string `mapstructure:"env"`
	EnvFiles         []string `mapstructure:"env_files"`
	WorkDir          string   `mapstructure:"work_dir"`
	ProbeCommand     string   `mapstructure:"probe_command"`
	OutputBufferSize int64    `mapstructure:"output_buffer_size"`
}

// HealthConfig holds the periodic task schedules and the retry policy.
// Intervals accept Go durations ("30s") or cron expressions ("@every 30s").
// Zero means "use the default"; a negative MaxRestarts disables automatic
// recovery and a negative CoolDown restarts without waiting.
type HealthConfig struct {
	CheckInterval     string        `mapstructure:"check_interval"`
	CleanupInterval   string        `mapstructure:"cleanup_interval"`
	SyncInterval      string        `mapstructure:"sync_interval"`
	MemoryThresholdMB int           `mapstructure:"memory_threshold_mb"`
	MaxRestarts       int           `mapstructure:"max_restarts"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	CoolDown          time.Duration `mapstructure:"cool_down"`
}

type MemoryConfig struct {
	MaxAge time.Duration `mapstructure:"max_age"`
}

// SyncConfig configures the external REST source. An empty BaseURL
// disables sync.
type SyncConfig struct {
	Source   string        `mapstructure:"source"`
	BaseURL  string        `mapstructure:"base_url"`
	Token    string        `mapstructure:"token"`
	Path     string        `mapstructure:"path"`
	PageSize int           `mapstructure:"page_size"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

type ControlConfig struct {
	Addr     string `mapstructure:"addr"`
	BasePath string `mapstructure:"base_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 3001)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("auto_start", false)
	v.SetDefault("worker.command", "")
	v.SetDefault("worker.args", []string{})
	v.SetDefault("worker.env", []string{})
	v.SetDefault("worker.env_files", []string{})
	v.SetDefault("worker.work_dir", "")
	v.SetDefault("worker.probe_command", "")
	v.SetDefault("worker.output_buffer_size", 64*1024)
	v.SetDefault("health.check_interval", "30s")
	v.SetDefault("health.cleanup_interval", "5m")
	v.SetDefault("health.sync_interval", "10m")
	v.SetDefault("health.memory_threshold_mb", 100)
	v.SetDefault("health.max_restarts", 5)
	v.SetDefault("health.grace_period", 5*time.Second)
	v.SetDefault("health.cool_down", time.Second)
	v.SetDefault("memory.max_age", 24*time.Hour)
	v.SetDefault("sync.source", "remote")
	v.SetDefault("sync.base_url", "")
	v.SetDefault("sync.token", "")
	v.SetDefault("sync.path", "/items")
	v.SetDefault("sync.page_size", 20)
	v.SetDefault("sync.timeout", 15*time.Second)
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("control.addr", "127.0.0.1:3101")
	v.SetDefault("control.base_path", "/api")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	var c Config
	_ = newViper().Unmarshal(&c)
	return c
}

// WithDefaults fills every zero field of c from Defaults, so a partial
// Config built in code behaves like a partial config file. Booleans and
// lists keep their value since their zero value is also the default.
func (c Config) WithDefaults() Config {
	d := Defaults()
	orInt(&c.Port, d.Port)
	orString(&c.LogLevel, d.LogLevel)
	orString(&c.LogFormat, d.LogFormat)
	orInt64(&c.Worker.OutputBufferSize, d.Worker.OutputBufferSize)

	h := &c.Health
	orString(&h.CheckInterval, d.Health.CheckInterval)
	orString(&h.CleanupInterval, d.Health.CleanupInterval)
	orString(&h.SyncInterval, d.Health.SyncInterval)
	orInt(&h.MemoryThresholdMB, d.Health.MemoryThresholdMB)
	orInt(&h.MaxRestarts, d.Health.MaxRestarts)
	orDuration(&h.GracePeriod, d.Health.GracePeriod)
	orDuration(&h.CoolDown, d.Health.CoolDown)

	orDuration(&c.Memory.MaxAge, d.Memory.MaxAge)

	orString(&c.Sync.Source, d.Sync.Source)
	orString(&c.Sync.Path, d.Sync.Path)
	orInt(&c.Sync.PageSize, d.Sync.PageSize)
	orDuration(&c.Sync.Timeout, d.Sync.Timeout)

	orString(&c.Control.Addr, d.Control.Addr)
	orString(&c.Control.BasePath, d.Control.BasePath)

	orInt(&c.Log.MaxSizeMB, d.Log.MaxSizeMB)
	orInt(&c.Log.MaxBackups, d.Log.MaxBackups)
	orInt(&c.Log.MaxAgeDays, d.Log.MaxAgeDays)
	return c
}

func orInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func orInt64(v *int64, def int64) {
	if *v == 0 {
		*v = def
	}
}

func orString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func orDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

// Validate rejects values the supervisor cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	for name, expr := range map[string]string{
		"health.check_interval":   c.Health.CheckInterval,
		"health.cleanup_interval": c.Health.CleanupInterval,
		"health.sync_interval":    c.Health.SyncInterval,
	} {
		if _, err := schedule.Parse(expr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Health.GracePeriod < 0 {
		errs = append(errs, errors.New("health.grace_period must be >= 0"))
	}
	if c.Memory.MaxAge <= 0 {
		errs = append(errs, errors.New("memory.max_age must be > 0"))
	}
	if c.Sync.PageSize <= 0 {
		errs = append(errs, errors.New("sync.page_size must be > 0"))
	}
	return errors.Join(errs...)
}

// WorkerEnv resolves worker.env_files followed by worker.env. Later entries
// win when the supervisor merges them.
func (c Config) WorkerEnv() ([]string, error) {
	var out []string
	for _, p := range c.Worker.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("worker env file %s: %w", p, err)
		}
		out = append(out, pairs...)
	}
	return append(out, c.Worker.Env...), nil
}

// LoadEnvFile parses a simple .env file of KEY=VALUE lines. Blank lines and
// lines starting with # are ignored. Order is preserved.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
	}
	return out, nil
}
