// Package config loads the supervisor configuration.
//
// Configuration comes from a YAML (.yaml, .yml) or TOML (.toml) file layered
// over built-in defaults; keys absent from the file keep their default
// value. The defaults reproduce the layout the supervisor was first
// deployed with: Python workers in /root/bin launched with
// /usr/bin/python3, supervisord as the supervision daemon, ports from
// 5000 upward.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/portkeeper/internal/model"
	"github.com/shinji-kodama/portkeeper/internal/supervision"
)

// DefaultPath is read when no --config flag is given and the file exists.
const DefaultPath = "/etc/portkeeper/config.yaml"

// Duration is a time.Duration written as a Go duration string ("45s").
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete supervisor configuration.
type Config struct {
	Registry    RegistryConfig    `yaml:"registry" toml:"registry"`
	Discovery   DiscoveryConfig   `yaml:"discovery" toml:"discovery"`
	Ports       PortsConfig       `yaml:"ports" toml:"ports"`
	Loop        LoopConfig        `yaml:"loop" toml:"loop"`
	Launcher    LauncherConfig    `yaml:"launcher" toml:"launcher"`
	Supervision SupervisionConfig `yaml:"supervision" toml:"supervision"`
	History     HistoryConfig     `yaml:"history" toml:"history"`
	Lock        LockConfig        `yaml:"lock" toml:"lock"`
	Log         LogConfig         `yaml:"log" toml:"log"`
}

// RegistryConfig locates the worker→port registry. A ".json" path selects
// the legacy JSON format.
type RegistryConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// DiscoveryConfig controls where new workers are found.
type DiscoveryConfig struct {
	Dir       string `yaml:"dir" toml:"dir"`
	Pattern   string `yaml:"pattern" toml:"pattern"`
	Recursive bool   `yaml:"recursive" toml:"recursive"`

	// Watch wakes the loop early when a matching file appears.
	Watch bool `yaml:"watch" toml:"watch"`
}

// PortsConfig controls allocation.
type PortsConfig struct {
	RangeStart int `yaml:"range_start" toml:"range_start"`
	RangeEnd   int `yaml:"range_end" toml:"range_end"`

	// Fallback is returned when the range is exhausted, unless Strict.
	Fallback int  `yaml:"fallback" toml:"fallback"`
	Strict   bool `yaml:"strict" toml:"strict"`

	// Docker adds ports published by running containers to the in-use set.
	Docker bool `yaml:"docker" toml:"docker"`
}

// LoopConfig controls reconciliation.
type LoopConfig struct {
	MinInterval Duration `yaml:"min_interval" toml:"min_interval"`
	MaxInterval Duration `yaml:"max_interval" toml:"max_interval"`

	EvictMissing         bool `yaml:"evict_missing" toml:"evict_missing"`
	ReallocateOnConflict bool `yaml:"reallocate_on_conflict" toml:"reallocate_on_conflict"`

	// Oracle selects the liveness check: "process" or "pid".
	Oracle string `yaml:"oracle" toml:"oracle"`
}

// LauncherConfig controls how workers are started.
type LauncherConfig struct {
	Interpreter []string `yaml:"interpreter" toml:"interpreter"`
	LogDir      string   `yaml:"log_dir" toml:"log_dir"`
	PortFileDir string   `yaml:"port_file_dir" toml:"port_file_dir"`
	Env         []string `yaml:"env,omitempty" toml:"env"`
}

// SupervisionConfig selects and configures the supervision daemon.
type SupervisionConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	LogDir  string `yaml:"log_dir" toml:"log_dir"`

	// ConfDir and Ctl apply to supervisord.
	ConfDir string `yaml:"conf_dir" toml:"conf_dir"`
	Ctl     string `yaml:"ctl" toml:"ctl"`

	// CommandPrefix is prepended to every supervisorctl call, e.g. ["sudo"].
	CommandPrefix []string `yaml:"command_prefix,omitempty" toml:"command_prefix"`

	// UnitDir and User apply to systemd.
	UnitDir string `yaml:"unit_dir" toml:"unit_dir"`
	User    bool   `yaml:"user" toml:"user"`
}

// HistoryConfig locates the SQLite history. An empty path disables it.
type HistoryConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LockConfig controls the single-instance lock.
type LockConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	StateDir string `yaml:"state_dir" toml:"state_dir"`
}

// LogConfig controls the supervisor's own logging.
type LogConfig struct {
	Level string `yaml:"level" toml:"level"`

	// File, when set, receives a copy of every log line.
	File string `yaml:"file" toml:"file"`

	// Format is "text", "json" or "logfmt".
	Format string `yaml:"format" toml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{Path: "/root/script_ports.yaml"},
		Discovery: DiscoveryConfig{
			Dir:     "/root/bin",
			Pattern: "*.py",
		},
		Ports: PortsConfig{
			RangeStart: 5000,
			RangeEnd:   65535,
			Fallback:   8081,
		},
		Loop: LoopConfig{
			MinInterval: Duration(30 * time.Second),
			MaxInterval: Duration(90 * time.Second),
			Oracle:      "process",
		},
		Launcher: LauncherConfig{
			Interpreter: []string{"/usr/bin/python3"},
			LogDir:      "/root",
		},
		Supervision: SupervisionConfig{
			Backend: string(supervision.BackendSupervisord),
			LogDir:  "/var/log",
			ConfDir: "/etc/supervisor/conf.d",
			Ctl:     "supervisorctl",
			UnitDir: "/etc/systemd/system",
		},
		History: HistoryConfig{Path: "/var/lib/portkeeper/history.db"},
		Lock: LockConfig{
			Enabled:  true,
			StateDir: "/var/lib/portkeeper",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path loads DefaultPath if it
// exists and the bare defaults otherwise. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultPath); err != nil {
			return cfg, nil
		}
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parse config %s: unknown key %q", path, undecoded[0].String())
		}
	case ".yaml", ".yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .yaml, .yml or .toml)", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the supervisor cannot run
// with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Registry.Path == "" {
		errs = append(errs, errors.New("registry.path is required"))
	}
	if c.Discovery.Dir == "" {
		errs = append(errs, errors.New("discovery.dir is required"))
	}
	if _, err := filepath.Match(c.Discovery.Pattern, ""); err != nil {
		errs = append(errs, fmt.Errorf("discovery.pattern: %w", err))
	}

	if err := model.ValidatePort(c.Ports.RangeStart); err != nil {
		errs = append(errs, fmt.Errorf("ports.range_start: %w", err))
	}
	if err := model.ValidatePort(c.Ports.RangeEnd); err != nil {
		errs = append(errs, fmt.Errorf("ports.range_end: %w", err))
	}
	if c.Ports.RangeStart > c.Ports.RangeEnd {
		errs = append(errs, fmt.Errorf("ports.range_start %d is above ports.range_end %d", c.Ports.RangeStart, c.Ports.RangeEnd))
	}
	if err := model.ValidatePort(c.Ports.Fallback); err != nil {
		errs = append(errs, fmt.Errorf("ports.fallback: %w", err))
	}

	if c.Loop.MinInterval < 0 {
		errs = append(errs, errors.New("loop.min_interval must not be negative"))
	}
	if c.Loop.MaxInterval < c.Loop.MinInterval {
		errs = append(errs, fmt.Errorf("loop.max_interval %s is below loop.min_interval %s",
			c.Loop.MaxInterval.Std(), c.Loop.MinInterval.Std()))
	}
	switch c.Loop.Oracle {
	case "process", "pid":
	default:
		errs = append(errs, fmt.Errorf("loop.oracle %q is not one of process, pid", c.Loop.Oracle))
	}
	if c.Loop.Oracle == "pid" && c.History.Path == "" {
		errs = append(errs, errors.New("loop.oracle pid requires history.path"))
	}

	backend, err := supervision.ParseBackend(c.Supervision.Backend)
	if err != nil {
		errs = append(errs, fmt.Errorf("supervision.backend: %w", err))
	}
	if backend == supervision.BackendSupervisord && c.Supervision.ConfDir == "" {
		errs = append(errs, errors.New("supervision.conf_dir is required for supervisord"))
	}
	if backend == supervision.BackendSystemd && c.Supervision.UnitDir == "" {
		errs = append(errs, errors.New("supervision.unit_dir is required for systemd"))
	}

	if c.Lock.Enabled && c.Lock.StateDir == "" {
		errs = append(errs, errors.New("lock.state_dir is required when the lock is enabled"))
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "text", "json", "logfmt":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json, logfmt", c.Log.Format))
	}

	return errors.Join(errs...)
}

// YAML renders the configuration as YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
