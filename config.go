package evalvana

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	defaults "github.com/Paranoid-AF/evalvana/default"
	"github.com/Paranoid-AF/evalvana/shellcmd"
)

// Config represents the user's evalvana configuration.
type Config struct {
	Version int          `toml:"version"`
	Pool    PoolConfig   `toml:"pool"`
	Plugins []Descriptor `toml:"plugins"`

	// dir is the directory relative plugin paths are resolved against.
	dir string
	// undecoded lists keys present in the file that no field consumed.
	undecoded []string
}

// PoolConfig holds settings for the plugin process pool.
type PoolConfig struct {
	IdleTimeout            time.Duration `toml:"idle_timeout"`
	RequestTimeout         time.Duration `toml:"request_timeout"`
	TerminateGrace         time.Duration `toml:"terminate_grace"`
	MaxInstances           int           `toml:"max_instances"`
	MaxConsecutiveTimeouts int           `toml:"max_consecutive_timeouts"`
	SpawnRetries           *int          `toml:"spawn_retries"`
	MaxFrameBytes          int           `toml:"max_frame_bytes"`
}

// ConfigDir returns the config directory path.
// Resolution order: $EVALVANA_CONFIG_DIR > $XDG_CONFIG_HOME/evalvana > ~/.config/evalvana
func ConfigDir() string {
	if dir := os.Getenv("EVALVANA_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "evalvana")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "evalvana-config")
	}
	return filepath.Join(home, ".config", "evalvana")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// HistoryPath returns the REPL line history file path.
func HistoryPath() string {
	return filepath.Join(ConfigDir(), "history")
}

// RecallCachePath returns the path of the persisted transcript recall index.
func RecallCachePath() string {
	return filepath.Join(ConfigDir(), "recall.json")
}

// DefaultConfig returns the default configuration from the embedded default_config.toml.
func DefaultConfig() *Config {
	var cfg Config
	if _, err := toml.Decode(string(defaults.DefaultConfigTOML), &cfg); err != nil {
		panic("evalvana: invalid embedded default_config.toml: " + err.Error())
	}
	cfg.dir = ConfigDir()
	return &cfg
}

// LoadConfig loads config from the default location or returns defaults if
// the file does not exist.
func LoadConfig() (*Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile loads config from path. A missing file yields the defaults.
// Pool settings missing from the file are filled from the defaults; the
// plugin list is taken from the file as is.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		cfg.undecoded = append(cfg.undecoded, key.String())
	}
	cfg.dir = filepath.Dir(path)

	// Apply defaults for missing fields
	defaults := DefaultConfig()
	if cfg.Version == 0 {
		cfg.Version = defaults.Version
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = defaults.Pool.IdleTimeout
	}
	if cfg.Pool.RequestTimeout == 0 {
		cfg.Pool.RequestTimeout = defaults.Pool.RequestTimeout
	}
	if cfg.Pool.TerminateGrace == 0 {
		cfg.Pool.TerminateGrace = defaults.Pool.TerminateGrace
	}
	if cfg.Pool.MaxInstances == 0 {
		cfg.Pool.MaxInstances = defaults.Pool.MaxInstances
	}
	if cfg.Pool.MaxConsecutiveTimeouts == 0 {
		cfg.Pool.MaxConsecutiveTimeouts = defaults.Pool.MaxConsecutiveTimeouts
	}
	if cfg.Pool.SpawnRetries == nil {
		cfg.Pool.SpawnRetries = defaults.Pool.SpawnRetries
	}
	if cfg.Pool.MaxFrameBytes == 0 {
		cfg.Pool.MaxFrameBytes = defaults.Pool.MaxFrameBytes
	}

	return &cfg, nil
}

// ValidateConfig checks configuration for potential issues and returns warnings.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	if cfg == nil {
		return warnings
	}
	for _, key := range cfg.undecoded {
		warnings = append(warnings, "unknown configuration key: "+key)
	}
	if len(cfg.Plugins) == 0 {
		warnings = append(warnings, "no plugins configured; every evaluation will fail")
	}
	if cfg.Pool.IdleTimeout < 0 {
		warnings = append(warnings, "pool.idle_timeout is negative; idle eviction is disabled")
	}
	if cfg.Pool.MaxInstances < 0 {
		warnings = append(warnings, "pool.max_instances is negative; the instance limit is disabled")
	}
	for _, p := range cfg.Plugins {
		if p.Path != "" && p.Command != "" {
			warnings = append(warnings, fmt.Sprintf("plugin %s sets both path and command; command is ignored", p.ID))
		}
		for _, c := range p.Capabilities {
			switch c {
			case CapHover, CapStreaming, CapCancel, CapConcurrent:
			default:
				warnings = append(warnings, fmt.Sprintf("plugin %s declares unknown capability %q", p.ID, c))
			}
		}
	}
	return warnings
}

// ResolveIdleTimeout returns the pool idle window.
// Priority: $EVALVANA_IDLE_TIMEOUT env > config value.
func ResolveIdleTimeout(cfg *Config) time.Duration {
	if d, ok := durationEnv("EVALVANA_IDLE_TIMEOUT"); ok {
		return d
	}
	if cfg != nil {
		return cfg.Pool.IdleTimeout
	}
	return 0
}

// ResolveRequestTimeout returns the default evaluation timeout.
// Priority: $EVALVANA_REQUEST_TIMEOUT env > config value.
func ResolveRequestTimeout(cfg *Config) time.Duration {
	if d, ok := durationEnv("EVALVANA_REQUEST_TIMEOUT"); ok {
		return d
	}
	if cfg != nil {
		return cfg.Pool.RequestTimeout
	}
	return 0
}

func durationEnv(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Registry builds the immutable plugin registry from the configured plugins.
// Command lines are split into path and arguments, and relative paths that
// name a file (contain a separator) are resolved against the config directory.
func (cfg *Config) Registry() (*Registry, error) {
	descs := make([]Descriptor, 0, len(cfg.Plugins))
	for _, p := range cfg.Plugins {
		if p.Path == "" && p.Command != "" {
			cmd, err := shellcmd.Parse(p.Command, nil)
			if err != nil {
				return nil, fmt.Errorf("plugin %s: %w", p.ID, err)
			}
			p.Path = cmd.Path
			p.Args = append(cmd.Args, p.Args...)
			if len(cmd.Env) > 0 {
				env := maps.Clone(cmd.Env)
				maps.Copy(env, p.Env)
				p.Env = env
			}
		}
		p.Path = resolvePath(cfg.dir, p.Path)
		descs = append(descs, p)
	}
	return NewRegistry(descs...)
}

func resolvePath(dir, path string) string {
	if path == "" || filepath.IsAbs(path) || dir == "" {
		return path
	}
	if filepath.Base(path) == path {
		// Bare program name: looked up on $PATH at spawn time.
		return path
	}
	return filepath.Join(dir, path)
}
