package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/switchr/internal/logger"
	"github.com/bryanchriswhite/switchr/internal/resolver"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	LogLevel        string        `json:"log_level" yaml:"log_level"`
	ServerPort      int           `json:"server_port" yaml:"server_port"`
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval"`

	Worker   WorkerConfig   `json:"worker" yaml:"worker"`
	Resolver ResolverConfig `json:"resolver" yaml:"resolver"`
	Settings SettingsConfig `json:"settings" yaml:"settings"`

	DisabledProviders []string `json:"disabled_providers" yaml:"disabled_providers"`
	ExcludedProcesses []string `json:"excluded_processes" yaml:"excluded_processes"`
}

// WorkerConfig controls the isolated scan process
type WorkerConfig struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// ResolverConfig controls accessibility element lookups
type ResolverConfig struct {
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
	Delay         time.Duration `json:"delay" yaml:"delay"`
	PointFallback bool          `json:"point_fallback" yaml:"point_fallback"`
}

// SettingsConfig selects the provider settings backend
type SettingsConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// ResolverOptions converts the resolver section
func (c *Config) ResolverOptions() resolver.Options {
	return resolver.Options{
		MaxAttempts:   c.Resolver.MaxAttempts,
		Delay:         c.Resolver.Delay,
		PointFallback: c.Resolver.PointFallback,
	}
}

// IsProviderEnabled reports whether name is not in disabled_providers
func (c *Config) IsProviderEnabled(name string) bool {
	for _, d := range c.DisabledProviders {
		if d == name {
			return false
		}
	}
	return true
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		LogLevel:        "info",
		ServerPort:      8080,
		RefreshInterval: 2 * time.Second,
		Worker: WorkerConfig{
			Timeout: 10 * time.Second,
		},
		Resolver: ResolverConfig{
			MaxAttempts:   1,
			Delay:         200 * time.Millisecond,
			PointFallback: false,
		},
		Settings: SettingsConfig{
			Backend: "file",
		},
		DisabledProviders: []string{},
		ExcludedProcesses: []string{},
	}
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultDir returns $HOME/.config/switchr
func DefaultDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "switchr"), nil
}

// NewManager loads configFile, or the default path when it is empty,
// creating it with defaults if missing
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		dir, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}

	m := &Manager{configPath: path}

	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		m.config = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Int("excluded_processes", len(m.config.ExcludedProcesses)).
		Int("disabled_providers", len(m.config.DisabledProviders)).
		Msg("Config loaded")

	return m, nil
}

// load reads the configuration from disk, filling unset fields with defaults
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	normalize(cfg)

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// normalize repairs values a hand-edited file may have broken
func normalize(cfg *Config) {
	def := Defaults()
	if cfg.ServerPort <= 0 {
		cfg.ServerPort = def.ServerPort
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.Worker.Timeout <= 0 {
		cfg.Worker.Timeout = def.Worker.Timeout
	}
	if cfg.Resolver.MaxAttempts < 1 {
		cfg.Resolver.MaxAttempts = 1
	}
	if cfg.Resolver.Delay < 0 {
		cfg.Resolver.Delay = 0
	}
	if cfg.Settings.Backend == "" {
		cfg.Settings.Backend = def.Settings.Backend
	}
	if cfg.DisabledProviders == nil {
		cfg.DisabledProviders = []string{}
	}
	if cfg.ExcludedProcesses == nil {
		cfg.ExcludedProcesses = []string{}
	}
}

// Reload re-reads the file, keeping the current config if that fails
func (m *Manager) Reload() error {
	return m.load()
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}

	cfg := *m.config
	cfg.DisabledProviders = append([]string{}, m.config.DisabledProviders...)
	cfg.ExcludedProcesses = append([]string{}, m.config.ExcludedProcesses...)
	return &cfg
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// Update replaces the configuration and saves it
func (m *Manager) Update(cfg *Config) error {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// modify applies fn under the write lock, then saves
func (m *Manager) modify(fn func(cfg *Config) error) error {
	m.mu.Lock()
	if m.config == nil {
		m.config = Defaults()
	}
	if err := fn(m.config); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	return m.Save()
}

// AddExcludedProcess adds a process name to the exclusion list. Names are
// stored lowercase; adding a present name is a no-op.
func (m *Manager) AddExcludedProcess(name string) (bool, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return false, fmt.Errorf("empty process name")
	}

	added := false
	err := m.modify(func(cfg *Config) error {
		for _, p := range cfg.ExcludedProcesses {
			if p == normalized {
				return nil
			}
		}
		cfg.ExcludedProcesses = append(cfg.ExcludedProcesses, normalized)
		sort.Strings(cfg.ExcludedProcesses)
		added = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if added {
		logger.WithComponent("config").Info().
			Str("process", normalized).
			Msg("Process excluded")
	}
	return added, nil
}

// RemoveExcludedProcess removes a process name from the exclusion list
func (m *Manager) RemoveExcludedProcess(name string) (bool, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))

	removed := false
	err := m.modify(func(cfg *Config) error {
		kept := cfg.ExcludedProcesses[:0]
		for _, p := range cfg.ExcludedProcesses {
			if p == normalized {
				removed = true
				continue
			}
			kept = append(kept, p)
		}
		cfg.ExcludedProcesses = kept
		return nil
	})
	return removed, err
}

// SetProviderEnabled adds or removes name from disabled_providers
func (m *Manager) SetProviderEnabled(name string, enabled bool) error {
	return m.modify(func(cfg *Config) error {
		kept := make([]string, 0, len(cfg.DisabledProviders)+1)
		for _, d := range cfg.DisabledProviders {
			if d != name {
				kept = append(kept, d)
			}
		}
		if !enabled {
			kept = append(kept, name)
			sort.Strings(kept)
		}
		cfg.DisabledProviders = kept
		return nil
	})
}

// Keys lists the keys accepted by Set and Lookup
func Keys() []string {
	return []string{
		"log_level",
		"server_port",
		"refresh_interval",
		"worker.timeout",
		"resolver.max_attempts",
		"resolver.delay",
		"resolver.point_fallback",
		"settings.backend",
		"settings.path",
		"disabled_providers",
		"excluded_processes",
	}
}

var validLogLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}

// Set parses value for key and saves. List keys take a comma separated value.
func (m *Manager) Set(key, value string) error {
	return m.modify(func(cfg *Config) error {
		switch key {
		case "log_level":
			if !validLogLevels[value] {
				return fmt.Errorf("invalid log level: %s (use: trace, debug, info, warn, error)", value)
			}
			cfg.LogLevel = value
		case "server_port":
			port, err := strconv.Atoi(value)
			if err != nil || port <= 0 || port > 65535 {
				return fmt.Errorf("invalid port number: %s", value)
			}
			cfg.ServerPort = port
		case "refresh_interval":
			return setDuration(&cfg.RefreshInterval, value, false)
		case "worker.timeout":
			return setDuration(&cfg.Worker.Timeout, value, false)
		case "resolver.delay":
			return setDuration(&cfg.Resolver.Delay, value, true)
		case "resolver.max_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("invalid attempt count: %s", value)
			}
			cfg.Resolver.MaxAttempts = n
		case "resolver.point_fallback":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid boolean: %s (use: true or false)", value)
			}
			cfg.Resolver.PointFallback = b
		case "settings.backend":
			if value != "file" && value != "sqlite" {
				return fmt.Errorf("invalid settings backend: %s (use: file or sqlite)", value)
			}
			cfg.Settings.Backend = value
		case "settings.path":
			cfg.Settings.Path = value
		case "disabled_providers":
			cfg.DisabledProviders = splitList(value)
		case "excluded_processes":
			cfg.ExcludedProcesses = splitList(strings.ToLower(value))
		default:
			return fmt.Errorf("unknown configuration key: %s", key)
		}
		return nil
	})
}

// Lookup returns the value stored under key
func (m *Manager) Lookup(key string) (interface{}, error) {
	cfg := m.Get()
	switch key {
	case "log_level":
		return cfg.LogLevel, nil
	case "server_port":
		return cfg.ServerPort, nil
	case "refresh_interval":
		return cfg.RefreshInterval.String(), nil
	case "worker.timeout":
		return cfg.Worker.Timeout.String(), nil
	case "resolver.max_attempts":
		return cfg.Resolver.MaxAttempts, nil
	case "resolver.delay":
		return cfg.Resolver.Delay.String(), nil
	case "resolver.point_fallback":
		return cfg.Resolver.PointFallback, nil
	case "settings.backend":
		return cfg.Settings.Backend, nil
	case "settings.path":
		return cfg.Settings.Path, nil
	case "disabled_providers":
		return cfg.DisabledProviders, nil
	case "excluded_processes":
		return cfg.ExcludedProcesses, nil
	default:
		return nil, fmt.Errorf("unknown configuration key: %s", key)
	}
}

func setDuration(dst *time.Duration, value string, allowZero bool) error {
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return fmt.Errorf("invalid duration: %s (e.g. 500ms, 2s)", value)
	}
	*dst = d
	return nil
}

func splitList(value string) []string {
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the directory holding the config file
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}

// SettingsPath returns where the provider settings store lives
func (m *Manager) SettingsPath() string {
	cfg := m.Get()
	if cfg.Settings.Path != "" {
		return cfg.Settings.Path
	}
	name := "settings.yaml"
	if cfg.Settings.Backend == "sqlite" {
		name = "settings.db"
	}
	return filepath.Join(m.GetConfigDir(), name)
}
