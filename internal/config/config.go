// Package config provides configuration management for the bloom intent engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the service configuration.
type Config struct {
	Project   ProjectConfig   `toml:"project"`
	Transport TransportConfig `toml:"transport"`
	StatusAPI StatusAPIConfig `toml:"status_api"`
	MCP       MCPConfig       `toml:"mcp"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ProjectConfig controls where per-invocation working state lives.
type ProjectConfig struct {
	DataDir string `toml:"data_dir"`
}

// TransportConfig controls the native-host framed TCP bridge.
type TransportConfig struct {
	Host              string `toml:"host"`
	SubmitPort        int    `toml:"submit_port"`
	ResponsePort      int    `toml:"response_port"`
	PingPortRangeLow  int    `toml:"ping_port_range_low"`
	PingPortRangeHigh int    `toml:"ping_port_range_high"`
	ConnectTimeoutSec int    `toml:"connect_timeout_seconds"`
	RecvTimeoutMs     int    `toml:"recv_timeout_ms"`
	ListenAcceptSec   int    `toml:"listen_accept_seconds"`
	MaxBodyBytes      int64  `toml:"max_body_bytes"`
}

// StatusAPIConfig contains the read-only status HTTP surface settings.
type StatusAPIConfig struct {
	Enabled        bool     `toml:"enabled"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
	RequestTimeout int      `toml:"request_timeout_seconds"`
}

// MCPConfig contains MCP tool-surface settings.
type MCPConfig struct {
	Enabled bool `toml:"enabled"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string      `toml:"level"`
	Format     string      `toml:"format"`
	Output     StringSlice `toml:"output"`
	TimeFormat string      `toml:"time_format"`
	MaxSizeMB  int         `toml:"max_size_mb"`
	MaxBackups int         `toml:"max_backups"`
	MaxAgeDays int         `toml:"max_age_days"`
	Compress   bool        `toml:"compress"`
}

// StringSlice is a custom type that can unmarshal from either a string or []string.
type StringSlice []string

// UnmarshalTOML implements toml.Unmarshaler for flexible config parsing.
func (s *StringSlice) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case string:
		*s = []string{v}
	case []interface{}:
		result := make([]string, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected string in array, got %T", item)
			}
			result[i] = str
		}
		*s = result
	default:
		return fmt.Errorf("expected string or array, got %T", data)
	}
	return nil
}

// DefaultConfig returns the default configuration with all values set.
// Environment variables BLOOM_HOST and BLOOM_PORT override the status API's
// bind address.
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()

	host := "127.0.0.1"
	if envHost := os.Getenv("BLOOM_HOST"); envHost != "" {
		host = envHost
	}

	port := 8420
	if envPort := os.Getenv("BLOOM_PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			port = p
		}
	}

	return &Config{
		Project: ProjectConfig{
			DataDir: dataDir,
		},
		Transport: TransportConfig{
			Host:              "127.0.0.1",
			SubmitPort:        5678,
			ResponsePort:      5679,
			PingPortRangeLow:  5678,
			PingPortRangeHigh: 5697,
			ConnectTimeoutSec: 30,
			RecvTimeoutMs:     500,
			ListenAcceptSec:   300,
			MaxBodyBytes:      10 * 1024 * 1024,
		},
		StatusAPI: StatusAPIConfig{
			Enabled:        true,
			Host:           host,
			Port:           port,
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
			RequestTimeout: 60,
		},
		MCP: MCPConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     StringSlice{"file"},
			TimeFormat: "15:04:05.000",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// DefaultDataDir returns the default data directory based on OS.
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "bloom")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "bloom")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "bloom")
	default: // linux and others
		xdgData := os.Getenv("XDG_DATA_HOME")
		if xdgData != "" {
			return filepath.Join(xdgData, "bloom")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".bloom")
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.toml")
}

// Load loads configuration from a file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.expandPaths()

	return cfg, nil
}

// LoadFromString loads configuration from a TOML string, merging with defaults.
func LoadFromString(tomlStr string) (*Config, error) {
	cfg := DefaultConfig()

	expanded := os.ExpandEnv(tomlStr)

	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config string: %w", err)
	}

	cfg.expandPaths()
	return cfg, nil
}

func (c *Config) expandPaths() {
	home, _ := os.UserHomeDir()

	expandTilde := func(path string) string {
		if strings.HasPrefix(path, "~/") {
			return filepath.Join(home, path[2:])
		}
		return path
	}

	c.Project.DataDir = expandTilde(c.Project.DataDir)
}

// Save saves the configuration to a file in TOML format.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

// StatusAddress returns the full address string for the status API server.
func (c *Config) StatusAddress() string {
	return fmt.Sprintf("%s:%d", c.StatusAPI.Host, c.StatusAPI.Port)
}

// LogPath returns the path to the service log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.Project.DataDir, "logs", "bloom.log")
}

// PIDPath returns the path to the daemon's PID file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Project.DataDir, "bloom.pid")
}

// HealthzURL returns the status API's health-check endpoint, used by the
// daemon to confirm a PID belongs to a live, serving status API rather
// than a reused PID left behind by an unrelated process.
func (c *Config) HealthzURL() string {
	return fmt.Sprintf("http://%s/healthz", c.StatusAddress())
}

// EnsureDirectories creates all necessary directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Project.DataDir,
		filepath.Dir(c.LogPath()),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.StatusAPI.Port < 1 || c.StatusAPI.Port > 65535 {
		return fmt.Errorf("invalid status_api port: %d (must be 1-65535)", c.StatusAPI.Port)
	}

	if c.Transport.SubmitPort < 1 || c.Transport.SubmitPort > 65535 {
		return fmt.Errorf("invalid transport submit_port: %d", c.Transport.SubmitPort)
	}

	if c.Transport.PingPortRangeLow > c.Transport.PingPortRangeHigh {
		return fmt.Errorf("ping_port_range_low must be <= ping_port_range_high")
	}

	if c.Transport.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c

	clone.StatusAPI.AllowedOrigins = make([]string, len(c.StatusAPI.AllowedOrigins))
	copy(clone.StatusAPI.AllowedOrigins, c.StatusAPI.AllowedOrigins)

	clone.Logging.Output = make(StringSlice, len(c.Logging.Output))
	copy(clone.Logging.Output, c.Logging.Output)

	return &clone
}
