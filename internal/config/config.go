// Package config provides YAML configuration loading and validation for the
// DSSE client and server.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// cronParser validates CompactionSchedule using the same five-field spec
// robfig/cron uses at runtime to actually schedule compaction.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ClientConfig is the configuration for the dsse-client binary.
type ClientConfig struct {
	// KeysPath is the path to the encrypted keystore file (see
	// internal/keystore). Default: "./dsse-keys.enc".
	KeysPath string `yaml:"keys_path"`

	// ServerAddress is the address of the dsse-server to connect to,
	// e.g. "127.0.0.1:9443" or a unix socket path prefixed with "unix:".
	ServerAddress string `yaml:"server_address"`

	// UserID identifies this client's document collection on the server.
	UserID string `yaml:"user_id"`

	// DialTimeout bounds the connection attempt to ServerAddress.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is one of text, json.
	LogFormat string `yaml:"log_format"`

	// ManifestPath is the path to the client-side uuid-to-keyword manifest
	// used to resolve which trapdoors a document was filed under when it
	// is later removed. Default: "./dsse-manifest.enc".
	ManifestPath string `yaml:"manifest_path"`
}

// ServerConfig is the configuration for the dsse-server binary.
type ServerConfig struct {
	// ListenAddress is the address the server accepts connections on,
	// e.g. "0.0.0.0:9443" or a unix socket path prefixed with "unix:".
	ListenAddress string `yaml:"listen_address"`

	// StorageRoot is the base directory under which each user's Se.enc,
	// Sr.enc, and document files are kept in a per-user subdirectory.
	StorageRoot string `yaml:"storage_root"`

	// CompactionSchedule is a cron(5) expression (see robfig/cron)
	// controlling how often Se.enc is compacted for every known user.
	// Default: "0 3 * * *" (daily at 03:00).
	CompactionSchedule string `yaml:"compaction_schedule"`

	// ConnectionTimeout is checked by Validate (it must be positive);
	// the server does not apply it to connections.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// MaxConnections is checked by Validate (it must not be negative);
	// the server does not limit concurrent connections by it.
	MaxConnections int `yaml:"max_connections"`

	// MetricsAddress, if non-empty, serves Prometheus metrics on this
	// address (e.g. ":9464"). Empty disables the metrics listener.
	MetricsAddress string `yaml:"metrics_address"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is one of text, json.
	LogFormat string `yaml:"log_format"`
}

// DefaultClientConfig returns a ClientConfig populated with defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		KeysPath:      "./dsse-keys.enc",
		ServerAddress: "127.0.0.1:9443",
		UserID:        "",
		DialTimeout:   10 * time.Second,
		LogLevel:      "info",
		LogFormat:     "text",
		ManifestPath:  "./dsse-manifest.enc",
	}
}

// DefaultServerConfig returns a ServerConfig populated with defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddress:      "0.0.0.0:9443",
		StorageRoot:        "./dsse-data",
		CompactionSchedule: "0 3 * * *",
		ConnectionTimeout:  5 * time.Minute,
		MaxConnections:     0,
		MetricsAddress:     "",
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// LoadClientConfig reads and parses a client configuration file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read client config: %w", err)
	}
	return ParseClientConfig(data)
}

// LoadServerConfig reads and parses a server configuration file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read server config: %w", err)
	}
	return ParseServerConfig(data)
}

// ParseClientConfig parses client configuration from YAML bytes, starting
// from DefaultClientConfig and overlaying whatever the document sets.
func ParseClientConfig(data []byte) (*ClientConfig, error) {
	expanded := expandEnvVars(string(data))

	cfg := DefaultClientConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: client config validation failed: %w", err)
	}
	return cfg, nil
}

// ParseServerConfig parses server configuration from YAML bytes, starting
// from DefaultServerConfig and overlaying whatever the document sets.
func ParseServerConfig(data []byte) (*ServerConfig, error) {
	expanded := expandEnvVars(string(data))

	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: server config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// Supports the ${VAR:-default} form.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the client configuration for errors.
func (c *ClientConfig) Validate() error {
	var errs []string

	if c.KeysPath == "" {
		errs = append(errs, "keys_path is required")
	}
	if c.ServerAddress == "" {
		errs = append(errs, "server_address is required")
	}
	if c.UserID != "" {
		if err := validateUserID(c.UserID); err != nil {
			errs = append(errs, fmt.Sprintf("user_id: %v", err))
		}
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, "dial_timeout must be positive")
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}
	if c.ManifestPath == "" {
		errs = append(errs, "manifest_path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Validate checks the server configuration for errors.
func (c *ServerConfig) Validate() error {
	var errs []string

	if c.ListenAddress == "" {
		errs = append(errs, "listen_address is required")
	}
	if c.StorageRoot == "" {
		errs = append(errs, "storage_root is required")
	}
	if c.CompactionSchedule != "" {
		if _, err := cronParser.Parse(c.CompactionSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("invalid compaction_schedule: %v", err))
		}
	}
	if c.ConnectionTimeout <= 0 {
		errs = append(errs, "connection_timeout must be positive")
	}
	if c.MaxConnections < 0 {
		errs = append(errs, "max_connections must not be negative")
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// validateUserID mirrors serverstore.ValidateUserID's rules so a
// misconfigured client fails fast instead of producing a server-side
// ErrInvalidUserID on the first request.
func validateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("must not be empty")
	}
	if len(id) > 255 {
		return fmt.Errorf("must be at most 255 characters")
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("must not contain path separators or \"..\"")
	}
	return nil
}

// String returns the YAML representation of the client config.
func (c *ClientConfig) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// String returns the YAML representation of the server config.
func (c *ServerConfig) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
