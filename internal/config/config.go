// Package config handles devlink configuration loading and validation.
package config

import (
	"fmt"
	"time"
)

// ForwardStrategy selects how tunnels are established.
type ForwardStrategy string

const (
	// StrategySubprocess forwards ports by spawning the system ssh binary.
	StrategySubprocess ForwardStrategy = "subprocess"

	// StrategyNative forwards ports in-process over an SSH client connection.
	StrategyNative ForwardStrategy = "native"
)

// Config is the root configuration structure for devlink.
type Config struct {
	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// SSH transport settings
	SSH SSHConfig `yaml:"ssh" mapstructure:"ssh"`

	// Forward settings for tunnel establishment
	Forward ForwardConfig `yaml:"forward" mapstructure:"forward"`

	// Query settings for remote-service clients
	Query QueryConfig `yaml:"query" mapstructure:"query"`

	// Discovery settings
	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`

	// Journal settings
	Journal JournalConfig `yaml:"journal" mapstructure:"journal"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the log format (json, console).
	Format string `yaml:"format" mapstructure:"format"`
}

// SSHConfig contains settings for the ssh transport and tunnel subprocesses.
type SSHConfig struct {
	// Binary is the ssh executable to run (default: ssh from PATH).
	Binary string `yaml:"binary" mapstructure:"binary"`

	// User is the remote login name (empty means the ssh default).
	User string `yaml:"user" mapstructure:"user"`

	// KeyPath is an optional private key, used by the native forward strategy.
	KeyPath string `yaml:"key_path" mapstructure:"key_path"`

	// ConnectTimeout bounds connection establishment for transport commands.
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`

	// CancelTimeout bounds the -O cancel round trip during tunnel teardown.
	CancelTimeout time.Duration `yaml:"cancel_timeout" mapstructure:"cancel_timeout"`
}

// ForwardConfig contains settings for tunnel establishment.
type ForwardConfig struct {
	// Strategy selects the tunnel implementation (subprocess, native).
	Strategy ForwardStrategy `yaml:"strategy" mapstructure:"strategy"`

	// StartupAckTimeout is how long to watch a freshly launched tunnel
	// subprocess for an early exit before declaring it established.
	StartupAckTimeout time.Duration `yaml:"startup_ack_timeout" mapstructure:"startup_ack_timeout"`
}

// QueryConfig contains settings for remote-service clients.
type QueryConfig struct {
	// DialTimeout bounds client connection establishment per forwarded port.
	DialTimeout time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`

	// RPCTimeout bounds each aggregate query RPC.
	RPCTimeout time.Duration `yaml:"rpc_timeout" mapstructure:"rpc_timeout"`
}

// DiscoveryConfig contains settings for service port discovery.
type DiscoveryConfig struct {
	// ServicesDir is the well-known directory on the device whose entries
	// name the advertised service ports.
	ServicesDir string `yaml:"services_dir" mapstructure:"services_dir"`
}

// JournalConfig contains session journal settings.
type JournalConfig struct {
	// Path is the SQLite journal file path. Empty disables the journal.
	Path string `yaml:"path" mapstructure:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		SSH: SSHConfig{
			Binary:         "ssh",
			ConnectTimeout: 10 * time.Second,
			CancelTimeout:  10 * time.Second,
		},
		Forward: ForwardConfig{
			Strategy:          StrategySubprocess,
			StartupAckTimeout: 500 * time.Millisecond,
		},
		Query: QueryConfig{
			DialTimeout: 5 * time.Second,
			RPCTimeout:  15 * time.Second,
		},
		Discovery: DiscoveryConfig{
			ServicesDir: "/var/run/devlink/services",
		},
		Journal: JournalConfig{
			Path: "",
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Forward.Strategy {
	case StrategySubprocess, StrategyNative:
	default:
		return fmt.Errorf("invalid forward strategy: %q", c.Forward.Strategy)
	}
	if c.SSH.Binary == "" {
		return fmt.Errorf("ssh binary must not be empty")
	}
	if c.SSH.ConnectTimeout <= 0 {
		return fmt.Errorf("ssh connect timeout must be positive")
	}
	if c.SSH.CancelTimeout <= 0 {
		return fmt.Errorf("ssh cancel timeout must be positive")
	}
	if c.Forward.StartupAckTimeout <= 0 {
		return fmt.Errorf("forward startup ack timeout must be positive")
	}
	if c.Query.DialTimeout <= 0 || c.Query.RPCTimeout <= 0 {
		return fmt.Errorf("query timeouts must be positive")
	}
	if c.Discovery.ServicesDir == "" {
		return fmt.Errorf("discovery services dir must not be empty")
	}
	return nil
}
