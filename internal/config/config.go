package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete bridge configuration
type Config struct {
	Bridge    BridgeConfig    `mapstructure:"bridge" yaml:"bridge"`
	Companion CompanionConfig `mapstructure:"companion" yaml:"companion"`
	Worker    WorkerConfig    `mapstructure:"worker" yaml:"worker"`
	LogSink   LogSinkConfig   `mapstructure:"logsink" yaml:"logsink"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// BridgeConfig controls the port/link layer
type BridgeConfig struct {
	// FragmentSize is the largest payload in bytes carried by one global frame (default: 65536, min: 1024)
	FragmentSize int `mapstructure:"fragment_size" yaml:"fragment_size"`
	// MaxMessageSize bounds a reassembled global message in bytes (default: 268435456)
	MaxMessageSize int `mapstructure:"max_message_size" yaml:"max_message_size"`
	// AcceptBacklog is how many inbound links a port queues before refusing (default: 128)
	AcceptBacklog int `mapstructure:"accept_backlog" yaml:"accept_backlog"`
}

// CompanionConfig controls the companion process carrying global links
type CompanionConfig struct {
	// Command is the companion executable. Empty means this binary's own
	// "companion" subcommand.
	Command string `mapstructure:"command" yaml:"command"`
	// Args are passed to Command
	Args []string `mapstructure:"args" yaml:"args"`
	// Transport is how the global transport is carried: "pipe" or "websocket" (default: "pipe")
	Transport string `mapstructure:"transport" yaml:"transport"`
	// WebsocketURL is dialed when Transport is "websocket"
	WebsocketURL string `mapstructure:"websocket_url" yaml:"websocket_url"`
	// ShutdownTimeoutSeconds is how long the companion gets to exit after its pipes close (default: 5)
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// WorkerConfig controls workers and worker pools
type WorkerConfig struct {
	// PoolMin is the number of workers a pool starts eagerly (default: 0)
	PoolMin int `mapstructure:"pool_min" yaml:"pool_min"`
	// PoolMax bounds the workers a pool runs at once (default: 4)
	PoolMax int `mapstructure:"pool_max" yaml:"pool_max"`
	// CallTimeoutSeconds aborts a remote call and terminates its worker (0 = disabled)
	CallTimeoutSeconds int `mapstructure:"call_timeout_seconds" yaml:"call_timeout_seconds"`
}

// LogSinkConfig controls the diagnostic log sink
type LogSinkConfig struct {
	// Port is the global port name the sink server listens on (default: "logsink")
	Port string `mapstructure:"port" yaml:"port"`
	// Channels are glob patterns of channels the server records (default: ["*"])
	Channels []string `mapstructure:"channels" yaml:"channels"`
	// Dir is where channel records are written. Empty means the config directory's logs dir.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the log file path. Empty means stderr.
	File string `mapstructure:"file" yaml:"file"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated backups (default: false)
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			FragmentSize:   64 << 10,
			MaxMessageSize: 256 << 20,
			AcceptBacklog:  128,
		},
		Companion: CompanionConfig{
			Command:                "",
			Args:                   []string{},
			Transport:              "pipe",
			ShutdownTimeoutSeconds: 5,
		},
		Worker: WorkerConfig{
			PoolMin:            0,
			PoolMax:            4,
			CallTimeoutSeconds: 0, // Disabled by default
		},
		LogSink: LogSinkConfig{
			Port:     "logsink",
			Channels: []string{"*"},
			Dir:      "",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// ShutdownTimeout returns the companion shutdown timeout as a time.Duration
func (c *CompanionConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// CallTimeout returns the worker call timeout as a time.Duration (0 means disabled)
func (c *WorkerConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// ResolveDir returns the directory the log sink writes to.
// A leading ~ expands to the home directory and relative paths resolve
// against baseDir.
func (c *LogSinkConfig) ResolveDir(baseDir string) string {
	if c.Dir == "" {
		return filepath.Join(baseDir, "logs")
	}

	path := c.Dir
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// SetDefaults registers default values with viper
func SetDefaults() {
	applyDefaults(viper.GetViper())
}

func applyDefaults(v *viper.Viper) {
	defaults := Default()

	// Bridge defaults
	v.SetDefault("bridge.fragment_size", defaults.Bridge.FragmentSize)
	v.SetDefault("bridge.max_message_size", defaults.Bridge.MaxMessageSize)
	v.SetDefault("bridge.accept_backlog", defaults.Bridge.AcceptBacklog)

	// Companion defaults
	v.SetDefault("companion.command", defaults.Companion.Command)
	v.SetDefault("companion.args", defaults.Companion.Args)
	v.SetDefault("companion.transport", defaults.Companion.Transport)
	v.SetDefault("companion.websocket_url", defaults.Companion.WebsocketURL)
	v.SetDefault("companion.shutdown_timeout_seconds", defaults.Companion.ShutdownTimeoutSeconds)

	// Worker defaults
	v.SetDefault("worker.pool_min", defaults.Worker.PoolMin)
	v.SetDefault("worker.pool_max", defaults.Worker.PoolMax)
	v.SetDefault("worker.call_timeout_seconds", defaults.Worker.CallTimeoutSeconds)

	// Log sink defaults
	v.SetDefault("logsink.port", defaults.LogSink.Port)
	v.SetDefault("logsink.channels", defaults.LogSink.Channels)
	v.SetDefault("logsink.dir", defaults.LogSink.Dir)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.file", defaults.Logging.File)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v and validates it
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ReadFile loads and validates the YAML config at path on top of the
// defaults, independent of the global viper instance.
func ReadFile(path string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return LoadFrom(v)
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "bridge")
	}
	// Fall back to ~/.config/bridge
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bridge"
	}
	return filepath.Join(home, ".config", "bridge")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidTransports returns the list of valid companion transports
func ValidTransports() []string {
	return []string{"pipe", "websocket"}
}
