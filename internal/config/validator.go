package config

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "bridge.fragment_size")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// portNameRegex validates port names: letters, digits and . _ - / separators
var portNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)

// Size limits enforced by the validator.
const (
	minFragmentSize = 1 << 10
	maxFragmentSize = 16 << 20
	maxMessageSize  = 4 << 30
)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateBridge()...)
	errors = append(errors, c.validateCompanion()...)
	errors = append(errors, c.validateWorker()...)
	errors = append(errors, c.validateLogSink()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateBridge validates the BridgeConfig
func (c *Config) validateBridge() []ValidationError {
	var errors []ValidationError

	if c.Bridge.FragmentSize < minFragmentSize {
		errors = append(errors, ValidationError{
			Field:   "bridge.fragment_size",
			Value:   c.Bridge.FragmentSize,
			Message: fmt.Sprintf("must be at least %d bytes", minFragmentSize),
		})
	} else if c.Bridge.FragmentSize > maxFragmentSize {
		errors = append(errors, ValidationError{
			Field:   "bridge.fragment_size",
			Value:   c.Bridge.FragmentSize,
			Message: fmt.Sprintf("exceeds maximum of %d bytes", maxFragmentSize),
		})
	}

	if c.Bridge.MaxMessageSize < c.Bridge.FragmentSize {
		errors = append(errors, ValidationError{
			Field:   "bridge.max_message_size",
			Value:   c.Bridge.MaxMessageSize,
			Message: "must be at least bridge.fragment_size",
		})
	} else if int64(c.Bridge.MaxMessageSize) > maxMessageSize {
		errors = append(errors, ValidationError{
			Field:   "bridge.max_message_size",
			Value:   c.Bridge.MaxMessageSize,
			Message: "exceeds maximum of 4GiB",
		})
	}

	if c.Bridge.AcceptBacklog < 1 {
		errors = append(errors, ValidationError{
			Field:   "bridge.accept_backlog",
			Value:   c.Bridge.AcceptBacklog,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateCompanion validates the CompanionConfig
func (c *Config) validateCompanion() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidTransports(), c.Companion.Transport) {
		errors = append(errors, ValidationError{
			Field:   "companion.transport",
			Value:   c.Companion.Transport,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidTransports(), ", ")),
		})
	}

	if c.Companion.Transport == "websocket" {
		if c.Companion.WebsocketURL == "" {
			errors = append(errors, ValidationError{
				Field:   "companion.websocket_url",
				Value:   c.Companion.WebsocketURL,
				Message: "is required when companion.transport is websocket",
			})
		} else if u, err := url.Parse(c.Companion.WebsocketURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errors = append(errors, ValidationError{
				Field:   "companion.websocket_url",
				Value:   c.Companion.WebsocketURL,
				Message: "must be a ws:// or wss:// URL",
			})
		}
	}

	if c.Companion.ShutdownTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "companion.shutdown_timeout_seconds",
			Value:   c.Companion.ShutdownTimeoutSeconds,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateWorker validates the WorkerConfig
func (c *Config) validateWorker() []ValidationError {
	var errors []ValidationError

	if c.Worker.PoolMax < 1 {
		errors = append(errors, ValidationError{
			Field:   "worker.pool_max",
			Value:   c.Worker.PoolMax,
			Message: "must be at least 1",
		})
	}

	if c.Worker.PoolMin < 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.pool_min",
			Value:   c.Worker.PoolMin,
			Message: "must be non-negative",
		})
	} else if c.Worker.PoolMax >= 1 && c.Worker.PoolMin > c.Worker.PoolMax {
		errors = append(errors, ValidationError{
			Field:   "worker.pool_min",
			Value:   c.Worker.PoolMin,
			Message: "cannot exceed worker.pool_max",
		})
	}

	if c.Worker.CallTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.call_timeout_seconds",
			Value:   c.Worker.CallTimeoutSeconds,
			Message: "must be non-negative (0 disables the timeout)",
		})
	}

	return errors
}

// validateLogSink validates the LogSinkConfig
func (c *Config) validateLogSink() []ValidationError {
	var errors []ValidationError

	if !portNameRegex.MatchString(c.LogSink.Port) {
		errors = append(errors, ValidationError{
			Field:   "logsink.port",
			Value:   c.LogSink.Port,
			Message: "must start with a letter or digit and contain only letters, digits, '.', '_', '-' or '/'",
		})
	}

	for i, pattern := range c.LogSink.Channels {
		if _, err := glob.Compile(pattern); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("logsink.channels[%d]", i),
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}

	if strings.ContainsRune(c.LogSink.Dir, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "logsink.dir",
			Value:   c.LogSink.Dir,
			Message: "path contains invalid null character",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
