package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	warningFields := []string{
		"server.auth_token",
		"remote.token",
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets callers match any validation failure with ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ValidateConfig performs comprehensive validation of the configuration.
// Warnings alone do not fail validation; use Lint to see them.
func ValidateConfig(c *Config) error {
	errs := Lint(c).Errors()
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Lint returns every finding, warnings included.
func Lint(c *Config) ValidationErrors {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}
	errs = append(errs, validateSession(&c.Session)...)
	errs = append(errs, validateRemote(&c.Remote)...)
	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	return errs
}

func validateSession(s *SessionConfig) ValidationErrors {
	var errs ValidationErrors

	positive := []struct {
		field string
		value int
	}{
		{"session.idle_timeout_ms", s.IdleTimeoutMs},
		{"session.max_duration_ms", s.MaxDurationMs},
		{"session.max_volume", s.MaxVolume},
		{"session.path_gap_ms", s.PathGapMs},
		{"session.queue_size", s.QueueSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, ValidationError{Field: p.field, Message: "must be positive"})
		}
	}

	if s.MinMeaningful < 0 {
		errs = append(errs, ValidationError{Field: "session.min_meaningful", Message: "cannot be negative"})
	}
	if s.PassiveThreshold < 0 {
		errs = append(errs, ValidationError{Field: "session.passive_threshold", Message: "cannot be negative"})
	}
	if s.MaxSkewMs < 0 {
		errs = append(errs, ValidationError{Field: "session.max_skew_ms", Message: "cannot be negative"})
	}
	if s.IdleTimeoutMs > 0 && s.MaxDurationMs > 0 && s.IdleTimeoutMs >= s.MaxDurationMs {
		errs = append(errs, ValidationError{
			Field:   "session.idle_timeout_ms",
			Message: "must be shorter than max_duration_ms",
		})
	}
	if s.MaxSkewMs > 0 && s.IdleTimeoutMs > 0 && s.MaxSkewMs >= s.IdleTimeoutMs {
		errs = append(errs, ValidationError{
			Field:   "session.max_skew_ms",
			Message: "must be shorter than idle_timeout_ms",
		})
	}
	if s.PathGapMs > 0 && s.IdleTimeoutMs > 0 && s.PathGapMs >= s.IdleTimeoutMs {
		errs = append(errs, ValidationError{
			Field:   "session.path_gap_ms",
			Message: "must be shorter than idle_timeout_ms",
		})
	}

	return errs
}

func validateRemote(r *RemoteConfig) ValidationErrors {
	var errs ValidationErrors

	if !isValidURL(r.BaseURL) {
		errs = append(errs, ValidationError{
			Field:   "remote.base_url",
			Message: fmt.Sprintf("invalid URL: %q (must be http or https)", r.BaseURL),
		})
	}
	if r.TimeoutSec < 1 || r.TimeoutSec > 300 {
		errs = append(errs, *RangeError("remote.timeout_sec", 1, 300))
	}
	if r.Token != "" && strings.HasPrefix(r.BaseURL, "http://") && !isLoopbackURL(r.BaseURL) {
		errs = append(errs, ValidationError{
			Field:   "remote.token",
			Message: "bearer token sent over plain http to a non-loopback host",
		})
	}

	return errs
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	host, port, err := net.SplitHostPort(s.ListenAddr)
	if err != nil || port == "" {
		errs = append(errs, ValidationError{
			Field:   "server.listen_addr",
			Message: fmt.Sprintf("invalid listen address: %q", s.ListenAddr),
		})
	} else if s.AuthToken == "" && !isLoopbackHost(host) {
		errs = append(errs, ValidationError{
			Field:   "server.auth_token",
			Message: "hub listens beyond loopback without an auth token",
		})
	}

	for _, o := range s.AllowedOrigins {
		if o != "*" && !isValidURL(o) {
			errs = append(errs, ValidationError{
				Field:   "server.allowed_origins",
				Message: fmt.Sprintf("invalid origin: %q", o),
			})
		}
	}

	if s.VerifyPerMinute < 1 {
		errs = append(errs, ValidationError{Field: "server.verify_per_minute", Message: "must be at least 1"})
	}
	if s.VerifyBurst < 1 {
		errs = append(errs, ValidationError{Field: "server.verify_burst", Message: "must be at least 1"})
	}
	if s.SendBuffer < 1 {
		errs = append(errs, ValidationError{Field: "server.send_buffer", Message: "must be at least 1"})
	}
	if s.WriteTimeoutSec < 1 {
		errs = append(errs, ValidationError{Field: "server.write_timeout_sec", Message: "must be at least 1"})
	}
	if s.PingIntervalSec < 1 {
		errs = append(errs, ValidationError{Field: "server.ping_interval_sec", Message: "must be at least 1"})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, *RequiredFieldError("storage.path"))
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{Field: "storage.busy_timeout_ms", Message: "cannot be negative"})
	}
	if s.SessionRetentionDays < 0 {
		errs = append(errs, ValidationError{Field: "storage.session_retention_days", Message: "cannot be negative"})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file' or 'both'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

// Helper functions

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isLoopbackURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return isLoopbackHost(u.Hostname())
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
