// Package config handles configuration loading, validation, and management for maxidomd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"maxidomd/internal/aggregator"
	"maxidomd/internal/logging"
	"maxidomd/internal/remote"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Session holds the session boundary thresholds.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// Remote configures the classification service client.
	Remote RemoteConfig `toml:"remote" json:"remote" yaml:"remote"`

	// Server configures the surface hub.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// SessionConfig holds the aggregator thresholds.
type SessionConfig struct {
	// IdleTimeoutMs closes a session after this much inactivity.
	IdleTimeoutMs int `toml:"idle_timeout_ms" json:"idle_timeout_ms" yaml:"idle_timeout_ms"`

	// MaxDurationMs caps the wall span of a single session.
	MaxDurationMs int `toml:"max_duration_ms" json:"max_duration_ms" yaml:"max_duration_ms"`

	// MaxVolume caps recorded samples (keys, clicks, pointer points).
	MaxVolume int `toml:"max_volume" json:"max_volume" yaml:"max_volume"`

	// MinMeaningful is the noise floor on keys + clicks + paths.
	MinMeaningful int `toml:"min_meaningful" json:"min_meaningful" yaml:"min_meaningful"`

	// PassiveThreshold is the heartbeat count that marks noise as passive presence.
	PassiveThreshold int `toml:"passive_threshold" json:"passive_threshold" yaml:"passive_threshold"`

	// PathGapMs seals a pointer path after this quiescence.
	PathGapMs int `toml:"path_gap_ms" json:"path_gap_ms" yaml:"path_gap_ms"`

	// QueueSize is the capacity of the capture to aggregator channel.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`

	// MaxSkewMs bounds how far a surface timestamp may drift from the daemon clock.
	MaxSkewMs int `toml:"max_skew_ms" json:"max_skew_ms" yaml:"max_skew_ms"`
}

// RemoteConfig holds classification service settings.
type RemoteConfig struct {
	// BaseURL is the service root, e.g. http://127.0.0.1:8000.
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`

	// TimeoutSec bounds each call.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// Token is sent as a bearer credential when set.
	// Prefer MAXIDOMD_REMOTE_TOKEN over storing it in the file.
	Token string `toml:"token" json:"token" yaml:"token"`
}

// ServerConfig holds surface hub settings.
type ServerConfig struct {
	// ListenAddr is the host:port the hub binds.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`

	// AllowedOrigins lists browser origins accepted on upgrade.
	// Empty allows same-host origins only.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`

	// AuthToken, when set, is required from surfaces and CLI clients.
	AuthToken string `toml:"auth_token" json:"auth_token" yaml:"auth_token"`

	// VerifyPerMinute throttles challenge attempts per surface.
	VerifyPerMinute int `toml:"verify_per_minute" json:"verify_per_minute" yaml:"verify_per_minute"`

	// VerifyBurst is the attempt burst allowed per surface.
	VerifyBurst int `toml:"verify_burst" json:"verify_burst" yaml:"verify_burst"`

	// SendBuffer is the per-surface outbound directive queue length.
	SendBuffer int `toml:"send_buffer" json:"send_buffer" yaml:"send_buffer"`

	// WriteTimeoutSec bounds a single frame write.
	WriteTimeoutSec int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`

	// PingIntervalSec is the keepalive interval.
	PingIntervalSec int `toml:"ping_interval_sec" json:"ping_interval_sec" yaml:"ping_interval_sec"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// SessionRetentionDays prunes the session log; 0 keeps everything.
	SessionRetentionDays int `toml:"session_retention_days" json:"session_retention_days" yaml:"session_retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file" or "both").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the audit trail file; empty disables auditing.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()
	agg := aggregator.DefaultConfig()

	return &Config{
		Version: Version,
		Session: SessionConfig{
			IdleTimeoutMs:    int(agg.IdleTimeout / time.Millisecond),
			MaxDurationMs:    int(agg.MaxDuration / time.Millisecond),
			MaxVolume:        agg.MaxVolume,
			MinMeaningful:    agg.MinMeaningful,
			PassiveThreshold: agg.PassiveThreshold,
			PathGapMs:        int(agg.PathGap / time.Millisecond),
			QueueSize:        1024,
			MaxSkewMs:        2000,
		},
		Remote: RemoteConfig{
			BaseURL:    "http://127.0.0.1:8000",
			TimeoutSec: 10,
		},
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8765",
			VerifyPerMinute: 6,
			VerifyBurst:     3,
			SendBuffer:      16,
			WriteTimeoutSec: 10,
			PingIntervalSec: 30,
		},
		Storage: StorageConfig{
			Path:                 filepath.Join(dir, "maxidomd.db"),
			BusyTimeoutMs:        5000,
			SessionRetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "maxidomd.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
			AuditPath:  filepath.Join(dir, "audit.log"),
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Logging.AuditPath),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DataDir returns the base maxidomd directory.
// Uses platform-specific paths or the MAXIDOMD_DATA_DIR environment override.
func DataDir() string {
	if envDir := os.Getenv("MAXIDOMD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with MAXIDOMD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Remote overrides; the token is expected to come from the environment.
	if v := os.Getenv("MAXIDOMD_REMOTE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv("MAXIDOMD_REMOTE_TOKEN"); v != "" {
		c.Remote.Token = v
	}

	// Server overrides
	if v := os.Getenv("MAXIDOMD_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MAXIDOMD_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("MAXIDOMD_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.AllowedOrigins = origins
	}

	// Storage overrides
	if v := os.Getenv("MAXIDOMD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	// Session overrides
	if v, ok := envInt("MAXIDOMD_IDLE_TIMEOUT_MS"); ok {
		c.Session.IdleTimeoutMs = v
	}
	if v, ok := envInt("MAXIDOMD_MAX_DURATION_MS"); ok {
		c.Session.MaxDurationMs = v
	}
	if v, ok := envInt("MAXIDOMD_MAX_VOLUME"); ok {
		c.Session.MaxVolume = v
	}

	// Logging overrides
	if v := os.Getenv("MAXIDOMD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MAXIDOMD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version: c.Version,
		Session: c.Session,
		Remote:  c.Remote,
		Server:  c.Server,
		Storage: c.Storage,
		Logging: c.Logging,
	}
	clone.Server.AllowedOrigins = append([]string{}, c.Server.AllowedOrigins...)
	return clone
}

// Aggregator converts the session section into aggregator thresholds.
func (c *Config) Aggregator() aggregator.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.Session
	return aggregator.Config{
		IdleTimeout:      time.Duration(s.IdleTimeoutMs) * time.Millisecond,
		MaxDuration:      time.Duration(s.MaxDurationMs) * time.Millisecond,
		MaxVolume:        s.MaxVolume,
		MinMeaningful:    s.MinMeaningful,
		PassiveThreshold: s.PassiveThreshold,
		PathGap:          time.Duration(s.PathGapMs) * time.Millisecond,
	}
}

// RemoteClient converts the remote section into client settings.
func (c *Config) RemoteClient() remote.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return remote.Config{
		BaseURL: c.Remote.BaseURL,
		Timeout: time.Duration(c.Remote.TimeoutSec) * time.Second,
		Token:   c.Remote.Token,
	}
}

// LoggerConfig converts the logging section into logger settings.
func (c *Config) LoggerConfig() *logging.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lc := logging.DefaultConfig()
	if level, err := logging.ParseLevel(c.Logging.Level); err == nil {
		lc.Level = level
	}
	if format, err := logging.ParseFormat(c.Logging.Format); err == nil {
		lc.Format = format
	}
	lc.Output = c.Logging.Output
	lc.FilePath = c.Logging.FilePath
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxAge = c.Logging.MaxAgeDays
	lc.MaxBackups = c.Logging.MaxBackups
	lc.Compress = c.Logging.Compress
	return lc
}

// AuditConfig returns audit logger settings, or nil when auditing is off.
func (c *Config) AuditConfig() *logging.AuditLoggerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Logging.AuditPath == "" {
		return nil
	}
	ac := logging.DefaultAuditConfig()
	ac.FilePath = c.Logging.AuditPath
	return ac
}

// WriteTimeout returns the hub frame write timeout.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutSec) * time.Second
}

// PingInterval returns the hub keepalive interval.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Server.PingIntervalSec) * time.Second
}

// MaxSkew returns the accepted surface clock skew.
func (c *Config) MaxSkew() time.Duration {
	return time.Duration(c.Session.MaxSkewMs) * time.Millisecond
}

// BusyTimeout returns the SQLite busy timeout.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Storage.BusyTimeoutMs) * time.Millisecond
}

// SessionRetention returns how long closed sessions stay in the log.
func (c *Config) SessionRetention() time.Duration {
	return time.Duration(c.Storage.SessionRetentionDays) * 24 * time.Hour
}

func decodeTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}
