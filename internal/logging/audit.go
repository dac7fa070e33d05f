package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditModeTransition AuditEventType = "mode_transition"
	AuditVerification   AuditEventType = "verification"
	AuditEnrollment     AuditEventType = "enrollment"
	AuditProfileReset   AuditEventType = "profile_reset"
	AuditAnomaly        AuditEventType = "anomaly"
	AuditStartup        AuditEventType = "startup"
	AuditResume         AuditEventType = "resume"
	AuditShutdown       AuditEventType = "shutdown"
)

// AuditEvent is one security-relevant line in the audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Identity  string         `json:"identity,omitempty"`
	Surface   string         `json:"surface,omitempty"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Result    string         `json:"result,omitempty"` // "success", "failure"
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   filepath.Join(filepath.Dir(defaultLogPath()), "audit.log"),
		MaxSize:    20,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
	}
}

// AuditLogger appends JSON lines to a rotating audit file. A nil
// *AuditLogger is valid and records nothing.
type AuditLogger struct {
	rotator *FileRotator
	mu      sync.Mutex
	now     func() time.Time
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{rotator: rotator, now: time.Now}, nil
}

// Record writes an audit event.
func (a *AuditLogger) Record(event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// RecordStartup writes a startup line with host details.
func (a *AuditLogger) RecordStartup(version string) error {
	host, _ := os.Hostname()
	return a.Record(AuditEvent{
		EventType: AuditStartup,
		Result:    "success",
		Details: map[string]any{
			"version": version,
			"host":    host,
			"goos":    runtime.GOOS,
			"pid":     os.Getpid(),
		},
	})
}

// Close closes the audit file.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	return a.rotator.Close()
}
