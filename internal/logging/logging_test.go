package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, level)
		})
	}
}

func TestLevelStringRoundTrip(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		require.NoError(t, err)
		assert.Equal(t, level, parsed)
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, LevelInfo, cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
	assert.Equal(t, "stderr", cfg.Output)
	assert.Equal(t, "maxidomd", cfg.Component)
	assert.Positive(t, cfg.MaxSize)
	assert.Positive(t, cfg.MaxBackups)
}

func TestJSONOutputCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &Config{Level: LevelInfo, Format: FormatJSON, Component: "maxidomd"})

	logger.WithComponent("aggregator").Info("session closed", "reason", "idle")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "session closed", entry["msg"])
	assert.Equal(t, "idle", entry["reason"])
	assert.Equal(t, "aggregator", entry["component"])
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &Config{Level: LevelInfo, Format: FormatJSON})

	logger.Info("verify", "attempt", "hunter2", "auth_token", "abc", "surface", "tab-1")

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "abc")
	assert.Contains(t, out, "tab-1")
}

func TestShouldRedact(t *testing.T) {
	assert.True(t, shouldRedact("password"))
	assert.True(t, shouldRedact("Verify_Attempt"))
	assert.True(t, shouldRedact("bearer"))
	assert.False(t, shouldRedact("mode"))
	assert.False(t, shouldRedact("surface"))
}

func TestSetLevelAppliesToChildren(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &Config{Level: LevelInfo, Format: FormatText})
	child := logger.WithComponent("engine")

	child.Debug("hidden")
	assert.Empty(t, buf.String())

	logger.SetLevel(LevelDebug)
	child.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
	assert.Equal(t, LevelDebug, child.GetLevel())
}

func TestFileRotatorWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 1, MaxAge: 7, MaxBackups: 3})
	require.NoError(t, err)
	defer rotator.Close()

	line := []byte("test log line\n")
	n, err := rotator.Write(line)
	require.NoError(t, err)
	assert.Equal(t, len(line), n)
	require.NoError(t, rotator.Sync())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, string(line), string(data))
}

func TestFileRotatorRollsOverOnDayChange(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 1, MaxAge: 7, MaxBackups: 3})
	require.NoError(t, err)

	_, err = rotator.Write([]byte("day one\n"))
	require.NoError(t, err)

	tomorrow := time.Now().Add(24 * time.Hour)
	rotator.now = func() time.Time { return tomorrow }
	_, err = rotator.Write([]byte("day two\n"))
	require.NoError(t, err)
	require.NoError(t, rotator.Close())

	backups, err := rotator.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "day two\n", string(data))
}

func TestAuditLoggerRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	audit, err := NewAuditLogger(&AuditLoggerConfig{FilePath: path, MaxSize: 1, MaxBackups: 2, MaxAge: 1})
	require.NoError(t, err)

	require.NoError(t, audit.Record(AuditEvent{EventType: AuditModeTransition, From: "monitoring", To: "challenged"}))
	require.NoError(t, audit.RecordStartup("test"))
	require.NoError(t, audit.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.Len(t, events, 2)
	assert.Equal(t, AuditModeTransition, events[0].EventType)
	assert.Equal(t, "challenged", events[0].To)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, AuditStartup, events[1].EventType)
}

func TestNilAuditLoggerIsNoop(t *testing.T) {
	var audit *AuditLogger
	assert.NoError(t, audit.Record(AuditEvent{EventType: AuditShutdown}))
	assert.NoError(t, audit.Close())
}

func TestCrashHandlerRecovers(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	h := NewCrashHandler(dir, NewWithWriter(&buf, &Config{Level: LevelInfo}))

	func() {
		defer h.Recover("submit")
		panic("boom")
	}()

	reports, err := h.Reports()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "submit", reports[0].Operation)
	assert.Equal(t, "boom", reports[0].PanicValue)
	assert.True(t, strings.Contains(buf.String(), "recovered panic"))
}
