package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// CrashReport is written to the crash directory when a helper goroutine panics.
type CrashReport struct {
	Timestamp    time.Time `json:"timestamp"`
	Operation    string    `json:"operation"`
	PanicValue   string    `json:"panic_value"`
	StackTrace   string    `json:"stack_trace"`
	GOOS         string    `json:"goos"`
	GOARCH       string    `json:"goarch"`
	NumGoroutine int       `json:"num_goroutine"`
}

// CrashHandler converts panics in background work into a dump file plus an
// error log line, so that a bad response or a bug in one request never
// takes the daemon down.
type CrashHandler struct {
	mu     sync.Mutex
	dir    string
	logger *Logger
}

// DefaultCrashDir returns the platform-specific default crash directory.
func DefaultCrashDir() string {
	return filepath.Join(filepath.Dir(defaultLogPath()), "crashes")
}

// NewCrashHandler creates a CrashHandler writing into dir.
func NewCrashHandler(dir string, logger *Logger) *CrashHandler {
	if dir == "" {
		dir = DefaultCrashDir()
	}
	if logger == nil {
		logger = Default()
	}
	return &CrashHandler{dir: dir, logger: logger}
}

// Recover must be deferred directly: defer h.Recover("submit").
func (h *CrashHandler) Recover(op string) {
	if r := recover(); r != nil {
		h.handle(op, r)
	}
}

func (h *CrashHandler) handle(op string, value any) {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Operation:    op,
		PanicValue:   fmt.Sprint(value),
		StackTrace:   string(debug.Stack()),
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
	}

	path, err := h.write(report)
	if err != nil {
		h.logger.Error("recovered panic", "op", op, "panic", report.PanicValue, "dump_error", err)
		return
	}
	h.logger.Error("recovered panic", "op", op, "panic", report.PanicValue, "dump", path)
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(h.dir, 0o750); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}
	name := fmt.Sprintf("crash-%s-%d.json", report.Timestamp.Format("20060102-150405"), report.Timestamp.UnixNano()%1e9)
	path := filepath.Join(h.dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports loads every crash report in the directory.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}
	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var r CrashReport
		if json.Unmarshal(data, &r) == nil {
			reports = append(reports, r)
		}
	}
	return reports, nil
}
