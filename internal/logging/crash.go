package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// CrashReport describes one recovered panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandler writes a JSON report for every panic it is handed. The
// daemon keeps running: loop callbacks and bus goroutines recover and
// report instead of taking the process down.
type CrashHandler struct {
	mu        sync.Mutex
	dir       string
	version   string
	component string
	logger    *slog.Logger
	seq       int
}

// CrashHandlerConfig configures the crash handler.
type CrashHandlerConfig struct {
	// Dir receives crash-*.json files. Empty disables the files; panics
	// are still logged.
	Dir       string
	Version   string
	Component string
	Logger    *slog.Logger
}

// NewCrashHandler creates a CrashHandler, creating its directory.
func NewCrashHandler(cfg CrashHandlerConfig) *CrashHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			cfg.Logger.Warn("crash directory unavailable", "dir", cfg.Dir, "error", err)
			cfg.Dir = ""
		}
	}
	return &CrashHandler{
		dir:       cfg.Dir,
		version:   cfg.Version,
		component: cfg.Component,
		logger:    cfg.Logger,
	}
}

// Recover is meant to be deferred at the top of a goroutine.
func (h *CrashHandler) Recover(contextInfo map[string]any) {
	if r := recover(); r != nil {
		h.HandlePanic(r, contextInfo)
	}
}

// Go runs fn on a new goroutine that reports instead of crashing.
func (h *CrashHandler) Go(name string, fn func()) {
	go func() {
		defer h.Recover(map[string]any{"goroutine": name})
		fn()
	}()
}

// HandlePanic logs the panic and writes a crash report. Call it from the
// deferred function that recovered, so the stack still shows the panic.
func (h *CrashHandler) HandlePanic(panicValue any, contextInfo map[string]any) {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(panicValue),
		StackTrace:   string(debug.Stack()),
		Component:    h.component,
		Context:      contextInfo,
	}

	path, err := h.write(report)
	switch {
	case err != nil:
		h.logger.Error("panic recovered", "panic", report.PanicValue, "report_error", err)
	case path != "":
		h.logger.Error("panic recovered", "panic", report.PanicValue, "report", path)
	default:
		h.logger.Error("panic recovered", "panic", report.PanicValue, "stack", report.StackTrace)
	}
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if h.dir == "" {
		return "", nil
	}
	h.mu.Lock()
	h.seq++
	name := fmt.Sprintf("crash-%s-%d.json", report.Timestamp.Format("20060102-150405"), h.seq)
	h.mu.Unlock()

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports returns the stored crash reports, oldest first.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	if h.dir == "" {
		return nil, nil
	}
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
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].Timestamp.Before(reports[j].Timestamp)
	})
	return reports, nil
}

// Prune removes crash reports older than maxAge.
func (h *CrashHandler) Prune(maxAge time.Duration) error {
	if h.dir == "" {
		return nil
	}
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}
