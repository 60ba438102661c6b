// Package progress maintains the append-only run history file. The file is
// purely observational: the orchestrator never reads it back for control
// decisions.
package progress

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nrednav/cuid2"
)

const (
	StatusInfo  = "info"
	StatusOK    = "ok"
	StatusWarn  = "warn"
	StatusError = "error"
)

// Entry is one history line.
type Entry struct {
	Time    string         `json:"time"`
	Stage   string         `json:"stage"`
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Extra   map[string]any `json:"extra,omitempty"`
}

type historyFile struct {
	RunID   string  `json:"run_id,omitempty"`
	Current string  `json:"current"`
	History []Entry `json:"history"`
}

// Tracker appends entries to the progress file.
type Tracker struct {
	path  string
	runID string
	log   *slog.Logger
}

// NewTracker creates a tracker writing to path. Each tracker stamps a fresh
// run id so interleaved runs are distinguishable in the history.
func NewTracker(path string, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{path: path, runID: cuid2.Generate(), log: log}
}

// RunID returns the id stamped on this run's entries.
func (t *Tracker) RunID() string { return t.runID }

// Update appends an entry and moves the current pointer. Failures are logged
// and swallowed: progress is never allowed to fail a stage. Update on a nil
// Tracker is a no-op, so callers can run without a history file.
func (t *Tracker) Update(stage, status, message string, extra map[string]any) {
	if t == nil {
		return
	}
	if err := t.append(stage, status, message, extra); err != nil {
		t.log.Warn("progress update failed", "stage", stage, "error", err)
		return
	}
	t.log.Info(message, "stage", stage, "status", status)
}

func (t *Tracker) append(stage, status, message string, extra map[string]any) error {
	data := historyFile{RunID: t.runID}
	if raw, err := os.ReadFile(t.path); err == nil {
		// tolerate a corrupt history by starting over
		_ = json.Unmarshal(raw, &data)
	}

	if extra != nil {
		// keep our copy detached from the caller's map
		cp := make(map[string]any, len(extra))
		for k, v := range extra {
			cp[k] = v
		}
		extra = cp
	}
	data.History = append(data.History, Entry{
		Time:    time.Now().UTC().Format("2006-01-02 15:04:05"),
		Stage:   stage,
		Status:  status,
		Message: message,
		Extra:   extra,
	})
	data.Current = stage
	data.RunID = t.runID

	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return fmt.Errorf("create progress directory: %w", err)
	}
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	tempPath := t.path + ".tmp"
	if err := os.WriteFile(tempPath, out, 0644); err != nil {
		return fmt.Errorf("write temp progress: %w", err)
	}
	if err := os.Rename(tempPath, t.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename progress: %w", err)
	}
	return nil
}
