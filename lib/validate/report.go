package validate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Report collects probe outcomes for one validated rootfs. Probes append
// results; nothing is removed once recorded.
type Report struct {
	Label     string         `json:"label"`
	Root      string         `json:"root"`
	Timestamp string         `json:"timestamp"`
	Tests     map[string]any `json:"tests"`
	Warnings  []string       `json:"warnings"`
	Errors    []string       `json:"errors"`
}

// NewReport creates an empty report for label rooted at root.
func NewReport(label, root string) *Report {
	return &Report{
		Label:     label,
		Root:      root,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Tests:     map[string]any{},
		Warnings:  []string{},
		Errors:    []string{},
	}
}

func (r *Report) AddTest(name string, result any) { r.Tests[name] = result }

func (r *Report) Warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Report) Error(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Save persists the report atomically.
func (r *Report) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp report: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}
