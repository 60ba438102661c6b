// Package checkpoint persists the pipeline resume position. The file on disk
// is always either the previous complete version or the newest complete
// version: writers go through a sibling temp file and a single rename.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StageNone is the sentinel stage for a missing or unreadable checkpoint.
const StageNone = "none"

// Checkpoint is the persisted resume record.
type Checkpoint struct {
	Stage string         `json:"stage"`
	Meta  map[string]any `json:"meta,omitempty"`
	TS    string         `json:"ts"`
}

// Store reads and advances the checkpoint. Single writer per run; no locking.
type Store interface {
	// Read returns the current checkpoint. A missing or unparsable file
	// yields the StageNone sentinel, never an error: corrupt checkpoints
	// reset the resume position instead of aborting the pipeline.
	Read() Checkpoint

	// Advance merges metaPatch into the existing meta (last write wins per
	// key) and atomically persists {stage, meta, ts}.
	Advance(stage string, metaPatch map[string]any) error
}

type fileStore struct {
	path string
}

// NewStore creates a file-backed checkpoint store.
func NewStore(path string) Store {
	return &fileStore{path: path}
}

func (s *fileStore) Read() Checkpoint {
	ck := Checkpoint{Stage: StageNone, Meta: map[string]any{}}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return ck
	}
	var parsed Checkpoint
	if err := json.Unmarshal(data, &parsed); err != nil {
		return ck
	}
	if parsed.Stage == "" {
		parsed.Stage = StageNone
	}
	if parsed.Meta == nil {
		parsed.Meta = map[string]any{}
	}
	return parsed
}

func (s *fileStore) Advance(stage string, metaPatch map[string]any) error {
	ck := s.Read()
	ck.Stage = stage
	for k, v := range metaPatch {
		ck.Meta[k] = v
	}
	ck.TS = time.Now().UTC().Format("2006-01-02 15:04:05")

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}

	data, err := json.MarshalIndent(ck, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write to temp file first, then atomic rename
	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath) // cleanup
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	return nil
}
