// Package pipeline runs an ordered list of stages with checkpointed resume.
// A stage only becomes the resume position after its work and its checkpoint
// write both succeed, so a crash mid-stage replays that stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/k2rebuild/k2rebuild/lib/checkpoint"
	"github.com/k2rebuild/k2rebuild/lib/progress"
)

// Stage is one unit of resumable work. Run returns metadata to merge into
// the checkpoint on success.
type Stage struct {
	ID  string
	Run func(ctx context.Context) (map[string]any, error)
}

// CheckpointTag is the stage value persisted when this stage completes.
func (s Stage) CheckpointTag() string { return s.ID + "_complete" }

// StageError reports which stage failed and the process exit code to use.
type StageError struct {
	StageID string
	Code    int
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.StageID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ExitCode returns the process exit code for this failure.
func (e *StageError) ExitCode() int { return e.Code }

type exitCoder interface{ ExitCode() int }

// Orchestrator drives the stage list against a checkpoint store.
type Orchestrator struct {
	stages       []Stage
	ckpt         checkpoint.Store
	tracker      *progress.Tracker
	log          *slog.Logger
	precondition func(ctx context.Context) error
}

// New creates an orchestrator. precondition, when non-nil, runs before any
// stage on every invocation, including resumed ones. A nil tracker disables
// progress history.
func New(stages []Stage, ckpt checkpoint.Store, tracker *progress.Tracker, log *slog.Logger, precondition func(ctx context.Context) error) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		stages:       stages,
		ckpt:         ckpt,
		tracker:      tracker,
		log:          log,
		precondition: precondition,
	}
}

// Run executes the stage list from the resume position. The first failing
// stage stops the run; its checkpoint is not advanced.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.precondition != nil {
		if err := o.precondition(ctx); err != nil {
			o.tracker.Update("precondition", progress.StatusError, err.Error(), nil)
			return &StageError{StageID: "precondition", Code: exitCodeFor(err), Err: err}
		}
	}

	start := o.resumeIndex()
	if start >= len(o.stages) {
		o.log.Info("all stages already complete", "checkpoint", o.ckpt.Read().Stage)
		return nil
	}

	for i := start; i < len(o.stages); i++ {
		st := o.stages[i]
		o.tracker.Update(st.ID, progress.StatusInfo, "stage started", nil)

		meta, err := st.Run(ctx)
		if err != nil {
			o.tracker.Update(st.ID, progress.StatusError, err.Error(), nil)
			return &StageError{StageID: st.ID, Code: exitCodeFor(err), Err: err}
		}

		if err := o.ckpt.Advance(st.CheckpointTag(), meta); err != nil {
			// an unadvanced checkpoint would silently replay completed
			// work on the next run, so treat the write as part of the stage
			o.tracker.Update(st.ID, progress.StatusError, "checkpoint write failed", nil)
			return &StageError{StageID: st.ID, Code: 1, Err: fmt.Errorf("advance checkpoint: %w", err)}
		}
		o.tracker.Update(st.ID, progress.StatusOK, "stage complete", meta)
	}
	return nil
}

// resumeIndex maps the persisted checkpoint to the index of the first stage
// that still needs to run. Completion tags are matched exactly; a bare stage
// id is accepted for checkpoints written by hand. Anything else restarts the
// pipeline from the top.
func (o *Orchestrator) resumeIndex() int {
	ck := o.ckpt.Read()
	if ck.Stage == checkpoint.StageNone {
		return 0
	}
	for i, st := range o.stages {
		if ck.Stage == st.CheckpointTag() || ck.Stage == st.ID {
			o.log.Info("resuming after completed stage", "stage", st.ID)
			return i + 1
		}
	}
	o.log.Warn("unknown checkpoint stage, restarting from the beginning", "stage", ck.Stage)
	return 0
}

func exitCodeFor(err error) int {
	var ec exitCoder
	if errors.As(err, &ec) && ec.ExitCode() > 0 {
		return ec.ExitCode()
	}
	return 1
}
