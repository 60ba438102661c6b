// Package system wraps external command execution. Every collaborator binary
// in the pipeline (extractors, packers, mount, chroot, ssh) goes through the
// Runner interface so stages can be exercised against a scripted fake.
package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Result holds the outcome of one command invocation. A nonzero exit code is
// data, not an error: callers decide what a failure means.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (r *Result) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + r.Stderr
}

// Runner executes external commands.
type Runner interface {
	// Run executes name with args. The returned error is reserved for
	// failures to run at all (binary missing, context canceled); a command
	// that ran and exited nonzero yields a Result with ExitCode set and a
	// nil error.
	Run(ctx context.Context, name string, args ...string) (*Result, error)

	// RunIn is Run with a working directory.
	RunIn(ctx context.Context, dir, name string, args ...string) (*Result, error)

	// LookPath reports the absolute path of name, or an error if absent.
	LookPath(name string) (string, error)
}

type execRunner struct{}

// NewRunner creates a Runner backed by os/exec.
func NewRunner() Runner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return run(ctx, "", name, args...)
}

func (execRunner) RunIn(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	return run(ctx, dir, name, args...)
}

func (execRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func run(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("run %s: %w", name, err)
	}
	return res, nil
}
