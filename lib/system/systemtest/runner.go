// Package systemtest provides a scripted Runner for exercising pipeline
// components without their external collaborator binaries.
package systemtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/k2rebuild/k2rebuild/lib/system"
)

// Call records one Run invocation.
type Call struct {
	Name string
	Args []string
	Dir  string
}

// Runner is a system.Runner whose behavior is scripted per command name.
type Runner struct {
	mu       sync.Mutex
	calls    []Call
	handlers map[string]func(args []string) (*system.Result, error)
	missing  map[string]bool
}

var _ system.Runner = (*Runner)(nil)

// New creates a scripted runner. Unscripted commands succeed with empty
// output.
func New() *Runner {
	return &Runner{
		handlers: map[string]func(args []string) (*system.Result, error){},
		missing:  map[string]bool{},
	}
}

// Handle scripts the response for a command name.
func (r *Runner) Handle(name string, fn func(args []string) (*system.Result, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// SetMissing makes LookPath (and Run) fail for the given command names.
func (r *Runner) SetMissing(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.missing[n] = true
	}
}

// Calls returns the recorded invocations.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsTo returns the recorded invocations of one command.
func (r *Runner) CallsTo(name string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func (r *Runner) Run(ctx context.Context, name string, args ...string) (*system.Result, error) {
	return r.run(ctx, "", name, args...)
}

func (r *Runner) RunIn(ctx context.Context, dir, name string, args ...string) (*system.Result, error) {
	return r.run(ctx, dir, name, args...)
}

func (r *Runner) run(_ context.Context, dir, name string, args ...string) (*system.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Name: name, Args: args, Dir: dir})
	fn := r.handlers[name]
	miss := r.missing[name]
	r.mu.Unlock()

	if miss {
		return nil, fmt.Errorf("run %s: executable file not found in $PATH", name)
	}
	if fn != nil {
		return fn(args)
	}
	return &system.Result{}, nil
}

func (r *Runner) LookPath(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missing[name] {
		return "", fmt.Errorf("exec: %q: executable file not found in $PATH", name)
	}
	return "/usr/bin/" + name, nil
}
