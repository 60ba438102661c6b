package system

import "fmt"

// CommandError reports a collaborator binary that ran and exited nonzero.
// It exposes the child's exit code so a stage failure can surface it as the
// process exit code.
type CommandError struct {
	Name   string
	Code   int
	Stderr string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited %d", e.Name, e.Code)
	}
	return fmt.Sprintf("%s exited %d: %s", e.Name, e.Code, e.Stderr)
}

// ExitCode returns the child's exit code.
func (e *CommandError) ExitCode() int { return e.Code }
