package runner

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTimeout     = errors.New("command timed out")
	ErrOutputLimit = errors.New("command output exceeded limit")
)

// SpawnError reports a process that could not be started at all: missing
// binary, bad working directory, permission denied.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExecutionError reports a process that ran and exited non-zero.
type ExecutionError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("command exited with status %d", e.ExitCode)
}
