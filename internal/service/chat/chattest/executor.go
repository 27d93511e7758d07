// Package chattest provides an in-memory Executor for exercising the chat
// service and handlers without spawning processes.
package chattest

import (
	"context"
	"sync"
)

// Call records one invocation seen by the Executor.
type Call struct {
	Name string
	Args []string
	Dir  string
}

// Executor is a scripted chat.Executor. Output and Err are returned for every
// call; Chunks, when set, are streamed before returning. Gate, when non-nil,
// blocks each call until a value is received or ctx is done.
type Executor struct {
	Output string
	Err    error
	Chunks []string
	Gate   chan struct{}

	mu      sync.Mutex
	calls   []Call
	running int
	peak    int
}

func (e *Executor) Execute(ctx context.Context, name string, args []string, dir string) (string, error) {
	return e.Stream(ctx, name, args, dir, nil)
}

func (e *Executor) Stream(ctx context.Context, name string, args []string, dir string, onChunk func(string)) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, Call{Name: name, Args: append([]string(nil), args...), Dir: dir})
	e.running++
	if e.running > e.peak {
		e.peak = e.running
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()

	if e.Gate != nil {
		select {
		case <-e.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if onChunk != nil {
		for _, c := range e.Chunks {
			onChunk(c)
		}
	}
	return e.Output, e.Err
}

// Calls returns a copy of the recorded invocations.
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Running returns the number of in-flight calls.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Peak returns the highest number of concurrent calls observed.
func (e *Executor) Peak() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peak
}
