package exectool

import (
	"context"
	"sync"
)

// Call is one recorded invocation of a FakeRunner.
type Call struct {
	Name string
	Args []string
}

// FakeRunner records invocations instead of spawning processes. Tests set
// Handler to return canned output or errors; a nil Handler succeeds with no output.
type FakeRunner struct {
	Handler func(name string, args []string) ([]string, error)

	mu    sync.Mutex
	calls []Call
}

// Run records the call and delegates to Handler.
func (f *FakeRunner) Run(_ context.Context, name string, args ...string) ([]string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Name: name, Args: append([]string(nil), args...)})
	f.mu.Unlock()

	if f.Handler == nil {
		return nil, nil
	}
	return f.Handler(name, args)
}

// Calls returns a copy of the recorded invocations in order.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}
