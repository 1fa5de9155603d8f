package shell

import (
	"context"
	"sync"
)

// Fake records every command and answers from a table keyed by command line.
// Unknown commands succeed with empty output.
type Fake struct {
	mu        sync.Mutex
	Calls     []string
	Responses map[string]Result
	Failures  map[string]error
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{Responses: map[string]Result{}, Failures: map[string]error{}}
}

func (f *Fake) Run(_ context.Context, name string, args ...string) (Result, error) {
	line := Join(name, args...)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, line)
	return f.Responses[line], f.Failures[line]
}

// Commands returns a copy of the recorded command lines.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}
