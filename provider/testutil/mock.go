// Package testutil provides a scripted provider.Adapter for tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/c360studio/lexitask/task"
)

// Step is one scripted outcome.
type Step struct {
	Result task.Result
	Err    error
}

// MockAdapter is a thread-safe scripted adapter.
//
// Usage:
//
//	// Fails twice with a transient error, then succeeds
//	mock := testutil.NewMockAdapter("builtin",
//	    testutil.Step{Err: task.Errorf(task.ErrNetwork, "reset")},
//	    testutil.Step{Err: task.Errorf(task.ErrNetwork, "reset")},
//	    testutil.Step{Result: task.Result{Text: "house"}},
//	)
//
// When the script runs out the last step repeats.
type MockAdapter struct {
	name string

	mu          sync.Mutex
	steps       []Step
	index       int
	calls       int
	unavailable bool
	destroyed   bool
	delay       time.Duration
	payloads    []task.Payload
	onAttempt   func(ctx context.Context)
}

// NewMockAdapter creates an available adapter running the given script.
func NewMockAdapter(name string, steps ...Step) *MockAdapter {
	return &MockAdapter{name: name, steps: steps}
}

// Succeed returns a mock that always answers with text.
func Succeed(name, text string) *MockAdapter {
	return NewMockAdapter(name, Step{Result: task.Result{Text: text}})
}

// Fail returns a mock that always fails with kind.
func Fail(name string, kind task.ErrorKind) *MockAdapter {
	return NewMockAdapter(name, Step{Err: task.Errorf(kind, "%s scripted failure", name)})
}

// SetAvailable toggles IsAvailable.
func (m *MockAdapter) SetAvailable(available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = !available
}

// SetDelay makes every attempt wait d (or until ctx is done).
func (m *MockAdapter) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// OnAttempt registers a hook run at the start of every attempt.
func (m *MockAdapter) OnAttempt(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAttempt = fn
}

// Name implements provider.Adapter.
func (m *MockAdapter) Name() string {
	return m.name
}

// IsAvailable implements provider.Adapter.
func (m *MockAdapter) IsAvailable(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unavailable && !m.destroyed
}

// Attempt implements provider.Adapter.
func (m *MockAdapter) Attempt(ctx context.Context, _ task.Kind, p task.Payload) (task.Result, error) {
	m.mu.Lock()
	m.calls++
	m.payloads = append(m.payloads, p)
	delay := m.delay
	hook := m.onAttempt

	step := Step{Result: task.Result{Text: "ok"}}
	if len(m.steps) > 0 {
		step = m.steps[min(m.index, len(m.steps)-1)]
		m.index++
	}
	m.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return task.Result{}, ctx.Err()
		case <-timer.C:
		}
	}

	if step.Err != nil {
		return task.Result{}, step.Err
	}
	res := step.Result
	if res.Provider == "" {
		res.Provider = m.name
	}
	return res, nil
}

// Destroy implements provider.Adapter.
func (m *MockAdapter) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed = true
	return nil
}

// Calls returns the number of Attempt calls.
func (m *MockAdapter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Payloads returns the payloads seen by Attempt.
func (m *MockAdapter) Payloads() []task.Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.Payload(nil), m.payloads...)
}

// Destroyed reports whether Destroy was called.
func (m *MockAdapter) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}
