package hctx

import (
	"context"
	"sync"
)

// State holds per-execution handler state: the last reported progress and the callback
// that forwards progress to the owning node.
type State struct {
	// TaskID and TaskType identify the running task. Set before the handler starts.
	TaskID   string
	TaskType string

	mu       sync.Mutex
	progress float64
	report   func(percent float64)
}

// New creates a handler state. report may be nil.
func New(report func(percent float64)) *State { return &State{report: report} }

// SetProgress records percent and forwards it when it changed.
func (s *State) SetProgress(percent float64) {
	s.mu.Lock()
	changed := percent != s.progress
	s.progress = percent
	s.mu.Unlock()
	if changed && s.report != nil {
		s.report(percent)
	}
}

// Progress returns the last recorded progress.
func (s *State) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	st, ok := ctx.Value(ctxKey{}).(*State)
	return st, ok && st != nil
}
