// Package signals collects context hints, the call readiness score and
// streamed suggestions produced while a conversation runs.
package signals

import (
	"context"
	"iter"
	"sync"
)

// DefaultCallThreshold is the score at which an outbound call is offered.
const DefaultCallThreshold = 5

// Sink is the context store shared by the router and the action executor.
type Sink struct {
	threshold float64

	mu            sync.Mutex
	context       []string
	actionContext string
	callScore     float64
	suggestions   []string
	onCall        func()
}

// NewSink creates an empty sink. A non-positive threshold selects the default.
func NewSink(threshold float64) *Sink {
	if threshold <= 0 {
		threshold = DefaultCallThreshold
	}
	return &Sink{threshold: threshold}
}

// OnCallThreshold registers the hook fired when the call score crosses the threshold.
func (s *Sink) OnCallThreshold(fn func()) {
	s.mu.Lock()
	s.onCall = fn
	s.mu.Unlock()
}

// AddContext appends a context string.
func (s *Sink) AddContext(text string) {
	s.mu.Lock()
	s.context = append(s.context, text)
	s.mu.Unlock()
}

// Context returns the collected context strings.
func (s *Sink) Context() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.context...)
}

// SetActionContext stores the coordination payload for the action executor.
func (s *Sink) SetActionContext(payload string) {
	s.mu.Lock()
	s.actionContext = payload
	s.mu.Unlock()
}

// ActionContext returns the last coordination payload.
func (s *Sink) ActionContext() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actionContext
}

// SetCallScore records the call readiness score. At or above the threshold
// the score resets to zero and the call hook fires. It reports whether the
// hook fired.
func (s *Sink) SetCallScore(score float64) bool {
	s.mu.Lock()
	if score < s.threshold {
		s.callScore = score
		s.mu.Unlock()
		return false
	}
	s.callScore = 0
	hook := s.onCall
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return true
}

// CallScore returns the current score.
func (s *Sink) CallScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callScore
}

// StreamSuggestion replaces the suggestion list with chunks from seq as they
// arrive. It stops at the first error and returns it. Once ctx is done no
// further chunk is recorded, so a superseded stream cannot write over a newer
// one.
func (s *Sink) StreamSuggestion(ctx context.Context, seq iter.Seq2[string, error]) error {
	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.suggestions = nil
	s.mu.Unlock()
	for chunk, err := range seq {
		if err != nil {
			return err
		}
		s.mu.Lock()
		if err := ctx.Err(); err != nil {
			s.mu.Unlock()
			return err
		}
		s.suggestions = append(s.suggestions, chunk)
		s.mu.Unlock()
	}
	return nil
}

// Suggestions returns the streamed chunks so far.
func (s *Sink) Suggestions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.suggestions...)
}

// Clear drops context, suggestions and the call score.
func (s *Sink) Clear() {
	s.mu.Lock()
	s.context = nil
	s.actionContext = ""
	s.suggestions = nil
	s.callScore = 0
	s.mu.Unlock()
}
