package signals

import (
	"context"
	"errors"
	"iter"
	"testing"
)

func TestCallScoreThreshold(t *testing.T) {
	s := NewSink(0)
	rings := 0
	s.OnCallThreshold(func() { rings++ })

	if s.SetCallScore(4.5) {
		t.Fatalf("fired below threshold")
	}
	if s.CallScore() != 4.5 {
		t.Fatalf("score=%v, want 4.5", s.CallScore())
	}
	if !s.SetCallScore(5) {
		t.Fatalf("did not fire at threshold")
	}
	if s.CallScore() != 0 || rings != 1 {
		t.Fatalf("score=%v rings=%d, want 0 and 1", s.CallScore(), rings)
	}
}

func TestContextAndClear(t *testing.T) {
	s := NewSink(5)
	s.AddContext("likes hiking")
	s.AddContext("budget 200")
	s.SetActionContext(`{"step":2}`)
	if got := s.Context(); len(got) != 2 || got[1] != "budget 200" {
		t.Fatalf("context=%v", got)
	}
	s.Clear()
	if len(s.Context()) != 0 || s.ActionContext() != "" {
		t.Fatalf("not cleared")
	}
}

func seqOf(chunks []string, tail error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
		if tail != nil {
			yield("", tail)
		}
	}
}

func TestStreamSuggestion(t *testing.T) {
	s := NewSink(5)
	if err := s.StreamSuggestion(context.Background(), seqOf([]string{"Try ", "the TrailMaster tent"}, nil)); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got := s.Suggestions(); len(got) != 2 || got[1] != "the TrailMaster tent" {
		t.Fatalf("suggestions=%v", got)
	}

	boom := errors.New("boom")
	if err := s.StreamSuggestion(context.Background(), seqOf([]string{"partial"}, boom)); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
	if got := s.Suggestions(); len(got) != 1 || got[0] != "partial" {
		t.Fatalf("suggestions=%v", got)
	}
}

func TestStreamSuggestionStopsWhenSuperseded(t *testing.T) {
	s := NewSink(5)
	ctx, cancel := context.WithCancel(context.Background())
	seq := func(yield func(string, error) bool) {
		if !yield("old ", nil) {
			return
		}
		cancel()
		if err := s.StreamSuggestion(context.Background(), seqOf([]string{"new"}, nil)); err != nil {
			t.Errorf("newer stream: %v", err)
		}
		yield("stale", nil)
	}
	if err := s.StreamSuggestion(ctx, seq); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want canceled", err)
	}
	if got := s.Suggestions(); len(got) != 1 || got[0] != "new" {
		t.Fatalf("suggestions=%v", got)
	}

	if err := s.StreamSuggestion(ctx, seqOf([]string{"late"}, nil)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want canceled", err)
	}
	if got := s.Suggestions(); len(got) != 1 || got[0] != "new" {
		t.Fatalf("cancelled stream reset the list: %v", got)
	}
}
