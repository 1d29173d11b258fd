package action

import (
	"errors"
	"testing"

	"github.com/saker-ai/concierge/internal/protocol"
	"github.com/saker-ai/concierge/internal/session"
	"github.com/saker-ai/concierge/internal/signals"
)

type fakeNavigator struct {
	location string
	visited  []string
	err      error
}

func (n *fakeNavigator) Location() string { return n.location }

func (n *fakeNavigator) Navigate(href string) error {
	if n.err != nil {
		return n.err
	}
	n.visited = append(n.visited, href)
	return nil
}

func newExecutor(nav *fakeNavigator) (*Executor, *session.Tracker, *signals.Sink) {
	tracker := session.NewTracker()
	sink := signals.NewSink(5)
	return New(nav, tracker, sink, nil), tracker, sink
}

func TestMoveStartsAndNavigates(t *testing.T) {
	nav := &fakeNavigator{location: "https://shop.example/category/tents?sort=price"}
	e, tracker, _ := newExecutor(nav)

	if err := e.Execute(protocol.ActionRequest{Name: Move, Arguments: `{"href":"/products/tent"}`}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(nav.visited) != 1 || nav.visited[0] != "/products/tent" {
		t.Fatalf("visited=%v", nav.visited)
	}
	last, _ := tracker.LastAction()
	if last.State != session.ActionStarted || last.Page != "/category/tents" {
		t.Fatalf("last=%+v", last)
	}
}

func TestMoveFailureFailsAction(t *testing.T) {
	nav := &fakeNavigator{location: "/", err: errors.New("blocked")}
	e, tracker, _ := newExecutor(nav)

	if err := e.Execute(protocol.ActionRequest{Name: Move, Arguments: `{"href":"/x"}`}); err == nil {
		t.Fatalf("expected navigate error")
	}
	last, _ := tracker.LastAction()
	if last.State != session.ActionFailed {
		t.Fatalf("state=%s, want failed", last.State)
	}
}

func TestConsoleCompletes(t *testing.T) {
	e, tracker, _ := newExecutor(&fakeNavigator{location: "/"})
	if err := e.Execute(protocol.ActionRequest{Name: Console, Arguments: `{"message":"hi"}`}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	last, _ := tracker.LastAction()
	if last.State != session.ActionCompleted || last.Action != Console {
		t.Fatalf("last=%+v", last)
	}
}

func TestThreadUpdatesTracker(t *testing.T) {
	e, tracker, _ := newExecutor(&fakeNavigator{location: "/"})
	if err := e.Execute(protocol.ActionRequest{Name: Thread, Arguments: `{"thread":"thread-42"}`}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := tracker.ThreadID(); got != "thread-42" {
		t.Fatalf("thread=%q", got)
	}
}

func TestCallScoreTriggersRing(t *testing.T) {
	e, _, sink := newExecutor(&fakeNavigator{location: "/"})
	rang := 0
	sink.OnCallThreshold(func() { rang++ })

	if err := e.Execute(protocol.ActionRequest{Name: Call, Arguments: `{"score":3}`}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := e.Execute(protocol.ActionRequest{Name: Call, Arguments: `{"score":6}`}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rang != 1 || sink.CallScore() != 0 {
		t.Fatalf("rang=%d score=%v", rang, sink.CallScore())
	}
}

func TestUnknownAndMalformed(t *testing.T) {
	e, tracker, _ := newExecutor(&fakeNavigator{location: "/"})
	if err := e.Execute(protocol.ActionRequest{Name: "dance", Arguments: "{}"}); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("err=%v, want ErrUnknownAction", err)
	}
	if err := e.Execute(protocol.ActionRequest{Name: Console, Arguments: "{"}); err == nil {
		t.Fatalf("expected argument error")
	}
	if n := len(tracker.Actions()); n != 4 {
		t.Fatalf("records=%d, want 4", n)
	}
}
