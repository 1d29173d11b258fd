package storage

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/saker-ai/concierge/internal/chat"
)

func TestTranscriptLifecycle(t *testing.T) {
	dir := t.TempDir()
	turns := []chat.Turn{
		{Name: "Seth", Message: "hi", Status: chat.StatusDone, Type: chat.SideUser},
		{Name: "Wiry", Message: "hello", Status: chat.StatusDone, Type: chat.SideAssistant},
	}
	if err := SaveTranscript(dir, "thread-a", turns); err != nil {
		t.Fatalf("save: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := SaveTranscript(dir, "thread-b", turns[:1]); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := LoadTranscript(dir, "thread-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Turns) != 2 || got.Turns[1].Message != "hello" {
		t.Fatalf("turns=%+v", got.Turns)
	}

	list := ListTranscripts(dir)
	if len(list) != 2 || list[0].ThreadID != "thread-b" {
		t.Fatalf("list=%+v", list)
	}
	latest, ok, err := LoadLatest(dir)
	if err != nil || !ok || latest.ThreadID != "thread-b" {
		t.Fatalf("latest=%+v ok=%v err=%v", latest, ok, err)
	}

	if !DeleteTranscript(dir, "thread-a") {
		t.Fatalf("delete failed")
	}
	if DeleteTranscript(dir, "thread-a") {
		t.Fatalf("second delete succeeded")
	}
}

func TestTranscriptRejectsUnsafeID(t *testing.T) {
	if err := SaveTranscript(t.TempDir(), "../escape", nil); err == nil {
		t.Fatalf("expected error for unsafe thread id")
	}
	if _, ok, err := LoadLatest(t.TempDir()); ok || err != nil {
		t.Fatalf("empty dir ok=%v err=%v", ok, err)
	}
}

func TestSaveTranscriptConcurrent(t *testing.T) {
	dir := t.TempDir()
	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			turns := []chat.Turn{{Name: "Dana", Message: fmt.Sprintf("turn %d", i), Status: chat.StatusDone, Type: chat.SideUser}}
			errs <- SaveTranscript(dir, "thread-1", turns)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := LoadTranscript(dir, "thread-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Turns) != 1 || !strings.HasPrefix(got.Turns[0].Message, "turn ") {
		t.Fatalf("turns=%+v", got.Turns)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("leftover files: %v", names)
	}
}
