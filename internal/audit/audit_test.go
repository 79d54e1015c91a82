package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(_ context.Context, event Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.EventType
	}
	return out
}

// heldSink blocks every Emit until release is closed and reports the
// first event it receives on started.
type heldSink struct {
	recordingSink
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newHeldSink() *heldSink {
	return &heldSink{started: make(chan struct{}), release: make(chan struct{})}
}

func (s *heldSink) Emit(ctx context.Context, event Event) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	s.recordingSink.Emit(ctx, event)
}

func TestCategoryJSON(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), Event{ID: "e1", Category: CategoryLockout, EventType: "account_locked"})

	if !bytes.Contains(buf.Bytes(), []byte(`"category":"lockout"`)) {
		t.Fatalf("category not written by name: %s", buf.Bytes())
	}
	var got Event
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Category != CategoryLockout || got.EventType != "account_locked" {
		t.Fatalf("unexpected event %+v", got)
	}
	if err := json.Unmarshal([]byte(`{"category":"billing"}`), &got); err == nil {
		t.Fatal("expected an error for an unknown category")
	}
}

func TestCriticalCategories(t *testing.T) {
	for _, c := range Categories() {
		want := c == CategoryLockout || c == CategoryDeletion
		if c.Critical() != want {
			t.Fatalf("%s critical = %v", c, c.Critical())
		}
	}
}

func TestRouterSendsCategoriesToTheirSinks(t *testing.T) {
	fallback, security := &recordingSink{}, &recordingSink{}
	r := NewRouter(fallback).
		Route(CategoryLockout, security).
		Route(CategoryDeletion, security)

	ctx := context.Background()
	r.Emit(ctx, Event{Category: CategorySession, EventType: "logout_session"})
	r.Emit(ctx, Event{Category: CategoryLockout, EventType: "account_locked"})
	r.Emit(ctx, Event{Category: CategoryDeletion, EventType: "deletion_scheduled"})

	if got := fallback.types(); len(got) != 1 || got[0] != "logout_session" {
		t.Fatalf("fallback got %v", got)
	}
	if got := security.types(); len(got) != 2 || got[0] != "account_locked" || got[1] != "deletion_scheduled" {
		t.Fatalf("security sink got %v", got)
	}

	r.Route(CategoryLockout, nil)
	r.Emit(ctx, Event{Category: CategoryLockout, EventType: "account_locked"})
	if got := fallback.types(); len(got) != 2 {
		t.Fatalf("a cleared route should fall back, fallback got %v", got)
	}
}

func TestDispatcherDisabledIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, NoOpSink{})
	if d != nil {
		t.Fatal("disabled dispatcher should be nil")
	}
	d.Emit(context.Background(), Event{})
	d.Close()
	if d.Dropped() != 0 || d.DroppedByCategory()["lockout"] != 0 {
		t.Fatal("nil dispatcher reports no drops")
	}
}

func TestDispatcherKeepsCriticalEventsWhenFull(t *testing.T) {
	sink := newHeldSink()
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)
	ctx := context.Background()

	d.Emit(ctx, Event{Category: CategorySession, EventType: "first"})
	select {
	case <-sink.started:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received the first event")
	}
	d.Emit(ctx, Event{Category: CategorySession, EventType: "buffered"})
	d.Emit(ctx, Event{Category: CategoryMFA, EventType: "dropped"})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Emit(ctx, Event{Category: CategoryLockout, EventType: "account_locked"})
	}()
	close(sink.release)
	wg.Wait()
	d.Close()

	got := sink.types()
	if len(got) != 3 || got[0] != "first" || got[1] != "buffered" || got[2] != "account_locked" {
		t.Fatalf("delivered %v", got)
	}
	if d.Dropped() != 1 {
		t.Fatalf("expected one drop, got %d", d.Dropped())
	}
	byCategory := d.DroppedByCategory()
	if byCategory["mfa"] != 1 || byCategory["lockout"] != 0 || len(byCategory) != len(Categories()) {
		t.Fatalf("unexpected drops %v", byCategory)
	}
}

func TestDispatcherCloseDeliversQueuedEvents(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink)
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{Category: CategoryAccount, EventType: "signup_success"})
	}
	d.Close()
	d.Close()

	if got := len(sink.types()); got != 10 {
		t.Fatalf("expected 10 delivered events, got %d", got)
	}
	d.Emit(context.Background(), Event{EventType: "late"})
	if got := len(sink.types()); got != 10 {
		t.Fatalf("emit after close must be ignored, got %d events", got)
	}
}

func TestDispatcherCountsCancelledEmit(t *testing.T) {
	sink := newHeldSink()
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1}, sink)
	d.Emit(context.Background(), Event{Category: CategoryOAuth, EventType: "first"})
	<-sink.started
	d.Emit(context.Background(), Event{Category: CategoryOAuth, EventType: "buffered"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Emit(ctx, Event{Category: CategoryDeletion, EventType: "deletion_scheduled"})
	close(sink.release)
	d.Close()

	if got := d.DroppedByCategory()["deletion"]; got != 1 {
		t.Fatalf("a cancelled wait counts as a drop, got %d", got)
	}
}
