package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Category groups event types by the part of the identity provider that
// raised them.
type Category uint8

const (
	CategoryAccount Category = iota
	CategorySession
	CategoryLockout
	CategoryMFA
	CategoryOAuth
	CategoryDeletion
	CategoryTunnel
	CategoryRateLimit

	numCategories
)

var categoryNames = [numCategories]string{
	CategoryAccount:   "account",
	CategorySession:   "session",
	CategoryLockout:   "lockout",
	CategoryMFA:       "mfa",
	CategoryOAuth:     "oauth",
	CategoryDeletion:  "deletion",
	CategoryTunnel:    "tunnel",
	CategoryRateLimit: "rate_limit",
}

// Categories returns every category in declaration order.
func Categories() []Category {
	out := make([]Category, numCategories)
	for i := range out {
		out[i] = Category(i)
	}
	return out
}

func (c Category) String() string {
	if c < numCategories {
		return categoryNames[c]
	}
	return "unknown"
}

// Critical reports whether events of this category must reach the sink
// even when the dispatcher drops under backpressure.
func (c Category) Critical() bool {
	return c == CategoryLockout || c == CategoryDeletion
}

func (c Category) MarshalText() ([]byte, error) {
	if c >= numCategories {
		return nil, fmt.Errorf("audit: unknown category %d", c)
	}
	return []byte(categoryNames[c]), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	for i, name := range categoryNames {
		if name == string(b) {
			*c = Category(i)
			return nil
		}
	}
	return fmt.Errorf("audit: unknown category %q", b)
}

// Event is one security-relevant record. ConnID is set for commands that
// arrived over the encrypted tunnel.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Category  Category          `json:"category"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	ConnID    string            `json:"conn_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives events from the dispatcher goroutine.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops every event.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// Router hands each event to the sink registered for its category and
// everything else to the fallback.
type Router struct {
	routes   [numCategories]Sink
	fallback Sink
}

func NewRouter(fallback Sink) *Router {
	if fallback == nil {
		fallback = NoOpSink{}
	}
	return &Router{fallback: fallback}
}

// Route sends events of c to sink. A nil sink restores the fallback.
func (r *Router) Route(c Category, sink Sink) *Router {
	if c < numCategories {
		r.routes[c] = sink
	}
	return r
}

func (r *Router) Emit(ctx context.Context, event Event) {
	if r == nil {
		return
	}
	if event.Category < numCategories {
		if sink := r.routes[event.Category]; sink != nil {
			sink.Emit(ctx, event)
			return
		}
	}
	r.fallback.Emit(ctx, event)
}

// ChannelSink forwards events to a buffered channel for in-process
// consumers. Emit waits for room unless ctx is done.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event { return s.events }

// JSONWriterSink appends one JSON line per event to w. Write errors are
// counted rather than returned.
type JSONWriterSink struct {
	mu     sync.Mutex
	enc    *json.Encoder
	failed uint64
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	if w == nil {
		return &JSONWriterSink{}
	}
	return &JSONWriterSink{enc: json.NewEncoder(w)}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.enc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(event); err != nil {
		s.failed++
	}
}

// Failed returns how many events could not be written.
func (s *JSONWriterSink) Failed() uint64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}
