// Package stream carries timestamped data and watermarks between operators.
//
// A Stream has exactly one producer and any number of subscribers. Every
// subscriber sees the same sequence of events in the order the producer
// sent them. The producer-side invariants are enforced on send: data
// timestamps never decrease, no data is sent at or below a watermark that
// was already sent, and watermarks never regress. Sending the Top watermark
// closes every subscription.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/drive.sync/internal/timestamp"
)

var (
	// ErrOrderingViolation reports a timestamp that goes backwards on a
	// stream: a regressing watermark or late data.
	ErrOrderingViolation = errors.New("ordering violation")

	// ErrClosed is returned when sending on a stream that already carried
	// the Top watermark.
	ErrClosed = errors.New("stream closed")
)

// DefaultBuffer is the per-subscriber channel depth used when a stream is
// created with a non-positive buffer.
const DefaultBuffer = 16

// ID names a stream within one pipeline.
type ID string

// Message is one data item. Payload is owned by the producing stage.
type Message struct {
	Timestamp timestamp.Timestamp
	Payload   any
}

// Kind discriminates data events from watermarks.
type Kind uint8

const (
	KindData Kind = iota
	KindWatermark
)

func (k Kind) String() string {
	if k == KindWatermark {
		return "watermark"
	}
	return "data"
}

// Event is what subscribers receive. For KindWatermark only
// Message.Timestamp is meaningful.
type Event struct {
	Kind    Kind
	Message Message
}

// Subscription is a subscriber's read side. C is closed after the Top
// watermark has been delivered.
type Subscription struct {
	Stream ID
	C      <-chan Event
}

// Stream is a single-producer, multi-subscriber event channel.
type Stream struct {
	id     ID
	buffer int

	mu          sync.Mutex
	subscribers []chan Event
	lastData    timestamp.Timestamp
	sentData    bool
	watermark   timestamp.Timestamp
	closed      bool
}

// New creates a stream. buffer is the channel depth of each subscription.
func New(id ID, buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream{
		id:        id,
		buffer:    buffer,
		watermark: timestamp.Bottom(),
	}
}

// ID returns the stream's name.
func (s *Stream) ID() ID { return s.id }

// Subscribe registers a new reader. Subscriptions must be taken before the
// producer starts sending; a subscriber added later only sees later events.
func (s *Stream) Subscribe() Subscription {
	ch := make(chan Event, s.buffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
	} else {
		s.subscribers = append(s.subscribers, ch)
	}
	return Subscription{Stream: s.id, C: ch}
}

// Watermark returns the highest watermark sent so far.
func (s *Stream) Watermark() timestamp.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Send publishes a data item at ts.
func (s *Stream) Send(ctx context.Context, ts timestamp.Timestamp, payload any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("send on %s: %w", s.id, ErrClosed)
	}
	if ts.IsTop() || ts.IsBottom() {
		s.mu.Unlock()
		return fmt.Errorf("send on %s: data cannot carry sentinel timestamp %v", s.id, ts)
	}
	if !s.watermark.Less(ts) {
		s.mu.Unlock()
		return fmt.Errorf("send on %s: data at %v not above watermark %v: %w", s.id, ts, s.watermark, ErrOrderingViolation)
	}
	if s.sentData && ts.Less(s.lastData) {
		s.mu.Unlock()
		return fmt.Errorf("send on %s: data at %v after %v: %w", s.id, ts, s.lastData, ErrOrderingViolation)
	}
	s.lastData = ts
	s.sentData = true
	subs := s.subscribers
	s.mu.Unlock()

	return deliver(ctx, subs, Event{Kind: KindData, Message: Message{Timestamp: ts, Payload: payload}})
}

// SendWatermark publishes Watermark(ts). Repeating the current watermark is
// a no-op. Sending Top closes every subscription once delivered.
func (s *Stream) SendWatermark(ctx context.Context, ts timestamp.Timestamp) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("watermark on %s: %w", s.id, ErrClosed)
	}
	if ts.Less(s.watermark) {
		s.mu.Unlock()
		return fmt.Errorf("watermark on %s: %v below %v: %w", s.id, ts, s.watermark, ErrOrderingViolation)
	}
	if ts.Equal(s.watermark) {
		s.mu.Unlock()
		return nil
	}
	s.watermark = ts
	subs := s.subscribers
	if ts.IsTop() {
		s.closed = true
	}
	s.mu.Unlock()

	err := deliver(ctx, subs, Event{Kind: KindWatermark, Message: Message{Timestamp: ts}})
	if ts.IsTop() {
		for _, ch := range subs {
			close(ch)
		}
	}
	return err
}

// deliver hands ev to every subscriber, blocking on full channels.
func deliver(ctx context.Context, subs []chan Event, ev Event) error {
	for _, ch := range subs {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
