package watermark

import (
	"github.com/banshee-data/drive.sync/internal/stream"
	"github.com/banshee-data/drive.sync/internal/timestamp"
)

// Table maps each input to the highest watermark it has delivered.
type Table map[stream.ID]timestamp.Timestamp

// Ready returns the minimum watermark across all inputs: the largest
// timestamp for which every input is complete. An empty table is never
// ready.
func (t Table) Ready() timestamp.Timestamp {
	if len(t) == 0 {
		return timestamp.Bottom()
	}
	ready := timestamp.Top()
	for _, wm := range t {
		if wm.Less(ready) {
			ready = wm
		}
	}
	return ready
}

// PendingBuffer is a FIFO of messages not yet consumed by a join.
type PendingBuffer struct {
	items []stream.Message
}

// Push appends msg.
func (b *PendingBuffer) Push(msg stream.Message) {
	b.items = append(b.items, msg)
}

// Len returns the number of buffered messages.
func (b *PendingBuffer) Len() int { return len(b.items) }

// Last returns the most recently pushed message.
func (b *PendingBuffer) Last() (stream.Message, bool) {
	if len(b.items) == 0 {
		return stream.Message{}, false
	}
	return b.items[len(b.items)-1], true
}

// PopThrough removes and returns, in FIFO order, every message whose
// timestamp is at or below ts.
func (b *PendingBuffer) PopThrough(ts timestamp.Timestamp) []stream.Message {
	n := 0
	for n < len(b.items) && !ts.Less(b.items[n].Timestamp) {
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]stream.Message, n)
	copy(out, b.items[:n])
	b.items = b.items[n:]
	if len(b.items) == 0 {
		b.items = nil
	}
	return out
}

// Slot is one input's share of a join. An empty slot is the explicit marker
// that the input produced no data for the joined timestamp.
type Slot struct {
	Messages []stream.Message
}

// Empty reports whether the input had no data at the joined timestamp.
func (s Slot) Empty() bool { return len(s.Messages) == 0 }

// First returns the first message in the slot.
func (s Slot) First() (stream.Message, bool) {
	if len(s.Messages) == 0 {
		return stream.Message{}, false
	}
	return s.Messages[0], true
}

// Slots holds every registered input's slot for one join.
type Slots map[stream.ID]Slot

// Get returns the slot for id. Unknown inputs yield an empty slot.
func (s Slots) Get(id stream.ID) Slot { return s[id] }

// Payload returns the payload of the first message on id, asserting its
// type. ok is false when the slot is empty or the payload has another type.
func Payload[T any](s Slots, id stream.ID) (T, bool) {
	var zero T
	msg, ok := s.Get(id).First()
	if !ok {
		return zero, false
	}
	v, ok := msg.Payload.(T)
	if !ok {
		return zero, false
	}
	return v, true
}
