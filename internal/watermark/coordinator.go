// Package watermark implements the per-operator join discipline: buffer data
// per input stream, track the highest watermark on each input, and fire a
// join for timestamp T exactly once, after every input has reached T, in
// increasing timestamp order.
//
// A Coordinator is owned by one operator and driven from that operator's
// single goroutine. It does no locking.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/banshee-data/drive.sync/internal/stream"
	"github.com/banshee-data/drive.sync/internal/timestamp"
)

var (
	// ErrOrderingViolation is returned when an input delivers a watermark
	// below one it delivered before, or data at or below its watermark. It
	// is fatal to the coordinator.
	ErrOrderingViolation = stream.ErrOrderingViolation

	// ErrTerminated is returned for input delivered after the Top join.
	ErrTerminated = errors.New("coordinator terminated")

	// ErrUnknownStream is returned for events on unregistered streams.
	ErrUnknownStream = errors.New("unknown input stream")
)

// JoinFunc is invoked once per aligned timestamp. A non-nil error stops the
// coordinator and is returned to the caller of OnWatermark.
type JoinFunc func(ctx context.Context, ts timestamp.Timestamp, slots Slots) error

// WatermarkSender is the output side the coordinator forwards watermarks on.
// *stream.Stream implements it.
type WatermarkSender interface {
	SendWatermark(ctx context.Context, ts timestamp.Timestamp) error
}

type state uint8

const (
	stateActive state = iota
	stateTerminated
	stateFailed
)

// Coordinator aligns watermarks across a fixed set of inputs.
type Coordinator struct {
	join    JoinFunc
	outputs []WatermarkSender

	inputs  []stream.ID
	table   Table
	pending map[stream.ID]*PendingBuffer

	// candidates holds every timestamp seen as data or watermark on any input
	// that has not fired yet, sorted ascending.
	candidates []timestamp.Timestamp
	lastFired  timestamp.Timestamp

	state state
	err   error
}

// NewCoordinator creates a coordinator that calls join and forwards
// watermarks to outputs.
func NewCoordinator(join JoinFunc, outputs ...WatermarkSender) *Coordinator {
	return &Coordinator{
		join:      join,
		outputs:   outputs,
		table:     Table{},
		pending:   map[stream.ID]*PendingBuffer{},
		lastFired: timestamp.Bottom(),
	}
}

// Register adds an input stream. All inputs must be registered before the
// first event is delivered.
func (c *Coordinator) Register(id stream.ID) error {
	if _, ok := c.pending[id]; ok {
		return fmt.Errorf("input %s registered twice", id)
	}
	if len(c.candidates) > 0 || !c.lastFired.IsBottom() {
		return fmt.Errorf("register %s after events were delivered", id)
	}
	c.inputs = append(c.inputs, id)
	c.table[id] = timestamp.Bottom()
	c.pending[id] = &PendingBuffer{}
	return nil
}

// Inputs returns the registered input IDs in registration order.
func (c *Coordinator) Inputs() []stream.ID {
	return slices.Clone(c.inputs)
}

// Terminated reports whether the Top join has fired.
func (c *Coordinator) Terminated() bool { return c.state == stateTerminated }

// Err returns the error that stopped the coordinator, if any.
func (c *Coordinator) Err() error { return c.err }

// LastFired returns the most recent joined timestamp, Bottom before the first.
func (c *Coordinator) LastFired() timestamp.Timestamp { return c.lastFired }

// Table returns a copy of the per-input watermark table.
func (c *Coordinator) Table() Table {
	out := make(Table, len(c.table))
	for k, v := range c.table {
		out[k] = v
	}
	return out
}

// Pending returns the number of buffered messages on id.
func (c *Coordinator) Pending(id stream.ID) int {
	if buf, ok := c.pending[id]; ok {
		return buf.Len()
	}
	return 0
}

func (c *Coordinator) check(id stream.ID) (*PendingBuffer, error) {
	switch c.state {
	case stateFailed:
		return nil, c.err
	case stateTerminated:
		return nil, ErrTerminated
	}
	buf, ok := c.pending[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	return buf, nil
}

func (c *Coordinator) fail(err error) error {
	c.state = stateFailed
	c.err = err
	return err
}

// OnData buffers msg for the join at msg.Timestamp.
func (c *Coordinator) OnData(id stream.ID, msg stream.Message) error {
	buf, err := c.check(id)
	if err != nil {
		return err
	}
	if wm := c.table[id]; !wm.Less(msg.Timestamp) {
		return c.fail(fmt.Errorf("%w: data at %v on %s at or below watermark %v",
			ErrOrderingViolation, msg.Timestamp, id, wm))
	}
	if last, ok := buf.Last(); ok && msg.Timestamp.Less(last.Timestamp) {
		return c.fail(fmt.Errorf("%w: data at %v on %s after %v",
			ErrOrderingViolation, msg.Timestamp, id, last.Timestamp))
	}
	buf.Push(msg)
	c.addCandidate(msg.Timestamp)
	return nil
}

// OnWatermark records Watermark(ts) on id and fires every join that became
// ready, in increasing order, forwarding each joined timestamp as a
// watermark on the outputs.
func (c *Coordinator) OnWatermark(ctx context.Context, id stream.ID, ts timestamp.Timestamp) error {
	if _, err := c.check(id); err != nil {
		return err
	}
	prev := c.table[id]
	if ts.Less(prev) {
		return c.fail(fmt.Errorf("%w: watermark %v on %s below %v",
			ErrOrderingViolation, ts, id, prev))
	}
	if ts.Equal(prev) {
		return nil
	}
	c.table[id] = ts
	c.addCandidate(ts)

	return c.flush(ctx, c.table.Ready())
}

func (c *Coordinator) addCandidate(ts timestamp.Timestamp) {
	if !c.lastFired.Less(ts) {
		return
	}
	i, found := slices.BinarySearchFunc(c.candidates, ts, timestamp.Timestamp.Compare)
	if found {
		return
	}
	c.candidates = slices.Insert(c.candidates, i, ts)
}

func (c *Coordinator) flush(ctx context.Context, ready timestamp.Timestamp) error {
	for len(c.candidates) > 0 && !ready.Less(c.candidates[0]) {
		ts := c.candidates[0]
		c.candidates = c.candidates[1:]

		slots := make(Slots, len(c.inputs))
		for _, id := range c.inputs {
			slots[id] = Slot{Messages: c.pending[id].PopThrough(ts)}
		}
		c.lastFired = ts

		if err := c.join(ctx, ts, slots); err != nil {
			return c.fail(fmt.Errorf("join at %v: %w", ts, err))
		}
		for _, out := range c.outputs {
			if err := out.SendWatermark(ctx, ts); err != nil {
				return c.fail(fmt.Errorf("forward watermark %v: %w", ts, err))
			}
		}
		if ts.IsTop() {
			c.state = stateTerminated
			c.candidates = nil
			return nil
		}
	}
	return nil
}
