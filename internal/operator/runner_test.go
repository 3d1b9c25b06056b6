package operator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/drive.sync/internal/monitoring"
	"github.com/banshee-data/drive.sync/internal/stream"
	"github.com/banshee-data/drive.sync/internal/timestamp"
	"github.com/banshee-data/drive.sync/internal/watermark"
)

// summingOperator emits the sum of both inputs per timestamp, or -1 when an
// input skipped the timestamp.
type summingOperator struct {
	out      *stream.Stream
	observed []stream.Message
}

func (o *summingOperator) OnData(_ stream.ID, msg stream.Message) error {
	o.observed = append(o.observed, msg)
	return nil
}

func (o *summingOperator) OnWatermarkAligned(ctx context.Context, ts timestamp.Timestamp, slots watermark.Slots) error {
	if ts.IsTop() {
		return nil
	}
	a, okA := watermark.Payload[int](slots, "a")
	b, okB := watermark.Payload[int](slots, "b")
	sum := a + b
	if !okA || !okB {
		sum = -1
	}
	return o.out.Send(ctx, ts, sum)
}

func collect(t *testing.T, sub stream.Subscription) <-chan []stream.Event {
	t.Helper()
	done := make(chan []stream.Event, 1)
	go func() {
		var events []stream.Event
		for ev := range sub.C {
			events = append(events, ev)
		}
		done <- events
	}()
	return done
}

func TestRunner_JoinsAndForwardsWatermarks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := stream.New("a", 4)
	b := stream.New("b", 4)
	ttd := stream.New("ttd", 4)
	out := stream.New("sum", 4)

	op := &summingOperator{out: out}
	r := NewRunner("summer", op, out)
	var logs bytes.Buffer
	r.SetLogger(monitoring.NewSingleLogger("", &logs))
	require.NoError(t, r.Join(a))
	require.NoError(t, r.Join(b))
	r.Observe(ttd)
	results := collect(t, out.Subscribe())

	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	for v := int64(1); v <= 3; v++ {
		ts := timestamp.New(v)
		require.NoError(t, a.Send(ctx, ts, int(v)))
		require.NoError(t, a.SendWatermark(ctx, ts))
		require.NoError(t, ttd.Send(ctx, ts, 100))
		if v != 2 {
			require.NoError(t, b.Send(ctx, ts, int(10*v)))
		}
		require.NoError(t, b.SendWatermark(ctx, ts))
	}
	require.NoError(t, a.SendWatermark(ctx, timestamp.Top()))
	require.NoError(t, b.SendWatermark(ctx, timestamp.Top()))
	require.NoError(t, ttd.SendWatermark(ctx, timestamp.Top()))

	require.NoError(t, <-errc)
	events := <-results

	var data []int
	var marks []string
	for _, ev := range events {
		if ev.Kind == stream.KindData {
			data = append(data, ev.Message.Payload.(int))
		} else {
			marks = append(marks, ev.Message.Timestamp.String())
		}
	}
	assert.Equal(t, []int{11, -1, 33}, data)
	assert.Equal(t, []string{"[1]", "[2]", "[3]", "top"}, marks)
	assert.Len(t, op.observed, 3)
	assert.Contains(t, logs.String(), "[summer] ")
	assert.True(t, r.Coordinator().Terminated())
}

func TestRunner_OperatorErrorStops(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("capability failure")
	a := stream.New("a", 1)
	r := NewRunner("failing", JoinFunc(func(context.Context, timestamp.Timestamp, watermark.Slots) error {
		return boom
	}))
	require.NoError(t, r.Join(a))

	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	require.NoError(t, a.SendWatermark(ctx, timestamp.New(1)))

	err := <-errc
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing")
}

func TestRunner_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := stream.New("a", 1)
	r := NewRunner("idle", JoinFunc(func(context.Context, timestamp.Timestamp, watermark.Slots) error {
		return nil
	}))
	require.NoError(t, r.Join(a))

	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestRunner_NoInputs(t *testing.T) {
	r := NewRunner("empty", JoinFunc(nil))
	assert.Error(t, r.Run(context.Background()))
}

func TestRunner_DuplicateJoin(t *testing.T) {
	a := stream.New("a", 1)
	r := NewRunner("dup", JoinFunc(nil))
	require.NoError(t, r.Join(a))
	assert.Error(t, r.Join(a))
}

func ExampleJoinFunc() {
	ctx := context.Background()
	in := stream.New("in", 4)
	r := NewRunner("printer", JoinFunc(func(_ context.Context, ts timestamp.Timestamp, slots watermark.Slots) error {
		fmt.Println(ts, slots.Get("in").Empty())
		return nil
	}))
	_ = r.Join(in)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	_ = in.Send(ctx, timestamp.New(1), "x")
	_ = in.SendWatermark(ctx, timestamp.New(1))
	_ = in.SendWatermark(ctx, timestamp.New(2))
	_ = in.SendWatermark(ctx, timestamp.Top())
	_ = <-done
	// Output:
	// [1] false
	// [2] true
	// top true
}
