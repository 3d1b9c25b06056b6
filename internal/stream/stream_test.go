package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/drive.sync/internal/timestamp"
)

func drain(t *testing.T, sub Subscription) []Event {
	t.Helper()
	var events []Event
	for ev := range sub.C {
		events = append(events, ev)
	}
	return events
}

func TestStream_FanOutAndClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New("pose", 8)
	a := s.Subscribe()
	b := s.Subscribe()

	require.NoError(t, s.Send(ctx, timestamp.New(1), "p1"))
	require.NoError(t, s.SendWatermark(ctx, timestamp.New(1)))
	require.NoError(t, s.SendWatermark(ctx, timestamp.Top()))

	for _, sub := range []Subscription{a, b} {
		events := drain(t, sub)
		require.Len(t, events, 3)
		assert.Equal(t, KindData, events[0].Kind)
		assert.Equal(t, "p1", events[0].Message.Payload)
		assert.Equal(t, KindWatermark, events[1].Kind)
		assert.True(t, events[2].Message.Timestamp.IsTop())
		assert.Equal(t, ID("pose"), sub.Stream)
	}
}

func TestStream_OrderingViolations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("watermark regression", func(t *testing.T) {
		s := New("a", 4)
		require.NoError(t, s.SendWatermark(ctx, timestamp.New(5)))
		err := s.SendWatermark(ctx, timestamp.New(4))
		assert.True(t, errors.Is(err, ErrOrderingViolation))
	})

	t.Run("late data", func(t *testing.T) {
		s := New("a", 4)
		require.NoError(t, s.SendWatermark(ctx, timestamp.New(5)))
		err := s.Send(ctx, timestamp.New(5), nil)
		assert.True(t, errors.Is(err, ErrOrderingViolation))
	})

	t.Run("decreasing data", func(t *testing.T) {
		s := New("a", 4)
		require.NoError(t, s.Send(ctx, timestamp.New(7), nil))
		require.NoError(t, s.Send(ctx, timestamp.New(7), nil))
		err := s.Send(ctx, timestamp.New(6), nil)
		assert.True(t, errors.Is(err, ErrOrderingViolation))
	})

	t.Run("sentinel data", func(t *testing.T) {
		s := New("a", 4)
		assert.Error(t, s.Send(ctx, timestamp.Top(), nil))
	})
}

func TestStream_RepeatedWatermarkIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New("a", 4)
	sub := s.Subscribe()

	require.NoError(t, s.SendWatermark(ctx, timestamp.New(2)))
	require.NoError(t, s.SendWatermark(ctx, timestamp.New(2)))
	require.NoError(t, s.SendWatermark(ctx, timestamp.Top()))

	events := drain(t, sub)
	assert.Len(t, events, 2)
	assert.True(t, s.Watermark().IsTop())
}

func TestStream_SendAfterTop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New("a", 1)
	require.NoError(t, s.SendWatermark(ctx, timestamp.Top()))

	assert.True(t, errors.Is(s.Send(ctx, timestamp.New(1), nil), ErrClosed))
	assert.True(t, errors.Is(s.SendWatermark(ctx, timestamp.Top()), ErrClosed))

	late := s.Subscribe()
	_, ok := <-late.C
	assert.False(t, ok, "subscription taken after close should be closed")
}

func TestStream_SendHonoursContext(t *testing.T) {
	t.Parallel()
	s := New("a", 1)
	_ = s.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Send(ctx, timestamp.New(1), nil))
	err := s.Send(ctx, timestamp.New(2), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
