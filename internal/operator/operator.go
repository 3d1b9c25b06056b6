// Package operator runs a pipeline stage on its own goroutine.
//
// A stage implements Operator. A Runner subscribes it to its inputs, feeds
// joined inputs through a watermark.Coordinator and calls
// OnWatermarkAligned once per aligned timestamp. Callbacks never run
// concurrently, so an Operator needs no locking for its own state.
package operator

import (
	"context"

	"github.com/banshee-data/drive.sync/internal/stream"
	"github.com/banshee-data/drive.sync/internal/timestamp"
	"github.com/banshee-data/drive.sync/internal/watermark"
)

// Operator is one pipeline stage.
type Operator interface {
	// OnData is called for every data item on an observed-only input.
	OnData(from stream.ID, msg stream.Message) error

	// OnWatermarkAligned is called once per timestamp, in increasing order,
	// after every joined input has reached ts. The stage must emit its
	// outputs for ts before returning; the runner then forwards ts as a
	// watermark on every output stream.
	OnWatermarkAligned(ctx context.Context, ts timestamp.Timestamp, slots watermark.Slots) error
}

// JoinFunc adapts a function to an Operator that ignores observed data.
type JoinFunc func(ctx context.Context, ts timestamp.Timestamp, slots watermark.Slots) error

// OnData implements Operator.
func (JoinFunc) OnData(stream.ID, stream.Message) error { return nil }

// OnWatermarkAligned implements Operator.
func (f JoinFunc) OnWatermarkAligned(ctx context.Context, ts timestamp.Timestamp, slots watermark.Slots) error {
	return f(ctx, ts, slots)
}
