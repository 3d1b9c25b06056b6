package actuator

import (
	"context"
	"fmt"

	"github.com/banshee-data/drive.sync/internal/control"
	"github.com/banshee-data/drive.sync/internal/stream"
	"github.com/banshee-data/drive.sync/internal/timestamp"
	"github.com/banshee-data/drive.sync/internal/watermark"
)

// Operator is a terminal pipeline stage that writes every control message
// to the actuator. A timestamp without a command sends a brake command, so
// the controller never coasts on a stale line.
type Operator struct {
	commands stream.ID
	w        *Writer
}

// NewOperator creates the stage reading control.Message values from
// commands.
func NewOperator(commands stream.ID, w *Writer) (*Operator, error) {
	if w == nil {
		return nil, fmt.Errorf("actuator operator: nil writer")
	}
	return &Operator{commands: commands, w: w}, nil
}

// OnData implements operator.Operator.
func (o *Operator) OnData(stream.ID, stream.Message) error { return nil }

// OnWatermarkAligned implements operator.Operator.
func (o *Operator) OnWatermarkAligned(_ context.Context, ts timestamp.Timestamp, slots watermark.Slots) error {
	if ts.IsTop() {
		return nil
	}
	cmd := control.BrakeCommand()
	if msg, ok := watermark.Payload[control.Message](slots, o.commands); ok {
		cmd = msg.Command
	} else {
		o.w.log.Diagf("@%v: no command, braking", ts)
	}
	return o.w.Send(ts, cmd)
}
