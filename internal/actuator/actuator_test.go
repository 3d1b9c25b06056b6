package actuator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/drive.sync/internal/control"
	"github.com/banshee-data/drive.sync/internal/operator"
	"github.com/banshee-data/drive.sync/internal/stream"
	"github.com/banshee-data/drive.sync/internal/timestamp"
)

type fakePort struct {
	bytes.Buffer
	short  bool
	err    error
	closed int
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.short {
		return p.Buffer.Write(b[:len(b)/2])
	}
	return p.Buffer.Write(b)
}

func (p *fakePort) Close() error {
	p.closed++
	return nil
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		ts   timestamp.Timestamp
		cmd  control.Command
		want string
	}{
		{"brake", timestamp.New(100), control.BrakeCommand(), "C,100,0.0000,0.0000,0.5000,0,0\n"},
		{"drive", timestamp.New(150, 2), control.Command{Steer: -0.25, Throttle: 0.75}, "C,150,-0.2500,0.7500,0.0000,0,0\n"},
		{"flags", timestamp.New(7), control.Command{Brake: 1, HandBrake: true, Reverse: true}, "C,7,0.0000,0.0000,1.0000,1,1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.ts, tt.cmd))
		})
	}
}

func TestWriter_Send(t *testing.T) {
	port := &fakePort{}
	w := NewWriter(port, nil)

	require.NoError(t, w.Send(timestamp.New(1), control.Command{Throttle: 0.5}))
	require.NoError(t, w.Send(timestamp.New(2), control.BrakeCommand()))
	assert.Equal(t, 2, w.Sent())
	assert.Equal(t, 2, strings.Count(port.String(), "\n"))

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, 1, port.closed)
	assert.ErrorIs(t, w.Send(timestamp.New(3), control.BrakeCommand()), ErrWriteFailed)
}

func TestWriter_SendErrors(t *testing.T) {
	t.Run("short write", func(t *testing.T) {
		w := NewWriter(&fakePort{short: true}, nil)
		assert.ErrorIs(t, w.Send(timestamp.New(1), control.BrakeCommand()), ErrWriteFailed)
		assert.Zero(t, w.Sent())
	})
	t.Run("port error", func(t *testing.T) {
		w := NewWriter(&fakePort{err: errors.New("unplugged")}, nil)
		err := w.Send(timestamp.New(1), control.BrakeCommand())
		assert.ErrorIs(t, err, ErrWriteFailed)
		assert.Contains(t, err.Error(), "unplugged")
	})
}

func TestPortOptions_Normalize(t *testing.T) {
	got, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}, got)

	got, err = PortOptions{BaudRate: 9600, Parity: " even "}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "E", got.Parity)

	for _, bad := range []PortOptions{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "mark"},
	} {
		_, err := bad.Normalize()
		assert.Error(t, err, "%+v", bad)
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{StopBits: 1}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 115200, DataBits: 8, StopBits: serial.OneStopBit, Parity: serial.NoParity}, mode)

	mode, err = PortOptions{BaudRate: 19200, DataBits: 7, StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)
	assert.Equal(t, 7, mode.DataBits)

	_, err = PortOptions{Parity: "x"}.SerialMode()
	assert.Error(t, err)
}

func TestOperator_WritesCommandsAndBrakesOnGaps(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	port := &fakePort{}
	w := NewWriter(port, nil)
	op, err := NewOperator("control", w)
	require.NoError(t, err)

	commands := stream.New("control", 0)
	r := operator.NewRunner("actuator", op)
	require.NoError(t, r.Join(commands))
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	require.NoError(t, commands.Send(ctx, timestamp.New(10), control.Message{Command: control.Command{Throttle: 1}}))
	require.NoError(t, commands.SendWatermark(ctx, timestamp.New(10)))
	require.NoError(t, commands.SendWatermark(ctx, timestamp.New(20)))
	require.NoError(t, commands.Send(ctx, timestamp.New(30), control.Message{Command: control.Command{Steer: 0.1}}))
	require.NoError(t, commands.SendWatermark(ctx, timestamp.Top()))
	require.NoError(t, <-errc)

	// The bare watermark at 20 joins with an empty slot.
	assert.Equal(t, "C,10,0.0000,1.0000,0.0000,0,0\n"+
		"C,20,0.0000,0.0000,0.5000,0,0\n"+
		"C,30,0.1000,0.0000,0.0000,0,0\n", port.String())
	assert.Equal(t, 3, w.Sent())

	_, err = NewOperator("control", nil)
	assert.Error(t, err)
}
