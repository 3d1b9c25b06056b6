// Package actuator forwards control commands to a drive-by-wire controller
// over a serial link, one text line per command.
package actuator

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/drive.sync/internal/control"
	"github.com/banshee-data/drive.sync/internal/monitoring"
	"github.com/banshee-data/drive.sync/internal/timestamp"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// Port is the part of a serial port the writer needs. serial.Port
// satisfies it; tests substitute an in-memory buffer.
type Port interface {
	io.Writer
	io.Closer
}

// Format renders one command line:
//
//	C,<ts>,<steer>,<throttle>,<brake>,<hand_brake>,<reverse>
//
// ts is the first timestamp coordinate and the booleans are 0 or 1.
func Format(ts timestamp.Timestamp, cmd control.Command) string {
	return fmt.Sprintf("C,%d,%.4f,%.4f,%.4f,%d,%d\n",
		ts.First(), cmd.Steer, cmd.Throttle, cmd.Brake, b2i(cmd.HandBrake), b2i(cmd.Reverse))
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Writer serialises commands onto a Port.
type Writer struct {
	port Port
	log  *monitoring.Logger

	mu     sync.Mutex
	sent   int
	closed bool
}

// NewWriter wraps an open port.
func NewWriter(port Port, logger *monitoring.Logger) *Writer {
	return &Writer{port: port, log: logger.Named("[actuator] ")}
}

// Open opens the serial device at path.
func Open(path string, opts PortOptions, logger *monitoring.Logger) (*Writer, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	w := NewWriter(port, logger)
	w.log.Opsf("opened %s at %d baud", path, mode.BaudRate)
	return w, nil
}

// Send writes cmd for ts.
func (w *Writer) Send(ts timestamp.Timestamp, cmd control.Command) error {
	line := Format(ts, cmd)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriteFailed
	}
	n, err := w.port.Write([]byte(line))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	w.sent++
	w.log.Tracef("sent %q", line)
	return nil
}

// Sent returns the number of commands written.
func (w *Writer) Sent() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent
}

// Close closes the port. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.port.Close()
}
