// Package offload runs expensive pipeline capabilities on a remote compute
// server.
//
// The wire protocol is one request and one response per round trip over a
// persistent TCP connection. Each message is a frame: a 4-byte unsigned
// big-endian length N followed by N payload bytes produced by a Codec.
// There is at most one outstanding request per connection.
package offload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length of the frame header.
const HeaderSize = 4

// MaxFrameSize bounds the payload a reader will allocate for by default.
// Camera frames dominate request sizes.
const MaxFrameSize = 64 << 20

var (
	// ErrTransport reports a failed round trip: dial failure, short read or
	// write, reset, timeout or cancellation. The connection is invalidated
	// and the next call reconnects.
	ErrTransport = errors.New("offload transport error")

	// ErrFrameTooLarge is returned when a frame header announces more than
	// the reader's limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// WriteFrame writes payload as one frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

// ReadFrame reads one frame. A stream that ends inside a frame yields
// io.ErrUnexpectedEOF; a stream that ends cleanly before the header yields
// io.EOF. limit <= 0 means MaxFrameSize.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = MaxFrameSize
	}
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if uint64(n) > uint64(limit) {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, limit)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
