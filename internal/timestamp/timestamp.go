// Package timestamp provides the logical clock carried by every message and
// watermark in the pipeline.
//
// A Timestamp is an ordered tuple of integer coordinates compared
// lexicographically. Two distinguished values bracket the ordinary ones:
// Bottom sorts below every timestamp and is the initial watermark of a
// stream, and Top sorts above every timestamp and signals shutdown.
package timestamp

import (
	"fmt"
	"strconv"
	"strings"
)

type kind uint8

const (
	kindBottom kind = iota
	kindValue
	kindTop
)

// Timestamp is an immutable logical time. The zero value is Bottom.
type Timestamp struct {
	kind   kind
	coords []int64
}

// New returns a timestamp with the given coordinates. The slice is copied.
func New(coords ...int64) Timestamp {
	c := make([]int64, len(coords))
	copy(c, coords)
	return Timestamp{kind: kindValue, coords: c}
}

// Top returns the terminal sentinel.
func Top() Timestamp { return Timestamp{kind: kindTop} }

// Bottom returns the minimum timestamp.
func Bottom() Timestamp { return Timestamp{kind: kindBottom} }

// IsTop reports whether t is the terminal sentinel.
func (t Timestamp) IsTop() bool { return t.kind == kindTop }

// IsBottom reports whether t is the minimum timestamp.
func (t Timestamp) IsBottom() bool { return t.kind == kindBottom }

// Coordinates returns a copy of the coordinates. Top and Bottom have none.
func (t Timestamp) Coordinates() []int64 {
	if t.kind != kindValue {
		return nil
	}
	c := make([]int64, len(t.coords))
	copy(c, t.coords)
	return c
}

// First returns the leading coordinate, or 0 when there is none.
func (t Timestamp) First() int64 {
	if t.kind != kindValue || len(t.coords) == 0 {
		return 0
	}
	return t.coords[0]
}

// Compare returns -1, 0 or +1 depending on whether t sorts before, equal to
// or after o.
func (t Timestamp) Compare(o Timestamp) int {
	if t.kind != o.kind {
		if t.kind < o.kind {
			return -1
		}
		return 1
	}
	if t.kind != kindValue {
		return 0
	}
	n := len(t.coords)
	if len(o.coords) < n {
		n = len(o.coords)
	}
	for i := 0; i < n; i++ {
		switch {
		case t.coords[i] < o.coords[i]:
			return -1
		case t.coords[i] > o.coords[i]:
			return 1
		}
	}
	switch {
	case len(t.coords) < len(o.coords):
		return -1
	case len(t.coords) > len(o.coords):
		return 1
	}
	return 0
}

// Less reports whether t sorts strictly before o.
func (t Timestamp) Less(o Timestamp) bool { return t.Compare(o) < 0 }

// Equal reports whether t and o are the same logical time.
func (t Timestamp) Equal(o Timestamp) bool { return t.Compare(o) == 0 }

// String formats t as "[c0 c1 ...]", "top" or "bottom".
func (t Timestamp) String() string {
	switch t.kind {
	case kindTop:
		return "top"
	case kindBottom:
		return "bottom"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, c := range t.coords {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatInt(c, 10))
	}
	b.WriteByte(']')
	return b.String()
}

// Parse is the inverse of String.
func Parse(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "top":
		return Top(), nil
	case "bottom":
		return Bottom(), nil
	}
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return Timestamp{}, fmt.Errorf("invalid timestamp %q", s)
	}
	fields := strings.Fields(s[1 : len(s)-1])
	coords := make([]int64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return Timestamp{}, fmt.Errorf("invalid timestamp coordinate %q: %w", f, err)
		}
		coords = append(coords, v)
	}
	return Timestamp{kind: kindValue, coords: coords}, nil
}

// MarshalText implements encoding.TextMarshaler so timestamps survive the
// JSON and CBOR codecs used on the offload wire and in telemetry.
func (t Timestamp) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Timestamp) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler, which CBOR uses by
// default. The encoding is the same as MarshalText.
func (t Timestamp) MarshalBinary() ([]byte, error) { return t.MarshalText() }

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (t *Timestamp) UnmarshalBinary(b []byte) error { return t.UnmarshalText(b) }

// Min returns the smallest of ts, or Top when ts is empty.
func Min(ts ...Timestamp) Timestamp {
	m := Top()
	for _, t := range ts {
		if t.Less(m) {
			m = t
		}
	}
	return m
}

// Max returns the larger of a and b.
func Max(a, b Timestamp) Timestamp {
	if a.Less(b) {
		return b
	}
	return a
}
