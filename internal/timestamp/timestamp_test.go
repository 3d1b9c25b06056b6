package timestamp

import (
	"encoding/json"
	"testing"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Timestamp
		want int
	}{
		{"equal", New(1, 2), New(1, 2), 0},
		{"first coordinate", New(1, 9), New(2, 0), -1},
		{"second coordinate", New(3, 4), New(3, 2), 1},
		{"prefix sorts first", New(3), New(3, 0), -1},
		{"bottom below value", Bottom(), New(0), -1},
		{"bottom below empty tuple", Bottom(), New(), -1},
		{"top above value", Top(), New(1 << 62), 1},
		{"top equals top", Top(), Top(), 0},
		{"bottom equals zero value", Bottom(), Timestamp{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
			if got := tt.b.Compare(tt.a); got != -tt.want {
				t.Errorf("Compare(%v, %v) = %d, want %d", tt.b, tt.a, got, -tt.want)
			}
		})
	}
}

func TestNewCopiesCoordinates(t *testing.T) {
	coords := []int64{5, 6}
	ts := New(coords...)
	coords[0] = 99

	if ts.First() != 5 {
		t.Errorf("First() = %d, want 5 after caller mutation", ts.First())
	}

	out := ts.Coordinates()
	out[1] = 42
	if ts.Coordinates()[1] != 6 {
		t.Error("Coordinates() should return a copy")
	}
}

func TestStringAndParse(t *testing.T) {
	for _, ts := range []Timestamp{New(), New(7), New(-1, 2, 3), Top(), Bottom()} {
		s := ts.String()
		parsed, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", s, err)
		}
		if !parsed.Equal(ts) {
			t.Errorf("Parse(%q) = %v, want %v", s, parsed, ts)
		}
	}

	for _, bad := range []string{"", "7", "[1 x]", "[1"} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(%q) expected error", bad)
		}
	}
}

func TestJSONText(t *testing.T) {
	type wrapper struct {
		At Timestamp `json:"at"`
	}
	data, err := json.Marshal(wrapper{At: New(100)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"at":"[100]"}` {
		t.Errorf("unexpected JSON %s", data)
	}

	var got wrapper
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.At.Equal(New(100)) {
		t.Errorf("round trip = %v", got.At)
	}
}

func TestMinMax(t *testing.T) {
	if got := Min(New(3), New(1), Top()); !got.Equal(New(1)) {
		t.Errorf("Min = %v, want [1]", got)
	}
	if got := Min(); !got.IsTop() {
		t.Errorf("Min() of nothing = %v, want top", got)
	}
	if got := Max(New(3), Bottom()); !got.Equal(New(3)) {
		t.Errorf("Max = %v, want [3]", got)
	}
	if got := Max(New(3), Top()); !got.IsTop() {
		t.Errorf("Max = %v, want top", got)
	}
}

func TestFirstOnSentinels(t *testing.T) {
	if Top().First() != 0 || Bottom().First() != 0 {
		t.Error("sentinels have no leading coordinate")
	}
	if Top().Coordinates() != nil {
		t.Error("Top should have nil coordinates")
	}
}
