package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(time.Hour)

	if got := clock.Now(); !got.Equal(start.Add(time.Hour)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(time.Hour))
	}
}

func TestMockClock_Step(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	clock.SetStep(8 * time.Millisecond)

	sw := StartStopwatch(clock)
	if got := sw.Elapsed(); got != 8*time.Millisecond {
		t.Errorf("Elapsed() = %v, want 8ms", got)
	}
}

func TestMockClock_SleepAdvances(t *testing.T) {
	start := time.Unix(100, 0)
	clock := NewMockClock(start)
	clock.Sleep(50 * time.Millisecond)
	clock.Sleep(25 * time.Millisecond)

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 50*time.Millisecond || sleeps[1] != 25*time.Millisecond {
		t.Errorf("Sleeps() = %v", sleeps)
	}
	if got := clock.Since(start); got != 75*time.Millisecond {
		t.Errorf("Since(start) = %v, want 75ms", got)
	}
}

func TestStartStopwatch_NilClock(t *testing.T) {
	sw := StartStopwatch(nil)
	if sw.Elapsed() < 0 {
		t.Error("negative elapsed time")
	}
}
