package control

import (
	"math"
	"testing"
	"time"

	"github.com/banshee-data/drive.sync/internal/timeutil"
)

func straightPath(n int, speed float64) Waypoints {
	var w Waypoints
	for i := 1; i <= n; i++ {
		w.Points = append(w.Points, Transform{Location: Location{X: float64(i) * 4}})
		w.TargetSpeeds = append(w.TargetSpeeds, speed)
	}
	return w
}

func TestAngleAndMagnitude(t *testing.T) {
	tests := []struct {
		name      string
		yaw       float64
		target    Location
		wantAngle float64
		wantMag   float64
	}{
		{"ahead", 0, Location{X: 10}, 0, 10},
		{"left", 0, Location{Y: 5}, math.Pi / 2, 5},
		{"right", 0, Location{Y: -5}, -math.Pi / 2, 5},
		{"heading north, target east", 90, Location{X: 3}, -math.Pi / 2, 3},
		{"wraps past pi", 170, Location{X: -1, Y: -0.2}, math.Atan2(-0.2, -1) - 170*math.Pi/180 + 2*math.Pi, math.Hypot(1, 0.2)},
		{"coincident", 45, Location{}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := Transform{Rotation: Rotation{Yaw: tt.yaw}}
			angle, mag := tr.AngleAndMagnitude(tt.target)
			if math.Abs(angle-tt.wantAngle) > 1e-9 {
				t.Errorf("angle = %v, want %v", angle, tt.wantAngle)
			}
			if math.Abs(mag-tt.wantMag) > 1e-9 {
				t.Errorf("magnitude = %v, want %v", mag, tt.wantMag)
			}
			if angle > math.Pi || angle < -math.Pi {
				t.Errorf("angle %v outside [-pi, pi]", angle)
			}
		})
	}
}

func TestWaypointsIndex(t *testing.T) {
	w := straightPath(5, 10) // x = 4, 8, 12, 16, 20
	ego := Transform{}
	if got := w.Index(ego, 5); got != 1 {
		t.Errorf("Index(5) = %d, want 1", got)
	}
	if got := w.Index(ego, 100); got != 4 {
		t.Errorf("Index(100) = %d, want last (4)", got)
	}
	if got := (Waypoints{}).Index(ego, 5); got != -1 {
		t.Errorf("empty Index = %d, want -1", got)
	}
	if got := (Waypoints{Points: w.Points}).TargetSpeed(ego, 5); got != 0 {
		t.Errorf("TargetSpeed without speeds = %v, want 0", got)
	}
}

func TestPIDLongitudinal_ClipsAndBuffers(t *testing.T) {
	pid := NewPIDLongitudinal(1, 0, 0.05, 50*time.Millisecond, false, nil)
	if got := pid.Step(100, 0); got != 1 {
		t.Errorf("large positive error = %v, want 1", got)
	}
	if got := pid.Step(0, 100); got != -1 {
		t.Errorf("large negative error = %v, want -1", got)
	}
	for i := 0; i < 25; i++ {
		pid.Step(1, 0.5)
	}
	if len(pid.history) != pidBufferSize {
		t.Errorf("history length = %d, want %d", len(pid.history), pidBufferSize)
	}
	// error 0.5 * 10 samples * 0.05s * KI 0.05 = 0.0125 integral term
	want := 0.5 + 0.05*(0.5*10*0.05)
	if got := pid.Step(1, 0.5); math.Abs(got-want) > 1e-9 {
		t.Errorf("steady state = %v, want %v", got, want)
	}
}

func TestPIDLongitudinal_RealTime(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	pid := NewPIDLongitudinal(0, 1, 0, 0, true, clock)
	pid.Step(1, 0)
	clock.Advance(100 * time.Millisecond)
	// de = (2 - 1) / 0.1
	if got := pid.Step(2, 0); got != 1 {
		t.Errorf("derivative term = %v, want clipped 1", got)
	}
	pid.Reset()
	if len(pid.history) != 0 {
		t.Error("Reset did not clear history")
	}
}

func TestComputeThrottleAndBrake(t *testing.T) {
	tests := []struct {
		name         string
		current      float64
		target       float64
		wantThrottle float64
		wantBrake    float64
	}{
		{"accelerate", 0, 10, 0.8, 0},
		{"decelerate", 10, 9.5, 0, 0.5},
		{"hold when stopped", 0.5, 0, 0, 1},
		{"rolling back", -0.5, 5, 0.8, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pid := NewPIDLongitudinal(1, 0, 0, 50*time.Millisecond, false, nil)
			throttle, brake := ComputeThrottleAndBrake(pid, tt.current, tt.target, 0.8, 1)
			if math.Abs(throttle-tt.wantThrottle) > 1e-9 || math.Abs(brake-tt.wantBrake) > 1e-9 {
				t.Errorf("got throttle=%v brake=%v, want %v %v", throttle, brake, tt.wantThrottle, tt.wantBrake)
			}
		})
	}
}

func TestRadiansToSteer(t *testing.T) {
	if got := RadiansToSteer(0.5, 0.7); math.Abs(got-0.35) > 1e-9 {
		t.Errorf("RadiansToSteer(0.5) = %v", got)
	}
	if got := RadiansToSteer(3, 0.7); got != 1 {
		t.Errorf("RadiansToSteer(3) = %v, want 1", got)
	}
	if got := RadiansToSteer(-3, 0.7); got != -1 {
		t.Errorf("RadiansToSteer(-3) = %v, want -1", got)
	}
}

func TestController_OutOfWaypoints(t *testing.T) {
	c := NewController(DefaultParams(), nil)
	for n := 0; n < 2; n++ {
		res := c.Compute(Pose{}, straightPath(n, 10))
		if res.Status != StatusOutOfWaypoints {
			t.Errorf("%d waypoints: status = %v", n, res.Status)
		}
		if res.Command != BrakeCommand() {
			t.Errorf("%d waypoints: command = %v, want brake", n, res.Command)
		}
	}
}

func TestWaypoints_AngleEmptyPath(t *testing.T) {
	if _, ok := (Waypoints{}).Angle(Transform{}, 5); ok {
		t.Error("Angle on an empty path should report no waypoint")
	}
	if _, ok := straightPath(2, 10).Angle(Transform{}, 5); !ok {
		t.Error("Angle on a two-point path should select a waypoint")
	}
}

func TestController_FollowsPath(t *testing.T) {
	c := NewController(DefaultParams(), nil)
	wps := Waypoints{
		Points: []Transform{
			{Location: Location{X: 2, Y: 0}},
			{Location: Location{X: 10, Y: 10}},
			{Location: Location{X: 20, Y: 20}},
		},
		TargetSpeeds: []float64{5, 8, 8},
	}
	res := c.Compute(Pose{ForwardSpeed: 3}, wps)
	if res.Status != StatusOK {
		t.Fatalf("status = %v", res.Status)
	}
	if res.WaypointIndex != 1 || res.TargetSpeed != 8 {
		t.Errorf("followed waypoint %d at %v m/s, want 1 at 8", res.WaypointIndex, res.TargetSpeed)
	}
	// 45 degrees left at gain 0.7.
	if want := 0.7 * math.Pi / 4; math.Abs(res.Command.Steer-want) > 1e-9 {
		t.Errorf("steer = %v, want %v", res.Command.Steer, want)
	}
	if res.Command.Throttle != 1 || res.Command.Brake != 0 {
		t.Errorf("command = %v, want full throttle", res.Command)
	}
}
