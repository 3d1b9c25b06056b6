// Package control follows a planned path with a PID longitudinal controller
// and a proportional steering law, and runs that capability as a pipeline
// operator, locally or on an offload server.
package control

import (
	"fmt"
	"math"
)

// Vector3D is a point or direction in world coordinates, in metres.
type Vector3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Magnitude returns the Euclidean length of v.
func (v Vector3D) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Location is a position in world coordinates.
type Location = Vector3D

// Distance returns the Euclidean distance between two locations.
func Distance(a, b Location) float64 {
	return Vector3D{X: a.X - b.X, Y: a.Y - b.Y, Z: a.Z - b.Z}.Magnitude()
}

// Rotation is an orientation in degrees.
type Rotation struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

// Transform places an object in the world.
type Transform struct {
	Location Location `json:"location"`
	Rotation Rotation `json:"rotation"`
}

func (t Transform) String() string {
	return fmt.Sprintf("Transform(location: (%.2f, %.2f, %.2f), yaw: %.1f)",
		t.Location.X, t.Location.Y, t.Location.Z, t.Rotation.Yaw)
}

// AngleAndMagnitude returns the signed planar angle in radians from t's
// heading to target, and the planar distance to it. The angle is in
// [-pi, pi] and is zero when target coincides with t.
func (t Transform) AngleAndMagnitude(target Location) (float64, float64) {
	dx := target.X - t.Location.X
	dy := target.Y - t.Location.Y
	magnitude := math.Hypot(dx, dy)
	if magnitude == 0 {
		return 0, 0
	}
	yaw := t.Rotation.Yaw * math.Pi / 180
	angle := math.Atan2(dy, dx) - math.Atan2(math.Sin(yaw), math.Cos(yaw))
	if angle > math.Pi {
		angle -= 2 * math.Pi
	} else if angle < -math.Pi {
		angle += 2 * math.Pi
	}
	return angle, magnitude
}

// Pose is the ego vehicle's state at one timestamp.
type Pose struct {
	Transform    Transform `json:"transform"`
	ForwardSpeed float64   `json:"forward_speed"` // m/s
	Velocity     Vector3D  `json:"velocity"`
}

// Waypoints is the path to follow with a target speed per point.
type Waypoints struct {
	Points       []Transform `json:"points"`
	TargetSpeeds []float64   `json:"target_speeds"`
}

// Len returns the number of waypoints.
func (w Waypoints) Len() int { return len(w.Points) }

// Index returns the first waypoint at least minDistance away from t, or the
// last waypoint when none is. It returns -1 for an empty path.
func (w Waypoints) Index(t Transform, minDistance float64) int {
	if len(w.Points) == 0 {
		return -1
	}
	for i, wp := range w.Points {
		if Distance(wp.Location, t.Location) >= minDistance {
			return i
		}
	}
	return len(w.Points) - 1
}

// Angle returns the steering angle towards the waypoint selected by Index.
func (w Waypoints) Angle(t Transform, minDistance float64) (float64, bool) {
	i := w.Index(t, minDistance)
	if i < 0 {
		return 0, false
	}
	angle, _ := t.AngleAndMagnitude(w.Points[i].Location)
	return angle, true
}

// TargetSpeed returns the target speed at the waypoint selected by Index,
// or zero for an empty path or a missing speed entry.
func (w Waypoints) TargetSpeed(t Transform, minDistance float64) float64 {
	i := w.Index(t, minDistance)
	if i < 0 || i >= len(w.TargetSpeeds) {
		return 0
	}
	return w.TargetSpeeds[i]
}

// Command is one actuation request.
type Command struct {
	Steer     float64 `json:"steer"`    // [-1, 1]
	Throttle  float64 `json:"throttle"` // [0, 1]
	Brake     float64 `json:"brake"`    // [0, 1]
	HandBrake bool    `json:"hand_brake"`
	Reverse   bool    `json:"reverse"`
}

// BrakeCommand is the fallback emitted when there is no path to follow.
func BrakeCommand() Command {
	return Command{Steer: 0, Throttle: 0, Brake: 0.5}
}

func (c Command) String() string {
	return fmt.Sprintf("steer=%.3f throttle=%.3f brake=%.3f", c.Steer, c.Throttle, c.Brake)
}
