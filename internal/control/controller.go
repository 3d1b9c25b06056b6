package control

import (
	"time"

	"github.com/banshee-data/drive.sync/internal/timeutil"
)

// Params are the controller gains and path-following limits.
type Params struct {
	PIDP, PIDD, PIDI float64

	// DT is the control period used by the PID when RealTimePID is false.
	DT          time.Duration
	RealTimePID bool

	MinSteerWaypointDistance float64 // m
	MinSpeedWaypointDistance float64 // m
	SteerGain                float64
	ThrottleMax              float64
	BrakeMax                 float64
}

// DefaultParams returns the gains used when nothing is configured.
func DefaultParams() Params {
	return Params{
		PIDP:                     1.0,
		PIDD:                     0.0,
		PIDI:                     0.05,
		DT:                       50 * time.Millisecond,
		MinSteerWaypointDistance: 5,
		MinSpeedWaypointDistance: 5,
		SteerGain:                0.7,
		ThrottleMax:              1,
		BrakeMax:                 1,
	}
}

// Status discriminates controller results.
type Status uint8

const (
	// StatusOK means Command follows the path.
	StatusOK Status = iota
	// StatusOutOfWaypoints means the path had fewer than two points and
	// Command is the brake fallback.
	StatusOutOfWaypoints
	// StatusMissingInput means pose or waypoints were absent at the
	// timestamp and Command is the brake fallback.
	StatusMissingInput
)

func (s Status) String() string {
	switch s {
	case StatusOutOfWaypoints:
		return "out-of-waypoints"
	case StatusMissingInput:
		return "missing-input"
	}
	return "ok"
}

// Result is one control decision.
type Result struct {
	Status  Status
	Command Command

	// TargetSpeed and WaypointIndex describe the path point that was
	// followed. WaypointIndex is -1 for StatusOutOfWaypoints.
	TargetSpeed   float64
	WaypointIndex int
}

// Controller computes commands from pose and waypoints. It keeps PID state
// between calls and is not safe for concurrent use.
type Controller struct {
	params Params
	pid    *PIDLongitudinal
}

// NewController creates a controller. clock drives the real-time PID and
// may be nil.
func NewController(p Params, clock timeutil.Clock) *Controller {
	return &Controller{
		params: p,
		pid:    NewPIDLongitudinal(p.PIDP, p.PIDD, p.PIDI, p.DT, p.RealTimePID, clock),
	}
}

// Params returns the controller's parameters.
func (c *Controller) Params() Params { return c.params }

// Compute returns the command for one timestamp.
func (c *Controller) Compute(pose Pose, wps Waypoints) Result {
	if wps.Len() < 2 {
		return Result{Status: StatusOutOfWaypoints, Command: BrakeCommand(), WaypointIndex: -1}
	}
	ego := pose.Transform
	angle, ok := wps.Angle(ego, c.params.MinSteerWaypointDistance)
	if !ok {
		return Result{Status: StatusOutOfWaypoints, Command: BrakeCommand(), WaypointIndex: -1}
	}
	target := wps.TargetSpeed(ego, c.params.MinSpeedWaypointDistance)
	throttle, brake := ComputeThrottleAndBrake(c.pid, pose.ForwardSpeed, target,
		c.params.ThrottleMax, c.params.BrakeMax)

	return Result{
		Status: StatusOK,
		Command: Command{
			Steer:    RadiansToSteer(angle, c.params.SteerGain),
			Throttle: throttle,
			Brake:    brake,
		},
		TargetSpeed:   target,
		WaypointIndex: wps.Index(ego, c.params.MinSteerWaypointDistance),
	}
}
