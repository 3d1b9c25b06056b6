package control

import (
	"time"

	"github.com/banshee-data/drive.sync/internal/timeutil"
)

// pidBufferSize is how many speed errors the integral term sums over.
const pidBufferSize = 10

// PIDLongitudinal turns a speed error into an acceleration request in
// [-1, 1]. The integral term only sees the most recent errors.
type PIDLongitudinal struct {
	KP, KD, KI float64

	// DT is the fixed step between calls. When RealTime is set the measured
	// time between calls is used instead.
	DT       time.Duration
	RealTime bool
	Clock    timeutil.Clock

	history []float64
	last    time.Time
}

// NewPIDLongitudinal creates a controller with gains kp, kd, ki.
func NewPIDLongitudinal(kp, kd, ki float64, dt time.Duration, realTime bool, clock timeutil.Clock) *PIDLongitudinal {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &PIDLongitudinal{
		KP: kp, KD: kd, KI: ki,
		DT:       dt,
		RealTime: realTime,
		Clock:    clock,
		last:     clock.Now(),
	}
}

// Step returns the clipped PID output for one control cycle.
func (p *PIDLongitudinal) Step(targetSpeed, currentSpeed float64) float64 {
	e := targetSpeed - currentSpeed
	p.history = append(p.history, e)
	if len(p.history) > pidBufferSize {
		p.history = p.history[len(p.history)-pidBufferSize:]
	}

	dt := p.DT.Seconds()
	if p.RealTime {
		now := p.Clock.Now()
		dt = now.Sub(p.last).Seconds()
		p.last = now
	}

	var de, ie float64
	if n := len(p.history); n >= 2 && dt > 0 {
		de = (p.history[n-1] - p.history[n-2]) / dt
		for _, v := range p.history {
			ie += v
		}
		ie *= dt
	}
	return clip(p.KP*e+p.KD*de+p.KI*ie, -1, 1)
}

// Reset clears the error history.
func (p *PIDLongitudinal) Reset() {
	p.history = nil
	p.last = p.Clock.Now()
}

// ComputeThrottleAndBrake maps the PID output for the given speeds to
// throttle and brake, capped at throttleMax and brakeMax. The brake is held
// fully when stopped at a zero target or when rolling backwards.
func ComputeThrottleAndBrake(pid *PIDLongitudinal, currentSpeed, targetSpeed, throttleMax, brakeMax float64) (throttle, brake float64) {
	accel := pid.Step(targetSpeed, max(currentSpeed, 0))
	if accel >= 0 {
		throttle = min(accel, throttleMax)
	} else {
		brake = min(-accel, brakeMax)
	}
	if (currentSpeed < 1 && targetSpeed == 0) || currentSpeed < -0.3 {
		brake = 1
	}
	return throttle, brake
}

// RadiansToSteer scales a heading error to a steering command in [-1, 1].
func RadiansToSteer(rad, gain float64) float64 {
	return clip(gain*rad, -1, 1)
}

func clip(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
