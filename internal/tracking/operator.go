package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/drive.sync/internal/delay"
	"github.com/banshee-data/drive.sync/internal/monitoring"
	"github.com/banshee-data/drive.sync/internal/stream"
	"github.com/banshee-data/drive.sync/internal/timestamp"
	"github.com/banshee-data/drive.sync/internal/timeutil"
	"github.com/banshee-data/drive.sync/internal/watermark"
)

// ErrCapabilityFailure is returned when the tracker cannot produce a
// result and the failure policy is fatal.
var ErrCapabilityFailure = errors.New("tracker capability failure")

// FailurePolicy decides what a tracker failure does to the pipeline.
type FailurePolicy int

const (
	// FailFatal stops the operator with ErrCapabilityFailure.
	FailFatal FailurePolicy = iota
	// FailDegrade emits an empty result and continues.
	FailDegrade
)

// ParseFailurePolicy accepts "fatal" and "degrade".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(s) {
	case "", "fatal":
		return FailFatal, nil
	case "degrade":
		return FailDegrade, nil
	}
	return FailFatal, fmt.Errorf("unknown tracker failure policy %q", s)
}

func (p FailurePolicy) String() string {
	if p == FailDegrade {
		return "degrade"
	}
	return "fatal"
}

// OperatorConfig wires an Operator.
type OperatorConfig struct {
	ObstaclesStream      stream.ID
	CameraStream         stream.ID
	TimeToDecisionStream stream.ID
	Output               *stream.Stream

	// Tracker runs locally. It may be nil when Remote is set, in which case
	// transport failures produce degraded empty results.
	Tracker Tracker

	// Remote, when set, runs tracking on the offload server.
	Remote     Remote
	RemoteType string

	// TrackEveryNthDetection reinitialises the tracker on every Nth
	// detection message. Values below 1 mean every detection.
	TrackEveryNthDetection int
	FailurePolicy          FailurePolicy

	// Accountant turns runtimes into end-to-end delay. Nil disables the
	// delay model and Runtime carries the tracker's own runtime.
	Accountant *delay.Accountant

	// TimeUnit converts the first timestamp coordinate to a duration.
	// Defaults to a millisecond.
	TimeUnit time.Duration

	Clock  timeutil.Clock
	Logger *monitoring.Logger
}

// Operator joins detections and camera frames and emits tracked obstacles
// once per timestamp.
type Operator struct {
	cfg OperatorConfig
	log *monitoring.Logger

	detections     int
	timeToDecision any
	degraded       int
}

// NewOperator validates cfg.
func NewOperator(cfg OperatorConfig) (*Operator, error) {
	if cfg.Output == nil {
		return nil, errors.New("tracking operator: nil output stream")
	}
	if cfg.Tracker == nil && cfg.Remote == nil {
		return nil, errors.New("tracking operator: no local or remote tracker")
	}
	if cfg.TrackEveryNthDetection < 1 {
		cfg.TrackEveryNthDetection = 1
	}
	if cfg.TimeUnit <= 0 {
		cfg.TimeUnit = time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.RemoteType == "" {
		cfg.RemoteType = "sort"
	}
	return &Operator{cfg: cfg, log: cfg.Logger.Named("[tracker] ")}, nil
}

// Degraded returns how many timestamps produced a degraded empty result.
func (o *Operator) Degraded() int { return o.degraded }

// TimeToDecision returns the latest time-to-decision payload observed.
func (o *Operator) TimeToDecision() any { return o.timeToDecision }

// OnData records time-to-decision updates.
func (o *Operator) OnData(from stream.ID, msg stream.Message) error {
	if from == o.cfg.TimeToDecisionStream {
		o.timeToDecision = msg.Payload
		o.log.Tracef("@%v: time to decision %v", msg.Timestamp, msg.Payload)
	}
	return nil
}

// OnWatermarkAligned implements operator.Operator.
func (o *Operator) OnWatermarkAligned(ctx context.Context, ts timestamp.Timestamp, slots watermark.Slots) error {
	if ts.IsTop() {
		return nil
	}

	frame, ok := watermark.Payload[Frame](slots, o.cfg.CameraStream)
	if !ok {
		o.log.Diagf("@%v: no camera frame, emitting empty result", ts)
		return o.cfg.Output.Send(ctx, ts, ObstaclesMessage{})
	}
	if err := frame.Validate(); err != nil {
		return fmt.Errorf("@%v: %w", ts, err)
	}

	in := TrackerInput{Frame: frame, Type: o.cfg.RemoteType}
	var detectorRuntime time.Duration
	if det, ok := watermark.Payload[ObstaclesMessage](slots, o.cfg.ObstaclesStream); ok {
		in.Obstacles = det.Obstacles
		// The first detection always seeds the tracker.
		if o.detections%o.cfg.TrackEveryNthDetection == 0 {
			o.log.Tracef("@%v: reinitialising with %d detections", ts, len(det.Obstacles))
			in.Reinit = true
			detectorRuntime = det.Runtime
		}
		o.detections++
	}

	out, err := o.track(ctx, ts, in)
	if err != nil {
		return err
	}
	if !out.OK {
		if o.cfg.FailurePolicy == FailFatal {
			return fmt.Errorf("%w at %v", ErrCapabilityFailure, ts)
		}
		o.degraded++
		o.log.Opsf("@%v: tracker failed, emitting empty result", ts)
		out.Obstacles = nil
	}

	runtime := out.Runtime
	if o.cfg.Accountant != nil {
		arrival := time.Duration(ts.First()) * o.cfg.TimeUnit
		runtime = o.cfg.Accountant.Account(arrival, detectorRuntime, out.Runtime)
	}
	o.log.Tracef("@%v: %d tracks, delay %v", ts, len(out.Obstacles), runtime)
	return o.cfg.Output.Send(ctx, ts, ObstaclesMessage{Obstacles: out.Obstacles, Runtime: runtime})
}

func (o *Operator) track(ctx context.Context, ts timestamp.Timestamp, in TrackerInput) (TrackerOutput, error) {
	if o.cfg.Remote != nil {
		out, err := o.cfg.Remote.Track(ctx, in)
		if err == nil {
			return out, nil
		}
		if o.cfg.Tracker == nil {
			o.degraded++
			o.log.Opsf("@%v: remote tracker failed, no local tracker: %v", ts, err)
			// Degraded, not a capability failure: report success with no
			// tracks so the policy does not apply.
			return TrackerOutput{OK: true}, nil
		}
		o.log.Opsf("@%v: remote tracker failed, tracking locally: %v", ts, err)
	}
	out, err := Run(o.cfg.Tracker, in, o.cfg.Clock)
	if err != nil {
		return TrackerOutput{}, fmt.Errorf("@%v: %w", ts, err)
	}
	return out, nil
}
