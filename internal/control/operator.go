package control

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/drive.sync/internal/monitoring"
	"github.com/banshee-data/drive.sync/internal/stream"
	"github.com/banshee-data/drive.sync/internal/timestamp"
	"github.com/banshee-data/drive.sync/internal/timeutil"
	"github.com/banshee-data/drive.sync/internal/watermark"
)

// Source records which path produced a command.
type Source string

const (
	SourceLocal    Source = "local"
	SourceRemote   Source = "remote"
	SourceFallback Source = "remote-fallback"
	SourceBrake    Source = "brake"
)

// Message is what the operator emits per timestamp.
type Message struct {
	Command Command
	Status  Status
	Source  Source

	// Runtime is the controller's own runtime. RoundTrip adds transport
	// time for remote decisions.
	Runtime   time.Duration
	RoundTrip time.Duration
}

// OperatorConfig wires an Operator.
type OperatorConfig struct {
	PoseStream      stream.ID
	WaypointsStream stream.ID
	Output          *stream.Stream

	Controller *Controller

	// Remote, when set, computes commands on the offload server. A
	// transport failure falls back to Controller.
	Remote Remote

	Clock  timeutil.Clock
	Logger *monitoring.Logger
}

// Operator joins pose and waypoints and emits one Message per timestamp.
type Operator struct {
	cfg OperatorConfig
	log *monitoring.Logger

	fallbacks int
}

// NewOperator validates cfg.
func NewOperator(cfg OperatorConfig) (*Operator, error) {
	if cfg.Output == nil {
		return nil, fmt.Errorf("control operator: nil output stream")
	}
	if cfg.Controller == nil {
		cfg.Controller = NewController(DefaultParams(), cfg.Clock)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Operator{cfg: cfg, log: cfg.Logger.Named("[control] ")}, nil
}

// Fallbacks returns how many remote calls fell back to the local controller.
func (o *Operator) Fallbacks() int { return o.fallbacks }

// OnData implements operator.Operator. The control operator observes no
// streams.
func (o *Operator) OnData(stream.ID, stream.Message) error { return nil }

// OnWatermarkAligned implements operator.Operator.
func (o *Operator) OnWatermarkAligned(ctx context.Context, ts timestamp.Timestamp, slots watermark.Slots) error {
	if ts.IsTop() {
		return nil
	}
	msg := o.decide(ctx, ts, slots)
	o.log.Tracef("@%v: %s %v (%s)", ts, msg.Source, msg.Command, msg.Status)
	return o.cfg.Output.Send(ctx, ts, msg)
}

func (o *Operator) decide(ctx context.Context, ts timestamp.Timestamp, slots watermark.Slots) Message {
	pose, okPose := watermark.Payload[Pose](slots, o.cfg.PoseStream)
	wps, okWps := watermark.Payload[Waypoints](slots, o.cfg.WaypointsStream)
	if !okPose || !okWps {
		o.log.Diagf("@%v: braking, missing input (pose=%t waypoints=%t)", ts, okPose, okWps)
		return Message{Command: BrakeCommand(), Status: StatusMissingInput, Source: SourceBrake}
	}
	if wps.Len() < 2 {
		o.log.Diagf("@%v: braking, %d waypoints to follow", ts, wps.Len())
		return Message{Command: BrakeCommand(), Status: StatusOutOfWaypoints, Source: SourceBrake}
	}

	if o.cfg.Remote != nil {
		sw := timeutil.StartStopwatch(o.cfg.Clock)
		out, err := o.cfg.Remote.Control(ctx, ControllerInput{Pose: pose, Waypoints: wps, Type: "pid"})
		if err == nil {
			return Message{
				Command:   out.Command,
				Status:    out.Status,
				Source:    SourceRemote,
				Runtime:   out.Runtime,
				RoundTrip: sw.Elapsed(),
			}
		}
		o.fallbacks++
		o.log.Opsf("@%v: remote control failed, using local controller: %v", ts, err)
		msg := o.local(pose, wps)
		msg.Source = SourceFallback
		return msg
	}
	return o.local(pose, wps)
}

func (o *Operator) local(pose Pose, wps Waypoints) Message {
	sw := timeutil.StartStopwatch(o.cfg.Clock)
	res := o.cfg.Controller.Compute(pose, wps)
	rt := sw.Elapsed()
	return Message{Command: res.Command, Status: res.Status, Source: SourceLocal, Runtime: rt, RoundTrip: rt}
}
