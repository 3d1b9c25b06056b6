package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/drive.sync/internal/actuator"
	"github.com/banshee-data/drive.sync/internal/config"
	"github.com/banshee-data/drive.sync/internal/control"
	"github.com/banshee-data/drive.sync/internal/delay"
	"github.com/banshee-data/drive.sync/internal/monitoring"
	"github.com/banshee-data/drive.sync/internal/offload"
	"github.com/banshee-data/drive.sync/internal/operator"
	"github.com/banshee-data/drive.sync/internal/scenario"
	"github.com/banshee-data/drive.sync/internal/stream"
	"github.com/banshee-data/drive.sync/internal/telemetry"
	"github.com/banshee-data/drive.sync/internal/timeutil"
	"github.com/banshee-data/drive.sync/internal/tracking"
)

// Output stream names.
const (
	StreamTracked  stream.ID = "tracked_obstacles"
	StreamCommands stream.ID = "control"
)

// Stage names used in telemetry samples.
const (
	StageTracking = "tracking"
	StageControl  = "control"
)

// Deps carries what Build cannot derive from configuration.
type Deps struct {
	RunID string

	// Records, when non-nil, replays a planner dump through the control
	// stage instead of running the synthetic scenario. Replay runs have no
	// tracking stage.
	Records []scenario.Record

	Sink     telemetry.Sink
	Actuator *actuator.Writer

	// Offload clients. A nil client runs that stage in-process.
	TrackingClient *offload.Client
	ControlClient  *offload.Client

	Clock  timeutil.Clock
	Logger *monitoring.Logger
}

// Pipeline is a built, not yet started, graph.
type Pipeline struct {
	Graph    *Graph
	Streams  scenario.Streams
	Tracked  *stream.Stream
	Commands *stream.Stream
	Timeline *Timeline

	// Synthetic is nil for replay runs.
	Synthetic *scenario.Synthetic

	tracker    *tracking.Operator
	control    *control.Operator
	sink       *SinkOperator
	accountant *delay.Accountant
}

// Stats summarises a finished run.
type Stats struct {
	Tracked        int
	Commands       int
	Degraded       int
	Fallbacks      int
	LastCompletion time.Duration
}

// ControlParams maps the configuration onto controller gains.
func ControlParams(cfg *config.PipelineConfig) control.Params {
	return control.Params{
		PIDP:                     cfg.GetPIDP(),
		PIDD:                     cfg.GetPIDD(),
		PIDI:                     cfg.GetPIDI(),
		DT:                       cfg.GetControlPeriod(),
		RealTimePID:              cfg.GetPIDUseRealTime(),
		MinSteerWaypointDistance: cfg.GetMinPIDSteerWaypointDistance(),
		MinSpeedWaypointDistance: cfg.GetMinPIDSpeedWaypointDistance(),
		SteerGain:                cfg.GetSteerGain(),
		ThrottleMax:              cfg.GetThrottleMax(),
		BrakeMax:                 cfg.GetBrakeMax(),
	}
}

// SortOptions maps the configuration onto tracker options.
func SortOptions(cfg *config.PipelineConfig) tracking.SortOptions {
	opts := tracking.DefaultSortOptions()
	opts.MinIoU = cfg.GetSortMinIoU()
	opts.MaxAge = cfg.GetSortMaxAge()
	return opts
}

// Build wires the scenario source, the stages and the sink. Every
// subscription is taken here, so the result must be run exactly once.
func Build(cfg *config.PipelineConfig, deps Deps) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.EmptyPipelineConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	buffer := cfg.GetStreamBuffer()
	replay := deps.Records != nil

	p := &Pipeline{
		Graph:      NewGraph(deps.Logger),
		Streams:    scenario.NewStreams(buffer),
		Tracked:    stream.New(StreamTracked, buffer),
		Commands:   stream.New(StreamCommands, buffer),
		Timeline:   NewTimeline(clock),
		accountant: &delay.Accountant{},
	}
	stages := map[stream.ID]string{StreamCommands: StageControl}

	// Control: pose + waypoints -> commands.
	var err error
	ccfg := control.OperatorConfig{
		PoseStream:      p.Streams.Pose.ID(),
		WaypointsStream: p.Streams.Waypoints.ID(),
		Output:          p.Commands,
		Controller:      control.NewController(ControlParams(cfg), clock),
		Clock:           clock,
		Logger:          deps.Logger,
	}
	if deps.ControlClient != nil {
		ccfg.Remote = control.RemoteController{Client: deps.ControlClient}
	}
	if p.control, err = control.NewOperator(ccfg); err != nil {
		return nil, err
	}
	controlRunner := operator.NewRunner("control", p.control, p.Commands)
	if err := joinAll(controlRunner, p.Streams.Pose, p.Streams.Waypoints); err != nil {
		return nil, err
	}

	// Tracking: obstacles + camera -> tracked obstacles, observing
	// time-to-decision.
	var trackerRunner *operator.Runner
	if !replay {
		policy, err := tracking.ParseFailurePolicy(cfg.GetTrackerFailurePolicy())
		if err != nil {
			return nil, err
		}
		local, err := tracking.NewTracker(cfg.GetTrackerType(), SortOptions(cfg))
		if err != nil {
			return nil, err
		}
		tcfg := tracking.OperatorConfig{
			ObstaclesStream:        p.Streams.Obstacles.ID(),
			CameraStream:           p.Streams.Camera.ID(),
			TimeToDecisionStream:   p.Streams.TimeToDecision.ID(),
			Output:                 p.Tracked,
			Tracker:                local,
			RemoteType:             cfg.GetTrackerType(),
			TrackEveryNthDetection: cfg.GetTrackEveryNthDetection(),
			FailurePolicy:          policy,
			Accountant:             p.accountant,
			TimeUnit:               cfg.GetTimeUnit(),
			Clock:                  clock,
			Logger:                 deps.Logger,
		}
		if deps.TrackingClient != nil {
			tcfg.Remote = tracking.RemoteTracker{Client: deps.TrackingClient}
		}
		if p.tracker, err = tracking.NewOperator(tcfg); err != nil {
			return nil, err
		}
		trackerRunner = operator.NewRunner("tracking", p.tracker, p.Tracked)
		if err := joinAll(trackerRunner, p.Streams.Obstacles, p.Streams.Camera); err != nil {
			return nil, err
		}
		trackerRunner.Observe(p.Streams.TimeToDecision)
		stages[StreamTracked] = StageTracking
	}

	// Sink: every stage output -> telemetry.
	if p.sink, err = NewSinkOperator(SinkConfig{
		RunID:    deps.RunID,
		Stages:   stages,
		Timeline: p.Timeline,
		Sink:     deps.Sink,
		Logger:   deps.Logger,
	}); err != nil {
		return nil, err
	}
	sinkRunner := operator.NewRunner("sink", p.sink)
	for _, id := range p.sink.Inputs() {
		s := p.Commands
		if id == StreamTracked {
			s = p.Tracked
		}
		if err := sinkRunner.Join(s); err != nil {
			return nil, err
		}
	}

	var actuatorRunner *operator.Runner
	if deps.Actuator != nil {
		op, err := actuator.NewOperator(StreamCommands, deps.Actuator)
		if err != nil {
			return nil, err
		}
		actuatorRunner = operator.NewRunner("actuator", op)
		if err := actuatorRunner.Join(p.Commands); err != nil {
			return nil, err
		}
	}

	// Source.
	if replay {
		records := deps.Records
		p.Graph.AddSource("replay", func(ctx context.Context) error {
			return scenario.Replay(ctx, records, p.Streams, p.Timeline.Mark)
		})
	} else {
		g := scenario.NewSynthetic(cfg.GetSeed())
		g.Ticks = cfg.GetTicks()
		g.TickInterval = cfg.GetTickInterval()
		g.TimeUnit = cfg.GetTimeUnit()
		g.DetectorEvery = cfg.GetDetectorEvery()
		g.DetectorRuntime = cfg.GetDetectorRuntime()
		g.TimeToDecision = cfg.GetTimeToDecision()
		g.OnEmit = p.Timeline.Mark
		g.Clock = clock
		g.Logger = deps.Logger
		p.Synthetic = g

		var feedback *stream.Subscription
		if cfg.GetLockstep() {
			sub := p.Commands.Subscribe()
			feedback = &sub
		}
		p.Graph.AddSource("scenario", func(ctx context.Context) error {
			return g.Run(ctx, p.Streams, feedback)
		})
	}

	if trackerRunner != nil {
		p.Graph.AddRunner(trackerRunner)
	}
	p.Graph.AddRunner(controlRunner)
	if actuatorRunner != nil {
		p.Graph.AddRunner(actuatorRunner)
	}
	p.Graph.AddRunner(sinkRunner)
	return p, nil
}

func joinAll(r *operator.Runner, streams ...*stream.Stream) error {
	for _, s := range streams {
		if err := r.Join(s); err != nil {
			return err
		}
	}
	return nil
}

// Run executes the graph once.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.Graph.Run(ctx)
}

// Stats reports counters after Run has returned.
func (p *Pipeline) Stats() Stats {
	st := Stats{
		Commands:       p.sink.Count(StageControl),
		Tracked:        p.sink.Count(StageTracking),
		Fallbacks:      p.control.Fallbacks(),
		LastCompletion: p.accountant.LastCompletion(),
	}
	if p.tracker != nil {
		st.Degraded = p.tracker.Degraded()
	}
	return st
}

// String formats the stats for a log line.
func (s Stats) String() string {
	return fmt.Sprintf("tracked=%d commands=%d degraded=%d fallbacks=%d last_completion=%v",
		s.Tracked, s.Commands, s.Degraded, s.Fallbacks, s.LastCompletion)
}
