// Package scenario produces the sensor streams that drive a pipeline run:
// a synthetic world for demos and tests, and replay of recorded planner
// dumps.
package scenario

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/banshee-data/drive.sync/internal/control"
	"github.com/banshee-data/drive.sync/internal/monitoring"
	"github.com/banshee-data/drive.sync/internal/stream"
	"github.com/banshee-data/drive.sync/internal/timestamp"
	"github.com/banshee-data/drive.sync/internal/timeutil"
	"github.com/banshee-data/drive.sync/internal/tracking"
)

// Stream names used by the synthetic world and replay.
const (
	StreamPose           stream.ID = "pose"
	StreamWaypoints      stream.ID = "waypoints"
	StreamCamera         stream.ID = "camera"
	StreamObstacles      stream.ID = "obstacles"
	StreamTimeToDecision stream.ID = "time_to_decision"
)

// Streams are the outputs of a scenario. Nil streams are not written.
type Streams struct {
	Pose           *stream.Stream
	Waypoints      *stream.Stream
	Camera         *stream.Stream
	Obstacles      *stream.Stream
	TimeToDecision *stream.Stream
}

// NewStreams creates every scenario stream with the given buffer.
func NewStreams(buffer int) Streams {
	return Streams{
		Pose:           stream.New(StreamPose, buffer),
		Waypoints:      stream.New(StreamWaypoints, buffer),
		Camera:         stream.New(StreamCamera, buffer),
		Obstacles:      stream.New(StreamObstacles, buffer),
		TimeToDecision: stream.New(StreamTimeToDecision, buffer),
	}
}

func (s Streams) all() []*stream.Stream {
	var out []*stream.Stream
	for _, st := range []*stream.Stream{s.Pose, s.Waypoints, s.Camera, s.Obstacles, s.TimeToDecision} {
		if st != nil {
			out = append(out, st)
		}
	}
	return out
}

// Close sends Top on every stream.
func (s Streams) Close(ctx context.Context) error {
	for _, st := range s.all() {
		if err := st.SendWatermark(ctx, timestamp.Top()); err != nil {
			return err
		}
	}
	return nil
}

// Tick is the world state published at one timestamp.
type Tick struct {
	Timestamp      timestamp.Timestamp
	Pose           control.Pose
	Waypoints      control.Waypoints
	Frame          tracking.Frame
	Detections     *tracking.ObstaclesMessage // nil when the detector skipped
	TimeToDecision time.Duration
}

// Synthetic generates a straight lane with an ego vehicle and a few moving
// image-space obstacles.
type Synthetic struct {
	// Configuration
	Ticks           int           // timestamps to emit before Top
	TickInterval    time.Duration // world time between ticks
	TimeUnit        time.Duration // duration of one timestamp coordinate
	Pace            time.Duration // wall time per tick; zero runs flat out
	PathLength      int           // waypoints per path
	WaypointSpacing float64       // metres
	TargetSpeed     float64       // m/s
	StartOffset     float64       // metres left of the lane centre
	FrameWidth      int
	FrameHeight     int
	ObstacleCount   int
	DetectorEvery   int // detector publishes on every Nth tick
	DetectorRuntime time.Duration
	TimeToDecision  time.Duration

	// Vehicle model used in lockstep runs.
	MaxAccel      float64 // m/s^2 at full throttle
	MaxDecel      float64 // m/s^2 at full brake
	Wheelbase     float64 // metres
	MaxSteerAngle float64 // radians at steer = 1

	// OnEmit, when set, is called as each tick starts being published.
	OnEmit func(ts timestamp.Timestamp)

	Clock  timeutil.Clock
	Logger *monitoring.Logger

	// Internal state
	rng   *rand.Rand
	index int
	x, y  float64
	yaw   float64 // radians
	speed float64
}

// NewSynthetic creates a generator with defaults and a seeded source of
// jitter.
func NewSynthetic(seed int64) *Synthetic {
	g := &Synthetic{
		Ticks:           100,
		TickInterval:    50 * time.Millisecond,
		TimeUnit:        time.Millisecond,
		PathLength:      20,
		WaypointSpacing: 2,
		TargetSpeed:     8,
		StartOffset:     1,
		FrameWidth:      800,
		FrameHeight:     600,
		ObstacleCount:   3,
		DetectorEvery:   2,
		DetectorRuntime: 30 * time.Millisecond,
		TimeToDecision:  500 * time.Millisecond,
		MaxAccel:        3,
		MaxDecel:        8,
		Wheelbase:       2.9,
		MaxSteerAngle:   70 * math.Pi / 180,
		rng:             rand.New(rand.NewSource(seed)),
	}
	g.Reset()
	return g
}

// Reset rewinds the world to its first tick. Run resets before the first
// tick so configuration changes made after NewSynthetic apply.
func (g *Synthetic) Reset() {
	g.index = 0
	g.x, g.y, g.yaw = 0, g.StartOffset, 0
	g.speed = g.TargetSpeed
}

// Index returns the number of ticks generated so far.
func (g *Synthetic) Index() int { return g.index }

// Next generates the next tick from the current vehicle state.
func (g *Synthetic) Next() Tick {
	i := g.index
	g.index++
	at := int64(time.Duration(i) * g.TickInterval / g.timeUnit())

	tick := Tick{
		Timestamp:      timestamp.New(at),
		Pose:           g.pose(),
		Waypoints:      g.waypoints(),
		Frame:          tracking.Frame{Encoding: tracking.EncodingBGR, Width: g.FrameWidth, Height: g.FrameHeight},
		TimeToDecision: g.TimeToDecision,
	}
	if g.DetectorEvery <= 1 || i%g.DetectorEvery == 0 {
		tick.Detections = &tracking.ObstaclesMessage{
			Obstacles: g.obstacles(i),
			Runtime:   g.DetectorRuntime,
		}
	}
	return tick
}

func (g *Synthetic) timeUnit() time.Duration {
	if g.TimeUnit <= 0 {
		return time.Millisecond
	}
	return g.TimeUnit
}

func (g *Synthetic) pose() control.Pose {
	return control.Pose{
		Transform: control.Transform{
			Location: control.Location{X: g.x, Y: g.y},
			Rotation: control.Rotation{Yaw: g.yaw * 180 / math.Pi},
		},
		ForwardSpeed: g.speed,
		Velocity: control.Vector3D{
			X: g.speed * math.Cos(g.yaw),
			Y: g.speed * math.Sin(g.yaw),
		},
	}
}

// waypoints lays the path along the lane centre starting at the first
// spacing mark ahead of the vehicle.
func (g *Synthetic) waypoints() control.Waypoints {
	wps := control.Waypoints{
		Points:       make([]control.Transform, g.PathLength),
		TargetSpeeds: make([]float64, g.PathLength),
	}
	start := math.Floor(g.x/g.WaypointSpacing)*g.WaypointSpacing + g.WaypointSpacing
	for k := range wps.Points {
		wps.Points[k] = control.Transform{Location: control.Location{X: start + float64(k)*g.WaypointSpacing}}
		wps.TargetSpeeds[k] = g.TargetSpeed
	}
	return wps
}

var obstacleLabels = []string{tracking.LabelCar, tracking.LabelPerson, "traffic_light"}

// obstacles places each object on a horizontal lane of the image, moving
// right and wrapping around, with a pixel of detector jitter.
func (g *Synthetic) obstacles(i int) []tracking.Obstacle {
	obs := make([]tracking.Obstacle, g.ObstacleCount)
	w := float64(g.FrameWidth)
	for k := range obs {
		speed := 2 + float64(k) // px per tick
		x := math.Mod(40+120*float64(k)+speed*float64(i), w-60)
		y := 200 + 60*float64(k)
		jitter := g.rng.Float64() - 0.5
		obs[k] = tracking.Obstacle{
			Label:      obstacleLabels[k%len(obstacleLabels)],
			Confidence: 0.8 + 0.2*g.rng.Float64(),
			Box: tracking.BoundingBox2D{
				XMin: x + jitter,
				XMax: x + 50 + jitter,
				YMin: y,
				YMax: y + 40,
			},
		}
	}
	return obs
}

// Cruise advances the vehicle by one tick at the target speed along its
// heading.
func (g *Synthetic) Cruise() {
	dt := g.TickInterval.Seconds()
	g.speed = g.TargetSpeed
	g.x += g.speed * dt * math.Cos(g.yaw)
	g.y += g.speed * dt * math.Sin(g.yaw)
}

// Apply advances the vehicle by one tick under cmd with a kinematic
// bicycle model.
func (g *Synthetic) Apply(cmd control.Command) {
	dt := g.TickInterval.Seconds()
	accel := cmd.Throttle*g.MaxAccel - cmd.Brake*g.MaxDecel
	if cmd.HandBrake {
		accel = -g.MaxDecel
	}
	g.speed = max(g.speed+accel*dt, 0)
	g.yaw += g.speed / g.Wheelbase * math.Tan(cmd.Steer*g.MaxSteerAngle) * dt
	g.yaw = math.Atan2(math.Sin(g.yaw), math.Cos(g.yaw))
	g.x += g.speed * dt * math.Cos(g.yaw)
	g.y += g.speed * dt * math.Sin(g.yaw)
}

// Run publishes every tick on out and then sends Top on all of them.
//
// With a nil feedback subscription the vehicle cruises open loop. Otherwise
// the run is lockstep: after publishing a tick, Run waits until feedback
// carries a watermark at or past it and applies the last control.Message
// received before moving the vehicle.
func (g *Synthetic) Run(ctx context.Context, out Streams, feedback *stream.Subscription) error {
	g.Reset()
	clock := g.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	log := g.Logger.Named("[scenario] ")
	if feedback != nil {
		defer func() {
			go func() {
				for range feedback.C {
				}
			}()
		}()
	}

	tickAt := clock.Now()
	for g.index < g.Ticks {
		if g.Pace > 0 {
			if wait := tickAt.Sub(clock.Now()); wait > 0 {
				clock.Sleep(wait)
			} else if wait < -g.Pace {
				log.Diagf("cannot tick at %v, behind by %v", g.Pace, -wait)
			}
			tickAt = tickAt.Add(g.Pace)
		}

		tick := g.Next()
		if g.OnEmit != nil {
			g.OnEmit(tick.Timestamp)
		}
		if err := Publish(ctx, out, tick); err != nil {
			return err
		}
		log.Tracef("@%v: %v speed %.2f", tick.Timestamp, tick.Pose.Transform, tick.Pose.ForwardSpeed)

		if feedback == nil {
			g.Cruise()
			continue
		}
		cmd, err := awaitCommand(ctx, feedback, tick.Timestamp)
		if err != nil {
			return err
		}
		g.Apply(cmd)
	}
	log.Diagf("published %d ticks", g.index)
	return out.Close(ctx)
}

// Publish sends one tick's data and watermarks on every configured stream.
func Publish(ctx context.Context, out Streams, tick Tick) error {
	ts := tick.Timestamp
	send := func(s *stream.Stream, payload any, has bool) error {
		if s == nil {
			return nil
		}
		if has {
			if err := s.Send(ctx, ts, payload); err != nil {
				return err
			}
		}
		return s.SendWatermark(ctx, ts)
	}
	if err := send(out.Pose, tick.Pose, true); err != nil {
		return err
	}
	if err := send(out.Waypoints, tick.Waypoints, tick.Waypoints.Len() > 0); err != nil {
		return err
	}
	if err := send(out.Camera, tick.Frame, !tick.Frame.Empty()); err != nil {
		return err
	}
	if tick.Detections != nil {
		if err := send(out.Obstacles, *tick.Detections, true); err != nil {
			return err
		}
	} else if err := send(out.Obstacles, nil, false); err != nil {
		return err
	}
	return send(out.TimeToDecision, tick.TimeToDecision, tick.TimeToDecision > 0)
}

// awaitCommand reads feedback until its watermark reaches ts and returns
// the last command seen. A missing command at ts brakes.
func awaitCommand(ctx context.Context, feedback *stream.Subscription, ts timestamp.Timestamp) (control.Command, error) {
	cmd := control.BrakeCommand()
	for {
		select {
		case ev, ok := <-feedback.C:
			if !ok {
				return control.Command{}, fmt.Errorf("feedback %s closed before %v", feedback.Stream, ts)
			}
			if ev.Kind == stream.KindData {
				if msg, ok := ev.Message.Payload.(control.Message); ok {
					cmd = msg.Command
				}
				continue
			}
			if !ev.Message.Timestamp.Less(ts) {
				return cmd, nil
			}
		case <-ctx.Done():
			return control.Command{}, ctx.Err()
		}
	}
}
