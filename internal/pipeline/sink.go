package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/drive.sync/internal/control"
	"github.com/banshee-data/drive.sync/internal/monitoring"
	"github.com/banshee-data/drive.sync/internal/stream"
	"github.com/banshee-data/drive.sync/internal/telemetry"
	"github.com/banshee-data/drive.sync/internal/timestamp"
	"github.com/banshee-data/drive.sync/internal/timeutil"
	"github.com/banshee-data/drive.sync/internal/tracking"
	"github.com/banshee-data/drive.sync/internal/watermark"
)

// Timeline remembers when each timestamp started being published.
type Timeline struct {
	clock timeutil.Clock

	mu      sync.Mutex
	emitted map[string]time.Time
}

// NewTimeline creates a timeline reading clock.
func NewTimeline(clock timeutil.Clock) *Timeline {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Timeline{clock: clock, emitted: map[string]time.Time{}}
}

// Mark records now as the publish time of ts.
func (t *Timeline) Mark(ts timestamp.Timestamp) {
	now := t.clock.Now()
	t.mu.Lock()
	t.emitted[ts.String()] = now
	t.mu.Unlock()
}

// Since returns the wall time elapsed since ts was marked.
func (t *Timeline) Since(ts timestamp.Timestamp) (time.Duration, bool) {
	t.mu.Lock()
	at, ok := t.emitted[ts.String()]
	t.mu.Unlock()
	if !ok {
		return 0, false
	}
	return t.clock.Since(at), true
}

// Forget drops the mark for ts.
func (t *Timeline) Forget(ts timestamp.Timestamp) {
	t.mu.Lock()
	delete(t.emitted, ts.String())
	t.mu.Unlock()
}

// Len returns the number of marks held.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.emitted)
}

// SinkConfig wires a SinkOperator.
type SinkConfig struct {
	RunID string

	// Stages names each joined input in the samples.
	Stages map[stream.ID]string

	Timeline *Timeline
	Sink     telemetry.Sink
	Logger   *monitoring.Logger
}

// SinkOperator is the terminal stage: it turns every stage output into a
// latency sample.
type SinkOperator struct {
	cfg    SinkConfig
	inputs []stream.ID
	log    *monitoring.Logger

	counts map[string]int
}

// NewSinkOperator validates cfg.
func NewSinkOperator(cfg SinkConfig) (*SinkOperator, error) {
	if len(cfg.Stages) == 0 {
		return nil, fmt.Errorf("sink: no stages")
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.Nop{}
	}
	if cfg.Timeline == nil {
		cfg.Timeline = NewTimeline(nil)
	}
	inputs := make([]stream.ID, 0, len(cfg.Stages))
	for id := range cfg.Stages {
		inputs = append(inputs, id)
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i] < inputs[j] })
	return &SinkOperator{
		cfg:    cfg,
		inputs: inputs,
		log:    cfg.Logger.Named("[sink] "),
		counts: map[string]int{},
	}, nil
}

// Inputs returns the streams to join, in a stable order.
func (s *SinkOperator) Inputs() []stream.ID { return s.inputs }

// Count returns how many samples were recorded for stage. Call it after
// the runner has returned.
func (s *SinkOperator) Count(stage string) int { return s.counts[stage] }

// OnData implements operator.Operator.
func (s *SinkOperator) OnData(stream.ID, stream.Message) error { return nil }

// OnWatermarkAligned implements operator.Operator.
func (s *SinkOperator) OnWatermarkAligned(_ context.Context, ts timestamp.Timestamp, slots watermark.Slots) error {
	if ts.IsTop() {
		return nil
	}
	latency, ok := s.cfg.Timeline.Since(ts)
	if !ok {
		s.log.Diagf("@%v: no publish time, recording zero latency", ts)
	}
	for _, id := range s.inputs {
		stage := s.cfg.Stages[id]
		for _, msg := range slots.Get(id).Messages {
			sample := telemetry.Sample{
				RunID:     s.cfg.RunID,
				Stage:     stage,
				Timestamp: msg.Timestamp,
				Latency:   latency,
			}
			switch p := msg.Payload.(type) {
			case tracking.ObstaclesMessage:
				sample.Runtime = p.Runtime
				sample.Status = fmt.Sprintf("%d tracks", len(p.Obstacles))
			case control.Message:
				sample.Runtime = p.Runtime
				sample.Source = string(p.Source)
				sample.Status = p.Status.String()
			default:
				s.log.Diagf("@%v: %s carries unexpected %T", ts, stage, msg.Payload)
			}
			if err := s.cfg.Sink.RecordLatency(sample); err != nil {
				return err
			}
			s.counts[stage]++
		}
	}
	s.cfg.Timeline.Forget(ts)
	return nil
}
