package operator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/drive.sync/internal/monitoring"
	"github.com/banshee-data/drive.sync/internal/stream"
	"github.com/banshee-data/drive.sync/internal/timestamp"
	"github.com/banshee-data/drive.sync/internal/watermark"
)

// ErrInputClosed is returned when a joined input ends without delivering
// the Top watermark.
var ErrInputClosed = errors.New("joined input closed before top watermark")

type envelope struct {
	from   stream.ID
	joined bool
	ev     stream.Event
	closed bool
}

type input struct {
	sub    stream.Subscription
	joined bool
}

// Runner drives one Operator.
type Runner struct {
	name    string
	op      Operator
	coord   *watermark.Coordinator
	inputs  []input
	outputs []*stream.Stream
	log     *monitoring.Logger

	joins int
}

// NewRunner creates a runner for op. outputs receive the joined watermark
// after every OnWatermarkAligned call.
func NewRunner(name string, op Operator, outputs ...*stream.Stream) *Runner {
	r := &Runner{name: name, op: op, outputs: outputs}
	senders := make([]watermark.WatermarkSender, len(outputs))
	for i, s := range outputs {
		senders[i] = s
	}
	r.coord = watermark.NewCoordinator(r.join, senders...)
	return r
}

// SetLogger attaches a logger. A nil logger mutes the runner.
func (r *Runner) SetLogger(l *monitoring.Logger) {
	r.log = l.Named("[" + r.name + "] ")
}

// Name returns the runner's name.
func (r *Runner) Name() string { return r.name }

// Join subscribes to s as a joined input.
func (r *Runner) Join(s *stream.Stream) error {
	if err := r.coord.Register(s.ID()); err != nil {
		return fmt.Errorf("%s: %w", r.name, err)
	}
	r.inputs = append(r.inputs, input{sub: s.Subscribe(), joined: true})
	return nil
}

// Observe subscribes to s as an observed-only input: its data is passed to
// OnData and its watermarks do not gate joins.
func (r *Runner) Observe(s *stream.Stream) {
	r.inputs = append(r.inputs, input{sub: s.Subscribe()})
}

// Coordinator exposes the runner's coordinator for inspection.
func (r *Runner) Coordinator() *watermark.Coordinator { return r.coord }

func (r *Runner) join(ctx context.Context, ts timestamp.Timestamp, slots watermark.Slots) error {
	start := time.Now()
	err := r.op.OnWatermarkAligned(ctx, ts, slots)
	r.joins++
	r.log.Tracef("join %v took %v", ts, time.Since(start))
	return err
}

// Run processes events until the Top join has fired and every input has
// closed, ctx is cancelled, or an error occurs. It returns nil on a clean
// shutdown.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.coord.Inputs()) == 0 {
		return fmt.Errorf("%s: no joined inputs", r.name)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbox := make(chan envelope)
	var wg sync.WaitGroup
	for _, in := range r.inputs {
		wg.Add(1)
		go func(in input) {
			defer wg.Done()
			forward(ctx, in, inbox)
		}(in)
	}
	defer wg.Wait()

	r.log.Diagf("running with %d inputs, %d outputs", len(r.inputs), len(r.outputs))
	open := len(r.inputs)
	for open > 0 {
		var env envelope
		select {
		case env = <-inbox:
		case <-ctx.Done():
			return ctx.Err()
		}

		if env.closed {
			open--
			if env.joined && !r.coord.Terminated() && !r.reachedTop(env.from) {
				return fmt.Errorf("%s: %s: %w", r.name, env.from, ErrInputClosed)
			}
			continue
		}
		if err := r.handle(ctx, env); err != nil {
			r.log.Opsf("stopping: %v", err)
			return fmt.Errorf("%s: %w", r.name, err)
		}
	}
	r.log.Diagf("terminated after %d joins", r.joins)
	return nil
}

func (r *Runner) reachedTop(id stream.ID) bool {
	wm, ok := r.coord.Table()[id]
	return ok && wm.IsTop()
}

func (r *Runner) handle(ctx context.Context, env envelope) error {
	msg := env.ev.Message
	if !env.joined {
		if env.ev.Kind == stream.KindData {
			return r.op.OnData(env.from, msg)
		}
		return nil
	}
	if env.ev.Kind == stream.KindWatermark {
		return r.coord.OnWatermark(ctx, env.from, msg.Timestamp)
	}
	return r.coord.OnData(env.from, msg)
}

// forward copies one subscription into the shared inbox and reports its
// closure.
func forward(ctx context.Context, in input, inbox chan<- envelope) {
	for {
		var ev stream.Event
		var ok bool
		select {
		case ev, ok = <-in.sub.C:
		case <-ctx.Done():
			return
		}
		if !ok {
			break
		}
		select {
		case inbox <- envelope{from: in.sub.Stream, joined: in.joined, ev: ev}:
		case <-ctx.Done():
			return
		}
	}
	select {
	case inbox <- envelope{from: in.sub.Stream, joined: in.joined, closed: true}:
	case <-ctx.Done():
	}
}
