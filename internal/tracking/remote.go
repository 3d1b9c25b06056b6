package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/drive.sync/internal/offload"
	"github.com/banshee-data/drive.sync/internal/timeutil"
)

// TrackerInput is the offload request for one frame.
type TrackerInput struct {
	Frame     Frame      `json:"frame"`
	Obstacles []Obstacle `json:"obstacles"`
	Reinit    bool       `json:"reinit"`
	Type      string     `json:"type"`
}

// TrackerOutput is the offload response. Runtime covers reinitialisation
// and tracking on the server.
type TrackerOutput struct {
	Obstacles []Obstacle    `json:"obstacles"`
	Runtime   time.Duration `json:"runtime"`
	OK        bool          `json:"ok"`
}

// Remote runs the tracker on another host.
type Remote interface {
	Track(ctx context.Context, in TrackerInput) (TrackerOutput, error)
}

// RemoteTracker sends TrackerInput over an offload client.
type RemoteTracker struct {
	Client *offload.Client
}

// Track implements Remote.
func (r RemoteTracker) Track(ctx context.Context, in TrackerInput) (TrackerOutput, error) {
	var out TrackerOutput
	if err := r.Client.Call(ctx, in, &out); err != nil {
		return TrackerOutput{}, err
	}
	return out, nil
}

// Run applies one TrackerInput to t and measures the work with clock.
// Detections are filtered to trackable classes before reinitialisation.
func Run(t Tracker, in TrackerInput, clock timeutil.Clock) (TrackerOutput, error) {
	sw := timeutil.StartStopwatch(clock)
	if in.Reinit {
		if err := t.Reinitialize(in.Frame, TrackableObstacles(in.Obstacles)); err != nil {
			return TrackerOutput{}, err
		}
	}
	obs, ok := t.Track(in.Frame)
	return TrackerOutput{Obstacles: obs, Runtime: sw.Elapsed(), OK: ok}, nil
}

// NewHandler serves TrackerInput requests. Trackers are created on demand
// per requested type with newTracker and shared across connections.
func NewHandler(codec offload.Codec, newTracker func(kind string) (Tracker, error), clock timeutil.Clock) offload.Handler {
	var mu sync.Mutex
	trackers := map[string]Tracker{}
	return offload.NewHandler(codec, func(_ context.Context, in TrackerInput) (TrackerOutput, error) {
		mu.Lock()
		defer mu.Unlock()
		t, ok := trackers[in.Type]
		if !ok {
			var err error
			if t, err = newTracker(in.Type); err != nil {
				return TrackerOutput{}, fmt.Errorf("tracker %q: %w", in.Type, err)
			}
			trackers[in.Type] = t
		}
		return Run(t, in, clock)
	})
}
