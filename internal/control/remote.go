package control

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/drive.sync/internal/offload"
	"github.com/banshee-data/drive.sync/internal/timeutil"
)

// ControllerInput is the offload request for one control decision.
type ControllerInput struct {
	Pose      Pose      `json:"pose"`
	Waypoints Waypoints `json:"waypoints"`
	Type      string    `json:"type"`
}

// ControllerOutput is the offload response.
type ControllerOutput struct {
	Command Command       `json:"command"`
	Status  Status        `json:"status"`
	Runtime time.Duration `json:"runtime"`
}

// Remote computes control decisions on another host.
type Remote interface {
	Control(ctx context.Context, in ControllerInput) (ControllerOutput, error)
}

// RemoteController sends ControllerInput over an offload client.
type RemoteController struct {
	Client *offload.Client
}

// Control implements Remote.
func (r RemoteController) Control(ctx context.Context, in ControllerInput) (ControllerOutput, error) {
	var out ControllerOutput
	if err := r.Client.Call(ctx, in, &out); err != nil {
		return ControllerOutput{}, err
	}
	return out, nil
}

// NewHandler serves ControllerInput requests with one shared Controller.
// Requests from concurrent connections are serialised so the PID history
// stays consistent.
func NewHandler(codec offload.Codec, params Params, clock timeutil.Clock) offload.Handler {
	var mu sync.Mutex
	ctrl := NewController(params, clock)
	return offload.NewHandler(codec, func(_ context.Context, in ControllerInput) (ControllerOutput, error) {
		mu.Lock()
		defer mu.Unlock()
		sw := timeutil.StartStopwatch(clock)
		res := ctrl.Compute(in.Pose, in.Waypoints)
		return ControllerOutput{Command: res.Command, Status: res.Status, Runtime: sw.Elapsed()}, nil
	})
}
