package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/banshee-data/drive.sync/internal/config"
	"github.com/banshee-data/drive.sync/internal/control"
	"github.com/banshee-data/drive.sync/internal/offload"
)

func loopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func TestFlagDefaults(t *testing.T) {
	if *trackingListen != ":5010" {
		t.Errorf("tracking-listen default = %q", *trackingListen)
	}
	if *controlListen != ":5030" {
		t.Errorf("control-listen default = %q", *controlListen)
	}
	if *codecName != "cbor" {
		t.Errorf("codec default = %q", *codecName)
	}
}

func TestServe_RequiresAListener(t *testing.T) {
	if err := serve(context.Background(), config.EmptyPipelineConfig(), offload.CBORCodec{}, listeners{}, nil); err == nil {
		t.Error("expected an error with no listeners")
	}
}

func TestServe_ControlAndHealth(t *testing.T) {
	ls := listeners{tracking: loopback(t), control: loopback(t), health: loopback(t)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, config.EmptyPipelineConfig(), offload.JSONCodec{}, ls, nil) }()

	healthAddr := ls.health.Addr().String()
	deadline := time.Now().Add(5 * time.Second)
	for _, svc := range []string{offload.TrackingService, offload.ControlService} {
		for {
			cctx, ccancel := context.WithTimeout(ctx, time.Second)
			ok, err := offload.CheckHealth(cctx, healthAddr, svc)
			ccancel()
			if err == nil && ok {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("%s never became healthy: ok=%v err=%v", svc, ok, err)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	client, err := offload.NewClient(offload.ClientConfig{Addr: ls.control.Addr().String(), Codec: offload.JSONCodec{}})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()
	remote := control.RemoteController{Client: client}
	out, err := remote.Control(ctx, control.ControllerInput{Type: "pid"})
	if err != nil {
		t.Fatalf("Control: %v", err)
	}
	if out.Status != control.StatusOutOfWaypoints {
		t.Errorf("status = %v, want out-of-waypoints for an empty path", out.Status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
