package testutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/banshee-data/drive.sync/internal/offload"
	"github.com/banshee-data/drive.sync/internal/timeutil"
)

func TestStepClock(t *testing.T) {
	c := StepClock(5 * time.Millisecond)
	sw := timeutil.StartStopwatch(c)
	if got := sw.Elapsed(); got != 5*time.Millisecond {
		t.Errorf("Elapsed() = %v, want 5ms", got)
	}
}

type echo struct {
	Text string `json:"text"`
}

func TestStartOffload(t *testing.T) {
	h := offload.NewHandler(offload.CBORCodec{}, func(_ context.Context, req echo) (echo, error) {
		return echo{Text: req.Text + "!"}, nil
	})
	client, _ := StartOffload(t, "echo", h)

	var resp echo
	if err := client.Call(context.Background(), echo{Text: "hi"}, &resp); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Text != "hi!" {
		t.Errorf("resp = %q, want hi!", resp.Text)
	}
	if got := client.Stats().Calls; got != 1 {
		t.Errorf("client calls = %d, want 1", got)
	}
}

func TestUnusedAddr(t *testing.T) {
	addr := UnusedAddr(t)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err == nil {
		conn.Close()
		t.Fatalf("dial %s succeeded, want refusal", addr)
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Errorf("dial error = %T, want *net.OpError", err)
	}
}

func TestGet(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	AssertStatusCode(t, Get(mux, "/ok").Code, http.StatusTeapot)
	AssertStatusCode(t, Get(mux, "/missing").Code, http.StatusNotFound)
}
