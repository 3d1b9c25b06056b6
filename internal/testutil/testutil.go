// Package testutil provides shared test helpers: a loopback offload
// server, deterministic clocks and HTTP shortcuts.
package testutil

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/drive.sync/internal/offload"
	"github.com/banshee-data/drive.sync/internal/timeutil"
)

// Epoch is the start time of clocks returned by StepClock.
var Epoch = time.Unix(1700000000, 0)

// StepClock returns a mock clock that advances by step on every reading,
// so each Stopwatch measures exactly step.
func StepClock(step time.Duration) *timeutil.MockClock {
	c := timeutil.NewMockClock(Epoch)
	c.SetStep(step)
	return c
}

// StartOffload serves h on a loopback listener until the test ends and
// returns a client for it.
func StartOffload(t testing.TB, name string, h offload.Handler) (*offload.Client, *offload.Server) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := offload.NewServer(h, offload.ServerConfig{Name: name})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()

	client, err := offload.NewClient(offload.ClientConfig{Addr: ln.Addr().String()})
	if err != nil {
		cancel()
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
	})
	return client, srv
}

// UnusedAddr returns a loopback address nothing listens on.
func UnusedAddr(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// Get serves a GET request for path on h.
func Get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}
