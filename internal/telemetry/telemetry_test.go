package telemetry

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/drive.sync/internal/testutil"
	"github.com/banshee-data/drive.sync/internal/timestamp"
)

var tsComparer = cmp.Comparer(timestamp.Timestamp.Equal)

func testSamples(runID string, n int) []Sample {
	out := make([]Sample, 0, 2*n)
	for i := 0; i < n; i++ {
		ts := timestamp.New(int64(i * 50))
		out = append(out,
			Sample{RunID: runID, Stage: "tracking", Timestamp: ts, Latency: time.Duration(i+1) * time.Millisecond, Runtime: 40 * time.Millisecond},
			Sample{RunID: runID, Stage: "control", Timestamp: ts, Latency: time.Duration(i+2) * time.Millisecond, Source: "local", Status: "ok"},
		)
	}
	return out
}

func TestRecorder_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run"+FileExtension)
	rec, err := NewRecorder(dir, "run-1")
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	// Enough samples to span two chunks.
	want := testSamples("run-1", ChunkSize/2+10)
	for _, s := range want {
		if err := rec.RecordLatency(s); err != nil {
			t.Fatalf("RecordLatency: %v", err)
		}
	}
	if got := rec.SampleCount(); got != uint64(len(want)) {
		t.Errorf("SampleCount = %d, want %d", got, len(want))
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rec.RecordLatency(want[0]); err == nil {
		t.Error("RecordLatency after Close should fail")
	}
	if err := rec.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	header, got, err := ReadRecords(rec.Path())
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if header.Chunks != 2 || header.RunID != "run-1" {
		t.Errorf("header = %+v, want 2 chunks for run-1", header)
	}
	if diff := cmp.Diff([]string{"control", "tracking"}, header.Stages); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, got, tsComparer); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
}

func TestLogPath(t *testing.T) {
	tests := []struct {
		runID string
		want  string
	}{
		{"run-1", "run-1"},
		{"../x y", "x_y"},
		{"a//b", "a_b"},
		{"", "run"},
		{"__", "run"},
		{"drive_42", "drive_42"},
	}
	for _, tt := range tests {
		if got := LogPath("logs", tt.runID); got != filepath.Join("logs", tt.want+FileExtension) {
			t.Errorf("LogPath(%q) = %q, want %s", tt.runID, got, tt.want)
		}
	}
}

func TestReadRecords_TruncatedChunk(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, "run-2")
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	for _, s := range testSamples("run-2", 3) {
		if err := rec.RecordLatency(s); err != nil {
			t.Fatalf("RecordLatency: %v", err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := chunkPath(dir, 0)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat chunk: %v", err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, _, err := ReadRecords(dir); err == nil {
		t.Error("expected error reading a truncated chunk")
	}
}

func TestStore_SamplesAndRuns(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "latency.db"), nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	version, dirty, err := store.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("version = %d dirty = %v, want 2 clean", version, dirty)
	}
	// Re-running migrations is a no-op.
	if err := store.MigrateUp(); err != nil {
		t.Errorf("second MigrateUp: %v", err)
	}

	if err := store.BeginRun("run-a", "synthetic", map[string]int{"ticks": 4}); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := store.BeginRun("run-a", "dup", nil); err == nil {
		t.Error("duplicate run id should fail")
	}

	want := testSamples("run-a", 4)
	for _, s := range want {
		if err := store.RecordLatency(s); err != nil {
			t.Fatalf("RecordLatency: %v", err)
		}
	}
	if err := store.RecordLatency(Sample{RunID: "run-b", Stage: "control", Timestamp: timestamp.New(7)}); err != nil {
		t.Fatalf("RecordLatency: %v", err)
	}

	got, err := store.Samples("run-a", "")
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	// Ordered by timestamp, then stage name.
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := 0; i < len(want); i += 2 {
		if diff := cmp.Diff([]Sample{want[i+1], want[i]}, got[i:i+2], tsComparer); diff != "" {
			t.Errorf("samples %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	control, err := store.Samples("run-a", "control")
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	if len(control) != 4 {
		t.Errorf("got %d control samples, want 4", len(control))
	}

	runs, err := store.Runs()
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-a" || runs[0].Samples != 8 || runs[0].Config != `{"ticks":4}` {
		t.Errorf("Runs = %+v", runs)
	}
}

func TestStore_AttachAdminRoutes(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "latency.db"), nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	mux := http.NewServeMux()
	if err := store.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes: %v", err)
	}

	// Routes may refuse non-local callers, but must be registered.
	for _, endpoint := range []string{"/debug/runs", "/debug/tailsql/"} {
		t.Run(endpoint, func(t *testing.T) {
			if w := testutil.Get(mux, endpoint); w.Code == http.StatusNotFound {
				t.Errorf("Endpoint %s should be registered, got 404", endpoint)
			}
		})
	}
}

type failingSink struct {
	Nop
	err error
	n   int
}

func (f *failingSink) RecordLatency(Sample) error {
	f.n++
	return f.err
}

func TestMulti(t *testing.T) {
	errBoom := errors.New("boom")
	a := &failingSink{}
	b := &failingSink{err: errBoom}
	m := Multi(a, nil, b)

	err := m.RecordLatency(Sample{})
	if !errors.Is(err, errBoom) {
		t.Errorf("RecordLatency error = %v, want %v", err, errBoom)
	}
	if a.n != 1 || b.n != 1 {
		t.Errorf("each sink should see the sample once, got %d and %d", a.n, b.n)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := Multi().RecordLatency(Sample{}); err != nil {
		t.Errorf("empty Multi: %v", err)
	}
}
