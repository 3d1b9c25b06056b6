package report

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/drive.sync/internal/telemetry"
	"github.com/banshee-data/drive.sync/internal/timestamp"
)

func samples() []telemetry.Sample {
	var out []telemetry.Sample
	for i := 1; i <= 10; i++ {
		ts := timestamp.New(int64(i * 50))
		out = append(out, telemetry.Sample{
			Stage: "tracking", Timestamp: ts,
			Latency: time.Duration(i) * time.Millisecond, Runtime: 30 * time.Millisecond,
		})
		if i%2 == 0 {
			source := "local"
			if i == 10 {
				source = "remote"
			}
			out = append(out, telemetry.Sample{
				Stage: "control", Timestamp: ts,
				Latency: 5 * time.Millisecond, Runtime: time.Millisecond, Source: source,
			})
		}
	}
	return out
}

func TestSummarise(t *testing.T) {
	got := Summarise(samples())
	require.Len(t, got, 2)

	control, tracking := got[0], got[1]
	assert.Equal(t, "control", control.Stage)
	assert.Equal(t, 5, control.Count)
	assert.Equal(t, 5*time.Millisecond, control.Mean)
	assert.Zero(t, control.StdDev)
	assert.Equal(t, time.Millisecond, control.Runtime)
	assert.Equal(t, map[string]int{"local": 4, "remote": 1}, control.Sources)

	assert.Equal(t, "tracking", tracking.Stage)
	assert.Equal(t, 10, tracking.Count)
	assert.Equal(t, 5500*time.Microsecond, tracking.Mean)
	assert.Equal(t, 5*time.Millisecond, tracking.P50)
	assert.Equal(t, 9*time.Millisecond, tracking.P90)
	assert.Equal(t, 10*time.Millisecond, tracking.P99)
	assert.Equal(t, 10*time.Millisecond, tracking.Max)
	assert.Equal(t, 30*time.Millisecond, tracking.Runtime)
	assert.Empty(t, tracking.Sources)
}

func TestSummarise_SingleSample(t *testing.T) {
	got := Summarise([]telemetry.Sample{{Stage: "control", Latency: 3 * time.Millisecond}})
	require.Len(t, got, 1)
	assert.Equal(t, 3*time.Millisecond, got[0].P50)
	assert.Equal(t, 3*time.Millisecond, got[0].Max)
	assert.Zero(t, got[0].StdDev)
}

func TestSummarise_Empty(t *testing.T) {
	assert.Empty(t, Summarise(nil))
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, Summarise(samples())))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "control"))
	assert.Contains(t, lines[1], "n=10")
}

func TestWriteHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, "run-1 latency", samples()))
	html := buf.String()
	assert.Contains(t, html, "echarts")
	assert.Contains(t, html, "run-1 latency")
	assert.Contains(t, html, "tracking")
	assert.Contains(t, html, "control")
	assert.Contains(t, html, "p99")
}

func TestWritePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latency.png")
	require.NoError(t, WritePNG(path, "run-1", samples()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.Equal(t, []byte("\x89PNG"), data[:4])
}
