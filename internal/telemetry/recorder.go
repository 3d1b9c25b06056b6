package telemetry

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// FileExtension is the extension for latency log directories.
const FileExtension = ".dslog"

// ChunkSize is the number of samples per chunk file.
const ChunkSize = 1000

// maxRecordSize bounds a single encoded sample when reading a log back.
const maxRecordSize = 1 << 20

// LogHeader contains metadata about a recorded run.
type LogHeader struct {
	Version      string   `json:"version"`
	RunID        string   `json:"run_id"`
	CreatedNs    int64    `json:"created_ns"`
	TotalSamples uint64   `json:"total_samples"`
	Chunks       int      `json:"chunks"`
	Stages       []string `json:"stages"`
}

// LogPath returns the log directory for runID below dir. Characters other
// than ASCII letters, digits, dot, underscore and dash become underscores so
// a run id cannot escape dir.
func LogPath(dir, runID string) string {
	return filepath.Join(dir, sanitizeName(runID)+FileExtension)
}

func sanitizeName(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "run"
	}
	return out
}

// Recorder writes samples to a log directory as length-prefixed CBOR
// records split into chunk files, plus a JSON header written on Close.
type Recorder struct {
	basePath string

	header       LogHeader
	stages       map[string]bool
	currentChunk int
	chunkFile    *os.File

	sampleCount uint64

	mu     sync.Mutex
	closed bool
}

// NewRecorder creates a Recorder writing below basePath. If basePath is
// empty a directory named after the run is created in the temp dir.
func NewRecorder(basePath, runID string) (*Recorder, error) {
	if basePath == "" {
		basePath = filepath.Join(os.TempDir(), fmt.Sprintf("drive_%s_%d%s", runID, time.Now().Unix(), FileExtension))
	}
	if err := os.MkdirAll(filepath.Join(basePath, "samples"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &Recorder{
		basePath:     basePath,
		stages:       map[string]bool{},
		currentChunk: -1,
		header: LogHeader{
			Version:   "1.0",
			RunID:     runID,
			CreatedNs: time.Now().UnixNano(),
		},
	}, nil
}

// RecordLatency implements Sink.
func (r *Recorder) RecordLatency(s Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("recorder is closed")
	}

	chunkIdx := int(r.sampleCount / ChunkSize)
	if chunkIdx != r.currentChunk {
		if err := r.rotateChunk(chunkIdx); err != nil {
			return err
		}
	}

	data, err := cbor.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to serialize sample: %w", err)
	}
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := r.chunkFile.Write(buf); err != nil {
		return fmt.Errorf("failed to write sample: %w", err)
	}

	r.stages[s.Stage] = true
	r.sampleCount++
	return nil
}

func chunkPath(basePath string, idx int) string {
	return filepath.Join(basePath, "samples", fmt.Sprintf("chunk_%04d.cbor", idx))
}

// rotateChunk closes the current chunk and opens a new one.
func (r *Recorder) rotateChunk(chunkIdx int) error {
	if r.chunkFile != nil {
		if err := r.chunkFile.Close(); err != nil {
			return err
		}
	}
	f, err := os.Create(chunkPath(r.basePath, chunkIdx))
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %w", err)
	}
	r.chunkFile = f
	r.currentChunk = chunkIdx
	return nil
}

// Close finalises the log and writes the header.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var closeErr error
	if r.chunkFile != nil {
		closeErr = r.chunkFile.Close()
	}

	r.header.TotalSamples = r.sampleCount
	r.header.Chunks = r.currentChunk + 1
	r.header.Stages = r.header.Stages[:0]
	for stage := range r.stages {
		r.header.Stages = append(r.header.Stages, stage)
	}
	sort.Strings(r.header.Stages)

	headerData, err := json.MarshalIndent(r.header, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.basePath, "header.json"), headerData, 0644); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return closeErr
}

// Path returns the base path of the log.
func (r *Recorder) Path() string { return r.basePath }

// SampleCount returns the number of samples recorded.
func (r *Recorder) SampleCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sampleCount
}

// ReadRecords loads a closed log: its header and every sample in order.
func ReadRecords(basePath string) (LogHeader, []Sample, error) {
	var header LogHeader
	headerData, err := os.ReadFile(filepath.Join(basePath, "header.json"))
	if err != nil {
		return header, nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err := json.Unmarshal(headerData, &header); err != nil {
		return header, nil, fmt.Errorf("failed to parse header: %w", err)
	}

	samples := make([]Sample, 0, header.TotalSamples)
	for idx := 0; idx < header.Chunks; idx++ {
		f, err := os.Open(chunkPath(basePath, idx))
		if err != nil {
			return header, nil, fmt.Errorf("failed to open chunk: %w", err)
		}
		samples, err = readChunk(f, samples)
		f.Close()
		if err != nil {
			return header, nil, fmt.Errorf("chunk %d: %w", idx, err)
		}
	}
	if uint64(len(samples)) != header.TotalSamples {
		return header, samples, fmt.Errorf("log has %d samples, header says %d", len(samples), header.TotalSamples)
	}
	return header, samples, nil
}

func readChunk(r io.Reader, samples []Sample) ([]Sample, error) {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return samples, nil
			}
			return samples, fmt.Errorf("failed to read sample length: %w", err)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n > maxRecordSize {
			return samples, fmt.Errorf("invalid sample length %d", n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return samples, fmt.Errorf("failed to read sample: %w", err)
		}
		var s Sample
		if err := cbor.Unmarshal(data, &s); err != nil {
			return samples, fmt.Errorf("failed to deserialize sample: %w", err)
		}
		samples = append(samples, s)
	}
}
