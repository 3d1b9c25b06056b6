// Package telemetry records per-stage latency samples from pipeline runs to
// a binary log and a sqlite store.
package telemetry

import (
	"errors"
	"time"

	"github.com/banshee-data/drive.sync/internal/timestamp"
)

// Sample is one stage output observed at a sink.
type Sample struct {
	RunID     string              `json:"run_id"`
	Stage     string              `json:"stage"`
	Timestamp timestamp.Timestamp `json:"timestamp"`

	// Latency is the wall time from the tick being published to the stage
	// output reaching the sink.
	Latency time.Duration `json:"latency"`

	// Runtime is the stage's own reported figure: the modelled delay for
	// tracking, the controller runtime for control.
	Runtime time.Duration `json:"runtime"`

	Source string `json:"source,omitempty"`
	Status string `json:"status,omitempty"`
}

// Sink receives samples. Implementations must be safe for concurrent use.
type Sink interface {
	RecordLatency(s Sample) error
	Close() error
}

type multi []Sink

// Multi fans samples out to every sink. Errors from all sinks are joined.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m multi) RecordLatency(s Sample) error {
	var errs []error
	for _, sink := range m {
		errs = append(errs, sink.RecordLatency(s))
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, sink := range m {
		errs = append(errs, sink.Close())
	}
	return errors.Join(errs...)
}

// Nop discards samples.
type Nop struct{}

func (Nop) RecordLatency(Sample) error { return nil }
func (Nop) Close() error               { return nil }
