// Package pipeline composes the scenario source and the tracking, control,
// actuator and telemetry stages into one runnable graph.
package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/drive.sync/internal/monitoring"
	"github.com/banshee-data/drive.sync/internal/operator"
)

type source struct {
	name string
	run  func(ctx context.Context) error
}

// Graph runs named sources and operator runners together. The first error
// cancels every other member.
type Graph struct {
	sources []source
	runners []*operator.Runner
	log     *monitoring.Logger
}

// NewGraph creates an empty graph.
func NewGraph(logger *monitoring.Logger) *Graph {
	return &Graph{log: logger.Named("[pipeline] ")}
}

// AddSource adds a producer. run must send Top on its streams before
// returning nil.
func (g *Graph) AddSource(name string, run func(ctx context.Context) error) {
	g.sources = append(g.sources, source{name: name, run: run})
}

// AddRunner adds a stage. Its inputs must already be joined or observed.
func (g *Graph) AddRunner(r *operator.Runner) {
	r.SetLogger(g.log)
	g.runners = append(g.runners, r)
}

// Runners returns the stage names in the order they were added.
func (g *Graph) Runners() []string {
	names := make([]string, len(g.runners))
	for i, r := range g.runners {
		names[i] = r.Name()
	}
	return names
}

// Run starts every member and waits for all of them.
func (g *Graph) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, s := range g.sources {
		eg.Go(func() error {
			if err := s.run(ctx); err != nil {
				return fmt.Errorf("%s: %w", s.name, err)
			}
			g.log.Diagf("source %s finished", s.name)
			return nil
		})
	}
	for _, r := range g.runners {
		eg.Go(func() error {
			if err := r.Run(ctx); err != nil {
				return err
			}
			g.log.Diagf("stage %s finished", r.Name())
			return nil
		})
	}
	return eg.Wait()
}
