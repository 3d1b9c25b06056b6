// Command offload-server serves the tracking and control capabilities to
// remote pipelines over length-prefixed TCP frames, with gRPC health checks
// on a separate port.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/drive.sync/internal/config"
	"github.com/banshee-data/drive.sync/internal/control"
	"github.com/banshee-data/drive.sync/internal/monitoring"
	"github.com/banshee-data/drive.sync/internal/offload"
	"github.com/banshee-data/drive.sync/internal/pipeline"
	"github.com/banshee-data/drive.sync/internal/tracking"
	"github.com/banshee-data/drive.sync/internal/version"
)

var (
	trackingListen = flag.String("tracking-listen", ":5010", "Tracking offload listen address (empty disables)")
	controlListen  = flag.String("control-listen", ":5030", "Control offload listen address (empty disables)")
	healthListen   = flag.String("health-listen", ":5011", "gRPC health listen address (empty disables)")
	configPath     = flag.String("config", "", "Pipeline config JSON for controller gains and tracker options")
	codecName      = flag.String("codec", "cbor", "Wire codec: cbor, json or proto")
	idleTimeout    = flag.Duration("idle-timeout", 5*time.Minute, "Close connections idle for this long (0 disables)")
	debug          = flag.Bool("debug", false, "Enable diagnostic logging")
	trace          = flag.Bool("trace", false, "Enable per-request trace logging")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

type listeners struct {
	tracking, control, health net.Listener
}

func (l listeners) close() {
	for _, ln := range []net.Listener{l.tracking, l.control, l.health} {
		if ln != nil {
			ln.Close()
		}
	}
}

func listen(addr string) (net.Listener, error) {
	if addr == "" {
		return nil, nil
	}
	return net.Listen("tcp", addr)
}

func newLogger(debug, trace bool) *monitoring.Logger {
	l := monitoring.NewLogger("", os.Stderr, nil, nil)
	if debug || trace {
		l = monitoring.NewLogger("", os.Stderr, os.Stderr, nil)
	}
	if trace {
		l = monitoring.NewSingleLogger("", os.Stderr)
	}
	return l
}

// serve runs every configured listener until ctx is cancelled.
func serve(ctx context.Context, cfg *config.PipelineConfig, codec offload.Codec, ls listeners, logger *monitoring.Logger) error {
	if ls.tracking == nil && ls.control == nil {
		return fmt.Errorf("no offload listener configured")
	}

	var services []string
	if ls.tracking != nil {
		services = append(services, offload.TrackingService)
	}
	if ls.control != nil {
		services = append(services, offload.ControlService)
	}
	hs := offload.NewHealthServer(services...)

	// One failed listener stops the others.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 3)
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errc <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
			monitoring.Logf("%s routine terminated", name)
		}()
	}

	if ls.tracking != nil {
		opts := pipeline.SortOptions(cfg)
		h := tracking.NewHandler(codec, func(kind string) (tracking.Tracker, error) {
			return tracking.NewTracker(kind, opts)
		}, nil)
		srv := offload.NewServer(h, offload.ServerConfig{Name: "tracking", IdleTimeout: *idleTimeout, Logger: logger})
		run("tracking", func() error { return srv.Serve(ctx, ls.tracking) })
		hs.SetServing(offload.TrackingService, true)
		monitoring.Logf("tracking offload listening on %s (%s)", ls.tracking.Addr(), codec.Name())
	}
	if ls.control != nil {
		h := control.NewHandler(codec, pipeline.ControlParams(cfg), nil)
		srv := offload.NewServer(h, offload.ServerConfig{Name: "control", IdleTimeout: *idleTimeout, Logger: logger})
		run("control", func() error { return srv.Serve(ctx, ls.control) })
		hs.SetServing(offload.ControlService, true)
		monitoring.Logf("control offload listening on %s (%s)", ls.control.Addr(), codec.Name())
	}
	if ls.health != nil {
		run("health", func() error { return hs.Serve(ctx, ls.health) })
		monitoring.Logf("health checks on %s", ls.health.Addr())
	}

	wg.Wait()
	close(errc)
	return <-errc
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("offload-server"))
		return
	}

	cfg := config.EmptyPipelineConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadPipelineConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	codec, err := offload.CodecByName(*codecName)
	if err != nil {
		log.Fatalf("invalid codec: %v", err)
	}

	var ls listeners
	for _, l := range []struct {
		addr string
		dst  *net.Listener
	}{
		{*trackingListen, &ls.tracking},
		{*controlListen, &ls.control},
		{*healthListen, &ls.health},
	} {
		if *l.dst, err = listen(l.addr); err != nil {
			ls.close()
			log.Fatalf("failed to listen on %s: %v", l.addr, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitoring.Logf("%s starting", version.String("offload-server"))
	if err := serve(ctx, cfg, codec, ls, newLogger(*debug, *trace)); err != nil {
		ls.close()
		log.Fatalf("offload server failed: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
