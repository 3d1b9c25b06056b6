// Command drive-pipeline runs a synthetic drive, or replays a planner dump,
// through the tracking and control stages and records per-stage latency.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/drive.sync/internal/actuator"
	"github.com/banshee-data/drive.sync/internal/config"
	"github.com/banshee-data/drive.sync/internal/monitoring"
	"github.com/banshee-data/drive.sync/internal/offload"
	"github.com/banshee-data/drive.sync/internal/pipeline"
	"github.com/banshee-data/drive.sync/internal/scenario"
	"github.com/banshee-data/drive.sync/internal/telemetry"
	"github.com/banshee-data/drive.sync/internal/version"
)

var (
	configPath  = flag.String("config", "", "Pipeline config JSON (defaults apply when empty)")
	replayPath  = flag.String("replay", "", "Planner dump CSV to replay through the control stage")
	runID       = flag.String("run-id", "", "Run identifier (default: drive-<unix time>)")
	label       = flag.String("label", "", "Free-form label stored with the run")
	logDir      = flag.String("log-dir", "", "Directory for the binary latency log (empty disables)")
	dbPath      = flag.String("db", "", "Sqlite latency database (empty disables)")
	adminListen = flag.String("admin-listen", "", "Serve /debug/ admin routes on this address while running")
	serialPort  = flag.String("serial", "", "Serial device for the drive-by-wire controller (empty disables)")
	baudRate    = flag.Int("baud", 115200, "Serial baud rate")
	debug       = flag.Bool("debug", false, "Enable diagnostic logging")
	trace       = flag.Bool("trace", false, "Enable per-timestamp trace logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func newLogger(debug, trace bool) *monitoring.Logger {
	switch {
	case trace:
		return monitoring.NewSingleLogger("", os.Stderr)
	case debug:
		return monitoring.NewLogger("", os.Stderr, os.Stderr, nil)
	}
	return monitoring.NewLogger("", os.Stderr, nil, nil)
}

func defaultRunID(now time.Time) string {
	return fmt.Sprintf("drive-%d", now.Unix())
}

func loadRecords(path string) ([]scenario.Record, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	records, err := scenario.LoadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	monitoring.Logf("loaded %d records (%s) from %s", len(records), humanize.Bytes(uint64(info.Size())), path)
	return records, nil
}

func newClient(addr string, cfg *config.PipelineConfig, codec offload.Codec, logger *monitoring.Logger) (*offload.Client, error) {
	return offload.NewClient(offload.ClientConfig{
		Addr:         addr,
		Codec:        codec,
		Timeout:      cfg.GetOffloadTimeout(),
		DialTimeout:  cfg.GetDialTimeout(),
		DialAttempts: cfg.GetDialAttempts(),
		Logger:       logger,
	})
}

// options collects the flag values run needs.
type options struct {
	RunID       string
	Label       string
	Records     []scenario.Record
	LogDir      string
	DBPath      string
	AdminListen string
	Actuator    *actuator.Writer
}

// run builds and executes one pipeline run.
func run(ctx context.Context, cfg *config.PipelineConfig, opts options, logger *monitoring.Logger) (pipeline.Stats, error) {
	codec, err := offload.CodecByName(cfg.GetCodec())
	if err != nil {
		return pipeline.Stats{}, err
	}
	deps := pipeline.Deps{
		RunID:    opts.RunID,
		Records:  opts.Records,
		Actuator: opts.Actuator,
		Logger:   logger,
	}
	if addr, ok := cfg.GetTrackingServerAddr(); ok {
		if deps.TrackingClient, err = newClient(addr, cfg, codec, logger); err != nil {
			return pipeline.Stats{}, err
		}
		defer deps.TrackingClient.Close()
		monitoring.Logf("tracking offloaded to %s (%s)", addr, cfg.GetTrackingServer())
	}
	if cfg.GetControlServerEnabled() {
		addr := cfg.GetControlServerAddr()
		if deps.ControlClient, err = newClient(addr, cfg, codec, logger); err != nil {
			return pipeline.Stats{}, err
		}
		defer deps.ControlClient.Close()
		monitoring.Logf("control offloaded to %s", addr)
	}

	var sinks []telemetry.Sink
	var recorder *telemetry.Recorder
	if opts.LogDir != "" {
		if recorder, err = telemetry.NewRecorder(telemetry.LogPath(opts.LogDir, opts.RunID), opts.RunID); err != nil {
			return pipeline.Stats{}, err
		}
		sinks = append(sinks, recorder)
	}
	var store *telemetry.Store
	if opts.DBPath != "" {
		if store, err = telemetry.OpenStore(opts.DBPath, logger); err != nil {
			return pipeline.Stats{}, err
		}
		if err := store.BeginRun(opts.RunID, opts.Label, cfg); err != nil {
			store.Close()
			return pipeline.Stats{}, fmt.Errorf("failed to register run: %w", err)
		}
		sinks = append(sinks, store)
	}
	deps.Sink = telemetry.Multi(sinks...)
	defer func() {
		if err := deps.Sink.Close(); err != nil {
			monitoring.Logf("failed to close latency sinks: %v", err)
		}
		if recorder != nil {
			monitoring.Logf("latency log written to %s (%d samples)", recorder.Path(), recorder.SampleCount())
		}
	}()

	p, err := pipeline.Build(cfg, deps)
	if err != nil {
		return pipeline.Stats{}, err
	}

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()
	if opts.AdminListen != "" && store != nil {
		mux := http.NewServeMux()
		if err := store.AttachAdminRoutes(mux); err != nil {
			return pipeline.Stats{}, err
		}
		server := &http.Server{Addr: opts.AdminListen, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					monitoring.Logf("admin server failed: %v", err)
				}
			}()
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				server.Close()
			}
		}()
	}

	start := time.Now()
	err = p.Run(runCtx)
	stats := p.Stats()
	monitoring.Logf("run %s finished in %v: %v", opts.RunID, time.Since(start).Round(time.Millisecond), stats)
	return stats, err
}

// openActuator is replaced in tests.
var openActuator = actuator.Open

// execute runs the pipeline and returns the process exit code. Deferred
// cleanup, including closing the serial port, runs before main exits.
func execute(ctx context.Context, cfg *config.PipelineConfig, opts options, serialPath string, baud int, logger *monitoring.Logger) int {
	if serialPath != "" {
		w, err := openActuator(serialPath, actuator.PortOptions{BaudRate: baud}, logger)
		if err != nil {
			log.Printf("failed to open actuator: %v", err)
			return 1
		}
		defer func() {
			if err := w.Close(); err != nil {
				log.Printf("failed to close actuator: %v", err)
			}
		}()
		opts.Actuator = w
	}

	monitoring.Logf("%s starting run %s", version.String("drive-pipeline"), opts.RunID)
	if _, err := run(ctx, cfg, opts, logger); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("pipeline failed: %v", err)
		return 1
	}
	log.Printf("Graceful shutdown complete")
	return 0
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("drive-pipeline"))
		return
	}

	cfg := config.EmptyPipelineConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadPipelineConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	opts := options{
		RunID:       *runID,
		Label:       *label,
		LogDir:      *logDir,
		DBPath:      *dbPath,
		AdminListen: *adminListen,
	}
	if opts.RunID == "" {
		opts.RunID = defaultRunID(time.Now())
	}
	if *replayPath != "" {
		records, err := loadRecords(*replayPath)
		if err != nil {
			log.Fatalf("failed to load replay: %v", err)
		}
		opts.Records = records
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, cfg, opts, *serialPort, *baudRate, newLogger(*debug, *trace))
	stop()
	os.Exit(code)
}
