// Command latency-report summarises the latency samples of one run, read
// from a binary latency log or from the sqlite latency database.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/drive.sync/internal/report"
	"github.com/banshee-data/drive.sync/internal/telemetry"
	"github.com/banshee-data/drive.sync/internal/version"
)

var (
	logPath     = flag.String("log", "", "Latency log directory ("+telemetry.FileExtension+") to read")
	dbPath      = flag.String("db", "", "Sqlite latency database to read")
	runID       = flag.String("run-id", "", "Run to read from -db (default: the newest run)")
	stage       = flag.String("stage", "", "Only report this stage")
	htmlOut     = flag.String("html", "", "Write an interactive chart to this file")
	pngOut      = flag.String("png", "", "Write a static plot to this file")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

var errNoSource = errors.New("one of -log or -db is required")

// source identifies where samples come from.
type source struct {
	LogPath string
	DBPath  string
	RunID   string
	Stage   string
}

// load returns the samples and the run they belong to.
func load(src source) (string, []telemetry.Sample, error) {
	switch {
	case src.LogPath != "" && src.DBPath != "":
		return "", nil, errors.New("-log and -db are mutually exclusive")
	case src.LogPath != "":
		header, samples, err := telemetry.ReadRecords(filepath.Clean(src.LogPath))
		if err != nil {
			return "", nil, err
		}
		return header.RunID, filterStage(samples, src.Stage), nil
	case src.DBPath != "":
		if _, err := os.Stat(src.DBPath); err != nil {
			return "", nil, err
		}
		store, err := telemetry.OpenStore(src.DBPath, nil)
		if err != nil {
			return "", nil, err
		}
		defer store.Close()
		id := src.RunID
		if id == "" {
			runs, err := store.Runs()
			if err != nil {
				return "", nil, err
			}
			if len(runs) == 0 {
				return "", nil, fmt.Errorf("%s has no runs", src.DBPath)
			}
			id = runs[0].RunID
		}
		samples, err := store.Samples(id, src.Stage)
		return id, samples, err
	}
	return "", nil, errNoSource
}

func filterStage(samples []telemetry.Sample, stage string) []telemetry.Sample {
	if stage == "" {
		return samples
	}
	out := samples[:0]
	for _, s := range samples {
		if s.Stage == stage {
			out = append(out, s)
		}
	}
	return out
}

// outputs names the optional chart files.
type outputs struct {
	HTML string
	PNG  string
}

func write(w io.Writer, run string, samples []telemetry.Sample, out outputs) error {
	if len(samples) == 0 {
		return fmt.Errorf("run %s has no samples", run)
	}
	fmt.Fprintf(w, "run %s: %d samples\n", run, len(samples))
	summaries := report.Summarise(samples)
	if err := report.WriteText(w, summaries); err != nil {
		return err
	}
	for _, s := range summaries {
		if len(s.Sources) == 0 {
			continue
		}
		parts := make([]string, 0, len(s.Sources))
		for name, n := range s.Sources {
			parts = append(parts, fmt.Sprintf("%s=%d", name, n))
		}
		sort.Strings(parts)
		fmt.Fprintf(w, "%s sources: %s\n", s.Stage, strings.Join(parts, " "))
	}

	title := fmt.Sprintf("%s latency", run)
	if out.HTML != "" {
		f, err := os.Create(out.HTML)
		if err != nil {
			return err
		}
		if err := report.WriteHTML(f, title, samples); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %s\n", out.HTML)
	}
	if out.PNG != "" {
		if err := report.WritePNG(out.PNG, title, samples); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %s\n", out.PNG)
	}
	return nil
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("latency-report"))
		return
	}

	run, samples, err := load(source{LogPath: *logPath, DBPath: *dbPath, RunID: *runID, Stage: *stage})
	if err != nil {
		if errors.Is(err, errNoSource) {
			flag.Usage()
		}
		log.Fatalf("failed to load samples: %v", err)
	}
	if err := write(os.Stdout, run, samples, outputs{HTML: *htmlOut, PNG: *pngOut}); err != nil {
		log.Fatalf("report failed: %v", err)
	}
}
