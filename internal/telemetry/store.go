package telemetry

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/drive.sync/internal/monitoring"
	"github.com/banshee-data/drive.sync/internal/timestamp"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store keeps latency samples in sqlite.
type Store struct {
	*sql.DB
	path string
	log  *monitoring.Logger
}

// OpenStore opens (or creates) the database at path and applies every
// pending migration.
func OpenStore(path string, logger *monitoring.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &Store{DB: db, path: path, log: logger.Named("[telemetry] ")}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// MigrateUp runs all pending migrations up to the latest version.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current migration version and dirty state.
// It returns 0, false, nil before any migration has been applied.
func (s *Store) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{s.log}
	return m, nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{ log *monitoring.Logger }

func (l migrateLogger) Printf(format string, v ...any) { l.log.Diagf("[migrate] "+format, v...) }
func (l migrateLogger) Verbose() bool                  { return false }

// BeginRun records a run and the configuration it used.
func (s *Store) BeginRun(runID, label string, config any) error {
	cfg, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal run config: %w", err)
	}
	_, err = s.Exec(`INSERT INTO runs (run_id, label, config) VALUES (?, ?, ?)`, runID, label, string(cfg))
	return err
}

// Run describes one recorded pipeline run.
type Run struct {
	RunID     string    `json:"run_id"`
	Label     string    `json:"label"`
	Config    string    `json:"config"`
	StartedAt time.Time `json:"started_at"`
	Samples   int       `json:"samples"`
}

// Runs lists every run, newest first, with its sample count.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.Query(`
		SELECT r.run_id, COALESCE(r.label, ''), COALESCE(r.config, ''),
		       CAST(strftime('%s', r.started_at) AS INTEGER),
		       (SELECT COUNT(*) FROM latency_samples l WHERE l.run_id = r.run_id)
		FROM runs r
		ORDER BY r.started_at DESC, r.run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		if err := rows.Scan(&r.RunID, &r.Label, &r.Config, &started, &r.Samples); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(started, 0).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RecordLatency implements Sink.
func (s *Store) RecordLatency(sample Sample) error {
	_, err := s.Exec(`
		INSERT INTO latency_samples (run_id, stage, ts, ts_first, latency_ns, runtime_ns, source, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.RunID, sample.Stage, sample.Timestamp.String(), sample.Timestamp.First(),
		int64(sample.Latency), int64(sample.Runtime), sample.Source, sample.Status)
	if err != nil {
		return fmt.Errorf("failed to record %s sample at %v: %w", sample.Stage, sample.Timestamp, err)
	}
	return nil
}

// Samples returns a run's samples in timestamp order. An empty stage
// selects every stage.
func (s *Store) Samples(runID, stage string) ([]Sample, error) {
	rows, err := s.Query(`
		SELECT run_id, stage, ts, latency_ns, runtime_ns, COALESCE(source, ''), COALESCE(status, '')
		FROM latency_samples
		WHERE run_id = ? AND (? = '' OR stage = ?)
		ORDER BY ts_first, stage, sample_id`, runID, stage, stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			smp              Sample
			ts               string
			latency, runtime int64
		)
		if err := rows.Scan(&smp.RunID, &smp.Stage, &ts, &latency, &runtime, &smp.Source, &smp.Status); err != nil {
			return nil, err
		}
		if smp.Timestamp, err = timestamp.Parse(ts); err != nil {
			return nil, err
		}
		smp.Latency = time.Duration(latency)
		smp.Runtime = time.Duration(runtime)
		out = append(out, smp)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts tailsql and a run listing under /debug/.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.DB, &tailsql.DBOptions{
		Label: "Latency DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("runs", "Recorded pipeline runs", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.Runs()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to list runs: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(runs); err != nil {
			s.log.Opsf("failed to encode runs: %v", err)
		}
	}))
	return nil
}
