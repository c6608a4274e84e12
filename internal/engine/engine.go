// Package engine assembles the sample store, the sample log and the rollup
// manager into one process-level unit owned by the CLI.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oralable/oralytics/internal/config"
	"github.com/oralable/oralytics/internal/devicelink"
	"github.com/oralable/oralytics/internal/logger"
	"github.com/oralable/oralytics/internal/metrics"
	"github.com/oralable/oralytics/internal/rollup"
	"github.com/oralable/oralytics/internal/samplelog"
	"github.com/oralable/oralytics/internal/sensor"
	"github.com/oralable/oralytics/internal/storage/sqlite"
	"github.com/oralable/oralytics/internal/sufficiency"
)

// Version is set by ldflags during build
var Version = "dev"

const shutdownTimeout = 5 * time.Second

// Engine owns the database and every component reading or writing it.
type Engine struct {
	cfg          *config.Config
	db           *sqlite.DB
	store        *sqlite.SampleStore
	samples      *samplelog.Log
	manager      *rollup.Manager
	status       *StatusStore
	catalog      *metrics.Catalog
	defaultRange metrics.TimeRange

	session    uuid.UUID
	configHash string
	sourceName string
	pidFile    string
	locked     bool
	started    bool
	unhook     func()

	now func() time.Time
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithDB uses an already opened database instead of cfg.Storage.Path. The
// engine takes ownership and closes it on Stop.
func WithDB(db *sqlite.DB) Option {
	return func(e *Engine) {
		e.db = db
	}
}

// WithClock overrides the wall clock for every component.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(e *Engine) {
		e.log = lg
	}
}

// WithSourceName labels the run status with the ingestion source.
func WithSourceName(name string) Option {
	return func(e *Engine) {
		e.sourceName = name
	}
}

// Open builds the engine from cfg and hydrates the sample log from the
// store. Background loops do not run until Start.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		session: newSession(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.Component("engine")
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("invalid metrics config: %w", err)
	}
	defaultRange, err := cfg.DefaultRange()
	if err != nil {
		return nil, fmt.Errorf("invalid metrics config: %w", err)
	}
	aggregator, err := cfg.Aggregator()
	if err != nil {
		return nil, fmt.Errorf("invalid calibration config: %w", err)
	}
	e.catalog = catalog
	e.defaultRange = defaultRange
	e.configHash = ConfigHash(cfg)

	if e.db == nil {
		db, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		e.db = db
	}
	if !e.db.InMemory() {
		e.pidFile = PIDFilePath(e.db.Path())
	}

	e.store = sqlite.NewSampleStore(e.db)
	e.status = NewStatusStore(e.db.Conn())
	if err := e.status.InitSchema(); err != nil {
		e.db.Close()
		return nil, fmt.Errorf("failed to init run_status schema: %w", err)
	}

	e.samples = samplelog.New(
		samplelog.WithStore(e.store),
		samplelog.WithReorderWindow(cfg.Ingest.ReorderWindow),
		samplelog.WithMemoryRetention(cfg.Ingest.MemoryRetention),
		samplelog.WithCapacity(cfg.Ingest.Capacity),
		samplelog.WithRetention(cfg.Storage.Retention),
		samplelog.WithPersistInterval(cfg.Storage.PersistInterval),
		samplelog.WithPruneInterval(cfg.Storage.PruneInterval),
		samplelog.WithClock(e.now),
	)
	e.manager = rollup.NewManager(e.samples,
		rollup.WithCatalog(catalog),
		rollup.WithAggregator(aggregator),
		rollup.WithEvaluator(sufficiency.NewEvaluator(catalog)),
		rollup.WithClock(e.now),
		rollup.WithDebounce(cfg.Metrics.Debounce),
		rollup.WithAutoUpdateInterval(cfg.Metrics.AutoUpdateInterval),
		rollup.WithInitialRange(defaultRange),
	)
	e.unhook = e.samples.OnAppend(e.manager.HandleSample)

	if _, err := e.hydrate(ctx); err != nil {
		e.unhook()
		e.db.Close()
		return nil, err
	}
	return e, nil
}

// hydrate loads the newest memory_retention worth of stored samples.
func (e *Engine) hydrate(ctx context.Context) (int, error) {
	latest, ok, err := e.store.Latest(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest sample: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return e.samples.Load(ctx, latest.Timestamp.Add(-e.cfg.Ingest.MemoryRetention))
}

// Lock marks this process as the store's only writer.
func (e *Engine) Lock() error {
	if e.locked || e.pidFile == "" {
		return nil
	}
	if err := WritePIDFile(e.pidFile); err != nil {
		return err
	}
	e.locked = true
	return nil
}

// Start takes the writer lock, records the run status and starts
// persistence, pruning, notification delivery and auto-update.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}
	if err := e.Lock(); err != nil {
		return err
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	now := e.now()
	st := &RunStatus{
		PID:         os.Getpid(),
		Session:     e.session.String(),
		Source:      e.sourceName,
		StartTime:   now,
		LastPersist: now,
		Version:     Version,
		ConfigHash:  e.configHash,
	}
	if err := e.status.Upsert(ctx, st); err != nil {
		return fmt.Errorf("failed to write run status: %w", err)
	}

	if err := e.samples.Start(e.ctx); err != nil {
		return fmt.Errorf("failed to start sample log: %w", err)
	}
	if err := e.manager.Start(e.ctx); err != nil {
		return fmt.Errorf("failed to start rollup manager: %w", err)
	}
	e.manager.StartAutoUpdate()

	e.wg.Add(1)
	go e.heartbeatLoop()

	e.started = true
	e.log.Info("Engine started",
		"pid", st.PID,
		"session", st.Session,
		"version", Version,
		"db", e.db.Path(),
		"active", e.manager.Active().String())
	if logger.IsDebugEnabled() {
		e.log.Debug("Config hash", "hash", e.configHash)
	}
	return nil
}

// heartbeatLoop records ingestion progress in the run status row.
func (e *Engine) heartbeatLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Storage.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			st := e.samples.Stats()
			ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
			if err := e.status.Heartbeat(ctx, e.now(), st.Accepted, st.Persisted); err != nil {
				e.log.Warn("Failed to update run status", "error", err)
			}
			cancel()
		}
	}
}

// Ingest drains src into the sample log until src finishes or ctx is done.
func (e *Engine) Ingest(ctx context.Context, src devicelink.Source) (devicelink.PumpStats, error) {
	stats, err := devicelink.Stream(ctx, src, e.samples, devicelink.DefaultBuffer)
	if err != nil && !errors.Is(err, context.Canceled) {
		e.recordError(err)
	}
	return stats, err
}

// Import writes samples straight to the store and drops cached windows. It
// bypasses the reorder window so historical files can be loaded.
func (e *Engine) Import(ctx context.Context, samples []sensor.Sample) (int64, error) {
	if err := e.Lock(); err != nil {
		return 0, err
	}
	n, err := e.store.SaveBatch(ctx, samples)
	if err != nil {
		return 0, fmt.Errorf("failed to import samples: %w", err)
	}
	if _, err := e.hydrate(ctx); err != nil {
		return n, err
	}
	e.manager.ClearAllMetrics()
	e.log.Info("Imported samples", "count", n, "read", len(samples))
	return n, nil
}

// Prune applies storage retention now.
func (e *Engine) Prune(ctx context.Context) (int64, error) {
	if err := e.Lock(); err != nil {
		return 0, err
	}
	return e.samples.Prune(ctx)
}

// Clear deletes every stored sample and cached window.
func (e *Engine) Clear(ctx context.Context) error {
	if err := e.Lock(); err != nil {
		return err
	}
	if err := e.samples.Clear(ctx); err != nil {
		return err
	}
	e.manager.ClearAllMetrics()
	return nil
}

// Summary returns the window for (r, offset), computing it if needed.
func (e *Engine) Summary(ctx context.Context, r metrics.TimeRange, offset int) (*rollup.Snapshot, error) {
	return e.manager.Get(ctx, r, metrics.ClampOffset(offset))
}

// Samples returns the raw samples inside the window for (r, offset).
func (e *Engine) Samples(ctx context.Context, r metrics.TimeRange, offset int) ([]sensor.Sample, metrics.Period, error) {
	p, err := e.catalog.Window(r, metrics.ClampOffset(offset), e.now())
	if err != nil {
		return nil, metrics.Period{}, err
	}
	samples, err := e.samples.Query(ctx, p.Start, p.End)
	return samples, p, err
}

func (e *Engine) recordError(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := e.status.RecordError(ctx, err.Error()); serr != nil {
		e.log.Warn("Failed to record error", "error", serr)
	}
}

// Stop shuts the engine down: pending samples are flushed, the WAL is
// checkpointed and the lock released. It is safe on an engine that was
// never started.
func (e *Engine) Stop() error {
	e.log.Debug("Stopping engine")

	if err := e.manager.Stop(); err != nil {
		e.log.Warn("Failed to stop rollup manager", "error", err)
	}
	if err := e.samples.Stop(); err != nil {
		e.log.Warn("Failed to stop sample log", "error", err)
	}
	e.unhook()

	if e.started {
		e.cancel()
		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			e.log.Warn("Shutdown timeout, forcing exit")
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := e.status.Delete(ctx); err != nil {
			e.log.Warn("Failed to clear run status", "error", err)
		}
		cancel()
	}

	if e.locked {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := e.db.Checkpoint(ctx); err != nil {
			e.log.Debug("WAL checkpoint failed", "error", err)
		}
		cancel()
		if err := RemovePIDFile(e.pidFile); err != nil {
			e.log.Warn("Failed to remove PID file", "error", err)
		}
		e.locked = false
	}

	if err := e.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	if e.started {
		st := e.samples.Stats()
		e.log.Info("Engine stopped", "accepted", st.Accepted, "persisted", st.Persisted)
	}
	e.started = false
	return nil
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Catalog returns the supported ranges.
func (e *Engine) Catalog() *metrics.Catalog { return e.catalog }

// DefaultRange returns the range selected at startup.
func (e *Engine) DefaultRange() metrics.TimeRange { return e.defaultRange }

// Log returns the sample log.
func (e *Engine) Log() *samplelog.Log { return e.samples }

// Store returns the SQLite sample store.
func (e *Engine) Store() *sqlite.SampleStore { return e.store }

// Manager returns the rollup manager.
func (e *Engine) Manager() *rollup.Manager { return e.manager }

// Status returns the run status store.
func (e *Engine) Status() *StatusStore { return e.status }

// Session returns this process's run id.
func (e *Engine) Session() uuid.UUID { return e.session }

// DBPath returns the database file path.
func (e *Engine) DBPath() string { return e.db.Path() }

// ConfigHash fingerprints the effective configuration so a running process
// can be told apart from one started with different settings.
func ConfigHash(cfg *config.Config) string {
	data, err := config.Marshal(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:6])
}

func newSession() uuid.UUID {
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}
