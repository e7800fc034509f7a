package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/bus-tracker/internal/router"
)

const insertLocation = `
	INSERT INTO bus_locations (bus_id, latitude, longitude, speed, heading, reported_at, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (bus_id, reported_at) DO NOTHING`

// TrailWriter archives location updates to the bus_locations table.
type TrailWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input from the router listener
	queue *router.GrowableBuffer[locationRow]

	// Database
	db DB

	// Batching
	batch   []locationRow
	batchMu sync.Mutex

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	drained chan struct{} // Closed by consumeLoop after the final flush
	wg      sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewTrailWriter creates a new TrailWriter.
func NewTrailWriter(cfg WriterConfig, db DB, logger *slog.Logger) *TrailWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &TrailWriter{
		cfg:     cfg,
		db:      db,
		logger:  logger,
		queue:   router.NewGrowableBuffer[locationRow](cfg.BatchSize),
		batch:   make([]locationRow, 0, cfg.BatchSize),
		drained: make(chan struct{}),
	}
}

// EnsureSchema creates the bus_locations table if it does not exist.
func (w *TrailWriter) EnsureSchema(ctx context.Context) error {
	_, err := w.db.Exec(ctx, Schema)
	return err
}

// Listen is a router.Listener. It only queues; it never touches the
// database on the router's goroutine.
func (w *TrailWriter) Listen(env router.Envelope) {
	lu, ok := env.Message.(router.LocationUpdate)
	if !ok {
		return
	}
	w.queue.Send(w.transform(env, lu))
}

// Start begins consuming queued updates and writing to the database.
func (w *TrailWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("trail writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains the queue, writes what is left, and shuts down.
func (w *TrailWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping trail writer")

	// Closing the queue ends consumeLoop once it is drained.
	w.queue.Close()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		w.logger.Info("trail writer stopped")
	case <-ctx.Done():
		w.logger.Warn("trail writer stop timed out")
		err = ctx.Err()
	}

	if w.cancel != nil {
		w.cancel()
	}
	return err
}

// Stats returns current metrics.
func (w *TrailWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop moves queued rows into the batch until the queue is closed.
func (w *TrailWriter) consumeLoop() {
	defer w.wg.Done()
	defer close(w.drained)
	defer w.flush()

	for {
		row, ok := w.queue.Receive()
		if !ok {
			return
		}
		w.handleRow(row)
	}
}

// flushLoop periodically flushes the batch.
func (w *TrailWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.drained:
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

// handleRow adds a row to the batch and flushes when it is full.
func (w *TrailWriter) handleRow(row locationRow) {
	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// transform converts a routed update to a locationRow.
func (w *TrailWriter) transform(env router.Envelope, lu router.LocationUpdate) locationRow {
	busID := env.BusID
	if busID == "" {
		busID = lu.BusID
	}
	return locationRow{
		BusID:      busID,
		Latitude:   lu.Position.Latitude,
		Longitude:  lu.Position.Longitude,
		Speed:      lu.Position.Speed,
		Heading:    lu.Position.Heading,
		ReportedAt: lu.Position.Timestamp.UTC(),
		ReceivedAt: env.ReceivedAt.UTC(),
	}
}

// flush writes the current batch to the database.
func (w *TrailWriter) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]locationRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed bus locations",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *TrailWriter) batchInsert(rows []locationRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertLocation,
			r.BusID, r.Latitude, r.Longitude, r.Speed, r.Heading, r.ReportedAt, r.ReceivedAt)
	}

	// The writer's own context is cancelled only after the final flush.
	ctx := context.Background()
	if w.ctx != nil {
		ctx = w.ctx
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
