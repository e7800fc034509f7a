package writer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// WriterConfig contains configuration for batch writers.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
	}
}

// WriterMetrics holds metrics for a writer.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

// DB is the subset of *pgxpool.Pool used by the writer.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// locationRow represents a row for the bus_locations table.
type locationRow struct {
	BusID      string
	Latitude   float64
	Longitude  float64
	Speed      float64
	Heading    float64
	ReportedAt time.Time // Device timestamp
	ReceivedAt time.Time // When the socket read the frame
}

// Schema creates the bus_locations table.
const Schema = `
CREATE TABLE IF NOT EXISTS bus_locations (
	bus_id      TEXT             NOT NULL,
	latitude    DOUBLE PRECISION NOT NULL,
	longitude   DOUBLE PRECISION NOT NULL,
	speed       DOUBLE PRECISION NOT NULL DEFAULT 0,
	heading     DOUBLE PRECISION NOT NULL DEFAULT 0,
	reported_at TIMESTAMPTZ      NOT NULL,
	received_at TIMESTAMPTZ      NOT NULL,
	PRIMARY KEY (bus_id, reported_at)
)`
