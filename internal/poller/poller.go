package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/bus-tracker/internal/clock"
)

// BusSource provides the buses to check.
type BusSource interface {
	Buses() []string
}

// BusSourceFunc is a function adapter for BusSource.
type BusSourceFunc func() []string

func (f BusSourceFunc) Buses() []string { return f() }

// Union returns a BusSource over the distinct ids of every source, sorted.
// A bus whose stream has failed drops out of the registry but must still
// be polled, so callers combine the registry with longer-lived sources.
func Union(sources ...BusSource) BusSource {
	return BusSourceFunc(func() []string {
		seen := make(map[string]struct{})
		var ids []string
		for _, src := range sources {
			for _, id := range src.Buses() {
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		return ids
	})
}

// StaleChecker reports staleness. Implemented by *livestate.Store.
type StaleChecker interface {
	IsStale(busID string) bool
}

// Seeder re-seeds one bus. Implemented by *api.Seeder.
type Seeder interface {
	SeedBus(ctx context.Context, busID string) error
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 30s)
	Concurrency int           // Max concurrent re-seeds (default: 4)
	Timeout     time.Duration // Per-bus timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Stats contains poller statistics.
type Stats struct {
	Cycles int64
	Seeded int64
	Errors int64
}

// Poller periodically re-seeds stale buses via the REST API.
type Poller struct {
	cfg    Config
	buses  BusSource
	state  StaleChecker
	seeder Seeder
	clock  clock.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cycles atomic.Int64
	seeded atomic.Int64
	errors atomic.Int64
}

// New creates a new Poller. A nil clock means the real clock.
func New(cfg Config, buses BusSource, state StaleChecker, seeder Seeder, clk clock.Clock, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:    cfg,
		buses:  buses,
		state:  state,
		seeder: seeder,
		clock:  clk,
		logger: logger,
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("stale re-seed poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("stale re-seed poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (p *Poller) Stats() Stats {
	return Stats{
		Cycles: p.cycles.Load(),
		Seeded: p.seeded.Load(),
		Errors: p.errors.Load(),
	}
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.PollOnce(p.ctx)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(p.ctx)
		}
	}
}

// PollOnce re-seeds every stale bus and returns how many succeeded.
func (p *Poller) PollOnce(ctx context.Context) int {
	start := p.clock.Now()
	defer p.cycles.Add(1)

	var stale []string
	for _, id := range p.buses.Buses() {
		if p.state.IsStale(id) {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		p.logger.Debug("no stale buses")
		return 0
	}

	var seeded, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, id := range stale {
		id := id
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			busCtx, cancel := context.WithTimeout(gctx, p.cfg.Timeout)
			defer cancel()

			// One bus failing must not cancel the others.
			if err := p.seeder.SeedBus(busCtx, id); err != nil {
				p.logger.Warn("failed to re-seed bus", "bus_id", id, "error", err)
				failed.Add(1)
				return nil
			}
			seeded.Add(1)
			return nil
		})
	}
	g.Wait()

	p.seeded.Add(seeded.Load())
	p.errors.Add(failed.Load())

	p.logger.Info("re-seed cycle complete",
		"stale", len(stale),
		"seeded", seeded.Load(),
		"errors", failed.Load(),
		"duration", p.clock.Now().Sub(start),
	)
	return int(seeded.Load())
}
