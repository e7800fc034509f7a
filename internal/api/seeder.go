package api

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/bus-tracker/internal/livestate"
	"github.com/rickgao/bus-tracker/internal/model"
)

// SeedTarget receives seeded state. Implemented by *livestate.Store.
type SeedTarget interface {
	Seed(busID string, seed livestate.Seed)
}

// Seeder fills live state from REST before the stream delivers anything.
type Seeder struct {
	client     *Client
	target     SeedTarget
	trailLimit int
	logger     *slog.Logger
}

// NewSeeder creates a Seeder. trailLimit caps the trail request; zero
// lets the server choose.
func NewSeeder(client *Client, target SeedTarget, trailLimit int, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{
		client:     client,
		target:     target,
		trailLimit: trailLimit,
		logger:     logger,
	}
}

// SeedBus fetches the last known position and the recent trail of busID
// concurrently and seeds them. A bus with no known position is seeded
// with its trail alone.
func (s *Seeder) SeedBus(ctx context.Context, busID string) error {
	var (
		current *model.Position
		trail   []model.Position
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pos, err := s.client.GetLocation(gctx, busID)
		if errors.Is(err, ErrNoPosition) {
			return nil
		}
		if err != nil {
			return err
		}
		current = &pos
		return nil
	})
	g.Go(func() error {
		points, err := s.client.GetTrail(gctx, busID, s.trailLimit)
		if err != nil {
			return err
		}
		trail = points
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("failed to seed bus", "bus_id", busID, "error", err)
		return err
	}

	if current == nil && len(trail) == 0 {
		s.logger.Debug("nothing to seed", "bus_id", busID)
		return nil
	}

	s.target.Seed(busID, livestate.Seed{Current: current, Trail: trail})
	return nil
}
