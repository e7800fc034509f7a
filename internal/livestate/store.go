// Package livestate keeps the derived, renderable state of every tracked
// bus: current position, breadcrumb trail, and freshness.
//
// State is created on the first location update (or seed) and lives until
// Discard, independent of the bus's connection. Staleness is never stored;
// it is computed from the clock on every read.
package livestate

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/bus-tracker/internal/clock"
	"github.com/rickgao/bus-tracker/internal/model"
	"github.com/rickgao/bus-tracker/internal/router"
)

// Config controls staleness and trail retention.
type Config struct {
	StaleThreshold time.Duration // Default: 60s
	MaxTrailPoints int           // Oldest points are evicted beyond this. Default: 500
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		StaleThreshold: 60 * time.Second,
		MaxTrailPoints: 500,
	}
}

// LiveState is a point-in-time copy of one bus's state.
type LiveState struct {
	BusID       string
	Current     *model.Position  // nil until the first update or seed
	Trail       []model.Position // arrival order, oldest first
	LastUpdated time.Time
	Stale       bool // derived at read time
	Updates     int64
}

// Seed is externally fetched state used before (or between) live pushes.
type Seed struct {
	Current *model.Position
	Trail   []model.Position // oldest first
}

// StoreStats contains store statistics.
type StoreStats struct {
	Buses   int
	Stale   int
	Updates int64
	Seeds   int64
}

type state struct {
	current     *model.Position
	trail       []model.Position
	lastUpdated time.Time
	updates     int64
}

// Store is the live state of all buses. It is safe for concurrent use.
type Store struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.RWMutex
	states  map[string]*state
	updates int64
	seeds   int64
}

// NewStore creates an empty Store. A nil clock means the real clock.
func NewStore(cfg Config, clk clock.Clock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	def := DefaultConfig()
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if cfg.MaxTrailPoints <= 0 {
		cfg.MaxTrailPoints = def.MaxTrailPoints
	}

	return &Store{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		states: make(map[string]*state),
	}
}

// Apply is a router.Listener. Location updates mutate state; other
// messages are ignored.
func (s *Store) Apply(env router.Envelope) {
	lu, ok := env.Message.(router.LocationUpdate)
	if !ok {
		return
	}
	s.Update(env.BusID, lu.Position)
}

// Update records a pushed position: it becomes current, is appended to
// the trail as received (no sorting, no dedup), and refreshes LastUpdated.
func (s *Store) Update(busID string, pos model.Position) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(busID)
	p := pos
	st.current = &p
	st.trail = s.appendTrail(st.trail, pos)
	st.lastUpdated = now
	st.updates++
	s.updates++
}

// Seed installs externally fetched state. A missing bus is created. For
// an existing bus the current position is replaced only by a newer one,
// and the trail is filled only while it is still empty.
func (s *Store) Seed(busID string, seed Seed) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(busID)
	if seed.Current != nil && (st.current == nil || seed.Current.Timestamp.After(st.current.Timestamp)) {
		p := *seed.Current
		st.current = &p
		if p.Timestamp.After(st.lastUpdated) {
			st.lastUpdated = p.Timestamp
		}
	}
	if len(st.trail) == 0 && len(seed.Trail) > 0 {
		for _, p := range seed.Trail {
			st.trail = s.appendTrail(st.trail, p)
		}
		if st.current == nil {
			p := st.trail[len(st.trail)-1]
			st.current = &p
			st.lastUpdated = p.Timestamp
		}
	}
	s.seeds++

	s.logger.Debug("live state seeded",
		"bus_id", busID,
		"has_current", st.current != nil,
		"trail_points", len(st.trail),
	)
}

// Get returns a copy of busID's state.
func (s *Store) Get(busID string) (LiveState, bool) {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[busID]
	if !ok {
		return LiveState{BusID: busID, Stale: true}, false
	}
	return s.snapshotLocked(busID, st, now), true
}

// All returns copies of every bus's state, sorted by bus id.
func (s *Store) All() []LiveState {
	now := s.clock.Now()

	s.mu.RLock()
	out := make([]LiveState, 0, len(s.states))
	for id, st := range s.states {
		out = append(out, s.snapshotLocked(id, st, now))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].BusID < out[j].BusID })
	return out
}

// IsStale reports whether more than the stale threshold has passed since
// busID was last updated. Unknown buses are stale.
func (s *Store) IsStale(busID string) bool {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[busID]
	if !ok {
		return true
	}
	return s.staleAt(st, now)
}

// Discard drops busID's state. It reports whether there was any.
func (s *Store) Discard(busID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[busID]; !ok {
		return false
	}
	delete(s.states, busID)
	return true
}

// Buses returns the ids with state, sorted.
func (s *Store) Buses() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Stats returns current statistics.
func (s *Store) Stats() StoreStats {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := StoreStats{
		Buses:   len(s.states),
		Updates: s.updates,
		Seeds:   s.seeds,
	}
	for _, st := range s.states {
		if s.staleAt(st, now) {
			stats.Stale++
		}
	}
	return stats
}

func (s *Store) stateLocked(busID string) *state {
	st, ok := s.states[busID]
	if !ok {
		st = &state{}
		s.states[busID] = st
	}
	return st
}

func (s *Store) staleAt(st *state, now time.Time) bool {
	if st.lastUpdated.IsZero() {
		return true
	}
	return now.Sub(st.lastUpdated) > s.cfg.StaleThreshold
}

// appendTrail appends p, evicting the oldest point past MaxTrailPoints.
func (s *Store) appendTrail(trail []model.Position, p model.Position) []model.Position {
	if len(trail) < s.cfg.MaxTrailPoints {
		return append(trail, p)
	}
	copy(trail, trail[1:])
	trail[len(trail)-1] = p
	return trail
}

func (s *Store) snapshotLocked(busID string, st *state, now time.Time) LiveState {
	ls := LiveState{
		BusID:       busID,
		Trail:       append([]model.Position(nil), st.trail...),
		LastUpdated: st.lastUpdated,
		Stale:       s.staleAt(st, now),
		Updates:     st.updates,
	}
	if st.current != nil {
		p := *st.current
		ls.Current = &p
	}
	return ls
}
