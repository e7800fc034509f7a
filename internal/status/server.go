package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rickgao/bus-tracker/internal/connection"
	"github.com/rickgao/bus-tracker/internal/livestate"
	"github.com/rickgao/bus-tracker/internal/model"
	"github.com/rickgao/bus-tracker/internal/router"
	"github.com/rickgao/bus-tracker/internal/version"
)

// Connections is the part of *connection.Registry the server reads.
type Connections interface {
	Stats() connection.RegistryStats
	State(busID string) (connection.State, int, bool)
	RequestCurrentLocation(busID string) error
}

// States is the part of *livestate.Store the server reads.
type States interface {
	Get(busID string) (livestate.LiveState, bool)
	All() []livestate.LiveState
	Stats() livestate.StoreStats
}

// Server is the status HTTP server.
type Server struct {
	addr   string
	conns  Connections
	states States
	logger *slog.Logger

	routerStats func() router.RouterStats

	srv *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithRouterStats adds router counters to /health.
func WithRouterStats(fn func() router.RouterStats) Option {
	return func(s *Server) {
		s.routerStats = fn
	}
}

// NewServer creates a status server listening on port.
func NewServer(port int, conns Connections, states States, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:   fmt.Sprintf(":%d", port),
		conns:  conns,
		states: states,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	})

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/buses", s.handleBuses).Methods(http.MethodGet)
	r.HandleFunc("/buses/{id}", s.handleBus).Methods(http.MethodGet)
	r.HandleFunc("/buses/{id}/refresh", s.handleRefresh).Methods(http.MethodPost)
	return r
}

// Start listens and serves in the background. It returns once the
// listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", "error", err)
		}
	}()

	s.logger.Info("status server started", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type healthResponse struct {
	Status      string                   `json:"status"`
	Version     string                   `json:"version"`
	Connections connection.RegistryStats `json:"connections"`
	LiveState   livestate.StoreStats     `json:"live_state"`
	Router      *router.RouterStats      `json:"router,omitempty"`
}

type positionView struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Timestamp time.Time `json:"timestamp"`
}

type busView struct {
	BusID             string         `json:"bus_id"`
	Connection        string         `json:"connection"`
	ReconnectAttempts int            `json:"reconnect_attempts"`
	Current           *positionView  `json:"current"`
	TrailPoints       int            `json:"trail_points"`
	Trail             []positionView `json:"trail,omitempty"`
	LastUpdated       *time.Time     `json:"last_updated"`
	Stale             bool           `json:"stale"`
	Updates           int64          `json:"updates"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Version:     version.String(),
		Connections: s.conns.Stats(),
		LiveState:   s.states.Stats(),
	}
	if s.routerStats != nil {
		stats := s.routerStats()
		resp.Router = &stats
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBuses(w http.ResponseWriter, r *http.Request) {
	all := s.states.All()
	views := make([]busView, 0, len(all))
	for _, ls := range all {
		views = append(views, s.view(ls.BusID, ls, false))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleBus(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["id"]

	ls, known := s.states.Get(busID)
	_, _, tracked := s.conns.State(busID)
	if !known && !tracked {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "bus not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(busID, ls, true))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["id"]

	if err := s.conns.RequestCurrentLocation(busID); err != nil {
		if errors.Is(err, connection.ErrNotOpen) {
			s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		s.logger.Error("refresh failed", "bus_id", busID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) view(busID string, ls livestate.LiveState, withTrail bool) busView {
	state, attempts, ok := s.conns.State(busID)
	conn := "untracked"
	if ok {
		conn = state.String()
	}

	v := busView{
		BusID:             busID,
		Connection:        conn,
		ReconnectAttempts: attempts,
		TrailPoints:       len(ls.Trail),
		Stale:             ls.Stale,
		Updates:           ls.Updates,
	}
	if ls.Current != nil {
		p := toView(*ls.Current)
		v.Current = &p
	}
	if !ls.LastUpdated.IsZero() {
		t := ls.LastUpdated
		v.LastUpdated = &t
	}
	if withTrail {
		v.Trail = make([]positionView, 0, len(ls.Trail))
		for _, p := range ls.Trail {
			v.Trail = append(v.Trail, toView(p))
		}
	}
	return v
}

func toView(p model.Position) positionView {
	return positionView{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Speed:     p.Speed,
		Heading:   p.Heading,
		Timestamp: p.Timestamp,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}
