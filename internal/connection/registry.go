package connection

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/bus-tracker/internal/auth"
	"github.com/rickgao/bus-tracker/internal/clock"
)

// Registry keeps at most one live Connection per bus id.
//
// All methods are safe for concurrent use. Listeners invoked by the router
// must not call Unsubscribe for their own bus synchronously: Unsubscribe
// waits for in-flight deliveries of that bus to finish.
type Registry struct {
	cfg    RegistryConfig
	tokens *auth.TokenStore
	logger *slog.Logger

	clock     clock.Clock
	newClient NewClientFunc
	observer  func(StateChange)

	// Output to Message Router
	out chan RawMessage

	mu     sync.Mutex
	conns  map[string]*Connection
	gates  map[string]*subscriptionGate // outlive server-closed connections
	closed bool
	wg     sync.WaitGroup

	framesReceived atomic.Int64
	framesSent     atomic.Int64
}

// RegistryStats provides statistics about the registry.
type RegistryStats struct {
	Connecting     int
	Open           int
	Reconnecting   int
	FramesReceived int64
	FramesSent     int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for reconnect timers.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithClientFactory overrides how sockets are created.
func WithClientFactory(f NewClientFunc) Option {
	return func(r *Registry) { r.newClient = f }
}

// WithStateObserver registers a hook called on every state transition,
// including Closed(Failed). Router listeners are not told about failures;
// this hook is the operator-facing signal. It must not block.
func WithStateObserver(f func(StateChange)) Option {
	return func(r *Registry) { r.observer = f }
}

// NewRegistry creates a Registry. tokens supplies the bearer token read at
// every socket open.
func NewRegistry(cfg RegistryConfig, tokens *auth.TokenStore, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens = auth.NewTokenStore("")
	}

	r := &Registry{
		cfg:       cfg,
		tokens:    tokens,
		logger:    logger,
		clock:     clock.Real(),
		newClient: NewClient,
		out:       make(chan RawMessage, cfg.MessageBufferSize),
		conns:     make(map[string]*Connection),
		gates:     make(map[string]*subscriptionGate),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Messages returns the channel of raw frames for the Message Router. It
// is closed by Close.
func (r *Registry) Messages() <-chan RawMessage {
	return r.out
}

// SetAuthToken replaces the process-wide token. Open sockets keep the
// token they were authenticated with.
func (r *Registry) SetAuthToken(token string) {
	r.tokens.Set(token)
}

// Subscribe opens a stream for busID unless a live one already exists.
// Without a token it returns ErrNoAuthToken and makes no connection attempt.
// Success means the attempt was started; observe the outcome through
// routed messages or the state observer.
func (r *Registry) Subscribe(busID string) error {
	if busID == "" {
		return ErrEmptyBusID
	}
	if r.tokens.Token() == "" {
		r.logger.Warn("subscribe rejected, no auth token", "bus_id", busID)
		return ErrNoAuthToken
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if c, ok := r.conns[busID]; ok {
		if st, _ := c.snapshot(); !st.Terminal() {
			r.mu.Unlock()
			return nil
		}
	}
	gate, ok := r.gates[busID]
	if !ok {
		gate = &subscriptionGate{}
		r.gates[busID] = gate
	}
	c := newConnection(r, busID, gate)
	r.conns[busID] = c
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("subscribing to bus", "bus_id", busID)
	r.notify(StateChange{BusID: busID, From: StateIdle, To: StateConnecting})

	go c.run()
	return nil
}

// SubscribeWithToken sets the process-wide token and subscribes. An empty
// token leaves the store untouched and returns ErrNoAuthToken.
func (r *Registry) SubscribeWithToken(busID, token string) error {
	if token == "" {
		return ErrNoAuthToken
	}
	r.SetAuthToken(token)
	return r.Subscribe(busID)
}

// Unsubscribe cancels any pending reconnect for busID, closes its socket
// with 1000 and removes it. Once it returns, no frame of that bus reaches a
// listener, including frames of a connection the server already closed.
// Unknown ids are a no-op.
func (r *Registry) Unsubscribe(busID string) {
	r.mu.Lock()
	c := r.conns[busID]
	gate := r.gates[busID]
	delete(r.conns, busID)
	delete(r.gates, busID)
	r.mu.Unlock()

	if c != nil {
		c.shutdown()
	}
	if gate != nil {
		gate.close()
	}
}

// DisconnectAll unsubscribes every tracked bus.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for id, c := range r.conns {
		conns = append(conns, c)
		delete(r.conns, id)
	}
	gates := make([]*subscriptionGate, 0, len(r.gates))
	for id, g := range r.gates {
		gates = append(gates, g)
		delete(r.gates, id)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
	for _, g := range gates {
		g.close()
	}
	if len(conns) > 0 {
		r.logger.Info("disconnected all bus streams", "count", len(conns))
	}
}

// Close disconnects everything, waits for connection goroutines and
// closes the Messages channel. Subscribe fails afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.DisconnectAll()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(r.out)
		r.logger.Info("connection registry closed")
		return nil
	case <-ctx.Done():
		r.logger.Warn("connection registry close timed out")
		return ctx.Err()
	}
}

// SendLocationUpdate broadcasts the caller's own position on busID's
// socket. It returns ErrNotOpen, and writes nothing, unless the connection
// is Open.
func (r *Registry) SendLocationUpdate(busID string, latitude, longitude, speed, heading float64) error {
	c := r.lookup(busID)
	if c == nil {
		return ErrNotOpen
	}
	return c.sendIfOpen(locationFrame{
		Type:      frameLocationUpdate,
		Latitude:  latitude,
		Longitude: longitude,
		Speed:     speed,
		Heading:   heading,
		Timestamp: r.clock.Now().UTC().Format(time.RFC3339Nano),
	})
}

// RequestCurrentLocation asks the server to push the bus's current
// position. Sent automatically on every open.
func (r *Registry) RequestCurrentLocation(busID string) error {
	c := r.lookup(busID)
	if c == nil {
		return ErrNotOpen
	}
	return c.sendIfOpen(requestFrame{Type: frameRequestCurrentLocation})
}

// State returns the state and reconnect attempt counter for busID. ok is
// false when the registry holds no connection for it.
func (r *Registry) State(busID string) (state State, attempts int, ok bool) {
	c := r.lookup(busID)
	if c == nil {
		return StateIdle, 0, false
	}
	state, attempts = c.snapshot()
	return state, attempts, true
}

// Buses returns the tracked bus ids in sorted order.
func (r *Registry) Buses() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Stats returns current statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	stats := RegistryStats{
		FramesReceived: r.framesReceived.Load(),
		FramesSent:     r.framesSent.Load(),
	}
	for _, c := range conns {
		switch st, _ := c.snapshot(); st {
		case StateConnecting:
			stats.Connecting++
		case StateOpen:
			stats.Open++
		case StateReconnecting:
			stats.Reconnecting++
		}
	}
	return stats
}

func (r *Registry) lookup(busID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[busID]
}

// remove drops c from the map if it is still the registered connection.
func (r *Registry) remove(c *Connection) {
	r.mu.Lock()
	if cur, ok := r.conns[c.busID]; ok && cur == c {
		delete(r.conns, c.busID)
	}
	r.mu.Unlock()
}

func (r *Registry) notify(change StateChange) {
	if r.observer == nil {
		return
	}
	if change.At.IsZero() {
		change.At = r.clock.Now()
	}
	r.observer(change)
}
