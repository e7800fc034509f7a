package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rickgao/bus-tracker/internal/connection"
)

// Router parses raw frames from the connection registry and fans them out
// to listeners.
//
// Each bus has its own mailbox goroutine, so frames of one bus reach its
// listeners in arrival order while a slow listener never holds up another
// bus. Listeners registered for a bus run before Wildcard listeners.
type Router struct {
	cfg    RouterConfig
	logger *slog.Logger

	// Input from Connection Registry
	input <-chan connection.RawMessage

	// Listener registry
	lmu       sync.RWMutex
	listeners map[string][]registration // bus id or Wildcard
	owners    map[ListenerID]string

	// Per-bus mailboxes
	mmu       sync.Mutex
	mailboxes map[string]*GrowableBuffer[delivery]
	stopped   bool

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup // routeLoop
	mailWG   sync.WaitGroup // mailbox goroutines
	stopOnce sync.Once

	// Stats
	received    atomic.Int64
	routed      atomic.Int64
	parseErrors atomic.Int64
	dropped     atomic.Int64
	panics      atomic.Int64
}

type registration struct {
	id ListenerID
	fn Listener
}

type delivery struct {
	env  Envelope
	gate connection.Gate
}

// NewRouter creates a new Message Router reading from input.
func NewRouter(cfg RouterConfig, input <-chan connection.RawMessage, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MailboxSize < 1 {
		cfg.MailboxSize = DefaultRouterConfig().MailboxSize
	}

	return &Router{
		cfg:       cfg,
		logger:    logger,
		input:     input,
		listeners: make(map[string][]registration),
		owners:    make(map[ListenerID]string),
		mailboxes: make(map[string]*GrowableBuffer[delivery]),
	}
}

// Start begins routing messages.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("message router started", "mailbox_size", r.cfg.MailboxSize)
	return nil
}

// Stop stops reading input, lets every mailbox drain, and waits for the
// mailbox goroutines until ctx expires.
func (r *Router) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		r.logger.Info("stopping message router")

		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()

		r.mmu.Lock()
		r.stopped = true
		for _, mb := range r.mailboxes {
			mb.Close()
		}
		r.mmu.Unlock()

		done := make(chan struct{})
		go func() {
			r.mailWG.Wait()
			close(done)
		}()

		select {
		case <-done:
			r.logger.Info("message router stopped")
		case <-ctx.Done():
			r.logger.Warn("message router stop timed out")
			err = ctx.Err()
		}
	})
	return err
}

// AddListener registers fn for busID, or for every bus when busID is
// Wildcard. The same function may be registered for several buses; each
// registration gets its own handle. Listeners outlive connections: they
// stay registered across Unsubscribe and later Subscribe calls.
func (r *Router) AddListener(busID string, fn Listener) ListenerID {
	id := uuid.New()

	r.lmu.Lock()
	r.listeners[busID] = append(r.listeners[busID], registration{id: id, fn: fn})
	r.owners[id] = busID
	r.lmu.Unlock()

	r.logger.Debug("listener added", "bus_id", busID, "listener_id", id)
	return id
}

// OnLocation registers fn for location updates only.
func (r *Router) OnLocation(busID string, fn func(Envelope, LocationUpdate)) ListenerID {
	return r.AddListener(busID, func(env Envelope) {
		if lu, ok := env.Message.(LocationUpdate); ok {
			fn(env, lu)
		}
	})
}

// RemoveListener deregisters a listener. It reports whether id was found.
// A delivery already in progress may still complete.
func (r *Router) RemoveListener(id ListenerID) bool {
	r.lmu.Lock()
	defer r.lmu.Unlock()

	busID, ok := r.owners[id]
	if !ok {
		return false
	}
	delete(r.owners, id)

	regs := r.listeners[busID]
	for i, reg := range regs {
		if reg.id == id {
			// Copy so snapshots held by mailboxes stay intact.
			next := make([]registration, 0, len(regs)-1)
			next = append(next, regs[:i]...)
			next = append(next, regs[i+1:]...)
			if len(next) == 0 {
				delete(r.listeners, busID)
			} else {
				r.listeners[busID] = next
			}
			break
		}
	}
	return true
}

// RemoveAll deregisters every listener for busID (or Wildcard) and
// returns how many were removed.
func (r *Router) RemoveAll(busID string) int {
	r.lmu.Lock()
	defer r.lmu.Unlock()

	regs := r.listeners[busID]
	for _, reg := range regs {
		delete(r.owners, reg.id)
	}
	delete(r.listeners, busID)
	return len(regs)
}

// Stats returns current statistics.
func (r *Router) Stats() RouterStats {
	r.lmu.RLock()
	listeners := len(r.owners)
	r.lmu.RUnlock()

	r.mmu.Lock()
	mailboxes := len(r.mailboxes)
	r.mmu.Unlock()

	return RouterStats{
		MessagesReceived: r.received.Load(),
		MessagesRouted:   r.routed.Load(),
		ParseErrors:      r.parseErrors.Load(),
		Dropped:          r.dropped.Load(),
		ListenerPanics:   r.panics.Load(),
		Listeners:        listeners,
		Mailboxes:        mailboxes,
	}
}

// routeLoop is the main routing goroutine.
func (r *Router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case raw, ok := <-r.input:
			if !ok {
				r.logger.Info("input channel closed")
				return
			}
			r.route(raw)
		}
	}
}

// route parses one frame and queues it on its bus's mailbox.
func (r *Router) route(raw connection.RawMessage) {
	r.received.Add(1)

	msg, err := Parse(raw.Data, raw.BusID)
	if err != nil {
		r.parseErrors.Add(1)
		var pe *ParseError
		if errors.As(err, &pe) && errors.Is(pe.Err, ErrUnknownType) {
			r.logger.Debug("skipping message type", "bus_id", raw.BusID, "type", pe.Type)
		} else {
			r.logger.Debug("dropping malformed frame", "bus_id", raw.BusID, "error", err)
		}
		return
	}

	mb := r.mailbox(raw.BusID)
	if mb == nil {
		return
	}
	mb.Send(delivery{
		env: Envelope{
			BusID:      raw.BusID,
			ReceivedAt: raw.ReceivedAt,
			Message:    msg,
		},
		gate: raw.Gate,
	})
}

// mailbox returns the mailbox for busID, starting its goroutine on first use.
func (r *Router) mailbox(busID string) *GrowableBuffer[delivery] {
	r.mmu.Lock()
	defer r.mmu.Unlock()

	if r.stopped {
		return nil
	}
	if mb, ok := r.mailboxes[busID]; ok {
		return mb
	}

	mb := NewGrowableBuffer[delivery](r.cfg.MailboxSize)
	r.mailboxes[busID] = mb
	r.mailWG.Add(1)
	go r.deliverLoop(busID, mb)
	return mb
}

// deliverLoop runs the listeners of one bus, one frame at a time.
func (r *Router) deliverLoop(busID string, mb *GrowableBuffer[delivery]) {
	defer r.mailWG.Done()

	for {
		d, ok := mb.Receive()
		if !ok {
			return
		}
		r.deliver(d)
	}
}

func (r *Router) deliver(d delivery) {
	if d.gate != nil {
		if !d.gate.Enter() {
			r.dropped.Add(1)
			return
		}
		defer d.gate.Leave()
	}

	r.lmu.RLock()
	direct := r.listeners[d.env.BusID]
	wildcard := r.listeners[Wildcard]
	r.lmu.RUnlock()

	for _, reg := range direct {
		r.invoke(reg, d.env)
	}
	if d.env.BusID != Wildcard {
		for _, reg := range wildcard {
			r.invoke(reg, d.env)
		}
	}
	r.routed.Add(1)
}

// invoke runs one listener, containing any panic to that listener.
func (r *Router) invoke(reg registration, env Envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.panics.Add(1)
			r.logger.Error("listener panicked",
				"bus_id", env.BusID,
				"listener_id", reg.id,
				"kind", env.Message.Kind(),
				"panic", p,
			)
		}
	}()
	reg.fn(env)
}
