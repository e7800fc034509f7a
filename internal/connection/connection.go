package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/rickgao/bus-tracker/internal/clock"
)

// Connection owns the socket for one bus and its reconnect state.
//
// State machine:
//
//	Connecting -> Open -> Reconnecting -> Connecting ...
//	any non-terminal -> Closed(Normal)   (Unsubscribe, or a 1000 close from the server)
//	Open|Connecting -> Closed(Failed)    (abnormal close with attempts exhausted)
type Connection struct {
	busID  string
	reg    *Registry
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	attempts int
	client   Client
	timer    *clock.Timer // pending reconnect, at most one
	closed   bool         // terminal; no further transitions

	wake chan struct{} // reconnect timer fired

	gate *subscriptionGate

	done chan struct{} // closed when run returns
}

func newConnection(reg *Registry, busID string, gate *subscriptionGate) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		busID:  busID,
		reg:    reg,
		logger: reg.logger.With("bus_id", busID),
		ctx:    ctx,
		cancel: cancel,
		state:  StateConnecting,
		wake:   make(chan struct{}, 1),
		gate:   gate,
		done:   make(chan struct{}),
	}
}

// BusID returns the bus this connection streams.
func (c *Connection) BusID() string { return c.busID }

// snapshot returns the current state and attempt counter.
func (c *Connection) snapshot() (State, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.attempts
}

// run drives the state machine until the connection is terminal.
func (c *Connection) run() {
	defer c.reg.wg.Done()
	defer close(c.done)

	for {
		code := c.openAndServe()
		if !c.handleClose(code) {
			return
		}

		select {
		case <-c.wake:
		case <-c.ctx.Done():
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		attempts := c.attempts
		c.state = StateConnecting
		c.mu.Unlock()

		c.reg.notify(StateChange{BusID: c.busID, From: StateReconnecting, To: StateConnecting, Attempts: attempts})
	}
}

// openAndServe dials, moves to Open, and reads until the socket ends.
// It returns the close code that ended the socket.
func (c *Connection) openAndServe() int {
	// The token is read at every open; rotating it never touches a socket
	// that is already authenticated.
	streamURL, err := StreamURL(c.reg.cfg.WSBase, c.busID, c.reg.tokens.Token())
	if err != nil {
		c.logger.Error("invalid stream url", "error", err)
		return CloseAbnormal
	}

	cl := c.reg.newClient(c.reg.cfg.clientConfig(streamURL), c.logger)
	if err := cl.Connect(c.ctx); err != nil {
		c.logger.Warn("websocket dial failed", "error", err)
		return CloseAbnormal
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cl.Close()
		return CloseNormal
	}
	from := c.state
	c.client = cl
	c.state = StateOpen
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info("bus stream open")
	c.reg.notify(StateChange{BusID: c.busID, From: from, To: StateOpen})

	// Paint a position before the first server push.
	if err := c.sendIfOpen(requestFrame{Type: frameRequestCurrentLocation}); err != nil {
		c.logger.Debug("initial location request not sent", "error", err)
	}

	return c.serve(cl)
}

// serve forwards frames in arrival order until the socket ends.
func (c *Connection) serve(cl Client) int {
	for {
		select {
		case <-c.ctx.Done():
			return CloseNormal

		case err := <-cl.Errors():
			// The read loop queues every frame before it reports the
			// error, so whatever is buffered precedes the close.
		drain:
			for {
				select {
				case msg := <-cl.Messages():
					if !c.forward(msg) {
						return CloseNormal
					}
				default:
					break drain
				}
			}
			code := CloseCode(err)
			c.logger.Debug("bus stream closed", "code", code, "error", err)
			return code

		case msg := <-cl.Messages():
			if !c.forward(msg) {
				return CloseNormal
			}
		}
	}
}

// forward hands one frame to the router. It returns false if the
// connection was shut down first.
func (c *Connection) forward(msg TimestampedMessage) bool {
	c.reg.framesReceived.Add(1)
	raw := RawMessage{
		BusID:      c.busID,
		Data:       msg.Data,
		ReceivedAt: msg.ReceivedAt,
		Gate:       c.gate,
	}
	select {
	case c.reg.out <- raw:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// handleClose applies the reconnect policy after a socket ended. It
// returns true if a retry has been scheduled.
func (c *Connection) handleClose(code int) bool {
	c.mu.Lock()
	if c.closed {
		// Unsubscribe already tore everything down.
		c.mu.Unlock()
		return false
	}

	from := c.state
	old := c.client
	c.client = nil

	var change StateChange
	retry := false
	switch {
	case code == CloseNormal:
		c.state = StateClosedNormal
		c.closed = true
	case c.attempts >= c.reg.cfg.MaxReconnectAttempts:
		c.state = StateClosedFailed
		c.closed = true
	default:
		c.attempts++
		c.state = StateReconnecting
		c.timer = c.reg.clock.AfterFunc(c.reg.cfg.ReconnectDelay, c.fire)
		retry = true
	}
	change = StateChange{BusID: c.busID, From: from, To: c.state, Attempts: c.attempts, CloseCode: code}
	c.mu.Unlock()

	if old != nil {
		old.Abort()
	}

	switch change.To {
	case StateReconnecting:
		c.logger.Warn("bus stream closed abnormally, reconnect scheduled",
			"code", code,
			"attempt", change.Attempts,
			"max_attempts", c.reg.cfg.MaxReconnectAttempts,
			"delay", c.reg.cfg.ReconnectDelay,
		)
	case StateClosedFailed:
		c.logger.Warn("bus stream failed, reconnect attempts exhausted",
			"code", code,
			"max_attempts", c.reg.cfg.MaxReconnectAttempts,
		)
	case StateClosedNormal:
		c.logger.Info("bus stream closed by server", "code", code)
	}

	// Frames already forwarded stay deliverable; only Unsubscribe shuts
	// the gate.
	if !retry {
		c.reg.remove(c)
		c.cancel()
	}
	c.reg.notify(change)
	return retry
}

// fire is the reconnect timer callback.
func (c *Connection) fire() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// shutdown is the Unsubscribe path: cancel the pending retry and close the
// socket with 1000. The caller has already removed the connection from the
// registry and closes the gate.
func (c *Connection) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	from := c.state
	cl := c.client
	c.client = nil
	c.state = StateClosedNormal
	attempts := c.attempts
	c.mu.Unlock()

	c.cancel()
	if cl != nil {
		cl.Close()
	}

	c.logger.Info("bus stream unsubscribed")
	c.reg.notify(StateChange{BusID: c.busID, From: from, To: StateClosedNormal, Attempts: attempts, CloseCode: CloseNormal})
}

// sendIfOpen marshals v and writes it only while the connection is Open.
func (c *Connection) sendIfOpen(v any) error {
	c.mu.Lock()
	if c.state != StateOpen || c.client == nil {
		c.mu.Unlock()
		return ErrNotOpen
	}
	cl := c.client
	c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := cl.Send(data); err != nil {
		return err
	}
	c.reg.framesSent.Add(1)
	return nil
}
