package connection

import "sync"

// subscriptionGate is the delivery gate shared by every connection of one
// subscription. Server closes and reconnects leave it open; only
// Unsubscribe shuts it.
type subscriptionGate struct {
	mu     sync.RWMutex
	closed bool
}

// Enter implements Gate.
func (g *subscriptionGate) Enter() bool {
	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return false
	}
	return true
}

// Leave implements Gate.
func (g *subscriptionGate) Leave() { g.mu.RUnlock() }

// close blocks until in-flight deliveries finish, then rejects all later
// ones.
func (g *subscriptionGate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
