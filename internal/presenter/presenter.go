// Package presenter is the streaming side of a map view: it tracks one
// bus for one consumer, owns that consumer's follow mode, and emits
// camera directives. Drawing the map is the consumer's job.
package presenter

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/bus-tracker/internal/livestate"
	"github.com/rickgao/bus-tracker/internal/model"
	"github.com/rickgao/bus-tracker/internal/router"
)

// Listeners is the part of the router a presenter needs.
type Listeners interface {
	OnLocation(busID string, fn func(router.Envelope, router.LocationUpdate)) router.ListenerID
	RemoveListener(id router.ListenerID) bool
}

// StateReader is the part of the live state store a presenter reads.
type StateReader interface {
	Get(busID string) (livestate.LiveState, bool)
}

// CameraDirective asks the consumer to recenter on a position.
type CameraDirective struct {
	BusID    string
	Position model.Position
	At       time.Time // when the update was received
}

// MapPresenter drives one consumer's view of one bus.
//
// Several presenters may watch the same bus; each has its own listener
// and follow flag. Detach removes only this presenter's listener and
// never touches the bus's connection.
type MapPresenter struct {
	busID  string
	store  StateReader
	router Listeners
	logger *slog.Logger

	mu         sync.Mutex
	following  bool
	attached   bool
	listenerID router.ListenerID

	directives chan CameraDirective
}

// New creates a presenter for busID. Follow mode starts off.
func New(busID string, store StateReader, r Listeners, logger *slog.Logger) *MapPresenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MapPresenter{
		busID:      busID,
		store:      store,
		router:     r,
		logger:     logger.With("bus_id", busID),
		directives: make(chan CameraDirective, 1),
	}
}

// BusID returns the bus this presenter shows.
func (p *MapPresenter) BusID() string { return p.busID }

// Attach starts receiving location updates. Calling it twice is a no-op.
func (p *MapPresenter) Attach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached {
		return
	}
	p.listenerID = p.router.OnLocation(p.busID, p.onLocation)
	p.attached = true
	p.logger.Debug("presenter attached")
}

// Detach stops receiving updates.
func (p *MapPresenter) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		return
	}
	p.router.RemoveListener(p.listenerID)
	p.attached = false
	p.logger.Debug("presenter detached")
}

// SetFollow turns follow mode on or off.
func (p *MapPresenter) SetFollow(on bool) {
	p.mu.Lock()
	p.following = on
	p.mu.Unlock()
}

// Following reports whether follow mode is on.
func (p *MapPresenter) Following() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.following
}

// UserPanned signals a manual pan or zoom, which ends follow mode.
func (p *MapPresenter) UserPanned() {
	p.mu.Lock()
	was := p.following
	p.following = false
	p.mu.Unlock()

	if was {
		p.logger.Debug("follow mode cleared by user pan")
	}
}

// Directives delivers camera recenter requests while following. Only the
// newest undelivered directive is kept.
func (p *MapPresenter) Directives() <-chan CameraDirective {
	return p.directives
}

// View returns the state to render.
func (p *MapPresenter) View() (livestate.LiveState, bool) {
	return p.store.Get(p.busID)
}

func (p *MapPresenter) onLocation(env router.Envelope, lu router.LocationUpdate) {
	if !p.Following() {
		return
	}
	p.emit(CameraDirective{BusID: env.BusID, Position: lu.Position, At: env.ReceivedAt})
}

// emit queues d, replacing an older directive the consumer has not read.
func (p *MapPresenter) emit(d CameraDirective) {
	for {
		select {
		case p.directives <- d:
			return
		default:
		}
		select {
		case <-p.directives:
		default:
		}
	}
}
