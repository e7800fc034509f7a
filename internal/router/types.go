package router

import (
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/bus-tracker/internal/model"
)

// Wildcard registers a listener for every bus.
const Wildcard = "*"

// RouterConfig holds configuration for the Message Router.
type RouterConfig struct {
	MailboxSize int // Initial capacity of each per-bus mailbox. Default: 64
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MailboxSize: 64,
	}
}

// Kind discriminates Message variants.
type Kind string

const (
	KindLocationUpdate Kind = "location_update"
	KindConnected      Kind = "connected"
	KindError          Kind = "error"
)

// Message is one decoded inbound frame. It is exactly one of
// LocationUpdate, Connected or ErrorNotice.
type Message interface {
	Kind() Kind
	isMessage()
}

// LocationUpdate is a position pushed by the server.
type LocationUpdate struct {
	BusID    string
	Position model.Position
}

// Connected acknowledges the subscription.
type Connected struct {
	BusID string
	Info  string
}

// ErrorNotice is a server-reported error. It carries no bus id on the
// wire; the envelope says which socket it arrived on.
type ErrorNotice struct {
	Info string
}

func (LocationUpdate) Kind() Kind { return KindLocationUpdate }
func (Connected) Kind() Kind      { return KindConnected }
func (ErrorNotice) Kind() Kind    { return KindError }

func (LocationUpdate) isMessage() {}
func (Connected) isMessage()      {}
func (ErrorNotice) isMessage()    {}

// Envelope is what listeners receive.
type Envelope struct {
	BusID      string    // Bus of the socket the frame arrived on
	ReceivedAt time.Time // When the client read the frame
	Message    Message
}

// Listener receives routed messages. Listeners for the same bus run one
// at a time, in registration order.
type Listener func(Envelope)

// ListenerID is the handle returned by AddListener.
type ListenerID = uuid.UUID

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64 // Raw frames read from the registry
	MessagesRouted   int64 // Frames delivered to at least the listener set
	ParseErrors      int64
	Dropped          int64 // Frames discarded because their connection was unsubscribed
	ListenerPanics   int64
	Listeners        int
	Mailboxes        int
}

// Wire types for JSON parsing

// envelopeWire extracts the discriminator.
type envelopeWire struct {
	Type string `json:"type"`
}

// locationUpdateWire is the wire format for location_update frames.
// Pointers mark required fields.
type locationUpdateWire struct {
	BusID     flexString `json:"bus_id"`
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	Speed     *float64   `json:"speed"`
	Heading   *float64   `json:"heading"`
	Timestamp *string    `json:"timestamp"`
}

// connectedWire is the wire format for connected frames.
type connectedWire struct {
	BusID   flexString `json:"bus_id"`
	Message string     `json:"message"`
}

// errorWire is the wire format for error frames.
type errorWire struct {
	Message string `json:"message"`
}
