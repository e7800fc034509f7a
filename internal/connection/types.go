package connection

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrNoAuthToken     = errors.New("no auth token set")
	ErrNotOpen         = errors.New("connection not open")
	ErrEmptyBusID      = errors.New("bus id is empty")
	ErrRegistryClosed  = errors.New("registry closed")
)

// Close codes.
const (
	CloseNormal   = websocket.CloseNormalClosure   // 1000, produced only by Unsubscribe
	CloseAbnormal = websocket.CloseAbnormalClosure // 1006, transport failure without a close frame
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Gate guards delivery of frames belonging to one subscription. Enter
// returns false once the bus has been unsubscribed; a successful Enter
// must be paired with Leave.
type Gate interface {
	Enter() bool
	Leave()
}

// RawMessage is a message from the Registry to the Message Router.
type RawMessage struct {
	BusID      string    // Bus the socket belongs to
	Data       []byte    // Raw text frame
	ReceivedAt time.Time // Local timestamp when the client read the frame
	Gate       Gate      // Delivery gate of the owning subscription
}

// State is the lifecycle state of a Connection.
type State int

const (
	StateIdle State = iota // No connection (unknown bus, or before creation)
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosedNormal
	StateClosedFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosedNormal:
		return "closed(normal)"
	case StateClosedFailed:
		return "closed(failed)"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is one of the Closed states.
func (s State) Terminal() bool {
	return s == StateClosedNormal || s == StateClosedFailed
}

// StateChange describes one transition of a Connection.
type StateChange struct {
	BusID     string
	From      State
	To        State
	Attempts  int // reconnectAttempts after the transition
	CloseCode int // close code that caused the transition, 0 if none
	At        time.Time
}

// Outbound frame types.
const (
	frameLocationUpdate         = "location_update"
	frameRequestCurrentLocation = "request_current_location"
)

// locationFrame is the outbound location_update command.
type locationFrame struct {
	Type      string  `json:"type"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
	Timestamp string  `json:"timestamp"` // ISO 8601
}

// requestFrame is the outbound request_current_location command.
type requestFrame struct {
	Type string `json:"type"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // Full stream URL including the token query parameter
	HandshakeTimeout time.Duration // Dial handshake timeout
	PingInterval     time.Duration // How often we ping the server
	PingTimeout      time.Duration // Max time without ping/pong before the connection is stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       64,
	}
}

// RegistryConfig configures the Registry.
type RegistryConfig struct {
	WSBase               string        // e.g. wss://api.example.com
	MaxReconnectAttempts int           // Automatic retries before Closed(Failed)
	ReconnectDelay       time.Duration // Fixed delay between retries
	HandshakeTimeout     time.Duration
	PingInterval         time.Duration
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	MessageBufferSize    int // Buffer size for the output channel to the router
	ClientBufferSize     int // Per-socket read buffer
}

// DefaultRegistryConfig returns the reconnect policy of the mobile client:
// 5 attempts, 3 seconds apart.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       3 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		PingInterval:         30 * time.Second,
		PingTimeout:          60 * time.Second,
		WriteTimeout:         5 * time.Second,
		MessageBufferSize:    1000,
		ClientBufferSize:     64,
	}
}

func (cfg RegistryConfig) clientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:              url,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		PingTimeout:      cfg.PingTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		BufferSize:       cfg.ClientBufferSize,
	}
}

// StreamURL builds {wsBase}/ws/bus/{busID}/?token={token}.
func StreamURL(wsBase, busID, token string) (string, error) {
	base, err := url.Parse(strings.TrimRight(wsBase, "/"))
	if err != nil {
		return "", fmt.Errorf("parse ws base: %w", err)
	}
	if base.Scheme != "ws" && base.Scheme != "wss" {
		return "", fmt.Errorf("ws base %q: scheme must be ws or wss", wsBase)
	}

	rawBase := base.EscapedPath()
	base.Path = base.Path + "/ws/bus/" + busID + "/"
	base.RawPath = rawBase + "/ws/bus/" + url.PathEscape(busID) + "/"
	base.RawQuery = url.Values{"token": []string{token}}.Encode()
	return base.String(), nil
}

// CloseCode extracts the WebSocket close code from a read error. Errors
// that carry no close frame count as abnormal closure.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormal
}
