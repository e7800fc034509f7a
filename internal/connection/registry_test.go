package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/bus-tracker/internal/auth"
	"github.com/rickgao/bus-tracker/internal/clock"
)

var testEpoch = time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)

// busServer is a fake bus streaming endpoint. handler receives the
// 1-based dial number; returning drops the socket without a close frame.
type busServer struct {
	*httptest.Server

	dials atomic.Int32

	mu     sync.Mutex
	paths  []string
	tokens []string
}

func newBusServer(t *testing.T, handler func(n int, conn *websocket.Conn)) *busServer {
	s := &busServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.dials.Add(1))
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.Path)
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		s.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(n, conn)
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestRegistry(t *testing.T, base string, clk clock.Clock, token string) (*Registry, chan StateChange) {
	t.Helper()

	cfg := DefaultRegistryConfig()
	cfg.WSBase = base
	cfg.PingInterval = 0

	changes := make(chan StateChange, 256)
	reg := NewRegistry(cfg, auth.NewTokenStore(token), nil,
		WithClock(clk),
		WithStateObserver(func(c StateChange) { changes <- c }),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Close(ctx)
	})
	return reg, changes
}

// waitForChange consumes state changes until one for busID reaches to.
func waitForChange(t *testing.T, changes <-chan StateChange, busID string, to State) StateChange {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.BusID == busID && c.To == to {
				return c
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s to reach %s", busID, to)
		}
	}
}

func holdOpen(_ int, conn *websocket.Conn) { drain(conn) }

func TestRegistry_SubscribeWithoutTokenDoesNotDial(t *testing.T) {
	srv := newBusServer(t, holdOpen)
	reg, _ := newTestRegistry(t, wsURL(srv.Server), clock.Fake(testEpoch), "")

	if err := reg.Subscribe("42"); !errors.Is(err, ErrNoAuthToken) {
		t.Fatalf("Subscribe() = %v, want ErrNoAuthToken", err)
	}
	if err := reg.SubscribeWithToken("42", ""); !errors.Is(err, ErrNoAuthToken) {
		t.Fatalf("SubscribeWithToken(empty) = %v, want ErrNoAuthToken", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := srv.dials.Load(); n != 0 {
		t.Errorf("dials = %d, want 0", n)
	}
	if _, _, ok := reg.State("42"); ok {
		t.Error("registry holds a connection for 42 without a token")
	}
}

func TestRegistry_SubscribeEmptyBusID(t *testing.T) {
	reg, _ := newTestRegistry(t, "ws://127.0.0.1:1", clock.Fake(testEpoch), "tok")
	if err := reg.Subscribe(""); !errors.Is(err, ErrEmptyBusID) {
		t.Errorf("Subscribe(\"\") = %v, want ErrEmptyBusID", err)
	}
}

func TestRegistry_SubscribeOpensStreamWithToken(t *testing.T) {
	srv := newBusServer(t, holdOpen)
	reg, changes := newTestRegistry(t, wsURL(srv.Server), clock.Fake(testEpoch), "")

	if err := reg.SubscribeWithToken("42", "secret"); err != nil {
		t.Fatalf("SubscribeWithToken() error = %v", err)
	}
	waitForChange(t, changes, "42", StateOpen)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.paths) != 1 || srv.paths[0] != "/ws/bus/42/" {
		t.Errorf("paths = %v, want [/ws/bus/42/]", srv.paths)
	}
	if srv.tokens[0] != "secret" {
		t.Errorf("token = %q, want %q", srv.tokens[0], "secret")
	}
}

func TestRegistry_SubscribeIsIdempotent(t *testing.T) {
	srv := newBusServer(t, holdOpen)
	reg, changes := newTestRegistry(t, wsURL(srv.Server), clock.Fake(testEpoch), "tok")

	for i := 0; i < 3; i++ {
		if err := reg.Subscribe("42"); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}
	waitForChange(t, changes, "42", StateOpen)
	if err := reg.Subscribe("42"); err != nil {
		t.Fatalf("Subscribe() while open error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := srv.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if got := reg.Buses(); len(got) != 1 || got[0] != "42" {
		t.Errorf("Buses() = %v, want [42]", got)
	}
}

func TestRegistry_RequestsCurrentLocationOnOpen(t *testing.T) {
	frames := make(chan []byte, 4)
	srv := newBusServer(t, func(_ int, conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	})
	reg, _ := newTestRegistry(t, wsURL(srv.Server), clock.Fake(testEpoch), "tok")

	if err := reg.Subscribe("42"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case data := <-frames:
		var got map[string]any
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if got["type"] != "request_current_location" {
			t.Errorf("type = %v, want request_current_location", got["type"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no frame sent on open")
	}
}

func TestRegistry_ForwardsFramesInOrder(t *testing.T) {
	srv := newBusServer(t, func(_ int, conn *websocket.Conn) {
		for _, f := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		drain(conn)
	})
	reg, _ := newTestRegistry(t, wsURL(srv.Server), clock.Fake(testEpoch), "tok")

	if err := reg.Subscribe("42"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for _, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		select {
		case msg := <-reg.Messages():
			if msg.BusID != "42" {
				t.Errorf("BusID = %q, want 42", msg.BusID)
			}
			if string(msg.Data) != want {
				t.Errorf("Data = %s, want %s", msg.Data, want)
			}
			if msg.Gate == nil {
				t.Error("Gate is nil")
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	if got := reg.Stats().FramesReceived; got != 3 {
		t.Errorf("FramesReceived = %d, want 3", got)
	}
}

// Drop after open: one retry is scheduled and a successful reopen resets
// the attempt counter.
func TestRegistry_ReconnectAfterAbnormalClose(t *testing.T) {
	srv := newBusServer(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			conn.ReadMessage() // request_current_location
			return             // drop without close frame
		}
		drain(conn)
	})
	clk := clock.Fake(testEpoch)
	reg, changes := newTestRegistry(t, wsURL(srv.Server), clk, "tok")

	if err := reg.Subscribe("42"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	waitForChange(t, changes, "42", StateOpen)

	c := waitForChange(t, changes, "42", StateReconnecting)
	if c.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", c.Attempts)
	}
	if c.CloseCode == CloseNormal {
		t.Errorf("CloseCode = %d, want abnormal", c.CloseCode)
	}
	if st, attempts, _ := reg.State("42"); st != StateReconnecting || attempts != 1 {
		t.Errorf("State() = %s/%d, want reconnecting/1", st, attempts)
	}

	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)
	if n := srv.dials.Load(); n != 1 {
		t.Fatalf("dials = %d before delay elapsed, want 1", n)
	}
	clk.Advance(time.Second)

	waitForChange(t, changes, "42", StateOpen)
	if st, attempts, _ := reg.State("42"); st != StateOpen || attempts != 0 {
		t.Errorf("State() = %s/%d, want open/0", st, attempts)
	}
	if n := srv.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

// A 1000 close from the server ends the stream without any retry.
func TestRegistry_ServerNormalCloseIsTerminal(t *testing.T) {
	srv := newBusServer(t, func(_ int, conn *websocket.Conn) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "trip ended"))
		drain(conn)
	})
	clk := clock.Fake(testEpoch)
	reg, changes := newTestRegistry(t, wsURL(srv.Server), clk, "tok")

	if err := reg.Subscribe("42"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	c := waitForChange(t, changes, "42", StateClosedNormal)
	if c.CloseCode != CloseNormal {
		t.Errorf("CloseCode = %d, want %d", c.CloseCode, CloseNormal)
	}

	if _, _, ok := reg.State("42"); ok {
		t.Error("closed connection still registered")
	}
	if n := clk.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0 (no reconnect timer)", n)
	}

	// A fresh subscribe starts a new connection.
	if err := reg.Subscribe("42"); err != nil {
		t.Fatalf("re-Subscribe() error = %v", err)
	}
	waitForChange(t, changes, "42", StateOpen)
}

// Frames written just before a close frame are forwarded ahead of the
// close, and stay deliverable until the bus is unsubscribed.
func TestRegistry_FramesBeforeServerCloseAreForwarded(t *testing.T) {
	frames := []string{
		`{"type":"connected","bus_id":"b","message":"Connected"}`,
		`{"n":2}`,
		`{"type":"error","message":"token expired"}`,
	}
	srv := newBusServer(t, func(_ int, conn *websocket.Conn) {
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "trip ended"))
		drain(conn)
	})
	reg, changes := newTestRegistry(t, wsURL(srv.Server), clock.Fake(testEpoch), "tok")

	const n = 20
	for i := 0; i < n; i++ {
		if err := reg.Subscribe(fmt.Sprintf("bus-%d", i)); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}

	closed := 0
	got := make(map[string][]RawMessage)
	timeout := time.After(5 * time.Second)
	for closed < n {
		select {
		case c := <-changes:
			if c.To == StateClosedNormal {
				closed++
			}
		case <-timeout:
			t.Fatalf("closed = %d, want %d", closed, n)
		}
	}
	// Everything read before the close is queued by now.
	for len(reg.Messages()) > 0 {
		m := <-reg.Messages()
		got[m.BusID] = append(got[m.BusID], m)
	}

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("bus-%d", i)
		msgs := got[id]
		if len(msgs) != len(frames) {
			t.Errorf("%s: got %d frames, want %d", id, len(msgs), len(frames))
			continue
		}
		for j, m := range msgs {
			if string(m.Data) != frames[j] {
				t.Errorf("%s frame %d = %s, want %s", id, j, m.Data, frames[j])
			}
		}
		if !msgs[len(msgs)-1].Gate.Enter() {
			t.Errorf("%s: Enter() = false after server close", id)
			continue
		}
		msgs[len(msgs)-1].Gate.Leave()
	}

	reg.Unsubscribe("bus-0")
	if msgs := got["bus-0"]; len(msgs) > 0 && msgs[0].Gate.Enter() {
		msgs[0].Gate.Leave()
		t.Error("Enter() = true after Unsubscribe of a server-closed bus")
	}
}

func TestRegistry_GivesUpAfterMaxAttempts(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clk := clock.Fake(testEpoch)
	reg, changes := newTestRegistry(t, wsURL(srv), clk, "tok")

	if err := reg.Subscribe("42"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for i := 1; i <= 5; i++ {
		c := waitForChange(t, changes, "42", StateReconnecting)
		if c.Attempts != i {
			t.Fatalf("Attempts = %d, want %d", c.Attempts, i)
		}
		clk.WaitForTimers(1)
		clk.Advance(3 * time.Second)
	}

	c := waitForChange(t, changes, "42", StateClosedFailed)
	if c.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", c.Attempts)
	}
	if n := dials.Load(); n != 6 {
		t.Errorf("dials = %d, want 6 (initial + 5 retries)", n)
	}
	if _, _, ok := reg.State("42"); ok {
		t.Error("failed connection still registered")
	}
	if n := clk.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestRegistry_UnsubscribeCancelsPendingReconnect(t *testing.T) {
	srv := newBusServer(t, func(n int, conn *websocket.Conn) {
		conn.ReadMessage()
	})
	clk := clock.Fake(testEpoch)
	reg, changes := newTestRegistry(t, wsURL(srv.Server), clk, "tok")

	if err := reg.Subscribe("42"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	waitForChange(t, changes, "42", StateReconnecting)
	clk.WaitForTimers(1)

	reg.Unsubscribe("42")
	if n := clk.Pending(); n != 0 {
		t.Errorf("Pending() = %d after Unsubscribe, want 0", n)
	}

	clk.Advance(time.Minute)
	time.Sleep(50 * time.Millisecond)
	if n := srv.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if _, _, ok := reg.State("42"); ok {
		t.Error("connection still registered after Unsubscribe")
	}
}

func TestRegistry_UnsubscribeSendsNormalClosure(t *testing.T) {
	codes := make(chan int, 1)
	srv := newBusServer(t, func(_ int, conn *websocket.Conn) {
		codes <- CloseCode(drain(conn))
	})
	reg, changes := newTestRegistry(t, wsURL(srv.Server), clock.Fake(testEpoch), "tok")

	if err := reg.Subscribe("42"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	waitForChange(t, changes, "42", StateOpen)

	reg.Unsubscribe("42")
	waitForChange(t, changes, "42", StateClosedNormal)

	select {
	case code := <-codes:
		if code != CloseNormal {
			t.Errorf("server saw close code %d, want %d", code, CloseNormal)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not observe close")
	}

	// Unknown ids are a no-op.
	reg.Unsubscribe("42")
	reg.Unsubscribe("nope")
}

// Frames read before Unsubscribe but not yet delivered must be dropped,
// and Unsubscribe waits for a delivery already in progress.
func TestRegistry_UnsubscribeClosesDeliveryGate(t *testing.T) {
	srv := newBusServer(t, func(_ int, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"n":2}`))
		drain(conn)
	})
	reg, _ := newTestRegistry(t, wsURL(srv.Server), clock.Fake(testEpoch), "tok")

	if err := reg.Subscribe("42"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	var msgs []RawMessage
	for len(msgs) < 2 {
		select {
		case m := <-reg.Messages():
			msgs = append(msgs, m)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for frames")
		}
	}

	if !msgs[0].Gate.Enter() {
		t.Fatal("Enter() = false while subscribed")
	}

	unsubscribed := make(chan struct{})
	go func() {
		reg.Unsubscribe("42")
		close(unsubscribed)
	}()

	select {
	case <-unsubscribed:
		t.Fatal("Unsubscribe returned during an in-flight delivery")
	case <-time.After(50 * time.Millisecond):
	}

	msgs[0].Gate.Leave()
	select {
	case <-unsubscribed:
	case <-time.After(3 * time.Second):
		t.Fatal("Unsubscribe did not return after Leave")
	}

	if msgs[1].Gate.Enter() {
		msgs[1].Gate.Leave()
		t.Error("Enter() = true after Unsubscribe")
	}
}

func TestRegistry_SendLocationUpdate(t *testing.T) {
	frames := make(chan []byte, 4)
	srv := newBusServer(t, func(_ int, conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	})
	clk := clock.Fake(testEpoch)
	reg, changes := newTestRegistry(t, wsURL(srv.Server), clk, "tok")

	if err := reg.SendLocationUpdate("42", 1, 2, 3, 4); !errors.Is(err, ErrNotOpen) {
		t.Errorf("SendLocationUpdate() before subscribe = %v, want ErrNotOpen", err)
	}

	if err := reg.Subscribe("42"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	waitForChange(t, changes, "42", StateOpen)
	<-frames // request_current_location

	if err := reg.SendLocationUpdate("42", 40.7128, -74.006, 11.5, 270); err != nil {
		t.Fatalf("SendLocationUpdate() error = %v", err)
	}

	select {
	case data := <-frames:
		var got locationFrame
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		want := locationFrame{
			Type:      "location_update",
			Latitude:  40.7128,
			Longitude: -74.006,
			Speed:     11.5,
			Heading:   270,
			Timestamp: testEpoch.Format(time.RFC3339Nano),
		}
		if got != want {
			t.Errorf("frame = %+v, want %+v", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("location_update not received")
	}

	if err := reg.RequestCurrentLocation("42"); err != nil {
		t.Errorf("RequestCurrentLocation() error = %v", err)
	}
	if got := reg.Stats().FramesSent; got != 3 {
		t.Errorf("FramesSent = %d, want 3", got)
	}
}

func TestRegistry_SendWhileReconnectingFails(t *testing.T) {
	srv := newBusServer(t, func(_ int, conn *websocket.Conn) {
		conn.ReadMessage()
	})
	reg, changes := newTestRegistry(t, wsURL(srv.Server), clock.Fake(testEpoch), "tok")

	if err := reg.Subscribe("42"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	waitForChange(t, changes, "42", StateReconnecting)

	if err := reg.SendLocationUpdate("42", 1, 2, 3, 4); !errors.Is(err, ErrNotOpen) {
		t.Errorf("SendLocationUpdate() = %v, want ErrNotOpen", err)
	}
	if err := reg.RequestCurrentLocation("42"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("RequestCurrentLocation() = %v, want ErrNotOpen", err)
	}
}

func TestRegistry_DisconnectAll(t *testing.T) {
	srv := newBusServer(t, holdOpen)
	reg, changes := newTestRegistry(t, wsURL(srv.Server), clock.Fake(testEpoch), "tok")

	for _, id := range []string{"1", "2", "3"} {
		if err := reg.Subscribe(id); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", id, err)
		}
	}
	opened := map[string]bool{}
	for len(opened) < 3 {
		select {
		case c := <-changes:
			if c.To == StateOpen {
				opened[c.BusID] = true
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d streams opened", len(opened))
		}
	}
	if got := reg.Stats().Open; got != 3 {
		t.Errorf("Stats().Open = %d, want 3", got)
	}

	reg.DisconnectAll()

	if got := reg.Buses(); len(got) != 0 {
		t.Errorf("Buses() = %v, want empty", got)
	}
	if got := reg.Stats(); got.Open+got.Connecting+got.Reconnecting != 0 {
		t.Errorf("Stats() = %+v, want no live connections", got)
	}
}

func TestRegistry_Close(t *testing.T) {
	srv := newBusServer(t, holdOpen)
	reg, changes := newTestRegistry(t, wsURL(srv.Server), clock.Fake(testEpoch), "tok")

	if err := reg.Subscribe("42"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	waitForChange(t, changes, "42", StateOpen)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := reg.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for range reg.Messages() {
	}
	if err := reg.Subscribe("7"); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Subscribe() after Close = %v, want ErrRegistryClosed", err)
	}
}
