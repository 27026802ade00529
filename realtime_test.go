package pulseboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestRealtimeStatePollingActive(t *testing.T) {
	active := []RealtimeState{StateDisconnected, StateDegraded, StateReconnecting, StateFailed}
	for _, s := range active {
		if !s.PollingActive() {
			t.Errorf("expected polling active in %s", s)
		}
	}
	for _, s := range []RealtimeState{StateConnecting, StateConnected} {
		if s.PollingActive() {
			t.Errorf("expected polling inactive in %s", s)
		}
	}
}

// subscribeAck reads the subscribe command off a fresh server-side
// connection, checks it names the expected topic, and acks it.
func subscribeAck(t *testing.T, ctx context.Context, conn *websocket.Conn, topic string) bool {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return false
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type != "subscribe" || cmd.Channel != topic {
		t.Errorf("unexpected subscribe command: %s", data)
		return false
	}
	ack, _ := json.Marshal(Envelope{Type: "subscribed", Channel: topic})
	return conn.Write(ctx, websocket.MessageText, ack) == nil
}

func waitForState(t *testing.T, states <-chan RealtimeState, want RealtimeState) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestRealtimeConnectAndDispatchOrder(t *testing.T) {
	deliveries := []Envelope{
		{Type: EventSnapshot, Channel: "flow", Payload: mustJSON(t, baseSnapshot())},
		{Type: EventBottleneck, Channel: "flow", Payload: mustJSON(t, Bottleneck{ID: "b2", Stage: "qa"})},
		{Type: EventSuggestion, Channel: "flow", Payload: mustJSON(t, Suggestion{ID: "s3"})},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		if !subscribeAck(t, r.Context(), conn, "flow") {
			return
		}
		for _, env := range deliveries {
			data, _ := json.Marshal(env)
			if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
				return
			}
		}
		conn.Read(r.Context()) // hold until the client disconnects
	}))
	t.Cleanup(srv.Close)

	rt := newRealtimeClient(srv.URL, &RealtimeConfig{Token: "pb-test", Topic: "flow"})
	got := make(chan string, len(deliveries))
	record := func(env Envelope) { got <- env.Type }
	rt.On(EventSnapshot, record)
	rt.On(EventBottleneck, record)
	rt.On(EventSuggestion, record)

	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { rt.Disconnect() })

	if rt.State() != StateConnected {
		t.Fatalf("expected connected, got %s", rt.State())
	}

	// Handlers run inline on the read loop, so kinds arrive in the
	// order the server wrote them.
	for _, want := range deliveries {
		select {
		case kind := <-got:
			if kind != want.Type {
				t.Fatalf("expected delivery %s, got %s", want.Type, kind)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for delivery %s", want.Type)
		}
	}
}

func TestRealtimeConnectFailureIsDegraded(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	rt := newRealtimeClient(srv.URL, &RealtimeConfig{Token: "pb-test", Topic: "flow"})
	if err := rt.Connect(context.Background()); err == nil {
		t.Fatal("expected Connect to fail against a server without a push endpoint")
	}
	if rt.State() != StateDegraded {
		t.Fatalf("expected degraded state after dial failure, got %s", rt.State())
	}
	if rt.LastError() == nil {
		t.Fatal("expected LastError after dial failure")
	}
}

func TestRealtimeReconnectCeilingThenManualReconnect(t *testing.T) {
	const (
		modeDropAfterAck = iota // ack the handshake, then drop the channel
		modeReject              // refuse the upgrade outright
		modeHold                // ack and keep the channel open
	)
	var mode atomic.Int64
	var dials atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		if mode.Load() == modeReject {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		if !subscribeAck(t, r.Context(), conn, "flow") {
			conn.CloseNow()
			return
		}
		if mode.Load() == modeDropAfterAck {
			// Refuse every later attempt before dropping, so the
			// client cannot slip back in between the two steps.
			mode.Store(modeReject)
			conn.Close(websocket.StatusGoingAway, "server restart")
			return
		}
		defer conn.CloseNow()
		conn.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	rt := newRealtimeClient(srv.URL, &RealtimeConfig{
		Token:                "pb-test",
		Topic:                "flow",
		MaxReconnectAttempts: 2,
		ReconnectInterval:    10 * time.Millisecond,
	})
	states := make(chan RealtimeState, 64)
	rt.OnStateChange(func(s RealtimeState) { states <- s })
	t.Cleanup(func() { rt.Disconnect() })

	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// The server drops the channel; the fixed-interval retries burn
	// through the ceiling and the client parks itself in failed.
	waitForState(t, states, StateReconnecting)
	waitForState(t, states, StateFailed)
	if rt.State() != StateFailed {
		t.Fatalf("expected failed state after ceiling, got %s", rt.State())
	}

	// No further attempts are scheduled while failed.
	settled := dials.Load()
	time.Sleep(50 * time.Millisecond)
	if got := dials.Load(); got != settled {
		t.Fatalf("expected no dials after ceiling, got %d more", got-settled)
	}

	// A manual Connect resets the attempt budget and re-arms the channel.
	mode.Store(modeHold)
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("manual Connect after failed: %v", err)
	}
	waitForState(t, states, StateConnected)
	if rt.State() != StateConnected {
		t.Fatalf("expected connected after manual reconnect, got %s", rt.State())
	}
}

func TestRealtimeDisconnectStopsReconnection(t *testing.T) {
	var dials atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		if !subscribeAck(t, r.Context(), conn, "flow") {
			return
		}
		conn.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	rt := newRealtimeClient(srv.URL, &RealtimeConfig{Token: "pb-test", Topic: "flow"})
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := rt.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if rt.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", rt.State())
	}

	// An intentional close schedules nothing.
	settled := dials.Load()
	time.Sleep(50 * time.Millisecond)
	if got := dials.Load(); got != settled {
		t.Fatalf("expected no reconnection after Disconnect, got %d more dials", got-settled)
	}
}
