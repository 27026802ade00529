package pulseboard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Connection State
// ============================================================================

// RealtimeState is the push-channel connection state. Exactly one
// value holds at any time; transitions are driven only by the
// RealtimeClient.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateDegraded     RealtimeState = "degraded"
	StateReconnecting RealtimeState = "reconnecting"
	StateFailed       RealtimeState = "failed"
)

// PollingActive reports whether polling is the active transport in
// this state.
func (s RealtimeState) PollingActive() bool {
	switch s {
	case StateDisconnected, StateDegraded, StateReconnecting, StateFailed:
		return true
	}
	return false
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push-channel client.
type RealtimeConfig struct {
	Token string
	Topic string
	// MaxReconnectAttempts bounds automatic reconnection after an
	// unexpected closure. Exceeding it parks the client in
	// StateFailed; only a manual Connect re-arms it.
	MaxReconnectAttempts int
	// ReconnectInterval is the fixed delay between attempts.
	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 2 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Dispatcher
// ============================================================================

// realtimeDispatcher is a message-dispatch table keyed by delivery
// kind, plus state-transition listeners. Handlers run inline on the
// read loop so deliveries for a topic keep arrival order; adding a new
// delivery kind is just another table entry.
type realtimeDispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]func(Envelope)
	onState  []func(RealtimeState)
}

func newRealtimeDispatcher() *realtimeDispatcher {
	return &realtimeDispatcher{
		handlers: make(map[string][]func(Envelope)),
	}
}

func (d *realtimeDispatcher) on(kind string, h func(Envelope)) {
	d.mu.Lock()
	d.handlers[kind] = append(d.handlers[kind], h)
	d.mu.Unlock()
}

func (d *realtimeDispatcher) onStateChange(h func(RealtimeState)) {
	d.mu.Lock()
	d.onState = append(d.onState, h)
	d.mu.Unlock()
}

func (d *realtimeDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	handlers := append([](func(Envelope))(nil), d.handlers[env.Type]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}

func (d *realtimeDispatcher) emitState(s RealtimeState) {
	d.mu.RLock()
	handlers := append([](func(RealtimeState))(nil), d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the push-channel transport state machine. It
// dials the websocket endpoint, performs the topic subscription
// handshake, and feeds deliveries to the dispatcher. Channel loss is
// never fatal: reconnection runs with a fixed interval up to a hard
// attempt ceiling, after which the client stays in StateFailed (and
// polling remains the only transport) until a manual Connect.
type RealtimeClient struct {
	baseURL    string
	config     *RealtimeConfig
	log        *zap.Logger
	dispatcher *realtimeDispatcher

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	lastErr          error
	attempts         int
	intentionalClose bool
	cancelFn         context.CancelFunc
}

func newRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		log:        cfg.Logger,
		dispatcher: newRealtimeDispatcher(),
		state:      StateDisconnected,
	}
}

// On registers a handler for a delivery kind.
func (rt *RealtimeClient) On(kind string, h func(Envelope)) {
	rt.dispatcher.on(kind, h)
}

// OnStateChange registers a connection-state listener.
func (rt *RealtimeClient) OnStateChange(h func(RealtimeState)) {
	rt.dispatcher.onStateChange(h)
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// LastError returns the most recent transport error, if any.
func (rt *RealtimeClient) LastError() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.lastErr
}

// Connect establishes the push channel and subscribes to the
// configured topic. A failure is reported but is not fatal to the
// session: the client settles in StateDegraded and the caller's
// polling path carries updates. Calling Connect resets the attempt
// counter, re-arming reconnection after StateFailed.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.attempts = 0
	rt.mu.Unlock()
	rt.dispatcher.emitState(StateConnecting)

	if err := rt.dial(ctx); err != nil {
		rt.setState(StateDegraded, err)
		rt.log.Warn("push channel unavailable",
			zap.String("topic", rt.config.Topic), zap.Error(err))
		return err
	}
	return nil
}

// Disconnect gracefully closes the channel. No reconnection is
// scheduled afterwards.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()
	rt.dispatcher.emitState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send sends a command over the push channel.
func (rt *RealtimeClient) Send(ctx context.Context, cmd *Command) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// dial performs one connection attempt: websocket dial, subscribe
// handshake, then the read and heartbeat loops.
func (rt *RealtimeClient) dial(ctx context.Context) error {
	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rt.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	// Declare interest in the topic before accepting event traffic.
	sub, _ := json.Marshal(Command{Type: "subscribe", Channel: rt.config.Topic})
	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("send subscribe: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read subscribe ack: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "subscribed" {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("expected 'subscribed', got %q", env.Type)
	}

	// Loops outlive the dial context; Disconnect cancels them.
	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.conn = conn
	rt.cancelFn = cancel
	rt.state = StateConnected
	rt.lastErr = nil
	rt.attempts = 0
	rt.mu.Unlock()
	rt.log.Info("push channel connected", zap.String("topic", rt.config.Topic))
	rt.dispatcher.emitState(StateConnected)

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx)
	return nil
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			if rt.conn == conn {
				rt.conn = nil
			}
			rt.mu.Unlock()
			if intentional {
				return
			}
			rt.log.Warn("push channel lost", zap.Error(err))
			rt.reconnectLoop(err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			rt.log.Debug("dropping malformed delivery", zap.Error(err))
			continue
		}
		rt.dispatcher.dispatch(env)
	}
}

// heartbeatLoop pings the server periodically. A missed pong turns a
// silently dead channel into a detectable disconnect, handing control
// to the reconnect policy.
func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.mu.Lock()
			conn := rt.conn
			rt.mu.Unlock()
			if conn == nil {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconnectLoop retries with a fixed interval until connected, the
// attempt ceiling is hit, or the client is closed. Hitting the ceiling
// transitions to StateFailed with no further attempts scheduled.
func (rt *RealtimeClient) reconnectLoop(cause error) {
	for {
		rt.mu.Lock()
		if rt.intentionalClose {
			rt.mu.Unlock()
			return
		}
		if rt.attempts >= rt.config.MaxReconnectAttempts {
			rt.mu.Unlock()
			rt.setState(StateFailed, cause)
			rt.log.Warn("reconnect ceiling reached, polling only",
				zap.Int("attempts", rt.config.MaxReconnectAttempts))
			return
		}
		rt.attempts++
		attempt := rt.attempts
		rt.mu.Unlock()

		rt.setState(StateReconnecting, cause)
		rt.log.Info("reconnecting push channel",
			zap.Int("attempt", attempt),
			zap.Duration("interval", rt.config.ReconnectInterval))
		time.Sleep(rt.config.ReconnectInterval)

		rt.mu.Lock()
		if rt.intentionalClose {
			rt.mu.Unlock()
			return
		}
		rt.mu.Unlock()

		if err := rt.dial(context.Background()); err != nil {
			cause = err
			continue
		}
		return
	}
}

func (rt *RealtimeClient) setState(s RealtimeState, err error) {
	rt.mu.Lock()
	rt.state = s
	if err != nil {
		rt.lastErr = err
	}
	rt.mu.Unlock()
	rt.dispatcher.emitState(s)
}
