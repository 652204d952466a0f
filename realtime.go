package cortex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the realtime channel.
type ChannelConfig struct {
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	PongGrace            time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	Logger               *slog.Logger
}

func (c *ChannelConfig) defaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PongGrace == 0 {
		c.PongGrace = 10 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ChannelState is the lifecycle state of a realtime channel.
type ChannelState string

const (
	StateConnecting   ChannelState = "connecting"
	StateOpen         ChannelState = "open"
	StateReconnecting ChannelState = "reconnecting"
	StateClosed       ChannelState = "closed"
)

// ============================================================================
// Subscription registry
// ============================================================================

// EventHandler receives one realtime frame. Handlers for a frame run in
// registration order, and frames are delivered in arrival order.
type EventHandler func(env Envelope)

type subscriberRegistry struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]EventHandler
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{handlers: make(map[string]map[int]EventHandler)}
}

func (r *subscriberRegistry) add(eventType string, h EventHandler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	if r.handlers[eventType] == nil {
		r.handlers[eventType] = make(map[int]EventHandler)
	}
	r.handlers[eventType][id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if m := r.handlers[eventType]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(r.handlers, eventType)
				}
			}
			r.mu.Unlock()
		})
	}
}

func (r *subscriberRegistry) count(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[eventType])
}

// dispatch runs matching handlers synchronously so subscribers observe
// frames in the order the server sent them.
func (r *subscriberRegistry) dispatch(env Envelope) {
	r.mu.RLock()
	handlers := make([]EventHandler, 0, len(r.handlers[env.Type])+len(r.handlers[EventWildcard]))
	for _, h := range r.handlers[env.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range r.handlers[EventWildcard] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(env)
		}()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Channel
// ============================================================================

// Channel is the realtime WebSocket connection to the Cortex event stream,
// with automatic reconnection and a ping/pong heartbeat.
//
// A channel that exhausts its reconnect budget transitions to StateClosed
// and reports ErrConnectivityLost through the state handler; it will not
// dial again until Connect is called.
type Channel struct {
	baseURL string
	gateway *AuthGateway
	config  *ChannelConfig
	logger  *slog.Logger

	registry *subscriberRegistry
	recon    *reconnector

	mu          sync.Mutex
	conn        *websocket.Conn
	state       ChannelState
	closedByUs  bool
	closeCh     chan struct{}
	cancelFn    context.CancelFunc
	lastPongAt  time.Time
	pingCounter int
	onState     func(state ChannelState, err error)
}

// NewChannel creates a realtime channel for the given API base URL.
// Tokens are drawn from the gateway at each dial, so a refreshed session
// is picked up on reconnect. cfg may be nil.
func NewChannel(baseURL string, gateway *AuthGateway, cfg *ChannelConfig) *Channel {
	if cfg == nil {
		cfg = &ChannelConfig{}
	}
	cfg.defaults()
	return &Channel{
		baseURL:  baseURL,
		gateway:  gateway,
		config:   cfg,
		logger:   cfg.Logger,
		registry: newSubscriberRegistry(),
		recon: &reconnector{
			baseDelay:   cfg.ReconnectBaseDelay,
			maxDelay:    cfg.ReconnectMaxDelay,
			maxAttempts: cfg.MaxReconnectAttempts,
		},
		state: StateClosed,
	}
}

// OnStateChange registers the state transition handler. err is non-nil
// only for the terminal StateClosed reached by exhausting reconnects.
func (ch *Channel) OnStateChange(h func(state ChannelState, err error)) {
	ch.mu.Lock()
	ch.onState = h
	ch.mu.Unlock()
}

// Subscribe registers a handler for an event type and returns a disposer.
// Use EventWildcard to receive every frame. Calling the disposer more
// than once is safe.
func (ch *Channel) Subscribe(eventType string, h EventHandler) func() {
	return ch.registry.add(eventType, h)
}

// SubscriberCount reports the number of handlers for an event type.
func (ch *Channel) SubscriberCount(eventType string) int {
	return ch.registry.count(eventType)
}

// State returns the current channel state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// ReconnectAttempt returns the current reconnect attempt counter.
func (ch *Channel) ReconnectAttempt() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.recon.attempt
}

// LastPongAt returns the time of the most recent server pong.
func (ch *Channel) LastPongAt() time.Time {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.lastPongAt
}

func (ch *Channel) setState(state ChannelState, err error) {
	ch.mu.Lock()
	ch.state = state
	h := ch.onState
	ch.mu.Unlock()
	if h != nil {
		h(state, err)
	}
}

// Connect dials the event stream. It authenticates with the current
// access token as a query parameter and waits for the server's
// "connected" frame before reporting the channel open. A channel closed
// by exhausted reconnects is re-armed by calling Connect again.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	// A reconnect attempt waiting out its backoff counts as pending;
	// dialling here as well would race it into two live sockets.
	if ch.state == StateOpen || ch.state == StateConnecting || ch.state == StateReconnecting {
		ch.mu.Unlock()
		return nil
	}
	ch.closedByUs = false
	ch.closeCh = make(chan struct{})
	ch.recon.reset()
	ch.mu.Unlock()

	return ch.dial(ctx, false)
}

func (ch *Channel) dial(ctx context.Context, reconnect bool) error {
	ch.setState(StateConnecting, nil)

	fail := func(err error) error {
		if !reconnect {
			ch.setState(StateClosed, nil)
		}
		return err
	}

	tok, err := ch.gateway.Token(ctx)
	if err != nil {
		return fail(fmt.Errorf("realtime token: %w", err))
	}

	dialCtx, cancel := context.WithTimeout(ctx, ch.config.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, ch.wsURL(tok.AccessToken), nil)
	if err != nil {
		return fail(fmt.Errorf("websocket dial: %w", err))
	}

	// The server confirms the session with a "connected" frame before
	// any events flow. Anything else means the dial failed.
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("read ack frame: %w", err))
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventConnected {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("expected %q ack, got %q", EventConnected, env.Type))
	}

	connCtx, cancelConn := context.WithCancel(context.Background())
	ch.mu.Lock()
	if ch.cancelFn != nil {
		// A replaced connection takes its read and heartbeat loops down
		// with it.
		ch.cancelFn()
	}
	ch.conn = conn
	ch.cancelFn = cancelConn
	ch.lastPongAt = time.Now()
	ch.recon.markConnected()
	ch.mu.Unlock()

	ch.setState(StateOpen, nil)
	ch.registry.dispatch(env)

	go ch.readLoop(connCtx, conn)
	go ch.heartbeatLoop(connCtx, conn)
	return nil
}

func (ch *Channel) wsURL(token string) string {
	wsURL := strings.Replace(ch.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return wsURL + "/ws?token=" + url.QueryEscape(token)
}

// Close shuts the channel down intentionally. Subscriptions survive a
// Close and fire again after a later Connect.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	ch.closedByUs = true
	if ch.closeCh != nil {
		close(ch.closeCh)
		ch.closeCh = nil
	}
	if ch.cancelFn != nil {
		ch.cancelFn()
		ch.cancelFn = nil
	}
	conn := ch.conn
	ch.conn = nil
	ch.mu.Unlock()

	ch.setState(StateClosed, nil)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

// Send writes a client frame to the channel.
func (ch *Channel) Send(ctx context.Context, eventType string, payload any) error {
	ch.mu.Lock()
	conn := ch.conn
	state := ch.state
	ch.mu.Unlock()
	if conn == nil || state != StateOpen {
		return ErrNotConnected
	}

	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal frame payload: %w", err)
		}
		data = b
	}
	frame, err := json.Marshal(Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

// Publish delivers a frame to local subscribers as if it had arrived on
// the socket. The webhook receiver uses it so HTTP deliveries reach the
// same handlers as socket frames.
func (ch *Channel) Publish(env Envelope) {
	ch.registry.dispatch(env)
}

func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.mu.Lock()
			intentional := ch.closedByUs
			if ch.conn == conn {
				ch.conn = nil
				if ch.cancelFn != nil {
					ch.cancelFn()
					ch.cancelFn = nil
				}
			}
			ch.mu.Unlock()
			if !intentional {
				ch.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			ch.logger.Warn("realtime: malformed frame dropped",
				"error", err, "bytes", len(data))
			continue
		}

		if env.Type == EventPong {
			ch.mu.Lock()
			ch.lastPongAt = time.Now()
			ch.mu.Unlock()
		}

		ch.registry.dispatch(env)
	}
}

// heartbeatLoop pings on the configured interval and tears the
// connection down when a pong has not arrived within the grace window.
func (ch *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ch.mu.Lock()
			current := ch.conn
			stale := time.Since(ch.lastPongAt) > ch.config.HeartbeatInterval+ch.config.PongGrace
			ch.pingCounter++
			requestID := fmt.Sprintf("ping-%d", ch.pingCounter)
			ch.mu.Unlock()

			if current != conn {
				// The channel moved on to a new socket; pinging through
				// ch.Send would hit that one, not ours.
				return
			}
			if stale {
				ch.logger.Warn("realtime: heartbeat timed out")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if err := ch.Send(ctx, "ping", map[string]string{"requestId": requestID}); err != nil {
				ch.logger.Warn("realtime: ping failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "ping failed")
				return
			}
		}
	}
}

func (ch *Channel) scheduleReconnect() {
	ch.mu.Lock()
	if !ch.recon.shouldReconnect() {
		ch.mu.Unlock()
		ch.logger.Error("realtime: reconnect attempts exhausted")
		ch.setState(StateClosed, ErrConnectivityLost)
		return
	}
	delay := ch.recon.nextDelay()
	attempt := ch.recon.attempt
	closeCh := ch.closeCh
	ch.mu.Unlock()

	ch.setState(StateReconnecting, nil)
	ch.logger.Info("realtime: reconnecting", "attempt", attempt, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-closeCh:
		return
	}

	ch.mu.Lock()
	if ch.closedByUs {
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()

	if err := ch.dial(context.Background(), true); err != nil {
		ch.logger.Warn("realtime: reconnect failed", "attempt", attempt, "error", err)
		ch.scheduleReconnect()
	}
}
