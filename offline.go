package cortex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Queued actions
// ============================================================================

// QueuedAction is a mutating request captured while the network was
// unavailable. It is owned by the queue until it succeeds (removed) or
// exhausts MaxAttempts (dropped and reported).
type QueuedAction struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Endpoint     string            `json:"endpoint"`
	Method       string            `json:"method"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Query        map[string]string `json:"query,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueuedAt"`
	AttemptCount int               `json:"attemptCount"`
	MaxAttempts  int               `json:"maxAttempts"`
}

// Offline event names, emitted to handlers registered with On.
const (
	EvNetworkOnline  = "network.online"
	EvNetworkOffline = "network.offline"
	EvActionQueued   = "action.queued"
	EvActionSent     = "action.sent"
	EvActionFailed   = "action.failed"
	EvMessageLocal   = "message.local"
	EvSyncStart      = "sync.start"
	EvSyncComplete   = "sync.complete"
)

// OfflineEventHandler receives offline lifecycle events.
type OfflineEventHandler func(event string, payload any)

type offlineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]OfflineEventHandler
}

// On registers a handler for an event name.
func (e *offlineEmitter) On(event string, handler OfflineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *offlineEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *offlineEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]OfflineEventHandler)
}

// ============================================================================
// Action typing
// ============================================================================

var actionTypes = []struct {
	method  string
	pattern *regexp.Regexp
	name    string
}{
	{"POST", regexp.MustCompile(`^/api/chat/messages/`), "send_message"},
	{"PATCH", regexp.MustCompile(`^/api/chat/messages/`), "edit_message"},
	{"DELETE", regexp.MustCompile(`^/api/chat/messages/`), "delete_message"},
	{"POST", regexp.MustCompile(`^/api/chat/conversations/[^/]+/read$`), "mark_read"},
}

var messagePathPattern = regexp.MustCompile(`^/api/chat/messages/([^/]+)`)

func actionType(method, path string) string {
	for _, at := range actionTypes {
		if method == at.method && at.pattern.MatchString(path) {
			return at.name
		}
	}
	return "mutation"
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead:
		return false
	}
	return true
}

// ============================================================================
// Offline manager
// ============================================================================

// OfflineOptions configures the Offline manager.
type OfflineOptions struct {
	// MaxAttempts bounds replay retries per action. Default 5.
	MaxAttempts int
	// FlushInterval is the background sync cadence. Default 1s.
	FlushInterval time.Duration
	// CacheTTL is applied to cached read responses. Default 5m.
	CacheTTL time.Duration
	// SweepInterval is the cache eviction cadence. Default 1m.
	SweepInterval time.Duration
}

const (
	defaultMaxAttempts   = 5
	defaultFlushInterval = time.Second
	defaultCacheTTL      = 5 * time.Minute
)

// Offline is the standard request path of the SDK. It routes every call
// through the auth-intercepting client, queues mutations while offline,
// serves reads from the response cache when disconnected, and replays the
// queue in order once connectivity returns.
//
// Connectivity is explicit: the embedder feeds SetOnline from its
// connectivity events. A failed request alone never flips the state.
type Offline struct {
	offlineEmitter
	client *Client
	store  Store
	cache  *ResponseCache
	logger *slog.Logger

	maxAttempts   int
	flushInterval time.Duration
	cacheTTL      time.Duration
	sweepInterval time.Duration

	mu      sync.Mutex
	online  bool
	syncing bool
	queue   []*QueuedAction
	stopCh  chan struct{}
	stopped bool
}

// NewOffline creates an offline manager over client and store. opts may
// be nil.
func NewOffline(client *Client, store Store, opts *OfflineOptions) *Offline {
	o := &Offline{
		offlineEmitter: offlineEmitter{listeners: make(map[string][]OfflineEventHandler)},
		client:         client,
		store:          store,
		logger:         client.logger,
		maxAttempts:    defaultMaxAttempts,
		flushInterval:  defaultFlushInterval,
		cacheTTL:       defaultCacheTTL,
		online:         true,
		stopCh:         make(chan struct{}),
	}
	if opts != nil {
		if opts.MaxAttempts > 0 {
			o.maxAttempts = opts.MaxAttempts
		}
		if opts.FlushInterval > 0 {
			o.flushInterval = opts.FlushInterval
		}
		if opts.CacheTTL > 0 {
			o.cacheTTL = opts.CacheTTL
		}
		o.sweepInterval = opts.SweepInterval
	}
	o.cache = NewResponseCache(store, o.logger)
	o.loadQueue()
	return o
}

// Cache exposes the response cache for direct reads and invalidation.
func (o *Offline) Cache() *ResponseCache { return o.cache }

// Start launches the background sync loop and cache sweep.
func (o *Offline) Start() {
	o.cache.StartSweep(o.sweepInterval)
	go o.flushLoop()
}

// Stop halts background work and drops all event listeners.
func (o *Offline) Stop() {
	o.mu.Lock()
	if !o.stopped {
		o.stopped = true
		close(o.stopCh)
	}
	o.mu.Unlock()
	o.cache.Stop()
	o.removeAll()
}

// IsOnline returns the current connectivity state.
func (o *Offline) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// SetOnline updates the connectivity state. Going online triggers a sync.
func (o *Offline) SetOnline(online bool) {
	o.mu.Lock()
	if o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	o.mu.Unlock()

	if online {
		o.emit(EvNetworkOnline, nil)
		go func() {
			if err := o.Sync(context.Background()); err != nil {
				o.logger.Warn("offline sync after reconnect failed", "error", err)
			}
		}()
	} else {
		o.emit(EvNetworkOffline, nil)
	}
}

// ============================================================================
// Standard request path
// ============================================================================

// Do routes one API request through the offline layer. Callers need no
// awareness of the offline semantics: mutations made while disconnected
// are queued and replayed, reads are served from cache.
func (o *Offline) Do(ctx context.Context, method, path string, body any, query map[string]string) (*Result, error) {
	if !o.IsOnline() {
		if isMutating(method) {
			return o.queueAction(method, path, body, query)
		}
		return o.readFromCache(method, path, query)
	}

	res, err := o.client.do(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	if !isMutating(method) && res.OK && res.Data != nil {
		o.cache.Set(cacheKey(method, path, query), res.Data, o.cacheTTL)
	}
	return res, nil
}

func (o *Offline) readFromCache(method, path string, query map[string]string) (*Result, error) {
	if cached := o.cache.Get(cacheKey(method, path, query)); cached != nil {
		return &Result{
			OK:   true,
			Data: cached,
			Meta: map[string]any{"cached": true},
		}, nil
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNoCachedData, method, path)
}

func (o *Offline) queueAction(method, path string, body any, query map[string]string) (*Result, error) {
	var payload json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal queued payload: %w", err)
		}
		payload = b
	}

	id := o.Enqueue(QueuedAction{
		Type:     actionType(method, path),
		Endpoint: path,
		Method:   method,
		Payload:  payload,
		Query:    query,
	})

	o.emitLocalEcho(id, method, path, payload)

	data, _ := json.Marshal(map[string]any{"queuedActionId": id})
	return &Result{
		OK:   true,
		Data: data,
		Meta: map[string]any{"queued": true},
	}, nil
}

// emitLocalEcho publishes an optimistic pending message for queued sends
// so the UI can render immediately.
func (o *Offline) emitLocalEcho(id, method, path string, payload json.RawMessage) {
	if method != http.MethodPost {
		return
	}
	m := messagePathPattern.FindStringSubmatch(path)
	if m == nil {
		return
	}
	var body struct {
		Content string `json:"content"`
		Type    string `json:"type"`
	}
	if payload != nil {
		if err := json.Unmarshal(payload, &body); err != nil {
			return
		}
	}
	if body.Type == "" {
		body.Type = "text"
	}
	o.emit(EvMessageLocal, &Message{
		ID:             "local-" + id,
		ConversationID: m[1],
		Content:        body.Content,
		Type:           body.Type,
		SenderID:       "__self__",
		Status:         "pending",
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// ============================================================================
// Queue operations
// ============================================================================

// Enqueue appends an action to the durable queue and returns its ID.
// Missing fields are defaulted; the queue record is persisted before
// Enqueue returns.
func (o *Offline) Enqueue(action QueuedAction) string {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.EnqueuedAt.IsZero() {
		action.EnqueuedAt = time.Now().UTC()
	}
	if action.MaxAttempts == 0 {
		action.MaxAttempts = o.maxAttempts
	}
	if action.Type == "" {
		action.Type = actionType(action.Method, action.Endpoint)
	}

	o.mu.Lock()
	o.queue = append(o.queue, &action)
	o.persistLocked()
	online := o.online
	o.mu.Unlock()

	o.emit(EvActionQueued, &action)

	if online {
		go func() {
			if err := o.Sync(context.Background()); err != nil {
				o.logger.Warn("offline sync after enqueue failed", "error", err)
			}
		}()
	}
	return action.ID
}

// ListPending returns a snapshot of queued actions in replay order.
func (o *Offline) ListPending() []QueuedAction {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]QueuedAction, len(o.queue))
	for i, a := range o.queue {
		out[i] = *a
	}
	return out
}

// Remove deletes a queued action by ID. Returns false when absent.
func (o *Offline) Remove(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, a := range o.queue {
		if a.ID == id {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			o.persistLocked()
			return true
		}
	}
	return false
}

// Sync replays queued actions in enqueue order. It runs only when online
// and not already syncing; a call during an active pass is a no-op.
//
// A transient replay failure increments the action's attempt count and
// ends the pass so ordering is preserved; the action leads the next pass.
// A non-retryable response (4xx other than 408/429) or an exhausted
// attempt budget drops the action and reports it.
func (o *Offline) Sync(ctx context.Context) error {
	o.mu.Lock()
	if o.syncing || !o.online || len(o.queue) == 0 {
		o.mu.Unlock()
		return nil
	}
	o.syncing = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.syncing = false
		o.mu.Unlock()
	}()

	o.emit(EvSyncStart, nil)
	replayed := 0

	for {
		o.mu.Lock()
		if len(o.queue) == 0 || !o.online {
			o.mu.Unlock()
			break
		}
		action := *o.queue[0]
		o.mu.Unlock()

		// A nil RawMessage would still marshal, as the literal null. Only
		// replay a body when the queued action recorded one.
		var body any
		if len(action.Payload) > 0 {
			body = action.Payload
		}
		res, err := o.client.do(ctx, action.Method, action.Endpoint, body, action.Query)
		if err == nil && res.OK {
			o.dropHead(action.ID)
			replayed++
			o.emit(EvActionSent, &action)
			continue
		}

		if err == nil {
			// Wrapper-level rejection with a 2xx transport status.
			err = fmt.Errorf("server rejected action: %v", res.Error)
		}

		if permanentReplayError(err) {
			o.failAction(action, err)
			continue
		}

		o.mu.Lock()
		if len(o.queue) > 0 && o.queue[0].ID == action.ID {
			o.queue[0].AttemptCount++
			exhausted := o.queue[0].AttemptCount >= o.queue[0].MaxAttempts
			o.persistLocked()
			o.mu.Unlock()
			if exhausted {
				o.failAction(action, err)
				continue
			}
		} else {
			o.mu.Unlock()
		}

		o.logger.Warn("offline replay failed, will retry",
			"actionId", action.ID, "type", action.Type,
			"attempt", action.AttemptCount+1, "error", err)
		break
	}

	o.emit(EvSyncComplete, map[string]any{"replayed": replayed, "pending": len(o.ListPending())})
	return nil
}

func (o *Offline) dropHead(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) > 0 && o.queue[0].ID == id {
		o.queue = o.queue[1:]
		o.persistLocked()
	}
}

// failAction drops an action permanently and reports it. Never silent.
func (o *Offline) failAction(action QueuedAction, cause error) {
	o.dropHead(action.ID)
	o.logger.Error("queued action permanently failed",
		"actionId", action.ID, "type", action.Type, "error", cause)
	o.emit(EvActionFailed, map[string]any{
		"action": &action,
		"error":  fmt.Errorf("%w: %v", ErrActionFailed, cause).Error(),
	})
}

// permanentReplayError reports whether a replay error cannot succeed on
// retry: 4xx responses other than timeout and rate-limit. Auth errors
// stay transient so a re-login can still rescue the queue.
func permanentReplayError(err error) bool {
	if status := HTTPStatus(err); status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return true
	}
	return false
}

// ============================================================================
// Persistence
// ============================================================================

func (o *Offline) loadQueue() {
	data, err := o.store.Read(recordQueue)
	if err != nil {
		o.logger.Warn("offline queue: read persisted record", "error", err)
		return
	}
	if data == nil {
		return
	}
	var queue []*QueuedAction
	if err := json.Unmarshal(data, &queue); err != nil {
		o.logger.Warn("offline queue: corrupted record discarded", "error", err)
		if err := o.store.Delete(recordQueue); err != nil {
			o.logger.Warn("offline queue: wipe corrupted record", "error", err)
		}
		return
	}
	o.queue = queue
}

func (o *Offline) persistLocked() {
	data, err := json.Marshal(o.queue)
	if err != nil {
		o.logger.Warn("offline queue: marshal record", "error", err)
		return
	}
	if err := o.store.Write(recordQueue, data); err != nil {
		o.logger.Warn("offline queue: persist record", "error", err)
	}
}

func (o *Offline) flushLoop() {
	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			if err := o.Sync(context.Background()); err != nil {
				o.logger.Warn("offline background sync failed", "error", err)
			}
		}
	}
}
