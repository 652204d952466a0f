package cortex

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// offlineHarness wires a client, a store, and an offline manager against
// a scripted HTTP handler. Background sync is left off so tests drive
// Sync explicitly.
type offlineHarness struct {
	client  *Client
	store   *MemoryStore
	offline *Offline
}

func newOfflineHarness(t *testing.T, handler http.HandlerFunc) *offlineHarness {
	t.Helper()
	h := &offlineHarness{store: NewMemoryStore()}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, http.StatusOK, loginResult("access-1", "refresh-1"))
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h.client = NewClient(WithBaseURL(srv.URL))
	require.NoError(t, h.client.Login(context.Background(), "dev@example.com", "secret"))
	h.offline = NewOffline(h.client, h.store, nil)
	t.Cleanup(h.offline.Stop)
	return h
}

func TestOfflineMutationIsQueued(t *testing.T) {
	h := newOfflineHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should reach the server while offline")
	})
	h.offline.SetOnline(false)

	var queued []*QueuedAction
	h.offline.On(EvActionQueued, func(event string, payload any) {
		queued = append(queued, payload.(*QueuedAction))
	})

	res, err := h.offline.Do(context.Background(), "POST", "/api/chat/messages/conv-1",
		map[string]string{"content": "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, res.Meta["queued"])

	pending := h.offline.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, "send_message", pending[0].Type)
	assert.Equal(t, "/api/chat/messages/conv-1", pending[0].Endpoint)
	require.Len(t, queued, 1)
	assert.Equal(t, pending[0].ID, queued[0].ID)
}

func TestOfflineQueueSurvivesReload(t *testing.T) {
	h := newOfflineHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	h.offline.SetOnline(false)

	_, err := h.offline.Do(context.Background(), "POST", "/api/chat/messages/conv-1",
		map[string]string{"content": "first"}, nil)
	require.NoError(t, err)
	_, err = h.offline.Do(context.Background(), "POST", "/api/chat/messages/conv-1",
		map[string]string{"content": "second"}, nil)
	require.NoError(t, err)

	// A second manager over the same store sees the persisted queue.
	reloaded := NewOffline(h.client, h.store, nil)
	defer reloaded.Stop()

	pending := reloaded.ListPending()
	require.Len(t, pending, 2)

	var first, second struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(pending[0].Payload, &first))
	require.NoError(t, json.Unmarshal(pending[1].Payload, &second))
	assert.Equal(t, "first", first.Content)
	assert.Equal(t, "second", second.Content)
}

func TestOfflineCorruptedQueueRecordDiscarded(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Write(recordQueue, []byte("{not json")))

	client := NewClient()
	offline := NewOffline(client, store, nil)
	defer offline.Stop()

	assert.Empty(t, offline.ListPending())

	// The corrupted record is wiped, not left to fail again.
	data, err := store.Read(recordQueue)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestOfflineSyncReplaysInOrder(t *testing.T) {
	var mu sync.Mutex
	var contents []string
	h := newOfflineHarness(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		contents = append(contents, body.Content)
		mu.Unlock()
		writeResult(w, http.StatusOK, Result{OK: true})
	})
	h.offline.SetOnline(false)

	for _, content := range []string{"one", "two", "three"} {
		_, err := h.offline.Do(context.Background(), "POST", "/api/chat/messages/conv-1",
			map[string]string{"content": content}, nil)
		require.NoError(t, err)
	}

	h.offline.SetOnline(true)
	require.Eventually(t, func() bool {
		return len(h.offline.ListPending()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, contents)
}

func TestOfflineTransientFailurePreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var contents []string
	failFirst := true
	h := newOfflineHarness(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		mu.Lock()
		shouldFail := failFirst && body.Content == "one"
		if !shouldFail {
			contents = append(contents, body.Content)
		}
		mu.Unlock()

		if shouldFail {
			writeResult(w, http.StatusServiceUnavailable, Result{OK: false})
			return
		}
		writeResult(w, http.StatusOK, Result{OK: true})
	})
	h.offline.SetOnline(false)

	for _, content := range []string{"one", "two"} {
		_, err := h.offline.Do(context.Background(), "POST", "/api/chat/messages/conv-1",
			map[string]string{"content": content}, nil)
		require.NoError(t, err)
	}
	h.offline.SetOnline(true)

	// First pass stalls on the head action; "two" must not jump the queue.
	require.Eventually(t, func() bool {
		pending := h.offline.ListPending()
		return len(pending) == 2 && pending[0].AttemptCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	failFirst = false
	mu.Unlock()

	require.Eventually(t, func() bool {
		h.offline.Sync(context.Background())
		return len(h.offline.ListPending()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two"}, contents)
}

func TestOfflinePermanentFailureIsDroppedAndReported(t *testing.T) {
	h := newOfflineHarness(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, http.StatusUnprocessableEntity, Result{
			OK:    false,
			Error: &APIError{Code: "VALIDATION", Message: "content too long"},
		})
	})
	h.offline.SetOnline(false)

	var mu sync.Mutex
	var failed []map[string]any
	h.offline.On(EvActionFailed, func(event string, payload any) {
		mu.Lock()
		failed = append(failed, payload.(map[string]any))
		mu.Unlock()
	})

	_, err := h.offline.Do(context.Background(), "POST", "/api/chat/messages/conv-1",
		map[string]string{"content": "bad"}, nil)
	require.NoError(t, err)

	h.offline.SetOnline(true)
	require.Eventually(t, func() bool {
		return len(h.offline.ListPending()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failed, 1, "a dropped action must be reported, never silent")
}

func TestOfflineExhaustedRetriesAreReported(t *testing.T) {
	h := newOfflineHarness(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, http.StatusServiceUnavailable, Result{OK: false})
	})
	h.offline.SetOnline(false)

	var mu sync.Mutex
	failedCount := 0
	h.offline.On(EvActionFailed, func(event string, payload any) {
		mu.Lock()
		failedCount++
		mu.Unlock()
	})

	id := h.offline.Enqueue(QueuedAction{
		Method:      "POST",
		Endpoint:    "/api/chat/messages/conv-1",
		Payload:     json.RawMessage(`{"content":"doomed"}`),
		MaxAttempts: 2,
	})
	require.NotEmpty(t, id)
	h.offline.SetOnline(true)

	require.Eventually(t, func() bool {
		h.offline.Sync(context.Background())
		return len(h.offline.ListPending()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, failedCount)
}

func TestOfflineBodylessReplayHasNoBody(t *testing.T) {
	var mu sync.Mutex
	var bodyLen int
	var contentType string
	h := newOfflineHarness(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodyLen = len(b)
		contentType = r.Header.Get("Content-Type")
		mu.Unlock()
		writeResult(w, http.StatusOK, Result{OK: true})
	})
	h.offline.SetOnline(false)

	// mark_read carries no payload; its replay must not grow one.
	res, err := h.offline.Do(context.Background(), "POST", "/api/chat/messages/conv-1/read", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, res.Meta["queued"])

	h.offline.SetOnline(true)
	require.Eventually(t, func() bool {
		return len(h.offline.ListPending()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, bodyLen, "queued action without a payload must replay without a body")
	assert.Empty(t, contentType)
}

func TestOfflineReadServedFromCache(t *testing.T) {
	var calls atomic.Int32
	h := newOfflineHarness(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeResult(w, http.StatusOK, Result{OK: true, Data: json.RawMessage(`{"value":42}`)})
	})

	// Online read populates the cache.
	res, err := h.offline.Do(context.Background(), "GET", "/api/data", nil, nil)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, int32(1), calls.Load())

	// Offline read answers from cache without touching the network.
	h.offline.SetOnline(false)
	res, err = h.offline.Do(context.Background(), "GET", "/api/data", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, res.Meta["cached"])
	assert.JSONEq(t, `{"value":42}`, string(res.Data))
	assert.Equal(t, int32(1), calls.Load())
}

func TestOfflineReadMissIsHardFailure(t *testing.T) {
	h := newOfflineHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	h.offline.SetOnline(false)

	_, err := h.offline.Do(context.Background(), "GET", "/api/never-fetched", nil, nil)
	assert.ErrorIs(t, err, ErrNoCachedData)
}

func TestOfflineRemove(t *testing.T) {
	h := newOfflineHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	h.offline.SetOnline(false)

	id := h.offline.Enqueue(QueuedAction{Method: "POST", Endpoint: "/api/chat/messages/conv-1"})
	require.Len(t, h.offline.ListPending(), 1)

	assert.True(t, h.offline.Remove(id))
	assert.Empty(t, h.offline.ListPending())
	assert.False(t, h.offline.Remove(id))
}

func TestOfflineLocalEcho(t *testing.T) {
	h := newOfflineHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	h.offline.SetOnline(false)

	var echo *Message
	h.offline.On(EvMessageLocal, func(event string, payload any) {
		echo = payload.(*Message)
	})

	_, err := h.offline.Do(context.Background(), "POST", "/api/chat/messages/conv-9",
		map[string]string{"content": "optimistic"}, nil)
	require.NoError(t, err)

	require.NotNil(t, echo)
	assert.Equal(t, "conv-9", echo.ConversationID)
	assert.Equal(t, "optimistic", echo.Content)
	assert.Equal(t, "pending", echo.Status)
}
