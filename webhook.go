package cortex

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookSignatureHeader carries the hex HMAC-SHA256 of the request body.
const WebhookSignatureHeader = "X-Cortex-Signature"

// ============================================================================
// Delivery format
// ============================================================================

// WebhookPayload is one event delivered to a registered webhook endpoint.
// It is the server-push counterpart of a realtime frame; Envelope converts
// it so both transports feed the same subscribers.
type WebhookPayload struct {
	Source       string              `json:"source"`
	Event        string              `json:"event"`
	Timestamp    int64               `json:"timestamp"`
	Message      WebhookMessage      `json:"message"`
	Sender       WebhookSender       `json:"sender"`
	Conversation WebhookConversation `json:"conversation"`
}

// WebhookMessage is the message carried in a delivery.
type WebhookMessage struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Content        string         `json:"content"`
	SenderID       string         `json:"senderId"`
	ConversationID string         `json:"conversationId"`
	ParentID       *string        `json:"parentId"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      string         `json:"createdAt"`
}

// WebhookSender identifies who triggered the event.
type WebhookSender struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"` // "human" or "assistant"
}

// WebhookConversation identifies the conversation the event belongs to.
type WebhookConversation struct {
	ID    string  `json:"id"`
	Type  string  `json:"type"`
	Title *string `json:"title"`
}

// Envelope renders the delivery in the realtime wire format. The event tag
// and message body line up with the socket's frames, so a handler written
// against MessageNewPayload serves both transports.
func (p *WebhookPayload) Envelope() Envelope {
	var metadata json.RawMessage
	if len(p.Message.Metadata) > 0 {
		metadata, _ = json.Marshal(p.Message.Metadata)
	}
	data, _ := json.Marshal(MessageNewPayload{
		ID:             p.Message.ID,
		ConversationID: p.Message.ConversationID,
		Content:        p.Message.Content,
		Type:           p.Message.Type,
		SenderID:       p.Message.SenderID,
		Metadata:       metadata,
		CreatedAt:      p.Message.CreatedAt,
	})
	return Envelope{
		Type:      p.Event,
		Data:      data,
		Timestamp: time.Unix(p.Timestamp, 0).UTC().Format(time.RFC3339Nano),
	}
}

// WebhookReply is an optional synchronous reply returned by a handler.
type WebhookReply struct {
	Content string `json:"content"`
	Type    string `json:"type,omitempty"` // "text", "markdown", or "code"
}

// WebhookHandlerFunc handles one verified delivery.
type WebhookHandlerFunc func(payload *WebhookPayload) (*WebhookReply, error)

// ============================================================================
// Verification and parsing
// ============================================================================

// VerifyWebhookSignature checks an HMAC-SHA256 signature over the raw body.
// The "sha256=" prefix is optional. Comparison is constant-time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(expected))
}

// ParseWebhookPayload decodes and validates a raw delivery body.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.Source != "cortex" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if payload.Message.ID == "" || payload.Sender.ID == "" || payload.Conversation.ID == "" {
		return nil, fmt.Errorf("missing required fields in webhook payload (message, sender, conversation)")
	}
	return &payload, nil
}

// ============================================================================
// Webhook receiver
// ============================================================================

// Webhook verifies, parses, and dispatches deliveries. Each verified
// delivery is published to the forwarding sink, if one is set, before the
// message handler runs, so channel subscribers see webhook events whether
// or not the handler succeeds.
type Webhook struct {
	secret    string
	onMessage WebhookHandlerFunc
	publish   func(Envelope)
}

// NewWebhook creates a receiver. onMessage may be nil when deliveries are
// consumed only through a forwarding sink.
func NewWebhook(secret string, onMessage WebhookHandlerFunc) (*Webhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &Webhook{
		secret:    secret,
		onMessage: onMessage,
	}, nil
}

// ForwardTo routes every verified delivery, converted to an Envelope, into
// the given sink. Wire it to Channel.Publish to serve socket subscribers
// and webhook deliveries with the same handlers.
func (w *Webhook) ForwardTo(publish func(Envelope)) {
	w.publish = publish
}

// Verify checks the signature against the receiver's secret.
func (w *Webhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse decodes a raw body into a typed WebhookPayload.
func (w *Webhook) Parse(body string) (*WebhookPayload, error) {
	return ParseWebhookPayload(body)
}

// Handle processes one request: verify, parse, fan out, call the handler.
// It returns the status code and response body for the caller to write.
func (w *Webhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if w.publish != nil {
		w.publish(payload.Envelope())
	}

	if w.onMessage != nil {
		reply, err := w.onMessage(payload)
		if err != nil {
			return http.StatusInternalServerError, map[string]string{"error": err.Error()}
		}
		if reply != nil {
			return http.StatusOK, reply
		}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler for the webhook endpoint.
//
// Example:
//
//	wh, _ := cortex.NewWebhook("secret", nil)
//	wh.ForwardTo(channel.Publish)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *Webhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeWebhookResponse(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeWebhookResponse(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		status, data := w.Handle(string(body), r.Header.Get(WebhookSignatureHeader))
		writeWebhookResponse(rw, status, data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *Webhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}

func writeWebhookResponse(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
