package cortex

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Session
// ============================================================================

// Token is an access/refresh token pair with its expiry.
type Token struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Valid reports whether the access token is still usable at the given
// instant, keeping a safety margin before the actual expiry.
func (t Token) Valid(now time.Time, margin time.Duration) bool {
	return t.AccessToken != "" && t.ExpiresAt.After(now.Add(margin))
}

// LoginData is the response of /api/auth/login and /api/auth/refresh.
type LoginData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int    `json:"expiresIn"` // seconds
	UserID       string `json:"userId,omitempty"`
}

// ============================================================================
// Generic API result
// ============================================================================

// Result is the generic Cortex API response wrapper.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Chat API types
// ============================================================================

// Message is a chat message as returned by the API.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId,omitempty"`
	Content        string          `json:"content"`
	Type           string          `json:"type"`
	SenderID       string          `json:"senderId"`
	ParentID       *string         `json:"parentId,omitempty"`
	Status         string          `json:"status,omitempty"`
	CreatedAt      string          `json:"createdAt"`
	UpdatedAt      string          `json:"updatedAt,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// MessageData wraps a sent message with its conversation.
type MessageData struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// Conversation is a chat conversation summary.
type Conversation struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Title       string   `json:"title,omitempty"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount,omitempty"`
	CreatedAt   string   `json:"createdAt"`
	UpdatedAt   string   `json:"updatedAt,omitempty"`
}

// SendOptions configures an outgoing message.
type SendOptions struct {
	Type     string         `json:"type,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	ParentID string         `json:"parentId,omitempty"`
}

// PageOptions configures paginated history reads.
type PageOptions struct {
	Limit  int
	Before string
}

// SearchResult is one knowledge-base search hit.
type SearchResult struct {
	DocumentID string  `json:"documentId"`
	Title      string  `json:"title,omitempty"`
	Snippet    string  `json:"snippet,omitempty"`
	Score      float64 `json:"score"`
}

// ============================================================================
// Realtime wire format
// ============================================================================

// Envelope is the wire format for every realtime frame, server and client
// side alike.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"` // ISO 8601
}

// Decode unmarshals the frame payload into one of the typed event
// payloads.
func (e Envelope) Decode(v interface{}) error {
	if e.Data == nil {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Server event types. Subscribers match on these tags; EventWildcard
// receives every frame.
const (
	EventConnected      = "connected"
	EventMessageNew     = "message.new"
	EventStreamStart    = "stream_start"
	EventStreamContent  = "stream_content"
	EventStreamComplete = "stream_complete"
	EventTyping         = "typing"
	EventPresence       = "presence"
	EventPong           = "pong"
	EventError          = "error"
	EventWildcard       = "*"
)

// ConnectedPayload is the first frame after a successful dial.
type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
}

// MessageNewPayload is pushed when a message arrives in a conversation.
type MessageNewPayload struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Content        string          `json:"content"`
	Type           string          `json:"type"`
	SenderID       string          `json:"senderId"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      string          `json:"createdAt"`
}

// StreamStartPayload opens an assistant response stream.
type StreamStartPayload struct {
	StreamID       string `json:"streamId"`
	ConversationID string `json:"conversationId"`
}

// StreamContentPayload is one incremental chunk of a response stream.
type StreamContentPayload struct {
	StreamID string `json:"streamId"`
	Delta    string `json:"delta"`
	Index    int    `json:"index"`
}

// StreamCompletePayload closes a response stream.
type StreamCompletePayload struct {
	StreamID     string `json:"streamId"`
	MessageID    string `json:"messageId,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
}

// TypingPayload signals a typing indicator change.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// PresencePayload signals a presence status change.
type PresencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// PongPayload answers a client ping.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ErrorPayload is a server-side error pushed over the channel.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
