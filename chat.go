package cortex

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
)

// Chat is the conversation and knowledge-base API surface. Every call
// goes through the offline layer, so reads are cached and mutations made
// while disconnected are queued transparently.
type Chat struct {
	offline *Offline
}

// NewChat creates the chat API over an offline manager.
func NewChat(offline *Offline) *Chat {
	return &Chat{offline: offline}
}

// ListConversations returns the user's conversations.
func (c *Chat) ListConversations(ctx context.Context) ([]Conversation, error) {
	res, err := c.offline.Do(ctx, http.MethodGet, "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return out.Conversations, nil
}

// GetConversation fetches a single conversation by ID.
func (c *Chat) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	res, err := c.offline.Do(ctx, http.MethodGet, "/api/chat/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := res.Decode(&conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &conv, nil
}

// SendMessage posts a message to a conversation. opts may be nil. While
// offline the message is queued for replay; the returned Message is then
// a local pending echo.
func (c *Chat) SendMessage(ctx context.Context, conversationID, content string, opts *SendOptions) (*Message, error) {
	body := map[string]any{"content": content, "type": "text"}
	if opts != nil {
		if opts.Type != "" {
			body["type"] = opts.Type
		}
		if opts.Metadata != nil {
			body["metadata"] = opts.Metadata
		}
		if opts.ParentID != "" {
			body["parentId"] = opts.ParentID
		}
	}

	res, err := c.offline.Do(ctx, http.MethodPost, "/api/chat/messages/"+conversationID, body, nil)
	if err != nil {
		return nil, err
	}

	if queued, _ := res.Meta["queued"].(bool); queued {
		var ref struct {
			QueuedActionID string `json:"queuedActionId"`
		}
		if err := res.Decode(&ref); err != nil {
			return nil, err
		}
		return &Message{
			ID:             "local-" + ref.QueuedActionID,
			ConversationID: conversationID,
			Content:        content,
			Status:         "pending",
		}, nil
	}

	var data MessageData
	if err := res.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &data.Message, nil
}

// History returns messages in a conversation, newest last. page may be nil.
func (c *Chat) History(ctx context.Context, conversationID string, page *PageOptions) ([]Message, error) {
	query := map[string]string{}
	if page != nil {
		if page.Limit > 0 {
			query["limit"] = strconv.Itoa(page.Limit)
		}
		if page.Before != "" {
			query["before"] = page.Before
		}
	}

	res, err := c.offline.Do(ctx, http.MethodGet, "/api/chat/messages/"+conversationID, nil, query)
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return out.Messages, nil
}

// MarkRead marks a conversation as read up to its latest message.
func (c *Chat) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.offline.Do(ctx, http.MethodPost, "/api/chat/conversations/"+conversationID+"/read", nil, nil)
	return err
}

// Search queries the knowledge base. Results are cached like any other
// read, so a repeated query answers offline.
func (c *Chat) Search(ctx context.Context, q string, limit int) ([]SearchResult, error) {
	query := map[string]string{"q": q}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}

	res, err := c.offline.Do(ctx, http.MethodGet, "/api/kb/search", nil, query)
	if err != nil {
		return nil, err
	}
	var out struct {
		Results []SearchResult `json:"results"`
	}
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	return out.Results, nil
}
