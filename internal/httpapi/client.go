// Package httpapi talks to the chat server's REST surface: conversation
// lists, paginated history and sends with a media attachment.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/netzeal/chatsync/internal/store"
	"github.com/netzeal/chatsync/internal/wire"
	"go.uber.org/zap"
	"resty.dev/v3"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNoToken      = errors.New("no token")
)

// StatusError is returned for any other non-2xx answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat api: status %d: %s", e.Code, e.Body)
}

// Tokens supplies the bearer token for each request.
type Tokens interface {
	Token(ctx context.Context) (string, error)
}

// Conversation is one row of GET /chat/conversations.
type Conversation struct {
	ID            int64  `json:"id"`
	Type          string `json:"type"`
	Title         string `json:"title,omitempty"`
	LastMessage   string `json:"last_message,omitempty"`
	LastMessageAt string `json:"last_message_at"`
	UnreadCount   int    `json:"unread_count"`
}

// ToStore converts the payload into a cached summary.
func (c Conversation) ToStore() store.Conversation {
	at, _ := wire.ParseTime(c.LastMessageAt)
	return store.Conversation{
		ID:            c.ID,
		Type:          strings.ToUpper(c.Type),
		Title:         c.Title,
		LastMessage:   c.LastMessage,
		LastMessageAt: at,
		UnreadCount:   c.UnreadCount,
	}
}

// Page is one page of history, newest first as the server returns it.
type Page struct {
	Items      []wire.MessagePayload `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
	HasMore    bool                  `json:"has_more"`
}

// Upload is a message sent over HTTP, optionally with a media file.
type Upload struct {
	ConversationID int64
	Content        string
	Type           store.MessageType
	ReplyToID      *int64
	MediaName      string
	Media          io.Reader
}

// Client wraps a resty client bound to the server's API prefix.
type Client struct {
	http   *resty.Client
	tokens Tokens
	logger *zap.Logger
}

// New creates a client for baseURL+prefix, e.g. http://host:8000/api/v1.
func New(baseURL, prefix string, timeout time.Duration, tokens Tokens, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")+"/"+strings.Trim(prefix, "/")).
		SetHeader("Accept", "application/json")
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return &Client{http: c, tokens: tokens, logger: logger.Named("httpapi")}
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	if token == "" {
		return nil, ErrNoToken
	}
	return c.http.R().SetContext(ctx).SetAuthToken(token), nil
}

func check(res *resty.Response, err error) error {
	if err != nil {
		return err
	}
	switch code := res.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, strings.TrimSpace(res.String()))
	case code >= 300:
		return &StatusError{Code: code, Body: strings.TrimSpace(res.String())}
	}
	return nil
}

// ListConversations fetches the user's conversations, most recent first.
func (c *Client) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var out []Conversation
	req.SetResult(&out)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	if err := check(req.Get("/chat/conversations")); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	c.logger.Debug("conversations fetched", zap.Int("count", len(out)))
	return out, nil
}

// Messages fetches one page of history. An empty cursor starts from the
// newest message.
func (c *Client) Messages(ctx context.Context, conversationID int64, cursor string, limit int) (*Page, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	page := &Page{}
	req.SetResult(page).
		SetPathParam("id", strconv.FormatInt(conversationID, 10))
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	if err := check(req.Get("/chat/conversations/{id}/messages")); err != nil {
		return nil, fmt.Errorf("messages of %d: %w", conversationID, err)
	}
	return page, nil
}

// Send posts a message as multipart form data and returns the stored copy.
func (c *Client) Send(ctx context.Context, u Upload) (*wire.MessagePayload, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	kind := u.Type
	if kind == "" {
		kind = store.TypeText
	}
	form := map[string]string{
		"content":      u.Content,
		"message_type": strings.ToLower(string(kind)),
	}
	if u.ReplyToID != nil {
		form["reply_to_id"] = strconv.FormatInt(*u.ReplyToID, 10)
	}

	var out wire.MessagePayload
	req.SetResult(&out).
		SetPathParam("id", strconv.FormatInt(u.ConversationID, 10)).
		SetMultipartFormData(form)
	if u.Media != nil {
		req.SetFileReader("media", u.MediaName, u.Media)
	}
	if err := check(req.Post("/chat/conversations/{id}/messages")); err != nil {
		return nil, fmt.Errorf("send to %d: %w", u.ConversationID, err)
	}
	return &out, nil
}
