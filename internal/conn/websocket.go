package conn

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Transport is one established chat connection.
type Transport interface {
	// ReadMessage blocks until the next text frame arrives.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Transport, error)
}

// WebsocketDialer dials the chat server with gorilla/websocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer returns a dialer whose handshake is bounded by
// handshakeTimeout.
func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string) (Transport, error) {
	c, resp, err := d.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	c.SetReadLimit(maxMessageSize)
	return &wsTransport{conn: c}, nil
}

type wsTransport struct {
	conn *websocket.Conn

	// gorilla allows one concurrent writer.
	writeMu sync.Mutex
	once    sync.Once
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// ChatURL builds the websocket URL for baseURL and chatPath with the token
// as a query credential. http maps to ws and https to wss.
func ChatURL(baseURL, chatPath, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", baseURL)
	}
	u.Path = path.Join("/", u.Path, chatPath)
	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}
