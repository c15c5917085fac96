package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer opens gorilla websocket channels against the analysis backend's
// subject-scoped push endpoint.
type WSDialer struct {
	baseURL string
	dialer  websocket.Dialer
}

// NewWSDialer derives the websocket base URL from the configured API origin:
// http becomes ws, https becomes wss.
func NewWSDialer(apiBaseURL string, handshakeTimeout time.Duration) (*WSDialer, error) {
	base, err := normalizeWSBaseURL(apiBaseURL)
	if err != nil {
		return nil, err
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 4 * time.Second
	}
	return &WSDialer{
		baseURL: base,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}, nil
}

func normalizeWSBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("api base url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse api base url: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported api url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func (d *WSDialer) Dial(ctx context.Context, novelID string) (Conn, error) {
	endpoint := fmt.Sprintf("%s/ws/analysis/%s", d.baseURL, url.PathEscape(novelID))
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("analysis channel dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("analysis channel dial failed: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
