package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const defaultHandshakeTimeout = 10 * time.Second

var errMissingURL = errors.New("channel: server url is required")

// Conn is one established transport session carrying JSON frames.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens transport sessions.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer dials the notification endpoint over WebSocket.
type WebsocketDialer struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
}

// Dial opens a WebSocket session, sending the token as a bearer credential.
func (d WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	target := strings.TrimSpace(d.URL)
	if target == "" {
		return nil, errMissingURL
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	header := http.Header{}
	if token := strings.TrimSpace(d.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, response, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("channel: dial %s: %w (status %d)", target, err, response.StatusCode)
		}
		return nil, fmt.Errorf("channel: dial %s: %w", target, err)
	}
	return conn, nil
}
