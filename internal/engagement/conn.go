package engagement

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/rtmsproto"
)

const (
	writeTimeout = 5 * time.Second
	closeTimeout = time.Second
)

// sender is the outbound half of a channel's connection. The state machines
// depend only on this so they can be driven without a socket.
type sender interface {
	Send(msg any) error
}

// conn wraps one client websocket. Writes are serialized; reads happen on a
// single goroutine in readLoop.
type conn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

type dialConfig struct {
	HandshakeTimeout time.Duration
	MaxMessageBytes  int64
}

func dial(ctx context.Context, url string, cfg dialConfig) (*conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}

	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(cfg.MaxMessageBytes)
	}
	return &conn{ws: ws}, nil
}

func (c *conn) Send(msg any) error {
	b, err := rtmsproto.Encode(msg)
	if err != nil {
		return err
	}
	return c.writeText(b)
}

func (c *conn) writeText(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// readLoop delivers every text frame to handle until the connection fails.
// The returned error is nil when the peer closed normally.
func (c *conn) readLoop(handle func([]byte)) error {
	for {
		msgType, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handle(payload)
	}
}

// Close sends a best-effort close frame and tears the socket down.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeTimeout))
		c.writeMu.Unlock()
		if cerr := c.ws.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("close websocket: %w", cerr)
		}
	})
	return err
}
