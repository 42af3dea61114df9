package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbeoliero/kit/log"
	"golang.org/x/time/rate"

	"github.com/mbeoliero/rtchat/internal/config"
)

// Conn represents a duplex push channel connection
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens push channel connections carrying the session credential
type Dialer interface {
	Dial(ctx context.Context, rawURL, token string) (Conn, error)
}

// websocketConn implements Conn using gorilla/websocket
type websocketConn struct {
	conn      *websocket.Conn
	writeChan chan []byte
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	limiter   *rate.Limiter
	writeWait time.Duration
}

// NewWebSocketConn wraps conn and starts its write loop
func NewWebSocketConn(conn *websocket.Conn, cfg config.WebSocketConfig) Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &websocketConn{
		conn:      conn,
		writeChan: make(chan []byte, cfg.WriteChannelSize),
		ctx:       ctx,
		cancel:    cancel,
		writeWait: cfg.WriteWait,
	}
	if cfg.SendRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst)
	}

	conn.SetReadLimit(cfg.MaxMessageSize)

	go c.writeLoop()

	return c
}

// writeLoop handles all writes to the connection (single writer pattern)
func (c *websocketConn) writeLoop() {
	defer c.conn.Close()

	for {
		select {
		case message, ok := <-c.writeChan:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
				return
			}

			if c.limiter != nil {
				if err := c.limiter.Wait(c.ctx); err != nil {
					c.markClosed()
					return
				}
			}

			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write message error: %v", err)
				c.markClosed()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// markClosed makes later writes fail so the client queues them instead
func (c *websocketConn) markClosed() {
	c.writeMu.Lock()
	c.closed = true
	c.writeMu.Unlock()
}

// ReadMessage reads a message from the connection. A policy-violation close
// is how the server rejects a credential after the upgrade.
func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, err
	}
	return message, nil
}

// WriteMessage queues a message to be written
func (c *websocketConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	select {
	case c.writeChan <- data:
		return nil
	default:
		return ErrWriteChannelFull
	}
}

// Close closes the connection; queued frames are still written before the close message
func (c *websocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		close(c.writeChan)
		c.writeMu.Unlock()

		// unblock a read loop waiting on a dead peer
		time.AfterFunc(c.writeWait, func() {
			c.cancel()
			c.conn.Close()
		})
	})
	return nil
}

// WebSocketDialer dials the push channel with gorilla/websocket
type WebSocketDialer struct {
	cfg    config.WebSocketConfig
	dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer using cfg timeouts and limits
func NewWebSocketDialer(cfg config.WebSocketConfig) *WebSocketDialer {
	return &WebSocketDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

// Dial connects to rawURL with the token as a query parameter
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set(QueryToken, token)
	u.RawQuery = q.Encode()

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	return NewWebSocketConn(conn, d.cfg), nil
}
