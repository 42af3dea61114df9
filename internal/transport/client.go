package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/rtchat/internal/clock"
	"github.com/mbeoliero/rtchat/internal/config"
	"github.com/mbeoliero/rtchat/internal/metrics"
	"github.com/mbeoliero/rtchat/pkg/errcode"
)

// Handler receives inbound frames of one type
type Handler func(f *Frame)

type subscription struct {
	id      uint64
	handler Handler
}

// Client owns one push channel connection per session. It reconnects with
// capped exponential backoff, keeps the connection alive, queues frames while
// disconnected and fans inbound frames out to subscribers.
type Client struct {
	mu     sync.Mutex
	url    string
	dialer Dialer
	clock  clock.Clock
	cfg    config.WebSocketConfig

	status     Status
	conn       Conn
	gen        uint64 // bumped for every dial and disconnect; stale callbacks compare against it
	token      string
	manual     bool
	attempts   int
	offline    bool
	everOpened bool
	heartbeat  time.Duration
	queue      []*Frame

	reconnectTimer clock.Timer
	heartbeatTimer clock.Timer

	nextSubID   uint64
	handlers    map[string][]subscription
	statusHooks []func(Status)
	openHooks   []func(reconnect bool)
	authHooks   []func(error)
	offHooks    []func(error)
}

// Option configures the client
type Option func(*Client)

// WithDialer sets a custom dialer
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithClock sets the clock driving reconnect and heartbeat timers
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// NewClient creates a client for the push channel at url
func NewClient(url string, cfg config.WebSocketConfig, opts ...Option) *Client {
	c := &Client{
		url:       url,
		cfg:       cfg,
		status:    StatusClosed,
		heartbeat: cfg.HeartbeatInterval,
		handlers:  make(map[string][]subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = NewWebSocketDialer(cfg)
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	return c
}

// Backoff returns the reconnect delay before the given 1-based attempt
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Connect opens the connection with token. It is a no-op while a connection
// is open or being established. A failed dial schedules a reconnect.
func (c *Client) Connect(ctx context.Context, token string) error {
	return c.connect(ctx, token, true)
}

func (c *Client) connect(ctx context.Context, token string, fresh bool) error {
	c.mu.Lock()
	if status := c.status; status != StatusClosed {
		c.mu.Unlock()
		log.CtxDebug(ctx, "connect skipped: status=%s", status)
		return nil
	}
	if fresh {
		c.attempts = 0
		c.offline = false
	}
	c.token = token
	c.manual = false
	c.stopTimerLocked(&c.reconnectTimer)
	c.gen++
	gen := c.gen
	c.status = StatusConnecting
	c.mu.Unlock()

	c.emitStatus(StatusConnecting)
	log.CtxInfo(ctx, "connecting push channel: url=%s, attempt=%d", c.url, c.attemptsSnapshot())

	conn, err := c.dialer.Dial(ctx, c.url, token)

	c.mu.Lock()
	if gen != c.gen {
		// disconnected or reconnected while dialing
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrConnClosed
	}

	if err != nil {
		c.status = StatusClosed
		if errors.Is(err, ErrUnauthorized) {
			c.token = ""
			c.mu.Unlock()
			log.CtxWarn(ctx, "push channel rejected credential: error=%v", err)
			c.emitStatus(StatusClosed)
			c.emitAuthFailure(err)
			return err
		}
		offline := !c.scheduleReconnectLocked()
		c.mu.Unlock()
		log.CtxWarn(ctx, "connect push channel failed: error=%v", err)
		c.emitStatus(StatusClosed)
		if offline {
			c.emitOffline()
		}
		return err
	}

	c.conn = conn
	c.status = StatusOpen
	c.attempts = 0
	c.offline = false
	reconnect := c.everOpened
	c.everOpened = true
	c.startHeartbeatLocked(gen)
	flushed := c.flushLocked()
	c.mu.Unlock()

	metrics.ConnectionOpen.Set(1)
	log.CtxInfo(ctx, "push channel open: reconnect=%v, flushed=%d", reconnect, flushed)

	go c.readLoop(gen, conn)

	c.emitStatus(StatusOpen)
	c.emitOpen(reconnect)
	return nil
}

// Disconnect closes the connection, cancels any pending reconnect and clears
// the queue and credential. The client stays closed until Connect is called.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.gen++
	c.stopTimerLocked(&c.reconnectTimer)
	c.stopTimerLocked(&c.heartbeatTimer)
	conn := c.conn
	c.conn = nil
	c.queue = nil
	c.token = ""
	c.attempts = 0
	c.offline = false
	c.everOpened = false
	c.heartbeat = c.cfg.HeartbeatInterval
	prev := c.status
	c.status = StatusClosed
	c.mu.Unlock()

	metrics.QueuedFrames.Set(0)
	metrics.ConnectionOpen.Set(0)
	log.Info("push channel manual disconnect")

	if conn != nil {
		conn.Close()
	}
	if prev != StatusClosed {
		c.emitStatus(StatusClosed)
	}
}

// Send writes f when the connection is open, otherwise queues it for the next open
func (c *Client) Send(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusOpen && c.conn != nil {
		err := c.writeLocked(f)
		if err == nil {
			return
		}
		log.Warn("write frame failed, queueing: type=%s, error=%v", f.Type, err)
	} else {
		log.Debug("not connected, queueing frame: type=%s", f.Type)
	}
	c.queue = append(c.queue, f)
	metrics.QueuedFrames.Set(float64(len(c.queue)))
}

// Subscribe registers h for frames of type typ and returns its removal func
func (c *Client) Subscribe(typ string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSubID++
	id := c.nextSubID
	c.handlers[typ] = append(c.handlers[typ], subscription{id: id, handler: h})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.handlers[typ]
		for i, s := range subs {
			if s.id == id {
				c.handlers[typ] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// OnStatus registers a status change hook
func (c *Client) OnStatus(f func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusHooks = append(c.statusHooks, f)
}

// OnOpen registers a hook run after every successful open, after the queue flush
func (c *Client) OnOpen(f func(reconnect bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openHooks = append(c.openHooks, f)
}

// OnAuthFailure registers a hook run when the server rejects the credential
func (c *Client) OnAuthFailure(f func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authHooks = append(c.authHooks, f)
}

// OnOffline registers a hook run once the reconnect attempts are exhausted.
// The error matches errcode.ErrOffline. Only a new Connect leaves this state.
func (c *Client) OnOffline(f func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offHooks = append(c.offHooks, f)
}

// Status returns the current connection status
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Offline reports whether reconnecting gave up after the attempt cap
func (c *Client) Offline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offline
}

// QueueLen returns the number of frames waiting for the next open
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// HeartbeatInterval returns the keep-alive interval in effect
func (c *Client) HeartbeatInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat
}

// readLoop continuously reads frames from conn until it fails
func (c *Client) readLoop(gen uint64, conn Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.CtxError(context.Background(), "push channel read loop panic: error=%v", r)
			c.handleClose(gen, ErrPanic)
		}
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.dispatch(gen, data)
	}
}

// dispatch decodes one inbound frame and runs its subscribers
func (c *Client) dispatch(gen uint64, data []byte) {
	f, err := Decode(data)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		log.Warn("drop malformed frame: error=%v", err)
		return
	}
	metrics.FramesIn.WithLabelValues(f.Type).Inc()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	switch f.Type {
	case TypePing:
		c.sendPongLocked()
		c.mu.Unlock()
		return
	case TypeServerHello:
		var hello ServerHelloData
		if err := f.Decode(&hello); err == nil && hello.HeartbeatIntervalMs > 0 {
			c.heartbeat = time.Duration(hello.HeartbeatIntervalMs) * time.Millisecond
			c.startHeartbeatLocked(gen)
			log.Debug("heartbeat interval set by server: interval=%s", c.heartbeat)
		}
	}
	subs := append([]subscription(nil), c.handlers[f.Type]...)
	c.mu.Unlock()

	if len(subs) == 0 {
		if _, known := inboundTypes[f.Type]; !known {
			metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
			log.Warn("drop unknown frame type: type=%s", f.Type)
		}
		return
	}

	for _, s := range subs {
		c.runHandler(f, s.handler)
	}
}

func (c *Client) runHandler(f *Frame, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.CtxError(context.Background(), "frame handler panic: type=%s, error=%v", f.Type, r)
		}
	}()
	h(f)
}

// handleClose reacts to a read failure on the connection of generation gen
func (c *Client) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.status = StatusClosed
	c.stopTimerLocked(&c.heartbeatTimer)

	auth := errors.Is(cause, ErrUnauthorized)
	offline := false
	if auth {
		c.token = ""
	} else if !c.manual && c.token != "" {
		offline = !c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	conn.Close()
	metrics.ConnectionOpen.Set(0)
	log.Info("push channel closed: error=%v", cause)

	c.emitStatus(StatusClosed)
	if auth {
		c.emitAuthFailure(cause)
	}
	if offline {
		c.emitOffline()
	}
}

// scheduleReconnectLocked schedules the next attempt. It returns false when
// the attempt cap is exhausted and the client went offline.
func (c *Client) scheduleReconnectLocked() bool {
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.offline = true
		metrics.OfflineEvents.Inc()
		log.Warn("push channel offline: %v, attempts=%d", ErrMaxReconnect, c.attempts)
		return false
	}

	c.attempts++
	delay := Backoff(c.attempts, c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay)
	gen := c.gen
	metrics.ReconnectAttempts.Inc()
	log.Info("reconnect scheduled: attempt=%d, delay=%s", c.attempts, delay)

	c.reconnectTimer = c.clock.AfterFunc(delay, func() {
		c.reconnect(gen)
	})
	return true
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.manual || c.token == "" || c.status != StatusClosed {
		c.mu.Unlock()
		return
	}
	token := c.token
	c.reconnectTimer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout())
	defer cancel()
	_ = c.connect(ctx, token, false)
}

func (c *Client) dialTimeout() time.Duration {
	if c.cfg.DialTimeout > 0 {
		return c.cfg.DialTimeout
	}
	return 10 * time.Second
}

// startHeartbeatLocked (re)starts the proactive keep-alive for generation gen
func (c *Client) startHeartbeatLocked(gen uint64) {
	c.stopTimerLocked(&c.heartbeatTimer)
	if c.heartbeat <= 0 {
		return
	}
	c.heartbeatTimer = c.clock.AfterFunc(c.heartbeat, func() {
		c.beat(gen)
	})
}

func (c *Client) beat(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.status != StatusOpen {
		return
	}
	c.sendPongLocked()
	c.startHeartbeatLocked(gen)
}

func (c *Client) sendPongLocked() {
	if c.conn == nil {
		return
	}
	if err := c.writeLocked(&Frame{Type: TypePong}); err != nil {
		log.Debug("keep-alive write failed: error=%v", err)
	}
}

// flushLocked writes queued frames in order. Frames that fail stay queued.
func (c *Client) flushLocked() int {
	if len(c.queue) == 0 {
		return 0
	}
	queue := c.queue
	c.queue = nil
	for i, f := range queue {
		if err := c.writeLocked(f); err != nil {
			log.Warn("flush queue interrupted: flushed=%d, error=%v", i, err)
			c.queue = append(queue[i:len(queue):len(queue)], c.queue...)
			metrics.QueuedFrames.Set(float64(len(c.queue)))
			return i
		}
	}
	metrics.QueuedFrames.Set(0)
	return len(queue)
}

func (c *Client) writeLocked(f *Frame) error {
	data, err := Encode(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := c.conn.WriteMessage(data); err != nil {
		return err
	}
	metrics.FramesOut.WithLabelValues(f.Type).Inc()
	return nil
}

func (c *Client) stopTimerLocked(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Client) attemptsSnapshot() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) emitStatus(s Status) {
	c.mu.Lock()
	hooks := append([]func(Status){}, c.statusHooks...)
	c.mu.Unlock()
	for _, h := range hooks {
		h(s)
	}
}

func (c *Client) emitOpen(reconnect bool) {
	c.mu.Lock()
	hooks := append([]func(bool){}, c.openHooks...)
	c.mu.Unlock()
	for _, h := range hooks {
		h(reconnect)
	}
}

func (c *Client) emitAuthFailure(err error) {
	c.mu.Lock()
	hooks := append([]func(error){}, c.authHooks...)
	c.mu.Unlock()
	for _, h := range hooks {
		h(err)
	}
}

func (c *Client) emitOffline() {
	c.mu.Lock()
	hooks := append([]func(error){}, c.offHooks...)
	c.mu.Unlock()
	err := errcode.ErrOffline.Wrap(ErrMaxReconnect)
	for _, h := range hooks {
		h(err)
	}
}
