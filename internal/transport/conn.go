package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultHandshakeTimeout bounds a single websocket dial
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds a single control-plane request
	DefaultRequestTimeout = 30 * time.Second
	// DefaultPingInterval is how often keep-alive pings are written
	DefaultPingInterval = 30 * time.Second

	controlWriteWait = 5 * time.Second
)

// Frame is one inbound message from the streaming channel
type Frame struct {
	Binary bool
	Data   []byte
}

// CloseEvent describes the end of a streaming connection
type CloseEvent struct {
	Err       error
	Requested bool // true when Disconnect caused the close
}

// Options configures a Conn
type Options struct {
	StreamURL        string
	Token            string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	PingInterval     time.Duration // 0 disables keep-alive pings
}

// Conn owns at most one live websocket to the server plus the HTTP client
// used for control-plane calls against the same endpoint
type Conn struct {
	opts       Options
	dialer     *websocket.Dialer
	httpClient *http.Client
	logger     *slog.Logger
	group      singleflight.Group

	mu sync.Mutex
	ws *websocket.Conn

	hmu       sync.RWMutex
	onMessage func(Frame)
	onClose   func(CloseEvent)
	onError   func(error)
}

// New creates a disconnected Conn
func New(opts Options, logger *slog.Logger) *Conn {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Conn{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// OnMessage registers the frame handler. Frames are delivered one at a time
// in arrival order.
func (c *Conn) OnMessage(fn func(Frame)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onMessage = fn
}

// OnClose registers the close handler
func (c *Conn) OnClose(fn func(CloseEvent)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onClose = fn
}

// OnError registers the handler for unexpected stream errors
func (c *Conn) OnError(fn func(error)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onError = fn
}

// IsConnected reports whether a socket is open
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Connect opens the streaming connection. It is a no-op when already
// connected, and concurrent callers share a single dial.
func (c *Conn) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	_, err, _ := c.group.Do("connect", func() (interface{}, error) {
		return nil, c.dial(ctx)
	})
	return err
}

func (c *Conn) dial(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	start := time.Now()
	ws, resp, err := c.dialer.DialContext(dialCtx, c.opts.StreamURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		connErr := &ConnectError{URL: RedactURL(c.opts.StreamURL), Err: err}
		if resp != nil {
			connErr.StatusCode = resp.StatusCode
		}
		return connErr
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	c.logger.Debug("Stream connected",
		"url", RedactURL(c.opts.StreamURL),
		"handshake_ms", time.Since(start).Milliseconds())

	done := make(chan struct{})
	go c.readLoop(ws, done)
	if c.opts.PingInterval > 0 {
		go c.pingLoop(ws, done)
	}
	return nil
}

// Disconnect closes the streaming connection. Calling it when already
// disconnected is a no-op. The socket is detached before it is closed, so
// IsConnected reports false and Connect dials afresh as soon as Disconnect
// returns. No frame is delivered after Disconnect returns.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return nil
	}
	c.ws = nil
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait))
	return ws.Close()
}

// Do sends a control-plane request with the endpoint's auth applied.
// Any HTTP response, including error statuses, is returned to the caller.
// Requests whose context has no deadline are bounded by the request timeout,
// which also covers reading the body.
func (c *Conn) Do(req *http.Request) (*http.Response, error) {
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	cancel := context.CancelFunc(func() {})
	if _, ok := req.Context().Deadline(); !ok {
		var ctx context.Context
		ctx, cancel = context.WithTimeout(req.Context(), c.opts.RequestTimeout)
		req = req.WithContext(ctx)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &TransportError{
			Method: req.Method,
			URL:    RedactURL(req.URL.String()),
			Err:    err,
		}
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the request timeout once the body is closed
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (c *Conn) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			c.handleClosed(ws, err)
			return
		}
		if !c.live(ws) {
			continue
		}

		c.hmu.RLock()
		handler := c.onMessage
		c.hmu.RUnlock()
		if handler != nil {
			handler(Frame{Binary: messageType == websocket.BinaryMessage, Data: data})
		}
	}
}

// live reports whether ws is still the current socket
func (c *Conn) live(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws == ws
}

// handleClosed runs once per socket when its read loop ends. A socket that
// is no longer current was detached by Disconnect.
func (c *Conn) handleClosed(ws *websocket.Conn, err error) {
	c.mu.Lock()
	requested := c.ws != ws
	if !requested {
		c.ws = nil
	}
	c.mu.Unlock()

	_ = ws.Close()

	c.hmu.RLock()
	onClose, onError := c.onClose, c.onError
	c.hmu.RUnlock()

	if !requested {
		c.logger.Warn("Stream closed unexpectedly", "error", err)
		if onError != nil && !isNormalClose(err) {
			onError(err)
		}
	} else {
		c.logger.Debug("Stream closed")
	}

	if onClose != nil {
		onClose(CloseEvent{Err: err, Requested: requested})
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait)); err != nil {
				c.logger.Warn("Keep-alive ping failed, closing stream", "error", err)
				_ = ws.Close()
				return
			}
		}
	}
}

func isNormalClose(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	return false
}
