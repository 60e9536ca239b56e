// Package relay maintains websocket connections to Nostr relays and multiplexes
// publishes and subscriptions across them.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"nostr-market/internal/types"
)

var ErrNotConnected = errors.New("relay not connected")

// Handler receives everything a Conn observes. Calls for one Conn are made
// from a single goroutine, in order.
type Handler interface {
	HandleState(url string, state types.RelayState)
	HandleMessage(url string, msg []json.RawMessage)
}

// ConnOptions tunes one relay connection
type ConnOptions struct {
	Backoff Backoff
	// StableAfter is how long a connection must stay up before the retry
	// counter resets. Shorter-lived connections keep escalating the delay.
	StableAfter  time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

// DefaultConnOptions returns sensible defaults
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		Backoff:      DefaultBackoff(),
		StableAfter:  30 * time.Second,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		PingInterval: 45 * time.Second,
	}
}

// Conn is one relay connection and its reconnect state machine:
// Disconnected -> Connecting -> Connected -> Backoff -> Connecting ...
// It returns to Disconnected only when Run's context is cancelled.
type Conn struct {
	url     string
	opts    ConnOptions
	handler Handler

	mu         sync.Mutex
	state      types.RelayState
	lastErr    string
	retryCount int
	ws         *websocket.Conn

	writeMu sync.Mutex
}

// NewConn creates a connection in the Disconnected state. Call Run to start it.
func NewConn(url string, handler Handler, opts ConnOptions) *Conn {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	opts.Backoff = opts.Backoff.normalized()
	return &Conn{
		url:     url,
		opts:    opts,
		handler: handler,
		state:   types.RelayDisconnected,
	}
}

// URL returns the relay URL
func (c *Conn) URL() string {
	return c.url
}

// Status returns a snapshot of the connection state
func (c *Conn) Status() types.RelayStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.RelayStatus{
		URL:        c.url,
		State:      c.state,
		StateName:  c.state.String(),
		LastError:  c.lastErr,
		RetryCount: c.retryCount,
	}
}

// Run drives the state machine until ctx is cancelled
func (c *Conn) Run(ctx context.Context) {
	defer c.setState(types.RelayDisconnected, nil)

	for ctx.Err() == nil {
		c.setState(types.RelayConnecting, nil)

		ws, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("relay dial failed", "relay", c.url, "error", err)
			if !c.backoff(ctx, err) {
				return
			}
			continue
		}

		connectedAt := time.Now()
		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		c.setState(types.RelayConnected, nil)
		slog.Info("relay connected", "relay", c.url)

		err = c.readLoop(ctx, ws)

		c.mu.Lock()
		c.ws = nil
		if time.Since(connectedAt) >= c.opts.StableAfter {
			c.retryCount = 0
		}
		c.mu.Unlock()
		ws.Close()

		if ctx.Err() != nil {
			return
		}
		slog.Warn("relay connection lost", "relay", c.url, "error", err)
		if !c.backoff(ctx, err) {
			return
		}
	}
}

// Send writes one message as JSON. It is best effort: success means the frame
// was written, not that the relay processed it.
func (c *Conn) Send(v interface{}) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.opts.WriteTimeout > 0 {
		ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		// Force the read loop out so the state machine moves to Backoff
		ws.Close()
		return err
	}
	return nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx := ctx
	if c.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.opts.DialTimeout)
		defer cancel()
	}
	ws, _, err := c.opts.Dialer.DialContext(dialCtx, c.url, nil)
	return ws, err
}

// backoff records err, moves to Backoff and sleeps. Returns false if ctx ended.
func (c *Conn) backoff(ctx context.Context, err error) bool {
	c.mu.Lock()
	delay := c.opts.Backoff.Next(c.retryCount)
	c.retryCount++
	c.mu.Unlock()
	c.setState(types.RelayBackoff, err)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Conn) setState(state types.RelayState, err error) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	if err != nil {
		c.lastErr = err.Error()
	}
	c.mu.Unlock()
	if changed && c.handler != nil {
		c.handler.HandleState(c.url, state)
	}
}

// readLoop continuously reads from the connection and hands messages upward
func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	if c.opts.PingInterval > 0 {
		readTimeout := 2 * c.opts.PingInterval
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(readTimeout))
		})
		pingDone := make(chan struct{})
		defer close(pingDone)
		go c.pingLoop(ws, pingDone)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if c.opts.PingInterval > 0 {
			ws.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
		}

		var msg []json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
			slog.Debug("relay sent malformed message", "relay", c.url)
			continue
		}
		c.handler.HandleMessage(c.url, msg)
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
