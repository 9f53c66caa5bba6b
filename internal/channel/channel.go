// Package channel keeps one persistent websocket connection per open document
// and reconnects it with a capped linear backoff.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"collabsync/internal/protocol"
)

type State int

const (
	Closed State = iota
	Connecting
	Open
	Reconnecting
	// Disconnected is terminal until the caller opens the channel again.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultReconnectBase = 2 * time.Second
	DefaultMaxAttempts   = 5
	defaultWriteTimeout  = 10 * time.Second
)

var (
	ErrConnectionLost     = errors.New("connection lost")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Handler receives inbound frames and state transitions. Calls come from the
// channel's own goroutine, one at a time, except the final Closed transition
// which is reported on the goroutine calling Close.
type Handler interface {
	HandleMessage(protocol.Message)
	HandleState(State, error)
}

type Config struct {
	// ServiceURL is the http(s) base address of the collaboration service.
	ServiceURL    string
	DocumentID    string
	Token         string
	Editor        protocol.Editor
	ReconnectBase time.Duration
	MaxAttempts   int
	WriteTimeout  time.Duration
	Dialer        *websocket.Dialer
}

type Channel struct {
	cfg     Config
	handler Handler
	dialer  *websocket.Dialer

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	policy *reconnectPolicy
	cancel context.CancelFunc
	done   chan struct{}
	// dispatching counts handler callbacks in flight on the run goroutine.
	dispatching atomic.Int32

	writeMu sync.Mutex
}

func New(cfg Config, handler Handler) *Channel {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Channel{
		cfg:     cfg,
		handler: handler,
		dialer:  dialer,
		state:   Closed,
		policy:  newReconnectPolicy(cfg.ReconnectBase, cfg.MaxAttempts),
	}
}

// Address derives the websocket address for a document from the service URL.
func Address(serviceURL, documentID, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serviceURL))
	if err != nil {
		return "", fmt.Errorf("parse service url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported service url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(documentID) == "" {
		return "", errors.New("document id is required")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/document/" + url.PathEscape(documentID)
	query := url.Values{}
	query.Set("token", token)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of reconnect delays scheduled since the last
// successful connection.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.attempts()
}

// Open starts connecting in the background. Calling Open on a channel that is
// already running is a no-op; calling it after Disconnected starts over with a
// fresh attempt budget.
func (c *Channel) Open(ctx context.Context) error {
	addr, err := Address(c.cfg.ServiceURL, c.cfg.DocumentID, c.cfg.Token)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	c.policy.reset()
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.setState(Connecting, nil)
	go c.run(runCtx, cancel, addr, done)
	return nil
}

// Send writes a frame if the channel is open and reports whether it did.
// Delivery is best effort.
func (c *Channel) Send(msg protocol.Message) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.state == Open
	c.mu.Unlock()
	if !open || conn == nil {
		return false
	}
	if msg.DocumentID == "" {
		msg.DocumentID = c.cfg.DocumentID
	}
	if err := c.write(conn, msg); err != nil {
		log.Printf("channel: send %s on %s: %v", msg.Type, c.cfg.DocumentID, err)
		return false
	}
	return true
}

// Close sends leave when open, closes the connection and stops reconnecting.
// It waits for the read goroutine to exit unless a handler callback is in
// flight, so a handler may call Close.
func (c *Channel) Close() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	conn := c.conn
	wasOpen := c.state == Open
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if conn != nil && wasOpen {
		_ = c.write(conn, protocol.Leave(c.cfg.DocumentID, c.cfg.Editor.EditorID))
		c.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil && c.dispatching.Load() == 0 {
		<-done
	}
	c.setState(Closed, nil)
}

func (c *Channel) run(ctx context.Context, cancel context.CancelFunc, addr string, done chan struct{}) {
	exhausted := false
	defer func() {
		cancel()
		c.mu.Lock()
		active := c.done == done
		if active {
			c.cancel = nil
			c.done = nil
		}
		c.mu.Unlock()
		close(done)
		if exhausted && active {
			c.notify(Disconnected, ErrReconnectExhausted)
		}
	}()

	for {
		conn, _, err := c.dialer.DialContext(ctx, addr, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if exhausted = !c.waitRetry(ctx, fmt.Errorf("%w: %v", ErrConnectionLost, err)); exhausted {
				return
			}
			continue
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.policy.reset()
		c.conn = conn
		c.mu.Unlock()

		c.notify(Open, nil)
		c.Send(protocol.Join(c.cfg.DocumentID, c.cfg.Editor))

		err = c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		if exhausted = !c.waitRetry(ctx, fmt.Errorf("%w: %v", ErrConnectionLost, err)); exhausted {
			return
		}
	}
}

// waitRetry sleeps before the next attempt. It returns false when the attempt
// budget is spent; cancellation is reported as true and noticed by the caller.
func (c *Channel) waitRetry(ctx context.Context, cause error) bool {
	c.mu.Lock()
	delay, ok := c.policy.next()
	attempt := c.policy.attempts()
	c.mu.Unlock()

	if !ok {
		log.Printf("channel: %s giving up after %d attempts: %v", c.cfg.DocumentID, attempt, cause)
		return false
	}

	log.Printf("channel: %s reconnecting in %s (attempt %d): %v", c.cfg.DocumentID, delay, attempt, cause)
	c.notify(Reconnecting, cause)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return true
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("channel: %s dropping frame: %v", c.cfg.DocumentID, err)
			continue
		}
		if !msg.Known() {
			continue
		}
		c.dispatching.Add(1)
		c.handler.HandleMessage(msg)
		c.dispatching.Add(-1)
	}
}

func (c *Channel) write(conn *websocket.Conn, msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// notify is setState for the run goroutine.
func (c *Channel) notify(state State, err error) {
	c.dispatching.Add(1)
	defer c.dispatching.Add(-1)
	c.setState(state, err)
}

func (c *Channel) setState(state State, err error) {
	c.mu.Lock()
	if c.state == state && err == nil {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	if c.handler != nil {
		c.handler.HandleState(state, err)
	}
}
