// Package transport implements a pull-based duplex message channel over a
// single websocket connection.
//
// Inbound frames are decoded in arrival order. A frame that arrives before
// anyone asks for it is buffered; a consumer that asks before anything has
// arrived is parked until a frame, a close or an error resolves it. At most
// one of the two queues is non-empty at any time.
package transport

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Default connection constants.
const (
	DefaultWriteWait        = 10 * time.Second
	DefaultCloseGracePeriod = 5 * time.Second
	DefaultMaxMessageSize   = 16 * 1024 * 1024
)

var (
	// ErrNotConnected is returned by Send before the handshake completes or after close.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned by Connect when the channel was already used.
	ErrClosed = errors.New("transport: channel closed")
)

// ConnectionError is a socket level failure. Once raised, the channel is
// failed for good and every later call returns the same error.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Codec translates between application values and websocket frames.
type Codec[U, D any] interface {
	Encode(U) (messageType int, data []byte, err error)
	Decode(messageType int, data []byte) (D, error)
}

// Config configures a Channel.
type Config struct {
	// HandshakeTimeout bounds the opening handshake. Zero means no timeout
	// beyond the dial context.
	HandshakeTimeout time.Duration
	// WriteWait is the deadline applied to each write.
	WriteWait time.Duration
	// CloseGracePeriod bounds how long Close waits for the peer's close frame.
	CloseGracePeriod time.Duration
	// MaxMessageSize is the read limit.
	MaxMessageSize int64
	// Header is sent with the handshake.
	Header http.Header
	// OnDecodeError is called for every dropped inbound frame. Optional.
	OnDecodeError func(error)
}

func (c *Config) defaults() {
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.CloseGracePeriod <= 0 {
		c.CloseGracePeriod = DefaultCloseGracePeriod
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
}

type phase int

const (
	phaseNew phase = iota
	phaseConnecting
	phaseOpen
	phaseClosing
	phaseClosed
	phaseFailed
)

type result[D any] struct {
	item D
	ok   bool
	err  error
}

type waiter[D any] struct {
	ch chan result[D]
}

// Channel is a single-use duplex channel: U values go out, D values come in.
type Channel[U, D any] struct {
	cfg    Config
	codec  Codec[U, D]
	logger *zap.Logger

	mu       sync.Mutex
	phase    phase
	conn     *websocket.Conn
	err      error
	items    []D
	waiters  []*waiter[D]
	readDone chan struct{}

	writeMu sync.Mutex
}

// New creates an unconnected channel.
func New[U, D any](cfg Config, codec Codec[U, D], logger *zap.Logger) *Channel[U, D] {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel[U, D]{
		cfg:    cfg,
		codec:  codec,
		logger: logger,
	}
}

// Connect dials addr and starts reading. A channel connects at most once.
func (c *Channel[U, D]) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	if c.phase != phaseNew {
		c.mu.Unlock()
		return ErrClosed
	}
	c.phase = phaseConnecting
	c.mu.Unlock()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	c.logger.Debug("transport connecting", zap.String("addr", addr))
	conn, resp, err := dialer.DialContext(ctx, addr, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == phaseClosing {
		// Close raced the handshake.
		if conn != nil {
			_ = conn.Close()
		}
		c.phase = phaseClosed
		c.resolveWaitersLocked(result[D]{})
		return ErrClosed
	}
	if err != nil {
		connErr := &ConnectionError{Op: "dial", Err: err}
		c.failLocked(connErr)
		return connErr
	}
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn = conn
	c.phase = phaseOpen
	c.readDone = make(chan struct{})
	go c.readLoop(conn, c.readDone)
	c.logger.Info("transport connected", zap.String("addr", addr))
	return nil
}

// Send encodes v and writes it. It returns once the write is accepted by the socket.
func (c *Channel[U, D]) Send(ctx context.Context, v U) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	if c.phase != phaseOpen {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	messageType, data, err := c.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.cfg.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(messageType, data); err != nil {
		c.mu.Lock()
		if c.phase == phaseClosing || c.phase == phaseClosed {
			c.mu.Unlock()
			return ErrNotConnected
		}
		connErr := &ConnectionError{Op: "write", Err: err}
		c.failLocked(connErr)
		c.mu.Unlock()
		_ = conn.Close()
		return connErr
	}
	return nil
}

// Next returns the next inbound value. ok is false once the channel closed
// gracefully and the buffer is drained. A failed channel returns its error.
// If ctx ends after a value was already handed to this call, the value is
// returned instead of ctx.Err().
func (c *Channel[U, D]) Next(ctx context.Context) (D, bool, error) {
	var zero D
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return zero, false, err
	}
	if len(c.items) > 0 {
		item := c.items[0]
		c.items[0] = zero
		c.items = c.items[1:]
		c.mu.Unlock()
		return item, true, nil
	}
	switch c.phase {
	case phaseNew:
		c.mu.Unlock()
		return zero, false, ErrNotConnected
	case phaseClosed:
		c.mu.Unlock()
		return zero, false, nil
	}
	w := &waiter[D]{ch: make(chan result[D], 1)}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case res := <-w.ch:
		return res.item, res.ok, res.err
	case <-ctx.Done():
		if res, resolved := c.abandon(w); resolved {
			return res.item, res.ok, res.err
		}
		return zero, false, ctx.Err()
	}
}

// Messages exposes Next as a sequence. It stops after the first error.
func (c *Channel[U, D]) Messages(ctx context.Context) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		for {
			item, ok, err := c.Next(ctx)
			if err != nil {
				yield(item, err)
				return
			}
			if !ok {
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Close performs the close handshake and resolves parked consumers with end
// of sequence. It is idempotent and returns at once if never connected.
func (c *Channel[U, D]) Close(ctx context.Context) error {
	c.mu.Lock()
	switch c.phase {
	case phaseNew:
		c.phase = phaseClosed
		c.mu.Unlock()
		return nil
	case phaseConnecting:
		c.phase = phaseClosing
		c.mu.Unlock()
		return nil
	case phaseClosing:
		done := c.readDone
		c.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
			}
		}
		return nil
	case phaseClosed, phaseFailed:
		c.mu.Unlock()
		return nil
	}
	c.phase = phaseClosing
	conn := c.conn
	done := c.readDone
	c.mu.Unlock()

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.CloseGracePeriod))
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Debug("transport close frame failed", zap.Error(err))
	} else {
		timer := time.NewTimer(c.cfg.CloseGracePeriod)
		select {
		case <-done:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}
	_ = conn.Close()
	<-done
	return nil
}

// Err returns the failure that ended the channel, if any.
func (c *Channel[U, D]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connected reports whether the channel is open for sends.
func (c *Channel[U, D]) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == phaseOpen
}

func (c *Channel[U, D]) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.finish(conn, err)
			return
		}
		item, err := c.codec.Decode(messageType, data)
		if err != nil {
			c.logger.Warn("transport dropped inbound frame", zap.Int("bytes", len(data)), zap.Error(err))
			if c.cfg.OnDecodeError != nil {
				c.cfg.OnDecodeError(err)
			}
			continue
		}
		c.deliver(item)
	}
}

// deliver hands item to the oldest parked consumer or buffers it.
func (c *Channel[U, D]) deliver(item D) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) > 0 {
		w := c.waiters[0]
		c.waiters[0] = nil
		c.waiters = c.waiters[1:]
		w.ch <- result[D]{item: item, ok: true}
		return
	}
	c.items = append(c.items, item)
}

// abandon removes a cancelled waiter. A waiter that was already resolved keeps
// its result; handed out values are never requeued, so consumers see arrival
// order even when they race.
func (c *Channel[U, D]) abandon(w *waiter[D]) (result[D], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, pending := range c.waiters {
		if pending == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return result[D]{}, false
		}
	}
	select {
	case res := <-w.ch:
		return res, true
	default:
		return result[D]{}, false
	}
}

func (c *Channel[U, D]) finish(conn *websocket.Conn, err error) {
	c.mu.Lock()
	switch {
	case c.phase == phaseFailed:
	case c.phase == phaseClosing || c.phase == phaseClosed ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.phase = phaseClosed
		c.resolveWaitersLocked(result[D]{})
		c.logger.Debug("transport closed")
	default:
		c.failLocked(&ConnectionError{Op: "read", Err: err})
		c.logger.Warn("transport failed", zap.Error(err))
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Channel[U, D]) failLocked(err error) {
	c.phase = phaseFailed
	c.err = err
	c.items = nil
	c.resolveWaitersLocked(result[D]{err: err})
}

func (c *Channel[U, D]) resolveWaitersLocked(res result[D]) {
	for _, w := range c.waiters {
		w.ch <- res
	}
	c.waiters = nil
}
