package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saker-ai/concierge/internal/protocol"
	"github.com/saker-ai/concierge/internal/transport"
)

// ChatChannel is the text channel the chat connection runs on.
type ChatChannel interface {
	Connect(ctx context.Context, addr string) error
	Send(ctx context.Context, v any) error
	Next(ctx context.Context) (protocol.Envelope, bool, error)
	Close(ctx context.Context) error
}

// NewChatChannel returns a transport channel writing arbitrary JSON frames and
// reading envelopes.
func NewChatChannel(cfg transport.Config, logger *zap.Logger) ChatChannel {
	return transport.New[any, protocol.Envelope](cfg, protocol.Codec[any]{}, logger)
}

type threadHello struct {
	ThreadID string `json:"threadId"`
}

type chatConn struct {
	ch       ChatChannel
	threadID string
	cancel   context.CancelFunc
	done     chan struct{}
	dead     atomic.Bool
}

// Chat keeps one text connection to the assistant per thread. The first frame
// on each connection names the thread; every inbound envelope goes to handler.
type Chat struct {
	addr       string
	newChannel func() ChatChannel
	handler    EnvelopeHandler
	logger     *zap.Logger

	mu   sync.Mutex
	conn *chatConn
}

// EnvelopeHandler receives inbound chat envelopes.
type EnvelopeHandler interface {
	HandleEnvelope(ctx context.Context, env protocol.Envelope)
}

// NewChat creates a chat connection manager for addr.
func NewChat(addr string, newChannel func() ChatChannel, handler EnvelopeHandler, logger *zap.Logger) *Chat {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chat{
		addr:       addr,
		newChannel: newChannel,
		handler:    handler,
		logger:     logger,
	}
}

// Connected reports the thread of the open connection, if any.
func (c *Chat) Connected() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.dead.Load() {
		return "", false
	}
	return c.conn.threadID, true
}

// Send writes msg on the connection for threadID, reconnecting when the
// thread changed or the previous connection ended.
func (c *Chat) Send(ctx context.Context, threadID string, msg protocol.SimpleMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && (c.conn.threadID != threadID || c.conn.dead.Load()) {
		c.closeLocked(ctx)
	}
	if c.conn == nil {
		if err := c.openLocked(ctx, threadID); err != nil {
			return err
		}
	}
	if err := c.conn.ch.Send(ctx, msg); err != nil {
		c.closeLocked(ctx)
		return err
	}
	return nil
}

// Close drops the open connection.
func (c *Chat) Close(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(ctx)
}

func (c *Chat) openLocked(ctx context.Context, threadID string) error {
	ch := c.newChannel()
	if err := ch.Connect(ctx, c.addr); err != nil {
		return err
	}
	if err := ch.Send(ctx, threadHello{ThreadID: threadID}); err != nil {
		_ = ch.Close(ctx)
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	conn := &chatConn{ch: ch, threadID: threadID, cancel: cancel, done: make(chan struct{})}
	c.conn = conn
	go c.pump(pumpCtx, conn)
	c.logger.Info("chat connected", zap.String("thread_id", threadID))
	return nil
}

func (c *Chat) closeLocked(ctx context.Context) {
	conn := c.conn
	if conn == nil {
		return
	}
	c.conn = nil
	if err := conn.ch.Close(ctx); err != nil {
		c.logger.Debug("chat close", zap.Error(err))
	}
	conn.cancel()
	<-conn.done
}

func (c *Chat) pump(ctx context.Context, conn *chatConn) {
	defer close(conn.done)
	defer conn.dead.Store(true)
	for {
		env, ok, err := conn.ch.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Warn("chat connection failed", zap.String("thread_id", conn.threadID), zap.Error(err))
			}
			return
		}
		if !ok {
			c.logger.Info("chat connection closed", zap.String("thread_id", conn.threadID))
			return
		}
		c.handler.HandleEnvelope(ctx, env)
	}
}
