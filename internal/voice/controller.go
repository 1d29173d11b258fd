// Package voice drives a realtime voice call: one transport channel plus
// audio capture and playback, with barge-in on interrupt.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saker-ai/concierge/internal/audio"
	"github.com/saker-ai/concierge/internal/metrics"
	"github.com/saker-ai/concierge/internal/protocol"
)

// ErrAlreadyActive is returned by StartStrict while a session is live.
var ErrAlreadyActive = errors.New("voice: session already active")

// Channel is the duplex transport a session runs on.
type Channel interface {
	Connect(ctx context.Context, addr string) error
	Send(ctx context.Context, env protocol.Envelope) error
	Next(ctx context.Context) (protocol.Envelope, bool, error)
	Close(ctx context.Context) error
}

// Handler receives every envelope that is not audio or interrupt.
type Handler interface {
	HandleEnvelope(ctx context.Context, env protocol.Envelope)
}

// History supplies the conversation replayed at the start of a call.
type History interface {
	Messages() []protocol.SimpleMessage
}

// Config configures a Controller.
type Config struct {
	Address     string
	Preferences protocol.Preferences
}

type live struct {
	ch       Channel
	capture  audio.Capture
	cancel   context.CancelFunc
	done     chan struct{}
	ready    atomic.Bool
	stopping atomic.Bool
}

// Controller owns at most one live session.
type Controller struct {
	cfg        Config
	newChannel func() Channel
	audio      audio.Adapter
	handler    Handler
	history    History
	metrics    *metrics.Metrics
	logger     *zap.Logger

	opMu sync.Mutex

	mu      sync.Mutex
	live    *live
	onEnded func(error)
}

// NewController creates a controller. newChannel is called once per session.
func NewController(cfg Config, newChannel func() Channel, adapter audio.Adapter, handler Handler, history History, m *metrics.Metrics, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:        cfg,
		newChannel: newChannel,
		audio:      adapter,
		handler:    handler,
		history:    history,
		metrics:    m,
		logger:     logger,
	}
}

// OnEnded registers the hook called when a live session ends without a
// local Stop. err is nil when the remote side closed gracefully.
func (c *Controller) OnEnded(fn func(err error)) {
	c.mu.Lock()
	c.onEnded = fn
	c.mu.Unlock()
}

// Active reports whether a session is live.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live != nil
}

// Start tears down any live session and starts a new one capturing from device.
func (c *Controller) Start(ctx context.Context, device string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopLocked(ctx)
	return c.startLocked(ctx, device)
}

// StartStrict starts a session and fails with ErrAlreadyActive if one is live.
func (c *Controller) StartStrict(ctx context.Context, device string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.Active() {
		return ErrAlreadyActive
	}
	return c.startLocked(ctx, device)
}

// Stop closes the channel, halts capture and clears playback. It is a no-op
// without a live session.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopLocked(ctx)
}

// Send forwards env on the live channel. Without a session it does nothing.
func (c *Controller) Send(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	l := c.live
	c.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.ch.Send(ctx, env)
}

func (c *Controller) startLocked(ctx context.Context, device string) error {
	ch := c.newChannel()
	if err := ch.Connect(ctx, c.cfg.Address); err != nil {
		return fmt.Errorf("voice: connect: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	l := &live{ch: ch, cancel: cancel, done: make(chan struct{})}

	capture, err := c.audio.StartCapture(ctx, device, func(pcm []byte) {
		if !l.ready.Load() || l.stopping.Load() {
			return
		}
		if err := ch.Send(loopCtx, protocol.NewAudio(pcm)); err != nil {
			return
		}
		c.metrics.AudioFrame("out")
	})
	if err != nil {
		cancel()
		_ = ch.Close(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var deviceErr *audio.DeviceAccessError
		if !errors.As(err, &deviceErr) {
			err = &audio.DeviceAccessError{Device: device, Err: err}
		}
		return err
	}
	l.capture = capture

	go c.listen(loopCtx, l)

	if err := c.bootstrap(ctx, ch); err != nil {
		c.teardown(ctx, l)
		return fmt.Errorf("voice: bootstrap: %w", err)
	}
	l.ready.Store(true)

	c.mu.Lock()
	c.live = l
	c.mu.Unlock()
	c.logger.Info("voice session started", zap.String("device", device))
	return nil
}

// bootstrap replays history, sends the caller preferences and asks the
// assistant to respond.
func (c *Controller) bootstrap(ctx context.Context, ch Channel) error {
	var history []protocol.SimpleMessage
	if c.history != nil {
		history = c.history.Messages()
	}
	messages, err := protocol.NewMessages(history)
	if err != nil {
		return err
	}
	prefs, err := protocol.NewPreferences(c.cfg.Preferences)
	if err != nil {
		return err
	}
	for _, env := range []protocol.Envelope{messages, prefs, protocol.NewInterrupt()} {
		if err := ch.Send(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) stopLocked(ctx context.Context) error {
	c.mu.Lock()
	l := c.live
	c.live = nil
	c.mu.Unlock()
	if l == nil {
		return nil
	}
	c.teardown(ctx, l)
	c.logger.Info("voice session stopped")
	return nil
}

func (c *Controller) teardown(ctx context.Context, l *live) {
	l.stopping.Store(true)
	c.audio.ClearPlayback()
	if l.capture != nil {
		if err := l.capture.Stop(); err != nil {
			c.logger.Debug("voice capture stop failed", zap.Error(err))
		}
	}
	if err := l.ch.Close(ctx); err != nil {
		c.logger.Debug("voice channel close failed", zap.Error(err))
	}
	l.cancel()
	<-l.done
}

func (c *Controller) listen(ctx context.Context, l *live) {
	err := c.demux(ctx, l)
	close(l.done)

	if l.stopping.Load() {
		return
	}
	if err != nil {
		c.logger.Warn("voice channel failed", zap.Error(err))
	} else {
		c.logger.Info("voice channel closed by remote")
	}
	c.mu.Lock()
	hook := c.onEnded
	c.mu.Unlock()
	if hook != nil {
		hook(err)
	}
}

func (c *Controller) demux(ctx context.Context, l *live) error {
	for {
		env, ok, err := l.ch.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		switch env.Type {
		case protocol.KindAudio:
			msg, err := protocol.Decode(env)
			if err != nil {
				c.metrics.Malformed("voice")
				c.logger.Warn("voice dropped audio frame", zap.Error(err))
				continue
			}
			c.audio.Play(msg.(protocol.Audio).PCM)
			c.metrics.AudioFrame("in")
		case protocol.KindInterrupt:
			c.audio.ClearPlayback()
			c.metrics.BargeIn()
			c.logger.Debug("voice barge-in")
		default:
			c.handler.HandleEnvelope(ctx, env)
		}
	}
}
