// Package router dispatches inbound application envelopes to the turn
// store, the context sink and the action executor.
package router

import (
	"context"
	"errors"
	"iter"
	"sync"

	"go.uber.org/zap"

	"github.com/saker-ai/concierge/internal/chat"
	"github.com/saker-ai/concierge/internal/metrics"
	"github.com/saker-ai/concierge/internal/protocol"
)

// TurnWriter is the mutation surface of the turn store.
type TurnWriter interface {
	StartAssistantMessage(name, avatar, image string)
	StreamAssistantMessage(chunk string) error
	CompleteAssistantMessage() error
	AddAssistantMessage(name, message, avatar, image string)
	AddVoiceMessage(side chat.Side, name, message string)
	Messages() []protocol.SimpleMessage
}

// ContextSink receives context hints and suggestions.
type ContextSink interface {
	AddContext(text string)
	SetActionContext(payload string)
	StreamSuggestion(ctx context.Context, seq iter.Seq2[string, error]) error
}

// ActionExecutor runs remote action requests.
type ActionExecutor interface {
	Execute(req protocol.ActionRequest) error
}

// Suggester is the external suggestion service.
type Suggester interface {
	Requested(ctx context.Context, msgs []protocol.SimpleMessage) (bool, error)
	Stream(ctx context.Context, customer string, msgs []protocol.SimpleMessage) iter.Seq2[string, error]
}

// Config names the speakers and the metrics channel label.
type Config struct {
	Channel       string
	AssistantName string
	UserName      string
	Customer      string
}

// Option configures a Router.
type Option func(*Router)

// WithSuggester enables the suggestion task after finished assistant turns.
func WithSuggester(s Suggester) Option {
	return func(r *Router) { r.suggester = s }
}

// WithMetrics records routed envelopes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTurnHook is called after a turn is finished.
func WithTurnHook(fn func()) Option {
	return func(r *Router) { r.onTurn = fn }
}

type handler func(context.Context, protocol.Message)

// Router dispatches synchronously in arrival order. Suggestion tasks run in
// the background and may finish after later envelopes.
type Router struct {
	cfg       Config
	turns     TurnWriter
	sink      ContextSink
	actions   ActionExecutor
	suggester Suggester
	metrics   *metrics.Metrics
	logger    *zap.Logger
	onTurn    func()
	handlers  map[protocol.Kind]handler

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.Mutex
	cancelTask context.CancelFunc
}

// New builds a router over the three targets.
func New(cfg Config, turns TurnWriter, sink ContextSink, actions ActionExecutor, opts ...Option) *Router {
	if cfg.Channel == "" {
		cfg.Channel = "chat"
	}
	if cfg.AssistantName == "" {
		cfg.AssistantName = "Wiry"
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:     cfg,
		turns:   turns,
		sink:    sink,
		actions: actions,
		logger:  zap.NewNop(),
		baseCtx: ctx,
		stop:    cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.handlers = map[protocol.Kind]handler{
		protocol.KindAssistant: r.onAssistant,
		protocol.KindUser:      r.onVoiceText,
		protocol.KindConsole:   r.onConsole,
		protocol.KindContext:   r.onContext,
		protocol.KindAction:    r.onAction,
	}
	return r
}

// HandleEnvelope decodes env and dispatches it. Malformed envelopes are
// logged and dropped.
func (r *Router) HandleEnvelope(ctx context.Context, env protocol.Envelope) {
	msg, err := protocol.Decode(env)
	if err != nil {
		r.metrics.Malformed(r.cfg.Channel)
		r.logger.Warn("router dropped malformed envelope",
			zap.String("channel", r.cfg.Channel),
			zap.String("kind", string(env.Type)),
			zap.Error(err),
		)
		return
	}
	r.Handle(ctx, msg)
}

// Handle dispatches a decoded message.
func (r *Router) Handle(ctx context.Context, msg protocol.Message) {
	r.metrics.Envelope(r.cfg.Channel, string(msg.Kind()))
	if h, ok := r.handlers[msg.Kind()]; ok {
		h(ctx, msg)
		return
	}
	r.logger.Debug("router unhandled message", zap.String("kind", string(msg.Kind())))
}

// Wait blocks until background tasks finish.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Close cancels background tasks and waits for them.
func (r *Router) Close() {
	r.stop()
	r.wg.Wait()
}

func (r *Router) onAssistant(ctx context.Context, msg protocol.Message) {
	update, ok := msg.(protocol.AssistantUpdate)
	if !ok {
		r.onVoiceText(ctx, msg)
		return
	}
	var err error
	switch update.State {
	case protocol.AssistantStart:
		r.turns.StartAssistantMessage(r.cfg.AssistantName, "", "")
	case protocol.AssistantStream:
		err = r.turns.StreamAssistantMessage(update.Text)
	case protocol.AssistantComplete:
		if err = r.turns.CompleteAssistantMessage(); err == nil {
			r.turnFinished(ctx)
		}
	case protocol.AssistantFull:
		r.turns.AddAssistantMessage(r.cfg.AssistantName, update.Text, "", "")
		r.turnFinished(ctx)
	}
	if errors.Is(err, chat.ErrProtocolState) {
		r.metrics.ProtocolDrop(string(update.State))
		r.logger.Debug("router dropped assistant update", zap.String("state", string(update.State)))
	}
}

func (r *Router) onVoiceText(_ context.Context, msg protocol.Message) {
	voice, ok := msg.(protocol.VoiceText)
	if !ok || voice.Text == "" {
		return
	}
	switch voice.Speaker {
	case protocol.KindAssistant:
		r.turns.AddVoiceMessage(chat.SideAssistant, r.cfg.AssistantName, voice.Text)
	default:
		r.turns.AddVoiceMessage(chat.SideUser, r.cfg.UserName, voice.Text)
	}
	if r.onTurn != nil {
		r.onTurn()
	}
}

func (r *Router) onConsole(_ context.Context, msg protocol.Message) {
	text, _ := msg.(protocol.ConsoleText)
	r.logger.Info("assistant console", zap.String("channel", r.cfg.Channel), zap.String("text", text.Text))
}

func (r *Router) onContext(_ context.Context, msg protocol.Message) {
	signal, ok := msg.(protocol.ContextSignal)
	if !ok {
		return
	}
	switch signal.Type {
	case "user":
		r.sink.AddContext(signal.Payload)
	case "action":
		r.sink.SetActionContext(signal.Payload)
	default:
		r.logger.Debug("router ignored context", zap.String("type", signal.Type))
	}
}

func (r *Router) onAction(_ context.Context, msg protocol.Message) {
	req, ok := msg.(protocol.ActionRequest)
	if !ok {
		return
	}
	if err := r.actions.Execute(req); err != nil {
		r.logger.Warn("action failed", zap.String("action", req.Name), zap.Error(err))
	}
}

func (r *Router) turnFinished(_ context.Context) {
	if r.onTurn != nil {
		r.onTurn()
	}
	if r.suggester == nil {
		return
	}
	msgs := r.turns.Messages()

	r.mu.Lock()
	if r.cancelTask != nil {
		r.cancelTask()
	}
	ctx, cancel := context.WithCancel(r.baseCtx)
	r.cancelTask = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.suggest(ctx, msgs)
	}()
}

func (r *Router) suggest(ctx context.Context, msgs []protocol.SimpleMessage) {
	requested, err := r.suggester.Requested(ctx, msgs)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("suggestion request failed", zap.Error(err))
		}
		return
	}
	if !requested {
		return
	}
	if err := r.sink.StreamSuggestion(ctx, r.suggester.Stream(ctx, r.cfg.Customer, msgs)); err != nil && ctx.Err() == nil {
		r.logger.Warn("suggestion stream failed", zap.Error(err))
	}
}
