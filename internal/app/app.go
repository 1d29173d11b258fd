// Package app wires the chat store, signal sink, session tracker and voice call
// into one concierge instance.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/saker-ai/concierge/internal/action"
	"github.com/saker-ai/concierge/internal/audio"
	"github.com/saker-ai/concierge/internal/chat"
	"github.com/saker-ai/concierge/internal/config"
	"github.com/saker-ai/concierge/internal/images"
	"github.com/saker-ai/concierge/internal/metrics"
	"github.com/saker-ai/concierge/internal/protocol"
	"github.com/saker-ai/concierge/internal/router"
	"github.com/saker-ai/concierge/internal/session"
	"github.com/saker-ai/concierge/internal/session/fsm"
	"github.com/saker-ai/concierge/internal/signals"
	"github.com/saker-ai/concierge/internal/storage"
	"github.com/saker-ai/concierge/internal/suggestion"
	"github.com/saker-ai/concierge/internal/transport"
	"github.com/saker-ai/concierge/internal/voice"
)

// ErrEmptyMessage is returned by Send when there is no text to send.
var ErrEmptyMessage = errors.New("app: empty message")

// SessionView is a snapshot of the action tracking state.
type SessionView struct {
	ThreadID   string           `json:"thread_id"`
	LastAction *session.Action  `json:"last_action,omitempty"`
	Actions    []session.Action `json:"actions"`
}

// SignalsView is a snapshot of the context sink.
type SignalsView struct {
	Context       []string `json:"context"`
	ActionContext string   `json:"action_context,omitempty"`
	CallScore     float64  `json:"call_score"`
	Suggestions   []string `json:"suggestions"`
}

// Option customizes an App.
type Option func(*App)

// WithAudio replaces the external-process audio adapter.
func WithAudio(a audio.Adapter) Option {
	return func(app *App) {
		app.audio = a
	}
}

// WithHTTPClient sets the client used for the suggestion service.
func WithHTTPClient(c *http.Client) Option {
	return func(app *App) {
		app.httpClient = c
	}
}

// App is one concierge instance.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	httpClient *http.Client
	audio      audio.Adapter

	images   *images.Cache
	store    *chat.Store
	sink     *signals.Sink
	tracker  *session.Tracker
	nav      *Navigator
	executor *action.Executor

	chatRouter  *router.Router
	voiceRouter *router.Router
	chat        *Chat
	controller  *voice.Controller
	call        *voice.Call

	persistMu sync.Mutex
}

// New builds an App from cfg and restores the latest transcript.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	voiceURL, err := cfg.VoiceURL()
	if err != nil {
		return nil, err
	}
	chatURL, err := cfg.ChatURL()
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audio == nil {
		a.audio = audio.NewPipeAdapter(audio.PipeConfig{
			CaptureCommand:  cfg.Voice.CaptureCommand,
			PlaybackCommand: cfg.Voice.PlaybackCommand,
			CaptureRate:     cfg.Voice.CaptureRate,
			SampleRate:      cfg.Voice.SampleRate,
			FrameDuration:   cfg.FrameDuration(),
		}, logger.Named("audio"))
	}

	a.images, err = images.NewCache(cfg.Storage.ImageDir, logger.Named("images"))
	if err != nil {
		return nil, fmt.Errorf("open image cache: %w", err)
	}
	a.store = chat.NewStore(a.images)
	a.sink = signals.NewSink(cfg.Call.ScoreThreshold)
	a.tracker = session.NewTracker()
	a.nav = NewNavigator("/", logger.Named("navigator"))
	a.executor = action.New(a.nav, threadSync{Tracker: a.tracker, store: a.store}, a.sink, logger.Named("action"))

	routerCfg := router.Config{
		AssistantName: cfg.Assistant.Name,
		UserName:      cfg.User.Name,
		Customer:      cfg.Suggestion.Customer,
	}
	chatOpts := []router.Option{
		router.WithMetrics(a.metrics),
		router.WithLogger(logger.Named("router")),
		router.WithTurnHook(a.persist),
	}
	if cfg.Suggestion.Endpoint != "" {
		chatOpts = append(chatOpts, router.WithSuggester(suggestion.New(cfg.Suggestion.Endpoint, a.httpClient, logger.Named("suggestion"))))
	}
	routerCfg.Channel = "chat"
	a.chatRouter = router.New(routerCfg, a.store, a.sink, a.executor, chatOpts...)
	routerCfg.Channel = "voice"
	a.voiceRouter = router.New(routerCfg, a.store, a.sink, a.executor,
		router.WithMetrics(a.metrics),
		router.WithLogger(logger.Named("router")),
		router.WithTurnHook(a.persist),
	)

	chatTransport := a.transportConfig("chat")
	a.chat = NewChat(chatURL, func() ChatChannel {
		return NewChatChannel(chatTransport, logger.Named("chat"))
	}, a.chatRouter, logger.Named("chat"))

	voiceTransport := a.transportConfig("voice")
	a.controller = voice.NewController(voice.Config{
		Address: voiceURL,
		Preferences: protocol.Preferences{
			User:      cfg.User.Name,
			Threshold: cfg.Voice.Threshold,
			Silence:   cfg.Voice.Silence,
			Prefix:    cfg.Voice.Prefix,
		},
	}, func() voice.Channel {
		return transport.New[protocol.Envelope, protocol.Envelope](voiceTransport, protocol.Codec[protocol.Envelope]{}, logger.Named("voice"))
	}, a.audio, a.voiceRouter, a.store, a.metrics, logger.Named("voice"))
	a.call = voice.NewCall(a.controller, cfg.Voice.InputDevice, a.metrics, logger.Named("call"))

	a.sink.OnCallThreshold(func() {
		if a.call.Ring() {
			a.logger.Info("call offered by assistant")
		}
	})

	a.restore()
	return a, nil
}

func (a *App) transportConfig(channel string) transport.Config {
	return transport.Config{
		HandshakeTimeout: a.cfg.Assistant.ConnectTimeout,
		WriteWait:        a.cfg.Assistant.WriteWait,
		CloseGracePeriod: a.cfg.Assistant.CloseGrace,
		OnDecodeError: func(error) {
			a.metrics.Malformed(channel)
		},
	}
}

// Metrics returns the instance collectors.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Turns returns the transcript.
func (a *App) Turns() []chat.Turn {
	return a.store.Turns()
}

// Send appends a user turn built from text and an optional image data URL and
// forwards it on the chat connection. The turn is kept even when delivery fails.
func (a *App) Send(ctx context.Context, text, imageDataURL string) (chat.Turn, error) {
	if text == "" {
		return chat.Turn{}, ErrEmptyMessage
	}
	if imageDataURL != "" {
		data, mime, err := images.ParseDataURL(imageDataURL)
		if err != nil {
			return chat.Turn{}, err
		}
		ref, err := a.images.Put(data, mime)
		if err != nil {
			return chat.Turn{}, err
		}
		a.store.SetCurrentImage(ref)
	}
	a.store.SetMessage(text)
	turn, ok := a.store.SendMessage(a.cfg.User.Name, a.cfg.User.Avatar)
	if !ok {
		return chat.Turn{}, ErrEmptyMessage
	}
	a.persist()

	msg := protocol.SimpleMessage{Name: turn.Name, Text: turn.Message}
	if turn.Image != "" {
		if url, err := a.images.DataURL(turn.Image); err == nil {
			msg.Image = url
		}
	}
	if err := a.chat.Send(ctx, a.tracker.ThreadID(), msg); err != nil {
		return turn, fmt.Errorf("deliver chat message: %w", err)
	}
	return turn, nil
}

// Reset clears the transcript, session and context, and starts a new thread.
func (a *App) Reset(ctx context.Context) string {
	a.chat.Close(ctx)
	prev := a.store.Reset()
	a.tracker.Reset()
	a.tracker.SetThreadID(a.store.ThreadID())
	a.sink.Clear()
	storage.DeleteTranscript(a.cfg.Storage.HistoryDir, prev)
	a.logger.Info("conversation reset", zap.String("previous_thread_id", prev), zap.String("thread_id", a.store.ThreadID()))
	return a.store.ThreadID()
}

// Session returns the action tracking snapshot.
func (a *App) Session() SessionView {
	view := SessionView{ThreadID: a.tracker.ThreadID(), Actions: a.tracker.Actions()}
	if last, ok := a.tracker.LastAction(); ok {
		view.LastAction = &last
	}
	return view
}

// Signals returns the context sink snapshot.
func (a *App) Signals() SignalsView {
	return SignalsView{
		Context:       a.sink.Context(),
		ActionContext: a.sink.ActionContext(),
		CallScore:     a.sink.CallScore(),
		Suggestions:   a.sink.Suggestions(),
	}
}

// CallState returns the call state.
func (a *App) CallState() fsm.State {
	return a.call.State()
}

// Ring offers a call.
func (a *App) Ring() bool {
	return a.call.Ring()
}

// Answer starts the voice session for a ringing call.
func (a *App) Answer(ctx context.Context) error {
	return a.call.Answer(ctx)
}

// Hangup ends the call.
func (a *App) Hangup(ctx context.Context) error {
	err := a.call.Hangup(ctx)
	a.persist()
	return err
}

// Location returns the navigator snapshot.
func (a *App) Location() Location {
	return a.nav.Snapshot()
}

// ObserveLocation records the page location and completes a pending move.
func (a *App) ObserveLocation(location string) bool {
	a.nav.Observe(location)
	return a.tracker.ObserveLocation(location)
}

// Close hangs up, drops the chat connection and waits for background work.
func (a *App) Close(ctx context.Context) error {
	err := a.call.Hangup(ctx)
	a.chat.Close(ctx)
	a.chatRouter.Close()
	a.voiceRouter.Close()
	a.persist()
	if c, ok := a.audio.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

// persist is called from the chat pump, the voice demux loop and request
// goroutines. Saves are serialized so a newer snapshot is never overwritten.
func (a *App) persist() {
	a.persistMu.Lock()
	defer a.persistMu.Unlock()
	threadID, turns := a.store.Snapshot()
	if len(turns) == 0 {
		return
	}
	if err := storage.SaveTranscript(a.cfg.Storage.HistoryDir, threadID, turns); err != nil {
		a.logger.Warn("save transcript failed", zap.String("thread_id", threadID), zap.Error(err))
	}
}

func (a *App) restore() {
	t, ok, err := storage.LoadLatest(a.cfg.Storage.HistoryDir)
	if err != nil {
		a.logger.Warn("load transcript failed", zap.Error(err))
	}
	if !ok {
		a.tracker.SetThreadID(a.store.ThreadID())
		return
	}
	a.store.Restore(t.ThreadID, t.Turns)
	a.tracker.SetThreadID(t.ThreadID)
	a.logger.Info("transcript restored", zap.String("thread_id", t.ThreadID), zap.Int("turns", len(t.Turns)))
}

// threadSync keeps the transcript thread in step with the session thread when
// the assistant switches threads.
type threadSync struct {
	*session.Tracker
	store *chat.Store
}

func (t threadSync) SetThreadID(id string) {
	t.Tracker.SetThreadID(id)
	t.store.SetThreadID(id)
}
