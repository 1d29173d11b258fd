// Package action executes named remote procedures requested by the assistant.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/saker-ai/concierge/internal/protocol"
)

// Action names understood by the executor.
const (
	Move    = "move"
	Console = "console"
	Thread  = "thread"
	Call    = "call"
)

// ErrUnknownAction is returned for names the executor does not handle.
var ErrUnknownAction = errors.New("action: unknown action")

// Navigator is the location collaborator.
type Navigator interface {
	Location() string
	Navigate(href string) error
}

// Tracker records action lifecycles.
type Tracker interface {
	StartAction(page, action, payload string)
	CompleteAction() bool
	FailAction() bool
	SetThreadID(id string)
}

// ScoreSink receives the call readiness score.
type ScoreSink interface {
	SetCallScore(score float64) bool
}

// Executor dispatches action requests. Every request is tracked from the
// current page before it runs.
type Executor struct {
	nav     Navigator
	tracker Tracker
	scores  ScoreSink
	logger  *zap.Logger
}

// New creates an executor.
func New(nav Navigator, tracker Tracker, scores ScoreSink, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{nav: nav, tracker: tracker, scores: scores, logger: logger}
}

// Execute runs req.
func (e *Executor) Execute(req protocol.ActionRequest) error {
	e.tracker.StartAction(e.page(), req.Name, req.Arguments)
	var err error
	switch req.Name {
	case Move:
		err = e.move(req.Arguments)
	case Console:
		err = e.console(req.Arguments)
	case Thread:
		err = e.thread(req.Arguments)
	case Call:
		err = e.call(req.Arguments)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownAction, req.Name)
	}
	if err != nil {
		e.tracker.FailAction()
		return err
	}
	return nil
}

// move completes later, when the new location is observed.
func (e *Executor) move(arguments string) error {
	var args struct {
		Href string `json:"href"`
	}
	if err := decodeArgs(arguments, &args); err != nil {
		return err
	}
	if args.Href == "" {
		return errors.New("action: move without href")
	}
	if err := e.nav.Navigate(args.Href); err != nil {
		return fmt.Errorf("action: navigate %s: %w", args.Href, err)
	}
	e.logger.Info("action move", zap.String("href", args.Href))
	return nil
}

func (e *Executor) console(arguments string) error {
	var args any
	if err := decodeArgs(arguments, &args); err != nil {
		return err
	}
	e.logger.Info("action console", zap.Any("args", args))
	e.tracker.CompleteAction()
	return nil
}

func (e *Executor) thread(arguments string) error {
	var args struct {
		Thread string `json:"thread"`
	}
	if err := decodeArgs(arguments, &args); err != nil {
		return err
	}
	e.tracker.SetThreadID(args.Thread)
	e.tracker.CompleteAction()
	e.logger.Info("action thread", zap.String("thread_id", args.Thread))
	return nil
}

func (e *Executor) call(arguments string) error {
	var args struct {
		Score float64 `json:"score"`
	}
	if err := decodeArgs(arguments, &args); err != nil {
		return err
	}
	rang := e.scores.SetCallScore(args.Score)
	e.tracker.CompleteAction()
	e.logger.Debug("action call", zap.Float64("score", args.Score), zap.Bool("ringing", rang))
	return nil
}

func (e *Executor) page() string {
	location := e.nav.Location()
	if u, err := url.Parse(location); err == nil && u.Path != "" {
		return u.Path
	}
	return location
}

func decodeArgs(arguments string, v any) error {
	if err := json.Unmarshal([]byte(arguments), v); err != nil {
		return fmt.Errorf("action: arguments: %w", err)
	}
	return nil
}
