package voice

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/saker-ai/concierge/internal/metrics"
	"github.com/saker-ai/concierge/internal/session/fsm"
)

// ErrNotRinging is returned by Answer when no call is ringing.
var ErrNotRinging = errors.New("voice: no call ringing")

// Call owns the call state and the controller lifecycle behind it.
type Call struct {
	machine    *fsm.Machine
	controller *Controller
	device     string
	logger     *zap.Logger
}

// NewCall wires the state machine to controller. device is the capture
// selector used when a call is answered.
func NewCall(controller *Controller, device string, m *metrics.Metrics, logger *zap.Logger) *Call {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Call{
		machine:    fsm.New(),
		controller: controller,
		device:     device,
		logger:     logger,
	}
	c.machine.OnChange(func(from, to fsm.State) {
		m.SetCallState(string(to))
		logger.Info("call state", zap.String("from", string(from)), zap.String("state", string(to)))
	})
	controller.OnEnded(c.onEnded)
	return c
}

// State returns the call state.
func (c *Call) State() fsm.State {
	return c.machine.State()
}

// Ring offers a call. It reports false unless the call was idle.
func (c *Call) Ring() bool {
	return c.machine.OnRing()
}

// Answer connects the session. On failure the call returns to idle.
func (c *Call) Answer(ctx context.Context) error {
	if !c.machine.OnAnswer() {
		return ErrNotRinging
	}
	if err := c.controller.Start(ctx, c.device); err != nil {
		_ = c.machine.Force(fsm.StateIdle)
		return err
	}
	return nil
}

// Hangup returns to idle and stops the session.
func (c *Call) Hangup(ctx context.Context) error {
	c.machine.OnHangup()
	return c.controller.Stop(ctx)
}

func (c *Call) onEnded(err error) {
	if err != nil {
		c.logger.Warn("call ended by transport failure", zap.Error(err))
	} else {
		c.logger.Info("call ended by remote")
	}
	if hangupErr := c.Hangup(context.Background()); hangupErr != nil {
		c.logger.Debug("hangup after end failed", zap.Error(hangupErr))
	}
}
