// Package session tracks remote actions and the active conversation thread.
package session

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ActionState is the lifecycle of a tracked action.
type ActionState string

const (
	ActionStarted   ActionState = "started"
	ActionCompleted ActionState = "completed"
	ActionFailed    ActionState = "failed"
)

// Action is one record in the action log. Transitions append new records.
type Action struct {
	Page    string      `json:"page"`
	Action  string      `json:"action"`
	Payload string      `json:"payload,omitempty"`
	State   ActionState `json:"state"`
}

// Tracker is the action log plus the active thread id.
type Tracker struct {
	mu         sync.Mutex
	threadID   string
	actions    []Action
	lastAction *Action
}

// NewTracker returns an empty tracker without a thread.
func NewTracker() *Tracker {
	return &Tracker{}
}

// ThreadID returns the active thread id.
func (t *Tracker) ThreadID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threadID
}

// SetThreadID switches the active thread.
func (t *Tracker) SetThreadID(id string) {
	t.mu.Lock()
	t.threadID = id
	t.mu.Unlock()
}

// StartAction records a new started action.
func (t *Tracker) StartAction(page, action, payload string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendLocked(Action{Page: page, Action: action, Payload: payload, State: ActionStarted})
}

// CompleteAction completes the last action if it is still started.
func (t *Tracker) CompleteAction() bool {
	return t.transition(ActionCompleted, true)
}

// FailAction fails the last action if it is still started.
func (t *Tracker) FailAction() bool {
	return t.transition(ActionFailed, false)
}

// LastAction returns the most recent record.
func (t *Tracker) LastAction() (Action, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastAction == nil {
		return Action{}, false
	}
	return *t.lastAction, true
}

// Actions returns the full log.
func (t *Tracker) Actions() []Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Action(nil), t.actions...)
}

// ObserveLocation completes a started move whose target href is a suffix of location.
func (t *Tracker) ObserveLocation(location string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last := t.lastAction
	if last == nil || last.Action != "move" || last.State != ActionStarted || last.Payload == "" {
		return false
	}
	var target struct {
		Href string `json:"href"`
	}
	if err := json.Unmarshal([]byte(last.Payload), &target); err != nil || target.Href == "" {
		return false
	}
	if !strings.HasSuffix(location, target.Href) {
		return false
	}
	t.appendLocked(Action{Page: last.Page, Action: last.Action, Payload: last.Payload, State: ActionCompleted})
	return true
}

// Reset clears the log and starts a new thread.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.threadID = uuid.NewString()
	t.actions = nil
	t.lastAction = nil
	t.mu.Unlock()
}

func (t *Tracker) transition(state ActionState, keepPayload bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.actions) == 0 {
		return false
	}
	last := t.actions[len(t.actions)-1]
	if last.State != ActionStarted {
		return false
	}
	next := Action{Page: last.Page, Action: last.Action, State: state}
	if keepPayload {
		next.Payload = last.Payload
	}
	t.appendLocked(next)
	return true
}

func (t *Tracker) appendLocked(a Action) {
	t.actions = append(t.actions, a)
	last := a
	t.lastAction = &last
}
