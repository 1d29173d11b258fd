package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Message is a decoded envelope. The concrete type is selected by Kind.
type Message interface {
	Kind() Kind
	isMessage()
}

// AssistantState is the streaming sub-state of an assistant update.
type AssistantState string

const (
	AssistantStart    AssistantState = "start"
	AssistantStream   AssistantState = "stream"
	AssistantComplete AssistantState = "complete"
	AssistantFull     AssistantState = "full"
)

// AssistantUpdate drives the streamed assistant turn.
type AssistantUpdate struct {
	State AssistantState `json:"state"`
	Text  string         `json:"payload,omitempty"`
}

// VoiceText is a transcription or reply delivered by the voice endpoint.
type VoiceText struct {
	Speaker Kind
	Text    string
}

// ConsoleText is a diagnostic line from the remote side.
type ConsoleText struct {
	Text string
}

// Audio carries one PCM16LE frame.
type Audio struct {
	PCM []byte
}

// Interrupt signals barge-in.
type Interrupt struct{}

// History is the replayed conversation.
type History struct {
	Messages []SimpleMessage
}

// ContextSignal is a context hint for later retrieval.
type ContextSignal struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// ActionRequest is a named remote procedure with JSON arguments.
type ActionRequest struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func (AssistantUpdate) Kind() Kind { return KindAssistant }
func (v VoiceText) Kind() Kind     { return v.Speaker }
func (ConsoleText) Kind() Kind     { return KindConsole }
func (Audio) Kind() Kind           { return KindAudio }
func (Interrupt) Kind() Kind       { return KindInterrupt }
func (History) Kind() Kind         { return KindMessages }
func (ContextSignal) Kind() Kind   { return KindContext }
func (ActionRequest) Kind() Kind   { return KindAction }

func (AssistantUpdate) isMessage() {}
func (VoiceText) isMessage()       {}
func (ConsoleText) isMessage()     {}
func (Audio) isMessage()           {}
func (Interrupt) isMessage()       {}
func (History) isMessage()         {}
func (ContextSignal) isMessage()   {}
func (ActionRequest) isMessage()   {}

// Decode validates the payload of env against the schema of its kind.
func Decode(env Envelope) (Message, error) {
	switch env.Type {
	case KindAudio:
		pcm, err := base64.StdEncoding.DecodeString(env.Payload)
		if err != nil {
			return nil, malformed(env, fmt.Errorf("audio payload: %w", err))
		}
		return Audio{PCM: pcm}, nil
	case KindInterrupt:
		return Interrupt{}, nil
	case KindConsole:
		return ConsoleText{Text: env.Payload}, nil
	case KindUser:
		return VoiceText{Speaker: KindUser, Text: env.Payload}, nil
	case KindAssistant:
		if !isObject(env.Payload) {
			return VoiceText{Speaker: KindAssistant, Text: env.Payload}, nil
		}
		var update AssistantUpdate
		if err := json.Unmarshal([]byte(env.Payload), &update); err != nil {
			return nil, malformed(env, fmt.Errorf("assistant payload: %w", err))
		}
		switch update.State {
		case AssistantStart, AssistantStream, AssistantComplete, AssistantFull:
			return update, nil
		default:
			return nil, malformed(env, fmt.Errorf("unknown assistant state %q", update.State))
		}
	case KindMessages:
		var history []SimpleMessage
		if err := json.Unmarshal([]byte(env.Payload), &history); err != nil {
			return nil, malformed(env, fmt.Errorf("messages payload: %w", err))
		}
		return History{Messages: history}, nil
	case KindContext:
		var signal ContextSignal
		if err := json.Unmarshal([]byte(env.Payload), &signal); err != nil {
			return nil, malformed(env, fmt.Errorf("context payload: %w", err))
		}
		return signal, nil
	case KindAction:
		var req ActionRequest
		if err := json.Unmarshal([]byte(env.Payload), &req); err != nil {
			return nil, malformed(env, fmt.Errorf("action payload: %w", err))
		}
		if req.Name == "" {
			return nil, malformed(env, fmt.Errorf("action without name"))
		}
		return req, nil
	default:
		return nil, malformed(env, fmt.Errorf("unknown kind %q", env.Type))
	}
}

func isObject(payload string) bool {
	return strings.HasPrefix(strings.TrimSpace(payload), "{")
}

func malformed(env Envelope, err error) error {
	frame, _ := json.Marshal(env)
	return &MalformedEnvelopeError{Frame: frame, Err: err}
}
