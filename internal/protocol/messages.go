// Package protocol defines the envelopes exchanged with the assistant service
// and decodes them into typed messages.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Kind is the discriminator of an envelope.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindAudio     Kind = "audio"
	KindConsole   Kind = "console"
	KindInterrupt Kind = "interrupt"
	KindMessages  Kind = "messages"

	// Application kinds carried by the chat channel.
	KindContext Kind = "context"
	KindAction  Kind = "action"
)

// Envelope is one unit on the wire. Payload holds the unquoted text when the
// payload is a JSON string, otherwise the raw JSON of the payload value.
type Envelope struct {
	Type    Kind   `json:"type"`
	Payload string `json:"payload"`
}

type wireEnvelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UnmarshalJSON accepts both string and structured payloads.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Type = w.Type
	e.Payload = ""
	raw := bytes.TrimSpace(w.Payload)
	switch {
	case len(raw) == 0, bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		e.Payload = s
	default:
		e.Payload = string(raw)
	}
	return nil
}

// MalformedEnvelopeError reports an inbound frame that could not be decoded.
type MalformedEnvelopeError struct {
	Frame []byte
	Err   error
}

func (e *MalformedEnvelopeError) Error() string {
	return fmt.Sprintf("malformed envelope (%d bytes): %v", len(e.Frame), e.Err)
}

func (e *MalformedEnvelopeError) Unwrap() error { return e.Err }

// ParseEnvelope decodes a raw wire frame.
func ParseEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, &MalformedEnvelopeError{Frame: frame, Err: err}
	}
	if env.Type == "" {
		return Envelope{}, &MalformedEnvelopeError{Frame: frame, Err: fmt.Errorf("missing type")}
	}
	return env, nil
}

// SimpleMessage is the history item replayed to the voice endpoint.
type SimpleMessage struct {
	Name  string `json:"name"`
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

// Preferences are the caller settings sent once per call.
type Preferences struct {
	User      string  `json:"user"`
	Threshold float64 `json:"threshold"`
	Silence   int     `json:"silence"`
	Prefix    int     `json:"prefix"`
}

// NewAudio wraps a PCM16LE frame.
func NewAudio(pcm []byte) Envelope {
	return Envelope{Type: KindAudio, Payload: base64.StdEncoding.EncodeToString(pcm)}
}

// NewMessages serializes the conversation history.
func NewMessages(history []SimpleMessage) (Envelope, error) {
	if history == nil {
		history = []SimpleMessage{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode history: %w", err)
	}
	return Envelope{Type: KindMessages, Payload: string(data)}, nil
}

// NewPreferences builds the user settings envelope.
func NewPreferences(p Preferences) (Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode preferences: %w", err)
	}
	return Envelope{Type: KindUser, Payload: string(data)}, nil
}

// NewInterrupt asks the assistant to respond now.
func NewInterrupt() Envelope {
	return Envelope{Type: KindInterrupt, Payload: ""}
}

// NewUserText sends a typed user utterance.
func NewUserText(text string) Envelope {
	return Envelope{Type: KindUser, Payload: text}
}
