package protocol

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

// Codec encodes outbound values as JSON text frames and parses inbound
// frames as envelopes.
type Codec[U any] struct{}

// Encode implements the transport codec contract.
func (Codec[U]) Encode(v U) (int, []byte, error) {
	data, err := json.Marshal(v)
	return websocket.TextMessage, data, err
}

// Decode implements the transport codec contract.
func (Codec[U]) Decode(_ int, data []byte) (Envelope, error) {
	return ParseEnvelope(data)
}
