package webrtc

import "github.com/vmihailenco/msgpack/v5"

// Control message types exchanged on the booth data channel.
const (
	ControlHandoverRequest = "handover_request"
	ControlHandoverAccept  = "handover_accept"
	ControlHandoverCancel  = "handover_cancel"
)

// Message represents all WebRTC data channel messages
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// HandoverPayload identifies one handover request.
type HandoverPayload struct {
	RequestID string `msgpack:"requestId"`
	From      string `msgpack:"from"`
	Deadline  int64  `msgpack:"deadline"` // unix milliseconds
}

// DecodePayload decodes the message payload into the provided struct
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewMessage creates a new Message with the given type and payload
func NewMessage(t string, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Type:    t,
		Payload: b,
	}, nil
}

// Encode serializes the message for the data channel.
func (m Message) Encode() ([]byte, error) {
	return msgpack.Marshal(m)
}

// DecodeMessage parses a data channel frame.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	err := msgpack.Unmarshal(data, &m)
	return m, err
}
