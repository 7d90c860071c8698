package signaling

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is the envelope of every WebSocket message between client and server.
type Message struct {
	Type     string          `json:"type"`
	Topic    string          `json:"topic,omitempty"`
	SenderID string          `json:"sender_id,omitempty"`
	TargetID string          `json:"target_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Message type constants.
const (
	MessageTypeJoin   = "join"
	MessageTypeTrack  = "track"
	MessageTypeLeave  = "leave"
	MessageTypeSignal = "signal"
	MessageTypeEvent  = "event"

	MessageTypeJoined       = "joined"
	MessageTypePresenceSync = "presence_sync"
	MessageTypeSettings     = "settings"
	MessageTypeError        = "error"
)

// Signal types carried in SignalPayload.Type.
const (
	SignalOffer       = "offer"
	SignalAnswer      = "answer"
	SignalCandidate   = "candidate"
	SignalRenegotiate = "renegotiate"
)

// Stream roles tagged on offers and answers.
const (
	StreamRolePrimary      = "primary"
	StreamRolePresentation = "presentation"
)

// SignalPayload represents WebRTC signaling data (SDP offer/answer, ICE
// candidate, or a renegotiation request from the answering side).
type SignalPayload struct {
	Type      string            `json:"type"`
	SDP       string            `json:"sdp,omitempty"`
	Candidate json.RawMessage   `json:"candidate,omitempty"`
	ConnID    string            `json:"conn_id,omitempty"`
	Streams   map[string]string `json:"streams,omitempty"`

	// Kinds the answering side needs transceivers for before it can send
	// new tracks. Only set on renegotiate requests.
	Transceivers []string `json:"transceivers,omitempty"`
}

// Participant roles.
const (
	RoleParticipant = "participant"
	RoleInterpreter = "interpreter"
	RoleAdmin       = "admin"
)

// Presence is the metadata each participant publishes on a topic.
type Presence struct {
	Name         string `json:"name"`
	Role         string `json:"role"`
	MicOn        bool   `json:"micOn"`
	CameraOn     bool   `json:"cameraOn"`
	HandRaised   bool   `json:"handRaised"`
	Language     string `json:"language,omitempty"`
	IsHost       bool   `json:"isHost"`
	AudioBlocked bool   `json:"audioBlocked"`
}

// PresenceSync is the membership snapshot sent whenever presence changes.
type PresenceSync struct {
	Members map[string]Presence `json:"members"`
}

// Room event types.
const (
	EventKick                = "KICK"
	EventMute                = "MUTE"
	EventBlockAudio          = "BLOCK_AUDIO"
	EventUnblockAudio        = "UNBLOCK_AUDIO"
	EventSetRole             = "SET_ROLE"
	EventSetAllowedLanguages = "SET_ALLOWED_LANGUAGES"
	EventScreenShare         = "SCREEN_SHARE"
	EventEndRoom             = "END_ROOM"
	EventRoomEnded           = "ROOM_ENDED"
	EventHandoverRequest     = "HANDOVER_REQUEST"
	EventHandoverAccept      = "HANDOVER_ACCEPT"
	EventHandoverCancel      = "HANDOVER_CANCEL"
)

// IsModeration reports whether only a host or admin may send the event type.
func IsModeration(eventType string) bool {
	switch eventType {
	case EventKick, EventMute, EventBlockAudio, EventUnblockAudio,
		EventSetRole, EventSetAllowedLanguages, EventEndRoom:
		return true
	}
	return false
}

// IsServerOnly reports whether the event type may only originate from the
// server. Clients receive these with an empty sender id.
func IsServerOnly(eventType string) bool {
	return eventType == EventRoomEnded
}

// RoomEvent is an asynchronous room-scoped command or notification.
type RoomEvent struct {
	Type    string       `json:"type"`
	Payload EventPayload `json:"payload"`
}

// EventPayload carries the fields used by the different event types.
type EventPayload struct {
	TargetID  string   `json:"targetId,omitempty"`
	Role      string   `json:"role,omitempty"`
	Languages []string `json:"languages,omitempty"`
	UserID    string   `json:"userId,omitempty"`
	Active    bool     `json:"active,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
	Deadline  int64    `json:"deadline,omitempty"` // unix milliseconds
	Reason    string   `json:"reason,omitempty"`
}

// Interpreter assigns an interpreter (by email) to one or more languages.
type Interpreter struct {
	Email string   `json:"email" yaml:"email"`
	Lang  string   `json:"lang,omitempty" yaml:"lang,omitempty"`
	Langs []string `json:"langs,omitempty" yaml:"langs,omitempty"`
}

// Languages returns every language the interpreter is assigned to.
func (i Interpreter) Languages() []string {
	out := append([]string(nil), i.Langs...)
	if i.Lang != "" && !contains(out, i.Lang) {
		out = append(out, i.Lang)
	}
	return out
}

// RoomSettings is the persisted key-value side-channel of a room.
type RoomSettings struct {
	ActiveLanguages []string      `json:"active_languages" yaml:"active_languages"`
	Interpreters    []Interpreter `json:"interpreters" yaml:"interpreters"`
	MinutesActive   bool          `json:"minutes_active" yaml:"minutes_active"`
	HostID          string        `json:"host_id,omitempty" yaml:"host_id,omitempty"`
	Personal        bool          `json:"personal,omitempty" yaml:"personal,omitempty"`
}

// LanguagesFor returns the languages assigned to the interpreter with the
// given email, or nil when none are assigned.
func (s RoomSettings) LanguagesFor(email string) []string {
	for _, i := range s.Interpreters {
		if strings.EqualFold(i.Email, email) {
			return i.Languages()
		}
	}
	return nil
}

// ErrorPayload represents error messages from server.
type ErrorPayload struct {
	Error string `json:"error"`
}

// RoomTopic returns the topic of a room's main channel.
func RoomTopic(roomID string) string {
	return "room:" + roomID
}

// BoothTopic returns the topic shared by interpreters of one language.
func BoothTopic(roomID, language string) string {
	return fmt.Sprintf("booth:%s:%s", roomID, language)
}

// IsRoomTopic reports whether topic is a room's main channel and returns the room id.
func IsRoomTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, "room:")
	return id, ok && id != ""
}

// NewMessage builds an envelope with a JSON-encoded payload.
func NewMessage(msgType, topic string, payload any) (*Message, error) {
	msg := &Message{Type: msgType, Topic: topic}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = b
	}
	return msg, nil
}

// DecodePayload decodes the message payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
