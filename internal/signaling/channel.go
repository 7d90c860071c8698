package signaling

import (
	"sort"
	"sync"
)

// Sender delivers envelopes to the server. Client implements it.
type Sender interface {
	SendMessage(msg *Message) error
	SelfID() string
}

// Channel is one topic on the realtime transport: presence membership plus
// point-to-point or broadcast messages scoped to that topic.
type Channel struct {
	topic  string
	sender Sender

	mu       sync.RWMutex
	joined   bool
	presence Presence
	members  map[string]Presence

	onSignal   func(senderID string, payload SignalPayload)
	onEvent    func(senderID string, event RoomEvent)
	onPresence func(members map[string]Presence)
	onSettings func(settings RoomSettings)
	onError    func(msg string)
}

// NewChannel creates a channel for topic that sends through sender.
func NewChannel(topic string, sender Sender) *Channel {
	return &Channel{
		topic:   topic,
		sender:  sender,
		members: make(map[string]Presence),
	}
}

// Topic returns the channel topic.
func (ch *Channel) Topic() string {
	return ch.topic
}

// SelfID returns the local participant id.
func (ch *Channel) SelfID() string {
	return ch.sender.SelfID()
}

// Join announces local presence on the topic.
func (ch *Channel) Join(p Presence) error {
	msg, err := NewMessage(MessageTypeJoin, ch.topic, p)
	if err != nil {
		return err
	}
	if err := ch.sender.SendMessage(msg); err != nil {
		return err
	}

	ch.mu.Lock()
	ch.joined = true
	ch.presence = p
	ch.mu.Unlock()
	return nil
}

// Track republishes local presence after a metadata change.
func (ch *Channel) Track(p Presence) error {
	ch.mu.Lock()
	joined := ch.joined
	ch.presence = p
	ch.mu.Unlock()

	if !joined {
		return ErrNotJoined
	}

	msg, err := NewMessage(MessageTypeTrack, ch.topic, p)
	if err != nil {
		return err
	}
	return ch.sender.SendMessage(msg)
}

// Leave removes local presence from the topic.
func (ch *Channel) Leave() error {
	ch.mu.Lock()
	joined := ch.joined
	ch.joined = false
	ch.members = make(map[string]Presence)
	ch.mu.Unlock()

	if !joined {
		return nil
	}
	return ch.sender.SendMessage(&Message{Type: MessageTypeLeave, Topic: ch.topic})
}

func (ch *Channel) rejoin() error {
	ch.mu.RLock()
	joined, p := ch.joined, ch.presence
	ch.mu.RUnlock()

	if !joined {
		return nil
	}
	return ch.Join(p)
}

// SendSignal sends a negotiation message to target.
func (ch *Channel) SendSignal(target string, payload SignalPayload) error {
	return ch.send(MessageTypeSignal, target, payload)
}

// SendEvent sends a room event; an empty target broadcasts it.
func (ch *Channel) SendEvent(target string, event RoomEvent) error {
	return ch.send(MessageTypeEvent, target, event)
}

func (ch *Channel) send(msgType, target string, payload any) error {
	ch.mu.RLock()
	joined := ch.joined
	ch.mu.RUnlock()
	if !joined {
		return ErrNotJoined
	}

	msg, err := NewMessage(msgType, ch.topic, payload)
	if err != nil {
		return err
	}
	msg.TargetID = target
	return ch.sender.SendMessage(msg)
}

// OnSignal registers the handler for negotiation messages.
func (ch *Channel) OnSignal(fn func(senderID string, payload SignalPayload)) {
	ch.mu.Lock()
	ch.onSignal = fn
	ch.mu.Unlock()
}

// OnEvent registers the handler for room events.
func (ch *Channel) OnEvent(fn func(senderID string, event RoomEvent)) {
	ch.mu.Lock()
	ch.onEvent = fn
	ch.mu.Unlock()
}

// OnPresence registers the handler for membership snapshots.
func (ch *Channel) OnPresence(fn func(members map[string]Presence)) {
	ch.mu.Lock()
	ch.onPresence = fn
	ch.mu.Unlock()
}

// OnSettings registers the handler for room settings updates.
func (ch *Channel) OnSettings(fn func(settings RoomSettings)) {
	ch.mu.Lock()
	ch.onSettings = fn
	ch.mu.Unlock()
}

// OnError registers the handler for server errors on this topic.
func (ch *Channel) OnError(fn func(msg string)) {
	ch.mu.Lock()
	ch.onError = fn
	ch.mu.Unlock()
}

// Members returns a copy of the last membership snapshot.
func (ch *Channel) Members() map[string]Presence {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	out := make(map[string]Presence, len(ch.members))
	for id, p := range ch.members {
		out[id] = p
	}
	return out
}

// MemberIDs returns the sorted ids of the last membership snapshot.
func (ch *Channel) MemberIDs() []string {
	return SortedIDs(ch.Members())
}

// SortedIDs returns the keys of a membership map in lexicographic order.
func SortedIDs(members map[string]Presence) []string {
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// deliver routes an incoming message to the registered handler. Messages
// addressed to someone else and echoes of our own messages are dropped.
func (ch *Channel) deliver(msg *Message) {
	self := ch.sender.SelfID()
	if msg.TargetID != "" && msg.TargetID != self {
		return
	}
	if msg.SenderID == self && (msg.Type == MessageTypeSignal || msg.Type == MessageTypeEvent) {
		return
	}

	ch.mu.RLock()
	onSignal, onEvent, onPresence := ch.onSignal, ch.onEvent, ch.onPresence
	onSettings, onError := ch.onSettings, ch.onError
	ch.mu.RUnlock()

	switch msg.Type {
	case MessageTypeSignal:
		var payload SignalPayload
		if err := msg.DecodePayload(&payload); err != nil || onSignal == nil {
			return
		}
		onSignal(msg.SenderID, payload)

	case MessageTypeEvent:
		var event RoomEvent
		if err := msg.DecodePayload(&event); err != nil || onEvent == nil {
			return
		}
		onEvent(msg.SenderID, event)

	case MessageTypePresenceSync:
		var sync PresenceSync
		if err := msg.DecodePayload(&sync); err != nil {
			return
		}
		if sync.Members == nil {
			sync.Members = make(map[string]Presence)
		}
		ch.mu.Lock()
		ch.members = sync.Members
		ch.mu.Unlock()
		if onPresence != nil {
			onPresence(ch.Members())
		}

	case MessageTypeSettings:
		var settings RoomSettings
		if err := msg.DecodePayload(&settings); err != nil || onSettings == nil {
			return
		}
		onSettings(settings)

	case MessageTypeError:
		var payload ErrorPayload
		if err := msg.DecodePayload(&payload); err != nil || onError == nil {
			return
		}
		onError(payload.Error)

	case MessageTypeJoined:
	}
}
