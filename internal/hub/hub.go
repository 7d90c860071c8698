// Package hub is the realtime backend: topic presence, signal relay and
// room moderation for every connected client.
package hub

import (
	"context"
	"time"

	"github.com/BioHazard786/Boothcall/internal/logging"
	"github.com/BioHazard786/Boothcall/internal/settings"
	"github.com/BioHazard786/Boothcall/internal/signaling"
	"go.uber.org/zap"
)

const (
	DefaultMaxDuration   = 120 * time.Minute
	DefaultCheckInterval = time.Minute

	storeTimeout = 3 * time.Second
)

type inbound struct {
	client *Client
	msg    *signaling.Message
}

type settingsUpdate struct {
	roomID   string
	settings signaling.RoomSettings
}

// Options configures a Hub.
type Options struct {
	Store         settings.Store
	MaxDuration   time.Duration
	CheckInterval time.Duration
	Log           logging.Logger
	Now           func() time.Time
}

// Hub is the central brain of the signaling server. A single goroutine
// (Run) owns every topic and client; everything else talks to it through
// channels.
type Hub struct {
	store         settings.Store
	maxDuration   time.Duration
	checkInterval time.Duration
	log           logging.Logger
	now           func() time.Time

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	updates    chan settingsUpdate
	queries    chan func()
	done       chan struct{}

	clients map[*Client]bool
	topics  map[string]*topic
}

// New creates a Hub.
func New(opts Options) *Hub {
	if opts.Store == nil {
		opts.Store = settings.NewMemoryStore()
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		store:         opts.Store,
		maxDuration:   opts.MaxDuration,
		checkInterval: opts.CheckInterval,
		log:           opts.Log.With(zap.String("component", "hub")),
		now:           opts.Now,
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		inbound:       make(chan inbound, 64),
		updates:       make(chan settingsUpdate, 16),
		queries:       make(chan func()),
		done:          make(chan struct{}),
		clients:       make(map[*Client]bool),
		topics:        make(map[string]*topic),
	}
}

// Register adds a connected client.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister removes a client from every topic and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// receive hands a message to the hub. It returns false once the hub stopped.
func (h *Hub) receive(c *Client, msg *signaling.Message) bool {
	select {
	case h.inbound <- inbound{client: c, msg: msg}:
		return true
	case <-h.done:
		return false
	}
}

// PushSettings stores nothing; it sends updated settings to the room's
// members and re-elects the host.
func (h *Hub) PushSettings(roomID string, s signaling.RoomSettings) {
	select {
	case h.updates <- settingsUpdate{roomID: roomID, settings: s}:
	case <-h.done:
	}
}

// RoomActive reports whether anyone is in the room's main topic.
func (h *Hub) RoomActive(roomID string) bool {
	result := make(chan bool, 1)
	select {
	case h.queries <- func() {
		t := h.topics[signaling.RoomTopic(roomID)]
		result <- t != nil && len(t.members) > 0
	}:
		return <-result
	case <-h.done:
		return false
	}
}

// NewRoomID returns a fresh memorable room id.
func (h *Hub) NewRoomID() string {
	result := make(chan string, 1)
	select {
	case h.queries <- func() { result <- h.generateRoomID() }:
		return <-result
	case <-h.done:
		return h.generateRoomID()
	}
}

// Run is the single goroutine that manages all hub state.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.removeClient(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.log.Debug("client registered")

		case c := <-h.unregister:
			h.removeClient(c)

		case in := <-h.inbound:
			if h.clients[in.client] {
				h.handle(in.client, in.msg)
			}

		case u := <-h.updates:
			h.applySettings(u.roomID, u.settings)

		case fn := <-h.queries:
			fn()

		case <-ticker.C:
			h.expireRooms()
		}
	}
}

func (h *Hub) handle(c *Client, msg *signaling.Message) {
	if c.ID == "" {
		if msg.SenderID == "" {
			h.sendError(c, msg.Topic, "sender id required")
			return
		}
		c.ID = msg.SenderID
		h.log.Debug("client bound", zap.String("client", c.ID))
	}
	msg.SenderID = c.ID

	switch msg.Type {
	case signaling.MessageTypeJoin:
		var p signaling.Presence
		if err := msg.DecodePayload(&p); err != nil {
			h.sendError(c, msg.Topic, "invalid presence")
			return
		}
		h.join(c, msg.Topic, p)

	case signaling.MessageTypeTrack:
		var p signaling.Presence
		if err := msg.DecodePayload(&p); err != nil {
			h.sendError(c, msg.Topic, "invalid presence")
			return
		}
		h.track(c, msg.Topic, p)

	case signaling.MessageTypeLeave:
		h.leave(c, msg.Topic)

	case signaling.MessageTypeSignal:
		t := h.memberTopic(c, msg.Topic)
		if t == nil {
			return
		}
		h.relay(t, c, msg)

	case signaling.MessageTypeEvent:
		t := h.memberTopic(c, msg.Topic)
		if t == nil {
			return
		}
		var ev signaling.RoomEvent
		if err := msg.DecodePayload(&ev); err != nil {
			h.sendError(c, msg.Topic, "invalid event")
			return
		}
		h.event(t, c, msg, ev)

	default:
		h.log.Warn("unknown message type", zap.String("type", msg.Type), zap.String("client", c.ID))
	}
}

func (h *Hub) memberTopic(c *Client, name string) *topic {
	t := h.topics[name]
	if t == nil || t.members[c.ID] == nil || t.members[c.ID].client != c {
		h.sendError(c, name, "join the topic first")
		return nil
	}
	return t
}

func (h *Hub) join(c *Client, name string, p signaling.Presence) {
	t := h.topics[name]
	if t == nil {
		var ok bool
		if t, ok = newTopic(name, h.now()); !ok {
			h.sendError(c, name, "unknown topic")
			return
		}
		if t.isRoom {
			t.settings = h.loadSettings(t.roomID)
		}
		h.topics[name] = t
		h.log.Info("topic opened", zap.String("topic", name))
	}

	// A quick rejoin from a new connection replaces the stale one.
	if old := t.members[c.ID]; old != nil && old.client != c {
		delete(old.client.topics, name)
	}

	t.members[c.ID] = &member{client: c, presence: p}
	c.topics[name] = true
	t.electHost()

	h.send(c, &signaling.Message{Type: signaling.MessageTypeJoined, Topic: name})
	if t.isRoom {
		h.sendSettings(c, t)
	}
	h.sync(t)
}

func (h *Hub) track(c *Client, name string, p signaling.Presence) {
	t := h.memberTopic(c, name)
	if t == nil {
		return
	}
	m := t.members[c.ID]
	p.IsHost = m.presence.IsHost
	m.presence = p
	h.sync(t)
}

func (h *Hub) leave(c *Client, name string) {
	t := h.topics[name]
	if t == nil {
		return
	}
	if m := t.members[c.ID]; m != nil && m.client == c {
		h.removeMember(t, c.ID)
	}
}

func (h *Hub) removeMember(t *topic, id string) {
	m := t.members[id]
	if m == nil {
		return
	}
	delete(t.members, id)
	delete(m.client.topics, t.name)

	if len(t.members) == 0 {
		delete(h.topics, t.name)
		h.log.Info("topic closed", zap.String("topic", t.name))
		return
	}
	t.electHost()
	h.sync(t)
}

func (h *Hub) removeClient(c *Client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)

	for name := range c.topics {
		if t := h.topics[name]; t != nil {
			if m := t.members[c.ID]; m != nil && m.client == c {
				h.removeMember(t, c.ID)
			}
		}
	}
	close(c.send)
	h.log.Debug("client unregistered", zap.String("client", c.ID))
}

// relay forwards a message to its target, or to every other member when
// it has none.
func (h *Hub) relay(t *topic, from *Client, msg *signaling.Message) {
	if msg.TargetID != "" {
		if m := t.members[msg.TargetID]; m != nil {
			h.send(m.client, msg)
		}
		return
	}
	for id, m := range t.members {
		if id != from.ID {
			h.send(m.client, msg)
		}
	}
}

func (h *Hub) event(t *topic, c *Client, msg *signaling.Message, ev signaling.RoomEvent) {
	if signaling.IsServerOnly(ev.Type) {
		h.log.Warn("rejected server event from client", zap.String("client", c.ID), zap.String("type", ev.Type))
		h.sendError(c, t.name, ev.Type+" is sent by the server")
		return
	}
	if signaling.IsModeration(ev.Type) && !t.moderator(c.ID) {
		h.log.Warn("rejected moderation", zap.String("client", c.ID), zap.String("type", ev.Type))
		h.sendError(c, t.name, "only the host can "+ev.Type)
		return
	}

	switch ev.Type {
	case signaling.EventEndRoom:
		h.endRoom(t.roomID, c.ID, "ended by host")

	case signaling.EventKick:
		h.relay(t, c, msg)
		h.evict(t.roomID, ev.Payload.TargetID)

	default:
		h.relay(t, c, msg)
	}
}

// evict removes id from the room topic and every booth of the room.
func (h *Hub) evict(roomID, id string) {
	for _, t := range h.roomTopics(roomID) {
		h.removeMember(t, id)
	}
}

func (h *Hub) roomTopics(roomID string) []*topic {
	var out []*topic
	for _, t := range h.topics {
		if t.roomID == roomID {
			out = append(out, t)
		}
	}
	return out
}

// endRoom tells every member ROOM_ENDED and closes the room and its booths.
// The event comes from the server so the host who ended it receives it too.
func (h *Hub) endRoom(roomID, by, reason string) {
	t := h.topics[signaling.RoomTopic(roomID)]
	if t == nil {
		return
	}
	msg, err := signaling.NewMessage(signaling.MessageTypeEvent, t.name, signaling.RoomEvent{
		Type:    signaling.EventRoomEnded,
		Payload: signaling.EventPayload{UserID: by, Reason: reason},
	})
	if err != nil {
		return
	}
	for _, m := range t.members {
		h.send(m.client, msg)
	}

	for _, rt := range h.roomTopics(roomID) {
		for _, m := range rt.members {
			delete(m.client.topics, rt.name)
		}
		delete(h.topics, rt.name)
	}
	h.log.Info("room ended", zap.String("room", roomID), zap.String("reason", reason))
}

// expireRooms ends rooms that ran past the maximum duration. Personal rooms
// restart their clock instead.
func (h *Hub) expireRooms() {
	now := h.now()
	for _, t := range h.topics {
		if !t.isRoom || now.Sub(t.startedAt) < h.maxDuration {
			continue
		}
		if t.settings.Personal {
			t.startedAt = now
			h.log.Info("personal room restarted", zap.String("room", t.roomID))
			continue
		}
		h.endRoom(t.roomID, "", "time limit reached")
	}
}

func (h *Hub) loadSettings(roomID string) signaling.RoomSettings {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	s, err := h.store.Get(ctx, roomID)
	if err != nil {
		h.log.Error("failed to load room settings", err, zap.String("room", roomID))
	}
	return s
}

func (h *Hub) applySettings(roomID string, s signaling.RoomSettings) {
	t := h.topics[signaling.RoomTopic(roomID)]
	if t == nil {
		return
	}
	t.settings = s
	t.electHost()
	for _, m := range t.members {
		h.sendSettings(m.client, t)
	}
	h.sync(t)
}

func (h *Hub) sendSettings(c *Client, t *topic) {
	msg, err := signaling.NewMessage(signaling.MessageTypeSettings, t.name, t.settings)
	if err != nil {
		return
	}
	h.send(c, msg)
}

// sync sends the membership snapshot to every member.
func (h *Hub) sync(t *topic) {
	msg, err := signaling.NewMessage(signaling.MessageTypePresenceSync, t.name, signaling.PresenceSync{Members: t.presences()})
	if err != nil {
		h.log.Error("failed to encode presence", err)
		return
	}
	for _, m := range t.members {
		h.send(m.client, msg)
	}
}

func (h *Hub) sendError(c *Client, topic, text string) {
	msg, err := signaling.NewMessage(signaling.MessageTypeError, topic, signaling.ErrorPayload{Error: text})
	if err != nil {
		return
	}
	h.send(c, msg)
}

// send queues msg for c. A client whose buffer is full is too slow to keep
// up and is dropped.
func (h *Hub) send(c *Client, msg *signaling.Message) {
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
		h.log.Warn("dropping slow client", zap.String("client", c.ID))
		h.removeClient(c)
	}
}
