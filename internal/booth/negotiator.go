// Package booth pairs the two interpreters of one language into a private
// connection and runs the on-air handover exchange between them.
package booth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BioHazard786/Boothcall/internal/logging"
	"github.com/BioHazard786/Boothcall/internal/media"
	"github.com/BioHazard786/Boothcall/internal/peers"
	"github.com/BioHazard786/Boothcall/internal/signaling"
	"github.com/BioHazard786/Boothcall/internal/webrtc"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNoPartner         = errors.New("no booth partner")
	ErrNoPendingHandover = errors.New("no pending handover")
	ErrHandoverPending   = errors.New("handover already pending")
)

// DefaultWindow is how long a handover request stays open.
const DefaultWindow = 10 * time.Second

// State is the pairing state of the booth.
type State string

const (
	StateIdle           State = "idle"
	StateFindingPartner State = "finding-partner"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
)

// Channel is the part of a signaling channel the booth uses.
type Channel interface {
	SelfID() string
	Join(p signaling.Presence) error
	Leave() error
	SendSignal(target string, payload signaling.SignalPayload) error
	SendEvent(target string, event signaling.RoomEvent) error
	OnSignal(fn func(senderID string, payload signaling.SignalPayload))
	OnEvent(fn func(senderID string, event signaling.RoomEvent))
	OnPresence(fn func(members map[string]signaling.Presence))
}

// Handover is one request to pass on-air status to the partner.
type Handover struct {
	RequestID string
	From      string
	Deadline  time.Time
	// Outgoing is true on the requester's side.
	Outgoing bool
}

// Remaining returns the countdown shown to the user.
func (h Handover) Remaining(now time.Time) time.Duration {
	if d := h.Deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// EventKind identifies a booth notification.
type EventKind string

const (
	EventStateChanged      EventKind = "state"
	EventPartnerStream     EventKind = "partner_stream"
	EventHandoverRequested EventKind = "handover_requested"
	// EventHandoverCompleted is emitted on both sides once the partner
	// accepts; the requester has been muted by then.
	EventHandoverCompleted EventKind = "handover_completed"
	EventHandoverCancelled EventKind = "handover_cancelled"
)

// Event is sent on the Events channel.
type Event struct {
	Kind     EventKind
	State    State
	Partner  string
	Handover Handover
}

// Options configures a Negotiator.
type Options struct {
	Room   string
	Dialer webrtc.Dialer
	// Channel opens the signaling channel for a booth topic.
	Channel func(topic string) Channel
	// Stream is the local stream sent to the partner.
	Stream *media.Stream
	// Mute is called when the partner accepts our handover request.
	Mute   func()
	Window time.Duration
	Log    logging.Logger
	Now    func() time.Time
}

// Negotiator runs one interpreter's side of a booth.
type Negotiator struct {
	opts Options
	log  logging.Logger

	mu            sync.Mutex
	language      string
	presence      signaling.Presence
	channel       Channel
	state         State
	partner       string
	conn          webrtc.Conn
	partnerStream *peers.Stream
	pending       *Handover
	events        chan Event
}

// New creates an idle Negotiator.
func New(opts Options) *Negotiator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	return &Negotiator{
		opts:   opts,
		log:    opts.Log.With(zap.String("component", "booth")),
		state:  StateIdle,
		events: make(chan Event, 32),
	}
}

// Events delivers booth notifications to the UI.
func (n *Negotiator) Events() <-chan Event {
	return n.events
}

func (n *Negotiator) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		n.log.Warn("dropping booth event", zap.String("kind", string(ev.Kind)))
	}
}

// State returns the pairing state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Partner returns the partner id, or "" when alone.
func (n *Negotiator) Partner() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.partner
}

// IsConnected reports whether the private connection is up.
func (n *Negotiator) IsConnected() bool {
	return n.State() == StateConnected
}

// PartnerStream returns the partner's stream once its tracks arrive.
func (n *Negotiator) PartnerStream() *peers.Stream {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.partnerStream
}

// ReplaceTrack swaps a booth line track on the partner connection after a
// device switch.
func (n *Negotiator) ReplaceTrack(old, cur *media.Track) {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.ReplaceTrack(old, cur); err != nil {
		n.log.Warn("failed to replace booth track", zap.Error(err))
	}
}

// Language returns the booth language, or "" when idle.
func (n *Negotiator) Language() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.language
}

// SetLanguage moves the interpreter to the booth of language. An empty
// language leaves any booth and returns to idle.
func (n *Negotiator) SetLanguage(language string, presence signaling.Presence) error {
	n.mu.Lock()
	if language == n.language {
		n.mu.Unlock()
		return nil
	}
	old := n.channel
	conn := n.conn
	n.channel = nil
	n.conn = nil
	n.partner = ""
	n.partnerStream = nil
	n.pending = nil
	n.language = language
	n.presence = presence
	n.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if old != nil {
		if err := old.Leave(); err != nil {
			n.log.Warn("failed to leave booth", zap.Error(err))
		}
	}

	if language == "" {
		n.setState(StateIdle)
		return nil
	}

	ch := n.opts.Channel(signaling.BoothTopic(n.opts.Room, language))
	ch.OnPresence(func(members map[string]signaling.Presence) { n.handlePresence(ch, members) })
	ch.OnSignal(func(from string, p signaling.SignalPayload) { n.handleSignal(ch, from, p) })
	ch.OnEvent(func(from string, e signaling.RoomEvent) { n.handleEvent(ch, from, e) })

	n.mu.Lock()
	n.channel = ch
	n.mu.Unlock()
	n.setState(StateFindingPartner)

	if err := ch.Join(presence); err != nil {
		return fmt.Errorf("join booth %s: %w", language, err)
	}
	n.log.Info("joined booth", zap.String("language", language))
	return nil
}

// Close leaves the booth.
func (n *Negotiator) Close() {
	n.SetLanguage("", signaling.Presence{})
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	if n.state == s {
		n.mu.Unlock()
		return
	}
	n.state = s
	partner := n.partner
	n.mu.Unlock()

	n.emit(Event{Kind: EventStateChanged, State: s, Partner: partner})
}

// handlePresence pairs the two smallest ids of the booth. Anyone else waits
// in finding-partner until one of them leaves.
func (n *Negotiator) handlePresence(ch Channel, members map[string]signaling.Presence) {
	self := ch.SelfID()
	partner := pairedWith(self, members)

	n.mu.Lock()
	if n.channel != ch {
		n.mu.Unlock()
		return
	}
	if partner == n.partner && (partner == "" || n.conn != nil) {
		n.mu.Unlock()
		return
	}
	var dropped *Handover
	if partner != n.partner {
		dropped = n.pending
		n.pending = nil
	}
	old := n.conn
	n.conn = nil
	n.partner = partner
	n.partnerStream = nil
	n.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if dropped != nil {
		n.log.Info("partner changed, dropping handover", zap.String("request", dropped.RequestID))
		n.emit(Event{Kind: EventHandoverCancelled, State: n.State(), Handover: *dropped})
	}

	if partner == "" {
		n.setState(StateFindingPartner)
		return
	}

	n.setState(StateConnecting)
	if err := n.dial(ch, partner, peers.ShouldInitiate(self, partner), ""); err != nil {
		n.log.Warn("failed to connect to booth partner", zap.String("partner", partner), zap.Error(err))
	}
}

// pairedWith returns self's partner when self is one of the two smallest
// ids among members, or "".
func pairedWith(self string, members map[string]signaling.Presence) string {
	all := make(map[string]signaling.Presence, len(members)+1)
	for id, p := range members {
		all[id] = p
	}
	all[self] = signaling.Presence{}

	ids := signaling.SortedIDs(all)
	if len(ids) < 2 {
		return ""
	}
	switch self {
	case ids[0]:
		return ids[1]
	case ids[1]:
		return ids[0]
	}
	return ""
}

func (n *Negotiator) dial(ch Channel, partner string, initiator bool, connID string) error {
	var streams []*media.Stream
	if n.opts.Stream != nil {
		streams = append(streams, n.opts.Stream)
	}

	var conn webrtc.Conn
	events := webrtc.Events{
		OnSignal: func(p signaling.SignalPayload) {
			if err := ch.SendSignal(partner, p); err != nil {
				n.log.Warn("failed to send booth signal", zap.Error(err))
			}
		},
		OnConnected: func() {
			if n.isCurrent(conn) {
				n.setState(StateConnected)
			}
		},
		OnStream: func(rs webrtc.RemoteStream) {
			n.addPartnerStream(conn, rs)
		},
		OnClosed: func(err error) {
			n.mu.Lock()
			if n.conn != conn {
				n.mu.Unlock()
				return
			}
			n.conn = nil
			n.partner = ""
			n.partnerStream = nil
			n.mu.Unlock()

			n.log.Warn("booth connection closed", zap.Error(err))
			n.setState(StateFindingPartner)
		},
		OnData: func(data []byte) {
			n.handleData(ch, partner, data)
		},
	}

	c, err := n.opts.Dialer.Dial(webrtc.Options{
		PeerID:      partner,
		Initiator:   initiator,
		ConnID:      connID,
		Streams:     streams,
		DataChannel: true,
	}, events)
	if err != nil {
		return err
	}
	conn = c

	n.mu.Lock()
	if n.channel != ch || n.partner != partner || n.conn != nil {
		n.mu.Unlock()
		c.Close()
		return nil
	}
	n.conn = c
	n.mu.Unlock()

	if initiator {
		return c.Negotiate()
	}
	return nil
}

func (n *Negotiator) isCurrent(conn webrtc.Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return conn != nil && n.conn == conn
}

func (n *Negotiator) addPartnerStream(conn webrtc.Conn, rs webrtc.RemoteStream) {
	n.mu.Lock()
	if conn == nil || n.conn != conn {
		n.mu.Unlock()
		return
	}
	if n.partnerStream == nil || n.partnerStream.ID != rs.ID {
		n.partnerStream = &peers.Stream{ID: rs.ID, Role: rs.Role}
	}
	s := n.partnerStream
	if !s.Has(rs.Kind) {
		s.Kinds = append(s.Kinds, rs.Kind)
	}
	if rs.Track != nil {
		s.Tracks = append(s.Tracks, rs.Track)
	}
	partner := n.partner
	n.mu.Unlock()

	n.emit(Event{Kind: EventPartnerStream, State: n.State(), Partner: partner})
}

func (n *Negotiator) handleSignal(ch Channel, from string, p signaling.SignalPayload) {
	n.mu.Lock()
	if n.channel != ch || from != n.partner {
		n.mu.Unlock()
		n.log.Debug("dropping booth signal", zap.String("from", from), zap.String("type", p.Type))
		return
	}
	conn := n.conn
	n.mu.Unlock()

	// A fresh offer from the partner replaces a stale connection.
	if p.Type == signaling.SignalOffer && conn != nil && conn.ID() != "" && p.ConnID != "" && conn.ID() != p.ConnID {
		n.mu.Lock()
		if n.conn == conn {
			n.conn = nil
		}
		n.mu.Unlock()
		conn.Close()
		conn = nil
	}
	if conn == nil && p.Type == signaling.SignalOffer {
		if err := n.dial(ch, from, false, p.ConnID); err != nil {
			n.log.Warn("failed to answer booth offer", zap.Error(err))
			return
		}
		n.mu.Lock()
		conn = n.conn
		n.mu.Unlock()
		n.setState(StateConnecting)
	}
	if conn == nil {
		return
	}

	if err := conn.Signal(p); err != nil {
		n.log.Warn("booth negotiation failed", zap.Error(err))
	}
}

// RequestHandover asks the partner to go on air within the window.
func (n *Negotiator) RequestHandover() (Handover, error) {
	now := n.opts.Now()

	n.mu.Lock()
	if n.partner == "" || n.channel == nil {
		n.mu.Unlock()
		return Handover{}, ErrNoPartner
	}
	if n.pending != nil && n.pending.Deadline.After(now) {
		n.mu.Unlock()
		return Handover{}, ErrHandoverPending
	}
	h := Handover{
		RequestID: uuid.NewString(),
		From:      n.channel.SelfID(),
		Deadline:  now.Add(n.opts.Window),
		Outgoing:  true,
	}
	n.pending = &h
	n.mu.Unlock()

	if err := n.send(webrtc.ControlHandoverRequest, h); err != nil {
		n.mu.Lock()
		if n.pending != nil && n.pending.RequestID == h.RequestID {
			n.pending = nil
		}
		n.mu.Unlock()
		return Handover{}, err
	}
	n.log.Info("handover requested", zap.String("request", h.RequestID))
	return h, nil
}

// AcceptHandover accepts the partner's pending request. The requester mutes
// itself when the acceptance arrives.
func (n *Negotiator) AcceptHandover() error {
	now := n.opts.Now()

	n.mu.Lock()
	h := n.pending
	if h == nil || h.Outgoing {
		n.mu.Unlock()
		return ErrNoPendingHandover
	}
	n.pending = nil
	n.mu.Unlock()

	if !h.Deadline.After(now) {
		return fmt.Errorf("request %s expired: %w", h.RequestID, ErrNoPendingHandover)
	}
	if err := n.send(webrtc.ControlHandoverAccept, *h); err != nil {
		return err
	}

	n.emit(Event{Kind: EventHandoverCompleted, State: n.State(), Partner: h.From, Handover: *h})
	return nil
}

// CancelHandover withdraws our request or declines the partner's.
func (n *Negotiator) CancelHandover() error {
	n.mu.Lock()
	h := n.pending
	n.pending = nil
	n.mu.Unlock()

	if h == nil {
		return ErrNoPendingHandover
	}
	if err := n.send(webrtc.ControlHandoverCancel, *h); err != nil {
		n.log.Warn("failed to send handover cancel", zap.Error(err))
	}
	n.emit(Event{Kind: EventHandoverCancelled, State: n.State(), Handover: *h})
	return nil
}

// Pending returns the unexpired handover request, if any. An ignored
// request simply stops being reported once its countdown ends.
func (n *Negotiator) Pending() (Handover, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pending == nil || !n.pending.Deadline.After(n.opts.Now()) {
		return Handover{}, false
	}
	return *n.pending, true
}

// send delivers a control message over the data channel, falling back to a
// targeted event on the booth topic when the channel is not open.
func (n *Negotiator) send(msgType string, h Handover) error {
	n.mu.Lock()
	conn, ch, partner := n.conn, n.channel, n.partner
	n.mu.Unlock()

	if ch == nil || partner == "" {
		return ErrNoPartner
	}

	payload := webrtc.HandoverPayload{RequestID: h.RequestID, From: h.From, Deadline: h.Deadline.UnixMilli()}
	if conn != nil {
		msg, err := webrtc.NewMessage(msgType, payload)
		if err != nil {
			return err
		}
		data, err := msg.Encode()
		if err != nil {
			return err
		}
		err = conn.Send(data)
		if err == nil {
			return nil
		}
		n.log.Debug("control channel unavailable, using booth topic", zap.Error(err))
	}

	return ch.SendEvent(partner, signaling.RoomEvent{
		Type: eventTypeFor(msgType),
		Payload: signaling.EventPayload{
			TargetID:  partner,
			UserID:    h.From,
			RequestID: h.RequestID,
			Deadline:  payload.Deadline,
		},
	})
}

func eventTypeFor(msgType string) string {
	switch msgType {
	case webrtc.ControlHandoverRequest:
		return signaling.EventHandoverRequest
	case webrtc.ControlHandoverAccept:
		return signaling.EventHandoverAccept
	default:
		return signaling.EventHandoverCancel
	}
}

func controlTypeFor(eventType string) (string, bool) {
	switch eventType {
	case signaling.EventHandoverRequest:
		return webrtc.ControlHandoverRequest, true
	case signaling.EventHandoverAccept:
		return webrtc.ControlHandoverAccept, true
	case signaling.EventHandoverCancel:
		return webrtc.ControlHandoverCancel, true
	}
	return "", false
}

func (n *Negotiator) handleData(ch Channel, from string, data []byte) {
	msg, err := webrtc.DecodeMessage(data)
	if err != nil {
		n.log.Warn("bad control message", zap.Error(err))
		return
	}
	var p webrtc.HandoverPayload
	if err := msg.DecodePayload(&p); err != nil {
		n.log.Warn("bad handover payload", zap.Error(err))
		return
	}
	n.handleControl(ch, from, msg.Type, p)
}

func (n *Negotiator) handleEvent(ch Channel, from string, e signaling.RoomEvent) {
	msgType, ok := controlTypeFor(e.Type)
	if !ok {
		return
	}
	n.handleControl(ch, from, msgType, webrtc.HandoverPayload{
		RequestID: e.Payload.RequestID,
		From:      e.Payload.UserID,
		Deadline:  e.Payload.Deadline,
	})
}

func (n *Negotiator) handleControl(ch Channel, from, msgType string, p webrtc.HandoverPayload) {
	n.mu.Lock()
	if n.channel != ch || from != n.partner {
		n.mu.Unlock()
		return
	}

	switch msgType {
	case webrtc.ControlHandoverRequest:
		h := Handover{RequestID: p.RequestID, From: from, Deadline: time.UnixMilli(p.Deadline)}
		n.pending = &h
		n.mu.Unlock()
		n.emit(Event{Kind: EventHandoverRequested, State: n.State(), Partner: from, Handover: h})

	case webrtc.ControlHandoverAccept:
		h := n.pending
		if h == nil || !h.Outgoing || h.RequestID != p.RequestID {
			n.mu.Unlock()
			return
		}
		n.pending = nil
		n.mu.Unlock()

		if n.opts.Mute != nil {
			n.opts.Mute()
		}
		n.log.Info("handover accepted", zap.String("request", h.RequestID))
		n.emit(Event{Kind: EventHandoverCompleted, State: n.State(), Partner: from, Handover: *h})

	case webrtc.ControlHandoverCancel:
		h := n.pending
		if h == nil || h.RequestID != p.RequestID {
			n.mu.Unlock()
			return
		}
		n.pending = nil
		n.mu.Unlock()
		n.emit(Event{Kind: EventHandoverCancelled, State: n.State(), Partner: from, Handover: *h})

	default:
		n.mu.Unlock()
	}
}
