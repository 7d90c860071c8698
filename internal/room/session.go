// Package room composes local media, the room signaling channel, the peer
// mesh and the interpreter booth into one call session.
package room

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/BioHazard786/Boothcall/internal/booth"
	"github.com/BioHazard786/Boothcall/internal/logging"
	"github.com/BioHazard786/Boothcall/internal/media"
	"github.com/BioHazard786/Boothcall/internal/peers"
	"github.com/BioHazard786/Boothcall/internal/signaling"
	"github.com/BioHazard786/Boothcall/internal/webrtc"
	"go.uber.org/zap"
)

var (
	ErrNotHost            = errors.New("only the host can do that")
	ErrKicked             = errors.New("removed from the room by the host")
	ErrRoomEnded          = errors.New("room ended")
	ErrNotInterpreter     = errors.New("only interpreters can broadcast a language")
	ErrLanguageNotAllowed = errors.New("language not allowed in this room")
	ErrAudioBlocked       = errors.New("audio blocked by the host")
	ErrLeft               = errors.New("session already left")
)

// Channel is the room topic as seen by the session.
type Channel interface {
	SelfID() string
	Join(p signaling.Presence) error
	Track(p signaling.Presence) error
	Leave() error
	SendSignal(target string, payload signaling.SignalPayload) error
	SendEvent(target string, event signaling.RoomEvent) error
	OnSignal(fn func(senderID string, payload signaling.SignalPayload))
	OnEvent(fn func(senderID string, event signaling.RoomEvent))
	OnPresence(fn func(members map[string]signaling.Presence))
	OnSettings(fn func(settings signaling.RoomSettings))
	OnError(fn func(msg string))
}

// EventKind identifies a session notification.
type EventKind string

const (
	// EventUpdated means the snapshot changed.
	EventUpdated EventKind = "updated"
	// EventModerated carries a moderation event applied to us.
	EventModerated EventKind = "moderated"
	// EventError reports a non-fatal failure such as degraded media.
	EventError EventKind = "error"
	// EventClosed is the last event; Err says why.
	EventClosed EventKind = "closed"
)

// Event is sent on the Events channel.
type Event struct {
	Kind EventKind
	Room signaling.RoomEvent
	Err  error
}

// Options configures a Session.
type Options struct {
	RoomID string
	// Email matches the interpreter assignments in the room settings.
	Email       string
	Presence    signaling.Presence
	Constraints media.Constraints

	Source  *media.Source
	Channel Channel
	Dialer  webrtc.Dialer
	// BoothChannel opens a booth topic on the same signaling connection.
	BoothChannel func(topic string) booth.Channel
	// Reconnect re-establishes the signaling transport before the peer set
	// is rebuilt. Optional.
	Reconnect func(ctx context.Context) error
	// SignalingState reports the transport state for snapshots. Optional.
	SignalingState func() signaling.State

	StaleTimeout   time.Duration
	SweepInterval  time.Duration
	HandoverWindow time.Duration

	Log logging.Logger
	Now func() time.Time
}

// Snapshot is an immutable view of the session for rendering.
type Snapshot struct {
	RoomID    string
	SelfID    string
	Self      signaling.Presence
	Members   map[string]signaling.Presence
	Peers     []peers.Peer
	Settings  signaling.RoomSettings
	Languages []string
	Presenter string
	Sharing   bool
	Signaling signaling.State

	Booth        booth.State
	BoothPartner string
	Handover     *booth.Handover
}

// Session is the call coordinator. It owns no media or transport state of its
// own; it wires the components together and applies room events to them.
type Session struct {
	opts    Options
	log     logging.Logger
	source  *media.Source
	channel Channel
	peers   *peers.Manager
	booth   *booth.Negotiator

	mu        sync.Mutex
	self      signaling.Presence
	members   map[string]signaling.Presence
	settings  signaling.RoomSettings
	allowed   []string
	presenter string
	cancel    context.CancelFunc
	left      bool

	events chan Event
}

// New wires a Session. Nothing is sent until Join.
func New(opts Options) *Session {
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Session{
		opts:    opts,
		log:     opts.Log.With(zap.String("component", "room"), zap.String("room", opts.RoomID)),
		source:  opts.Source,
		channel: opts.Channel,
		self:    opts.Presence,
		members: make(map[string]signaling.Presence),
		events:  make(chan Event, 64),
	}

	s.peers = peers.NewManager(peers.Options{
		SelfID:        opts.Channel.SelfID(),
		Dialer:        opts.Dialer,
		Signaler:      opts.Channel,
		StaleTimeout:  opts.StaleTimeout,
		SweepInterval: opts.SweepInterval,
		Log:           opts.Log,
		Now:           opts.Now,
	})
	s.booth = booth.New(booth.Options{
		Room:    opts.RoomID,
		Dialer:  opts.Dialer,
		Channel: opts.BoothChannel,
		Stream:  opts.Source.Booth(),
		Mute:    s.handoverMute,
		Window:  opts.HandoverWindow,
		Log:     opts.Log,
		Now:     opts.Now,
	})

	s.peers.OnChange(s.changed)
	s.peers.OnRemoved(func(id string, reason error) {
		if reason != nil {
			s.log.Warn("peer removed", zap.String("peer", id), zap.Error(reason))
		}
	})

	s.channel.OnPresence(s.handlePresence)
	s.channel.OnSignal(s.peers.HandleSignal)
	s.channel.OnEvent(s.handleEvent)
	s.channel.OnSettings(s.handleSettings)
	s.channel.OnError(func(msg string) {
		s.emit(Event{Kind: EventError, Err: errors.New(msg)})
	})
	return s
}

// Peers returns the peer manager.
func (s *Session) Peers() *peers.Manager { return s.peers }

// Booth returns the interpreter booth negotiator.
func (s *Session) Booth() *booth.Negotiator { return s.booth }

// Events delivers session notifications. EventUpdated may be coalesced.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		if ev.Kind != EventUpdated {
			s.log.Warn("dropping session event", zap.String("kind", string(ev.Kind)))
		}
	}
}

func (s *Session) changed() {
	s.emit(Event{Kind: EventUpdated})
}

// Join acquires local media and enters the room. Media failures are reported
// as an EventError and the session continues without the missing devices.
func (s *Session) Join(ctx context.Context) error {
	stream, err := s.source.Acquire(ctx, s.opts.Constraints)
	if err != nil {
		s.log.Warn("joining without media", zap.Error(err))
		s.emit(Event{Kind: EventError, Err: err})
	}
	s.peers.AddLocalStream(stream)

	s.mu.Lock()
	s.self.MicOn = s.source.MicOn() && !s.self.AudioBlocked
	s.self.CameraOn = s.source.CameraOn()
	self := s.self
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.channel.Join(self); err != nil {
		cancel()
		return fmt.Errorf("join room %s: %w", s.opts.RoomID, err)
	}
	go s.peers.Run(runCtx)

	if self.Role == signaling.RoleInterpreter && self.Language != "" {
		if err := s.booth.SetLanguage(self.Language, self); err != nil {
			s.log.Warn("failed to enter booth", zap.Error(err))
		}
	}

	s.log.Info("joined room", zap.Bool("mic", self.MicOn), zap.Bool("camera", self.CameraOn))
	s.changed()
	return nil
}

// Patch mutates the local presence record.
type Patch func(p *signaling.Presence)

// UpdateMetadata applies patch to the local presence and republishes it.
func (s *Session) UpdateMetadata(patch Patch) error {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return ErrLeft
	}
	patch(&s.self)
	self := s.self
	s.mu.Unlock()

	defer s.changed()
	return s.channel.Track(self)
}

// ToggleMic mutes or unmutes the microphone for every peer at once.
func (s *Session) ToggleMic(enabled bool) error {
	s.mu.Lock()
	blocked := s.self.AudioBlocked
	s.mu.Unlock()
	if enabled && blocked {
		return ErrAudioBlocked
	}

	s.source.ToggleMic(enabled)
	return s.UpdateMetadata(func(p *signaling.Presence) { p.MicOn = s.source.MicOn() })
}

// ToggleCamera enables or disables the camera for every peer at once.
func (s *Session) ToggleCamera(enabled bool) error {
	s.source.ToggleCamera(enabled)
	return s.UpdateMetadata(func(p *signaling.Presence) { p.CameraOn = s.source.CameraOn() })
}

// RaiseHand sets the raised-hand flag.
func (s *Session) RaiseHand(raised bool) error {
	return s.UpdateMetadata(func(p *signaling.Presence) { p.HandRaised = raised })
}

func (s *Session) handoverMute() {
	if err := s.ToggleMic(false); err != nil {
		s.log.Warn("failed to mute after handover", zap.Error(err))
	}
}

// AllowedLanguages returns the languages this participant may broadcast:
// the room's active languages, narrowed by interpreter assignments and by
// any list the host set for us.
func (s *Session) AllowedLanguages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowedLocked()
}

func (s *Session) allowedLocked() []string {
	langs := restrict(nil, s.settings.ActiveLanguages)
	if assigned := s.settings.LanguagesFor(s.opts.Email); len(assigned) > 0 {
		langs = restrict(langs, assigned)
	}
	if s.allowed != nil {
		langs = restrict(langs, s.allowed)
	}
	return langs
}

// restrict narrows base to the entries in limit. A nil base means no
// restriction yet.
func restrict(base, limit []string) []string {
	if base == nil {
		return append([]string{}, limit...)
	}
	out := []string{}
	for _, l := range base {
		if slices.Contains(limit, l) {
			out = append(out, l)
		}
	}
	return out
}

// SetBroadcastLanguage puts an interpreter on a language channel, or back on
// the floor when language is empty, and moves them to the matching booth.
func (s *Session) SetBroadcastLanguage(language string) error {
	s.mu.Lock()
	role := s.self.Role
	allowed := s.allowedLocked()
	s.mu.Unlock()

	if role != signaling.RoleInterpreter {
		return ErrNotInterpreter
	}
	if language != "" && !slices.Contains(allowed, language) {
		return fmt.Errorf("%s: %w", language, ErrLanguageNotAllowed)
	}
	return s.setLanguage(language)
}

func (s *Session) setLanguage(language string) error {
	if err := s.UpdateMetadata(func(p *signaling.Presence) { p.Language = language }); err != nil {
		return err
	}

	s.mu.Lock()
	self := s.self
	s.mu.Unlock()
	return s.booth.SetLanguage(language, self)
}

// SwitchDevice swaps the capture device of kind and replaces the track on
// every peer connection and the booth line without renegotiating.
func (s *Session) SwitchDevice(ctx context.Context, kind media.Kind, deviceID string) error {
	line := s.source.Booth().Track(kind)
	old, cur, err := s.source.SwitchDevice(ctx, kind, deviceID)
	if err != nil {
		return err
	}
	s.peers.ReplaceTrack(old, cur)
	if next := s.source.Booth().Track(kind); next != line {
		s.booth.ReplaceTrack(line, next)
	}
	s.changed()
	return nil
}

// StartScreenShare adds a presentation stream to every peer and announces
// it. Only one presenter is expected at a time; callers check Snapshot().Presenter.
func (s *Session) StartScreenShare(ctx context.Context) error {
	screen, err := s.source.StartScreen(ctx)
	if err != nil {
		return err
	}
	s.peers.AddLocalStream(screen)

	s.mu.Lock()
	s.presenter = s.channel.SelfID()
	s.mu.Unlock()

	defer s.changed()
	return s.channel.SendEvent("", signaling.RoomEvent{
		Type:    signaling.EventScreenShare,
		Payload: signaling.EventPayload{UserID: s.channel.SelfID(), Active: true},
	})
}

// StopScreenShare removes the presentation stream from every peer.
func (s *Session) StopScreenShare() error {
	screen, err := s.source.StopScreen()
	if err != nil {
		return err
	}
	s.peers.RemoveLocalStream(screen)

	s.mu.Lock()
	if s.presenter == s.channel.SelfID() {
		s.presenter = ""
	}
	s.mu.Unlock()

	defer s.changed()
	return s.channel.SendEvent("", signaling.RoomEvent{
		Type:    signaling.EventScreenShare,
		Payload: signaling.EventPayload{UserID: s.channel.SelfID(), Active: false},
	})
}

func (s *Session) isModerator() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self.IsHost || s.self.Role == signaling.RoleAdmin
}

// Moderate sends a moderation event to target.
func (s *Session) Moderate(target string, event signaling.RoomEvent) error {
	if !s.isModerator() {
		return ErrNotHost
	}
	event.Payload.TargetID = target
	return s.channel.SendEvent(target, event)
}

// EndRoom ends the room for everyone.
func (s *Session) EndRoom() error {
	if !s.isModerator() {
		return ErrNotHost
	}
	return s.channel.SendEvent("", signaling.RoomEvent{Type: signaling.EventEndRoom})
}

// Reconnect re-establishes signaling and rebuilds every peer connection.
func (s *Session) Reconnect(ctx context.Context) error {
	if s.opts.Reconnect != nil {
		if err := s.opts.Reconnect(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	ids := signaling.SortedIDs(s.members)
	s.mu.Unlock()

	s.peers.Reconnect(ids)
	s.log.Info("rebuilt peer connections", zap.Int("peers", len(ids)))
	return nil
}

func (s *Session) handlePresence(members map[string]signaling.Presence) {
	self := s.channel.SelfID()

	s.mu.Lock()
	s.members = members
	if p, ok := members[self]; ok {
		s.self.IsHost = p.IsHost
	}
	if _, ok := members[s.presenter]; !ok && s.presenter != self {
		s.presenter = ""
	}
	s.mu.Unlock()

	s.peers.Reconcile(signaling.SortedIDs(members))
	s.changed()
}

func (s *Session) handleSettings(settings signaling.RoomSettings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()

	s.enforceLanguage()
	s.changed()
}

// enforceLanguage takes an interpreter off a channel they may no longer
// broadcast on.
func (s *Session) enforceLanguage() {
	s.mu.Lock()
	lang := s.self.Language
	allowed := s.allowedLocked()
	s.mu.Unlock()

	if lang == "" || slices.Contains(allowed, lang) {
		return
	}
	s.log.Info("broadcast language no longer allowed", zap.String("language", lang))
	if err := s.setLanguage(""); err != nil {
		s.log.Warn("failed to leave language channel", zap.Error(err))
	}
}

func (s *Session) handleEvent(from string, event signaling.RoomEvent) {
	self := s.channel.SelfID()

	switch event.Type {
	case signaling.EventScreenShare:
		user := event.Payload.UserID
		if user == "" {
			user = from
		}
		s.mu.Lock()
		if event.Payload.Active {
			s.presenter = user
		} else if s.presenter == user {
			s.presenter = ""
		}
		s.mu.Unlock()
		if !event.Payload.Active {
			s.peers.ClearScreen(user)
		}
		s.changed()
		return

	case signaling.EventRoomEnded:
		if from != "" {
			s.log.Warn("ignoring room end from participant", zap.String("from", from))
			return
		}
		s.close(ErrRoomEnded)
		return
	}

	if !signaling.IsModeration(event.Type) || event.Payload.TargetID != self {
		return
	}

	s.mu.Lock()
	sender, known := s.members[from]
	s.mu.Unlock()
	if !known || !(sender.IsHost || sender.Role == signaling.RoleAdmin) {
		s.log.Warn("ignoring moderation from non-host", zap.String("from", from), zap.String("type", event.Type))
		return
	}

	if err := s.applyModeration(event); err != nil {
		s.log.Warn("failed to apply moderation", zap.String("type", event.Type), zap.Error(err))
	}
	s.emit(Event{Kind: EventModerated, Room: event})
}

func (s *Session) applyModeration(event signaling.RoomEvent) error {
	switch event.Type {
	case signaling.EventKick:
		s.close(ErrKicked)
		return nil

	case signaling.EventMute:
		return s.ToggleMic(false)

	case signaling.EventBlockAudio:
		s.source.ToggleMic(false)
		return s.UpdateMetadata(func(p *signaling.Presence) {
			p.AudioBlocked = true
			p.MicOn = false
		})

	case signaling.EventUnblockAudio:
		return s.UpdateMetadata(func(p *signaling.Presence) { p.AudioBlocked = false })

	case signaling.EventSetRole:
		role := event.Payload.Role
		if err := s.UpdateMetadata(func(p *signaling.Presence) { p.Role = role }); err != nil {
			return err
		}
		if role != signaling.RoleInterpreter {
			return s.setLanguage("")
		}
		return nil

	case signaling.EventSetAllowedLanguages:
		s.mu.Lock()
		s.allowed = append([]string{}, event.Payload.Languages...)
		s.mu.Unlock()
		s.enforceLanguage()
		return nil
	}
	return nil
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		RoomID:    s.opts.RoomID,
		SelfID:    s.channel.SelfID(),
		Self:      s.self,
		Members:   make(map[string]signaling.Presence, len(s.members)),
		Settings:  s.settings,
		Languages: s.allowedLocked(),
		Presenter: s.presenter,
	}
	for id, p := range s.members {
		snap.Members[id] = p
	}
	s.mu.Unlock()

	snap.Peers = s.peers.Peers()
	snap.Sharing = s.source.Screen() != nil
	if s.opts.SignalingState != nil {
		snap.Signaling = s.opts.SignalingState()
	}
	snap.Booth = s.booth.State()
	snap.BoothPartner = s.booth.Partner()
	if h, ok := s.booth.Pending(); ok {
		snap.Handover = &h
	}
	return snap
}

func (s *Session) close(reason error) {
	if s.leave() {
		s.log.Info("session closed", zap.Error(reason))
		s.emit(Event{Kind: EventClosed, Err: reason})
	}
}

// Leave exits the room and releases every device. It is safe to call more
// than once.
func (s *Session) Leave() {
	if s.leave() {
		s.emit(Event{Kind: EventClosed})
	}
}

func (s *Session) leave() bool {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return false
	}
	s.left = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.booth.Close()
	s.peers.DestroyAll()
	if err := s.channel.Leave(); err != nil && !errors.Is(err, signaling.ErrDisconnected) {
		s.log.Warn("failed to leave room channel", zap.Error(err))
	}
	s.source.Close()
	return true
}
