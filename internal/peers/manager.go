// Package peers owns the mesh of peer connections for one local session.
package peers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/BioHazard786/Boothcall/internal/logging"
	"github.com/BioHazard786/Boothcall/internal/media"
	"github.com/BioHazard786/Boothcall/internal/signaling"
	"github.com/BioHazard786/Boothcall/internal/webrtc"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var (
	// ErrStalled is the destroy reason for peers stuck connecting too long.
	ErrStalled     = errors.New("stalled in connecting state")
	ErrUnknownPeer = errors.New("unknown peer")
)

const (
	DefaultStaleTimeout  = 45 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

// State is the lifecycle state of one peer connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
	StateDisconnected State = "disconnected"
)

// ShouldInitiate reports whether local sends the offer to remote. The
// larger id always initiates, so exactly one side of every pair offers.
func ShouldInitiate(local, remote string) bool {
	return local > remote
}

// Signaler carries negotiation messages to one remote participant.
type Signaler interface {
	SendSignal(target string, payload signaling.SignalPayload) error
}

// Stream is a remote media stream as seen by the local session.
type Stream struct {
	ID     string
	Role   string
	Kinds  []media.Kind
	Tracks []*pion.TrackRemote
}

func (s *Stream) clone() *Stream {
	if s == nil {
		return nil
	}
	return &Stream{
		ID:     s.ID,
		Role:   s.Role,
		Kinds:  append([]media.Kind(nil), s.Kinds...),
		Tracks: append([]*pion.TrackRemote(nil), s.Tracks...),
	}
}

// Has reports whether the stream carries a track of kind.
func (s *Stream) Has(kind media.Kind) bool {
	if s == nil {
		return false
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Peer is an immutable snapshot of one tracked peer.
type Peer struct {
	ID           string
	ConnID       string
	Initiator    bool
	State        State
	Stream       *Stream
	ScreenStream *Stream
	CreatedAt    time.Time
	LastSignal   time.Time
}

type entry struct {
	id         string
	initiator  bool
	conn       webrtc.Conn
	state      State
	stream     *Stream
	screen     *Stream
	createdAt  time.Time
	lastSignal time.Time
}

// Options configures a Manager.
type Options struct {
	SelfID        string
	Dialer        webrtc.Dialer
	Signaler      Signaler
	StaleTimeout  time.Duration
	SweepInterval time.Duration
	Log           logging.Logger
	// Now is the clock used for liveness; defaults to time.Now.
	Now func() time.Time
}

// Manager is the single writer of the peer map. Transport callbacks run on
// pion goroutines and only touch an entry while it is still the tracked one
// for its id, so late events for a replaced or destroyed peer are ignored.
type Manager struct {
	selfID        string
	dialer        webrtc.Dialer
	signaler      Signaler
	staleTimeout  time.Duration
	sweepInterval time.Duration
	log           logging.Logger
	now           func() time.Time

	mu        sync.Mutex
	peers     map[string]*entry
	streams   []*media.Stream
	onChange  []func()
	onRemoved []func(id string, reason error)
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = DefaultStaleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Manager{
		selfID:        opts.SelfID,
		dialer:        opts.Dialer,
		signaler:      opts.Signaler,
		staleTimeout:  opts.StaleTimeout,
		sweepInterval: opts.SweepInterval,
		log:           opts.Log.With(zap.String("component", "peers")),
		now:           opts.Now,
		peers:         make(map[string]*entry),
	}
}

// OnChange registers a hook called after any change to the peer set or a
// peer's state.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// OnRemoved registers a hook called once for every peer removed from the
// map, with the reason (nil for a normal leave).
func (m *Manager) OnRemoved(fn func(id string, reason error)) {
	m.mu.Lock()
	m.onRemoved = append(m.onRemoved, fn)
	m.mu.Unlock()
}

func (m *Manager) notify() {
	m.mu.Lock()
	hooks := append([]func(){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (m *Manager) removed(id string, reason error) {
	m.mu.Lock()
	hooks := append([]func(string, error){}, m.onRemoved...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(id, reason)
	}
	m.notify()
}

// Reconcile makes the peer set match the presence membership: missing ids
// get a connection, ids no longer present are destroyed. Calling it again
// with the same members does nothing.
func (m *Manager) Reconcile(members []string) {
	want := make(map[string]bool, len(members))
	for _, id := range members {
		if id != m.selfID && id != "" {
			want[id] = true
		}
	}

	m.mu.Lock()
	var stale, missing []string
	for id := range m.peers {
		if !want[id] {
			stale = append(stale, id)
		}
	}
	for id := range want {
		if _, ok := m.peers[id]; !ok {
			missing = append(missing, id)
		}
	}
	m.mu.Unlock()

	sort.Strings(stale)
	sort.Strings(missing)

	for _, id := range stale {
		m.Destroy(id, nil)
	}
	for _, id := range missing {
		if _, err := m.CreatePeer(id, ShouldInitiate(m.selfID, id)); err != nil {
			m.log.Warn("failed to create peer", zap.String("peer", id), zap.Error(err))
		}
	}
}

// CreatePeer creates a connection to id. It is idempotent: when id is
// already tracked the existing connection is returned unchanged.
func (m *Manager) CreatePeer(id string, initiator bool) (webrtc.Conn, error) {
	e, err := m.createPeer(id, initiator, "")
	if err != nil {
		return nil, err
	}
	return m.connOf(e), nil
}

func (m *Manager) connOf(e *entry) webrtc.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.conn
}

func (m *Manager) createPeer(id string, initiator bool, connID string) (*entry, error) {
	if id == m.selfID {
		return nil, ErrUnknownPeer
	}

	m.mu.Lock()
	if e, ok := m.peers[id]; ok {
		m.mu.Unlock()
		return e, nil
	}

	now := m.now()
	e := &entry{
		id:         id,
		initiator:  initiator,
		state:      StateConnecting,
		createdAt:  now,
		lastSignal: now,
	}
	// Reserve the id before dialing so concurrent creates are no-ops.
	m.peers[id] = e
	streams := append([]*media.Stream(nil), m.streams...)
	m.mu.Unlock()

	conn, err := m.dialer.Dial(webrtc.Options{
		PeerID:    id,
		Initiator: initiator,
		ConnID:    connID,
		Streams:   streams,
	}, m.events(e))
	if err != nil {
		m.mu.Lock()
		if m.peers[id] == e {
			delete(m.peers, id)
		}
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	if m.peers[id] != e {
		m.mu.Unlock()
		conn.Close()
		return nil, ErrUnknownPeer
	}
	e.conn = conn
	late := missingStreams(m.streams, streams)
	m.mu.Unlock()

	m.log.Debug("created peer", zap.String("peer", id), zap.Bool("initiator", initiator))

	for _, s := range late {
		if err := conn.AddStream(s); err != nil {
			m.log.Warn("failed to attach stream", zap.String("peer", id), zap.Error(err))
		}
	}
	m.notify()

	if initiator {
		if err := conn.Negotiate(); err != nil {
			m.destroyEntry(e, err)
			return nil, err
		}
	}
	return e, nil
}

func missingStreams(all, have []*media.Stream) []*media.Stream {
	var out []*media.Stream
	for _, s := range all {
		found := false
		for _, h := range have {
			if h == s {
				found = true
				break
			}
		}
		if !found {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) events(e *entry) webrtc.Events {
	return webrtc.Events{
		OnSignal: func(payload signaling.SignalPayload) {
			if !m.current(e) {
				return
			}
			if err := m.signaler.SendSignal(e.id, payload); err != nil {
				m.log.Warn("failed to send signal", zap.String("peer", e.id), zap.String("type", payload.Type), zap.Error(err))
			}
		},
		OnStream: func(rs webrtc.RemoteStream) {
			m.addRemoteStream(e, rs)
		},
		OnConnected: func() {
			m.mu.Lock()
			if m.peers[e.id] != e {
				m.mu.Unlock()
				return
			}
			e.state = StateConnected
			m.mu.Unlock()
			m.log.Info("peer connected", zap.String("peer", e.id))
			m.notify()
		},
		OnClosed: func(err error) {
			if err != nil {
				m.mu.Lock()
				if m.peers[e.id] == e {
					e.state = StateFailed
				}
				m.mu.Unlock()
			}
			m.destroyEntry(e, err)
		},
	}
}

func (m *Manager) current(e *entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[e.id] == e
}

// addRemoteStream files a remote track under the peer's primary or screen
// stream. A role tag decides; untagged streams fall back to treating a
// second distinct stream id as a screen share.
func (m *Manager) addRemoteStream(e *entry, rs webrtc.RemoteStream) {
	m.mu.Lock()
	if m.peers[e.id] != e {
		m.mu.Unlock()
		return
	}

	slot := &e.screen
	switch {
	case e.stream != nil && e.stream.ID == rs.ID:
		slot = &e.stream
	case e.screen != nil && e.screen.ID == rs.ID:
		slot = &e.screen
	case rs.Role == media.RolePrimary:
		slot = &e.stream
	case rs.Role == media.RolePresentation:
		slot = &e.screen
	case e.stream == nil:
		slot = &e.stream
	}

	if *slot == nil || (*slot).ID != rs.ID {
		*slot = &Stream{ID: rs.ID, Role: rs.Role}
	}
	s := *slot
	if !s.Has(rs.Kind) {
		s.Kinds = append(s.Kinds, rs.Kind)
	}
	if rs.Track != nil {
		s.Tracks = append(s.Tracks, rs.Track)
	}
	m.mu.Unlock()

	m.notify()
}

// ClearScreen drops the screen stream of a peer that stopped sharing.
func (m *Manager) ClearScreen(id string) {
	m.mu.Lock()
	e, ok := m.peers[id]
	changed := ok && e.screen != nil
	if changed {
		e.screen = nil
	}
	m.mu.Unlock()

	if changed {
		m.notify()
	}
}

// HandleSignal applies a negotiation message from a remote participant.
// Messages for untracked peers are dropped, except offers, which always
// create a fresh connection, and offer requests from a rebuilt remote
// connection, which make the initiating side start over. An offer carrying
// a new connection id for a tracked peer replaces the old connection.
func (m *Manager) HandleSignal(from string, payload signaling.SignalPayload) {
	if from == m.selfID || from == "" {
		return
	}

	m.mu.Lock()
	e := m.peers[from]
	var conn webrtc.Conn
	if e != nil {
		conn = e.conn
	}
	m.mu.Unlock()

	if payload.Type == signaling.SignalRenegotiate && payload.ConnID == "" {
		m.restart(from, e)
		return
	}

	if payload.Type == signaling.SignalOffer {
		if e != nil && conn != nil && (e.initiator || (conn.ID() != "" && payload.ConnID != "" && conn.ID() != payload.ConnID)) {
			m.log.Info("replacing peer connection", zap.String("peer", from), zap.String("conn", payload.ConnID))
			m.destroyEntry(e, nil)
			e, conn = nil, nil
		}
		if e == nil {
			created, err := m.createPeer(from, false, payload.ConnID)
			if err != nil {
				m.log.Warn("failed to answer offer", zap.String("peer", from), zap.Error(err))
				return
			}
			e, conn = created, m.connOf(created)
		}
	}

	if e == nil || conn == nil {
		m.log.Debug("dropping signal for unknown peer", zap.String("peer", from), zap.String("type", payload.Type))
		return
	}
	if payload.Type != signaling.SignalOffer && payload.ConnID != "" && conn.ID() != "" && payload.ConnID != conn.ID() {
		m.log.Debug("dropping signal for stale connection", zap.String("peer", from), zap.String("type", payload.Type))
		return
	}

	m.mu.Lock()
	if m.peers[from] == e {
		e.lastSignal = m.now()
	}
	m.mu.Unlock()

	if err := conn.Signal(payload); err != nil {
		if errors.Is(err, webrtc.ErrUnexpectedSignal) {
			m.log.Warn("ignored signal", zap.String("peer", from), zap.Error(err))
			return
		}
		m.log.Warn("negotiation failed", zap.String("peer", from), zap.Error(err))
		m.destroyEntry(e, errors.Join(webrtc.ErrNegotiationFailed, err))
	}
}

// Destroy closes and forgets the connection to id, including its screen
// stream. Destroying an unknown id is a no-op.
func (m *Manager) Destroy(id string, reason error) bool {
	m.mu.Lock()
	e, ok := m.peers[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.destroyEntry(e, reason)
}

func (m *Manager) destroyEntry(e *entry, reason error) bool {
	m.mu.Lock()
	if m.peers[e.id] != e {
		m.mu.Unlock()
		return false
	}
	delete(m.peers, e.id)
	if e.state != StateFailed {
		e.state = StateDisconnected
	}
	e.screen = nil
	conn := e.conn
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debug("close failed", zap.String("peer", e.id), zap.Error(err))
		}
	}

	if reason != nil {
		m.log.Warn("peer destroyed", zap.String("peer", e.id), zap.Error(reason))
	} else {
		m.log.Info("peer left", zap.String("peer", e.id))
	}
	m.removed(e.id, reason)
	return true
}

// DestroyAll closes every connection.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Destroy(id, nil)
	}
}

// Reconnect tears down the whole peer set and rebuilds it from members.
// Remote initiators do not see the rebuild in presence, so every answering
// side asks its initiator for a fresh offer.
func (m *Manager) Reconnect(members []string) {
	m.DestroyAll()
	m.Reconcile(members)

	m.mu.Lock()
	var answerers []webrtc.Conn
	for _, e := range m.peers {
		if !e.initiator && e.conn != nil {
			answerers = append(answerers, e.conn)
		}
	}
	m.mu.Unlock()

	for _, conn := range answerers {
		if err := conn.Negotiate(); err != nil {
			m.log.Warn("failed to request offer", zap.String("peer", conn.PeerID()), zap.Error(err))
		}
	}
}

// restart handles an offer request from a remote connection that has never
// seen an offer. The remote side rebuilt its end, so the pair is recreated
// here as initiator unless an offer is already on its way.
func (m *Manager) restart(from string, e *entry) {
	if !ShouldInitiate(m.selfID, from) {
		m.log.Debug("ignoring offer request from initiator", zap.String("peer", from))
		return
	}
	if e != nil {
		m.mu.Lock()
		inFlight := m.peers[from] == e && e.state == StateConnecting
		m.mu.Unlock()
		if inFlight {
			return
		}
		m.log.Info("peer rebuilt its connection", zap.String("peer", from))
		m.destroyEntry(e, nil)
	}
	if _, err := m.createPeer(from, true, ""); err != nil {
		m.log.Warn("failed to recreate peer", zap.String("peer", from), zap.Error(err))
	}
}

// Sweep destroys peers that have been connecting longer than the stale
// timeout since their last received signal, and returns their ids.
func (m *Manager) Sweep() []string {
	now := m.now()

	m.mu.Lock()
	var stale []*entry
	for _, e := range m.peers {
		if e.state == StateConnecting && now.Sub(e.lastSignal) > m.staleTimeout {
			stale = append(stale, e)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, e := range stale {
		if m.destroyEntry(e, ErrStalled) {
			ids = append(ids, e.id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Run sweeps stale peers until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// AddLocalStream attaches s to every current and future peer.
func (m *Manager) AddLocalStream(s *media.Stream) {
	m.mu.Lock()
	for _, have := range m.streams {
		if have == s {
			m.mu.Unlock()
			return
		}
	}
	m.streams = append(m.streams, s)
	conns := m.conns()
	m.mu.Unlock()

	for id, conn := range conns {
		if err := conn.AddStream(s); err != nil {
			m.log.Warn("failed to add stream", zap.String("peer", id), zap.Error(err))
		}
	}
}

// RemoveLocalStream detaches s from every peer.
func (m *Manager) RemoveLocalStream(s *media.Stream) {
	m.mu.Lock()
	found := false
	for i, have := range m.streams {
		if have == s {
			m.streams = append(m.streams[:i], m.streams[i+1:]...)
			found = true
			break
		}
	}
	conns := m.conns()
	m.mu.Unlock()

	if !found {
		return
	}
	for id, conn := range conns {
		if err := conn.RemoveStream(s); err != nil {
			m.log.Warn("failed to remove stream", zap.String("peer", id), zap.Error(err))
		}
	}
}

// ReplaceTrack propagates a device switch to every peer without
// renegotiating.
func (m *Manager) ReplaceTrack(old, cur *media.Track) {
	m.mu.Lock()
	conns := m.conns()
	m.mu.Unlock()

	for id, conn := range conns {
		if err := conn.ReplaceTrack(old, cur); err != nil {
			m.log.Warn("failed to replace track", zap.String("peer", id), zap.Error(err))
		}
	}
}

// conns must be called with m.mu held.
func (m *Manager) conns() map[string]webrtc.Conn {
	out := make(map[string]webrtc.Conn, len(m.peers))
	for id, e := range m.peers {
		if e.conn != nil {
			out[id] = e.conn
		}
	}
	return out
}

// Peers returns a snapshot of every tracked peer, sorted by id.
func (m *Manager) Peers() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Peer, 0, len(m.peers))
	for _, e := range m.peers {
		out = append(out, m.snapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Peer returns a snapshot of one peer.
func (m *Manager) Peer(id string) (Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.peers[id]
	if !ok {
		return Peer{}, false
	}
	return m.snapshot(e), true
}

// snapshot must be called with m.mu held.
func (m *Manager) snapshot(e *entry) Peer {
	p := Peer{
		ID:           e.id,
		Initiator:    e.initiator,
		State:        e.state,
		Stream:       e.stream.clone(),
		ScreenStream: e.screen.clone(),
		CreatedAt:    e.createdAt,
		LastSignal:   e.lastSignal,
	}
	if e.conn != nil {
		p.ConnID = e.conn.ID()
	}
	return p
}
