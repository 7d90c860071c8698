package booth

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BioHazard786/Boothcall/internal/logging"
	"github.com/BioHazard786/Boothcall/internal/media"
	"github.com/BioHazard786/Boothcall/internal/signaling"
	"github.com/BioHazard786/Boothcall/internal/webrtc"
	"github.com/BioHazard786/Boothcall/internal/webrtc/webrtctest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bus is an in-memory stand-in for the signaling server's booth topics.
type bus struct {
	mu      sync.Mutex
	members map[string]map[string]signaling.Presence
	chans   map[string]map[string]*fakeChannel
}

func newBus() *bus {
	return &bus{
		members: make(map[string]map[string]signaling.Presence),
		chans:   make(map[string]map[string]*fakeChannel),
	}
}

func (b *bus) channel(topic, self string) *fakeChannel {
	return &fakeChannel{bus: b, topic: topic, self: self}
}

func (b *bus) broadcast(topic string) {
	b.mu.Lock()
	snapshot := make(map[string]signaling.Presence, len(b.members[topic]))
	for id, p := range b.members[topic] {
		snapshot[id] = p
	}
	var chans []*fakeChannel
	for _, id := range signaling.SortedIDs(snapshot) {
		chans = append(chans, b.chans[topic][id])
	}
	b.mu.Unlock()

	for _, c := range chans {
		members := make(map[string]signaling.Presence, len(snapshot))
		for id, p := range snapshot {
			members[id] = p
		}
		if fn := c.presenceHandler(); fn != nil {
			fn(members)
		}
	}
}

func (b *bus) lookup(topic, id string) *fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chans[topic][id]
}

type fakeChannel struct {
	bus   *bus
	topic string
	self  string

	mu         sync.Mutex
	onSignal   func(string, signaling.SignalPayload)
	onEvent    func(string, signaling.RoomEvent)
	onPresence func(map[string]signaling.Presence)
}

func (c *fakeChannel) SelfID() string { return c.self }

func (c *fakeChannel) Join(p signaling.Presence) error {
	c.bus.mu.Lock()
	if c.bus.members[c.topic] == nil {
		c.bus.members[c.topic] = make(map[string]signaling.Presence)
		c.bus.chans[c.topic] = make(map[string]*fakeChannel)
	}
	c.bus.members[c.topic][c.self] = p
	c.bus.chans[c.topic][c.self] = c
	c.bus.mu.Unlock()

	c.bus.broadcast(c.topic)
	return nil
}

func (c *fakeChannel) Leave() error {
	c.bus.mu.Lock()
	delete(c.bus.members[c.topic], c.self)
	delete(c.bus.chans[c.topic], c.self)
	c.bus.mu.Unlock()

	c.bus.broadcast(c.topic)
	return nil
}

func (c *fakeChannel) SendSignal(target string, payload signaling.SignalPayload) error {
	if to := c.bus.lookup(c.topic, target); to != nil {
		to.mu.Lock()
		fn := to.onSignal
		to.mu.Unlock()
		if fn != nil {
			fn(c.self, payload)
		}
	}
	return nil
}

func (c *fakeChannel) SendEvent(target string, event signaling.RoomEvent) error {
	if to := c.bus.lookup(c.topic, target); to != nil {
		to.mu.Lock()
		fn := to.onEvent
		to.mu.Unlock()
		if fn != nil {
			fn(c.self, event)
		}
	}
	return nil
}

func (c *fakeChannel) OnSignal(fn func(string, signaling.SignalPayload)) {
	c.mu.Lock()
	c.onSignal = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnEvent(fn func(string, signaling.RoomEvent)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnPresence(fn func(map[string]signaling.Presence)) {
	c.mu.Lock()
	c.onPresence = fn
	c.mu.Unlock()
}

func (c *fakeChannel) presenceHandler() func(map[string]signaling.Presence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onPresence
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	bus    *bus
	dialer *webrtctest.Dialer
	clock  *clock
}

func newHarness() *harness {
	return &harness{
		bus:    newBus(),
		dialer: &webrtctest.Dialer{},
		clock:  &clock{now: time.Unix(1700000000, 0)},
	}
}

type interpreter struct {
	*Negotiator
	id     string
	stream *media.Stream
	muted  atomic.Int32
}

func (h *harness) interpreter(id string) *interpreter {
	in := &interpreter{id: id, stream: media.NewStream(media.RolePrimary)}
	in.Negotiator = New(Options{
		Room:   "r1",
		Dialer: h.dialer,
		Channel: func(topic string) Channel {
			return h.bus.channel(topic, id)
		},
		Stream: in.stream,
		Mute:   func() { in.muted.Add(1) },
		Window: 10 * time.Second,
		Log:    logging.Nop(),
		Now:    h.clock.Now,
	})
	return in
}

func (in *interpreter) join(t *testing.T, language string) {
	t.Helper()
	require.NoError(t, in.SetLanguage(language, signaling.Presence{Name: in.id, Role: signaling.RoleInterpreter, Language: language}))
}

func waitEvent(t *testing.T, n *Negotiator, kind EventKind) Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-n.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}

// pair joins alice and bob to the French booth and drives their private
// connection to connected. bob initiates because "bob" > "alice".
func (h *harness) pair(t *testing.T) (alice, bob *interpreter, aliceConn, bobConn *webrtctest.Conn) {
	t.Helper()
	alice = h.interpreter("alice")
	bob = h.interpreter("bob")
	alice.join(t, "fr")
	assert.Equal(t, StateFindingPartner, alice.State())
	bob.join(t, "fr")

	bobConn = h.dialer.Last("alice")
	aliceConn = h.dialer.Last("bob")
	require.NotNil(t, bobConn)
	require.NotNil(t, aliceConn)
	require.True(t, bobConn.Opts.Initiator)
	require.False(t, aliceConn.Opts.Initiator)

	bobConn.Events.OnSignal(signaling.SignalPayload{Type: signaling.SignalOffer, SDP: "v=0", ConnID: bobConn.ID()})
	require.Len(t, aliceConn.Signals(), 1)

	aliceConn.Events.OnConnected()
	bobConn.Events.OnConnected()
	aliceConn.Events.OnStream(webrtc.RemoteStream{ID: "bob-cam", Role: media.RolePrimary, Kind: media.KindAudio})
	bobConn.Events.OnStream(webrtc.RemoteStream{ID: "alice-cam", Role: media.RolePrimary, Kind: media.KindAudio})
	return alice, bob, aliceConn, bobConn
}

func TestPairing(t *testing.T) {
	h := newHarness()
	alice, bob, aliceConn, bobConn := h.pair(t)

	assert.Equal(t, "bob", alice.Partner())
	assert.Equal(t, "alice", bob.Partner())
	assert.True(t, alice.IsConnected())
	assert.True(t, bob.IsConnected())
	assert.Equal(t, 1, bobConn.Negotiations())
	assert.Equal(t, 0, aliceConn.Negotiations())
	assert.Equal(t, bobConn.ID(), aliceConn.ID())

	assert.True(t, bobConn.Opts.DataChannel)
	assert.Equal(t, []*media.Stream{bob.stream}, bobConn.Opts.Streams)

	require.NotNil(t, alice.PartnerStream())
	assert.Equal(t, "bob-cam", alice.PartnerStream().ID)
	require.NotNil(t, bob.PartnerStream())
	assert.True(t, bob.PartnerStream().Has(media.KindAudio))
}

func TestSignalsFromNonPartnerAreDropped(t *testing.T) {
	h := newHarness()
	alice, _, aliceConn, _ := h.pair(t)

	alice.handleSignal(alice.channel, "mallory", signaling.SignalPayload{Type: signaling.SignalCandidate})
	assert.Len(t, aliceConn.Signals(), 1)
}

func TestPartnerSelectionWithCrowdedBooth(t *testing.T) {
	h := newHarness()
	a := h.interpreter("a")
	b := h.interpreter("b")
	c := h.interpreter("c")
	a.join(t, "de")
	b.join(t, "de")
	c.join(t, "de")

	assert.Equal(t, "b", a.Partner())
	assert.Equal(t, "a", b.Partner())
	assert.Equal(t, "", c.Partner())
	assert.Equal(t, StateFindingPartner, c.State())
	assert.Nil(t, h.dialer.Last("c"), "nobody dials the waiting interpreter")

	// When a leaves, b and c pair up.
	require.NoError(t, a.SetLanguage("", signaling.Presence{}))
	assert.Equal(t, "c", b.Partner())
	assert.Equal(t, "b", c.Partner())
	assert.Equal(t, StateConnecting, c.State())
}

func TestPartnerChangeDropsPendingHandover(t *testing.T) {
	h := newHarness()
	a := h.interpreter("a")
	b := h.interpreter("b")
	c := h.interpreter("c")
	a.join(t, "de")
	b.join(t, "de")
	c.join(t, "de")

	_, err := b.RequestHandover()
	require.NoError(t, err)
	_, ok := b.Pending()
	require.True(t, ok)

	require.NoError(t, a.SetLanguage("", signaling.Presence{}))
	require.Equal(t, "c", b.Partner())

	ev := waitEvent(t, b.Negotiator, EventHandoverCancelled)
	assert.True(t, ev.Handover.Outgoing)
	_, ok = b.Pending()
	assert.False(t, ok)

	_, err = b.RequestHandover()
	assert.NoError(t, err)
}

func TestPartnerLeaves(t *testing.T) {
	h := newHarness()
	alice, bob, aliceConn, bobConn := h.pair(t)

	require.NoError(t, bob.SetLanguage("", signaling.Presence{}))
	assert.Equal(t, StateIdle, bob.State())
	assert.Equal(t, 1, bobConn.Closed())

	assert.Equal(t, StateFindingPartner, alice.State())
	assert.Equal(t, "", alice.Partner())
	assert.Nil(t, alice.PartnerStream())
	assert.Equal(t, 1, aliceConn.Closed())
}

func TestConnectionClosedReturnsToFindingPartner(t *testing.T) {
	h := newHarness()
	alice, _, aliceConn, _ := h.pair(t)

	aliceConn.Events.OnClosed(webrtc.ErrNegotiationFailed)
	assert.Equal(t, StateFindingPartner, alice.State())
	assert.False(t, alice.IsConnected())
}

func TestHandoverAccepted(t *testing.T) {
	h := newHarness()
	alice, bob, aliceConn, bobConn := h.pair(t)
	webrtctest.Link(aliceConn, bobConn)

	req, err := bob.RequestHandover()
	require.NoError(t, err)
	assert.Equal(t, "bob", req.From)
	assert.Equal(t, 10*time.Second, req.Remaining(h.clock.Now()))

	ev := waitEvent(t, alice.Negotiator, EventHandoverRequested)
	assert.Equal(t, req.RequestID, ev.Handover.RequestID)

	pending, ok := alice.Pending()
	require.True(t, ok)
	assert.False(t, pending.Outgoing)
	h.clock.Advance(3 * time.Second)
	assert.Equal(t, 7*time.Second, pending.Remaining(h.clock.Now()))

	require.NoError(t, alice.AcceptHandover())

	assert.Equal(t, int32(1), bob.muted.Load())
	assert.Equal(t, int32(0), alice.muted.Load())
	done := waitEvent(t, bob.Negotiator, EventHandoverCompleted)
	assert.Equal(t, req.RequestID, done.Handover.RequestID)
	waitEvent(t, alice.Negotiator, EventHandoverCompleted)

	_, ok = bob.Pending()
	assert.False(t, ok)
	_, ok = alice.Pending()
	assert.False(t, ok)

	// Control messages went over the data channel.
	assert.Len(t, bobConn.Sent(), 1)
	assert.Len(t, aliceConn.Sent(), 1)
}

func TestHandoverFallsBackToBoothTopic(t *testing.T) {
	h := newHarness()
	alice, bob, _, _ := h.pair(t)

	_, err := bob.RequestHandover()
	require.NoError(t, err)

	_, ok := alice.Pending()
	require.True(t, ok)
	require.NoError(t, alice.AcceptHandover())
	assert.Equal(t, int32(1), bob.muted.Load())
}

func TestHandoverIgnoredExpires(t *testing.T) {
	h := newHarness()
	alice, bob, aliceConn, bobConn := h.pair(t)
	webrtctest.Link(aliceConn, bobConn)

	_, err := bob.RequestHandover()
	require.NoError(t, err)

	_, err = bob.RequestHandover()
	assert.ErrorIs(t, err, ErrHandoverPending)

	h.clock.Advance(11 * time.Second)

	_, ok := bob.Pending()
	assert.False(t, ok)
	_, ok = alice.Pending()
	assert.False(t, ok)

	err = alice.AcceptHandover()
	assert.ErrorIs(t, err, ErrNoPendingHandover)
	assert.Equal(t, int32(0), bob.muted.Load())

	_, err = bob.RequestHandover()
	assert.NoError(t, err)
}

func TestHandoverCancelled(t *testing.T) {
	h := newHarness()
	alice, bob, aliceConn, bobConn := h.pair(t)
	webrtctest.Link(aliceConn, bobConn)

	_, err := bob.RequestHandover()
	require.NoError(t, err)
	require.NoError(t, bob.CancelHandover())

	waitEvent(t, alice.Negotiator, EventHandoverCancelled)
	_, ok := alice.Pending()
	assert.False(t, ok)
	assert.ErrorIs(t, alice.AcceptHandover(), ErrNoPendingHandover)
	assert.ErrorIs(t, bob.CancelHandover(), ErrNoPendingHandover)
}

func TestHandoverWithoutPartner(t *testing.T) {
	h := newHarness()
	alice := h.interpreter("alice")

	_, err := alice.RequestHandover()
	assert.ErrorIs(t, err, ErrNoPartner)

	alice.join(t, "fr")
	_, err = alice.RequestHandover()
	assert.ErrorIs(t, err, ErrNoPartner)
	assert.ErrorIs(t, alice.AcceptHandover(), ErrNoPendingHandover)
}

func TestStateChangesAreEmitted(t *testing.T) {
	h := newHarness()
	alice := h.interpreter("alice")
	assert.Equal(t, StateIdle, alice.State())

	alice.join(t, "fr")
	ev := waitEvent(t, alice.Negotiator, EventStateChanged)
	assert.Equal(t, StateFindingPartner, ev.State)
	assert.Equal(t, "fr", alice.Language())

	alice.Close()
	ev = waitEvent(t, alice.Negotiator, EventStateChanged)
	assert.Equal(t, StateIdle, ev.State)
}
