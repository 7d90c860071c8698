package peers

import (
	"errors"
	"sync"
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

type sentSignal struct {
	target  string
	payload signaling.SignalPayload
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
}

func (s *fakeSignaler) SendSignal(target string, payload signaling.SignalPayload) error {
	s.mu.Lock()
	s.sent = append(s.sent, sentSignal{target, payload})
	s.mu.Unlock()
	return nil
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

type removal struct {
	id     string
	reason error
}

type harness struct {
	m        *Manager
	dialer   *webrtctest.Dialer
	signaler *fakeSignaler
	clock    *clock
	removed  []removal
}

func newHarness(t *testing.T, self string) *harness {
	t.Helper()
	h := &harness{
		dialer:   &webrtctest.Dialer{},
		signaler: &fakeSignaler{},
		clock:    &clock{now: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)},
	}
	h.m = NewManager(Options{
		SelfID:        self,
		Dialer:        h.dialer,
		Signaler:      h.signaler,
		StaleTimeout:  45 * time.Second,
		SweepInterval: 5 * time.Second,
		Log:           logging.Nop(),
		Now:           h.clock.Now,
	})
	h.m.OnRemoved(func(id string, reason error) {
		h.removed = append(h.removed, removal{id, reason})
	})
	return h
}

func ids(peers []Peer) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.ID)
	}
	return out
}

func TestShouldInitiateExactlyOneSide(t *testing.T) {
	pairs := [][2]string{
		{"a", "b"},
		{"user-10", "user-9"},
		{"0b6c1e2a", "0b6c1e2b"},
		{"Bob", "bob"},
		{"", "x"},
	}
	for _, p := range pairs {
		a, b := p[0], p[1]
		assert.NotEqual(t, ShouldInitiate(a, b), ShouldInitiate(b, a), "%s/%s", a, b)
		assert.Equal(t, a > b, ShouldInitiate(a, b))
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t, "m")

	h.m.Reconcile([]string{"a", "z", "m"})
	require.Len(t, h.dialer.Conns(), 2)
	assert.Equal(t, []string{"a", "z"}, ids(h.m.Peers()))

	a := h.dialer.Last("a")
	z := h.dialer.Last("z")
	assert.True(t, a.Opts.Initiator, "m > a, so m offers")
	assert.False(t, z.Opts.Initiator)
	assert.Equal(t, 1, a.Negotiations())
	assert.Equal(t, 0, z.Negotiations())

	h.m.Reconcile([]string{"z", "a", "m"})
	assert.Len(t, h.dialer.Conns(), 2)
	assert.Empty(t, h.removed)
	assert.Equal(t, 0, a.Closed())

	h.m.Reconcile([]string{"a"})
	assert.Equal(t, []string{"a"}, ids(h.m.Peers()))
	assert.Equal(t, 1, z.Closed())
	require.Len(t, h.removed, 1)
	assert.Equal(t, "z", h.removed[0].id)
	assert.NoError(t, h.removed[0].reason)
}

func TestCreatePeerIsIdempotent(t *testing.T) {
	h := newHarness(t, "m")

	first, err := h.m.CreatePeer("a", true)
	require.NoError(t, err)
	second, err := h.m.CreatePeer("a", false)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Len(t, h.dialer.Conns(), 1)

	_, err = h.m.CreatePeer("m", true)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestDialFailureLeavesNoEntry(t *testing.T) {
	h := newHarness(t, "m")
	h.dialer.Err = errors.New("no api")

	_, err := h.m.CreatePeer("a", true)
	require.Error(t, err)
	assert.Empty(t, h.m.Peers())
}

func TestClosedPeerRemovedExactlyOnce(t *testing.T) {
	h := newHarness(t, "m")
	h.m.Reconcile([]string{"a", "b"})
	conn := h.dialer.Last("a")

	conn.Events.OnStream(webrtc.RemoteStream{ID: "cam", Role: media.RolePrimary, Kind: media.KindVideo})
	conn.Events.OnStream(webrtc.RemoteStream{ID: "screen", Role: media.RolePresentation, Kind: media.KindVideo})
	conn.Events.OnConnected()

	p, ok := h.m.Peer("a")
	require.True(t, ok)
	assert.Equal(t, StateConnected, p.State)
	require.NotNil(t, p.ScreenStream)
	assert.Equal(t, "screen", p.ScreenStream.ID)

	conn.Events.OnClosed(nil)
	conn.Events.OnClosed(nil)
	assert.False(t, h.m.Destroy("a", nil))

	_, ok = h.m.Peer("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, ids(h.m.Peers()))
	require.Len(t, h.removed, 1)
	assert.Equal(t, "a", h.removed[0].id)

	// Events from the dead connection change nothing.
	conn.Events.OnStream(webrtc.RemoteStream{ID: "cam", Kind: media.KindAudio})
	conn.Events.OnConnected()
	assert.Equal(t, []string{"b"}, ids(h.m.Peers()))
}

func TestFailedPeerIsIsolated(t *testing.T) {
	h := newHarness(t, "m")
	h.m.Reconcile([]string{"a", "b"})

	h.dialer.Last("a").Events.OnClosed(webrtc.ErrNegotiationFailed)

	assert.Equal(t, []string{"b"}, ids(h.m.Peers()))
	require.Len(t, h.removed, 1)
	assert.ErrorIs(t, h.removed[0].reason, webrtc.ErrNegotiationFailed)
	assert.Equal(t, 0, h.dialer.Last("b").Closed())
}

func TestSweepDestroysOnlyStalePeers(t *testing.T) {
	h := newHarness(t, "m")
	h.m.Reconcile([]string{"a", "b", "c"})
	h.dialer.Last("c").Events.OnConnected()

	h.clock.Advance(30 * time.Second)
	h.m.HandleSignal("b", signaling.SignalPayload{Type: signaling.SignalCandidate, Candidate: []byte(`{}`)})

	h.clock.Advance(20 * time.Second)
	assert.Equal(t, []string{"a"}, h.m.Sweep())
	assert.Equal(t, []string{"b", "c"}, ids(h.m.Peers()))
	require.Len(t, h.removed, 1)
	assert.ErrorIs(t, h.removed[0].reason, ErrStalled)

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, []string{"b"}, h.m.Sweep())
	assert.Equal(t, []string{"c"}, ids(h.m.Peers()), "connected peers are never swept")
}

func TestOfferCreatesPeerAndLateSignalsAreDropped(t *testing.T) {
	h := newHarness(t, "a")

	h.m.HandleSignal("x", signaling.SignalPayload{Type: signaling.SignalCandidate, ConnID: "c1"})
	assert.Empty(t, h.dialer.Conns())

	h.m.HandleSignal("x", signaling.SignalPayload{Type: signaling.SignalOffer, SDP: "v=0", ConnID: "c1"})
	conn := h.dialer.Last("x")
	require.NotNil(t, conn)
	assert.False(t, conn.Opts.Initiator)
	assert.Equal(t, "c1", conn.Opts.ConnID)
	require.Len(t, conn.Signals(), 1)
	assert.Equal(t, signaling.SignalOffer, conn.Signals()[0].Type)

	require.True(t, h.m.Destroy("x", nil))
	h.m.HandleSignal("x", signaling.SignalPayload{Type: signaling.SignalCandidate, ConnID: "c1"})
	assert.Len(t, h.dialer.Conns(), 1)
	assert.Len(t, conn.Signals(), 1)
}

func TestOfferWithNewConnIDReplacesConnection(t *testing.T) {
	h := newHarness(t, "a")

	h.m.HandleSignal("x", signaling.SignalPayload{Type: signaling.SignalOffer, ConnID: "c1"})
	old := h.dialer.Last("x")

	// A renegotiation offer on the same connection reuses it.
	h.m.HandleSignal("x", signaling.SignalPayload{Type: signaling.SignalOffer, ConnID: "c1"})
	assert.Len(t, h.dialer.Conns(), 1)
	assert.Len(t, old.Signals(), 2)

	h.m.HandleSignal("x", signaling.SignalPayload{Type: signaling.SignalOffer, ConnID: "c2"})
	cur := h.dialer.Last("x")
	require.NotSame(t, old, cur)
	assert.Equal(t, 1, old.Closed())
	assert.Equal(t, "c2", cur.ID())

	p, ok := h.m.Peer("x")
	require.True(t, ok)
	assert.Equal(t, "c2", p.ConnID)

	// Candidates for the replaced connection are not fed to the new one.
	h.m.HandleSignal("x", signaling.SignalPayload{Type: signaling.SignalCandidate, ConnID: "c1"})
	assert.Len(t, cur.Signals(), 1)
	h.m.HandleSignal("x", signaling.SignalPayload{Type: signaling.SignalCandidate, ConnID: "c2"})
	assert.Len(t, cur.Signals(), 2)
}

func TestAnswererBindsToFirstOffer(t *testing.T) {
	h := newHarness(t, "a")
	h.m.Reconcile([]string{"x"})

	conn := h.dialer.Last("x")
	require.False(t, conn.Opts.Initiator)
	assert.Empty(t, conn.ID())

	h.m.HandleSignal("x", signaling.SignalPayload{Type: signaling.SignalOffer, ConnID: "c9"})
	assert.Len(t, h.dialer.Conns(), 1)
	assert.Equal(t, "c9", conn.ID())
}

func TestSignalFailureDestroysPeer(t *testing.T) {
	h := newHarness(t, "m")
	h.m.Reconcile([]string{"a"})
	h.dialer.Last("a").FailSignals(errors.New("malformed sdp"))

	h.m.HandleSignal("a", signaling.SignalPayload{Type: signaling.SignalAnswer, ConnID: "conn-1"})

	assert.Empty(t, h.m.Peers())
	require.Len(t, h.removed, 1)
	assert.ErrorIs(t, h.removed[0].reason, webrtc.ErrNegotiationFailed)
}

func TestOutgoingSignalsAreTargeted(t *testing.T) {
	h := newHarness(t, "m")
	h.m.Reconcile([]string{"a"})

	h.dialer.Last("a").Events.OnSignal(signaling.SignalPayload{Type: signaling.SignalOffer, ConnID: "conn-1"})

	require.Len(t, h.signaler.sent, 1)
	assert.Equal(t, "a", h.signaler.sent[0].target)
	assert.Equal(t, signaling.SignalOffer, h.signaler.sent[0].payload.Type)
}

func TestRemoteStreamRoles(t *testing.T) {
	tests := []struct {
		name       string
		streams    []webrtc.RemoteStream
		wantStream string
		wantScreen string
	}{
		{
			name: "tagged presentation first",
			streams: []webrtc.RemoteStream{
				{ID: "s", Role: media.RolePresentation, Kind: media.KindVideo},
				{ID: "p", Role: media.RolePrimary, Kind: media.KindAudio},
			},
			wantStream: "p",
			wantScreen: "s",
		},
		{
			name: "untagged second stream is a screen share",
			streams: []webrtc.RemoteStream{
				{ID: "p", Kind: media.KindAudio},
				{ID: "p", Kind: media.KindVideo},
				{ID: "s", Kind: media.KindVideo},
			},
			wantStream: "p",
			wantScreen: "s",
		},
		{
			name: "single stream",
			streams: []webrtc.RemoteStream{
				{ID: "p", Role: media.RolePrimary, Kind: media.KindAudio},
			},
			wantStream: "p",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "m")
			h.m.Reconcile([]string{"a"})
			conn := h.dialer.Last("a")
			for _, rs := range tt.streams {
				conn.Events.OnStream(rs)
			}

			p, ok := h.m.Peer("a")
			require.True(t, ok)
			require.NotNil(t, p.Stream)
			assert.Equal(t, tt.wantStream, p.Stream.ID)
			if tt.wantScreen == "" {
				assert.Nil(t, p.ScreenStream)
			} else {
				require.NotNil(t, p.ScreenStream)
				assert.Equal(t, tt.wantScreen, p.ScreenStream.ID)
			}
		})
	}
}

func TestRemoteStreamMergesKinds(t *testing.T) {
	h := newHarness(t, "m")
	h.m.Reconcile([]string{"a"})
	conn := h.dialer.Last("a")

	conn.Events.OnStream(webrtc.RemoteStream{ID: "p", Kind: media.KindAudio})
	conn.Events.OnStream(webrtc.RemoteStream{ID: "p", Kind: media.KindVideo})

	p, _ := h.m.Peer("a")
	assert.True(t, p.Stream.Has(media.KindAudio))
	assert.True(t, p.Stream.Has(media.KindVideo))

	h.m.ClearScreen("a")
	conn.Events.OnStream(webrtc.RemoteStream{ID: "s", Kind: media.KindVideo})
	p, _ = h.m.Peer("a")
	require.NotNil(t, p.ScreenStream)

	h.m.ClearScreen("a")
	p, _ = h.m.Peer("a")
	assert.Nil(t, p.ScreenStream)
}

func TestLocalStreamsReachEveryPeer(t *testing.T) {
	h := newHarness(t, "m")
	camera := media.NewStream(media.RolePrimary)
	h.m.AddLocalStream(camera)
	h.m.AddLocalStream(camera)

	h.m.Reconcile([]string{"a", "b"})
	a := h.dialer.Last("a")
	assert.Equal(t, []*media.Stream{camera}, a.Opts.Streams)

	screen := media.NewStream(media.RolePresentation)
	h.m.AddLocalStream(screen)
	assert.Equal(t, []*media.Stream{screen}, a.Added())
	assert.Equal(t, []*media.Stream{screen}, h.dialer.Last("b").Added())

	old, cur := &media.Track{}, &media.Track{}
	h.m.ReplaceTrack(old, cur)
	require.Len(t, a.Replaced(), 1)
	assert.Same(t, cur, a.Replaced()[0][1])

	h.m.RemoveLocalStream(screen)
	h.m.RemoveLocalStream(screen)
	assert.Equal(t, []*media.Stream{screen}, a.Removed())

	h.m.Reconcile([]string{"a", "b", "c"})
	assert.Equal(t, []*media.Stream{camera}, h.dialer.Last("c").Opts.Streams)
}

func TestReconnectRebuildsPeers(t *testing.T) {
	h := newHarness(t, "m")
	h.m.Reconcile([]string{"a", "b"})
	first := h.dialer.Last("a")

	h.m.Reconnect([]string{"a", "b"})

	assert.Equal(t, 1, first.Closed())
	assert.Len(t, h.dialer.Conns(), 4)
	assert.NotSame(t, first, h.dialer.Last("a"))
	assert.Equal(t, []string{"a", "b"}, ids(h.m.Peers()))
}

func TestAnswererReconnectRestartsInitiator(t *testing.T) {
	members := []string{"amy", "zed"}
	hi := newHarness(t, "zed")
	lo := newHarness(t, "amy")

	hi.m.Reconcile(members)
	lo.m.Reconcile(members)
	offerer := hi.dialer.Last("amy")
	require.True(t, offerer.Opts.Initiator)
	lo.m.HandleSignal("zed", signaling.SignalPayload{Type: signaling.SignalOffer, ConnID: offerer.ID()})
	offerer.Events.OnConnected()
	lo.dialer.Last("zed").Events.OnConnected()

	lo.m.Reconnect(members)

	answerer := lo.dialer.Last("zed")
	require.Len(t, lo.dialer.Conns(), 2)
	assert.False(t, answerer.Opts.Initiator)
	assert.Empty(t, answerer.ID())
	assert.Equal(t, 1, answerer.Negotiations(), "answerer asks for a fresh offer")

	// The initiator still believes the old connection is up.
	hi.m.HandleSignal("amy", signaling.SignalPayload{Type: signaling.SignalRenegotiate})

	fresh := hi.dialer.Last("amy")
	require.NotSame(t, offerer, fresh)
	assert.Equal(t, 1, offerer.Closed())
	assert.True(t, fresh.Opts.Initiator)
	assert.Equal(t, 1, fresh.Negotiations())

	p, ok := hi.m.Peer("amy")
	require.True(t, ok)
	assert.Equal(t, StateConnecting, p.State)

	// The new offer binds the rebuilt answerer.
	lo.m.HandleSignal("zed", signaling.SignalPayload{Type: signaling.SignalOffer, ConnID: fresh.ID()})
	assert.Len(t, lo.dialer.Conns(), 2)
	assert.Equal(t, fresh.ID(), answerer.ID())
}

func TestOfferRequestAfterRemoteClose(t *testing.T) {
	h := newHarness(t, "zed")
	h.m.Reconcile([]string{"amy"})
	old := h.dialer.Last("amy")
	old.Events.OnConnected()
	old.Events.OnClosed(nil)
	require.Empty(t, h.m.Peers())

	h.m.HandleSignal("amy", signaling.SignalPayload{Type: signaling.SignalRenegotiate})

	require.Len(t, h.dialer.Conns(), 2)
	cur := h.dialer.Last("amy")
	assert.True(t, cur.Opts.Initiator)
	assert.Equal(t, 1, cur.Negotiations())
	assert.Equal(t, []string{"amy"}, ids(h.m.Peers()))
}

func TestOfferRequestWhileOfferInFlight(t *testing.T) {
	h := newHarness(t, "zed")
	h.m.Reconcile([]string{"amy"})

	h.m.HandleSignal("amy", signaling.SignalPayload{Type: signaling.SignalRenegotiate})

	assert.Len(t, h.dialer.Conns(), 1)
	assert.Equal(t, 0, h.dialer.Last("amy").Closed())
}

func TestOfferRequestFromLargerIDIsIgnored(t *testing.T) {
	h := newHarness(t, "amy")

	h.m.HandleSignal("zed", signaling.SignalPayload{Type: signaling.SignalRenegotiate})

	assert.Empty(t, h.dialer.Conns())
	assert.Empty(t, h.m.Peers())
}
