package webrtc

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/BioHazard786/Boothcall/internal/logging"
	"github.com/BioHazard786/Boothcall/internal/media"
	"github.com/BioHazard786/Boothcall/internal/signaling"
	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const controlChannelLabel = "booth-control"

// peer is the pion implementation of Conn. Only the initiator creates
// offers; the answering side asks for one with a renegotiate signal.
type peer struct {
	peerID    string
	initiator bool
	pc        *pion.PeerConnection
	events    Events
	log       logging.Logger

	mu            sync.Mutex
	id            string
	remoteSet     bool
	pending       []pion.ICECandidateInit
	descSent      bool
	localPending  []pion.ICECandidateInit
	localRoles    map[string]string
	remoteRoles   map[string]string
	senders       map[string]*pion.RTPSender
	streamSenders map[string][]*pion.RTPSender
	offering      bool
	renegotiate   bool
	dc            *pion.DataChannel
	connected     bool
	closed        bool
}

func newPeer(pc *pion.PeerConnection, opts Options, events Events, log logging.Logger) (*peer, error) {
	id := opts.ConnID
	if id == "" && opts.Initiator {
		id = uuid.NewString()
	}

	p := &peer{
		peerID:        opts.PeerID,
		initiator:     opts.Initiator,
		pc:            pc,
		events:        events,
		log:           log.With(zap.String("peer", opts.PeerID)),
		id:            id,
		localRoles:    make(map[string]string),
		remoteRoles:   make(map[string]string),
		senders:       make(map[string]*pion.RTPSender),
		streamSenders: make(map[string][]*pion.RTPSender),
	}
	p.registerHandlers()

	for _, s := range opts.Streams {
		if err := p.addStream(s); err != nil {
			return nil, err
		}
	}

	if opts.DataChannel && opts.Initiator {
		ordered := true
		dc, err := pc.CreateDataChannel(controlChannelLabel, &pion.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return nil, NewPeerError("create data channel", p.peerID, err)
		}
		p.setDataChannel(dc)
	}
	return p, nil
}

func (p *peer) registerHandlers() {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()

		p.mu.Lock()
		if !p.descSent {
			p.localPending = append(p.localPending, init)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		p.sendCandidate(init)
	})

	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Debug("connection state changed", zap.String("state", state.String()))

		switch state {
		case pion.PeerConnectionStateConnected:
			p.mu.Lock()
			first := !p.connected && !p.closed
			p.connected = true
			p.mu.Unlock()
			if first && p.events.OnConnected != nil {
				p.events.OnConnected()
			}
		case pion.PeerConnectionStateFailed:
			p.fail(NewPeerError("connect", p.peerID, ErrNegotiationFailed))
		case pion.PeerConnectionStateClosed:
			p.fail(nil)
		case pion.PeerConnectionStateDisconnected:
			p.log.Warn("connection interrupted")
		}
	})

	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		p.mu.Lock()
		role := p.remoteRoles[track.StreamID()]
		p.mu.Unlock()

		kind := media.KindVideo
		if track.Kind() == pion.RTPCodecTypeAudio {
			kind = media.KindAudio
		}
		p.log.Debug("remote track",
			zap.String("stream", track.StreamID()),
			zap.String("role", role),
			zap.String("codec", track.Codec().MimeType))

		go drainTrack(track)

		if p.events.OnStream != nil {
			p.events.OnStream(RemoteStream{ID: track.StreamID(), Role: role, Kind: kind, Track: track})
		}
	})

	p.pc.OnDataChannel(func(dc *pion.DataChannel) {
		if dc.Label() == controlChannelLabel {
			p.setDataChannel(dc)
		}
	})
}

func (p *peer) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *peer) PeerID() string { return p.peerID }

func (p *peer) Negotiate() error {
	if !p.initiator {
		return p.requestOffer()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.offering || p.pc.SignalingState() != pion.SignalingStateStable {
		p.renegotiate = true
		p.mu.Unlock()
		return nil
	}
	p.offering = true
	p.renegotiate = false
	p.mu.Unlock()

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.clearOffering()
		return NewPeerError("create offer", p.peerID, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.clearOffering()
		return NewPeerError("set local description", p.peerID, err)
	}

	p.emitDescription(signaling.SignalOffer, p.pc.LocalDescription().SDP)
	return nil
}

func (p *peer) clearOffering() {
	p.mu.Lock()
	p.offering = false
	p.mu.Unlock()
}

// requestOffer asks the initiator to renegotiate, naming the kinds of local
// tracks that have no negotiated transceiver yet.
func (p *peer) requestOffer() error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	var kinds []string
	for _, t := range p.pc.GetTransceivers() {
		sender := t.Sender()
		if t.Mid() == "" && sender != nil && sender.Track() != nil {
			kinds = append(kinds, t.Kind().String())
		}
	}

	p.emit(signaling.SignalPayload{
		Type:         signaling.SignalRenegotiate,
		ConnID:       p.ID(),
		Transceivers: kinds,
	})
	return nil
}

func (p *peer) Signal(payload signaling.SignalPayload) error {
	switch payload.Type {
	case signaling.SignalOffer:
		return p.handleOffer(payload)
	case signaling.SignalAnswer:
		return p.handleAnswer(payload)
	case signaling.SignalCandidate:
		return p.handleCandidate(payload)
	case signaling.SignalRenegotiate:
		if !p.initiator {
			return WrapError("signal", ErrUnexpectedSignal, payload.Type)
		}
		for _, kind := range payload.Transceivers {
			codecType := pion.NewRTPCodecType(kind)
			if codecType == 0 {
				continue
			}
			if _, err := p.pc.AddTransceiverFromKind(codecType, pion.RTPTransceiverInit{
				Direction: pion.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return NewPeerError("add transceiver", p.peerID, err)
			}
		}
		return p.Negotiate()
	default:
		return WrapError("signal", ErrUnexpectedSignal, payload.Type)
	}
}

func (p *peer) handleOffer(payload signaling.SignalPayload) error {
	if p.initiator {
		return WrapError("handle offer", ErrUnexpectedSignal, "initiator received an offer")
	}

	p.mu.Lock()
	if p.id == "" {
		p.id = payload.ConnID
	}
	p.mu.Unlock()
	p.setRemoteRoles(payload.Streams)

	offer := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: payload.SDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return NewPeerError("set remote description", p.peerID, err)
	}
	p.flushRemoteCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return NewPeerError("create answer", p.peerID, err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return NewPeerError("set local description", p.peerID, err)
	}

	p.emitDescription(signaling.SignalAnswer, p.pc.LocalDescription().SDP)

	p.mu.Lock()
	again := p.renegotiate
	p.renegotiate = false
	p.mu.Unlock()
	if again {
		return p.requestOffer()
	}
	return nil
}

func (p *peer) handleAnswer(payload signaling.SignalPayload) error {
	if !p.initiator {
		return WrapError("handle answer", ErrUnexpectedSignal, "answerer received an answer")
	}

	p.setRemoteRoles(payload.Streams)

	answer := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: payload.SDP}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		p.clearOffering()
		return NewPeerError("set remote description", p.peerID, err)
	}
	p.flushRemoteCandidates()

	p.mu.Lock()
	p.offering = false
	again := p.renegotiate
	p.mu.Unlock()

	if again {
		return p.Negotiate()
	}
	return nil
}

// handleCandidate buffers candidates that arrive before the remote
// description, since pion rejects them until then.
func (p *peer) handleCandidate(payload signaling.SignalPayload) error {
	if len(payload.Candidate) == 0 {
		return nil
	}

	var candidate pion.ICECandidateInit
	if err := json.Unmarshal(payload.Candidate, &candidate); err != nil {
		return NewPeerError("parse ICE candidate", p.peerID, err)
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(candidate); err != nil {
		return NewPeerError("add ICE candidate", p.peerID, err)
	}
	return nil
}

func (p *peer) flushRemoteCandidates() {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Warn("failed to add buffered candidate", zap.Error(err))
		}
	}
}

func (p *peer) setRemoteRoles(roles map[string]string) {
	if len(roles) == 0 {
		return
	}
	p.mu.Lock()
	for id, role := range roles {
		p.remoteRoles[id] = role
	}
	p.mu.Unlock()
}

// emitDescription sends an offer or answer, then releases the local
// candidates gathered before it so they never overtake the description.
func (p *peer) emitDescription(sdpType, sdp string) {
	p.mu.Lock()
	roles := make(map[string]string, len(p.localRoles))
	for id, role := range p.localRoles {
		roles[id] = role
	}
	id := p.id
	p.mu.Unlock()

	p.emit(signaling.SignalPayload{Type: sdpType, SDP: sdp, ConnID: id, Streams: roles})

	p.mu.Lock()
	p.descSent = true
	queued := p.localPending
	p.localPending = nil
	p.mu.Unlock()

	for _, c := range queued {
		p.sendCandidate(c)
	}
}

func (p *peer) sendCandidate(c pion.ICECandidateInit) {
	b, err := json.Marshal(c)
	if err != nil {
		p.log.Warn("failed to encode candidate", zap.Error(err))
		return
	}
	p.emit(signaling.SignalPayload{Type: signaling.SignalCandidate, Candidate: b, ConnID: p.ID()})
}

func (p *peer) emit(payload signaling.SignalPayload) {
	if p.events.OnSignal != nil {
		p.events.OnSignal(payload)
	}
}

func (p *peer) AddStream(s *media.Stream) error {
	if err := p.addStream(s); err != nil {
		return err
	}
	return p.Negotiate()
}

func (p *peer) addStream(s *media.Stream) error {
	for _, t := range s.Tracks() {
		if err := p.addTrack(s.ID(), t); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.localRoles[s.ID()] = s.Role()
	p.mu.Unlock()
	return nil
}

func (p *peer) addTrack(streamID string, t *media.Track) error {
	sender, err := p.pc.AddTrack(t.Local())
	if err != nil {
		return NewPeerError("add track", p.peerID, err)
	}

	p.mu.Lock()
	p.senders[t.ID()] = sender
	p.streamSenders[streamID] = append(p.streamSenders[streamID], sender)
	p.mu.Unlock()

	go drainRTCP(sender)
	return nil
}

func (p *peer) RemoveStream(s *media.Stream) error {
	p.mu.Lock()
	senders := p.streamSenders[s.ID()]
	delete(p.streamSenders, s.ID())
	delete(p.localRoles, s.ID())
	for trackID, sender := range p.senders {
		for _, removed := range senders {
			if sender == removed {
				delete(p.senders, trackID)
			}
		}
	}
	p.mu.Unlock()

	if len(senders) == 0 {
		return nil
	}

	var errs []error
	for _, sender := range senders {
		if err := p.pc.RemoveTrack(sender); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return NewPeerError("remove track", p.peerID, err)
	}
	return p.Negotiate()
}

func (p *peer) ReplaceTrack(old, cur *media.Track) error {
	p.mu.Lock()
	var sender *pion.RTPSender
	if old != nil {
		sender = p.senders[old.ID()]
	}
	if sender != nil {
		delete(p.senders, old.ID())
		p.senders[cur.ID()] = sender
	}
	p.mu.Unlock()

	if sender == nil {
		if err := p.addTrack(cur.StreamID(), cur); err != nil {
			return err
		}
		return p.Negotiate()
	}

	if err := sender.ReplaceTrack(cur.Local()); err != nil {
		return NewPeerError("replace track", p.peerID, err)
	}
	return nil
}

func (p *peer) setDataChannel(dc *pion.DataChannel) {
	dc.OnOpen(func() {
		p.log.Debug("control channel open")
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		if p.events.OnData != nil {
			p.events.OnData(msg.Data)
		}
	})

	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()
}

func (p *peer) Send(data []byte) error {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()

	if dc == nil || dc.ReadyState() != pion.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	if err := dc.Send(data); err != nil {
		return NewPeerError("send", p.peerID, err)
	}
	return nil
}

// fail tears down a connection that failed or was closed remotely and
// reports it once.
func (p *peer) fail(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	go p.pc.Close()

	if p.events.OnClosed != nil {
		p.events.OnClosed(err)
	}
}

func (p *peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		return NewPeerError("close", p.peerID, err)
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors such as NACK keep working.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainTrack(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
