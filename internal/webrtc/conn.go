package webrtc

import (
	"github.com/BioHazard786/Boothcall/internal/media"
	"github.com/BioHazard786/Boothcall/internal/signaling"
	pion "github.com/pion/webrtc/v4"
)

// Conn is one transport connection to a remote participant.
type Conn interface {
	// ID identifies this connection instance. The initiator picks it and the
	// answerer adopts it from the first offer.
	ID() string
	PeerID() string
	// Negotiate starts an offer on the initiating side, or asks the
	// initiator for a new offer on the answering side.
	Negotiate() error
	// Signal applies a remote offer, answer, candidate or renegotiate request.
	Signal(payload signaling.SignalPayload) error
	AddStream(s *media.Stream) error
	RemoveStream(s *media.Stream) error
	// ReplaceTrack swaps old for cur on the matching sender without
	// renegotiating. A nil or unknown old track adds cur instead.
	ReplaceTrack(old, cur *media.Track) error
	Send(data []byte) error
	Close() error
}

// Options configures a new Conn.
type Options struct {
	PeerID    string
	Initiator bool
	// ConnID is set when answering an offer; initiators leave it empty.
	ConnID      string
	Streams     []*media.Stream
	DataChannel bool
}

// RemoteStream is a remote track surfaced with the stream it belongs to.
type RemoteStream struct {
	ID    string
	Role  string // empty when the remote side did not tag the stream
	Kind  media.Kind
	Track *pion.TrackRemote
}

// Events are the callbacks a Conn reports through. Callbacks may run on
// transport goroutines.
type Events struct {
	OnSignal    func(payload signaling.SignalPayload)
	OnStream    func(stream RemoteStream)
	OnConnected func()
	// OnClosed is called once when the connection fails or is closed by the
	// remote side; it is not called after a local Close.
	OnClosed func(err error)
	OnData   func(data []byte)
}

// Dialer creates connections.
type Dialer interface {
	Dial(opts Options, events Events) (Conn, error)
}
