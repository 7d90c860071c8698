// Package webrtctest provides in-memory Conn and Dialer implementations for
// tests that exercise negotiation logic without a network.
package webrtctest

import (
	"fmt"
	"sync"

	"github.com/BioHazard786/Boothcall/internal/media"
	"github.com/BioHazard786/Boothcall/internal/signaling"
	"github.com/BioHazard786/Boothcall/internal/webrtc"
)

// Conn records every call made on it. Tests drive transport events through
// the Events it was dialed with.
type Conn struct {
	Opts   webrtc.Options
	Events webrtc.Events

	mu           sync.Mutex
	id           string
	signals      []signaling.SignalPayload
	negotiations int
	added        []*media.Stream
	removed      []*media.Stream
	replaced     [][2]*media.Track
	sent         [][]byte
	closed       int
	signalErr    error
	peer         *Conn
}

func (c *Conn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Conn) PeerID() string { return c.Opts.PeerID }

func (c *Conn) Negotiate() error {
	c.mu.Lock()
	c.negotiations++
	c.mu.Unlock()
	return nil
}

func (c *Conn) Signal(payload signaling.SignalPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signalErr != nil {
		return c.signalErr
	}
	if payload.Type == signaling.SignalOffer && c.id == "" {
		c.id = payload.ConnID
	}
	c.signals = append(c.signals, payload)
	return nil
}

func (c *Conn) AddStream(s *media.Stream) error {
	c.mu.Lock()
	c.added = append(c.added, s)
	c.mu.Unlock()
	return nil
}

func (c *Conn) RemoveStream(s *media.Stream) error {
	c.mu.Lock()
	c.removed = append(c.removed, s)
	c.mu.Unlock()
	return nil
}

func (c *Conn) ReplaceTrack(old, cur *media.Track) error {
	c.mu.Lock()
	c.replaced = append(c.replaced, [2]*media.Track{old, cur})
	c.mu.Unlock()
	return nil
}

// Send delivers data to the linked Conn, if any, through its OnData event.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	peer := c.peer
	c.mu.Unlock()

	if peer == nil {
		return webrtc.ErrChannelNotOpen
	}
	if peer.Events.OnData != nil {
		peer.Events.OnData(data)
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

// FailSignals makes every later Signal call return err.
func (c *Conn) FailSignals(err error) {
	c.mu.Lock()
	c.signalErr = err
	c.mu.Unlock()
}

// Link wires two conns so Send on one is delivered to the other.
func Link(a, b *Conn) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (c *Conn) Signals() []signaling.SignalPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]signaling.SignalPayload(nil), c.signals...)
}

func (c *Conn) Negotiations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiations
}

func (c *Conn) Added() []*media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*media.Stream(nil), c.added...)
}

func (c *Conn) Removed() []*media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*media.Stream(nil), c.removed...)
}

func (c *Conn) Replaced() [][2]*media.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][2]*media.Track(nil), c.replaced...)
}

func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *Conn) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer hands out Conns and remembers them in dial order.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	seq   int
	Err   error
}

func (d *Dialer) Dial(opts webrtc.Options, events webrtc.Events) (webrtc.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Err != nil {
		return nil, d.Err
	}

	id := opts.ConnID
	if id == "" && opts.Initiator {
		d.seq++
		id = fmt.Sprintf("conn-%d", d.seq)
	}
	c := &Conn{Opts: opts, Events: events, id: id}
	d.conns = append(d.conns, c)
	return c, nil
}

// Conns returns every Conn dialed so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent Conn dialed for peerID, or nil.
func (d *Dialer) Last(peerID string) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.conns) - 1; i >= 0; i-- {
		if d.conns[i].Opts.PeerID == peerID {
			return d.conns[i]
		}
	}
	return nil
}
