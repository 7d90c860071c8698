package media

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/BioHazard786/Boothcall/internal/logging"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var errCaptureClosed = errors.New("capture closed")

// Track is one local media track: a capture device pumped into a
// TrackLocalStaticSample. The same *Track is attached to every peer
// connection, so toggling it affects every consumer at once.
type Track struct {
	id       string
	streamID string
	kind     Kind
	pump     *pump
	local    *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	stopped atomic.Bool
}

func newTrack(capture Capture, streamID string, log logging.Logger) (*Track, error) {
	return newPump(capture, log).attach(streamID, true)
}

// ID returns the track id.
func (t *Track) ID() string { return t.id }

// StreamID returns the id of the stream the track belongs to.
func (t *Track) StreamID() string { return t.streamID }

// Kind returns the media kind.
func (t *Track) Kind() Kind { return t.kind }

// DeviceID returns the id of the capture device feeding the track.
func (t *Track) DeviceID() string { return t.pump.capture.DeviceID() }

// Local returns the pion track to attach to peer connections.
func (t *Track) Local() *webrtc.TrackLocalStaticSample { return t.local }

// Enabled reports whether samples are forwarded.
func (t *Track) Enabled() bool { return t.enabled.Load() }

// SetEnabled gates sample forwarding without renegotiation. Tracks that
// belong to a Source are toggled through the Source.
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Stopped reports whether the track has been stopped.
func (t *Track) Stopped() bool { return t.stopped.Load() }

// Clone returns a new track fed by the same capture with its own enable
// flag, for consumers that need to mute independently.
func (t *Track) Clone() (*Track, error) {
	return t.pump.attach(t.streamID, t.Enabled())
}

// Stop detaches the track. The capture device is released when its last
// track stops.
func (t *Track) Stop() {
	if t.stopped.CompareAndSwap(false, true) {
		t.pump.detach(t)
	}
}

// pump reads one capture and fans samples out to every attached track.
type pump struct {
	capture Capture
	log     logging.Logger

	mu      sync.Mutex
	sinks   []*Track
	started bool
	closed  bool
}

func newPump(capture Capture, log logging.Logger) *pump {
	return &pump{
		capture: capture,
		log:     log.With(zap.String("device", capture.DeviceID()), zap.String("kind", string(capture.Kind()))),
	}
}

func (p *pump) attach(streamID string, enabled bool) (*Track, error) {
	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: p.capture.MimeType()},
		id,
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}

	t := &Track{
		id:       id,
		streamID: streamID,
		kind:     p.capture.Kind(),
		pump:     p,
		local:    local,
	}
	t.enabled.Store(enabled)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errCaptureClosed
	}
	p.sinks = append(p.sinks, t)
	start := !p.started
	p.started = true
	p.mu.Unlock()

	if start {
		go p.run()
	}
	return t, nil
}

func (p *pump) run() {
	for {
		sample, err := p.capture.ReadSample()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Warn("capture read failed", zap.Error(err))
			}
			p.close()
			return
		}

		p.mu.Lock()
		sinks := append([]*Track(nil), p.sinks...)
		p.mu.Unlock()

		for _, t := range sinks {
			if !t.enabled.Load() {
				continue
			}
			if err := t.local.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				p.log.Debug("write sample failed", zap.String("track", t.id), zap.Error(err))
			}
		}
	}
}

func (p *pump) detach(t *Track) {
	p.mu.Lock()
	for i, s := range p.sinks {
		if s == t {
			p.sinks = append(p.sinks[:i], p.sinks[i+1:]...)
			break
		}
	}
	last := len(p.sinks) == 0
	p.mu.Unlock()

	if last {
		p.close()
	}
}

func (p *pump) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.capture.Close(); err != nil {
		p.log.Debug("capture close failed", zap.Error(err))
	}
}
