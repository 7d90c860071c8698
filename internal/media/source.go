package media

import (
	"context"
	"errors"
	"sync"

	"github.com/BioHazard786/Boothcall/internal/logging"
	"go.uber.org/zap"
)

// Source owns the local camera, microphone and screen captures. It is the
// only component that mutates local tracks.
type Source struct {
	driver Driver
	log    logging.Logger

	mu       sync.Mutex
	stream   *Stream
	booth    *Stream
	screen   *Stream
	micOn    bool
	cameraOn bool
}

// NewSource creates a Source with an empty primary stream.
func NewSource(driver Driver, log logging.Logger) *Source {
	stream := NewStream(RolePrimary)
	return &Source{
		driver:   driver,
		log:      log.With(zap.String("component", "media")),
		stream:   stream,
		booth:    &Stream{id: stream.id, role: RolePrimary},
		micOn:    true,
		cameraOn: true,
	}
}

// Stream returns the primary stream. Its identity never changes.
func (s *Source) Stream() *Stream {
	return s.stream
}

// Booth returns the interpreter booth line: a clone of the microphone that
// stays live while the floor microphone is muted. It shares the primary
// stream id and, like it, keeps its identity across device switches.
func (s *Source) Booth() *Stream {
	return s.booth
}

// Screen returns the active presentation stream, or nil.
func (s *Source) Screen() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen
}

// MicOn reports the microphone toggle state.
func (s *Source) MicOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.micOn && s.stream.Track(KindAudio) != nil
}

// CameraOn reports the camera toggle state.
func (s *Source) CameraOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cameraOn && s.stream.Track(KindVideo) != nil
}

// Acquire opens the devices matching c and adds them to the primary stream,
// replacing tracks of the same kind. On failure the stream is left as it was.
func (s *Source) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	captures, err := s.driver.UserMedia(ctx, c)
	if err != nil {
		return s.stream, wrap("acquire", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, capture := range captures {
		t, err := newTrack(capture, s.stream.id, s.log)
		if err != nil {
			capture.Close()
			return s.stream, wrap("acquire", err)
		}
		t.SetEnabled(s.enabledFor(t.kind))

		old := s.stream.Track(t.kind)
		s.stream.replace(old, t)
		if old != nil {
			old.Stop()
		}
		s.cloneToBooth(t)
		s.log.Info("acquired device", zap.String("kind", string(t.kind)), zap.String("device", t.DeviceID()))
	}
	return s.stream, nil
}

func (s *Source) enabledFor(kind Kind) bool {
	if kind == KindAudio {
		return s.micOn
	}
	return s.cameraOn
}

// ToggleMic enables or disables every audio track of the primary stream.
func (s *Source) ToggleMic(enabled bool) {
	s.toggle(KindAudio, enabled)
}

// ToggleCamera enables or disables every video track of the primary stream.
func (s *Source) ToggleCamera(enabled bool) {
	s.toggle(KindVideo, enabled)
}

func (s *Source) toggle(kind Kind, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kind == KindAudio {
		s.micOn = enabled
	} else {
		s.cameraOn = enabled
	}
	for _, t := range s.stream.TracksOf(kind) {
		t.SetEnabled(enabled)
	}
}

// SwitchDevice opens deviceID and swaps it into the primary stream in place
// of the current track of that kind. The stream keeps its identity; callers
// propagate the swap to every peer with the returned old and new tracks.
// If the device cannot be opened the current track is left untouched.
func (s *Source) SwitchDevice(ctx context.Context, kind Kind, deviceID string) (old, cur *Track, err error) {
	capture, err := s.driver.Open(ctx, kind, deviceID)
	if err != nil {
		return nil, nil, wrap("switch device", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err = newTrack(capture, s.stream.id, s.log)
	if err != nil {
		capture.Close()
		return nil, nil, wrap("switch device", err)
	}
	cur.SetEnabled(s.enabledFor(kind))

	old = s.stream.Track(kind)
	s.stream.replace(old, cur)
	if old != nil {
		old.Stop()
	}
	s.cloneToBooth(cur)

	s.log.Info("switched device", zap.String("kind", string(kind)), zap.String("device", deviceID))
	return old, cur, nil
}

// cloneToBooth mirrors a new microphone track onto the booth line. Callers
// hold s.mu.
func (s *Source) cloneToBooth(t *Track) {
	if t.kind != KindAudio {
		return
	}
	line, err := t.Clone()
	if err != nil {
		s.log.Warn("booth line unavailable", zap.Error(err))
		return
	}
	line.SetEnabled(true)

	old := s.booth.Track(KindAudio)
	s.booth.replace(old, line)
	if old != nil {
		old.Stop()
	}
}

// StartScreen opens a display capture as a separate presentation stream.
func (s *Source) StartScreen(ctx context.Context) (*Stream, error) {
	s.mu.Lock()
	if s.screen != nil {
		screen := s.screen
		s.mu.Unlock()
		return screen, nil
	}
	s.mu.Unlock()

	capture, err := s.driver.DisplayMedia(ctx)
	if err != nil {
		return nil, wrap("start screen", err)
	}

	screen := NewStream(RolePresentation)
	t, err := newTrack(capture, screen.id, s.log)
	if err != nil {
		capture.Close()
		return nil, wrap("start screen", err)
	}
	screen.add(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.screen != nil {
		screen.stopAll()
		return s.screen, nil
	}
	s.screen = screen
	return screen, nil
}

// StopScreen stops the presentation stream and returns it so callers can
// detach it from peers.
func (s *Source) StopScreen() (*Stream, error) {
	s.mu.Lock()
	screen := s.screen
	s.screen = nil
	s.mu.Unlock()

	if screen == nil {
		return nil, ErrNoScreenShare
	}
	screen.stopAll()
	return screen, nil
}

// Close releases every device.
func (s *Source) Close() {
	if _, err := s.StopScreen(); err != nil && !errors.Is(err, ErrNoScreenShare) {
		s.log.Warn("stop screen failed", zap.Error(err))
	}
	s.stream.stopAll()
	s.booth.stopAll()
}
