package media

import (
	"sync"

	"github.com/google/uuid"
)

// Stream roles.
const (
	RolePrimary      = "primary"
	RolePresentation = "presentation"
)

// Stream is an ordered set of local tracks with a stable identity. Swapping
// a device replaces a track inside the same Stream, so holders of the
// *Stream keep seeing the live tracks.
type Stream struct {
	id   string
	role string

	mu     sync.RWMutex
	tracks []*Track
}

// NewStream creates an empty stream with a fresh id.
func NewStream(role string) *Stream {
	return &Stream{id: uuid.NewString(), role: role}
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

// Role returns primary or presentation.
func (s *Stream) Role() string { return s.role }

// Tracks returns the current tracks in order.
func (s *Stream) Tracks() []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Track(nil), s.tracks...)
}

// TracksOf returns the tracks of one kind.
func (s *Stream) TracksOf(kind Kind) []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Track returns the first track of kind, or nil.
func (s *Stream) Track(kind Kind) *Track {
	if tracks := s.TracksOf(kind); len(tracks) > 0 {
		return tracks[0]
	}
	return nil
}

func (s *Stream) add(t *Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *Stream) replace(old, t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, cur := range s.tracks {
		if cur == old {
			s.tracks[i] = t
			return
		}
	}
	s.tracks = append(s.tracks, t)
}

func (s *Stream) stopAll() {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}
