// Package settings persists the per-room settings side-channel: active
// language channels, interpreter assignments and room flags.
package settings

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/BioHazard786/Boothcall/internal/signaling"
	"github.com/goccy/go-yaml"
)

// Store reads and writes room settings. A room without stored settings has
// the zero value.
type Store interface {
	Get(ctx context.Context, roomID string) (signaling.RoomSettings, error)
	Put(ctx context.Context, roomID string, s signaling.RoomSettings) error
}

// Watcher is implemented by stores that are shared between server
// instances and can report updates made elsewhere.
type Watcher interface {
	Watch(ctx context.Context, fn func(roomID string)) error
}

// MemoryStore keeps settings in process.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]signaling.RoomSettings
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]signaling.RoomSettings)}
}

func (m *MemoryStore) Get(_ context.Context, roomID string) (signaling.RoomSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.rooms[roomID]), nil
}

func (m *MemoryStore) Put(_ context.Context, roomID string, s signaling.RoomSettings) error {
	m.mu.Lock()
	m.rooms[roomID] = clone(s)
	m.mu.Unlock()
	return nil
}

func clone(s signaling.RoomSettings) signaling.RoomSettings {
	out := s
	out.ActiveLanguages = append([]string(nil), s.ActiveLanguages...)
	out.Interpreters = make([]signaling.Interpreter, 0, len(s.Interpreters))
	for _, i := range s.Interpreters {
		i.Langs = append([]string(nil), i.Langs...)
		out.Interpreters = append(out.Interpreters, i)
	}
	if s.Interpreters == nil {
		out.Interpreters = nil
	}
	return out
}

// Seed is the layout of a settings seed file.
type Seed struct {
	Rooms map[string]signaling.RoomSettings `yaml:"rooms"`
}

// LoadSeed reads a YAML seed file and writes every room it names into store.
func LoadSeed(ctx context.Context, path string, store Store) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read settings seed: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parse settings seed %s: %w", path, err)
	}

	for id, s := range seed.Rooms {
		if err := store.Put(ctx, id, s); err != nil {
			return 0, fmt.Errorf("seed room %s: %w", id, err)
		}
	}
	return len(seed.Rooms), nil
}
