package hub

import (
	"strings"
	"time"

	"github.com/BioHazard786/Boothcall/internal/signaling"
)

type member struct {
	client   *Client
	presence signaling.Presence
}

// topic is one pub/sub channel: a room's main topic or one of its booths.
type topic struct {
	name   string
	roomID string
	isRoom bool

	members map[string]*member

	// Room topics only.
	host      string
	settings  signaling.RoomSettings
	startedAt time.Time
}

func newTopic(name string, now time.Time) (*topic, bool) {
	t := &topic{name: name, members: make(map[string]*member), startedAt: now}

	if id, ok := signaling.IsRoomTopic(name); ok {
		t.roomID = id
		t.isRoom = true
		return t, true
	}

	// booth:<room>:<language>
	rest, ok := strings.CutPrefix(name, "booth:")
	if !ok {
		return nil, false
	}
	roomID, lang, ok := strings.Cut(rest, ":")
	if !ok || roomID == "" || lang == "" {
		return nil, false
	}
	t.roomID = roomID
	return t, true
}

func (t *topic) presences() map[string]signaling.Presence {
	out := make(map[string]signaling.Presence, len(t.members))
	for id, m := range t.members {
		out[id] = m.presence
	}
	return out
}

// moderator reports whether id may send moderation events on this topic.
func (t *topic) moderator(id string) bool {
	m, ok := t.members[id]
	if !ok {
		return false
	}
	return id == t.host || m.presence.Role == signaling.RoleAdmin
}

// electHost picks the host of a room topic: the settings host when set,
// otherwise the current host while present, otherwise the smallest id.
func (t *topic) electHost() {
	if !t.isRoom {
		return
	}
	switch {
	case t.settings.HostID != "":
		t.host = t.settings.HostID
	case t.members[t.host] != nil:
	default:
		t.host = ""
		if ids := signaling.SortedIDs(t.presences()); len(ids) > 0 {
			t.host = ids[0]
		}
	}
	for id, m := range t.members {
		m.presence.IsHost = id == t.host
	}
}
