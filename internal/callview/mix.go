package callview

import "github.com/BioHazard786/Boothcall/internal/signaling"

// DefaultDuckGain is the floor gain for a channel listener while an
// interpreter of that channel is live.
const DefaultDuckGain = 0.0

// Listener is the local participant choosing what to hear. An empty
// Language means the floor.
type Listener struct {
	ID       string
	Language string
}

// Mix returns the playback gain of every member for the listener.
//
// Floor listeners hear everyone not broadcasting a language at full gain and
// interpreters on a channel not at all. Channel listeners hear the
// interpreters of their language at full gain and the floor at duck while at
// least one of them is live, or at full gain otherwise. Self and
// audio-blocked members are always silent.
func Mix(l Listener, members map[string]signaling.Presence, duck float64) map[string]float64 {
	live := l.Language != "" && channelLive(l.Language, members)

	gains := make(map[string]float64, len(members))
	for id, p := range members {
		switch {
		case id == l.ID || p.AudioBlocked:
			gains[id] = 0
		case broadcasting(p):
			if l.Language != "" && p.Language == l.Language {
				gains[id] = 1
			} else {
				gains[id] = 0
			}
		case live:
			gains[id] = duck
		default:
			gains[id] = 1
		}
	}
	return gains
}

func broadcasting(p signaling.Presence) bool {
	return p.Role == signaling.RoleInterpreter && p.Language != ""
}

func channelLive(language string, members map[string]signaling.Presence) bool {
	for _, p := range members {
		if broadcasting(p) && p.Language == language && p.MicOn && !p.AudioBlocked {
			return true
		}
	}
	return false
}
