package hub

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/BioHazard786/Boothcall/internal/signaling"
)

var qualities = []string{
	"amber", "brisk", "candid", "civic", "clear", "coral", "crisp", "daring", "eager", "fluent",
	"frank", "gentle", "grand", "honest", "lively", "lucid", "mellow", "nimble", "open", "plain",
	"polite", "quiet", "rapid", "steady", "sunny", "tidy", "vivid", "warm", "witty", "zesty",
}

var gatherings = []string{
	"assembly", "briefing", "caucus", "chorus", "circle", "council", "debate", "dialogue", "forum", "huddle",
	"hearing", "lecture", "panel", "parley", "plenary", "podium", "roundtable", "salon", "seminar", "session",
	"summit", "symposium", "townhall", "tribune", "workshop", "agora", "colloquy", "congress", "meetup", "rally",
}

var places = []string{
	"atrium", "balcony", "bridge", "canal", "cellar", "cloister", "courtyard", "dock", "gallery", "garden",
	"harbor", "lantern", "library", "lighthouse", "loft", "market", "meadow", "observatory", "orchard", "pavilion",
	"piazza", "quay", "riverside", "rooftop", "studio", "terrace", "tower", "veranda", "vineyard", "wharf",
}

// generateRoomID creates a memorable room id such as "lucid-forum-terrace"
// that is not in use by an open room.
func (h *Hub) generateRoomID() string {
	for {
		id := fmt.Sprintf("%s-%s-%s",
			qualities[randomIndex(len(qualities))],
			gatherings[randomIndex(len(gatherings))],
			places[randomIndex(len(places))],
		)
		if t := h.topics[signaling.RoomTopic(id)]; t == nil {
			return id
		}
	}
}

// randomIndex returns a cryptographically secure random index for a slice of given length.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		panic(fmt.Sprintf("hub: random index: %v", err))
	}
	return int(n.Int64())
}
