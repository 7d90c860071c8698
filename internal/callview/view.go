// Package callview derives what the room view shows from a session
// snapshot: layout mode, the visible page of tiles and the audio mix.
package callview

import (
	"sort"

	"github.com/BioHazard786/Boothcall/internal/peers"
	"github.com/BioHazard786/Boothcall/internal/room"
	"github.com/BioHazard786/Boothcall/internal/signaling"
)

// Mode is the layout of the call view.
type Mode string

const (
	ModeGrid    Mode = "grid"
	ModeSpeaker Mode = "speaker"
	// ModeTheater is never chosen by the user; it is in effect whenever
	// someone shares a screen.
	ModeTheater Mode = "theater"
)

// Tile is one participant (or one shared screen) in the view.
type Tile struct {
	ID       string
	Presence signaling.Presence
	Self     bool
	Screen   bool
	// State is the peer connection state; empty for self and for members
	// that have no connection yet.
	State peers.State
	Gain  float64
}

// Layout is everything needed to render one frame.
type Layout struct {
	Mode      Mode
	Featured  *Tile
	Tiles     []Tile
	Page      int
	Pages     int
	Presenter string
}

// View holds the local, user-driven view state.
type View struct {
	mode      Mode
	page      int
	pageSize  int
	listening string
	duck      float64
}

// New creates a grid view with the given page size.
func New(pageSize int) *View {
	if pageSize < 1 {
		pageSize = 1
	}
	return &View{mode: ModeGrid, pageSize: pageSize, duck: DefaultDuckGain}
}

// Mode returns the mode the user picked.
func (v *View) Mode() Mode { return v.mode }

// ToggleMode switches between grid and speaker.
func (v *View) ToggleMode() {
	if v.mode == ModeGrid {
		v.mode = ModeSpeaker
	} else {
		v.mode = ModeGrid
	}
	v.page = 0
}

// NextPage and PrevPage move through the tile pages. The page is clamped
// when the layout is computed.
func (v *View) NextPage() { v.page++ }

func (v *View) PrevPage() {
	if v.page > 0 {
		v.page--
	}
}

// Listening returns the selected listening language, "" for the floor.
func (v *View) Listening() string { return v.listening }

// SetListening selects the language channel to listen to.
func (v *View) SetListening(language string) { v.listening = language }

// CycleListening moves to the next language in languages, wrapping back to
// the floor after the last one.
func (v *View) CycleListening(languages []string) string {
	next := ""
	if v.listening == "" {
		if len(languages) > 0 {
			next = languages[0]
		}
	} else {
		for i, l := range languages {
			if l == v.listening && i+1 < len(languages) {
				next = languages[i+1]
			}
		}
	}
	v.listening = next
	return next
}

// SetDuckGain sets the floor gain used while an interpreter is live.
func (v *View) SetDuckGain(gain float64) { v.duck = gain }

// Layout computes the frame for snap.
func (v *View) Layout(snap room.Snapshot) Layout {
	states := make(map[string]peers.Peer, len(snap.Peers))
	var sharing []string
	for _, p := range snap.Peers {
		states[p.ID] = p
		if p.ScreenStream != nil {
			sharing = append(sharing, p.ID)
		}
	}

	members := make(map[string]signaling.Presence, len(snap.Members)+1)
	for id, p := range snap.Members {
		members[id] = p
	}
	members[snap.SelfID] = snap.Self
	gains := Mix(Listener{ID: snap.SelfID, Language: v.listening}, members, v.duck)

	tiles := []Tile{{ID: snap.SelfID, Presence: snap.Self, Self: true}}
	ids := make([]string, 0, len(members))
	for id := range members {
		if id != snap.SelfID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		tiles = append(tiles, Tile{ID: id, Presence: members[id], State: states[id].State, Gain: gains[id]})
	}

	out := Layout{Mode: v.mode, Presenter: snap.Presenter}

	presenter := snap.Presenter
	if presenter == "" && snap.Sharing {
		presenter = snap.SelfID
	}
	if presenter == "" && len(sharing) > 0 {
		presenter = sharing[0]
	}

	switch {
	case presenter != "":
		out.Mode = ModeTheater
		out.Presenter = presenter
		out.Featured = &Tile{ID: presenter, Presence: members[presenter], Screen: true, Self: presenter == snap.SelfID, State: states[presenter].State}
	case v.mode == ModeSpeaker:
		idx := speaker(tiles)
		featured := tiles[idx]
		out.Featured = &featured
		tiles = append(tiles[:idx:idx], tiles[idx+1:]...)
	}

	out.Tiles, out.Page, out.Pages = paginate(tiles, v.page, v.pageSize)
	v.page = out.Page
	return out
}

// speaker picks the featured tile: the first remote with an open mic, else
// the first remote, else self.
func speaker(tiles []Tile) int {
	for i, t := range tiles {
		if !t.Self && t.Presence.MicOn {
			return i
		}
	}
	for i, t := range tiles {
		if !t.Self {
			return i
		}
	}
	return 0
}

func paginate(tiles []Tile, page, size int) ([]Tile, int, int) {
	pages := (len(tiles) + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	if page >= pages {
		page = pages - 1
	}
	if page < 0 {
		page = 0
	}

	start := page * size
	end := min(start+size, len(tiles))
	if start > end {
		start = end
	}
	return tiles[start:end], page, pages
}
