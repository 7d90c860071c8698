package callview

import (
	"fmt"
	"testing"

	"github.com/BioHazard786/Boothcall/internal/peers"
	"github.com/BioHazard786/Boothcall/internal/room"
	"github.com/BioHazard786/Boothcall/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMixInterpretedChannel(t *testing.T) {
	members := map[string]signaling.Presence{
		"host":   {Name: "Host", Role: signaling.RoleParticipant, IsHost: true, MicOn: true},
		"interp": {Name: "Ines", Role: signaling.RoleInterpreter, Language: "pt", MicOn: true},
		"pat":    {Name: "Pat", Role: signaling.RoleParticipant, MicOn: true},
	}

	gains := Mix(Listener{ID: "pat", Language: "pt"}, members, DefaultDuckGain)
	assert.Equal(t, 1.0, gains["interp"])
	assert.Equal(t, 0.0, gains["host"])
	assert.Equal(t, 0.0, gains["pat"])

	floor := Mix(Listener{ID: "pat"}, members, DefaultDuckGain)
	assert.Equal(t, 1.0, floor["host"])
	assert.Equal(t, 0.0, floor["interp"])
}

func TestMix(t *testing.T) {
	tests := []struct {
		name     string
		listener Listener
		members  map[string]signaling.Presence
		duck     float64
		want     map[string]float64
	}{
		{
			name:     "interpreter off air falls back to floor",
			listener: Listener{ID: "me", Language: "pt"},
			members: map[string]signaling.Presence{
				"me":     {},
				"host":   {MicOn: true},
				"interp": {Role: signaling.RoleInterpreter, Language: "pt"},
			},
			want: map[string]float64{"me": 0, "host": 1, "interp": 1},
		},
		{
			name:     "duck gain applies to floor",
			listener: Listener{ID: "me", Language: "es"},
			members: map[string]signaling.Presence{
				"me":     {},
				"host":   {MicOn: true},
				"interp": {Role: signaling.RoleInterpreter, Language: "es", MicOn: true},
			},
			duck: 0.2,
			want: map[string]float64{"me": 0, "host": 0.2, "interp": 1},
		},
		{
			name:     "other channel is silent",
			listener: Listener{ID: "me", Language: "es"},
			members: map[string]signaling.Presence{
				"me":  {},
				"pt1": {Role: signaling.RoleInterpreter, Language: "pt", MicOn: true},
				"es1": {Role: signaling.RoleInterpreter, Language: "es", MicOn: true},
			},
			want: map[string]float64{"me": 0, "pt1": 0, "es1": 1},
		},
		{
			name:     "blocked audio is always silent",
			listener: Listener{ID: "me"},
			members: map[string]signaling.Presence{
				"me":   {},
				"loud": {MicOn: true, AudioBlocked: true},
				"ok":   {MicOn: true},
			},
			want: map[string]float64{"me": 0, "loud": 0, "ok": 1},
		},
		{
			name:     "interpreter on the floor is heard by floor listeners",
			listener: Listener{ID: "me"},
			members: map[string]signaling.Presence{
				"me":     {},
				"interp": {Role: signaling.RoleInterpreter, MicOn: true},
			},
			want: map[string]float64{"me": 0, "interp": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Mix(tt.listener, tt.members, tt.duck))
		})
	}
}

func snapshot(n int) room.Snapshot {
	snap := room.Snapshot{
		SelfID:  "self",
		Self:    signaling.Presence{Name: "Me"},
		Members: map[string]signaling.Presence{"self": {Name: "Me"}},
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("p%02d", i)
		snap.Members[id] = signaling.Presence{Name: id}
		snap.Peers = append(snap.Peers, peers.Peer{ID: id, State: peers.StateConnected})
	}
	return snap
}

func TestPagination(t *testing.T) {
	v := New(4)
	snap := snapshot(9) // ten tiles with self

	l := v.Layout(snap)
	assert.Equal(t, ModeGrid, l.Mode)
	assert.Equal(t, 3, l.Pages)
	assert.Equal(t, 0, l.Page)
	require.Len(t, l.Tiles, 4)
	assert.True(t, l.Tiles[0].Self)
	assert.Equal(t, "p00", l.Tiles[1].ID)
	assert.Equal(t, peers.StateConnected, l.Tiles[1].State)

	v.NextPage()
	v.NextPage()
	v.NextPage()
	l = v.Layout(snap)
	assert.Equal(t, 2, l.Page)
	assert.Len(t, l.Tiles, 2)

	// Participants leaving clamps the page.
	l = v.Layout(snapshot(2))
	assert.Equal(t, 0, l.Page)
	assert.Equal(t, 1, l.Pages)
	assert.Len(t, l.Tiles, 3)

	v.PrevPage()
	v.PrevPage()
	assert.Equal(t, 0, v.Layout(snap).Page)
}

func TestEmptyRoomHasOnePage(t *testing.T) {
	l := New(9).Layout(snapshot(0))
	assert.Equal(t, 1, l.Pages)
	require.Len(t, l.Tiles, 1)
	assert.True(t, l.Tiles[0].Self)
}

func TestSpeakerMode(t *testing.T) {
	v := New(9)
	v.ToggleMode()
	assert.Equal(t, ModeSpeaker, v.Mode())

	snap := snapshot(3)
	p := snap.Members["p01"]
	p.MicOn = true
	snap.Members["p01"] = p

	l := v.Layout(snap)
	assert.Equal(t, ModeSpeaker, l.Mode)
	require.NotNil(t, l.Featured)
	assert.Equal(t, "p01", l.Featured.ID)
	assert.Len(t, l.Tiles, 3)
	for _, tile := range l.Tiles {
		assert.NotEqual(t, "p01", tile.ID)
	}

	v.ToggleMode()
	assert.Equal(t, ModeGrid, v.Layout(snap).Mode)
}

func TestTheaterMode(t *testing.T) {
	v := New(9)
	snap := snapshot(3)

	snap.Presenter = "p02"
	l := v.Layout(snap)
	assert.Equal(t, ModeTheater, l.Mode)
	require.NotNil(t, l.Featured)
	assert.True(t, l.Featured.Screen)
	assert.Equal(t, "p02", l.Featured.ID)

	// A screen stream without an announcement still counts.
	snap.Presenter = ""
	snap.Peers[1].ScreenStream = &peers.Stream{ID: "screen", Role: signaling.StreamRolePresentation}
	l = v.Layout(snap)
	assert.Equal(t, ModeTheater, l.Mode)
	assert.Equal(t, "p01", l.Presenter)

	snap.Peers[1].ScreenStream = nil
	snap.Sharing = true
	l = v.Layout(snap)
	assert.Equal(t, "self", l.Presenter)
	assert.True(t, l.Featured.Self)

	snap.Sharing = false
	assert.Equal(t, ModeGrid, v.Layout(snap).Mode)
}

func TestTileGainsFollowListening(t *testing.T) {
	v := New(9)
	snap := snapshot(0)
	snap.Members["host"] = signaling.Presence{Name: "Host", MicOn: true, IsHost: true}
	snap.Members["interp"] = signaling.Presence{Role: signaling.RoleInterpreter, Language: "pt", MicOn: true}

	gains := func() map[string]float64 {
		out := map[string]float64{}
		for _, tile := range v.Layout(snap).Tiles {
			out[tile.ID] = tile.Gain
		}
		return out
	}

	assert.Equal(t, map[string]float64{"self": 0, "host": 1, "interp": 0}, gains())

	assert.Equal(t, "pt", v.CycleListening([]string{"pt", "es"}))
	assert.Equal(t, map[string]float64{"self": 0, "host": 0, "interp": 1}, gains())

	assert.Equal(t, "es", v.CycleListening([]string{"pt", "es"}))
	assert.Equal(t, "", v.CycleListening([]string{"pt", "es"}))
}
