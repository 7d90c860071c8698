package ui

import (
	"fmt"
	"strings"

	"github.com/BioHazard786/Boothcall/internal/media"
	"github.com/BioHazard786/Boothcall/internal/room"
	"github.com/BioHazard786/Boothcall/internal/signaling"
	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.Style().Format.Header = text.FormatDefault
	t.SetTitle(title)
	return t
}

// DevicesView lists the capture devices found on this machine.
func DevicesView(list []media.Device) string {
	if len(list) == 0 {
		return MutedStyle.Render("No capture devices found")
	}

	t := newTable("Capture devices")
	t.AppendHeader(table.Row{"#", "Kind", "Label", "Device ID"})
	for i, d := range list {
		t.AppendRow(table.Row{i + 1, d.Kind, d.Label, d.ID})
	}
	return t.Render()
}

// RosterView renders everyone in the room with their presence flags.
func RosterView(snap room.Snapshot) string {
	t := newTable(fmt.Sprintf("Room %s", snap.RoomID))
	t.AppendHeader(table.Row{"Name", "Role", "Mic", "Camera", "Hand", "Language", "Connection"})

	states := make(map[string]string, len(snap.Peers))
	for _, p := range snap.Peers {
		states[p.ID] = string(p.State)
	}

	members := map[string]signaling.Presence{snap.SelfID: snap.Self}
	for id, p := range snap.Members {
		members[id] = p
	}
	for _, id := range signaling.SortedIDs(members) {
		p := members[id]
		conn := states[id]
		if id == snap.SelfID {
			conn = "you"
		}
		t.AppendRow(table.Row{displayName(id, p), roleLabel(p), onOff(p.MicOn), onOff(p.CameraOn), yesNo(p.HandRaised), dash(p.Language), dash(conn)})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignCenter},
		{Number: 4, Align: text.AlignCenter},
		{Number: 5, Align: text.AlignCenter},
	})
	return t.Render()
}

// SettingsView summarizes the room's language channels and interpreters.
func SettingsView(s signaling.RoomSettings) string {
	t := newTable("Language channels")
	t.AppendHeader(table.Row{"Interpreter", "Languages"})
	for _, i := range s.Interpreters {
		t.AppendRow(table.Row{i.Email, strings.Join(i.Languages(), ", ")})
	}
	t.AppendFooter(table.Row{"Active", dash(strings.Join(s.ActiveLanguages, ", "))})
	return t.Render()
}

type RoomInfo struct {
	RoomID   string
	RoomLink string
}

func (r RoomInfo) View() string {
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(Success).
		Padding(1, 2)

	content := fmt.Sprintf("%s Room ready\n\n%s Room ID:    %s\n%s Room Link:  %s",
		IconSuccess,
		IconCopy, BoldStyle.Foreground(Primary).Render(r.RoomID),
		IconWeb, MutedStyle.Render(r.RoomLink),
	)

	return boxStyle.Render(content)
}

func displayName(id string, p signaling.Presence) string {
	name := p.Name
	if name == "" {
		name = id
	}
	if p.IsHost {
		name += " " + IconHost
	}
	return name
}

func roleLabel(p signaling.Presence) string {
	if p.Role == "" {
		return signaling.RoleParticipant
	}
	return p.Role
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
