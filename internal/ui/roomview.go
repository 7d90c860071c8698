package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BioHazard786/Boothcall/internal/booth"
	"github.com/BioHazard786/Boothcall/internal/callview"
	"github.com/BioHazard786/Boothcall/internal/room"
	"github.com/BioHazard786/Boothcall/internal/signaling"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	refreshInterval = 250 * time.Millisecond
	tilesPerRow     = 3
)

// Controller is the part of a room session the view drives.
type Controller interface {
	Snapshot() room.Snapshot
	Events() <-chan room.Event
	ToggleMic(enabled bool) error
	ToggleCamera(enabled bool) error
	RaiseHand(raised bool) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare() error
	SetBroadcastLanguage(language string) error
	Reconnect(ctx context.Context) error
	Leave()
}

// Booth is the handover side of the interpreter booth.
type Booth interface {
	Events() <-chan booth.Event
	RequestHandover() (booth.Handover, error)
	AcceptHandover() error
	CancelHandover() error
}

type sessionMsg room.Event

type boothMsg booth.Event

type tickMsg time.Time

type actionMsg struct {
	done string
	err  error
}

// RoomModel is the bubbletea model of the in-call screen.
type RoomModel struct {
	ctrl      Controller
	booth     Booth
	view      *callview.View
	countdown Countdown
	spinner   spinner.Model
	help      help.Model
	now       func() time.Time

	snap       room.Snapshot
	layout     callview.Layout
	status     string
	statusErr  bool
	showRoster bool
	closed     bool
	reason     error
}

// NewRoomModel creates the in-call model. window is the handover window
// used to scale the countdown bar.
func NewRoomModel(ctrl Controller, b Booth, view *callview.View, window time.Duration) *RoomModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	m := &RoomModel{
		ctrl:      ctrl,
		booth:     b,
		view:      view,
		countdown: NewCountdown(window),
		spinner:   s,
		help:      help.New(),
		now:       time.Now,
	}
	m.refresh()
	return m
}

// Reason returns why the session closed: nil when the user left.
func (m *RoomModel) Reason() error {
	return m.reason
}

func (m *RoomModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenSession(), m.listenBooth(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *RoomModel) listenSession() tea.Cmd {
	events := m.ctrl.Events()
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return sessionMsg{Kind: room.EventClosed}
		}
		return sessionMsg(ev)
	}
}

func (m *RoomModel) listenBooth() tea.Cmd {
	if m.booth == nil {
		return nil
	}
	events := m.booth.Events()
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return boothMsg(ev)
	}
}

func (m *RoomModel) refresh() {
	m.snap = m.ctrl.Snapshot()
	m.layout = m.view.Layout(m.snap)
}

func (m *RoomModel) setStatus(text string, err error) {
	if err != nil {
		m.status, m.statusErr = err.Error(), true
		return
	}
	m.status, m.statusErr = text, false
}

func (m *RoomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		cmd := m.handleKey(msg)
		if !m.closed {
			m.refresh()
		}
		return m, cmd

	case tea.WindowSizeMsg:
		m.help.Width = msg.Width

	case sessionMsg:
		switch msg.Kind {
		case room.EventClosed:
			m.closed = true
			m.reason = msg.Err
			return m, tea.Quit
		case room.EventError:
			m.setStatus("", msg.Err)
		case room.EventModerated:
			m.setStatus(describeModeration(msg.Room), nil)
		}
		m.refresh()
		return m, m.listenSession()

	case boothMsg:
		switch msg.Kind {
		case booth.EventHandoverRequested:
			m.setStatus("Your partner wants to hand over, press a to take over", nil)
		case booth.EventHandoverCompleted:
			if msg.Handover.Outgoing {
				m.setStatus("Handover complete, your mic is off", nil)
			} else {
				m.setStatus("Handover complete, you are on air", nil)
			}
		case booth.EventHandoverCancelled:
			m.setStatus("Handover cancelled", nil)
		}
		m.refresh()
		return m, m.listenBooth()

	case actionMsg:
		m.setStatus(msg.done, msg.err)
		m.refresh()

	case tickMsg:
		if m.closed {
			return m, nil
		}
		m.refresh()
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *RoomModel) handleKey(msg tea.KeyMsg) tea.Cmd {
	self := m.snap.Self

	switch {
	case key.Matches(msg, keys.Quit):
		m.ctrl.Leave()
		m.closed = true
		return tea.Quit

	case key.Matches(msg, keys.Mic):
		m.setStatus("", m.ctrl.ToggleMic(!self.MicOn))

	case key.Matches(msg, keys.Camera):
		m.setStatus("", m.ctrl.ToggleCamera(!self.CameraOn))

	case key.Matches(msg, keys.Hand):
		m.setStatus("", m.ctrl.RaiseHand(!self.HandRaised))

	case key.Matches(msg, keys.Share):
		sharing := m.snap.Sharing
		if presenter := m.snap.Presenter; !sharing && presenter != "" && presenter != m.snap.SelfID {
			m.setStatus(m.memberName(presenter)+" is already presenting", nil)
			return nil
		}
		ctrl := m.ctrl
		return func() tea.Msg {
			if sharing {
				return actionMsg{done: "Stopped sharing", err: ctrl.StopScreenShare()}
			}
			return actionMsg{done: "Sharing your screen", err: ctrl.StartScreenShare(context.Background())}
		}

	case key.Matches(msg, keys.Language):
		m.cycleLanguage()

	case key.Matches(msg, keys.PrevPage):
		m.view.PrevPage()

	case key.Matches(msg, keys.NextPage):
		m.view.NextPage()

	case key.Matches(msg, keys.View):
		m.view.ToggleMode()

	case key.Matches(msg, keys.Roster):
		m.showRoster = !m.showRoster

	case key.Matches(msg, keys.Request):
		if m.booth == nil {
			return nil
		}
		if _, err := m.booth.RequestHandover(); err != nil {
			m.setStatus("", err)
		} else {
			m.setStatus("Handover requested", nil)
		}

	case key.Matches(msg, keys.Accept):
		if m.booth != nil {
			m.setStatus("", m.booth.AcceptHandover())
		}

	case key.Matches(msg, keys.Cancel):
		if m.booth != nil {
			m.setStatus("", m.booth.CancelHandover())
		}

	case key.Matches(msg, keys.Reconnect):
		ctrl := m.ctrl
		m.setStatus("Reconnecting...", nil)
		return func() tea.Msg {
			return actionMsg{done: "Reconnected", err: ctrl.Reconnect(context.Background())}
		}
	}
	return nil
}

// cycleLanguage moves an interpreter to the next language channel they may
// broadcast on, and everyone else to the next channel to listen to.
func (m *RoomModel) cycleLanguage() {
	if m.snap.Self.Role != signaling.RoleInterpreter {
		lang := m.view.CycleListening(m.snap.Settings.ActiveLanguages)
		if lang == "" {
			m.setStatus("Listening to the floor", nil)
		} else {
			m.setStatus("Listening to "+lang, nil)
		}
		return
	}

	next := nextLanguage(m.snap.Languages, m.snap.Self.Language)
	if err := m.ctrl.SetBroadcastLanguage(next); err != nil {
		m.setStatus("", err)
		return
	}
	if next == "" {
		m.setStatus("Off air, back on the floor", nil)
	} else {
		m.setStatus("On air in "+next, nil)
	}
}

// nextLanguage returns the language after current, or "" after the last.
func nextLanguage(languages []string, current string) string {
	if current == "" {
		if len(languages) > 0 {
			return languages[0]
		}
		return ""
	}
	for i, l := range languages {
		if l == current && i+1 < len(languages) {
			return languages[i+1]
		}
	}
	return ""
}

func describeModeration(ev signaling.RoomEvent) string {
	switch ev.Type {
	case signaling.EventMute:
		return "The host muted you"
	case signaling.EventBlockAudio:
		return "The host blocked your audio"
	case signaling.EventUnblockAudio:
		return "The host unblocked your audio"
	case signaling.EventSetRole:
		return "Your role is now " + ev.Payload.Role
	case signaling.EventSetAllowedLanguages:
		return "Allowed languages: " + strings.Join(ev.Payload.Languages, ", ")
	}
	return ev.Type
}

func (m *RoomModel) View() string {
	if m.closed {
		return ""
	}

	var b strings.Builder

	header := fmt.Sprintf("Boothcall · %s · %s · page %d/%d", m.snap.RoomID, m.layout.Mode, m.layout.Page+1, m.layout.Pages)
	b.WriteString(HeaderStyle.Render(header) + "\n")

	if m.snap.Signaling == signaling.StateDisconnected {
		b.WriteString(OfflineBannerStyle.Render("Signaling disconnected, press R to reconnect") + "\n")
	}
	if m.layout.Mode == callview.ModeTheater && m.layout.Featured != nil {
		b.WriteString(TheaterBannerStyle.Render(IconScreen+" "+m.name(*m.layout.Featured)+" is presenting") + "\n")
	}
	if m.snap.Self.Role == signaling.RoleInterpreter && m.snap.Self.Language != "" {
		b.WriteString(OnAirStyle.Render("ON AIR · "+m.snap.Self.Language) + "\n")
	} else if l := m.view.Listening(); l != "" {
		b.WriteString(MutedStyle.Render(IconBooth+" Listening to "+l) + "\n")
	}
	b.WriteString("\n")

	if f := m.layout.Featured; f != nil {
		b.WriteString(FeaturedTileStyle.Render(m.tile(*f)) + "\n")
	}
	b.WriteString(m.grid() + "\n")

	if line := m.boothLine(); line != "" {
		b.WriteString("\n" + line + "\n")
	}
	if h := m.snap.Handover; h != nil {
		b.WriteString(m.countdown.View(*h, m.now()) + "\n")
	}
	if m.showRoster {
		b.WriteString("\n" + RosterView(m.snap) + "\n")
	}

	if m.status != "" {
		style := MutedStyle
		if m.statusErr {
			style = ErrorStyle
		}
		b.WriteString("\n" + style.Render(m.status) + "\n")
	}
	b.WriteString(FooterStyle.Render(m.help.View(keys)))
	return b.String()
}

func (m *RoomModel) grid() string {
	var rows []string
	for start := 0; start < len(m.layout.Tiles); start += tilesPerRow {
		end := min(start+tilesPerRow, len(m.layout.Tiles))
		cells := make([]string, 0, end-start)
		for _, t := range m.layout.Tiles[start:end] {
			style := TileStyle
			if t.Self {
				style = SelfTileStyle
			}
			cells = append(cells, style.Render(m.tile(t)))
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (m *RoomModel) name(t callview.Tile) string {
	name := displayName(t.ID, t.Presence)
	if t.Self {
		name += " (you)"
	}
	return name
}

func (m *RoomModel) tile(t callview.Tile) string {
	p := t.Presence

	name := BoldStyle.Render(m.name(t))
	if p.Role == signaling.RoleInterpreter {
		name = InterpreterStyle.Render(m.name(t))
	}

	flags := []string{IconMicOff, IconCameraOff}
	if p.MicOn {
		flags[0] = IconMicOn
	}
	if p.CameraOn {
		flags[1] = IconCameraOn
	}
	if p.HandRaised {
		flags = append(flags, IconHand)
	}
	if p.AudioBlocked {
		flags = append(flags, IconBlocked)
	}
	if t.Screen {
		flags = append(flags, IconScreen)
	}
	if p.Language != "" {
		flags = append(flags, p.Language)
	}

	detail := "you"
	if !t.Self {
		state := string(t.State)
		if state == "" {
			state = "waiting"
		}
		detail = fmt.Sprintf("%s · vol %d%%", state, int(t.Gain*100))
	}
	return name + "\n" + strings.Join(flags, " ") + "\n" + MutedStyle.Render(detail)
}

func (m *RoomModel) boothLine() string {
	switch m.snap.Booth {
	case "", booth.StateIdle:
		return ""
	case booth.StateConnected:
		return SuccessStyle.Render(fmt.Sprintf("%s Booth %s · with %s", IconBooth, m.snap.Self.Language, m.partnerName()))
	default:
		return fmt.Sprintf("%s %s Booth %s · %s", m.spinner.View(), IconBooth, m.snap.Self.Language, m.snap.Booth)
	}
}

func (m *RoomModel) partnerName() string {
	return m.memberName(m.snap.BoothPartner)
}

func (m *RoomModel) memberName(id string) string {
	if p, ok := m.snap.Members[id]; ok && p.Name != "" {
		return p.Name
	}
	return id
}

// ClosedMessage explains a session that ended without the user leaving.
func ClosedMessage(reason error) string {
	switch {
	case errors.Is(reason, room.ErrKicked):
		return "You were removed from the room by the host"
	case errors.Is(reason, room.ErrRoomEnded):
		return "The room has ended"
	}
	return reason.Error()
}
