package ui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Mic       key.Binding
	Camera    key.Binding
	Hand      key.Binding
	Share     key.Binding
	Language  key.Binding
	PrevPage  key.Binding
	NextPage  key.Binding
	View      key.Binding
	Request   key.Binding
	Accept    key.Binding
	Cancel    key.Binding
	Reconnect key.Binding
	Roster    key.Binding
	Quit      key.Binding
}

var keys = keyMap{
	Mic:       key.NewBinding(key.WithKeys("m"), key.WithHelp("m", "mic")),
	Camera:    key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "camera")),
	Hand:      key.NewBinding(key.WithKeys("h"), key.WithHelp("h", "hand")),
	Share:     key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "share screen")),
	Language:  key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "language")),
	PrevPage:  key.NewBinding(key.WithKeys("left"), key.WithHelp("←", "prev page")),
	NextPage:  key.NewBinding(key.WithKeys("right"), key.WithHelp("→", "next page")),
	View:      key.NewBinding(key.WithKeys("v"), key.WithHelp("v", "grid/speaker")),
	Request:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "hand over")),
	Accept:    key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "take over")),
	Cancel:    key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "cancel handover")),
	Reconnect: key.NewBinding(key.WithKeys("R"), key.WithHelp("R", "reconnect")),
	Roster:    key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "roster")),
	Quit:      key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "leave")),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Mic, k.Camera, k.Hand, k.Share, k.Language, k.View, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Mic, k.Camera, k.Hand, k.Share},
		{k.Language, k.PrevPage, k.NextPage, k.View, k.Roster},
		{k.Request, k.Accept, k.Cancel},
		{k.Reconnect, k.Quit},
	}
}
