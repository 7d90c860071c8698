package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	Primary    = lipgloss.Color("#34d399") // Boothcall green
	Secondary  = lipgloss.Color("#818cf8") // Indigo, used for interpreters
	Success    = lipgloss.Color("#10B981")
	Warning    = lipgloss.Color("#F59E0B")
	Error      = lipgloss.Color("#EF4444")
	Muted      = lipgloss.Color("#6B7280")
	Foreground = lipgloss.Color("#F9FAFB")

	CountdownStart = "#F59E0B"
	CountdownEnd   = "#EF4444"
)

// Text styles
var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(Success).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(Warning)

	MutedStyle = lipgloss.NewStyle().
			Foreground(Muted)

	BoldStyle = lipgloss.NewStyle().
			Bold(true)

	InterpreterStyle = lipgloss.NewStyle().
				Foreground(Secondary)
)

// Banners
var (
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Foreground).
			Background(lipgloss.Color("#1F2937")).
			Padding(0, 2)

	OfflineBannerStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(Foreground).
				Background(Error).
				Padding(0, 1)

	TheaterBannerStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(Foreground).
				Background(Secondary).
				Padding(0, 1)

	OnAirStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Foreground).
			Background(Error).
			Padding(0, 1)
)

// Tile styles
var (
	TileStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Muted).
			Padding(0, 1).
			Width(26)

	SelfTileStyle = TileStyle.
			BorderForeground(Primary)

	FeaturedTileStyle = TileStyle.
				Border(lipgloss.DoubleBorder()).
				BorderForeground(Secondary).
				Width(54)

	FooterStyle = lipgloss.NewStyle().
			Foreground(Muted).
			MarginTop(1)
)

var SpinnerStyle = lipgloss.NewStyle().Foreground(Primary)

// Icons
const (
	IconMicOn     = "🎙"
	IconMicOff    = "🔇"
	IconCameraOn  = "📷"
	IconCameraOff = "·"
	IconHand      = "✋"
	IconHost      = "★"
	IconScreen    = "🖥"
	IconBooth     = "🎧"
	IconBlocked   = "⛔"
	IconSuccess   = "✅"
	IconError     = "❌"
	IconWarning   = "⚠️"
	IconInfo      = "ℹ️"
	IconCopy      = "📋"
	IconWeb       = "🌐"
)

func PrintError(msg string) {
	fmt.Printf("%s %s\n", ErrorStyle.Render(IconError), ErrorStyle.Render(msg))
}

func PrintErrorf(format string, args ...any) {
	PrintError(fmt.Sprintf(format, args...))
}

func PrintWarning(msg string) {
	fmt.Printf("%s %s\n", WarningStyle.Render(IconWarning), WarningStyle.Render(msg))
}

func PrintSuccess(msg string) {
	fmt.Printf("%s %s\n", SuccessStyle.Render(IconSuccess), msg)
}

func PrintInfo(msg string) {
	fmt.Printf("%s %s\n", IconInfo, msg)
}

func PrintInfof(format string, args ...any) {
	PrintInfo(fmt.Sprintf(format, args...))
}
