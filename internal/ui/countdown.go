package ui

import (
	"fmt"
	"time"

	"github.com/BioHazard786/Boothcall/internal/booth"
	"github.com/charmbracelet/bubbles/progress"
)

// Countdown renders the time left on a pending handover as a shrinking bar.
type Countdown struct {
	bar    progress.Model
	window time.Duration
}

func NewCountdown(window time.Duration) Countdown {
	if window <= 0 {
		window = booth.DefaultWindow
	}
	return Countdown{
		bar: progress.New(
			progress.WithGradient(CountdownStart, CountdownEnd),
			progress.WithWidth(24),
			progress.WithoutPercentage(),
		),
		window: window,
	}
}

// View renders the bar for h at now.
func (c Countdown) View(h booth.Handover, now time.Time) string {
	left := h.Remaining(now)
	ratio := float64(left) / float64(c.window)
	if ratio > 1 {
		ratio = 1
	}

	label := "Handover offered by your partner, press a to take over"
	if h.Outgoing {
		label = "Waiting for your partner to take over"
	}
	return fmt.Sprintf("%s %s %s\n%s",
		IconBooth, WarningStyle.Render(label), MutedStyle.Render(formatSeconds(left)),
		c.bar.ViewAs(ratio))
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%ds", int((d+time.Second-1)/time.Second))
}
