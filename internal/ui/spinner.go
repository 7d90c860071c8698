package ui

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// Spinner is a blocking line spinner for the steps before the room view
// starts: dialing the server and opening devices.
type Spinner struct {
	message  string
	spinner  spinner.Spinner
	interval time.Duration
	done     chan struct{}
	once     sync.Once
}

// NewSpinner creates a spinner for general loading operations (Dot style)
func NewSpinner(message string) *Spinner {
	return &Spinner{
		message:  message,
		spinner:  spinner.Dot,
		interval: 80 * time.Millisecond,
		done:     make(chan struct{}),
	}
}

// NewConnectionSpinner creates a spinner for network operations (Globe style)
func NewConnectionSpinner(message string) *Spinner {
	return &Spinner{
		message:  message,
		spinner:  spinner.Globe,
		interval: 180 * time.Millisecond,
		done:     make(chan struct{}),
	}
}

func (s *Spinner) Start() *Spinner {
	go func() {
		frames := s.spinner.Frames
		for i := 0; ; i++ {
			select {
			case <-s.done:
				return
			case <-time.After(s.interval):
				fmt.Printf("\r%s %s", SpinnerStyle.Render(frames[i%len(frames)]), s.message)
			}
		}
	}()
	return s
}

func (s *Spinner) Stop() {
	s.once.Do(func() {
		close(s.done)
		fmt.Print("\r\033[K") // Clear the line
	})
}

func (s *Spinner) Success(message string) {
	s.Stop()
	fmt.Printf("%s %s\n", SuccessStyle.Render(IconSuccess), message)
}

func (s *Spinner) Warn(message string) {
	s.Stop()
	fmt.Printf("%s %s\n", WarningStyle.Render(IconWarning), message)
}

func (s *Spinner) Error(message string) {
	s.Stop()
	fmt.Printf("%s %s\n", ErrorStyle.Render(IconError), message)
}
