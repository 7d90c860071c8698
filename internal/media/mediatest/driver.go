// Package mediatest provides a capture Driver that produces silent samples
// without touching real devices.
package mediatest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/BioHazard786/Boothcall/internal/media"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Capture emits a one-byte sample every few milliseconds until closed.
type Capture struct {
	kind     media.Kind
	deviceID string

	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

// NewCapture creates an open Capture.
func NewCapture(kind media.Kind, deviceID string) *Capture {
	return &Capture{kind: kind, deviceID: deviceID, done: make(chan struct{})}
}

func (c *Capture) Kind() media.Kind { return c.kind }
func (c *Capture) DeviceID() string { return c.deviceID }

func (c *Capture) MimeType() string {
	if c.kind == media.KindAudio {
		return webrtc.MimeTypeOpus
	}
	return webrtc.MimeTypeVP8
}

func (c *Capture) ReadSample() (pionmedia.Sample, error) {
	select {
	case <-c.done:
		return pionmedia.Sample{}, io.EOF
	case <-time.After(5 * time.Millisecond):
		return pionmedia.Sample{Data: []byte{0}, Duration: 20 * time.Millisecond}, nil
	}
}

func (c *Capture) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

// Closed reports whether the device was released.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Driver opens Captures. Set the error fields to simulate device failures.
type Driver struct {
	mu     sync.Mutex
	opened []*Capture

	UserErr    error
	OpenErr    error
	DisplayErr error
}

func (d *Driver) track(c *Capture) *Capture {
	d.mu.Lock()
	d.opened = append(d.opened, c)
	d.mu.Unlock()
	return c
}

func (d *Driver) UserMedia(_ context.Context, c media.Constraints) ([]media.Capture, error) {
	if d.UserErr != nil {
		return nil, d.UserErr
	}
	var out []media.Capture
	if c.Audio {
		out = append(out, d.track(NewCapture(media.KindAudio, "mic-default")))
	}
	if c.Video {
		out = append(out, d.track(NewCapture(media.KindVideo, "cam-default")))
	}
	return out, nil
}

func (d *Driver) Open(_ context.Context, kind media.Kind, deviceID string) (media.Capture, error) {
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	return d.track(NewCapture(kind, deviceID)), nil
}

func (d *Driver) DisplayMedia(context.Context) (media.Capture, error) {
	if d.DisplayErr != nil {
		return nil, d.DisplayErr
	}
	return d.track(NewCapture(media.KindVideo, "screen")), nil
}

// Opened returns every Capture opened so far.
func (d *Driver) Opened() []*Capture {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Capture(nil), d.opened...)
}
