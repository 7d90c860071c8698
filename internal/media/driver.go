package media

import (
	"context"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Constraints selects which devices to open. Empty device ids pick the
// system default.
type Constraints struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
}

// Device describes one capture device.
type Device struct {
	ID    string
	Kind  Kind
	Label string
}

// Capture is an open capture device producing encoded samples.
type Capture interface {
	Kind() Kind
	DeviceID() string
	MimeType() string
	// ReadSample blocks until the next encoded sample is available.
	// It returns io.EOF once the capture is closed.
	ReadSample() (pionmedia.Sample, error)
	Close() error
}

// Driver opens capture devices.
type Driver interface {
	UserMedia(ctx context.Context, c Constraints) ([]Capture, error)
	Open(ctx context.Context, kind Kind, deviceID string) (Capture, error)
	DisplayMedia(ctx context.Context) (Capture, error)
}
