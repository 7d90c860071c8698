// Package devices implements media.Driver on top of pion/mediadevices.
package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BioHazard786/Boothcall/internal/logging"
	"github.com/BioHazard786/Boothcall/internal/media"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera adapters
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone adapters
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers screen capture adapters
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

const (
	audioClockRate = 48000
	videoClockRate = 90000
)

// Driver opens cameras, microphones and screens with opus and VP8 encoders.
type Driver struct {
	log      logging.Logger
	selector *mediadevices.CodecSelector
}

// New creates a Driver with the default encoder parameters.
func New(log logging.Logger) (*Driver, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.Latency = opus.Latency20ms

	return &Driver{
		log: log.With(zap.String("component", "devices")),
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Devices lists the available cameras and microphones.
func (d *Driver) Devices() []media.Device {
	var out []media.Device
	for _, info := range mediadevices.EnumerateDevices() {
		var kind media.Kind
		switch info.Kind {
		case mediadevices.AudioInput:
			kind = media.KindAudio
		case mediadevices.VideoInput:
			kind = media.KindVideo
		default:
			continue
		}
		out = append(out, media.Device{ID: info.DeviceID, Kind: kind, Label: info.Label})
	}
	return out
}

// UserMedia opens the camera and/or microphone matching c.
func (d *Driver) UserMedia(_ context.Context, c media.Constraints) ([]media.Capture, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Audio {
		constraints.Audio = audioConstraints(c.AudioDeviceID)
	}
	if c.Video {
		constraints.Video = videoConstraints(c.VideoDeviceID)
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classify("get user media", err)
	}
	return d.captures(stream.GetTracks())
}

// Open opens a single device of kind.
func (d *Driver) Open(ctx context.Context, kind media.Kind, deviceID string) (media.Capture, error) {
	c := media.Constraints{Audio: kind == media.KindAudio, Video: kind == media.KindVideo}
	if kind == media.KindAudio {
		c.AudioDeviceID = deviceID
	} else {
		c.VideoDeviceID = deviceID
	}

	captures, err := d.UserMedia(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(captures) == 0 {
		return nil, media.NewError(media.DeviceNotFound, "open", fmt.Errorf("no %s device %q", kind, deviceID))
	}
	for _, extra := range captures[1:] {
		extra.Close()
	}
	return captures[0], nil
}

// DisplayMedia opens a screen capture.
func (d *Driver) DisplayMedia(context.Context) (media.Capture, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(15)
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, classify("get display media", err)
	}

	captures, err := d.captures(stream.GetVideoTracks())
	if err != nil {
		return nil, err
	}
	if len(captures) == 0 {
		return nil, media.NewError(media.DeviceNotFound, "get display media", errors.New("no screen track"))
	}
	return captures[0], nil
}

func (d *Driver) captures(tracks []mediadevices.Track) ([]media.Capture, error) {
	out := make([]media.Capture, 0, len(tracks))
	for _, track := range tracks {
		c, err := newCapture(track)
		if err != nil {
			for _, opened := range out {
				opened.Close()
			}
			track.Close()
			return nil, classify("open encoder", err)
		}
		d.log.Debug("opened capture", zap.String("kind", string(c.kind)), zap.String("device", c.DeviceID()))
		out = append(out, c)
	}
	return out, nil
}

func audioConstraints(deviceID string) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			c.DeviceID = prop.String(deviceID)
		}
		c.SampleRate = prop.Int(audioClockRate)
		c.ChannelCount = prop.Int(1)
		c.SampleSize = prop.Int(16)
		c.Latency = prop.Duration(20 * time.Millisecond)
	}
}

func videoConstraints(deviceID string) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			c.DeviceID = prop.String(deviceID)
		}
		c.Width = prop.Int(640)
		c.Height = prop.Int(480)
		c.FrameRate = prop.Float(30)
	}
}

// classify maps mediadevices failures onto media error kinds. The library
// does not export typed errors, so the message is inspected.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	kind := media.Unknown
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not permitted"):
		kind = media.PermissionDenied
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		kind = media.DeviceBusy
	case strings.Contains(msg, "failed to find"), strings.Contains(msg, "not found"), strings.Contains(msg, "no such"):
		kind = media.DeviceNotFound
	}
	return media.NewError(kind, op, err)
}

// capture adapts a mediadevices track to media.Capture.
type capture struct {
	track     mediadevices.Track
	reader    mediadevices.EncodedReadCloser
	kind      media.Kind
	mimeType  string
	clockRate uint32
}

func newCapture(track mediadevices.Track) (*capture, error) {
	c := &capture{track: track, kind: media.KindVideo, mimeType: webrtc.MimeTypeVP8, clockRate: videoClockRate}
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		c.kind, c.mimeType, c.clockRate = media.KindAudio, webrtc.MimeTypeOpus, audioClockRate
	}

	reader, err := track.NewEncodedReader(c.mimeType)
	if err != nil {
		return nil, err
	}
	c.reader = reader
	return c, nil
}

func (c *capture) Kind() media.Kind { return c.kind }
func (c *capture) DeviceID() string { return c.track.ID() }
func (c *capture) MimeType() string { return c.mimeType }

func (c *capture) ReadSample() (pionmedia.Sample, error) {
	for {
		buf, release, err := c.reader.Read()
		if err != nil {
			if release != nil {
				release()
			}
			if errors.Is(err, io.EOF) {
				return pionmedia.Sample{}, io.EOF
			}
			return pionmedia.Sample{}, err
		}
		if buf.Samples == 0 {
			release()
			continue
		}

		sample := pionmedia.Sample{
			Data:     append([]byte(nil), buf.Data...),
			Duration: time.Duration(buf.Samples) * time.Second / time.Duration(c.clockRate),
		}
		release()
		return sample, nil
	}
}

func (c *capture) Close() error {
	c.reader.Close()
	return c.track.Close()
}
