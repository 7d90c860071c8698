package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BioHazard786/Boothcall/internal/logging"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCapture struct {
	kind     Kind
	deviceID string
	done     chan struct{}
	once     sync.Once
	closed   atomic.Bool
}

func newFakeCapture(kind Kind, deviceID string) *fakeCapture {
	return &fakeCapture{kind: kind, deviceID: deviceID, done: make(chan struct{})}
}

func (c *fakeCapture) Kind() Kind       { return c.kind }
func (c *fakeCapture) DeviceID() string { return c.deviceID }

func (c *fakeCapture) MimeType() string {
	if c.kind == KindAudio {
		return webrtc.MimeTypeOpus
	}
	return webrtc.MimeTypeVP8
}

func (c *fakeCapture) ReadSample() (pionmedia.Sample, error) {
	select {
	case <-c.done:
		return pionmedia.Sample{}, io.EOF
	case <-time.After(5 * time.Millisecond):
		return pionmedia.Sample{Data: []byte{0}, Duration: 20 * time.Millisecond}, nil
	}
}

func (c *fakeCapture) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

type fakeDriver struct {
	mu       sync.Mutex
	opened   []*fakeCapture
	userErr  error
	openErr  error
	noScreen bool
}

func (d *fakeDriver) track(c *fakeCapture) *fakeCapture {
	d.mu.Lock()
	d.opened = append(d.opened, c)
	d.mu.Unlock()
	return c
}

func (d *fakeDriver) UserMedia(_ context.Context, c Constraints) ([]Capture, error) {
	if d.userErr != nil {
		return nil, d.userErr
	}
	var out []Capture
	if c.Audio {
		out = append(out, d.track(newFakeCapture(KindAudio, "mic-default")))
	}
	if c.Video {
		out = append(out, d.track(newFakeCapture(KindVideo, "cam-default")))
	}
	return out, nil
}

func (d *fakeDriver) Open(_ context.Context, kind Kind, deviceID string) (Capture, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.track(newFakeCapture(kind, deviceID)), nil
}

func (d *fakeDriver) DisplayMedia(context.Context) (Capture, error) {
	if d.noScreen {
		return nil, NewError(PermissionDenied, "", errors.New("user dismissed picker"))
	}
	return d.track(newFakeCapture(KindVideo, "screen")), nil
}

func acquired(t *testing.T) (*Source, *fakeDriver) {
	t.Helper()
	d := &fakeDriver{}
	s := NewSource(d, logging.Nop())
	t.Cleanup(s.Close)

	_, err := s.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	return s, d
}

func TestAcquire(t *testing.T) {
	s, _ := acquired(t)

	stream := s.Stream()
	require.Len(t, stream.Tracks(), 2)
	assert.Equal(t, RolePrimary, stream.Role())
	assert.Equal(t, "mic-default", stream.Track(KindAudio).DeviceID())
	assert.Equal(t, stream.ID(), stream.Track(KindVideo).StreamID())
	assert.True(t, s.MicOn())
	assert.True(t, s.CameraOn())
}

func TestAcquireFailureDegrades(t *testing.T) {
	d := &fakeDriver{userErr: NewError(PermissionDenied, "", errors.New("denied"))}
	s := NewSource(d, logging.Nop())

	stream, err := s.Acquire(context.Background(), Constraints{Audio: true})
	require.Error(t, err)
	assert.Equal(t, PermissionDenied, KindOf(err))
	assert.Same(t, s.Stream(), stream)
	assert.Empty(t, stream.Tracks())
	assert.False(t, s.MicOn())
}

func TestAcquireWrapsUnknownErrors(t *testing.T) {
	d := &fakeDriver{userErr: errors.New("boom")}
	s := NewSource(d, logging.Nop())

	_, err := s.Acquire(context.Background(), Constraints{Video: true})
	var me *MediaError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, Unknown, me.Kind)
	assert.Equal(t, "acquire", me.Op)
}

func TestToggleAffectsSharedTrack(t *testing.T) {
	s, _ := acquired(t)
	mic := s.Stream().Track(KindAudio)
	cam := s.Stream().Track(KindVideo)

	s.ToggleMic(false)
	assert.False(t, mic.Enabled())
	assert.True(t, cam.Enabled())
	assert.False(t, s.MicOn())

	s.ToggleCamera(false)
	assert.False(t, cam.Enabled())

	s.ToggleMic(true)
	assert.True(t, mic.Enabled())
}

func TestSwitchDevicePreservesStreamIdentity(t *testing.T) {
	s, d := acquired(t)
	stream := s.Stream()
	s.ToggleMic(false)
	before := stream.Track(KindAudio)

	old, cur, err := s.SwitchDevice(context.Background(), KindAudio, "mic-usb")
	require.NoError(t, err)

	assert.Same(t, stream, s.Stream())
	assert.Same(t, before, old)
	assert.Same(t, cur, stream.Track(KindAudio))
	assert.Equal(t, "mic-usb", cur.DeviceID())
	assert.Equal(t, stream.ID(), cur.StreamID())
	assert.False(t, cur.Enabled(), "new track inherits the mute state")
	assert.True(t, old.Stopped())
	assert.Len(t, stream.Tracks(), 2)

	require.Eventually(t, func() bool { return d.opened[0].closed.Load() }, time.Second, 5*time.Millisecond)
}

func TestSwitchDeviceFailureKeepsOldTrack(t *testing.T) {
	s, d := acquired(t)
	before := s.Stream().Track(KindVideo)
	d.openErr = NewError(DeviceBusy, "", errors.New("in use"))

	old, cur, err := s.SwitchDevice(context.Background(), KindVideo, "cam-2")
	require.Error(t, err)
	assert.Equal(t, DeviceBusy, KindOf(err))
	assert.Nil(t, old)
	assert.Nil(t, cur)
	assert.Same(t, before, s.Stream().Track(KindVideo))
	assert.False(t, before.Stopped())
}

func TestBoothLineClonesMicrophone(t *testing.T) {
	s, d := acquired(t)
	mic := s.Stream().Track(KindAudio)

	line := s.Booth().Track(KindAudio)
	require.NotNil(t, line)
	assert.Nil(t, s.Booth().Track(KindVideo))
	assert.NotEqual(t, mic.ID(), line.ID())
	assert.Equal(t, s.Stream().ID(), s.Booth().ID())
	assert.Equal(t, mic.DeviceID(), line.DeviceID())

	s.ToggleMic(false)
	assert.False(t, mic.Enabled())
	assert.True(t, line.Enabled(), "booth line stays open off air")

	// The capture stays open until every consumer stops.
	mic.Stop()
	assert.False(t, d.opened[0].closed.Load())
	line.Stop()
	require.Eventually(t, func() bool { return d.opened[0].closed.Load() }, time.Second, 5*time.Millisecond)
}

func TestBoothLineFollowsDeviceSwitch(t *testing.T) {
	s, _ := acquired(t)
	booth := s.Booth()
	before := booth.Track(KindAudio)

	_, _, err := s.SwitchDevice(context.Background(), KindAudio, "mic-usb")
	require.NoError(t, err)

	assert.Same(t, booth, s.Booth())
	cur := booth.Track(KindAudio)
	require.NotNil(t, cur)
	assert.NotSame(t, before, cur)
	assert.Equal(t, "mic-usb", cur.DeviceID())
	assert.True(t, before.Stopped())
	assert.Len(t, booth.Tracks(), 1)

	_, _, err = s.SwitchDevice(context.Background(), KindVideo, "cam-2")
	require.NoError(t, err)
	assert.Same(t, cur, booth.Track(KindAudio))
}

func TestScreenShare(t *testing.T) {
	s, _ := acquired(t)

	_, err := s.StopScreen()
	assert.ErrorIs(t, err, ErrNoScreenShare)

	screen, err := s.StartScreen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RolePresentation, screen.Role())
	assert.NotEqual(t, s.Stream().ID(), screen.ID())

	again, err := s.StartScreen(context.Background())
	require.NoError(t, err)
	assert.Same(t, screen, again)

	stopped, err := s.StopScreen()
	require.NoError(t, err)
	assert.Same(t, screen, stopped)
	assert.Nil(t, s.Screen())
	assert.Empty(t, screen.Tracks())
}

func TestScreenShareDenied(t *testing.T) {
	d := &fakeDriver{noScreen: true}
	s := NewSource(d, logging.Nop())

	_, err := s.StartScreen(context.Background())
	assert.Equal(t, PermissionDenied, KindOf(err))
	assert.Nil(t, s.Screen())
}
