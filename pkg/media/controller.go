package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// Publisher switches the outbound video of every live connection.
type Publisher interface {
	ReplaceVideoTrack(webrtc.TrackLocal) error
}

type State struct {
	MicEnabled    bool
	CamEnabled    bool
	ScreenSharing bool
	CaptureError  error
}

// Controller owns the local capture and screen streams. Toggling the
// microphone or camera never touches a connection; only switching between
// camera and screen replaces the outbound video track.
type Controller struct {
	capturer Capturer
	log      *logrus.Entry

	// acquire and share serialize capture attempts; mu guards the state.
	acquire sync.Mutex
	share   sync.Mutex

	mu         sync.Mutex
	camera     *Stream
	screen     *Stream
	micEnabled bool
	camEnabled bool
	captureErr error
	closed     bool

	ended chan struct{}
}

func NewController(capturer Capturer, log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Controller{
		capturer:   capturer,
		log:        log.WithField("component", "media"),
		micEnabled: true,
		camEnabled: true,
		ended:      make(chan struct{}, 1),
	}
}

// Acquire captures microphone and camera unless this already happened.
// It reports whether new tracks became available. A failure is recorded
// in the state; a later call retries.
func (c *Controller) Acquire(ctx context.Context) (bool, error) {
	c.acquire.Lock()
	defer c.acquire.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	if c.camera != nil {
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()

	s, err := c.capturer.UserMedia(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.captureErr = err
		return false, fmt.Errorf("failed to acquire local media: %w", err)
	}

	if c.closed {
		s.Stop()
		return false, ErrClosed
	}

	if s.Audio != nil {
		s.Audio.SetEnabled(c.micEnabled)
	}
	if s.Video != nil {
		s.Video.SetEnabled(c.camEnabled)
	}

	c.camera = s
	c.captureErr = nil

	c.log.WithField("stream", s.ID).Info("Acquired local media")

	return true, nil
}

// Tracks returns the tracks to attach to a new connection: the microphone
// and either the camera or the screen.
func (c *Controller) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := []webrtc.TrackLocal{}

	if c.camera != nil && c.camera.Audio != nil {
		ts = append(ts, c.camera.Audio)
	}

	if v := c.videoTrack(); v != nil {
		ts = append(ts, v)
	}

	return ts
}

// videoTrack must be called with mu held.
func (c *Controller) videoTrack() webrtc.TrackLocal {
	if c.screen != nil && c.screen.Video != nil {
		return c.screen.Video
	}

	return c.cameraTrack()
}

// cameraTrack must be called with mu held.
func (c *Controller) cameraTrack() webrtc.TrackLocal {
	if c.camera != nil && c.camera.Video != nil {
		return c.camera.Video
	}

	return nil
}

// ToggleMic flips the microphone and returns the new setting. Before
// acquisition it only changes the initial setting.
func (c *Controller) ToggleMic() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.micEnabled = !c.micEnabled
	if c.camera != nil && c.camera.Audio != nil {
		c.camera.Audio.SetEnabled(c.micEnabled)
	}

	return c.micEnabled
}

func (c *Controller) ToggleCam() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.camEnabled = !c.camEnabled
	if c.camera != nil && c.camera.Video != nil {
		c.camera.Video.SetEnabled(c.camEnabled)
	}

	return c.camEnabled
}

// ToggleScreenShare starts or stops sharing and returns whether the screen
// is shared afterwards. Concurrent toggles take effect one after another.
func (c *Controller) ToggleScreenShare(ctx context.Context, p Publisher) (bool, error) {
	c.share.Lock()
	defer c.share.Unlock()

	c.mu.Lock()
	sharing := c.screen != nil
	c.mu.Unlock()

	if sharing {
		return false, c.stopScreenShare(p)
	}

	if err := c.startScreenShare(ctx, p); err != nil {
		return false, err
	}

	return true, nil
}

// StartScreenShare captures the screen and puts it on every connection in
// place of the camera. On failure nothing changes.
func (c *Controller) StartScreenShare(ctx context.Context, p Publisher) error {
	c.share.Lock()
	defer c.share.Unlock()

	return c.startScreenShare(ctx, p)
}

// startScreenShare must be called with share held.
func (c *Controller) startScreenShare(ctx context.Context, p Publisher) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.screen != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	s, err := c.capturer.DisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("failed to capture screen: %w", err)
	}

	if s.Video == nil {
		s.Stop()
		return fmt.Errorf("failed to capture screen: %w", ErrNoCapture)
	}

	if err := p.ReplaceVideoTrack(s.Video); err != nil {
		s.Stop()
		return fmt.Errorf("failed to publish screen: %w", err)
	}

	c.mu.Lock()
	c.screen = s
	c.mu.Unlock()

	go c.watch(s)

	c.log.WithField("stream", s.ID).Info("Started screen share")

	return nil
}

// StopScreenShare puts the camera back on every connection and stops the
// screen stream.
func (c *Controller) StopScreenShare(p Publisher) error {
	c.share.Lock()
	defer c.share.Unlock()

	return c.stopScreenShare(p)
}

func (c *Controller) stopScreenShare(p Publisher) error {
	c.mu.Lock()
	s := c.screen
	c.screen = nil
	camera := c.cameraTrack()
	c.mu.Unlock()

	if s == nil {
		return nil
	}

	defer s.Stop()

	if err := p.ReplaceVideoTrack(camera); err != nil {
		return fmt.Errorf("failed to restore camera: %w", err)
	}

	c.log.WithField("stream", s.ID).Info("Stopped screen share")

	return nil
}

// watch reports a screen stream which ended while still being shared.
func (c *Controller) watch(s *Stream) {
	<-s.Done()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.screen != s {
		return
	}

	select {
	case c.ended <- struct{}{}:
	default:
	}
}

// ScreenEnded fires when the shared screen stream ends by itself. The
// owner is expected to call StopScreenShare.
func (c *Controller) ScreenEnded() <-chan struct{} {
	return c.ended
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return State{
		MicEnabled:    c.micEnabled,
		CamEnabled:    c.camEnabled,
		ScreenSharing: c.screen != nil,
		CaptureError:  c.captureErr,
	}
}

func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for _, s := range []*Stream{c.camera, c.screen} {
		if s != nil {
			s.Stop()
		}
	}

	c.camera = nil
	c.screen = nil
}
