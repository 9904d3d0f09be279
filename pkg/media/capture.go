package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	pmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/sirupsen/logrus"
)

const oggPageDuration = 20 * time.Millisecond

// Capturer acquires local media.
type Capturer interface {
	// UserMedia captures microphone and camera.
	UserMedia(ctx context.Context) (*Stream, error)

	// DisplayMedia captures the screen. The returned stream carries a video
	// track only.
	DisplayMedia(ctx context.Context) (*Stream, error)
}

// SilentCapturer produces tracks which never carry samples. It stands in
// for real devices in headless participants.
type SilentCapturer struct{}

func (SilentCapturer) UserMedia(_ context.Context) (*Stream, error) {
	return newStreamWith(true, true)
}

func (SilentCapturer) DisplayMedia(_ context.Context) (*Stream, error) {
	return newStreamWith(false, true)
}

func newStreamWith(audio, video bool) (*Stream, error) {
	s := NewStream(nil, nil)

	if audio {
		t, err := NewLocalTrack(AudioCodec, "audio-"+s.ID, s.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
		s.Audio = t
	}

	if video {
		t, err := NewLocalTrack(VideoCodec, "video-"+s.ID, s.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		s.Video = t
	}

	return s, nil
}

// FileCapturer plays Ogg/Opus and IVF/VP8 files as if they were devices.
// Without Loop a stream ends when its files are exhausted.
type FileCapturer struct {
	AudioFile  string
	VideoFile  string
	ScreenFile string
	Loop       bool

	Logger *logrus.Entry
}

func (c *FileCapturer) log() *logrus.Entry {
	if c.Logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return c.Logger
}

func (c *FileCapturer) UserMedia(_ context.Context) (*Stream, error) {
	if c.AudioFile == "" && c.VideoFile == "" {
		return nil, ErrNoCapture
	}

	if c.AudioFile != "" {
		if err := checkOgg(c.AudioFile); err != nil {
			return nil, err
		}
	}

	if c.VideoFile != "" {
		if err := checkIVF(c.VideoFile); err != nil {
			return nil, err
		}
	}

	s, err := newStreamWith(c.AudioFile != "", c.VideoFile != "")
	if err != nil {
		return nil, err
	}

	if s.Audio != nil {
		s.Go(func(ctx context.Context) {
			c.pump(ctx, s.Audio, c.AudioFile, c.playOgg)
		})
	}

	if s.Video != nil {
		s.Go(func(ctx context.Context) {
			c.pump(ctx, s.Video, c.VideoFile, c.playIVF)
		})
	}

	s.Wait()

	return s, nil
}

func (c *FileCapturer) DisplayMedia(_ context.Context) (*Stream, error) {
	if c.ScreenFile == "" {
		return nil, ErrNoCapture
	}

	if err := checkIVF(c.ScreenFile); err != nil {
		return nil, err
	}

	s, err := newStreamWith(false, true)
	if err != nil {
		return nil, err
	}

	s.Go(func(ctx context.Context) {
		c.pump(ctx, s.Video, c.ScreenFile, c.playIVF)
	})

	s.Wait()

	return s, nil
}

type playFunc func(ctx context.Context, t *LocalTrack, f *os.File) error

func (c *FileCapturer) pump(ctx context.Context, t *LocalTrack, path string, play playFunc) {
	log := c.log().WithField("file", path)

	for {
		f, err := os.Open(path)
		if err != nil {
			log.WithError(err).Error("Failed to open media file")
			return
		}

		err = play(ctx, t, f)
		f.Close()

		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, ErrTrackStopped):
			return
		default:
			log.WithError(err).Error("Failed to play media file")
			return
		}

		if !c.Loop {
			log.Debug("Media file exhausted")
			return
		}
	}
}

func (c *FileCapturer) playIVF(ctx context.Context, t *LocalTrack, f *os.File) error {
	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		return err
	}

	interval := frameInterval(header)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := t.WriteSample(pmedia.Sample{Data: frame, Duration: interval}); err != nil {
			return err
		}
	}
}

func (c *FileCapturer) playOgg(ctx context.Context, t *LocalTrack, f *os.File) error {
	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}

		// The amount of samples is the difference between the last and current timestamp
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration((float64(samples)/48000)*1000) * time.Millisecond

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := t.WriteSample(pmedia.Sample{Data: page, Duration: duration}); err != nil {
			return err
		}
	}
}

func frameInterval(h *ivfreader.IVFFileHeader) time.Duration {
	if h.TimebaseDenominator == 0 {
		return 33 * time.Millisecond
	}

	d := time.Millisecond * time.Duration((float32(h.TimebaseNumerator)/float32(h.TimebaseDenominator))*1000)
	if d <= 0 {
		return 33 * time.Millisecond
	}

	return d
}

func checkIVF(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open video file: %w", err)
	}
	defer f.Close()

	if _, _, err := ivfreader.NewWith(f); err != nil {
		return fmt.Errorf("invalid video file %s: %w", path, err)
	}

	return nil
}

func checkOgg(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	if _, _, err := oggreader.NewWith(f); err != nil {
		return fmt.Errorf("invalid audio file %s: %w", path, err)
	}

	return nil
}
