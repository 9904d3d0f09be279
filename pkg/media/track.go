// Package media owns the local capture state of a participant: microphone,
// camera and screen tracks, their enabled flags, and the switch between
// camera and screen on the outbound video sender.
package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	pmedia "github.com/pion/webrtc/v3/pkg/media"
)

var (
	// AudioCodec and VideoCodec are the codecs produced by the capturers.
	AudioCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	VideoCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// LocalTrack is an outbound sample track which can be muted. A muted track
// stays attached to every connection and simply drops its samples.
type LocalTrack struct {
	*webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	dropped atomic.Uint64

	stop    sync.Once
	stopped chan struct{}
}

func NewLocalTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*LocalTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}

	lt := &LocalTrack{
		TrackLocalStaticSample: t,
		stopped:                make(chan struct{}),
	}
	lt.enabled.Store(true)

	return lt, nil
}

func (t *LocalTrack) WriteSample(s pmedia.Sample) error {
	select {
	case <-t.stopped:
		return ErrTrackStopped
	default:
	}

	if !t.enabled.Load() {
		t.dropped.Add(1)
		return nil
	}

	return t.TrackLocalStaticSample.WriteSample(s)
}

func (t *LocalTrack) Enabled() bool {
	return t.enabled.Load()
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Dropped counts the samples discarded while disabled.
func (t *LocalTrack) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *LocalTrack) Stop() {
	t.stop.Do(func() {
		close(t.stopped)
	})
}

func (t *LocalTrack) Stopped() <-chan struct{} {
	return t.stopped
}
