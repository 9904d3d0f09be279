package media

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNoCapture    = errors.New("no capture source available")
	ErrTrackStopped = errors.New("track stopped")
	ErrClosed       = errors.New("media controller closed")
)

// Stream groups the tracks produced by one capture. Either track may be nil.
type Stream struct {
	ID    string
	Audio *LocalTrack
	Video *LocalTrack

	ctx    context.Context
	cancel context.CancelFunc

	wg   sync.WaitGroup
	once sync.Once
	done chan struct{}
}

func NewStream(audio, video *LocalTrack) *Stream {
	ctx, cancel := context.WithCancel(context.Background())

	return &Stream{
		ID:     uuid.NewString(),
		Audio:  audio,
		Video:  video,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Go runs a source feeding this stream. The stream ends once all of its
// sources have returned.
func (s *Stream) Go(f func(ctx context.Context)) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		f(s.ctx)
	}()
}

// Wait ends the stream once all sources started with Go have returned.
func (s *Stream) Wait() {
	go func() {
		s.wg.Wait()
		s.Stop()
	}()
}

func (s *Stream) Tracks() []*LocalTrack {
	ts := []*LocalTrack{}
	for _, t := range []*LocalTrack{s.Audio, s.Video} {
		if t != nil {
			ts = append(ts, t)
		}
	}
	return ts
}

// Done is closed when the stream has been stopped or its sources are
// exhausted.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) Stop() {
	s.once.Do(func() {
		s.cancel()

		for _, t := range s.Tracks() {
			t.Stop()
		}

		close(s.done)
	})
}
