package mesh

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/stv0g/pion-mesh/pkg"
	"github.com/stv0g/pion-mesh/pkg/mailbox"
	"github.com/stv0g/pion-mesh/pkg/negotiation"
	"github.com/stv0g/pion-mesh/pkg/rtc"
)

var ErrSessionClosed = errors.New("session closed")

// Session is the connection to one remote participant.
//
// A single goroutine owns the connection and the negotiator. Connection
// callbacks and manager requests are queued as closures and executed in
// order, so negotiation steps never interleave.
type Session struct {
	id        pkg.ParticipantID
	role      negotiation.Role
	initiator bool

	// sid names this connection in outbound signals, remote the connection
	// of the peer once its first description arrived.
	sid    string
	remote atomic.Value // string

	manager *Manager
	conn    rtc.PeerConnection
	neg     *negotiation.Negotiator
	stream  *RemoteStream
	log     *logrus.Entry

	mailbox *mailbox.Mailbox[func()]

	state     atomic.Value // webrtc.PeerConnectionState
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func (s *Session) ID() pkg.ParticipantID {
	return s.id
}

func (s *Session) Role() negotiation.Role {
	return s.role
}

func (s *Session) Initiator() bool {
	return s.initiator
}

func (s *Session) Stream() *RemoteStream {
	return s.stream
}

func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	if st, ok := s.state.Load().(webrtc.PeerConnectionState); ok {
		return st
	}
	return webrtc.PeerConnectionStateNew
}

// SessionID identifies the local connection in signals to the peer.
func (s *Session) SessionID() string {
	return s.sid
}

// RemoteSessionID is empty until the peer sent its first description.
func (s *Session) RemoteSessionID() string {
	remote, _ := s.remote.Load().(string)
	return remote
}

// bind remembers the connection of the peer. It keeps the first one.
func (s *Session) bind(remote string) {
	if remote != "" {
		s.remote.CompareAndSwap("", remote)
	}
}

// owns reports whether a signal tagged with sid was sent to this session.
// Untagged signals are accepted, and so is anything before the peer bound.
func (s *Session) owns(sid string) bool {
	remote := s.RemoteSessionID()
	return sid == "" || remote == "" || remote == sid
}

func (s *Session) Stats() negotiation.Stats {
	return s.neg.Stats()
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) run() {
	for {
		f, ok := s.mailbox.Pop()
		if !ok || s.closed.Load() {
			return
		}

		f()
	}
}

// enqueue schedules f on the session goroutine. It reports false once the
// session is closed.
func (s *Session) enqueue(f func()) bool {
	if s.closed.Load() {
		return false
	}

	return s.mailbox.Push(f)
}

// call runs f on the session goroutine and waits for its result.
func (s *Session) call(f func() error) error {
	res := make(chan error, 1)

	if !s.enqueue(func() { res <- f() }) {
		return ErrSessionClosed
	}

	select {
	case err := <-res:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

// negotiation runs f and accounts the negotiator activity it caused.
func (s *Session) negotiation(what string, f func() error) {
	before := s.neg.Stats()
	err := f()
	collectNegotiationMetrics(s.neg.Stats().Sub(before))

	if errors.Is(err, negotiation.ErrGlare) && !s.closed.Load() {
		// The connection is stuck with our offer. Start over.
		s.manager.release(s, reasonCollision)
		return
	}

	if err != nil && !s.closed.Load() {
		// The connection is left to fail, which tears the session down.
		s.log.WithError(err).Errorf("Failed to %s", what)
	}
}

// setup attaches the local media. An initiator without local media still
// asks for the remote media so that an offer is produced.
func (s *Session) setup(tracks []webrtc.TrackLocal) {
	n := s.attach(tracks)

	if n == 0 && s.initiator {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if err := s.conn.AddRecvonly(kind); err != nil {
				s.log.WithError(err).Errorf("Failed to add %s transceiver", kind)
			}
		}
	}
}

// attach adds the tracks which are not sent yet and returns how many
// tracks the connection sends afterwards.
func (s *Session) attach(tracks []webrtc.TrackLocal) int {
	sending := map[string]bool{}
	for _, snd := range s.conn.Senders() {
		if t := snd.Track(); t != nil {
			sending[t.ID()] = true
		}
	}

	for _, t := range tracks {
		if sending[t.ID()] {
			continue
		}

		if _, err := s.conn.AddTrack(t); err != nil {
			s.log.WithError(err).Errorf("Failed to add %s track", t.Kind())
			continue
		}

		sending[t.ID()] = true
	}

	return len(sending)
}

// replaceVideo swaps the track of the video sender. A connection without a
// video sender gets the track added, which renegotiates.
func (s *Session) replaceVideo(t webrtc.TrackLocal) error {
	for _, snd := range s.conn.Senders() {
		if snd.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}

		if err := snd.ReplaceTrack(t); err != nil {
			return fmt.Errorf("failed to replace video track: %w", err)
		}

		return nil
	}

	if t == nil {
		return nil
	}

	if _, err := s.conn.AddTrack(t); err != nil {
		return fmt.Errorf("failed to add video track: %w", err)
	}

	return nil
}

func (s *Session) handleSignal(sig pkg.Signal) {
	switch {
	case sig.SDP != nil:
		metricSignalsReceived.WithLabelValues(sig.SDP.Type.String()).Inc()
	case sig.ICE != nil:
		metricSignalsReceived.WithLabelValues("candidate").Inc()
	}

	if sig.SDP != nil {
		s.bind(sig.Session)
	}

	s.enqueue(func() {
		s.negotiation("handle signal", func() error {
			return s.neg.HandleSignal(sig)
		})
	})
}

// described counts the local descriptions sent so far.
func (s *Session) described() int64 {
	st := s.neg.Stats()
	return st.Offers + st.Answers
}

// OnNegotiationNeeded queues a renegotiation. A trigger is stale once a
// local description has been sent after it fired: that description already
// carries the change, and the connection fires again if anything is left.
func (s *Session) OnNegotiationNeeded() {
	stamp := s.described()

	s.enqueue(func() {
		if s.described() > stamp {
			s.log.Debug("Skipping stale negotiation trigger")
			return
		}

		s.negotiation("negotiate", s.neg.Negotiate)
	})
}

func (s *Session) OnLocalCandidate(c webrtc.ICECandidateInit) {
	s.enqueue(func() {
		if err := s.neg.SendCandidate(c); err != nil && !s.closed.Load() {
			s.log.WithError(err).Warn("Failed to send candidate")
		}
	})
}

func (s *Session) OnConnectionStateChange(state webrtc.PeerConnectionState) {
	s.state.Store(state)

	s.log.Infof("Connection State has changed: %s", state)

	if rtc.IsTerminal(state) && !s.closed.Load() {
		s.manager.release(s, state.String())
	}
}

func (s *Session) OnRemoteTrack(t *webrtc.TrackRemote) {
	if s.closed.Load() {
		return
	}

	s.log.WithFields(logrus.Fields{
		"kind":  t.Kind(),
		"track": t.ID(),
	}).Info("Received remote track")

	s.stream.add(t)

	if cb := s.manager.opts.OnTrack; cb != nil {
		cb(s.id, t)
	}
}

// close tears the session down. Queued work is discarded and results of
// work in progress are ignored.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.neg.Close()
		s.mailbox.Close()

		if err := s.conn.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close connection")
		}

		close(s.done)
	})
}
