package mesh

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/stv0g/pion-mesh/pkg"
	"github.com/stv0g/pion-mesh/pkg/rtc"
	"github.com/stv0g/pion-mesh/pkg/signaling"
)

const pionWaitFor = 20 * time.Second

// established returns the sessions between a and b once both report a
// connected and stable connection.
func established(a, b *Engine) (*Session, *Session, bool) {
	sa, ok := a.manager.Get(b.Self())
	if !ok {
		return nil, nil, false
	}

	sb, ok := b.manager.Get(a.Self())
	if !ok {
		return nil, nil, false
	}

	for _, s := range []*Session{sa, sb} {
		if s.ConnectionState() != webrtc.PeerConnectionStateConnected {
			return nil, nil, false
		}
		if s.conn.SignalingState() != webrtc.SignalingStateStable {
			return nil, nil, false
		}
	}

	return sa, sb, true
}

func TestPionCollision(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real network connections")
	}

	api, err := rtc.NewAPI(rtc.Config{}, nil)
	require.NoError(t, err)

	hub := signaling.NewHub(nil)

	a := runEngine(t, hub, "a", api, nil)
	b := runEngine(t, hub, "b", api, nil)

	var sa, sb *Session
	require.Eventually(t, func() bool {
		var ok bool
		sa, sb, ok = established(a, b)
		return ok
	}, pionWaitFor, tick)

	require.Equal(t, sa.SessionID(), sb.RemoteSessionID())

	// Both ends add media and offer before either sees the other offer.
	gate := make(chan struct{})
	for _, s := range []*Session{sa, sb} {
		s := s
		tr := newTrack(t, webrtc.RTPCodecTypeVideo, "extra-"+string(s.ID()))

		require.True(t, s.enqueue(func() {
			<-gate

			if _, err := s.conn.AddTrack(tr); err != nil {
				t.Error(err)
				return
			}

			s.negotiation("negotiate", s.neg.Negotiate)
		}))
	}
	close(gate)

	<-sb.Done()
	require.EqualValues(t, 1, sb.Stats().Yielded)

	// The pair is dialed again and connects.
	require.Eventually(t, func() bool {
		na, nb, ok := established(a, b)
		return ok && na != sa && nb != sb
	}, pionWaitFor, tick)

	<-sa.Done()

	na, _ := a.manager.Get(pkg.ParticipantID("b"))
	nb, _ := b.manager.Get(pkg.ParticipantID("a"))
	require.Equal(t, na.SessionID(), nb.RemoteSessionID())
	require.Equal(t, nb.SessionID(), na.RemoteSessionID())
	require.Zero(t, nb.Stats().Yielded)

	require.Len(t, a.Participants(), 1)
	require.Len(t, b.Participants(), 1)
}
