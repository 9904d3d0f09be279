package negotiation

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stv0g/pion-mesh/pkg"
)

func TestRoleFor(t *testing.T) {
	ids := []pkg.ParticipantID{"1", "2", "a", "ab", "b", "B", "alice", "bob"}

	for _, x := range ids {
		for _, y := range ids {
			rx, err := RoleFor(x, y)
			if x == y {
				assert.ErrorIs(t, err, ErrSameParticipant)
				continue
			}
			require.NoError(t, err)

			ry, err := RoleFor(y, x)
			require.NoError(t, err)

			assert.NotEqual(t, rx, ry, "%s and %s share a role", x, y)
			assert.Equal(t, x < y, rx.IsInitiator())
		}
	}
}

func TestOfferAnswer(t *testing.T) {
	p := newPair(t)
	p.a.addTrack(t)

	require.Equal(t, 1, p.a.triggers)
	require.NoError(t, p.a.trigger())
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, p.a.conn.SignalingState())

	// offer followed by its candidate
	require.Len(t, p.b.inbox, 2)
	require.NotNil(t, p.b.inbox[0].SDP)
	assert.Equal(t, webrtc.SDPTypeOffer, p.b.inbox[0].SDP.Type)
	require.NotNil(t, p.b.inbox[1].ICE)

	p.settle(t)
	p.requireConverged(t)

	assert.Equal(t, Stats{Offers: 1}, p.a.neg.Stats())
	assert.Equal(t, Stats{Answers: 1}, p.b.neg.Stats())
	assert.Len(t, p.a.conn.Candidates(), 1)
	assert.Len(t, p.b.conn.Candidates(), 1)
}

func TestPoliteWaitsForInitialOffer(t *testing.T) {
	p := newPair(t)
	p.b.addTrack(t)

	require.Equal(t, 1, p.b.triggers)
	require.NoError(t, p.b.trigger())

	assert.Empty(t, p.a.inbox)
	assert.Equal(t, webrtc.SignalingStateStable, p.b.conn.SignalingState())
	assert.Zero(t, p.b.neg.Stats().Offers)

	p.a.addTrack(t)
	p.settle(t)
	p.requireConverged(t)

	assert.Equal(t, int64(1), p.a.neg.Stats().Offers)
	assert.Zero(t, p.b.neg.Stats().Offers)
}

func TestCollision(t *testing.T) {
	p := newPair(t)
	p.a.addTrack(t)
	p.b.addTrack(t)
	p.settle(t)
	p.requireConverged(t)

	// Both sides change their media at the same time and offer before
	// seeing the other offer.
	p.a.addTrack(t)
	p.b.addTrack(t)
	require.NoError(t, p.a.trigger())
	require.NoError(t, p.b.trigger())
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, p.a.conn.SignalingState())
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, p.b.conn.SignalingState())

	// a ignores the offer of b and drops its candidate
	require.NoError(t, p.a.deliver())
	require.NoError(t, p.a.deliver())
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, p.a.conn.SignalingState())
	assert.Equal(t, int64(1), p.a.neg.Stats().IgnoredOffers)
	assert.Equal(t, int64(1), p.a.neg.Stats().DroppedCandidates)

	// b cannot take its offer back and yields without touching the
	// connection.
	err := p.b.deliver()
	require.ErrorIs(t, err, ErrGlare)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, p.b.conn.SignalingState())
	assert.Equal(t, int64(1), p.b.neg.Stats().Yielded)
	assert.Zero(t, p.b.neg.Stats().IgnoredOffers)
	assert.Zero(t, p.b.neg.Stats().Answers)

	// Fresh connections carry all media of both sides in one exchange.
	p.reset(t)
	p.settle(t)
	p.requireConverged(t)

	assert.Equal(t, Stats{Offers: 1}, p.a.neg.Stats())
	assert.Equal(t, Stats{Answers: 1}, p.b.neg.Stats())
	assert.Len(t, p.a.conn.Senders(), 2)
	assert.Len(t, p.b.conn.Senders(), 2)
	assert.False(t, p.a.conn.Unsignaled())
	assert.False(t, p.b.conn.Unsignaled())
}

func TestNoCollisionWhenStable(t *testing.T) {
	p := newPair(t)
	p.a.addTrack(t)
	p.b.addTrack(t)
	p.settle(t)
	p.requireConverged(t)

	// b offers while a is stable: a answers, nobody yields.
	p.b.addTrack(t)
	require.NoError(t, p.b.trigger())
	p.settle(t)
	p.requireConverged(t)

	assert.Zero(t, p.resets)
	assert.Zero(t, p.a.neg.Stats().IgnoredOffers)
	assert.Zero(t, p.b.neg.Stats().Yielded)
	assert.Equal(t, int64(1), p.b.neg.Stats().Offers)
}

func TestEarlyCandidatesAreBuffered(t *testing.T) {
	p := newPair(t)
	p.a.addTrack(t)
	require.NoError(t, p.a.trigger())

	require.Len(t, p.b.inbox, 2)
	offer, candidate := p.b.inbox[0], p.b.inbox[1]
	p.b.inbox = nil

	require.NoError(t, p.b.neg.HandleSignal(candidate))
	assert.Len(t, p.b.neg.pendingCandidates, 1)
	assert.Empty(t, p.b.conn.Candidates())

	require.NoError(t, p.b.neg.HandleSignal(offer))
	assert.Empty(t, p.b.neg.pendingCandidates)
	assert.Len(t, p.b.conn.Candidates(), 1)

	p.settle(t)
	p.requireConverged(t)
}

func TestCandidateErrorIsReported(t *testing.T) {
	p := newPair(t)
	p.a.addTrack(t)
	p.settle(t)

	bogus := "bogus"
	err := p.b.neg.HandleCandidate(webrtc.ICECandidateInit{
		Candidate:        "candidate:1 1 udp 1 127.0.0.1 9 typ host",
		UsernameFragment: &bogus,
	})
	assert.Error(t, err)
}

func TestClosedIsNoop(t *testing.T) {
	p := newPair(t)
	p.a.addTrack(t)

	p.a.neg.Close()
	assert.True(t, p.a.neg.Closed())

	require.NoError(t, p.a.trigger())
	assert.Empty(t, p.b.inbox)
	assert.Equal(t, webrtc.SignalingStateStable, p.a.conn.SignalingState())

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 o=b offer gen=1 ufrag=b-1"}
	require.NoError(t, p.a.neg.HandleDescription(offer))
	assert.Nil(t, p.a.conn.RemoteDescription())
	assert.Equal(t, Stats{}, p.a.neg.Stats())
}

func TestLateSignalsAfterClose(t *testing.T) {
	p := newPair(t)
	p.a.addTrack(t)
	require.NoError(t, p.a.trigger())

	// offer
	require.NoError(t, p.b.deliver())
	require.Len(t, p.a.inbox, 2)

	p.b.neg.Close()

	// candidate
	require.NoError(t, p.b.deliver())
	assert.Empty(t, p.b.conn.Candidates())

	p.b.addTrack(t)
	require.Equal(t, 1, p.b.triggers)
	require.NoError(t, p.b.trigger())

	assert.Len(t, p.a.inbox, 2)
	assert.Equal(t, Stats{Answers: 1}, p.b.neg.Stats())
}
