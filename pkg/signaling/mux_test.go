package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stv0g/pion-mesh/pkg"
)

type recordingLink struct {
	envs []pkg.Envelope
}

func (l *recordingLink) Publish(_ context.Context, env pkg.Envelope) error {
	l.envs = append(l.envs, env)
	return nil
}

func TestMuxPresenceLatestWins(t *testing.T) {
	m := NewMux(&recordingLink{}, "a", nil)
	defer m.Close()

	assert.Nil(t, m.Presence())

	for _, ids := range [][]pkg.ParticipantID{{"a"}, {"a", "b"}, {"a", "c"}} {
		p := &pkg.Presence{Self: "a"}
		for _, id := range ids {
			p.Members = append(p.Members, pkg.Member{ParticipantID: id})
		}
		m.Dispatch(pkg.Envelope{Presence: p})
	}

	select {
	case <-m.PresenceUpdates():
	default:
		t.Fatal("no presence update")
	}

	// Only one pending notification for three snapshots.
	select {
	case <-m.PresenceUpdates():
		t.Fatal("unexpected second notification")
	default:
	}

	p := m.Presence()
	require.NotNil(t, p)
	assert.True(t, p.Has("c"))
	assert.False(t, p.Has("b"))

	// Snapshots are copies.
	p.Members[0].ParticipantID = "z"
	assert.True(t, m.Presence().Has("a"))
}

func TestMuxDropsOwnSignals(t *testing.T) {
	m := NewMux(&recordingLink{}, "a", nil)
	defer m.Close()

	c := m.Channel(pkg.ContextVideoCall)

	m.Dispatch(pkg.Envelope{Sender: "a", Context: pkg.ContextVideoCall, Signal: &pkg.Signal{}})
	requireSilent(t, c)

	m.Dispatch(pkg.Envelope{Sender: "b", Context: pkg.ContextVideoCall, Signal: &pkg.Signal{}})
	assert.Equal(t, pkg.ParticipantID("b"), receive(t, c).Sender)
}

func TestMuxSend(t *testing.T) {
	l := &recordingLink{}
	m := NewMux(l, "a", nil)

	c := m.Channel(pkg.ContextVideoCall)
	assert.Same(t, c, m.Channel(pkg.ContextVideoCall))

	require.NoError(t, c.Send(context.Background(), "b", candidate(7)))
	require.Len(t, l.envs, 1)
	assert.Equal(t, pkg.ParticipantID("a"), l.envs[0].Sender)
	assert.Equal(t, pkg.ParticipantID("b"), l.envs[0].Target)
	assert.Equal(t, pkg.ContextVideoCall, l.envs[0].Context)

	m.Close()
	assert.ErrorIs(t, c.Send(context.Background(), "b", candidate(8)), ErrClosed)
}

func TestMuxCloseUnblocksDispatch(t *testing.T) {
	m := NewMux(&recordingLink{}, "a", nil)
	m.Channel(pkg.ContextVideoCall)

	done := make(chan struct{})
	go func() {
		defer close(done)

		// More than the channel buffers, nobody reads.
		for i := 0; i < 100; i++ {
			m.Dispatch(pkg.Envelope{Sender: "b", Context: pkg.ContextVideoCall, Signal: &pkg.Signal{}})
		}
	}()

	m.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch still blocked after close")
	}
}
