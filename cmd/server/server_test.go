package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stv0g/pion-mesh/pkg"
	"github.com/stv0g/pion-mesh/pkg/config"
	"github.com/stv0g/pion-mesh/pkg/mesh"
	"github.com/stv0g/pion-mesh/pkg/rtc/rtctest"
	"github.com/stv0g/pion-mesh/pkg/signaling"
)

func newTestServer(t *testing.T, cfg *config.Relay) (*Server, *httptest.Server) {
	if cfg == nil {
		cfg = &config.Relay{APIUsername: "admin"}
	}

	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return srv, ts
}

func join(t *testing.T, ts *httptest.Server, room string, id pkg.ParticipantID, name string) *signaling.Client {
	t.Helper()

	u, err := signaling.RoomURL("ws"+strings.TrimPrefix(ts.URL, "http"), room, id, name)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := signaling.Dial(ctx, u, nil, pkg.ContextVideoCall)
	require.NoError(t, err)

	t.Cleanup(func() { c.Close() })

	return c
}

func members(c *signaling.Client) []pkg.ParticipantID {
	p := c.Presence()
	if p == nil {
		return nil
	}

	ids := []pkg.ParticipantID{}
	for _, m := range p.Members {
		ids = append(ids, m.ParticipantID)
	}
	return ids
}

func receive(t *testing.T, ch *signaling.Channel) pkg.Envelope {
	t.Helper()

	select {
	case env := <-ch.Signals():
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no signal received")
	}

	return pkg.Envelope{}
}

func candidate(s string) pkg.Signal {
	return pkg.Signal{
		ICE: &webrtc.ICECandidateInit{Candidate: s},
	}
}

func TestPresence(t *testing.T) {
	_, ts := newTestServer(t, nil)

	a := join(t, ts, "lobby", "a", "Alice")
	b := join(t, ts, "lobby", "b", "Bob")

	require.Eventually(t, func() bool {
		return len(members(a)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	p := a.Presence()
	assert.Equal(t, pkg.ParticipantID("a"), p.Self)
	assert.Equal(t, []pkg.Member{
		{ParticipantID: "a", DisplayName: "Alice"},
		{ParticipantID: "b", DisplayName: "Bob"},
	}, p.Members)

	assert.Equal(t, pkg.ParticipantID("b"), b.Presence().Self)

	require.NoError(t, b.Close())

	require.Eventually(t, func() bool {
		ids := members(a)
		return len(ids) == 1 && ids[0] == "a"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAssignedID(t *testing.T) {
	_, ts := newTestServer(t, nil)

	c := join(t, ts, "lobby", "", "")
	assert.NotEmpty(t, c.Self())
}

func TestDuplicateParticipant(t *testing.T) {
	_, ts := newTestServer(t, nil)

	join(t, ts, "lobby", "a", "")

	u, err := signaling.RoomURL("ws"+strings.TrimPrefix(ts.URL, "http"), "lobby", "a", "")
	require.NoError(t, err)

	_, err = signaling.Dial(context.Background(), u, nil)
	require.ErrorIs(t, err, signaling.ErrDuplicateParticipant)

	// The same id is fine in another room.
	join(t, ts, "other", "a", "")
}

func TestRouting(t *testing.T) {
	_, ts := newTestServer(t, nil)

	a := join(t, ts, "lobby", "a", "")
	b := join(t, ts, "lobby", "b", "")
	c := join(t, ts, "lobby", "c", "")
	x := join(t, ts, "elsewhere", "x", "")

	require.Eventually(t, func() bool {
		return len(members(c)) == 3
	}, 2*time.Second, 5*time.Millisecond)

	ctx := context.Background()

	ca := a.Channel(pkg.ContextVideoCall)
	cb := b.Channel(pkg.ContextVideoCall)
	cc := c.Channel(pkg.ContextVideoCall)
	cx := x.Channel(pkg.ContextVideoCall)

	// Targeted envelopes reach only their target, in order.
	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, ca.Send(ctx, "b", candidate(s)))
	}
	for _, s := range []string{"1", "2", "3"} {
		env := receive(t, cb)
		assert.Equal(t, pkg.ParticipantID("a"), env.Sender)
		assert.Equal(t, s, env.Signal.ICE.Candidate)
	}

	// Broadcasts reach everybody else in the room.
	require.NoError(t, cc.Send(ctx, "", candidate("all")))
	assert.Equal(t, "all", receive(t, ca).Signal.ICE.Candidate)
	assert.Equal(t, "all", receive(t, cb).Signal.ICE.Candidate)

	select {
	case env := <-cx.Signals():
		t.Fatalf("signal leaked into another room: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAPI(t *testing.T) {
	_, ts := newTestServer(t, &config.Relay{
		APIUsername: "admin",
		APIPassword: "secret",
		APIToken:    "token",
	})

	join(t, ts, "lobby", "a", "Alice")

	get := func(set func(*http.Request)) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/sessions", nil)
		require.NoError(t, err)
		set(req)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })

		return resp
	}

	resp := get(func(*http.Request) {})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(func(r *http.Request) { r.SetBasicAuth("admin", "wrong") })
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(func(r *http.Request) { r.Header.Set("Authorization", "Bearer") })
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(func(r *http.Request) { r.Header.Set("Authorization", "Bearer token") })
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(func(r *http.Request) { r.SetBasicAuth("admin", "secret") })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "lobby", body.Sessions[0].Name)
	require.Len(t, body.Sessions[0].Connections, 1)
	assert.Equal(t, pkg.ParticipantID("a"), body.Sessions[0].Connections[0].ID)
	assert.Equal(t, "Alice", body.Sessions[0].Connections[0].DisplayName)
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionClosesWhenEmpty(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	a := join(t, ts, "lobby", "a", "")
	require.Len(t, srv.Sessions(), 1)

	require.NoError(t, a.Close())

	require.Eventually(t, func() bool {
		return len(srv.Sessions()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMeshOverRelay(t *testing.T) {
	_, ts := newTestServer(t, nil)

	type peer struct {
		engine *mesh.Engine
		dialer *rtctest.Dialer
	}

	peers := map[pkg.ParticipantID]*peer{}

	for _, id := range []pkg.ParticipantID{"a", "b", "c"} {
		c := join(t, ts, "lobby", id, strings.ToUpper(string(id)))
		d := &rtctest.Dialer{Name: string(id)}

		e, err := mesh.NewEngine(mesh.Options{
			Signaling: c.Mux,
			Dialer:    d,
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() { errc <- e.Run(ctx) }()

		t.Cleanup(func() {
			cancel()
			<-errc
			e.Close()
		})

		peers[id] = &peer{engine: e, dialer: d}
	}

	// Every pair converges on one offer/answer exchange.
	require.Eventually(t, func() bool {
		for _, p := range peers {
			if len(p.engine.Participants()) != 2 {
				return false
			}

			for _, s := range p.engine.Sessions() {
				st := s.Stats()
				if st.Offers+st.Answers == 0 {
					return false
				}
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	for id, p := range peers {
		for _, s := range p.engine.Sessions() {
			assert.Equal(t, id.Less(s.ID()), s.Initiator())
		}

		assert.Equal(t, strings.ToUpper(string(id)), peers[otherThan(id)].engine.Participants()[id].DisplayName)
	}

	require.Eventually(t, func() bool {
		for _, a := range peers {
			for _, b := range peers {
				if a == b {
					continue
				}
				if !pairConverged(a.dialer, b.dialer) {
					return false
				}
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func otherThan(id pkg.ParticipantID) pkg.ParticipantID {
	if id == "a" {
		return "b"
	}
	return "a"
}

// pairConverged reports whether some connection of a and some connection
// of b committed the same offer/answer pair.
func pairConverged(a, b *rtctest.Dialer) bool {
	for _, ca := range a.Conns() {
		for _, cb := range b.Conns() {
			if rtctest.Converged(ca, cb) {
				return true
			}
		}
	}
	return false
}
