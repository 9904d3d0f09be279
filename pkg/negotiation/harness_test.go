package negotiation

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/stv0g/pion-mesh/pkg"
	"github.com/stv0g/pion-mesh/pkg/rtc/rtctest"
)

// side is one end of a simulated pair. Signals are appended to the wire of
// the remote side; local candidates are held back until the description
// which produced them has been sent, as the session actor does.
type side struct {
	id     pkg.ParticipantID
	conn   *rtctest.Conn
	neg    *Negotiator
	remote *side

	log  *logrus.Entry
	role Role

	inbox      []pkg.Signal
	candidates []webrtc.ICECandidateInit
	triggers   int
	adds       int
	tracks     int
	recvonly   bool
}

func (s *side) OnNegotiationNeeded()                               { s.triggers++ }
func (s *side) OnLocalCandidate(c webrtc.ICECandidateInit)         { s.candidates = append(s.candidates, c) }
func (s *side) OnConnectionStateChange(webrtc.PeerConnectionState) {}
func (s *side) OnRemoteTrack(*webrtc.TrackRemote)                  {}

func (s *side) send(sig pkg.Signal) error {
	s.remote.inbox = append(s.remote.inbox, sig)
	s.flushCandidates()
	return nil
}

func (s *side) flushCandidates() {
	for _, c := range s.candidates {
		c := c
		s.remote.inbox = append(s.remote.inbox, pkg.Signal{ICE: &c})
	}
	s.candidates = nil
}

// open replaces the connection and attaches the local media again, as a
// fresh session does.
func (s *side) open(t testing.TB) {
	s.conn = rtctest.NewConn(string(s.id), s)
	s.neg = New(s.conn, s.role, s.send, s.log)

	if s.tracks == 0 && s.recvonly {
		require.NoError(t, s.conn.AddRecvonly(webrtc.RTPCodecTypeAudio))
		require.NoError(t, s.conn.AddRecvonly(webrtc.RTPCodecTypeVideo))
	}

	for i := 1; i <= s.tracks; i++ {
		s.attachTrack(t, i)
	}
}

func (s *side) addTrack(t testing.TB) {
	s.tracks++
	s.attachTrack(t, s.tracks)
}

func (s *side) addRecvonly(t testing.TB) {
	s.recvonly = true
	require.NoError(t, s.conn.AddRecvonly(webrtc.RTPCodecTypeAudio))
	require.NoError(t, s.conn.AddRecvonly(webrtc.RTPCodecTypeVideo))
}

func (s *side) attachTrack(t testing.TB, n int) {
	tr, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		fmt.Sprintf("%s-audio-%d", s.id, n), string(s.id))
	require.NoError(t, err)

	_, err = s.conn.AddTrack(tr)
	require.NoError(t, err)
}

// trigger processes one pending negotiation-needed event.
func (s *side) trigger() error {
	s.triggers--
	return s.neg.Negotiate()
}

// deliver processes the oldest signal in the inbox.
func (s *side) deliver() error {
	sig := s.inbox[0]
	s.inbox = s.inbox[1:]

	return s.neg.HandleSignal(sig)
}

func (s *side) fingerprint() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s{%s|t%d|a%d|n%d|mo%t|io%t|pc%d|", s.id, s.conn.Fingerprint(),
		s.triggers, s.adds, s.tracks, s.neg.makingOffer, s.neg.ignoreOffer, len(s.neg.pendingCandidates))

	for _, sig := range s.inbox {
		switch {
		case sig.SDP != nil:
			b.WriteString(sig.SDP.SDP)
		case sig.ICE != nil:
			b.WriteString(sig.ICE.Candidate)
		}
		b.WriteByte(';')
	}

	for _, c := range s.candidates {
		b.WriteString(c.Candidate)
		b.WriteByte(';')
	}

	b.WriteByte('}')

	return b.String()
}

type pair struct {
	a, b *side

	resets int
}

func newPair(t testing.TB) *pair {
	log := logrus.NewEntry(logrus.StandardLogger())

	p := &pair{
		a: &side{id: "a"},
		b: &side{id: "b"},
	}
	p.a.remote, p.b.remote = p.b, p.a

	for _, s := range []*side{p.a, p.b} {
		role, err := RoleFor(s.id, s.remote.id)
		require.NoError(t, err)

		s.role = role
		s.log = log.WithField("peer", s.remote.id)
		s.open(t)
	}

	require.Equal(t, Impolite, p.a.neg.Role())
	require.Equal(t, Polite, p.b.neg.Role())

	return p
}

// reset replaces both connections after the polite side yielded. Signals
// still in flight belong to the old connections and are discarded, which
// is what the session ids do for the real sessions.
func (p *pair) reset(t testing.TB) {
	p.resets++

	for _, s := range p.sides() {
		s.inbox = nil
		s.candidates = nil
		s.triggers = 0
	}

	for _, s := range p.sides() {
		s.open(t)
	}
}

// handle deals with the outcome of one step.
func (p *pair) handle(t testing.TB, err error) {
	if errors.Is(err, ErrGlare) {
		p.reset(t)
		return
	}

	require.NoError(t, err)
}

func (p *pair) sides() []*side {
	return []*side{p.a, p.b}
}

// settle processes all pending events, always preferring side a.
func (p *pair) settle(t testing.TB) {
	for i := 0; i < 100; i++ {
		progressed := false

		for _, s := range p.sides() {
			switch {
			case s.triggers > 0:
				p.handle(t, s.trigger())
			case len(s.inbox) > 0:
				p.handle(t, s.deliver())
			default:
				continue
			}

			progressed = true
			break
		}

		if !progressed {
			return
		}
	}

	t.Fatal("pair did not settle")
}

func (p *pair) requireConverged(t testing.TB) {
	require.True(t, rtctest.Converged(p.a.conn, p.b.conn),
		"not converged:\n  a=%s\n  b=%s", p.a.conn.Fingerprint(), p.b.conn.Fingerprint())
}
