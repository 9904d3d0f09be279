// Package rtctest provides an in-memory rtc.PeerConnection which implements
// the JSEP signaling state machine without any media or network I/O.
//
// Descriptions carry an ICE username fragment; remote candidates are only
// accepted when they match the fragment of the current remote description,
// which is how a real connection rejects candidates of an offer it never
// applied. Like pion, it refuses to roll back a local offer.
package rtctest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/stv0g/pion-mesh/pkg/rtc"
)

var (
	_ rtc.PeerConnection = (*Conn)(nil)
	_ rtc.Sender         = (*Sender)(nil)
	_ rtc.Dialer         = (*Dialer)(nil)
)

var (
	ErrClosed             = errors.New("connection closed")
	ErrInvalidState       = errors.New("invalid signaling state")
	ErrNoRemoteDesc       = errors.New("no remote description")
	ErrCandidateMismatch  = errors.New("candidate does not match remote description")
	ErrUnsupportedSDPType = errors.New("unsupported sdp type")
	ErrRollback           = errors.New("invalid SDP type supplied to SetLocalDescription(): rollback")
)

type Conn struct {
	name     string
	observer rtc.Observer

	mu            sync.Mutex
	state         webrtc.SignalingState
	connState     webrtc.PeerConnectionState
	currentLocal  *webrtc.SessionDescription
	pendingLocal  *webrtc.SessionDescription
	currentRemote *webrtc.SessionDescription
	pendingRemote *webrtc.SessionDescription
	generation    int
	unsignaled    int
	offered       int
	senders       []*Sender
	recvonly      []webrtc.RTPCodecType
	candidates    []webrtc.ICECandidateInit
	triggers      int
	closed        bool
}

func NewConn(name string, o rtc.Observer) *Conn {
	return &Conn{
		name:      name,
		observer:  o,
		state:     webrtc.SignalingStateStable,
		connState: webrtc.PeerConnectionStateNew,
	}
}

func (c *Conn) Name() string {
	return c.name
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if c.state != webrtc.SignalingStateStable && c.state != webrtc.SignalingStateHaveLocalOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer in %s", ErrInvalidState, c.state)
	}

	return c.describe(webrtc.SDPTypeOffer), nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer in %s", ErrInvalidState, c.state)
	}

	return c.describe(webrtc.SDPTypeAnswer), nil
}

func (c *Conn) describe(t webrtc.SDPType) webrtc.SessionDescription {
	c.generation++
	ufrag := fmt.Sprintf("%s-%d", c.name, c.generation)

	return webrtc.SessionDescription{
		Type: t,
		SDP:  fmt.Sprintf("v=0 o=%s %s gen=%d ufrag=%s", c.name, t, c.generation, ufrag),
	}
}

func (c *Conn) SetLocalDescription(d webrtc.SessionDescription) error {
	var notify []func()

	err := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.closed {
			return ErrClosed
		}

		switch d.Type {
		case webrtc.SDPTypeRollback:
			return ErrRollback

		case webrtc.SDPTypeOffer:
			if c.state != webrtc.SignalingStateStable && c.state != webrtc.SignalingStateHaveLocalOffer {
				return fmt.Errorf("%w: set local offer in %s", ErrInvalidState, c.state)
			}
			c.pendingLocal = &d
			c.state = webrtc.SignalingStateHaveLocalOffer
			c.offered += c.unsignaled
			c.unsignaled = 0
			notify = append(notify, c.gathered(d))

		case webrtc.SDPTypeAnswer:
			if c.state != webrtc.SignalingStateHaveRemoteOffer {
				return fmt.Errorf("%w: set local answer in %s", ErrInvalidState, c.state)
			}
			c.currentLocal = &d
			c.currentRemote = c.pendingRemote
			c.pendingRemote = nil
			c.state = webrtc.SignalingStateStable
			c.unsignaled = 0
			notify = append(notify, c.gathered(d))

		default:
			return ErrUnsupportedSDPType
		}

		notify = append(notify, c.needed()...)

		return nil
	}()

	for _, n := range notify {
		n()
	}

	return err
}

func (c *Conn) SetRemoteDescription(d webrtc.SessionDescription) error {
	var notify []func()

	err := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.closed {
			return ErrClosed
		}

		switch d.Type {
		case webrtc.SDPTypeOffer:
			if c.state != webrtc.SignalingStateStable {
				return fmt.Errorf("%w: set remote offer in %s", ErrInvalidState, c.state)
			}
			c.pendingRemote = &d
			c.state = webrtc.SignalingStateHaveRemoteOffer

		case webrtc.SDPTypeAnswer:
			if c.state != webrtc.SignalingStateHaveLocalOffer {
				return fmt.Errorf("%w: set remote answer in %s", ErrInvalidState, c.state)
			}
			c.currentRemote = &d
			c.currentLocal = c.pendingLocal
			c.pendingLocal = nil
			c.state = webrtc.SignalingStateStable
			c.offered = 0
			notify = c.needed()

		default:
			return ErrUnsupportedSDPType
		}

		return nil
	}()

	for _, n := range notify {
		n()
	}

	return err
}

// gathered returns a notification emitting one host candidate for d.
func (c *Conn) gathered(d webrtc.SessionDescription) func() {
	ufrag := Ufrag(d.SDP)
	o := c.observer

	return func() {
		if o != nil {
			o.OnLocalCandidate(webrtc.ICECandidateInit{
				Candidate:        "candidate:1 1 udp 2130706431 127.0.0.1 9 typ host ufrag " + ufrag,
				UsernameFragment: &ufrag,
			})
		}
	}
}

// needed must be called with mu held.
func (c *Conn) needed() []func() {
	if c.state != webrtc.SignalingStateStable || c.unsignaled == 0 || c.observer == nil {
		return nil
	}

	c.triggers++
	return []func(){c.observer.OnNegotiationNeeded}
}

func (c *Conn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingLocal != nil {
		return c.pendingLocal
	}
	return c.currentLocal
}

func (c *Conn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingRemote != nil {
		return c.pendingRemote
	}
	return c.currentRemote
}

func (c *Conn) CurrentLocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.currentLocal
}

func (c *Conn) CurrentRemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.currentRemote
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	remote := c.pendingRemote
	if remote == nil {
		remote = c.currentRemote
	}
	if remote == nil {
		return ErrNoRemoteDesc
	}

	if ci.UsernameFragment == nil || *ci.UsernameFragment != Ufrag(remote.SDP) {
		return ErrCandidateMismatch
	}

	c.candidates = append(c.candidates, ci)

	return nil
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Conn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connState
}

func (c *Conn) AddTrack(t webrtc.TrackLocal) (rtc.Sender, error) {
	var notify []func()

	s, err := func() (*Sender, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.closed {
			return nil, ErrClosed
		}

		s := &Sender{kind: t.Kind(), track: t}
		c.senders = append(c.senders, s)
		c.unsignaled++
		notify = c.needed()

		return s, nil
	}()

	for _, n := range notify {
		n()
	}

	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Conn) AddRecvonly(kind webrtc.RTPCodecType) error {
	var notify []func()

	err := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.closed {
			return ErrClosed
		}

		c.recvonly = append(c.recvonly, kind)
		c.unsignaled++
		notify = c.needed()

		return nil
	}()

	for _, n := range notify {
		n()
	}

	return err
}

func (c *Conn) Senders() []rtc.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()

	ss := []rtc.Sender{}
	for _, s := range c.senders {
		ss = append(ss, s)
	}
	return ss
}

// Recvonly returns the kinds of receive-only transceivers.
func (c *Conn) Recvonly() []webrtc.RTPCodecType {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]webrtc.RTPCodecType{}, c.recvonly...)
}

// Candidates returns all remote candidates which have been applied.
func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]webrtc.ICECandidateInit{}, c.candidates...)
}

// NegotiationTriggers counts the negotiation-needed events fired so far.
func (c *Conn) NegotiationTriggers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.triggers
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// SetConnectionState simulates a transport state transition.
func (c *Conn) SetConnectionState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	c.connState = s
	o := c.observer
	c.mu.Unlock()

	if o != nil {
		o.OnConnectionStateChange(s)
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = webrtc.SignalingStateClosed
	c.connState = webrtc.PeerConnectionStateClosed
	o := c.observer
	c.mu.Unlock()

	if o != nil {
		o.OnConnectionStateChange(webrtc.PeerConnectionStateClosed)
	}

	return nil
}

// Unsignaled reports whether local media changes still wait for an
// offer/answer exchange.
func (c *Conn) Unsignaled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.unsignaled > 0 || c.offered > 0
}

// Fingerprint summarizes the complete signaling state. Two connections with
// equal fingerprints behave identically from here on, up to naming.
func (c *Conn) Fingerprint() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	sdp := func(d *webrtc.SessionDescription) string {
		if d == nil {
			return "-"
		}
		return d.SDP
	}

	return fmt.Sprintf("%s|%s|%s|%s|%s|g%d|u%d|o%d|s%d|r%d|c%d|x%t",
		c.state, sdp(c.currentLocal), sdp(c.pendingLocal), sdp(c.currentRemote), sdp(c.pendingRemote),
		c.generation, c.unsignaled, c.offered, len(c.senders), len(c.recvonly), len(c.candidates), c.closed)
}

// Converged reports whether a and b are both stable and agree on the
// committed offer/answer pair.
func Converged(a, b *Conn) bool {
	if a.SignalingState() != webrtc.SignalingStateStable || b.SignalingState() != webrtc.SignalingStateStable {
		return false
	}

	al, ar := a.CurrentLocalDescription(), a.CurrentRemoteDescription()
	bl, br := b.CurrentLocalDescription(), b.CurrentRemoteDescription()
	if al == nil || ar == nil || bl == nil || br == nil {
		return false
	}

	return al.SDP == br.SDP && ar.SDP == bl.SDP
}

// Ufrag extracts the ICE username fragment from a description created by Conn.
func Ufrag(sdp string) string {
	i := strings.Index(sdp, "ufrag=")
	if i < 0 {
		return ""
	}

	return strings.Fields(sdp[i+len("ufrag="):])[0]
}

type Sender struct {
	mu       sync.Mutex
	kind     webrtc.RTPCodecType
	track    webrtc.TrackLocal
	replaced int
}

func (s *Sender) Kind() webrtc.RTPCodecType {
	return s.kind
}

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.track
}

func (s *Sender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.track = t
	s.replaced++

	return nil
}

// Replaced counts ReplaceTrack calls.
func (s *Sender) Replaced() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.replaced
}

// Dialer hands out Conns and remembers them for inspection.
type Dialer struct {
	Name string
	Err  error

	mu    sync.Mutex
	conns []*Conn
}

func (d *Dialer) Dial(o rtc.Observer, _ *logrus.Entry) (rtc.PeerConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Err != nil {
		return nil, d.Err
	}

	c := NewConn(fmt.Sprintf("%s%d", d.Name, len(d.conns)+1), o)
	d.conns = append(d.conns, c)

	return c, nil
}

func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]*Conn{}, d.conns...)
}
