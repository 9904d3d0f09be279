// Package negotiation implements the "perfect negotiation" pattern for a
// single pair of peers.
//
// Both ends may start a renegotiation at any time. When their offers cross,
// the impolite side ignores the incoming offer and the polite side gives up
// its own. pion cannot roll a local offer back, so the polite side reports
// ErrGlare and its owner replaces the connection of the pair: the impolite
// side dials again and the polite side answers the fresh offer. This lets
// two peers converge without any coordinator.
//
// A Negotiator is not safe for concurrent use. All calls except Close and
// Stats must come from one goroutine.
package negotiation

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/stv0g/pion-mesh/pkg"
)

// ErrGlare is returned by the polite side when a remote offer collides with
// its own. The connection is stuck in have-local-offer and has to be
// replaced.
var ErrGlare = errors.New("colliding offers")

// Connection is the subset of a peer connection used for negotiation.
type Connection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
}

// SendFunc delivers a signal to the remote peer.
type SendFunc func(pkg.Signal) error

type Stats struct {
	Offers            int64
	Answers           int64
	IgnoredOffers     int64
	Yielded           int64
	DroppedCandidates int64
}

// Sub returns the difference s - o.
func (s Stats) Sub(o Stats) Stats {
	return Stats{
		Offers:            s.Offers - o.Offers,
		Answers:           s.Answers - o.Answers,
		IgnoredOffers:     s.IgnoredOffers - o.IgnoredOffers,
		Yielded:           s.Yielded - o.Yielded,
		DroppedCandidates: s.DroppedCandidates - o.DroppedCandidates,
	}
}

type Negotiator struct {
	conn Connection
	role Role
	send SendFunc
	log  *logrus.Entry

	makingOffer                  bool
	ignoreOffer                  bool
	isSettingRemoteAnswerPending bool

	pendingCandidates []webrtc.ICECandidateInit

	closed atomic.Bool

	offers            atomic.Int64
	answers           atomic.Int64
	ignoredOffers     atomic.Int64
	yielded           atomic.Int64
	droppedCandidates atomic.Int64
}

func New(conn Connection, role Role, send SendFunc, log *logrus.Entry) *Negotiator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Negotiator{
		conn: conn,
		role: role,
		send: send,
		log:  log.WithField("role", role),
	}
}

func (n *Negotiator) Role() Role {
	return n.role
}

// Negotiate reacts to a local renegotiation trigger by sending a new offer.
//
// Triggers outside the stable state are skipped; the connection fires again
// once it returns to stable. The polite side never makes the first offer of
// a connection.
func (n *Negotiator) Negotiate() error {
	if n.closed.Load() {
		return nil
	}

	if ss := n.conn.SignalingState(); ss != webrtc.SignalingStateStable {
		n.log.Debugf("Skipping negotiation in signaling state %s", ss)
		return nil
	}

	if n.role == Polite && n.conn.RemoteDescription() == nil {
		n.log.Debug("Waiting for initial offer")
		return nil
	}

	n.makingOffer = true
	defer func() { n.makingOffer = false }()

	offer, err := n.conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}

	if n.closed.Load() {
		return nil
	}

	if err := n.conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	if n.closed.Load() {
		return nil
	}

	if err := n.send(pkg.Signal{SDP: &offer}); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}

	n.offers.Add(1)
	n.log.Debug("Sent offer")

	return nil
}

// HandleSignal applies a signal received from the remote peer.
func (n *Negotiator) HandleSignal(sig pkg.Signal) error {
	if sig.SDP != nil {
		if err := n.HandleDescription(*sig.SDP); err != nil {
			return err
		}
	}

	if sig.ICE != nil {
		if err := n.HandleCandidate(*sig.ICE); err != nil {
			return err
		}
	}

	return nil
}

func (n *Negotiator) HandleDescription(desc webrtc.SessionDescription) error {
	if n.closed.Load() {
		return nil
	}

	// An offer may come in while we are busy processing SRD(answer).
	// In that case we will be in stable by the time the offer is processed.
	readyForOffer := !n.makingOffer &&
		(n.conn.SignalingState() == webrtc.SignalingStateStable || n.isSettingRemoteAnswerPending)
	collision := desc.Type == webrtc.SDPTypeOffer && !readyForOffer

	n.ignoreOffer = n.role == Impolite && collision
	if n.ignoreOffer {
		n.ignoredOffers.Add(1)
		n.log.Debug("Ignoring colliding offer")
		return nil
	}

	if collision {
		n.yielded.Add(1)
		n.log.Debug("Yielding to colliding offer")
		return ErrGlare
	}

	n.isSettingRemoteAnswerPending = desc.Type == webrtc.SDPTypeAnswer
	err := n.conn.SetRemoteDescription(desc)
	n.isSettingRemoteAnswerPending = false
	if err != nil {
		return fmt.Errorf("failed to set remote %s: %w", desc.Type, err)
	}

	if n.closed.Load() {
		return nil
	}

	n.flushCandidates()

	if desc.Type != webrtc.SDPTypeOffer {
		return nil
	}

	answer, err := n.conn.CreateAnswer()
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}

	if n.closed.Load() {
		return nil
	}

	if err := n.conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	if n.closed.Load() {
		return nil
	}

	if err := n.send(pkg.Signal{SDP: &answer}); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}

	n.answers.Add(1)
	n.log.Debug("Sent answer")

	return nil
}

func (n *Negotiator) HandleCandidate(c webrtc.ICECandidateInit) error {
	if n.closed.Load() {
		return nil
	}

	if n.conn.RemoteDescription() == nil {
		n.pendingCandidates = append(n.pendingCandidates, c)
		return nil
	}

	if err := n.conn.AddICECandidate(c); err != nil {
		if n.ignoreOffer {
			n.droppedCandidates.Add(1)
			return nil
		}

		return fmt.Errorf("failed to add candidate: %w", err)
	}

	return nil
}

// flushCandidates applies candidates which arrived before any remote
// description. Some of them may belong to an offer which has been ignored
// in the meantime, so failures are only counted.
func (n *Negotiator) flushCandidates() {
	pending := n.pendingCandidates
	n.pendingCandidates = nil

	for _, c := range pending {
		if err := n.conn.AddICECandidate(c); err != nil {
			n.droppedCandidates.Add(1)
			n.log.WithError(err).Debug("Dropped early candidate")
		}
	}
}

// SendCandidate forwards a locally gathered candidate.
func (n *Negotiator) SendCandidate(c webrtc.ICECandidateInit) error {
	if n.closed.Load() {
		return nil
	}

	if err := n.send(pkg.Signal{ICE: &c}); err != nil {
		return fmt.Errorf("failed to send candidate: %w", err)
	}

	return nil
}

// Close turns all later calls into no-ops. Calls which are in progress
// stop at their next step.
func (n *Negotiator) Close() {
	n.closed.Store(true)
}

func (n *Negotiator) Closed() bool {
	return n.closed.Load()
}

func (n *Negotiator) Stats() Stats {
	return Stats{
		Offers:            n.offers.Load(),
		Answers:           n.answers.Load(),
		IgnoredOffers:     n.ignoredOffers.Load(),
		Yielded:           n.yielded.Load(),
		DroppedCandidates: n.droppedCandidates.Load(),
	}
}
