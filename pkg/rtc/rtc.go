// Package rtc wraps the pion PeerConnection behind a small interface so that
// the negotiation and session logic can run against real connections as well
// as the in-memory implementation in rtctest.
package rtc

import (
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// Observer receives the events of one PeerConnection. Implementations must
// not block: pion invokes these from its internal goroutines.
type Observer interface {
	OnNegotiationNeeded()
	OnLocalCandidate(webrtc.ICECandidateInit)
	OnConnectionStateChange(webrtc.PeerConnectionState)
	OnRemoteTrack(*webrtc.TrackRemote)
}

// Sender is the outbound side of a transceiver.
type Sender interface {
	Kind() webrtc.RTPCodecType
	Track() webrtc.TrackLocal
	ReplaceTrack(webrtc.TrackLocal) error
}

type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	AddTrack(webrtc.TrackLocal) (Sender, error)
	AddRecvonly(webrtc.RTPCodecType) error
	Senders() []Sender

	Close() error
}

// Dialer creates PeerConnections reporting to the given observer. Events of
// the connection are logged to log, if not nil.
type Dialer interface {
	Dial(o Observer, log *logrus.Entry) (PeerConnection, error)
}

// IsTerminal reports whether a connection in this state will never carry
// media again.
func IsTerminal(state webrtc.PeerConnectionState) bool {
	switch state {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		return true
	}
	return false
}
