package pkg

import (
	"time"

	"github.com/pion/webrtc/v3"
)

// ContextVideoCall tags signaling traffic that belongs to the media mesh.
const ContextVideoCall = "videocall"

// ParticipantID identifies one call participant. IDs are ordered
// byte-wise; the order decides which side of a pair dials and which
// side yields on collisions.
type ParticipantID string

func (id ParticipantID) Less(other ParticipantID) bool {
	return id < other
}

func (id ParticipantID) String() string {
	return string(id)
}

type Member struct {
	ParticipantID ParticipantID `json:"participantId"`
	DisplayName   string        `json:"displayName,omitempty"`
}

// Presence is a full roster snapshot. Self is filled in by relays which
// assign identities to their clients.
type Presence struct {
	Self    ParticipantID `json:"self,omitempty"`
	Members []Member      `json:"members"`
}

// Has reports whether id is part of the roster.
func (p *Presence) Has(id ParticipantID) bool {
	for _, m := range p.Members {
		if m.ParticipantID == id {
			return true
		}
	}
	return false
}

// Signal is one negotiation message. Session names the connection of the
// sender it belongs to; Reset tells the receiver that this connection is
// gone and the pair has to start over.
type Signal struct {
	SDP     *webrtc.SessionDescription `json:"sdp,omitempty"`
	ICE     *webrtc.ICECandidateInit   `json:"ice,omitempty"`
	Session string                     `json:"session,omitempty"`
	Reset   bool                       `json:"reset,omitempty"`
}

// Envelope is the unit exchanged with a signaling relay. Outbound
// envelopes carry a Target, inbound ones a Sender.
type Envelope struct {
	Sender   ParticipantID `json:"sender,omitempty"`
	Target   ParticipantID `json:"target,omitempty"`
	Context  string        `json:"context,omitempty"`
	Signal   *Signal       `json:"signal,omitempty"`
	Presence *Presence     `json:"presence,omitempty"`
}

// Session and Connection describe the relay state returned by its API.
type Session struct {
	Name        string       `json:"name"`
	Created     time.Time    `json:"created"`
	Connections []Connection `json:"connections"`
}

type Connection struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"display_name,omitempty"`
	Remote      string        `json:"remote"`
	Created     time.Time     `json:"created"`
}
