package negotiation

import (
	"errors"

	"github.com/stv0g/pion-mesh/pkg"
)

var ErrSameParticipant = errors.New("local and remote participant share an id")

// Role decides who yields when both sides of a pair offer at once.
type Role int

const (
	// Impolite ignores colliding offers. It is also the side that dials.
	Impolite Role = iota
	// Polite gives up its own offer in favor of the remote one.
	Polite
)

// RoleFor derives the local role from the two participant ids. Both ends
// evaluate it independently and always end up with opposite roles.
func RoleFor(local, remote pkg.ParticipantID) (Role, error) {
	if local == remote {
		return Impolite, ErrSameParticipant
	}

	if local.Less(remote) {
		return Impolite, nil
	}

	return Polite, nil
}

func (r Role) IsInitiator() bool {
	return r == Impolite
}

func (r Role) String() string {
	switch r {
	case Impolite:
		return "impolite"
	case Polite:
		return "polite"
	}
	return "unknown"
}
