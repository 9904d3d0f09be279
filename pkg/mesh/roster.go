package mesh

import (
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/stv0g/pion-mesh/pkg"
)

// RemoteStream collects the tracks received from one participant.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote

	changed func()
}

func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*webrtc.TrackRemote{}, s.tracks...)
}

func (s *RemoteStream) add(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()

	if s.changed != nil {
		s.changed()
	}
}

type RemoteParticipant struct {
	ID          pkg.ParticipantID
	DisplayName string
	Stream      *RemoteStream
}

// Roster is the map of connected remote participants shown to the user.
type Roster struct {
	mu      sync.Mutex
	entries map[pkg.ParticipantID]RemoteParticipant

	changed chan struct{}
}

func NewRoster() *Roster {
	return &Roster{
		entries: map[pkg.ParticipantID]RemoteParticipant{},
		changed: make(chan struct{}, 1),
	}
}

func (r *Roster) put(p RemoteParticipant) {
	r.mu.Lock()
	r.entries[p.ID] = p
	n := len(r.entries)
	r.mu.Unlock()

	metricRosterSize.Set(float64(n))
	r.notify()
}

// remove reports whether id was present.
func (r *Roster) remove(id pkg.ParticipantID) bool {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	n := len(r.entries)
	r.mu.Unlock()

	if ok {
		metricRosterSize.Set(float64(n))
		r.notify()
	}

	return ok
}

func (r *Roster) setDisplayName(id pkg.ParticipantID, name string) {
	r.mu.Lock()
	p, ok := r.entries[id]
	if ok && p.DisplayName != name {
		p.DisplayName = name
		r.entries[id] = p
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		r.notify()
	}
}

func (r *Roster) notify() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (r *Roster) Get(id pkg.ParticipantID) (RemoteParticipant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.entries[id]
	return p, ok
}

func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// Snapshot returns a copy of the current roster.
func (r *Roster) Snapshot() map[pkg.ParticipantID]RemoteParticipant {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := make(map[pkg.ParticipantID]RemoteParticipant, len(r.entries))
	for id, p := range r.entries {
		s[id] = p
	}
	return s
}

// Changed fires after the roster or one of its streams changed. Bursts of
// changes may be reported once.
func (r *Roster) Changed() <-chan struct{} {
	return r.changed
}
