package signaling

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/stv0g/pion-mesh/pkg"
	"github.com/stv0g/pion-mesh/pkg/mailbox"
)

// Hub is an in-process relay for one room. Every member gets its own
// delivery goroutine so a slow receiver never blocks a sender.
type Hub struct {
	log *logrus.Entry

	mu      sync.Mutex
	members map[pkg.ParticipantID]*hubMember
	order   []pkg.ParticipantID
}

type hubMember struct {
	pkg.Member

	mux   *Mux
	inbox *mailbox.Mailbox[pkg.Envelope]
}

func NewHub(log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Hub{
		log:     log.WithField("component", "hub"),
		members: map[pkg.ParticipantID]*hubMember{},
	}
}

// Join adds a participant to the room and announces the new roster. The
// channels for tags are open before any signal can arrive.
func (h *Hub) Join(id pkg.ParticipantID, name string, tags ...string) (*Mux, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.members[id]; ok {
		return nil, ErrDuplicateParticipant
	}

	m := &hubMember{
		Member: pkg.Member{
			ParticipantID: id,
			DisplayName:   name,
		},
		inbox: mailbox.New[pkg.Envelope](),
	}
	m.mux = NewMux(&hubLink{hub: h, self: id}, id, h.log.WithField("participant", id), tags...)

	h.members[id] = m
	h.order = append(h.order, id)

	go h.deliver(m)

	h.announce()

	return m.mux, nil
}

// Leave removes a participant and announces the new roster.
func (h *Hub) Leave(id pkg.ParticipantID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[id]
	if !ok {
		return
	}

	delete(h.members, id)
	for i, o := range h.order {
		if o == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}

	m.inbox.Close()
	m.mux.Close()

	h.announce()
}

func (h *Hub) Members() []pkg.Member {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.roster()
}

// roster must be called with mu held.
func (h *Hub) roster() []pkg.Member {
	ms := []pkg.Member{}
	for _, id := range h.order {
		ms = append(ms, h.members[id].Member)
	}
	return ms
}

// announce must be called with mu held.
func (h *Hub) announce() {
	roster := h.roster()

	for _, m := range h.members {
		m.inbox.Push(pkg.Envelope{
			Presence: &pkg.Presence{
				Self:    m.ParticipantID,
				Members: roster,
			},
		})
	}
}

func (h *Hub) publish(env pkg.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if env.Target == "" {
		for id, m := range h.members {
			if id != env.Sender {
				m.inbox.Push(env)
			}
		}
		return
	}

	m, ok := h.members[env.Target]
	if !ok {
		h.log.WithField("target", env.Target).Debug("Dropping envelope for absent participant")
		return
	}

	m.inbox.Push(env)
}

func (h *Hub) deliver(m *hubMember) {
	for {
		env, ok := m.inbox.Pop()
		if !ok {
			return
		}

		m.mux.Dispatch(env)
	}
}

type hubLink struct {
	hub  *Hub
	self pkg.ParticipantID
}

func (l *hubLink) Publish(_ context.Context, env pkg.Envelope) error {
	l.hub.mu.Lock()
	_, ok := l.hub.members[l.self]
	l.hub.mu.Unlock()

	if !ok {
		return ErrClosed
	}

	env.Sender = l.self
	l.hub.publish(env)

	return nil
}
