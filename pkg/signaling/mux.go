// Package signaling connects a participant to a relay which forwards
// envelopes between the members of a room and announces who is present.
//
// A Link is the physical connection. A Mux sits on top of it, routes
// inbound signals by their context tag to Channels and keeps the latest
// presence snapshot. Each backend delivers the envelopes of one sender in
// the order they were published.
package signaling

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/stv0g/pion-mesh/pkg"
)

var (
	ErrClosed               = errors.New("signaling closed")
	ErrDuplicateParticipant = errors.New("participant id already present in room")
)

// Link publishes envelopes to a relay. Envelopes without a target are
// broadcast to the room.
type Link interface {
	Publish(ctx context.Context, env pkg.Envelope) error
}

type Mux struct {
	link Link
	self pkg.ParticipantID
	log  *logrus.Entry

	mu       sync.Mutex
	channels map[string]*Channel
	presence *pkg.Presence
	closed   bool

	updates chan struct{}
	done    chan struct{}
}

// NewMux creates a mux with channels for tags already open. Signals which
// arrive for a tag before its channel exists are dropped, so consumers
// known up front should be listed here.
func NewMux(link Link, self pkg.ParticipantID, log *logrus.Entry, tags ...string) *Mux {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &Mux{
		link:     link,
		self:     self,
		log:      log,
		channels: map[string]*Channel{},
		updates:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	for _, tag := range tags {
		m.Channel(tag)
	}

	return m
}

func (m *Mux) Self() pkg.ParticipantID {
	return m.self
}

// Channel returns the channel for a context tag, creating it on first use.
func (m *Mux) Channel(tag string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.channels[tag]; ok {
		return c
	}

	c := &Channel{
		mux:     m,
		tag:     tag,
		signals: make(chan pkg.Envelope, 64),
	}
	m.channels[tag] = c

	return c
}

// Dispatch routes one inbound envelope. It blocks until the receiving
// channel has room, which keeps the order of a single reader intact.
func (m *Mux) Dispatch(env pkg.Envelope) {
	if env.Presence != nil {
		m.setPresence(env.Presence)
	}

	if env.Signal == nil {
		return
	}

	if env.Sender == m.self {
		return
	}

	m.mu.Lock()
	c, ok := m.channels[env.Context]
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return
	}

	if !ok {
		m.log.WithFields(logrus.Fields{
			"sender":  env.Sender,
			"context": env.Context,
		}).Debug("Dropping signal for unknown context")
		return
	}

	select {
	case c.signals <- env:
	case <-m.done:
	}
}

func (m *Mux) setPresence(p *pkg.Presence) {
	m.mu.Lock()
	cp := *p
	cp.Members = append([]pkg.Member{}, p.Members...)
	m.presence = &cp
	m.mu.Unlock()

	select {
	case m.updates <- struct{}{}:
	default:
	}
}

// Presence returns the latest roster snapshot, or nil before the first one.
func (m *Mux) Presence() *pkg.Presence {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.presence == nil {
		return nil
	}

	cp := *m.presence
	cp.Members = append([]pkg.Member{}, m.presence.Members...)

	return &cp
}

// PresenceUpdates fires whenever a new snapshot replaced the previous one.
// Intermediate snapshots may be skipped; only the latest one counts.
func (m *Mux) PresenceUpdates() <-chan struct{} {
	return m.updates
}

// Done is closed once the mux has been closed, for example because the
// underlying link went away.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

func (m *Mux) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.closed = true
	close(m.done)
}

type Channel struct {
	mux     *Mux
	tag     string
	signals chan pkg.Envelope
}

func (c *Channel) Tag() string {
	return c.tag
}

// Send publishes a signal addressed to target.
func (c *Channel) Send(ctx context.Context, target pkg.ParticipantID, sig pkg.Signal) error {
	select {
	case <-c.mux.done:
		return ErrClosed
	default:
	}

	return c.mux.link.Publish(ctx, pkg.Envelope{
		Sender:  c.mux.self,
		Target:  target,
		Context: c.tag,
		Signal:  &sig,
	})
}

// Signals delivers the inbound signals of this context in arrival order.
func (c *Channel) Signals() <-chan pkg.Envelope {
	return c.signals
}
