package main

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stv0g/pion-mesh/pkg"
)

var errDuplicateParticipant = errors.New("participant already connected")

// Session is a room. It forwards envelopes between its connections and
// announces the roster whenever a connection joins or leaves.
type Session struct {
	Name    string
	Created time.Time

	server *Server
	log    *logrus.Entry

	Messages chan Message

	Connections      map[pkg.ParticipantID]*Connection
	ConnectionsMutex sync.RWMutex

	done chan struct{}
}

func NewSession(name string, server *Server) *Session {
	logrus.Infof("Session opened: %s", name)

	s := &Session{
		Name:        name,
		Created:     time.Now(),
		server:      server,
		log:         logrus.WithField("room", name),
		Connections: map[pkg.ParticipantID]*Connection{},
		Messages:    make(chan Message, 100),
		done:        make(chan struct{}),
	}

	go s.run()

	metricSessionsCreated.Inc()
	metricSessionsActive.Inc()

	return s
}

func (s *Session) Has(id pkg.ParticipantID) bool {
	s.ConnectionsMutex.RLock()
	defer s.ConnectionsMutex.RUnlock()

	_, ok := s.Connections[id]
	return ok
}

func (s *Session) AddConnection(c *Connection) error {
	s.ConnectionsMutex.Lock()
	defer s.ConnectionsMutex.Unlock()

	if _, ok := s.Connections[c.ID]; ok {
		return errDuplicateParticipant
	}

	s.Connections[c.ID] = c

	s.sendPresence()

	return nil
}

// RemoveConnection drops c and closes the session once it is empty.
func (s *Session) RemoveConnection(c *Connection) {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()

	s.ConnectionsMutex.Lock()
	defer s.ConnectionsMutex.Unlock()

	if cur, ok := s.Connections[c.ID]; !ok || cur != c {
		return
	}

	delete(s.Connections, c.ID)

	if len(s.Connections) == 0 {
		delete(s.server.sessions, s.Name)
		close(s.done)

		metricSessionsActive.Dec()

		logrus.Infof("Session closed: %s", s.Name)

		return
	}

	s.sendPresence()
}

// sendPresence must be called with ConnectionsMutex held.
func (s *Session) sendPresence() {
	members := []pkg.Member{}
	for _, c := range s.Connections {
		members = append(members, pkg.Member{
			ParticipantID: c.ID,
			DisplayName:   c.DisplayName,
		})
	}

	sort.Slice(members, func(i, j int) bool {
		return members[i].ParticipantID.Less(members[j].ParticipantID)
	})

	for _, c := range s.Connections {
		c.Send(pkg.Envelope{
			Presence: &pkg.Presence{
				Self:    c.ID,
				Members: members,
			},
		})
	}

	s.log.WithField("members", len(members)).Debug("Sent presence")
}

// Describe lists the connections ordered by participant id.
func (s *Session) Describe() []pkg.Connection {
	s.ConnectionsMutex.RLock()
	defer s.ConnectionsMutex.RUnlock()

	cs := []pkg.Connection{}
	for _, c := range s.Connections {
		cs = append(cs, c.Connection)
	}

	sort.Slice(cs, func(i, j int) bool {
		return cs[i].ID.Less(cs[j].ID)
	})

	return cs
}

func (s *Session) String() string {
	return s.Name
}

func (s *Session) publish(msg Message) bool {
	select {
	case s.Messages <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	for {
		select {
		case msg := <-s.Messages:
			s.route(msg)
		case <-s.done:
			return
		}
	}
}

func (s *Session) route(msg Message) {
	msg.CollectMetrics()

	s.ConnectionsMutex.RLock()
	defer s.ConnectionsMutex.RUnlock()

	if msg.Target != "" {
		c, ok := s.Connections[msg.Target]
		if !ok {
			metricMessagesDropped.Inc()
			s.log.WithFields(logrus.Fields{
				"sender": msg.Sender.ID,
				"target": msg.Target,
			}).Debug("Dropping message for absent participant")
			return
		}

		c.Send(msg.Envelope)
		return
	}

	for _, c := range s.Connections {
		if msg.Sender != c {
			c.Send(msg.Envelope)
		}
	}
}

func (s *Session) Close() {
	s.ConnectionsMutex.RLock()
	cs := []*Connection{}
	for _, c := range s.Connections {
		cs = append(cs, c)
	}
	s.ConnectionsMutex.RUnlock()

	for _, c := range cs {
		c.Close()
	}
}
