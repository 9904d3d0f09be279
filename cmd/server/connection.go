package main

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/stv0g/pion-mesh/pkg"
	"github.com/stv0g/pion-mesh/pkg/mailbox"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Session descriptions with
	// several media sections easily exceed a few kilobytes.
	maxMessageSize = 64 << 10
)

type Connection struct {
	pkg.Connection

	Conn    *websocket.Conn
	Session *Session

	log       *logrus.Entry
	messages  *mailbox.Mailbox[pkg.Envelope]
	closeOnce sync.Once
}

func NewConnection(c *websocket.Conn, s *Session, id pkg.ParticipantID, name string) *Connection {
	metricConnectionsCreated.Inc()

	return &Connection{
		Connection: pkg.Connection{
			ID:          id,
			DisplayName: name,
			Remote:      c.RemoteAddr().String(),
			Created:     time.Now(),
		},
		Conn:    c,
		Session: s,
		log: logrus.WithFields(logrus.Fields{
			"room":        s.Name,
			"participant": id,
		}),
		messages: mailbox.New[pkg.Envelope](),
	}
}

func (c *Connection) String() string {
	return c.Connection.Remote
}

func (c *Connection) run() {
	metricConnectionsActive.Inc()

	go c.write()
	go c.ping()
	go c.read()
}

// Send queues an envelope for delivery. It never blocks.
func (c *Connection) Send(env pkg.Envelope) {
	c.messages.Push(env)
}

func (c *Connection) read() {
	defer func() {
		c.Session.RemoveConnection(c)
		c.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env pkg.Envelope
		if err := c.Conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Errorf("Error: %v", err)
			}
			return
		}

		c.log.Tracef("Read message: %+v", env)

		if env.Signal == nil {
			continue
		}

		// The relay owns identities and presence.
		env.Sender = c.ID
		env.Presence = nil

		if !c.Session.publish(Message{
			Envelope: env,
			Sender:   c,
		}) {
			return
		}
	}
}

func (c *Connection) write() {
	for {
		env, ok := c.messages.Pop()
		if !ok {
			return
		}

		c.Conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck

		if err := c.Conn.WriteJSON(env); err != nil {
			c.log.Errorf("Failed to send message: %s", err)
			c.Conn.Close()
			return
		}
	}
}

func (c *Connection) ping() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debugf("Failed to ping: %s", err)
			}

		case <-c.messages.Done():
			return
		}
	}
}

// Close ends the connection. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.messages.Close()

		metricConnectionsActive.Dec()

		c.log.Info("Connection closing")

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)) //nolint:errcheck
		c.Conn.Close()
	})
}
