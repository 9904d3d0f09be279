package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/stv0g/pion-mesh/pkg"
)

// RoomURL builds the websocket URL for joining room on a relay. An empty
// id lets the relay assign one.
func RoomURL(base, room string, id pkg.ParticipantID, name string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url: %w", err)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + room

	q := u.Query()
	if id != "" {
		q.Set("id", string(id))
	}
	if name != "" {
		q.Set("name", name)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Client is a websocket connection to the relay in cmd/server.
type Client struct {
	*Mux

	conn *websocket.Conn
	log  *logrus.Entry

	wmu  sync.Mutex
	done chan struct{}
}

// Dial connects to a room URL and waits for the relay to announce the
// identity of this participant. Channels for tags are opened before
// reading starts.
func Dial(ctx context.Context, u string, log *logrus.Entry, tags ...string) (*Client, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, ErrDuplicateParticipant
		}

		return nil, fmt.Errorf("failed to dial %s: %w", u, err)
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl) //nolint:errcheck
	}

	var first pkg.Envelope
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read initial presence: %w", err)
	}

	if first.Presence == nil || first.Presence.Self == "" {
		conn.Close()
		return nil, errors.New("relay did not announce participant id")
	}

	conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	self := first.Presence.Self

	c := &Client{
		conn: conn,
		log:  log.WithField("participant", self),
		done: make(chan struct{}),
	}
	c.Mux = NewMux(c, self, c.log, tags...)
	c.Mux.Dispatch(first)

	go c.read()

	return c, nil
}

func (c *Client) Publish(ctx context.Context, env pkg.Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if dl, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(dl); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}

	c.log.Tracef("Sending message: %+v", env)

	return c.conn.WriteJSON(env)
}

func (c *Client) read() {
	defer close(c.done)
	defer c.Mux.Close()

	for {
		var env pkg.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Error("Failed to read")
			}
			return
		}

		c.log.Tracef("Received message: %+v", env)

		c.Mux.Dispatch(env)
	}
}

// Close performs the websocket close handshake.
func (c *Client) Close() error {
	c.Mux.Close()

	c.wmu.Lock()
	err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()

	if err == nil {
		// Wait (with timeout) for the server to close the connection.
		select {
		case <-c.done:
		case <-time.After(time.Second):
		}
	}

	return c.conn.Close()
}
