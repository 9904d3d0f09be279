package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/stv0g/pion-mesh/pkg"
	"github.com/stv0g/pion-mesh/pkg/mailbox"
	"github.com/stv0g/pion-mesh/pkg/negotiation"
	"github.com/stv0g/pion-mesh/pkg/rtc"
)

var ErrClosed = errors.New("mesh closed")

// Reasons for releasing a session besides terminal connection states.
const (
	reasonRemoved   = "removed"
	reasonShutdown  = "shutdown"
	reasonReplaced  = "replaced"
	reasonReset     = "reset"
	reasonCollision = "collision"
)

// failure reports whether a session released for reason left a pair
// behind which should be connected again.
func failure(reason string) bool {
	switch reason {
	case reasonRemoved, reasonShutdown, reasonReplaced:
		return false
	}
	return true
}

// Signaler delivers signals to a remote participant. *signaling.Channel
// implements it.
type Signaler interface {
	Send(ctx context.Context, target pkg.ParticipantID, sig pkg.Signal) error
}

// TrackSource provides the local tracks for new connections.
// *media.Controller implements it.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

type ManagerOptions struct {
	Local    pkg.ParticipantID
	Dialer   rtc.Dialer
	Signaler Signaler
	Tracks   TrackSource
	Roster   *Roster

	// DisplayName resolves the name shown for a new roster entry.
	DisplayName func(pkg.ParticipantID) string

	// OnTrack is invoked from connection goroutines and must not block.
	OnTrack func(pkg.ParticipantID, *webrtc.TrackRemote)

	Logger *logrus.Entry
}

// Manager keeps at most one Session per remote participant.
type Manager struct {
	opts ManagerOptions
	log  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[pkg.ParticipantID]*Session
	closed   bool

	failures chan struct{}
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Roster == nil {
		opts.Roster = NewRoster()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		opts:     opts,
		log:      opts.Logger.WithField("component", "sessions"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[pkg.ParticipantID]*Session{},
		failures: make(chan struct{}, 1),
	}
}

func (m *Manager) Roster() *Roster {
	return m.opts.Roster
}

// GetOrCreate returns the session for id and whether it was created by
// this call. Concurrent callers for the same id share one session.
func (m *Manager) GetOrCreate(id pkg.ParticipantID, initiator bool) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrClosed
	}

	if s, ok := m.sessions[id]; ok {
		return s, false, nil
	}

	role, err := negotiation.RoleFor(m.opts.Local, id)
	if err != nil {
		return nil, false, err
	}

	log := m.log.WithField("peer", id)

	s := &Session{
		id:        id,
		role:      role,
		initiator: initiator,
		sid:       uuid.NewString(),
		manager:   m,
		log:       log,
		mailbox:   mailbox.New[func()](),
		done:      make(chan struct{}),
	}
	s.remote.Store("")

	s.stream = &RemoteStream{
		changed: m.opts.Roster.notify,
	}

	conn, err := m.opts.Dialer.Dial(s, log)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s.conn = conn
	s.neg = negotiation.New(conn, role, func(sig pkg.Signal) error {
		sig.Session = s.sid
		return m.opts.Signaler.Send(m.ctx, id, sig)
	}, log)

	m.sessions[id] = s

	name := ""
	if m.opts.DisplayName != nil {
		name = m.opts.DisplayName(id)
	}

	m.opts.Roster.put(RemoteParticipant{
		ID:          id,
		DisplayName: name,
		Stream:      s.stream,
	})

	metricSessionsCreated.Inc()
	metricSessionsActive.Inc()

	log.WithFields(logrus.Fields{
		"role":      role,
		"initiator": initiator,
		"session":   s.sid,
	}).Info("Created session")

	go s.run()

	s.enqueue(func() {
		s.setup(m.tracks())
	})

	return s, true, nil
}

func (m *Manager) tracks() []webrtc.TrackLocal {
	if m.opts.Tracks == nil {
		return nil
	}

	return m.opts.Tracks.Tracks()
}

func (m *Manager) Get(id pkg.ParticipantID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns the live sessions ordered by participant id.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	ss := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		ss = append(ss, s)
	}
	m.mu.Unlock()

	sort.Slice(ss, func(i, j int) bool {
		return ss[i].id.Less(ss[j].id)
	})

	return ss
}

// Remove closes the session for id, if any.
func (m *Manager) Remove(id pkg.ParticipantID) {
	if s, ok := m.Get(id); ok {
		m.release(s, reasonRemoved)
	}
}

// release deletes s unless it has been replaced or removed already and
// reports whether this call deleted it. Only the deleting call removes the
// roster entry and closes the session.
//
// After a failure the peer is told to drop its half of the pair, and the
// owner is notified through Failures so that the initiator dials again.
func (m *Manager) release(s *Session, reason string) bool {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; !ok || cur != s {
		m.mu.Unlock()
		return false
	}

	delete(m.sessions, s.id)
	m.opts.Roster.remove(s.id)
	m.mu.Unlock()

	metricSessionsClosed.WithLabelValues(reason).Inc()
	metricSessionsActive.Dec()

	s.log.WithField("reason", reason).Info("Closing session")

	s.close()

	if !failure(reason) {
		return true
	}

	if reason != reasonReset {
		m.reset(s)
	}

	select {
	case m.failures <- struct{}{}:
	default:
	}

	return true
}

// reset asks the peer to release its session for s.
func (m *Manager) reset(s *Session) {
	err := m.opts.Signaler.Send(m.ctx, s.id, pkg.Signal{
		Session: s.sid,
		Reset:   true,
	})
	if err != nil && m.ctx.Err() == nil {
		s.log.WithError(err).Warn("Failed to send reset")
	}
}

// Failures fires after a session has been released because its connection
// failed or had to be replaced while the peer may still be around.
func (m *Manager) Failures() <-chan struct{} {
	return m.failures
}

// Dispatch routes an inbound signal to the session of its sender. Only an
// offer opens a session for an unknown sender. Other signals of unknown
// senders belong to sessions which have been torn down already.
//
// Signals name the connection of the sender. An offer from a connection
// the session has not been talking to means the peer started over, so the
// session is replaced. Anything else from such a connection is stale.
func (m *Manager) Dispatch(env pkg.Envelope) {
	if env.Signal == nil {
		return
	}

	sig := *env.Signal
	log := m.log.WithField("peer", env.Sender)

	if env.Sender == "" || env.Sender == m.opts.Local {
		log.Debug("Dropping signal without remote sender")
		return
	}

	s, ok := m.Get(env.Sender)

	if sig.Reset {
		if ok && s.RemoteSessionID() == sig.Session {
			m.release(s, reasonReset)
		} else {
			log.Debug("Dropping stale reset")
		}
		return
	}

	offer := sig.SDP != nil && sig.SDP.Type == webrtc.SDPTypeOffer

	if ok && !s.owns(sig.Session) {
		if !offer {
			log.Debug("Dropping signal of a replaced connection")
			return
		}

		m.release(s, reasonReplaced)
		ok = false
	}

	if !ok {
		if !offer {
			log.Debug("Dropping signal for unknown session")
			return
		}

		var err error
		if s, _, err = m.GetOrCreate(env.Sender, false); err != nil {
			log.WithError(err).Warn("Failed to accept session")
			return
		}
	}

	s.handleSignal(sig)
}

// AttachTracks adds tracks to every live session which does not send them
// yet.
func (m *Manager) AttachTracks(tracks []webrtc.TrackLocal) {
	for _, s := range m.Sessions() {
		s := s
		s.enqueue(func() {
			s.attach(tracks)
		})
	}
}

// ReplaceVideoTrack puts t on the video sender of every live session.
// Sessions which close in the meantime are skipped.
func (m *Manager) ReplaceVideoTrack(t webrtc.TrackLocal) error {
	var errs []error

	for _, s := range m.Sessions() {
		s := s
		err := s.call(func() error {
			return s.replaceVideo(t)
		})
		if err != nil && !errors.Is(err, ErrSessionClosed) {
			errs = append(errs, fmt.Errorf("%s: %w", s.id, err))
		}
	}

	return errors.Join(errs...)
}

// Close tears down every session. Later calls to GetOrCreate fail.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	for _, s := range m.Sessions() {
		m.release(s, reasonShutdown)
	}

	m.cancel()
}
