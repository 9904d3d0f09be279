// Package mesh maintains a full mesh of peer connections between the
// members of a room.
//
// The Engine follows the presence roster: for every pair of participants
// the one with the smaller id dials, the other one accepts. Each remote
// participant is served by one Session which runs the negotiation for its
// connection. A pair whose connection fails, or whose offers collide, is
// torn down on both ends and dialed again. Local media is captured on
// first need and shared by all sessions.
package mesh

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/stv0g/pion-mesh/pkg"
	"github.com/stv0g/pion-mesh/pkg/media"
	"github.com/stv0g/pion-mesh/pkg/rtc"
	"github.com/stv0g/pion-mesh/pkg/signaling"
)

type Options struct {
	Signaling *signaling.Mux

	// Context is the tag of the signaling traffic handled by the engine.
	// It defaults to pkg.ContextVideoCall.
	Context string

	Dialer   rtc.Dialer
	Capturer media.Capturer
	Policy   Policy

	OnTrack func(pkg.ParticipantID, *webrtc.TrackRemote)

	Logger *logrus.Entry
}

type Engine struct {
	log     *logrus.Entry
	mux     *signaling.Mux
	channel *signaling.Channel
	policy  Policy

	media   *media.Controller
	manager *Manager
	roster  *Roster

	mu    sync.Mutex
	names map[pkg.ParticipantID]string

	closeOnce sync.Once
	done      chan struct{}
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Signaling == nil {
		return nil, errors.New("missing signaling")
	}
	if opts.Dialer == nil {
		return nil, errors.New("missing dialer")
	}
	if opts.Context == "" {
		opts.Context = pkg.ContextVideoCall
	}
	if opts.Capturer == nil {
		opts.Capturer = media.SilentCapturer{}
	}
	if opts.Policy == nil {
		opts.Policy = AscendingPolicy{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	self := opts.Signaling.Self()

	log := opts.Logger.WithFields(logrus.Fields{
		"participant": self,
		"context":     opts.Context,
	})

	e := &Engine{
		log:     log,
		mux:     opts.Signaling,
		channel: opts.Signaling.Channel(opts.Context),
		policy:  opts.Policy,
		media:   media.NewController(opts.Capturer, log),
		roster:  NewRoster(),
		names:   map[pkg.ParticipantID]string{},
		done:    make(chan struct{}),
	}

	e.manager = NewManager(ManagerOptions{
		Local:       self,
		Dialer:      opts.Dialer,
		Signaler:    e.channel,
		Tracks:      e.media,
		Roster:      e.roster,
		DisplayName: e.displayName,
		OnTrack:     opts.OnTrack,
		Logger:      log,
	})

	return e, nil
}

func (e *Engine) Self() pkg.ParticipantID {
	return e.mux.Self()
}

// Run follows presence updates, inbound signals and connection failures
// until ctx is done, the signaling goes away or the engine is closed.
func (e *Engine) Run(ctx context.Context) error {
	e.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-e.done:
			return nil

		case <-e.mux.Done():
			return signaling.ErrClosed

		case <-e.mux.PresenceUpdates():
			e.reconcile(ctx)

		case <-e.manager.Failures():
			// Pairs which lost their connection are dialed again while
			// both participants remain present.
			e.reconcile(ctx)

		case env := <-e.channel.Signals():
			e.dispatch(ctx, env)

		case <-e.media.ScreenEnded():
			e.log.Info("Screen stream ended")

			if err := e.media.StopScreenShare(e.manager); err != nil {
				e.log.WithError(err).Warn("Failed to stop screen share")
			}
		}
	}
}

// reconcile brings the sessions in line with the latest presence.
func (e *Engine) reconcile(ctx context.Context) {
	p := e.mux.Presence()
	if p == nil {
		return
	}

	self := e.mux.Self()

	e.mu.Lock()
	e.names = map[pkg.ParticipantID]string{}
	for _, m := range p.Members {
		e.names[m.ParticipantID] = m.DisplayName
	}
	e.mu.Unlock()

	others := 0
	for _, m := range p.Members {
		if m.ParticipantID != self {
			others++
		}
	}

	if others > 0 {
		e.acquire(ctx)
	}

	for _, id := range e.policy.Targets(self, p.Members) {
		if _, _, err := e.manager.GetOrCreate(id, true); err != nil {
			e.log.WithError(err).WithField("peer", id).Error("Failed to create session")
		}
	}

	for _, s := range e.manager.Sessions() {
		if !p.Has(s.id) {
			e.log.WithField("peer", s.id).Info("Participant left")
			e.manager.Remove(s.id)
			continue
		}

		e.roster.setDisplayName(s.id, e.displayName(s.id))
	}
}

// dispatch hands a signal to the manager. An offer from an unknown
// participant opens a session, which needs the local media first.
func (e *Engine) dispatch(ctx context.Context, env pkg.Envelope) {
	if sdp := env.Signal.SDP; sdp != nil && sdp.Type == webrtc.SDPTypeOffer {
		if _, ok := e.manager.Get(env.Sender); !ok {
			e.acquire(ctx)
		}
	}

	e.manager.Dispatch(env)
}

// acquire captures the local media once. Without it the engine still
// connects and only receives.
func (e *Engine) acquire(ctx context.Context) {
	fresh, err := e.media.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, media.ErrClosed) {
			e.log.WithError(err).Warn("Proceeding without local media")
		}
		return
	}

	if fresh {
		e.manager.AttachTracks(e.media.Tracks())
	}
}

func (e *Engine) displayName(id pkg.ParticipantID) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.names[id]
}

// Participants returns a snapshot of the connected remote participants.
func (e *Engine) Participants() map[pkg.ParticipantID]RemoteParticipant {
	return e.roster.Snapshot()
}

func (e *Engine) Roster() *Roster {
	return e.roster
}

func (e *Engine) Sessions() []*Session {
	return e.manager.Sessions()
}

func (e *Engine) State() media.State {
	return e.media.State()
}

func (e *Engine) ToggleMic() bool {
	return e.media.ToggleMic()
}

func (e *Engine) ToggleCam() bool {
	return e.media.ToggleCam()
}

func (e *Engine) ToggleScreenShare(ctx context.Context) (bool, error) {
	return e.media.ToggleScreenShare(ctx, e.manager)
}

// Close tears down all sessions and stops the local media. The signaling
// stays open.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)

		e.manager.Close()
		e.media.Close()
	})
}
