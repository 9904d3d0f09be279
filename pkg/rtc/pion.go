package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

var (
	_ Dialer         = (*API)(nil)
	_ PeerConnection = (*Connection)(nil)
)

// DefaultICEServers is used when no ICE servers are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

type Config struct {
	ICEServers []string
	Username   string
	Credential string
}

func (c Config) configuration() webrtc.Configuration {
	if len(c.ICEServers) == 0 {
		return webrtc.Configuration{}
	}

	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs:       c.ICEServers,
				Username:   c.Username,
				Credential: c.Credential,
			},
		},
	}
}

// API creates pion PeerConnections sharing one media engine, interceptor
// registry and setting engine.
type API struct {
	api    *webrtc.API
	config Config
	logger *logrus.Entry
}

func NewAPI(config Config, logger *logrus.Entry) (*API, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{
		LoggerFactory: LoggerFactory{Entry: logger.WithField("component", "pion")},
	}

	return &API{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(i),
			webrtc.WithSettingEngine(s),
		),
		config: config,
		logger: logger,
	}, nil
}

func (a *API) Dial(o Observer, log *logrus.Entry) (PeerConnection, error) {
	if log == nil {
		log = a.logger
	}

	pc, err := a.api.NewPeerConnection(a.config.configuration())
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &Connection{
		PeerConnection: pc,
	}

	pc.OnNegotiationNeeded(o.OnNegotiationNeeded)
	pc.OnConnectionStateChange(o.OnConnectionStateChange)
	pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			log.Debug("Candidate gathering concluded")
			return
		}

		o.OnLocalCandidate(ic.ToJSON())
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		o.OnRemoteTrack(tr)
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debugf("ICE Connection State has changed: %s", s)
	})
	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		log.Debugf("Signaling State has changed: %s", s)
	})

	return c, nil
}

// Connection adapts *webrtc.PeerConnection to PeerConnection.
type Connection struct {
	*webrtc.PeerConnection
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.PeerConnection.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.PeerConnection.CreateAnswer(nil)
}

func (c *Connection) AddTrack(t webrtc.TrackLocal) (Sender, error) {
	s, err := c.PeerConnection.AddTrack(t)
	if err != nil {
		return nil, err
	}

	return &sender{RTPSender: s, kind: t.Kind()}, nil
}

func (c *Connection) AddRecvonly(kind webrtc.RTPCodecType) error {
	_, err := c.PeerConnection.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

// Senders returns the senders of all transceivers which can send.
// The kind is taken from the transceiver so it survives ReplaceTrack(nil).
func (c *Connection) Senders() []Sender {
	ss := []Sender{}
	for _, t := range c.PeerConnection.GetTransceivers() {
		if s := t.Sender(); s != nil {
			ss = append(ss, &sender{RTPSender: s, kind: t.Kind()})
		}
	}
	return ss
}

type sender struct {
	*webrtc.RTPSender
	kind webrtc.RTPCodecType
}

func (s *sender) Kind() webrtc.RTPCodecType {
	return s.kind
}
