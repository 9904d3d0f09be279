package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/stv0g/pion-mesh/pkg"
	"github.com/stv0g/pion-mesh/pkg/config"
)

// Server relays signaling envelopes between the participants of a room.
type Server struct {
	config   *config.Relay
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewServer(cfg *config.Relay) *Server {
	return &Server{
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: map[string]*Session{},
	}
}

func (s *Server) Handler() http.Handler {
	handlerChain := promhttp.InstrumentHandlerDuration(metricHttpRequestDuration,
		promhttp.InstrumentHandlerCounter(metricHttpRequestsTotal,
			http.HandlerFunc(s.wsHandle),
		),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/favicon.ico", func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "Not found", http.StatusNotFound)
	})
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.Write([]byte("OK")) //nolint:errcheck
	})
	mux.HandleFunc("/api/v1/sessions", basicAuth(s.config, s.apiHandle))
	mux.Handle("/", handlerChain)

	return mux
}

func (s *Server) wsHandle(w http.ResponseWriter, r *http.Request) {
	n := strings.Trim(r.URL.Path, "/")
	if n == "" {
		http.Error(w, "Missing room", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()

	id := pkg.ParticipantID(q.Get("id"))
	if id == "" {
		id = pkg.ParticipantID(uuid.NewString())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}

	sess, ok := s.sessions[n]
	if ok && sess.Has(id) {
		metricConnectionsRejected.Inc()
		logrus.WithFields(logrus.Fields{
			"room":        n,
			"participant": id,
		}).Warn("Refusing duplicate participant")
		http.Error(w, "Participant already connected", http.StatusConflict)
		return
	}

	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Errorf("Failed to upgrade: %s", err)
		return
	}

	if !ok {
		sess = NewSession(n, s)
		s.sessions[n] = sess
	}

	conn := NewConnection(c, sess, id, q.Get("name"))
	if err := sess.AddConnection(conn); err != nil {
		logrus.Errorf("Failed to create connection: %s", err)
		c.Close()
		return
	}

	conn.run()
}

// Close disconnects every participant. New connections are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	ss := []*Session{}
	for _, sess := range s.sessions {
		ss = append(ss, sess)
	}
	s.mu.Unlock()

	for _, sess := range ss {
		sess.Close()
	}
}

func handleSignals(signals chan os.Signal, srv *Server, server *http.Server) {
	for range signals {
		srv.Close()

		if err := server.Shutdown(context.Background()); err != nil {
			logrus.Errorf("Failed to shutdown HTTP server: %s", err)
		}
	}
}

func main() {
	cfg, err := config.LoadRelay(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	} else if err != nil {
		logrus.Fatalf("Failed to load config: %s", err)
	}

	if err := config.SetupLogging(cfg.LogLevel); err != nil {
		logrus.Fatalf("Invalid log level: %s", err)
	}

	srv := NewServer(cfg)

	server := &http.Server{
		Addr:    cfg.Address,
		Handler: srv.Handler(),
	}

	signals := make(chan os.Signal, 10)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	// Block until signal is received
	go handleSignals(signals, srv, server)

	logrus.Infof("Listening on: %s", cfg.Address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.Errorf("Failed to listen and serve: %s", err)
	}
}
