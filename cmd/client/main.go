package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/stv0g/pion-mesh/pkg"
	"github.com/stv0g/pion-mesh/pkg/config"
	"github.com/stv0g/pion-mesh/pkg/media"
	"github.com/stv0g/pion-mesh/pkg/mesh"
	"github.com/stv0g/pion-mesh/pkg/rtc"
	"github.com/stv0g/pion-mesh/pkg/signaling"
)

// link is a joined signaling backend.
type link interface {
	Close() error
}

func connect(ctx context.Context, cfg *config.Client, log *logrus.Entry) (*signaling.Mux, link, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		l, err := signaling.DialRedis(ctx, client, cfg.Room, pkg.Member{
			ParticipantID: cfg.ParticipantID(),
			DisplayName:   cfg.DisplayName,
		}, log, cfg.Context)
		if err != nil {
			client.Close()
			return nil, nil, err
		}

		return l.Mux, closers{l, client}, nil

	default:
		u, err := signaling.RoomURL(cfg.SignalingURL, cfg.Room, cfg.ParticipantID(), cfg.DisplayName)
		if err != nil {
			return nil, nil, err
		}

		c, err := signaling.Dial(ctx, u, log, cfg.Context)
		if err != nil {
			return nil, nil, err
		}

		return c.Mux, c, nil
	}
}

type closers []interface{ Close() error }

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func capturer(cfg *config.Client, log *logrus.Entry) media.Capturer {
	if cfg.AudioFile == "" && cfg.VideoFile == "" && cfg.ScreenFile == "" {
		return media.SilentCapturer{}
	}

	return &media.FileCapturer{
		AudioFile:  cfg.AudioFile,
		VideoFile:  cfg.VideoFile,
		ScreenFile: cfg.ScreenFile,
		Loop:       cfg.Loop,
		Logger:     log,
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logrus.Infof("Serving metrics on: %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logrus.Errorf("Failed to serve metrics: %s", err)
	}
}

func run(cfg *config.Client) error {
	log := logrus.NewEntry(logrus.StandardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux, l, err := connect(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to join room %s: %w", cfg.Room, err)
	}
	defer l.Close()

	api, err := rtc.NewAPI(cfg.RTC(), log)
	if err != nil {
		return err
	}

	received := newReceivedBytes()

	e, err := mesh.NewEngine(mesh.Options{
		Signaling: mux,
		Context:   cfg.Context,
		Dialer:    api,
		Capturer:  capturer(cfg, log),
		Logger:    log,
		OnTrack: func(id pkg.ParticipantID, t *webrtc.TrackRemote) {
			go received.drain(id, t.Kind().String(), t, log.WithField("peer", id))
		},
	})
	if err != nil {
		return err
	}
	defer e.Close()

	if !cfg.MicEnabled {
		e.ToggleMic()
	}
	if !cfg.CamEnabled {
		e.ToggleCam()
	}

	if cfg.MetricsAddress != "" {
		go serveMetrics(cfg.MetricsAddress)
	}

	logrus.Infof("Joined room %s as %s", cfg.Room, mux.Self())

	errc := make(chan error, 1)
	go func() {
		errc <- e.Run(ctx)
	}()

	quit := make(chan struct{})
	go func() {
		c := &console{
			controls: e,
			received: received,
			out:      os.Stdout,
		}
		c.run(ctx, os.Stdin)
		close(quit)
	}()

	signals := make(chan os.Signal, 10)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	// Block until signal is received
	select {
	case <-signals:
	case <-quit:
	case err := <-errc:
		return err
	}

	cancel()
	<-errc

	return nil
}

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	} else if err != nil {
		logrus.Fatalf("Failed to load config: %s", err)
	}

	if err := config.SetupLogging(cfg.LogLevel); err != nil {
		logrus.Fatalf("Invalid log level: %s", err)
	}

	if err := run(cfg); err != nil {
		logrus.Errorf("%s", err)
		os.Exit(-1)
	}
}
