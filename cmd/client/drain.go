package main

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/stv0g/pion-mesh/pkg"
)

var metricBytesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mesh_client_received_bytes",
	Help: "The total number of RTP bytes received from remote tracks",
}, []string{"kind"})

type rtpReader interface {
	Read([]byte) (int, interceptor.Attributes, error)
}

// receivedBytes counts the media received per participant.
type receivedBytes struct {
	mu    sync.Mutex
	bytes map[pkg.ParticipantID]uint64
}

func newReceivedBytes() *receivedBytes {
	return &receivedBytes{
		bytes: map[pkg.ParticipantID]uint64{},
	}
}

func (r *receivedBytes) add(id pkg.ParticipantID, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bytes[id] += uint64(n)
}

func (r *receivedBytes) Get(id pkg.ParticipantID) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.bytes[id]
}

// drain reads a remote track until it ends. Headless participants have no
// use for the media, but unread tracks stall the receiver.
func (r *receivedBytes) drain(id pkg.ParticipantID, kind string, t rtpReader, log *logrus.Entry) {
	counter := metricBytesReceived.WithLabelValues(kind)

	buf := make([]byte, 1500)
	for {
		n, _, err := t.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithError(err).Debug("Remote track ended")
			}
			return
		}

		r.add(id, n)
		counter.Add(float64(n))
	}
}
