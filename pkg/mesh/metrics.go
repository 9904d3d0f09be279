package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stv0g/pion-mesh/pkg/negotiation"
)

var (
	metricSessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_sessions",
		Help: "The total number of created peer sessions",
	})

	metricSessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_sessions_closed",
		Help: "The total number of closed peer sessions",
	}, []string{"reason"})

	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_active_sessions",
		Help: "The number of live peer sessions",
	})

	metricRosterSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_roster_size",
		Help: "The number of remote participants exposed to the UI",
	})

	metricSignalsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_signals",
		Help: "The total number of signals received",
	}, []string{"type"})

	metricDescriptionsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_descriptions_sent",
		Help: "The total number of session descriptions sent",
	}, []string{"type"})

	metricCollisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_collisions",
		Help: "The total number of offer collisions",
	}, []string{"outcome"})

	metricCandidatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_candidates_dropped",
		Help: "The total number of remote candidates which could not be applied",
	})
)

func collectNegotiationMetrics(d negotiation.Stats) {
	if d.Offers > 0 {
		metricDescriptionsSent.WithLabelValues("offer").Add(float64(d.Offers))
	}
	if d.Answers > 0 {
		metricDescriptionsSent.WithLabelValues("answer").Add(float64(d.Answers))
	}
	if d.IgnoredOffers > 0 {
		metricCollisions.WithLabelValues("ignored").Add(float64(d.IgnoredOffers))
	}
	if d.Yielded > 0 {
		metricCollisions.WithLabelValues("yielded").Add(float64(d.Yielded))
	}
	if d.DroppedCandidates > 0 {
		metricCandidatesDropped.Add(float64(d.DroppedCandidates))
	}
}
