package main

import "github.com/stv0g/pion-mesh/pkg"

type Message struct {
	pkg.Envelope

	Sender *Connection
}

func (msg *Message) CollectMetrics() {
	sig := msg.Signal
	if sig == nil {
		return
	}

	if sig.ICE != nil {
		metricMessagesReceived.WithLabelValues("candidate").Inc()
	}
	if sig.SDP != nil {
		metricMessagesReceived.WithLabelValues(sig.SDP.Type.String()).Inc()
	}
	if sig.Reset {
		metricMessagesReceived.WithLabelValues("reset").Inc()
	}
}
