package guide

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatlink_guide_sends_total",
		Help: "Accepted chat send requests.",
	})

	pollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatlink_guide_polls_total",
		Help: "Poll requests served.",
	})

	streamConnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatlink_guide_stream_connections_total",
		Help: "SSE stream connections established.",
	})

	completedTurns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatlink_guide_completed_turns_total",
		Help: "Turns that drained to completion.",
	})

	rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatlink_guide_rate_limited_total",
		Help: "Send requests rejected by the rate limiter.",
	})
)

func init() {
	prometheus.MustRegister(sendsTotal)
	prometheus.MustRegister(pollsTotal)
	prometheus.MustRegister(streamConnects)
	prometheus.MustRegister(completedTurns)
	prometheus.MustRegister(rateLimited)
}
