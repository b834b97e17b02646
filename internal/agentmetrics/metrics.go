// Package agentmetrics exposes Prometheus counters for an Agent's own
// operations — sends, receives, handshake outcomes, resolver tier hits —
// independent of the (out-of-scope) relay's own metrics, for an operator
// who wants to scrape the agent process directly.
package agentmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uam_agent_messages_sent_total",
			Help: "Total messages sent by this agent.",
		},
		[]string{"result"}, // "ok" or "error"
	)

	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uam_agent_messages_received_total",
			Help: "Total inbox messages returned to the caller.",
		},
		[]string{"type"},
	)

	InboxDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uam_agent_inbox_dropped_total",
			Help: "Total inbound envelopes silently dropped during inbox processing.",
		},
		[]string{"reason"}, // "malformed", "blocked", "invalid-sender", "resolution", "signature", "untrusted", "decryption"
	)

	HandshakeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uam_agent_handshake_outcomes_total",
			Help: "Total handshake state transitions by outcome.",
		},
		[]string{"outcome"}, // "sent", "accepted", "denied"
	)

	ResolverTierHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uam_agent_resolver_tier_hits_total",
			Help: "Total successful public-key resolutions by tier.",
		},
		[]string{"tier"}, // "contact-book", "tier1", "tier2", "tier3"
	)

	SendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "uam_agent_send_duration_seconds",
			Help:    "End-to-end Agent.Send latency, including resolution and handshake.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
)
