// Package obsmetrics defines the Prometheus metric families exposed by
// the eNodeB's ops surface, one family group per protocol layer — the
// same per-NF-file convention the teacher uses
// (common/metrics/{mac,rlc,...} in spirit of common/metrics/smf.go and
// common/metrics/amf.go), carried as ambient observability regardless
// of spec.md's Non-goals around production metrics backends.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MAC

	SchedulingPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enb_mac_scheduling_pass_seconds",
			Help:    "Duration of one MAC scheduling pass.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12),
		},
	)

	HarqRetransmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enb_mac_harq_retransmissions_total",
			Help: "HARQ retransmissions by outcome.",
		},
		[]string{"outcome"},
	)

	RandomAccessAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enb_mac_random_access_total",
			Help: "Random access attempts by outcome.",
		},
		[]string{"outcome"},
	)

	TTIDriftResyncs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enb_mac_tti_drift_resyncs_total",
			Help: "Times MAC fast-forwarded its subframe ring due to TTI drift from PHY.",
		},
	)

	// RRC

	RRCConnectedUEs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enb_rrc_connected_ues",
			Help: "Number of UEs in RRC_CONNECTED.",
		},
	)

	// MME

	AttachOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enb_mme_attach_outcomes_total",
			Help: "Attach procedure outcomes.",
		},
		[]string{"outcome"},
	)

	// PDCP

	PDCPIntegrityFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enb_pdcp_mac_i_failures_total",
			Help: "PDCP uplink PDUs dropped for MAC-I verification failure.",
		},
	)

	// RLC

	RLCRetransmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enb_rlc_retransmissions_total",
			Help: "RLC AM retransmissions by bearer identity.",
		},
		[]string{"rb"},
	)

	// GW

	GWPacketsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enb_gw_packets_total",
			Help: "Packets forwarded between TUN and PDCP.",
		},
		[]string{"direction"},
	)
)

// RecordHarqOutcome increments the HARQ counter for a retx/ack/drop outcome.
func RecordHarqOutcome(outcome string) {
	HarqRetransmissions.WithLabelValues(outcome).Inc()
}

// RecordRandomAccess increments the RA counter for an outcome.
func RecordRandomAccess(outcome string) {
	RandomAccessAttempts.WithLabelValues(outcome).Inc()
}

// RecordAttachOutcome increments the attach-outcome counter.
func RecordAttachOutcome(outcome string) {
	AttachOutcomes.WithLabelValues(outcome).Inc()
}

// RecordRLCRetransmission increments the per-RB RLC retransmission counter.
func RecordRLCRetransmission(rb string) {
	RLCRetransmissions.WithLabelValues(rb).Inc()
}

// RecordGWPacket increments the per-direction GW packet counter.
func RecordGWPacket(direction string) {
	GWPacketsForwarded.WithLabelValues(direction).Inc()
}
