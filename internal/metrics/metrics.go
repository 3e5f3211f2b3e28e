// Package metrics defines the Prometheus collectors for every
// counted error kind in spec.md §7's error taxonomy and every gauge
// backing a testable property in spec.md §8.
//
// Grounded on m-lab-etl/metrics/metrics.go's package-level
// promauto.New*Vec var style (one var block, doc comment per metric
// naming the metric and an example usage line); uses
// github.com/prometheus/client_golang/prometheus/promauto, attested as
// a direct dependency in runZeroInc-sockstats and m-lab-etl.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrorCount counts every non-fatal error kind in spec.md §7's
	// taxonomy, broken down by kind. Retransmit queue overflow
	// evictions are not counted under any kind.
	// Provides metrics:
	//   marinelink_error_count{kind}
	// Example usage:
	//   metrics.ErrorCount.WithLabelValues("ParseError").Inc()
	ErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marinelink_error_count",
		Help: "Count of non-fatal errors by taxonomy kind (ParseError, AuthFailure, DecompressFailure, CompressFailure, EncryptFailure, SerializeFailure, Duplicate, SendFailure).",
	}, []string{"kind"})

	// ResyncCount counts sequence-tracker resyncs (spec.md §7: a
	// telemetry event, not an error).
	// Provides metrics:
	//   marinelink_resync_count
	ResyncCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marinelink_resync_count",
		Help: "Count of sequence tracker resync events.",
	})

	// GapDetectedCount counts scheduled NAKs from gap detection.
	// Provides metrics:
	//   marinelink_gap_detected_count
	GapDetectedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marinelink_gap_detected_count",
		Help: "Count of sequence tracker gap detections that scheduled a NAK.",
	})

	// RetransmitQueueSize is the live occupancy of the retransmit
	// queue, used to verify the queue-boundedness property of
	// spec.md §8.
	// Provides metrics:
	//   marinelink_retransmit_queue_size
	RetransmitQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marinelink_retransmit_queue_size",
		Help: "Current number of entries in the retransmit queue.",
	})

	// RetransmitEvictedCount counts retransmit queue entries removed by
	// age expiry (TX.ExpireTick). Overflow evictions on Add are not
	// counted here.
	// Provides metrics:
	//   marinelink_retransmit_evicted_count
	RetransmitEvictedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marinelink_retransmit_evicted_count",
		Help: "Count of retransmit queue entries removed by age expiry.",
	})

	// CongestionCurrentTimerMs tracks the congestion controller's
	// current delta timer, used to verify the congestion-bounds
	// property of spec.md §8.
	// Provides metrics:
	//   marinelink_congestion_current_timer_ms
	CongestionCurrentTimerMs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marinelink_congestion_current_timer_ms",
		Help: "Current congestion-controlled delta timer, in milliseconds.",
	})

	// CongestionAvgRTTMs and CongestionAvgLoss expose the controller's
	// EMA inputs.
	// Provides metrics:
	//   marinelink_congestion_avg_rtt_ms
	//   marinelink_congestion_avg_loss
	CongestionAvgRTTMs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marinelink_congestion_avg_rtt_ms",
		Help: "Smoothed average RTT sample, in milliseconds.",
	})
	CongestionAvgLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marinelink_congestion_avg_loss",
		Help: "Smoothed average loss fraction.",
	})

	// BatchOvershootCount counts batches that exceeded the MTU,
	// backing the MTU-safety property of spec.md §8.
	// Provides metrics:
	//   marinelink_batch_overshoot_count
	BatchOvershootCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marinelink_batch_overshoot_count",
		Help: "Count of built batches whose framed packet exceeded the target MTU.",
	})

	// BatchDeltasPerPacket records the delta count of each emitted
	// batch.
	// Provides metrics:
	//   marinelink_batch_deltas_per_packet
	BatchDeltasPerPacket = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marinelink_batch_deltas_per_packet",
		Help:    "Distribution of delta counts per emitted DATA packet.",
		Buckets: prometheus.LinearBuckets(1, 5, 10),
	})

	// BondingActiveLink reports which link is currently ACTIVE (0 for
	// primary, 1 for backup), backing the bonding-exclusivity property
	// of spec.md §8.
	// Provides metrics:
	//   marinelink_bonding_active_link
	BondingActiveLink = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marinelink_bonding_active_link",
		Help: "Index of the currently active bonded link (0=primary, 1=backup).",
	})

	// BondingFailoverCount counts active/standby transitions.
	// Provides metrics:
	//   marinelink_bonding_failover_count{link}
	BondingFailoverCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marinelink_bonding_failover_count",
		Help: "Count of bonding failover transitions, by newly active link.",
	}, []string{"link"})
)
