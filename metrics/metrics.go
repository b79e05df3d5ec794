// Package metrics defines the process-wide prometheus collectors,
// grounded on the teacher's pump/metrics.go and drainer/metrics.go
// (same client_golang registration style: package-level vectors,
// registered once in init).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RequestsTotal counts client requests by worker and request type.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zp",
		Subsystem: "dispatch",
		Name:      "requests_total",
		Help:      "Total client requests served, by worker and type.",
	}, []string{"worker", "type"})

	// ResponseErrorsTotal counts non-OK responses.
	ResponseErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zp",
		Subsystem: "dispatch",
		Name:      "response_errors_total",
		Help:      "Total non-OK responses returned to clients, by type and code.",
	}, []string{"type", "code"})

	// BinlogOffset reports the current append offset (file_num) per
	// partition, so operators can see replication lag at a glance.
	BinlogOffset = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "zp",
		Subsystem: "binlog",
		Name:      "offset_file_num",
		Help:      "Current binlog file_num per table/partition.",
	}, []string{"table", "partition"})

	// SendTaskLag reports, per replicated follower, how many binlog
	// segment files (file_num difference) the send cursor is behind the
	// partition's tail.
	SendTaskLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "zp",
		Subsystem: "replication",
		Name:      "send_task_lag_file_num",
		Help:      "file_num difference between a partition's tail and a follower's send cursor.",
	}, []string{"table", "partition", "follower"})

	// RecvQueueDepth reports each replication receive worker's pending
	// frame count.
	RecvQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "zp",
		Subsystem: "replication",
		Name:      "recv_queue_depth",
		Help:      "Pending frames queued for a receive worker.",
	}, []string{"worker"})

	// MetaEpoch is this node's last-known meta epoch.
	MetaEpoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zp",
		Subsystem: "metapull",
		Name:      "epoch",
		Help:      "Locally known meta epoch.",
	})

	// PartitionState reports 1 for the currently active state of each
	// partition, 0 otherwise, so an operator can chart state transitions.
	PartitionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "zp",
		Subsystem: "partition",
		Name:      "state",
		Help:      "1 if the partition is currently in this state.",
	}, []string{"table", "partition", "state"})
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(ResponseErrorsTotal)
	prometheus.MustRegister(BinlogOffset)
	prometheus.MustRegister(SendTaskLag)
	prometheus.MustRegister(RecvQueueDepth)
	prometheus.MustRegister(MetaEpoch)
	prometheus.MustRegister(PartitionState)
}
