package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	livekitNamespace string = "livekit"
)

var (
	initialized atomic.Bool

	MessageCounter          *prometheus.CounterVec
	ServiceOperationCounter *prometheus.CounterVec
)

// Init registers collectors with the default registry. Until it is called, recording functions only
// update in-process counters.
func Init(nodeID string) {
	if initialized.Load() {
		return
	}

	MessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   livekitNamespace,
			Subsystem:   "node",
			Name:        "messages",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
		[]string{"type", "status"},
	)

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   livekitNamespace,
			Subsystem:   "node",
			Name:        "service_operation",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
		[]string{"type", "status", "error_type"},
	)

	prometheus.MustRegister(MessageCounter)
	prometheus.MustRegister(ServiceOperationCounter)

	initStageStats(nodeID)
	initSystemStats(nodeID)

	initialized.Store(true)
}

func RecordServiceOperation(op, status, errorType string) {
	if !initialized.Load() {
		return
	}
	ServiceOperationCounter.WithLabelValues(op, status, errorType).Add(1)
}

func RecordMessage(kind, status string) {
	if !initialized.Load() {
		return
	}
	MessageCounter.WithLabelValues(kind, status).Add(1)
}
