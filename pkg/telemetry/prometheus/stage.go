// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	sessionCurrent       atomic.Int32
	sessionCreated       atomic.Uint64
	sessionDestroyed     atomic.Uint64
	glareIgnored         atomic.Uint64
	glareYielded         atomic.Uint64
	iceRestarts          atomic.Uint64
	iceRestartsExhausted atomic.Uint64
	signalsDropped       atomic.Uint64

	promSessionCurrent      prometheus.Gauge
	promSessionCounter      *prometheus.CounterVec
	promSignalCounter       *prometheus.CounterVec
	promNegotiationCounter  *prometheus.CounterVec
	promICERestartCounter   *prometheus.CounterVec
	promTrackPublishCounter *prometheus.CounterVec
	promRemoteTrackCounter  *prometheus.CounterVec
)

func initStageStats(nodeID string) {
	promSessionCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   livekitNamespace,
		Subsystem:   "stage",
		Name:        "peer_sessions",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promSessionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   livekitNamespace,
		Subsystem:   "stage",
		Name:        "peer_session_events",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"event"})
	promSignalCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   livekitNamespace,
		Subsystem:   "stage",
		Name:        "signals",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"direction", "kind", "status"})
	promNegotiationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   livekitNamespace,
		Subsystem:   "stage",
		Name:        "negotiations",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"step", "status"})
	promICERestartCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   livekitNamespace,
		Subsystem:   "stage",
		Name:        "ice_restarts",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"status"})
	promTrackPublishCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   livekitNamespace,
		Subsystem:   "stage",
		Name:        "track_publications",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"kind", "op", "status"})
	promRemoteTrackCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   livekitNamespace,
		Subsystem:   "stage",
		Name:        "remote_tracks",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"kind"})

	prometheus.MustRegister(promSessionCurrent)
	prometheus.MustRegister(promSessionCounter)
	prometheus.MustRegister(promSignalCounter)
	prometheus.MustRegister(promNegotiationCounter)
	prometheus.MustRegister(promICERestartCounter)
	prometheus.MustRegister(promTrackPublishCounter)
	prometheus.MustRegister(promRemoteTrackCounter)
}

func AddPeerSession() {
	sessionCurrent.Inc()
	sessionCreated.Inc()
	if initialized.Load() {
		promSessionCurrent.Add(1)
		promSessionCounter.WithLabelValues("created").Add(1)
	}
}

func SubPeerSession() {
	sessionCurrent.Dec()
	sessionDestroyed.Inc()
	if initialized.Load() {
		promSessionCurrent.Sub(1)
		promSessionCounter.WithLabelValues("destroyed").Add(1)
	}
}

// RecordSignal counts a signal message. direction is "in" or "out".
func RecordSignal(direction, kind, status string) {
	if status == "dropped" {
		signalsDropped.Inc()
	}
	if initialized.Load() {
		promSignalCounter.WithLabelValues(direction, kind, status).Add(1)
	}
}

func RecordNegotiation(step, status string) {
	switch status {
	case "glare_ignored":
		glareIgnored.Inc()
	case "glare_yield":
		glareYielded.Inc()
	}
	if initialized.Load() {
		promNegotiationCounter.WithLabelValues(step, status).Add(1)
	}
}

func RecordICERestart(exhausted bool) {
	status := "restarted"
	if exhausted {
		status = "exhausted"
		iceRestartsExhausted.Inc()
	} else {
		iceRestarts.Inc()
	}
	if initialized.Load() {
		promICERestartCounter.WithLabelValues(status).Add(1)
	}
}

func RecordTrackPublication(kind, op, status string) {
	if initialized.Load() {
		promTrackPublishCounter.WithLabelValues(kind, op, status).Add(1)
	}
}

func RecordRemoteTrack(kind string) {
	if initialized.Load() {
		promRemoteTrackCounter.WithLabelValues(kind).Add(1)
	}
}

type StageStats struct {
	SessionsCurrent      int32
	SessionsCreated      uint64
	SessionsDestroyed    uint64
	GlareIgnored         uint64
	GlareYielded         uint64
	ICERestarts          uint64
	ICERestartsExhausted uint64
	SignalsDropped       uint64
}

func GetStageStats() StageStats {
	return StageStats{
		SessionsCurrent:      sessionCurrent.Load(),
		SessionsCreated:      sessionCreated.Load(),
		SessionsDestroyed:    sessionDestroyed.Load(),
		GlareIgnored:         glareIgnored.Load(),
		GlareYielded:         glareYielded.Load(),
		ICERestarts:          iceRestarts.Load(),
		ICERestartsExhausted: iceRestartsExhausted.Load(),
		SignalsDropped:       signalsDropped.Load(),
	}
}
