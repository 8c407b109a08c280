package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thesyncim/googcc/pkg/bwe"
)

const metricsNamespace = "googcc"

type metrics struct {
	sessions      prometheus.Gauge
	targetRate    *prometheus.GaugeVec
	pacingRate    *prometheus.GaugeVec
	paddingRate   *prometheus.GaugeVec
	rtt           *prometheus.GaugeVec
	lossRatio     *prometheus.GaugeVec
	probeClusters *prometheus.CounterVec
	probeBitrate  prometheus.Histogram
	packetsSent   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions",
			Help:      "Connected peer connections.",
		}),
		targetRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "controller",
			Name:      "target_bps",
			Help:      "Target transfer rate.",
		}, []string{"session"}),
		pacingRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pacer",
			Name:      "rate_bps",
			Help:      "Pacing rate.",
		}, []string{"session"}),
		paddingRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pacer",
			Name:      "padding_bps",
			Help:      "Padding rate.",
		}, []string{"session"}),
		rtt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "controller",
			Name:      "rtt_seconds",
			Help:      "Round trip time of the network estimate.",
		}, []string{"session"}),
		lossRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "controller",
			Name:      "loss_ratio",
			Help:      "Loss ratio of the network estimate.",
		}, []string{"session"}),
		probeClusters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "probe",
			Name:      "clusters_total",
			Help:      "Probe clusters requested by the controller.",
		}, []string{"session"}),
		probeBitrate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "probe",
			Name:      "target_bps",
			Help:      "Target rate of requested probe clusters.",
			Buckets:   prometheus.ExponentialBuckets(100_000, 2, 8),
		}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sender",
			Name:      "packets_total",
			Help:      "RTP packets written to the video track.",
		}, []string{"session"}),
	}
	for _, c := range []prometheus.Collector{
		m.sessions, m.targetRate, m.pacingRate, m.paddingRate, m.rtt,
		m.lossRatio, m.probeClusters, m.probeBitrate, m.packetsSent,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) recordTarget(id string, t bwe.TargetTransferRate) {
	m.targetRate.WithLabelValues(id).Set(t.TargetRate.BpsFloat())
	if rtt := t.NetworkEstimate.RoundTripTime; rtt.IsFinite() {
		m.rtt.WithLabelValues(id).Set(rtt.SecondsFloat())
	}
	m.lossRatio.WithLabelValues(id).Set(t.NetworkEstimate.LossRateRatio)
}

func (m *metrics) recordPacer(id string, p bwe.PacerConfig) {
	m.pacingRate.WithLabelValues(id).Set(p.DataRate.BpsFloat())
	m.paddingRate.WithLabelValues(id).Set(p.PadRate.BpsFloat())
}

func (m *metrics) recordProbe(id string, p bwe.ProbeClusterConfig) {
	m.probeClusters.WithLabelValues(id).Inc()
	m.probeBitrate.Observe(p.TargetDataRate.BpsFloat())
}

func (m *metrics) forget(id string) {
	m.targetRate.DeleteLabelValues(id)
	m.pacingRate.DeleteLabelValues(id)
	m.paddingRate.DeleteLabelValues(id)
	m.rtt.DeleteLabelValues(id)
	m.lossRatio.DeleteLabelValues(id)
	m.probeClusters.DeleteLabelValues(id)
	m.packetsSent.DeleteLabelValues(id)
}
