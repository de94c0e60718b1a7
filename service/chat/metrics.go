package chat

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ppgate"

type Metrics struct {
	routed          *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	presenceNotices prometheus.Counter
	relayed         *prometheus.CounterVec
	sessions        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_routed_total",
			Help:      "Messages accepted by the router, by target kind and result.",
		}, []string{"kind", "result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Per-handle frame deliveries, by result.",
		}, []string{"result"}),
		presenceNotices: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "presence_notices_total",
			Help:      "Presence transitions announced to contacts.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relay_envelopes_total",
			Help:      "Envelopes exchanged with other gateway processes.",
		}, []string{"direction", "result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_closed_total",
			Help:      "Closed sessions by final state before close.",
		}, []string{"state"}),
	}
}

// Register 注册计数器以及基于 Registry 的在线数 gauge
func (m *Metrics) Register(r prometheus.Registerer, reg *Registry) error {
	cs := []prometheus.Collector{m.routed, m.deliveries, m.presenceNotices, m.relayed, m.sessions}
	if reg != nil {
		cs = append(cs,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "online_users",
				Help:      "Users with at least one live connection.",
			}, func() float64 { u, _ := reg.Stats(); return float64(u) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "live_connections",
				Help:      "Registered live connection handles.",
			}, func() float64 { _, h := reg.Stats(); return float64(h) }),
		)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
