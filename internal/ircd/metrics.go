package ircd

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the process's Prometheus collectors (spec.md §11,
// additive observability; the spec's Non-goals exclude an HTTP
// application surface, not a read-only metrics endpoint).
type Metrics struct {
	ClientCount  prometheus.Gauge
	UserCount    prometheus.Gauge
	ServerCount  prometheus.Gauge
	ChannelCount prometheus.Gauge
	OperCount    prometheus.Gauge
	SplitMode    prometheus.Gauge

	MessagesIn  prometheus.Counter
	MessagesOut prometheus.Counter
	KillCount   prometheus.Counter
	KLineCount  prometheus.Counter
}

// NewMetrics registers and returns the collector set. Callers serve it
// with promhttp on a dedicated listener (cmd/catboxd).
func NewMetrics() *Metrics {
	m := &Metrics{
		ClientCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catboxd_clients", Help: "Locally connected clients.",
		}),
		UserCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catboxd_users", Help: "Known users, local and remote.",
		}),
		ServerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catboxd_servers", Help: "Known linked servers.",
		}),
		ChannelCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catboxd_channels", Help: "Known channels.",
		}),
		OperCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catboxd_opers", Help: "Users with oper privileges.",
		}),
		SplitMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catboxd_split_mode", Help: "1 if the network is considered split.",
		}),
		MessagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catboxd_messages_in_total", Help: "Protocol messages received.",
		}),
		MessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catboxd_messages_out_total", Help: "Protocol messages sent.",
		}),
		KillCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catboxd_kills_total", Help: "KILLs issued.",
		}),
		KLineCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catboxd_klines_total", Help: "Active K-lines.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.ClientCount, m.UserCount, m.ServerCount, m.ChannelCount,
		m.OperCount, m.SplitMode, m.MessagesIn, m.MessagesOut,
		m.KillCount, m.KLineCount,
	} {
		_ = prometheus.Register(c)
	}

	return m
}
