package util

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "vlessgate"

// RegisterMetrics exposes the Stats counters on reg. The collectors read the
// atomics at scrape time, so nothing else needs to be kept in sync.
func RegisterMetrics(reg prometheus.Registerer) error {
	counter := func(name, help string, load func() int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(load()) })
	}

	collectors := []prometheus.Collector{
		counter("sessions_opened_total", "Tunnel sessions accepted.", Stats.Opened.Load),
		counter("sessions_closed_total", "Tunnel sessions finished.", Stats.Closed.Load),
		counter("bytes_up_total", "Bytes forwarded from clients to destinations.", Stats.BytesUp.Load),
		counter("bytes_down_total", "Bytes forwarded from destinations to clients.", Stats.BytesDown.Load),
		counter("doh_queries_total", "DNS queries relayed to the DoH resolver.", Stats.DoHQueries.Load),
		counter("doh_failures_total", "DNS queries the DoH resolver did not answer.", Stats.DoHFailures.Load),
		counter("outbound_retries_total", "Outbound connection attempts beyond the first.", Stats.Retries.Load),
		counter("unauthorized_total", "Sessions rejected for an unknown or expired credential.", Stats.Unauthorized.Load),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Tunnel sessions currently open.",
		}, func() float64 { return float64(Stats.Active()) }),
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
