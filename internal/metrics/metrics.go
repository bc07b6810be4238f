// Package metrics exposes connection engine counters to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry    *prometheus.Registry
	attempts    *prometheus.CounterVec
	authMech    *prometheus.CounterVec
	stanzasSent *prometheus.CounterVec
	acked       prometheus.Counter
	resent      prometheus.Counter
	failed      prometheus.Counter
	resumptions *prometheus.CounterVec
	spoofed     prometheus.Counter
	toOnline    prometheus.Histogram
	pendingIQs  *prometheus.GaugeVec
	online      *prometheus.GaugeVec
}

func New(namespace string) *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry:    r,
		attempts:    prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "connection_attempts_total"}, []string{"status"}),
		authMech:    prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "auth_mechanism_total"}, []string{"mechanism", "fast"}),
		stanzasSent: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "stanzas_sent_total"}, []string{"kind"}),
		acked:       prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "stanzas_acked_total"}),
		resent:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "stanzas_resent_total"}),
		failed:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "messages_failed_total"}),
		resumptions: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "sm_resumptions_total"}, []string{"result"}),
		spoofed:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "iq_spoofed_total"}),
		toOnline: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_online_seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		pendingIQs: prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "iq_pending"}, []string{"account"}),
		online:     prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "account_online"}, []string{"account"}),
	}
	r.MustRegister(m.attempts, m.authMech, m.stanzasSent, m.acked, m.resent, m.failed,
		m.resumptions, m.spoofed, m.toOnline, m.pendingIQs, m.online)
	return m
}

// Attempt counts a finished connection attempt by its outcome.
func (m *Metrics) Attempt(status string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(status).Inc()
}

func (m *Metrics) Authenticated(mechanism string, fast bool) {
	if m == nil {
		return
	}
	label := "false"
	if fast {
		label = "true"
	}
	m.authMech.WithLabelValues(mechanism, label).Inc()
}

func (m *Metrics) Sent(kind string) {
	if m == nil {
		return
	}
	m.stanzasSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) Acked(n int) {
	if m == nil {
		return
	}
	m.acked.Add(float64(n))
}

func (m *Metrics) Resent(n int) {
	if m == nil {
		return
	}
	m.resent.Add(float64(n))
}

func (m *Metrics) MessagesFailed(n int) {
	if m == nil {
		return
	}
	m.failed.Add(float64(n))
}

func (m *Metrics) Resumption(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "resumed"
	}
	m.resumptions.WithLabelValues(result).Inc()
}

func (m *Metrics) Spoofed() {
	if m == nil {
		return
	}
	m.spoofed.Inc()
}

// Online records the account going online after connecting at since.
func (m *Metrics) Online(account string, since time.Time) {
	if m == nil {
		return
	}
	m.toOnline.Observe(time.Since(since).Seconds())
	m.online.WithLabelValues(account).Set(1)
}

func (m *Metrics) Offline(account string) {
	if m == nil {
		return
	}
	m.online.WithLabelValues(account).Set(0)
}

func (m *Metrics) PendingIQs(account string, n int) {
	if m == nil {
		return
	}
	m.pendingIQs.WithLabelValues(account).Set(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
