// Package metrics owns the Prometheus collectors of the pipeline. Every
// collector is registered on a private registry so tests can build as many
// instances as they like.
package metrics

import (
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgeguard"

type Metrics struct {
	reg *prometheus.Registry

	Requests        *prometheus.CounterVec
	CheckDuration   *prometheus.HistogramVec
	CheckErrors     *prometheus.CounterVec
	BudgetExceeded  *prometheus.CounterVec
	FailMode        *prometheus.CounterVec
	LimiterDenied   *prometheus.CounterVec
	Detections      *prometheus.CounterVec
	L7Signals       *prometheus.CounterVec
	Terminations    *prometheus.CounterVec
	ScoreValue      prometheus.Histogram
	ScorerFailures  prometheus.Counter
	ReputationKeys  prometheus.Gauge
	Blocklisted     prometheus.Gauge
	AutoBlocks      prometheus.Counter
	Mode            *prometheus.GaugeVec
	Degraded        prometheus.Gauge
	Backpressure    prometheus.Gauge
	QueueDepth      prometheus.Gauge
	BusDropped      *prometheus.CounterVec
	AuditWrites     *prometheus.CounterVec
	ConfigReloads   *prometheus.CounterVec
	OpenConnections prometheus.Gauge
	Exported        *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests by verdict and effective classification",
		}, []string{"verdict", "classification"}),
		CheckDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Latency of each pipeline check",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
		}, []string{"check"}),
		CheckErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_errors_total",
			Help:      "Check failures by check and error kind",
		}, []string{"check", "kind"}),
		BudgetExceeded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_budget_exceeded_total",
			Help:      "Checks that overran the soft or hard budget",
		}, []string{"check", "budget"}),
		FailMode: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_mode_total",
			Help:      "Fail-mode decisions taken after a check error",
		}, []string{"family", "mode"}),
		LimiterDenied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limiter_denied_total",
			Help:      "Requests over quota by limiter family",
		}, []string{"family"}),
		Detections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "abuse_detections_total",
			Help:      "Abuse detections by detector and severity",
		}, []string{"detector", "severity"}),
		L7Signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "l7_signals_total",
			Help:      "Layer-7 signals raised",
		}, []string{"signal"}),
		Terminations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Connections closed by the detector or policy",
		}, []string{"reason"}),
		ScoreValue: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "threat_score",
			Help:      "Distribution of fused threat scores",
			Buckets:   []float64{.05, .1, .25, .5, .75, .9, 1},
		}),
		ScorerFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scorer_failures_total",
			Help:      "Scorer panics and errors recovered as benign",
		}),
		ReputationKeys: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reputation_records",
			Help:      "Live reputation records",
		}),
		Blocklisted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reputation_blocklisted",
			Help:      "Records currently carrying a blocklist tag",
		}),
		AutoBlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reputation_auto_blocks_total",
			Help:      "Keys blocklisted after crossing the threshold",
		}),
		Mode: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode",
			Help:      "1 for the active mode and level",
		}, []string{"mode", "level"}),
		Degraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded",
			Help:      "1 while the pipeline runs in degraded mode",
		}),
		Backpressure: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backpressure_active",
			Help:      "1 while non-priority traffic is shed",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stripe_queue_depth",
			Help:      "Largest number of waiters on one stripe",
		}),
		BusDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Events dropped because a subscriber queue was full",
		}, []string{"topic"}),
		AuditWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_writes_total",
			Help:      "Audit log appends by outcome",
		}, []string{"outcome"}),
		ConfigReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Config reload attempts by outcome",
		}, []string{"outcome"}),
		OpenConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Connections tracked by the layer-7 detector",
		}),
		Exported: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ban_exports_total",
			Help:      "Blocklist changes exported to the message broker",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Snapshot flattens the edgeguard counters and gauges into name{labels}
// keys for the dashboard. Histograms report their sample count.
func (m *Metrics) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	families, err := m.reg.Gather()
	if err != nil {
		return out
	}
	for _, fam := range families {
		name := fam.GetName()
		if !strings.HasPrefix(name, namespace+"_") {
			continue
		}
		name = strings.TrimPrefix(name, namespace+"_")
		for _, metric := range fam.GetMetric() {
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			sort.Strings(labels)
			key := name
			if len(labels) > 0 {
				key += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				out[key] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}
