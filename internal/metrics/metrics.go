// Package metrics holds the Prometheus collectors of the engine.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentientflow"

// Collector wraps the engine's metric vectors and their registry.
type Collector struct {
	registry *prometheus.Registry

	Dispatches       *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	ChainFailures    *prometheus.CounterVec
	NodeRuns         *prometheus.CounterVec
	Deployments      *prometheus.CounterVec
	ActiveRoutes     prometheus.Gauge
	ActiveStacks     prometheus.Gauge
}

// New creates a collector with its own registry, including Go runtime
// and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Total number of dispatch invocations",
		}, []string{"style", "status"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from dispatch entry until every chain completed",
			Buckets:   prometheus.DefBuckets,
		}, []string{"style"}),
		ChainFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_failures_total",
			Help:      "Chains aborted by a controller failure",
		}, []string{"flow"}),
		NodeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_runs_total",
			Help:      "Node visits by kind and outcome (executed, shared, skipped, failed)",
		}, []string{"kind", "outcome"}),
		Deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Deploy attempts by status",
		}, []string{"status"}),
		ActiveRoutes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_routes",
			Help:      "Dispatch keys in the active routing table",
		}),
		ActiveStacks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_stacks",
			Help:      "Compiled stacks in the active routing table",
		}),
	}
	reg.MustRegister(
		c.Dispatches,
		c.DispatchDuration,
		c.ChainFailures,
		c.NodeRuns,
		c.Deployments,
		c.ActiveRoutes,
		c.ActiveStacks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveDispatch records one finished invocation.
func (c *Collector) ObserveDispatch(style string, failed bool, d time.Duration) {
	if c == nil {
		return
	}
	status := "ok"
	if failed {
		status = "partial_failure"
	}
	c.Dispatches.WithLabelValues(style, status).Inc()
	c.DispatchDuration.WithLabelValues(style).Observe(d.Seconds())
}

// ChainFailed counts an aborted chain.
func (c *Collector) ChainFailed(flowName string) {
	if c == nil {
		return
	}
	c.ChainFailures.WithLabelValues(flowName).Inc()
}

// NodeVisited counts one node visit.
func (c *Collector) NodeVisited(kind, outcome string) {
	if c == nil {
		return
	}
	c.NodeRuns.WithLabelValues(kind, outcome).Inc()
}

// Deployed records a deploy attempt and, on success, the new table size.
func (c *Collector) Deployed(ok bool, routes, stacks int) {
	if c == nil {
		return
	}
	if !ok {
		c.Deployments.WithLabelValues("failed").Inc()
		return
	}
	c.Deployments.WithLabelValues("ok").Inc()
	c.ActiveRoutes.Set(float64(routes))
	c.ActiveStacks.Set(float64(stacks))
}

// GaugeFunc registers a gauge read from fn at scrape time.
func (c *Collector) GaugeFunc(name, help string, fn func() float64) {
	if c == nil {
		return
	}
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// CounterFunc registers a counter read from fn at scrape time.
func (c *Collector) CounterFunc(name, help string, fn func() float64) {
	if c == nil {
		return
	}
	c.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// BuildInfo exports the running version as a constant gauge.
func (c *Collector) BuildInfo(version string) {
	if c == nil {
		return
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build version of the running engine",
		ConstLabels: prometheus.Labels{"version": version},
	})
	g.Set(1)
	c.registry.MustRegister(g)
}
