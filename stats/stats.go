// Package stats holds the daemon's process-wide atomic counters:
// operations initiated/completed, live connections, and bind outcome
// counters. It is
// also the Prometheus collector used by adminhttp and the data source for
// the cn=monitor synthesized entries in fedse.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the single process-wide counter set.
type Registry struct {
	OpsInitiated      atomic.Int64
	OpsCompleted      atomic.Int64
	NumConns          atomic.Int64
	BindSecurityError atomic.Int64
	SimpleBinds       atomic.Int64
	StrongBinds       atomic.Int64
	AnonymousBinds    atomic.Int64
	UnauthBinds       atomic.Int64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Snapshot is a point-in-time copy suitable for JSON/LDIF rendering.
type Snapshot struct {
	OpsInitiated      int64 `json:"opsInitiated"`
	OpsCompleted      int64 `json:"opsCompleted"`
	NumConns          int64 `json:"numConns"`
	BindSecurityError int64 `json:"bindSecurityErrors"`
	SimpleBinds       int64 `json:"simpleBinds"`
	StrongBinds       int64 `json:"strongBinds"`
	AnonymousBinds    int64 `json:"anonymousBinds"`
	UnauthBinds       int64 `json:"unauthBinds"`
}

func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		OpsInitiated:      r.OpsInitiated.Load(),
		OpsCompleted:      r.OpsCompleted.Load(),
		NumConns:          r.NumConns.Load(),
		BindSecurityError: r.BindSecurityError.Load(),
		SimpleBinds:       r.SimpleBinds.Load(),
		StrongBinds:       r.StrongBinds.Load(),
		AnonymousBinds:    r.AnonymousBinds.Load(),
		UnauthBinds:       r.UnauthBinds.Load(),
	}
}

// Collector adapts Registry to prometheus.Collector so it can be
// registered once with adminhttp's registry.
type Collector struct {
	reg *Registry

	opsInitiated      *prometheus.Desc
	opsCompleted      *prometheus.Desc
	numConns          *prometheus.Desc
	bindSecurityError *prometheus.Desc
	simpleBinds       *prometheus.Desc
	strongBinds       *prometheus.Desc
	anonymousBinds    *prometheus.Desc
	unauthBinds       *prometheus.Desc
}

func NewCollector(r *Registry) *Collector {
	ns := "ldapd"
	return &Collector{
		reg:               r,
		opsInitiated:      prometheus.NewDesc(ns+"_ops_initiated_total", "operations initiated", nil, nil),
		opsCompleted:      prometheus.NewDesc(ns+"_ops_completed_total", "operations completed", nil, nil),
		numConns:          prometheus.NewDesc(ns+"_connections", "current live connections", nil, nil),
		bindSecurityError: prometheus.NewDesc(ns+"_bind_security_errors_total", "bind security errors", nil, nil),
		simpleBinds:       prometheus.NewDesc(ns+"_simple_binds_total", "simple binds", nil, nil),
		strongBinds:       prometheus.NewDesc(ns+"_strong_binds_total", "strong (SASL) binds", nil, nil),
		anonymousBinds:    prometheus.NewDesc(ns+"_anonymous_binds_total", "anonymous binds", nil, nil),
		unauthBinds:       prometheus.NewDesc(ns+"_unauth_binds_total", "unauthenticated binds", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.opsInitiated
	ch <- c.opsCompleted
	ch <- c.numConns
	ch <- c.bindSecurityError
	ch <- c.simpleBinds
	ch <- c.strongBinds
	ch <- c.anonymousBinds
	ch <- c.unauthBinds
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.reg.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.opsInitiated, prometheus.CounterValue, float64(s.OpsInitiated))
	ch <- prometheus.MustNewConstMetric(c.opsCompleted, prometheus.CounterValue, float64(s.OpsCompleted))
	ch <- prometheus.MustNewConstMetric(c.numConns, prometheus.GaugeValue, float64(s.NumConns))
	ch <- prometheus.MustNewConstMetric(c.bindSecurityError, prometheus.CounterValue, float64(s.BindSecurityError))
	ch <- prometheus.MustNewConstMetric(c.simpleBinds, prometheus.CounterValue, float64(s.SimpleBinds))
	ch <- prometheus.MustNewConstMetric(c.strongBinds, prometheus.CounterValue, float64(s.StrongBinds))
	ch <- prometheus.MustNewConstMetric(c.anonymousBinds, prometheus.CounterValue, float64(s.AnonymousBinds))
	ch <- prometheus.MustNewConstMetric(c.unauthBinds, prometheus.CounterValue, float64(s.UnauthBinds))
}
