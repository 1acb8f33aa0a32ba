// Package kmetrics adapts the teacher's zero-cost-when-disabled counter
// idiom (biscuit's stats package) into Prometheus gauges/counters plus a
// streaming latency histogram, so the scheduler and frame allocator can
// expose runqueue depth, context-switch counts, and allocation latency
// without paying for it when metrics are disabled.
package kmetrics

import (
	"sync/atomic"

	"github.com/VividCortex/gohistogram"
	"github.com/prometheus/client_golang/prometheus"
)

/// Enabled gates all metric recording, mirroring stats.Stats/stats.Timing
/// in the teacher: false by default so hot paths pay only a branch.
var Enabled = false

/// Counter is a lock-free statistical counter, adapted from the teacher's
/// Counter_t (biscuit/src/stats/stats.go), generalized to back a
/// Prometheus CounterVec entry instead of a reflect-walked struct dump.
type Counter struct {
	n    int64
	pcnt prometheus.Counter
}

func NewCounter(pcnt prometheus.Counter) *Counter { return &Counter{pcnt: pcnt} }

/// Inc increments the counter; a no-op unless Enabled.
func (c *Counter) Inc() {
	if !Enabled {
		return
	}
	atomic.AddInt64(&c.n, 1)
	if c.pcnt != nil {
		c.pcnt.Inc()
	}
}

func (c *Counter) Load() int64 { return atomic.LoadInt64(&c.n) }

/// Gauge wraps a prometheus.Gauge with the same enable-gate discipline.
type Gauge struct{ g prometheus.Gauge }

func NewGauge(g prometheus.Gauge) *Gauge { return &Gauge{g: g} }

func (g *Gauge) Set(v float64) {
	if !Enabled || g.g == nil {
		return
	}
	g.g.Set(v)
}

/// LatencyHistogram streams percentile estimates (VividCortex/gohistogram's
/// numerical histogram, grounded on Tingjia-0v0-SchedTest's scheduler
/// benchmarking use of the same library) for context-switch / allocation
/// latency, in addition to exporting as a Prometheus histogram.
type LatencyHistogram struct {
	nh   *gohistogram.NumericHistogram
	hist prometheus.Histogram
}

func NewLatencyHistogram(bins int, hist prometheus.Histogram) *LatencyHistogram {
	return &LatencyHistogram{nh: gohistogram.NewHistogram(bins), hist: hist}
}

func (h *LatencyHistogram) Observe(nanos float64) {
	if !Enabled {
		return
	}
	h.nh.Add(nanos)
	if h.hist != nil {
		h.hist.Observe(nanos)
	}
}

/// Quantile reports the streaming estimate for q in [0,1].
func (h *LatencyHistogram) Quantile(q float64) float64 {
	return h.nh.Quantile(q)
}

// Registry is the process-wide collector registry; subsystems register
// their own named gauges/counters/histograms against it at init time.
var Registry = prometheus.NewRegistry()
