// Export counters, their snapshot, and Prometheus / OTel metric bridges
package otlp

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DropReason labels why spans never reached the collector.
type DropReason string

const (
	DropQueueFull    DropReason = "queue_full"
	DropExportFailed DropReason = "export_failed"
	DropBreakerOpen  DropReason = "breaker_open"
	DropHalted       DropReason = "halted"
	DropShutdown     DropReason = "shutdown"
)

// DropReasons lists every reason in reporting order.
var DropReasons = []DropReason{DropQueueFull, DropExportFailed, DropBreakerOpen, DropHalted, DropShutdown}

// Stats is a point-in-time view of the exporter counters. Enqueued always
// equals Exported + Discarded + Pending.
type Stats struct {
	Enqueued uint64
	Exported uint64
	// Discarded counts spans dropped after they were enqueued.
	Discarded uint64
	// Pending counts spans queued or held in a batch.
	Pending uint64
	Batches uint64
	Retries uint64
	Dropped map[DropReason]uint64
	Halted  bool
	Breaker string
}

// TotalDropped sums drops across all reasons.
func (s Stats) TotalDropped() uint64 {
	var n uint64
	for _, v := range s.Dropped {
		n += v
	}
	return n
}

type counters struct {
	enqueued  atomic.Uint64
	exported  atomic.Uint64
	discarded atomic.Uint64
	batches   atomic.Uint64
	retries   atomic.Uint64
	dropped   map[DropReason]*atomic.Uint64
}

func newCounters() *counters {
	c := &counters{dropped: make(map[DropReason]*atomic.Uint64, len(DropReasons))}
	for _, r := range DropReasons {
		c.dropped[r] = new(atomic.Uint64)
	}
	return c
}

// drop counts spans rejected before they entered the queue.
func (c *counters) drop(reason DropReason, n uint64) {
	c.dropped[reason].Add(n)
}

// discard counts spans lost after they entered the queue.
func (c *counters) discard(reason DropReason, n uint64) {
	c.dropped[reason].Add(n)
	c.discarded.Add(n)
}

func (c *counters) snapshot() Stats {
	exported := c.exported.Load()
	discarded := c.discarded.Load()
	s := Stats{
		Enqueued:  c.enqueued.Load(),
		Exported:  exported,
		Discarded: discarded,
		Batches:   c.batches.Load(),
		Retries:   c.retries.Load(),
		Dropped:   make(map[DropReason]uint64, len(DropReasons)),
	}
	if done := exported + discarded; s.Enqueued > done {
		s.Pending = s.Enqueued - done
	}
	for r, v := range c.dropped {
		s.Dropped[r] = v.Load()
	}
	return s
}

type statsSource interface {
	Stats() Stats
}

// StatsCollector exposes exporter counters to a Prometheus registry.
type StatsCollector struct {
	src      statsSource
	enqueued *prometheus.Desc
	exported *prometheus.Desc
	dropped  *prometheus.Desc
	pending  *prometheus.Desc
	batches  *prometheus.Desc
	retries  *prometheus.Desc
	halted   *prometheus.Desc
}

// NewStatsCollector returns a collector reading from exp on every scrape.
func NewStatsCollector(exp *Exporter) *StatsCollector {
	return newStatsCollector(exp)
}

func newStatsCollector(src statsSource) *StatsCollector {
	const ns = "actiontrace_export"
	return &StatsCollector{
		src:      src,
		enqueued: prometheus.NewDesc(ns+"_enqueued_spans_total", "Spans accepted into the export queue.", nil, nil),
		exported: prometheus.NewDesc(ns+"_exported_spans_total", "Spans acknowledged by the collector.", nil, nil),
		dropped:  prometheus.NewDesc(ns+"_dropped_spans_total", "Spans that were never exported, by reason.", []string{"reason"}, nil),
		pending:  prometheus.NewDesc(ns+"_pending_spans", "Spans queued or held in a batch.", nil, nil),
		batches:  prometheus.NewDesc(ns+"_batches_total", "Batches exported successfully.", nil, nil),
		retries:  prometheus.NewDesc(ns+"_retries_total", "Export attempts retried after a transient error.", nil, nil),
		halted:   prometheus.NewDesc(ns+"_halted", "1 when export has halted on a fatal error.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.enqueued
	ch <- c.exported
	ch <- c.dropped
	ch <- c.pending
	ch <- c.batches
	ch <- c.retries
	ch <- c.halted
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.enqueued, prometheus.CounterValue, float64(s.Enqueued))
	ch <- prometheus.MustNewConstMetric(c.exported, prometheus.CounterValue, float64(s.Exported))
	for _, r := range DropReasons {
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.Dropped[r]), string(r))
	}
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.Pending))
	ch <- prometheus.MustNewConstMetric(c.batches, prometheus.CounterValue, float64(s.Batches))
	ch <- prometheus.MustNewConstMetric(c.retries, prometheus.CounterValue, float64(s.Retries))
	halted := 0.0
	if s.Halted {
		halted = 1
	}
	ch <- prometheus.MustNewConstMetric(c.halted, prometheus.GaugeValue, halted)
}

// RegisterMetrics publishes exporter counters as OTel observable
// instruments on meter. Unregister the returned registration before
// discarding the exporter.
func RegisterMetrics(meter metric.Meter, exp *Exporter) (metric.Registration, error) {
	return registerMetrics(meter, exp)
}

func registerMetrics(meter metric.Meter, src statsSource) (metric.Registration, error) {
	enqueued, err := meter.Int64ObservableCounter("actiontrace.export.enqueued",
		metric.WithDescription("Spans accepted into the export queue"))
	if err != nil {
		return nil, err
	}
	exported, err := meter.Int64ObservableCounter("actiontrace.export.exported",
		metric.WithDescription("Spans acknowledged by the collector"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64ObservableCounter("actiontrace.export.dropped",
		metric.WithDescription("Spans that were never exported"))
	if err != nil {
		return nil, err
	}
	pending, err := meter.Int64ObservableGauge("actiontrace.export.pending",
		metric.WithDescription("Spans queued or held in a batch"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64ObservableCounter("actiontrace.export.retries",
		metric.WithDescription("Export attempts retried after a transient error"))
	if err != nil {
		return nil, err
	}

	reasonAttrs := make(map[DropReason]metric.ObserveOption, len(DropReasons))
	for _, r := range DropReasons {
		reasonAttrs[r] = metric.WithAttributes(attribute.String("reason", string(r)))
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := src.Stats()
		o.ObserveInt64(enqueued, clampInt64(s.Enqueued))
		o.ObserveInt64(exported, clampInt64(s.Exported))
		o.ObserveInt64(pending, clampInt64(s.Pending))
		o.ObserveInt64(retries, clampInt64(s.Retries))
		for _, r := range DropReasons {
			o.ObserveInt64(dropped, clampInt64(s.Dropped[r]), reasonAttrs[r])
		}
		return nil
	}, enqueued, exported, dropped, pending, retries)
}

func clampInt64(v uint64) int64 {
	if v > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(v)
}
