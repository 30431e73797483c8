// Package metrics exposes process metrics as a prometheus.Collector that
// queries its providers at scrape time.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of non-terminal calls.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// EndReasonCounter exposes how many calls finished with each end reason.
type EndReasonCounter interface {
	EndReasonCounts() map[string]int64
}

// StreamStatsProvider exposes live media-stream counts.
type StreamStatsProvider interface {
	ActiveStreams() int
}

// Collector gathers call and bridge metrics at scrape time. Any provider may
// be nil if unavailable.
type Collector struct {
	calls     ActiveCallsProvider
	reasons   EndReasonCounter
	streams   StreamStatsProvider
	startTime time.Time

	activeCallsDesc   *prometheus.Desc
	callsEndedDesc    *prometheus.Desc
	activeStreamsDesc *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a metrics collector.
func NewCollector(calls ActiveCallsProvider, reasons EndReasonCounter, streams StreamStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		calls:     calls,
		reasons:   reasons,
		streams:   streams,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"supercall_active_calls",
			"Number of currently active (non-terminal) calls",
			nil, nil,
		),
		callsEndedDesc: prometheus.NewDesc(
			"supercall_calls_ended_total",
			"Calls finished since process start, by end reason",
			[]string{"reason"}, nil,
		),
		activeStreamsDesc: prometheus.NewDesc(
			"supercall_media_streams_active",
			"Number of live carrier media streams",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"supercall_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.callsEndedDesc
	ch <- c.activeStreamsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.ActiveCallCount()),
		)
	}

	if c.reasons != nil {
		for reason, count := range c.reasons.EndReasonCounts() {
			ch <- prometheus.MustNewConstMetric(
				c.callsEndedDesc, prometheus.CounterValue,
				float64(count), reason,
			)
		}
	}

	if c.streams != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeStreamsDesc, prometheus.GaugeValue,
			float64(c.streams.ActiveStreams()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
