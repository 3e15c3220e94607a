package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/callctl/internal/callcontrol"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsProvider exposes the call-control context counters.
type StatsProvider interface {
	Stats() callcontrol.Stats
}

// CDRReasonCounter returns stored call records grouped by end reason.
type CDRReasonCounter interface {
	CountByReason(ctx context.Context) (map[string]int64, error)
}

// ClientCounter returns the number of connected event feed clients.
type ClientCounter interface {
	ClientCount() int
}

// Collector is a prometheus.Collector that gathers callctl metrics at scrape time.
type Collector struct {
	stats     StatsProvider
	cdrs      CDRReasonCounter
	clients   ClientCounter
	startTime time.Time

	// Metric descriptors.
	activeCallsDesc   *prometheus.Desc
	queueDepthDesc    *prometheus.Desc
	queueCapacityDesc *prometheus.Desc
	droppedDesc       *prometheus.Desc
	clearedDesc       *prometheus.Desc
	registrationDesc  *prometheus.Desc
	cdrRecordsDesc    *prometheus.Desc
	feedClientsDesc   *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. cdrs and clients may be nil
// if unavailable.
func NewCollector(
	stats StatsProvider,
	cdrs CDRReasonCounter,
	clients ClientCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		stats:     stats,
		cdrs:      cdrs,
		clients:   clients,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"callctl_active_calls",
			"Number of calls not yet cleared",
			nil, nil,
		),
		queueDepthDesc: prometheus.NewDesc(
			"callctl_queue_depth",
			"Messages waiting in the context queue",
			nil, nil,
		),
		queueCapacityDesc: prometheus.NewDesc(
			"callctl_queue_capacity",
			"Capacity of the context queue",
			nil, nil,
		),
		droppedDesc: prometheus.NewDesc(
			"callctl_queue_dropped_total",
			"Messages dropped because the queue was full",
			nil, nil,
		),
		clearedDesc: prometheus.NewDesc(
			"callctl_calls_cleared_total",
			"Calls cleared since the context was initialised",
			[]string{"reason"}, nil,
		),
		registrationDesc: prometheus.NewDesc(
			"callctl_registration_state",
			"Registrations by registrar, 1 for the current state",
			[]string{"registrar", "state"}, nil,
		),
		cdrRecordsDesc: prometheus.NewDesc(
			"callctl_cdr_records",
			"Stored call detail records",
			[]string{"reason"}, nil,
		),
		feedClientsDesc: prometheus.NewDesc(
			"callctl_event_feed_clients",
			"Connected websocket event feed clients",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callctl_uptime_seconds",
			"Seconds since the callctl process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.queueDepthDesc
	ch <- c.queueCapacityDesc
	ch <- c.droppedDesc
	ch <- c.clearedDesc
	ch <- c.registrationDesc
	ch <- c.cdrRecordsDesc
	ch <- c.feedClientsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.stats != nil {
		s := c.stats.Stats()
		ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue, float64(s.ActiveCalls))
		ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(s.QueueDepth))
		ch <- prometheus.MustNewConstMetric(c.queueCapacityDesc, prometheus.GaugeValue, float64(s.QueueCapacity))
		ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(s.Dropped))
		for reason, n := range s.Cleared {
			ch <- prometheus.MustNewConstMetric(
				c.clearedDesc, prometheus.CounterValue,
				float64(n), reason.String(),
			)
		}
		for registrar, state := range s.Registrations {
			ch <- prometheus.MustNewConstMetric(
				c.registrationDesc, prometheus.GaugeValue,
				1, registrar, state.String(),
			)
		}
	}

	// Stored records by end reason.
	if c.cdrs != nil {
		counts, err := c.cdrs.CountByReason(ctx)
		if err != nil {
			slog.Error("metrics: failed to count cdrs by reason", "error", err)
		} else {
			for reason, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.cdrRecordsDesc, prometheus.GaugeValue,
					float64(n), reason,
				)
			}
		}
	}

	if c.clients != nil {
		ch <- prometheus.MustNewConstMetric(
			c.feedClientsDesc, prometheus.GaugeValue,
			float64(c.clients.ClientCount()),
		)
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
