package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/snarg/scribe/internal/queue"
)

// QueueStats provides the collector access to queue state.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Counts, error)
	Dropped() int64
	Workers() int
}

// SubscriberCounter reports live SSE subscribers.
type SubscriberCounter interface {
	Subscribers() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool   *pgxpool.Pool
	queue  QueueStats
	stream SubscriberCounter

	queueEntries    *prometheus.Desc
	queueWorkers    *prometheus.Desc
	eventsDropped   *prometheus.Desc
	sseSubscribers  *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil when no database is configured (metrics report 0).
// stream may be nil.
func NewCollector(pool *pgxpool.Pool, q QueueStats, stream SubscriberCounter) *Collector {
	return &Collector{
		pool:   pool,
		queue:  q,
		stream: stream,
		queueEntries: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "entries"),
			"Queue entries by bucket.",
			[]string{"bucket"}, nil,
		),
		queueWorkers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "workers"),
			"Configured queue workers.",
			nil, nil,
		),
		eventsDropped: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "events_dropped_total"),
			"Lifecycle events dropped because the dispatcher buffer was full.",
			nil, nil,
		),
		sseSubscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sse_subscribers_active"),
			"Current number of SSE subscribers.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueEntries
	ch <- c.queueWorkers
	ch <- c.eventsDropped
	ch <- c.sseSubscribers
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		counts, err := c.queue.Stats(ctx)
		cancel()
		if err == nil {
			for bucket, n := range map[queue.Bucket]int{
				queue.BucketWaiting:   counts.Waiting,
				queue.BucketActive:    counts.Active,
				queue.BucketDelayed:   counts.Delayed,
				queue.BucketCompleted: counts.Completed,
				queue.BucketFailed:    counts.Failed,
			} {
				ch <- prometheus.MustNewConstMetric(c.queueEntries, prometheus.GaugeValue, float64(n), string(bucket))
			}
		}
		ch <- prometheus.MustNewConstMetric(c.queueWorkers, prometheus.GaugeValue, float64(c.queue.Workers()))
		ch <- prometheus.MustNewConstMetric(c.eventsDropped, prometheus.CounterValue, float64(c.queue.Dropped()))
	}

	subs := 0
	if c.stream != nil {
		subs = c.stream.Subscribers()
	}
	ch <- prometheus.MustNewConstMetric(c.sseSubscribers, prometheus.GaugeValue, float64(subs))

	// Database pool stats
	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
