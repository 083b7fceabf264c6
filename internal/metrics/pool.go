package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolSnapshot is the subset of pgxpool statistics exported on scrape.
type poolSnapshot struct {
	acquired     int32
	idle         int32
	total        int32
	max          int32
	acquires     int64
	emptyAcquire int64
	canceled     int64
	waitSeconds  float64
}

func snapshotOf(stat *pgxpool.Stat) poolSnapshot {
	return poolSnapshot{
		acquired:     stat.AcquiredConns(),
		idle:         stat.IdleConns(),
		total:        stat.TotalConns(),
		max:          stat.MaxConns(),
		acquires:     stat.AcquireCount(),
		emptyAcquire: stat.EmptyAcquireCount(),
		canceled:     stat.CanceledAcquireCount(),
		waitSeconds:  stat.AcquireDuration().Seconds(),
	}
}

type poolCollector struct {
	stat func() poolSnapshot

	acquired     *prometheus.Desc
	idle         *prometheus.Desc
	total        *prometheus.Desc
	max          *prometheus.Desc
	acquires     *prometheus.Desc
	emptyAcquire *prometheus.Desc
	canceled     *prometheus.Desc
	waitSeconds  *prometheus.Desc
}

func newPoolCollector(stat func() poolSnapshot) *poolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("discountfn_db_pool_"+name, help, nil, nil)
	}
	return &poolCollector{
		stat:         stat,
		acquired:     desc("acquired", "Number of currently acquired database connections."),
		idle:         desc("idle", "Number of idle database connections in the pool."),
		total:        desc("total", "Total number of database connections in the pool."),
		max:          desc("max", "Maximum number of database connections allowed in the pool."),
		acquires:     desc("acquires_total", "Successful connection acquisitions."),
		emptyAcquire: desc("empty_acquires_total", "Acquisitions that had to wait for a connection."),
		canceled:     desc("canceled_acquires_total", "Acquisitions cancelled by their context."),
		waitSeconds:  desc("acquire_wait_seconds_total", "Cumulative time spent acquiring connections."),
	}
}

// RegisterPoolMetrics exports live pgxpool statistics on every scrape. The
// discount cache reloads and the event outbox share this pool, so acquire
// waits show up here first when Postgres falls behind.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(newPoolCollector(func() poolSnapshot { return snapshotOf(pool.Stat()) }))
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.acquired, c.idle, c.total, c.max,
		c.acquires, c.emptyAcquire, c.canceled, c.waitSeconds,
	} {
		ch <- d
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stat()

	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}

	gauge(c.acquired, float64(s.acquired))
	gauge(c.idle, float64(s.idle))
	gauge(c.total, float64(s.total))
	gauge(c.max, float64(s.max))
	counter(c.acquires, float64(s.acquires))
	counter(c.emptyAcquire, float64(s.emptyAcquire))
	counter(c.canceled, float64(s.canceled))
	counter(c.waitSeconds, s.waitSeconds)
}
