package database

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollector exports pgxpool statistics so connection starvation under
// fast-mode fan-out shows up next to the batch metrics.
type PoolCollector struct {
	pool *pgxpool.Pool

	acquired  *prometheus.Desc
	idle      *prometheus.Desc
	total     *prometheus.Desc
	max       *prometheus.Desc
	waits     *prometheus.Desc
	waitTotal *prometheus.Desc
}

func NewPoolCollector(pool *pgxpool.Pool, app string) *PoolCollector {
	labels := prometheus.Labels{"app": app}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("kull", "postgres", name), help, nil, labels)
	}
	return &PoolCollector{
		pool:      pool,
		acquired:  desc("conns_acquired", "Connections currently checked out of the pool."),
		idle:      desc("conns_idle", "Idle connections held by the pool."),
		total:     desc("conns_total", "Connections open, acquired or idle."),
		max:       desc("conns_max", "Configured pool ceiling."),
		waits:     desc("acquire_waits_total", "Acquires that had to wait for a free connection."),
		waitTotal: desc("acquire_wait_seconds_total", "Time spent waiting for a free connection."),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.idle
	ch <- c.total
	ch <- c.max
	ch <- c.waits
	ch <- c.waitTotal
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(s.EmptyAcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.waitTotal, prometheus.CounterValue, s.EmptyAcquireWaitTime().Seconds())
}
