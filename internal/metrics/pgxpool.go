package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPoolMetrics exports database connection pool gauges under the
// orchestrator metric family.
func RegisterPoolMetrics(pool *pgxpool.Pool) {
	gauge := func(name, help string, value func(*pgxpool.Stat) int32) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "orchestrator_db_pool_" + name,
			Help: help,
		}, func() float64 {
			return float64(value(pool.Stat()))
		})
	}
	prometheus.MustRegister(
		gauge("acquired_conns", "Connections currently checked out of the pool", (*pgxpool.Stat).AcquiredConns),
		gauge("max_conns", "Configured connection ceiling of the pool", (*pgxpool.Stat).MaxConns),
		gauge("total_conns", "Open connections, idle and acquired", (*pgxpool.Stat).TotalConns),
		gauge("idle_conns", "Open connections waiting for work", (*pgxpool.Stat).IdleConns),
	)
}
