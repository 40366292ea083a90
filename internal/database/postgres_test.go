package database

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemoraco/Kull-sub004/internal/config"
)

func TestPoolConfigAppliesSettings(t *testing.T) {
	pc, err := PoolConfig(config.PostgresConfig{
		DSN:               "postgres://kull:pw@db.internal:5432/kull",
		ApplicationName:   "kull-worker",
		MaxConns:          12,
		MinConns:          3,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   time.Minute,
		HealthCheckPeriod: 15 * time.Second,
		ConnectTimeout:    2 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(12), pc.MaxConns)
	assert.Equal(t, int32(3), pc.MinConns)
	assert.Equal(t, time.Hour, pc.MaxConnLifetime)
	assert.Equal(t, time.Minute, pc.MaxConnIdleTime)
	assert.Equal(t, 15*time.Second, pc.HealthCheckPeriod)
	assert.Equal(t, 2*time.Second, pc.ConnConfig.ConnectTimeout)
	assert.Equal(t, "kull-worker", pc.ConnConfig.RuntimeParams["application_name"])
	assert.Equal(t, "db.internal", pc.ConnConfig.Host)
}

func TestPoolConfigKeepsDSNDefaults(t *testing.T) {
	pc, err := PoolConfig(config.PostgresConfig{DSN: "postgres://kull@localhost/kull?pool_max_conns=7"})
	require.NoError(t, err)
	assert.Equal(t, int32(7), pc.MaxConns)
	assert.Empty(t, pc.ConnConfig.RuntimeParams["application_name"])
}

func TestPoolConfigRejectsBadDSN(t *testing.T) {
	_, err := PoolConfig(config.PostgresConfig{DSN: "postgres://%zz"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse dsn")
}

func TestConnectFailsWhenUnreachable(t *testing.T) {
	_, err := Connect(context.Background(), config.PostgresConfig{
		DSN:            "postgres://kull@127.0.0.1:1/kull?sslmode=disable",
		ConnectTimeout: 500 * time.Millisecond,
	}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping postgres")
}

func TestPoolCollectorReportsStats(t *testing.T) {
	pc, err := PoolConfig(config.PostgresConfig{DSN: "postgres://kull@127.0.0.1:1/kull", MaxConns: 4})
	require.NoError(t, err)
	// no connection is opened until the first acquire
	pool, err := pgxpool.NewWithConfig(context.Background(), pc)
	require.NoError(t, err)
	defer pool.Close()

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewPoolCollector(pool, "kull")))

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64, len(families))
	for _, f := range families {
		require.Len(t, f.GetMetric(), 1)
		m := f.GetMetric()[0]
		switch {
		case m.GetGauge() != nil:
			values[f.GetName()] = m.GetGauge().GetValue()
		case m.GetCounter() != nil:
			values[f.GetName()] = m.GetCounter().GetValue()
		}
	}
	assert.Len(t, values, 6)
	assert.Equal(t, 4.0, values["kull_postgres_conns_max"])
	assert.Equal(t, 0.0, values["kull_postgres_conns_acquired"])
}
