package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemoraco/Kull-sub004/internal/config"
)

func TestOptionsFromConfig(t *testing.T) {
	opts := Options(config.RedisConfig{
		Addr:         "redis.internal:6380",
		Password:     "pw",
		DB:           2,
		ClientName:   "kull",
		PoolSize:     40,
		MinIdleConns: 4,
		DialTimeout:  time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	assert.Equal(t, "redis.internal:6380", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, "kull", opts.ClientName)
	assert.Equal(t, 40, opts.PoolSize)
	assert.Equal(t, 4, opts.MinIdleConns)
	assert.Equal(t, time.Second, opts.DialTimeout)
	assert.Equal(t, 2*time.Second, opts.ReadTimeout)
	assert.Equal(t, 3*time.Second, opts.WriteTimeout)
}

func TestConnectFailsWhenUnreachable(t *testing.T) {
	_, err := Connect(context.Background(), config.RedisConfig{
		Addr:           "127.0.0.1:1",
		DialTimeout:    100 * time.Millisecond,
		ConnectTimeout: 500 * time.Millisecond,
	}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis 127.0.0.1:1")
}
