package utils

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresPoolDefaults(t *testing.T) {
	got := PostgresPoolConfig{}.withDefaults()
	assert.Equal(t, 10, got.MaxConns)
	assert.Equal(t, 5*time.Second, got.ConnectTimeout)

	custom := PostgresPoolConfig{MaxConns: 3}.withDefaults()
	assert.Equal(t, 3, custom.MaxConns)
}

func TestPgxPoolConfig(t *testing.T) {
	cfg, err := pgxPoolConfig("postgres://u:p@localhost:5432/db?sslmode=disable", PostgresPoolConfig{MaxConns: 4, ApplicationName: "calldispatch"})
	require.NoError(t, err)
	assert.EqualValues(t, 4, cfg.MaxConns)
	assert.Equal(t, "calldispatch", cfg.ConnConfig.RuntimeParams["application_name"])

	_, err = pgxPoolConfig("postgres://u:p@localhost:notaport/db", PostgresPoolConfig{})
	assert.Error(t, err)
}

func TestRedisOptions(t *testing.T) {
	opts := RedisConfig{Addr: "localhost:6379", ClientName: "calldispatch"}.options()
	assert.Equal(t, 10, opts.PoolSize)
	assert.Equal(t, time.Second, opts.ReadTimeout)
	assert.Equal(t, 2*time.Second, opts.PoolTimeout)
	assert.Equal(t, "calldispatch", opts.ClientName)
}

func TestOpenRedis_RequiresAddr(t *testing.T) {
	_, err := OpenRedis(context.Background(), RedisConfig{})
	assert.Error(t, err)
}

func TestPgErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	assert.True(t, IsUniqueViolation(wrapped))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "40001"}))
	assert.False(t, IsUniqueViolation(errors.New("x")))

	assert.True(t, IsRetryableTxError(fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"})))
	assert.True(t, IsRetryableTxError(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, IsRetryableTxError(wrapped))
	assert.False(t, IsRetryableTxError(nil))
}
