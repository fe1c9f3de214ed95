package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionsAreOrdered(t *testing.T) {
	vs, err := Versions()
	require.NoError(t, err)
	require.NotEmpty(t, vs)
	assert.Equal(t, "0001_init", vs[0])
	for i := 1; i < len(vs); i++ {
		assert.Less(t, vs[i-1], vs[i])
	}
}

func TestInitCreatesEveryTable(t *testing.T) {
	ms, err := load()
	require.NoError(t, err)
	for _, table := range []string{
		"call_templates", "call_queue", "subscriptions", "usage_events",
		"call_assignments", "call_retries", "call_history",
	} {
		assert.True(t, strings.Contains(ms[0].sql, "CREATE TABLE IF NOT EXISTS "+table+" ("), table)
	}
}

func TestReconcileMigrationAddsFailureKind(t *testing.T) {
	ms, err := load()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(ms), 2)
	assert.Contains(t, ms[1].sql, "ADD COLUMN IF NOT EXISTS failure_kind")
	assert.Contains(t, ms[1].sql, "call_queue_held_idx")
}
