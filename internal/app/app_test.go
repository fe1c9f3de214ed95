package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"calldispatch/internal/config"
	"calldispatch/internal/queue"
	"calldispatch/internal/templates"
	"calldispatch/internal/usage"
	"calldispatch/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
templates:
  - id: reminder
    name: Appointment reminder
    assistant_ref: asst-1
    required_variables: [name]
subscriptions:
  - user_id: u1
    call_limit: 3
`

const catalogYAML = `
providers:
  - id: voice-a
    kind: http
    name: Voice A
    concurrency_limit: 2
    priority: 5
    base_url: http://127.0.0.1:1
    credentials:
      api_key: test
`

func TestApplySeed(t *testing.T) {
	tmpl := templates.NewMemoryRepo()
	acct := usage.NewMemoryAccountant()
	require.NoError(t, applySeed(strings.NewReader(seedYAML), tmpl, acct, time.Now()))

	got, err := tmpl.Get(context.Background(), "reminder")
	require.NoError(t, err)
	assert.Equal(t, "asst-1", got.AssistantRef)
	assert.Equal(t, []string{"name"}, got.RequiredVariables)

	sub, err := acct.Current(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, sub.Remaining())
}

func TestApplySeed_RejectsBadSubscriptions(t *testing.T) {
	err := applySeed(strings.NewReader("subscriptions:\n  - user_id: u1\n    call_limit: 1\n    calls_used: 2\n"),
		templates.NewMemoryRepo(), usage.NewMemoryAccountant(), time.Now())
	assert.Error(t, err)

	err = applySeed(strings.NewReader("templates:\n  - name: nameless\n"),
		templates.NewMemoryRepo(), usage.NewMemoryAccountant(), time.Now())
	assert.Error(t, err)
}

func TestNew_MemoryBackendAdmitsAndDispatches(t *testing.T) {
	dir := t.TempDir()
	providersFile := filepath.Join(dir, "providers.yaml")
	seedFile := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(providersFile, []byte(catalogYAML), 0o600))
	require.NoError(t, os.WriteFile(seedFile, []byte(seedYAML), 0o600))

	cfg := config.Config{
		App:   config.AppConfig{Env: "local"},
		Store: config.StoreConfig{ProvidersFile: providersFile, SeedFile: seedFile},
		Auth:  config.AuthConfig{JWTSecret: "secret"},
	}
	require.NoError(t, cfg.Validate())
	cfg.Dispatch.HandoffTimeout = 200 * time.Millisecond

	a, err := New(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	require.NoError(t, a.Ready(ctx))
	e, err := a.Calls.Admit(ctx, queue.AdmitRequest{
		UserID:          "u1",
		TemplateID:      "reminder",
		RecipientNumber: "+15550009999",
		CustomVariables: map[string]string{"name": "Ada"},
	})
	require.NoError(t, err)

	// The provider endpoint is unreachable, so the hand-off errors and the
	// entry is requeued with backoff.
	rep, err := a.Scheduler.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Assigned)
	assert.Equal(t, 1, rep.Errored)

	got, err := a.Calls.Get(ctx, e.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)
	require.NotNil(t, got.NotBefore)
	assert.Equal(t, 1, got.Attempts)
}
