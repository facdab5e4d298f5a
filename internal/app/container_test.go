package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/mass-dispatch/internal/gateway/mock"
	"github.com/acme/mass-dispatch/internal/repository"
	memrepo "github.com/acme/mass-dispatch/internal/repository/memory"
)

const standaloneConfig = `
app:
  name: mass-dispatch
  env: test
store:
  driver: memory
scylla:
  enabled: false
leader:
  enabled: false
notifications:
  transport: none
auto_delete:
  mode: inprocess
gateway:
  provider: mock
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestBuildStandalone(t *testing.T) {
	ctx := context.Background()
	c, err := Build(ctx, writeConfig(t, standaloneConfig))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(ctx) })

	assert.Nil(t, c.Postgres)
	assert.Nil(t, c.Kafka)
	assert.Nil(t, c.Lease())
	assert.Empty(t, c.HealthChecks())
	assert.NoError(t, c.EnsureTopics(ctx))

	assert.IsType(t, &memrepo.CampaignRepository{}, c.Repositories().Campaign)
	assert.IsType(t, repository.NopJournal{}, c.Repositories().Journal)
	assert.IsType(t, &mock.Provider{}, c.Providers().Gateway)

	svcs := c.Services()
	require.NotNil(t, svcs.Engine)
	require.NotNil(t, svcs.Campaign)
	require.NotNil(t, svcs.Scheduler)
	assert.False(t, svcs.Engine.Ready())

	require.NoError(t, svcs.Engine.Recover(ctx))
	assert.True(t, svcs.Engine.Ready())
}

func TestBuildRejectsUnknownStore(t *testing.T) {
	_, err := Build(context.Background(), writeConfig(t, "store:\n  driver: sqlite\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

func TestBuildRequiresBrokersForKafkaNotifications(t *testing.T) {
	body := `
store:
  driver: memory
notifications:
  transport: kafka
`
	_, err := Build(context.Background(), writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka")
}
