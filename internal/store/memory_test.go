package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexd/cortex/internal/store"
	"github.com/cortexd/cortex/pkg/models"
)

func TestMemoryStoreModelCRUD(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	m := &models.Model{Name: "llama", ServedModelName: "llama-3", Engine: models.EngineGPU, Task: models.TaskGenerate}
	require.NoError(t, s.CreateModel(ctx, m))
	assert.NotEmpty(t, m.ID)

	got, err := s.GetModelByServedName(ctx, "llama-3")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)

	got.State = models.ModelRunning
	require.NoError(t, s.UpdateModel(ctx, got))

	running, err := s.ListModelsByState(ctx, models.ModelRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)

	require.NoError(t, s.DeleteModel(ctx, m.ID))
	_, err = s.GetModel(ctx, m.ID)
	var nf *store.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestMemoryStoreApiKeyLookupByPrefix(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	key := &models.ApiKey{Prefix: "sk-abcd1", Hash: "deadbeef", UserID: "u1", Scopes: []models.Scope{models.ScopeChat}}
	require.NoError(t, s.CreateApiKey(ctx, key))

	found, err := s.GetApiKeyByPrefix(ctx, "sk-abcd1")
	require.NoError(t, err)
	assert.Equal(t, key.ID, found.ID)

	require.NoError(t, s.RevokeApiKey(ctx, key.ID))
	revoked, err := s.GetApiKey(ctx, key.ID)
	require.NoError(t, err)
	assert.NotNil(t, revoked.RevokedAt)
}

func TestMemoryStoreUsageFilterByStatusClass(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.RecordUsage(ctx, &models.UsageRecord{Timestamp: now, Model: "m", StatusCode: 200}))
	require.NoError(t, s.RecordUsage(ctx, &models.UsageRecord{Timestamp: now, Model: "m", StatusCode: 500}))

	rows, err := s.QueryUsage(ctx, store.UsageFilter{StatusClass: "5xx"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 500, rows[0].StatusCode)
}

func TestMemoryStoreOnlyOneActiveDeploymentJob(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job1 := &models.DeploymentJob{Type: models.JobExport, Status: models.JobRunning}
	require.NoError(t, s.CreateDeploymentJob(ctx, job1))

	job2 := &models.DeploymentJob{Type: models.JobImportDB, Status: models.JobPending}
	err := s.CreateDeploymentJob(ctx, job2)
	assert.Error(t, err)

	job1.Status = models.JobSucceeded
	require.NoError(t, s.UpdateDeploymentJob(ctx, job1))
	assert.NoError(t, s.CreateDeploymentJob(ctx, job2))
}
