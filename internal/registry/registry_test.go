package registry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexd/cortex/internal/registry"
	"github.com/cortexd/cortex/pkg/models"
)

func entry(modelID, served string, task models.Task, ok bool) *registry.Entry {
	return &registry.Entry{RegistryEntry: models.RegistryEntry{
		ModelID:         modelID,
		ServedModelName: served,
		Task:            task,
		Health:          models.HealthState{OK: ok},
	}}
}

func TestResolvePicksLeastRecentlyUsedHealthyEntry(t *testing.T) {
	r := registry.New()
	a := entry("a", "llama-3", models.TaskGenerate, true)
	b := entry("b", "llama-3", models.TaskGenerate, true)
	r.Register(a)
	r.Register(b)

	first, err := r.Resolve("llama-3")
	require.NoError(t, err)
	second, err := r.Resolve("llama-3")
	require.NoError(t, err)
	assert.NotEqual(t, first.ModelID, second.ModelID, "round robin via LRU should alternate across two equally-fresh entries")
}

func TestResolveSkipsUnhealthyEntries(t *testing.T) {
	r := registry.New()
	r.Register(entry("a", "llama-3", models.TaskGenerate, false))
	r.Register(entry("b", "llama-3", models.TaskGenerate, true))

	got, err := r.Resolve("llama-3")
	require.NoError(t, err)
	assert.Equal(t, "b", got.ModelID)
}

func TestResolveNoHealthyUpstream(t *testing.T) {
	r := registry.New()
	r.Register(entry("a", "llama-3", models.TaskGenerate, false))

	_, err := r.Resolve("llama-3")
	assert.ErrorIs(t, err, registry.ErrNoHealthyUpstream)
}

func TestResolveTaskMismatch(t *testing.T) {
	r := registry.New()
	r.Register(entry("a", "llama-3", models.TaskGenerate, true))

	_, err := r.ResolveTask("llama-3", models.TaskEmbed)
	assert.ErrorIs(t, err, registry.ErrTaskMismatch)
}

func TestResolveTaskFiltersByTask(t *testing.T) {
	r := registry.New()
	r.Register(entry("a", "bge", models.TaskEmbed, true))
	r.Register(entry("b", "bge", models.TaskGenerate, true))

	got, err := r.ResolveTask("bge", models.TaskEmbed)
	require.NoError(t, err)
	assert.Equal(t, "a", got.ModelID)
}

func TestDeregisterRemovesEntry(t *testing.T) {
	r := registry.New()
	r.Register(entry("a", "llama-3", models.TaskGenerate, true))
	r.Deregister("a")

	_, err := r.Resolve("llama-3")
	assert.ErrorIs(t, err, registry.ErrNoHealthyUpstream)
}

func TestUpdateHealthOpenBreakerMakesEntryUnselectable(t *testing.T) {
	r := registry.New()
	r.Register(entry("a", "llama-3", models.TaskGenerate, true))

	r.UpdateHealth("a", models.HealthState{OK: true, BreakerState: models.BreakerOpen, LastCheckAt: time.Now()})

	_, err := r.Resolve("llama-3")
	assert.ErrorIs(t, err, registry.ErrNoHealthyUpstream)
}

func TestSnapshotReturnsAllEntries(t *testing.T) {
	r := registry.New()
	r.Register(entry("a", "llama-3", models.TaskGenerate, true))
	r.Register(entry("b", "bge", models.TaskEmbed, true))

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
}
