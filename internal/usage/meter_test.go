package usage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexd/cortex/internal/metrics"
	"github.com/cortexd/cortex/internal/store"
	"github.com/cortexd/cortex/internal/usage"
	"github.com/cortexd/cortex/pkg/models"
)

func TestMeterRecordIsFlushedAsynchronously(t *testing.T) {
	s := store.NewMemoryStore()
	m := usage.New(s, metrics.Noop())
	defer m.Close()

	m.Record(models.UsageRecord{Timestamp: time.Now(), Model: "llama-3", StatusCode: 200})

	require.Eventually(t, func() bool {
		rows, err := s.QueryUsage(context.Background(), store.UsageFilter{})
		return err == nil && len(rows) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMeterCloseDrainsQueuedRecords(t *testing.T) {
	s := store.NewMemoryStore()
	m := usage.New(s, metrics.Noop())

	for i := 0; i < 5; i++ {
		m.Record(models.UsageRecord{Timestamp: time.Now(), Model: "llama-3", StatusCode: 200})
	}
	require.NoError(t, m.Close())

	rows, err := s.QueryUsage(context.Background(), store.UsageFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}

func TestMeterQueryFiltersByStatusClass(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.RecordUsage(context.Background(), &models.UsageRecord{Timestamp: time.Now(), Model: "m", StatusCode: 200}))
	require.NoError(t, s.RecordUsage(context.Background(), &models.UsageRecord{Timestamp: time.Now(), Model: "m", StatusCode: 404}))

	m := usage.New(s, metrics.Noop())
	defer m.Close()

	rows, err := m.Query(context.Background(), store.UsageFilter{StatusClass: "4xx"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 404, rows[0].StatusCode)
}
