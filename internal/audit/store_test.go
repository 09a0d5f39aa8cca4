package audit

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store, err := NewStore(db, zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestStore_RecordAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Second)
	entries := []Entry{
		{Action: "claim.checked", Actor: "agent-1", Details: map[string]any{"claim_id": "c-1"}, Timestamp: base},
		{Action: "claim.checked", Actor: "agent-2", Details: map[string]any{"claim_id": "c-2"}, Timestamp: base.Add(time.Second)},
		{Action: "handoff.gated", Actor: "agent-1", Details: map[string]any{"handoff_id": "h-1"}, Timestamp: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		require.NoError(t, store.Record(ctx, e))
	}

	checked, err := store.ByAction(ctx, "claim.checked", 10)
	require.NoError(t, err)
	require.Len(t, checked, 2)
	assert.Equal(t, "agent-2", checked[0].Actor, "newest first")
	assert.Contains(t, checked[0].Details, "c-2")

	byActor, err := store.ByActor(ctx, "agent-1", 10)
	require.NoError(t, err)
	assert.Len(t, byActor, 2)
}

func TestMultiSink_ReturnsFirstError(t *testing.T) {
	store := newTestStore(t)
	sink := MultiSink{NopSink{}, store}

	err := sink.Record(context.Background(), Entry{Action: "x", Timestamp: time.Now()})
	assert.NoError(t, err)
}

func TestTry_NeverPanics(t *testing.T) {
	Try(context.Background(), nil, nil, Entry{Action: "noop"})
	Try(context.Background(), NopSink{}, zap.NewNop(), Entry{Action: "noop"})
}
