package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/agentfabric/agentfabric/types"
)

// RedisStore persists handoff records in Redis as JSON values with a
// sorted-set index keyed by start time. Suitable for deployments where
// handoffs must survive a process restart.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore wraps an existing Redis client. keyPrefix defaults to
// "agentfabric:" when empty.
func NewRedisStore(ctx context.Context, client *redis.Client, keyPrefix string) (*RedisStore, error) {
	if keyPrefix == "" {
		keyPrefix = "agentfabric:"
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "redis ping failed").WithCause(err)
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "handoff:"}, nil
}

func (s *RedisStore) recordKey(handoffID string) string {
	return s.keyPrefix + "data:" + handoffID
}

func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "all"
}

// Create implements RecordStore. SetNX makes the existence check and the
// write one atomic operation on the Redis side.
func (s *RedisStore) Create(ctx context.Context, record *HandoffRecord) (bool, error) {
	if record == nil || record.ID == "" {
		return false, types.NewError(types.ErrHandoffNotFound, "record must carry an id")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return false, types.NewError(types.ErrStoreUnavailable, "failed to marshal record").WithCause(err)
	}

	created, err := s.client.SetNX(ctx, s.recordKey(record.ID), data, 0).Result()
	if err != nil {
		return false, types.NewError(types.ErrStoreUnavailable, "redis write failed").WithCause(err)
	}
	if !created {
		return false, nil
	}
	if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(record.StartedAt.UnixNano()),
		Member: record.ID,
	}).Err(); err != nil {
		return true, types.NewError(types.ErrStoreUnavailable, "redis index write failed").WithCause(err)
	}
	return true, nil
}

// Save implements RecordStore.
func (s *RedisStore) Save(ctx context.Context, record *HandoffRecord) error {
	if record == nil || record.ID == "" {
		return types.NewError(types.ErrHandoffNotFound, "record must carry an id")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return types.NewError(types.ErrStoreUnavailable, "failed to marshal record").WithCause(err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.recordKey(record.ID), data, 0)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(record.StartedAt.UnixNano()),
		Member: record.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "redis write failed").WithCause(err)
	}
	return nil
}

// Get implements RecordStore.
func (s *RedisStore) Get(ctx context.Context, handoffID string) (*HandoffRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(handoffID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.NewErrorf(types.ErrHandoffNotFound, "handoff %q not found", handoffID)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "redis read failed").WithCause(err)
	}

	var record HandoffRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to unmarshal record").WithCause(err)
	}
	return &record, nil
}

// List implements RecordStore. Records come back in start-time order.
func (s *RedisStore) List(ctx context.Context) ([]*HandoffRecord, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "redis index read failed").WithCause(err)
	}

	out := make([]*HandoffRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if err != nil {
			if types.HasCode(err, types.ErrHandoffNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// Close implements RecordStore.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ RecordStore = (*RedisStore)(nil)
var _ RecordStore = (*MemoryStore)(nil)
