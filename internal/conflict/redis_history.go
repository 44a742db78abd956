package conflict

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "toolgate:execution_history"

// RedisHistory keeps the history in a Redis list (newest at the head) so
// several orchestrator processes share one duplicate-detection window.
type RedisHistory struct {
	client   redis.UniversalClient
	key      string
	capacity int64
}

func NewRedisHistory(client redis.UniversalClient, key string, capacity int) *RedisHistory {
	if key == "" {
		key = DefaultRedisKey
	}
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &RedisHistory{client: client, key: key, capacity: int64(capacity)}
}

func (h *RedisHistory) Append(ctx context.Context, e HistoryEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis history: marshal: %w", err)
	}
	pipe := h.client.TxPipeline()
	pipe.LPush(ctx, h.key, data)
	pipe.LTrim(ctx, h.key, 0, h.capacity-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis history: append: %w", err)
	}
	return nil
}

func (h *RedisHistory) Recent(ctx context.Context, n int) ([]HistoryEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := h.client.LRange(ctx, h.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis history: range: %w", err)
	}
	out := make([]HistoryEntry, len(raw))
	for i, item := range raw {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("redis history: decode: %w", err)
		}
		// list head is newest; reverse into chronological order
		out[len(raw)-1-i] = e
	}
	return out, nil
}

func (h *RedisHistory) Len(ctx context.Context) (int, error) {
	n, err := h.client.LLen(ctx, h.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis history: len: %w", err)
	}
	return int(n), nil
}
