package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/redis/go-redis/v9"
)

type RedisIdempotencyStore struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewRedisIdempotencyStore(client redis.Cmdable, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{
		client: client,
		ttl:    ttl,
		prefix: "polyvault:idem:",
	}
}

// GetOrLock claims key with SET NX. A nil record with false means the caller owns it.
func (s *RedisIdempotencyStore) GetOrLock(key, fingerprint string) (*model.IdempotencyRecord, bool) {
	ctx := context.Background()
	payload, _ := json.Marshal(model.IdempotencyRecord{
		CreatedAt:   time.Now().UTC(),
		Processing:  true,
		Fingerprint: fingerprint,
	})
	ok, err := s.client.SetNX(ctx, s.prefix+key, payload, s.ttl).Result()
	if err == nil && ok {
		return nil, false
	}
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var rec model.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (s *RedisIdempotencyStore) Save(key, fingerprint string, status int, body []byte) {
	payload, _ := json.Marshal(model.IdempotencyRecord{
		Status:      status,
		Body:        body,
		Fingerprint: fingerprint,
		CreatedAt:   time.Now().UTC(),
	})
	_ = s.client.Set(context.Background(), s.prefix+key, payload, s.ttl).Err()
}

func (s *RedisIdempotencyStore) Unlock(key string) {
	_ = s.client.Del(context.Background(), s.prefix+key).Err()
}
