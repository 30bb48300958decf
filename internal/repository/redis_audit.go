package repository

import (
	"context"
	"encoding/json"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/redis/go-redis/v9"
)

// RedisAuditRepo keeps the newest audit entries in capped lists: one global list
// plus one per wallet, so wallet-scoped queries never scan other wallets' trails.
type RedisAuditRepo struct {
	client  redis.Cmdable
	listKey string
	listMax int
}

func NewRedisAuditRepo(client redis.Cmdable, listKey string, listMax int) *RedisAuditRepo {
	if listKey == "" {
		listKey = "polyvault:audit"
	}
	if listMax <= 0 {
		listMax = 10000
	}
	return &RedisAuditRepo{client: client, listKey: listKey, listMax: listMax}
}

func (r *RedisAuditRepo) walletKey(walletID string) string {
	return r.listKey + ":wallet:" + walletID
}

func (r *RedisAuditRepo) Insert(ctx context.Context, entry *model.AuditEntry) error {
	if entry == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	keys := []string{r.listKey}
	if entry.WalletID != "" {
		keys = append(keys, r.walletKey(entry.WalletID))
	}
	pipe := r.client.TxPipeline()
	for _, key := range keys {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, int64(r.listMax-1))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// List reads newest first and applies the rest of the filter in memory. The scan
// window is bounded, so very old entries are only reachable through postgres.
func (r *RedisAuditRepo) List(ctx context.Context, f AuditFilter) ([]*model.AuditEntry, error) {
	key := r.listKey
	if f.WalletID != "" {
		key = r.walletKey(f.WalletID)
	}
	limit := f.NormalizedLimit()
	window := min(max(limit*5, 100), r.listMax)

	items, err := r.client.LRange(ctx, key, 0, int64(window-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.AuditEntry, 0, limit)
	for _, raw := range items {
		var entry model.AuditEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if !f.Match(&entry) {
			continue
		}
		out = append(out, &entry)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Count scans the whole capped list, so it sees at most listMax entries.
func (r *RedisAuditRepo) Count(ctx context.Context, f AuditFilter) (int, error) {
	key := r.listKey
	if f.WalletID != "" {
		key = r.walletKey(f.WalletID)
	}
	items, err := r.client.LRange(ctx, key, 0, int64(r.listMax-1)).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, raw := range items {
		var entry model.AuditEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if f.Match(&entry) {
			n++
		}
	}
	return n, nil
}
