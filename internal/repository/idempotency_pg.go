package repository

import (
	"context"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// idempotencyKey is the postgres row behind PostgresIdempotencyStore.
type idempotencyKey struct {
	Key         string    `gorm:"primaryKey;type:text"`
	StatusCode  int       `gorm:"not null;default:0"`
	Body        []byte    `gorm:"type:bytea"`
	Fingerprint string    `gorm:"type:text"`
	Processing  bool      `gorm:"not null;default:true"`
	CreatedAt   time.Time `gorm:"index"`
}

func (idempotencyKey) TableName() string { return "idempotency_keys" }

// PostgresIdempotencyStore is used when postgres is configured but redis is not.
type PostgresIdempotencyStore struct {
	db  *gorm.DB
	ttl time.Duration
}

func NewPostgresIdempotencyStore(db *gorm.DB, ttl time.Duration) *PostgresIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PostgresIdempotencyStore{db: db, ttl: ttl}
}

func (s *PostgresIdempotencyStore) GetOrLock(key, fingerprint string) (*model.IdempotencyRecord, bool) {
	ctx := context.Background()
	now := time.Now().UTC()

	// expired keys are reclaimed
	s.db.WithContext(ctx).Where("key = ? AND created_at < ?", key, now.Add(-s.ttl)).Delete(&idempotencyKey{})

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&idempotencyKey{
		Key:         key,
		Fingerprint: fingerprint,
		Processing:  true,
		CreatedAt:   now,
	})
	if res.Error == nil && res.RowsAffected > 0 {
		return nil, false
	}

	var row idempotencyKey
	if err := s.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error; err != nil {
		return nil, false
	}
	return &model.IdempotencyRecord{
		Status:      row.StatusCode,
		Body:        row.Body,
		CreatedAt:   row.CreatedAt,
		Processing:  row.Processing,
		Fingerprint: row.Fingerprint,
	}, true
}

func (s *PostgresIdempotencyStore) Save(key, fingerprint string, status int, body []byte) {
	s.db.WithContext(context.Background()).Model(&idempotencyKey{}).Where("key = ?", key).Updates(map[string]any{
		"status_code": status,
		"body":        body,
		"fingerprint": fingerprint,
		"processing":  false,
	})
}

func (s *PostgresIdempotencyStore) Unlock(key string) {
	s.db.WithContext(context.Background()).Where("key = ?", key).Delete(&idempotencyKey{})
}

// Cleanup drops keys past their TTL.
func (s *PostgresIdempotencyStore) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.ttl)
	return s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&idempotencyKey{}).Error
}
