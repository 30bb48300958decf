package repository

import (
	"context"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PostgresAuditRepo struct {
	db *gorm.DB
}

func NewPostgresAuditRepo(db *gorm.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

func (r *PostgresAuditRepo) Insert(ctx context.Context, entry *model.AuditEntry) error {
	if entry == nil {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(entry).Error
}

func (r *PostgresAuditRepo) filtered(ctx context.Context, f AuditFilter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&model.AuditEntry{})
	if f.WalletID != "" {
		q = q.Where("wallet_id = ?", f.WalletID)
	}
	if f.RequestID != "" {
		q = q.Where("request_id = ?", f.RequestID)
	}
	if f.Actor != "" {
		q = q.Where("actor = ?", f.Actor)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.From != nil {
		q = q.Where("timestamp >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("timestamp <= ?", *f.To)
	}
	return q
}

func (r *PostgresAuditRepo) List(ctx context.Context, f AuditFilter) ([]*model.AuditEntry, error) {
	records := make([]*model.AuditEntry, 0)
	err := r.filtered(ctx, f).Order("timestamp desc").Limit(f.NormalizedLimit()).Find(&records).Error
	return records, err
}

// Count ignores f.Limit.
func (r *PostgresAuditRepo) Count(ctx context.Context, f AuditFilter) (int, error) {
	var n int64
	err := r.filtered(ctx, f).Count(&n).Error
	return int(n), err
}

// Cleanup removes entries older than the retention window.
func (r *PostgresAuditRepo) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	return r.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&model.AuditEntry{}).Error
}
