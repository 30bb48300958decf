package repository

import (
	"context"
	"errors"

	"github.com/GoPolymarket/polyvault/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists the vault in Postgres. Nested collections (assets, approvals,
// audit trail) are stored as JSON columns on their owning row.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

type txKey struct{}

// conn returns the transaction InWalletTx bound to ctx, or the pool.
func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

// InWalletTx opens one postgres transaction and takes the wallet row lock
// (SELECT ... FOR UPDATE) before running fn, so writers in other processes queue
// behind it.
func (s *GormStore) InWalletTx(ctx context.Context, walletID string, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var w model.VaultWallet
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			Where("id = ?", walletID).
			Take(&w).Error
		if err != nil {
			return notFound(err)
		}
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func updated(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateWallet(ctx context.Context, w *model.VaultWallet) error {
	return s.conn(ctx).Create(w).Error
}

func (s *GormStore) GetWallet(ctx context.Context, id string) (*model.VaultWallet, error) {
	var w model.VaultWallet
	if err := s.conn(ctx).First(&w, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (s *GormStore) UpdateWallet(ctx context.Context, w *model.VaultWallet) error {
	return updated(s.conn(ctx).Model(&model.VaultWallet{}).Where("id = ?", w.ID).Select("*").Updates(w))
}

func (s *GormStore) ListWallets(ctx context.Context) ([]*model.VaultWallet, error) {
	var out []*model.VaultWallet
	err := s.conn(ctx).Order("created_at asc").Find(&out).Error
	return out, err
}

func (s *GormStore) CreateSigner(ctx context.Context, sg *model.VaultSigner) error {
	return s.conn(ctx).Create(sg).Error
}

func (s *GormStore) GetSigner(ctx context.Context, id string) (*model.VaultSigner, error) {
	var sg model.VaultSigner
	if err := s.conn(ctx).First(&sg, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &sg, nil
}

func (s *GormStore) UpdateSigner(ctx context.Context, sg *model.VaultSigner) error {
	return updated(s.conn(ctx).Model(&model.VaultSigner{}).Where("id = ?", sg.ID).Select("*").Updates(sg))
}

func (s *GormStore) ListSigners(ctx context.Context) ([]*model.VaultSigner, error) {
	var out []*model.VaultSigner
	err := s.conn(ctx).Order("created_at asc").Find(&out).Error
	return out, err
}

func (s *GormStore) SavePolicy(ctx context.Context, p *model.AccessPolicy) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if p.Active {
			if err := tx.Model(&model.AccessPolicy{}).
				Where("wallet_id = ? AND id <> ?", p.WalletID, p.ID).
				Update("active", false).Error; err != nil {
				return err
			}
		}
		return tx.Save(p).Error
	})
}

func (s *GormStore) ActivePolicy(ctx context.Context, walletID string) (*model.AccessPolicy, error) {
	var p model.AccessPolicy
	err := s.conn(ctx).
		Where("wallet_id = ? AND active = ?", walletID, true).
		Order("updated_at desc").
		First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *GormStore) ListPolicies(ctx context.Context, walletID string) ([]*model.AccessPolicy, error) {
	var out []*model.AccessPolicy
	err := s.conn(ctx).Where("wallet_id = ?", walletID).Order("version asc").Find(&out).Error
	return out, err
}

func (s *GormStore) SaveWorkflow(ctx context.Context, w *model.ApprovalWorkflow) error {
	return s.conn(ctx).Save(w).Error
}

func (s *GormStore) GetWorkflow(ctx context.Context, id string) (*model.ApprovalWorkflow, error) {
	var w model.ApprovalWorkflow
	if err := s.conn(ctx).First(&w, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (s *GormStore) ListWorkflows(ctx context.Context) ([]*model.ApprovalWorkflow, error) {
	var out []*model.ApprovalWorkflow
	err := s.conn(ctx).Order("priority asc, created_at asc").Find(&out).Error
	return out, err
}

func (s *GormStore) CreateRequest(ctx context.Context, r *model.WithdrawalRequest) error {
	return s.conn(ctx).Create(r).Error
}

func (s *GormStore) GetRequest(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	var r model.WithdrawalRequest
	if err := s.conn(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *GormStore) UpdateRequest(ctx context.Context, r *model.WithdrawalRequest) error {
	return updated(s.conn(ctx).Model(&model.WithdrawalRequest{}).Where("id = ?", r.ID).Select("*").Updates(r))
}

func (s *GormStore) ListRequests(ctx context.Context, f RequestFilter) ([]*model.WithdrawalRequest, error) {
	q := s.conn(ctx).Model(&model.WithdrawalRequest{})
	if f.WalletID != "" {
		q = q.Where("wallet_id = ?", f.WalletID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.SubmittedAfter != nil {
		q = q.Where("submitted_at >= ?", *f.SubmittedAfter)
	}
	var out []*model.WithdrawalRequest
	if f.Limit > 0 {
		// newest N, returned oldest first
		if err := q.Order("submitted_at desc").Limit(f.Limit).Find(&out).Error; err != nil {
			return nil, err
		}
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out, nil
	}
	err := q.Order("submitted_at asc").Find(&out).Error
	return out, err
}

func (s *GormStore) CreateTransaction(ctx context.Context, t *model.VaultTransaction) error {
	return s.conn(ctx).Create(t).Error
}

func (s *GormStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]*model.VaultTransaction, error) {
	q := s.conn(ctx).Model(&model.VaultTransaction{})
	if f.WalletID != "" {
		q = q.Where("wallet_id = ?", f.WalletID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.CreatedAfter != nil {
		q = q.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		q = q.Where("created_at < ?", *f.CreatedBefore)
	}
	if f.Destination != "" {
		q = q.Where("counterpart_address = ?", f.Destination)
	}
	var out []*model.VaultTransaction
	err := q.Order("created_at asc").Find(&out).Error
	return out, err
}

func (s *GormStore) SaveReport(ctx context.Context, r *model.VaultReport) error {
	return s.conn(ctx).Create(r).Error
}

func (s *GormStore) ListReports(ctx context.Context, walletID string) ([]*model.VaultReport, error) {
	q := s.conn(ctx).Order("generated_at asc")
	if walletID != "" {
		q = q.Where("wallet_id = ?", walletID)
	}
	var out []*model.VaultReport
	err := q.Find(&out).Error
	return out, err
}
