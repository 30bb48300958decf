package service

import (
	"context"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/repository"
)

type WalletRepo interface {
	CreateWallet(ctx context.Context, w *model.VaultWallet) error
	GetWallet(ctx context.Context, id string) (*model.VaultWallet, error)
	UpdateWallet(ctx context.Context, w *model.VaultWallet) error
	ListWallets(ctx context.Context) ([]*model.VaultWallet, error)
}

type SignerRepo interface {
	CreateSigner(ctx context.Context, s *model.VaultSigner) error
	GetSigner(ctx context.Context, id string) (*model.VaultSigner, error)
	UpdateSigner(ctx context.Context, s *model.VaultSigner) error
	ListSigners(ctx context.Context) ([]*model.VaultSigner, error)
}

type PolicyRepo interface {
	// SavePolicy stores p and, when p.Active, deactivates any other policy of the wallet.
	SavePolicy(ctx context.Context, p *model.AccessPolicy) error
	ActivePolicy(ctx context.Context, walletID string) (*model.AccessPolicy, error)
	ListPolicies(ctx context.Context, walletID string) ([]*model.AccessPolicy, error)
}

type WorkflowRepo interface {
	SaveWorkflow(ctx context.Context, w *model.ApprovalWorkflow) error
	GetWorkflow(ctx context.Context, id string) (*model.ApprovalWorkflow, error)
	ListWorkflows(ctx context.Context) ([]*model.ApprovalWorkflow, error)
}

type RequestRepo interface {
	CreateRequest(ctx context.Context, r *model.WithdrawalRequest) error
	GetRequest(ctx context.Context, id string) (*model.WithdrawalRequest, error)
	UpdateRequest(ctx context.Context, r *model.WithdrawalRequest) error
	ListRequests(ctx context.Context, f repository.RequestFilter) ([]*model.WithdrawalRequest, error)
}

type TransactionRepo interface {
	CreateTransaction(ctx context.Context, t *model.VaultTransaction) error
	ListTransactions(ctx context.Context, f repository.TransactionFilter) ([]*model.VaultTransaction, error)
}

type ReportRepo interface {
	SaveReport(ctx context.Context, r *model.VaultReport) error
	ListReports(ctx context.Context, walletID string) ([]*model.VaultReport, error)
}

// WalletTxRunner groups writes that must land together.
type WalletTxRunner interface {
	// InWalletTx runs fn as one unit of work over a wallet row, its requests and
	// its transactions. Store calls made with the ctx handed to fn join the unit;
	// an error from fn rolls every one of them back. Nested calls join the outer unit.
	InWalletTx(ctx context.Context, walletID string, fn func(ctx context.Context) error) error
}

// VaultStore is the durable persistence boundary: wallets, signers, policies/workflows,
// withdrawal requests (with embedded approvals and audit trail), transactions and reports.
// Implementations return copies; callers never share live objects across entities.
// repository.MemoryStore and repository.GormStore satisfy it.
type VaultStore interface {
	WalletRepo
	SignerRepo
	PolicyRepo
	WorkflowRepo
	RequestRepo
	TransactionRepo
	ReportRepo
	WalletTxRunner
}

var (
	_ VaultStore = (*repository.MemoryStore)(nil)
	_ VaultStore = (*repository.GormStore)(nil)
)
