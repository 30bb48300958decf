package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func TestMemoryStore_WalletCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	w := &model.VaultWallet{ID: "w1", Name: "treasury", SignerIDs: []string{"a"}, CreatedAt: t0}
	require.NoError(t, s.CreateWallet(ctx, w))
	assert.Error(t, s.CreateWallet(ctx, w))

	// callers never share the stored object
	w.SignerIDs[0] = "mutated"
	got, err := s.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.SignerIDs)
	got.Name = "changed"
	again, err := s.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "treasury", again.Name)

	_, err = s.GetWallet(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateWallet(ctx, &model.VaultWallet{ID: "missing"}), ErrNotFound)
}

func TestMemoryStore_PolicyActivation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.ActivePolicy(ctx, "w1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SavePolicy(ctx, &model.AccessPolicy{ID: "p1", WalletID: "w1", Version: 1, Active: true, UpdatedAt: t0}))
	require.NoError(t, s.SavePolicy(ctx, &model.AccessPolicy{ID: "p2", WalletID: "w1", Version: 2, Active: true, UpdatedAt: t0}))
	require.NoError(t, s.SavePolicy(ctx, &model.AccessPolicy{ID: "other", WalletID: "w2", Version: 1, Active: true, UpdatedAt: t0}))

	active, err := s.ActivePolicy(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "p2", active.ID)

	all, err := s.ListPolicies(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "p1", all[0].ID)
	assert.False(t, all[0].Active)

	other, err := s.ActivePolicy(ctx, "w2")
	require.NoError(t, err)
	assert.True(t, other.Active)
}

func TestMemoryStore_WorkflowOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SaveWorkflow(ctx, &model.ApprovalWorkflow{ID: "late", Priority: 1, CreatedAt: t0.Add(time.Minute)}))
	require.NoError(t, s.SaveWorkflow(ctx, &model.ApprovalWorkflow{ID: "low", Priority: 5, CreatedAt: t0}))
	require.NoError(t, s.SaveWorkflow(ctx, &model.ApprovalWorkflow{ID: "early", Priority: 1, CreatedAt: t0}))

	wfs, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	var ids []string
	for _, w := range wfs {
		ids = append(ids, w.ID)
	}
	assert.Equal(t, []string{"early", "late", "low"}, ids)
}

func TestMemoryStore_RequestFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i, st := range []model.RequestStatus{model.RequestPending, model.RequestExecuted, model.RequestPending} {
		require.NoError(t, s.CreateRequest(ctx, &model.WithdrawalRequest{
			ID:          string(rune('a' + i)),
			WalletID:    "w1",
			Status:      st,
			SubmittedAt: t0.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, s.CreateRequest(ctx, &model.WithdrawalRequest{ID: "x", WalletID: "w2", Status: model.RequestPending, SubmittedAt: t0}))

	pending, err := s.ListRequests(ctx, RequestFilter{WalletID: "w1", Statuses: []model.RequestStatus{model.RequestPending}})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "c", pending[1].ID)

	after := t0.Add(time.Hour)
	recent, err := s.ListRequests(ctx, RequestFilter{WalletID: "w1", SubmittedAfter: &after})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	// limit keeps the newest
	last, err := s.ListRequests(ctx, RequestFilter{WalletID: "w1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "c", last[0].ID)

	assert.ErrorIs(t, s.UpdateRequest(ctx, &model.WithdrawalRequest{ID: "nope"}), ErrNotFound)
}

func TestMemoryStore_TransactionWindow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i, typ := range []model.TransactionType{model.TxDeposit, model.TxWithdrawal, model.TxWithdrawal} {
		require.NoError(t, s.CreateTransaction(ctx, &model.VaultTransaction{
			ID:                 string(rune('a' + i)),
			WalletID:           "w1",
			Type:               typ,
			CounterpartAddress: "0xdest",
			Status:             model.TxCompleted,
			CreatedAt:          t0.Add(time.Duration(i) * time.Hour),
		}))
	}

	from, to := t0.Add(time.Hour), t0.Add(2*time.Hour)
	got, err := s.ListTransactions(ctx, TransactionFilter{WalletID: "w1", CreatedAfter: &from, CreatedBefore: &to})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	got, err = s.ListTransactions(ctx, TransactionFilter{WalletID: "w1", Type: model.TxWithdrawal, Destination: "0xdest"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
}

func TestMemoryStore_InWalletTxRollsBackOneWallet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"w1", "w2"} {
		require.NoError(t, s.CreateWallet(ctx, &model.VaultWallet{ID: id, Status: model.WalletActive, CreatedAt: t0}))
	}
	require.NoError(t, s.CreateRequest(ctx, &model.WithdrawalRequest{ID: "r1", WalletID: "w1", Status: model.RequestPending, SubmittedAt: t0}))

	boom := errors.New("boom")
	err := s.InWalletTx(ctx, "w1", func(ctx context.Context) error {
		require.NoError(t, s.UpdateRequest(ctx, &model.WithdrawalRequest{ID: "r1", WalletID: "w1", Status: model.RequestCancelled, SubmittedAt: t0}))
		require.NoError(t, s.CreateRequest(ctx, &model.WithdrawalRequest{ID: "r2", WalletID: "w1", Status: model.RequestPending, SubmittedAt: t0}))
		require.NoError(t, s.CreateTransaction(ctx, &model.VaultTransaction{ID: "t1", WalletID: "w1", CreatedAt: t0}))
		require.NoError(t, s.UpdateWallet(ctx, &model.VaultWallet{ID: "w1", Status: model.WalletFrozen, CreatedAt: t0}))
		// another wallet writing meanwhile
		require.NoError(t, s.CreateTransaction(ctx, &model.VaultTransaction{ID: "t2", WalletID: "w2", CreatedAt: t0}))
		require.NoError(t, s.UpdateWallet(ctx, &model.VaultWallet{ID: "w2", Status: model.WalletLocked, CreatedAt: t0}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	w1, err := s.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, model.WalletActive, w1.Status)
	r1, err := s.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RequestPending, r1.Status)
	_, err = s.GetRequest(ctx, "r2")
	assert.ErrorIs(t, err, ErrNotFound)

	txs, err := s.ListTransactions(ctx, TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "t2", txs[0].ID)
	w2, err := s.GetWallet(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, model.WalletLocked, w2.Status)

	require.NoError(t, s.InWalletTx(ctx, "w1", func(ctx context.Context) error {
		return s.CreateTransaction(ctx, &model.VaultTransaction{ID: "t3", WalletID: "w1", CreatedAt: t0})
	}))
	txs, err = s.ListTransactions(ctx, TransactionFilter{WalletID: "w1"})
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	assert.ErrorIs(t, s.InWalletTx(ctx, "missing", func(context.Context) error { return nil }), ErrNotFound)
}

func TestAuditFilter(t *testing.T) {
	from := t0
	to := t0.Add(time.Hour)
	f := AuditFilter{WalletID: "w1", Action: model.ActionWalletFrozen, From: &from, To: &to}

	assert.True(t, f.Match(&model.AuditEntry{WalletID: "w1", Action: model.ActionWalletFrozen, Timestamp: to}))
	assert.False(t, f.Match(&model.AuditEntry{WalletID: "w2", Action: model.ActionWalletFrozen, Timestamp: t0}))
	assert.False(t, f.Match(&model.AuditEntry{WalletID: "w1", Action: model.ActionWalletCreated, Timestamp: t0}))
	assert.False(t, f.Match(&model.AuditEntry{WalletID: "w1", Action: model.ActionWalletFrozen, Timestamp: to.Add(time.Second)}))

	assert.Equal(t, 100, AuditFilter{}.NormalizedLimit())
	assert.Equal(t, 100, AuditFilter{Limit: 5000}.NormalizedLimit())
	assert.Equal(t, 7, AuditFilter{Limit: 7}.NormalizedLimit())
}
