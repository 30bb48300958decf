package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyvault/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithdrawal_ThreeOfFiveExecutes(t *testing.T) {
	h := newHarness(t)
	w, signers := h.newWallet(3, 5)
	h.knownDestination(w.ID, "0xknown")

	r := h.submit(w.ID, 100, "0xknown")
	assert.Equal(t, model.RequestPending, r.Status)
	assert.Equal(t, 0.0, r.RiskScore)
	assert.Empty(t, r.RiskFactors)
	assert.False(t, r.Flagged)
	assert.Equal(t, 3, r.RequiredApprovals)
	assert.Equal(t, "101", h.balance(w.ID).LockedBalance.String())

	for _, s := range signers[:2] {
		res, err := h.approve(r.ID, s, model.DecisionApprove)
		require.NoError(t, err)
		assert.False(t, res.Executed)
		assert.Equal(t, model.RequestPending, res.Request.Status)
	}

	res, err := h.approve(r.ID, signers[2], model.DecisionApprove)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Empty(t, res.ExecutionError)

	got := h.request(r.ID)
	assert.Equal(t, model.RequestExecuted, got.Status)
	assert.NotEmpty(t, got.TxHash)
	assert.NotNil(t, got.ApprovedAt)
	assert.NotNil(t, got.ExecutedAt)

	bal := h.balance(w.ID)
	assert.Equal(t, "899", bal.TotalBalance.String())
	assert.Equal(t, "0", bal.LockedBalance.String())
	assert.Equal(t, "899", bal.Available.String())

	subs := h.bcast.Submissions()
	require.Len(t, subs, 1)
	assert.Len(t, subs[0].Signatures, 3)
	assert.Equal(t, "100", subs[0].Transfer.Amount.String())
	assert.Equal(t, "1", subs[0].Transfer.Fee.String())

	txs, err := h.store.ListTransactions(h.ctx, repository.TransactionFilter{WalletID: w.ID, Type: model.TxWithdrawal})
	require.NoError(t, err)
	require.Len(t, txs, 2) // seeded destination + this one
	tx := txs[1]
	assert.Equal(t, got.TransactionID, tx.ID)
	assert.Equal(t, model.TxCompleted, tx.Status)
	assert.Len(t, tx.Approvers, 3)
	assert.Len(t, tx.Signers, 3)
}

func TestWithdrawal_RejectAfterTwoApprovals(t *testing.T) {
	h := newHarness(t)
	w, signers := h.newWallet(3, 5)
	h.knownDestination(w.ID, "0xknown")
	r := h.submit(w.ID, 100, "0xknown")

	for _, s := range signers[:2] {
		_, err := h.approve(r.ID, s, model.DecisionApprove)
		require.NoError(t, err)
	}
	assert.Equal(t, model.RequestPending, h.request(r.ID).Status)

	res, err := h.approve(r.ID, signers[2], model.DecisionReject)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, model.RequestRejected, res.Request.Status)

	bal := h.balance(w.ID)
	assert.Equal(t, "1000", bal.TotalBalance.String())
	assert.Equal(t, "0", bal.LockedBalance.String())
	assert.Empty(t, h.bcast.Submissions())

	_, err = h.approve(r.ID, signers[3], model.DecisionApprove)
	assert.True(t, apperrors.IsType(err, apperrors.ErrInvalidState))
}

func TestWithdrawal_HighRiskAtNight(t *testing.T) {
	h := newHarness(t)
	h.now = time.Date(2026, 3, 11, 1, 30, 0, 0, time.UTC)
	w, _ := h.newWallet(3, 5)

	for i := 0; i < 3; i++ {
		h.submit(w.ID, 10, "0xsmall")
		h.advance(10 * time.Minute)
	}
	require.Equal(t, 2, h.now.Hour())

	r := h.submit(w.ID, 900, "0xbrand-new")
	assert.ElementsMatch(t, []model.RiskFactor{
		model.RiskLargeAmount,
		model.RiskNewDestination,
		model.RiskOffHours,
		model.RiskHighFrequency,
	}, r.RiskFactors)
	assert.GreaterOrEqual(t, r.RiskScore, 0.8)
	assert.LessOrEqual(t, r.RiskScore, 1.0)
	assert.True(t, r.Flagged)
	assert.Equal(t, model.RequestPending, r.Status)
}

func TestWithdrawal_DailyCeilingRefusesBeforeCreate(t *testing.T) {
	h := newHarness(t)
	w, _ := h.newWallet(3, 5)
	_, err := h.registry.SetAccessPolicy(h.ctx, w.ID, model.AccessPolicy{
		Timezone:       "UTC",
		MaxDailyAmount: model.NewAmount(500),
	}, admin)
	require.NoError(t, err)

	require.NoError(t, h.store.CreateTransaction(h.ctx, &model.VaultTransaction{
		ID: "old", WalletID: w.ID, Type: model.TxWithdrawal, Asset: "USDC",
		Amount: model.NewAmount(450), Status: model.TxCompleted, CreatedAt: h.now.Add(-25 * time.Hour),
	}))
	require.NoError(t, h.store.CreateTransaction(h.ctx, &model.VaultTransaction{
		ID: "recent", WalletID: w.ID, Type: model.TxWithdrawal, Asset: "USDC",
		Amount: model.NewAmount(400), Status: model.TxCompleted, CreatedAt: h.now.Add(-2 * time.Hour),
	}))
	// submitted-but-unsettled withdrawals do not count toward the ceiling
	require.NoError(t, h.store.CreateTransaction(h.ctx, &model.VaultTransaction{
		ID: "failed", WalletID: w.ID, Type: model.TxWithdrawal, Asset: "USDC",
		Amount: model.NewAmount(400), Status: model.TxFailed, CreatedAt: h.now.Add(-time.Hour),
	}))

	_, err = h.withdrawals.Submit(h.ctx, SubmitRequest{
		WalletID: w.ID, Asset: "USDC", Amount: model.NewAmount(200), Destination: "0xabc",
	}, operator)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrPolicyViolation))
	assert.Equal(t, "amount_exceeds_daily_limit", apperrors.ReasonOf(err))

	reqs, err := h.store.ListRequests(h.ctx, repository.RequestFilter{WalletID: w.ID})
	require.NoError(t, err)
	assert.Empty(t, reqs)
	assert.Equal(t, "0", h.balance(w.ID).LockedBalance.String())

	r := h.submit(w.ID, 100, "0xabc")
	assert.Equal(t, model.RequestPending, r.Status)
}

func TestWithdrawal_FreezeCancelsPendingOnly(t *testing.T) {
	h := newHarness(t)
	w, signers := h.newWallet(1, 2)

	done := h.submit(w.ID, 50, "0xa")
	res, err := h.approve(done.ID, signers[0], model.DecisionApprove)
	require.NoError(t, err)
	require.True(t, res.Executed)
	txsBefore, err := h.store.ListTransactions(h.ctx, repository.TransactionFilter{WalletID: w.ID})
	require.NoError(t, err)

	var pending []string
	for i := 0; i < 3; i++ {
		pending = append(pending, h.submit(w.ID, 10, "0xb").ID)
	}

	fr, err := h.registry.FreezeWallet(h.ctx, w.ID, "incident", admin)
	require.NoError(t, err)
	assert.ElementsMatch(t, pending, fr.Cancelled)
	assert.Equal(t, model.WalletFrozen, fr.Wallet.Status)

	for _, id := range pending {
		r := h.request(id)
		assert.Equal(t, model.RequestCancelled, r.Status)
		last := r.AuditTrail[len(r.AuditTrail)-1]
		assert.Equal(t, model.ActionRequestCancelled, last.Action)
		assert.Equal(t, "wallet_frozen", last.ReasonCode)
	}
	assert.Equal(t, model.RequestExecuted, h.request(done.ID).Status)

	txsAfter, err := h.store.ListTransactions(h.ctx, repository.TransactionFilter{WalletID: w.ID})
	require.NoError(t, err)
	assert.Equal(t, txsBefore, txsAfter)

	bal := h.balance(w.ID)
	assert.Equal(t, "949", bal.TotalBalance.String())
	assert.Equal(t, "0", bal.LockedBalance.String())

	_, err = h.withdrawals.Submit(h.ctx, SubmitRequest{WalletID: w.ID, Asset: "USDC", Amount: model.NewAmount(1), Destination: "0xc"}, operator)
	assert.True(t, apperrors.IsType(err, apperrors.ErrWalletState))

	_, err = h.registry.UnfreezeWallet(h.ctx, w.ID, "resolved", admin)
	require.NoError(t, err)
	h.submit(w.ID, 1, "0xc")
}

func TestWithdrawal_DuplicateApprovalIsNoop(t *testing.T) {
	h := newHarness(t)
	w, signers := h.newWallet(2, 3)
	r := h.submit(w.ID, 10, "0xa")

	_, err := h.approve(r.ID, signers[0], model.DecisionApprove)
	require.NoError(t, err)
	res, err := h.approve(r.ID, signers[0], model.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, model.RequestPending, res.Request.Status)
	assert.Len(t, h.request(r.ID).Approvals, 1)

	_, err = h.approve(r.ID, signers[0], model.DecisionReject)
	assert.True(t, apperrors.IsType(err, apperrors.ErrConflict))

	res, err = h.approve(r.ID, signers[1], model.DecisionApprove)
	require.NoError(t, err)
	require.True(t, res.Executed)

	// replay after execution
	res, err = h.approve(r.ID, signers[1], model.DecisionApprove)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Len(t, h.request(r.ID).Approvals, 2)
	assert.Len(t, h.bcast.Submissions(), 1)
}

func TestWithdrawal_InsufficientActiveSignersStaysApproved(t *testing.T) {
	h := newHarness(t)
	signers := []*model.VaultSigner{
		h.addSigner("a", model.RoleAdmin),
		h.addSigner("b", model.RoleOperator),
		h.addSigner("c", model.RoleOperator),
	}
	w, err := h.registry.CreateWallet(h.ctx, CreateWalletRequest{
		Name:      "cold",
		Type:      model.WalletCold,
		SignerIDs: []string{signers[0].ID, signers[1].ID, signers[2].ID},
		Threshold: 2,
		Assets:    []AssetConfig{{Asset: "USDC", NetworkFee: model.NewAmount(1)}},
		DefaultWorkflow: &model.ApprovalWorkflow{
			Name:  "single admin",
			Steps: []model.ApprovalStep{{Name: "admin", RequiredApprovers: 1, AllowedRoles: []model.SignerRole{model.RoleAdmin}}},
		},
	}, admin)
	require.NoError(t, err)
	h.credit(w.ID, 1000)

	r := h.submit(w.ID, 100, "0xa")
	_, err = h.registry.SuspendSigner(h.ctx, signers[1].ID, "leave", admin)
	require.NoError(t, err)
	_, err = h.registry.SuspendSigner(h.ctx, signers[2].ID, "leave", admin)
	require.NoError(t, err)

	res, err := h.approve(r.ID, signers[0], model.DecisionApprove)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Contains(t, res.ExecutionError, "active signers")

	got := h.request(r.ID)
	assert.Equal(t, model.RequestApproved, got.Status)
	assert.Equal(t, 1, got.ExecutionAttempts)
	assert.NotEmpty(t, got.LastError)
	last := got.AuditTrail[len(got.AuditTrail)-1]
	assert.Equal(t, model.ActionExecutionFailed, last.Action)
	assert.False(t, last.Success)
	assert.Equal(t, "insufficient_active_signers", last.ReasonCode)
	assert.Equal(t, "101", h.balance(w.ID).LockedBalance.String())

	_, err = h.withdrawals.Execute(h.ctx, r.ID, admin)
	assert.True(t, apperrors.IsType(err, apperrors.ErrInsufficientSigners))

	_, err = h.registry.ReactivateSigner(h.ctx, signers[1].ID, "back", admin)
	require.NoError(t, err)
	res, err = h.withdrawals.Execute(h.ctx, r.ID, admin)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Equal(t, 3, res.Request.ExecutionAttempts)
	assert.Equal(t, "899", h.balance(w.ID).TotalBalance.String())
}

func TestWithdrawal_BroadcastFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	w, signers := h.newWallet(1, 2)
	r := h.submit(w.ID, 100, "0xa")

	h.bcast.FailNext(errors.New("node unavailable"))
	res, err := h.approve(r.ID, signers[0], model.DecisionApprove)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, model.RequestApproved, h.request(r.ID).Status)
	assert.Equal(t, "1000", h.balance(w.ID).TotalBalance.String())

	s, err := h.registry.GetSigner(h.ctx, signers[0].ID)
	require.NoError(t, err)
	assert.Zero(t, s.SignatureCount)

	res, err = h.withdrawals.Execute(h.ctx, r.ID, admin)
	require.NoError(t, err)
	assert.True(t, res.Executed)

	s, err = h.registry.GetSigner(h.ctx, signers[0].ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.SignatureCount)
	assert.NotNil(t, s.LastSignedAt)
}

func TestWithdrawal_PendingNeverExecutesDirectly(t *testing.T) {
	h := newHarness(t)
	w, _ := h.newWallet(2, 3)
	r := h.submit(w.ID, 10, "0xa")

	_, err := h.withdrawals.Execute(h.ctx, r.ID, admin)
	assert.True(t, apperrors.IsType(err, apperrors.ErrInvalidState))
	assert.Equal(t, "request_not_approved", apperrors.ReasonOf(err))
	assert.Equal(t, model.RequestPending, h.request(r.ID).Status)
	assert.Empty(t, h.bcast.Submissions())
}

func TestWithdrawal_SubmitValidation(t *testing.T) {
	h := newHarness(t)
	w, _ := h.newWallet(2, 3)

	tests := []struct {
		name   string
		req    SubmitRequest
		typ    apperrors.ErrorType
		reason string
	}{
		{"unknown wallet", SubmitRequest{WalletID: "nope", Asset: "USDC", Amount: model.NewAmount(1), Destination: "0xa"}, apperrors.ErrValidation, "wallet_not_found"},
		{"unknown asset", SubmitRequest{WalletID: w.ID, Asset: "BTC", Amount: model.NewAmount(1), Destination: "0xa"}, apperrors.ErrValidation, "unknown_asset"},
		{"zero amount", SubmitRequest{WalletID: w.ID, Asset: "USDC", Destination: "0xa"}, apperrors.ErrValidation, "invalid_amount"},
		{"no destination", SubmitRequest{WalletID: w.ID, Asset: "USDC", Amount: model.NewAmount(1)}, apperrors.ErrValidation, "destination_required"},
		{"bad priority", SubmitRequest{WalletID: w.ID, Asset: "USDC", Amount: model.NewAmount(1), Destination: "0xa", Priority: "asap"}, apperrors.ErrValidation, "invalid_priority"},
		{"fee pushes over balance", SubmitRequest{WalletID: w.ID, Asset: "USDC", Amount: model.NewAmount(1000), Destination: "0xa"}, apperrors.ErrInsufficientBalance, "insufficient_balance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.withdrawals.Submit(h.ctx, tt.req, operator)
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, tt.typ), "got %v", err)
			assert.Equal(t, tt.reason, apperrors.ReasonOf(err))
		})
	}

	reqs, err := h.store.ListRequests(h.ctx, repository.RequestFilter{WalletID: w.ID})
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestWithdrawal_WhitelistEnforced(t *testing.T) {
	h := newHarness(t)
	w, _ := h.newWallet(2, 3)
	_, err := h.registry.SetAccessPolicy(h.ctx, w.ID, model.AccessPolicy{
		WhitelistEnforced:       true,
		WhitelistedDestinations: []string{"0xGood"},
	}, admin)
	require.NoError(t, err)

	_, err = h.withdrawals.Submit(h.ctx, SubmitRequest{WalletID: w.ID, Asset: "USDC", Amount: model.NewAmount(1), Destination: "0xbad"}, operator)
	assert.Equal(t, "destination_not_whitelisted", apperrors.ReasonOf(err))

	h.submit(w.ID, 1, "0xgood")
}

func TestWithdrawal_SelfApprovalForbidden(t *testing.T) {
	h := newHarness(t)
	w, signers := h.newWallet(2, 3)
	requester := model.Actor{ID: signers[0].ID, Role: model.RoleOperator}
	r, err := h.withdrawals.Submit(h.ctx, SubmitRequest{WalletID: w.ID, Asset: "USDC", Amount: model.NewAmount(5), Destination: "0xa"}, requester)
	require.NoError(t, err)

	_, err = h.approve(r.ID, signers[0], model.DecisionApprove)
	assert.True(t, apperrors.IsType(err, apperrors.ErrAuthorization))
	assert.Equal(t, "self_approval_forbidden", apperrors.ReasonOf(err))

	outsider := h.addSigner("outsider", model.RoleOperator)
	_, err = h.approve(r.ID, outsider, model.DecisionApprove)
	assert.Equal(t, "approver_not_wallet_signer", apperrors.ReasonOf(err))

	_, err = h.withdrawals.Approve(h.ctx, ApproveRequest{RequestID: r.ID, Decision: model.DecisionApprove}, operator)
	assert.Equal(t, "approver_not_wallet_signer", apperrors.ReasonOf(err))

	got := h.request(r.ID)
	assert.Empty(t, got.Approvals)
	assert.Len(t, got.AuditTrail, 1)
}

func TestWithdrawal_LazyExpiryReleasesReservation(t *testing.T) {
	h := newHarness(t)
	w, signers := h.newWallet(2, 3)
	r := h.submit(w.ID, 100, "0xa")

	h.advance(25 * time.Hour)
	_, err := h.approve(r.ID, signers[0], model.DecisionApprove)
	assert.Equal(t, "request_expired", apperrors.ReasonOf(err))

	got := h.request(r.ID)
	assert.Equal(t, model.RequestExpired, got.Status)
	assert.Equal(t, "0", h.balance(w.ID).LockedBalance.String())
}

func TestWithdrawal_CancelByRequesterOrAdmin(t *testing.T) {
	h := newHarness(t)
	w, _ := h.newWallet(2, 3)
	r := h.submit(w.ID, 100, "0xa")

	_, err := h.withdrawals.Cancel(h.ctx, r.ID, "", model.Actor{ID: "someone", Role: model.RoleOperator})
	assert.True(t, apperrors.IsType(err, apperrors.ErrAuthorization))

	got, err := h.withdrawals.Cancel(h.ctx, r.ID, "typo", operator)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCancelled, got.Status)
	assert.Equal(t, "0", h.balance(w.ID).LockedBalance.String())

	_, err = h.withdrawals.Cancel(h.ctx, r.ID, "again", admin)
	assert.True(t, apperrors.IsType(err, apperrors.ErrInvalidState))
}

func TestWithdrawal_ApprovalSignatureVerification(t *testing.T) {
	h := newHarness(t)
	h.withdrawals.cfg.VerifySignatures = true
	w, signers := h.newWallet(1, 2)
	r := h.submit(w.ID, 10, "0xa")

	actor := model.Actor{ID: signers[0].ID, Role: signers[0].Role}
	_, err := h.withdrawals.Approve(h.ctx, ApproveRequest{RequestID: r.ID, Decision: model.DecisionApprove, Signature: "0xdeadbeef"}, actor)
	assert.Equal(t, "invalid_signature", apperrors.ReasonOf(err))

	sig, err := h.keys.Sign(h.ctx, signers[0].ID, h.domain.ApprovalDigest(r.ID, signers[0].ID, model.DecisionApprove, 0))
	require.NoError(t, err)
	res, err := h.withdrawals.Approve(h.ctx, ApproveRequest{RequestID: r.ID, Decision: model.DecisionApprove, Signature: sig}, actor)
	require.NoError(t, err)
	assert.True(t, res.Executed)
}

func TestWithdrawal_EventsPublished(t *testing.T) {
	h := newHarness(t)
	w, signers := h.newWallet(1, 2)
	events, cancel := h.core.Events.Subscribe(w.ID, 16)
	defer cancel()

	r := h.submit(w.ID, 10, "0xa")
	_, err := h.approve(r.ID, signers[0], model.DecisionApprove)
	require.NoError(t, err)

	var types []model.EventType
	for len(events) > 0 {
		ev := <-events
		assert.Equal(t, r.ID, ev.RequestID)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []model.EventType{
		model.EventRequestSubmitted,
		model.EventRequestApproved,
		model.EventRequestExecuted,
	}, types)
}

func TestWithdrawal_FailedSettlementWriteRollsBack(t *testing.T) {
	h := newHarness(t)
	store := h.flaky()
	w, signers := h.newWallet(2, 3)
	r := h.submit(w.ID, 100, "0xa")

	_, err := h.approve(r.ID, signers[0], model.DecisionApprove)
	require.NoError(t, err)
	h.bcast.FailNext(errors.New("node unavailable"))
	res, err := h.approve(r.ID, signers[1], model.DecisionApprove)
	require.NoError(t, err)
	require.False(t, res.Executed)

	store.failWallets.Store(true)
	_, err = h.withdrawals.Execute(h.ctx, r.ID, admin)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrInternal))

	// nothing of the settlement landed
	got := h.request(r.ID)
	assert.Equal(t, model.RequestApproved, got.Status)
	assert.Empty(t, got.TxHash)
	assert.Empty(t, got.TransactionID)
	assert.Equal(t, 1, got.ExecutionAttempts)
	bal := h.balance(w.ID)
	assert.Equal(t, "1000", bal.TotalBalance.String())
	assert.Equal(t, "101", bal.LockedBalance.String())
	txs, err := h.store.ListTransactions(h.ctx, repository.TransactionFilter{WalletID: w.ID, Type: model.TxWithdrawal})
	require.NoError(t, err)
	assert.Empty(t, txs)
	require.Len(t, h.bcast.Submissions(), 1)

	store.failWallets.Store(false)
	res, err = h.withdrawals.Execute(h.ctx, r.ID, admin)
	require.NoError(t, err)
	assert.True(t, res.Executed)

	subs := h.bcast.Submissions()
	require.Len(t, subs, 1)
	got = h.request(r.ID)
	assert.Equal(t, model.RequestExecuted, got.Status)
	assert.Equal(t, subs[0].TxHash, got.TxHash)
	bal = h.balance(w.ID)
	assert.Equal(t, "899", bal.TotalBalance.String())
	assert.Equal(t, "0", bal.LockedBalance.String())
	txs, err = h.store.ListTransactions(h.ctx, repository.TransactionFilter{WalletID: w.ID, Type: model.TxWithdrawal})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, got.TransactionID, txs[0].ID)
}

func TestWithdrawal_FreezeRollsBackWhenWalletWriteFails(t *testing.T) {
	h := newHarness(t)
	store := h.flaky()
	w, _ := h.newWallet(2, 3)
	pending := []string{h.submit(w.ID, 100, "0xa").ID, h.submit(w.ID, 100, "0xb").ID}
	events, cancel := h.core.Events.Subscribe(w.ID, 16)
	defer cancel()

	store.failWallets.Store(true)
	_, err := h.registry.FreezeWallet(h.ctx, w.ID, "incident", admin)
	require.Error(t, err)

	for _, id := range pending {
		r := h.request(id)
		assert.Equal(t, model.RequestPending, r.Status)
		assert.Equal(t, model.ActionRequestSubmitted, r.AuditTrail[len(r.AuditTrail)-1].Action)
	}
	got, err := h.registry.GetWallet(h.ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WalletActive, got.Status)
	bal := h.balance(w.ID)
	assert.Equal(t, "202", bal.LockedBalance.String())
	assert.Equal(t, "798", bal.Available.String())

	// rolled back work is neither audited nor announced
	assert.Empty(t, events)
	frozen, err := h.audit.List(h.ctx, repository.AuditFilter{WalletID: w.ID, Action: model.ActionWalletFrozen})
	require.NoError(t, err)
	assert.Empty(t, frozen)

	store.failWallets.Store(false)
	fr, err := h.registry.FreezeWallet(h.ctx, w.ID, "incident", admin)
	require.NoError(t, err)
	assert.ElementsMatch(t, pending, fr.Cancelled)
	assert.Equal(t, "0", h.balance(w.ID).LockedBalance.String())
}

func TestWithdrawal_SubmitRollsBackWhenReservationFails(t *testing.T) {
	h := newHarness(t)
	store := h.flaky()
	w, _ := h.newWallet(2, 3)

	store.failWallets.Store(true)
	_, err := h.withdrawals.Submit(h.ctx, SubmitRequest{WalletID: w.ID, Asset: "USDC", Amount: model.NewAmount(100), Destination: "0xa"}, operator)
	require.Error(t, err)

	reqs, err := h.withdrawals.List(h.ctx, repository.RequestFilter{WalletID: w.ID})
	require.NoError(t, err)
	assert.Empty(t, reqs)
	assert.Equal(t, "0", h.balance(w.ID).LockedBalance.String())

	store.failWallets.Store(false)
	h.submit(w.ID, 100, "0xa")
	assert.Equal(t, "101", h.balance(w.ID).LockedBalance.String())
}

func TestWithdrawal_ConcurrentApprovalsExecuteOnce(t *testing.T) {
	h := newHarness(t)
	w, signers := h.newWallet(2, 5)
	r := h.submit(w.ID, 100, "0xa")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		executed int
		errs     []error
	)
	for _, s := range signers {
		wg.Add(1)
		go func(s *model.VaultSigner) {
			defer wg.Done()
			res, err := h.withdrawals.Approve(h.ctx, ApproveRequest{RequestID: r.ID, Decision: model.DecisionApprove}, model.Actor{ID: s.ID, Role: s.Role})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Executed {
				executed++
			}
		}(s)
	}
	wg.Wait()

	assert.Equal(t, 1, executed)
	assert.Len(t, errs, 3)
	for _, err := range errs {
		assert.Equal(t, "request_not_pending", apperrors.ReasonOf(err))
	}
	assert.Len(t, h.bcast.Submissions(), 1)

	got := h.request(r.ID)
	assert.Equal(t, model.RequestExecuted, got.Status)
	assert.Len(t, got.Approvals, 2)
	assert.Equal(t, "899", h.balance(w.ID).TotalBalance.String())
}

func TestWithdrawal_RevokedApproverLeavesQuorum(t *testing.T) {
	h := newHarness(t)
	w, signers := h.newWallet(2, 3)
	r := h.submit(w.ID, 100, "0xa")

	_, err := h.approve(r.ID, signers[0], model.DecisionApprove)
	require.NoError(t, err)
	_, err = h.registry.RevokeSigner(h.ctx, signers[0].ID, "key compromised", admin)
	require.NoError(t, err)

	res, err := h.approve(r.ID, signers[1], model.DecisionApprove)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, model.RequestPending, res.Request.Status)
	assert.Len(t, res.Request.Approvals, 2)
	assert.Empty(t, h.bcast.Submissions())

	res, err = h.approve(r.ID, signers[2], model.DecisionApprove)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	subs := h.bcast.Submissions()
	require.Len(t, subs, 1)
	for _, sig := range subs[0].Signatures {
		assert.NotEqual(t, signers[0].ID, sig.SignerID)
	}
}

func TestWithdrawal_ReplayedDecisionAfterDeadlineExpires(t *testing.T) {
	h := newHarness(t)
	w, signers := h.newWallet(2, 3)
	r := h.submit(w.ID, 100, "0xa")

	_, err := h.approve(r.ID, signers[0], model.DecisionApprove)
	require.NoError(t, err)

	h.advance(25 * time.Hour)
	_, err = h.approve(r.ID, signers[0], model.DecisionApprove)
	assert.Equal(t, "request_expired", apperrors.ReasonOf(err))
	assert.Equal(t, model.RequestExpired, h.request(r.ID).Status)
	assert.Equal(t, "0", h.balance(w.ID).LockedBalance.String())

	// once expired a replay no longer reads as success
	_, err = h.approve(r.ID, signers[0], model.DecisionApprove)
	assert.Equal(t, "request_not_pending", apperrors.ReasonOf(err))
}
