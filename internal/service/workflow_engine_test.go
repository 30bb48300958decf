package service

import (
	"testing"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyvault/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) register(wf model.ApprovalWorkflow) *model.ApprovalWorkflow {
	h.t.Helper()
	saved, err := h.workflows.RegisterWorkflow(h.ctx, wf, admin)
	require.NoError(h.t, err)
	return saved
}

func TestWorkflow_RegisterValidation(t *testing.T) {
	h := newHarness(t)
	w, _ := h.newWallet(2, 3)

	tests := []struct {
		name   string
		wf     model.ApprovalWorkflow
		reason string
	}{
		{"no name", model.ApprovalWorkflow{Steps: []model.ApprovalStep{{RequiredApprovers: 1}}}, "name_required"},
		{"bad mode", model.ApprovalWorkflow{Name: "x", Mode: "random", Steps: []model.ApprovalStep{{RequiredApprovers: 1}}}, "invalid_mode"},
		{"no steps", model.ApprovalWorkflow{Name: "x"}, "steps_required"},
		{"zero approvers", model.ApprovalWorkflow{Name: "x", Steps: []model.ApprovalStep{{}}}, "invalid_step"},
		{"more than wallet signers", model.ApprovalWorkflow{Name: "x", WalletID: w.ID, Steps: []model.ApprovalStep{{RequiredApprovers: 4}}}, "invalid_step"},
		{"timeout without action", model.ApprovalWorkflow{Name: "x", Steps: []model.ApprovalStep{{RequiredApprovers: 1, TimeoutSeconds: 60}}}, "timeout_action_required"},
		{"bad role", model.ApprovalWorkflow{Name: "x", Steps: []model.ApprovalStep{{RequiredApprovers: 1, AllowedRoles: []model.SignerRole{"intern"}}}}, "invalid_role"},
		{"numeric trigger", model.ApprovalWorkflow{Name: "x", Steps: []model.ApprovalStep{{RequiredApprovers: 1}},
			Triggers: []model.Trigger{{Field: model.TriggerFieldAmount, Operator: model.OpGreaterThan, Value: "lots"}}}, "invalid_trigger"},
		{"string gt", model.ApprovalWorkflow{Name: "x", Steps: []model.ApprovalStep{{RequiredApprovers: 1}},
			Triggers: []model.Trigger{{Field: model.TriggerFieldAsset, Operator: model.OpGreaterThan, Value: "USDC"}}}, "invalid_trigger"},
		{"default reserved", model.ApprovalWorkflow{Name: "x", IsDefault: true, Steps: []model.ApprovalStep{{RequiredApprovers: 1}}}, "default_workflow_reserved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.workflows.RegisterWorkflow(h.ctx, tt.wf, admin)
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, apperrors.ErrValidation))
			assert.Equal(t, tt.reason, apperrors.ReasonOf(err))
		})
	}
}

func TestWorkflow_SelectByTriggerAndPriority(t *testing.T) {
	h := newHarness(t)
	w, _ := h.newWallet(2, 3)
	h.knownDestination(w.ID, "0xknown")

	large := h.register(model.ApprovalWorkflow{
		Name:     "large",
		Priority: 5,
		Steps:    []model.ApprovalStep{{Name: "desk", RequiredApprovers: 3}},
		Triggers: []model.Trigger{{Field: model.TriggerFieldAmount, Operator: model.OpGreaterOrEqual, Value: "300"}},
	})
	urgent := h.register(model.ApprovalWorkflow{
		Name:     "large usdc",
		Priority: 1,
		Steps:    []model.ApprovalStep{{Name: "desk", RequiredApprovers: 1}},
		Triggers: []model.Trigger{
			{Field: model.TriggerFieldAmount, Operator: model.OpGreaterOrEqual, Value: "300"},
			{Field: model.TriggerFieldAsset, Operator: model.OpIn, Value: "usdc, usdt"},
		},
	})
	other := h.register(model.ApprovalWorkflow{
		Name:     "cold only",
		Priority: 0,
		Steps:    []model.ApprovalStep{{Name: "desk", RequiredApprovers: 1}},
		Triggers: []model.Trigger{{Field: model.TriggerFieldWalletType, Operator: model.OpEqual, Value: string(model.WalletCold)}},
	})
	// workflows without triggers never match
	h.register(model.ApprovalWorkflow{Name: "catch all", Priority: -1, Steps: []model.ApprovalStep{{RequiredApprovers: 1}}})

	wallet, err := h.registry.GetWallet(h.ctx, w.ID)
	require.NoError(t, err)

	wf, err := h.workflows.SelectWorkflow(h.ctx, wallet, TriggerInput{Asset: "USDC", Amount: model.NewAmount(400), WalletType: model.WalletWarm})
	require.NoError(t, err)
	assert.Equal(t, urgent.ID, wf.ID)

	wf, err = h.workflows.SelectWorkflow(h.ctx, wallet, TriggerInput{Asset: "ETH", Amount: model.NewAmount(400), WalletType: model.WalletWarm})
	require.NoError(t, err)
	assert.Equal(t, large.ID, wf.ID)

	wf, err = h.workflows.SelectWorkflow(h.ctx, wallet, TriggerInput{Asset: "USDC", Amount: model.NewAmount(10), WalletType: model.WalletCold})
	require.NoError(t, err)
	assert.Equal(t, other.ID, wf.ID)

	wf, err = h.workflows.SelectWorkflow(h.ctx, wallet, TriggerInput{Asset: "USDC", Amount: model.NewAmount(10), WalletType: model.WalletWarm})
	require.NoError(t, err)
	assert.Equal(t, wallet.DefaultWorkflowID, wf.ID)
	assert.True(t, wf.IsDefault)

	r := h.submit(w.ID, 300, "0xknown")
	assert.Equal(t, urgent.ID, r.WorkflowID)
	assert.Equal(t, 1, r.RequiredApprovals)
}

func TestWorkflow_ScopedToOtherWalletIsIgnored(t *testing.T) {
	h := newHarness(t)
	a, _ := h.newWallet(1, 2)
	b, _ := h.newWallet(1, 2)
	h.register(model.ApprovalWorkflow{
		Name:     "b only",
		WalletID: b.ID,
		Steps:    []model.ApprovalStep{{RequiredApprovers: 2}},
		Triggers: []model.Trigger{{Field: model.TriggerFieldAsset, Operator: model.OpEqual, Value: "USDC"}},
	})

	ra := h.submit(a.ID, 10, "0xa")
	wa, err := h.registry.GetWallet(h.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, wa.DefaultWorkflowID, ra.WorkflowID)

	rb := h.submit(b.ID, 10, "0xa")
	assert.Equal(t, 2, rb.RequiredApprovals)
}

func TestWorkflow_FlaggedGoesToHighRiskWorkflow(t *testing.T) {
	h := newHarness(t)
	highRisk := h.register(model.ApprovalWorkflow{
		Name:  "high risk",
		Steps: []model.ApprovalStep{{Name: "admins", RequiredApprovers: 2, AllowedRoles: []model.SignerRole{model.RoleAdmin}}},
	})
	var ids []string
	var admins []*model.VaultSigner
	for i := 0; i < 3; i++ {
		s := h.addSigner("admin", model.RoleAdmin)
		admins = append(admins, s)
		ids = append(ids, s.ID)
	}
	desk := h.addSigner("desk", model.RoleOperator)
	ids = append(ids, desk.ID)
	w, err := h.registry.CreateWallet(h.ctx, CreateWalletRequest{
		Name:               "warm",
		Type:               model.WalletWarm,
		SignerIDs:          ids,
		Threshold:          2,
		Assets:             []AssetConfig{{Asset: "USDC"}},
		HighRiskWorkflowID: highRisk.ID,
	}, admin)
	require.NoError(t, err)
	h.credit(w.ID, 1000)

	h.now = time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC)
	r := h.submit(w.ID, 900, "0xnew")
	require.True(t, r.Flagged)
	assert.Equal(t, highRisk.ID, r.WorkflowID)

	_, err = h.approve(r.ID, desk, model.DecisionApprove)
	assert.Equal(t, "role_not_allowed_for_step", apperrors.ReasonOf(err))

	_, err = h.approve(r.ID, admins[0], model.DecisionApprove)
	require.NoError(t, err)
	res, err := h.approve(r.ID, admins[1], model.DecisionApprove)
	require.NoError(t, err)
	assert.True(t, res.Executed)
}

func TestWorkflow_SequentialSteps(t *testing.T) {
	h := newHarness(t)
	w, signers := h.newWallet(1, 4)
	cfo := h.addSigner("cfo", model.RoleAdmin)
	_, err := h.registry.AttachSigner(h.ctx, w.ID, cfo.ID, admin)
	require.NoError(t, err)

	h.register(model.ApprovalWorkflow{
		Name:     "two stage",
		WalletID: w.ID,
		Steps: []model.ApprovalStep{
			{Name: "desk", RequiredApprovers: 2, AllowedRoles: []model.SignerRole{model.RoleOperator}},
			{Name: "cfo", RequiredApprovers: 1, Approvers: []string{cfo.ID}},
		},
		Triggers: []model.Trigger{{Field: model.TriggerFieldAmount, Operator: model.OpGreaterThan, Value: "0"}},
	})

	r := h.submit(w.ID, 100, "0xa")
	assert.Equal(t, 0, r.CurrentStep)
	assert.Len(t, r.Steps, 1)

	// the cfo cannot jump ahead of the desk
	_, err = h.approve(r.ID, cfo, model.DecisionApprove)
	assert.Equal(t, "role_not_allowed_for_step", apperrors.ReasonOf(err))

	_, err = h.approve(r.ID, signers[0], model.DecisionApprove)
	require.NoError(t, err)
	res, err := h.approve(r.ID, signers[1], model.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, model.RequestPending, res.Request.Status)
	assert.Equal(t, 1, res.Request.CurrentStep)
	assert.Equal(t, 1, res.Request.RequiredApprovals)
	require.Len(t, res.Request.Steps, 2)
	assert.True(t, res.Request.Steps[0].Satisfied)
	last := res.Request.AuditTrail[len(res.Request.AuditTrail)-1]
	assert.Equal(t, model.ActionStepAdvanced, last.Action)

	_, err = h.approve(r.ID, signers[2], model.DecisionApprove)
	assert.Equal(t, "approver_not_listed", apperrors.ReasonOf(err))

	res, err = h.approve(r.ID, cfo, model.DecisionApprove)
	require.NoError(t, err)
	assert.True(t, res.Executed)
}

func TestWorkflow_ParallelSteps(t *testing.T) {
	h := newHarness(t)
	w, ops := h.newWallet(1, 2)
	compliance := h.addSigner("compliance", model.RoleAuditor)
	_, err := h.registry.AttachSigner(h.ctx, w.ID, compliance.ID, admin)
	require.NoError(t, err)

	h.register(model.ApprovalWorkflow{
		Name:     "four eyes",
		WalletID: w.ID,
		Mode:     model.WorkflowParallel,
		Steps: []model.ApprovalStep{
			{Name: "ops", RequiredApprovers: 1, AllowedRoles: []model.SignerRole{model.RoleOperator}},
			{Name: "compliance", RequiredApprovers: 1, AllowedRoles: []model.SignerRole{model.RoleAuditor}},
		},
		Triggers: []model.Trigger{{Field: model.TriggerFieldAsset, Operator: model.OpEqual, Value: "USDC"}},
	})

	r := h.submit(w.ID, 100, "0xa")
	assert.Len(t, r.Steps, 2)

	// either step may go first
	res, err := h.approve(r.ID, compliance, model.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, model.RequestPending, res.Request.Status)
	assert.Equal(t, 1, res.Request.Approvals[0].Step)

	res, err = h.approve(r.ID, ops[0], model.DecisionApprove)
	require.NoError(t, err)
	assert.True(t, res.Executed)
}

func timedWorkflow(walletID string, steps ...model.ApprovalStep) model.ApprovalWorkflow {
	return model.ApprovalWorkflow{
		Name:     "timed",
		WalletID: walletID,
		Steps:    steps,
		Triggers: []model.Trigger{{Field: model.TriggerFieldAsset, Operator: model.OpEqual, Value: "USDC"}},
	}
}

func TestWorkflow_TimeoutAutoReject(t *testing.T) {
	h := newHarness(t)
	w, signers := h.newWallet(1, 3)
	h.register(timedWorkflow(w.ID, model.ApprovalStep{Name: "desk", RequiredApprovers: 2, TimeoutSeconds: 3600, OnTimeout: model.TimeoutAutoReject}))

	r := h.submit(w.ID, 100, "0xa")
	h.advance(2 * time.Hour)

	res, err := h.approve(r.ID, signers[0], model.DecisionApprove)
	assert.True(t, apperrors.IsType(err, apperrors.ErrInvalidState))
	require.NotNil(t, res)
	assert.Equal(t, model.RequestRejected, res.Request.Status)

	got := h.request(r.ID)
	assert.Equal(t, model.RequestRejected, got.Status)
	require.Len(t, got.Approvals, 1)
	assert.True(t, got.Approvals[0].System)
	assert.Equal(t, "0", h.balance(w.ID).LockedBalance.String())
}

func TestWorkflow_TimeoutAutoApproveBySweep(t *testing.T) {
	h := newHarness(t)
	w, signers := h.newWallet(1, 3)
	h.register(timedWorkflow(w.ID,
		model.ApprovalStep{Name: "desk", RequiredApprovers: 2, TimeoutSeconds: 600, OnTimeout: model.TimeoutAutoApprove},
		model.ApprovalStep{Name: "final", RequiredApprovers: 1},
	))

	r := h.submit(w.ID, 100, "0xa")
	h.advance(11 * time.Minute)

	n, err := h.withdrawals.SweepPending(h.ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.request(r.ID)
	assert.Equal(t, model.RequestPending, got.Status)
	assert.Equal(t, 1, got.CurrentStep)
	assert.True(t, got.Steps[0].Satisfied)

	res, err := h.approve(r.ID, signers[0], model.DecisionApprove)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	// the system approval is not a signer approval
	tx, err := h.store.ListTransactions(h.ctx, repository.TransactionFilter{WalletID: w.ID, Type: model.TxWithdrawal})
	require.NoError(t, err)
	require.Len(t, tx, 1)
	assert.Equal(t, []string{signers[0].ID}, tx[0].Approvers)
}

func TestWorkflow_TimeoutEscalate(t *testing.T) {
	h := newHarness(t)
	w, signers := h.newWallet(1, 3)
	h.register(timedWorkflow(w.ID,
		model.ApprovalStep{Name: "desk", RequiredApprovers: 2, TimeoutSeconds: 600, OnTimeout: model.TimeoutEscalate},
		model.ApprovalStep{Name: "supervisor", RequiredApprovers: 1, TimeoutSeconds: 600, OnTimeout: model.TimeoutEscalate},
	))

	r := h.submit(w.ID, 100, "0xa")
	_, err := h.approve(r.ID, signers[0], model.DecisionApprove)
	require.NoError(t, err)

	h.advance(11 * time.Minute)
	_, err = h.withdrawals.SweepPending(h.ctx, w.ID)
	require.NoError(t, err)
	got := h.request(r.ID)
	assert.Equal(t, model.RequestPending, got.Status)
	assert.Equal(t, 1, got.CurrentStep)
	assert.True(t, got.Steps[0].Escalated)

	// the final step cannot be escalated away
	h.advance(11 * time.Minute)
	_, err = h.withdrawals.SweepPending(h.ctx, w.ID)
	require.NoError(t, err)
	got = h.request(r.ID)
	assert.Equal(t, model.RequestRejected, got.Status)
	last := got.AuditTrail[len(got.AuditTrail)-1]
	assert.Equal(t, "escalation_exhausted", last.ReasonCode)
}
