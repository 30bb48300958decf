package service

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyvault/internal/pkg/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WorkflowEngine selects workflows for new requests and drives their steps.
type WorkflowEngine struct {
	*Core
}

func NewWorkflowEngine(core *Core) *WorkflowEngine {
	return &WorkflowEngine{Core: core}
}

// RegisterWorkflow validates and stores a workflow. A workflow scoped to a wallet
// must not demand more approvers per step than the wallet has signers.
func (e *WorkflowEngine) RegisterWorkflow(ctx context.Context, wf model.ApprovalWorkflow, actor model.Actor) (*model.ApprovalWorkflow, error) {
	var wallet *model.VaultWallet
	if wf.WalletID != "" {
		w, err := e.getWallet(ctx, wf.WalletID)
		if err != nil {
			return nil, err
		}
		wallet = w
	}
	if wf.IsDefault {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "default_workflow_reserved", "default workflows are created with their wallet")
	}
	if err := e.validate(&wf, wallet); err != nil {
		return nil, err
	}
	saved, err := e.save(ctx, &wf)
	if err != nil {
		return nil, err
	}
	e.record(ctx, model.AuditEntry{
		WalletID: saved.WalletID,
		Actor:    actor.ID,
		Action:   model.ActionWorkflowRegistered,
		Success:  true,
		Details:  fmt.Sprintf("workflow %q registered with %d steps", saved.Name, len(saved.Steps)),
		Context:  map[string]any{"workflow_id": saved.ID},
	})
	return saved, nil
}

func (e *WorkflowEngine) GetWorkflow(ctx context.Context, id string) (*model.ApprovalWorkflow, error) {
	return e.getWorkflow(ctx, id)
}

func (e *WorkflowEngine) ListWorkflows(ctx context.Context) ([]*model.ApprovalWorkflow, error) {
	return e.Store.ListWorkflows(ctx)
}

func (e *WorkflowEngine) save(ctx context.Context, wf *model.ApprovalWorkflow) (*model.ApprovalWorkflow, error) {
	now := e.now()
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Mode == "" {
		wf.Mode = model.WorkflowSequential
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if err := e.Store.SaveWorkflow(ctx, wf); err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "save workflow", err)
	}
	return wf, nil
}

func (e *WorkflowEngine) validate(wf *model.ApprovalWorkflow, wallet *model.VaultWallet) error {
	if strings.TrimSpace(wf.Name) == "" {
		return apperrors.WithReason(apperrors.ErrValidation, "name_required", "workflow name is required")
	}
	if wf.Mode == "" {
		wf.Mode = model.WorkflowSequential
	}
	if wf.Mode != model.WorkflowSequential && wf.Mode != model.WorkflowParallel {
		return apperrors.WithReason(apperrors.ErrValidation, "invalid_mode", fmt.Sprintf("invalid workflow mode %q", wf.Mode))
	}
	if len(wf.Steps) == 0 {
		return apperrors.WithReason(apperrors.ErrValidation, "steps_required", "a workflow needs at least one step")
	}
	for i, s := range wf.Steps {
		if s.RequiredApprovers < 1 {
			return apperrors.WithReason(apperrors.ErrValidation, "invalid_step", fmt.Sprintf("step %d requires at least one approver", i))
		}
		for _, role := range s.AllowedRoles {
			if !role.Valid() {
				return apperrors.WithReason(apperrors.ErrValidation, "invalid_role", fmt.Sprintf("step %d: invalid role %q", i, role))
			}
		}
		if len(s.Approvers) > 0 && s.RequiredApprovers > len(s.Approvers) {
			return apperrors.WithReason(apperrors.ErrValidation, "invalid_step",
				fmt.Sprintf("step %d requires %d approvers but lists %d", i, s.RequiredApprovers, len(s.Approvers)))
		}
		if wallet != nil && s.RequiredApprovers > len(wallet.SignerIDs) {
			return apperrors.WithReason(apperrors.ErrValidation, "invalid_step",
				fmt.Sprintf("step %d requires %d approvers but the wallet has %d signers", i, s.RequiredApprovers, len(wallet.SignerIDs)))
		}
		if s.TimeoutSeconds < 0 {
			return apperrors.WithReason(apperrors.ErrValidation, "invalid_timeout", fmt.Sprintf("step %d: negative timeout", i))
		}
		if s.TimeoutSeconds > 0 {
			switch s.OnTimeout {
			case model.TimeoutAutoApprove, model.TimeoutAutoReject, model.TimeoutEscalate:
			default:
				return apperrors.WithReason(apperrors.ErrValidation, "timeout_action_required",
					fmt.Sprintf("step %d has a timeout but no valid on_timeout action", i))
			}
		}
	}
	for _, t := range wf.Triggers {
		if err := validateTrigger(t); err != nil {
			return err
		}
	}
	return nil
}

func validateTrigger(t model.Trigger) error {
	switch t.Field {
	case model.TriggerFieldAmount, model.TriggerFieldRiskScore:
		if t.Operator == model.OpIn {
			break
		}
		if _, err := decimal.NewFromString(t.Value); err != nil {
			return apperrors.WithReason(apperrors.ErrValidation, "invalid_trigger", fmt.Sprintf("trigger %s needs a numeric value", t.Field))
		}
	case model.TriggerFieldAsset, model.TriggerFieldDestination, model.TriggerFieldWalletType:
		switch t.Operator {
		case model.OpEqual, model.OpNotEqual, model.OpIn:
		default:
			return apperrors.WithReason(apperrors.ErrValidation, "invalid_trigger", fmt.Sprintf("trigger %s supports eq, ne and in only", t.Field))
		}
	case model.TriggerFieldFlagged:
		if _, err := strconv.ParseBool(t.Value); err != nil {
			return apperrors.WithReason(apperrors.ErrValidation, "invalid_trigger", "flagged trigger needs a boolean value")
		}
	default:
		return apperrors.WithReason(apperrors.ErrValidation, "invalid_trigger", fmt.Sprintf("unknown trigger field %q", t.Field))
	}
	switch t.Operator {
	case model.OpGreaterThan, model.OpGreaterOrEqual, model.OpLessThan, model.OpLessOrEqual, model.OpEqual, model.OpNotEqual, model.OpIn:
		return nil
	}
	return apperrors.WithReason(apperrors.ErrValidation, "invalid_trigger", fmt.Sprintf("unknown trigger operator %q", t.Operator))
}

// TriggerInput is what trigger predicates are evaluated against.
type TriggerInput struct {
	Asset       string
	Amount      model.Amount
	Destination string
	RiskScore   float64
	Flagged     bool
	WalletType  model.WalletType
}

// SelectWorkflow picks the workflow for a new request. A flagged request goes to the
// wallet's high-risk workflow when one is configured. Otherwise the first workflow
// (by priority, then age) whose triggers all hold wins; workflows without triggers
// never match. The wallet default is the fallback.
func (e *WorkflowEngine) SelectWorkflow(ctx context.Context, w *model.VaultWallet, in TriggerInput) (*model.ApprovalWorkflow, error) {
	if in.Flagged && w.HighRiskWorkflowID != "" {
		return e.getWorkflow(ctx, w.HighRiskWorkflowID)
	}
	all, err := e.Store.ListWorkflows(ctx)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "list workflows", err)
	}
	for _, wf := range all {
		if wf.IsDefault || len(wf.Triggers) == 0 {
			continue
		}
		if wf.WalletID != "" && wf.WalletID != w.ID {
			continue
		}
		if matchesAll(wf.Triggers, in) {
			return wf, nil
		}
	}
	if w.DefaultWorkflowID == "" {
		return nil, apperrors.WithReason(apperrors.ErrInternal, "no_default_workflow", "wallet has no default workflow")
	}
	return e.getWorkflow(ctx, w.DefaultWorkflowID)
}

func matchesAll(triggers []model.Trigger, in TriggerInput) bool {
	for _, t := range triggers {
		if !matchTrigger(t, in) {
			return false
		}
	}
	return true
}

func matchTrigger(t model.Trigger, in TriggerInput) bool {
	switch t.Field {
	case model.TriggerFieldAmount:
		return compareNumber(in.Amount.Decimal(), t)
	case model.TriggerFieldRiskScore:
		return compareNumber(decimal.NewFromFloat(in.RiskScore), t)
	case model.TriggerFieldAsset:
		return compareString(in.Asset, t)
	case model.TriggerFieldDestination:
		return compareString(in.Destination, t)
	case model.TriggerFieldWalletType:
		return compareString(string(in.WalletType), t)
	case model.TriggerFieldFlagged:
		want, err := strconv.ParseBool(t.Value)
		if err != nil {
			return false
		}
		if t.Operator == model.OpNotEqual {
			return in.Flagged != want
		}
		return in.Flagged == want
	}
	return false
}

func compareNumber(v decimal.Decimal, t model.Trigger) bool {
	if t.Operator == model.OpIn {
		for _, raw := range splitList(t.Value) {
			if d, err := decimal.NewFromString(raw); err == nil && v.Equal(d) {
				return true
			}
		}
		return false
	}
	want, err := decimal.NewFromString(strings.TrimSpace(t.Value))
	if err != nil {
		return false
	}
	switch t.Operator {
	case model.OpGreaterThan:
		return v.GreaterThan(want)
	case model.OpGreaterOrEqual:
		return v.GreaterThanOrEqual(want)
	case model.OpLessThan:
		return v.LessThan(want)
	case model.OpLessOrEqual:
		return v.LessThanOrEqual(want)
	case model.OpEqual:
		return v.Equal(want)
	case model.OpNotEqual:
		return !v.Equal(want)
	}
	return false
}

func compareString(v string, t model.Trigger) bool {
	switch t.Operator {
	case model.OpEqual:
		return strings.EqualFold(v, strings.TrimSpace(t.Value))
	case model.OpNotEqual:
		return !strings.EqualFold(v, strings.TrimSpace(t.Value))
	case model.OpIn:
		return slices.ContainsFunc(splitList(t.Value), func(s string) bool { return strings.EqualFold(s, v) })
	}
	return false
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// StartRequest initializes the step bookkeeping of a new request.
func (e *WorkflowEngine) StartRequest(wf *model.ApprovalWorkflow, r *model.WithdrawalRequest) {
	now := e.now()
	r.WorkflowID = wf.ID
	r.CurrentStep = 0
	r.Steps = nil
	if wf.Mode == model.WorkflowParallel {
		for i := range wf.Steps {
			r.Steps = append(r.Steps, model.StepState{Step: i, StartedAt: now})
		}
	} else {
		r.Steps = []model.StepState{{Step: 0, StartedAt: now}}
	}
	r.RequiredApprovals = wf.Steps[0].RequiredApprovers
}

// openSteps returns the step indexes that currently accept approvals.
func openSteps(wf *model.ApprovalWorkflow, r *model.WithdrawalRequest) []int {
	if wf.Mode != model.WorkflowParallel {
		if r.CurrentStep < len(wf.Steps) {
			return []int{r.CurrentStep}
		}
		return nil
	}
	var out []int
	for i := range wf.Steps {
		if st := r.Step(i); st != nil && !st.Satisfied && !st.Escalated {
			out = append(out, i)
		}
	}
	return out
}

// Authorize finds the open step the approver may act on, or explains why none.
// Role and approver-list constraints must both hold when both are configured.
func (e *WorkflowEngine) Authorize(wf *model.ApprovalWorkflow, w *model.VaultWallet, r *model.WithdrawalRequest, s *model.VaultSigner) (int, error) {
	if s.ID == r.Requester {
		return -1, apperrors.WithReason(apperrors.ErrAuthorization, "self_approval_forbidden", "the requester cannot decide their own request")
	}
	if !w.HasSigner(s.ID) {
		return -1, apperrors.WithReason(apperrors.ErrAuthorization, "approver_not_wallet_signer", fmt.Sprintf("signer %s is not a signer of wallet %s", s.ID, w.ID))
	}
	if !s.IsActive() {
		return -1, apperrors.WithReason(apperrors.ErrAuthorization, "approver_not_active", fmt.Sprintf("signer %s is %s", s.ID, s.Status))
	}
	if !s.HasPermission(model.PermissionApprove) {
		return -1, apperrors.WithReason(apperrors.ErrAuthorization, "missing_permission", fmt.Sprintf("signer %s lacks the approve permission", s.ID))
	}
	open := openSteps(wf, r)
	if len(open) == 0 {
		return -1, apperrors.WithReason(apperrors.ErrInvalidState, "no_open_step", "request has no step awaiting approval")
	}
	var lastErr error
	for _, i := range open {
		step := wf.Steps[i]
		if len(step.AllowedRoles) > 0 && !slices.Contains(step.AllowedRoles, s.Role) {
			lastErr = apperrors.WithReason(apperrors.ErrAuthorization, "role_not_allowed_for_step",
				fmt.Sprintf("role %s may not approve step %q", s.Role, step.Name))
			continue
		}
		if len(step.Approvers) > 0 && !slices.Contains(step.Approvers, s.ID) {
			lastErr = apperrors.WithReason(apperrors.ErrAuthorization, "approver_not_listed",
				fmt.Sprintf("signer %s is not an approver of step %q", s.ID, step.Name))
			continue
		}
		return i, nil
	}
	return -1, lastErr
}

// StepOutcome reports what an approval or a timeout did to the request.
type StepOutcome struct {
	Advanced bool
	Approved bool
	Rejected bool
	Reason   string
}

// Advance appends approval and recomputes quorum. activeSigners are the wallet's
// currently active signer ids; approvals from anyone else no longer count.
func (e *WorkflowEngine) Advance(wf *model.ApprovalWorkflow, r *model.WithdrawalRequest, approval model.Approval, activeSigners []string) StepOutcome {
	r.Approvals = append(r.Approvals, approval)
	metrics.ApprovalsTotal.WithLabelValues(string(approval.Decision)).Inc()

	if approval.Decision == model.DecisionReject {
		return StepOutcome{Rejected: true, Reason: "rejected_by_approver"}
	}
	out := StepOutcome{}
	if e.quorumReached(wf, r, approval.Step, activeSigners) {
		e.satisfyStep(wf, r, approval.Step)
		out.Advanced = true
	}
	if e.allSatisfied(wf, r) {
		out.Approved = true
	}
	return out
}

func (e *WorkflowEngine) quorumReached(wf *model.ApprovalWorkflow, r *model.WithdrawalRequest, step int, activeSigners []string) bool {
	count := 0
	for _, a := range r.Approvals {
		if a.Step != step || a.Decision != model.DecisionApprove {
			continue
		}
		if a.System || slices.Contains(activeSigners, a.ApproverID) {
			count++
		}
	}
	return count >= wf.Steps[step].RequiredApprovers
}

// satisfyStep marks step done and, in sequential mode, opens the next one.
func (e *WorkflowEngine) satisfyStep(wf *model.ApprovalWorkflow, r *model.WithdrawalRequest, step int) {
	now := e.now()
	if st := r.Step(step); st != nil {
		st.Satisfied = true
		st.SatisfiedAt = &now
	}
	e.moveOn(wf, r, step, now)
}

func (e *WorkflowEngine) moveOn(wf *model.ApprovalWorkflow, r *model.WithdrawalRequest, step int, now time.Time) {
	if wf.Mode == model.WorkflowParallel {
		if open := openSteps(wf, r); len(open) > 0 {
			r.CurrentStep = open[0]
			r.RequiredApprovals = wf.Steps[open[0]].RequiredApprovers
		} else {
			r.CurrentStep = len(wf.Steps)
		}
		return
	}
	if step != r.CurrentStep {
		return
	}
	r.CurrentStep++
	if r.CurrentStep < len(wf.Steps) {
		r.Steps = append(r.Steps, model.StepState{Step: r.CurrentStep, StartedAt: now})
		r.RequiredApprovals = wf.Steps[r.CurrentStep].RequiredApprovers
	}
}

// allSatisfied is true once every step is satisfied, ignoring escalated steps
// whose duty passed to a later step.
func (e *WorkflowEngine) allSatisfied(wf *model.ApprovalWorkflow, r *model.WithdrawalRequest) bool {
	for i := range wf.Steps {
		st := r.Step(i)
		if st == nil {
			return false
		}
		if !st.Satisfied && !st.Escalated {
			return false
		}
	}
	// the final step can never be waived by escalation
	last := r.Step(len(wf.Steps) - 1)
	return last != nil && last.Satisfied
}

// ProcessTimeouts applies each overdue open step's on_timeout action.
func (e *WorkflowEngine) ProcessTimeouts(ctx context.Context, wf *model.ApprovalWorkflow, r *model.WithdrawalRequest) (StepOutcome, bool) {
	now := e.now()
	var out StepOutcome
	changed := false
	for _, i := range openSteps(wf, r) {
		step := wf.Steps[i]
		st := r.Step(i)
		if step.TimeoutSeconds <= 0 || st == nil || now.Before(st.StartedAt.Add(step.Timeout())) {
			continue
		}
		changed = true
		e.recordOnRequest(ctx, r, model.AuditEntry{
			Actor:      model.ActorSystem,
			Action:     model.ActionStepTimeout,
			Success:    true,
			ReasonCode: string(step.OnTimeout),
			Details:    fmt.Sprintf("step %q timed out after %s: %s", step.Name, step.Timeout(), step.OnTimeout),
			Context:    map[string]any{"step": i},
		})
		switch step.OnTimeout {
		case model.TimeoutAutoReject:
			r.Approvals = append(r.Approvals, systemApproval(i, model.DecisionReject, "step timeout", now))
			return StepOutcome{Rejected: true, Reason: "step_timeout_auto_reject"}, true
		case model.TimeoutAutoApprove:
			r.Approvals = append(r.Approvals, systemApproval(i, model.DecisionApprove, "step timeout", now))
			e.satisfyStep(wf, r, i)
			out.Advanced = true
		case model.TimeoutEscalate:
			if i == len(wf.Steps)-1 {
				return StepOutcome{Rejected: true, Reason: "escalation_exhausted"}, true
			}
			st.Escalated = true
			e.moveOn(wf, r, i, now)
			out.Advanced = true
		}
	}
	if changed && e.allSatisfied(wf, r) {
		out.Approved = true
	}
	return out, changed
}

func systemApproval(step int, d model.Decision, reason string, at time.Time) model.Approval {
	return model.Approval{
		ID:         uuid.NewString(),
		ApproverID: model.ActorSystem,
		Decision:   d,
		Reason:     reason,
		Step:       step,
		System:     true,
		CreatedAt:  at,
	}
}
