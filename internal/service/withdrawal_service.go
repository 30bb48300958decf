package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyvault/internal/pkg/logger"
	"github.com/GoPolymarket/polyvault/internal/repository"
	"github.com/GoPolymarket/polyvault/internal/signer"
	"github.com/google/uuid"
)

type WithdrawalConfig struct {
	RequestTTL       time.Duration
	VerifySignatures bool
}

// WithdrawalService owns the withdrawal request state machine. Every mutation of a
// request happens under its wallet's lock, so quorum checks and the approved ->
// executed transition have a single writer.
type WithdrawalService struct {
	*Core
	policy    *PolicyEngine
	risk      *RiskEngine
	workflows *WorkflowEngine
	executor  *MultiSigExecutor
	domain    signer.Domain
	cfg       WithdrawalConfig
}

func NewWithdrawalService(core *Core, policy *PolicyEngine, risk *RiskEngine, workflows *WorkflowEngine, executor *MultiSigExecutor, domain signer.Domain, cfg WithdrawalConfig) *WithdrawalService {
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = 24 * time.Hour
	}
	return &WithdrawalService{
		Core:      core,
		policy:    policy,
		risk:      risk,
		workflows: workflows,
		executor:  executor,
		domain:    domain,
		cfg:       cfg,
	}
}

type SubmitRequest struct {
	WalletID    string                `json:"wallet_id"`
	Asset       string                `json:"asset"`
	Amount      model.Amount          `json:"amount"`
	Destination string                `json:"destination"`
	Memo        string                `json:"memo,omitempty"`
	Priority    model.RequestPriority `json:"priority,omitempty"`
	Metadata    map[string]string     `json:"metadata,omitempty"`
}

func (req *SubmitRequest) validate() error {
	req.WalletID = strings.TrimSpace(req.WalletID)
	req.Asset = strings.TrimSpace(req.Asset)
	req.Destination = strings.TrimSpace(req.Destination)
	switch {
	case req.WalletID == "":
		return apperrors.WithReason(apperrors.ErrValidation, "wallet_required", "wallet_id is required")
	case req.Asset == "":
		return apperrors.WithReason(apperrors.ErrValidation, "asset_required", "asset is required")
	case req.Amount.IsZero():
		return apperrors.WithReason(apperrors.ErrValidation, "invalid_amount", "amount must be positive")
	case req.Destination == "":
		return apperrors.WithReason(apperrors.ErrValidation, "destination_required", "destination is required")
	}
	switch req.Priority {
	case "":
		req.Priority = model.PriorityNormal
	case model.PriorityNormal, model.PriorityHigh, model.PriorityUrgent:
	default:
		return apperrors.WithReason(apperrors.ErrValidation, "invalid_priority", fmt.Sprintf("invalid priority %q", req.Priority))
	}
	return nil
}

// Submit runs policy, balance, whitelist, risk and workflow selection and, only when
// all pass, creates a pending request and reserves amount plus fee on the wallet.
func (s *WithdrawalService) Submit(ctx context.Context, req SubmitRequest, actor model.Actor) (*model.WithdrawalRequest, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	unlock := s.LockWallet(req.WalletID)
	defer unlock()
	ctx, flush := s.deferEffects(ctx)
	defer flush()

	w, err := s.getWallet(ctx, req.WalletID)
	if apperrors.IsType(err, apperrors.ErrNotFound) {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "wallet_not_found", fmt.Sprintf("unknown wallet %s", req.WalletID))
	}
	if err != nil {
		return nil, err
	}
	bal, ok := w.Asset(req.Asset)
	if !ok {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "unknown_asset", fmt.Sprintf("wallet %s holds no %s", w.ID, req.Asset))
	}

	now := s.now()
	decision, err := s.policy.Evaluate(ctx, w, req.Asset, req.Amount, req.Destination, actor, now)
	if err != nil {
		s.denied(ctx, w.ID, actor, err)
		return nil, err
	}
	if !decision.Allowed {
		err := decision.Err()
		s.denied(ctx, w.ID, actor, err)
		return nil, err
	}

	reserved, err := req.Amount.Add(bal.NetworkFee)
	if err != nil {
		return nil, apperrors.WithReasonCause(apperrors.ErrValidation, "invalid_amount", "amount overflows", err)
	}
	if reserved.GreaterThan(bal.Available()) {
		err := apperrors.WithReason(apperrors.ErrInsufficientBalance, "insufficient_balance",
			fmt.Sprintf("amount %s plus fee %s exceeds available %s %s", req.Amount, bal.NetworkFee, bal.Available(), req.Asset))
		s.denied(ctx, w.ID, actor, err)
		return nil, err
	}

	wl, err := s.policy.CheckDestination(ctx, w, req.Destination)
	if err != nil {
		return nil, err
	}
	if !wl.Allowed {
		err := wl.Err()
		s.denied(ctx, w.ID, actor, err)
		return nil, err
	}

	risk, err := s.risk.Score(ctx, w, req.Asset, req.Amount, req.Destination, now)
	if err != nil {
		return nil, err
	}
	wf, err := s.workflows.SelectWorkflow(ctx, w, TriggerInput{
		Asset:       req.Asset,
		Amount:      req.Amount,
		Destination: req.Destination,
		RiskScore:   risk.Score,
		Flagged:     risk.Flagged,
		WalletType:  w.Type,
	})
	if err != nil {
		return nil, err
	}

	r := &model.WithdrawalRequest{
		ID:            uuid.NewString(),
		WalletID:      w.ID,
		Requester:     actor.ID,
		RequesterRole: actor.Role,
		Asset:         req.Asset,
		Amount:        req.Amount,
		NetworkFee:    bal.NetworkFee,
		Destination:   req.Destination,
		Memo:          req.Memo,
		Priority:      req.Priority,
		RiskScore:     risk.Score,
		RiskFactors:   risk.Factors,
		Flagged:       risk.Flagged,
		OverrideUsed:  decision.OverrideUsed,
		Status:        model.RequestPending,
		Metadata:      req.Metadata,
		SubmittedAt:   now,
		ExpiresAt:     now.Add(s.cfg.RequestTTL),
		UpdatedAt:     now,
	}
	s.workflows.StartRequest(wf, r)

	details := fmt.Sprintf("withdrawal of %s %s to %s submitted, risk %.2f", r.Amount, r.Asset, r.Destination, r.RiskScore)
	if r.Flagged {
		details += " (flagged)"
	}
	s.recordOnRequest(ctx, r, model.AuditEntry{
		Actor:   actor.ID,
		Action:  model.ActionRequestSubmitted,
		Success: true,
		Details: details,
		Context: map[string]any{
			"workflow_id":    wf.ID,
			"risk_factors":   r.RiskFactors,
			"flagged":        r.Flagged,
			"override_used":  r.OverrideUsed,
			"policy_version": decision.PolicyVersion,
		},
	})

	bal.LockedBalance, err = bal.LockedBalance.Add(reserved)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "reserve balance", err)
	}
	bal.UpdatedAt = now
	w.LastActivityAt = &now
	w.UpdatedAt = now
	s.countRequest(ctx, model.RequestPending)
	s.publish(ctx, model.EventRequestSubmitted, w.ID, r.ID, actor.ID, map[string]any{
		"asset": r.Asset, "amount": r.Amount.String(), "risk_score": r.RiskScore, "flagged": r.Flagged,
	})

	// 预留与请求同一事务落库
	err = s.commitWallet(ctx, w.ID, func(ctx context.Context) error {
		if err := s.Store.CreateRequest(ctx, r); err != nil {
			return apperrors.New(apperrors.ErrInternal, "create request", err)
		}
		if err := s.Store.UpdateWallet(ctx, w); err != nil {
			return apperrors.New(apperrors.ErrInternal, "reserve balance", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("withdrawal submitted",
		"wallet_id", w.ID, "request_id", r.ID, "actor", actor.ID,
		"amount", r.Amount.String(), "asset", r.Asset, "risk_score", r.RiskScore, "workflow_id", wf.ID)
	return r, nil
}

// denied records a refused submission; no request exists for it.
func (s *WithdrawalService) denied(ctx context.Context, walletID string, actor model.Actor, err error) {
	s.record(ctx, model.AuditEntry{
		WalletID:   walletID,
		Actor:      actor.ID,
		Action:     model.ActionRequestDenied,
		Success:    false,
		ReasonCode: apperrors.ReasonOf(err),
		Details:    err.Error(),
	})
	logger.Info("withdrawal refused", "wallet_id", walletID, "actor", actor.ID, "reason", apperrors.ReasonOf(err))
}

type ApproveRequest struct {
	RequestID string         `json:"request_id"`
	Decision  model.Decision `json:"decision"`
	Reason    string         `json:"reason,omitempty"`
	Signature string         `json:"signature,omitempty"`
}

type ApprovalResult struct {
	Request        *model.WithdrawalRequest `json:"request"`
	Executed       bool                     `json:"executed"`
	ExecutionError string                   `json:"execution_error,omitempty"`

	// settlement is the ledger row of a successful execution, written with the request.
	settlement *model.VaultTransaction
}

// Approve records one approver decision. Reaching approval triggers execution in the
// same call; an execution failure is reported in the result and leaves the request
// approved.
func (s *WithdrawalService) Approve(ctx context.Context, req ApproveRequest, actor model.Actor) (*ApprovalResult, error) {
	if !req.Decision.Valid() {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "invalid_decision", fmt.Sprintf("invalid decision %q", req.Decision))
	}
	pre, err := s.getRequest(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}

	unlock := s.LockWallet(pre.WalletID)
	defer unlock()
	ctx, flush := s.deferEffects(ctx)
	defer flush()

	r, err := s.getRequest(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	w, err := s.getWallet(ctx, r.WalletID)
	if err != nil {
		return nil, err
	}

	if expired, err := s.expireLocked(ctx, w, r); err != nil {
		return nil, err
	} else if expired {
		return nil, apperrors.WithReason(apperrors.ErrInvalidState, "request_expired", fmt.Sprintf("request %s expired", r.ID))
	}
	// a replayed decision is a no-op unless the request was closed without one
	if prior, ok := r.DecisionFrom(actor.ID); ok && r.Status != model.RequestCancelled && r.Status != model.RequestExpired {
		if prior.Decision == req.Decision {
			return &ApprovalResult{Request: r, Executed: r.Status == model.RequestExecuted}, nil
		}
		return nil, apperrors.WithReason(apperrors.ErrConflict, "decision_already_recorded",
			fmt.Sprintf("%s already recorded %s on request %s", actor.ID, prior.Decision, r.ID))
	}
	if r.Status != model.RequestPending {
		return nil, apperrors.WithReason(apperrors.ErrInvalidState, "request_not_pending", fmt.Sprintf("request %s is %s", r.ID, r.Status))
	}

	wf, err := s.getWorkflow(ctx, r.WorkflowID)
	if err != nil {
		return nil, err
	}

	if out, changed := s.workflows.ProcessTimeouts(ctx, wf, r); changed {
		res, err := s.applyOutcome(ctx, w, r, out, model.ActorSystem)
		if err != nil {
			return nil, err
		}
		if err := s.persist(ctx, w, r, res.settlement); err != nil {
			return nil, err
		}
		if r.Status != model.RequestPending {
			return res, apperrors.WithReason(apperrors.ErrInvalidState, "request_not_pending",
				fmt.Sprintf("request %s is %s after step timeout", r.ID, r.Status))
		}
	}

	approver, err := s.Store.GetSigner(ctx, actor.ID)
	if errors.Is(err, repository.ErrNotFound) {
		err := apperrors.WithReason(apperrors.ErrAuthorization, "approver_not_wallet_signer", fmt.Sprintf("%s is not a vault signer", actor.ID))
		s.approvalDenied(ctx, r, actor, err)
		return nil, err
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "load signer", err)
	}
	step, err := s.workflows.Authorize(wf, w, r, approver)
	if err != nil {
		s.approvalDenied(ctx, r, actor, err)
		return nil, err
	}
	if s.cfg.VerifySignatures {
		digest := s.domain.ApprovalDigest(r.ID, approver.ID, req.Decision, step)
		if err := signer.VerifySignature(digest, req.Signature, approver.PublicKey); err != nil {
			err := apperrors.WithReasonCause(apperrors.ErrAuthorization, "invalid_signature", "approval signature does not verify", err)
			s.approvalDenied(ctx, r, actor, err)
			return nil, err
		}
	}

	now := s.now()
	approval := model.Approval{
		ID:           uuid.NewString(),
		ApproverID:   approver.ID,
		ApproverRole: approver.Role,
		Decision:     req.Decision,
		Reason:       req.Reason,
		Signature:    req.Signature,
		Step:         step,
		CreatedAt:    now,
	}
	if actor.IP != "" || actor.Jurisdiction != "" {
		approval.Context = map[string]string{"ip": actor.IP, "jurisdiction": actor.Jurisdiction}
	}
	activeIDs, err := s.activeSignerIDs(ctx, w)
	if err != nil {
		return nil, err
	}
	out := s.workflows.Advance(wf, r, approval, activeIDs)
	s.recordOnRequest(ctx, r, model.AuditEntry{
		Actor:   approver.ID,
		Action:  model.ActionApprovalRecorded,
		Success: true,
		Details: fmt.Sprintf("%s recorded %s on step %d", approver.ID, req.Decision, step),
		Context: map[string]any{"step": step, "decision": req.Decision},
	})

	res, err := s.applyOutcome(ctx, w, r, out, approver.ID)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, w, r, res.settlement); err != nil {
		return nil, err
	}
	s.touchApprover(ctx, approver.ID, now)
	return res, nil
}

func (s *WithdrawalService) approvalDenied(ctx context.Context, r *model.WithdrawalRequest, actor model.Actor, err error) {
	s.record(ctx, model.AuditEntry{
		WalletID:   r.WalletID,
		RequestID:  r.ID,
		Actor:      actor.ID,
		Action:     model.ActionApprovalDenied,
		Success:    false,
		ReasonCode: apperrors.ReasonOf(err),
		Details:    err.Error(),
	})
}

func (s *WithdrawalService) activeSignerIDs(ctx context.Context, w *model.VaultWallet) ([]string, error) {
	active, err := s.activeWalletSigners(ctx, w)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(active))
	for i, sg := range active {
		ids[i] = sg.ID
	}
	return ids, nil
}

func (s *WithdrawalService) touchApprover(ctx context.Context, signerID string, at time.Time) {
	unlock := s.locks.Lock("signer:" + signerID)
	defer unlock()
	sg, err := s.Store.GetSigner(ctx, signerID)
	if err != nil {
		return
	}
	sg.ApprovalCount++
	sg.LastActiveAt = &at
	sg.UpdatedAt = at
	if err := s.Store.UpdateSigner(ctx, sg); err != nil {
		logger.Warn("approver bookkeeping failed", "signer_id", signerID, "error", err)
	}
}

// applyOutcome turns a workflow outcome into request transitions. Only illegal
// transitions are returned as errors; execution failures land in the result.
func (s *WithdrawalService) applyOutcome(ctx context.Context, w *model.VaultWallet, r *model.WithdrawalRequest, out StepOutcome, actorID string) (*ApprovalResult, error) {
	res := &ApprovalResult{Request: r}
	switch {
	case out.Rejected:
		if err := s.closeRequest(ctx, w, r, model.RequestRejected, actorID, out.Reason); err != nil {
			return nil, err
		}
		s.countRequest(ctx, model.RequestRejected)
		s.publish(ctx, model.EventRequestRejected, w.ID, r.ID, actorID, map[string]any{"reason": out.Reason})
		logger.Info("withdrawal rejected", "wallet_id", w.ID, "request_id", r.ID, "actor", actorID, "reason", out.Reason)
	case out.Approved:
		now := s.now()
		if err := r.TransitionTo(model.RequestApproved, now); err != nil {
			return nil, apperrors.WithReasonCause(apperrors.ErrInvalidState, "illegal_transition", err.Error(), err)
		}
		s.recordOnRequest(ctx, r, model.AuditEntry{
			Actor:   actorID,
			Action:  model.ActionRequestApproved,
			Success: true,
			Details: "all workflow steps satisfied",
		})
		s.countRequest(ctx, model.RequestApproved)
		s.publish(ctx, model.EventRequestApproved, w.ID, r.ID, actorID, nil)
		// 先落库审批结果, 再签名广播
		if err := s.persist(ctx, w, r, nil); err != nil {
			return nil, err
		}
		logger.Info("withdrawal approved", "wallet_id", w.ID, "request_id", r.ID, "actor", actorID)

		tx, err := s.executeLocked(ctx, w, r, actorID)
		res.Executed = tx != nil
		res.settlement = tx
		if err != nil {
			res.ExecutionError = err.Error()
		}
	case out.Advanced:
		s.recordOnRequest(ctx, r, model.AuditEntry{
			Actor:   actorID,
			Action:  model.ActionStepAdvanced,
			Success: true,
			Details: fmt.Sprintf("request moved to step %d", r.CurrentStep),
			Context: map[string]any{"step": r.CurrentStep},
		})
	}
	return res, nil
}

// executeLocked re-checks the wallet, runs multi-signature execution and settles the
// ledger in memory. The returned transaction is nil on failure, which keeps the
// request approved; the caller persists it together with the request and wallet.
func (s *WithdrawalService) executeLocked(ctx context.Context, w *model.VaultWallet, r *model.WithdrawalRequest, actorID string) (*model.VaultTransaction, error) {
	r.ExecutionAttempts++
	err := s.preflight(w, r)
	var res *ExecutionResult
	if err == nil {
		res, err = s.executor.Execute(ctx, w, model.Transfer{
			RequestID:       r.ID,
			WalletID:        w.ID,
			WalletPublicKey: w.PublicKey,
			Asset:           r.Asset,
			Amount:          r.Amount,
			Fee:             r.NetworkFee,
			Destination:     r.Destination,
			Memo:            r.Memo,
		})
	}
	if err != nil {
		r.LastError = err.Error()
		r.UpdatedAt = s.now()
		s.recordOnRequest(ctx, r, model.AuditEntry{
			Actor:      actorID,
			Action:     model.ActionExecutionFailed,
			Success:    false,
			ReasonCode: apperrors.ReasonOf(err),
			Details:    err.Error(),
			Context:    map[string]any{"attempt": r.ExecutionAttempts},
		})
		s.publish(ctx, model.EventExecutionFailed, w.ID, r.ID, actorID, map[string]any{"reason": apperrors.ReasonOf(err)})
		logger.Warn("withdrawal execution failed", "wallet_id", w.ID, "request_id", r.ID, "actor", actorID,
			"attempt", r.ExecutionAttempts, "error", err)
		return nil, err
	}

	now := s.now()
	bal, _ := w.Asset(r.Asset)
	reserved, _ := r.Reserved()
	bal.TotalBalance = bal.TotalBalance.SaturatingSub(reserved)
	bal.LockedBalance = bal.LockedBalance.SaturatingSub(reserved)
	bal.UpdatedAt = now
	w.LastActivityAt = &now
	w.UpdatedAt = now

	tx := &model.VaultTransaction{
		ID:                 uuid.NewString(),
		WalletID:           w.ID,
		RequestID:          r.ID,
		Type:               model.TxWithdrawal,
		Asset:              r.Asset,
		Amount:             r.Amount,
		Fee:                r.NetworkFee,
		CounterpartAddress: r.Destination,
		TxHash:             res.TxHash,
		Approvers:          approverIDs(r),
		Signers:            res.Signers,
		RiskScore:          r.RiskScore,
		Status:             model.TxCompleted,
		CreatedAt:          now,
		ConfirmedAt:        &now,
	}
	if err := r.TransitionTo(model.RequestExecuted, now); err != nil {
		return nil, apperrors.WithReasonCause(apperrors.ErrInvalidState, "illegal_transition", err.Error(), err)
	}
	r.TxHash = res.TxHash
	r.TransactionID = tx.ID
	r.LastError = ""
	s.recordOnRequest(ctx, r, model.AuditEntry{
		Actor:   actorID,
		Action:  model.ActionExecutionSucceeded,
		Success: true,
		Details: fmt.Sprintf("broadcast %s signed by %s", res.TxHash, strings.Join(res.Signers, ",")),
		Context: map[string]any{"tx_hash": res.TxHash, "transaction_id": tx.ID},
	})
	s.countRequest(ctx, model.RequestExecuted)
	s.publish(ctx, model.EventRequestExecuted, w.ID, r.ID, actorID, map[string]any{"tx_hash": res.TxHash})
	logger.Info("withdrawal broadcast", "wallet_id", w.ID, "request_id", r.ID, "actor", actorID, "tx_hash", res.TxHash)
	return tx, nil
}

func (s *WithdrawalService) preflight(w *model.VaultWallet, r *model.WithdrawalRequest) error {
	if w.Status != model.WalletActive {
		return apperrors.WithReason(apperrors.ErrWalletState, "wallet_not_active", fmt.Sprintf("wallet %s is %s", w.ID, w.Status))
	}
	bal, ok := w.Asset(r.Asset)
	if !ok {
		return apperrors.WithReason(apperrors.ErrInsufficientBalance, "insufficient_balance", fmt.Sprintf("wallet %s holds no %s", w.ID, r.Asset))
	}
	reserved, err := r.Reserved()
	if err != nil {
		return apperrors.WithReasonCause(apperrors.ErrExecution, "invalid_amount", "amount overflows", err)
	}
	if reserved.GreaterThan(bal.TotalBalance) || reserved.GreaterThan(bal.LockedBalance) {
		return apperrors.WithReason(apperrors.ErrInsufficientBalance, "insufficient_balance",
			fmt.Sprintf("reserved %s %s no longer covered by the ledger", reserved, r.Asset))
	}
	return nil
}

func approverIDs(r *model.WithdrawalRequest) []string {
	var out []string
	for _, a := range r.Approvals {
		if a.Decision == model.DecisionApprove && !a.System {
			out = append(out, a.ApproverID)
		}
	}
	return out
}

// Cancel withdraws a pending request. Only the requester or an admin may cancel.
func (s *WithdrawalService) Cancel(ctx context.Context, requestID, reason string, actor model.Actor) (*model.WithdrawalRequest, error) {
	pre, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	unlock := s.LockWallet(pre.WalletID)
	defer unlock()
	ctx, flush := s.deferEffects(ctx)
	defer flush()

	r, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actor.ID != r.Requester && actor.Role != model.RoleAdmin {
		return nil, apperrors.WithReason(apperrors.ErrAuthorization, "not_requester", "only the requester or an admin can cancel a request")
	}
	w, err := s.getWallet(ctx, r.WalletID)
	if err != nil {
		return nil, err
	}
	if expired, err := s.expireLocked(ctx, w, r); err != nil {
		return nil, err
	} else if expired {
		return nil, apperrors.WithReason(apperrors.ErrInvalidState, "request_expired", fmt.Sprintf("request %s expired", r.ID))
	}
	if r.Status != model.RequestPending {
		return nil, apperrors.WithReason(apperrors.ErrInvalidState, "request_not_pending", fmt.Sprintf("request %s is %s", r.ID, r.Status))
	}
	if reason == "" {
		reason = "cancelled_by_requester"
	}
	if err := s.closeRequest(ctx, w, r, model.RequestCancelled, actor.ID, reason); err != nil {
		return nil, err
	}
	s.countRequest(ctx, model.RequestCancelled)
	s.publish(ctx, model.EventRequestCancelled, w.ID, r.ID, actor.ID, map[string]any{"reason": reason})
	if err := s.persist(ctx, w, r, nil); err != nil {
		return nil, err
	}
	logger.Info("withdrawal cancelled", "wallet_id", w.ID, "request_id", r.ID, "actor", actor.ID, "reason", reason)
	return r, nil
}

// Execute retries execution of an approved request. Retries are always explicit.
func (s *WithdrawalService) Execute(ctx context.Context, requestID string, actor model.Actor) (*ApprovalResult, error) {
	pre, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	unlock := s.LockWallet(pre.WalletID)
	defer unlock()
	ctx, flush := s.deferEffects(ctx)
	defer flush()

	r, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != model.RequestApproved {
		return nil, apperrors.WithReason(apperrors.ErrInvalidState, "request_not_approved", fmt.Sprintf("request %s is %s", r.ID, r.Status))
	}
	w, err := s.getWallet(ctx, r.WalletID)
	if err != nil {
		return nil, err
	}
	tx, execErr := s.executeLocked(ctx, w, r, actor.ID)
	if err := s.persist(ctx, w, r, tx); err != nil {
		return nil, err
	}
	res := &ApprovalResult{Request: r, Executed: tx != nil, settlement: tx}
	if execErr != nil {
		res.ExecutionError = execErr.Error()
		return res, execErr
	}
	return res, nil
}

// Get returns a request, expiring it first when its deadline has passed.
func (s *WithdrawalService) Get(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	r, err := s.getRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.IsExpired(s.now()) {
		return r, nil
	}
	return s.expireByID(ctx, r.WalletID, id)
}

func (s *WithdrawalService) List(ctx context.Context, f repository.RequestFilter) ([]*model.WithdrawalRequest, error) {
	reqs, err := s.Store.ListRequests(ctx, f)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "list requests", err)
	}
	now := s.now()
	for i, r := range reqs {
		if !r.IsExpired(now) {
			continue
		}
		if reqs[i], err = s.expireByID(ctx, r.WalletID, r.ID); err != nil {
			return nil, err
		}
	}
	return reqs, nil
}

func (s *WithdrawalService) expireByID(ctx context.Context, walletID, id string) (*model.WithdrawalRequest, error) {
	unlock := s.LockWallet(walletID)
	defer unlock()
	ctx, flush := s.deferEffects(ctx)
	defer flush()
	r, err := s.getRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	w, err := s.getWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if _, err := s.expireLocked(ctx, w, r); err != nil {
		return nil, err
	}
	return r, nil
}

// expireLocked expires r and persists it when its deadline has passed.
func (s *WithdrawalService) expireLocked(ctx context.Context, w *model.VaultWallet, r *model.WithdrawalRequest) (bool, error) {
	if !r.IsExpired(s.now()) {
		return false, nil
	}
	if err := s.closeRequest(ctx, w, r, model.RequestExpired, model.ActorSystem, "expires_at_passed"); err != nil {
		return false, err
	}
	s.countRequest(ctx, model.RequestExpired)
	s.publish(ctx, model.EventRequestExpired, w.ID, r.ID, model.ActorSystem, nil)
	if err := s.persist(ctx, w, r, nil); err != nil {
		return false, err
	}
	logger.Info("withdrawal expired", "wallet_id", w.ID, "request_id", r.ID)
	return true, nil
}

// SweepPending expires overdue requests of one wallet and fires step timeouts.
// It returns how many requests changed.
func (s *WithdrawalService) SweepPending(ctx context.Context, walletID string) (int, error) {
	pending, err := s.Store.ListRequests(ctx, repository.RequestFilter{
		WalletID: walletID,
		Statuses: []model.RequestStatus{model.RequestPending},
	})
	if err != nil {
		return 0, apperrors.New(apperrors.ErrInternal, "list requests", err)
	}
	changed := 0
	for _, p := range pending {
		ok, err := s.sweepOne(ctx, walletID, p.ID)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

func (s *WithdrawalService) sweepOne(ctx context.Context, walletID, id string) (bool, error) {
	unlock := s.LockWallet(walletID)
	defer unlock()
	ctx, flush := s.deferEffects(ctx)
	defer flush()

	r, err := s.getRequest(ctx, id)
	if err != nil {
		return false, err
	}
	if r.Status != model.RequestPending {
		return false, nil
	}
	w, err := s.getWallet(ctx, walletID)
	if err != nil {
		return false, err
	}
	if expired, err := s.expireLocked(ctx, w, r); err != nil || expired {
		return expired, err
	}
	wf, err := s.getWorkflow(ctx, r.WorkflowID)
	if err != nil {
		return false, err
	}
	out, changed := s.workflows.ProcessTimeouts(ctx, wf, r)
	if !changed {
		return false, nil
	}
	res, err := s.applyOutcome(ctx, w, r, out, model.ActorScheduler)
	if err != nil {
		return false, err
	}
	return true, s.persist(ctx, w, r, res.settlement)
}

// persist writes the request, its wallet and, after a broadcast, the settled
// transaction as one unit of work.
func (s *WithdrawalService) persist(ctx context.Context, w *model.VaultWallet, r *model.WithdrawalRequest, tx *model.VaultTransaction) error {
	r.UpdatedAt = s.now()
	err := s.commitWallet(ctx, r.WalletID, func(ctx context.Context) error {
		if tx != nil {
			if err := s.Store.CreateTransaction(ctx, tx); err != nil {
				return apperrors.New(apperrors.ErrInternal, "record transaction", err)
			}
		}
		if err := s.Store.UpdateRequest(ctx, r); err != nil {
			return apperrors.New(apperrors.ErrInternal, "save request", err)
		}
		if w != nil {
			if err := s.Store.UpdateWallet(ctx, w); err != nil {
				return apperrors.New(apperrors.ErrInternal, "save wallet", err)
			}
		}
		return nil
	})
	if err != nil && tx != nil {
		// broadcasters dedupe on request id, so an explicit Execute settles it later
		logger.Error("broadcast transfer left unsettled", "wallet_id", r.WalletID, "request_id", r.ID, "tx_hash", tx.TxHash, "error", err)
	}
	return err
}
