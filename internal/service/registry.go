package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyvault/internal/pkg/logger"
	"github.com/GoPolymarket/polyvault/internal/repository"
	"github.com/GoPolymarket/polyvault/internal/signer"
	"github.com/google/uuid"
)

// Registry owns wallets, signers and access policies.
type Registry struct {
	*Core
	workflows *WorkflowEngine
}

func NewRegistry(core *Core, workflows *WorkflowEngine) *Registry {
	return &Registry{Core: core, workflows: workflows}
}

type AssetConfig struct {
	Asset      string       `json:"asset" binding:"required"`
	NetworkFee model.Amount `json:"network_fee"`
}

type CreateWalletRequest struct {
	Name               string                  `json:"name" binding:"required"`
	Type               model.WalletType        `json:"type" binding:"required"`
	SignerIDs          []string                `json:"signer_ids"`
	Threshold          int                     `json:"threshold"`
	PublicKey          string                  `json:"public_key"`
	SecurityLevel      model.SecurityLevel     `json:"security_level"`
	InsuranceCoverage  model.Amount            `json:"insurance_coverage"`
	Assets             []AssetConfig           `json:"assets"`
	Policy             *model.AccessPolicy     `json:"policy"`
	DefaultWorkflow    *model.ApprovalWorkflow `json:"default_workflow"`
	HighRiskWorkflowID string                  `json:"high_risk_workflow_id"`
}

// CreateWallet fails with INVALID_THRESHOLD unless 1 <= threshold <= len(signers).
func (r *Registry) CreateWallet(ctx context.Context, req CreateWalletRequest, actor model.Actor) (*model.VaultWallet, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "name_required", "wallet name is required")
	}
	if !req.Type.Valid() {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "invalid_wallet_type", fmt.Sprintf("invalid wallet type %q", req.Type))
	}
	ids := compactIDs(req.SignerIDs)
	if len(ids) != len(req.SignerIDs) {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "duplicate_signer", "signer ids must be unique and non-empty")
	}
	if req.Threshold < 1 || req.Threshold > len(ids) {
		return nil, apperrors.WithReason(apperrors.ErrInvalidThreshold, "invalid_threshold",
			fmt.Sprintf("threshold %d must be between 1 and the number of signers (%d)", req.Threshold, len(ids)))
	}
	if req.PublicKey != "" && !signer.ValidPublicKey(req.PublicKey) {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "invalid_public_key", "wallet public key is not a valid secp256k1 key or address")
	}

	signers := make([]*model.VaultSigner, 0, len(ids))
	for _, id := range ids {
		s, err := r.getSigner(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Status == model.SignerRevoked {
			return nil, apperrors.WithReason(apperrors.ErrValidation, "signer_revoked", fmt.Sprintf("signer %s is revoked", id))
		}
		signers = append(signers, s)
	}
	if req.HighRiskWorkflowID != "" {
		if _, err := r.getWorkflow(ctx, req.HighRiskWorkflowID); err != nil {
			return nil, err
		}
	}

	now := r.now()
	level := req.SecurityLevel
	if level == "" {
		level = model.SecurityStandard
	}
	w := &model.VaultWallet{
		ID:                 uuid.NewString(),
		Name:               name,
		Type:               req.Type,
		PublicKey:          req.PublicKey,
		Threshold:          req.Threshold,
		SignerIDs:          ids,
		SecurityLevel:      level,
		InsuranceCoverage:  req.InsuranceCoverage,
		HealthStatus:       model.HealthUnknown,
		ComplianceStatus:   "pending",
		Status:             model.WalletActive,
		HighRiskWorkflowID: req.HighRiskWorkflowID,
		CreatedBy:          actor.ID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for _, a := range req.Assets {
		asset := strings.TrimSpace(a.Asset)
		if asset == "" {
			return nil, apperrors.WithReason(apperrors.ErrValidation, "asset_required", "asset symbol is required")
		}
		w.EnsureAsset(asset, now).NetworkFee = a.NetworkFee
	}

	// 1. 默认审批流程
	wf := req.DefaultWorkflow
	if wf == nil {
		wf = defaultWorkflow(w)
	}
	wf = wf.Clone()
	wf.WalletID = w.ID
	wf.IsDefault = true
	wf.Triggers = nil
	if err := r.workflows.validate(wf, w); err != nil {
		return nil, err
	}

	// 2. 访问策略
	policy := req.Policy
	if policy == nil {
		policy = &model.AccessPolicy{Timezone: "UTC"}
	}
	policy = policy.Clone()
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	if err := r.Store.CreateWallet(ctx, w); err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "create wallet", err)
	}
	savedWF, err := r.workflows.save(ctx, wf)
	if err != nil {
		return nil, err
	}
	w.DefaultWorkflowID = savedWF.ID
	policy.WalletID = w.ID
	if err := r.storePolicy(ctx, policy, actor); err != nil {
		return nil, err
	}
	if err := r.Store.UpdateWallet(ctx, w); err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "update wallet", err)
	}

	// 3. 签名人关联钱包
	for _, s := range signers {
		if !slices.Contains(s.WalletIDs, w.ID) {
			s.WalletIDs = append(s.WalletIDs, w.ID)
			s.UpdatedAt = now
			if err := r.Store.UpdateSigner(ctx, s); err != nil {
				return nil, apperrors.New(apperrors.ErrInternal, "update signer", err)
			}
		}
	}

	r.record(ctx, model.AuditEntry{
		WalletID: w.ID,
		Actor:    actor.ID,
		Action:   model.ActionWalletCreated,
		Success:  true,
		Details:  fmt.Sprintf("wallet %q (%s) created with %d-of-%d signers", w.Name, w.Type, w.Threshold, len(w.SignerIDs)),
		Context:  map[string]any{"threshold": w.Threshold, "signers": w.SignerIDs},
	})
	logger.Info("vault wallet created", "wallet_id", w.ID, "actor", actor.ID, "threshold", w.Threshold)
	return w, nil
}

func defaultWorkflow(w *model.VaultWallet) *model.ApprovalWorkflow {
	return &model.ApprovalWorkflow{
		Name: w.Name + " default",
		Mode: model.WorkflowSequential,
		Steps: []model.ApprovalStep{{
			Name:              "signer-quorum",
			RequiredApprovers: w.Threshold,
		}},
	}
}

type AddSignerRequest struct {
	Name                 string             `json:"name" binding:"required"`
	Role                 model.SignerRole   `json:"role" binding:"required"`
	PublicKey            string             `json:"public_key" binding:"required"`
	HardwareType         model.HardwareType `json:"hardware_type"`
	Permissions          []string           `json:"permissions"`
	AllowedIPs           []string           `json:"allowed_ips"`
	AllowedJurisdictions []string           `json:"allowed_jurisdictions"`
}

func (r *Registry) AddSigner(ctx context.Context, req AddSignerRequest, actor model.Actor) (*model.VaultSigner, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "name_required", "signer name is required")
	}
	if !req.Role.Valid() {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "invalid_role", fmt.Sprintf("invalid signer role %q", req.Role))
	}
	hw := req.HardwareType
	if hw == "" {
		hw = model.HardwareSoftware
	}
	if !hw.Valid() {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "invalid_hardware_type", fmt.Sprintf("invalid hardware type %q", hw))
	}
	if !signer.ValidPublicKey(req.PublicKey) {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "invalid_public_key", "signer public key is not a valid secp256k1 key or address")
	}

	now := r.now()
	s := &model.VaultSigner{
		ID:                   uuid.NewString(),
		Name:                 name,
		Role:                 req.Role,
		PublicKey:            strings.TrimSpace(req.PublicKey),
		HardwareType:         hw,
		Permissions:          req.Permissions,
		AllowedIPs:           req.AllowedIPs,
		AllowedJurisdictions: req.AllowedJurisdictions,
		Status:               model.SignerActive,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := r.Store.CreateSigner(ctx, s); err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "create signer", err)
	}
	r.record(ctx, model.AuditEntry{
		Actor:   actor.ID,
		Action:  model.ActionSignerAdded,
		Success: true,
		Details: fmt.Sprintf("signer %s (%s, %s) onboarded", s.ID, s.Role, s.HardwareType),
		Context: map[string]any{"signer_id": s.ID, "role": s.Role},
	})
	return s, nil
}

// AttachSigner onboards an existing active signer to a wallet.
func (r *Registry) AttachSigner(ctx context.Context, walletID, signerID string, actor model.Actor) (*model.VaultWallet, error) {
	unlock := r.LockWallet(walletID)
	defer unlock()

	w, err := r.getWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Status == model.WalletDeprecated {
		return nil, apperrors.WithReason(apperrors.ErrWalletState, "wallet_deprecated", "wallet is deprecated")
	}
	s, err := r.getSigner(ctx, signerID)
	if err != nil {
		return nil, err
	}
	if !s.IsActive() {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "signer_not_active", fmt.Sprintf("signer %s is %s", s.ID, s.Status))
	}
	if w.HasSigner(s.ID) {
		return w, nil
	}
	now := r.now()
	w.SignerIDs = append(w.SignerIDs, s.ID)
	w.UpdatedAt = now
	if err := r.Store.UpdateWallet(ctx, w); err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "update wallet", err)
	}
	if !slices.Contains(s.WalletIDs, w.ID) {
		s.WalletIDs = append(s.WalletIDs, w.ID)
		s.UpdatedAt = now
		if err := r.Store.UpdateSigner(ctx, s); err != nil {
			return nil, apperrors.New(apperrors.ErrInternal, "update signer", err)
		}
	}
	r.record(ctx, model.AuditEntry{
		WalletID: w.ID,
		Actor:    actor.ID,
		Action:   model.ActionSignerAttached,
		Success:  true,
		Details:  fmt.Sprintf("signer %s attached", s.ID),
		Context:  map[string]any{"signer_id": s.ID},
	})
	return w, nil
}

func (r *Registry) SuspendSigner(ctx context.Context, id, reason string, actor model.Actor) (*model.VaultSigner, error) {
	return r.setSignerStatus(ctx, id, model.SignerSuspended, reason, actor)
}

// RevokeSigner is permanent. Revoked signers stop counting toward any quorum at once.
func (r *Registry) RevokeSigner(ctx context.Context, id, reason string, actor model.Actor) (*model.VaultSigner, error) {
	return r.setSignerStatus(ctx, id, model.SignerRevoked, reason, actor)
}

func (r *Registry) ReactivateSigner(ctx context.Context, id, reason string, actor model.Actor) (*model.VaultSigner, error) {
	return r.setSignerStatus(ctx, id, model.SignerActive, reason, actor)
}

func (r *Registry) setSignerStatus(ctx context.Context, id string, to model.SignerStatus, reason string, actor model.Actor) (*model.VaultSigner, error) {
	unlock := r.locks.Lock("signer:" + id)
	defer unlock()

	s, err := r.getSigner(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == model.SignerRevoked {
		return nil, apperrors.WithReason(apperrors.ErrInvalidState, "signer_revoked", "revoked signers cannot change status")
	}
	if s.Status == to {
		return s, nil
	}
	from := s.Status
	s.Status = to
	s.StatusReason = reason
	s.UpdatedAt = r.now()
	if err := r.Store.UpdateSigner(ctx, s); err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "update signer", err)
	}
	r.record(ctx, model.AuditEntry{
		Actor:      actor.ID,
		Action:     model.ActionSignerStatus,
		Success:    true,
		ReasonCode: reason,
		Details:    fmt.Sprintf("signer %s %s -> %s", s.ID, from, to),
		Context:    map[string]any{"signer_id": s.ID, "from": from, "to": to},
	})
	logger.Info("signer status changed", "signer_id", s.ID, "from", from, "to", to, "actor", actor.ID)
	return s, nil
}

type FreezeResult struct {
	Wallet    *model.VaultWallet `json:"wallet"`
	Cancelled []string           `json:"cancelled_requests"`
}

// FreezeWallet blocks the wallet and cancels every pending request. Executed
// transactions are never touched.
func (r *Registry) FreezeWallet(ctx context.Context, id, reason string, actor model.Actor) (*FreezeResult, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "reason_required", "a freeze reason is required")
	}
	res, err := r.changeWalletStatus(ctx, id, model.WalletFrozen, reason, actor, true)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, model.EventWalletFrozen, id, "", actor.ID, map[string]any{"reason": reason, "cancelled": len(res.Cancelled)})
	return res, nil
}

func (r *Registry) UnfreezeWallet(ctx context.Context, id, reason string, actor model.Actor) (*model.VaultWallet, error) {
	res, err := r.changeWalletStatus(ctx, id, model.WalletActive, reason, actor, false)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, model.EventWalletUnfrozen, id, "", actor.ID, map[string]any{"reason": reason})
	return res.Wallet, nil
}

// LockWalletStatus parks the wallet without cancelling its requests.
func (r *Registry) LockWalletStatus(ctx context.Context, id, reason string, actor model.Actor) (*model.VaultWallet, error) {
	res, err := r.changeWalletStatus(ctx, id, model.WalletLocked, reason, actor, false)
	if err != nil {
		return nil, err
	}
	return res.Wallet, nil
}

// DeprecateWallet retires the wallet permanently, cancelling pending requests.
func (r *Registry) DeprecateWallet(ctx context.Context, id, reason string, actor model.Actor) (*FreezeResult, error) {
	return r.changeWalletStatus(ctx, id, model.WalletDeprecated, reason, actor, true)
}

func (r *Registry) changeWalletStatus(ctx context.Context, id string, to model.WalletStatus, reason string, actor model.Actor, cascade bool) (*FreezeResult, error) {
	unlock := r.LockWallet(id)
	defer unlock()

	w, err := r.getWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status == model.WalletDeprecated {
		return nil, apperrors.WithReason(apperrors.ErrWalletState, "wallet_deprecated", "wallet is deprecated")
	}
	if w.Status == to {
		return &FreezeResult{Wallet: w}, nil
	}
	if to == model.WalletActive && w.Status != model.WalletFrozen && w.Status != model.WalletLocked {
		return nil, apperrors.WithReason(apperrors.ErrWalletState, "wallet_not_frozen", fmt.Sprintf("wallet is %s", w.Status))
	}

	ctx, flush := r.deferEffects(ctx)
	defer flush()

	res := &FreezeResult{}
	var cancelled []*model.WithdrawalRequest
	if cascade {
		pending, err := r.Store.ListRequests(ctx, repository.RequestFilter{
			WalletID: w.ID,
			Statuses: []model.RequestStatus{model.RequestPending},
		})
		if err != nil {
			return nil, apperrors.New(apperrors.ErrInternal, "list pending requests", err)
		}
		for _, req := range pending {
			if err := r.closeRequest(ctx, w, req, model.RequestCancelled, actor.ID, "wallet_"+string(to)); err != nil {
				return nil, err
			}
			r.countRequest(ctx, model.RequestCancelled)
			r.publish(ctx, model.EventRequestCancelled, w.ID, req.ID, actor.ID, map[string]any{"reason": "wallet_" + string(to)})
			res.Cancelled = append(res.Cancelled, req.ID)
			cancelled = append(cancelled, req)
		}
	}

	from := w.Status
	now := r.now()
	w.Status = to
	w.StatusReason = reason
	w.UpdatedAt = now

	action := model.ActionWalletStatus
	switch {
	case to == model.WalletFrozen:
		action = model.ActionWalletFrozen
	case from == model.WalletFrozen && to == model.WalletActive:
		action = model.ActionWalletUnfrozen
	}
	r.record(ctx, model.AuditEntry{
		WalletID:   w.ID,
		Actor:      actor.ID,
		Action:     action,
		Success:    true,
		ReasonCode: reason,
		Details:    fmt.Sprintf("wallet %s -> %s; %d pending requests cancelled", from, to, len(res.Cancelled)),
		Context:    map[string]any{"cancelled_requests": res.Cancelled},
	})

	// 请求与钱包同一事务提交
	err = r.commitWallet(ctx, w.ID, func(ctx context.Context) error {
		for _, req := range cancelled {
			req.UpdatedAt = now
			if err := r.Store.UpdateRequest(ctx, req); err != nil {
				return apperrors.New(apperrors.ErrInternal, "update request", err)
			}
		}
		if err := r.Store.UpdateWallet(ctx, w); err != nil {
			return apperrors.New(apperrors.ErrInternal, "update wallet", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("wallet status changed", "wallet_id", w.ID, "from", from, "to", to, "actor", actor.ID, "cancelled", len(res.Cancelled))
	res.Wallet = w
	return res, nil
}

type CreditRequest struct {
	Asset      string        `json:"asset" binding:"required"`
	Amount     model.Amount  `json:"amount"`
	Reference  string        `json:"reference"`
	Source     string        `json:"source"`
	NetworkFee *model.Amount `json:"network_fee"`
}

// CreditWallet records an inbound deposit and grows the asset ledger.
func (r *Registry) CreditWallet(ctx context.Context, walletID string, req CreditRequest, actor model.Actor) (*model.VaultTransaction, error) {
	asset := strings.TrimSpace(req.Asset)
	if asset == "" {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "asset_required", "asset is required")
	}
	if req.Amount.IsZero() {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "invalid_amount", "amount must be positive")
	}

	unlock := r.LockWallet(walletID)
	defer unlock()

	w, err := r.getWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Status == model.WalletDeprecated {
		return nil, apperrors.WithReason(apperrors.ErrWalletState, "wallet_deprecated", "wallet is deprecated")
	}
	now := r.now()
	bal := w.EnsureAsset(asset, now)
	total, err := bal.TotalBalance.Add(req.Amount)
	if err != nil {
		return nil, apperrors.WithReasonCause(apperrors.ErrValidation, "amount_overflow", "balance would overflow", err)
	}
	bal.TotalBalance = total
	if req.NetworkFee != nil {
		bal.NetworkFee = *req.NetworkFee
	}
	bal.UpdatedAt = now
	w.UpdatedAt = now
	w.LastActivityAt = &now

	tx := &model.VaultTransaction{
		ID:                 uuid.NewString(),
		WalletID:           w.ID,
		Type:               model.TxDeposit,
		Asset:              asset,
		Amount:             req.Amount,
		CounterpartAddress: req.Source,
		Status:             model.TxCompleted,
		Reference:          req.Reference,
		CreatedAt:          now,
		ConfirmedAt:        &now,
	}
	err = r.commitWallet(ctx, w.ID, func(ctx context.Context) error {
		if err := r.Store.CreateTransaction(ctx, tx); err != nil {
			return apperrors.New(apperrors.ErrInternal, "record deposit", err)
		}
		if err := r.Store.UpdateWallet(ctx, w); err != nil {
			return apperrors.New(apperrors.ErrInternal, "update wallet", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.record(ctx, model.AuditEntry{
		WalletID: w.ID,
		Actor:    actor.ID,
		Action:   model.ActionWalletCredited,
		Success:  true,
		Details:  fmt.Sprintf("credited %s %s", req.Amount, asset),
		Context:  map[string]any{"transaction_id": tx.ID, "reference": req.Reference},
	})
	return tx, nil
}

func (r *Registry) GetWallet(ctx context.Context, id string) (*model.VaultWallet, error) {
	return r.getWallet(ctx, id)
}

func (r *Registry) ListWallets(ctx context.Context) ([]*model.VaultWallet, error) {
	return r.Store.ListWallets(ctx)
}

func (r *Registry) GetSigner(ctx context.Context, id string) (*model.VaultSigner, error) {
	return r.getSigner(ctx, id)
}

func (r *Registry) ListSigners(ctx context.Context) ([]*model.VaultSigner, error) {
	return r.Store.ListSigners(ctx)
}

type Balance struct {
	Asset         string       `json:"asset"`
	TotalBalance  model.Amount `json:"total_balance"`
	LockedBalance model.Amount `json:"locked_balance"`
	Available     model.Amount `json:"available_balance"`
	NetworkFee    model.Amount `json:"network_fee"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// GetBalance returns every asset line, or just asset when given.
func (r *Registry) GetBalance(ctx context.Context, walletID, asset string) ([]Balance, error) {
	w, err := r.getWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	out := make([]Balance, 0, len(w.Assets))
	for _, b := range w.Assets {
		if asset != "" && b.Asset != asset {
			continue
		}
		out = append(out, Balance{
			Asset:         b.Asset,
			TotalBalance:  b.TotalBalance,
			LockedBalance: b.LockedBalance,
			Available:     b.Available(),
			NetworkFee:    b.NetworkFee,
			UpdatedAt:     b.UpdatedAt,
		})
	}
	if asset != "" && len(out) == 0 {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "unknown_asset", fmt.Sprintf("wallet holds no %s", asset))
	}
	return out, nil
}

// SetAccessPolicy stores a new active policy version for the wallet.
func (r *Registry) SetAccessPolicy(ctx context.Context, walletID string, p model.AccessPolicy, actor model.Actor) (*model.AccessPolicy, error) {
	unlock := r.LockWallet(walletID)
	defer unlock()

	if _, err := r.getWallet(ctx, walletID); err != nil {
		return nil, err
	}
	policy := p.Clone()
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}
	policy.WalletID = walletID
	if err := r.storePolicy(ctx, policy, actor); err != nil {
		return nil, err
	}
	return policy, nil
}

func (r *Registry) GetAccessPolicy(ctx context.Context, walletID string) (*model.AccessPolicy, error) {
	if _, err := r.getWallet(ctx, walletID); err != nil {
		return nil, err
	}
	p, err := r.activePolicy(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.NewNotFound("policy", walletID)
	}
	return p, nil
}

func (r *Registry) storePolicy(ctx context.Context, p *model.AccessPolicy, actor model.Actor) error {
	existing, err := r.Store.ListPolicies(ctx, p.WalletID)
	if err != nil {
		return apperrors.New(apperrors.ErrInternal, "list policies", err)
	}
	version := 0
	for _, e := range existing {
		version = max(version, e.Version)
	}
	now := r.now()
	p.ID = uuid.NewString()
	p.Version = version + 1
	p.Active = true
	p.CreatedBy = actor.ID
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := r.Store.SavePolicy(ctx, p); err != nil {
		return apperrors.New(apperrors.ErrInternal, "save policy", err)
	}
	r.record(ctx, model.AuditEntry{
		WalletID: p.WalletID,
		Actor:    actor.ID,
		Action:   model.ActionPolicyUpdated,
		Success:  true,
		Details:  fmt.Sprintf("access policy version %d activated", p.Version),
		Context:  map[string]any{"policy_id": p.ID, "version": p.Version},
	})
	return nil
}

func validatePolicy(p *model.AccessPolicy) error {
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return apperrors.WithReason(apperrors.ErrValidation, "invalid_timezone", fmt.Sprintf("unknown timezone %q", p.Timezone))
	}
	if p.AllowedHoursStart < 0 || p.AllowedHoursStart > 23 || p.AllowedHoursEnd < 0 || p.AllowedHoursEnd > 24 {
		return apperrors.WithReason(apperrors.ErrValidation, "invalid_hours", "allowed hours must be within 0-24")
	}
	if p.AllowedHoursEnd != 0 && p.AllowedHoursEnd <= p.AllowedHoursStart {
		return apperrors.WithReason(apperrors.ErrValidation, "invalid_hours", "allowed_hours_end must be after allowed_hours_start")
	}
	for _, d := range p.AllowedDays {
		if d < time.Sunday || d > time.Saturday {
			return apperrors.WithReason(apperrors.ErrValidation, "invalid_days", fmt.Sprintf("invalid weekday %d", d))
		}
	}
	for _, role := range p.AllowedRoles {
		if !role.Valid() {
			return apperrors.WithReason(apperrors.ErrValidation, "invalid_role", fmt.Sprintf("invalid role %q", role))
		}
	}
	if p.EmergencyOverride.Enabled && !p.EmergencyOverride.RequiredRole.Valid() {
		return apperrors.WithReason(apperrors.ErrValidation, "invalid_override_role", "emergency override requires a valid role")
	}
	return nil
}

// compactIDs trims ids and drops blanks and duplicates, keeping order.
func compactIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
