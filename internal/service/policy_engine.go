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
	"github.com/GoPolymarket/polyvault/internal/pkg/metrics"
	"github.com/GoPolymarket/polyvault/internal/repository"
)

// PolicyDecision is the outcome of an access policy evaluation.
type PolicyDecision struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	Message       string `json:"message,omitempty"`
	OverrideUsed  bool   `json:"override_used,omitempty"`
	PolicyVersion int    `json:"policy_version"`
}

// Err converts a denial into the AppError the caller returns.
func (d PolicyDecision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperrors.NewPolicyViolation(d.Reason, d.Message)
}

type PolicyEngine struct {
	*Core
}

func NewPolicyEngine(core *Core) *PolicyEngine {
	return &PolicyEngine{Core: core}
}

func deny(reason, format string, args ...any) PolicyDecision {
	return PolicyDecision{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Evaluate runs the access policy of w against a proposed withdrawal. The first failing
// check wins. An inactive wallet is a WalletStateError rather than a denial.
func (e *PolicyEngine) Evaluate(ctx context.Context, w *model.VaultWallet, asset string, amount model.Amount, destination string, actor model.Actor, at time.Time) (PolicyDecision, error) {
	if w.Status != model.WalletActive {
		return PolicyDecision{}, apperrors.WithReason(apperrors.ErrWalletState, "wallet_not_active",
			fmt.Sprintf("wallet %s is %s", w.ID, w.Status))
	}
	p, err := e.activePolicy(ctx, w.ID)
	if err != nil {
		return PolicyDecision{}, err
	}
	if p == nil {
		return PolicyDecision{Allowed: true}, nil
	}

	d := PolicyDecision{Allowed: true, PolicyVersion: p.Version}

	if len(p.AllowedRoles) > 0 && !slices.Contains(p.AllowedRoles, actor.Role) {
		return refuse(deny("role_not_allowed", "role %q may not withdraw from wallet %s", actor.Role, w.ID), p), nil
	}

	override := p.EmergencyOverride.Enabled &&
		actor.Role == p.EmergencyOverride.RequiredRole &&
		strings.TrimSpace(actor.EmergencyJustification) != ""

	if denial, ok := checkWindow(p, at); !ok {
		if !override {
			return refuse(denial, p), nil
		}
		d.OverrideUsed = true
	}
	if denial, ok := checkJurisdiction(p, actor.Jurisdiction); !ok {
		if !override {
			return refuse(denial, p), nil
		}
		d.OverrideUsed = true
	}

	if !p.MaxTransactionAmount.IsZero() && amount.GreaterThan(p.MaxTransactionAmount) {
		return refuse(deny("amount_exceeds_transaction_limit", "amount %s exceeds the per-transaction limit %s",
			amount, p.MaxTransactionAmount), p), nil
	}
	if !p.MaxDailyAmount.IsZero() {
		spent, err := e.DailySpent(ctx, w.ID, asset, at)
		if err != nil {
			return PolicyDecision{}, err
		}
		total, err := spent.Add(amount)
		if err != nil || total.GreaterThan(p.MaxDailyAmount) {
			return refuse(deny("amount_exceeds_daily_limit", "amount %s plus %s settled in the last 24h exceeds the daily limit %s",
				amount, spent, p.MaxDailyAmount), p), nil
		}
	}

	if containsFold(p.BlockedAssets, asset) {
		return refuse(deny("asset_blocked", "asset %s is blocked for wallet %s", asset, w.ID), p), nil
	}
	if len(p.AllowedAssets) > 0 && !containsFold(p.AllowedAssets, asset) {
		return refuse(deny("asset_not_allowed", "asset %s is not allowed for wallet %s", asset, w.ID), p), nil
	}

	if d.OverrideUsed {
		logger.Warn("emergency override used", "wallet_id", w.ID, "actor", actor.ID, "justification", actor.EmergencyJustification)
	}
	return d, nil
}

// CheckDestination enforces the destination whitelist when the policy turns it on.
func (e *PolicyEngine) CheckDestination(ctx context.Context, w *model.VaultWallet, destination string) (PolicyDecision, error) {
	p, err := e.activePolicy(ctx, w.ID)
	if err != nil {
		return PolicyDecision{}, err
	}
	if p == nil || !p.WhitelistEnforced {
		return PolicyDecision{Allowed: true}, nil
	}
	if !containsFold(p.WhitelistedDestinations, destination) {
		return refuse(deny("destination_not_whitelisted", "destination %s is not whitelisted for wallet %s", destination, w.ID), p), nil
	}
	return PolicyDecision{Allowed: true, PolicyVersion: p.Version}, nil
}

// DailySpent sums settled withdrawals of asset from the wallet in the 24h before at.
func (e *PolicyEngine) DailySpent(ctx context.Context, walletID, asset string, at time.Time) (model.Amount, error) {
	from := at.Add(-24 * time.Hour)
	txs, err := e.Store.ListTransactions(ctx, repository.TransactionFilter{
		WalletID:      walletID,
		Type:          model.TxWithdrawal,
		Statuses:      []model.TransactionStatus{model.TxConfirmed, model.TxCompleted},
		CreatedAfter:  &from,
		CreatedBefore: &at,
	})
	if err != nil {
		return model.Amount{}, apperrors.New(apperrors.ErrInternal, "list transactions", err)
	}
	var sum model.Amount
	for _, t := range txs {
		if !strings.EqualFold(t.Asset, asset) {
			continue
		}
		if sum, err = sum.Add(t.Amount); err != nil {
			return model.Amount{}, apperrors.New(apperrors.ErrInternal, "daily sum overflow", err)
		}
	}
	return sum, nil
}

// refuse stamps the policy version on a denial that is returned to the caller.
// Only refused denials are counted; a waived one never reaches here.
func refuse(d PolicyDecision, p *model.AccessPolicy) PolicyDecision {
	metrics.PolicyDenials.WithLabelValues(d.Reason).Inc()
	d.PolicyVersion = p.Version
	return d
}

func checkWindow(p *model.AccessPolicy, at time.Time) (PolicyDecision, bool) {
	local := at.In(p.Location())
	if p.AllowedHoursEnd > 0 {
		h := local.Hour()
		if h < p.AllowedHoursStart || h >= p.AllowedHoursEnd {
			return deny("outside_allowed_hours", "%s is outside the allowed window %02d:00-%02d:00 %s",
				local.Format("15:04"), p.AllowedHoursStart, p.AllowedHoursEnd, local.Location()), false
		}
	}
	if len(p.AllowedDays) > 0 && !slices.Contains(p.AllowedDays, local.Weekday()) {
		return deny("outside_allowed_days", "withdrawals are not allowed on %s", local.Weekday()), false
	}
	return PolicyDecision{}, true
}

func checkJurisdiction(p *model.AccessPolicy, jurisdiction string) (PolicyDecision, bool) {
	if jurisdiction != "" && containsFold(p.BlockedJurisdictions, jurisdiction) {
		return deny("jurisdiction_blocked", "jurisdiction %s is blocked", jurisdiction), false
	}
	if len(p.AllowedJurisdictions) > 0 && !containsFold(p.AllowedJurisdictions, jurisdiction) {
		return deny("jurisdiction_not_allowed", "jurisdiction %q is not in the allowed list", jurisdiction), false
	}
	return PolicyDecision{}, true
}

func containsFold(list []string, v string) bool {
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, v) })
}
