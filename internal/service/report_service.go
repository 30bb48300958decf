package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyvault/internal/pkg/logger"
	"github.com/GoPolymarket/polyvault/internal/repository"
	"github.com/GoPolymarket/polyvault/internal/signer"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ReportConfig struct {
	DefaultAuditorID string
	NextAuditDays    int
}

// ReportOptions overrides the attestation defaults of one report.
type ReportOptions struct {
	AuditorID    string     `json:"auditor_id,omitempty"`
	NextAuditDue *time.Time `json:"next_audit_due,omitempty"`
}

// ReportService aggregates wallet activity into reports. It only reads source data.
type ReportService struct {
	*Core
	keys   KeyRing
	domain signer.Domain
	cfg    ReportConfig
}

func NewReportService(core *Core, keys KeyRing, domain signer.Domain, cfg ReportConfig) *ReportService {
	if cfg.NextAuditDays <= 0 {
		cfg.NextAuditDays = 90
	}
	if cfg.DefaultAuditorID == "" {
		cfg.DefaultAuditorID = "polyvault-auditor"
	}
	return &ReportService{Core: core, keys: keys, domain: domain, cfg: cfg}
}

// DefaultPeriod is the period ending at now that a report type covers by default.
func DefaultPeriod(t model.ReportType, now time.Time) model.ReportPeriod {
	days := 30
	switch t {
	case model.ReportDaily:
		days = 1
	case model.ReportWeekly:
		days = 7
	case model.ReportQuarterly:
		days = 90
	case model.ReportAnnual:
		days = 365
	}
	return model.ReportPeriod{Start: now.AddDate(0, 0, -days), End: now}
}

func (s *ReportService) GenerateReport(ctx context.Context, walletID string, typ model.ReportType, period model.ReportPeriod, opts ReportOptions) (*model.VaultReport, error) {
	if !typ.Valid() {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "invalid_report_type", fmt.Sprintf("invalid report type %q", typ))
	}
	now := s.now()
	if period.Start.IsZero() && period.End.IsZero() {
		period = DefaultPeriod(typ, now)
	}
	if !period.End.After(period.Start) {
		return nil, apperrors.WithReason(apperrors.ErrValidation, "invalid_period", "period end must be after start")
	}
	w, err := s.getWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	signers, err := s.walletSigners(ctx, w)
	if err != nil {
		return nil, err
	}
	policy, err := s.activePolicy(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	txs, err := s.Store.ListTransactions(ctx, repository.TransactionFilter{
		WalletID:      w.ID,
		CreatedAfter:  &period.Start,
		CreatedBefore: &period.End,
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "list transactions", err)
	}
	all, err := s.Store.ListRequests(ctx, repository.RequestFilter{WalletID: w.ID, SubmittedAfter: &period.Start})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "list requests", err)
	}
	var reqs []*model.WithdrawalRequest
	for _, r := range all {
		if period.Contains(r.SubmittedAt) {
			reqs = append(reqs, r)
		}
	}
	denials := s.countAudit(ctx, w.ID, model.ActionRequestDenied, period)
	deniedApprovals := s.countAudit(ctx, w.ID, model.ActionApprovalDenied, period)

	rep := &model.VaultReport{
		ID:                 uuid.NewString(),
		WalletID:           w.ID,
		Type:               typ,
		PeriodStart:        period.Start,
		PeriodEnd:          period.End,
		GeneratedAt:        now,
		AssetSummary:       assetSummary(w, txs),
		TransactionSummary: transactionSummary(txs),
		SecurityMetrics:    securityMetrics(w, signers, txs, reqs, deniedApprovals),
		ComplianceMetrics:  complianceMetrics(reqs, denials, policy),
		RiskAssessment:     riskAssessment(w, reqs),
		PerformanceMetrics: performanceMetrics(reqs),
	}

	att, err := s.attest(ctx, rep, complianceFindings(w, signers, policy, now), opts)
	if err != nil {
		return nil, err
	}
	rep.Attestation = att

	if err := s.Store.SaveReport(ctx, rep); err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "save report", err)
	}
	s.record(ctx, model.AuditEntry{
		WalletID: w.ID,
		Actor:    att.AuditorID,
		Action:   model.ActionReportGenerated,
		Success:  true,
		Details:  fmt.Sprintf("%s report for %s - %s", typ, period.Start.Format(time.RFC3339), period.End.Format(time.RFC3339)),
		Context:  map[string]any{"report_id": rep.ID, "findings": len(att.Findings)},
	})
	logger.Info("report generated", "wallet_id", w.ID, "report_id", rep.ID, "type", typ)
	return rep, nil
}

func (s *ReportService) ListReports(ctx context.Context, walletID string) ([]*model.VaultReport, error) {
	if walletID != "" {
		if _, err := s.getWallet(ctx, walletID); err != nil {
			return nil, err
		}
	}
	out, err := s.Store.ListReports(ctx, walletID)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "list reports", err)
	}
	return out, nil
}

// attest signs the report body with the auditor key when the key ring holds one and
// otherwise stamps the digest itself as a placeholder.
func (s *ReportService) attest(ctx context.Context, rep *model.VaultReport, findings []string, opts ReportOptions) (model.Attestation, error) {
	now := s.now()
	att := model.Attestation{
		AuditorID:    opts.AuditorID,
		Findings:     findings,
		AttestedAt:   now,
		NextAuditDue: now.AddDate(0, 0, s.cfg.NextAuditDays),
	}
	if att.AuditorID == "" {
		att.AuditorID = s.cfg.DefaultAuditorID
	}
	if opts.NextAuditDue != nil {
		att.NextAuditDue = *opts.NextAuditDue
	}
	if att.Findings == nil {
		att.Findings = []string{}
	}
	content, err := json.Marshal(rep)
	if err != nil {
		return att, apperrors.New(apperrors.ErrInternal, "encode report", err)
	}
	digest := s.domain.AttestationDigest(rep.ID, rep.WalletID, content, att.AuditorID)
	att.Signature = hexutil.Encode(digest)
	if s.keys != nil {
		if sig, err := s.keys.Sign(ctx, att.AuditorID, digest); err == nil {
			att.Signature = sig
		} else if !errors.Is(err, signer.ErrUnknownSigner) {
			logger.Warn("attestation signing failed", "wallet_id", rep.WalletID, "auditor_id", att.AuditorID, "error", err)
		}
	}
	return att, nil
}

func (s *ReportService) walletSigners(ctx context.Context, w *model.VaultWallet) ([]*model.VaultSigner, error) {
	out := make([]*model.VaultSigner, 0, len(w.SignerIDs))
	for _, id := range w.SignerIDs {
		sg, err := s.Store.GetSigner(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, apperrors.New(apperrors.ErrInternal, "load signer", err)
		}
		out = append(out, sg)
	}
	return out, nil
}

func (s *ReportService) countAudit(ctx context.Context, walletID, action string, period model.ReportPeriod) int {
	if s.Audit == nil {
		return 0
	}
	n, err := s.Audit.Count(ctx, repository.AuditFilter{
		WalletID: walletID,
		Action:   action,
		From:     &period.Start,
		To:       &period.End,
	})
	if err != nil {
		logger.Warn("audit query failed", "wallet_id", walletID, "action", action, "error", err)
		return 0
	}
	return n
}

func assetSummary(w *model.VaultWallet, txs []*model.VaultTransaction) []model.AssetSummary {
	out := make([]model.AssetSummary, 0, len(w.Assets))
	for _, b := range w.Assets {
		sum := model.AssetSummary{
			Asset:         b.Asset,
			TotalBalance:  b.TotalBalance,
			LockedBalance: b.LockedBalance,
			Available:     b.Available(),
		}
		for _, t := range txs {
			if t.Asset != b.Asset || !t.Status.Settled() {
				continue
			}
			switch t.Type {
			// flows saturate rather than wrap
			case model.TxDeposit:
				sum.Inflow = sum.Inflow.SaturatingAdd(t.Amount)
			case model.TxWithdrawal:
				sum.Outflow = sum.Outflow.SaturatingAdd(t.Amount)
				sum.FeesPaid = sum.FeesPaid.SaturatingAdd(t.Fee)
			}
		}
		out = append(out, sum)
	}
	return out
}

func transactionSummary(txs []*model.VaultTransaction) model.TransactionSummary {
	sum := model.TransactionSummary{ByType: map[string]int{}, ByStatus: map[string]int{}}
	for _, t := range txs {
		sum.Count++
		sum.ByType[string(t.Type)]++
		sum.ByStatus[string(t.Status)]++
		if t.Status == model.TxFailed {
			sum.Failed++
		}
	}
	return sum
}

func securityMetrics(w *model.VaultWallet, signers []*model.VaultSigner, txs []*model.VaultTransaction, reqs []*model.WithdrawalRequest, deniedApprovals int) model.SecurityMetrics {
	m := model.SecurityMetrics{
		Threshold:       w.Threshold,
		TotalSigners:    len(signers),
		DeniedApprovals: deniedApprovals,
	}
	for _, sg := range signers {
		switch sg.Status {
		case model.SignerActive:
			m.ActiveSigners++
		case model.SignerSuspended:
			m.SuspendedSigners++
		case model.SignerRevoked:
			m.RevokedSigners++
		}
	}
	for _, t := range txs {
		if t.Type == model.TxWithdrawal {
			m.SignaturesInPeriod += len(t.Signers)
		}
	}
	for _, r := range reqs {
		if r.Flagged {
			m.FlaggedRequests++
		}
		if r.OverrideUsed {
			m.OverridesUsed++
		}
	}
	m.SignerCoverage = ratio(m.ActiveSigners, w.Threshold)
	return m
}

func complianceMetrics(reqs []*model.WithdrawalRequest, denials int, policy *model.AccessPolicy) model.ComplianceMetrics {
	m := model.ComplianceMetrics{RequestsSubmitted: len(reqs), PolicyDenials: denials}
	if policy != nil {
		m.PolicyVersion = policy.Version
	}
	var approvalSecs []float64
	for _, r := range reqs {
		switch r.Status {
		case model.RequestApproved:
			m.Approved++
		case model.RequestRejected:
			m.Rejected++
		case model.RequestCancelled:
			m.Cancelled++
		case model.RequestExpired:
			m.Expired++
		case model.RequestExecuted:
			m.Executed++
		}
		if r.ApprovedAt != nil {
			approvalSecs = append(approvalSecs, r.ApprovedAt.Sub(r.SubmittedAt).Seconds())
		}
	}
	m.ApprovalRate = ratio(m.Approved+m.Executed, m.Approved+m.Executed+m.Rejected)
	m.AvgApprovalSecs = mean(approvalSecs)
	return m
}

func riskAssessment(w *model.VaultWallet, reqs []*model.WithdrawalRequest) model.RiskAssessment {
	a := model.RiskAssessment{FactorCounts: map[string]int{}, WalletScore: w.RiskScore}
	scores := make([]float64, 0, len(reqs))
	for _, r := range reqs {
		scores = append(scores, r.RiskScore)
		a.MaxScore = max(a.MaxScore, r.RiskScore)
		if r.Flagged {
			a.Flagged++
		}
		for _, f := range r.RiskFactors {
			a.FactorCounts[string(f)]++
		}
	}
	a.AverageScore = mean(scores)
	return a
}

func performanceMetrics(reqs []*model.WithdrawalRequest) model.PerformanceMetrics {
	var m model.PerformanceMetrics
	attempts := 0
	var execSecs []float64
	for _, r := range reqs {
		attempts += r.ExecutionAttempts
		if r.Status == model.RequestExecuted {
			m.Executions++
			if r.ApprovedAt != nil && r.ExecutedAt != nil {
				execSecs = append(execSecs, r.ExecutedAt.Sub(*r.ApprovedAt).Seconds())
			}
		}
	}
	m.FailedExecutions = attempts - m.Executions
	m.ExecutionSuccessRate = ratio(m.Executions, attempts)
	m.AvgExecutionSecs = mean(execSecs)
	return m
}

// complianceFindings lists the control gaps of a wallet. Reports and the
// compliance sweep share it.
func complianceFindings(w *model.VaultWallet, signers []*model.VaultSigner, policy *model.AccessPolicy, now time.Time) []string {
	var out []string
	active := 0
	for _, sg := range signers {
		if sg.IsActive() {
			active++
			if (w.Type == model.WalletCold || w.Type == model.WalletAirGapped) && sg.HardwareType == model.HardwareSoftware {
				out = append(out, fmt.Sprintf("signer %s uses a software key on a %s wallet", sg.ID, w.Type))
			}
		}
	}
	if active < w.Threshold {
		out = append(out, fmt.Sprintf("only %d active signers for threshold %d", active, w.Threshold))
	}
	if w.Threshold == 1 {
		out = append(out, "single-signer quorum")
	}
	if policy == nil {
		out = append(out, "no active access policy")
	} else {
		if policy.MaxDailyAmount.IsZero() {
			out = append(out, "no daily withdrawal limit")
		}
		if !policy.WhitelistEnforced && w.Type != model.WalletHot {
			out = append(out, "destination whitelist not enforced")
		}
	}
	if w.Status == model.WalletFrozen || w.Status == model.WalletLocked {
		out = append(out, fmt.Sprintf("wallet is %s: %s", w.Status, w.StatusReason))
	}
	if w.LastAuditAt == nil || now.Sub(*w.LastAuditAt) > 90*24*time.Hour {
		out = append(out, "periodic audit overdue")
	}
	return out
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return decimal.NewFromInt(int64(num)).Div(decimal.NewFromInt(int64(den))).Round(4).InexactFloat64()
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := decimal.Zero
	for _, x := range xs {
		sum = sum.Add(decimal.NewFromFloat(x))
	}
	return sum.Div(decimal.NewFromInt(int64(len(xs)))).Round(4).InexactFloat64()
}
