package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyvault/internal/pkg/logger"
	"github.com/GoPolymarket/polyvault/internal/pkg/metrics"
	"github.com/GoPolymarket/polyvault/internal/repository"
	"github.com/shopspring/decimal"
)

const (
	SweepHealth     = "health"
	SweepRisk       = "risk"
	SweepCompliance = "compliance"
	SweepAudit      = "audit"
	SweepTimeout    = "timeout"
)

type MonitorConfig struct {
	HealthInterval     time.Duration
	RiskInterval       time.Duration
	ComplianceInterval time.Duration
	AuditInterval      time.Duration
	TimeoutInterval    time.Duration
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.HealthInterval <= 0 {
		c.HealthInterval = time.Minute
	}
	if c.RiskInterval <= 0 {
		c.RiskInterval = 5 * time.Minute
	}
	if c.ComplianceInterval <= 0 {
		c.ComplianceInterval = time.Hour
	}
	if c.AuditInterval <= 0 {
		c.AuditInterval = 6 * time.Hour
	}
	if c.TimeoutInterval <= 0 {
		c.TimeoutInterval = 30 * time.Second
	}
	return c
}

// SweepResult summarizes one pass over all wallets.
type SweepResult struct {
	Sweep   string            `json:"sweep"`
	Checked int               `json:"checked"`
	Changed int               `json:"changed"`
	Failed  int               `json:"failed"`
	Errors  map[string]string `json:"errors,omitempty"` // wallet id -> error
}

// Risk composite weights.
var (
	weightConcentration = decimal.RequireFromString("0.5")
	weightActivity      = decimal.RequireFromString("0.3")
	weightFlagged       = decimal.RequireFromString("0.2")
	activitySaturation  = decimal.NewFromInt(10)
)

// Monitor runs the periodic wallet sweeps. Each sweep has its own goroutine and
// ticker; a failing wallet never stops the rest of a sweep.
type Monitor struct {
	*Core
	withdrawals *WithdrawalService
	reports     *ReportService
	cfg         MonitorConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewMonitor(core *Core, withdrawals *WithdrawalService, reports *ReportService, cfg MonitorConfig) *Monitor {
	return &Monitor{Core: core, withdrawals: withdrawals, reports: reports, cfg: cfg.withDefaults()}
}

// Start launches every sweep loop. It is a no-op when already running.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	loops := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) SweepResult
	}{
		{SweepHealth, m.cfg.HealthInterval, m.RunHealthSweep},
		{SweepRisk, m.cfg.RiskInterval, m.RunRiskSweep},
		{SweepCompliance, m.cfg.ComplianceInterval, m.RunComplianceSweep},
		{SweepAudit, m.cfg.AuditInterval, m.RunAuditSweep},
		{SweepTimeout, m.cfg.TimeoutInterval, m.RunTimeoutSweep},
	}
	for _, l := range loops {
		m.wg.Add(1)
		go m.loop(ctx, l.name, l.interval, l.run)
	}
	logger.Info("monitor started",
		"health", m.cfg.HealthInterval, "risk", m.cfg.RiskInterval,
		"compliance", m.cfg.ComplianceInterval, "audit", m.cfg.AuditInterval, "timeout", m.cfg.TimeoutInterval)
}

// Stop cancels every loop and waits for in-flight sweeps to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.mu.Unlock()
	m.wg.Wait()
	logger.Info("monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) SweepResult) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := run(ctx)
			if res.Failed > 0 {
				logger.Warn("sweep finished with failures", "sweep", name, "checked", res.Checked, "failed", res.Failed)
			} else {
				logger.Debug("sweep finished", "sweep", name, "checked", res.Checked, "changed", res.Changed)
			}
		}
	}
}

// forEachWallet applies fn to every wallet, isolating errors and panics per wallet.
func (m *Monitor) forEachWallet(ctx context.Context, sweep string, fn func(context.Context, *model.VaultWallet) (bool, error)) SweepResult {
	metrics.SweepRuns.WithLabelValues(sweep).Inc()
	res := SweepResult{Sweep: sweep}
	wallets, err := m.Store.ListWallets(ctx)
	if err != nil {
		logger.Error("sweep could not list wallets", "sweep", sweep, "error", err)
		res.Failed++
		res.Errors = map[string]string{"*": err.Error()}
		return res
	}
	for _, w := range wallets {
		if ctx.Err() != nil {
			break
		}
		res.Checked++
		changed, err := m.guard(ctx, w, fn)
		if err != nil {
			res.Failed++
			if res.Errors == nil {
				res.Errors = map[string]string{}
			}
			res.Errors[w.ID] = err.Error()
			metrics.SweepFailures.WithLabelValues(sweep).Inc()
			logger.Error("wallet sweep failed", "sweep", sweep, "wallet_id", w.ID, "error", err)
			continue
		}
		if changed {
			res.Changed++
		}
	}
	return res
}

func (m *Monitor) guard(ctx context.Context, w *model.VaultWallet, fn func(context.Context, *model.VaultWallet) (bool, error)) (changed bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, w)
}

// updateWallet reloads the wallet under its lock and persists mutate's changes.
func (m *Monitor) updateWallet(ctx context.Context, id string, mutate func(*model.VaultWallet)) error {
	unlock := m.LockWallet(id)
	defer unlock()
	w, err := m.getWallet(ctx, id)
	if err != nil {
		return err
	}
	mutate(w)
	if err := m.Store.UpdateWallet(ctx, w); err != nil {
		return apperrors.New(apperrors.ErrInternal, "save wallet", err)
	}
	return nil
}

// HealthOf classifies a wallet by its active signers against the threshold.
func HealthOf(active, threshold int) model.HealthStatus {
	switch {
	case active < threshold:
		return model.HealthCritical
	case active == threshold:
		return model.HealthWarning
	default:
		return model.HealthHealthy
	}
}

func healthGauge(h model.HealthStatus) float64 {
	switch h {
	case model.HealthWarning:
		return 1
	case model.HealthCritical:
		return 2
	}
	return 0
}

func (m *Monitor) RunHealthSweep(ctx context.Context) SweepResult {
	return m.forEachWallet(ctx, SweepHealth, func(ctx context.Context, w *model.VaultWallet) (bool, error) {
		active, err := m.activeWalletSigners(ctx, w)
		if err != nil {
			return false, err
		}
		health := HealthOf(len(active), w.Threshold)
		metrics.WalletHealth.WithLabelValues(w.ID).Set(healthGauge(health))
		previous := w.HealthStatus
		now := m.now()
		if err := m.updateWallet(ctx, w.ID, func(w *model.VaultWallet) {
			w.HealthStatus = health
			w.LastHealthCheckAt = &now
		}); err != nil {
			return false, err
		}
		if previous == health {
			return false, nil
		}
		m.publish(ctx, model.EventWalletHealth, w.ID, "", model.ActorScheduler, map[string]any{
			"from": previous, "to": health, "active_signers": len(active), "threshold": w.Threshold,
		})
		if health != model.HealthHealthy {
			logger.Warn("wallet health degraded", "wallet_id", w.ID, "health", health, "active_signers", len(active), "threshold", w.Threshold)
		}
		return true, nil
	})
}

// WalletRiskScore is 0.5 x concentration + 0.3 x activity + 0.2 x flagged share.
// Concentration is the largest share of an asset balance reserved by one open
// request; activity is the last 24h request count saturating at 10; flagged share
// is the fraction of those requests that were flagged.
func (m *Monitor) WalletRiskScore(ctx context.Context, w *model.VaultWallet) (float64, error) {
	from := m.now().Add(-24 * time.Hour)
	recent, err := m.Store.ListRequests(ctx, repository.RequestFilter{WalletID: w.ID, SubmittedAfter: &from})
	if err != nil {
		return 0, apperrors.New(apperrors.ErrInternal, "list requests", err)
	}
	open, err := m.Store.ListRequests(ctx, repository.RequestFilter{
		WalletID: w.ID,
		Statuses: []model.RequestStatus{model.RequestPending, model.RequestApproved},
	})
	if err != nil {
		return 0, apperrors.New(apperrors.ErrInternal, "list requests", err)
	}

	one := decimal.NewFromInt(1)
	concentration := decimal.Zero
	for _, r := range open {
		bal, ok := w.Asset(r.Asset)
		if !ok || bal.TotalBalance.IsZero() {
			continue
		}
		reserved, err := r.Reserved()
		if err != nil {
			continue
		}
		concentration = decimal.Max(concentration, reserved.Decimal().Div(bal.TotalBalance.Decimal()))
	}
	concentration = decimal.Min(concentration, one)

	activity := decimal.Min(decimal.NewFromInt(int64(len(recent))).Div(activitySaturation), one)

	flaggedShare := decimal.Zero
	if len(recent) > 0 {
		flagged := 0
		for _, r := range recent {
			if r.Flagged {
				flagged++
			}
		}
		flaggedShare = decimal.NewFromInt(int64(flagged)).Div(decimal.NewFromInt(int64(len(recent))))
	}

	score := weightConcentration.Mul(concentration).
		Add(weightActivity.Mul(activity)).
		Add(weightFlagged.Mul(flaggedShare))
	return score.Round(4).InexactFloat64(), nil
}

func (m *Monitor) RunRiskSweep(ctx context.Context) SweepResult {
	return m.forEachWallet(ctx, SweepRisk, func(ctx context.Context, w *model.VaultWallet) (bool, error) {
		score, err := m.WalletRiskScore(ctx, w)
		if err != nil {
			return false, err
		}
		if score == w.RiskScore {
			return false, nil
		}
		return true, m.updateWallet(ctx, w.ID, func(w *model.VaultWallet) { w.RiskScore = score })
	})
}

func (m *Monitor) RunComplianceSweep(ctx context.Context) SweepResult {
	return m.forEachWallet(ctx, SweepCompliance, func(ctx context.Context, w *model.VaultWallet) (bool, error) {
		signers := make([]*model.VaultSigner, 0, len(w.SignerIDs))
		for _, id := range w.SignerIDs {
			sg, err := m.getSigner(ctx, id)
			if err != nil {
				return false, err
			}
			signers = append(signers, sg)
		}
		policy, err := m.activePolicy(ctx, w.ID)
		if err != nil {
			return false, err
		}
		findings := complianceFindings(w, signers, policy, m.now())
		status := "compliant"
		if len(findings) > 0 {
			status = "non_compliant"
		}
		return status != w.ComplianceStatus, m.updateWallet(ctx, w.ID, func(w *model.VaultWallet) {
			w.ComplianceStatus = status
			w.ComplianceFindings = findings
		})
	})
}

// RunAuditSweep generates an audit report for every wallet not yet audited within
// the audit interval and stamps LastAuditAt.
func (m *Monitor) RunAuditSweep(ctx context.Context) SweepResult {
	return m.forEachWallet(ctx, SweepAudit, func(ctx context.Context, w *model.VaultWallet) (bool, error) {
		now := m.now()
		if w.LastAuditAt != nil && now.Sub(*w.LastAuditAt) < m.cfg.AuditInterval {
			return false, nil
		}
		if _, err := m.reports.GenerateReport(ctx, w.ID, model.ReportAudit, DefaultPeriod(model.ReportAudit, now), ReportOptions{}); err != nil {
			return false, err
		}
		return true, m.updateWallet(ctx, w.ID, func(w *model.VaultWallet) { w.LastAuditAt = &now })
	})
}

func (m *Monitor) RunTimeoutSweep(ctx context.Context) SweepResult {
	return m.forEachWallet(ctx, SweepTimeout, func(ctx context.Context, w *model.VaultWallet) (bool, error) {
		n, err := m.withdrawals.SweepPending(ctx, w.ID)
		return n > 0, err
	})
}
