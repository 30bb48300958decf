package service

import (
	"context"
	"slices"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyvault/internal/pkg/metrics"
	"github.com/GoPolymarket/polyvault/internal/repository"
	"github.com/shopspring/decimal"
)

// RiskConfig holds the tunables of the scoring model. Zero values fall back to the defaults.
type RiskConfig struct {
	BusinessHoursStart int
	BusinessHoursEnd   int
	FrequencyWindow    time.Duration
	FrequencyLimit     int
	FlagThreshold      float64
}

func (c RiskConfig) withDefaults() RiskConfig {
	if c.BusinessHoursEnd == 0 {
		c.BusinessHoursStart, c.BusinessHoursEnd = 9, 17
	}
	if c.FrequencyWindow <= 0 {
		c.FrequencyWindow = time.Hour
	}
	if c.FrequencyLimit <= 0 {
		c.FrequencyLimit = 2
	}
	if c.FlagThreshold <= 0 {
		c.FlagThreshold = 0.7
	}
	return c
}

// Risk factor weights.
var (
	weightHalfBalance    = decimal.RequireFromString("0.3")
	weightMostBalance    = decimal.RequireFromString("0.2")
	weightNewDestination = decimal.RequireFromString("0.2")
	weightOffHours       = decimal.RequireFromString("0.1")
	weightFrequency      = decimal.RequireFromString("0.2")

	ratioHalf = decimal.RequireFromString("0.5")
	ratioMost = decimal.RequireFromString("0.8")
)

type RiskResult struct {
	Score   float64            `json:"score"`
	Factors []model.RiskFactor `json:"factors"`
	Flagged bool               `json:"flagged"`
}

// RiskEngine scores a proposed withdrawal. Scoring is deterministic given the store
// contents and the timestamp; it never blocks a submission.
type RiskEngine struct {
	*Core
	cfg RiskConfig
}

func NewRiskEngine(core *Core, cfg RiskConfig) *RiskEngine {
	return &RiskEngine{Core: core, cfg: cfg.withDefaults()}
}

func (e *RiskEngine) Score(ctx context.Context, w *model.VaultWallet, asset string, amount model.Amount, destination string, at time.Time) (RiskResult, error) {
	score := decimal.Zero
	var factors []model.RiskFactor

	// 1. 金额占余额比例
	ratio := balanceRatio(w, asset, amount)
	if ratio.GreaterThan(ratioHalf) {
		score = score.Add(weightHalfBalance)
		if ratio.GreaterThan(ratioMost) {
			score = score.Add(weightMostBalance)
		}
		factors = append(factors, model.RiskLargeAmount)
	}

	// 2. 新目标地址
	known, err := e.knownDestination(ctx, w.ID, destination)
	if err != nil {
		return RiskResult{}, err
	}
	if !known {
		score = score.Add(weightNewDestination)
		factors = append(factors, model.RiskNewDestination)
	}

	// 3. 非工作时间 (钱包本地时区)
	p, err := e.activePolicy(ctx, w.ID)
	if err != nil {
		return RiskResult{}, err
	}
	if h := at.In(p.Location()).Hour(); h < e.cfg.BusinessHoursStart || h >= e.cfg.BusinessHoursEnd {
		score = score.Add(weightOffHours)
		factors = append(factors, model.RiskOffHours)
	}

	// 4. 高频提现
	recent, err := e.recentRequests(ctx, w.ID, at)
	if err != nil {
		return RiskResult{}, err
	}
	if recent > e.cfg.FrequencyLimit {
		score = score.Add(weightFrequency)
		factors = append(factors, model.RiskHighFrequency)
	}

	score = decimal.Min(score, decimal.NewFromInt(1))
	res := RiskResult{
		Score:   score.InexactFloat64(),
		Factors: factors,
	}
	res.Flagged = score.GreaterThan(decimal.NewFromFloat(e.cfg.FlagThreshold))
	metrics.RiskScore.Observe(res.Score)
	return res, nil
}

// balanceRatio is amount / total balance of asset. An empty or missing balance
// counts as the largest possible ratio.
func balanceRatio(w *model.VaultWallet, asset string, amount model.Amount) decimal.Decimal {
	bal, ok := w.Asset(asset)
	if !ok || bal.TotalBalance.IsZero() {
		return decimal.NewFromInt(1)
	}
	return amount.Decimal().Div(bal.TotalBalance.Decimal())
}

func (e *RiskEngine) knownDestination(ctx context.Context, walletID, destination string) (bool, error) {
	txs, err := e.Store.ListTransactions(ctx, repository.TransactionFilter{
		WalletID:    walletID,
		Type:        model.TxWithdrawal,
		Statuses:    []model.TransactionStatus{model.TxConfirmed, model.TxCompleted},
		Destination: destination,
	})
	if err != nil {
		return false, apperrors.New(apperrors.ErrInternal, "list transactions", err)
	}
	return len(txs) > 0, nil
}

// recentRequests counts requests of any status submitted in the window before at.
func (e *RiskEngine) recentRequests(ctx context.Context, walletID string, at time.Time) (int, error) {
	from := at.Add(-e.cfg.FrequencyWindow)
	reqs, err := e.Store.ListRequests(ctx, repository.RequestFilter{WalletID: walletID, SubmittedAfter: &from})
	if err != nil {
		return 0, apperrors.New(apperrors.ErrInternal, "list requests", err)
	}
	n := 0
	for _, r := range reqs {
		if r.SubmittedAt.Before(at) || r.SubmittedAt.Equal(at) {
			n++
		}
	}
	return n, nil
}

// HasFactor reports whether f is among the result's factors.
func (r RiskResult) HasFactor(f model.RiskFactor) bool {
	return slices.Contains(r.Factors, f)
}
