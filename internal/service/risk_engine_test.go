package service

import (
	"testing"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskEngine_Factors(t *testing.T) {
	h := newHarness(t)
	w, _ := h.newWallet(1, 1)
	h.knownDestination(w.ID, "0xknown")
	wallet, err := h.registry.GetWallet(h.ctx, w.ID)
	require.NoError(t, err)

	tests := []struct {
		name    string
		amount  uint64
		dest    string
		at      time.Time
		score   float64
		factors []model.RiskFactor
	}{
		{"clean", 100, "0xknown", businessHours, 0, nil},
		{"exactly half is not large", 500, "0xknown", businessHours, 0, nil},
		{"over half", 600, "0xknown", businessHours, 0.3, []model.RiskFactor{model.RiskLargeAmount}},
		{"over most", 900, "0xknown", businessHours, 0.5, []model.RiskFactor{model.RiskLargeAmount}},
		{"new destination", 100, "0xnew", businessHours, 0.2, []model.RiskFactor{model.RiskNewDestination}},
		{"before opening", 100, "0xknown", businessHours.Add(-2 * time.Hour), 0.1, []model.RiskFactor{model.RiskOffHours}},
		{"closing hour is off-hours", 100, "0xknown", businessHours.Add(7 * time.Hour), 0.1, []model.RiskFactor{model.RiskOffHours}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.risk.Score(h.ctx, wallet, "USDC", model.NewAmount(tt.amount), tt.dest, tt.at)
			require.NoError(t, err)
			assert.InDelta(t, tt.score, res.Score, 1e-9)
			assert.Equal(t, tt.factors, res.Factors)
			assert.False(t, res.Flagged)
		})
	}
}

func TestRiskEngine_UnknownAssetCountsAsLarge(t *testing.T) {
	h := newHarness(t)
	w, _ := h.newWallet(1, 1)
	h.knownDestination(w.ID, "0xknown")
	wallet, err := h.registry.GetWallet(h.ctx, w.ID)
	require.NoError(t, err)

	res, err := h.risk.Score(h.ctx, wallet, "ETH", model.NewAmount(1), "0xknown", businessHours)
	require.NoError(t, err)
	assert.True(t, res.HasFactor(model.RiskLargeAmount))
	assert.InDelta(t, 0.5, res.Score, 1e-9)
}

func TestRiskEngine_FrequencyAndCap(t *testing.T) {
	h := newHarness(t)
	w, _ := h.newWallet(1, 1)
	h.now = time.Date(2026, 3, 11, 23, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		h.submit(w.ID, 1, "0xa")
		h.advance(time.Minute)
	}
	wallet, err := h.registry.GetWallet(h.ctx, w.ID)
	require.NoError(t, err)

	res, err := h.risk.Score(h.ctx, wallet, "USDC", model.NewAmount(990), "0xnowhere", h.now)
	require.NoError(t, err)
	assert.Len(t, res.Factors, 4)
	assert.Equal(t, 1.0, res.Score)
	assert.True(t, res.Flagged)

	// requests older than the window no longer count
	later := h.now.Add(2 * time.Hour)
	res, err = h.risk.Score(h.ctx, wallet, "USDC", model.NewAmount(1), "0xa", later)
	require.NoError(t, err)
	assert.False(t, res.HasFactor(model.RiskHighFrequency))
}

func TestRiskEngine_Monotonic(t *testing.T) {
	h := newHarness(t)
	w, _ := h.newWallet(1, 1)
	h.knownDestination(w.ID, "0xknown")
	wallet, err := h.registry.GetWallet(h.ctx, w.ID)
	require.NoError(t, err)

	prev := -1.0
	for amount := uint64(0); amount <= 1000; amount += 50 {
		res, err := h.risk.Score(h.ctx, wallet, "USDC", model.NewAmount(amount), "0xknown", businessHours)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Score, prev, "amount %d", amount)
		assert.GreaterOrEqual(t, res.Score, 0.0)
		assert.LessOrEqual(t, res.Score, 1.0)
		prev = res.Score
	}

	known, err := h.risk.Score(h.ctx, wallet, "USDC", model.NewAmount(10), "0xknown", businessHours)
	require.NoError(t, err)
	unknown, err := h.risk.Score(h.ctx, wallet, "USDC", model.NewAmount(10), "0xunknown", businessHours)
	require.NoError(t, err)
	assert.Greater(t, unknown.Score, known.Score)
}

func TestRiskEngine_WalletTimezone(t *testing.T) {
	h := newHarness(t)
	w, _ := h.newWallet(1, 1)
	h.knownDestination(w.ID, "0xknown")
	_, err := h.registry.SetAccessPolicy(h.ctx, w.ID, model.AccessPolicy{Timezone: "Asia/Tokyo"}, admin)
	require.NoError(t, err)
	wallet, err := h.registry.GetWallet(h.ctx, w.ID)
	require.NoError(t, err)

	// 10:00 UTC is 19:00 in Tokyo
	res, err := h.risk.Score(h.ctx, wallet, "USDC", model.NewAmount(1), "0xknown", businessHours)
	require.NoError(t, err)
	assert.True(t, res.HasFactor(model.RiskOffHours))

	// 01:00 UTC is 10:00 in Tokyo
	res, err = h.risk.Score(h.ctx, wallet, "USDC", model.NewAmount(1), "0xknown", businessHours.Add(-9*time.Hour))
	require.NoError(t, err)
	assert.False(t, res.HasFactor(model.RiskOffHours))
}
