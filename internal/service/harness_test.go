package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoPolymarket/polyvault/internal/broadcaster"
	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/repository"
	"github.com/GoPolymarket/polyvault/internal/signer"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// Tuesday, inside business hours.
var businessHours = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

var (
	admin    = model.Actor{ID: "ops-admin", Role: model.RoleAdmin}
	operator = model.Actor{ID: "ops-desk", Role: model.RoleOperator, Jurisdiction: "CH"}
)

type harness struct {
	t           *testing.T
	ctx         context.Context
	now         time.Time
	store       *repository.MemoryStore
	core        *Core
	keys        *signer.LocalKeyRing
	bcast       *broadcaster.Memory
	domain      signer.Domain
	audit       *AuditService
	workflows   *WorkflowEngine
	registry    *Registry
	policy      *PolicyEngine
	risk        *RiskEngine
	executor    *MultiSigExecutor
	withdrawals *WithdrawalService
	reports     *ReportService
	monitor     *Monitor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	audit, err := NewAuditService("", nil)
	require.NoError(t, err)
	t.Cleanup(audit.Close)

	h := &harness{
		t:      t,
		ctx:    context.Background(),
		now:    businessHours,
		store:  repository.NewMemoryStore(),
		keys:   signer.NewLocalKeyRing(),
		bcast:  broadcaster.NewMemory(),
		domain: signer.NewDomain(1),
		audit:  audit,
	}
	h.core = NewCore(h.store, audit, NewEventHub())
	h.core.Now = func() time.Time { return h.now }

	h.workflows = NewWorkflowEngine(h.core)
	h.registry = NewRegistry(h.core, h.workflows)
	h.policy = NewPolicyEngine(h.core)
	h.risk = NewRiskEngine(h.core, RiskConfig{})
	h.executor = NewMultiSigExecutor(h.core, h.keys, h.bcast, h.domain, true)
	h.withdrawals = NewWithdrawalService(h.core, h.policy, h.risk, h.workflows, h.executor, h.domain, WithdrawalConfig{RequestTTL: 24 * time.Hour})
	h.reports = NewReportService(h.core, h.keys, h.domain, ReportConfig{})
	h.monitor = NewMonitor(h.core, h.withdrawals, h.reports, MonitorConfig{})
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

// addSigner onboards a signer whose key lives in the harness key ring.
func (h *harness) addSigner(name string, role model.SignerRole) *model.VaultSigner {
	h.t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(h.t, err)
	sk, err := signer.NewSigner(hexutil.Encode(crypto.FromECDSA(key)))
	require.NoError(h.t, err)
	s, err := h.registry.AddSigner(h.ctx, AddSignerRequest{
		Name:         name,
		Role:         role,
		PublicKey:    sk.PublicKey(),
		HardwareType: model.HardwareHSM,
	}, admin)
	require.NoError(h.t, err)
	h.keys.Add(s.ID, sk)
	return s
}

// newWallet creates a threshold-of-n wallet holding 1000 USDC with a fee of 1.
func (h *harness) newWallet(threshold, n int) (*model.VaultWallet, []*model.VaultSigner) {
	h.t.Helper()
	signers := make([]*model.VaultSigner, n)
	ids := make([]string, n)
	for i := range signers {
		signers[i] = h.addSigner("signer", model.RoleOperator)
		ids[i] = signers[i].ID
	}
	w, err := h.registry.CreateWallet(h.ctx, CreateWalletRequest{
		Name:      "treasury",
		Type:      model.WalletWarm,
		SignerIDs: ids,
		Threshold: threshold,
		Assets:    []AssetConfig{{Asset: "USDC", NetworkFee: model.NewAmount(1)}},
	}, admin)
	require.NoError(h.t, err)
	h.credit(w.ID, 1000)
	return w, signers
}

func (h *harness) credit(walletID string, amount uint64) {
	h.t.Helper()
	_, err := h.registry.CreditWallet(h.ctx, walletID, CreditRequest{Asset: "USDC", Amount: model.NewAmount(amount), Reference: "seed"}, admin)
	require.NoError(h.t, err)
}

// knownDestination records a settled withdrawal so dest no longer counts as new.
func (h *harness) knownDestination(walletID, dest string) {
	h.t.Helper()
	require.NoError(h.t, h.store.CreateTransaction(h.ctx, &model.VaultTransaction{
		ID:                 "seed-" + dest,
		WalletID:           walletID,
		Type:               model.TxWithdrawal,
		Asset:              "USDC",
		Amount:             model.NewAmount(0),
		CounterpartAddress: dest,
		Status:             model.TxCompleted,
		CreatedAt:          h.now.Add(-72 * time.Hour),
	}))
}

func (h *harness) submit(walletID string, amount uint64, dest string) *model.WithdrawalRequest {
	h.t.Helper()
	r, err := h.withdrawals.Submit(h.ctx, SubmitRequest{
		WalletID:    walletID,
		Asset:       "USDC",
		Amount:      model.NewAmount(amount),
		Destination: dest,
	}, operator)
	require.NoError(h.t, err)
	return r
}

// approve records s's decision without an approval signature.
func (h *harness) approve(requestID string, s *model.VaultSigner, d model.Decision) (*ApprovalResult, error) {
	return h.withdrawals.Approve(h.ctx, ApproveRequest{RequestID: requestID, Decision: d}, model.Actor{ID: s.ID, Role: s.Role})
}

func (h *harness) balance(walletID string) Balance {
	h.t.Helper()
	bals, err := h.registry.GetBalance(h.ctx, walletID, "USDC")
	require.NoError(h.t, err)
	require.Len(h.t, bals, 1)
	return bals[0]
}

func (h *harness) request(id string) *model.WithdrawalRequest {
	h.t.Helper()
	r, err := h.withdrawals.Get(h.ctx, id)
	require.NoError(h.t, err)
	return r
}

// flakyStore fails wallet writes while failWallets is set.
type flakyStore struct {
	*repository.MemoryStore
	failWallets atomic.Bool
}

func (f *flakyStore) UpdateWallet(ctx context.Context, w *model.VaultWallet) error {
	if f.failWallets.Load() {
		return errors.New("disk full")
	}
	return f.MemoryStore.UpdateWallet(ctx, w)
}

// flaky routes every service through a flakyStore over the harness store.
func (h *harness) flaky() *flakyStore {
	f := &flakyStore{MemoryStore: h.store}
	h.core.Store = f
	return f
}
