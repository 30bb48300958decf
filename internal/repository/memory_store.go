package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/GoPolymarket/polyvault/internal/model"
)

// MemoryStore is an arena of records addressed by id. Every read and write copies,
// so no live object is ever shared between callers.
type MemoryStore struct {
	mu           sync.RWMutex
	wallets      map[string]*model.VaultWallet
	signers      map[string]*model.VaultSigner
	policies     map[string]*model.AccessPolicy
	workflows    map[string]*model.ApprovalWorkflow
	requests     map[string]*model.WithdrawalRequest
	transactions map[string]*model.VaultTransaction
	txOrder      []string
	reports      map[string]*model.VaultReport
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:      make(map[string]*model.VaultWallet),
		signers:      make(map[string]*model.VaultSigner),
		policies:     make(map[string]*model.AccessPolicy),
		workflows:    make(map[string]*model.ApprovalWorkflow),
		requests:     make(map[string]*model.WithdrawalRequest),
		transactions: make(map[string]*model.VaultTransaction),
		reports:      make(map[string]*model.VaultReport),
	}
}

// --- units of work ---

// walletSnapshot is what InWalletTx restores when fn fails.
type walletSnapshot struct {
	wallet   *model.VaultWallet
	requests map[string]*model.WithdrawalRequest
	txMark   int
}

// InWalletTx snapshots the wallet, its requests and the transaction log, runs fn
// and restores the snapshot when fn fails. Callers serialize writers per wallet,
// so only this wallet's records are rolled back and other wallets' concurrent
// writes survive.
func (s *MemoryStore) InWalletTx(ctx context.Context, walletID string, fn func(ctx context.Context) error) error {
	snap, err := s.snapshot(walletID)
	if err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		s.restore(walletID, snap)
		return err
	}
	return nil
}

func (s *MemoryStore) snapshot(walletID string) (*walletSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return nil, ErrNotFound
	}
	snap := &walletSnapshot{
		wallet:   w.Clone(),
		requests: make(map[string]*model.WithdrawalRequest),
		txMark:   len(s.txOrder),
	}
	for id, r := range s.requests {
		if r.WalletID == walletID {
			snap.requests[id] = r.Clone()
		}
	}
	return snap, nil
}

func (s *MemoryStore) restore(walletID string, snap *walletSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[walletID] = snap.wallet
	for id, r := range s.requests {
		if r.WalletID != walletID {
			continue
		}
		if prev, ok := snap.requests[id]; ok {
			s.requests[id] = prev
		} else {
			delete(s.requests, id)
		}
	}
	kept := s.txOrder[:snap.txMark]
	for _, id := range s.txOrder[snap.txMark:] {
		if s.transactions[id].WalletID == walletID {
			delete(s.transactions, id)
			continue
		}
		kept = append(kept, id)
	}
	s.txOrder = kept
}

// --- wallets ---

func (s *MemoryStore) CreateWallet(ctx context.Context, w *model.VaultWallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.ID]; ok {
		return fmt.Errorf("wallet %s already exists", w.ID)
	}
	s.wallets[w.ID] = w.Clone()
	return nil
}

func (s *MemoryStore) GetWallet(ctx context.Context, id string) (*model.VaultWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return w.Clone(), nil
}

func (s *MemoryStore) UpdateWallet(ctx context.Context, w *model.VaultWallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.ID]; !ok {
		return ErrNotFound
	}
	s.wallets[w.ID] = w.Clone()
	return nil
}

func (s *MemoryStore) ListWallets(ctx context.Context) ([]*model.VaultWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.VaultWallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- signers ---

func (s *MemoryStore) CreateSigner(ctx context.Context, sg *model.VaultSigner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signers[sg.ID]; ok {
		return fmt.Errorf("signer %s already exists", sg.ID)
	}
	s.signers[sg.ID] = sg.Clone()
	return nil
}

func (s *MemoryStore) GetSigner(ctx context.Context, id string) (*model.VaultSigner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sg, ok := s.signers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sg.Clone(), nil
}

func (s *MemoryStore) UpdateSigner(ctx context.Context, sg *model.VaultSigner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signers[sg.ID]; !ok {
		return ErrNotFound
	}
	s.signers[sg.ID] = sg.Clone()
	return nil
}

func (s *MemoryStore) ListSigners(ctx context.Context) ([]*model.VaultSigner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.VaultSigner, 0, len(s.signers))
	for _, sg := range s.signers {
		out = append(out, sg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- policies ---

func (s *MemoryStore) SavePolicy(ctx context.Context, p *model.AccessPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Active {
		for id, existing := range s.policies {
			if existing.WalletID == p.WalletID && id != p.ID {
				existing.Active = false
			}
		}
	}
	s.policies[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) ActivePolicy(ctx context.Context, walletID string) (*model.AccessPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *model.AccessPolicy
	for _, p := range s.policies {
		if p.WalletID != walletID || !p.Active {
			continue
		}
		if latest == nil || p.UpdatedAt.After(latest.UpdatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) ListPolicies(ctx context.Context, walletID string) ([]*model.AccessPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.AccessPolicy
	for _, p := range s.policies {
		if p.WalletID == walletID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// --- workflows ---

func (s *MemoryStore) SaveWorkflow(ctx context.Context, w *model.ApprovalWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w.Clone()
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*model.ApprovalWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return w.Clone(), nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context) ([]*model.ApprovalWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.ApprovalWorkflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --- withdrawal requests ---

func (s *MemoryStore) CreateRequest(ctx context.Context, r *model.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return fmt.Errorf("request %s already exists", r.ID)
	}
	s.requests[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) UpdateRequest(ctx context.Context, r *model.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; !ok {
		return ErrNotFound
	}
	s.requests[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) ListRequests(ctx context.Context, f RequestFilter) ([]*model.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.WithdrawalRequest
	for _, r := range s.requests {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// --- transactions ---

func (s *MemoryStore) CreateTransaction(ctx context.Context, t *model.VaultTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[t.ID]; ok {
		return fmt.Errorf("transaction %s already exists", t.ID)
	}
	s.transactions[t.ID] = t.Clone()
	s.txOrder = append(s.txOrder, t.ID)
	return nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]*model.VaultTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.VaultTransaction
	for _, id := range s.txOrder {
		t := s.transactions[id]
		if f.Match(t) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// --- reports ---

func (s *MemoryStore) SaveReport(ctx context.Context, r *model.VaultReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[r.ID]; ok {
		return fmt.Errorf("report %s already exists", r.ID)
	}
	cp := *r
	s.reports[r.ID] = &cp
	return nil
}

func (s *MemoryStore) ListReports(ctx context.Context, walletID string) ([]*model.VaultReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.VaultReport
	for _, r := range s.reports {
		if walletID == "" || r.WalletID == walletID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratedAt.Before(out[j].GeneratedAt) })
	return out, nil
}
