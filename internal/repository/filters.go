package repository

import (
	"errors"
	"slices"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
)

// ErrNotFound is returned by every store for a missing id.
var ErrNotFound = errors.New("record not found")

type RequestFilter struct {
	WalletID       string
	Statuses       []model.RequestStatus
	SubmittedAfter *time.Time
	Limit          int
}

func (f RequestFilter) Match(r *model.WithdrawalRequest) bool {
	if f.WalletID != "" && r.WalletID != f.WalletID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	if f.SubmittedAfter != nil && r.SubmittedAt.Before(*f.SubmittedAfter) {
		return false
	}
	return true
}

type TransactionFilter struct {
	WalletID      string
	Type          model.TransactionType
	Statuses      []model.TransactionStatus
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Destination   string
}

func (f TransactionFilter) Match(t *model.VaultTransaction) bool {
	if f.WalletID != "" && t.WalletID != f.WalletID {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if f.CreatedAfter != nil && t.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !t.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.Destination != "" && t.CounterpartAddress != f.Destination {
		return false
	}
	return true
}

type AuditFilter struct {
	WalletID  string
	RequestID string
	Actor     string
	Action    string
	From      *time.Time
	To        *time.Time
	Limit     int
}

func (f AuditFilter) Match(e *model.AuditEntry) bool {
	if f.WalletID != "" && e.WalletID != f.WalletID {
		return false
	}
	if f.RequestID != "" && e.RequestID != f.RequestID {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// NormalizedLimit clamps the page size to (0, 1000], defaulting to 100.
func (f AuditFilter) NormalizedLimit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}
