package service

import (
	"context"
	"errors"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyvault/internal/pkg/logger"
	"github.com/GoPolymarket/polyvault/internal/pkg/metrics"
	"github.com/GoPolymarket/polyvault/internal/repository"
	"github.com/google/uuid"
)

// Core bundles what every vault service shares: the store, the audit log, the
// event hub, per-wallet serialization and the clock.
type Core struct {
	Store  VaultStore
	Audit  *AuditService
	Events *EventHub
	Now    func() time.Time
	locks  *lockSet
}

func NewCore(store VaultStore, audit *AuditService, events *EventHub) *Core {
	if events == nil {
		events = NewEventHub()
	}
	return &Core{
		Store:  store,
		Audit:  audit,
		Events: events,
		Now:    func() time.Time { return time.Now().UTC() },
		locks:  newLockSet(),
	}
}

// LockWallet serializes every mutation of one wallet and its requests.
func (c *Core) LockWallet(walletID string) func() {
	return c.locks.Lock("wallet:" + walletID)
}

func (c *Core) now() time.Time {
	return c.Now()
}

// record stamps e and logs it, or buffers it when ctx carries pending effects.
func (c *Core) record(ctx context.Context, e model.AuditEntry) model.AuditEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now()
	}
	if fx := effectsFrom(ctx); fx != nil {
		fx.audit = append(fx.audit, e)
		return e
	}
	c.Audit.Log(e)
	return e
}

// recordOnRequest appends e to the request trail and the global log.
func (c *Core) recordOnRequest(ctx context.Context, r *model.WithdrawalRequest, e model.AuditEntry) {
	e.WalletID = r.WalletID
	e.RequestID = r.ID
	r.AppendAudit(c.record(ctx, e))
}

func (c *Core) publish(ctx context.Context, t model.EventType, walletID, requestID, actor string, payload map[string]any) {
	ev := model.Event{
		Type:       t,
		WalletID:   walletID,
		RequestID:  requestID,
		Actor:      actor,
		Payload:    payload,
		OccurredAt: c.now(),
	}
	if fx := effectsFrom(ctx); fx != nil {
		fx.events = append(fx.events, ev)
		return
	}
	c.Events.Publish(ev)
}

// countRequest bumps the withdrawal counter for status.
func (c *Core) countRequest(ctx context.Context, status model.RequestStatus) {
	if fx := effectsFrom(ctx); fx != nil {
		fx.counts = append(fx.counts, status)
		return
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(status)).Inc()
}

type effectsKey struct{}

// effects are the audit entries, events and counters raised while a wallet
// mutation is in flight. They leave the process only once the store has the rows.
type effects struct {
	audit  []model.AuditEntry
	events []model.Event
	counts []model.RequestStatus
}

func effectsFrom(ctx context.Context) *effects {
	fx, _ := ctx.Value(effectsKey{}).(*effects)
	return fx
}

// deferEffects makes record, publish and countRequest buffer until the next
// commitWallet. The returned flush emits whatever is still buffered and must be
// deferred by the caller.
func (c *Core) deferEffects(ctx context.Context) (context.Context, func()) {
	if effectsFrom(ctx) != nil {
		return ctx, func() {}
	}
	fx := &effects{}
	return context.WithValue(ctx, effectsKey{}, fx), func() { c.emit(fx) }
}

func (c *Core) emit(fx *effects) {
	for _, e := range fx.audit {
		c.Audit.Log(e)
	}
	for _, st := range fx.counts {
		metrics.WithdrawalsTotal.WithLabelValues(string(st)).Inc()
	}
	for _, ev := range fx.events {
		c.Events.Publish(ev)
	}
	*fx = effects{}
}

// commitWallet runs fn as one store unit of work on walletID. Buffered effects are
// emitted when it commits and dropped when it rolls back.
func (c *Core) commitWallet(ctx context.Context, walletID string, fn func(ctx context.Context) error) error {
	err := c.Store.InWalletTx(ctx, walletID, fn)
	fx := effectsFrom(ctx)
	if fx == nil {
		return err
	}
	if err != nil {
		*fx = effects{}
		return err
	}
	c.emit(fx)
	return nil
}

func (c *Core) getWallet(ctx context.Context, id string) (*model.VaultWallet, error) {
	w, err := c.Store.GetWallet(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewNotFound("wallet", id)
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "load wallet", err)
	}
	return w, nil
}

func (c *Core) getSigner(ctx context.Context, id string) (*model.VaultSigner, error) {
	s, err := c.Store.GetSigner(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewNotFound("signer", id)
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "load signer", err)
	}
	return s, nil
}

func (c *Core) getRequest(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	r, err := c.Store.GetRequest(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewNotFound("request", id)
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "load request", err)
	}
	return r, nil
}

func (c *Core) getWorkflow(ctx context.Context, id string) (*model.ApprovalWorkflow, error) {
	w, err := c.Store.GetWorkflow(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewNotFound("workflow", id)
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "load workflow", err)
	}
	return w, nil
}

// activePolicy returns nil without error when the wallet has no policy.
func (c *Core) activePolicy(ctx context.Context, walletID string) (*model.AccessPolicy, error) {
	p, err := c.Store.ActivePolicy(ctx, walletID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "load policy", err)
	}
	return p, nil
}

// activeWalletSigners resolves the wallet's signer ids and keeps the active ones.
func (c *Core) activeWalletSigners(ctx context.Context, w *model.VaultWallet) ([]*model.VaultSigner, error) {
	out := make([]*model.VaultSigner, 0, len(w.SignerIDs))
	for _, id := range w.SignerIDs {
		s, err := c.Store.GetSigner(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			logger.Warn("wallet references unknown signer", "wallet_id", w.ID, "signer_id", id)
			continue
		}
		if err != nil {
			return nil, apperrors.New(apperrors.ErrInternal, "load signer", err)
		}
		if s.IsActive() {
			out = append(out, s)
		}
	}
	return out, nil
}

// releaseReservation gives back the funds an open request locked on the ledger.
func releaseReservation(w *model.VaultWallet, r *model.WithdrawalRequest, now time.Time) {
	bal, ok := w.Asset(r.Asset)
	if !ok {
		return
	}
	reserved, err := r.Reserved()
	if err != nil {
		return
	}
	bal.LockedBalance = bal.LockedBalance.SaturatingSub(reserved)
	bal.UpdatedAt = now
}

// closeRequest moves an open request to a terminal non-executed status, releases
// its reservation on w and records the transition. The caller persists both.
func (c *Core) closeRequest(ctx context.Context, w *model.VaultWallet, r *model.WithdrawalRequest, to model.RequestStatus, actor, reason string) error {
	now := c.now()
	if err := r.TransitionTo(to, now); err != nil {
		return apperrors.WithReasonCause(apperrors.ErrInvalidState, "illegal_transition", err.Error(), err)
	}
	releaseReservation(w, r, now)
	action := map[model.RequestStatus]string{
		model.RequestRejected:  model.ActionRequestRejected,
		model.RequestCancelled: model.ActionRequestCancelled,
		model.RequestExpired:   model.ActionRequestExpired,
	}[to]
	c.recordOnRequest(ctx, r, model.AuditEntry{
		Actor:      actor,
		Action:     action,
		Success:    true,
		ReasonCode: reason,
		Details:    string(to) + ": " + reason,
	})
	return nil
}

func statusEvent(s model.RequestStatus) model.EventType {
	switch s {
	case model.RequestApproved:
		return model.EventRequestApproved
	case model.RequestRejected:
		return model.EventRequestRejected
	case model.RequestExecuted:
		return model.EventRequestExecuted
	case model.RequestCancelled:
		return model.EventRequestCancelled
	case model.RequestExpired:
		return model.EventRequestExpired
	}
	return model.EventRequestSubmitted
}
