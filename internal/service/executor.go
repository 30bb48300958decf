package service

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyvault/internal/pkg/logger"
	"github.com/GoPolymarket/polyvault/internal/pkg/metrics"
	"github.com/GoPolymarket/polyvault/internal/signer"
)

// KeyRing produces a signer's signature over a 32-byte digest.
type KeyRing interface {
	Sign(ctx context.Context, signerID string, digest []byte) (string, error)
}

// Broadcaster submits a fully signed transfer to the ledger. transfer.RequestID is
// an idempotency key: resubmitting a request that already went out must return
// the original hash, since a settlement whose store write failed is retried.
type Broadcaster interface {
	Submit(ctx context.Context, transfer model.Transfer, sigs []model.TransferSignature) (string, error)
}

type ExecutionResult struct {
	TxHash     string                    `json:"tx_hash"`
	Signers    []string                  `json:"signers"`
	Signatures []model.TransferSignature `json:"signatures"`
}

// MultiSigExecutor collects threshold signatures and hands the transfer to the
// broadcaster. It is the only component that performs external I/O.
type MultiSigExecutor struct {
	*Core
	keys        KeyRing
	broadcaster Broadcaster
	domain      signer.Domain
	verify      bool
}

func NewMultiSigExecutor(core *Core, keys KeyRing, b Broadcaster, domain signer.Domain, verify bool) *MultiSigExecutor {
	return &MultiSigExecutor{Core: core, keys: keys, broadcaster: b, domain: domain, verify: verify}
}

// orderSigners sorts by role priority, then most recent successful signature, then id.
func orderSigners(signers []*model.VaultSigner) {
	slices.SortStableFunc(signers, func(a, b *model.VaultSigner) int {
		if c := cmp.Compare(a.Role.Priority(), b.Role.Priority()); c != 0 {
			return c
		}
		switch {
		case a.LastSignedAt != nil && b.LastSignedAt == nil:
			return -1
		case a.LastSignedAt == nil && b.LastSignedAt != nil:
			return 1
		case a.LastSignedAt != nil && b.LastSignedAt != nil:
			if c := b.LastSignedAt.Compare(*a.LastSignedAt); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Execute signs transfer with threshold active signers and broadcasts it. Nothing is
// persisted here; the caller records the transaction once a hash comes back.
func (x *MultiSigExecutor) Execute(ctx context.Context, w *model.VaultWallet, transfer model.Transfer) (*ExecutionResult, error) {
	start := time.Now()
	defer func() { metrics.ExecutionLatency.Observe(time.Since(start).Seconds()) }()

	active, err := x.activeWalletSigners(ctx, w)
	if err != nil {
		return nil, err
	}
	if len(active) < w.Threshold {
		metrics.ExecutionsTotal.WithLabelValues("insufficient_signers").Inc()
		return nil, apperrors.WithReason(apperrors.ErrInsufficientSigners, "insufficient_active_signers",
			fmt.Sprintf("wallet %s has %d active signers, threshold is %d", w.ID, len(active), w.Threshold))
	}
	orderSigners(active)

	digest := x.domain.TransferDigest(transfer)
	var sigs []model.TransferSignature
	for _, s := range active {
		if len(sigs) == w.Threshold {
			break
		}
		if !s.HasPermission(model.PermissionSign) {
			continue
		}
		sig, err := x.keys.Sign(ctx, s.ID, digest)
		if err != nil {
			logger.Warn("signer could not sign transfer", "wallet_id", w.ID, "request_id", transfer.RequestID, "signer_id", s.ID, "error", err)
			continue
		}
		if x.verify {
			if err := signer.VerifySignature(digest, sig, s.PublicKey); err != nil {
				logger.Warn("discarding invalid signature", "wallet_id", w.ID, "request_id", transfer.RequestID, "signer_id", s.ID, "error", err)
				continue
			}
		}
		sigs = append(sigs, model.TransferSignature{SignerID: s.ID, PublicKey: s.PublicKey, Signature: sig})
	}
	if len(sigs) < w.Threshold {
		metrics.ExecutionsTotal.WithLabelValues("signing_failed").Inc()
		return nil, apperrors.WithReason(apperrors.ErrExecution, "signature_collection_failed",
			fmt.Sprintf("collected %d of %d required signatures", len(sigs), w.Threshold))
	}

	hash, err := x.broadcaster.Submit(ctx, transfer, sigs)
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues("broadcast_failed").Inc()
		return nil, apperrors.WithReasonCause(apperrors.ErrExecution, "broadcast_failed", "broadcaster rejected the transfer", err)
	}
	metrics.ExecutionsTotal.WithLabelValues("success").Inc()

	res := &ExecutionResult{TxHash: hash, Signatures: sigs}
	now := x.now()
	for _, sg := range sigs {
		res.Signers = append(res.Signers, sg.SignerID)
		x.markSigned(ctx, sg.SignerID, now)
	}
	return res, nil
}

func (x *MultiSigExecutor) markSigned(ctx context.Context, signerID string, at time.Time) {
	unlock := x.locks.Lock("signer:" + signerID)
	defer unlock()
	s, err := x.Store.GetSigner(ctx, signerID)
	if err != nil {
		logger.Warn("signer bookkeeping skipped", "signer_id", signerID, "error", err)
		return
	}
	s.SignatureCount++
	s.LastSignedAt = &at
	s.LastActiveAt = &at
	s.UpdatedAt = at
	if err := x.Store.UpdateSigner(ctx, s); err != nil {
		logger.Warn("signer bookkeeping failed", "signer_id", signerID, "error", err)
	}
}
