package broadcaster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/ethereum/go-ethereum/crypto"
)

type Submission struct {
	Transfer   model.Transfer
	Signatures []model.TransferSignature
	TxHash     string
}

// Memory records submissions instead of broadcasting them. Tx hashes are the
// keccak256 of the submission, so identical submissions hash identically. Like a
// relay honouring Idempotency-Key, a second submit for the same request id is not
// recorded again and returns the first hash.
type Memory struct {
	mu          sync.Mutex
	submissions []Submission
	failNext    error
}

func NewMemory() *Memory {
	return &Memory{}
}

// FailNext makes the next Submit return err.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Memory) Submit(ctx context.Context, transfer model.Transfer, sigs []model.TransferSignature) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return "", fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	for _, sub := range m.submissions {
		if transfer.RequestID != "" && sub.Transfer.RequestID == transfer.RequestID {
			return sub.TxHash, nil
		}
	}
	payload, err := json.Marshal(submitPayload{Transfer: transfer, Signatures: sigs})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	hash := crypto.Keccak256Hash(payload).Hex()
	m.submissions = append(m.submissions, Submission{
		Transfer:   transfer,
		Signatures: append([]model.TransferSignature(nil), sigs...),
		TxHash:     hash,
	})
	return hash, nil
}

func (m *Memory) Submissions() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Submission(nil), m.submissions...)
}
