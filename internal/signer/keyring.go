package signer

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownSigner = errors.New("no key for signer")

// LocalKeyRing holds software keys by signer id. Hardware-backed signers are
// expected to sit behind the same Sign contract.
type LocalKeyRing struct {
	mu   sync.RWMutex
	keys map[string]*Signer
}

func NewLocalKeyRing() *LocalKeyRing {
	return &LocalKeyRing{keys: make(map[string]*Signer)}
}

// NewLocalKeyRingFromHex loads signer id -> hex private key pairs.
func NewLocalKeyRingFromHex(keys map[string]string) (*LocalKeyRing, error) {
	ring := NewLocalKeyRing()
	for id, hex := range keys {
		s, err := NewSigner(hex)
		if err != nil {
			return nil, fmt.Errorf("signer %s: %w", id, err)
		}
		ring.Add(id, s)
	}
	return ring, nil
}

func (r *LocalKeyRing) Add(signerID string, s *Signer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[signerID] = s
}

func (r *LocalKeyRing) Get(signerID string) (*Signer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.keys[signerID]
	return s, ok
}

func (r *LocalKeyRing) Sign(ctx context.Context, signerID string, digest []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s, ok := r.Get(signerID)
	if !ok {
		return "", fmt.Errorf("%w %s", ErrUnknownSigner, signerID)
	}
	return s.Sign(digest)
}
