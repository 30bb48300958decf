package signer

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// VerifySignature checks that sigHex over digest was produced by the key behind
// publicKey. publicKey may be an address, a compressed or an uncompressed key.
func VerifySignature(digest []byte, sigHex, publicKey string) error {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}
	sig = bytes.Clone(sig)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	recovered, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("recover public key: %w", err)
	}
	want, err := ParseAddress(publicKey)
	if err != nil {
		return err
	}
	if got := crypto.PubkeyToAddress(*recovered); got != want {
		return fmt.Errorf("signature mismatch: recovered %s, expected %s", got.Hex(), want.Hex())
	}
	return nil
}

// ParseAddress derives the account address from an address or public key string.
func ParseAddress(publicKey string) (common.Address, error) {
	publicKey = strings.TrimSpace(publicKey)
	if common.IsHexAddress(publicKey) {
		return common.HexToAddress(publicKey), nil
	}
	raw, err := hexutil.Decode(publicKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid public key: %w", err)
	}
	switch len(raw) {
	case 33:
		pub, err := crypto.DecompressPubkey(raw)
		if err != nil {
			return common.Address{}, fmt.Errorf("invalid compressed public key: %w", err)
		}
		return crypto.PubkeyToAddress(*pub), nil
	case 65:
		pub, err := crypto.UnmarshalPubkey(raw)
		if err != nil {
			return common.Address{}, fmt.Errorf("invalid public key: %w", err)
		}
		return crypto.PubkeyToAddress(*pub), nil
	}
	return common.Address{}, fmt.Errorf("unsupported public key length %d", len(raw))
}

// ValidPublicKey reports whether s can be used as a signer identity.
func ValidPublicKey(s string) bool {
	_, err := ParseAddress(s)
	return err == nil
}
