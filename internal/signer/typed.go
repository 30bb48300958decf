package signer

import (
	"math/big"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Constants for the vault's EIP-712 domain
const (
	EIP712DomainName    = "PolyVault Custody"
	EIP712DomainVersion = "1"
)

var (
	// "EIP712Domain(string name,string version,uint256 chainId)"
	EIP712DomainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId)"))

	TransferTypeHash = crypto.Keccak256Hash([]byte("Transfer(string requestId,string walletId,string asset,uint256 amount,uint256 fee,string destination,string memo)"))

	ApprovalTypeHash = crypto.Keccak256Hash([]byte("Approval(string requestId,string approverId,string decision,uint256 step)"))

	AttestationTypeHash = crypto.Keccak256Hash([]byte("Attestation(string reportId,string walletId,bytes32 contentHash,string auditorId)"))
)

// Domain holds the pre-calculated separator that prefixes every vault digest.
type Domain struct {
	chainID   *big.Int
	separator common.Hash
}

func NewDomain(chainID int64) Domain {
	// keccak256(abi.encode(EIP712DomainTypeHash, keccak256(name), keccak256(version), chainId))
	data := make([]byte, 32*4)
	copy(data[0:32], EIP712DomainTypeHash.Bytes())
	copy(data[32:64], crypto.Keccak256([]byte(EIP712DomainName)))
	copy(data[64:96], crypto.Keccak256([]byte(EIP712DomainVersion)))
	copy(data[96:128], math.U256Bytes(big.NewInt(chainID)))
	return Domain{chainID: big.NewInt(chainID), separator: crypto.Keccak256Hash(data)}
}

func (d Domain) Separator() common.Hash {
	return d.separator
}

// TransferDigest is what every selected signer signs at execution.
func (d Domain) TransferDigest(t model.Transfer) []byte {
	amount := t.Amount.Bytes32()
	fee := t.Fee.Bytes32()
	data := make([]byte, 32*8)
	copy(data[0:32], TransferTypeHash.Bytes())
	copy(data[32:64], crypto.Keccak256([]byte(t.RequestID)))
	copy(data[64:96], crypto.Keccak256([]byte(t.WalletID)))
	copy(data[96:128], crypto.Keccak256([]byte(t.Asset)))
	copy(data[128:160], amount[:])
	copy(data[160:192], fee[:])
	copy(data[192:224], crypto.Keccak256([]byte(t.Destination)))
	copy(data[224:256], crypto.Keccak256([]byte(t.Memo)))
	return d.finalize(crypto.Keccak256(data))
}

// ApprovalDigest binds an approver's decision to one request step.
func (d Domain) ApprovalDigest(requestID, approverID string, decision model.Decision, step int) []byte {
	data := make([]byte, 32*5)
	copy(data[0:32], ApprovalTypeHash.Bytes())
	copy(data[32:64], crypto.Keccak256([]byte(requestID)))
	copy(data[64:96], crypto.Keccak256([]byte(approverID)))
	copy(data[96:128], crypto.Keccak256([]byte(decision)))
	copy(data[128:160], math.U256Bytes(big.NewInt(int64(step))))
	return d.finalize(crypto.Keccak256(data))
}

// AttestationDigest covers the serialized report body.
func (d Domain) AttestationDigest(reportID, walletID string, content []byte, auditorID string) []byte {
	data := make([]byte, 32*5)
	copy(data[0:32], AttestationTypeHash.Bytes())
	copy(data[32:64], crypto.Keccak256([]byte(reportID)))
	copy(data[64:96], crypto.Keccak256([]byte(walletID)))
	copy(data[96:128], crypto.Keccak256(content))
	copy(data[128:160], crypto.Keccak256([]byte(auditorID)))
	return d.finalize(crypto.Keccak256(data))
}

// keccak256("\x19\x01" + domainSeparator + hashStruct)
func (d Domain) finalize(hashStruct []byte) []byte {
	return crypto.Keccak256([]byte{0x19, 0x01}, d.separator.Bytes(), hashStruct)
}
