package model

import (
	"slices"
	"time"
)

type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxConfirmed TransactionStatus = "confirmed"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxReversed  TransactionStatus = "reversed"
)

// Settled reports whether the transaction counts as a completed ledger movement.
func (s TransactionStatus) Settled() bool {
	return s == TxConfirmed || s == TxCompleted
}

// VaultTransaction is an immutable record of an executed ledger movement.
type VaultTransaction struct {
	ID                 string            `gorm:"primaryKey;type:text" json:"id"`
	WalletID           string            `gorm:"type:text;index" json:"wallet_id"`
	RequestID          string            `gorm:"type:text;index" json:"request_id,omitempty"`
	Type               TransactionType   `gorm:"type:text" json:"type"`
	Asset              string            `gorm:"type:text" json:"asset"`
	Amount             Amount            `gorm:"type:numeric(78,0)" json:"amount"`
	Fee                Amount            `gorm:"type:numeric(78,0)" json:"fee"`
	CounterpartWallet  string            `gorm:"type:text" json:"counterpart_wallet,omitempty"`
	CounterpartAddress string            `gorm:"type:text" json:"counterpart_address,omitempty"`
	TxHash             string            `gorm:"type:text" json:"tx_hash,omitempty"`
	Approvers          []string          `gorm:"serializer:json" json:"approvers,omitempty"`
	Signers            []string          `gorm:"serializer:json" json:"signers,omitempty"`
	RiskScore          float64           `json:"risk_score"`
	Status             TransactionStatus `gorm:"type:text" json:"status"`
	Reference          string            `gorm:"type:text" json:"reference,omitempty"`
	CreatedAt          time.Time         `gorm:"index" json:"created_at"`
	ConfirmedAt        *time.Time        `json:"confirmed_at,omitempty"`
}

func (VaultTransaction) TableName() string {
	return "vault_transactions"
}

func (t *VaultTransaction) Clone() *VaultTransaction {
	if t == nil {
		return nil
	}
	out := *t
	out.Approvers = slices.Clone(t.Approvers)
	out.Signers = slices.Clone(t.Signers)
	out.ConfirmedAt = cloneTime(t.ConfirmedAt)
	return &out
}

// Transfer is the ledger movement handed to the signers and the broadcaster.
type Transfer struct {
	RequestID       string `json:"request_id"`
	WalletID        string `json:"wallet_id"`
	WalletPublicKey string `json:"wallet_public_key"`
	Asset           string `json:"asset"`
	Amount          Amount `json:"amount"`
	Fee             Amount `json:"fee"`
	Destination     string `json:"destination"`
	Memo            string `json:"memo,omitempty"`
}

type TransferSignature struct {
	SignerID  string `json:"signer_id"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}
