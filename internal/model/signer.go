package model

import (
	"slices"
	"time"
)

type SignerRole string

const (
	RoleAdmin     SignerRole = "admin"
	RoleOperator  SignerRole = "operator"
	RoleAuditor   SignerRole = "auditor"
	RoleEmergency SignerRole = "emergency"
)

func (r SignerRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleAuditor, RoleEmergency:
		return true
	}
	return false
}

// Priority orders signers for signature collection; lower signs first.
func (r SignerRole) Priority() int {
	switch r {
	case RoleAdmin:
		return 0
	case RoleOperator:
		return 1
	case RoleEmergency:
		return 2
	case RoleAuditor:
		return 3
	default:
		return 4
	}
}

type SignerStatus string

const (
	SignerActive    SignerStatus = "active"
	SignerSuspended SignerStatus = "suspended"
	SignerRevoked   SignerStatus = "revoked"
)

type HardwareType string

const (
	HardwareHSM      HardwareType = "hsm"
	HardwareLedger   HardwareType = "ledger"
	HardwareTrezor   HardwareType = "trezor"
	HardwareYubikey  HardwareType = "yubikey"
	HardwareMobile   HardwareType = "mobile"
	HardwareSoftware HardwareType = "software"
)

func (h HardwareType) Valid() bool {
	switch h {
	case HardwareHSM, HardwareLedger, HardwareTrezor, HardwareYubikey, HardwareMobile, HardwareSoftware:
		return true
	}
	return false
}

type VaultSigner struct {
	ID                   string       `gorm:"primaryKey;type:text" json:"id"`
	Name                 string       `gorm:"type:text;not null" json:"name"`
	Role                 SignerRole   `gorm:"type:text;not null" json:"role"`
	PublicKey            string       `gorm:"type:text;not null" json:"public_key"`
	HardwareType         HardwareType `gorm:"type:text" json:"hardware_type"`
	Permissions          []string     `gorm:"serializer:json" json:"permissions,omitempty"`
	AllowedIPs           []string     `gorm:"serializer:json" json:"allowed_ips,omitempty"`
	AllowedJurisdictions []string     `gorm:"serializer:json" json:"allowed_jurisdictions,omitempty"`
	WalletIDs            []string     `gorm:"serializer:json" json:"wallet_ids,omitempty"`
	Status               SignerStatus `gorm:"type:text;index" json:"status"`
	StatusReason         string       `gorm:"type:text" json:"status_reason,omitempty"`
	SignatureCount       int64        `json:"signature_count"`
	ApprovalCount        int64        `json:"approval_count"`
	LastSignedAt         *time.Time   `json:"last_signed_at,omitempty"`
	LastActiveAt         *time.Time   `json:"last_active_at,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

func (VaultSigner) TableName() string {
	return "vault_signers"
}

func (s *VaultSigner) IsActive() bool {
	return s != nil && s.Status == SignerActive
}

func (s *VaultSigner) HasPermission(p string) bool {
	return len(s.Permissions) == 0 || slices.Contains(s.Permissions, p)
}

func (s *VaultSigner) Clone() *VaultSigner {
	if s == nil {
		return nil
	}
	out := *s
	out.Permissions = slices.Clone(s.Permissions)
	out.AllowedIPs = slices.Clone(s.AllowedIPs)
	out.AllowedJurisdictions = slices.Clone(s.AllowedJurisdictions)
	out.WalletIDs = slices.Clone(s.WalletIDs)
	out.LastSignedAt = cloneTime(s.LastSignedAt)
	out.LastActiveAt = cloneTime(s.LastActiveAt)
	return &out
}

// Signer permissions checked by the vault.
const (
	PermissionApprove  = "approve"
	PermissionSign     = "sign"
	PermissionWithdraw = "withdraw"
)
