package model

import (
	"slices"
	"time"
)

type WalletType string

const (
	WalletHot       WalletType = "hot"
	WalletWarm      WalletType = "warm"
	WalletCold      WalletType = "cold"
	WalletAirGapped WalletType = "air_gapped"
)

func (t WalletType) Valid() bool {
	switch t {
	case WalletHot, WalletWarm, WalletCold, WalletAirGapped:
		return true
	}
	return false
}

type WalletStatus string

const (
	WalletActive     WalletStatus = "active"
	WalletLocked     WalletStatus = "locked"
	WalletFrozen     WalletStatus = "frozen"
	WalletDeprecated WalletStatus = "deprecated"
)

type HealthStatus string

const (
	HealthUnknown  HealthStatus = "unknown"
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

type SecurityLevel string

const (
	SecurityStandard SecurityLevel = "standard"
	SecurityHigh     SecurityLevel = "high"
	SecurityMaximum  SecurityLevel = "maximum"
)

// AssetBalance is one line of a wallet's balance ledger.
// Available = TotalBalance - LockedBalance.
type AssetBalance struct {
	Asset         string    `json:"asset"`
	TotalBalance  Amount    `json:"total_balance"`
	LockedBalance Amount    `json:"locked_balance"`
	NetworkFee    Amount    `json:"network_fee"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (b AssetBalance) Available() Amount {
	return b.TotalBalance.SaturatingSub(b.LockedBalance)
}

type VaultWallet struct {
	ID                 string         `gorm:"primaryKey;type:text" json:"id"`
	Name               string         `gorm:"type:text;not null" json:"name"`
	Type               WalletType     `gorm:"type:text;not null" json:"type"`
	PublicKey          string         `gorm:"type:text" json:"public_key"`
	Threshold          int            `gorm:"not null" json:"threshold"`
	SignerIDs          []string       `gorm:"serializer:json" json:"signer_ids"`
	Assets             []AssetBalance `gorm:"serializer:json" json:"assets"`
	SecurityLevel      SecurityLevel  `gorm:"type:text" json:"security_level"`
	InsuranceCoverage  Amount         `gorm:"type:numeric(78,0)" json:"insurance_coverage"`
	HealthStatus       HealthStatus   `gorm:"type:text" json:"health_status"`
	RiskScore          float64        `json:"risk_score"`
	ComplianceStatus   string         `gorm:"type:text" json:"compliance_status"`
	ComplianceFindings []string       `gorm:"serializer:json" json:"compliance_findings,omitempty"`
	Status             WalletStatus   `gorm:"type:text;index" json:"status"`
	StatusReason       string         `gorm:"type:text" json:"status_reason,omitempty"`
	DefaultWorkflowID  string         `gorm:"type:text" json:"default_workflow_id"`
	HighRiskWorkflowID string         `gorm:"type:text" json:"high_risk_workflow_id,omitempty"`
	CreatedBy          string         `gorm:"type:text" json:"created_by,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	LastActivityAt     *time.Time     `json:"last_activity_at,omitempty"`
	LastHealthCheckAt  *time.Time     `json:"last_health_check_at,omitempty"`
	LastAuditAt        *time.Time     `json:"last_audit_at,omitempty"`
}

func (VaultWallet) TableName() string {
	return "vault_wallets"
}

func (w *VaultWallet) HasSigner(signerID string) bool {
	return slices.Contains(w.SignerIDs, signerID)
}

// Asset returns a pointer into the wallet's ledger so callers can mutate it in place.
func (w *VaultWallet) Asset(asset string) (*AssetBalance, bool) {
	for i := range w.Assets {
		if w.Assets[i].Asset == asset {
			return &w.Assets[i], true
		}
	}
	return nil, false
}

// EnsureAsset returns the ledger line for asset, creating an empty one if needed.
func (w *VaultWallet) EnsureAsset(asset string, now time.Time) *AssetBalance {
	if b, ok := w.Asset(asset); ok {
		return b
	}
	w.Assets = append(w.Assets, AssetBalance{Asset: asset, UpdatedAt: now})
	return &w.Assets[len(w.Assets)-1]
}

func (w *VaultWallet) Clone() *VaultWallet {
	if w == nil {
		return nil
	}
	out := *w
	out.SignerIDs = slices.Clone(w.SignerIDs)
	out.Assets = slices.Clone(w.Assets)
	out.ComplianceFindings = slices.Clone(w.ComplianceFindings)
	out.LastActivityAt = cloneTime(w.LastActivityAt)
	out.LastHealthCheckAt = cloneTime(w.LastHealthCheckAt)
	out.LastAuditAt = cloneTime(w.LastAuditAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
