package model

import (
	"slices"
	"time"
)

// EmergencyOverride lets a configured role bypass the time and geo windows.
// Amount ceilings are never bypassed.
type EmergencyOverride struct {
	Enabled      bool       `json:"enabled"`
	RequiredRole SignerRole `json:"required_role"`
}

// AccessPolicy is a versioned per-wallet rule set. One active version per wallet.
type AccessPolicy struct {
	ID       string `gorm:"primaryKey;type:text" json:"id"`
	WalletID string `gorm:"type:text;index" json:"wallet_id"`
	Version  int    `json:"version"`
	Active   bool   `gorm:"index" json:"active"`

	AllowedRoles []SignerRole `gorm:"serializer:json" json:"allowed_roles,omitempty"`

	Timezone          string         `gorm:"type:text" json:"timezone"`
	AllowedHoursStart int            `json:"allowed_hours_start"` // 0-23, inclusive
	AllowedHoursEnd   int            `json:"allowed_hours_end"`   // 1-24, exclusive; 0 disables the window
	AllowedDays       []time.Weekday `gorm:"serializer:json" json:"allowed_days,omitempty"`

	AllowedJurisdictions []string `gorm:"serializer:json" json:"allowed_jurisdictions,omitempty"`
	BlockedJurisdictions []string `gorm:"serializer:json" json:"blocked_jurisdictions,omitempty"`

	MaxTransactionAmount Amount `gorm:"type:numeric(78,0)" json:"max_transaction_amount"` // zero = unlimited
	MaxDailyAmount       Amount `gorm:"type:numeric(78,0)" json:"max_daily_amount"`       // zero = unlimited

	AllowedAssets []string `gorm:"serializer:json" json:"allowed_assets,omitempty"`
	BlockedAssets []string `gorm:"serializer:json" json:"blocked_assets,omitempty"`

	WhitelistEnforced       bool     `json:"whitelist_enforced"`
	WhitelistedDestinations []string `gorm:"serializer:json" json:"whitelisted_destinations,omitempty"`

	EmergencyOverride EmergencyOverride `gorm:"serializer:json" json:"emergency_override"`

	CreatedBy string    `gorm:"type:text" json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AccessPolicy) TableName() string {
	return "vault_access_policies"
}

// Location returns the wallet-local timezone, UTC when unset or unknown.
func (p *AccessPolicy) Location() *time.Location {
	if p == nil || p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (p *AccessPolicy) Clone() *AccessPolicy {
	if p == nil {
		return nil
	}
	out := *p
	out.AllowedRoles = slices.Clone(p.AllowedRoles)
	out.AllowedDays = slices.Clone(p.AllowedDays)
	out.AllowedJurisdictions = slices.Clone(p.AllowedJurisdictions)
	out.BlockedJurisdictions = slices.Clone(p.BlockedJurisdictions)
	out.AllowedAssets = slices.Clone(p.AllowedAssets)
	out.BlockedAssets = slices.Clone(p.BlockedAssets)
	out.WhitelistedDestinations = slices.Clone(p.WhitelistedDestinations)
	return &out
}
