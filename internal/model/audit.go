package model

import (
	"maps"
	"time"
)

// AuditEntry 代表一次业务操作的审计记录 (append-only)
type AuditEntry struct {
	ID         string         `gorm:"primaryKey;type:text" json:"id"`
	WalletID   string         `gorm:"type:text;index" json:"wallet_id,omitempty"`
	RequestID  string         `gorm:"type:text;index" json:"request_id,omitempty"`
	Actor      string         `gorm:"type:text" json:"actor"`
	Action     string         `gorm:"type:text" json:"action"`
	Success    bool           `json:"success"`
	ReasonCode string         `gorm:"type:text" json:"reason_code,omitempty"`
	Details    string         `gorm:"type:text" json:"details,omitempty"`
	Context    map[string]any `gorm:"serializer:json" json:"context,omitempty"`
	Timestamp  time.Time      `gorm:"index" json:"timestamp"`
}

func (AuditEntry) TableName() string {
	return "vault_audit_entries"
}

func (e AuditEntry) Clone() AuditEntry {
	e.Context = maps.Clone(e.Context)
	return e
}

// Audit actions.
const (
	ActionWalletCreated      = "wallet.created"
	ActionWalletCredited     = "wallet.credited"
	ActionWalletFrozen       = "wallet.frozen"
	ActionWalletUnfrozen     = "wallet.unfrozen"
	ActionWalletStatus       = "wallet.status_changed"
	ActionSignerAdded        = "signer.added"
	ActionSignerAttached     = "signer.attached"
	ActionSignerStatus       = "signer.status_changed"
	ActionPolicyUpdated      = "policy.updated"
	ActionWorkflowRegistered = "workflow.registered"
	ActionRequestSubmitted   = "withdrawal.submitted"
	ActionRequestDenied      = "withdrawal.denied"
	ActionApprovalRecorded   = "withdrawal.approval_recorded"
	ActionApprovalDenied     = "withdrawal.approval_denied"
	ActionStepAdvanced       = "withdrawal.step_advanced"
	ActionStepTimeout        = "withdrawal.step_timeout"
	ActionRequestApproved    = "withdrawal.approved"
	ActionRequestRejected    = "withdrawal.rejected"
	ActionRequestCancelled   = "withdrawal.cancelled"
	ActionRequestExpired     = "withdrawal.expired"
	ActionExecutionSucceeded = "withdrawal.executed"
	ActionExecutionFailed    = "withdrawal.execution_failed"
	ActionReportGenerated    = "report.generated"
	ActionHTTPRequest        = "http.request"
)
