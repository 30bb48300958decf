package model

import "time"

type ReportType string

const (
	ReportDaily      ReportType = "daily"
	ReportWeekly     ReportType = "weekly"
	ReportMonthly    ReportType = "monthly"
	ReportQuarterly  ReportType = "quarterly"
	ReportAnnual     ReportType = "annual"
	ReportCompliance ReportType = "compliance"
	ReportAudit      ReportType = "audit"
)

func (t ReportType) Valid() bool {
	switch t {
	case ReportDaily, ReportWeekly, ReportMonthly, ReportQuarterly, ReportAnnual, ReportCompliance, ReportAudit:
		return true
	}
	return false
}

type ReportPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (p ReportPeriod) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

type AssetSummary struct {
	Asset         string `json:"asset"`
	TotalBalance  Amount `json:"total_balance"`
	LockedBalance Amount `json:"locked_balance"`
	Available     Amount `json:"available_balance"`
	Inflow        Amount `json:"inflow"`
	Outflow       Amount `json:"outflow"`
	FeesPaid      Amount `json:"fees_paid"`
}

type TransactionSummary struct {
	Count    int            `json:"count"`
	ByType   map[string]int `json:"by_type"`
	ByStatus map[string]int `json:"by_status"`
	Failed   int            `json:"failed"`
}

type SecurityMetrics struct {
	Threshold          int     `json:"threshold"`
	TotalSigners       int     `json:"total_signers"`
	ActiveSigners      int     `json:"active_signers"`
	SuspendedSigners   int     `json:"suspended_signers"`
	RevokedSigners     int     `json:"revoked_signers"`
	SignaturesInPeriod int     `json:"signatures_in_period"`
	FlaggedRequests    int     `json:"flagged_requests"`
	DeniedApprovals    int     `json:"denied_approvals"`
	OverridesUsed      int     `json:"overrides_used"`
	SignerCoverage     float64 `json:"signer_coverage"` // active signers / threshold
}

type ComplianceMetrics struct {
	RequestsSubmitted int     `json:"requests_submitted"`
	Approved          int     `json:"approved"`
	Rejected          int     `json:"rejected"`
	Cancelled         int     `json:"cancelled"`
	Expired           int     `json:"expired"`
	Executed          int     `json:"executed"`
	PolicyDenials     int     `json:"policy_denials"`
	ApprovalRate      float64 `json:"approval_rate"`
	AvgApprovalSecs   float64 `json:"avg_approval_seconds"`
	PolicyVersion     int     `json:"policy_version"`
}

type RiskAssessment struct {
	AverageScore float64        `json:"average_score"`
	MaxScore     float64        `json:"max_score"`
	Flagged      int            `json:"flagged"`
	FactorCounts map[string]int `json:"factor_counts"`
	WalletScore  float64        `json:"wallet_score"`
}

type PerformanceMetrics struct {
	Executions           int     `json:"executions"`
	FailedExecutions     int     `json:"failed_executions"`
	ExecutionSuccessRate float64 `json:"execution_success_rate"`
	AvgExecutionSecs     float64 `json:"avg_execution_seconds"`
}

type Attestation struct {
	AuditorID    string    `json:"auditor_id"`
	Signature    string    `json:"signature"`
	Findings     []string  `json:"findings"`
	AttestedAt   time.Time `json:"attested_at"`
	NextAuditDue time.Time `json:"next_audit_due"`
}

// VaultReport is generated once and never mutated.
type VaultReport struct {
	ID                 string             `gorm:"primaryKey;type:text" json:"id"`
	WalletID           string             `gorm:"type:text;index" json:"wallet_id"`
	Type               ReportType         `gorm:"type:text" json:"type"`
	PeriodStart        time.Time          `json:"period_start"`
	PeriodEnd          time.Time          `json:"period_end"`
	GeneratedAt        time.Time          `json:"generated_at"`
	AssetSummary       []AssetSummary     `gorm:"serializer:json" json:"asset_summary"`
	TransactionSummary TransactionSummary `gorm:"serializer:json" json:"transaction_summary"`
	SecurityMetrics    SecurityMetrics    `gorm:"serializer:json" json:"security_metrics"`
	ComplianceMetrics  ComplianceMetrics  `gorm:"serializer:json" json:"compliance_metrics"`
	RiskAssessment     RiskAssessment     `gorm:"serializer:json" json:"risk_assessment"`
	PerformanceMetrics PerformanceMetrics `gorm:"serializer:json" json:"performance_metrics"`
	Attestation        Attestation        `gorm:"serializer:json" json:"attestation"`
}

func (VaultReport) TableName() string {
	return "vault_reports"
}
