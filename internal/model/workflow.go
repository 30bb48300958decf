package model

import (
	"slices"
	"time"
)

type WorkflowMode string

const (
	WorkflowSequential WorkflowMode = "sequential"
	WorkflowParallel   WorkflowMode = "parallel"
)

// TimeoutAction is what happens when a step is not satisfied within its timeout.
type TimeoutAction string

const (
	TimeoutAutoApprove TimeoutAction = "auto_approve"
	TimeoutAutoReject  TimeoutAction = "auto_reject"
	TimeoutEscalate    TimeoutAction = "escalate"
)

type TriggerOperator string

const (
	OpGreaterThan    TriggerOperator = "gt"
	OpGreaterOrEqual TriggerOperator = "gte"
	OpLessThan       TriggerOperator = "lt"
	OpLessOrEqual    TriggerOperator = "lte"
	OpEqual          TriggerOperator = "eq"
	OpNotEqual       TriggerOperator = "ne"
	OpIn             TriggerOperator = "in"
)

// Trigger fields understood by the workflow engine.
const (
	TriggerFieldAmount      = "amount"
	TriggerFieldAsset       = "asset"
	TriggerFieldDestination = "destination"
	TriggerFieldRiskScore   = "risk_score"
	TriggerFieldFlagged     = "flagged"
	TriggerFieldWalletType  = "wallet_type"
)

// Trigger is one field predicate; a workflow matches when all its triggers hold.
// Value is compared numerically for amount/risk_score and as a string otherwise;
// for "in" it is a comma separated list.
type Trigger struct {
	Field    string          `json:"field"`
	Operator TriggerOperator `json:"operator"`
	Value    string          `json:"value"`
}

type ApprovalStep struct {
	Name              string        `json:"name"`
	RequiredApprovers int           `json:"required_approvers"`
	AllowedRoles      []SignerRole  `json:"allowed_roles,omitempty"`
	Approvers         []string      `json:"approvers,omitempty"`
	TimeoutSeconds    int64         `json:"timeout_seconds,omitempty"`
	OnTimeout         TimeoutAction `json:"on_timeout,omitempty"`
}

func (s ApprovalStep) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

type ApprovalWorkflow struct {
	ID        string         `gorm:"primaryKey;type:text" json:"id"`
	Name      string         `gorm:"type:text" json:"name"`
	WalletID  string         `gorm:"type:text;index" json:"wallet_id,omitempty"` // empty = applies to every wallet
	Mode      WorkflowMode   `gorm:"type:text" json:"mode"`
	Priority  int            `json:"priority"`
	IsDefault bool           `json:"is_default"`
	Steps     []ApprovalStep `gorm:"serializer:json" json:"steps"`
	Triggers  []Trigger      `gorm:"serializer:json" json:"triggers,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (ApprovalWorkflow) TableName() string {
	return "vault_workflows"
}

func (w *ApprovalWorkflow) Clone() *ApprovalWorkflow {
	if w == nil {
		return nil
	}
	out := *w
	out.Steps = make([]ApprovalStep, len(w.Steps))
	for i, s := range w.Steps {
		s.AllowedRoles = slices.Clone(s.AllowedRoles)
		s.Approvers = slices.Clone(s.Approvers)
		out.Steps[i] = s
	}
	out.Triggers = slices.Clone(w.Triggers)
	return &out
}
