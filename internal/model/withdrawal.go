package model

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestExecuted  RequestStatus = "executed"
	RequestCancelled RequestStatus = "cancelled"
	RequestExpired   RequestStatus = "expired"
)

// Only pending and approved have outgoing edges; nothing re-enters a state.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:  {RequestApproved, RequestRejected, RequestCancelled, RequestExpired},
	RequestApproved: {RequestExecuted},
}

func CanTransition(from, to RequestStatus) bool {
	return slices.Contains(requestTransitions[from], to)
}

// IsOpen reports whether funds are still reserved for the request.
func (s RequestStatus) IsOpen() bool {
	return s == RequestPending || s == RequestApproved
}

type RequestPriority string

const (
	PriorityNormal RequestPriority = "normal"
	PriorityHigh   RequestPriority = "high"
	PriorityUrgent RequestPriority = "urgent"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

type RiskFactor string

const (
	RiskLargeAmount    RiskFactor = "large_amount_relative_to_balance"
	RiskNewDestination RiskFactor = "new_destination_address"
	RiskOffHours       RiskFactor = "off_hours_transaction"
	RiskHighFrequency  RiskFactor = "high_frequency_withdrawals"
)

// Approval is immutable once appended to a request.
type Approval struct {
	ID           string            `json:"id"`
	ApproverID   string            `json:"approver_id"`
	ApproverRole SignerRole        `json:"approver_role,omitempty"`
	Decision     Decision          `json:"decision"`
	Reason       string            `json:"reason,omitempty"`
	Signature    string            `json:"signature,omitempty"`
	Step         int               `json:"step"`
	System       bool              `json:"system,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// StepState tracks one workflow step of a request.
type StepState struct {
	Step        int        `json:"step"`
	StartedAt   time.Time  `json:"started_at"`
	Satisfied   bool       `json:"satisfied"`
	SatisfiedAt *time.Time `json:"satisfied_at,omitempty"`
	Escalated   bool       `json:"escalated,omitempty"`
}

type WithdrawalRequest struct {
	ID                string            `gorm:"primaryKey;type:text" json:"id"`
	WalletID          string            `gorm:"type:text;index" json:"wallet_id"`
	Requester         string            `gorm:"type:text" json:"requester"`
	RequesterRole     SignerRole        `gorm:"type:text" json:"requester_role,omitempty"`
	Asset             string            `gorm:"type:text" json:"asset"`
	Amount            Amount            `gorm:"type:numeric(78,0)" json:"amount"`
	NetworkFee        Amount            `gorm:"type:numeric(78,0)" json:"network_fee"` // quoted at submission
	Destination       string            `gorm:"type:text;index" json:"destination"`
	Memo              string            `gorm:"type:text" json:"memo,omitempty"`
	Priority          RequestPriority   `gorm:"type:text" json:"priority"`
	WorkflowID        string            `gorm:"type:text" json:"workflow_id"`
	CurrentStep       int               `json:"current_step"`
	Steps             []StepState       `gorm:"serializer:json" json:"steps"`
	Approvals         []Approval        `gorm:"serializer:json" json:"approvals"`
	RequiredApprovals int               `json:"required_approvals"`
	RiskScore         float64           `json:"risk_score"`
	RiskFactors       []RiskFactor      `gorm:"serializer:json" json:"risk_factors"`
	Flagged           bool              `json:"flagged"`
	OverrideUsed      bool              `json:"override_used,omitempty"`
	Status            RequestStatus     `gorm:"type:text;index" json:"status"`
	TransactionID     string            `gorm:"type:text" json:"transaction_id,omitempty"`
	TxHash            string            `gorm:"type:text" json:"tx_hash,omitempty"`
	ExecutionAttempts int               `json:"execution_attempts"`
	LastError         string            `gorm:"type:text" json:"last_error,omitempty"`
	Metadata          map[string]string `gorm:"serializer:json" json:"metadata,omitempty"`
	SubmittedAt       time.Time         `gorm:"index" json:"submitted_at"`
	ApprovedAt        *time.Time        `json:"approved_at,omitempty"`
	ExecutedAt        *time.Time        `json:"executed_at,omitempty"`
	ClosedAt          *time.Time        `json:"closed_at,omitempty"`
	ExpiresAt         time.Time         `json:"expires_at"`
	AuditTrail        []AuditEntry      `gorm:"serializer:json" json:"audit_trail"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func (WithdrawalRequest) TableName() string {
	return "vault_withdrawal_requests"
}

// TransitionTo moves the request to status `to`, enforcing the monotonic state machine.
func (r *WithdrawalRequest) TransitionTo(to RequestStatus, at time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("illegal transition %s -> %s", r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = at
	switch to {
	case RequestApproved:
		r.ApprovedAt = &at
	case RequestExecuted:
		r.ExecutedAt = &at
		r.ClosedAt = &at
	default:
		r.ClosedAt = &at
	}
	return nil
}

// Reserved is the amount locked on the wallet ledger while the request is open.
func (r *WithdrawalRequest) Reserved() (Amount, error) {
	return r.Amount.Add(r.NetworkFee)
}

func (r *WithdrawalRequest) IsExpired(now time.Time) bool {
	return r.Status == RequestPending && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// DecisionFrom returns the approval already recorded for approverID, if any.
func (r *WithdrawalRequest) DecisionFrom(approverID string) (Approval, bool) {
	for _, a := range r.Approvals {
		if a.ApproverID == approverID && !a.System {
			return a, true
		}
	}
	return Approval{}, false
}

func (r *WithdrawalRequest) AppendAudit(e AuditEntry) {
	if e.WalletID == "" {
		e.WalletID = r.WalletID
	}
	if e.RequestID == "" {
		e.RequestID = r.ID
	}
	r.AuditTrail = append(r.AuditTrail, e)
}

func (r *WithdrawalRequest) Step(i int) *StepState {
	for j := range r.Steps {
		if r.Steps[j].Step == i {
			return &r.Steps[j]
		}
	}
	return nil
}

func (r *WithdrawalRequest) Clone() *WithdrawalRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.Steps = make([]StepState, len(r.Steps))
	for i, s := range r.Steps {
		s.SatisfiedAt = cloneTime(s.SatisfiedAt)
		out.Steps[i] = s
	}
	out.Approvals = make([]Approval, len(r.Approvals))
	for i, a := range r.Approvals {
		a.Context = maps.Clone(a.Context)
		out.Approvals[i] = a
	}
	out.RiskFactors = slices.Clone(r.RiskFactors)
	out.Metadata = maps.Clone(r.Metadata)
	out.AuditTrail = make([]AuditEntry, len(r.AuditTrail))
	for i, e := range r.AuditTrail {
		out.AuditTrail[i] = e.Clone()
	}
	out.ApprovedAt = cloneTime(r.ApprovedAt)
	out.ExecutedAt = cloneTime(r.ExecutedAt)
	out.ClosedAt = cloneTime(r.ClosedAt)
	return &out
}
