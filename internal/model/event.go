package model

import "time"

type EventType string

const (
	EventRequestSubmitted EventType = "withdrawal.submitted"
	EventRequestApproved  EventType = "withdrawal.approved"
	EventRequestRejected  EventType = "withdrawal.rejected"
	EventRequestExecuted  EventType = "withdrawal.executed"
	EventRequestCancelled EventType = "withdrawal.cancelled"
	EventRequestExpired   EventType = "withdrawal.expired"
	EventExecutionFailed  EventType = "withdrawal.execution_failed"
	EventWalletFrozen     EventType = "wallet.frozen"
	EventWalletUnfrozen   EventType = "wallet.unfrozen"
	EventWalletHealth     EventType = "wallet.health_changed"
)

type Event struct {
	Type       EventType      `json:"type"`
	WalletID   string         `json:"wallet_id"`
	RequestID  string         `json:"request_id,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
