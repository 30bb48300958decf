package model

// Actor is the authenticated caller of a vault operation.
type Actor struct {
	ID           string     `json:"id"`
	Role         SignerRole `json:"role"`
	Jurisdiction string     `json:"jurisdiction,omitempty"`
	IP           string     `json:"ip,omitempty"`
	// EmergencyJustification activates the policy's emergency override when non-empty.
	EmergencyJustification string `json:"emergency_justification,omitempty"`
}

// System actors used for scheduler and automatic transitions.
const (
	ActorSystem    = "system"
	ActorScheduler = "scheduler"
)
