package model

import "time"

// Status is the lifecycle state of an observation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusExpired    Status = "expired"
	StatusSuperseded Status = "superseded"
)

// IsTerminal reports whether s can no longer change.
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

// CanTransition reports whether an observation may move from one status to another.
// Only pending observations move, and never back to pending.
func CanTransition(from, to Status) bool {
	if from != StatusPending {
		return false
	}
	switch to {
	case StatusApproved, StatusRejected, StatusExpired, StatusSuperseded:
		return true
	default:
		return false
	}
}

// Provenance describes where a proposed value came from.
type Provenance struct {
	Source    SourceKind `json:"source"`
	Reference string     `json:"reference,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
}

// Observation is one proposed change to one field of one canonical entity.
type Observation struct {
	ID            int64      `json:"id"`
	Entity        EntityRef  `json:"entity"`
	Field         string     `json:"field"`
	CurrentValue  *string    `json:"current_value"`
	ProposedValue *string    `json:"proposed_value"`
	Confidence    float64    `json:"confidence"`
	Provenance    Provenance `json:"provenance"`
	BatchKey      string     `json:"batch_key,omitempty"`
	RowRef        string     `json:"row_ref,omitempty"`
	Status        Status     `json:"status"`

	// HoldReason explains why a pending observation has not been applied yet.
	HoldReason string `json:"hold_reason,omitempty"`
	// DecisionReason explains the terminal status.
	DecisionReason string `json:"decision_reason,omitempty"`
	ReviewerID     string `json:"reviewer_id,omitempty"`
	ReviewNotes    string `json:"review_notes,omitempty"`
	SupersededBy   *int64 `json:"superseded_by,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// IsExpired reports whether the observation's validity window has closed at asOf.
func (o *Observation) IsExpired(asOf time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(asOf)
}

// Transition is a status change applied by the reconciliation engine or a reviewer.
type Transition struct {
	To          Status
	Reason      string
	ReviewerID  string
	ReviewNotes string
	At          time.Time
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// ValuesEqual compares two nullable field values.
func ValuesEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// DisplayValue renders a nullable value for reasons and logs.
func DisplayValue(v *string) string {
	if v == nil {
		return "<unset>"
	}
	return *v
}
