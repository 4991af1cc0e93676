package model

import "time"

// Lock freezes one field (or every field, via WildcardField) of an entity
// against automated mutation.
type Lock struct {
	Entity    EntityRef  `json:"entity"`
	Field     string     `json:"field"`
	Active    bool       `json:"active"`
	Reason    string     `json:"reason"`
	Until     *time.Time `json:"until,omitempty"`
	LockedBy  string     `json:"locked_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Effective reports whether the lock blocks writes at asOf.
func (l *Lock) Effective(asOf time.Time) bool {
	return l.Active && (l.Until == nil || l.Until.After(asOf))
}

// Covers reports whether the lock applies to field.
func (l *Lock) Covers(field string) bool {
	return l.Field == WildcardField || l.Field == field
}

// Describe renders the lock for hold reasons shown to reviewers.
func (l *Lock) Describe() string {
	s := "locked " + l.Entity.String() + "/" + l.Field
	if l.Reason != "" {
		s += ": " + l.Reason
	}
	if l.Until != nil {
		s += " (until " + l.Until.UTC().Format(time.RFC3339) + ")"
	}
	return s
}
