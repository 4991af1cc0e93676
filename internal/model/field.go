package model

import "time"

// FieldValue is the live value of a canonical field plus its last-modified marker.
// Version is zero and Value nil when the field has never been written.
type FieldValue struct {
	Entity     EntityRef  `json:"entity"`
	Field      string     `json:"field"`
	Value      *string    `json:"value"`
	Version    int64      `json:"version"`
	ModifiedBy string     `json:"modified_by,omitempty"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
}

// FieldWrite is a compare-and-set request against a canonical field.
type FieldWrite struct {
	Entity          EntityRef
	Field           string
	Value           *string
	ExpectedVersion int64
	ModifiedBy      string
	At              time.Time
}

// Entity is a canonical business record with its fields.
type Entity struct {
	Ref       EntityRef             `json:"ref"`
	Fields    map[string]FieldValue `json:"fields"`
	CreatedAt time.Time             `json:"created_at"`
}
