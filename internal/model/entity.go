package model

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// EntityKind names a class of canonical business record.
type EntityKind string

const (
	KindProject       EntityKind = "project"
	KindProposal      EntityKind = "proposal"
	KindContract      EntityKind = "contract"
	KindInvoice       EntityKind = "invoice"
	KindClient        EntityKind = "client"
	KindCommunication EntityKind = "communication"
)

// EntityKinds lists every kind the canonical store accepts.
var EntityKinds = []EntityKind{
	KindProject, KindProposal, KindContract, KindInvoice, KindClient, KindCommunication,
}

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	for _, known := range EntityKinds {
		if k == known {
			return true
		}
	}
	return false
}

// WildcardField matches every field of an entity in a lock.
const WildcardField = "*"

// EntityRef identifies one canonical record.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   int64      `json:"id"`
}

// String renders the ref as "kind:id", e.g. "project:42".
func (r EntityRef) String() string {
	return string(r.Kind) + ":" + strconv.FormatInt(r.ID, 10)
}

// Validate checks the kind and id.
func (r EntityRef) Validate() error {
	if !r.Kind.Valid() {
		return eris.Errorf("model: unknown entity kind %q", r.Kind)
	}
	if r.ID <= 0 {
		return eris.Errorf("model: entity id must be positive, got %d", r.ID)
	}
	return nil
}

// ParseEntityRef parses "kind:id".
func ParseEntityRef(s string) (EntityRef, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return EntityRef{}, eris.Errorf("model: entity ref %q must look like kind:id", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return EntityRef{}, eris.Wrapf(err, "model: entity ref %q has a non-numeric id", s)
	}
	ref := EntityRef{Kind: EntityKind(strings.ToLower(kind)), ID: n}
	if err := ref.Validate(); err != nil {
		return EntityRef{}, err
	}
	return ref, nil
}

// FieldKey is the (entity, field) pair that supersession and locks are keyed on.
func FieldKey(ref EntityRef, field string) string {
	return ref.String() + "/" + field
}
