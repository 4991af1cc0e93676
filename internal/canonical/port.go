// Package canonical describes the canonical business-record store: the narrow
// read/compare-and-set port the reconciliation engine writes through, and the
// field schema proposed values are validated against.
package canonical

import (
	"context"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
)

// Port is the engine's only access to canonical fields.
//
// GetField returns a FieldValue with a nil Value and zero Version when the field
// has never been written, and an error wrapping store.ErrEntityNotFound when the
// entity itself does not exist. CompareAndSetField writes only if the field's
// version still equals FieldWrite.ExpectedVersion.
type Port interface {
	GetField(ctx context.Context, ref model.EntityRef, field string) (*model.FieldValue, error)
	CompareAndSetField(ctx context.Context, w model.FieldWrite) error
}
