// Package lock maintains field locks that keep automated writes away from
// canonical fields a human or business rule has frozen.
package lock

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
)

// ErrInvalidLock is returned for malformed lock requests.
var ErrInvalidLock = eris.New("lock: invalid lock")

// LockStore is the persistence surface the registry needs.
type LockStore interface {
	UpsertLock(ctx context.Context, l *model.Lock) error
	ReleaseLock(ctx context.Context, ref model.EntityRef, field string, at time.Time) (bool, error)
	FindLock(ctx context.Context, ref model.EntityRef, field string, asOf time.Time) (*model.Lock, error)
	ListLocks(ctx context.Context, ref *model.EntityRef, activeOnly bool) ([]model.Lock, error)
}

// LockRequest asks for a field, or every field via "*", to be locked.
type LockRequest struct {
	Entity model.EntityRef `json:"entity"`
	Field  string          `json:"field"`
	Reason string          `json:"reason"`
	Until  *time.Time      `json:"until,omitempty"`
	By     string          `json:"by,omitempty"`
}

// Registry is the Lock Registry. It is the only writer of lock rows.
type Registry struct {
	store LockStore
	now   func() time.Time
	log   *zap.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(s LockStore) *Registry {
	return &Registry{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "lock")),
	}
}

// IsLocked reports whether an active, unexpired lock covers the field at asOf.
func (r *Registry) IsLocked(ctx context.Context, ref model.EntityRef, field string, asOf time.Time) (bool, error) {
	l, err := r.Find(ctx, ref, field, asOf)
	return l != nil, err
}

// Find returns the lock covering the field at asOf, or nil. A lock on the
// exact field wins over a wildcard lock.
func (r *Registry) Find(ctx context.Context, ref model.EntityRef, field string, asOf time.Time) (*model.Lock, error) {
	l, err := r.store.FindLock(ctx, ref, field, asOf)
	if err != nil {
		return nil, eris.Wrapf(err, "lock: find %s", model.FieldKey(ref, field))
	}
	return l, nil
}

// Acquire creates or reactivates a lock. Reacquiring replaces reason and expiry.
func (r *Registry) Acquire(ctx context.Context, req LockRequest) (*model.Lock, error) {
	if err := req.Entity.Validate(); err != nil {
		return nil, eris.Wrapf(ErrInvalidLock, "%v", err)
	}
	req.Field = strings.TrimSpace(req.Field)
	if req.Field == "" {
		return nil, eris.Wrap(ErrInvalidLock, "empty field")
	}
	now := r.now()
	if req.Until != nil && !req.Until.After(now) {
		return nil, eris.Wrapf(ErrInvalidLock, "until %s is not in the future", req.Until.Format(time.RFC3339))
	}

	l := &model.Lock{
		Entity:    req.Entity,
		Field:     req.Field,
		Reason:    req.Reason,
		Until:     req.Until,
		LockedBy:  req.By,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.UpsertLock(ctx, l); err != nil {
		return nil, eris.Wrapf(err, "lock: acquire %s", model.FieldKey(req.Entity, req.Field))
	}
	r.log.Info("lock acquired",
		zap.String("entity", req.Entity.String()),
		zap.String("field", req.Field),
		zap.String("reason", req.Reason),
		zap.String("by", req.By),
	)
	return l, nil
}

// Release deactivates a lock. Releasing a lock that is not held is a no-op;
// the return value reports whether anything changed.
func (r *Registry) Release(ctx context.Context, ref model.EntityRef, field string) (bool, error) {
	released, err := r.store.ReleaseLock(ctx, ref, strings.TrimSpace(field), r.now())
	if err != nil {
		return false, eris.Wrapf(err, "lock: release %s", model.FieldKey(ref, field))
	}
	if released {
		r.log.Info("lock released", zap.String("entity", ref.String()), zap.String("field", field))
	}
	return released, nil
}

// List returns locks, optionally for one entity. Inactive locks are kept for
// audit and included unless activeOnly is set.
func (r *Registry) List(ctx context.Context, ref *model.EntityRef, activeOnly bool) ([]model.Lock, error) {
	locks, err := r.store.ListLocks(ctx, ref, activeOnly)
	if err != nil {
		return nil, eris.Wrap(err, "lock: list")
	}
	return locks, nil
}
