package lock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/store"
)

var contract7 = model.EntityRef{Kind: model.KindContract, ID: 7}

func newTestRegistry(t *testing.T, now time.Time) *Registry {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "locks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	r := NewRegistry(st)
	r.now = func() time.Time { return now }
	return r
}

func TestRegistry_AcquireReleaseCycle(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	r := newTestRegistry(t, now)
	ctx := context.Background()

	locked, err := r.IsLocked(ctx, contract7, "value", now)
	require.NoError(t, err)
	assert.False(t, locked)

	_, err = r.Acquire(ctx, LockRequest{Entity: contract7, Field: "value", Reason: "under negotiation", By: "lukas"})
	require.NoError(t, err)

	locked, err = r.IsLocked(ctx, contract7, "value", now)
	require.NoError(t, err)
	assert.True(t, locked)

	locked, err = r.IsLocked(ctx, contract7, "status", now)
	require.NoError(t, err)
	assert.False(t, locked)

	released, err := r.Release(ctx, contract7, "value")
	require.NoError(t, err)
	assert.True(t, released)

	released, err = r.Release(ctx, contract7, "value")
	require.NoError(t, err)
	assert.False(t, released)

	locked, err = r.IsLocked(ctx, contract7, "value", now)
	require.NoError(t, err)
	assert.False(t, locked)

	// History is kept.
	all, err := r.List(ctx, &contract7, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Active)
}

func TestRegistry_WildcardAndExactPreference(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	r := newTestRegistry(t, now)
	ctx := context.Background()

	_, err := r.Acquire(ctx, LockRequest{Entity: contract7, Field: "*", Reason: "contract signed"})
	require.NoError(t, err)
	_, err = r.Acquire(ctx, LockRequest{Entity: contract7, Field: "value", Reason: "finance review"})
	require.NoError(t, err)

	l, err := r.Find(ctx, contract7, "value", now)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "finance review", l.Reason)

	l, err = r.Find(ctx, contract7, "signed_date", now)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "contract signed", l.Reason)
}

func TestRegistry_UntilExpiresAtReadTime(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	r := newTestRegistry(t, now)
	ctx := context.Background()

	until := now.Add(24 * time.Hour)
	_, err := r.Acquire(ctx, LockRequest{Entity: contract7, Field: "status", Reason: "on hold", Until: &until})
	require.NoError(t, err)

	locked, err := r.IsLocked(ctx, contract7, "status", now.Add(23*time.Hour))
	require.NoError(t, err)
	assert.True(t, locked)

	locked, err = r.IsLocked(ctx, contract7, "status", until)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestRegistry_ReacquireUpdatesReason(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	r := newTestRegistry(t, now)
	ctx := context.Background()

	_, err := r.Acquire(ctx, LockRequest{Entity: contract7, Field: "status", Reason: "first"})
	require.NoError(t, err)
	_, err = r.Release(ctx, contract7, "status")
	require.NoError(t, err)
	_, err = r.Acquire(ctx, LockRequest{Entity: contract7, Field: "status", Reason: "second"})
	require.NoError(t, err)

	active, err := r.List(ctx, nil, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "second", active[0].Reason)
	assert.True(t, active[0].Active)
}

func TestRegistry_AcquireValidation(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	r := newTestRegistry(t, now)
	ctx := context.Background()

	_, err := r.Acquire(ctx, LockRequest{Entity: model.EntityRef{Kind: "yacht", ID: 1}, Field: "x"})
	assert.ErrorIs(t, err, ErrInvalidLock)

	_, err = r.Acquire(ctx, LockRequest{Entity: contract7, Field: ""})
	assert.ErrorIs(t, err, ErrInvalidLock)

	past := now.Add(-time.Minute)
	_, err = r.Acquire(ctx, LockRequest{Entity: contract7, Field: "status", Until: &past})
	assert.ErrorIs(t, err, ErrInvalidLock)
}

type mockLockStore struct {
	mock.Mock
}

func (m *mockLockStore) UpsertLock(ctx context.Context, l *model.Lock) error {
	return m.Called(ctx, l).Error(0)
}

func (m *mockLockStore) ReleaseLock(ctx context.Context, ref model.EntityRef, field string, at time.Time) (bool, error) {
	args := m.Called(ctx, ref, field, at)
	return args.Bool(0), args.Error(1)
}

func (m *mockLockStore) FindLock(ctx context.Context, ref model.EntityRef, field string, asOf time.Time) (*model.Lock, error) {
	args := m.Called(ctx, ref, field, asOf)
	l, _ := args.Get(0).(*model.Lock)
	return l, args.Error(1)
}

func (m *mockLockStore) ListLocks(ctx context.Context, ref *model.EntityRef, activeOnly bool) ([]model.Lock, error) {
	args := m.Called(ctx, ref, activeOnly)
	l, _ := args.Get(0).([]model.Lock)
	return l, args.Error(1)
}

func TestRegistry_StoreError(t *testing.T) {
	ms := &mockLockStore{}
	ms.On("FindLock", mock.Anything, contract7, "status", mock.Anything).Return(nil, errors.New("timeout"))

	r := NewRegistry(ms)
	_, err := r.IsLocked(context.Background(), contract7, "status", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock: find contract:7/status")
	ms.AssertExpectations(t)
}
