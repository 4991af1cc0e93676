package store

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var (
	testNow     = time.Date(2025, 11, 3, 9, 30, 0, 0, time.UTC)
	testProject = model.EntityRef{Kind: model.KindProject, ID: 17}
)

func seedProject(t *testing.T, st Store, fields map[string]*string) {
	t.Helper()
	e := &model.Entity{Ref: testProject, Fields: map[string]model.FieldValue{}, CreatedAt: testNow}
	for name, v := range fields {
		e.Fields[name] = model.FieldValue{Field: name, Value: v}
	}
	_, err := st.CreateEntity(context.Background(), e)
	require.NoError(t, err)
}

func testObservation(field, proposed string) *model.Observation {
	return &model.Observation{
		Entity:        testProject,
		Field:         field,
		ProposedValue: model.StringPtr(proposed),
		Confidence:    0.8,
		Provenance:    model.Provenance{Source: model.SourceAIInference, Reasoning: "email mentions it"},
		CreatedAt:     testNow,
	}
}

// --- Batches ---

func TestSQLite_CreateBatch_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	b, created, err := st.CreateBatch(ctx, &model.Batch{
		Key: "excel:abc", Source: model.SourceManualExcel, Checksum: "abc",
		Metadata: map[string]any{"file": "fees.xlsx"}, StartedAt: testNow,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.BatchInProgress, b.Status)

	again, created, err := st.CreateBatch(ctx, &model.Batch{Key: "excel:abc", Source: model.SourceManualExcel})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "abc", again.Checksum)
	assert.Equal(t, "fees.xlsx", again.Metadata["file"])
	assert.True(t, again.StartedAt.Equal(testNow))
}

func TestSQLite_BatchLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, _, err := st.CreateBatch(ctx, &model.Batch{Key: "b1", Source: model.SourceEmailBatch, StartedAt: testNow})
	require.NoError(t, err)

	for i, outcome := range []model.RowOutcome{model.RowSucceeded, model.RowSucceeded, model.RowFailed} {
		rec, err := st.RecordBatchRow(ctx, "b1", strconv.Itoa(i+1), outcome)
		require.NoError(t, err)
		assert.Equal(t, RowCounted, rec)
	}

	b, err := st.FinalizeBatch(ctx, "b1", "", testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.BatchPartial, b.Status)
	assert.EqualValues(t, 3, b.RowsSeen)
	assert.EqualValues(t, 2, b.RowsSucceeded)
	assert.EqualValues(t, 1, b.RowsFailed)
	require.NotNil(t, b.CompletedAt)

	// Rows after completion are ignored.
	rec, err := st.RecordBatchRow(ctx, "b1", "4", model.RowSucceeded)
	require.NoError(t, err)
	assert.Equal(t, RowBatchClosed, rec)

	// Finalizing again does not change the terminal status.
	again, err := st.FinalizeBatch(ctx, "b1", "boom", testNow.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.BatchPartial, again.Status)
	assert.Empty(t, again.Error)

	got, err := st.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.RowsSeen)
}

func TestSQLite_RecordBatchRow_PerRowRef(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, _, err := st.CreateBatch(ctx, &model.Batch{Key: "b3", Source: model.SourceAPIImport, StartedAt: testNow})
	require.NoError(t, err)

	tests := []struct {
		ref     string
		outcome model.RowOutcome
		want    RowRecord
	}{
		{"1", model.RowFailed, RowCounted},
		{"1", model.RowFailed, RowAlreadyCounted},
		{"2", model.RowSucceeded, RowCounted},
		{"2", model.RowFailed, RowAlreadyCounted},
		{"1", model.RowSucceeded, RowRecounted},
		{"1", model.RowSucceeded, RowAlreadyCounted},
		{"", model.RowFailed, RowCounted},
		{"", model.RowFailed, RowCounted},
	}
	for _, tt := range tests {
		rec, err := st.RecordBatchRow(ctx, "b3", tt.ref, tt.outcome)
		require.NoError(t, err)
		assert.Equal(t, tt.want, rec, "row %q %s", tt.ref, tt.outcome)
	}

	b, err := st.GetBatch(ctx, "b3")
	require.NoError(t, err)
	assert.EqualValues(t, 4, b.RowsSeen)
	assert.EqualValues(t, 2, b.RowsSucceeded)
	assert.EqualValues(t, 2, b.RowsFailed)
}

func TestSQLite_FinalizeBatch_ProducerError(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, _, err := st.CreateBatch(ctx, &model.Batch{Key: "b2", Source: model.SourcePDFExtraction})
	require.NoError(t, err)
	_, err = st.RecordBatchRow(ctx, "b2", "1", model.RowSucceeded)
	require.NoError(t, err)

	b, err := st.FinalizeBatch(ctx, "b2", "parser crashed", testNow)
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, b.Status)
	assert.Equal(t, "parser crashed", b.Error)
}

func TestSQLite_BatchNotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.RecordBatchRow(ctx, "missing", "1", model.RowSucceeded)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.FinalizeBatch(ctx, "missing", "", testNow)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListBatches(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c"} {
		_, _, err := st.CreateBatch(ctx, &model.Batch{Key: key, Source: model.SourceManualExcel, StartedAt: testNow.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	_, err := st.FinalizeBatch(ctx, "b", "", testNow)
	require.NoError(t, err)

	all, err := st.ListBatches(ctx, BatchFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].Key)

	done, err := st.ListBatches(ctx, BatchFilter{Status: model.BatchSuccess})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "b", done[0].Key)

	limited, err := st.ListBatches(ctx, BatchFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- Observations ---

func TestSQLite_InsertObservation_Supersedes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first := testObservation("status", "on_hold")
	superseded, err := st.InsertObservation(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, superseded)

	second := testObservation("status", "active")
	second.CreatedAt = testNow.Add(time.Second)
	superseded, err = st.InsertObservation(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.ID}, superseded)

	old, err := st.GetObservation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuperseded, old.Status)
	require.NotNil(t, old.SupersededBy)
	assert.Equal(t, second.ID, *old.SupersededBy)
	assert.Contains(t, old.DecisionReason, "superseded by observation")

	pending, err := st.ListPendingObservations(ctx, ObservationFilter{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
	assert.Equal(t, "active", *pending[0].ProposedValue)
	assert.Nil(t, pending[0].CurrentValue)
}

func TestSQLite_InsertObservation_DuplicateRow(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	o := testObservation("fee", "1000")
	o.BatchKey, o.RowRef = "batch-1", "row-4"
	_, err := st.InsertObservation(ctx, o)
	require.NoError(t, err)

	dup := testObservation("fee", "2000")
	dup.BatchKey, dup.RowRef = "batch-1", "row-4"
	_, err = st.InsertObservation(ctx, dup)
	require.ErrorIs(t, err, ErrDuplicateObservation)
	assert.Equal(t, o.ID, dup.ID)

	// The original stays pending and untouched.
	got, err := st.GetObservation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, "1000", *got.ProposedValue)
}

func TestSQLite_GetObservation_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetObservation(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListPending_KeysetAndExpiry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	fields := []string{"name", "status", "phase", "fee"}
	for i, f := range fields {
		o := testObservation(f, "x")
		o.CreatedAt = testNow.Add(time.Duration(i) * time.Second)
		if f == "phase" {
			exp := testNow.Add(time.Hour)
			o.ExpiresAt = &exp
		}
		_, err := st.InsertObservation(ctx, o)
		require.NoError(t, err)
	}

	page, err := st.ListPendingObservations(ctx, ObservationFilter{AsOf: testNow, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "name", page[0].Field)
	assert.Equal(t, "status", page[1].Field)

	last := page[1]
	rest, err := st.ListPendingObservations(ctx, ObservationFilter{
		AsOf: testNow, Limit: 10, After: &Cursor{CreatedAt: last.CreatedAt, ID: last.ID},
	})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "phase", rest[0].Field)

	// Once the clock passes the expiry the observation drops out.
	later, err := st.ListPendingObservations(ctx, ObservationFilter{AsOf: testNow.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, later, 3)

	other := model.EntityRef{Kind: model.KindInvoice, ID: 1}
	none, err := st.ListPendingObservations(ctx, ObservationFilter{Entity: &other})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_ExpireObservations(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	o := testObservation("status", "active")
	exp := testNow.Add(time.Hour)
	o.ExpiresAt = &exp
	_, err := st.InsertObservation(ctx, o)
	require.NoError(t, err)

	n, err := st.ExpireObservations(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Expiry at exactly the boundary counts as expired.
	n, err = st.ExpireObservations(ctx, exp)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetObservation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.NotNil(t, got.DecidedAt)
	assert.Contains(t, got.DecisionReason, "expired")
}

// --- Locks ---

func TestSQLite_Locks(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertLock(ctx, &model.Lock{Entity: testProject, Field: model.WildcardField, Reason: "contract signed", UpdatedAt: testNow}))
	require.NoError(t, st.UpsertLock(ctx, &model.Lock{Entity: testProject, Field: "fee", Reason: "fee agreed", LockedBy: "bill", UpdatedAt: testNow}))

	l, err := st.FindLock(ctx, testProject, "fee", testNow)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "fee", l.Field)
	assert.Equal(t, "bill", l.LockedBy)

	l, err = st.FindLock(ctx, testProject, "status", testNow)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, model.WildcardField, l.Field)

	released, err := st.ReleaseLock(ctx, testProject, model.WildcardField, testNow)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = st.ReleaseLock(ctx, testProject, model.WildcardField, testNow)
	require.NoError(t, err)
	assert.False(t, released)

	l, err = st.FindLock(ctx, testProject, "status", testNow)
	require.NoError(t, err)
	assert.Nil(t, l)

	all, err := st.ListLocks(ctx, &testProject, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := st.ListLocks(ctx, nil, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "fee", active[0].Field)
}

func TestSQLite_Lock_UntilElapses(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	until := testNow.Add(time.Hour)
	require.NoError(t, st.UpsertLock(ctx, &model.Lock{Entity: testProject, Field: "phase", Until: &until, UpdatedAt: testNow}))

	l, err := st.FindLock(ctx, testProject, "phase", testNow)
	require.NoError(t, err)
	require.NotNil(t, l)
	require.NotNil(t, l.Until)
	assert.True(t, l.Until.Equal(until))

	l, err = st.FindLock(ctx, testProject, "phase", until)
	require.NoError(t, err)
	assert.Nil(t, l)
}

// --- Canonical ---

func TestSQLite_Entity(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedProject(t, st, map[string]*string{"status": model.StringPtr("active"), "fee": nil})

	created, err := st.CreateEntity(ctx, &model.Entity{Ref: testProject})
	require.NoError(t, err)
	assert.False(t, created)

	e, err := st.GetEntity(ctx, testProject)
	require.NoError(t, err)
	require.Contains(t, e.Fields, "status")
	assert.Equal(t, "active", *e.Fields["status"].Value)
	assert.EqualValues(t, 1, e.Fields["status"].Version)
	assert.Nil(t, e.Fields["fee"].Value)

	_, err = st.GetEntity(ctx, model.EntityRef{Kind: model.KindClient, ID: 9})
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestSQLite_Tx_CompareAndSet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedProject(t, st, map[string]*string{"status": model.StringPtr("active")})

	err := st.InTx(ctx, func(tx Tx) error {
		fv, err := tx.GetField(ctx, testProject, "status")
		require.NoError(t, err)
		assert.EqualValues(t, 1, fv.Version)

		require.NoError(t, tx.CompareAndSetField(ctx, model.FieldWrite{
			Entity: testProject, Field: "status", Value: model.StringPtr("on_hold"),
			ExpectedVersion: fv.Version, ModifiedBy: "observation:1", At: testNow,
		}))

		// A stale version loses.
		err = tx.CompareAndSetField(ctx, model.FieldWrite{
			Entity: testProject, Field: "status", Value: model.StringPtr("archived"),
			ExpectedVersion: fv.Version, At: testNow,
		})
		assert.ErrorIs(t, err, ErrWriteConflict)

		missing, err := tx.GetField(ctx, testProject, "phase")
		require.NoError(t, err)
		assert.Nil(t, missing.Value)
		assert.EqualValues(t, 0, missing.Version)

		require.NoError(t, tx.CompareAndSetField(ctx, model.FieldWrite{
			Entity: testProject, Field: "phase", Value: model.StringPtr("concept"), At: testNow,
		}))
		return nil
	})
	require.NoError(t, err)

	e, err := st.GetEntity(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, "on_hold", *e.Fields["status"].Value)
	assert.EqualValues(t, 2, e.Fields["status"].Version)
	assert.Equal(t, "observation:1", e.Fields["status"].ModifiedBy)
	assert.Equal(t, "concept", *e.Fields["phase"].Value)
}

func TestSQLite_Tx_EntityNotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.InTx(ctx, func(tx Tx) error {
		_, err := tx.GetField(ctx, testProject, "status")
		return err
	})
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestSQLite_Tx_TransitionAndRollback(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	o := testObservation("status", "active")
	_, err := st.InsertObservation(ctx, o)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = st.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.TransitionObservation(ctx, o.ID, model.Transition{To: model.StatusApproved, Reason: "ok", At: testNow}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := st.GetObservation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	err = st.InTx(ctx, func(tx Tx) error {
		locked, err := tx.LockObservation(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, locked.Status)
		require.NoError(t, tx.SetHoldReason(ctx, o.ID, "locked"))
		return tx.TransitionObservation(ctx, o.ID, model.Transition{
			To: model.StatusRejected, Reason: "wrong project", ReviewerID: "lukas", ReviewNotes: "n/a", At: testNow,
		})
	})
	require.NoError(t, err)

	got, err = st.GetObservation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, got.Status)
	assert.Equal(t, "wrong project", got.DecisionReason)
	assert.Equal(t, "lukas", got.ReviewerID)
	assert.Empty(t, got.HoldReason)

	err = st.InTx(ctx, func(tx Tx) error {
		return tx.TransitionObservation(ctx, o.ID, model.Transition{To: model.StatusApproved, At: testNow})
	})
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
