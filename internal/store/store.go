// Package store persists batches, observations, locks and canonical entity
// fields. SQLite and Postgres backends implement the same interfaces.
package store

import (
	"context"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/canonical"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
)

var (
	// ErrNotFound is returned when a batch or observation does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrEntityNotFound is returned when a canonical entity does not exist.
	ErrEntityNotFound = eris.New("store: entity not found")
	// ErrWriteConflict is returned when a compare-and-set loses to a concurrent write.
	ErrWriteConflict = eris.New("store: canonical write conflict")
	// ErrNotPending is returned when transitioning an observation that already left pending.
	ErrNotPending = eris.New("store: observation is not pending")
	// ErrDuplicateObservation is returned when a (batch, row) pair was already proposed.
	ErrDuplicateObservation = eris.New("store: duplicate observation")
)

// BatchFilter specifies criteria for listing batches.
type BatchFilter struct {
	Status model.BatchStatus `json:"status,omitempty"`
	Source model.SourceKind  `json:"source,omitempty"`
	Limit  int               `json:"limit,omitempty"`
}

// RowRecord reports how RecordBatchRow treated a row outcome.
type RowRecord int

const (
	// RowCounted means the row was counted for the first time.
	RowCounted RowRecord = iota
	// RowRecounted means a row that failed earlier succeeded on retry and
	// moved from the failed to the succeeded counter.
	RowRecounted
	// RowAlreadyCounted means the row's outcome was already recorded.
	RowAlreadyCounted
	// RowBatchClosed means the batch is terminal and the row was ignored.
	RowBatchClosed
)

type rowCounters struct {
	seen, succeeded, failed int
}

// rowCounterDelta decides the counter change for recording outcome over the
// row's previously recorded outcome ("" when it has none). A succeeded row
// never goes back to failed.
func rowCounterDelta(prev, outcome model.RowOutcome) (RowRecord, rowCounters) {
	switch {
	case prev == "" && outcome == model.RowFailed:
		return RowCounted, rowCounters{seen: 1, failed: 1}
	case prev == "":
		return RowCounted, rowCounters{seen: 1, succeeded: 1}
	case prev == model.RowFailed && outcome == model.RowSucceeded:
		return RowRecounted, rowCounters{succeeded: 1, failed: -1}
	default:
		return RowAlreadyCounted, rowCounters{}
	}
}

// Cursor is a keyset position in creation order.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        int64     `json:"id"`
}

// ObservationFilter specifies criteria for listing pending observations.
type ObservationFilter struct {
	Entity *model.EntityRef
	// AsOf excludes observations whose expiry is at or before it. Zero disables the check.
	AsOf  time.Time
	After *Cursor
	Limit int
}

// Store defines the persistence interface for the reconciliation system.
type Store interface {
	// Batches
	CreateBatch(ctx context.Context, b *model.Batch) (*model.Batch, bool, error)
	GetBatch(ctx context.Context, key string) (*model.Batch, error)
	RecordBatchRow(ctx context.Context, key, rowRef string, outcome model.RowOutcome) (RowRecord, error)
	FinalizeBatch(ctx context.Context, key string, producerErr string, at time.Time) (*model.Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error)

	// Observations
	InsertObservation(ctx context.Context, o *model.Observation) ([]int64, error)
	GetObservation(ctx context.Context, id int64) (*model.Observation, error)
	ListPendingObservations(ctx context.Context, filter ObservationFilter) ([]model.Observation, error)
	ExpireObservations(ctx context.Context, asOf time.Time) (int, error)

	// Locks
	UpsertLock(ctx context.Context, l *model.Lock) error
	ReleaseLock(ctx context.Context, ref model.EntityRef, field string, at time.Time) (bool, error)
	FindLock(ctx context.Context, ref model.EntityRef, field string, asOf time.Time) (*model.Lock, error)
	ListLocks(ctx context.Context, ref *model.EntityRef, activeOnly bool) ([]model.Lock, error)

	// Canonical entities
	CreateEntity(ctx context.Context, e *model.Entity) (bool, error)
	GetEntity(ctx context.Context, ref model.EntityRef) (*model.Entity, error)

	// InTx runs fn in one transaction; fn's error rolls it back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Tx is the transactional surface the reconciliation engine decides through.
// Staleness check, canonical write and status transition share one Tx.
type Tx interface {
	canonical.Port

	// LockObservation reads an observation and holds it until the Tx ends.
	LockObservation(ctx context.Context, id int64) (*model.Observation, error)
	TransitionObservation(ctx context.Context, id int64, t model.Transition) error
	SetHoldReason(ctx context.Context, id int64, reason string) error
	FindLock(ctx context.Context, ref model.EntityRef, field string, asOf time.Time) (*model.Lock, error)
}

func defaultLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

func supersededReason(newID int64) string {
	return "superseded by observation " + strconv.FormatInt(newID, 10)
}
