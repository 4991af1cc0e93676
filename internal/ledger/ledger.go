// Package ledger records ingestion batches so that producers are idempotent.
//
// A batch key that already reached a terminal status is never reprocessed:
// BeginBatch hands back the existing record together with ErrDuplicateBatch.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/metrics"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/store"
)

var (
	// ErrDuplicateBatch is returned with the existing batch when its key already completed.
	ErrDuplicateBatch = eris.New("ledger: duplicate batch")
	// ErrChecksumMismatch is returned when an in-progress key is resumed with different content.
	ErrChecksumMismatch = eris.New("ledger: checksum mismatch")
	// ErrInvalidBatch is returned for malformed begin requests.
	ErrInvalidBatch = eris.New("ledger: invalid batch")
)

// BatchStore is the persistence surface the ledger needs.
type BatchStore interface {
	CreateBatch(ctx context.Context, b *model.Batch) (*model.Batch, bool, error)
	GetBatch(ctx context.Context, key string) (*model.Batch, error)
	RecordBatchRow(ctx context.Context, key, rowRef string, outcome model.RowOutcome) (store.RowRecord, error)
	FinalizeBatch(ctx context.Context, key string, producerErr string, at time.Time) (*model.Batch, error)
	ListBatches(ctx context.Context, filter store.BatchFilter) ([]model.Batch, error)
}

// BeginRequest describes a batch a producer is about to submit.
type BeginRequest struct {
	Key      string           `json:"key"`
	Source   model.SourceKind `json:"source"`
	Checksum string           `json:"checksum,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// Ledger is the ingestion ledger.
type Ledger struct {
	store BatchStore
	now   func() time.Time
	log   *zap.Logger
}

// New creates a Ledger over the given store.
func New(s BatchStore) *Ledger {
	return &Ledger{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "ledger")),
	}
}

// BeginBatch starts or resumes the batch identified by req.Key.
func (l *Ledger) BeginBatch(ctx context.Context, req BeginRequest) (*model.Batch, error) {
	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		return nil, eris.Wrap(ErrInvalidBatch, "empty batch key")
	}
	if !req.Source.Valid() {
		return nil, eris.Wrapf(ErrInvalidBatch, "unknown source %q", req.Source)
	}

	b, created, err := l.store.CreateBatch(ctx, &model.Batch{
		Key:       req.Key,
		Source:    req.Source,
		Checksum:  req.Checksum,
		Metadata:  req.Metadata,
		StartedAt: l.now(),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: begin batch %s", req.Key)
	}
	if created {
		metrics.RecordBatchStarted(string(req.Source))
		l.log.Info("batch started", zap.String("batch_key", b.Key), zap.String("source", string(b.Source)))
		return b, nil
	}

	if b.Status.IsTerminal() {
		l.log.Info("batch already processed",
			zap.String("batch_key", b.Key),
			zap.String("status", string(b.Status)),
		)
		return b, eris.Wrapf(ErrDuplicateBatch, "batch %s is %s", b.Key, b.Status)
	}
	if req.Checksum != "" && b.Checksum != "" && req.Checksum != b.Checksum {
		return b, eris.Wrapf(ErrChecksumMismatch, "batch %s: have %s, got %s", b.Key, b.Checksum, req.Checksum)
	}
	l.log.Info("batch resumed", zap.String("batch_key", b.Key), zap.Int64("rows_seen", b.RowsSeen))
	return b, nil
}

// RecordRow counts one row against an in-progress batch. A row is counted
// once per (batch, rowRef); resubmitting it leaves the counters alone unless
// a failed row now succeeds. Rows arriving after the batch completed are
// dropped with a warning; they never fail the batch.
func (l *Ledger) RecordRow(ctx context.Context, key, rowRef string, outcome model.RowOutcome) error {
	if outcome != model.RowSucceeded && outcome != model.RowFailed {
		return eris.Wrapf(ErrInvalidBatch, "unknown row outcome %q", outcome)
	}
	rec, err := l.store.RecordBatchRow(ctx, key, rowRef, outcome)
	if err != nil {
		return eris.Wrapf(err, "ledger: record row for %s", key)
	}
	switch rec {
	case store.RowBatchClosed:
		l.log.Warn("row recorded after batch completed; ignoring", zap.String("batch_key", key), zap.String("row_ref", rowRef))
	case store.RowAlreadyCounted:
		l.log.Debug("row already counted", zap.String("batch_key", key), zap.String("row_ref", rowRef))
	default:
		metrics.RecordBatchRow(string(outcome))
	}
	return nil
}

// CompleteBatch moves the batch to its terminal status and returns it. Calling
// it again returns the already-terminal status unchanged.
func (l *Ledger) CompleteBatch(ctx context.Context, key string, producerErr error) (model.BatchStatus, error) {
	var msg string
	if producerErr != nil {
		msg = producerErr.Error()
	}
	before, err := l.store.GetBatch(ctx, key)
	if err != nil {
		return "", eris.Wrapf(err, "ledger: complete batch %s", key)
	}

	b, err := l.store.FinalizeBatch(ctx, key, msg, l.now())
	if err != nil {
		return "", eris.Wrapf(err, "ledger: complete batch %s", key)
	}
	if !before.Status.IsTerminal() {
		metrics.RecordBatchCompleted(string(b.Source), string(b.Status))
		l.log.Info("batch completed",
			zap.String("batch_key", key),
			zap.String("status", string(b.Status)),
			zap.Int64("rows_seen", b.RowsSeen),
			zap.Int64("rows_failed", b.RowsFailed),
		)
	}
	return b.Status, nil
}

// Get returns the batch for key.
func (l *Ledger) Get(ctx context.Context, key string) (*model.Batch, error) {
	b, err := l.store.GetBatch(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: get batch %s", key)
	}
	return b, nil
}

// List returns batches matching the filter, newest first.
func (l *Ledger) List(ctx context.Context, filter store.BatchFilter) ([]model.Batch, error) {
	batches, err := l.store.ListBatches(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list batches")
	}
	return batches, nil
}
