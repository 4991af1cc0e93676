package intake

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/ledger"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/observation"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/reconcile"
)

// BatchLedger is the ledger surface the importer needs.
type BatchLedger interface {
	BeginBatch(ctx context.Context, req ledger.BeginRequest) (*model.Batch, error)
	RecordRow(ctx context.Context, key, rowRef string, outcome model.RowOutcome) error
	CompleteBatch(ctx context.Context, key string, producerErr error) (model.BatchStatus, error)
}

// Proposer stages one row's proposal.
type Proposer interface {
	ProposeBatchRow(ctx context.Context, p observation.Proposal) (int64, bool, error)
}

// Reconciler decides a freshly proposed observation.
type Reconciler interface {
	Reconcile(ctx context.Context, id int64) (*reconcile.Decision, error)
}

// Options configures one import.
type Options struct {
	Source model.SourceKind
	// Key is the batch idempotency key. Empty uses "<source>:<checksum>".
	Key               string
	Aliases           map[string]string
	DefaultConfidence float64
	Read              ReadOptions
	Concurrency       int
	// Reconcile runs the engine on every proposed row.
	Reconcile bool
}

// RowError is one row that could not be proposed.
type RowError struct {
	Row int    `json:"row"`
	Err string `json:"error"`
}

// ImportResult summarizes an import.
type ImportResult struct {
	BatchKey  string                    `json:"batch_key"`
	Checksum  string                    `json:"checksum"`
	Duplicate bool                      `json:"duplicate"`
	Status    model.BatchStatus         `json:"status"`
	Rows      int                       `json:"rows"`
	Proposed  int                       `json:"proposed"`
	Skipped   int                       `json:"skipped"`
	Failed    int                       `json:"failed"`
	Errors    []RowError                `json:"errors,omitempty"`
	Decisions map[reconcile.Outcome]int `json:"decisions,omitempty"`
}

// Importer feeds producer files through the ledger and observation store.
type Importer struct {
	ledger     BatchLedger
	proposer   Proposer
	reconciler Reconciler
	log        *zap.Logger
}

// NewImporter creates an Importer. reconciler may be nil when imports never
// reconcile.
func NewImporter(l BatchLedger, p Proposer, r Reconciler) *Importer {
	return &Importer{
		ledger:     l,
		proposer:   p,
		reconciler: r,
		log:        zap.L().With(zap.String("component", "intake")),
	}
}

// ImportFile reads path and imports it as one batch.
func (im *Importer) ImportFile(ctx context.Context, path string, opts Options) (*ImportResult, error) {
	f, err := ReadFile(path, opts.Read)
	if err != nil {
		return nil, err
	}
	return im.Import(ctx, f, opts)
}

// Import begins a batch for f, proposes every data row and completes the
// batch. A file whose batch already completed is reported as a duplicate and
// not reprocessed.
func (im *Importer) Import(ctx context.Context, f *File, opts Options) (*ImportResult, error) {
	if opts.Reconcile && im.reconciler == nil {
		return nil, eris.New("intake: reconcile requested without a reconciler")
	}
	key := strings.TrimSpace(opts.Key)
	if key == "" {
		key = string(opts.Source) + ":" + f.Checksum
	}
	res := &ImportResult{BatchKey: key, Checksum: f.Checksum}
	log := im.log.With(zap.String("batch_key", key), zap.String("file", filepath.Base(f.Path)))

	batch, err := im.ledger.BeginBatch(ctx, ledger.BeginRequest{
		Key:      key,
		Source:   opts.Source,
		Checksum: f.Checksum,
		Metadata: map[string]any{
			"file":   filepath.Base(f.Path),
			"format": string(f.Format),
			"rows":   max(len(f.Rows)-1, 0),
		},
	})
	if errors.Is(err, ledger.ErrDuplicateBatch) {
		res.Duplicate = true
		res.Status = batch.Status
		log.Info("batch already imported", zap.String("status", string(batch.Status)))
		return res, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "intake: begin batch")
	}

	if len(f.Rows) == 0 {
		return im.complete(ctx, res, eris.New("intake: file has no header row"))
	}
	mapper, err := NewMapper(f.Rows[0], opts.Aliases, opts.DefaultConfidence)
	if err != nil {
		return im.complete(ctx, res, err)
	}

	// Rows for the same entity field run in file order so the last row wins
	// supersession; distinct fields run concurrently.
	var groups [][]mappedRow
	groupIdx := make(map[string]int)
	for i, row := range f.Rows[1:] {
		if isBlank(row) {
			continue
		}
		mr := mappedRow{num: i + 2}
		mr.proposal, mr.err = mapper.Proposal(row, mr.num, opts.Source, batch.Key)
		gk := "row:" + mr.proposal.RowRef
		if mr.err == nil {
			gk = model.FieldKey(mr.proposal.Entity, mr.proposal.Field)
		}
		gi, ok := groupIdx[gk]
		if !ok {
			gi = len(groups)
			groupIdx[gk] = gi
			groups = append(groups, nil)
		}
		groups[gi] = append(groups[gi], mr)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Concurrency, 1))

	for _, group := range groups {
		g.Go(func() error {
			for _, mr := range group {
				if err := im.importRow(gctx, mr, batch.Key, opts, res, &mu); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return im.complete(ctx, res, err)
	}

	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].Row < res.Errors[j].Row })
	return im.complete(ctx, res, nil)
}

type mappedRow struct {
	num      int
	proposal observation.Proposal
	err      error
}

// importRow proposes one row and records its outcome. Only failures that
// should abort the whole batch are returned.
func (im *Importer) importRow(ctx context.Context, mr mappedRow, key string, opts Options, res *ImportResult, mu *sync.Mutex) error {
	var (
		id       int64
		dup      bool
		decision *reconcile.Decision
	)
	rowErr := mr.err
	if rowErr == nil {
		id, dup, rowErr = im.proposer.ProposeBatchRow(ctx, mr.proposal)
	}
	if rowErr != nil && ctx.Err() != nil {
		return rowErr
	}
	if rowErr == nil && !dup && opts.Reconcile {
		d, err := im.reconciler.Reconcile(ctx, id)
		if err != nil {
			// The row is staged; the sweeper decides it later.
			im.log.Warn("reconcile after import failed", zap.Int64("observation_id", id), zap.Error(err))
		}
		decision = d
	}

	mu.Lock()
	res.Rows++
	switch {
	case dup:
		res.Skipped++
	case rowErr != nil:
		res.Failed++
		res.Errors = append(res.Errors, RowError{Row: mr.num, Err: rowErr.Error()})
	default:
		res.Proposed++
		if decision != nil {
			if res.Decisions == nil {
				res.Decisions = make(map[reconcile.Outcome]int)
			}
			res.Decisions[decision.Outcome]++
		}
	}
	mu.Unlock()

	// The ledger counts each row reference once, so resumed imports re-record freely.
	outcome := model.RowSucceeded
	if rowErr != nil {
		outcome = model.RowFailed
	}
	if err := im.ledger.RecordRow(ctx, key, mr.proposal.RowRef, outcome); err != nil {
		return eris.Wrapf(err, "intake: record row %d", mr.num)
	}
	return nil
}

func (im *Importer) complete(ctx context.Context, res *ImportResult, producerErr error) (*ImportResult, error) {
	status, err := im.ledger.CompleteBatch(ctx, res.BatchKey, producerErr)
	if err != nil {
		return res, eris.Wrap(err, "intake: complete batch")
	}
	res.Status = status
	im.log.Info("import complete",
		zap.String("batch_key", res.BatchKey),
		zap.String("status", string(status)),
		zap.Int("rows", res.Rows),
		zap.Int("proposed", res.Proposed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	if producerErr != nil {
		return res, eris.Wrap(producerErr, "intake: import aborted")
	}
	return res, nil
}
