// Package observation stages candidate field changes proposed by producers.
//
// Producers never touch canonical records. They propose observations; a newer
// proposal for the same entity field supersedes any older pending one in the
// same transaction, so at most one observation per field is ever pending.
package observation

import (
	"context"
	"errors"
	"iter"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/canonical"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/metrics"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/store"
)

var (
	// ErrInvalidConfidence is returned when confidence falls outside [0, 1].
	ErrInvalidConfidence = eris.New("observation: confidence must be within [0, 1]")
	// ErrInvalidObservation is returned for malformed proposals.
	ErrInvalidObservation = eris.New("observation: invalid observation")
)

// DefaultPageSize is the keyset page size used by ListPending.
const DefaultPageSize = 200

// ObservationStore is the persistence surface the service needs.
type ObservationStore interface {
	InsertObservation(ctx context.Context, o *model.Observation) ([]int64, error)
	GetObservation(ctx context.Context, id int64) (*model.Observation, error)
	ListPendingObservations(ctx context.Context, filter store.ObservationFilter) ([]model.Observation, error)
	ExpireObservations(ctx context.Context, asOf time.Time) (int, error)
}

// Proposal is a producer's candidate change to one canonical field.
type Proposal struct {
	Entity        model.EntityRef  `json:"entity"`
	Field         string           `json:"field"`
	CurrentValue  *string          `json:"current_value"`
	ProposedValue *string          `json:"proposed_value"`
	Confidence    float64          `json:"confidence"`
	Source        model.SourceKind `json:"source"`
	Reference     string           `json:"reference,omitempty"`
	Reasoning     string           `json:"reasoning,omitempty"`
	BatchKey      string           `json:"batch_key,omitempty"`
	RowRef        string           `json:"row_ref,omitempty"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
}

// Options configures a Service.
type Options struct {
	// DefaultTTL applies when a proposal has no expiry. Zero means no expiry.
	DefaultTTL time.Duration
	// Schema, when set, rejects proposals for fields it does not define.
	Schema   *canonical.Schema
	PageSize int
}

// Service is the Observation Store.
type Service struct {
	store    ObservationStore
	ttl      time.Duration
	schema   *canonical.Schema
	pageSize int
	now      func() time.Time
	log      *zap.Logger
}

// NewService creates a Service.
func NewService(s ObservationStore, opts Options) *Service {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Service{
		store:    s,
		ttl:      opts.DefaultTTL,
		schema:   opts.Schema,
		pageSize: pageSize,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.L().With(zap.String("component", "observation")),
	}
}

// Validate checks a proposal without storing it.
func (s *Service) Validate(p Proposal) error {
	if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
		return eris.Wrapf(ErrInvalidConfidence, "got %v", p.Confidence)
	}
	if err := p.Entity.Validate(); err != nil {
		return eris.Wrapf(ErrInvalidObservation, "%v", err)
	}
	field := strings.TrimSpace(p.Field)
	if field == "" || field == model.WildcardField {
		return eris.Wrapf(ErrInvalidObservation, "invalid field %q", p.Field)
	}
	if !p.Source.Valid() {
		return eris.Wrapf(ErrInvalidObservation, "unknown source %q", p.Source)
	}
	if p.RowRef != "" && p.BatchKey == "" {
		return eris.Wrap(ErrInvalidObservation, "row reference without batch key")
	}
	if err := s.schema.ValidateField(p.Entity.Kind, field); err != nil {
		return eris.Wrapf(ErrInvalidObservation, "%v", err)
	}
	return nil
}

// Propose stages a proposal and returns its observation id. Proposing the same
// batch row twice returns the id of the first proposal.
func (s *Service) Propose(ctx context.Context, p Proposal) (int64, error) {
	id, _, err := s.ProposeBatchRow(ctx, p)
	return id, err
}

// ProposeBatchRow is Propose that also reports whether the batch row had
// already been proposed, so producers resuming a batch do not count it twice.
func (s *Service) ProposeBatchRow(ctx context.Context, p Proposal) (int64, bool, error) {
	if err := s.Validate(p); err != nil {
		return 0, false, err
	}

	now := s.now()
	expiresAt := p.ExpiresAt
	if expiresAt == nil && s.ttl > 0 {
		t := now.Add(s.ttl)
		expiresAt = &t
	}

	o := &model.Observation{
		Entity:        p.Entity,
		Field:         strings.TrimSpace(p.Field),
		CurrentValue:  p.CurrentValue,
		ProposedValue: p.ProposedValue,
		Confidence:    p.Confidence,
		Provenance: model.Provenance{
			Source:    p.Source,
			Reference: p.Reference,
			Reasoning: p.Reasoning,
		},
		BatchKey:  p.BatchKey,
		RowRef:    p.RowRef,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}

	superseded, err := s.store.InsertObservation(ctx, o)
	if errors.Is(err, store.ErrDuplicateObservation) {
		s.log.Debug("duplicate batch row; returning existing observation",
			zap.String("batch_key", p.BatchKey),
			zap.String("row_ref", p.RowRef),
			zap.Int64("observation_id", o.ID),
		)
		return o.ID, true, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "observation: propose %s", model.FieldKey(p.Entity, o.Field))
	}

	metrics.RecordProposed(string(p.Source), len(superseded))
	s.log.Debug("observation proposed",
		zap.Int64("observation_id", o.ID),
		zap.String("entity", p.Entity.String()),
		zap.String("field", o.Field),
		zap.Int64s("superseded", superseded),
	)
	return o.ID, false, nil
}

// Get returns one observation.
func (s *Service) Get(ctx context.Context, id int64) (*model.Observation, error) {
	o, err := s.store.GetObservation(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "observation: get %d", id)
	}
	return o, nil
}

// ListPending yields pending, unexpired observations in creation order,
// optionally for a single entity. Pages are fetched lazily. Each range over
// the sequence starts again from the oldest pending observation.
func (s *Service) ListPending(ctx context.Context, entity *model.EntityRef) iter.Seq2[model.Observation, error] {
	return func(yield func(model.Observation, error) bool) {
		asOf := s.now()
		var after *store.Cursor
		for {
			page, err := s.store.ListPendingObservations(ctx, store.ObservationFilter{
				Entity: entity,
				AsOf:   asOf,
				After:  after,
				Limit:  s.pageSize,
			})
			if err != nil {
				yield(model.Observation{}, eris.Wrap(err, "observation: list pending"))
				return
			}
			for _, o := range page {
				if !yield(o, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			after = &store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}

// MarkExpired transitions every pending observation whose expiry is at or
// before asOf to expired and returns how many moved.
func (s *Service) MarkExpired(ctx context.Context, asOf time.Time) (int, error) {
	n, err := s.store.ExpireObservations(ctx, asOf)
	if err != nil {
		return 0, eris.Wrap(err, "observation: mark expired")
	}
	if n > 0 {
		metrics.RecordExpired(n)
		s.log.Info("observations expired", zap.Int("count", n), zap.Time("as_of", asOf))
	}
	return n, nil
}
