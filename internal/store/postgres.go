package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/db"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS batches (
	key            TEXT PRIMARY KEY,
	source         TEXT NOT NULL,
	checksum       TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'in_progress',
	rows_seen      BIGINT NOT NULL DEFAULT 0,
	rows_succeeded BIGINT NOT NULL DEFAULT 0,
	rows_failed    BIGINT NOT NULL DEFAULT 0,
	error          TEXT NOT NULL DEFAULT '',
	metadata       JSONB,
	started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS batch_rows (
	batch_key   TEXT NOT NULL REFERENCES batches(key),
	row_ref     TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (batch_key, row_ref)
);

CREATE TABLE IF NOT EXISTS entities (
	kind       TEXT NOT NULL,
	id         BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, id)
);

CREATE TABLE IF NOT EXISTS entity_fields (
	kind        TEXT NOT NULL,
	entity_id   BIGINT NOT NULL,
	field       TEXT NOT NULL,
	value       TEXT,
	version     BIGINT NOT NULL DEFAULT 1,
	modified_by TEXT NOT NULL DEFAULT '',
	modified_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, entity_id, field),
	FOREIGN KEY (kind, entity_id) REFERENCES entities(kind, id)
);

CREATE TABLE IF NOT EXISTS observations (
	id              BIGSERIAL PRIMARY KEY,
	entity_kind     TEXT NOT NULL,
	entity_id       BIGINT NOT NULL,
	field           TEXT NOT NULL,
	current_value   TEXT,
	proposed_value  TEXT,
	confidence      DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	source          TEXT NOT NULL,
	reference       TEXT NOT NULL DEFAULT '',
	reasoning       TEXT NOT NULL DEFAULT '',
	batch_key       TEXT NOT NULL DEFAULT '',
	row_ref         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	hold_reason     TEXT NOT NULL DEFAULT '',
	decision_reason TEXT NOT NULL DEFAULT '',
	reviewer_id     TEXT NOT NULL DEFAULT '',
	review_notes    TEXT NOT NULL DEFAULT '',
	superseded_by   BIGINT REFERENCES observations(id),
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at      TIMESTAMPTZ,
	decided_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS field_locks (
	entity_kind TEXT NOT NULL,
	entity_id   BIGINT NOT NULL,
	field       TEXT NOT NULL,
	active      BOOLEAN NOT NULL DEFAULT true,
	reason      TEXT NOT NULL DEFAULT '',
	until       TIMESTAMPTZ,
	locked_by   TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_kind, entity_id, field)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_observations_one_pending ON observations(entity_kind, entity_id, field) WHERE status = 'pending';
CREATE UNIQUE INDEX IF NOT EXISTS idx_observations_batch_row ON observations(batch_key, row_ref) WHERE row_ref <> '';
CREATE INDEX IF NOT EXISTS idx_observations_status_created ON observations(status, created_at, id);
CREATE INDEX IF NOT EXISTS idx_observations_expires ON observations(expires_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&postgresTx{q: tx})
	})
}

// --- Batches ---

const pgBatchColumns = `key, source, checksum, status, rows_seen, rows_succeeded, rows_failed, error, metadata, started_at, completed_at`

func (s *PostgresStore) CreateBatch(ctx context.Context, b *model.Batch) (*model.Batch, bool, error) {
	var metaJSON []byte
	if len(b.Metadata) > 0 {
		var err error
		if metaJSON, err = json.Marshal(b.Metadata); err != nil {
			return nil, false, eris.Wrap(err, "postgres: marshal batch metadata")
		}
	}
	if b.StartedAt.IsZero() {
		b.StartedAt = time.Now().UTC()
	}
	b.Status = model.BatchInProgress

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO batches (key, source, checksum, status, metadata, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key) DO NOTHING`,
		b.Key, string(b.Source), b.Checksum, string(model.BatchInProgress), metaJSON, b.StartedAt,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: insert batch %s", b.Key)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetBatch(ctx, b.Key)
		return existing, false, err
	}
	created := *b
	return &created, true, nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, key string) (*model.Batch, error) {
	return pgGetBatch(ctx, s.pool, key, false)
}

func pgGetBatch(ctx context.Context, q db.Querier, key string, forUpdate bool) (*model.Batch, error) {
	query := `SELECT ` + pgBatchColumns + ` FROM batches WHERE key = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	b, err := scanPgBatch(q.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "batch %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", key)
	}
	return b, nil
}

// RecordBatchRow counts one row against an in-progress batch. The batch row
// is locked for the transaction so concurrent rows of one batch serialize.
func (s *PostgresStore) RecordBatchRow(ctx context.Context, key, rowRef string, outcome model.RowOutcome) (RowRecord, error) {
	var rec RowRecord
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := pgGetBatch(ctx, tx, key, true)
		if err != nil {
			return err
		}
		if b.Status.IsTerminal() {
			rec = RowBatchClosed
			return nil
		}

		var prev model.RowOutcome
		if rowRef != "" {
			tag, err := tx.Exec(ctx,
				`INSERT INTO batch_rows (batch_key, row_ref, outcome, recorded_at)
				 VALUES ($1, $2, $3, now())
				 ON CONFLICT (batch_key, row_ref) DO NOTHING`,
				key, rowRef, string(outcome),
			)
			if err != nil {
				return eris.Wrapf(err, "postgres: insert batch row %s/%s", key, rowRef)
			}
			if tag.RowsAffected() == 0 {
				var p string
				if err := tx.QueryRow(ctx,
					`SELECT outcome FROM batch_rows WHERE batch_key = $1 AND row_ref = $2`, key, rowRef,
				).Scan(&p); err != nil {
					return eris.Wrapf(err, "postgres: get batch row %s/%s", key, rowRef)
				}
				prev = model.RowOutcome(p)
			}
		}

		var delta rowCounters
		rec, delta = rowCounterDelta(prev, outcome)
		switch rec {
		case RowAlreadyCounted:
			return nil
		case RowRecounted:
			if _, err := tx.Exec(ctx,
				`UPDATE batch_rows SET outcome = $1, recorded_at = now() WHERE batch_key = $2 AND row_ref = $3`,
				string(outcome), key, rowRef,
			); err != nil {
				return eris.Wrapf(err, "postgres: update batch row %s/%s", key, rowRef)
			}
		}
		_, err = tx.Exec(ctx,
			`UPDATE batches SET rows_seen = rows_seen + $1,
			        rows_succeeded = rows_succeeded + $2,
			        rows_failed = rows_failed + $3
			 WHERE key = $4`,
			delta.seen, delta.succeeded, delta.failed, key,
		)
		return eris.Wrapf(err, "postgres: record row for batch %s", key)
	})
	return rec, err
}

func (s *PostgresStore) FinalizeBatch(ctx context.Context, key string, producerErr string, at time.Time) (*model.Batch, error) {
	var out *model.Batch
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := pgGetBatch(ctx, tx, key, true)
		if err != nil {
			return err
		}
		if b.Status.IsTerminal() {
			out = b
			return nil
		}
		status := model.TerminalStatus(b.RowsSeen, b.RowsFailed, producerErr != "")
		completed := at.UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE batches SET status = $1, error = $2, completed_at = $3 WHERE key = $4 AND status = $5`,
			string(status), producerErr, completed, key, string(model.BatchInProgress),
		); err != nil {
			return eris.Wrapf(err, "postgres: finalize batch %s", key)
		}
		b.Status = status
		b.Error = producerErr
		b.CompletedAt = &completed
		out = b
		return nil
	})
	return out, err
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error) {
	query := `SELECT ` + pgBatchColumns + ` FROM batches WHERE ($1 = '' OR status = $1) AND ($2 = '' OR source = $2)
		ORDER BY started_at DESC LIMIT $3`
	rows, err := s.pool.Query(ctx, query, string(filter.Status), string(filter.Source), defaultLimit(filter.Limit, 100))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var batches []model.Batch
	for rows.Next() {
		b, err := scanPgBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		batches = append(batches, *b)
	}
	return batches, eris.Wrap(rows.Err(), "postgres: list batches iterate")
}

// --- Observations ---

const pgObservationColumns = `id, entity_kind, entity_id, field, current_value, proposed_value, confidence,
	source, reference, reasoning, batch_key, row_ref, status, hold_reason, decision_reason,
	reviewer_id, review_notes, superseded_by, created_at, expires_at, decided_at`

func (s *PostgresStore) InsertObservation(ctx context.Context, o *model.Observation) ([]int64, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.Status = model.StatusPending
	fieldKey := model.FieldKey(o.Entity, o.Field)

	var superseded []int64
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		// Serializes proposals for the same entity field across connections.
		if err := db.AdvisoryXactLock(ctx, tx, fieldKey); err != nil {
			return err
		}

		if o.RowRef != "" {
			var existing int64
			err := tx.QueryRow(ctx,
				`SELECT id FROM observations WHERE batch_key = $1 AND row_ref = $2`,
				o.BatchKey, o.RowRef,
			).Scan(&existing)
			if err == nil {
				o.ID = existing
				return eris.Wrapf(ErrDuplicateObservation, "batch %s row %s", o.BatchKey, o.RowRef)
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrap(err, "postgres: check duplicate row")
			}
		}

		rows, err := tx.Query(ctx,
			`UPDATE observations SET status = $1, decided_at = $2, hold_reason = ''
			 WHERE entity_kind = $3 AND entity_id = $4 AND field = $5 AND status = $6
			 RETURNING id`,
			string(model.StatusSuperseded), o.CreatedAt,
			string(o.Entity.Kind), o.Entity.ID, o.Field, string(model.StatusPending),
		)
		if err != nil {
			return eris.Wrap(err, "postgres: supersede pending observations")
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return eris.Wrap(err, "postgres: collect superseded ids")
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO observations (entity_kind, entity_id, field, current_value, proposed_value, confidence,
				source, reference, reasoning, batch_key, row_ref, status, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 RETURNING id`,
			string(o.Entity.Kind), o.Entity.ID, o.Field, o.CurrentValue, o.ProposedValue, o.Confidence,
			string(o.Provenance.Source), o.Provenance.Reference, o.Provenance.Reasoning, o.BatchKey, o.RowRef,
			string(model.StatusPending), o.CreatedAt, o.ExpiresAt,
		).Scan(&o.ID)
		if err != nil {
			return eris.Wrap(err, "postgres: insert observation")
		}

		for _, old := range ids {
			if _, err := tx.Exec(ctx,
				`UPDATE observations SET superseded_by = $1, decision_reason = $2 WHERE id = $3`,
				o.ID, supersededReason(o.ID), old,
			); err != nil {
				return eris.Wrapf(err, "postgres: link superseded observation %d", old)
			}
		}
		superseded = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return superseded, nil
}

func (s *PostgresStore) GetObservation(ctx context.Context, id int64) (*model.Observation, error) {
	return pgGetObservation(ctx, s.pool, id, false)
}

func pgGetObservation(ctx context.Context, q db.Querier, id int64, forUpdate bool) (*model.Observation, error) {
	query := `SELECT ` + pgObservationColumns + ` FROM observations WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	o, err := scanPgObservation(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "observation %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get observation %d", id)
	}
	return o, nil
}

func (s *PostgresStore) ListPendingObservations(ctx context.Context, filter ObservationFilter) ([]model.Observation, error) {
	query := `SELECT ` + pgObservationColumns + ` FROM observations WHERE status = $1`
	args := []any{string(model.StatusPending)}
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if !filter.AsOf.IsZero() {
		query += ` AND (expires_at IS NULL OR expires_at > ` + next(filter.AsOf) + `)`
	}
	if filter.Entity != nil {
		query += ` AND entity_kind = ` + next(string(filter.Entity.Kind)) + ` AND entity_id = ` + next(filter.Entity.ID)
	}
	if filter.After != nil {
		query += ` AND (created_at, id) > (` + next(filter.After.CreatedAt) + `, ` + next(filter.After.ID) + `)`
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ` + next(defaultLimit(filter.Limit, 100))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending observations")
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		o, err := scanPgObservation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan observation")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list pending iterate")
}

func (s *PostgresStore) ExpireObservations(ctx context.Context, asOf time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE observations SET status = $1, decided_at = $2, hold_reason = '',
		        decision_reason = 'expired: validity window closed at ' || to_char(expires_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"')
		 WHERE status = $3 AND expires_at IS NOT NULL AND expires_at <= $2`,
		string(model.StatusExpired), asOf, string(model.StatusPending),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: expire observations")
	}
	return int(tag.RowsAffected()), nil
}

// --- Locks ---

const pgLockColumns = `entity_kind, entity_id, field, active, reason, until, locked_by, created_at, updated_at`

func (s *PostgresStore) UpsertLock(ctx context.Context, l *model.Lock) error {
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now().UTC()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = l.UpdatedAt
	}
	l.Active = true
	_, err := s.pool.Exec(ctx,
		`INSERT INTO field_locks (entity_kind, entity_id, field, active, reason, until, locked_by, created_at, updated_at)
		 VALUES ($1, $2, $3, true, $4, $5, $6, $7, $8)
		 ON CONFLICT (entity_kind, entity_id, field) DO UPDATE SET
			active = true,
			reason = EXCLUDED.reason,
			until = EXCLUDED.until,
			locked_by = EXCLUDED.locked_by,
			updated_at = EXCLUDED.updated_at`,
		string(l.Entity.Kind), l.Entity.ID, l.Field, l.Reason, l.Until, l.LockedBy, l.CreatedAt, l.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert lock %s", model.FieldKey(l.Entity, l.Field))
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, ref model.EntityRef, field string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE field_locks SET active = false, updated_at = $1
		 WHERE entity_kind = $2 AND entity_id = $3 AND field = $4 AND active`,
		at, string(ref.Kind), ref.ID, field,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: release lock %s", model.FieldKey(ref, field))
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FindLock(ctx context.Context, ref model.EntityRef, field string, asOf time.Time) (*model.Lock, error) {
	return pgFindLock(ctx, s.pool, ref, field, asOf)
}

func pgFindLock(ctx context.Context, q db.Querier, ref model.EntityRef, field string, asOf time.Time) (*model.Lock, error) {
	l, err := scanPgLock(q.QueryRow(ctx,
		`SELECT `+pgLockColumns+` FROM field_locks
		 WHERE entity_kind = $1 AND entity_id = $2 AND (field = $3 OR field = $4)
		   AND active AND (until IS NULL OR until > $5)
		 ORDER BY (field = $3) DESC
		 LIMIT 1`,
		string(ref.Kind), ref.ID, field, model.WildcardField, asOf,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find lock %s", model.FieldKey(ref, field))
	}
	return l, nil
}

func (s *PostgresStore) ListLocks(ctx context.Context, ref *model.EntityRef, activeOnly bool) ([]model.Lock, error) {
	var kind string
	var id int64
	if ref != nil {
		kind, id = string(ref.Kind), ref.ID
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgLockColumns+` FROM field_locks
		 WHERE ($1 = '' OR (entity_kind = $1 AND entity_id = $2)) AND (NOT $3 OR active)
		 ORDER BY entity_kind, entity_id, field`,
		kind, id, activeOnly,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list locks")
	}
	defer rows.Close()

	var locks []model.Lock
	for rows.Next() {
		l, err := scanPgLock(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lock")
		}
		locks = append(locks, *l)
	}
	return locks, eris.Wrap(rows.Err(), "postgres: list locks iterate")
}

// --- Canonical entities ---

func (s *PostgresStore) CreateEntity(ctx context.Context, e *model.Entity) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var created bool
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO entities (kind, id, created_at) VALUES ($1, $2, $3) ON CONFLICT (kind, id) DO NOTHING`,
			string(e.Ref.Kind), e.Ref.ID, e.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert entity %s", e.Ref)
		}
		created = tag.RowsAffected() > 0

		for name, fv := range e.Fields {
			modifiedAt := e.CreatedAt
			if fv.ModifiedAt != nil {
				modifiedAt = *fv.ModifiedAt
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO entity_fields (kind, entity_id, field, value, version, modified_by, modified_at)
				 VALUES ($1, $2, $3, $4, 1, $5, $6)
				 ON CONFLICT (kind, entity_id, field) DO NOTHING`,
				string(e.Ref.Kind), e.Ref.ID, name, fv.Value, fv.ModifiedBy, modifiedAt,
			); err != nil {
				return eris.Wrapf(err, "postgres: seed field %s", model.FieldKey(e.Ref, name))
			}
		}
		return nil
	})
	return created, err
}

func (s *PostgresStore) GetEntity(ctx context.Context, ref model.EntityRef) (*model.Entity, error) {
	e := &model.Entity{Ref: ref, Fields: make(map[string]model.FieldValue)}
	err := s.pool.QueryRow(ctx,
		`SELECT created_at FROM entities WHERE kind = $1 AND id = $2`, string(ref.Kind), ref.ID,
	).Scan(&e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrEntityNotFound, "%s", ref)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entity %s", ref)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT field, value, version, modified_by, modified_at FROM entity_fields
		 WHERE kind = $1 AND entity_id = $2 ORDER BY field`,
		string(ref.Kind), ref.ID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entity fields %s", ref)
	}
	defer rows.Close()

	for rows.Next() {
		fv := model.FieldValue{Entity: ref}
		var modifiedAt time.Time
		if err := rows.Scan(&fv.Field, &fv.Value, &fv.Version, &fv.ModifiedBy, &modifiedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity field")
		}
		fv.ModifiedAt = &modifiedAt
		e.Fields[fv.Field] = fv
	}
	return e, eris.Wrap(rows.Err(), "postgres: entity fields iterate")
}

// --- Transaction ---

type postgresTx struct {
	q db.Querier
}

func (t *postgresTx) LockObservation(ctx context.Context, id int64) (*model.Observation, error) {
	return pgGetObservation(ctx, t.q, id, true)
}

func (t *postgresTx) TransitionObservation(ctx context.Context, id int64, tr model.Transition) error {
	if !model.CanTransition(model.StatusPending, tr.To) {
		return eris.Errorf("postgres: invalid transition to %s", tr.To)
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE observations SET status = $1, decision_reason = $2, reviewer_id = $3, review_notes = $4,
		        decided_at = $5, hold_reason = ''
		 WHERE id = $6 AND status = $7`,
		string(tr.To), tr.Reason, tr.ReviewerID, tr.ReviewNotes, tr.At, id, string(model.StatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition observation %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotPending, "observation %d", id)
	}
	return nil
}

func (t *postgresTx) SetHoldReason(ctx context.Context, id int64, reason string) error {
	_, err := t.q.Exec(ctx,
		`UPDATE observations SET hold_reason = $1 WHERE id = $2 AND status = $3`,
		reason, id, string(model.StatusPending),
	)
	return eris.Wrapf(err, "postgres: set hold reason %d", id)
}

func (t *postgresTx) FindLock(ctx context.Context, ref model.EntityRef, field string, asOf time.Time) (*model.Lock, error) {
	return pgFindLock(ctx, t.q, ref, field, asOf)
}

func (t *postgresTx) GetField(ctx context.Context, ref model.EntityRef, field string) (*model.FieldValue, error) {
	if err := pgEntityExists(ctx, t.q, ref); err != nil {
		return nil, err
	}
	fv := &model.FieldValue{Entity: ref, Field: field}
	var modifiedAt time.Time
	err := t.q.QueryRow(ctx,
		`SELECT value, version, modified_by, modified_at FROM entity_fields
		 WHERE kind = $1 AND entity_id = $2 AND field = $3`,
		string(ref.Kind), ref.ID, field,
	).Scan(&fv.Value, &fv.Version, &fv.ModifiedBy, &modifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fv, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get field %s", model.FieldKey(ref, field))
	}
	fv.ModifiedAt = &modifiedAt
	return fv, nil
}

func (t *postgresTx) CompareAndSetField(ctx context.Context, w model.FieldWrite) error {
	if err := pgEntityExists(ctx, t.q, w.Entity); err != nil {
		return err
	}
	fieldKey := model.FieldKey(w.Entity, w.Field)

	var query string
	var args []any
	if w.ExpectedVersion == 0 {
		query = `INSERT INTO entity_fields (kind, entity_id, field, value, version, modified_by, modified_at)
			 VALUES ($1, $2, $3, $4, 1, $5, $6)
			 ON CONFLICT (kind, entity_id, field) DO NOTHING`
		args = []any{string(w.Entity.Kind), w.Entity.ID, w.Field, w.Value, w.ModifiedBy, w.At}
	} else {
		query = `UPDATE entity_fields SET value = $1, version = version + 1, modified_by = $2, modified_at = $3
			 WHERE kind = $4 AND entity_id = $5 AND field = $6 AND version = $7`
		args = []any{w.Value, w.ModifiedBy, w.At, string(w.Entity.Kind), w.Entity.ID, w.Field, w.ExpectedVersion}
	}
	tag, err := t.q.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: compare-and-set %s", fieldKey)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrWriteConflict, "%s expected version %d", fieldKey, w.ExpectedVersion)
	}
	return nil
}

func pgEntityExists(ctx context.Context, q db.Querier, ref model.EntityRef) error {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM entities WHERE kind = $1 AND id = $2)`, string(ref.Kind), ref.ID,
	).Scan(&exists)
	if err != nil {
		return eris.Wrapf(err, "postgres: check entity %s", ref)
	}
	if !exists {
		return eris.Wrapf(ErrEntityNotFound, "%s", ref)
	}
	return nil
}

// --- scanning ---

func scanPgBatch(row pgx.Row) (*model.Batch, error) {
	var b model.Batch
	var source, status string
	var metadata []byte
	if err := row.Scan(&b.Key, &source, &b.Checksum, &status, &b.RowsSeen, &b.RowsSucceeded,
		&b.RowsFailed, &b.Error, &metadata, &b.StartedAt, &b.CompletedAt); err != nil {
		return nil, err
	}
	b.Source = model.SourceKind(source)
	b.Status = model.BatchStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &b.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal batch metadata")
		}
	}
	return &b, nil
}

func scanPgObservation(row pgx.Row) (*model.Observation, error) {
	var o model.Observation
	var kind, source, status string
	if err := row.Scan(&o.ID, &kind, &o.Entity.ID, &o.Field, &o.CurrentValue, &o.ProposedValue, &o.Confidence,
		&source, &o.Provenance.Reference, &o.Provenance.Reasoning, &o.BatchKey, &o.RowRef,
		&status, &o.HoldReason, &o.DecisionReason, &o.ReviewerID, &o.ReviewNotes, &o.SupersededBy,
		&o.CreatedAt, &o.ExpiresAt, &o.DecidedAt); err != nil {
		return nil, err
	}
	o.Entity.Kind = model.EntityKind(kind)
	o.Provenance.Source = model.SourceKind(source)
	o.Status = model.Status(status)
	return &o, nil
}

func scanPgLock(row pgx.Row) (*model.Lock, error) {
	var l model.Lock
	var kind string
	if err := row.Scan(&kind, &l.Entity.ID, &l.Field, &l.Active, &l.Reason, &l.Until, &l.LockedBy,
		&l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.Entity.Kind = model.EntityKind(kind)
	return &l, nil
}
