package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
//
// The pool is limited to one connection so every transaction is serialized;
// this is what makes supersession and reconcile decisions atomic on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batches (
	key            TEXT PRIMARY KEY,
	source         TEXT NOT NULL,
	checksum       TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'in_progress',
	rows_seen      INTEGER NOT NULL DEFAULT 0,
	rows_succeeded INTEGER NOT NULL DEFAULT 0,
	rows_failed    INTEGER NOT NULL DEFAULT 0,
	error          TEXT NOT NULL DEFAULT '',
	metadata       TEXT,
	started_at     TEXT NOT NULL,
	completed_at   TEXT
);

CREATE TABLE IF NOT EXISTS batch_rows (
	batch_key   TEXT NOT NULL REFERENCES batches(key),
	row_ref     TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY (batch_key, row_ref)
);

CREATE TABLE IF NOT EXISTS entities (
	kind       TEXT NOT NULL,
	id         INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (kind, id)
);

CREATE TABLE IF NOT EXISTS entity_fields (
	kind        TEXT NOT NULL,
	entity_id   INTEGER NOT NULL,
	field       TEXT NOT NULL,
	value       TEXT,
	version     INTEGER NOT NULL DEFAULT 1,
	modified_by TEXT NOT NULL DEFAULT '',
	modified_at TEXT NOT NULL,
	PRIMARY KEY (kind, entity_id, field),
	FOREIGN KEY (kind, entity_id) REFERENCES entities(kind, id)
);

CREATE TABLE IF NOT EXISTS observations (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_kind     TEXT NOT NULL,
	entity_id       INTEGER NOT NULL,
	field           TEXT NOT NULL,
	current_value   TEXT,
	proposed_value  TEXT,
	confidence      REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
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
	superseded_by   INTEGER,
	created_at      TEXT NOT NULL,
	expires_at      TEXT,
	decided_at      TEXT
);

CREATE TABLE IF NOT EXISTS field_locks (
	entity_kind TEXT NOT NULL,
	entity_id   INTEGER NOT NULL,
	field       TEXT NOT NULL,
	active      INTEGER NOT NULL DEFAULT 1,
	reason      TEXT NOT NULL DEFAULT '',
	until       TEXT,
	locked_by   TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (entity_kind, entity_id, field)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_observations_one_pending ON observations(entity_kind, entity_id, field) WHERE status = 'pending';
CREATE UNIQUE INDEX IF NOT EXISTS idx_observations_batch_row ON observations(batch_key, row_ref) WHERE row_ref <> '';
CREATE INDEX IF NOT EXISTS idx_observations_status_created ON observations(status, created_at, id);
CREATE INDEX IF NOT EXISTS idx_observations_expires ON observations(expires_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&sqliteTx{q: tx})
	})
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// --- Batches ---

const sqliteBatchColumns = `key, source, checksum, status, rows_seen, rows_succeeded, rows_failed, error, metadata, started_at, completed_at`

func (s *SQLiteStore) CreateBatch(ctx context.Context, b *model.Batch) (*model.Batch, bool, error) {
	metaJSON, err := marshalMetadata(b.Metadata)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal batch metadata")
	}
	if b.StartedAt.IsZero() {
		b.StartedAt = time.Now().UTC()
	}
	b.Status = model.BatchInProgress

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (key, source, checksum, status, metadata, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		b.Key, string(b.Source), b.Checksum, string(model.BatchInProgress), metaJSON, toSQLiteTime(b.StartedAt),
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: insert batch %s", b.Key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		existing, err := s.GetBatch(ctx, b.Key)
		return existing, false, err
	}
	created := *b
	return &created, true, nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, key string) (*model.Batch, error) {
	return sqliteGetBatch(ctx, s.db, key)
}

func sqliteGetBatch(ctx context.Context, q sqlQuerier, key string) (*model.Batch, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqliteBatchColumns+` FROM batches WHERE key = ?`, key)
	b, err := scanSQLiteBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "batch %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", key)
	}
	return b, nil
}

// RecordBatchRow counts one row against an in-progress batch. Rows with a
// reference are recorded in batch_rows, so a resubmitted row only moves the
// counters when a failed row later succeeds.
func (s *SQLiteStore) RecordBatchRow(ctx context.Context, key, rowRef string, outcome model.RowOutcome) (RowRecord, error) {
	var rec RowRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := sqliteGetBatch(ctx, tx, key)
		if err != nil {
			return err
		}
		if b.Status.IsTerminal() {
			rec = RowBatchClosed
			return nil
		}

		var prev model.RowOutcome
		if rowRef != "" {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO batch_rows (batch_key, row_ref, outcome, recorded_at)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT(batch_key, row_ref) DO NOTHING`,
				key, rowRef, string(outcome), toSQLiteTime(time.Now().UTC()),
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert batch row %s/%s", key, rowRef)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: rows affected")
			}
			if n == 0 {
				if err := tx.QueryRowContext(ctx,
					`SELECT outcome FROM batch_rows WHERE batch_key = ? AND row_ref = ?`, key, rowRef,
				).Scan(&prev); err != nil {
					return eris.Wrapf(err, "sqlite: get batch row %s/%s", key, rowRef)
				}
			}
		}

		var delta rowCounters
		rec, delta = rowCounterDelta(prev, outcome)
		switch rec {
		case RowAlreadyCounted:
			return nil
		case RowRecounted:
			if _, err := tx.ExecContext(ctx,
				`UPDATE batch_rows SET outcome = ?, recorded_at = ? WHERE batch_key = ? AND row_ref = ?`,
				string(outcome), toSQLiteTime(time.Now().UTC()), key, rowRef,
			); err != nil {
				return eris.Wrapf(err, "sqlite: update batch row %s/%s", key, rowRef)
			}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE batches SET rows_seen = rows_seen + ?,
			        rows_succeeded = rows_succeeded + ?,
			        rows_failed = rows_failed + ?
			 WHERE key = ?`,
			delta.seen, delta.succeeded, delta.failed, key,
		)
		return eris.Wrapf(err, "sqlite: record row for batch %s", key)
	})
	return rec, err
}

func (s *SQLiteStore) FinalizeBatch(ctx context.Context, key string, producerErr string, at time.Time) (*model.Batch, error) {
	var out *model.Batch
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := sqliteGetBatch(ctx, tx, key)
		if err != nil {
			return err
		}
		if b.Status.IsTerminal() {
			out = b
			return nil
		}
		status := model.TerminalStatus(b.RowsSeen, b.RowsFailed, producerErr != "")
		if _, err := tx.ExecContext(ctx,
			`UPDATE batches SET status = ?, error = ?, completed_at = ? WHERE key = ? AND status = ?`,
			string(status), producerErr, toSQLiteTime(at), key, string(model.BatchInProgress),
		); err != nil {
			return eris.Wrapf(err, "sqlite: finalize batch %s", key)
		}
		b.Status = status
		b.Error = producerErr
		completed := at.UTC()
		b.CompletedAt = &completed
		out = b
		return nil
	})
	return out, err
}

func (s *SQLiteStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error) {
	query := `SELECT ` + sqliteBatchColumns + ` FROM batches WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, string(filter.Source))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close()

	var batches []model.Batch
	for rows.Next() {
		b, err := scanSQLiteBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch")
		}
		batches = append(batches, *b)
	}
	return batches, eris.Wrap(rows.Err(), "sqlite: list batches iterate")
}

// --- Observations ---

const sqliteObservationColumns = `id, entity_kind, entity_id, field, current_value, proposed_value, confidence,
	source, reference, reasoning, batch_key, row_ref, status, hold_reason, decision_reason,
	reviewer_id, review_notes, superseded_by, created_at, expires_at, decided_at`

func (s *SQLiteStore) InsertObservation(ctx context.Context, o *model.Observation) ([]int64, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.Status = model.StatusPending

	var superseded []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if o.RowRef != "" {
			var existing int64
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM observations WHERE batch_key = ? AND row_ref = ?`,
				o.BatchKey, o.RowRef,
			).Scan(&existing)
			if err == nil {
				o.ID = existing
				return eris.Wrapf(ErrDuplicateObservation, "batch %s row %s", o.BatchKey, o.RowRef)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return eris.Wrap(err, "sqlite: check duplicate row")
			}
		}

		ids, err := sqlitePendingIDs(ctx, tx, o.Entity, o.Field)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE observations SET status = ?, decided_at = ?, hold_reason = ''
				 WHERE entity_kind = ? AND entity_id = ? AND field = ? AND status = ?`,
				string(model.StatusSuperseded), toSQLiteTime(o.CreatedAt),
				string(o.Entity.Kind), o.Entity.ID, o.Field, string(model.StatusPending),
			); err != nil {
				return eris.Wrap(err, "sqlite: supersede pending observations")
			}
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO observations (entity_kind, entity_id, field, current_value, proposed_value, confidence,
				source, reference, reasoning, batch_key, row_ref, status, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(o.Entity.Kind), o.Entity.ID, o.Field, nullString(o.CurrentValue), nullString(o.ProposedValue), o.Confidence,
			string(o.Provenance.Source), o.Provenance.Reference, o.Provenance.Reasoning, o.BatchKey, o.RowRef,
			string(model.StatusPending), toSQLiteTime(o.CreatedAt), toSQLiteNullTime(o.ExpiresAt),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert observation")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return eris.Wrap(err, "sqlite: last insert id")
		}
		o.ID = id

		for _, old := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE observations SET superseded_by = ?, decision_reason = ? WHERE id = ?`,
				id, supersededReason(id), old,
			); err != nil {
				return eris.Wrapf(err, "sqlite: link superseded observation %d", old)
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

func sqlitePendingIDs(ctx context.Context, q sqlQuerier, ref model.EntityRef, field string) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM observations WHERE entity_kind = ? AND entity_id = ? AND field = ? AND status = ?`,
		string(ref.Kind), ref.ID, field, string(model.StatusPending),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find pending observations")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: pending ids iterate")
}

func (s *SQLiteStore) GetObservation(ctx context.Context, id int64) (*model.Observation, error) {
	return sqliteGetObservation(ctx, s.db, id)
}

func sqliteGetObservation(ctx context.Context, q sqlQuerier, id int64) (*model.Observation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqliteObservationColumns+` FROM observations WHERE id = ?`, id)
	o, err := scanSQLiteObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "observation %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get observation %d", id)
	}
	return o, nil
}

func (s *SQLiteStore) ListPendingObservations(ctx context.Context, filter ObservationFilter) ([]model.Observation, error) {
	query := `SELECT ` + sqliteObservationColumns + ` FROM observations WHERE status = ?`
	args := []any{string(model.StatusPending)}

	if !filter.AsOf.IsZero() {
		query += ` AND (expires_at IS NULL OR expires_at > ?)`
		args = append(args, toSQLiteTime(filter.AsOf))
	}
	if filter.Entity != nil {
		query += ` AND entity_kind = ? AND entity_id = ?`
		args = append(args, string(filter.Entity.Kind), filter.Entity.ID)
	}
	if filter.After != nil {
		at := toSQLiteTime(filter.After.CreatedAt)
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, at, at, filter.After.ID)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending observations")
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		o, err := scanSQLiteObservation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan observation")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list pending iterate")
}

func (s *SQLiteStore) ExpireObservations(ctx context.Context, asOf time.Time) (int, error) {
	at := toSQLiteTime(asOf)
	res, err := s.db.ExecContext(ctx,
		`UPDATE observations SET status = ?, decided_at = ?, hold_reason = '',
		        decision_reason = 'expired: validity window closed at ' || expires_at
		 WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		string(model.StatusExpired), at, string(model.StatusPending), at,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: expire observations")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Locks ---

const sqliteLockColumns = `entity_kind, entity_id, field, active, reason, until, locked_by, created_at, updated_at`

func (s *SQLiteStore) UpsertLock(ctx context.Context, l *model.Lock) error {
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now().UTC()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = l.UpdatedAt
	}
	l.Active = true
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO field_locks (entity_kind, entity_id, field, active, reason, until, locked_by, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_kind, entity_id, field) DO UPDATE SET
			active = 1,
			reason = excluded.reason,
			until = excluded.until,
			locked_by = excluded.locked_by,
			updated_at = excluded.updated_at`,
		string(l.Entity.Kind), l.Entity.ID, l.Field, l.Reason, toSQLiteNullTime(l.Until), l.LockedBy,
		toSQLiteTime(l.CreatedAt), toSQLiteTime(l.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert lock %s", model.FieldKey(l.Entity, l.Field))
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, ref model.EntityRef, field string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE field_locks SET active = 0, updated_at = ?
		 WHERE entity_kind = ? AND entity_id = ? AND field = ? AND active = 1`,
		toSQLiteTime(at), string(ref.Kind), ref.ID, field,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: release lock %s", model.FieldKey(ref, field))
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) FindLock(ctx context.Context, ref model.EntityRef, field string, asOf time.Time) (*model.Lock, error) {
	return sqliteFindLock(ctx, s.db, ref, field, asOf)
}

func sqliteFindLock(ctx context.Context, q sqlQuerier, ref model.EntityRef, field string, asOf time.Time) (*model.Lock, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sqliteLockColumns+` FROM field_locks
		 WHERE entity_kind = ? AND entity_id = ? AND (field = ? OR field = ?)
		   AND active = 1 AND (until IS NULL OR until > ?)
		 ORDER BY CASE WHEN field = ? THEN 0 ELSE 1 END
		 LIMIT 1`,
		string(ref.Kind), ref.ID, field, model.WildcardField, toSQLiteTime(asOf), field,
	)
	l, err := scanSQLiteLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find lock %s", model.FieldKey(ref, field))
	}
	return l, nil
}

func (s *SQLiteStore) ListLocks(ctx context.Context, ref *model.EntityRef, activeOnly bool) ([]model.Lock, error) {
	query := `SELECT ` + sqliteLockColumns + ` FROM field_locks WHERE 1=1`
	var args []any
	if ref != nil {
		query += ` AND entity_kind = ? AND entity_id = ?`
		args = append(args, string(ref.Kind), ref.ID)
	}
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY entity_kind, entity_id, field`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list locks")
	}
	defer rows.Close()

	var locks []model.Lock
	for rows.Next() {
		l, err := scanSQLiteLock(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lock")
		}
		locks = append(locks, *l)
	}
	return locks, eris.Wrap(rows.Err(), "sqlite: list locks iterate")
}

// --- Canonical entities ---

func (s *SQLiteStore) CreateEntity(ctx context.Context, e *model.Entity) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO entities (kind, id, created_at) VALUES (?, ?, ?) ON CONFLICT(kind, id) DO NOTHING`,
			string(e.Ref.Kind), e.Ref.ID, toSQLiteTime(e.CreatedAt),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert entity %s", e.Ref)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		created = n > 0

		for name, fv := range e.Fields {
			modifiedAt := e.CreatedAt
			if fv.ModifiedAt != nil {
				modifiedAt = *fv.ModifiedAt
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entity_fields (kind, entity_id, field, value, version, modified_by, modified_at)
				 VALUES (?, ?, ?, ?, 1, ?, ?)
				 ON CONFLICT(kind, entity_id, field) DO NOTHING`,
				string(e.Ref.Kind), e.Ref.ID, name, nullString(fv.Value), fv.ModifiedBy, toSQLiteTime(modifiedAt),
			); err != nil {
				return eris.Wrapf(err, "sqlite: seed field %s", model.FieldKey(e.Ref, name))
			}
		}
		return nil
	})
	return created, err
}

func (s *SQLiteStore) GetEntity(ctx context.Context, ref model.EntityRef) (*model.Entity, error) {
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM entities WHERE kind = ? AND id = ?`, string(ref.Kind), ref.ID,
	).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrEntityNotFound, "%s", ref)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %s", ref)
	}

	e := &model.Entity{Ref: ref, Fields: make(map[string]model.FieldValue)}
	if e.CreatedAt, err = fromSQLiteTime(createdAt); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value, version, modified_by, modified_at FROM entity_fields
		 WHERE kind = ? AND entity_id = ? ORDER BY field`,
		string(ref.Kind), ref.ID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity fields %s", ref)
	}
	defer rows.Close()

	for rows.Next() {
		fv := model.FieldValue{Entity: ref}
		var value sql.NullString
		var modifiedAt string
		if err := rows.Scan(&fv.Field, &value, &fv.Version, &fv.ModifiedBy, &modifiedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity field")
		}
		fv.Value = fromNullString(value)
		t, err := fromSQLiteTime(modifiedAt)
		if err != nil {
			return nil, err
		}
		fv.ModifiedAt = &t
		e.Fields[fv.Field] = fv
	}
	return e, eris.Wrap(rows.Err(), "sqlite: entity fields iterate")
}

// --- Transaction ---

type sqliteTx struct {
	q sqlQuerier
}

// LockObservation relies on the single-connection pool for exclusion.
func (t *sqliteTx) LockObservation(ctx context.Context, id int64) (*model.Observation, error) {
	return sqliteGetObservation(ctx, t.q, id)
}

func (t *sqliteTx) TransitionObservation(ctx context.Context, id int64, tr model.Transition) error {
	if !model.CanTransition(model.StatusPending, tr.To) {
		return eris.Errorf("sqlite: invalid transition to %s", tr.To)
	}
	res, err := t.q.ExecContext(ctx,
		`UPDATE observations SET status = ?, decision_reason = ?, reviewer_id = ?, review_notes = ?,
		        decided_at = ?, hold_reason = ''
		 WHERE id = ? AND status = ?`,
		string(tr.To), tr.Reason, tr.ReviewerID, tr.ReviewNotes, toSQLiteTime(tr.At),
		id, string(model.StatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition observation %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotPending, "observation %d", id)
	}
	return nil
}

func (t *sqliteTx) SetHoldReason(ctx context.Context, id int64, reason string) error {
	_, err := t.q.ExecContext(ctx,
		`UPDATE observations SET hold_reason = ? WHERE id = ? AND status = ?`,
		reason, id, string(model.StatusPending),
	)
	return eris.Wrapf(err, "sqlite: set hold reason %d", id)
}

func (t *sqliteTx) FindLock(ctx context.Context, ref model.EntityRef, field string, asOf time.Time) (*model.Lock, error) {
	return sqliteFindLock(ctx, t.q, ref, field, asOf)
}

func (t *sqliteTx) GetField(ctx context.Context, ref model.EntityRef, field string) (*model.FieldValue, error) {
	if err := sqliteEntityExists(ctx, t.q, ref); err != nil {
		return nil, err
	}
	fv := &model.FieldValue{Entity: ref, Field: field}
	var value sql.NullString
	var modifiedAt string
	err := t.q.QueryRowContext(ctx,
		`SELECT value, version, modified_by, modified_at FROM entity_fields
		 WHERE kind = ? AND entity_id = ? AND field = ?`,
		string(ref.Kind), ref.ID, field,
	).Scan(&value, &fv.Version, &fv.ModifiedBy, &modifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fv, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get field %s", model.FieldKey(ref, field))
	}
	fv.Value = fromNullString(value)
	at, err := fromSQLiteTime(modifiedAt)
	if err != nil {
		return nil, err
	}
	fv.ModifiedAt = &at
	return fv, nil
}

func (t *sqliteTx) CompareAndSetField(ctx context.Context, w model.FieldWrite) error {
	if err := sqliteEntityExists(ctx, t.q, w.Entity); err != nil {
		return err
	}
	fieldKey := model.FieldKey(w.Entity, w.Field)

	var res sql.Result
	var err error
	if w.ExpectedVersion == 0 {
		res, err = t.q.ExecContext(ctx,
			`INSERT INTO entity_fields (kind, entity_id, field, value, version, modified_by, modified_at)
			 VALUES (?, ?, ?, ?, 1, ?, ?)
			 ON CONFLICT(kind, entity_id, field) DO NOTHING`,
			string(w.Entity.Kind), w.Entity.ID, w.Field, nullString(w.Value), w.ModifiedBy, toSQLiteTime(w.At),
		)
	} else {
		res, err = t.q.ExecContext(ctx,
			`UPDATE entity_fields SET value = ?, version = version + 1, modified_by = ?, modified_at = ?
			 WHERE kind = ? AND entity_id = ? AND field = ? AND version = ?`,
			nullString(w.Value), w.ModifiedBy, toSQLiteTime(w.At),
			string(w.Entity.Kind), w.Entity.ID, w.Field, w.ExpectedVersion,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: compare-and-set %s", fieldKey)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrWriteConflict, "%s expected version %d", fieldKey, w.ExpectedVersion)
	}
	return nil
}

func sqliteEntityExists(ctx context.Context, q sqlQuerier, ref model.EntityRef) error {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM entities WHERE kind = ? AND id = ?`, string(ref.Kind), ref.ID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrEntityNotFound, "%s", ref)
	}
	return eris.Wrapf(err, "sqlite: check entity %s", ref)
}

// --- helpers ---

// sqliteTimeLayout is fixed-width so stored timestamps compare and sort as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func toSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func toSQLiteNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toSQLiteTime(*t)
}

func fromSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func fromSQLiteNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := fromSQLiteTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func marshalMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteBatch(row scannable) (*model.Batch, error) {
	var b model.Batch
	var metadata, completedAt sql.NullString
	var startedAt string
	if err := row.Scan(&b.Key, &b.Source, &b.Checksum, &b.Status, &b.RowsSeen, &b.RowsSucceeded,
		&b.RowsFailed, &b.Error, &metadata, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	var err error
	if b.StartedAt, err = fromSQLiteTime(startedAt); err != nil {
		return nil, err
	}
	if b.CompletedAt, err = fromSQLiteNullTime(completedAt); err != nil {
		return nil, err
	}
	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		if err := json.Unmarshal([]byte(metadata.String), &b.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal batch metadata")
		}
	}
	return &b, nil
}

func scanSQLiteObservation(row scannable) (*model.Observation, error) {
	var o model.Observation
	var current, proposed, createdAt, expiresAt, decidedAt sql.NullString
	var supersededBy sql.NullInt64
	if err := row.Scan(&o.ID, &o.Entity.Kind, &o.Entity.ID, &o.Field, &current, &proposed, &o.Confidence,
		&o.Provenance.Source, &o.Provenance.Reference, &o.Provenance.Reasoning, &o.BatchKey, &o.RowRef,
		&o.Status, &o.HoldReason, &o.DecisionReason, &o.ReviewerID, &o.ReviewNotes, &supersededBy,
		&createdAt, &expiresAt, &decidedAt); err != nil {
		return nil, err
	}
	o.CurrentValue = fromNullString(current)
	o.ProposedValue = fromNullString(proposed)
	if supersededBy.Valid {
		id := supersededBy.Int64
		o.SupersededBy = &id
	}
	var err error
	if o.CreatedAt, err = fromSQLiteTime(createdAt.String); err != nil {
		return nil, err
	}
	if o.ExpiresAt, err = fromSQLiteNullTime(expiresAt); err != nil {
		return nil, err
	}
	if o.DecidedAt, err = fromSQLiteNullTime(decidedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanSQLiteLock(row scannable) (*model.Lock, error) {
	var l model.Lock
	var active int
	var until sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&l.Entity.Kind, &l.Entity.ID, &l.Field, &active, &l.Reason, &until, &l.LockedBy,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	l.Active = active == 1
	var err error
	if l.Until, err = fromSQLiteNullTime(until); err != nil {
		return nil, err
	}
	if l.CreatedAt, err = fromSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if l.UpdatedAt, err = fromSQLiteTime(updatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}
