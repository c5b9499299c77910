// Package sqlstore persists the audit chain in Postgres or SQLite through
// database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/audit"
)

//go:embed schema/*.sql
var schemaFS embed.FS

const DefaultBatchSize = 500

const entryColumns = `sequence_number, log_id, logged_at, action, subject_table, subject_record_id, actor_id, metadata, canon_version, previous_hash, current_hash`

// Store implements audit.Store on a SQL database.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	BatchSize int
}

var _ audit.Store = (*Store)(nil)

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, BatchSize: DefaultBatchSize}
}

// Open connects to driver ("postgres" or "sqlite") and pings it.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%s database url is required", d.Name)
	}
	if d.Name == SQLite.Name && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open(d.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name, err)
	}
	if d.Name == SQLite.Name {
		// one connection serializes writers
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.Name, err)
	}
	return New(db, d), nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) q(query string) string { return s.dialect.Rebind(query) }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the chain table and its append-only triggers. It is
// idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	ddl, err := schemaFS.ReadFile(s.dialect.schema)
	if err != nil {
		return fmt.Errorf("read %s schema: %w", s.dialect.Name, err)
	}
	if _, err := s.db.ExecContext(ctx, string(ddl)); err != nil {
		return fmt.Errorf("apply %s schema: %w", s.dialect.Name, err)
	}
	return nil
}

func (s *Store) AppendNext(ctx context.Context, build audit.BuildFunc) (audit.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return audit.Entry{}, s.classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect.AppendLock != "" {
		if _, err := tx.ExecContext(ctx, s.dialect.AppendLock); err != nil {
			return audit.Entry{}, s.classify(fmt.Errorf("acquire append lock: %w", err))
		}
	}

	lockQ := `
SELECT sequence_number, current_hash, logged_at
FROM audit_log_chain
ORDER BY sequence_number DESC
LIMIT 1` + s.dialect.LockSuffix

	tail := audit.Tail{Empty: true}
	var rawTime any
	err = tx.QueryRowContext(ctx, lockQ).Scan(&tail.Sequence, &tail.Hash, &rawTime)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return audit.Entry{}, s.classify(fmt.Errorf("lock chain tail: %w", err))
	default:
		tail.Empty = false
		if tail.Timestamp, err = parseTime(rawTime); err != nil {
			return audit.Entry{}, fmt.Errorf("lock chain tail: %w", err)
		}
	}

	e, err := build(tail)
	if err != nil {
		return audit.Entry{}, err
	}

	insQ := s.q(`
INSERT INTO audit_log_chain (` + entryColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err = tx.ExecContext(ctx, insQ,
		e.Sequence,
		e.LogID,
		s.dialect.encodeTime(e.Timestamp),
		string(e.Action),
		e.SubjectTable,
		e.SubjectRecordID,
		e.ActorID,
		string(e.Metadata),
		e.CanonVersion,
		e.PreviousHash,
		e.CurrentHash,
	)
	if err != nil {
		return audit.Entry{}, s.classify(fmt.Errorf("insert sequence %d: %w", e.Sequence, err))
	}
	if err := tx.Commit(); err != nil {
		return audit.Entry{}, s.classify(fmt.Errorf("commit sequence %d: %w", e.Sequence, err))
	}
	return e, nil
}

func (s *Store) classify(err error) error {
	switch s.dialect.classify(err) {
	case classConflict:
		return fmt.Errorf("%w: %v", audit.ErrSequenceConflict, err)
	case classDuplicateLogID:
		return fmt.Errorf("%w: %v", audit.ErrInvalidEvent, err)
	default:
		return err
	}
}

// Scan reads [from, to] in keyset batches. Each batch is fully read and its
// rows closed before fn runs, so fn may use the store.
func (s *Store) Scan(ctx context.Context, from, to int64, fn func(audit.Entry) error) error {
	size := s.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	q := s.q(`SELECT ` + entryColumns + `
FROM audit_log_chain
WHERE sequence_number >= ? AND sequence_number <= ?
ORDER BY sequence_number ASC
LIMIT ?`)

	cursor := from
	for cursor <= to {
		batch, err := s.query(ctx, q, cursor, to, size)
		if err != nil {
			return fmt.Errorf("scan from %d: %w", cursor, err)
		}
		for _, e := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(batch) < size {
			return nil
		}
		cursor = batch[len(batch)-1].Sequence + 1
	}
	return nil
}

func (s *Store) Get(ctx context.Context, sequence int64) (audit.Entry, bool, error) {
	return s.one(ctx, `SELECT `+entryColumns+` FROM audit_log_chain WHERE sequence_number = ?`, sequence)
}

func (s *Store) GetByLogID(ctx context.Context, logID string) (audit.Entry, bool, error) {
	return s.one(ctx, `SELECT `+entryColumns+` FROM audit_log_chain WHERE log_id = ?`, logID)
}

func (s *Store) Stats(ctx context.Context) (audit.Stats, error) {
	const q = `
SELECT COUNT(*), COALESCE(MIN(sequence_number), 0), COALESCE(MAX(sequence_number), 0)
FROM audit_log_chain`
	var st audit.Stats
	if err := s.db.QueryRowContext(ctx, q).Scan(&st.Count, &st.MinSequence, &st.MaxSequence); err != nil {
		return audit.Stats{}, fmt.Errorf("chain stats: %w", err)
	}
	return st, nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]audit.Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM audit_log_chain ORDER BY sequence_number DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	out, err := s.query(ctx, s.q(q), args...)
	if err != nil {
		return nil, fmt.Errorf("recent entries: %w", err)
	}
	return out, nil
}

func (s *Store) one(ctx context.Context, q string, arg any) (audit.Entry, bool, error) {
	out, err := s.query(ctx, s.q(q), arg)
	if err != nil {
		return audit.Entry{}, false, err
	}
	if len(out) == 0 {
		return audit.Entry{}, false, nil
	}
	return out[0], true, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]audit.Entry, 0)
	for rows.Next() {
		var (
			e        audit.Entry
			action   string
			metadata string
			rawTime  any
		)
		if err := rows.Scan(
			&e.Sequence,
			&e.LogID,
			&rawTime,
			&action,
			&e.SubjectTable,
			&e.SubjectRecordID,
			&e.ActorID,
			&metadata,
			&e.CanonVersion,
			&e.PreviousHash,
			&e.CurrentHash,
		); err != nil {
			return nil, err
		}
		ts, err := parseTime(rawTime)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", e.Sequence, err)
		}
		e.Timestamp = ts
		e.Action = audit.Action(action)
		e.Metadata = []byte(metadata)
		out = append(out, e)
	}
	return out, rows.Err()
}
