package sqlstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	Name       string
	DriverName string
	// AppendLock runs first in every append transaction and serializes
	// writers before the tail is read.
	AppendLock string
	// LockSuffix is appended to the tail query inside the append transaction.
	LockSuffix string
	schema     string
	rebind     bool
	encodeTime func(time.Time) any
	classify   func(error) errorClass
}

// appendLockKey names the transaction-scoped advisory lock held by writers.
const appendLockKey = "7311843240"

type errorClass int

const (
	classOther errorClass = iota
	classConflict
	classDuplicateLogID
)

var (
	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "pgx",
		AppendLock: "SELECT pg_advisory_xact_lock(" + appendLockKey + ")",
		LockSuffix: " FOR UPDATE",
		schema:     "schema/postgres.sql",
		rebind:     true,
		encodeTime: func(t time.Time) any { return t.UTC() },
		classify:   classifyPostgres,
	}
	SQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite",
		schema:     "schema/sqlite.sql",
		encodeTime: func(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) },
		classify:   classifySQLite,
	}
)

// DialectFor resolves a configured database driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Rebind rewrites ? placeholders to the engine's native form.
func (d Dialect) Rebind(q string) string {
	if !d.rebind {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func classifyPostgres(err error) errorClass {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return classOther
	}
	switch pgErr.Code {
	case "23505":
		if pgErr.ConstraintName == "audit_log_chain_log_id_key" {
			return classDuplicateLogID
		}
		return classConflict
	case "40001", "40P01":
		return classConflict
	}
	return classOther
}

func classifySQLite(err error) errorClass {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: audit_log_chain.log_id"):
		return classDuplicateLogID
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "PRIMARY KEY"),
		strings.Contains(msg, "SQLITE_BUSY"),
		strings.Contains(msg, "database is locked"):
		return classConflict
	}
	return classOther
}

// parseTime accepts the representations the drivers hand back for a
// timestamp column.
func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTimeString(t)
	case []byte:
		return parseTimeString(string(t))
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func parseTimeString(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
