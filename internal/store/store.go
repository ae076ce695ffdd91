// Package store is the durable persistence layer: merchants, sessions and
// webhook logs in a relational database. The default deployment runs on a
// single sqlite file in DATA_DIR (WAL, single writer); setting DATABASE_URL
// switches the same schema and queries to Postgres.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"    // Postgres driver
	_ "modernc.org/sqlite"   // pure-Go sqlite driver
)

// Dialect selects placeholder style and locking syntax.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Store owns the database handle. All multi-row mutations go through
// WithTx; writes are durable once the transaction commits.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open connects to Postgres when databaseURL is non-empty, otherwise to
// sqlite at dataDir/kasgate.db, and runs pending migrations.
func Open(ctx context.Context, dataDir, databaseURL string) (*Store, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)

	if databaseURL != "" {
		db, err = sql.Open("postgres", databaseURL)
		dialect = DialectPostgres
	} else {
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
			filepath.Join(dataDir, "kasgate.db"))
		db, err = sql.Open("sqlite", dsn)
		dialect = DialectSQLite
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialect == DialectSQLite {
		// The sqlite file is single-writer; serializing through one
		// connection avoids SQLITE_BUSY churn under concurrent workers.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		logger:  slog.With("component", "store"),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Tx is a transaction handle carrying the store's dialect so query helpers
// can rebind placeholders.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// WithTx runs fn atomically: commit on nil, rollback on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(&Tx{tx: tx, dialect: s.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// rebind converts ?-style placeholders to $N for Postgres. Queries in this
// package are written with ? and rebound at execution time.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
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

func (t *Tx) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, rebind(t.dialect, query), args...)
}

func (t *Tx) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.dialect, query), args...)
}

func (t *Tx) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, rebind(t.dialect, query), args...)
}

// ---- time column helpers ----
// Timestamps are stored as unix milliseconds (INTEGER) for portability
// between sqlite and Postgres.

func nowMillis() int64 { return time.Now().UnixMilli() }

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func toNullMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}
