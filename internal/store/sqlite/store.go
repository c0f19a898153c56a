// Package sqlite is the default journal engine, an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/listenupapp/fsjournal/internal/domain"
	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
	"github.com/listenupapp/fsjournal/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const (
	metaLastSequence  = "last_sequence"
	metaSchemaVersion = "schema_version"

	busyTimeout = 5 * time.Second
)

// Store is a SQLite-backed store.EventLog.
type Store struct {
	db       *sql.DB
	logger   *slog.Logger
	path     string
	readOnly bool

	closeOnce sync.Once
	closeErr  error
}

var _ store.EventLog = (*Store)(nil)

// Open opens or creates the journal at path. It enables WAL, applies the
// schema and runs a quick integrity check. Every failure here is fatal.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	return open(ctx, path, logger, false)
}

// OpenReadOnly opens an existing journal for queries.
func OpenReadOnly(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, domainerrors.Validationf("cannot open journal %s", path).WithCause(err)
	}
	return open(ctx, path, logger, true)
}

func dsn(path string, readOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	if readOnly {
		q.Add("_pragma", "query_only(1)")
	} else {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(FULL)")
		q.Set("_txlock", "immediate")
	}
	return path + "?" + q.Encode()
}

func open(ctx context.Context, path string, logger *slog.Logger, readOnly bool) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path, readOnly))
	if err != nil {
		return nil, domainerrors.PersistenceFatalf("open journal %s", path).WithCause(err)
	}

	// One writer; the extra connections serve readers.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, logger: logger, path: path, readOnly: readOnly}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, domainerrors.PersistenceFatalf("open journal %s", path).WithCause(err)
	}

	logger.Info("journal opened", "path", path, "engine", store.EngineSQLite, "read_only", readOnly)
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	var check string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&check); err != nil {
		return fmt.Errorf("quick check: %w", err)
	}
	if check != "ok" {
		return fmt.Errorf("integrity check failed: %s", check)
	}

	if !s.readOnly {
		if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO journal_meta (key, value) VALUES (?, ?)`,
			metaSchemaVersion, store.SchemaVersion,
		); err != nil {
			return fmt.Errorf("write schema version: %w", err)
		}
	}

	var version string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM journal_meta WHERE key = ?`, metaSchemaVersion,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != store.SchemaVersion {
		return fmt.Errorf("unsupported schema version %q", version)
	}
	return nil
}

// Close checkpoints the WAL into the main file and closes the database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if !s.readOnly {
			if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				s.logger.Warn("wal checkpoint failed", "error", err)
			}
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Artifacts returns the database file. Its -wal, -shm and -journal
// companions are covered by the family match.
func (s *Store) Artifacts() []domain.Artifact {
	return []domain.Artifact{{Path: s.path, Kind: domain.ArtifactFamily}}
}

// isTransient reports SQLite result codes that can clear on their own.
func isTransient(err error) bool {
	var sqliteErr *sqlitedriver.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_FULL,
		sqlite3.SQLITE_IOERR, sqlite3.SQLITE_PROTOCOL:
		return true
	default:
		return false
	}
}

func classify(err error, msg string) error {
	return store.Classify(err, isTransient, msg)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func formatSequence(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}
