// Package kv is the Badger journal engine. The journal lives in a
// directory rather than a single file.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/listenupapp/fsjournal/internal/domain"
	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
	"github.com/listenupapp/fsjournal/internal/store"
)

// Store is a Badger-backed store.EventLog.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	dir    string

	closeOnce sync.Once
	closeErr  error
}

var _ store.EventLog = (*Store)(nil)

// Open opens or creates the journal directory.
func Open(ctx context.Context, dir string, logger *slog.Logger) (*Store, error) {
	return open(ctx, dir, logger, false)
}

// OpenReadOnly opens an existing journal for queries. Badger holds a
// directory lock, so this fails while a journal process is running.
func OpenReadOnly(ctx context.Context, dir string, logger *slog.Logger) (*Store, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, domainerrors.Validationf("cannot open journal %s", dir).WithCause(err)
	}
	return open(ctx, dir, logger, true)
}

func open(ctx context.Context, dir string, logger *slog.Logger, readOnly bool) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil            // Disable Badger's internal logging
	opts.SyncWrites = true       // A commit is durable when Update returns
	opts.CompactL0OnClose = true // Compact L0 tables on close for faster startup
	opts.ReadOnly = readOnly

	db, err := badger.Open(opts)
	if err != nil {
		return nil, domainerrors.PersistenceFatalf("open journal %s", dir).WithCause(err)
	}

	s := &Store{db: db, logger: logger, dir: dir}
	if err := s.init(ctx, readOnly); err != nil {
		db.Close()
		return nil, domainerrors.PersistenceFatalf("open journal %s", dir).WithCause(err)
	}

	logger.Info("journal opened", "path", dir, "engine", store.EngineBadger, "read_only", readOnly)
	return s, nil
}

func (s *Store) init(_ context.Context, readOnly bool) error {
	var version string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaSchemaVersion))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			version = string(val)
			return nil
		})
	})

	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		if readOnly {
			return errors.New("journal has no schema version")
		}
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(metaSchemaVersion), []byte(store.SchemaVersion))
		})
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version != store.SchemaVersion:
		return fmt.Errorf("unsupported schema version %q", version)
	default:
		return nil
	}
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Artifacts returns the journal directory.
func (s *Store) Artifacts() []domain.Artifact {
	return []domain.Artifact{{Path: s.dir, Kind: domain.ArtifactTree}}
}

func isTransient(err error) bool {
	return errors.Is(err, badger.ErrConflict) || errors.Is(err, badger.ErrBlockedWrites)
}

func classify(err error, msg string) error {
	return store.Classify(err, isTransient, msg)
}
