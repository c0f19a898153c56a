package store

import (
	"context"
	"errors"
	"syscall"

	"github.com/listenupapp/fsjournal/internal/domain"
	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
)

// ErrClosed is returned by engines after Close.
var ErrClosed = errors.New("store closed")

// Classify converts a driver error into a persistence error. transient
// decides which driver errors are worth retrying. Domain errors and context
// cancellation pass through unchanged.
func Classify(err error, transient func(error) bool, msg string) error {
	if err == nil {
		return nil
	}

	var domainErr *domainerrors.Error
	if errors.As(err, &domainErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if IsDiskFull(err) || (transient != nil && transient(err)) {
		return domainerrors.PersistenceTransient(msg).WithCause(err)
	}
	return domainerrors.PersistenceFatal(msg).WithCause(err)
}

// IsDiskFull reports whether err is an out-of-space condition, which can
// clear once the operator frees space.
func IsDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

// CheckBatch verifies that records continue the journal after last without
// gaps or reuse.
func CheckBatch(last uint64, records []domain.Record) error {
	want := last + 1
	for _, r := range records {
		if r.Sequence != want {
			return domainerrors.PersistenceFatalf("sequence %d does not follow %d", r.Sequence, want-1)
		}
		want++
	}
	return nil
}
