package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/listenupapp/fsjournal/internal/domain"
	"github.com/listenupapp/fsjournal/internal/store"
)

// eventColumns is the column list for record queries, in scanRecord order.
var eventColumns = []string{
	"sequence", "id", "timestamp", "change_type", "path", "file_name",
	"is_dir", "correlation_id", "origin", "size", "mod_time", "inode",
}

func columns(alias string) string {
	if alias == "" {
		return strings.Join(eventColumns, ", ")
	}
	qualified := make([]string, len(eventColumns))
	for i, c := range eventColumns {
		qualified[i] = alias + "." + c
	}
	return strings.Join(qualified, ", ")
}

// Append inserts records and advances the last_sequence metadata in one
// transaction.
func (s *Store) Append(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin append")
	}
	defer tx.Rollback()

	last, err := lastSequence(ctx, tx)
	if err != nil {
		return classify(err, "read last sequence")
	}
	if err := store.CheckBatch(last, records); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO file_events (`+columns("")+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return classify(err, "prepare insert")
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			int64(r.Sequence),
			r.ID,
			unixNano(r.Timestamp),
			r.Kind.String(),
			r.Path,
			r.FileName,
			nullBool(r.IsDir),
			nullString(r.CorrelationID),
			string(r.Origin),
			r.Size,
			unixNano(r.ModTime),
			int64(r.Inode),
		)
		if err != nil {
			return classify(err, fmt.Sprintf("insert event %d", r.Sequence))
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO journal_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaLastSequence, formatSequence(records[len(records)-1].Sequence),
	)
	if err != nil {
		return classify(err, "update last sequence")
	}

	if err := tx.Commit(); err != nil {
		return classify(err, "commit append")
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// lastSequence prefers the metadata record and falls back to the table.
func lastSequence(ctx context.Context, q querier) (uint64, error) {
	var value string
	err := q.QueryRowContext(ctx,
		`SELECT value FROM journal_meta WHERE key = ?`, metaLastSequence,
	).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, err
	default:
		seq, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s %q: %w", metaLastSequence, value, err)
		}
		return seq, nil
	}

	var maxSeq int64
	if err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM file_events`,
	).Scan(&maxSeq); err != nil {
		return 0, err
	}
	return uint64(maxSeq), nil
}

// LastSequence returns the highest committed sequence.
func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	seq, err := lastSequence(ctx, s.db)
	if err != nil {
		return 0, classify(err, "read last sequence")
	}
	return seq, nil
}

// LatestByPath yields the newest record of each path.
func (s *Store) LatestByPath(ctx context.Context) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+columns("e")+`
			FROM file_events e
			JOIN (
				SELECT path, MAX(sequence) AS sequence FROM file_events GROUP BY path
			) latest ON e.sequence = latest.sequence
			ORDER BY e.path`)
		if err != nil {
			yield(domain.Record{}, classify(err, "query latest records"))
			return
		}
		defer rows.Close()

		for rows.Next() {
			if ctx.Err() != nil {
				yield(domain.Record{}, ctx.Err())
				return
			}
			r, err := scanRecord(rows)
			if err != nil {
				yield(domain.Record{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(domain.Record{}, classify(err, "query latest records"))
		}
	}
}

// DirectoryMoves returns directory renames with their source path.
func (s *Store) DirectoryMoves(ctx context.Context) ([]store.Move, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.path, `+columns("t")+`
		FROM file_events t
		JOIN file_events f
			ON f.sequence = t.sequence - 1 AND f.correlation_id = t.correlation_id
		WHERE t.change_type = 'renamed_to' AND t.is_dir = 1
		ORDER BY t.sequence`)
	if err != nil {
		return nil, classify(err, "query directory moves")
	}
	defer rows.Close()

	var moves []store.Move
	for rows.Next() {
		var from string
		r, err := scanRecord(rows, &from)
		if err != nil {
			return nil, err
		}
		moves = append(moves, store.Move{From: from, To: r})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "query directory moves")
	}
	return moves, nil
}

// Query returns records after q.Since in sequence order.
func (s *Store) Query(ctx context.Context, q store.Query) ([]domain.Record, error) {
	query := `SELECT ` + columns("") + ` FROM file_events WHERE sequence > ?`
	args := []any{int64(q.Since)}
	if q.Path != "" {
		query += ` AND path = ?`
		args = append(args, q.Path)
	}
	query += ` ORDER BY sequence`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "query events")
	}
	defer rows.Close()

	var records []domain.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "query events")
	}
	return records, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_events`).Scan(&n); err != nil {
		return 0, classify(err, "count events")
	}
	return n, nil
}

// scanRecord reads one row selected with columns(). Extra destinations are
// scanned first, for queries that prepend columns.
func scanRecord(rows *sql.Rows, extra ...any) (domain.Record, error) {
	var (
		r             domain.Record
		seq           int64
		timestamp     int64
		kind          string
		isDir         sql.NullBool
		correlationID sql.NullString
		origin        string
		modTime       int64
		inode         int64
	)

	dest := append(extra,
		&seq, &r.ID, &timestamp, &kind, &r.Path, &r.FileName,
		&isDir, &correlationID, &origin, &r.Size, &modTime, &inode,
	)
	if err := rows.Scan(dest...); err != nil {
		return domain.Record{}, fmt.Errorf("scan event: %w", err)
	}

	k, err := domain.ParseKind(kind)
	if err != nil {
		return domain.Record{}, fmt.Errorf("event %d: %w", seq, err)
	}

	r.Sequence = uint64(seq)
	r.Timestamp = fromUnixNano(timestamp)
	r.Kind = k
	if isDir.Valid {
		r.IsDir = &isDir.Bool
	}
	r.CorrelationID = correlationID.String
	r.Origin = domain.Origin(origin)
	r.ModTime = fromUnixNano(modTime)
	r.Inode = uint64(inode)
	return r, nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
