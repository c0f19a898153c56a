package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/dgraph-io/badger/v4"

	"github.com/listenupapp/fsjournal/internal/domain"
	"github.com/listenupapp/fsjournal/internal/store"
)

// Append writes records, their path index entries and the last sequence
// in one transaction.
func (s *Store) Append(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		last, err := lastSequence(txn)
		if err != nil {
			return err
		}
		if err := store.CheckBatch(last, records); err != nil {
			return err
		}

		for i, r := range records {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal event %d: %w", r.Sequence, err)
			}
			seq := encodeSequence(r.Sequence)
			if err := txn.Set(sequenceKey(eventPrefix, r.Sequence), data); err != nil {
				return err
			}
			if err := txn.Set(pathKey(r.Path), seq); err != nil {
				return err
			}

			from, err := moveSource(txn, records, i)
			if err != nil {
				return err
			}
			if from != "" {
				if err := txn.Set(sequenceKey(movePrefix, r.Sequence), []byte(from)); err != nil {
					return err
				}
			}
		}

		return txn.Set([]byte(metaLastSequence), encodeSequence(records[len(records)-1].Sequence))
	})
	if err != nil {
		return classify(err, "append events")
	}
	return nil
}

// moveSource returns the source path when records[i] is the destination
// half of a directory rename.
func moveSource(txn *badger.Txn, records []domain.Record, i int) (string, error) {
	r := records[i]
	if r.Kind != domain.KindRenamedTo || r.CorrelationID == "" {
		return "", nil
	}
	if isDir, _ := r.DirState().Bool(); !isDir {
		return "", nil
	}

	var from domain.Record
	if i > 0 {
		from = records[i-1]
	} else {
		prev, err := getRecord(txn, r.Sequence-1)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		from = prev
	}

	if from.Kind != domain.KindRenamedFrom || from.CorrelationID != r.CorrelationID {
		return "", nil
	}
	return from.Path, nil
}

func lastSequence(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(metaLastSequence))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = item.Value(func(val []byte) error {
		seq = decodeSequence(val)
		return nil
	})
	return seq, err
}

func getRecord(txn *badger.Txn, seq uint64) (domain.Record, error) {
	item, err := txn.Get(sequenceKey(eventPrefix, seq))
	if err != nil {
		return domain.Record{}, err
	}
	return decodeRecord(item)
}

func decodeRecord(item *badger.Item) (domain.Record, error) {
	var r domain.Record
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	})
	if err != nil {
		return domain.Record{}, fmt.Errorf("decode %s: %w", item.Key(), err)
	}
	return r, nil
}

// LastSequence returns the highest committed sequence.
func (s *Store) LastSequence(_ context.Context) (uint64, error) {
	var seq uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		seq, err = lastSequence(txn)
		return err
	})
	if err != nil {
		return 0, classify(err, "read last sequence")
	}
	return seq, nil
}

// LatestByPath walks the path index, which sorts by path.
func (s *Store) LatestByPath(ctx context.Context) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		stopped := false
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(pathPrefix)

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
				if ctx.Err() != nil {
					yield(domain.Record{}, ctx.Err())
					return nil
				}

				var seq uint64
				if err := it.Item().Value(func(val []byte) error {
					seq = decodeSequence(val)
					return nil
				}); err != nil {
					yield(domain.Record{}, classify(err, "read path index"))
					return nil
				}

				r, err := getRecord(txn, seq)
				if err != nil {
					yield(domain.Record{}, classify(err, fmt.Sprintf("read event %d", seq)))
					return nil
				}
				if !yield(r, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(domain.Record{}, classify(err, "read path index"))
		}
	}
}

// DirectoryMoves reads the rename index.
func (s *Store) DirectoryMoves(ctx context.Context) ([]store.Move, error) {
	var moves []store.Move
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(movePrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			from, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			to, err := getRecord(txn, decodeSequence(item.Key()[len(movePrefix):]))
			if err != nil {
				return err
			}
			moves = append(moves, store.Move{From: string(from), To: to})
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, "read directory moves")
	}
	return moves, nil
}

// Query scans events after q.Since. A path filter is applied while
// scanning; there is no per-path history index.
func (s *Store) Query(ctx context.Context, q store.Query) ([]domain.Record, error) {
	var records []domain.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(eventPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(sequenceKey(eventPrefix, q.Since+1)); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := decodeRecord(it.Item())
			if err != nil {
				return err
			}
			if q.Path != "" && r.Path != q.Path {
				continue
			}
			records = append(records, r)
			if q.Limit > 0 && len(records) >= q.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, "query events")
	}
	return records, nil
}

// Count counts event keys without reading values.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(eventPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, classify(err, "count events")
	}
	return n, nil
}
