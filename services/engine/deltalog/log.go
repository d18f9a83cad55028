// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deltalog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/yksanjo/github-intelligence/services/engine/graph"
)

// Log is the persisted, ordered delta stream.
//
// Thread Safety: Safe for concurrent use. Appends come from the
// single-writer pipeline; reads come from any number of consumers.
type Log struct {
	db     *badger.DB
	gc     *gcRunner
	logger *slog.Logger

	// mu guards lastSeq and serializes appends so the stored stream
	// stays contiguous.
	mu      sync.Mutex
	lastSeq uint64
}

// Open opens (or creates) a delta log.
//
// Outputs:
//
//	*Log - The log. Caller must Close when done.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Log, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	l := &Log{db: db, logger: cfg.Logger}
	l.lastSeq, err = newestSeq(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		l.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		l.gc.start()
	}
	return l, nil
}

// Close stops background GC and closes the database.
func (l *Log) Close() error {
	if l.gc != nil {
		l.gc.stop()
	}
	return l.db.Close()
}

func deltaKey(seq uint64) []byte {
	key := make([]byte, len(prefixDelta)+8)
	copy(key, prefixDelta)
	binary.BigEndian.PutUint64(key[len(prefixDelta):], seq)
	return key
}

func snapshotKey(version uint64) []byte {
	key := make([]byte, len(prefixSnapshot)+8)
	copy(key, prefixSnapshot)
	binary.BigEndian.PutUint64(key[len(prefixSnapshot):], version)
	return key
}

func cursorKey(consumer string) []byte {
	return append(append([]byte{}, prefixCursor...), consumer...)
}

// Append writes one committed delta at its sequence.
//
// Description:
//
//	Appends must arrive in sequence order: once the log holds sequence
//	N, the only accepted next append is N+1. Anything else returns
//	ErrSequenceGap without touching storage. An empty log (fresh, or
//	restored past a snapshot) accepts any starting sequence.
//
// Inputs:
//
//	ctx - Context for cancellation (checked before the transaction).
//	d - The delta. Seq must be assigned by the store.
func (l *Log) Append(ctx context.Context, d *graph.Delta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.Seq == 0 {
		return errors.New("delta has no sequence")
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delta %d: %w", d.Seq, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastSeq != 0 && d.Seq != l.lastSeq+1 {
		return fmt.Errorf("append seq %d after %d: %w", d.Seq, l.lastSeq, ErrSequenceGap)
	}
	if err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(deltaKey(d.Seq), data)
	}); err != nil {
		return err
	}
	l.lastSeq = d.Seq
	return nil
}

// newestSeq reads the highest retained delta sequence, zero when the
// log holds no deltas.
func newestSeq(db *badger.DB) (uint64, error) {
	var newest uint64
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixDelta, Reverse: true})
		defer it.Close()

		seek := append(append([]byte{}, prefixDelta...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if it.Valid() {
			key := it.Item().Key()
			newest = binary.BigEndian.Uint64(key[len(prefixDelta):])
		}
		return nil
	})
	return newest, err
}

// OldestSeq returns the lowest retained delta sequence, or zero if the
// log is empty.
func (l *Log) OldestSeq() (uint64, error) {
	var oldest uint64
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixDelta})
		defer it.Close()
		it.Rewind()
		if it.Valid() {
			key := it.Item().Key()
			oldest = binary.BigEndian.Uint64(key[len(prefixDelta):])
		}
		return nil
	})
	return oldest, err
}

// Read returns up to max deltas starting at fromSeq (inclusive), in
// sequence order.
//
// Description:
//
//	Consumers read forward from cursor+1. If fromSeq precedes the
//	oldest retained delta the consumer has lagged past the retention
//	horizon; Read returns ErrResyncRequired and the consumer must
//	reload from a snapshot instead of replaying.
//
//	The batch never crosses a hole: only the contiguous run starting
//	exactly at fromSeq is returned, so a consumer can never commit
//	past a sequence it was not delivered.
//
// Outputs:
//
//	[]*graph.Delta - In-order batch; empty when caught up.
//	error - ErrResyncRequired on truncated history.
func (l *Log) Read(ctx context.Context, fromSeq uint64, max int) ([]*graph.Delta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 256
	}

	oldest, err := l.OldestSeq()
	if err != nil {
		return nil, err
	}
	if oldest != 0 && fromSeq < oldest {
		return nil, ErrResyncRequired
	}

	var out []*graph.Delta
	err = l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         prefixDelta,
			PrefetchValues: true,
			PrefetchSize:   max,
		})
		defer it.Close()

		next := fromSeq
		for it.Seek(deltaKey(fromSeq)); it.Valid() && len(out) < max; it.Next() {
			key := it.Item().Key()
			if binary.BigEndian.Uint64(key[len(prefixDelta):]) != next {
				break
			}
			next++
			err := it.Item().Value(func(val []byte) error {
				var d graph.Delta
				if err := json.Unmarshal(val, &d); err != nil {
					return fmt.Errorf("decode delta: %w", err)
				}
				out = append(out, &d)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Trim deletes deltas with sequence < beforeSeq.
//
// Called by the retention ticker once every consumer cursor has moved
// past the trimmed range (or the retention horizon forces it).
func (l *Log) Trim(ctx context.Context, beforeSeq uint64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var keys [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixDelta})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if binary.BigEndian.Uint64(key[len(prefixDelta):]) >= beforeSeq {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// TrimAfter deletes deltas with sequence > afterSeq.
//
// Used at startup to drop a stale log tail past the restored snapshot;
// the store will reissue those sequence numbers.
func (l *Log) TrimAfter(ctx context.Context, afterSeq uint64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var keys [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixDelta})
		defer it.Close()
		for it.Seek(deltaKey(afterSeq + 1)); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}

	// The dropped tail's sequence numbers will be reissued.
	l.mu.Lock()
	if l.lastSeq > afterSeq {
		l.lastSeq = afterSeq
	}
	l.mu.Unlock()
	return len(keys), nil
}

// Cursor returns the consumer's last committed sequence, zero if the
// consumer has never committed.
func (l *Log) Cursor(consumer string) (uint64, error) {
	var seq uint64
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey(consumer))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			seq = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	return seq, err
}

// CommitCursor records the consumer's last fully processed sequence.
//
// A consumer must never commit a sequence it has not processed;
// version order with no gaps is the delivery contract.
func (l *Log) CommitCursor(consumer string, seq uint64) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, seq)
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cursorKey(consumer), val)
	})
}

// MinCursor returns the smallest committed cursor across consumers.
// Zero if no consumer has committed yet.
func (l *Log) MinCursor() (uint64, error) {
	var min uint64
	var found bool
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixCursor})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				seq := binary.BigEndian.Uint64(val)
				if !found || seq < min {
					min = seq
					found = true
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return min, err
}

// SaveSnapshot persists an encoded snapshot keyed by its version.
//
// Snapshot determinism: the stored bytes are what every later fetch of
// this version returns, regardless of tombstone compaction in the live
// store.
func (l *Log) SaveSnapshot(ctx context.Context, sn *graph.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := sn.Encode()
	if err != nil {
		return fmt.Errorf("encode snapshot %d: %w", sn.Version, err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(sn.Version), data)
	})
}

// LoadSnapshot fetches the snapshot at an exact version.
//
// Outputs:
//
//	*graph.Snapshot - The persisted snapshot.
//	error - graph.ErrSnapshotNotFound if the version was never saved.
func (l *Log) LoadSnapshot(ctx context.Context, version uint64) (*graph.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sn *graph.Snapshot
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(version))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return graph.ErrSnapshotNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			sn, err = graph.DecodeSnapshot(val)
			return err
		})
	})
	return sn, err
}

// LatestSnapshot returns the highest-version persisted snapshot.
//
// Outputs:
//
//	*graph.Snapshot - Nil with graph.ErrSnapshotNotFound if none exist.
func (l *Log) LatestSnapshot(ctx context.Context) (*graph.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sn *graph.Snapshot
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.IteratorOptions{Prefix: prefixSnapshot, Reverse: true}
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration: seek past the prefix range end.
		seek := append(append([]byte{}, prefixSnapshot...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if !it.Valid() {
			return graph.ErrSnapshotNotFound
		}
		var derr error
		err := it.Item().Value(func(val []byte) error {
			sn, derr = graph.DecodeSnapshot(val)
			return derr
		})
		return err
	})
	return sn, err
}
