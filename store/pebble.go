// Package store persists hive membership: the cell list and the major
// version that stamps it. The minor version is never persisted.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/encoding"
	"github.com/rs/zerolog/log"
)

// Key layout, sorted for prefix iteration
const (
	prefixCell = "/cell/"      // /cell/{id:03d}
	keyMajor   = "/meta/major" // 8-byte big endian
)

// Options configures the Pebble store
type Options struct {
	CacheSizeMB int64
	// FS overrides the filesystem, vfs.NewMem() in tests
	FS vfs.FS
}

// DefaultOptions returns options sized for a small membership table
func DefaultOptions() Options {
	return Options{CacheSizeMB: 8}
}

// PebbleStore is the durable membership store
type PebbleStore struct {
	db   *pebble.DB
	path string

	// Serializes read-modify-write sequences such as RemoveCells
	mu sync.Mutex

	closed atomic.Bool
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// Open opens or creates the store at path
func Open(path string, opts Options) (*PebbleStore, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 8
	}
	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref()

	pebbleOpts := &pebble.Options{
		Cache:  cache,
		Logger: &pebbleLogger{},
	}
	if opts.FS != nil {
		pebbleOpts.FS = opts.FS
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	return &PebbleStore{db: db, path: path}, nil
}

// Close flushes and closes the store. Safe to call more than once.
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func cellKey(id cell.ID) []byte {
	return []byte(fmt.Sprintf("%s%03d", prefixCell, id))
}

func majorValue(major uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, major)
	return buf
}

// persistable strips fields that only make sense in memory
func persistable(rec *cell.Record) ([]byte, error) {
	c := rec.Clone()
	c.ObservedTotal = 0
	c.ObservedUsed = 0
	return encoding.Marshal(c)
}

// AddCell stores rec and moves the major version to major
func (s *PebbleStore) AddCell(rec *cell.Record, major uint64) error {
	return s.UpdateCell(rec, major)
}

// UpdateCell overwrites rec and moves the major version to major
func (s *PebbleStore) UpdateCell(rec *cell.Record, major uint64) error {
	val, err := persistable(rec)
	if err != nil {
		return fmt.Errorf("encode cell %d: %w", rec.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(cellKey(rec.ID), val, nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(keyMajor), majorValue(major), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("persist cell %d at major %d: %w", rec.ID, major, err)
	}
	return nil
}

// RemoveCell deletes id and moves the major version to major
func (s *PebbleStore) RemoveCell(id cell.ID, major uint64) error {
	return s.RemoveCells([]cell.ID{id}, major)
}

// RemoveCells deletes every id and moves the major version to major.
// Deleting an absent id is not an error.
func (s *PebbleStore) RemoveCells(ids []cell.ID, major uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, id := range ids {
		if err := batch.Delete(cellKey(id), nil); err != nil {
			return err
		}
	}
	if err := batch.Set([]byte(keyMajor), majorValue(major), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("remove %d cells at major %d: %w", len(ids), major, err)
	}
	return nil
}

// ReplaceCells swaps the whole cell list for recs at major
func (s *PebbleStore) ReplaceCells(recs []*cell.Record, major uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	prefix := []byte(prefixCell)
	if err := batch.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return err
	}
	for _, rec := range recs {
		val, err := persistable(rec)
		if err != nil {
			return fmt.Errorf("encode cell %d: %w", rec.ID, err)
		}
		if err := batch.Set(cellKey(rec.ID), val, nil); err != nil {
			return err
		}
	}
	if err := batch.Set([]byte(keyMajor), majorValue(major), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("replace cells at major %d: %w", major, err)
	}
	return nil
}

// CurrentMajor returns the persisted major version, 0 for an empty store
func (s *PebbleStore) CurrentMajor() (uint64, error) {
	val, closer, err := s.db.Get([]byte(keyMajor))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt major version: %d bytes", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

// SetMasterMajor overwrites the persisted major version
func (s *PebbleStore) SetMasterMajor(major uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Set([]byte(keyMajor), majorValue(major), pebble.Sync); err != nil {
		return fmt.Errorf("set major %d: %w", major, err)
	}
	return nil
}

// Cells returns every persisted cell sorted by id
func (s *PebbleStore) Cells() ([]*cell.Record, error) {
	prefix := []byte(prefixCell)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var cells []*cell.Record
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		rec := &cell.Record{}
		if err := encoding.Unmarshal(val, rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		cells = append(cells, rec)
	}

	sort.Slice(cells, func(i, j int) bool { return cells[i].ID < cells[j].ID })
	return cells, nil
}

// prefixUpperBound returns the exclusive upper bound for keys under prefix
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
