package kvstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kjk/logkv/index"
	"github.com/kjk/logkv/log"
	"github.com/kjk/logkv/record"
	"github.com/kjk/logkv/snapshot"
)

var (
	// ErrEmptyValue is returned by Insert / Update. Empty value marks
	// a deleted key, use Delete for that.
	ErrEmptyValue = errors.New("empty value, use Delete() to delete a key")
	// ErrIndexMismatch is returned when the index doesn't agree with the log
	ErrIndexMismatch = errors.New("index doesn't match the log")
	// ErrLogDamaged is returned by writes after a failed write that
	// couldn't be rolled back. The store must be re-opened.
	ErrLogDamaged = errors.New("log has a partial frame at the end")
)

// OffsetError is a corrupted or truncated frame at Offset in the log
type OffsetError struct {
	Offset int64
	Err    error
}

func (e *OffsetError) Error() string {
	return fmt.Sprintf("%s at offset %d", e.Err, e.Offset)
}

func (e *OffsetError) Unwrap() error {
	return e.Err
}

// CorruptOffset returns the offset of a bad frame if err is
// (or wraps) *OffsetError
func CorruptOffset(err error) (int64, bool) {
	var oe *OffsetError
	if errors.As(err, &oe) {
		return oe.Offset, true
	}
	return 0, false
}

// Store is a log-structured key / value store.
// Every Insert / Update / Delete appends a frame to the log and updates
// the in-memory index of key -> offset of its latest frame.
//
// Store is not safe for concurrent use and assumes it's the only
// user of its storage.
type Store struct {
	// if true, will call Sync() on storage after every write
	// (if storage implements it)
	SyncWrite bool

	storage Storage
	idx     *index.Index
	// re-used for encoding frames
	writeBuf []byte
	// set when a failed append left bytes we couldn't remove
	// from the end of the log; all further appends fail with it
	appendErr error
}

// New creates a Store over storage.
// idx is a trusted index for the log, e.g. from a snapshot. If nil, the
// index starts empty: call Load() when storage is not empty.
func New(storage Storage, idx *index.Index) *Store {
	if idx == nil {
		idx = index.New()
	}
	return &Store{
		storage: storage,
		idx:     idx,
	}
}

// Index returns the index. It must not be modified.
// It stays valid across Load(), which rebuilds it in place.
func (s *Store) Index() *index.Index {
	return s.idx
}

// Storage returns the underlying storage
func (s *Store) Storage() Storage {
	return s.storage
}

// Close closes the storage if it implements io.Closer
func (s *Store) Close() error {
	if s == nil || s.storage == nil {
		return nil
	}
	var err error
	if c, ok := s.storage.(io.Closer); ok {
		err = c.Close()
	}
	s.storage = nil
	return err
}

// LogSize returns the size of the log in bytes
func (s *Store) LogSize() (int64, error) {
	pos, err := s.storage.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	size, err := s.storage.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	_, err = s.storage.Seek(pos, io.SeekStart)
	return size, err
}

// rollback removes written bytes of a failed append from the end of the log.
// If storage can't be truncated, the store refuses further appends
// because a frame written after garbage could never be replayed.
func (s *Store) rollback(off int64, written int, errWrite error) error {
	if written == 0 {
		return errWrite
	}
	t, ok := s.storage.(truncater)
	if !ok {
		s.appendErr = fmt.Errorf("%w: %w", ErrLogDamaged, errWrite)
		return errWrite
	}
	err := t.Truncate(off)
	if err == nil {
		_, err = s.storage.Seek(off, io.SeekStart)
	}
	if err != nil {
		s.appendErr = fmt.Errorf("%w: truncate to %d failed with %w after %w", ErrLogDamaged, off, err, errWrite)
		log.Verbosef("kvstore: %s\n", s.appendErr)
	}
	return errWrite
}

// appendRecord writes a frame at the end of the log and returns its offset.
// A failed write is rolled back so the log ends with a complete frame.
func (s *Store) appendRecord(key, value []byte) (int64, error) {
	if s.appendErr != nil {
		return 0, s.appendErr
	}
	var err error
	s.writeBuf, err = record.AppendEncode(s.writeBuf[:0], key, value)
	if err != nil {
		return 0, err
	}
	// most writes should be small. if buffer gets big, don't keep it
	// around (unbounded cache is a mem leak)
	defer func() {
		if cap(s.writeBuf) > 1024*1024 {
			s.writeBuf = nil
		}
	}()

	off, err := s.storage.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	n, err := s.storage.Write(s.writeBuf)
	if err != nil {
		return 0, s.rollback(off, n, err)
	}
	if s.SyncWrite {
		if f, ok := s.storage.(syncer); ok {
			if err = f.Sync(); err != nil {
				return 0, s.rollback(off, n, err)
			}
		}
	}
	return off, nil
}

// Insert writes a new version of key and points the index at it
func (s *Store) Insert(key, value []byte) error {
	if len(value) == 0 {
		return ErrEmptyValue
	}
	off, err := s.appendRecord(key, value)
	if err != nil {
		return err
	}
	s.idx.Set(key, off)
	return nil
}

// Update is the same as Insert: a new version of key is appended to the log
func (s *Store) Update(key, value []byte) error {
	return s.Insert(key, value)
}

// Delete appends a tombstone for key and removes it from the index.
// The tombstone is written even if key is not in the index.
// Returns true if key was in the index.
func (s *Store) Delete(key []byte) (bool, error) {
	if _, err := s.appendRecord(key, nil); err != nil {
		return false, err
	}
	return s.idx.Delete(key), nil
}

// GetAt reads the record whose frame starts at offset
func (s *Store) GetAt(offset int64) (record.Record, error) {
	if _, err := s.storage.Seek(offset, io.SeekStart); err != nil {
		return record.Record{}, err
	}
	rec, err := record.Decode(s.storage)
	if err == io.EOF {
		// no frame at offset
		return record.Record{}, &OffsetError{Offset: offset, Err: io.ErrUnexpectedEOF}
	}
	if errors.Is(err, record.ErrCorruptRecord) {
		return record.Record{}, &OffsetError{Offset: offset, Err: err}
	}
	return rec, err
}

// Find returns the latest value of key using the index.
// Returns nil, false, nil if key doesn't exist.
func (s *Store) Find(key []byte) ([]byte, bool, error) {
	off, ok := s.idx.Get(key)
	if !ok {
		return nil, false, nil
	}
	rec, err := s.GetAt(off)
	if err != nil {
		return nil, false, err
	}
	if !bytes.Equal(rec.Key, key) {
		return nil, false, fmt.Errorf("%w: found key %q instead of %q at offset %d", ErrIndexMismatch, rec.Key, key, off)
	}
	if rec.IsTombstone() {
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// Entry is a record and offset of its frame in the log
type Entry struct {
	Offset int64
	Record record.Record
}

// FindByScan scans the log from the start without using the index and
// returns the first record for key (which might be a tombstone).
// Returns nil if there's no record for key.
func (s *Store) FindByScan(key []byte) (*Entry, error) {
	var found *Entry
	err := s.ForEach(func(rec record.Record, offset int64) IndexOp {
		if !bytes.Equal(rec.Key, key) {
			return NopOp()
		}
		found = &Entry{Offset: offset, Record: rec}
		return EndOp()
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func loadDecision(rec record.Record, offset int64) IndexOp {
	if rec.IsTombstone() {
		return DeleteOp(rec, offset)
	}
	return InsertOp(rec, offset)
}

// Load rebuilds the index from scratch by replaying the whole log.
// On error the index is left empty.
func (s *Store) Load() error {
	s.idx.Clear()
	err := s.ForEach(loadDecision)
	if err != nil {
		s.idx.Clear()
		return err
	}
	log.Verbosef("kvstore.Load: %d keys\n", s.idx.Len())
	return nil
}

// Rebuild returns an index built from the log without changing the current one
func (s *Store) Rebuild() (*index.Index, error) {
	tmp := New(s.storage, nil)
	if err := tmp.ForEach(loadDecision); err != nil {
		return nil, err
	}
	return tmp.idx, nil
}

// Verify checks that the index matches one rebuilt from the log.
// Returns error wrapping ErrIndexMismatch if they differ.
func (s *Store) Verify() error {
	fresh, err := s.Rebuild()
	if err != nil {
		return err
	}
	if diff := s.idx.Diff(fresh, 1); len(diff) > 0 {
		return fmt.Errorf("%w: first bad key %q", ErrIndexMismatch, diff[0])
	}
	log.Verbosef("kvstore.Verify: %d keys ok\n", s.idx.Len())
	return nil
}

type Stats struct {
	// number of frames in the log
	Records int64
	// number of tombstone frames
	Tombstones int64
	// number of live keys
	Keys int
	// size of the log
	LogSize int64
	// size of frames referenced by the index
	LiveSize int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("records: %d, tombstones: %d, keys: %d, log size: %d, live size: %d", s.Records, s.Tombstones, s.Keys, s.LogSize, s.LiveSize)
}

// Stats scans the log and returns its statistics
func (s *Store) Stats() (*Stats, error) {
	res := &Stats{
		Keys: s.idx.Len(),
	}
	err := s.ForEach(func(rec record.Record, offset int64) IndexOp {
		res.Records++
		size := rec.Size()
		res.LogSize += size
		if rec.IsTombstone() {
			res.Tombstones++
		} else if off, ok := s.idx.Get(rec.Key); ok && off == offset {
			res.LiveSize += size
		}
		return NopOp()
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SaveIndex atomically writes a snapshot of the index to path
func (s *Store) SaveIndex(path string) error {
	size, err := s.LogSize()
	if err != nil {
		return err
	}
	snap := &snapshot.Snapshot{
		LogSize: size,
		Index:   s.idx,
	}
	return snapshot.WriteFile(path, snap)
}

type Config struct {
	// path of the log file, created if doesn't exist
	Path string
	// optional, path of the index snapshot
	// if it exists and matches the log, we use it instead of replaying the log
	IndexPath string
	// call Sync() after every write
	SyncWrite bool
	// if true, the index from snapshot is checked against the log
	VerifyIndex bool
}

// Open opens a file-backed store described by config
func Open(config *Config) (*Store, error) {
	if config == nil || config.Path == "" {
		return nil, errors.New("must provide config.Path")
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, err
	}
	f, err := OpenFile(config.Path)
	if err != nil {
		return nil, err
	}
	s := New(f, nil)
	s.SyncWrite = config.SyncWrite
	if err = s.openIndex(config); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// useSnapshot returns true if index from snapshot at config.IndexPath
// was loaded and can be trusted
func (s *Store) useSnapshot(config *Config) (bool, error) {
	path := config.IndexPath
	snap, err := snapshot.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if errors.Is(err, snapshot.ErrBadSnapshot) {
		log.Verbosef("kvstore.Open: ignoring snapshot '%s': %s\n", path, err)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	size, err := s.LogSize()
	if err != nil {
		return false, err
	}
	if size != snap.LogSize {
		log.Verbosef("kvstore.Open: snapshot '%s' is stale, log size %d, expected %d\n", path, size, snap.LogSize)
		return false, nil
	}
	s.idx = snap.Index
	if !config.VerifyIndex {
		return true, nil
	}
	err = s.Verify()
	if errors.Is(err, ErrIndexMismatch) {
		log.Verbosef("kvstore.Open: snapshot '%s': %s\n", path, err)
		return false, nil
	}
	return err == nil, err
}

func (s *Store) openIndex(config *Config) error {
	if config.IndexPath != "" {
		ok, err := s.useSnapshot(config)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return s.Load()
}
