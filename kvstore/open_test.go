package kvstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert"
	"github.com/kjk/logkv/index"
	"github.com/kjk/logkv/record"
	"github.com/kjk/logkv/snapshot"
)

func openStore(t *testing.T, config *Config) *Store {
	s, err := Open(config)
	assert.NoError(t, err)
	return s
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	config := &Config{
		Path:      filepath.Join(dir, "sub", "kv.log"),
		SyncWrite: true,
	}
	s := openStore(t, config)
	assert.NoError(t, s.Insert([]byte("a"), []byte("1")))
	assert.NoError(t, s.Insert([]byte("b"), []byte("2")))
	_, err := s.Delete([]byte("a"))
	assert.NoError(t, err)
	assert.NoError(t, s.Close())
	// Close() twice is fine
	assert.NoError(t, s.Close())

	st, err := os.Stat(config.Path)
	assert.NoError(t, err)
	assert.Equal(t, 2*record.FrameSize(1, 1)+record.FrameSize(1, 0), st.Size())

	s = openStore(t, config)
	defer s.Close()
	assertNotFound(t, s, "a")
	assertFind(t, s, "b", "2")
	assert.NoError(t, s.Insert([]byte("c"), []byte("3")))
	assertFind(t, s, "c", "3")
}

func TestOpenMissingPath(t *testing.T) {
	_, err := Open(&Config{})
	assert.Error(t, err)
	_, err = Open(nil)
	assert.Error(t, err)
}

func TestOpenWithSnapshot(t *testing.T) {
	dir := t.TempDir()
	config := &Config{
		Path:      filepath.Join(dir, "kv.log"),
		IndexPath: filepath.Join(dir, "kv.idx"),
	}
	s := openStore(t, config)
	assert.NoError(t, s.Insert([]byte("a"), []byte("1")))
	assert.NoError(t, s.Insert([]byte("b"), []byte("2")))
	assert.NoError(t, s.SaveIndex(config.IndexPath))
	expected := s.Index().Clone()
	assert.NoError(t, s.Close())

	// plant a sentinel in the snapshot to tell it apart from a replayed index
	snap, err := snapshot.ReadFile(config.IndexPath)
	assert.NoError(t, err)
	assert.True(t, expected.Equal(snap.Index))
	snap.Index.Set([]byte("only-in-snapshot"), 0)
	assert.NoError(t, snapshot.WriteFile(config.IndexPath, snap))

	s = openStore(t, config)
	_, ok := s.Index().Get([]byte("only-in-snapshot"))
	assert.True(t, ok, "snapshot should be used")
	assert.NoError(t, s.Close())

	// with VerifyIndex, a snapshot that doesn't match the log is replaced
	config.VerifyIndex = true
	s = openStore(t, config)
	assert.True(t, expected.Equal(s.Index()))
	assert.NoError(t, s.Close())
}

func TestOpenStaleSnapshot(t *testing.T) {
	dir := t.TempDir()
	config := &Config{
		Path:      filepath.Join(dir, "kv.log"),
		IndexPath: filepath.Join(dir, "kv.idx"),
	}
	s := openStore(t, config)
	assert.NoError(t, s.Insert([]byte("a"), []byte("1")))
	assert.NoError(t, s.SaveIndex(config.IndexPath))
	// written after the snapshot
	assert.NoError(t, s.Insert([]byte("b"), []byte("2")))
	assert.NoError(t, s.Close())

	s = openStore(t, config)
	defer s.Close()
	assertFind(t, s, "a", "1")
	assertFind(t, s, "b", "2")
}

func TestOpenBadSnapshot(t *testing.T) {
	dir := t.TempDir()
	config := &Config{
		Path:      filepath.Join(dir, "kv.log"),
		IndexPath: filepath.Join(dir, "kv.idx"),
	}
	s := openStore(t, config)
	assert.NoError(t, s.Insert([]byte("a"), []byte("1")))
	assert.NoError(t, s.Close())
	assert.NoError(t, os.WriteFile(config.IndexPath, []byte("garbage"), 0644))

	s = openStore(t, config)
	defer s.Close()
	assertFind(t, s, "a", "1")
}

func TestOpenCorruptLog(t *testing.T) {
	dir := t.TempDir()
	config := &Config{
		Path: filepath.Join(dir, "kv.log"),
	}
	s := openStore(t, config)
	assert.NoError(t, s.Insert([]byte("a"), []byte("1")))
	assert.NoError(t, s.Insert([]byte("b"), []byte("2")))
	assert.NoError(t, s.Close())

	// simulate a crash in the middle of writing a frame
	f, err := os.OpenFile(config.Path, os.O_WRONLY|os.O_APPEND, 0644)
	assert.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	assert.NoError(t, err)
	assert.NoError(t, f.Close())

	_, err = Open(config)
	assert.True(t, errors.Is(err, record.ErrTruncatedTail), "got %v", err)
	off, ok := CorruptOffset(err)
	assert.True(t, ok)
	assert.Equal(t, 2*record.FrameSize(1, 1), off)

	// truncating at the reported offset recovers the log
	assert.NoError(t, os.Truncate(config.Path, off))
	s = openStore(t, config)
	defer s.Close()
	assertFind(t, s, "b", "2")
}

func TestNewWithIndex(t *testing.T) {
	s := newMemStore()
	assert.NoError(t, s.Insert([]byte("a"), []byte("1")))
	idx := index.New()
	idx.Set([]byte("a"), 0)
	s2 := New(NewMemFile(memBytes(s)), idx)
	assertFind(t, s2, "a", "1")
}
