// Package snapshot persists an index so that a store can be opened
// without replaying the whole log.
//
// A snapshot is a msgpack map compressed with zstd:
//
//	{"v": 1, "size": <log size>, "idx": {<key bin>: <offset>, ...}}
//
// "size" is the size of the log at the time the snapshot was taken.
// A snapshot whose size doesn't match the log is stale.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kjk/logkv/atomicfile"
	"github.com/kjk/logkv/index"
	"github.com/klauspost/compress/zstd"
	"github.com/tinylib/msgp/msgp"
)

const formatVersion = 1

// ErrBadSnapshot is returned when snapshot data can't be decoded
var ErrBadSnapshot = errors.New("bad index snapshot")

type Snapshot struct {
	// size of the log when the snapshot was taken
	LogSize int64
	Index   *index.Index
}

// Marshal encodes snap as msgpack (uncompressed)
func Marshal(snap *Snapshot) []byte {
	idx := snap.Index
	if idx == nil {
		idx = index.New()
	}
	b := msgp.AppendMapHeader(nil, 3)
	b = msgp.AppendString(b, "v")
	b = msgp.AppendInt(b, formatVersion)
	b = msgp.AppendString(b, "size")
	b = msgp.AppendInt64(b, snap.LogSize)
	b = msgp.AppendString(b, "idx")
	b = msgp.AppendMapHeader(b, uint32(idx.Len()))
	idx.Scan(func(key []byte, offset int64) bool {
		b = msgp.AppendBytes(b, key)
		b = msgp.AppendInt64(b, offset)
		return true
	})
	return b
}

func badSnapshot(err error) error {
	return fmt.Errorf("%w: %w", ErrBadSnapshot, err)
}

func unmarshalIndex(b []byte, idx *index.Index) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, err
	}
	var key []byte
	var offset int64
	for i := uint32(0); i < n; i++ {
		// index.Set copies the key so zero-copy read is fine
		key, b, err = msgp.ReadBytesZC(b)
		if err != nil {
			return nil, err
		}
		offset, b, err = msgp.ReadInt64Bytes(b)
		if err != nil {
			return nil, err
		}
		if offset < 0 {
			return nil, fmt.Errorf("negative offset %d for key %q", offset, key)
		}
		idx.Set(key, offset)
	}
	return b, nil
}

// Unmarshal decodes data created with Marshal
func Unmarshal(d []byte) (*Snapshot, error) {
	n, b, err := msgp.ReadMapHeaderBytes(d)
	if err != nil {
		return nil, badSnapshot(err)
	}
	snap := &Snapshot{
		LogSize: -1,
		Index:   index.New(),
	}
	version := -1
	for i := uint32(0); i < n; i++ {
		var field string
		field, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return nil, badSnapshot(err)
		}
		switch field {
		case "v":
			version, b, err = msgp.ReadIntBytes(b)
		case "size":
			snap.LogSize, b, err = msgp.ReadInt64Bytes(b)
		case "idx":
			b, err = unmarshalIndex(b, snap.Index)
		default:
			// written by a newer version, ignore
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return nil, badSnapshot(err)
		}
	}
	if version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, version)
	}
	if snap.LogSize < 0 {
		return nil, fmt.Errorf("%w: missing log size", ErrBadSnapshot)
	}
	return snap, nil
}

// Write writes compressed snap to w
func Write(w io.Writer, snap *Snapshot) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if _, err = zw.Write(Marshal(snap)); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// Read reads snapshot written with Write.
// Undecodable data is reported as ErrBadSnapshot.
func Read(r io.Reader) (*Snapshot, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	d, err := io.ReadAll(zr)
	if err != nil {
		// can't tell corrupted data from failed read, either way it's unusable
		return nil, badSnapshot(err)
	}
	return Unmarshal(d)
}

// WriteFile atomically writes snap to path
func WriteFile(path string, snap *Snapshot) error {
	var buf bytes.Buffer
	if err := Write(&buf, snap); err != nil {
		return err
	}
	return atomicfile.WriteFile(path, buf.Bytes())
}

// ReadFile reads snapshot from path.
// Returns an error matching os.ErrNotExist if there's no file.
func ReadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}
