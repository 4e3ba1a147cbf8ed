package kvstore

import (
	"bufio"
	"errors"
	"io"
	"iter"

	"github.com/kjk/logkv/record"
)

const scanBufSize = 64 * 1024

type OpKind int

const (
	// OpNop continues the scan without touching the index
	OpNop OpKind = iota
	// OpInsert sets index[Record.Key] = Offset
	OpInsert
	// OpDelete removes Record.Key from the index
	OpDelete
	// OpEnd stops the scan
	OpEnd
)

// IndexOp is the decision made for a record visited by ForEach
type IndexOp struct {
	Kind   OpKind
	Record record.Record
	// for OpDelete it's not used
	Offset int64
}

func InsertOp(rec record.Record, offset int64) IndexOp {
	return IndexOp{Kind: OpInsert, Record: rec, Offset: offset}
}

func DeleteOp(rec record.Record, offset int64) IndexOp {
	return IndexOp{Kind: OpDelete, Record: rec, Offset: offset}
}

func NopOp() IndexOp {
	return IndexOp{Kind: OpNop}
}

func EndOp() IndexOp {
	return IndexOp{Kind: OpEnd}
}

// DecideFunc is called by ForEach for every record with the offset of its frame
type DecideFunc func(rec record.Record, offset int64) IndexOp

// ForEach visits every record in the log, from offset 0 to the end,
// calls decide for each and applies returned IndexOp to the index.
//
// The scan stops early when decide returns OpEnd. A checksum mismatch or
// an incomplete trailing frame aborts the scan with *OffsetError
// (wrapping record.ErrCorruptRecord or record.ErrTruncatedTail).
// Errors from the storage are returned as is.
//
// The storage position from before the call is restored.
func (s *Store) ForEach(decide DecideFunc) (err error) {
	prevPos, err := s.storage.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	defer func() {
		_, errSeek := s.storage.Seek(prevPos, io.SeekStart)
		if err == nil {
			err = errSeek
		}
	}()

	if _, err = s.storage.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReaderSize(s.storage, scanBufSize)
	var pos int64
	for {
		rec, err := record.Decode(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if errors.Is(err, record.ErrCorruptRecord) {
				return &OffsetError{Offset: pos, Err: err}
			}
			return err
		}

		op := decide(rec, pos)
		pos += rec.Size()

		switch op.Kind {
		case OpInsert:
			s.idx.Set(op.Record.Key, op.Offset)
		case OpDelete:
			s.idx.Delete(op.Record.Key)
		case OpNop:
			// no-op
		case OpEnd:
			return nil
		}
	}
}

// Records returns an iterator over all records in the log with their offsets.
// It doesn't change the index.
// Call the returned error function after iteration to check for errors.
func (s *Store) Records() (iter.Seq2[int64, record.Record], func() error) {
	var iterErr error
	seq := func(yield func(int64, record.Record) bool) {
		iterErr = s.ForEach(func(rec record.Record, offset int64) IndexOp {
			if !yield(offset, rec) {
				return EndOp()
			}
			return NopOp()
		})
	}
	return seq, func() error { return iterErr }
}
