package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/crc32"
)

/*
A log is a sequence of frames with no file header. Every frame is:

	checksum  u32  crc32 (IEEE) of key_len ++ value_len ++ key ++ value
	key_len   u32
	value_len u32
	key       key_len bytes
	value     value_len bytes

All integers are little endian. A frame with empty value is a tombstone.
*/

// HeaderSize is the size of the fixed part of a frame
const HeaderSize = 12

// don't trust length fields for allocation, grow as data arrives
const maxPrealloc = 64 * 1024

var (
	// ErrCorruptRecord is returned when a frame's checksum doesn't match its content
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrTruncatedTail is returned when the stream ends in the middle of a frame.
	// errors.Is(ErrTruncatedTail, ErrCorruptRecord) is true.
	ErrTruncatedTail = fmt.Errorf("%w: truncated frame", ErrCorruptRecord)
	// ErrTooLarge is returned when key or value don't fit in u32 length field
	ErrTooLarge = errors.New("key or value too large")
)

// Record is a key / value pair as stored in the log
type Record struct {
	Key   []byte
	Value []byte
}

// IsTombstone returns true if the record marks its key as deleted
func (r *Record) IsTombstone() bool {
	return len(r.Value) == 0
}

// Size returns the size of the encoded frame
func (r *Record) Size() int64 {
	return FrameSize(len(r.Key), len(r.Value))
}

func (r *Record) String() string {
	if r.IsTombstone() {
		return fmt.Sprintf("%q <deleted>", r.Key)
	}
	return fmt.Sprintf("%q => %q", r.Key, r.Value)
}

// FrameSize returns the encoded size of a frame with given key and value sizes
func FrameSize(keyLen, valueLen int) int64 {
	return HeaderSize + int64(keyLen) + int64(valueLen)
}

func checksum(lengths []byte, data ...[]byte) uint32 {
	crc := crc32.Update(0, crc32.IEEETable, lengths)
	for _, d := range data {
		crc = crc32.Update(crc, crc32.IEEETable, d)
	}
	return crc
}

// AppendEncode appends the frame for key / value to dst and returns
// the extended buffer
func AppendEncode(dst []byte, key, value []byte) ([]byte, error) {
	if uint64(len(key)) > math.MaxUint32 || uint64(len(value)) > math.MaxUint32 {
		return dst, ErrTooLarge
	}
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(key)))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(value)))
	crc := checksum(hdr[4:], key, value)
	binary.LittleEndian.PutUint32(hdr[0:4], crc)

	dst = append(dst, hdr[:]...)
	dst = append(dst, key...)
	dst = append(dst, value...)
	return dst, nil
}

// Encode returns the frame for key / value
func Encode(key, value []byte) ([]byte, error) {
	d := make([]byte, 0, FrameSize(len(key), len(value)))
	return AppendEncode(d, key, value)
}

// Decode reads exactly one frame from r.
// Returns io.EOF if r is at the end and no bytes were read,
// ErrTruncatedTail if r ends before a full frame was read and
// ErrCorruptRecord if the checksum doesn't match.
// Other errors from r are returned as is.
func Decode(r io.Reader) (Record, error) {
	var hdr [HeaderSize]byte
	_, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, ErrTruncatedTail
		}
		return Record{}, err
	}
	savedCrc := binary.LittleEndian.Uint32(hdr[0:4])
	keyLen := int64(binary.LittleEndian.Uint32(hdr[4:8]))
	valueLen := int64(binary.LittleEndian.Uint32(hdr[8:12]))
	bodyLen := keyLen + valueLen

	var body bytes.Buffer
	body.Grow(int(min(bodyLen, maxPrealloc)))
	if _, err = io.CopyN(&body, r, bodyLen); err != nil {
		if err == io.EOF {
			return Record{}, ErrTruncatedTail
		}
		return Record{}, err
	}

	d := body.Bytes()
	if crc := checksum(hdr[4:], d); crc != savedCrc {
		return Record{}, fmt.Errorf("%w: checksum 0x%08x, expected 0x%08x", ErrCorruptRecord, crc, savedCrc)
	}
	rec := Record{
		Key:   d[:keyLen:keyLen],
		Value: d[keyLen:],
	}
	return rec, nil
}
