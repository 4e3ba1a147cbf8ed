// Package kvstore is a log-structured, append-only key / value store.
//
// # Log
//
// The log is a sequence of frames (see package record), one per Insert,
// Update or Delete. Frames are never changed or removed: the current value
// of a key is in the latest frame for that key. A frame with empty value
// (a tombstone) marks the key as deleted.
//
// # Index
//
// Store keeps an in-memory index of key -> offset of the latest frame.
// The index is a cache: Load() rebuilds it by replaying the log and
// SaveIndex() persists it so that Open() can skip the replay.
//
// # Scanning
//
// ForEach is the single routine that walks the log. Load, FindByScan,
// Verify, Stats and Records supply it a DecideFunc that returns what to
// do with the index for each record: insert, delete, nothing or stop.
//
// # Errors
//
// A frame with a bad checksum or an incomplete frame at the end of the
// log (e.g. after a crash during write) is reported as *OffsetError
// wrapping record.ErrCorruptRecord or record.ErrTruncatedTail. The store
// never skips over bad data. To recover from a truncated tail, truncate
// the log at OffsetError.Offset.
//
// # Basic usage
//
//	s, err := kvstore.Open(&kvstore.Config{
//		Path:      "data/kv.log",
//		IndexPath: "data/kv.idx",
//	})
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	err = s.Insert([]byte("name"), []byte("John"))
//	v, ok, err := s.Find([]byte("name"))
//	existed, err := s.Delete([]byte("name"))
//	err = s.SaveIndex("data/kv.idx")
//
// For tests or ephemeral data use memory storage:
//
//	s := kvstore.New(kvstore.NewMemFile(nil), nil)
//
// # Thread safety
//
// Store is not safe for concurrent use. Callers must serialize access
// and only one Store should use a given log at a time.
package kvstore
