package state

import (
	"encoding/binary"
	"time"
)

var (
	bucketIdentity = []byte("identity")     // name -> value
	bucketJournal  = []byte("sync_journal") // timestamp|seq -> encoded SyncRecord
)

var keyUserID = []byte("user_id")

// encodeTimestamp converts t to a fixed-width big-endian key that sorts in
// time order, including pre-1970 values.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()-(-1<<63))) //nolint:gosec // order-preserving signed->unsigned shift
	return buf
}

// decodeTimestamp reverses encodeTimestamp.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	ns := int64(binary.BigEndian.Uint64(b[:8])) + (-1 << 63) //nolint:gosec // reverse of encodeTimestamp
	return time.Unix(0, ns).UTC()
}

// journalKey is the timestamp followed by a sequence number so records
// written in the same nanosecond stay distinct.
func journalKey(at time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	copy(key, encodeTimestamp(at))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}
