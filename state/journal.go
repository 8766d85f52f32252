package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	stickercache "github.com/wolfeidau/sticker-cache"
)

// SyncRecord describes one completed sync cycle.
type SyncRecord struct {
	At              time.Time         `json:"at"`
	Outcome         string            `json:"outcome"`
	Duration        time.Duration     `json:"duration"`
	RemoteUpdatedAt time.Time         `json:"remote_updated_at,omitzero"`
	LocalUpdatedAt  time.Time         `json:"local_updated_at,omitzero"`
	Groups          int               `json:"groups"`
	Assets          int               `json:"assets"`
	Evicted         []string          `json:"evicted,omitempty"`
	SnapshotDigest  stickercache.Hash `json:"snapshot_digest,omitzero"`
	Error           string            `json:"error,omitempty"`
}

// Append stores rec, stamping it with the current time when At is zero, and
// drops the oldest records beyond the journal limit.
func (d *DB) Append(ctx context.Context, rec SyncRecord) error {
	if d.db == nil {
		return ErrNotOpen
	}
	if rec.At.IsZero() {
		rec.At = d.now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding sync record: %w", err)
	}
	value, err := d.codec.Encode(data)
	if err != nil {
		return fmt.Errorf("encoding sync record: %w", err)
	}

	return d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(journalKey(rec.At, seq), value); err != nil {
			return fmt.Errorf("storing sync record: %w", err)
		}
		return d.prune(b)
	})
}

// prune deletes the oldest records until at most journalLimit remain.
func (d *DB) prune(b *bbolt.Bucket) error {
	c := b.Cursor()
	n := 0
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	for excess := n - d.journalLimit; excess > 0; excess-- {
		if k, _ := c.First(); k == nil {
			break
		}
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to n records, newest first. Records that fail to decode
// are skipped.
func (d *DB) Recent(ctx context.Context, n int) ([]SyncRecord, error) {
	if d.db == nil {
		return nil, ErrNotOpen
	}
	var out []SyncRecord
	err := d.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketJournal).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			data, err := d.codec.Decode(v)
			if err != nil {
				d.logger.Warn("skipping unreadable sync record", "at", decodeTimestamp(k), "error", err)
				continue
			}
			var rec SyncRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				d.logger.Warn("skipping undecodable sync record", "at", decodeTimestamp(k), "error", err)
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading sync journal: %w", err)
	}
	return out, nil
}

// Last returns the newest record.
func (d *DB) Last(ctx context.Context) (SyncRecord, bool, error) {
	recs, err := d.Recent(ctx, 1)
	if err != nil || len(recs) == 0 {
		return SyncRecord{}, false, err
	}
	return recs[0], true, nil
}
