package state

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// UserID returns the analytics identity of this install, creating and
// persisting a random UUID on first use.
func (d *DB) UserID(ctx context.Context) (string, error) {
	if d.db == nil {
		return "", ErrNotOpen
	}

	var id string
	err := d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIdentity)
		if v := b.Get(keyUserID); v != nil {
			if parsed, err := uuid.ParseBytes(v); err == nil {
				id = parsed.String()
				return nil
			}
			d.logger.Warn("replacing malformed user id", "value", string(v))
		}
		id = uuid.NewString()
		return b.Put(keyUserID, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("loading user id: %w", err)
	}
	return id, nil
}
