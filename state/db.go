// Package state keeps small pieces of durable client state in bbolt: the
// analytics identity of this install and a journal of recent sync cycles.
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// DefaultJournalLimit is the number of sync records kept.
const DefaultJournalLimit = 100

// ErrNotOpen is returned when the database is used before Open.
var ErrNotOpen = errors.New("state database not open")

// DB is the bbolt-backed state store.
type DB struct {
	db           *bbolt.DB
	codec        *Codec
	logger       *slog.Logger
	now          func() time.Time
	noSync       bool
	journalLimit int
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// WithJournalLimit sets how many sync records are retained.
func WithJournalLimit(n int) Option {
	return func(d *DB) {
		if n > 0 {
			d.journalLimit = n
		}
	}
}

// New creates a DB. Call Open before use.
func New(opts ...Option) *DB {
	d := &DB{
		logger:       slog.Default(),
		now:          time.Now,
		journalLimit: DefaultJournalLimit,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens or creates the database file at path.
func (d *DB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	d.db = db

	if err := d.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating record codec: %w", err)
	}
	d.codec = codec

	d.logger.Debug("opened state database", "path", path)
	return nil
}

func (d *DB) createBuckets() error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketIdentity, bucketJournal} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database.
func (d *DB) Close() error {
	if d.codec != nil {
		d.codec.Close()
		d.codec = nil
	}
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}
