package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Bolt is a Driver backed by a bbolt file with one bucket per keyspace.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt creates or opens a bbolt database at path and ensures every
// keyspace bucket exists.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, ks := range Keyspaces {
			if _, err := tx.CreateBucketIfNotExists([]byte(ks)); err != nil {
				return fmt.Errorf("create bucket %s: %w", ks, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db}, nil
}

// Close closes the database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func bucket(tx *bbolt.Tx, ks Keyspace) (*bbolt.Bucket, error) {
	bk := tx.Bucket([]byte(ks))
	if bk == nil {
		return nil, fmt.Errorf("unknown keyspace %q", ks)
	}
	return bk, nil
}

// Get implements Driver.
func (b *Bolt) Get(ctx context.Context, ks Keyspace, key []byte) ([]byte, bool, error) {
	var (
		value []byte
		ok    bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bk, err := bucket(tx, ks)
		if err != nil {
			return err
		}
		// bbolt values are only valid inside the transaction.
		if v := bk.Get(key); v != nil {
			value, ok = bytes.Clone(v), true
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", ks, err)
	}
	return value, ok, nil
}

// Scan implements Driver.
func (b *Bolt) Scan(ctx context.Context, ks Keyspace, prefix, after []byte, limit int) ([]Entry, error) {
	var entries []Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bk, err := bucket(tx, ks)
		if err != nil {
			return err
		}

		start, exclusive := scanStart(prefix, after)
		c := bk.Cursor()
		var k, v []byte
		if len(start) == 0 {
			k, v = c.First()
		} else {
			k, v = c.Seek(start)
		}
		for ; k != nil; k, v = c.Next() {
			if exclusive && bytes.Equal(k, start) {
				continue
			}
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			entries = append(entries, Entry{Key: bytes.Clone(k), Value: bytes.Clone(v)})
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", ks, err)
	}
	return entries, nil
}

// Commit implements Driver. bbolt runs the closure in a single read-write
// transaction and rolls back on error.
func (b *Bolt) Commit(ctx context.Context, ops []Op) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		for _, op := range ops {
			bk, err := bucket(tx, op.Keyspace)
			if err != nil {
				return err
			}
			if op.Delete {
				if err := bk.Delete(op.Key); err != nil {
					return fmt.Errorf("delete %s: %w", op.Keyspace, err)
				}
				continue
			}
			value := op.Value
			if value == nil {
				value = []byte{}
			}
			if err := bk.Put(op.Key, value); err != nil {
				return fmt.Errorf("put %s: %w", op.Keyspace, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
