package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var listsBucket = []byte("lists")

// BoltSnapshot keeps the lists in a local bbolt file.
type BoltSnapshot struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltSnapshot, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	return &BoltSnapshot{db: db}, nil
}

func (b *BoltSnapshot) Save(_ context.Context, entries []Entry) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(listsBucket) != nil {
			if err := tx.DeleteBucket(listsBucket); err != nil {
				return err
			}
		}
		bkt, err := tx.CreateBucket(listsBucket)
		if err != nil {
			return err
		}
		for _, e := range entries {
			v, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := bkt.Put([]byte(e.id()), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltSnapshot) Load(_ context.Context) ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(listsBucket)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

func (b *BoltSnapshot) Close() error { return b.db.Close() }
