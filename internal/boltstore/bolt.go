package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/log"
	bolt "go.etcd.io/bbolt"
)

// openTimeout bounds the wait for the file lock held by another process.
const openTimeout = 5 * time.Second

var (
	dbsMu sync.Mutex
	dbs   = map[string]*refDB{}
)

// refDB lets several buckets of one file share a single bolt handle; bolt
// holds an exclusive flock, so a second bolt.Open of the same path from this
// process would block.
type refDB struct {
	db   *bolt.DB
	refs int
}

// BoltStore is a Store backed by one bucket of a bbolt file.
type BoltStore[T any] struct {
	path   string
	bucket []byte

	closeOnce sync.Once
}

// OpenBolt opens (creating if needed) the bucket in the database at path.
func OpenBolt[T any](path, bucket string) (*BoltStore[T], error) {
	dbsMu.Lock()
	defer dbsMu.Unlock()

	r, ok := dbs[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("boltstore: create directory: %w", err)
		}
		db, err := bolt.Open(path, 0o600, &bolt.Options{
			Timeout:      openTimeout,
			FreelistType: bolt.FreelistMapType,
		})
		if err != nil {
			return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
		}
		r = &refDB{db: db}
		dbs[path] = r
	}

	err := r.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		if r.refs == 0 {
			_ = r.db.Close()
			delete(dbs, path)
		}
		return nil, fmt.Errorf("boltstore: create bucket %s: %w", bucket, err)
	}
	r.refs++

	return &BoltStore[T]{path: path, bucket: []byte(bucket)}, nil
}

func (s *BoltStore[T]) db() (*bolt.DB, error) {
	dbsMu.Lock()
	defer dbsMu.Unlock()
	r, ok := dbs[s.path]
	if !ok {
		return nil, fmt.Errorf("boltstore: %s: %w", s.path, bolt.ErrDatabaseNotOpen)
	}
	return r.db, nil
}

func (s *BoltStore[T]) view(fn func(b *bolt.Bucket) error) error {
	db, err := s.db()
	if err != nil {
		return err
	}
	return db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(s.bucket))
	})
}

func (s *BoltStore[T]) update(fn func(b *bolt.Bucket) error) error {
	db, err := s.db()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(s.bucket))
	})
}

func (s *BoltStore[T]) Get(_ context.Context, key string) (*T, error) {
	var value T
	err := s.view(func(b *bolt.Bucket) error {
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("key %q: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &value)
	})
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func (s *BoltStore[T]) Put(_ context.Context, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("boltstore: encode %q: %w", key, err)
	}
	return s.update(func(b *bolt.Bucket) error {
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore[T]) Delete(_ context.Context, key string) error {
	return s.update(func(b *bolt.Bucket) error {
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore[T]) Scan(_ context.Context, prefix string, fn func(key string, value *T) error) error {
	return s.view(func(b *bolt.Bucket) error {
		p := []byte(prefix)
		c := b.Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var value T
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("boltstore: decode %q: %w", k, err)
			}
			if err := fn(string(k), &value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the bucket. The file is closed with its last bucket.
func (s *BoltStore[T]) Close() error {
	var err error
	s.closeOnce.Do(func() {
		dbsMu.Lock()
		defer dbsMu.Unlock()

		r, ok := dbs[s.path]
		if !ok {
			return
		}
		r.refs--
		if r.refs > 0 {
			return
		}
		delete(dbs, s.path)
		err = r.db.Close()
		log.L.WithField("path", s.path).Debug("boltstore: database closed")
	})
	return err
}
