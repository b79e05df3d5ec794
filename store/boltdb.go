package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/boltdb/bolt"
	"github.com/pingcap/errors"
)

// BoltStore wraps a single BoltDB file as Store, with each partition
// addressed by its own bucket (namespace).
type BoltStore struct {
	sync.RWMutex

	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB file at path, ensuring
// a bucket exists for every namespace passed in.
func NewBoltStore(path string, namespaces [][]byte) (Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	tx, err := db.Begin(true)
	if err != nil {
		return nil, errors.Trace(err)
	}

	for _, namespace := range namespaces {
		if _, err = tx.CreateBucketIfNotExists(namespace); err != nil {
			tx.Rollback()
			return nil, errors.Trace(err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, errors.Trace(err)
	}

	return &BoltStore{db: db}, nil
}

// EnsureNamespace creates namespace's bucket if it does not yet exist,
// used when a new partition is created on an already-open store.
func (s *BoltStore) EnsureNamespace(namespace []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(namespace)
		return errors.Trace(err)
	})
}

func (s *BoltStore) Get(namespace []byte, key []byte) ([]byte, error) {
	var value []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(namespace)
		if b == nil {
			return errors.NotFoundf("bolt: bucket %s", namespace)
		}

		v := b.Get(key)
		if v == nil {
			return errors.NotFoundf("key %s", key)
		}

		value = append(value, v...)
		return nil
	})

	return value, errors.Trace(err)
}

func (s *BoltStore) Put(namespace []byte, key []byte, payload []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(namespace)
		if b == nil {
			return errors.NotFoundf("bolt: bucket %s", namespace)
		}
		return errors.Trace(b.Put(key, payload))
	})
	return errors.Trace(err)
}

func (s *BoltStore) Delete(namespace []byte, key []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(namespace)
		if b == nil {
			return errors.NotFoundf("bolt: bucket %s", namespace)
		}
		return errors.Trace(b.Delete(key))
	})
	return errors.Trace(err)
}

func (s *BoltStore) Scan(namespace []byte, startKey []byte, f func([]byte, []byte) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(namespace)
		if bucket == nil {
			return errors.NotFoundf("bolt: bucket %s", namespace)
		}

		c := bucket.Cursor()
		for ck, cv := c.Seek(startKey); ck != nil && f(ck, cv); ck, cv = c.Next() {
		}
		return nil
	})
}

func (s *BoltStore) Commit(namespace []byte, batch Batch) error {
	bt, ok := batch.(*boltBatch)
	if !ok {
		return errors.Errorf("invalid batch type %T", batch)
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(namespace)
		if b == nil {
			return errors.NotFoundf("bolt: bucket %s", namespace)
		}

		var err error
		for _, w := range bt.writes {
			if w.isDelete {
				err = b.Delete(w.key)
			} else {
				err = b.Put(w.key, w.value)
			}
			if err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	})
	return errors.Trace(err)
}

func (s *BoltStore) NewBatch() Batch {
	return &boltBatch{}
}

// Snapshot dumps namespace's bucket alone into a fresh BoltDB file under
// dir, named snapshot.db, so a cold follower's bootstrap transfer never
// has to ship other partitions' data (spec.md §4.10).
func (s *BoltStore) Snapshot(namespace []byte, dir string) error {
	dest := filepath.Join(dir, "snapshot.db")
	os.Remove(dest)

	dst, err := bolt.Open(dest, 0600, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer dst.Close()

	return errors.Trace(s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(namespace)
		if b == nil {
			return errors.NotFoundf("bolt: bucket %s", namespace)
		}
		return dst.Update(func(dtx *bolt.Tx) error {
			db, err := dtx.CreateBucketIfNotExists(namespace)
			if err != nil {
				return errors.Trace(err)
			}
			return b.ForEach(func(k, v []byte) error {
				return db.Put(append([]byte(nil), k...), append([]byte(nil), v...))
			})
		})
	}))
}

// LoadSnapshot replaces namespace's bucket contents with what a peer's
// Snapshot dumped at path, used once rsync-style bootstrap transfer
// completes (spec.md §4.9 step 2).
func (s *BoltStore) LoadSnapshot(namespace []byte, path string) error {
	src, err := bolt.Open(path, 0400, &bolt.Options{ReadOnly: true})
	if err != nil {
		return errors.Trace(err)
	}
	defer src.Close()

	return errors.Trace(s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(namespace); err != nil && err != bolt.ErrBucketNotFound {
			return errors.Trace(err)
		}
		dst, err := tx.CreateBucket(namespace)
		if err != nil {
			return errors.Trace(err)
		}

		return errors.Trace(src.View(func(stx *bolt.Tx) error {
			b := stx.Bucket(namespace)
			if b == nil {
				return nil
			}
			return b.ForEach(func(k, v []byte) error {
				return dst.Put(append([]byte(nil), k...), append([]byte(nil), v...))
			})
		}))
	}))
}

// Size reports the bucket's approximate footprint via bolt's own stats.
func (s *BoltStore) Size(namespace []byte) (int64, error) {
	var size int64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(namespace)
		if b == nil {
			return nil
		}
		stats := b.Stats()
		size = int64(stats.LeafAlloc + stats.BranchAlloc)
		return nil
	})
	return size, errors.Trace(err)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

type write struct {
	key      []byte
	value    []byte
	isDelete bool
}

type boltBatch struct {
	writes []write
}

func (b *boltBatch) Put(key []byte, value []byte) {
	b.writes = append(b.writes, write{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

func (b *boltBatch) Delete(key []byte) {
	b.writes = append(b.writes, write{
		key:      append([]byte(nil), key...),
		isDelete: true,
	})
}

func (b *boltBatch) Len() int {
	return len(b.writes)
}
