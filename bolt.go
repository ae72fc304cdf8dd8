package cmdbus

import (
	"context"
	"time"

	"go.etcd.io/bbolt"
)

type (
	// BoltDocStore is a DocStore persisted in a bbolt file. Each collection
	// is a bucket whose keys are kept sorted by bbolt itself
	BoltDocStore struct {
		db *bbolt.DB
	}

	boltTx struct {
		tx *bbolt.Tx
	}
)

// DefaultBoltTimeout bounds how long Open waits for the file lock
const DefaultBoltTimeout = 5 * time.Second

var (
	_ DocStore = (*BoltDocStore)(nil)

	docsBucketKey = []byte("docs")
)

// OpenBoltDocStore opens or creates a bbolt database at path
func OpenBoltDocStore(path string) (*BoltDocStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: DefaultBoltTimeout,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(docsBucketKey)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltDocStore{db: db}, nil
}

// View implements DocStore
func (s *BoltDocStore) View(ctx context.Context, fn func(DocTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Update implements DocStore
func (s *BoltDocStore) Update(
	ctx context.Context, fn func(DocTx) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Close implements DocStore
func (s *BoltDocStore) Close() error {
	return s.db.Close()
}

func (t *boltTx) bucket(name string) *bbolt.Bucket {
	root := t.tx.Bucket(docsBucketKey)
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(name))
}

func (t *boltTx) Get(path string) ([]byte, bool, error) {
	name, key := SplitPath(path)
	b := t.bucket(name)
	if b == nil {
		return nil, false, nil
	}
	v := b.Get([]byte(key))
	if v == nil {
		return nil, false, nil
	}
	return copyBytes(v), true, nil
}

func (t *boltTx) Set(path string, data []byte) error {
	if !t.tx.Writable() {
		return ErrReadOnlyTx
	}
	name, key := SplitPath(path)
	root, err := t.tx.CreateBucketIfNotExists(docsBucketKey)
	if err != nil {
		return err
	}
	b, err := root.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func (t *boltTx) Merge(path string, fields map[string]any) error {
	cur, _, err := t.Get(path)
	if err != nil {
		return err
	}
	data, err := MergeFields(cur, fields)
	if err != nil {
		return err
	}
	return t.Set(path, data)
}

func (t *boltTx) Scan(name, from string, limit int) ([]Doc, error) {
	res := []Doc{}
	b := t.bucket(name)
	if b == nil {
		return res, nil
	}
	c := b.Cursor()
	for k, v := c.Seek([]byte(from)); k != nil; k, v = c.Next() {
		if v == nil {
			continue
		}
		res = append(res, Doc{Key: string(k), Data: copyBytes(v)})
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res, nil
}

func copyBytes(b []byte) []byte {
	res := make([]byte, len(b))
	copy(res, b)
	return res
}
