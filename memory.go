package cmdbus

import (
	"context"
	"strings"
	"sync"

	"github.com/zhangyunhao116/skipmap"
)

type (
	// MemoryDocStore is a DocStore held in process memory. Writers are
	// serialized and roll back on failure
	MemoryDocStore struct {
		mu          sync.RWMutex
		collections map[string]*collection
	}

	collection = skipmap.FuncMap[string, []byte]

	memoryTx struct {
		store    *MemoryDocStore
		writable bool
		undo     []undoEntry
		touched  map[string]bool
	}

	undoEntry struct {
		collection string
		key        string
		data       []byte
		existed    bool
	}
)

var _ DocStore = (*MemoryDocStore)(nil)

// NewMemoryDocStore returns an empty in-memory DocStore
func NewMemoryDocStore() *MemoryDocStore {
	return &MemoryDocStore{
		collections: map[string]*collection{},
	}
}

// View implements DocStore
func (s *MemoryDocStore) View(ctx context.Context, fn func(DocTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memoryTx{store: s})
}

// Update implements DocStore
func (s *MemoryDocStore) Update(
	ctx context.Context, fn func(DocTx) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:    s,
		writable: true,
		touched:  map[string]bool{},
	}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// Close implements DocStore
func (s *MemoryDocStore) Close() error {
	return nil
}

func newCollection() *collection {
	return skipmap.NewFunc[string, []byte](func(a, b string) bool {
		return a < b
	})
}

func (tx *memoryTx) Get(path string) ([]byte, bool, error) {
	name, key := SplitPath(path)
	coll, ok := tx.store.collections[name]
	if !ok {
		return nil, false, nil
	}
	data, ok := coll.Load(key)
	return data, ok, nil
}

func (tx *memoryTx) Set(path string, data []byte) error {
	if !tx.writable {
		return ErrReadOnlyTx
	}
	name, key := SplitPath(path)
	coll, ok := tx.store.collections[name]
	if !ok {
		coll = newCollection()
		tx.store.collections[name] = coll
	}

	if !tx.touched[path] {
		prev, existed := coll.Load(key)
		tx.undo = append(tx.undo, undoEntry{
			collection: name,
			key:        key,
			data:       prev,
			existed:    existed,
		})
		tx.touched[path] = true
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	coll.Store(key, cp)
	return nil
}

func (tx *memoryTx) Merge(path string, fields map[string]any) error {
	cur, _, err := tx.Get(path)
	if err != nil {
		return err
	}
	data, err := MergeFields(cur, fields)
	if err != nil {
		return err
	}
	return tx.Set(path, data)
}

func (tx *memoryTx) Scan(name, from string, limit int) ([]Doc, error) {
	coll, ok := tx.store.collections[name]
	if !ok {
		return []Doc{}, nil
	}
	res := []Doc{}
	coll.Range(func(key string, data []byte) bool {
		if strings.Compare(key, from) < 0 {
			return true
		}
		res = append(res, Doc{Key: key, Data: data})
		return limit <= 0 || len(res) < limit
	})
	return res, nil
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		u := tx.undo[i]
		coll := tx.store.collections[u.collection]
		if u.existed {
			coll.Store(u.key, u.data)
		} else {
			coll.Delete(u.key)
		}
	}
}
