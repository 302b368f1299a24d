package kv

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/folddb/folddb/internal/ferrors"
)

// MemStore is an in-memory Store used by component tests that do not need
// to exercise restart/persistence behavior (that is covered by BoltStore
// tests and the facade's restart scenario).
type MemStore struct {
	mu   sync.RWMutex
	data map[Namespace]map[string][]byte
}

// NewMemStore creates an empty in-memory store with every namespace ready.
func NewMemStore() *MemStore {
	m := &MemStore{data: make(map[Namespace]map[string][]byte)}
	for _, ns := range AllNamespaces {
		m.data[ns] = make(map[string][]byte)
	}
	return m
}

func (m *MemStore) Get(ns Namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[ns][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ferrors.ErrNotFound, ns, key)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemStore) Put(ns Namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[ns][key] = append([]byte(nil), value...)
	return nil
}

func (m *MemStore) Delete(ns Namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[ns], key)
	return nil
}

func (m *MemStore) ScanPrefix(ns Namespace, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for k, v := range m.data[ns] {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Entry{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemStore) ListKeys(ns Namespace) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data[ns]))
	for k := range m.data[ns] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Batch stages every Put/Delete issued through the Tx in memory and only
// applies them to the store if fn returns nil, mirroring bbolt's
// update-or-rollback transaction semantics so the in-memory test double
// honors the same all-or-nothing write boundary as BoltStore.
func (m *MemStore) Batch(fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{store: m, puts: map[Namespace]map[string][]byte{}, deletes: map[Namespace]map[string]bool{}}
	if err := fn(tx); err != nil {
		return err
	}
	for ns, kvs := range tx.puts {
		for k, v := range kvs {
			m.data[ns][k] = v
		}
	}
	for ns, ks := range tx.deletes {
		for k := range ks {
			delete(m.data[ns], k)
		}
	}
	return nil
}

func (m *MemStore) Flush() error { return nil }
func (m *MemStore) Close() error { return nil }

// memTx stages writes against its parent MemStore without mutating it until
// the enclosing Batch call commits.
type memTx struct {
	store   *MemStore
	puts    map[Namespace]map[string][]byte
	deletes map[Namespace]map[string]bool
}

func (t *memTx) Put(ns Namespace, key string, value []byte) error {
	if t.puts[ns] == nil {
		t.puts[ns] = map[string][]byte{}
	}
	t.puts[ns][key] = append([]byte(nil), value...)
	if t.deletes[ns] != nil {
		delete(t.deletes[ns], key)
	}
	return nil
}

func (t *memTx) Get(ns Namespace, key string) ([]byte, error) {
	if t.deletes[ns] != nil && t.deletes[ns][key] {
		return nil, fmt.Errorf("%w: %s/%s", ferrors.ErrNotFound, ns, key)
	}
	if v, ok := t.puts[ns][key]; ok {
		return append([]byte(nil), v...), nil
	}
	v, ok := t.store.data[ns][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ferrors.ErrNotFound, ns, key)
	}
	return append([]byte(nil), v...), nil
}

func (t *memTx) Delete(ns Namespace, key string) error {
	if t.deletes[ns] == nil {
		t.deletes[ns] = map[string]bool{}
	}
	t.deletes[ns][key] = true
	if t.puts[ns] != nil {
		delete(t.puts[ns], key)
	}
	return nil
}
