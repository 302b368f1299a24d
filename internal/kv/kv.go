// Package kv is the single process-wide handle for FoldDB's embedded
// ordered key-value store. It wraps bbolt and exposes namespaced "trees"
// (one bucket per namespace) to every other component; no component may
// open the underlying *bolt.DB directly, which is the invariant that keeps
// atom/ref/schema/transform state consistent across restarts.
package kv

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/folddb/folddb/internal/ferrors"
	bolt "go.etcd.io/bbolt"
)

// Namespace names one logical bucket in the store.
type Namespace string

const (
	NamespaceAtoms             Namespace = "atoms"
	NamespaceRefs              Namespace = "refs"
	NamespaceSchemas           Namespace = "schemas"
	NamespaceSchemaStates      Namespace = "schema_states"
	NamespaceTransforms        Namespace = "transforms"
	NamespaceTransformMappings Namespace = "transform_mappings"
	NamespaceOrchestratorQueue Namespace = "orchestrator_queue"
	NamespacePermissions       Namespace = "permissions"
	NamespaceMetadata          Namespace = "metadata"
)

// AllNamespaces lists every bucket the store must create on open.
var AllNamespaces = []Namespace{
	NamespaceAtoms,
	NamespaceRefs,
	NamespaceSchemas,
	NamespaceSchemaStates,
	NamespaceTransforms,
	NamespaceTransformMappings,
	NamespaceOrchestratorQueue,
	NamespacePermissions,
	NamespaceMetadata,
}

// Entry is one key/value pair as returned by a prefix scan.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the interface every other FoldDB component depends on. It is
// implemented by BoltStore; tests may substitute an in-memory fake that
// satisfies the same contract.
type Store interface {
	Get(ns Namespace, key string) ([]byte, error)
	Put(ns Namespace, key string, value []byte) error
	Delete(ns Namespace, key string) error
	ScanPrefix(ns Namespace, prefix string) ([]Entry, error)
	ListKeys(ns Namespace) ([]string, error)
	// Batch runs fn inside a single atomic transaction spanning one or more
	// namespaces; either every call to the passed Tx commits, or none do.
	Batch(fn func(tx Tx) error) error
	Flush() error
	Close() error
}

// Tx is the transactional handle passed to Batch callbacks.
type Tx interface {
	Put(ns Namespace, key string, value []byte) error
	Get(ns Namespace, key string) ([]byte, error)
	Delete(ns Namespace, key string) error
}

// BoltStore implements Store on top of go.etcd.io/bbolt.
type BoltStore struct {
	mu sync.RWMutex
	db *bolt.DB
}

// Open opens (creating if necessary) the embedded database at path and
// ensures every namespace bucket exists.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ferrors.ErrIO, path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, ns := range AllNamespaces {
			if _, err := tx.CreateBucketIfNotExists([]byte(ns)); err != nil {
				return fmt.Errorf("create bucket %s: %w", ns, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ferrors.ErrIO, err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Flush does nothing and returns nil: bbolt already fsyncs on every
// committed Update transaction, so the method is kept only for interface
// parity with KV engines that batch fsyncs.
func (s *BoltStore) Flush() error {
	return nil
}

// Get reads a single key from a namespace.
func (s *BoltStore) Get(ns Namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			return fmt.Errorf("%w: namespace %s", ferrors.ErrIO, ns)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", ferrors.ErrNotFound, ns, key)
		}
		out = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put writes a single key in a namespace, creating or overwriting it.
func (s *BoltStore) Put(ns Namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			return fmt.Errorf("%w: namespace %s", ferrors.ErrIO, ns)
		}
		return b.Put([]byte(key), value)
	})
}

// Delete removes a key from a namespace. Deleting a missing key is not an
// error (idempotent, matching bbolt's own semantics).
func (s *BoltStore) Delete(ns Namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			return fmt.Errorf("%w: namespace %s", ferrors.ErrIO, ns)
		}
		return b.Delete([]byte(key))
	})
}

// ScanPrefix returns every entry in a namespace whose key has the given
// prefix, sorted by key (bbolt buckets are already byte-ordered, so this is
// a cursor seek rather than a full scan+sort).
func (s *BoltStore) ScanPrefix(ns Namespace, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			return fmt.Errorf("%w: namespace %s", ferrors.ErrIO, ns)
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			out = append(out, Entry{Key: string(k), Value: append([]byte(nil), v...)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListKeys returns every key in a namespace, sorted.
func (s *BoltStore) ListKeys(ns Namespace) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			return fmt.Errorf("%w: namespace %s", ferrors.ErrIO, ns)
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Batch runs fn inside a single bbolt write transaction: every Put/Delete
// issued through the Tx either all commit or none do. This is the
// transactional boundary that makes multi-key Range writes and schema
// approval atomic.
func (s *BoltStore) Batch(fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&boltTx{btx: btx})
	})
}

type boltTx struct {
	btx *bolt.Tx
}

func (t *boltTx) Put(ns Namespace, key string, value []byte) error {
	b := t.btx.Bucket([]byte(ns))
	if b == nil {
		return fmt.Errorf("%w: namespace %s", ferrors.ErrIO, ns)
	}
	return b.Put([]byte(key), value)
}

func (t *boltTx) Get(ns Namespace, key string) ([]byte, error) {
	b := t.btx.Bucket([]byte(ns))
	if b == nil {
		return nil, fmt.Errorf("%w: namespace %s", ferrors.ErrIO, ns)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return nil, fmt.Errorf("%w: %s/%s", ferrors.ErrNotFound, ns, key)
	}
	return append([]byte(nil), data...), nil
}

func (t *boltTx) Delete(ns Namespace, key string) error {
	b := t.btx.Bucket([]byte(ns))
	if b == nil {
		return fmt.Errorf("%w: namespace %s", ferrors.ErrIO, ns)
	}
	return b.Delete([]byte(key))
}
