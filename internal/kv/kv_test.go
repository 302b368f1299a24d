package kv

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/folddb/folddb/internal/ferrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltStore_PutGetDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "folddb.db"))
	require.NoError(t, err)
	defer store.Close()

	err = store.Put(NamespaceAtoms, "a1", []byte(`{"x":1}`))
	require.NoError(t, err)

	v, err := store.Get(NamespaceAtoms, "a1")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(v))

	_, err = store.Get(NamespaceAtoms, "missing")
	assert.True(t, errors.Is(err, ferrors.ErrNotFound))

	require.NoError(t, store.Delete(NamespaceAtoms, "a1"))
	_, err = store.Get(NamespaceAtoms, "a1")
	assert.True(t, errors.Is(err, ferrors.ErrNotFound))
}

func TestBoltStore_ScanPrefixAndListKeys(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "folddb.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(NamespaceRefs, "w:n", []byte("25")))
	require.NoError(t, store.Put(NamespaceRefs, "w:s", []byte("18")))
	require.NoError(t, store.Put(NamespaceRefs, "s:d", []byte("5")))

	entries, err := store.ScanPrefix(NamespaceRefs, "w:")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "w:n", entries[0].Key)
	assert.Equal(t, "w:s", entries[1].Key)

	keys, err := store.ListKeys(NamespaceRefs)
	require.NoError(t, err)
	assert.Equal(t, []string{"s:d", "w:n", "w:s"}, keys)
}

func TestBoltStore_BatchAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "folddb.db"))
	require.NoError(t, err)
	defer store.Close()

	boom := errors.New("boom")
	err = store.Batch(func(tx Tx) error {
		require.NoError(t, tx.Put(NamespaceRefs, "w:n", []byte("25")))
		require.NoError(t, tx.Put(NamespaceRefs, "w:s", []byte("18")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.Get(NamespaceRefs, "w:n")
	assert.True(t, errors.Is(err, ferrors.ErrNotFound), "failed batch must not leave partial writes")
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "folddb.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(NamespaceSchemas, "U", []byte(`{"name":"U"}`)))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get(NamespaceSchemas, "U")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"U"}`, string(v))
}

func TestMemStore_SatisfiesStore(t *testing.T) {
	var store Store = NewMemStore()
	require.NoError(t, store.Put(NamespaceAtoms, "a1", []byte("x")))
	v, err := store.Get(NamespaceAtoms, "a1")
	require.NoError(t, err)
	assert.Equal(t, "x", string(v))
}
