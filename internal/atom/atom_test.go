package atom

import (
	"testing"

	"github.com/folddb/folddb/internal/kv"
	"github.com/folddb/folddb/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetAtom(t *testing.T) {
	l := New(kv.NewMemStore())

	uuid, err := l.CreateAtom("User", "pk1", "", map[string]interface{}{"name": "ada"}, types.AtomStatusActive)
	require.NoError(t, err)
	require.NotEmpty(t, uuid)

	a, err := l.GetAtom(uuid)
	require.NoError(t, err)
	assert.Equal(t, "User", a.SchemaName)
	assert.Equal(t, "pk1", a.SourcePubKey)
	assert.Empty(t, a.PrevAtomUUID)
}

func TestUpdateSingleRef_GhostUUIDRecovery(t *testing.T) {
	l := New(kv.NewMemStore())

	// No EnsureRef call first: the ref UUID is a ghost until written.
	refUUID := "ref-single-1"
	a1, err := l.UpdateSingleRef(refUUID, "User", "pk1", "v1")
	require.NoError(t, err)

	ref, err := l.GetRef(refUUID)
	require.NoError(t, err)
	assert.Equal(t, types.RefVariantSingle, ref.Variant)
	assert.Equal(t, a1, ref.AtomUUID)

	a2, err := l.UpdateSingleRef(refUUID, "User", "pk1", "v2")
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)

	atom2, err := l.GetAtom(a2)
	require.NoError(t, err)
	assert.Equal(t, a1, atom2.PrevAtomUUID)

	history, err := l.AtomHistory(refUUID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, a2, history[0].UUID)
	assert.Equal(t, a1, history[1].UUID)
}

func TestUpdateSingleRef_WrongVariant(t *testing.T) {
	l := New(kv.NewMemStore())
	require.NoError(t, l.EnsureRef("ref-1", types.RefVariantCollection, "pk1"))

	_, err := l.UpdateSingleRef("ref-1", "User", "pk1", "v1")
	assert.Error(t, err)
}

func TestCollectionRef_AppendAndRemove(t *testing.T) {
	l := New(kv.NewMemStore())
	refUUID := "ref-coll-1"

	a1, err := l.UpdateCollectionRef(refUUID, "Post", "pk1", "first")
	require.NoError(t, err)
	a2, err := l.UpdateCollectionRef(refUUID, "Post", "pk1", "second")
	require.NoError(t, err)

	ref, err := l.GetRef(refUUID)
	require.NoError(t, err)
	assert.Equal(t, []string{a1, a2}, ref.AtomUUIDs)

	require.NoError(t, l.RemoveFromCollectionByUUID(refUUID, "pk1", a1))
	ref, err = l.GetRef(refUUID)
	require.NoError(t, err)
	assert.Equal(t, []string{a2}, ref.AtomUUIDs)

	// Removing an atom not present is a no-op, not an error.
	require.NoError(t, l.RemoveFromCollectionByUUID(refUUID, "pk1", "not-there"))
}

func TestCollectionRef_RemoveByIndexOutOfRange(t *testing.T) {
	l := New(kv.NewMemStore())
	refUUID := "ref-coll-2"
	_, err := l.UpdateCollectionRef(refUUID, "Post", "pk1", "only")
	require.NoError(t, err)

	err = l.RemoveFromCollectionByIndex(refUUID, "pk1", 5)
	assert.Error(t, err)
}

func TestRangeRef_AtomicMultiKeyWrite(t *testing.T) {
	l := New(kv.NewMemStore())
	refUUID := "ref-range-1"

	written, err := l.UpdateRangeRef(refUUID, "Score", "pk1", []RangeWrite{
		{Key: "w:n", Content: 25},
		{Key: "w:s", Content: 18},
		{Key: "s:d", Content: 5},
	})
	require.NoError(t, err)
	require.Len(t, written, 3)

	ref, err := l.GetRef(refUUID)
	require.NoError(t, err)
	require.Len(t, ref.Pairs, 3)
	// Pairs are kept sorted by key.
	assert.Equal(t, "s:d", ref.Pairs[0].Key)
	assert.Equal(t, "w:n", ref.Pairs[1].Key)
	assert.Equal(t, "w:s", ref.Pairs[2].Key)

	// Re-writing one key chains a new atom off the key's own previous atom,
	// leaving the other keys' atoms untouched.
	prevWN := written["w:n"]
	written2, err := l.UpdateRangeRef(refUUID, "Score", "pk1", []RangeWrite{
		{Key: "w:n", Content: 30},
	})
	require.NoError(t, err)

	history, err := l.AtomHistoryForKey(refUUID, "w:n")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, written2["w:n"], history[0].UUID)
	assert.Equal(t, prevWN, history[1].UUID)

	historyOther, err := l.AtomHistoryForKey(refUUID, "w:s")
	require.NoError(t, err)
	require.Len(t, historyOther, 1)
}

func TestRangeRef_WrongVariant(t *testing.T) {
	l := New(kv.NewMemStore())
	require.NoError(t, l.EnsureRef("ref-2", types.RefVariantSingle, "pk1"))

	_, err := l.UpdateRangeRef("ref-2", "Score", "pk1", []RangeWrite{{Key: "a", Content: 1}})
	assert.Error(t, err)
}

func TestDeleteSingleRef_AppendsTombstone(t *testing.T) {
	l := New(kv.NewMemStore())
	refUUID := "ref-del-1"

	a1, err := l.UpdateSingleRef(refUUID, "User", "pk1", "v1")
	require.NoError(t, err)

	tomb, err := l.DeleteSingleRef(refUUID, "User", "pk1")
	require.NoError(t, err)

	atom, err := l.GetAtom(tomb)
	require.NoError(t, err)
	assert.Equal(t, types.AtomStatusDeleted, atom.Status)
	assert.Equal(t, a1, atom.PrevAtomUUID)

	history, err := l.AtomHistory(refUUID)
	require.NoError(t, err)
	assert.Len(t, history, 2, "prior versions survive deletion")
}

func TestAtomHistory_EmptyRefIsNilNotError(t *testing.T) {
	l := New(kv.NewMemStore())
	history, err := l.AtomHistory("never-written")
	require.NoError(t, err)
	assert.Nil(t, history)
}

func TestEnsureRef_Idempotent(t *testing.T) {
	l := New(kv.NewMemStore())
	require.NoError(t, l.EnsureRef("ref-x", types.RefVariantCollection, "pk1"))
	require.NoError(t, l.EnsureRef("ref-x", types.RefVariantCollection, "pk1"))

	ref, err := l.GetRef("ref-x")
	require.NoError(t, err)
	assert.Equal(t, types.RefVariantCollection, ref.Variant)
	assert.Empty(t, ref.AtomUUIDs)
}
