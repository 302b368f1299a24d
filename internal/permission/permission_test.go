package permission

import (
	"testing"

	"github.com/folddb/folddb/internal/kv"
	"github.com/folddb/folddb/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_NoRequirement(t *testing.T) {
	w := New(kv.NewMemStore())
	err := w.Evaluate("User", "username", types.PermissionOpRead,
		types.PermissionPolicy{Kind: types.PermissionNoRequirement}, "pk1", 99)
	assert.NoError(t, err)
}

func TestEvaluate_TrustDistance(t *testing.T) {
	w := New(kv.NewMemStore())
	policy := types.PermissionPolicy{Kind: types.PermissionTrustDistance, Trust: 2}

	assert.NoError(t, w.Evaluate("User", "email", types.PermissionOpRead, policy, "pk1", 2))
	err := w.Evaluate("User", "email", types.PermissionOpRead, policy, "pk1", 3)
	assert.Error(t, err)
}

func TestEvaluate_ExplicitOnce_ExhaustsAfterOneUse(t *testing.T) {
	w := New(kv.NewMemStore())
	policy := types.PermissionPolicy{Kind: types.PermissionExplicitOnce}

	require.NoError(t, w.Grant("User", "ssn", types.PermissionOpRead, "pk1",
		types.Count{Kind: types.CountLimited, Limit: 1}))

	require.NoError(t, w.Evaluate("User", "ssn", types.PermissionOpRead, policy, "pk1", 0))

	err := w.Evaluate("User", "ssn", types.PermissionOpRead, policy, "pk1", 0)
	assert.Error(t, err)
}

func TestEvaluate_ExplicitMany_UnlimitedNeverDecrements(t *testing.T) {
	w := New(kv.NewMemStore())
	policy := types.PermissionPolicy{Kind: types.PermissionExplicitMany}

	require.NoError(t, w.Grant("User", "bio", types.PermissionOpWrite, "pk1",
		types.Count{Kind: types.CountUnlimited}))

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Evaluate("User", "bio", types.PermissionOpWrite, policy, "pk1", 0))
	}
}

func TestGrant_ReadAndWriteCountersAreIndependent(t *testing.T) {
	w := New(kv.NewMemStore())
	policy := types.PermissionPolicy{Kind: types.PermissionExplicitOnce}

	require.NoError(t, w.Grant("User", "ssn", types.PermissionOpRead, "pk1",
		types.Count{Kind: types.CountLimited, Limit: 1}))

	// A read grant does not open the write side of the record.
	err := w.Evaluate("User", "ssn", types.PermissionOpWrite, policy, "pk1", 0)
	assert.Error(t, err)

	require.NoError(t, w.Evaluate("User", "ssn", types.PermissionOpRead, policy, "pk1", 0))
}

func TestEvaluate_ExplicitMany_NoGrantDenied(t *testing.T) {
	w := New(kv.NewMemStore())
	policy := types.PermissionPolicy{Kind: types.PermissionExplicitMany}

	err := w.Evaluate("User", "bio", types.PermissionOpWrite, policy, "unknown-pk", 0)
	assert.Error(t, err)
}
