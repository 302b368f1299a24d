package foldb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/folddb/folddb/internal/config"
	"github.com/folddb/folddb/internal/field"
	"github.com/folddb/folddb/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noPerm() types.FieldPermissions {
	return types.FieldPermissions{
		Read:  types.PermissionPolicy{Kind: types.PermissionNoRequirement},
		Write: types.PermissionPolicy{Kind: types.PermissionNoRequirement},
	}
}

func schemaJSON(t *testing.T, s types.Schema) []byte {
	t.Helper()
	data, err := json.Marshal(s)
	require.NoError(t, err)
	return data
}

func openTestDB(t *testing.T) *FoldDB {
	t.Helper()
	db, err := OpenMem(config.Default(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func ctxFor(pubKey string) types.RequesterContext {
	return types.RequesterContext{PubKey: pubKey, TrustDistance: 0}
}

// S1: Approve -> Write -> Read Single, plus a one-entry history.
func TestS1_ApproveWriteReadSingle(t *testing.T) {
	db := openTestDB(t)

	u := types.Schema{Name: "U", Fields: map[string]types.FieldDef{
		"n": {Variant: types.RefVariantSingle, Permissions: noPerm()},
	}}
	_, err := db.AddSchemaToAvailable(schemaJSON(t, u), "U")
	require.NoError(t, err)
	require.NoError(t, db.ApproveSchema("U"))

	require.NoError(t, db.Mutate(Mutation{
		Schema: "U", Op: MutationOpCreate,
		Data: map[string]interface{}{"n": "a"},
		Ctx:  ctxFor("pk1"),
	}))

	results, err := db.Query(Query{Schema: "U", Fields: []QueryField{{Field: "n"}}, Ctx: ctxFor("pk1")})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "a", results[0].Value)

	history, err := db.FieldHistory("U", "n", "", ctxFor("pk1"))
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

// S2: Range write atomicity and a KeyPrefix filter.
func TestS2_RangeWriteAndPrefixFilter(t *testing.T) {
	db := openTestDB(t)

	p := types.Schema{Name: "P", Fields: map[string]types.FieldDef{
		"inv": {Variant: types.RefVariantRange, Permissions: noPerm()},
	}}
	_, err := db.AddSchemaToAvailable(schemaJSON(t, p), "P")
	require.NoError(t, err)
	require.NoError(t, db.ApproveSchema("P"))

	require.NoError(t, db.Mutate(Mutation{
		Schema: "P", Op: MutationOpUpdate,
		Data: map[string]interface{}{
			"inv": map[string]interface{}{"w:n": "25", "w:s": "18", "s:d": "5"},
		},
		Ctx: ctxFor("pk1"),
	}))

	results, err := db.Query(Query{
		Schema: "P",
		Fields: []QueryField{{Field: "inv", Filter: &field.RangeFilter{Kind: field.RangeFilterKeyPrefix, Prefix: "w:"}}},
		Ctx:    ctxFor("pk1"),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, map[string]interface{}{"w:n": "25", "w:s": "18"}, results[0].Value)
}

// S3: Transform cascade, including re-derivation after the inputs change.
func TestS3_TransformCascade(t *testing.T) {
	db := openTestDB(t)
	setupBAndD(t, db)

	require.NoError(t, db.Mutate(Mutation{Schema: "B", Op: MutationOpUpdate,
		Data: map[string]interface{}{"x": 2.0, "y": 3.0}, Ctx: ctxFor("pk1")}))
	require.NoError(t, db.DrainTransforms())

	results, err := db.Query(Query{Schema: "D", Fields: []QueryField{{Field: "z"}}, Ctx: ctxFor("pk1")})
	require.NoError(t, err)
	assert.Equal(t, 5.0, results[0].Value)

	require.NoError(t, db.Mutate(Mutation{Schema: "B", Op: MutationOpUpdate,
		Data: map[string]interface{}{"x": 10.0}, Ctx: ctxFor("pk1")}))
	require.NoError(t, db.DrainTransforms())

	results, err = db.Query(Query{Schema: "D", Fields: []QueryField{{Field: "z"}}, Ctx: ctxFor("pk1")})
	require.NoError(t, err)
	assert.Equal(t, 13.0, results[0].Value)
}

func setupBAndD(t *testing.T, db *FoldDB) {
	t.Helper()
	b := types.Schema{Name: "B", Fields: map[string]types.FieldDef{
		"x": {Variant: types.RefVariantSingle, Permissions: noPerm()},
		"y": {Variant: types.RefVariantSingle, Permissions: noPerm()},
	}}
	_, err := db.AddSchemaToAvailable(schemaJSON(t, b), "B")
	require.NoError(t, err)
	require.NoError(t, db.ApproveSchema("B"))

	d := types.Schema{Name: "D", Fields: map[string]types.FieldDef{
		"z": {Variant: types.RefVariantSingle, Permissions: noPerm(),
			Transform: "trust: unrestricted\npayment: none\nreversible: false\nreturn B.x + B.y"},
	}}
	_, err = db.AddSchemaToAvailable(schemaJSON(t, d), "D")
	require.NoError(t, err)
	require.NoError(t, db.ApproveSchema("D"))
}

// S4: ExplicitOnce under concurrent readers -- exactly one succeeds.
func TestS4_ExplicitOnceExhaustionUnderConcurrency(t *testing.T) {
	db := openTestDB(t)

	u := types.Schema{Name: "U", Fields: map[string]types.FieldDef{
		"f": {Variant: types.RefVariantSingle, Permissions: types.FieldPermissions{
			Read:  types.PermissionPolicy{Kind: types.PermissionExplicitOnce},
			Write: types.PermissionPolicy{Kind: types.PermissionNoRequirement},
		}},
	}}
	_, err := db.AddSchemaToAvailable(schemaJSON(t, u), "U")
	require.NoError(t, err)
	require.NoError(t, db.ApproveSchema("U"))
	require.NoError(t, db.Mutate(Mutation{Schema: "U", Op: MutationOpCreate,
		Data: map[string]interface{}{"f": "secret"}, Ctx: ctxFor("admin")}))

	require.NoError(t, db.Grant("U", "f", types.PermissionOpRead, "K", types.Count{Kind: types.CountLimited, Limit: 1}))

	const attempts = 8
	var wg sync.WaitGroup
	successes := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results, err := db.Query(Query{Schema: "U", Fields: []QueryField{{Field: "f"}}, Ctx: ctxFor("K")})
			successes[i] = err == nil && results[0].Err == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one concurrent ExplicitOnce read should succeed")
}

// S5: schema content dedup is idempotent; differing content collides.
func TestS5_SchemaDedupIdempotence(t *testing.T) {
	db := openTestDB(t)

	x := types.Schema{Name: "U", Fields: map[string]types.FieldDef{
		"n": {Variant: types.RefVariantSingle, Permissions: noPerm()},
	}}
	_, err := db.AddSchemaToAvailable(schemaJSON(t, x), "U")
	require.NoError(t, err)

	_, err = db.AddSchemaToAvailable(schemaJSON(t, x), "U")
	assert.NoError(t, err, "re-adding identical content is idempotent")

	y := types.Schema{Name: "U", Fields: map[string]types.FieldDef{
		"n": {Variant: types.RefVariantCollection, Permissions: noPerm()},
	}}
	_, err = db.AddSchemaToAvailable(schemaJSON(t, y), "U")
	assert.Error(t, err)
}

// S6: state survives a close/reopen cycle against the same bbolt file, and
// the orchestrator queue is drained (empty) afterward.
func TestS6_PersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "folddb.db")
	cfg := config.Default(dir)
	cfg.AvailableSchemasDir = ""
	cfg.DataSchemasDir = ""

	db, err := Open(dbPath, cfg)
	require.NoError(t, err)

	u := types.Schema{Name: "U", Fields: map[string]types.FieldDef{
		"n": {Variant: types.RefVariantSingle, Permissions: noPerm()},
	}}
	_, err = db.AddSchemaToAvailable(schemaJSON(t, u), "U")
	require.NoError(t, err)
	require.NoError(t, db.ApproveSchema("U"))
	require.NoError(t, db.Mutate(Mutation{Schema: "U", Op: MutationOpCreate,
		Data: map[string]interface{}{"n": "a"}, Ctx: ctxFor("pk1")}))

	setupBAndD(t, db)
	require.NoError(t, db.Mutate(Mutation{Schema: "B", Op: MutationOpUpdate,
		Data: map[string]interface{}{"x": 2.0, "y": 3.0}, Ctx: ctxFor("pk1")}))
	require.NoError(t, db.Mutate(Mutation{Schema: "B", Op: MutationOpUpdate,
		Data: map[string]interface{}{"x": 10.0}, Ctx: ctxFor("pk1")}))
	require.NoError(t, db.DrainTransforms())
	require.NoError(t, db.Close())

	reopened, err := Open(dbPath, cfg)
	require.NoError(t, err)
	defer reopened.Close()

	results, err := reopened.Query(Query{Schema: "U", Fields: []QueryField{{Field: "n"}}, Ctx: ctxFor("pk1")})
	require.NoError(t, err)
	assert.Equal(t, "a", results[0].Value)

	results, err = reopened.Query(Query{Schema: "D", Fields: []QueryField{{Field: "z"}}, Ctx: ctxFor("pk1")})
	require.NoError(t, err)
	assert.Equal(t, 13.0, results[0].Value)

	keys, err := reopened.store.ListKeys("orchestrator_queue")
	require.NoError(t, err)
	assert.Empty(t, keys, "no pending queue entries should remain after a full drain")

	_ = os.Remove(dbPath)
}

func TestMutate_DeleteWritesTombstoneKeepingHistory(t *testing.T) {
	db := openTestDB(t)

	u := types.Schema{Name: "U", Fields: map[string]types.FieldDef{
		"n": {Variant: types.RefVariantSingle, Permissions: noPerm()},
	}}
	_, err := db.AddSchemaToAvailable(schemaJSON(t, u), "U")
	require.NoError(t, err)
	require.NoError(t, db.ApproveSchema("U"))

	require.NoError(t, db.Mutate(Mutation{Schema: "U", Op: MutationOpCreate,
		Data: map[string]interface{}{"n": "a"}, Ctx: ctxFor("pk1")}))
	require.NoError(t, db.Mutate(Mutation{Schema: "U", Op: MutationOpDelete,
		Data: map[string]interface{}{"n": nil}, Ctx: ctxFor("pk1")}))

	results, err := db.Query(Query{Schema: "U", Fields: []QueryField{{Field: "n"}}, Ctx: ctxFor("pk1")})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	assert.Nil(t, results[0].Value, "a deleted field reads as absent")

	history, err := db.FieldHistory("U", "n", "", ctxFor("pk1"))
	require.NoError(t, err)
	require.Len(t, history, 2, "the tombstone and the prior version both stay in history")
	assert.Equal(t, types.AtomStatusDeleted, history[0].Status)
	assert.Equal(t, types.AtomStatusActive, history[1].Status)
}

func TestMutate_CollectionOps(t *testing.T) {
	db := openTestDB(t)

	p := types.Schema{Name: "Post", Fields: map[string]types.FieldDef{
		"tags": {Variant: types.RefVariantCollection, Permissions: noPerm()},
	}}
	_, err := db.AddSchemaToAvailable(schemaJSON(t, p), "Post")
	require.NoError(t, err)
	require.NoError(t, db.ApproveSchema("Post"))

	require.NoError(t, db.Mutate(Mutation{Schema: "Post", Op: MutationOpAddToCollection,
		Field: "tags", Value: "go", Ctx: ctxFor("pk1")}))
	require.NoError(t, db.Mutate(Mutation{Schema: "Post", Op: MutationOpAddToCollection,
		Field: "tags", Value: "db", Ctx: ctxFor("pk1")}))

	history, err := db.FieldHistory("Post", "tags", "", ctxFor("pk1"))
	require.NoError(t, err)
	require.NotEmpty(t, history)
	require.NoError(t, db.Mutate(Mutation{Schema: "Post", Op: MutationOpRemoveFromCollection,
		Field: "tags", AtomUUID: history[0].UUID, Ctx: ctxFor("pk1")}))

	results, err := db.Query(Query{Schema: "Post", Fields: []QueryField{{Field: "tags"}}, Ctx: ctxFor("pk1")})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"go"}, results[0].Value)
}

func TestMutate_UpdateRangeKey(t *testing.T) {
	db := openTestDB(t)

	p := types.Schema{Name: "P", Fields: map[string]types.FieldDef{
		"inv": {Variant: types.RefVariantRange, Permissions: noPerm()},
	}}
	_, err := db.AddSchemaToAvailable(schemaJSON(t, p), "P")
	require.NoError(t, err)
	require.NoError(t, db.ApproveSchema("P"))

	require.NoError(t, db.Mutate(Mutation{Schema: "P", Op: MutationOpUpdateRangeKey,
		Field: "inv", RangeKey: "w:n", Value: "25", Ctx: ctxFor("pk1")}))

	results, err := db.Query(Query{
		Schema: "P",
		Fields: []QueryField{{Field: "inv"}},
		Filter: &field.RangeFilter{Kind: field.RangeFilterKey, Key: "w:n"},
		Ctx:    ctxFor("pk1"),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"w:n": "25"}, results[0].Value)
}

func TestMutate_ComputedFieldRejectsDirectWrite(t *testing.T) {
	db := openTestDB(t)
	setupBAndD(t, db)

	err := db.Mutate(Mutation{Schema: "D", Op: MutationOpUpdate,
		Data: map[string]interface{}{"z": 99.0}, Ctx: ctxFor("pk1")})
	assert.Error(t, err)
}

func TestQueryAndMutate_RequireApprovedSchema(t *testing.T) {
	db := openTestDB(t)

	u := types.Schema{Name: "U", Fields: map[string]types.FieldDef{
		"n": {Variant: types.RefVariantSingle, Permissions: noPerm()},
	}}
	_, err := db.AddSchemaToAvailable(schemaJSON(t, u), "U")
	require.NoError(t, err)

	_, err = db.Query(Query{Schema: "U", Fields: []QueryField{{Field: "n"}}, Ctx: ctxFor("pk1")})
	assert.Error(t, err, "Available schemas are not queryable")

	err = db.Mutate(Mutation{Schema: "U", Op: MutationOpCreate,
		Data: map[string]interface{}{"n": "a"}, Ctx: ctxFor("pk1")})
	assert.Error(t, err, "Available schemas are not mutable")
}

func TestStatus_ListsEverySchemaWithState(t *testing.T) {
	db := openTestDB(t)

	a := types.Schema{Name: "A", Fields: map[string]types.FieldDef{
		"n": {Variant: types.RefVariantSingle, Permissions: noPerm()},
	}}
	_, err := db.AddSchemaToAvailable(schemaJSON(t, a), "A")
	require.NoError(t, err)

	b := types.Schema{Name: "Bb", Fields: map[string]types.FieldDef{
		"n": {Variant: types.RefVariantSingle, Permissions: noPerm()},
	}}
	_, err = db.AddSchemaToAvailable(schemaJSON(t, b), "Bb")
	require.NoError(t, err)
	require.NoError(t, db.ApproveSchema("Bb"))
	require.NoError(t, db.BlockSchema("Bb"))

	status, err := db.Status()
	require.NoError(t, err)
	assert.Equal(t, map[string]types.SchemaState{
		"A":  types.SchemaStateAvailable,
		"Bb": types.SchemaStateBlocked,
	}, status)
}
