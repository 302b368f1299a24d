package transform

import (
	"errors"
	"testing"

	"github.com/folddb/folddb/internal/atom"
	"github.com/folddb/folddb/internal/field"
	"github.com/folddb/folddb/internal/kv"
	"github.com/folddb/folddb/internal/schema"
	"github.com/folddb/folddb/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_SimpleAddition(t *testing.T) {
	prog, err := Parse("trust: unrestricted\npayment: none\nreversible: false\nlet x = B.x\nlet y = B.y\nreturn x + y")
	require.NoError(t, err)
	assert.True(t, prog.Trust.Unrestricted)
	assert.Equal(t, types.PaymentNone, prog.Payment)
	require.Len(t, prog.Lets, 2)
	assert.Equal(t, "x", prog.Lets[0].Name)
	assert.IsType(t, Ident{}, prog.Lets[0].Value)
}

func TestParse_MissingReturnIsSyntaxError(t *testing.T) {
	_, err := Parse("let x = 1")
	assert.Error(t, err)
}

func TestParse_Conditional(t *testing.T) {
	prog, err := Parse("return if a.b > 1 then 1 else 0")
	require.NoError(t, err)
	assert.IsType(t, CondExpr{}, prog.Return)
}

func TestCollectFieldRefs_IgnoresLocalNames(t *testing.T) {
	prog, err := Parse("let x = B.x\nlet sum = x + B.y\nreturn sum")
	require.NoError(t, err)
	refs := collectFieldRefs(prog)
	require.Len(t, refs, 2)
	assert.Equal(t, "B", refs[0].Schema)
}

func stubResolver(existing map[string]types.RefVariant) schema.FieldResolver {
	return func(schemaName, fieldName string) (string, types.RefVariant, error) {
		key := schemaName + "." + fieldName
		variant, ok := existing[key]
		if !ok {
			return "", "", errors.New("field not resolvable in test stub")
		}
		return "ref-" + key, variant, nil
	}
}

func TestRegistry_ValidateAndRegister(t *testing.T) {
	store := kv.NewMemStore()
	r := New(store)

	resolve := stubResolver(map[string]types.RefVariant{
		"B.x": types.RefVariantSingle,
		"B.y": types.RefVariantSingle,
	})

	source := "trust: unrestricted\npayment: none\nreversible: false\nreturn B.x + B.y"
	inputs, err := r.Validate(source, resolve)
	require.NoError(t, err)
	require.Len(t, inputs, 2)

	output := types.ResolvedFieldRef{FieldRef: types.FieldRef{Schema: "D", Field: "z"}, RefAtomUUID: "ref-D.z"}
	require.NoError(t, r.Register("D.z", source, inputs, resolve, output))

	deps := r.DependentsOf(types.FieldRef{Schema: "B", Field: "x"})
	assert.Equal(t, []string{"D.z"}, deps)

	got, err := r.GetTransform("D.z")
	require.NoError(t, err)
	assert.Equal(t, source, got.Source)
}

func TestExecutor_CascadeAddition(t *testing.T) {
	store := kv.NewMemStore()
	atoms := atom.New(store)
	fields := field.New(atoms)
	registry := New(store)
	exec := NewExecutor(atoms, fields, registry)

	require.NoError(t, atoms.EnsureRef("ref-B.x", types.RefVariantSingle, "pk1"))
	require.NoError(t, atoms.EnsureRef("ref-B.y", types.RefVariantSingle, "pk1"))
	require.NoError(t, atoms.EnsureRef("ref-D.z", types.RefVariantSingle, "pk1"))
	_, err := atoms.UpdateSingleRef("ref-B.x", "B", "pk1", 10.0)
	require.NoError(t, err)
	_, err = atoms.UpdateSingleRef("ref-B.y", "B", "pk1", 5.0)
	require.NoError(t, err)

	resolve := stubResolver(map[string]types.RefVariant{
		"B.x": types.RefVariantSingle,
		"B.y": types.RefVariantSingle,
	})
	source := "trust: unrestricted\npayment: none\nreversible: false\nreturn B.x + B.y"
	inputs, err := registry.Validate(source, resolve)
	require.NoError(t, err)
	output := types.ResolvedFieldRef{FieldRef: types.FieldRef{Schema: "D", Field: "z"}, RefAtomUUID: "ref-D.z"}
	require.NoError(t, registry.Register("D.z", source, inputs, resolve, output))

	atomUUID, err := exec.Execute("D.z", ExecutionContext{RequesterPubKey: "pk1", TrustDistance: 0})
	require.NoError(t, err)
	require.NotEmpty(t, atomUUID)

	val, err := fields.ReadField("D", "z", "ref-D.z", types.RefVariantSingle, nil)
	require.NoError(t, err)
	assert.Equal(t, 15.0, val)

	a, err := atoms.GetAtom(atomUUID)
	require.NoError(t, err)
	assert.Equal(t, "transform:D.z", a.SourcePubKey)
}

func TestExecutor_DivideByZero(t *testing.T) {
	store := kv.NewMemStore()
	atoms := atom.New(store)
	fields := field.New(atoms)
	registry := New(store)
	exec := NewExecutor(atoms, fields, registry)

	require.NoError(t, atoms.EnsureRef("ref-B.x", types.RefVariantSingle, "pk1"))
	require.NoError(t, atoms.EnsureRef("ref-D.z", types.RefVariantSingle, "pk1"))
	_, err := atoms.UpdateSingleRef("ref-B.x", "B", "pk1", 10.0)
	require.NoError(t, err)

	resolve := stubResolver(map[string]types.RefVariant{"B.x": types.RefVariantSingle})
	source := "trust: unrestricted\npayment: none\nreversible: false\nreturn B.x / 0"
	inputs, err := registry.Validate(source, resolve)
	require.NoError(t, err)
	output := types.ResolvedFieldRef{FieldRef: types.FieldRef{Schema: "D", Field: "z"}, RefAtomUUID: "ref-D.z"}
	require.NoError(t, registry.Register("D.z", source, inputs, resolve, output))

	_, err = exec.Execute("D.z", ExecutionContext{})
	assert.Error(t, err)
}

func TestExecutor_TrustBoundDenied(t *testing.T) {
	store := kv.NewMemStore()
	atoms := atom.New(store)
	fields := field.New(atoms)
	registry := New(store)
	exec := NewExecutor(atoms, fields, registry)

	require.NoError(t, atoms.EnsureRef("ref-D.z", types.RefVariantSingle, "pk1"))
	resolve := stubResolver(map[string]types.RefVariant{})
	source := "trust: read <= 1\npayment: none\nreversible: false\nreturn 1"
	output := types.ResolvedFieldRef{FieldRef: types.FieldRef{Schema: "D", Field: "z"}, RefAtomUUID: "ref-D.z"}
	require.NoError(t, registry.Register("D.z", source, nil, resolve, output))

	_, err := exec.Execute("D.z", ExecutionContext{TrustDistance: 5})
	assert.Error(t, err)
}
