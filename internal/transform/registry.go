// Package transform is the dependent-transform execution engine: a small
// hand-rolled DSL (lexer + recursive-descent parser), a dependency
// registry that pins each transform's inputs and output to concrete
// AtomRef UUIDs, and an executor that evaluates the parsed AST against
// live field values.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/folddb/folddb/internal/ferrors"
	"github.com/folddb/folddb/internal/kv"
	"github.com/folddb/folddb/internal/log"
	"github.com/folddb/folddb/internal/schema"
	"github.com/folddb/folddb/internal/types"
	"github.com/rs/zerolog"
)

// Registry stores parsed transform declarations and their resolved
// dependency edges, and answers dependency-graph queries for the
// orchestrator.
type Registry struct {
	store  kv.Store
	logger zerolog.Logger

	mu         sync.RWMutex
	dependents map[string]map[string]bool // field ref key -> set of transform ids
}

// New creates a transform Registry over the given store.
func New(store kv.Store) *Registry {
	r := &Registry{
		store:      store,
		logger:     log.WithComponent("transform"),
		dependents: make(map[string]map[string]bool),
	}
	r.rebuildDependentsIndex()
	return r
}

func (r *Registry) rebuildDependentsIndex() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dependents = make(map[string]map[string]bool)

	keys, err := r.store.ListKeys(kv.NamespaceTransformMappings)
	if err != nil {
		return
	}
	for _, k := range keys {
		data, err := r.store.Get(kv.NamespaceTransformMappings, k)
		if err != nil {
			continue
		}
		var m types.TransformMapping
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		r.indexLocked(m)
	}
}

func (r *Registry) indexLocked(m types.TransformMapping) {
	for _, in := range m.Inputs {
		key := fieldRefKey(in.FieldRef)
		if r.dependents[key] == nil {
			r.dependents[key] = make(map[string]bool)
		}
		r.dependents[key][m.TransformID] = true
	}
}

func fieldRefKey(fr types.FieldRef) string { return fr.Schema + "." + fr.Field }

// collectFieldRefs walks a parsed Program and returns every distinct
// "Schema.Field" identifier it references (let-bound local names, which
// never contain a dot, are excluded).
func collectFieldRefs(prog *Program) []types.FieldRef {
	seen := make(map[string]types.FieldRef)
	var walk func(n Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case Ident:
			if dot := strings.Index(v.Name, "."); dot > 0 {
				fr := types.FieldRef{Schema: v.Name[:dot], Field: v.Name[dot+1:]}
				seen[fieldRefKey(fr)] = fr
			}
		case BinaryExpr:
			walk(v.Left)
			walk(v.Right)
		case UnaryExpr:
			walk(v.Operand)
		case CallExpr:
			for _, a := range v.Args {
				walk(a)
			}
		case CondExpr:
			walk(v.Cond)
			walk(v.Then)
			walk(v.Else)
		}
	}
	for _, let := range prog.Lets {
		walk(let.Value)
	}
	walk(prog.Return)

	out := make([]types.FieldRef, 0, len(seen))
	for _, fr := range seen {
		out = append(out, fr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Schema != out[j].Schema {
			return out[i].Schema < out[j].Schema
		}
		return out[i].Field < out[j].Field
	})
	return out
}

// Validate parses source and resolves every field it references via
// resolve, without persisting anything. It satisfies
// schema.TransformRegistrar so schema approval can validate a transform
// before committing.
func (r *Registry) Validate(source string, resolve schema.FieldResolver) ([]types.FieldRef, error) {
	prog, err := Parse(source)
	if err != nil {
		return nil, err
	}
	refs := collectFieldRefs(prog)
	for _, fr := range refs {
		if _, _, err := resolve(fr.Schema, fr.Field); err != nil {
			return nil, fmt.Errorf("%w: unresolved input %s.%s: %v", ferrors.ErrInvalidTransform, fr.Schema, fr.Field, err)
		}
	}
	return refs, nil
}

// Register persists transform_id's declaration and dependency mapping,
// re-resolving every input through resolve to pin its current
// ref_atom_uuid, and updates the in-memory dependents index.
func (r *Registry) Register(transformID, source string, inputs []types.FieldRef, resolve schema.FieldResolver, output types.ResolvedFieldRef) error {
	prog, err := Parse(source)
	if err != nil {
		return err
	}

	resolvedInputs := make([]types.ResolvedFieldRef, 0, len(inputs))
	for _, fr := range inputs {
		refUUID, _, err := resolve(fr.Schema, fr.Field)
		if err != nil {
			return fmt.Errorf("%w: %v", ferrors.ErrInvalidTransform, err)
		}
		resolvedInputs = append(resolvedInputs, types.ResolvedFieldRef{FieldRef: fr, RefAtomUUID: refUUID})
	}

	t := types.Transform{
		ID:         transformID,
		Source:     source,
		Inputs:     inputs,
		Output:     output.FieldRef,
		Reversible: prog.Reversible,
		Payment:    prog.Payment,
		Trust:      prog.Trust,
		Signature:  prog.Signature,
	}
	mapping := types.TransformMapping{
		TransformID: transformID,
		Inputs:      resolvedInputs,
		Output:      output,
	}

	if err := r.store.Batch(func(tx kv.Tx) error {
		tData, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal transform %s: %w", transformID, err)
		}
		if err := tx.Put(kv.NamespaceTransforms, transformID, tData); err != nil {
			return err
		}
		mData, err := json.Marshal(mapping)
		if err != nil {
			return fmt.Errorf("marshal transform mapping %s: %w", transformID, err)
		}
		return tx.Put(kv.NamespaceTransformMappings, transformID, mData)
	}); err != nil {
		return err
	}

	r.mu.Lock()
	r.indexLocked(mapping)
	r.mu.Unlock()

	r.logger.Info().Str("transform_id", transformID).Msg("transform registered")
	return nil
}

// Unregister removes a transform's declaration and mapping and drops it
// from the dependents index.
func (r *Registry) Unregister(transformID string) error {
	mapping, err := r.getMapping(transformID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}

	if err := r.store.Batch(func(tx kv.Tx) error {
		if err := tx.Delete(kv.NamespaceTransforms, transformID); err != nil {
			return err
		}
		return tx.Delete(kv.NamespaceTransformMappings, transformID)
	}); err != nil {
		return err
	}

	r.mu.Lock()
	for _, in := range mapping.Inputs {
		key := fieldRefKey(in.FieldRef)
		delete(r.dependents[key], transformID)
	}
	r.mu.Unlock()

	return nil
}

func (r *Registry) getMapping(transformID string) (*types.TransformMapping, error) {
	data, err := r.store.Get(kv.NamespaceTransformMappings, transformID)
	if err != nil {
		return nil, err
	}
	var m types.TransformMapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: transform mapping %s: %v", ferrors.ErrCorrupt, transformID, err)
	}
	return &m, nil
}

// GetTransform loads a registered transform's declaration.
func (r *Registry) GetTransform(transformID string) (*types.Transform, error) {
	data, err := r.store.Get(kv.NamespaceTransforms, transformID)
	if err != nil {
		return nil, err
	}
	var t types.Transform
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: transform %s: %v", ferrors.ErrCorrupt, transformID, err)
	}
	return &t, nil
}

// InputsOf returns the resolved input field refs a transform depends on.
func (r *Registry) InputsOf(transformID string) ([]types.ResolvedFieldRef, error) {
	m, err := r.getMapping(transformID)
	if err != nil {
		return nil, err
	}
	return m.Inputs, nil
}

// OutputOf returns the resolved output field ref a transform writes.
func (r *Registry) OutputOf(transformID string) (types.ResolvedFieldRef, error) {
	m, err := r.getMapping(transformID)
	if err != nil {
		return types.ResolvedFieldRef{}, err
	}
	return m.Output, nil
}

// DependentsOf returns every transform id whose input set includes the
// given field ref, for cascading recomputation after a write.
func (r *Registry) DependentsOf(fr types.FieldRef) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.dependents[fieldRefKey(fr)]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, ferrors.ErrNotFound)
}
