// Package field reads and writes schema field values through the atom
// layer, applying per-variant shape validation and the Range-filter query
// spec. It knows nothing about schemas or permissions; callers (the
// permission wrapper, the facade, the transform executor) resolve a field
// to its ref UUID and variant first.
package field

import (
	"fmt"
	"sort"
	"strings"

	"github.com/folddb/folddb/internal/atom"
	"github.com/folddb/folddb/internal/ferrors"
	"github.com/folddb/folddb/internal/log"
	"github.com/folddb/folddb/internal/metrics"
	"github.com/folddb/folddb/internal/types"
	"github.com/rs/zerolog"
)

// RangeFilterKind selects which shape of Range query is being made.
type RangeFilterKind string

const (
	RangeFilterKey       RangeFilterKind = "key"
	RangeFilterKeyPrefix RangeFilterKind = "key_prefix"
	RangeFilterKeyRange  RangeFilterKind = "key_range"
	RangeFilterAll       RangeFilterKind = "all"
)

// RangeFilter selects a subset of a Range field's key space. Exactly the
// fields relevant to Kind are meaningful, mirroring the tagged-union shape
// used for AtomRef itself.
type RangeFilter struct {
	Kind   RangeFilterKind
	Key    string
	Prefix string
	Lo     string
	Hi     string
}

// WriteResult reports what a WriteField call actually persisted.
type WriteResult struct {
	RefAtomUUID string
	// AtomUUID is set for Single and Collection writes.
	AtomUUID string
	// AtomUUIDs is set for Range writes: one new atom UUID per written key.
	AtomUUIDs map[string]string
}

// Manager is the field read/write engine.
type Manager struct {
	atoms  *atom.Layer
	logger zerolog.Logger
}

// New creates a field Manager over the given atom layer.
func New(atoms *atom.Layer) *Manager {
	return &Manager{
		atoms:  atoms,
		logger: log.WithComponent("field"),
	}
}

// ReadField resolves a field's current value. For Single it is the atom's
// content (nil if the ref is a ghost UUID with no writes yet); for
// Collection it is an ordered slice of atom contents; for Range it is a map
// of key to atom content, limited by filter if non-nil (nil filter behaves
// like RangeFilterAll).
func (m *Manager) ReadField(schemaName, fieldName, refUUID string, variant types.RefVariant, filter *RangeFilter) (interface{}, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FieldReadDuration, schemaName, fieldName)

	ref, err := m.atoms.TryGetRef(refUUID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return m.emptyValueFor(variant), nil
	}
	if ref.Variant != variant {
		return nil, fmt.Errorf("%w: %s.%s: ref is %s, field declares %s",
			ferrors.ErrInvalidFieldType, schemaName, fieldName, ref.Variant, variant)
	}

	switch variant {
	case types.RefVariantSingle:
		if ref.AtomUUID == "" {
			return nil, nil
		}
		a, err := m.atoms.GetAtom(ref.AtomUUID)
		if err != nil {
			return nil, err
		}
		if a.Status == types.AtomStatusDeleted {
			return nil, nil
		}
		return a.Content, nil

	case types.RefVariantCollection:
		out := make([]interface{}, 0, len(ref.AtomUUIDs))
		for _, au := range ref.AtomUUIDs {
			a, err := m.atoms.GetAtom(au)
			if err != nil {
				return nil, err
			}
			if a.Status == types.AtomStatusDeleted {
				continue
			}
			out = append(out, a.Content)
		}
		return out, nil

	case types.RefVariantRange:
		return m.readRange(*ref, filter)

	default:
		return nil, fmt.Errorf("%w: unknown variant %s", ferrors.ErrInvalidFieldType, variant)
	}
}

func (m *Manager) emptyValueFor(variant types.RefVariant) interface{} {
	switch variant {
	case types.RefVariantCollection:
		return []interface{}{}
	case types.RefVariantRange:
		return map[string]interface{}{}
	default:
		return nil
	}
}

func (m *Manager) readRange(ref types.AtomRef, filter *RangeFilter) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for _, p := range ref.Pairs {
		if !matchesFilter(p.Key, filter) {
			continue
		}
		a, err := m.atoms.GetAtom(p.AtomUUID)
		if err != nil {
			return nil, err
		}
		if a.Status == types.AtomStatusDeleted {
			continue
		}
		out[p.Key] = a.Content
	}
	return out, nil
}

func matchesFilter(key string, filter *RangeFilter) bool {
	if filter == nil {
		return true
	}
	switch filter.Kind {
	case RangeFilterKey:
		return key == filter.Key
	case RangeFilterKeyPrefix:
		return strings.HasPrefix(key, filter.Prefix)
	case RangeFilterKeyRange:
		return key >= filter.Lo && key <= filter.Hi
	case RangeFilterAll, "":
		return true
	default:
		return false
	}
}

// WriteField validates value's shape against variant and persists it:
// Single replaces the current value, Collection appends one new entry,
// Range writes one or more key/value pairs atomically (value must be a
// map[string]interface{}).
func (m *Manager) WriteField(schemaName, fieldName, refUUID string, variant types.RefVariant, sourcePubKey string, value interface{}) (WriteResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FieldWriteDuration, schemaName, fieldName)

	switch variant {
	case types.RefVariantSingle:
		atomUUID, err := m.atoms.UpdateSingleRef(refUUID, schemaName, sourcePubKey, value)
		if err != nil {
			return WriteResult{}, err
		}
		return WriteResult{RefAtomUUID: refUUID, AtomUUID: atomUUID}, nil

	case types.RefVariantCollection:
		atomUUID, err := m.atoms.UpdateCollectionRef(refUUID, schemaName, sourcePubKey, value)
		if err != nil {
			return WriteResult{}, err
		}
		return WriteResult{RefAtomUUID: refUUID, AtomUUID: atomUUID}, nil

	case types.RefVariantRange:
		pairs, ok := value.(map[string]interface{})
		if !ok {
			return WriteResult{}, fmt.Errorf("%w: %s.%s: range write requires an object value",
				ferrors.ErrInvalidFieldType, schemaName, fieldName)
		}
		writes := make([]atom.RangeWrite, 0, len(pairs))
		keys := make([]string, 0, len(pairs))
		for k := range pairs {
			keys = append(keys, k)
		}
		sort.Strings(keys) // deterministic write order, not required for correctness
		for _, k := range keys {
			writes = append(writes, atom.RangeWrite{Key: k, Content: pairs[k]})
		}
		atomUUIDs, err := m.atoms.UpdateRangeRef(refUUID, schemaName, sourcePubKey, writes)
		if err != nil {
			return WriteResult{}, err
		}
		return WriteResult{RefAtomUUID: refUUID, AtomUUIDs: atomUUIDs}, nil

	default:
		return WriteResult{}, fmt.Errorf("%w: unknown variant %s", ferrors.ErrInvalidFieldType, variant)
	}
}

// DeleteField writes a tombstone for a field's current value: a new atom
// with status Deleted, chained off the current tip so prior versions stay
// in the history walk. For Range fields, rangeKey names the single key to
// tombstone (a delete of the whole key space is not defined). Collection
// fields do not support whole-field deletion; entries are removed
// individually via RemoveFromCollection.
func (m *Manager) DeleteField(schemaName, fieldName, refUUID string, variant types.RefVariant, sourcePubKey, rangeKey string) (WriteResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FieldWriteDuration, schemaName, fieldName)

	switch variant {
	case types.RefVariantSingle:
		atomUUID, err := m.atoms.DeleteSingleRef(refUUID, schemaName, sourcePubKey)
		if err != nil {
			return WriteResult{}, err
		}
		return WriteResult{RefAtomUUID: refUUID, AtomUUID: atomUUID}, nil

	case types.RefVariantRange:
		if rangeKey == "" {
			return WriteResult{}, fmt.Errorf("%w: %s.%s: range delete requires a key",
				ferrors.ErrInvalidFieldType, schemaName, fieldName)
		}
		atomUUIDs, err := m.atoms.UpdateRangeRef(refUUID, schemaName, sourcePubKey,
			[]atom.RangeWrite{{Key: rangeKey, Status: types.AtomStatusDeleted}})
		if err != nil {
			return WriteResult{}, err
		}
		return WriteResult{RefAtomUUID: refUUID, AtomUUIDs: atomUUIDs}, nil

	default:
		return WriteResult{}, fmt.Errorf("%w: %s.%s: delete is not defined for %s fields",
			ferrors.ErrInvalidFieldType, schemaName, fieldName, variant)
	}
}

// RemoveFromCollection removes one atom from a Collection field by its
// atom UUID.
func (m *Manager) RemoveFromCollection(refUUID, sourcePubKey, atomUUID string) error {
	return m.atoms.RemoveFromCollectionByUUID(refUUID, sourcePubKey, atomUUID)
}

// UpdateRangeKey writes exactly one key of a Range field.
func (m *Manager) UpdateRangeKey(schemaName, fieldName, refUUID, sourcePubKey, key string, content interface{}) (WriteResult, error) {
	return m.WriteField(schemaName, fieldName, refUUID, types.RefVariantRange, sourcePubKey,
		map[string]interface{}{key: content})
}
