// Package atom implements the immutable content-addressed version layer:
// atoms, and the three AtomRef variants that point at them. All mutation
// goes through the shared kv.Store handle; atoms are never edited or
// deleted in place, and history is reconstructed by walking
// PrevAtomUUID chains rather than kept in memory.
package atom

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/folddb/folddb/internal/ferrors"
	"github.com/folddb/folddb/internal/kv"
	"github.com/folddb/folddb/internal/log"
	"github.com/folddb/folddb/internal/metrics"
	"github.com/folddb/folddb/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Layer is the atom/ref storage engine. One Layer is created per FoldDB
// instance and shared by every component that needs to read or write
// atoms.
type Layer struct {
	store  kv.Store
	logger zerolog.Logger

	refLocks sync.Map // map[string]*sync.Mutex, keyed by ref UUID
}

// New creates an atom Layer over the given KV store.
func New(store kv.Store) *Layer {
	return &Layer{
		store:  store,
		logger: log.WithComponent("atom"),
	}
}

func (l *Layer) lockFor(refUUID string) *sync.Mutex {
	actual, _ := l.refLocks.LoadOrStore(refUUID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// CreateAtom persists a new immutable atom and returns its UUID. prevAtomUUID
// may be empty for the first atom in a chain.
func (l *Layer) CreateAtom(schemaName, sourcePubKey, prevAtomUUID string, content interface{}, status types.AtomStatus) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AtomWriteDuration)

	a := types.Atom{
		UUID:         uuid.New().String(),
		SchemaName:   schemaName,
		Content:      content,
		CreatedAt:    time.Now(),
		SourcePubKey: sourcePubKey,
		PrevAtomUUID: prevAtomUUID,
		Status:       status,
	}

	if err := l.putAtom(l.store, a); err != nil {
		return "", err
	}

	metrics.AtomsCreatedTotal.WithLabelValues(schemaName).Inc()
	return a.UUID, nil
}

func (l *Layer) putAtom(w interface {
	Put(ns kv.Namespace, key string, value []byte) error
}, a types.Atom) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal atom %s: %w", a.UUID, err)
	}
	if err := w.Put(kv.NamespaceAtoms, a.UUID, data); err != nil {
		return fmt.Errorf("%w: put atom %s: %v", ferrors.ErrIO, a.UUID, err)
	}
	return nil
}

// GetAtom loads one atom by UUID.
func (l *Layer) GetAtom(atomUUID string) (*types.Atom, error) {
	data, err := l.store.Get(kv.NamespaceAtoms, atomUUID)
	if err != nil {
		return nil, err
	}
	var a types.Atom
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: atom %s: %v", ferrors.ErrCorrupt, atomUUID, err)
	}
	return &a, nil
}

// getRef loads a ref, returning (nil, nil) rather than an error if it does
// not exist yet (the ghost-UUID case: a field claims a ref_atom_uuid whose
// AtomRef has not been materialized).
func (l *Layer) getRef(refUUID string) (*types.AtomRef, error) {
	data, err := l.store.Get(kv.NamespaceRefs, refUUID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var ref types.AtomRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("%w: ref %s: %v", ferrors.ErrCorrupt, refUUID, err)
	}
	return &ref, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ferrors.ErrNotFound)
}

// TryGetRef loads a ref like GetRef but returns (nil, nil) instead of an
// error when the ref has not been materialized yet (a ghost UUID). Readers
// of a ghost UUID see empty history/content, never an error.
func (l *Layer) TryGetRef(refUUID string) (*types.AtomRef, error) {
	return l.getRef(refUUID)
}

// GetRef exposes ref lookup for callers (field manager, executor) that need
// to inspect the current pointer without walking history.
func (l *Layer) GetRef(refUUID string) (*types.AtomRef, error) {
	ref, err := l.getRef(refUUID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, fmt.Errorf("%w: ref %s", ferrors.ErrNotFound, refUUID)
	}
	return ref, nil
}

func (l *Layer) putRef(w interface {
	Put(ns kv.Namespace, key string, value []byte) error
}, ref types.AtomRef) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal ref %s: %w", ref.UUID, err)
	}
	if err := w.Put(kv.NamespaceRefs, ref.UUID, data); err != nil {
		return fmt.Errorf("%w: put ref %s: %v", ferrors.ErrIO, ref.UUID, err)
	}
	return nil
}

// EnsureRef creates an empty AtomRef of the given variant under refUUID if
// one does not already exist. Used at schema approval time to materialize
// fresh refs, and lazily by write paths that hit a ghost UUID.
func (l *Layer) EnsureRef(refUUID string, variant types.RefVariant, sourcePubKey string) error {
	mu := l.lockFor(refUUID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := l.getRef(refUUID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	ref := types.AtomRef{
		UUID:      refUUID,
		Variant:   variant,
		UpdatedAt: time.Now(),
		UpdatedBy: sourcePubKey,
	}
	return l.putRef(l.store, ref)
}

// UpdateSingleRef creates a new atom (chained off the ref's current atom,
// if any) and repoints the Single ref at it. The ref is created under
// refUUID if missing (ghost-UUID recovery).
func (l *Layer) UpdateSingleRef(refUUID, schemaName, sourcePubKey string, content interface{}) (string, error) {
	return l.writeSingle(refUUID, schemaName, sourcePubKey, content, types.AtomStatusActive)
}

// DeleteSingleRef appends a tombstone atom (status Deleted, nil content) to
// the Single ref's chain. Prior atoms stay reachable through the history
// walk; nothing is removed.
func (l *Layer) DeleteSingleRef(refUUID, schemaName, sourcePubKey string) (string, error) {
	return l.writeSingle(refUUID, schemaName, sourcePubKey, nil, types.AtomStatusDeleted)
}

func (l *Layer) writeSingle(refUUID, schemaName, sourcePubKey string, content interface{}, status types.AtomStatus) (string, error) {
	mu := l.lockFor(refUUID)
	mu.Lock()
	defer mu.Unlock()

	ref, err := l.getRef(refUUID)
	if err != nil {
		return "", err
	}
	if ref == nil {
		ref = &types.AtomRef{UUID: refUUID, Variant: types.RefVariantSingle}
		l.logger.Debug().Str("ref_uuid", refUUID).Msg("recovering ghost ref for single field")
	} else if ref.Variant != types.RefVariantSingle {
		return "", fmt.Errorf("%w: ref %s is %s, not single", ferrors.ErrInvalidFieldType, refUUID, ref.Variant)
	}

	prev := ref.AtomUUID
	newAtomUUID := uuid.New().String()

	err = l.store.Batch(func(tx kv.Tx) error {
		a := types.Atom{
			UUID: newAtomUUID, SchemaName: schemaName, Content: content,
			CreatedAt: time.Now(), SourcePubKey: sourcePubKey,
			PrevAtomUUID: prev, Status: status,
		}
		if err := l.putAtom(tx, a); err != nil {
			return err
		}
		ref.AtomUUID = newAtomUUID
		ref.UpdatedAt = time.Now()
		ref.UpdatedBy = sourcePubKey
		return l.putRef(tx, *ref)
	})
	if err != nil {
		return "", err
	}

	metrics.AtomsCreatedTotal.WithLabelValues(schemaName).Inc()
	return newAtomUUID, nil
}

// UpdateCollectionRef creates a new atom and appends it to the Collection
// ref's ordered sequence.
func (l *Layer) UpdateCollectionRef(refUUID, schemaName, sourcePubKey string, content interface{}) (string, error) {
	mu := l.lockFor(refUUID)
	mu.Lock()
	defer mu.Unlock()

	ref, err := l.getRef(refUUID)
	if err != nil {
		return "", err
	}
	if ref == nil {
		ref = &types.AtomRef{UUID: refUUID, Variant: types.RefVariantCollection}
	} else if ref.Variant != types.RefVariantCollection {
		return "", fmt.Errorf("%w: ref %s is %s, not collection", ferrors.ErrInvalidFieldType, refUUID, ref.Variant)
	}

	newAtomUUID := uuid.New().String()
	err = l.store.Batch(func(tx kv.Tx) error {
		a := types.Atom{
			UUID: newAtomUUID, SchemaName: schemaName, Content: content,
			CreatedAt: time.Now(), SourcePubKey: sourcePubKey, Status: types.AtomStatusActive,
		}
		if err := l.putAtom(tx, a); err != nil {
			return err
		}
		ref.AtomUUIDs = append(ref.AtomUUIDs, newAtomUUID)
		ref.UpdatedAt = time.Now()
		ref.UpdatedBy = sourcePubKey
		return l.putRef(tx, *ref)
	})
	if err != nil {
		return "", err
	}

	metrics.AtomsCreatedTotal.WithLabelValues(schemaName).Inc()
	return newAtomUUID, nil
}

// RemoveFromCollectionByUUID removes the first occurrence of atomUUID from
// a Collection ref. It is a no-op (not an error) if the atom is not present,
// matching delete-by-value idempotence elsewhere in the model.
func (l *Layer) RemoveFromCollectionByUUID(refUUID, sourcePubKey, atomUUID string) error {
	mu := l.lockFor(refUUID)
	mu.Lock()
	defer mu.Unlock()

	ref, err := l.getRef(refUUID)
	if err != nil {
		return err
	}
	if ref == nil {
		return fmt.Errorf("%w: ref %s", ferrors.ErrNotFound, refUUID)
	}
	if ref.Variant != types.RefVariantCollection {
		return fmt.Errorf("%w: ref %s is %s, not collection", ferrors.ErrInvalidFieldType, refUUID, ref.Variant)
	}

	out := ref.AtomUUIDs[:0]
	removed := false
	for _, u := range ref.AtomUUIDs {
		if !removed && u == atomUUID {
			removed = true
			continue
		}
		out = append(out, u)
	}
	ref.AtomUUIDs = out
	ref.UpdatedAt = time.Now()
	ref.UpdatedBy = sourcePubKey
	return l.putRef(l.store, *ref)
}

// RemoveFromCollectionByIndex removes the atom at the given index from a
// Collection ref.
func (l *Layer) RemoveFromCollectionByIndex(refUUID, sourcePubKey string, index int) error {
	mu := l.lockFor(refUUID)
	mu.Lock()
	defer mu.Unlock()

	ref, err := l.getRef(refUUID)
	if err != nil {
		return err
	}
	if ref == nil {
		return fmt.Errorf("%w: ref %s", ferrors.ErrNotFound, refUUID)
	}
	if ref.Variant != types.RefVariantCollection {
		return fmt.Errorf("%w: ref %s is %s, not collection", ferrors.ErrInvalidFieldType, refUUID, ref.Variant)
	}
	if index < 0 || index >= len(ref.AtomUUIDs) {
		return fmt.Errorf("%w: index %d out of range for ref %s", ferrors.ErrInvalidFieldType, index, refUUID)
	}

	ref.AtomUUIDs = append(ref.AtomUUIDs[:index], ref.AtomUUIDs[index+1:]...)
	ref.UpdatedAt = time.Now()
	ref.UpdatedBy = sourcePubKey
	return l.putRef(l.store, *ref)
}

// RangeWrite is one key/value pair to be written atomically to a Range ref.
// Status defaults to Active; a Deleted status writes a tombstone atom for
// the key, hiding it from reads while keeping its history walkable.
type RangeWrite struct {
	Key     string
	Content interface{}
	Status  types.AtomStatus
}

// UpdateRangeRef writes one or more key/value pairs to a Range ref as a
// single atomic transaction: either every pair is persisted (a fresh atom
// chained off that key's previous atom, and the sorted map updated) or
// none are.
func (l *Layer) UpdateRangeRef(refUUID, schemaName, sourcePubKey string, writes []RangeWrite) (map[string]string, error) {
	mu := l.lockFor(refUUID)
	mu.Lock()
	defer mu.Unlock()

	ref, err := l.getRef(refUUID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		ref = &types.AtomRef{UUID: refUUID, Variant: types.RefVariantRange}
	} else if ref.Variant != types.RefVariantRange {
		return nil, fmt.Errorf("%w: ref %s is %s, not range", ferrors.ErrInvalidFieldType, refUUID, ref.Variant)
	}

	byKey := make(map[string]string, len(ref.Pairs))
	for _, p := range ref.Pairs {
		byKey[p.Key] = p.AtomUUID
	}

	newAtomUUIDs := make(map[string]string, len(writes))

	err = l.store.Batch(func(tx kv.Tx) error {
		for _, w := range writes {
			prev := byKey[w.Key]
			status := w.Status
			if status == "" {
				status = types.AtomStatusActive
			}
			newAtomUUID := uuid.New().String()
			a := types.Atom{
				UUID: newAtomUUID, SchemaName: schemaName, Content: w.Content,
				CreatedAt: time.Now(), SourcePubKey: sourcePubKey,
				PrevAtomUUID: prev, Status: status,
			}
			if err := l.putAtom(tx, a); err != nil {
				return err
			}
			byKey[w.Key] = newAtomUUID
			newAtomUUIDs[w.Key] = newAtomUUID
		}

		pairs := make([]types.RefPair, 0, len(byKey))
		for k, v := range byKey {
			pairs = append(pairs, types.RefPair{Key: k, AtomUUID: v})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
		ref.Pairs = pairs
		ref.UpdatedAt = time.Now()
		ref.UpdatedBy = sourcePubKey
		return l.putRef(tx, *ref)
	})
	if err != nil {
		return nil, err
	}

	for range writes {
		metrics.AtomsCreatedTotal.WithLabelValues(schemaName).Inc()
	}
	return newAtomUUIDs, nil
}

// AtomHistory walks prev_atom_uuid from the ref's current tip atom back to
// the root, returning the chain newest-first. For Range refs, "the tip" is
// the most recently updated key's atom (the last pair in sorted-by-key
// order is NOT what's used here -- callers pass the specific key they want
// via AtomHistoryForKey).
func (l *Layer) AtomHistory(refUUID string) ([]types.Atom, error) {
	ref, err := l.getRef(refUUID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, nil
	}

	switch ref.Variant {
	case types.RefVariantSingle:
		return l.walkFrom(ref.AtomUUID)
	case types.RefVariantCollection:
		if len(ref.AtomUUIDs) == 0 {
			return nil, nil
		}
		return l.walkFrom(ref.AtomUUIDs[len(ref.AtomUUIDs)-1])
	case types.RefVariantRange:
		if len(ref.Pairs) == 0 {
			return nil, nil
		}
		return l.walkFrom(l.latestRangeAtom(*ref))
	default:
		return nil, fmt.Errorf("%w: unknown ref variant %s", ferrors.ErrCorrupt, ref.Variant)
	}
}

// AtomHistoryForKey walks the version history of one key of a Range ref.
func (l *Layer) AtomHistoryForKey(refUUID, key string) ([]types.Atom, error) {
	ref, err := l.getRef(refUUID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, nil
	}
	if ref.Variant != types.RefVariantRange {
		return nil, fmt.Errorf("%w: ref %s is %s, not range", ferrors.ErrInvalidFieldType, refUUID, ref.Variant)
	}
	for _, p := range ref.Pairs {
		if p.Key == key {
			return l.walkFrom(p.AtomUUID)
		}
	}
	return nil, nil
}

// latestRangeAtom returns the atom UUID of the most recently updated key in
// a Range ref, defined by spec as "the most recently updated key" -- since
// ref.Pairs is sorted by key rather than by update time, we resolve this by
// inspecting each key's tip atom's CreatedAt and taking the max.
func (l *Layer) latestRangeAtom(ref types.AtomRef) string {
	var (
		latestUUID string
		latestAt   time.Time
	)
	for _, p := range ref.Pairs {
		a, err := l.GetAtom(p.AtomUUID)
		if err != nil {
			continue
		}
		if a.CreatedAt.After(latestAt) {
			latestAt = a.CreatedAt
			latestUUID = p.AtomUUID
		}
	}
	return latestUUID
}

func (l *Layer) walkFrom(tip string) ([]types.Atom, error) {
	if tip == "" {
		return nil, nil
	}
	var out []types.Atom
	visited := make(map[string]bool)
	cur := tip
	for cur != "" {
		if visited[cur] {
			return nil, fmt.Errorf("%w: cycle detected in atom chain at %s", ferrors.ErrCorrupt, cur)
		}
		visited[cur] = true

		a, err := l.GetAtom(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
		cur = a.PrevAtomUUID
	}
	return out, nil
}
