// Package schema is FoldDB's single source of truth for schema documents:
// discovery from disk, the Available/Approved/Blocked state machine,
// content-addressed dedup on add, and AtomRef materialization at approval
// time. It depends on the atom layer to create the empty refs a newly
// approved field needs, and on an injected TransformRegistrar so that
// transform registration stays a separate, independently testable concern.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/folddb/folddb/internal/atom"
	"github.com/folddb/folddb/internal/ferrors"
	"github.com/folddb/folddb/internal/kv"
	"github.com/folddb/folddb/internal/log"
	"github.com/folddb/folddb/internal/metrics"
	"github.com/folddb/folddb/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// systemPubKey marks refs and atoms created by the schema core itself
// (empty AtomRef materialization), as opposed to a real requester.
const systemPubKey = "system:schema-core"

// FieldResolver resolves a "<schema>.<field>" reference to the AtomRef UUID
// and variant it is bound to, used by a TransformRegistrar to validate a
// transform's inputs before a schema approval commits.
type FieldResolver func(schemaName, fieldName string) (refAtomUUID string, variant types.RefVariant, err error)

// TransformRegistrar is the schema core's view of the transform engine. It
// is implemented by internal/transform; the two packages are wired together
// by internal/foldb rather than importing each other directly.
type TransformRegistrar interface {
	// Validate parses source and resolves every field identifier it
	// references via resolve, returning the resolved input refs it would
	// register if committed. It performs no persistent writes.
	Validate(source string, resolve FieldResolver) ([]types.FieldRef, error)
	// Register persists transform_id's dependency mapping once the owning
	// schema's approval has committed, re-resolving each input through
	// resolve to pin the exact ref_atom_uuid it depends on.
	Register(transformID, source string, inputs []types.FieldRef, resolve FieldResolver, output types.ResolvedFieldRef) error
	// Unregister removes transform_id's mapping (block/unload).
	Unregister(transformID string) error
}

// LoadingReport summarizes one discovery pass.
type LoadingReport struct {
	Loaded  []string
	Skipped []string
	Errors  map[string]string
}

// Core is the schema store. One Core is owned by the FoldDB facade.
type Core struct {
	store      kv.Store
	atoms      *atom.Layer
	transforms TransformRegistrar
	logger     zerolog.Logger

	locks sync.Map // map[string]*sync.Mutex, keyed by schema name
}

// New creates a schema Core. SetTransformRegistrar must be called before
// ApproveSchema is used on schemas with computed fields.
func New(store kv.Store, atoms *atom.Layer) *Core {
	return &Core{
		store:  store,
		atoms:  atoms,
		logger: log.WithComponent("schema"),
	}
}

// SetTransformRegistrar wires the transform engine in after construction,
// breaking the import cycle between schema and transform.
func (c *Core) SetTransformRegistrar(r TransformRegistrar) {
	c.transforms = r
}

func (c *Core) lockFor(name string) *sync.Mutex {
	actual, _ := c.locks.LoadOrStore(name, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// canonicalJSON re-marshals arbitrary JSON through a generic interface{} so
// that object keys come out sorted, independent of the original document's
// key order or whitespace. encoding/json already sorts map[string]interface{}
// keys on Marshal, so this needs no third-party canonicalization library.
func canonicalJSON(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ferrors.ErrCorrupt, err)
	}
	return json.Marshal(v)
}

func normalizeDocument(raw []byte, ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var v interface{}
		if err := yaml.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: parse yaml: %v", ferrors.ErrCorrupt, err)
		}
		normalized, err := yamlToJSONCompatible(v)
		if err != nil {
			return nil, err
		}
		return json.Marshal(normalized)
	default:
		return raw, nil
	}
}

// yamlToJSONCompatible recursively converts yaml.v3's map[string]interface{}
// (it already uses string keys, unlike yaml.v2's map[interface{}]interface{})
// into a tree json.Marshal accepts without surprises on nested maps.
func yamlToJSONCompatible(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			converted, err := yamlToJSONCompatible(vv)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			converted, err := yamlToJSONCompatible(vv)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return val, nil
	}
}

func (c *Core) schemaKey(name string) string { return name }

func (c *Core) loadSchema(name string) (*types.Schema, error) {
	data, err := c.store.Get(kv.NamespaceSchemas, c.schemaKey(name))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ferrors.ErrSchemaNotFound, name)
		}
		return nil, err
	}
	var s types.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: schema %s: %v", ferrors.ErrCorrupt, name, err)
	}
	return &s, nil
}

func (c *Core) putSchema(w interface {
	Put(ns kv.Namespace, key string, value []byte) error
}, s types.Schema) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal schema %s: %w", s.Name, err)
	}
	return w.Put(kv.NamespaceSchemas, c.schemaKey(s.Name), data)
}

func (c *Core) putState(w interface {
	Put(ns kv.Namespace, key string, value []byte) error
}, name string, state types.SchemaState) error {
	return w.Put(kv.NamespaceSchemaStates, c.schemaKey(name), []byte(state))
}

// GetSchema returns a schema's current document.
func (c *Core) GetSchema(name string) (*types.Schema, error) {
	return c.loadSchema(name)
}

// SchemaState returns a schema's current lifecycle state.
func (c *Core) SchemaState(name string) (types.SchemaState, error) {
	data, err := c.store.Get(kv.NamespaceSchemaStates, c.schemaKey(name))
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: %s", ferrors.ErrSchemaNotFound, name)
		}
		return "", err
	}
	return types.SchemaState(data), nil
}

// ListByState lists every schema name currently in the given state.
func (c *Core) ListByState(state types.SchemaState) ([]string, error) {
	keys, err := c.store.ListKeys(kv.NamespaceSchemaStates)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		data, err := c.store.Get(kv.NamespaceSchemaStates, k)
		if err != nil {
			continue
		}
		if types.SchemaState(data) == state {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// States returns every known schema name and its current lifecycle state.
func (c *Core) States() (map[string]types.SchemaState, error) {
	keys, err := c.store.ListKeys(kv.NamespaceSchemaStates)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.SchemaState, len(keys))
	for _, k := range keys {
		data, err := c.store.Get(kv.NamespaceSchemaStates, k)
		if err != nil {
			continue
		}
		out[k] = types.SchemaState(data)
	}
	return out, nil
}

// AddSchemaToAvailable adds or updates a schema document. If name is empty
// it is read from the document's own "name" field. Content-identical
// re-adds are idempotent; content-different re-adds of an existing name
// fail with ErrAlreadyExists, unless the existing schema is already
// Approved, in which case the new field set is merged in and
// re-materialized in place (existing fields whose variant is unchanged keep
// their ref_atom_uuid).
func (c *Core) AddSchemaToAvailable(raw []byte, name string) (string, error) {
	var incoming types.Schema
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return "", fmt.Errorf("%w: parse schema document: %v", ferrors.ErrCorrupt, err)
	}
	if name == "" {
		name = incoming.Name
	}
	if name == "" {
		return "", fmt.Errorf("%w: schema document has no name", ferrors.ErrCorrupt)
	}
	incoming.Name = name

	mu := c.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	canonicalNew, err := canonicalJSON(raw)
	if err != nil {
		return "", err
	}

	existing, err := c.loadSchema(name)
	if err != nil && !isSchemaNotFound(err) {
		return "", err
	}

	if existing == nil {
		if err := c.store.Batch(func(tx kv.Tx) error {
			if err := c.putSchema(tx, incoming); err != nil {
				return err
			}
			return c.putState(tx, name, types.SchemaStateAvailable)
		}); err != nil {
			return "", err
		}
		metrics.SchemasByState.WithLabelValues(string(types.SchemaStateAvailable)).Inc()
		return name, nil
	}

	existingRaw, err := json.Marshal(existing)
	if err != nil {
		return "", fmt.Errorf("marshal existing schema %s: %w", name, err)
	}
	canonicalExisting, err := canonicalJSON(existingRaw)
	if err != nil {
		return "", err
	}
	if string(canonicalExisting) == string(canonicalNew) {
		return name, nil // identical content, idempotent success
	}

	state, err := c.SchemaState(name)
	if err != nil {
		return "", err
	}
	if state != types.SchemaStateApproved {
		return "", fmt.Errorf("%w: schema %s", ferrors.ErrAlreadyExists, name)
	}

	return name, c.editApprovedSchema(name, *existing, incoming)
}

// editApprovedSchema merges incoming's field set into an already-Approved
// schema: fields present in both keep their ref_atom_uuid and history;
// fields new to incoming are materialized immediately, without a state
// transition.
func (c *Core) editApprovedSchema(name string, existing, incoming types.Schema) error {
	merged := incoming
	merged.Name = name
	if merged.Fields == nil {
		merged.Fields = map[string]types.FieldDef{}
	}
	for fname, old := range existing.Fields {
		if nf, ok := merged.Fields[fname]; ok && old.RefAtomUUID != "" && nf.Variant == old.Variant {
			nf.RefAtomUUID = old.RefAtomUUID
			merged.Fields[fname] = nf
		}
	}

	pending, err := c.materializeFields(name, merged)
	if err != nil {
		return err
	}

	if err := c.store.Batch(func(tx kv.Tx) error {
		return c.putSchema(tx, *pending)
	}); err != nil {
		return err
	}

	c.registerTransforms(name, *pending)
	return nil
}

// materializeFields allocates ref UUIDs for every field currently missing
// one and creates the backing empty AtomRef for each. It mutates and
// returns a copy of s with RefAtomUUID filled in; it does not persist the
// schema document itself.
func (c *Core) materializeFields(name string, s types.Schema) (*types.Schema, error) {
	out := s
	out.Fields = make(map[string]types.FieldDef, len(s.Fields))
	for fname, fd := range s.Fields {
		out.Fields[fname] = fd
	}

	resolver := c.fieldResolverOver(name, out)

	for fname, fd := range out.Fields {
		if fd.Transform == "" {
			continue
		}
		if c.transforms == nil {
			return nil, fmt.Errorf("%w: transform engine not wired for %s.%s", ferrors.ErrInvalidTransform, name, fname)
		}
		if _, err := c.transforms.Validate(fd.Transform, resolver); err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ferrors.ErrInvalidTransform, name, fname, err)
		}
	}

	for fname, fd := range out.Fields {
		if fd.RefAtomUUID != "" {
			continue
		}
		refUUID := uuid.New().String()
		if err := c.atoms.EnsureRef(refUUID, fd.Variant, systemPubKey); err != nil {
			return nil, err
		}
		fd.RefAtomUUID = refUUID
		out.Fields[fname] = fd
	}

	return &out, nil
}

// fieldResolverOver returns a FieldResolver that answers for fields of the
// schema currently being materialized using the in-progress document `s`,
// and falls back to already-committed schemas (which must be Approved) for
// cross-schema references.
func (c *Core) fieldResolverOver(name string, s types.Schema) FieldResolver {
	return func(schemaName, fieldName string) (string, types.RefVariant, error) {
		if schemaName == name {
			fd, ok := s.Fields[fieldName]
			if !ok {
				return "", "", fmt.Errorf("%w: %s.%s", ferrors.ErrFieldNotFound, schemaName, fieldName)
			}
			return fd.RefAtomUUID, fd.Variant, nil
		}

		state, err := c.SchemaState(schemaName)
		if err != nil {
			return "", "", err
		}
		if state != types.SchemaStateApproved {
			return "", "", fmt.Errorf("%w: %s", ferrors.ErrSchemaNotApproved, schemaName)
		}
		other, err := c.loadSchema(schemaName)
		if err != nil {
			return "", "", err
		}
		fd, ok := other.Fields[fieldName]
		if !ok {
			return "", "", fmt.Errorf("%w: %s.%s", ferrors.ErrFieldNotFound, schemaName, fieldName)
		}
		return fd.RefAtomUUID, fd.Variant, nil
	}
}

func (c *Core) registerTransforms(name string, s types.Schema) {
	if c.transforms == nil {
		return
	}
	resolver := c.fieldResolverOver(name, s)
	for fname, fd := range s.Fields {
		if fd.Transform == "" {
			continue
		}
		transformID := name + "." + fname
		inputs, err := c.transforms.Validate(fd.Transform, resolver)
		if err != nil {
			c.logger.Error().Err(err).Str("transform_id", transformID).Msg("transform re-validation failed during registration")
			continue
		}
		output := types.ResolvedFieldRef{
			FieldRef:    types.FieldRef{Schema: name, Field: fname},
			RefAtomUUID: fd.RefAtomUUID,
		}
		if err := c.transforms.Register(transformID, fd.Transform, inputs, resolver, output); err != nil {
			c.logger.Error().Err(err).Str("transform_id", transformID).Msg("transform registration failed")
		}
	}
}

func (c *Core) unregisterTransforms(name string, s types.Schema) {
	if c.transforms == nil {
		return
	}
	for fname, fd := range s.Fields {
		if fd.Transform == "" {
			continue
		}
		transformID := name + "." + fname
		if err := c.transforms.Unregister(transformID); err != nil {
			c.logger.Error().Err(err).Str("transform_id", transformID).Msg("transform unregistration failed")
		}
	}
}

// ApproveSchema transitions a schema to Approved, materializing AtomRefs
// for any field that lacks one and registering its transforms. Approving
// an already-Approved schema is a no-op. Materialization failure (for
// example, a transform referencing a nonexistent field) leaves no partial
// state: no ref_atom_uuid is written for any field of the schema.
func (c *Core) ApproveSchema(name string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchemaApprovalDuration)

	mu := c.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	state, err := c.SchemaState(name)
	if err != nil {
		return err
	}
	if state == types.SchemaStateApproved {
		return nil
	}

	s, err := c.loadSchema(name)
	if err != nil {
		return err
	}

	materialized, err := c.materializeFields(name, *s)
	if err != nil {
		return err
	}

	if err := c.store.Batch(func(tx kv.Tx) error {
		if err := c.putSchema(tx, *materialized); err != nil {
			return err
		}
		return c.putState(tx, name, types.SchemaStateApproved)
	}); err != nil {
		return err
	}

	c.registerTransforms(name, *materialized)

	metrics.SchemasByState.WithLabelValues(string(state)).Dec()
	metrics.SchemasByState.WithLabelValues(string(types.SchemaStateApproved)).Inc()
	c.logger.Info().Str("schema_name", name).Msg("schema approved")
	return nil
}

// BlockSchema transitions a schema to Blocked. From Approved this
// unregisters its transforms but keeps AtomRefs intact; from Available it
// is a direct transition (nothing was registered yet); from Blocked it is
// a no-op.
func (c *Core) BlockSchema(name string) error {
	mu := c.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	state, err := c.SchemaState(name)
	if err != nil {
		return err
	}
	if state == types.SchemaStateBlocked {
		return nil
	}

	if state == types.SchemaStateApproved {
		s, err := c.loadSchema(name)
		if err != nil {
			return err
		}
		c.unregisterTransforms(name, *s)
	}

	if err := c.store.Put(kv.NamespaceSchemaStates, c.schemaKey(name), []byte(types.SchemaStateBlocked)); err != nil {
		return err
	}
	metrics.SchemasByState.WithLabelValues(string(state)).Dec()
	metrics.SchemasByState.WithLabelValues(string(types.SchemaStateBlocked)).Inc()
	return nil
}

// UnloadSchema forgets a schema entirely: its document and state record are
// deleted. Atoms already written under its fields' refs are left in place
// (atoms are permanent, content-addressed records), but the refs
// themselves are no longer reachable through this schema.
func (c *Core) UnloadSchema(name string) error {
	mu := c.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	state, err := c.SchemaState(name)
	if err != nil {
		return err
	}

	if state == types.SchemaStateApproved {
		s, err := c.loadSchema(name)
		if err == nil {
			c.unregisterTransforms(name, *s)
		}
	}

	if err := c.store.Delete(kv.NamespaceSchemas, c.schemaKey(name)); err != nil {
		return err
	}
	if err := c.store.Delete(kv.NamespaceSchemaStates, c.schemaKey(name)); err != nil {
		return err
	}
	metrics.SchemasByState.WithLabelValues(string(state)).Dec()
	return nil
}

// InitializeSchemaSystem is called exactly once at FoldDB startup: it
// discovers and loads every schema document from the two configured
// directories.
func (c *Core) InitializeSchemaSystem(availableDir, dataDir string) (LoadingReport, error) {
	return c.DiscoverAndLoadAllSchemas(availableDir, dataDir)
}

// DiscoverAndLoadAllSchemas scans both directories for .json/.yaml/.yml
// schema documents and reconciles them via AddSchemaToAvailable.
func (c *Core) DiscoverAndLoadAllSchemas(dirs ...string) (LoadingReport, error) {
	report := LoadingReport{Errors: map[string]string{}}

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return report, fmt.Errorf("%w: read dir %s: %v", ferrors.ErrIO, dir, err)
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := filepath.Ext(entry.Name())
			if ext != ".json" && ext != ".yaml" && ext != ".yml" {
				report.Skipped = append(report.Skipped, entry.Name())
				continue
			}

			path := filepath.Join(dir, entry.Name())
			raw, err := os.ReadFile(path)
			if err != nil {
				report.Errors[entry.Name()] = err.Error()
				continue
			}

			normalized, err := normalizeDocument(raw, ext)
			if err != nil {
				report.Errors[entry.Name()] = err.Error()
				continue
			}

			name := strings.TrimSuffix(entry.Name(), ext)
			if _, err := c.AddSchemaToAvailable(normalized, name); err != nil {
				report.Errors[entry.Name()] = err.Error()
				continue
			}
			report.Loaded = append(report.Loaded, name)
		}
	}

	return report, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ferrors.ErrNotFound)
}

func isSchemaNotFound(err error) bool {
	return errors.Is(err, ferrors.ErrSchemaNotFound)
}
