// Package foldb assembles every core component into the single embeddable
// handle applications use: schema lifecycle management, permissioned
// field reads and writes, and dependent-transform cascade, all backed by
// one kv.Store (bbolt via Open, in-memory via OpenMem). It is the thinnest
// possible layer over
// schema.Core/field.Manager/permission.Wrapper/orchestrator.Orchestrator --
// it owns their wiring and the permission/schema-state checks that must
// happen before any of them is invoked, and nothing else.
package foldb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/folddb/folddb/internal/atom"
	"github.com/folddb/folddb/internal/config"
	"github.com/folddb/folddb/internal/ferrors"
	"github.com/folddb/folddb/internal/field"
	"github.com/folddb/folddb/internal/kv"
	"github.com/folddb/folddb/internal/log"
	"github.com/folddb/folddb/internal/orchestrator"
	"github.com/folddb/folddb/internal/permission"
	"github.com/folddb/folddb/internal/schema"
	"github.com/folddb/folddb/internal/transform"
	"github.com/folddb/folddb/internal/types"
	"github.com/rs/zerolog"
)

// FoldDB is the embeddable core handle. Callers obtain one via Open and
// must Close it when done.
type FoldDB struct {
	store        kv.Store
	atoms        *atom.Layer
	schemas      *schema.Core
	permissions  *permission.Wrapper
	fields       *field.Manager
	transforms   *transform.Registry
	executor     *transform.Executor
	orchestrator *orchestrator.Orchestrator
	logger       zerolog.Logger

	cancelDrain context.CancelFunc
	drainOnce   sync.Once
}

// Open creates (or reopens) a FoldDB instance rooted at path, discovering
// and loading every schema document found under cfg's two schema
// directories. path is a bbolt file path, not a directory.
func Open(path string, cfg config.Config) (*FoldDB, error) {
	log.Init(log.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	store, err := kv.Open(path)
	if err != nil {
		return nil, err
	}

	db, err := newFromStore(store, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	return db, nil
}

// OpenMem creates a FoldDB instance backed by an in-memory store, useful
// for tests and short-lived tooling that does not need persistence across
// restarts.
func OpenMem(cfg config.Config) (*FoldDB, error) {
	return newFromStore(kv.NewMemStore(), cfg)
}

func newFromStore(store kv.Store, cfg config.Config) (*FoldDB, error) {
	atoms := atom.New(store)
	schemas := schema.New(store, atoms)
	permissions := permission.New(store)
	fields := field.New(atoms)
	registry := transform.New(store)
	executor := transform.NewExecutor(atoms, fields, registry)
	orch := orchestrator.New(store, registry, executor, cfg.OrchestratorWorkers)

	schemas.SetTransformRegistrar(registry)

	db := &FoldDB{
		store:        store,
		atoms:        atoms,
		schemas:      schemas,
		permissions:  permissions,
		fields:       fields,
		transforms:   registry,
		executor:     executor,
		orchestrator: orch,
		logger:       log.WithComponent("foldb"),
	}

	if cfg.AvailableSchemasDir != "" || cfg.DataSchemasDir != "" {
		report, err := schemas.InitializeSchemaSystem(cfg.AvailableSchemasDir, cfg.DataSchemasDir)
		if err != nil {
			return nil, err
		}
		db.logger.Info().
			Int("loaded", len(report.Loaded)).
			Int("skipped", len(report.Skipped)).
			Int("errors", len(report.Errors)).
			Msg("schema discovery complete")
	}

	ctx, cancel := context.WithCancel(context.Background())
	db.cancelDrain = cancel
	orch.Start(ctx, 100*time.Millisecond)

	return db, nil
}

// Close stops the orchestrator's background drain loop and closes the
// underlying store.
func (db *FoldDB) Close() error {
	db.drainOnce.Do(func() {
		db.cancelDrain()
		db.orchestrator.Stop()
	})
	if err := db.store.Flush(); err != nil {
		return err
	}
	return db.store.Close()
}

// QueryField names one field to read, optionally narrowed by a Range
// filter (ignored for Single/Collection fields).
type QueryField struct {
	Field  string
	Filter *field.RangeFilter
}

// Query is a read request against one schema's approved fields. Filter, if
// set, applies to every Range field the query names that does not carry its
// own per-field filter.
type Query struct {
	Schema string
	Fields []QueryField
	Filter *field.RangeFilter
	Ctx    types.RequesterContext
}

// FieldResult is one field's outcome within a Query response: exactly one
// of Value or Err is meaningful.
type FieldResult struct {
	Field string
	Value interface{}
	Err   error
}

// Query reads zero or more fields of an Approved schema, enforcing each
// field's read permission independently: one field's denial does not fail
// the whole request, it is reported in that field's FieldResult.
func (db *FoldDB) Query(q Query) ([]FieldResult, error) {
	if err := db.requireApproved(q.Schema); err != nil {
		return nil, err
	}
	s, err := db.schemas.GetSchema(q.Schema)
	if err != nil {
		return nil, err
	}

	results := make([]FieldResult, 0, len(q.Fields))
	for _, qf := range q.Fields {
		fd, ok := s.Fields[qf.Field]
		if !ok {
			results = append(results, FieldResult{Field: qf.Field,
				Err: fmt.Errorf("%w: %s.%s", ferrors.ErrFieldNotFound, q.Schema, qf.Field)})
			continue
		}

		if err := db.permissions.Evaluate(q.Schema, qf.Field, types.PermissionOpRead,
			fd.Permissions.Read, q.Ctx.PubKey, q.Ctx.TrustDistance); err != nil {
			results = append(results, FieldResult{Field: qf.Field, Err: err})
			continue
		}

		filter := qf.Filter
		if filter == nil {
			filter = q.Filter
		}
		val, err := db.fields.ReadField(q.Schema, qf.Field, fd.RefAtomUUID, fd.Variant, filter)
		results = append(results, FieldResult{Field: qf.Field, Value: val, Err: err})
	}
	return results, nil
}

// FieldHistory returns the full version chain for one field, newest first.
// For Range fields, key selects which key's chain to walk; key is ignored
// for Single/Collection fields.
func (db *FoldDB) FieldHistory(schemaName, fieldName, key string, ctx types.RequesterContext) ([]types.Atom, error) {
	if err := db.requireApproved(schemaName); err != nil {
		return nil, err
	}
	s, err := db.schemas.GetSchema(schemaName)
	if err != nil {
		return nil, err
	}
	fd, ok := s.Fields[fieldName]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ferrors.ErrFieldNotFound, schemaName, fieldName)
	}
	if err := db.permissions.Evaluate(schemaName, fieldName, types.PermissionOpRead,
		fd.Permissions.Read, ctx.PubKey, ctx.TrustDistance); err != nil {
		return nil, err
	}
	if fd.Variant == types.RefVariantRange && key != "" {
		return db.atoms.AtomHistoryForKey(fd.RefAtomUUID, key)
	}
	return db.atoms.AtomHistory(fd.RefAtomUUID)
}

// MutationOp selects which operation a Mutation performs.
type MutationOp string

const (
	// MutationOpCreate and MutationOpUpdate write the field values carried
	// in Data. Atoms are append-only versions, so the two are the same
	// storage operation; both names are kept so adapters can express
	// caller intent.
	MutationOpCreate MutationOp = "create"
	MutationOpUpdate MutationOp = "update"
	// MutationOpDelete writes a tombstone atom (status Deleted) for each
	// field named in Data. Prior versions stay in the history walk.
	MutationOpDelete MutationOp = "delete"
	// MutationOpAddToCollection appends Value to the Collection field
	// named by Field.
	MutationOpAddToCollection MutationOp = "add_to_collection"
	// MutationOpRemoveFromCollection removes the entry identified by
	// AtomUUID from the Collection field named by Field.
	MutationOpRemoveFromCollection MutationOp = "remove_from_collection"
	// MutationOpUpdateRangeKey writes Value under RangeKey in the Range
	// field named by Field.
	MutationOpUpdateRangeKey MutationOp = "update_range_key"
)

// Mutation is a write request against one Approved schema. Data carries
// field values for Create/Update (field name to new value; Range fields
// take a map of key/value pairs, written atomically) and names the fields
// to tombstone for Delete (for a Range field, the value is the string key
// to delete). Field, Value, RangeKey, and AtomUUID parameterize the
// single-field collection and range-key ops.
type Mutation struct {
	Schema   string
	Op       MutationOp
	Data     map[string]interface{}
	Field    string
	Value    interface{}
	RangeKey string
	AtomUUID string
	Ctx      types.RequesterContext
}

// Mutate applies one mutation, enforcing every referenced field's write
// permission before any write happens. On success, every transform that
// depends on a written field is enqueued for recomputation.
func (db *FoldDB) Mutate(m Mutation) error {
	if err := db.requireApproved(m.Schema); err != nil {
		return err
	}
	s, err := db.schemas.GetSchema(m.Schema)
	if err != nil {
		return err
	}

	fieldNames, err := m.referencedFields()
	if err != nil {
		return err
	}

	defs := make(map[string]types.FieldDef, len(fieldNames))
	for _, name := range fieldNames {
		fd, ok := s.Fields[name]
		if !ok {
			return fmt.Errorf("%w: %s.%s", ferrors.ErrFieldNotFound, m.Schema, name)
		}
		if fd.Transform != "" {
			return fmt.Errorf("%w: %s.%s is a computed field, writes go through its transform",
				ferrors.ErrInvalidFieldType, m.Schema, name)
		}
		defs[name] = fd
	}

	for _, name := range fieldNames {
		if err := db.permissions.Evaluate(m.Schema, name, types.PermissionOpWrite,
			defs[name].Permissions.Write, m.Ctx.PubKey, m.Ctx.TrustDistance); err != nil {
			return err
		}
	}

	switch m.Op {
	case MutationOpCreate, MutationOpUpdate:
		for _, name := range fieldNames {
			fd := defs[name]
			if _, err := db.fields.WriteField(m.Schema, name, fd.RefAtomUUID, fd.Variant, m.Ctx.PubKey, m.Data[name]); err != nil {
				return err
			}
		}

	case MutationOpDelete:
		for _, name := range fieldNames {
			fd := defs[name]
			rangeKey := ""
			if k, ok := m.Data[name].(string); ok {
				rangeKey = k
			}
			if _, err := db.fields.DeleteField(m.Schema, name, fd.RefAtomUUID, fd.Variant, m.Ctx.PubKey, rangeKey); err != nil {
				return err
			}
		}

	case MutationOpAddToCollection:
		fd := defs[m.Field]
		if fd.Variant != types.RefVariantCollection {
			return fmt.Errorf("%w: %s.%s is %s, not collection", ferrors.ErrInvalidFieldType, m.Schema, m.Field, fd.Variant)
		}
		if _, err := db.fields.WriteField(m.Schema, m.Field, fd.RefAtomUUID, fd.Variant, m.Ctx.PubKey, m.Value); err != nil {
			return err
		}

	case MutationOpRemoveFromCollection:
		fd := defs[m.Field]
		if fd.Variant != types.RefVariantCollection {
			return fmt.Errorf("%w: %s.%s is %s, not collection", ferrors.ErrInvalidFieldType, m.Schema, m.Field, fd.Variant)
		}
		if err := db.fields.RemoveFromCollection(fd.RefAtomUUID, m.Ctx.PubKey, m.AtomUUID); err != nil {
			return err
		}

	case MutationOpUpdateRangeKey:
		fd := defs[m.Field]
		if fd.Variant != types.RefVariantRange {
			return fmt.Errorf("%w: %s.%s is %s, not range", ferrors.ErrInvalidFieldType, m.Schema, m.Field, fd.Variant)
		}
		if _, err := db.fields.UpdateRangeKey(m.Schema, m.Field, fd.RefAtomUUID, m.Ctx.PubKey, m.RangeKey, m.Value); err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: unknown mutation op %q", ferrors.ErrInvalidFieldType, m.Op)
	}

	for _, name := range fieldNames {
		for _, transformID := range db.transforms.DependentsOf(types.FieldRef{Schema: m.Schema, Field: name}) {
			if err := db.orchestrator.Enqueue(transformID); err != nil {
				db.logger.Error().Err(err).Str("transform_id", transformID).Msg("failed to enqueue dependent transform")
			}
		}
	}
	return nil
}

// referencedFields lists the fields a mutation touches, in deterministic
// order, so permission checks and writes always happen field by field in
// the same sequence.
func (m Mutation) referencedFields() ([]string, error) {
	switch m.Op {
	case MutationOpCreate, MutationOpUpdate, MutationOpDelete:
		if len(m.Data) == 0 {
			return nil, fmt.Errorf("%w: %s mutation carries no fields", ferrors.ErrInvalidFieldType, m.Op)
		}
		names := make([]string, 0, len(m.Data))
		for name := range m.Data {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil

	case MutationOpAddToCollection, MutationOpRemoveFromCollection, MutationOpUpdateRangeKey:
		if m.Field == "" {
			return nil, fmt.Errorf("%w: %s mutation names no field", ferrors.ErrInvalidFieldType, m.Op)
		}
		return []string{m.Field}, nil

	default:
		return nil, fmt.Errorf("%w: unknown mutation op %q", ferrors.ErrInvalidFieldType, m.Op)
	}
}

func (db *FoldDB) requireApproved(schemaName string) error {
	state, err := db.schemas.SchemaState(schemaName)
	if err != nil {
		return err
	}
	if state != types.SchemaStateApproved {
		return fmt.Errorf("%w: %s", ferrors.ErrSchemaNotApproved, schemaName)
	}
	return nil
}

// AddSchemaToAvailable adds or updates a schema document (see schema.Core
// for full semantics around content-addressed dedup and edit-approved
// re-materialization).
func (db *FoldDB) AddSchemaToAvailable(raw []byte, name string) (string, error) {
	return db.schemas.AddSchemaToAvailable(raw, name)
}

// ApproveSchema transitions a schema to Approved.
func (db *FoldDB) ApproveSchema(name string) error { return db.schemas.ApproveSchema(name) }

// BlockSchema transitions a schema to Blocked.
func (db *FoldDB) BlockSchema(name string) error { return db.schemas.BlockSchema(name) }

// UnloadSchema forgets a schema's document and state entirely.
func (db *FoldDB) UnloadSchema(name string) error { return db.schemas.UnloadSchema(name) }

// ListByState lists every schema name currently in the given state.
func (db *FoldDB) ListByState(state types.SchemaState) ([]string, error) {
	return db.schemas.ListByState(state)
}

// SchemaState returns a schema's current lifecycle state.
func (db *FoldDB) SchemaState(name string) (types.SchemaState, error) {
	return db.schemas.SchemaState(name)
}

// Status reports every known schema name and its current lifecycle state.
func (db *FoldDB) Status() (map[string]types.SchemaState, error) {
	return db.schemas.States()
}

// GetSchema returns a schema's current document.
func (db *FoldDB) GetSchema(name string) (*types.Schema, error) {
	return db.schemas.GetSchema(name)
}

// DiscoverAndLoadAllSchemas re-scans one or more directories for schema
// documents, useful for embedders that add schema files after Open.
func (db *FoldDB) DiscoverAndLoadAllSchemas(dirs ...string) (schema.LoadingReport, error) {
	return db.schemas.DiscoverAndLoadAllSchemas(dirs...)
}

// Grant creates or replaces an explicit-access counter for one requester's
// access to one field operation, the administrative entry point behind
// ExplicitOnce/ExplicitMany policies.
func (db *FoldDB) Grant(schemaName, fieldName string, op types.PermissionOp, pubKey string, count types.Count) error {
	return db.permissions.Grant(schemaName, fieldName, op, pubKey, count)
}

// TransformStatus reports whether transformID's last execution succeeded.
func (db *FoldDB) TransformStatus(transformID string) (reason string, ok bool) {
	return db.orchestrator.Status(transformID)
}

// DrainTransforms synchronously drains the orchestrator queue once. Tests
// and tools that do not want to wait on the background ticker call this
// directly instead of Mutate's async cascade.
func (db *FoldDB) DrainTransforms() error {
	return db.orchestrator.RunOnce()
}
