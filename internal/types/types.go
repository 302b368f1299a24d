// Package types holds the shared data model for FoldDB's core: atoms, the
// three AtomRef variants, schema documents and field definitions,
// permission policies, schema states, and transform metadata. Values in
// this package are plain structs serialized as JSON; there are no
// interface hierarchies or back-pointers, so the graph between a schema,
// its fields, and its transforms is always reconstructed on demand from
// the KV layer rather than held in memory.
package types

import "time"

// AtomStatus is the lifecycle flag carried on every atom.
type AtomStatus string

const (
	AtomStatusActive  AtomStatus = "active"
	AtomStatusDeleted AtomStatus = "deleted"
)

// Atom is an immutable, content-addressed version record. Atoms are never
// mutated or deleted; a logical "delete" is a new atom with Status set to
// AtomStatusDeleted, and history is reconstructed by walking PrevAtomUUID.
type Atom struct {
	UUID          string      `json:"uuid"`
	SchemaName    string      `json:"schema_name"`
	Content       interface{} `json:"content"`
	CreatedAt     time.Time   `json:"created_at"`
	SourcePubKey  string      `json:"source_pub_key"`
	PrevAtomUUID  string      `json:"prev_atom_uuid,omitempty"`
	Status        AtomStatus  `json:"status"`
}

// RefVariant names the shape of an AtomRef and, equivalently, of the field
// it backs.
type RefVariant string

const (
	RefVariantSingle     RefVariant = "single"
	RefVariantCollection RefVariant = "collection"
	RefVariantRange      RefVariant = "range"
)

// AtomRef is the mutable pointer stored under a ref UUID. Exactly one of
// AtomUUID, AtomUUIDs, or Pairs is meaningful, selected by Variant; this is
// a tagged union rather than three separate types so the KV layer can
// store and load it as a single self-describing record.
type AtomRef struct {
	UUID      string     `json:"uuid"`
	Variant   RefVariant `json:"variant"`
	AtomUUID  string     `json:"atom_uuid,omitempty"`  // Single
	AtomUUIDs []string   `json:"atom_uuids,omitempty"` // Collection, ordered
	Pairs     []RefPair  `json:"pairs,omitempty"`      // Range, sorted by Key
	UpdatedAt time.Time  `json:"updated_at"`
	UpdatedBy string     `json:"updated_by"`
}

// RefPair is one key/atom entry of a Range AtomRef.
type RefPair struct {
	Key      string `json:"key"`
	AtomUUID string `json:"atom_uuid"`
}

// FieldVariant is the field-definition-level name for the same shape
// vocabulary AtomRefs use; a field's declared variant and its backing
// ref's variant must always agree, so they share one type.
type FieldVariant = RefVariant

// PermissionOp names a field operation a PermissionPolicy gates.
type PermissionOp string

const (
	PermissionOpRead  PermissionOp = "read"
	PermissionOpWrite PermissionOp = "write"
)

// PermissionKind selects which permission rule applies.
type PermissionKind string

const (
	PermissionNoRequirement PermissionKind = "no_requirement"
	PermissionTrustDistance PermissionKind = "trust_distance"
	PermissionExplicitOnce  PermissionKind = "explicit_once"
	PermissionExplicitMany  PermissionKind = "explicit_many"
)

// CountKind distinguishes a bounded explicit-grant counter from an
// unlimited one.
type CountKind string

const (
	CountLimited   CountKind = "limited"
	CountUnlimited CountKind = "unlimited"
)

// Count is the payload of PermissionExplicitMany: either a bounded budget
// or an unlimited allowance.
type Count struct {
	Kind  CountKind `json:"kind"`
	Limit uint32    `json:"limit,omitempty"`
}

// PermissionPolicy is one operation's access rule for a field.
type PermissionPolicy struct {
	Kind  PermissionKind `json:"kind"`
	Trust uint32         `json:"trust,omitempty"` // TrustDistance max
	Many  Count          `json:"many,omitempty"`  // ExplicitMany budget
}

// FieldPermissions bundles the read and write policies for a field.
type FieldPermissions struct {
	Read  PermissionPolicy `json:"read"`
	Write PermissionPolicy `json:"write"`
}

// PaymentRequirement names whether a field or transform requires payment
// to access, mirroring the transform declaration's `payment` clause.
type PaymentRequirement string

const (
	PaymentNone     PaymentRequirement = "none"
	PaymentOptional PaymentRequirement = "optional"
	PaymentRequired PaymentRequirement = "required"
)

// PaymentConfig is attached to a schema and, optionally, overridden per
// field.
type PaymentConfig struct {
	Requirement PaymentRequirement `json:"requirement"`
	BaseFee     uint64             `json:"base_fee,omitempty"`
}

// FieldDef is one field of a schema: its shape, its permission policy, and
// (once the owning schema is Approved) the UUID of the AtomRef that backs
// it. RefAtomUUID is empty until approval and is preserved across
// block/re-approve cycles.
type FieldDef struct {
	Variant          FieldVariant      `json:"variant"`
	Permissions      FieldPermissions  `json:"permissions"`
	Payment          *PaymentConfig    `json:"payment,omitempty"`
	RefAtomUUID      string            `json:"ref_atom_uuid,omitempty"`
	// Transform holds the raw transform DSL source when this field is
	// computed rather than written directly; empty for ordinary fields. Its
	// registered transform id is always "<schema name>.<field name>".
	Transform string `json:"transform,omitempty"`
}

// Schema is a named collection of fields plus schema-level payment
// configuration. SchemaMappers are opaque pass-through metadata consumed
// only by adapters outside the core (migration/import tooling).
type Schema struct {
	Name          string              `json:"name"`
	Fields        map[string]FieldDef `json:"fields"`
	Payment       *PaymentConfig      `json:"payment,omitempty"`
	SchemaMappers []string            `json:"schema_mappers,omitempty"`
}

// SchemaState is the lifecycle label tracked separately from the Schema
// document itself, one per schema name.
type SchemaState string

const (
	SchemaStateAvailable SchemaState = "available"
	SchemaStateApproved  SchemaState = "approved"
	SchemaStateBlocked   SchemaState = "blocked"
)

// FieldRef names a field by its owning schema, independent of whether that
// field currently resolves to an AtomRef.
type FieldRef struct {
	Schema string `json:"schema"`
	Field  string `json:"field"`
}

// ResolvedFieldRef pins a FieldRef to the AtomRef UUID it resolved to at
// registration time; transform dependency tracking is re-resolved (and
// re-persisted) whenever the owning schema is re-approved.
type ResolvedFieldRef struct {
	FieldRef
	RefAtomUUID string `json:"ref_atom_uuid"`
}

// TrustRequirement is the parsed form of a transform declaration's `trust`
// clause.
type TrustRequirement struct {
	Unrestricted bool         `json:"unrestricted"`
	Op           PermissionOp `json:"op,omitempty"`
	MaxDistance  uint32       `json:"max_distance,omitempty"`
}

// Transform is the registry's record for one declared transform: its id
// ("<schema>.<field>"), its DSL source, the metadata parsed from it, and
// its input/output field refs by name (the ref UUIDs they resolve to are
// kept in TransformMapping).
type Transform struct {
	ID         string             `json:"id"`
	Source     string             `json:"source"`
	Inputs     []FieldRef         `json:"inputs"`
	Output     FieldRef           `json:"output"`
	Reversible bool               `json:"reversible"`
	Payment    PaymentRequirement `json:"payment"`
	Trust      TrustRequirement   `json:"trust"`
	Signature  string             `json:"signature,omitempty"`
}

// TransformMapping is the persisted, resolved form of a Transform's
// dependency edges: each input and the output pinned to the AtomRef UUID
// they resolved to at registration/re-registration time.
type TransformMapping struct {
	TransformID string             `json:"transform_id"`
	Inputs      []ResolvedFieldRef `json:"inputs"`
	Output      ResolvedFieldRef   `json:"output"`
}

// QueueEntry is one pending orchestrator queue item. At most one entry
// exists per TransformID at any time; Seq orders entries for FIFO drain.
type QueueEntry struct {
	Seq         uint64    `json:"seq"`
	TransformID string    `json:"transform_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// RequesterContext is the authorization context accompanying every query
// and mutation: who is asking, and from what trust distance.
type RequesterContext struct {
	PubKey        string `json:"pub_key"`
	TrustDistance uint32 `json:"trust_distance"`
}
