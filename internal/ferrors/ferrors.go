// Package ferrors defines the typed error taxonomy surfaced by the FoldDB
// core to its adapters. Every sentinel is meant to be matched with
// errors.Is; call sites wrap it with fmt.Errorf("...: %w", err) to attach
// the offending identifier.
package ferrors

import "errors"

var (
	// ErrSchemaNotFound is returned when a referenced schema name has no
	// document in the schema core.
	ErrSchemaNotFound = errors.New("schema not found")

	// ErrSchemaNotApproved is returned when a query or mutation targets a
	// schema that is not in the Approved state.
	ErrSchemaNotApproved = errors.New("schema not approved")

	// ErrFieldNotFound is returned when a schema has no field of the
	// requested name.
	ErrFieldNotFound = errors.New("field not found")

	// ErrInvalidFieldType is returned when a written value's shape does not
	// match the field's variant (Single/Collection/Range).
	ErrInvalidFieldType = errors.New("invalid field type")

	// ErrPermissionDenied is returned when a permission policy rejects a
	// read or write.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidTransform is returned when a transform references a field
	// that does not resolve to an existing AtomRef of an approved schema.
	ErrInvalidTransform = errors.New("invalid transform")

	// ErrTransformExecFailed is returned when transform evaluation fails
	// (parse error already surfaced at registration; this covers runtime
	// evaluation failures such as divide-by-zero or type mismatches).
	ErrTransformExecFailed = errors.New("transform execution failed")

	// ErrIO is returned when the underlying KV engine fails for reasons
	// other than key-not-found (disk errors, closed handle, etc).
	ErrIO = errors.New("io error")

	// ErrCorrupt is returned when a stored record fails to deserialize.
	ErrCorrupt = errors.New("corrupt record")

	// ErrAlreadyExists is returned when adding a schema document whose name
	// collides with an existing, differently-content document.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound is a generic not-found used by the KV adapter for atoms,
	// refs, and other non-schema lookups.
	ErrNotFound = errors.New("not found")
)
