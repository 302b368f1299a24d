// Package permission evaluates field-level access policies and tracks the
// persistent grant counters that back ExplicitOnce/ExplicitMany. The
// schema-level "is this schema Approved" gate from spec.md §4.4 is enforced
// by the facade before a policy is ever evaluated here;
// this package only ever sees requests for fields it is told to check.
package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/folddb/folddb/internal/ferrors"
	"github.com/folddb/folddb/internal/kv"
	"github.com/folddb/folddb/internal/log"
	"github.com/folddb/folddb/internal/metrics"
	"github.com/folddb/folddb/internal/types"
	"github.com/rs/zerolog"
)

// Wrapper evaluates PermissionPolicy rules against a requester and manages
// the persisted grant counters ExplicitOnce/ExplicitMany consume.
type Wrapper struct {
	store  kv.Store
	logger zerolog.Logger
}

// New creates a permission Wrapper over the given store.
func New(store kv.Store) *Wrapper {
	return &Wrapper{
		store:  store,
		logger: log.WithComponent("permission"),
	}
}

// grantRecord is the persisted per-(schema, field, pub_key) pair of
// explicit-access counters, one per operation. An op whose Count has an
// empty Kind was never granted.
type grantRecord struct {
	R types.Count `json:"r"`
	W types.Count `json:"w"`
}

func (g *grantRecord) counterFor(op types.PermissionOp) *types.Count {
	if op == types.PermissionOpWrite {
		return &g.W
	}
	return &g.R
}

func counterKey(schema, field, pubKey string) string {
	return strings.Join([]string{schema, field, pubKey}, "/")
}

// Grant creates or replaces the explicit-access counter for one requester's
// access to one field operation, leaving the other operation's counter
// untouched. It is the administrative entry point that an embedding program
// calls before a requester can exercise ExplicitOnce/ExplicitMany access.
func (w *Wrapper) Grant(schema, field string, op types.PermissionOp, pubKey string, count types.Count) error {
	key := counterKey(schema, field, pubKey)
	return w.store.Batch(func(tx kv.Tx) error {
		var rec grantRecord
		data, err := tx.Get(kv.NamespacePermissions, key)
		if err == nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("%w: grant record %s: %v", ferrors.ErrCorrupt, key, err)
			}
		} else if !errors.Is(err, ferrors.ErrNotFound) {
			return err
		}

		*rec.counterFor(op) = count
		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal grant record: %w", err)
		}
		return tx.Put(kv.NamespacePermissions, key, updated)
	})
}

// Evaluate checks whether pubKey (at the given trust distance) may perform
// op on schema.field under policy, consuming one unit of an explicit grant
// counter if the policy requires it. It never mutates state on denial.
func (w *Wrapper) Evaluate(schema, field string, op types.PermissionOp, policy types.PermissionPolicy, pubKey string, trustDistance uint32) error {
	switch policy.Kind {
	case types.PermissionNoRequirement:
		return nil

	case types.PermissionTrustDistance:
		if trustDistance <= policy.Trust {
			return nil
		}
		w.deny(schema, field, op)
		return fmt.Errorf("%w: %s.%s %s requires trust distance <= %d, got %d",
			ferrors.ErrPermissionDenied, schema, field, op, policy.Trust, trustDistance)

	case types.PermissionExplicitOnce, types.PermissionExplicitMany:
		ok, err := w.consumeGrant(schema, field, op, pubKey)
		if err != nil {
			return err
		}
		if !ok {
			w.deny(schema, field, op)
			return fmt.Errorf("%w: %s.%s %s: no remaining grant for %s",
				ferrors.ErrPermissionDenied, schema, field, op, pubKey)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown permission kind %q", ferrors.ErrPermissionDenied, policy.Kind)
	}
}

func (w *Wrapper) deny(schema, field string, op types.PermissionOp) {
	metrics.PermissionDenialsTotal.WithLabelValues(schema, field, string(op)).Inc()
}

// consumeGrant atomically reads and, if allowed, decrements the persisted
// counter for one (schema, field, pubKey) and operation. Unlimited counters
// are consulted but never decremented.
func (w *Wrapper) consumeGrant(schema, field string, op types.PermissionOp, pubKey string) (bool, error) {
	key := counterKey(schema, field, pubKey)
	allowed := false

	err := w.store.Batch(func(tx kv.Tx) error {
		data, err := tx.Get(kv.NamespacePermissions, key)
		if err != nil {
			if errors.Is(err, ferrors.ErrNotFound) {
				allowed = false
				return nil
			}
			return err
		}

		var rec grantRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("%w: grant record %s: %v", ferrors.ErrCorrupt, key, err)
		}

		count := rec.counterFor(op)
		switch count.Kind {
		case types.CountUnlimited:
			allowed = true
			return nil
		case types.CountLimited:
			if count.Limit == 0 {
				allowed = false
				return nil
			}
			allowed = true
			count.Limit--
			updated, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal grant record: %w", err)
			}
			return tx.Put(kv.NamespacePermissions, key, updated)
		case "":
			// The record exists for the other operation only.
			allowed = false
			return nil
		default:
			return fmt.Errorf("%w: unknown count kind %q", ferrors.ErrCorrupt, count.Kind)
		}
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}
