package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kaptinlin/jsonschema"

	"smartquery/internal/logging"
	"smartquery/internal/schema"
	"smartquery/internal/store"
	"smartquery/internal/types"
)

// Builtins wires the built-in write operations against the store and the
// schema cache. Creations are reversible; deletions require confirmation and
// are irreversible.
type Builtins struct {
	store *store.SQLiteStore
	cache *schema.Cache
	embed store.EmbedFunc
}

// RegisterBuiltins registers every built-in operation on r.
func RegisterBuiltins(r *Registry, st *store.SQLiteStore, cache *schema.Cache, embed store.EmbedFunc) error {
	b := &Builtins{store: st, cache: cache, embed: embed}

	defs := []Definition{
		b.createDescriptorOp(types.KindEntityType, "create_entity_type",
			"Define a new entity type in the schema. Use when the user introduces a kind of thing the schema does not know yet."),
		b.createDescriptorOp(types.KindFacetType, "create_facet_type",
			"Define a new facet type: a structured value that can be attached to entities."),
		b.createDescriptorOp(types.KindRelationType, "create_relation_type",
			"Define a new relation type: a directed link between two entities."),
		b.createEntityOp(),
		b.updateEntityOp(),
		b.deleteEntityOp(),
		b.attachFacetOp(),
		b.createRelationOp(),
		b.deleteRelationOp(),
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TYPE DESCRIPTOR OPERATIONS
// =============================================================================

func (b *Builtins) createDescriptorOp(kind types.DescriptorKind, name, description string) Definition {
	return Definition{
		Name:        name,
		Description: description,
		ParamsSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"slug":         map[string]interface{}{"type": "string", "description": "Unique machine-readable identifier, snake_case."},
				"display_name": map[string]interface{}{"type": "string", "description": "Human-readable name."},
				"value_schema": map[string]interface{}{"type": "object", "description": "JSON Schema for values of this type, if structured."},
				"aliases":      map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Alternative names users may use."},
			},
			"required":             []string{"slug", "display_name"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, map[string]interface{}, error) {
			d := types.TypeDescriptor{
				Kind:        kind,
				Slug:        strParam(params, "slug"),
				DisplayName: strParam(params, "display_name"),
				Aliases:     strSliceParam(params, "aliases"),
			}
			if vs, ok := params["value_schema"].(map[string]interface{}); ok {
				d.ValueSchema = vs
			}

			err := b.store.CreateTypeDescriptor(ctx, d)
			if errors.Is(err, store.ErrAlreadyExists) {
				existing, lookupErr := b.store.GetTypeDescriptor(ctx, kind, d.Slug)
				if lookupErr != nil {
					return nil, nil, types.Wrap(types.KindAlreadyExists, lookupErr,
						"%s %q exists but could not be reloaded", kind, d.Slug)
				}
				logging.RegistryDebug("%s %q already exists, reusing", kind, d.Slug)
				return map[string]interface{}{"slug": existing.Slug, "existing": true}, nil, nil
			}
			if err != nil {
				return nil, nil, storeErr(err, "failed to create %s %q", kind, d.Slug)
			}

			b.cache.Invalidate(kind)
			return map[string]interface{}{"slug": d.Slug},
				map[string]interface{}{"kind": string(kind), "slug": d.Slug}, nil
		},
		Inverse: func(ctx context.Context, undo map[string]interface{}) error {
			kind := types.DescriptorKind(strParam(undo, "kind"))
			if err := b.store.DeleteTypeDescriptor(ctx, kind, strParam(undo, "slug")); err != nil {
				return err
			}
			b.cache.Invalidate(kind)
			return nil
		},
	}
}

// =============================================================================
// ENTITY OPERATIONS
// =============================================================================

func (b *Builtins) createEntityOp() Definition {
	return Definition{
		Name:        "create_entity",
		Description: "Create a new entity of a known entity type.",
		ParamsSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"entity_type": map[string]interface{}{"type": "string", "description": "Slug of an existing entity type."},
				"name":        map[string]interface{}{"type": "string", "description": "Entity name, unique within its type."},
				"attributes":  map[string]interface{}{"type": "object", "description": "Free-form attributes."},
			},
			"required":             []string{"entity_type", "name"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, map[string]interface{}, error) {
			entityType := strParam(params, "entity_type")
			name := strParam(params, "name")
			if err := b.requireEntityType(ctx, entityType); err != nil {
				return nil, nil, err
			}
			attrs, _ := params["attributes"].(map[string]interface{})

			e, err := b.store.CreateEntity(ctx, entityType, name, attrs)
			if errors.Is(err, store.ErrAlreadyExists) {
				existing, lookupErr := b.store.GetEntityByName(ctx, entityType, name)
				if lookupErr != nil {
					return nil, nil, types.Wrap(types.KindAlreadyExists, lookupErr,
						"entity %q exists but could not be reloaded", name)
				}
				logging.RegistryDebug("entity %s/%q already exists as %d, reusing", entityType, name, existing.ID)
				return map[string]interface{}{"id": existing.ID, "existing": true}, nil, nil
			}
			if err != nil {
				return nil, nil, storeErr(err, "failed to create entity %q", name)
			}
			return map[string]interface{}{"id": e.ID},
				map[string]interface{}{"entity_id": e.ID}, nil
		},
		Inverse: func(ctx context.Context, undo map[string]interface{}) error {
			return b.store.DeleteEntity(ctx, int64Param(undo, "entity_id"))
		},
	}
}

func (b *Builtins) updateEntityOp() Definition {
	return Definition{
		Name:        "update_entity",
		Description: "Replace an entity's attributes. The new attribute set replaces the old one entirely.",
		ParamsSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"entity_type": map[string]interface{}{"type": "string", "description": "Entity type slug, if known."},
				"name":        map[string]interface{}{"type": "string", "description": "Name of the entity to update."},
				"attributes":  map[string]interface{}{"type": "object", "description": "Complete new attribute set."},
			},
			"required":             []string{"name", "attributes"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, map[string]interface{}, error) {
			e, err := b.resolve(ctx, strParam(params, "entity_type"), strParam(params, "name"))
			if err != nil {
				return nil, nil, err
			}
			attrs, _ := params["attributes"].(map[string]interface{})
			if err := b.store.UpdateEntity(ctx, e.ID, attrs); err != nil {
				return nil, nil, storeErr(err, "failed to update entity %d", e.ID)
			}
			return map[string]interface{}{"id": e.ID},
				map[string]interface{}{"entity_id": e.ID, "attributes": e.Attributes}, nil
		},
		Inverse: func(ctx context.Context, undo map[string]interface{}) error {
			attrs, _ := undo["attributes"].(map[string]interface{})
			return b.store.UpdateEntity(ctx, int64Param(undo, "entity_id"), attrs)
		},
	}
}

func (b *Builtins) deleteEntityOp() Definition {
	return Definition{
		Name:        "delete_entity",
		Description: "Delete an entity together with its facets and relations. Irreversible.",
		ParamsSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"entity_type": map[string]interface{}{"type": "string", "description": "Entity type slug, if known."},
				"name":        map[string]interface{}{"type": "string", "description": "Name of the entity to delete."},
			},
			"required":             []string{"name"},
			"additionalProperties": false,
		},
		RequiresConfirmation: true,
		Handler: func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, map[string]interface{}, error) {
			e, err := b.resolve(ctx, strParam(params, "entity_type"), strParam(params, "name"))
			if err != nil {
				return nil, nil, err
			}
			if err := b.store.DeleteEntity(ctx, e.ID); err != nil {
				return nil, nil, storeErr(err, "failed to delete entity %d", e.ID)
			}
			return map[string]interface{}{"id": e.ID}, nil, nil
		},
	}
}

// =============================================================================
// FACET OPERATIONS
// =============================================================================

func (b *Builtins) attachFacetOp() Definition {
	return Definition{
		Name:        "attach_facet",
		Description: "Attach a structured facet value to an entity. Attaching an identical facet twice has no additional effect.",
		ParamsSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"entity":        map[string]interface{}{"type": "string", "description": "Name of the target entity."},
				"entity_type":   map[string]interface{}{"type": "string", "description": "Entity type slug, if known."},
				"facet_type":    map[string]interface{}{"type": "string", "description": "Slug of an existing facet type."},
				"value":         map[string]interface{}{"type": "object", "description": "Facet value, validated against the facet type's schema."},
				"valid_from":    map[string]interface{}{"type": "string", "description": "RFC 3339 start of validity, if time-bounded."},
				"valid_to":      map[string]interface{}{"type": "string", "description": "RFC 3339 end of validity, if time-bounded."},
				"country":       map[string]interface{}{"type": "string", "description": "ISO country code, if region-scoped."},
				"admin_level_1": map[string]interface{}{"type": "string", "description": "First-level subdivision (state, province), if region-scoped."},
			},
			"required":             []string{"entity", "facet_type", "value"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, map[string]interface{}, error) {
			facetType := strParam(params, "facet_type")
			desc, err := b.facetDescriptor(ctx, facetType)
			if err != nil {
				return nil, nil, err
			}
			value, _ := params["value"].(map[string]interface{})
			if err := validateAgainstSchema(desc.ValueSchema, value); err != nil {
				return nil, nil, types.Wrap(types.KindValidationFailed, err,
					"facet value does not match the %q schema", facetType)
			}

			e, err := b.resolve(ctx, strParam(params, "entity_type"), strParam(params, "entity"))
			if err != nil {
				return nil, nil, err
			}

			f := types.Facet{
				EntityID:  e.ID,
				FacetType: facetType,
				Value:     value,
				Country:   strParam(params, "country"),
				Admin1:    strParam(params, "admin_level_1"),
			}
			if f.ValidFrom, err = timeParam(params, "valid_from"); err != nil {
				return nil, nil, err
			}
			if f.ValidTo, err = timeParam(params, "valid_to"); err != nil {
				return nil, nil, err
			}

			stored, err := b.store.AttachFacet(ctx, f)
			if err != nil {
				return nil, nil, storeErr(err, "failed to attach facet %q", facetType)
			}
			return map[string]interface{}{"id": stored.ID, "entity_id": e.ID},
				map[string]interface{}{"facet_id": stored.ID}, nil
		},
		Inverse: func(ctx context.Context, undo map[string]interface{}) error {
			err := b.store.DeleteFacet(ctx, int64Param(undo, "facet_id"))
			if errors.Is(err, store.ErrNotFound) {
				// An idempotent re-attach shares the row; it may be gone already.
				return nil
			}
			return err
		},
	}
}

// =============================================================================
// RELATION OPERATIONS
// =============================================================================

func (b *Builtins) createRelationOp() Definition {
	return Definition{
		Name:        "create_relation",
		Description: "Create a directed relation between two existing entities.",
		ParamsSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"relation_type": map[string]interface{}{"type": "string", "description": "Slug of an existing relation type."},
				"source":        map[string]interface{}{"type": "string", "description": "Name of the source entity."},
				"target":        map[string]interface{}{"type": "string", "description": "Name of the target entity."},
			},
			"required":             []string{"relation_type", "source", "target"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, map[string]interface{}, error) {
			relationType := strParam(params, "relation_type")
			if err := b.requireRelationType(ctx, relationType); err != nil {
				return nil, nil, err
			}
			src, dst, err := b.resolvePair(ctx, strParam(params, "source"), strParam(params, "target"))
			if err != nil {
				return nil, nil, err
			}

			rel, err := b.store.CreateRelation(ctx, relationType, src.ID, dst.ID)
			if errors.Is(err, store.ErrAlreadyExists) {
				existing, lookupErr := b.store.GetRelation(ctx, relationType, src.ID, dst.ID)
				if lookupErr != nil {
					return nil, nil, types.Wrap(types.KindAlreadyExists, lookupErr,
						"relation exists but could not be reloaded")
				}
				return map[string]interface{}{"id": existing.ID, "existing": true}, nil, nil
			}
			if err != nil {
				return nil, nil, storeErr(err, "failed to create relation %q", relationType)
			}
			return map[string]interface{}{"id": rel.ID},
				map[string]interface{}{"relation_id": rel.ID}, nil
		},
		Inverse: func(ctx context.Context, undo map[string]interface{}) error {
			err := b.store.DeleteRelation(ctx, int64Param(undo, "relation_id"))
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		},
	}
}

func (b *Builtins) deleteRelationOp() Definition {
	return Definition{
		Name:        "delete_relation",
		Description: "Delete a relation between two entities. Irreversible.",
		ParamsSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"relation_type": map[string]interface{}{"type": "string", "description": "Slug of the relation type."},
				"source":        map[string]interface{}{"type": "string", "description": "Name of the source entity."},
				"target":        map[string]interface{}{"type": "string", "description": "Name of the target entity."},
			},
			"required":             []string{"relation_type", "source", "target"},
			"additionalProperties": false,
		},
		RequiresConfirmation: true,
		Handler: func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, map[string]interface{}, error) {
			src, dst, err := b.resolvePair(ctx, strParam(params, "source"), strParam(params, "target"))
			if err != nil {
				return nil, nil, err
			}
			rel, err := b.store.GetRelation(ctx, strParam(params, "relation_type"), src.ID, dst.ID)
			if err != nil {
				return nil, nil, storeErr(err, "relation not found")
			}
			if err := b.store.DeleteRelation(ctx, rel.ID); err != nil {
				return nil, nil, storeErr(err, "failed to delete relation %d", rel.ID)
			}
			return map[string]interface{}{"id": rel.ID}, nil, nil
		},
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (b *Builtins) resolve(ctx context.Context, entityType, name string) (types.Entity, error) {
	if entityType != "" {
		e, err := b.store.GetEntityByName(ctx, entityType, name)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return types.Entity{}, err
		}
		// Fall through to fuzzy resolution; the stated type may be an alias.
	}
	e, err := b.store.ResolveEntity(ctx, name, b.embed)
	if err != nil {
		return types.Entity{}, storeErr(err, "entity %q", name)
	}
	return e, nil
}

func (b *Builtins) resolvePair(ctx context.Context, source, target string) (types.Entity, types.Entity, error) {
	src, err := b.resolve(ctx, "", source)
	if err != nil {
		return types.Entity{}, types.Entity{}, err
	}
	dst, err := b.resolve(ctx, "", target)
	if err != nil {
		return types.Entity{}, types.Entity{}, err
	}
	return src, dst, nil
}

func (b *Builtins) requireEntityType(ctx context.Context, slug string) error {
	descs, err := b.cache.Get(ctx, types.KindEntityType)
	if err != nil {
		return err
	}
	for _, d := range descs {
		if d.Slug == slug {
			return nil
		}
	}
	return types.E(types.KindValidationFailed, "entity type %q is not defined", slug)
}

func (b *Builtins) requireRelationType(ctx context.Context, slug string) error {
	descs, err := b.cache.Get(ctx, types.KindRelationType)
	if err != nil {
		return err
	}
	for _, d := range descs {
		if d.Slug == slug {
			return nil
		}
	}
	return types.E(types.KindUnknownRelation, "relation type %q is not defined", slug)
}

func (b *Builtins) facetDescriptor(ctx context.Context, slug string) (types.TypeDescriptor, error) {
	descs, err := b.cache.Get(ctx, types.KindFacetType)
	if err != nil {
		return types.TypeDescriptor{}, err
	}
	for _, d := range descs {
		if d.Slug == slug {
			return d, nil
		}
	}
	return types.TypeDescriptor{}, types.E(types.KindValidationFailed, "facet type %q is not defined", slug)
}

// validateAgainstSchema checks value against a descriptor's value schema, if
// it declares one.
func validateAgainstSchema(schemaDoc, value map[string]interface{}) error {
	if schemaDoc == nil {
		return nil
	}
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return err
	}
	compiled, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		return fmt.Errorf("facet type carries an invalid value schema: %w", err)
	}
	result := compiled.Validate(value)
	if !result.IsValid() {
		for field, verr := range result.Errors {
			return fmt.Errorf("%s: %s", field, verr.Message)
		}
		return fmt.Errorf("value does not match schema")
	}
	return nil
}

func storeErr(err error, format string, args ...interface{}) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return types.Wrap(types.KindNotFound, err, format, args...)
	case errors.Is(err, store.ErrAlreadyExists):
		return types.Wrap(types.KindAlreadyExists, err, format, args...)
	default:
		return types.Wrap(types.KindInternal, err, format, args...)
	}
}

func strParam(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

func strSliceParam(params map[string]interface{}, key string) []string {
	raw, ok := params[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func int64Param(params map[string]interface{}, key string) int64 {
	switch v := params[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func timeParam(params map[string]interface{}, key string) (*time.Time, error) {
	s := strParam(params, key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// Date-only values are common in user-provided ranges.
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil, types.E(types.KindValidationFailed, "%s: %q is not a valid timestamp", key, s)
		}
	}
	return &t, nil
}
