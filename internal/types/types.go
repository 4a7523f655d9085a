// Package types provides shared type definitions used across smartquery packages.
// This package exists to break import cycles between the interpreters, the
// registry, and the plan session layer. Types here are foundational data
// structures with no dependencies outside the standard library.
package types

import "time"

// =============================================================================
// SCHEMA DESCRIPTORS
// =============================================================================

// DescriptorKind identifies which of the three schema catalogs a
// TypeDescriptor belongs to.
type DescriptorKind string

const (
	KindEntityType   DescriptorKind = "entity_type"
	KindFacetType    DescriptorKind = "facet_type"
	KindRelationType DescriptorKind = "relation_type"
)

// AllDescriptorKinds lists every schema catalog, in the order interpreters
// embed them into prompts.
var AllDescriptorKinds = []DescriptorKind{KindEntityType, KindFacetType, KindRelationType}

// TypeDescriptor describes one entity, facet, or relation type as loaded from
// the store. Descriptors are cached and never mutated by the core; write
// operations change them in the store and invalidate the cache entry.
type TypeDescriptor struct {
	Kind        DescriptorKind         `json:"kind"`
	Slug        string                 `json:"slug"` // unique, immutable once referenced
	DisplayName string                 `json:"display_name"`
	ValueSchema map[string]interface{} `json:"value_schema,omitempty"`
	Aliases     []string               `json:"aliases,omitempty"`
}

// SchemaSnapshot bundles the three descriptor catalogs as observed at one
// point in time. Interpreters take a snapshot once per request so prompt
// construction and response validation see the same schema.
type SchemaSnapshot struct {
	EntityTypes   []TypeDescriptor
	FacetTypes    []TypeDescriptor
	RelationTypes []TypeDescriptor
	TakenAt       time.Time
}

// HasRelation reports whether a relation type with the given slug exists in
// the snapshot.
func (s *SchemaSnapshot) HasRelation(slug string) bool {
	for _, d := range s.RelationTypes {
		if d.Slug == slug {
			return true
		}
	}
	return false
}

// HasEntityType reports whether an entity type with the given slug exists.
func (s *SchemaSnapshot) HasEntityType(slug string) bool {
	for _, d := range s.EntityTypes {
		if d.Slug == slug {
			return true
		}
	}
	return false
}

// =============================================================================
// STORE RECORDS
// =============================================================================

// Entity is a stored entity row. Facets and relations reference it by ID.
type Entity struct {
	ID         int64                  `json:"id"`
	EntityType string                 `json:"entity_type"`
	Name       string                 `json:"name"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Facet is a typed, schema-validated structured value attached to an entity.
type Facet struct {
	ID        int64                  `json:"id"`
	EntityID  int64                  `json:"entity_id"`
	FacetType string                 `json:"facet_type"`
	Value     map[string]interface{} `json:"value"`
	ValidFrom *time.Time             `json:"valid_from,omitempty"`
	ValidTo   *time.Time             `json:"valid_to,omitempty"`
	Country   string                 `json:"country,omitempty"`
	Admin1    string                 `json:"admin_level_1,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Relation is a directed, typed link between two entities.
type Relation struct {
	ID           int64     `json:"id"`
	RelationType string    `json:"relation_type"`
	SourceID     int64     `json:"source_id"`
	TargetID     int64     `json:"target_id"`
	CreatedAt    time.Time `json:"created_at"`
}
