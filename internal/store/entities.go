package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"smartquery/internal/logging"
	"smartquery/internal/types"
)

// =============================================================================
// ENTITIES
// =============================================================================

// CreateEntity inserts a new entity row. Attributes are marshaled fresh on
// every write so a row never carries state merged from a stale read.
func (s *SQLiteStore) CreateEntity(ctx context.Context, entityType, name string, attrs map[string]interface{}) (types.Entity, error) {
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return types.Entity{}, fmt.Errorf("failed to marshal attributes: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO entities (entity_type, name, attributes) VALUES (?, ?, ?)",
		entityType, name, string(attrsJSON))
	if err != nil {
		if isUniqueViolation(err) {
			return types.Entity{}, fmt.Errorf("entity %s/%q: %w", entityType, name, ErrAlreadyExists)
		}
		return types.Entity{}, fmt.Errorf("failed to create entity %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.Entity{}, err
	}

	logging.Store("created entity %d (%s/%q)", id, entityType, name)
	return types.Entity{ID: id, EntityType: entityType, Name: name, Attributes: attrs, CreatedAt: time.Now().UTC()}, nil
}

// GetEntityByName looks an entity up by its natural key.
func (s *SQLiteStore) GetEntityByName(ctx context.Context, entityType, name string) (types.Entity, error) {
	return s.scanEntity(s.db.QueryRowContext(ctx,
		"SELECT id, entity_type, name, attributes, created_at FROM entities WHERE entity_type = ? AND name = ?",
		entityType, name), fmt.Sprintf("%s/%q", entityType, name))
}

// GetEntityByID looks an entity up by row id.
func (s *SQLiteStore) GetEntityByID(ctx context.Context, id int64) (types.Entity, error) {
	return s.scanEntity(s.db.QueryRowContext(ctx,
		"SELECT id, entity_type, name, attributes, created_at FROM entities WHERE id = ?", id),
		fmt.Sprintf("#%d", id))
}

func (s *SQLiteStore) scanEntity(row *sql.Row, key string) (types.Entity, error) {
	var e types.Entity
	var attrsJSON sql.NullString
	var created string
	err := row.Scan(&e.ID, &e.EntityType, &e.Name, &attrsJSON, &created)
	if err == sql.ErrNoRows {
		return types.Entity{}, fmt.Errorf("entity %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return types.Entity{}, err
	}
	if attrsJSON.Valid && attrsJSON.String != "" {
		_ = json.Unmarshal([]byte(attrsJSON.String), &e.Attributes)
	}
	e.CreatedAt = parseStoredTime(created)
	return e, nil
}

// UpdateEntity replaces an entity's attributes wholesale. The new value is
// built by the caller from current data, never by patching the stored JSON.
func (s *SQLiteStore) UpdateEntity(ctx context.Context, id int64, attrs map[string]interface{}) error {
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	res, err := s.db.ExecContext(ctx, "UPDATE entities SET attributes = ? WHERE id = ?", string(attrsJSON), id)
	if err != nil {
		return fmt.Errorf("failed to update entity %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entity #%d: %w", id, ErrNotFound)
	}
	logging.StoreDebug("updated entity %d attributes", id)
	return nil
}

// DeleteEntity removes an entity and everything hanging off it.
func (s *SQLiteStore) DeleteEntity(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete entity %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entity #%d: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM facets WHERE entity_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM relations WHERE source_id = ? OR target_id = ?", id, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM embeddings WHERE entity_id = ?", id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logging.Store("deleted entity %d with facets and relations", id)
	return nil
}

// =============================================================================
// FACETS
// =============================================================================

// AttachFacet stores a facet on an entity. Attaching a facet identical in
// type and value to an existing one on the same entity returns the existing
// row, so the operation is idempotent.
func (s *SQLiteStore) AttachFacet(ctx context.Context, f types.Facet) (types.Facet, error) {
	valueJSON, err := json.Marshal(f.Value)
	if err != nil {
		return types.Facet{}, fmt.Errorf("failed to marshal facet value: %w", err)
	}

	var existingID int64
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM facets WHERE entity_id = ? AND facet_type = ? AND value = ?",
		f.EntityID, f.FacetType, string(valueJSON)).Scan(&existingID)
	if err == nil {
		logging.StoreDebug("facet %s on entity %d already present as %d", f.FacetType, f.EntityID, existingID)
		f.ID = existingID
		return f, nil
	}
	if err != sql.ErrNoRows {
		return types.Facet{}, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO facets (entity_id, facet_type, value, valid_from, valid_to, country, admin_level_1)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.EntityID, f.FacetType, string(valueJSON),
		nullableTime(f.ValidFrom), nullableTime(f.ValidTo),
		nullableString(f.Country), nullableString(f.Admin1))
	if err != nil {
		return types.Facet{}, fmt.Errorf("failed to attach facet %s to entity %d: %w", f.FacetType, f.EntityID, err)
	}
	f.ID, err = res.LastInsertId()
	if err != nil {
		return types.Facet{}, err
	}
	f.CreatedAt = time.Now().UTC()
	logging.Store("attached facet %d (%s) to entity %d", f.ID, f.FacetType, f.EntityID)
	return f, nil
}

// DeleteFacet removes one facet row.
func (s *SQLiteStore) DeleteFacet(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM facets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete facet %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("facet #%d: %w", id, ErrNotFound)
	}
	return nil
}

// =============================================================================
// RELATIONS
// =============================================================================

// CreateRelation inserts a directed relation. A duplicate triple returns
// ErrAlreadyExists for the caller's lookup-and-reuse path.
func (s *SQLiteStore) CreateRelation(ctx context.Context, relationType string, sourceID, targetID int64) (types.Relation, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO relations (relation_type, source_id, target_id) VALUES (?, ?, ?)",
		relationType, sourceID, targetID)
	if err != nil {
		if isUniqueViolation(err) {
			return types.Relation{}, fmt.Errorf("relation %s %d->%d: %w", relationType, sourceID, targetID, ErrAlreadyExists)
		}
		return types.Relation{}, fmt.Errorf("failed to create relation %s: %w", relationType, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.Relation{}, err
	}
	logging.Store("created relation %d (%s %d->%d)", id, relationType, sourceID, targetID)
	return types.Relation{ID: id, RelationType: relationType, SourceID: sourceID, TargetID: targetID, CreatedAt: time.Now().UTC()}, nil
}

// GetRelation looks a relation up by its natural key.
func (s *SQLiteStore) GetRelation(ctx context.Context, relationType string, sourceID, targetID int64) (types.Relation, error) {
	var r types.Relation
	var created string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, relation_type, source_id, target_id, created_at FROM relations WHERE relation_type = ? AND source_id = ? AND target_id = ?",
		relationType, sourceID, targetID).
		Scan(&r.ID, &r.RelationType, &r.SourceID, &r.TargetID, &created)
	if err == sql.ErrNoRows {
		return types.Relation{}, fmt.Errorf("relation %s %d->%d: %w", relationType, sourceID, targetID, ErrNotFound)
	}
	if err != nil {
		return types.Relation{}, err
	}
	r.CreatedAt = parseStoredTime(created)
	return r, nil
}

// DeleteRelation removes one relation row.
func (s *SQLiteStore) DeleteRelation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM relations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete relation %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("relation #%d: %w", id, ErrNotFound)
	}
	return nil
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

// parseStoredTime handles the formats SQLite hands back for DATETIME columns.
func parseStoredTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
