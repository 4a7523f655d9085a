package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"smartquery/internal/logging"
	"smartquery/internal/types"
)

// descriptorTable maps a descriptor kind to its catalog table. Kinds are a
// closed set so an unknown value is a programming error.
func descriptorTable(kind types.DescriptorKind) (string, error) {
	switch kind {
	case types.KindEntityType:
		return "entity_types", nil
	case types.KindFacetType:
		return "facet_types", nil
	case types.KindRelationType:
		return "relation_types", nil
	default:
		return "", fmt.Errorf("unknown descriptor kind %q", kind)
	}
}

// FetchDescriptors loads every descriptor of the given kind, sorted by slug.
// Implements the schema cache's fetcher contract.
func (s *SQLiteStore) FetchDescriptors(ctx context.Context, kind types.DescriptorKind) ([]types.TypeDescriptor, error) {
	table, err := descriptorTable(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT slug, display_name, value_schema, aliases FROM %s ORDER BY slug", table))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s descriptors: %w", kind, err)
	}
	defer rows.Close()

	var descs []types.TypeDescriptor
	for rows.Next() {
		var d types.TypeDescriptor
		var schemaJSON, aliasesJSON sql.NullString
		if err := rows.Scan(&d.Slug, &d.DisplayName, &schemaJSON, &aliasesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan descriptor: %w", err)
		}
		d.Kind = kind
		if schemaJSON.Valid && schemaJSON.String != "" {
			if err := json.Unmarshal([]byte(schemaJSON.String), &d.ValueSchema); err != nil {
				logging.Get(logging.CategoryStore).Warn("descriptor %s has malformed value_schema: %v", d.Slug, err)
			}
		}
		if aliasesJSON.Valid && aliasesJSON.String != "" {
			if err := json.Unmarshal([]byte(aliasesJSON.String), &d.Aliases); err != nil {
				logging.Get(logging.CategoryStore).Warn("descriptor %s has malformed aliases: %v", d.Slug, err)
			}
		}
		descs = append(descs, d)
	}
	return descs, rows.Err()
}

// CreateTypeDescriptor inserts a new descriptor. A duplicate slug within the
// kind returns ErrAlreadyExists.
func (s *SQLiteStore) CreateTypeDescriptor(ctx context.Context, d types.TypeDescriptor) error {
	table, err := descriptorTable(d.Kind)
	if err != nil {
		return err
	}

	schemaJSON, err := json.Marshal(d.ValueSchema)
	if err != nil {
		return fmt.Errorf("failed to marshal value_schema: %w", err)
	}
	aliasesJSON, err := json.Marshal(d.Aliases)
	if err != nil {
		return fmt.Errorf("failed to marshal aliases: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (slug, display_name, value_schema, aliases) VALUES (?, ?, ?, ?)", table),
		d.Slug, d.DisplayName, string(schemaJSON), string(aliasesJSON))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %q: %w", d.Kind, d.Slug, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create %s %q: %w", d.Kind, d.Slug, err)
	}
	logging.Store("created %s descriptor %q", d.Kind, d.Slug)
	return nil
}

// GetTypeDescriptor loads one descriptor by kind and slug.
func (s *SQLiteStore) GetTypeDescriptor(ctx context.Context, kind types.DescriptorKind, slug string) (types.TypeDescriptor, error) {
	table, err := descriptorTable(kind)
	if err != nil {
		return types.TypeDescriptor{}, err
	}

	d := types.TypeDescriptor{Kind: kind}
	var schemaJSON, aliasesJSON sql.NullString
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT slug, display_name, value_schema, aliases FROM %s WHERE slug = ?", table), slug).
		Scan(&d.Slug, &d.DisplayName, &schemaJSON, &aliasesJSON)
	if err == sql.ErrNoRows {
		return types.TypeDescriptor{}, fmt.Errorf("%s %q: %w", kind, slug, ErrNotFound)
	}
	if err != nil {
		return types.TypeDescriptor{}, err
	}
	if schemaJSON.Valid && schemaJSON.String != "" {
		_ = json.Unmarshal([]byte(schemaJSON.String), &d.ValueSchema)
	}
	if aliasesJSON.Valid && aliasesJSON.String != "" {
		_ = json.Unmarshal([]byte(aliasesJSON.String), &d.Aliases)
	}
	return d, nil
}

// DeleteTypeDescriptor removes a descriptor. Used only by undo handlers for
// freshly created types.
func (s *SQLiteStore) DeleteTypeDescriptor(ctx context.Context, kind types.DescriptorKind, slug string) error {
	table, err := descriptorTable(kind)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE slug = ?", table), slug)
	if err != nil {
		return fmt.Errorf("failed to delete %s %q: %w", kind, slug, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %q: %w", kind, slug, ErrNotFound)
	}
	logging.Store("deleted %s descriptor %q", kind, slug)
	return nil
}
