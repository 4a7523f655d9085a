package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"smartquery/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDescriptors_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := types.TypeDescriptor{
		Kind:        types.KindFacetType,
		Slug:        "wind_area_designation",
		DisplayName: "Wind Area Designation",
		ValueSchema: map[string]interface{}{"type": "object"},
		Aliases:     []string{"wind_area"},
	}
	if err := s.CreateTypeDescriptor(ctx, d); err != nil {
		t.Fatalf("CreateTypeDescriptor: %v", err)
	}

	err := s.CreateTypeDescriptor(ctx, d)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on duplicate slug, got %v", err)
	}

	descs, err := s.FetchDescriptors(ctx, types.KindFacetType)
	if err != nil {
		t.Fatalf("FetchDescriptors: %v", err)
	}
	if len(descs) != 1 || descs[0].Slug != "wind_area_designation" {
		t.Fatalf("unexpected descriptors: %+v", descs)
	}
	if len(descs[0].Aliases) != 1 || descs[0].Aliases[0] != "wind_area" {
		t.Errorf("aliases not preserved: %+v", descs[0].Aliases)
	}

	if err := s.DeleteTypeDescriptor(ctx, types.KindFacetType, "wind_area_designation"); err != nil {
		t.Fatalf("DeleteTypeDescriptor: %v", err)
	}
	if err := s.DeleteTypeDescriptor(ctx, types.KindFacetType, "wind_area_designation"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestEntities_CreateDuplicateAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e, err := s.CreateEntity(ctx, "project", "Windpark Nord", map[string]interface{}{"status": "planning"})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	_, err = s.CreateEntity(ctx, "project", "Windpark Nord", nil)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	// Same name under another type is a different entity.
	if _, err := s.CreateEntity(ctx, "company", "Windpark Nord", nil); err != nil {
		t.Fatalf("same name under other type: %v", err)
	}

	// Update replaces the attribute set, it never merges.
	if err := s.UpdateEntity(ctx, e.ID, map[string]interface{}{"phase": "approved"}); err != nil {
		t.Fatalf("UpdateEntity: %v", err)
	}
	got, err := s.GetEntityByID(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, stale := got.Attributes["status"]; stale {
		t.Errorf("old attribute survived replacement: %+v", got.Attributes)
	}
	if got.Attributes["phase"] != "approved" {
		t.Errorf("new attribute missing: %+v", got.Attributes)
	}
}

func TestDeleteEntity_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateEntity(ctx, "project", "A", nil)
	b, _ := s.CreateEntity(ctx, "region", "B", nil)
	if _, err := s.AttachFacet(ctx, types.Facet{EntityID: a.ID, FacetType: "note", Value: map[string]interface{}{"text": "x"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateRelation(ctx, "located_in", a.ID, b.ID); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteEntity(ctx, a.ID); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}

	var facets, relations int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM facets WHERE entity_id = ?", a.ID).Scan(&facets); err != nil {
		t.Fatal(err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM relations WHERE source_id = ?", a.ID).Scan(&relations); err != nil {
		t.Fatal(err)
	}
	if facets != 0 || relations != 0 {
		t.Errorf("cascade left %d facets, %d relations", facets, relations)
	}
}

func TestAttachFacet_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e, _ := s.CreateEntity(ctx, "project", "Windpark Nord", nil)
	f := types.Facet{EntityID: e.ID, FacetType: "capacity", Value: map[string]interface{}{"mw": 42.0}}

	first, err := s.AttachFacet(ctx, f)
	if err != nil {
		t.Fatalf("AttachFacet: %v", err)
	}
	second, err := s.AttachFacet(ctx, f)
	if err != nil {
		t.Fatalf("second AttachFacet: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("identical attach created a new row: %d vs %d", first.ID, second.ID)
	}
}

func TestRelations_DuplicateAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateEntity(ctx, "project", "A", nil)
	b, _ := s.CreateEntity(ctx, "region", "B", nil)

	r, err := s.CreateRelation(ctx, "located_in", a.ID, b.ID)
	if err != nil {
		t.Fatalf("CreateRelation: %v", err)
	}
	_, err = s.CreateRelation(ctx, "located_in", a.ID, b.ID)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := s.GetRelation(ctx, "located_in", a.ID, b.ID)
	if err != nil {
		t.Fatalf("GetRelation: %v", err)
	}
	if got.ID != r.ID {
		t.Errorf("lookup returned %d, created %d", got.ID, r.ID)
	}

	// Opposite direction is a distinct relation.
	if _, err := s.CreateRelation(ctx, "located_in", b.ID, a.ID); err != nil {
		t.Errorf("reverse direction should be distinct: %v", err)
	}
}

func TestResolveEntity_ExactAndSimilarity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e, _ := s.CreateEntity(ctx, "project", "Windpark Nord", nil)

	got, err := s.ResolveEntity(ctx, "windpark nord", nil)
	if err != nil {
		t.Fatalf("case-insensitive exact match: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("resolved wrong entity: %d", got.ID)
	}

	if err := s.StoreEmbedding(ctx, e.ID, []float32{1, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return []float32{0.95, 0.1, 0, 0}, nil
	}
	got, err = s.ResolveEntity(ctx, "the northern wind park", embed)
	if err != nil {
		t.Fatalf("similarity resolve: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("similarity resolved wrong entity: %d", got.ID)
	}

	// Distant vector stays below the threshold.
	embedFar := func(ctx context.Context, text string) ([]float32, error) {
		return []float32{0, 0, 1, 0}, nil
	}
	if _, err := s.ResolveEntity(ctx, "something else entirely", embedFar); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for dissimilar probe, got %v", err)
	}
}
