package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"smartquery/internal/store"
	"smartquery/internal/types"
)

// seedStore builds a small energy-project corpus: three projects, two in
// Bavaria with a wind area designation, one related to a region entity.
func seedStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	bavaria, _ := st.CreateEntity(ctx, "region", "Bavaria", nil)
	p1, _ := st.CreateEntity(ctx, "project", "Windpark Nord", map[string]interface{}{"lat": 48.1, "lon": 11.5})
	p2, _ := st.CreateEntity(ctx, "project", "Windpark Sued", nil)
	p3, _ := st.CreateEntity(ctx, "project", "Solarfeld Ost", nil)

	past := time.Now().Add(-365 * 24 * time.Hour)
	future := time.Now().Add(365 * 24 * time.Hour)
	for _, e := range []types.Entity{p1, p2} {
		if _, err := st.AttachFacet(ctx, types.Facet{
			EntityID:  e.ID,
			FacetType: "wind_area_designation",
			Value:     map[string]interface{}{"value": 10.0},
			ValidFrom: &past,
			ValidTo:   &future,
			Country:   "DE",
			Admin1:    "Bavaria",
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := st.AttachFacet(ctx, types.Facet{
		EntityID:  p3.ID,
		FacetType: "solar_area_designation",
		Value:     map[string]interface{}{"value": 4.0},
		Country:   "DE",
		Admin1:    "Brandenburg",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateRelation(ctx, "located_in", p1.ID, bavaria.ID); err != nil {
		t.Fatal(err)
	}
	return st
}

func testSnapshot() *types.SchemaSnapshot {
	return &types.SchemaSnapshot{
		EntityTypes: []types.TypeDescriptor{
			{Kind: types.KindEntityType, Slug: "project"},
			{Kind: types.KindEntityType, Slug: "region"},
		},
		FacetTypes: []types.TypeDescriptor{
			{Kind: types.KindFacetType, Slug: "wind_area_designation"},
			{Kind: types.KindFacetType, Slug: "solar_area_designation"},
		},
		RelationTypes: []types.TypeDescriptor{
			{Kind: types.KindRelationType, Slug: "located_in"},
		},
		TakenAt: time.Now(),
	}
}

func TestExecute_CountWithFacetAndRegionFilter(t *testing.T) {
	st := seedStore(t)
	ex := NewExecutor(st.DB())

	spec := &types.QuerySpec{
		QueryKind:    types.QueryCount,
		EntityType:   "project",
		FacetFilters: []types.FacetFilter{{Slug: "wind_area_designation"}},
		RegionFilter: &types.RegionFilter{Country: "DE", Admin1: "Bavaria"},
	}
	if err := spec.Validate(); err != nil {
		t.Fatal(err)
	}

	result, err := ex.Execute(context.Background(), spec, testSnapshot())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Scalar == nil || *result.Scalar != 2 {
		t.Fatalf("expected scalar 2, got %+v", result)
	}
	if hint := ChooseVisualization(spec, &result); hint != types.VisStatCard {
		t.Errorf("expected stat_card for single scalar, got %s", hint)
	}
}

func TestExecute_ListReturnsRowsAndCoordinates(t *testing.T) {
	st := seedStore(t)
	ex := NewExecutor(st.DB())

	spec := &types.QuerySpec{QueryKind: types.QueryList, EntityType: "project"}
	result, err := ex.Execute(context.Background(), spec, testSnapshot())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Rows) != 3 {
		t.Fatalf("expected 3 projects, got %d", len(result.Rows))
	}
	if !result.HasCoordinates {
		t.Error("expected coordinate detection from lat/lon attributes")
	}
	if hint := ChooseVisualization(spec, &result); hint != types.VisTable {
		t.Errorf("coordinates without a geographic filter should stay tabular, got %s", hint)
	}

	// The same coordinate rows render as a map once a geographic filter is set.
	spec = &types.QuerySpec{
		QueryKind:    types.QueryList,
		EntityType:   "project",
		RegionFilter: &types.RegionFilter{Country: "DE", Admin1: "Bavaria"},
	}
	result, err = ex.Execute(context.Background(), spec, testSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if !result.HasCoordinates {
		t.Error("filtered rows lost coordinate detection")
	}
	if hint := ChooseVisualization(spec, &result); hint != types.VisMap {
		t.Errorf("expected map for geo-filtered coordinate rows, got %s", hint)
	}
}

func TestExecute_EmptyResultIsNotAnError(t *testing.T) {
	st := seedStore(t)
	ex := NewExecutor(st.DB())

	spec := &types.QuerySpec{
		QueryKind:    types.QueryList,
		EntityType:   "project",
		FacetFilters: []types.FacetFilter{{Slug: "wind_area_designation", Negate: true}, {Slug: "solar_area_designation"}},
	}
	result, err := ex.Execute(context.Background(), spec, testSnapshot())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0]["name"] != "Solarfeld Ost" {
		t.Fatalf("unexpected rows: %+v", result.Rows)
	}
}

func TestExecute_RelationChain(t *testing.T) {
	st := seedStore(t)
	ex := NewExecutor(st.DB())

	// Regions reached from projects through located_in.
	spec := &types.QuerySpec{
		QueryKind:  types.QueryList,
		EntityType: "project",
		RelationChain: []types.RelationHop{
			{RelationType: "located_in", Direction: types.DirOutgoing, HopIndex: 0},
		},
	}
	result, err := ex.Execute(context.Background(), spec, testSnapshot())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0]["name"] != "Bavaria" {
		t.Fatalf("expected Bavaria via located_in, got %+v", result.Rows)
	}

	// The same hop incoming from the region side finds the project.
	spec = &types.QuerySpec{
		QueryKind:  types.QueryList,
		EntityType: "region",
		RelationChain: []types.RelationHop{
			{RelationType: "located_in", Direction: types.DirIncoming, HopIndex: 0},
		},
	}
	result, err = ex.Execute(context.Background(), spec, testSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Rows) != 1 || result.Rows[0]["name"] != "Windpark Nord" {
		t.Fatalf("expected Windpark Nord via incoming hop, got %+v", result.Rows)
	}
}

func TestTranslate_UnknownRelationRejected(t *testing.T) {
	spec := &types.QuerySpec{
		QueryKind: types.QueryList,
		RelationChain: []types.RelationHop{
			{RelationType: "owned_by", Direction: types.DirOutgoing, HopIndex: 0},
		},
	}
	_, err := Translate(spec, testSnapshot(), time.Now())
	if !types.IsKind(err, types.KindUnknownRelation) {
		t.Fatalf("expected UNKNOWN_RELATION, got %v", err)
	}
}

func TestExecute_GroupByRegion(t *testing.T) {
	st := seedStore(t)
	ex := NewExecutor(st.DB())

	spec := &types.QuerySpec{
		QueryKind:   types.QueryAggregate,
		EntityType:  "project",
		GroupBy:     types.GroupByRegion,
		AggregateFn: types.AggCount,
	}
	result, err := ex.Execute(context.Background(), spec, testSnapshot())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Groups) != 2 {
		t.Fatalf("expected 2 region groups, got %+v", result.Groups)
	}
	if result.Groups[0].Key != "Bavaria" || result.Groups[0].Value != 2 {
		t.Errorf("expected Bavaria=2 first, got %+v", result.Groups[0])
	}
	if hint := ChooseVisualization(spec, &result); hint != types.VisPieChart {
		t.Errorf("expected pie_chart for 2 groups, got %s", hint)
	}
}

func TestExecute_SumAggregateOverFacetValues(t *testing.T) {
	st := seedStore(t)
	ex := NewExecutor(st.DB())

	spec := &types.QuerySpec{
		QueryKind:    types.QueryAggregate,
		EntityType:   "project",
		AggregateFn:  types.AggSum,
		FacetFilters: []types.FacetFilter{{Slug: "wind_area_designation"}},
	}
	result, err := ex.Execute(context.Background(), spec, testSnapshot())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Scalar == nil || *result.Scalar != 20 {
		t.Fatalf("expected sum 20, got %+v", result)
	}
}

func TestExecute_TimeFilterFutureOnly(t *testing.T) {
	st := seedStore(t)
	ex := NewExecutor(st.DB())

	// The two wind facets run a year into the future; past_only excludes them.
	spec := &types.QuerySpec{
		QueryKind:    types.QueryCount,
		EntityType:   "project",
		FacetFilters: []types.FacetFilter{{Slug: "wind_area_designation"}},
		TimeFilter:   &types.TimeFilter{Mode: types.TimeFutureOnly},
	}
	result, err := ex.Execute(context.Background(), spec, testSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if result.Scalar == nil || *result.Scalar != 2 {
		t.Fatalf("future_only: expected 2, got %+v", result)
	}

	spec.TimeFilter.Mode = types.TimePastOnly
	result, err = ex.Execute(context.Background(), spec, testSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if result.Scalar == nil || *result.Scalar != 0 {
		t.Fatalf("past_only: expected 0, got %+v", result)
	}
}

func TestChooseVisualization_Deterministic(t *testing.T) {
	cases := []struct {
		name   string
		spec   types.QuerySpec
		result types.QueryResult
		want   types.VisHint
	}{
		{"time groups", types.QuerySpec{GroupBy: types.GroupByTime}, types.QueryResult{Groups: make([]types.GroupRow, 3)}, types.VisLineChart},
		{"few groups", types.QuerySpec{GroupBy: types.GroupByRegion}, types.QueryResult{Groups: make([]types.GroupRow, 6)}, types.VisPieChart},
		{"many groups", types.QuerySpec{GroupBy: types.GroupByRegion}, types.QueryResult{Groups: make([]types.GroupRow, 7)}, types.VisBarChart},
		{"scalar", types.QuerySpec{QueryKind: types.QueryCount}, types.QueryResult{Scalar: new(float64)}, types.VisStatCard},
		{"geo filter with coordinates", types.QuerySpec{RegionFilter: &types.RegionFilter{Admin1: "Bavaria"}}, types.QueryResult{HasCoordinates: true}, types.VisMap},
		{"coordinates without geo filter", types.QuerySpec{QueryKind: types.QueryList}, types.QueryResult{HasCoordinates: true}, types.VisTable},
		{"geo filter without coordinates", types.QuerySpec{RegionFilter: &types.RegionFilter{Admin1: "Bavaria"}}, types.QueryResult{}, types.VisTable},
		{"map outranks comparison", types.QuerySpec{EntityNames: []string{"A", "B"}, RegionFilter: &types.RegionFilter{Admin1: "Bavaria"}}, types.QueryResult{HasCoordinates: true}, types.VisMap},
		{"comparison", types.QuerySpec{EntityNames: []string{"A", "B"}}, types.QueryResult{}, types.VisComparison},
		{"plain list", types.QuerySpec{QueryKind: types.QueryList}, types.QueryResult{}, types.VisTable},
	}
	for _, tc := range cases {
		if got := ChooseVisualization(&tc.spec, &tc.result); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}
