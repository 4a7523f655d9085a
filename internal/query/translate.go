// Package query turns a validated QuerySpec into parameterized SQL over the
// entity/facet/relation tables and executes it. Translation is deterministic:
// the same spec against the same schema always yields the same statement.
package query

import (
	"fmt"
	"strings"
	"time"

	"smartquery/internal/types"
)

// ResultShape tells the executor how to scan the statement's output.
type ResultShape int

const (
	ShapeRows ResultShape = iota
	ShapeScalar
	ShapeGroups
)

// Translation is one ready-to-run statement.
type Translation struct {
	SQL   string
	Args  []interface{}
	Shape ResultShape
}

// facetValuePath is the JSON path non-COUNT aggregates read from facet
// values. Facet types meant for aggregation keep their numeric payload there.
const facetValuePath = "$.value"

// Translate builds the SQL for spec. Relation slugs are checked against the
// snapshot up front so an unknown relation fails before anything runs.
func Translate(spec *types.QuerySpec, snap *types.SchemaSnapshot, now time.Time) (*Translation, error) {
	for _, hop := range spec.RelationChain {
		if !snap.HasRelation(hop.RelationType) {
			return nil, types.E(types.KindUnknownRelation, "relation type %q is not in the schema", hop.RelationType)
		}
	}
	if spec.EntityType != "" && !snap.HasEntityType(spec.EntityType) {
		return nil, types.E(types.KindInterpretationInvalid, "entity type %q is not in the schema", spec.EntityType)
	}

	b := &builder{now: now}
	b.buildFrom(spec)
	b.buildWhere(spec)
	return b.finish(spec)
}

// builder accumulates the statement. Placeholder arguments are kept in two
// lists because join placeholders precede WHERE placeholders in the final
// statement regardless of build order.
type builder struct {
	now       time.Time
	from      strings.Builder
	fromArgs  []interface{}
	conds     []string
	whereArgs []interface{}
	final     string // alias of the entity set the query returns
}

// buildFrom lays out the base table and one join pair per relation hop. The
// query returns the entities at the end of the chain; with no chain that is
// the base set itself.
func (b *builder) buildFrom(spec *types.QuerySpec) {
	b.from.WriteString("entities e0")
	b.final = "e0"

	for i, hop := range spec.RelationChain {
		rel := fmt.Sprintf("r%d", i+1)
		next := fmt.Sprintf("e%d", i+1)
		prev := b.final

		if hop.Direction == types.DirOutgoing {
			fmt.Fprintf(&b.from, "\nJOIN relations %s ON %s.relation_type = ? AND %s.source_id = %s.id", rel, rel, rel, prev)
			fmt.Fprintf(&b.from, "\nJOIN entities %s ON %s.id = %s.target_id", next, next, rel)
		} else {
			fmt.Fprintf(&b.from, "\nJOIN relations %s ON %s.relation_type = ? AND %s.target_id = %s.id", rel, rel, rel, prev)
			fmt.Fprintf(&b.from, "\nJOIN entities %s ON %s.id = %s.source_id", next, next, rel)
		}
		b.fromArgs = append(b.fromArgs, hop.RelationType)
		b.final = next
	}
}

func (b *builder) buildWhere(spec *types.QuerySpec) {
	if spec.EntityType != "" {
		b.conds = append(b.conds, "e0.entity_type = ?")
		b.whereArgs = append(b.whereArgs, spec.EntityType)
	}
	if len(spec.EntityNames) > 0 {
		marks := strings.TrimRight(strings.Repeat("?, ", len(spec.EntityNames)), ", ")
		b.conds = append(b.conds, fmt.Sprintf("e0.name COLLATE NOCASE IN (%s)", marks))
		for _, name := range spec.EntityNames {
			b.whereArgs = append(b.whereArgs, name)
		}
	}

	b.buildFacetConds(spec)
}

// buildFacetConds renders facet filters as EXISTS subqueries against the
// final entity set, folding region and time predicates into each. Filters
// are combined left to right by each filter's own operator.
func (b *builder) buildFacetConds(spec *types.QuerySpec) {
	if len(spec.FacetFilters) == 0 {
		// Region or time restrictions without a named facet still constrain
		// through the facets table.
		if spec.RegionFilter != nil || (spec.TimeFilter != nil && spec.TimeFilter.Mode != types.TimeAll) {
			b.conds = append(b.conds, b.facetExists("", false, spec))
		}
		return
	}

	var combined string
	for i, f := range spec.FacetFilters {
		cond := b.facetExists(f.Slug, f.Negate, spec)
		if i == 0 {
			combined = cond
			continue
		}
		op := f.Op
		if op == "" {
			op = types.FilterAnd
		}
		combined = fmt.Sprintf("(%s %s %s)", combined, op, cond)
	}
	b.conds = append(b.conds, combined)
}

// facetExists renders one EXISTS subquery over facets of the final entity.
func (b *builder) facetExists(slug string, negate bool, spec *types.QuerySpec) string {
	inner := []string{fmt.Sprintf("f.entity_id = %s.id", b.final)}
	if slug != "" {
		inner = append(inner, "f.facet_type = ?")
		b.whereArgs = append(b.whereArgs, slug)
	}
	inner = append(inner, b.regionPreds(spec.RegionFilter)...)
	inner = append(inner, b.timePreds(spec.TimeFilter)...)

	prefix := "EXISTS"
	if negate {
		prefix = "NOT EXISTS"
	}
	return fmt.Sprintf("%s (SELECT 1 FROM facets f WHERE %s)", prefix, strings.Join(inner, " AND "))
}

func (b *builder) regionPreds(r *types.RegionFilter) []string {
	if r == nil {
		return nil
	}
	var preds []string
	if r.Country != "" {
		preds = append(preds, "f.country = ?")
		b.whereArgs = append(b.whereArgs, r.Country)
	}
	if r.Admin1 != "" {
		preds = append(preds, "f.admin_level_1 = ?")
		b.whereArgs = append(b.whereArgs, r.Admin1)
	}
	return preds
}

// timePreds renders the validity-window restriction. A facet with open ends
// is treated as valid across the missing bound.
func (b *builder) timePreds(t *types.TimeFilter) []string {
	if t == nil || t.Mode == types.TimeAll || t.Mode == "" {
		return nil
	}
	now := b.now.UTC().Format(time.RFC3339)

	switch t.Mode {
	case types.TimeFutureOnly:
		b.whereArgs = append(b.whereArgs, now)
		return []string{"COALESCE(f.valid_to, f.valid_from) >= ?"}
	case types.TimePastOnly:
		b.whereArgs = append(b.whereArgs, now)
		return []string{"COALESCE(f.valid_to, f.valid_from) < ?"}
	case types.TimeRange:
		var preds []string
		if t.End != nil {
			preds = append(preds, "(f.valid_from IS NULL OR f.valid_from <= ?)")
			b.whereArgs = append(b.whereArgs, t.End.UTC().Format(time.RFC3339))
		}
		if t.Start != nil {
			preds = append(preds, "(f.valid_to IS NULL OR f.valid_to >= ?)")
			b.whereArgs = append(b.whereArgs, t.Start.UTC().Format(time.RFC3339))
		}
		return preds
	}
	return nil
}

// finish assembles the SELECT clause for the query's result shape.
func (b *builder) finish(spec *types.QuerySpec) (*Translation, error) {
	where := ""
	if len(b.conds) > 0 {
		where = "\nWHERE " + strings.Join(b.conds, " AND ")
	}

	switch {
	case spec.QueryKind == types.QueryList:
		sql := fmt.Sprintf("SELECT DISTINCT %s.id, %s.entity_type, %s.name, %s.attributes FROM %s%s ORDER BY %s.name",
			b.final, b.final, b.final, b.final, b.from.String(), where, b.final)
		return &Translation{SQL: sql, Args: b.args(), Shape: ShapeRows}, nil

	case spec.GroupBy != "":
		return b.finishGrouped(spec, where)

	case spec.QueryKind == types.QueryCount || spec.AggregateFn == types.AggCount:
		sql := fmt.Sprintf("SELECT COUNT(DISTINCT %s.id) FROM %s%s", b.final, b.from.String(), where)
		return &Translation{SQL: sql, Args: b.args(), Shape: ShapeScalar}, nil

	default:
		// Non-COUNT scalar aggregates read the numeric payload of the first
		// filtered facet type.
		slug, err := aggregationSlug(spec)
		if err != nil {
			return nil, err
		}
		sql := fmt.Sprintf(
			"SELECT %s(CAST(json_extract(fv.value, '%s') AS REAL)) FROM %s\nJOIN facets fv ON fv.entity_id = %s.id AND fv.facet_type = ?%s",
			spec.AggregateFn, facetValuePath, b.from.String(), b.final, where)
		return &Translation{SQL: sql, Args: b.argsWithJoin(slug), Shape: ShapeScalar}, nil
	}
}

func (b *builder) finishGrouped(spec *types.QuerySpec, where string) (*Translation, error) {
	// entity_type grouping over COUNT needs no facet join.
	if spec.GroupBy == types.GroupByEntityType && spec.AggregateFn == types.AggCount {
		sql := fmt.Sprintf("SELECT %s.entity_type, COUNT(DISTINCT %s.id) FROM %s%s GROUP BY %s.entity_type ORDER BY 2 DESC",
			b.final, b.final, b.from.String(), where, b.final)
		return &Translation{SQL: sql, Args: b.args(), Shape: ShapeGroups}, nil
	}

	join := fmt.Sprintf("\nJOIN facets fg ON fg.entity_id = %s.id", b.final)
	var joinArgs []interface{}
	if slug := firstPositiveFacet(spec); slug != "" {
		join += " AND fg.facet_type = ?"
		joinArgs = append(joinArgs, slug)
	}

	var key string
	switch spec.GroupBy {
	case types.GroupByEntityType:
		key = b.final + ".entity_type"
	case types.GroupByFacetType:
		key = "fg.facet_type"
	case types.GroupByRegion:
		key = "COALESCE(fg.admin_level_1, fg.country, 'unknown')"
	case types.GroupByTime:
		key = "strftime('%Y', COALESCE(fg.valid_from, fg.created_at))"
	default:
		return nil, types.E(types.KindInterpretationInvalid, "unknown group_by %q", spec.GroupBy)
	}

	value := fmt.Sprintf("COUNT(DISTINCT %s.id)", b.final)
	if spec.AggregateFn != types.AggCount {
		value = fmt.Sprintf("%s(CAST(json_extract(fg.value, '%s') AS REAL))", spec.AggregateFn, facetValuePath)
	}

	order := "ORDER BY 1"
	if spec.GroupBy != types.GroupByTime {
		order = "ORDER BY 2 DESC"
	}
	sql := fmt.Sprintf("SELECT %s, %s FROM %s%s%s GROUP BY 1 %s", key, value, b.from.String(), join, where, order)
	return &Translation{SQL: sql, Args: b.argsWithJoin(joinArgs...), Shape: ShapeGroups}, nil
}

// args returns the placeholder values in statement order.
func (b *builder) args() []interface{} {
	out := make([]interface{}, 0, len(b.fromArgs)+len(b.whereArgs))
	out = append(out, b.fromArgs...)
	return append(out, b.whereArgs...)
}

// argsWithJoin inserts extra join placeholders between the FROM and WHERE
// argument groups, matching their position in the statement.
func (b *builder) argsWithJoin(joinArgs ...interface{}) []interface{} {
	out := make([]interface{}, 0, len(b.fromArgs)+len(joinArgs)+len(b.whereArgs))
	out = append(out, b.fromArgs...)
	out = append(out, joinArgs...)
	return append(out, b.whereArgs...)
}

func aggregationSlug(spec *types.QuerySpec) (string, error) {
	slug := firstPositiveFacet(spec)
	if slug == "" {
		return "", types.E(types.KindInterpretationInvalid,
			"%s requires a facet filter naming the facet to aggregate over", spec.AggregateFn)
	}
	return slug, nil
}

func firstPositiveFacet(spec *types.QuerySpec) string {
	for _, f := range spec.FacetFilters {
		if !f.Negate {
			return f.Slug
		}
	}
	return ""
}
