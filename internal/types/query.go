package types

import "time"

// =============================================================================
// QUERY SPECIFICATION - validated structured representation of a read request
// =============================================================================

// QueryKind selects the overall shape of a read query.
type QueryKind string

const (
	QueryList      QueryKind = "list"
	QueryCount     QueryKind = "count"
	QueryAggregate QueryKind = "aggregate"
)

// FilterOp combines a facet filter with its siblings.
type FilterOp string

const (
	FilterAnd FilterOp = "AND"
	FilterOr  FilterOp = "OR"
)

// FacetFilter restricts results to entities carrying (or, negated, not
// carrying) a facet of the given type.
type FacetFilter struct {
	Slug   string   `json:"slug"`
	Op     FilterOp `json:"op,omitempty"`
	Negate bool     `json:"negate,omitempty"`
}

// Direction of a relation hop relative to the current entity set.
type Direction string

const (
	DirOutgoing Direction = "outgoing"
	DirIncoming Direction = "incoming"
)

// RelationHop is one typed, directed step in a multi-hop graph query.
// Hops are ordered by HopIndex and applied left to right.
type RelationHop struct {
	RelationType string    `json:"relation_type"`
	Direction    Direction `json:"direction"`
	HopIndex     int       `json:"hop_index"`
}

// TimeMode restricts results by their temporal validity.
type TimeMode string

const (
	TimeAll        TimeMode = "all"
	TimeFutureOnly TimeMode = "future_only"
	TimePastOnly   TimeMode = "past_only"
	TimeRange      TimeMode = "range"
)

// TimeFilter carries the temporal restriction; Start/End are only consulted
// when Mode is TimeRange.
type TimeFilter struct {
	Mode  TimeMode   `json:"mode"`
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// RegionFilter restricts results geographically.
type RegionFilter struct {
	Country string `json:"country,omitempty"`
	Admin1  string `json:"admin_level_1,omitempty"`
}

// AggregateFn names the aggregation applied when QueryKind is aggregate.
type AggregateFn string

const (
	AggCount AggregateFn = "COUNT"
	AggSum   AggregateFn = "SUM"
	AggAvg   AggregateFn = "AVG"
	AggMin   AggregateFn = "MIN"
	AggMax   AggregateFn = "MAX"
)

// GroupBy names the dimension an aggregate query is grouped on.
type GroupBy string

const (
	GroupByEntityType GroupBy = "entity_type"
	GroupByRegion     GroupBy = "region"
	GroupByFacetType  GroupBy = "facet_type"
	GroupByTime       GroupBy = "time"
)

// QuerySpec is the validated structured representation of a read question.
// It is produced by the read interpreter from model output and consumed by
// the query executor.
type QuerySpec struct {
	QueryKind     QueryKind     `json:"query_kind"`
	EntityType    string        `json:"entity_type,omitempty"`
	FacetFilters  []FacetFilter `json:"facet_filters,omitempty"`
	RelationChain []RelationHop `json:"relation_chain,omitempty"`
	TimeFilter    *TimeFilter   `json:"time_filter,omitempty"`
	RegionFilter  *RegionFilter `json:"region_filter,omitempty"`
	GroupBy       GroupBy       `json:"group_by,omitempty"`
	AggregateFn   AggregateFn   `json:"aggregate_fn,omitempty"`
	// EntityNames carries explicitly requested entities ("compare A and B").
	EntityNames []string `json:"entity_names,omitempty"`
}

// Validate enforces the QuerySpec invariants. group_by without aggregate_fn
// is repaired to COUNT rather than rejected; everything else is a hard
// INTERPRETATION_INVALID.
func (q *QuerySpec) Validate() error {
	switch q.QueryKind {
	case QueryList, QueryCount, QueryAggregate:
	case "":
		return E(KindInterpretationInvalid, "query_kind is required")
	default:
		return E(KindInterpretationInvalid, "unknown query_kind %q", q.QueryKind)
	}

	if q.AggregateFn != "" && q.QueryKind != QueryAggregate {
		return E(KindInterpretationInvalid, "aggregate_fn %q requires query_kind=aggregate", q.AggregateFn)
	}
	if q.GroupBy != "" {
		if q.QueryKind != QueryAggregate {
			return E(KindInterpretationInvalid, "group_by is only meaningful with query_kind=aggregate")
		}
		if q.AggregateFn == "" {
			q.AggregateFn = AggCount
		}
	}
	if q.QueryKind == QueryAggregate && q.AggregateFn == "" {
		q.AggregateFn = AggCount
	}

	for i, hop := range q.RelationChain {
		if hop.RelationType == "" {
			return E(KindInterpretationInvalid, "relation_chain[%d] missing relation_type", i)
		}
		switch hop.Direction {
		case DirOutgoing, DirIncoming:
		default:
			return E(KindInterpretationInvalid, "relation_chain[%d] direction must be outgoing or incoming", i)
		}
		if hop.HopIndex != i {
			return E(KindInterpretationInvalid, "relation_chain hops out of order: index %d at position %d", hop.HopIndex, i)
		}
	}

	if q.TimeFilter != nil && q.TimeFilter.Mode == TimeRange {
		if q.TimeFilter.Start == nil && q.TimeFilter.End == nil {
			return E(KindInterpretationInvalid, "time_filter range requires start or end")
		}
	}
	return nil
}

// =============================================================================
// QUERY RESULTS & VISUALIZATION HINTS
// =============================================================================

// VisHint tells the caller how to render a query result.
type VisHint string

const (
	VisLineChart  VisHint = "line_chart"
	VisBarChart   VisHint = "bar_chart"
	VisPieChart   VisHint = "pie_chart"
	VisStatCard   VisHint = "stat_card"
	VisMap        VisHint = "map"
	VisComparison VisHint = "comparison"
	VisTable      VisHint = "table"
	VisText       VisHint = "text"
)

// QueryResult is the executed outcome of a QuerySpec. Empty Rows is a valid
// result, not an error.
type QueryResult struct {
	Rows           []map[string]interface{} `json:"rows"`
	Scalar         *float64                 `json:"scalar,omitempty"`
	Groups         []GroupRow               `json:"groups,omitempty"`
	HasCoordinates bool                     `json:"has_coordinates,omitempty"`
}

// GroupRow is one bucket of a grouped aggregate.
type GroupRow struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

// ReadResponse is the caller-facing result of the read interpreter.
type ReadResponse struct {
	Spec   QuerySpec   `json:"spec"`
	Result QueryResult `json:"result"`
	Hint   VisHint     `json:"visualization_hint"`
	Answer string      `json:"answer,omitempty"` // prose answer when Hint is text
}
