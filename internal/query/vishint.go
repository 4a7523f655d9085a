package query

import "smartquery/internal/types"

// pieGroupLimit is the largest category count a pie chart stays readable at;
// beyond it the hint degrades to a bar chart.
const pieGroupLimit = 6

// ChooseVisualization picks a rendering hint for an executed query. The
// mapping is deterministic so identical results always render the same way.
func ChooseVisualization(spec *types.QuerySpec, result *types.QueryResult) types.VisHint {
	if len(result.Groups) > 0 {
		if spec.GroupBy == types.GroupByTime {
			return types.VisLineChart
		}
		if len(result.Groups) <= pieGroupLimit {
			return types.VisPieChart
		}
		return types.VisBarChart
	}

	if result.Scalar != nil {
		return types.VisStatCard
	}

	// A map needs both a geographic filter and coordinates in the result;
	// entities that merely carry lat/lon stay tabular.
	if spec.RegionFilter != nil && result.HasCoordinates {
		return types.VisMap
	}
	if n := len(spec.EntityNames); n >= 2 && n <= 3 {
		return types.VisComparison
	}
	return types.VisTable
}
