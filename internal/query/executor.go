package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"smartquery/internal/logging"
	"smartquery/internal/types"
)

// Executor runs translated statements against the store's database.
type Executor struct {
	db  *sql.DB
	now func() time.Time
}

// NewExecutor wraps the store connection.
func NewExecutor(db *sql.DB) *Executor {
	return &Executor{db: db, now: time.Now}
}

// Execute translates and runs spec. An empty result set is a valid outcome,
// never an error.
func (ex *Executor) Execute(ctx context.Context, spec *types.QuerySpec, snap *types.SchemaSnapshot) (types.QueryResult, error) {
	tr, err := Translate(spec, snap, ex.now())
	if err != nil {
		return types.QueryResult{}, err
	}
	logging.QueryDebug("executing %s query: %s args=%v", spec.QueryKind, tr.SQL, tr.Args)

	timer := logging.StartTimer(logging.CategoryQuery, "query.execute")
	defer timer.Stop()

	switch tr.Shape {
	case ShapeScalar:
		return ex.runScalar(ctx, tr)
	case ShapeGroups:
		return ex.runGroups(ctx, tr)
	default:
		return ex.runRows(ctx, tr)
	}
}

func (ex *Executor) runScalar(ctx context.Context, tr *Translation) (types.QueryResult, error) {
	var value sql.NullFloat64
	if err := ex.db.QueryRowContext(ctx, tr.SQL, tr.Args...).Scan(&value); err != nil {
		return types.QueryResult{}, types.Wrap(types.KindInternal, err, "scalar query failed")
	}
	// NULL means the aggregate saw no rows; zero is the honest answer.
	scalar := value.Float64
	return types.QueryResult{Scalar: &scalar}, nil
}

func (ex *Executor) runGroups(ctx context.Context, tr *Translation) (types.QueryResult, error) {
	rows, err := ex.db.QueryContext(ctx, tr.SQL, tr.Args...)
	if err != nil {
		return types.QueryResult{}, types.Wrap(types.KindInternal, err, "grouped query failed")
	}
	defer rows.Close()

	var result types.QueryResult
	for rows.Next() {
		var key sql.NullString
		var value sql.NullFloat64
		if err := rows.Scan(&key, &value); err != nil {
			return types.QueryResult{}, types.Wrap(types.KindInternal, err, "failed to scan group row")
		}
		k := key.String
		if !key.Valid {
			k = "unknown"
		}
		result.Groups = append(result.Groups, types.GroupRow{Key: k, Value: value.Float64})
	}
	return result, rows.Err()
}

func (ex *Executor) runRows(ctx context.Context, tr *Translation) (types.QueryResult, error) {
	rows, err := ex.db.QueryContext(ctx, tr.SQL, tr.Args...)
	if err != nil {
		return types.QueryResult{}, types.Wrap(types.KindInternal, err, "list query failed")
	}
	defer rows.Close()

	result := types.QueryResult{Rows: []map[string]interface{}{}}
	for rows.Next() {
		var id int64
		var entityType, name string
		var attrsJSON sql.NullString
		if err := rows.Scan(&id, &entityType, &name, &attrsJSON); err != nil {
			return types.QueryResult{}, types.Wrap(types.KindInternal, err, "failed to scan entity row")
		}

		row := map[string]interface{}{"id": id, "entity_type": entityType, "name": name}
		if attrsJSON.Valid && attrsJSON.String != "" {
			var attrs map[string]interface{}
			if err := json.Unmarshal([]byte(attrsJSON.String), &attrs); err == nil && len(attrs) > 0 {
				row["attributes"] = attrs
				if hasCoordinates(attrs) {
					result.HasCoordinates = true
				}
			}
		}
		result.Rows = append(result.Rows, row)
	}
	return result, rows.Err()
}

// hasCoordinates checks the attribute keys renderers use to place a marker.
func hasCoordinates(attrs map[string]interface{}) bool {
	_, lat := attrs["lat"]
	_, lon := attrs["lon"]
	if lat && lon {
		return true
	}
	_, lat = attrs["latitude"]
	_, lon = attrs["longitude"]
	return lat && lon
}
