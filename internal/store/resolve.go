package store

import (
	"context"
	"database/sql"
	"fmt"

	"smartquery/internal/logging"
	"smartquery/internal/types"
)

// EmbedFunc produces an embedding vector for a piece of text. The store
// consumes it as a scoring function; it never talks to a model itself.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// resolveThreshold is the minimum cosine similarity for a fuzzy match.
const resolveThreshold = 0.80

// ResolveEntity maps a user-facing name to a stored entity. Exact match wins
// (case-insensitive), then embedding similarity against stored vectors when
// an embedder is available.
func (s *SQLiteStore) ResolveEntity(ctx context.Context, name string, embed EmbedFunc) (types.Entity, error) {
	e, err := s.scanEntity(s.db.QueryRowContext(ctx,
		"SELECT id, entity_type, name, attributes, created_at FROM entities WHERE name = ? COLLATE NOCASE ORDER BY id LIMIT 1",
		name), fmt.Sprintf("%q", name))
	if err == nil {
		return e, nil
	}

	if embed == nil {
		return types.Entity{}, fmt.Errorf("entity %q: %w", name, ErrNotFound)
	}

	vector, err := embed(ctx, name)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("embedding lookup for %q failed: %v", name, err)
		return types.Entity{}, fmt.Errorf("entity %q: %w", name, ErrNotFound)
	}

	id, score, err := s.nearestEntity(ctx, vector)
	if err != nil {
		return types.Entity{}, err
	}
	if id == 0 || score < resolveThreshold {
		return types.Entity{}, fmt.Errorf("entity %q: %w", name, ErrNotFound)
	}
	logging.StoreDebug("resolved %q to entity %d by similarity %.3f", name, id, score)
	return s.GetEntityByID(ctx, id)
}

// StoreEmbedding saves (or replaces) the embedding vector for an entity.
func (s *SQLiteStore) StoreEmbedding(ctx context.Context, entityID int64, vector []float32) error {
	blob := serializeVector(vector)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO embeddings (entity_id, vector) VALUES (?, ?) ON CONFLICT(entity_id) DO UPDATE SET vector = excluded.vector",
		entityID, blob)
	if err != nil {
		return fmt.Errorf("failed to store embedding for entity %d: %w", entityID, err)
	}

	if s.vectorExt {
		ddl := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS vec_entities USING vec0(embedding float[%d])", len(vector))
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			logging.StoreDebug("vec index create failed: %v", err)
			return nil
		}
		// vec0 has no upsert, so replace is delete plus insert.
		_, _ = s.db.ExecContext(ctx, "DELETE FROM vec_entities WHERE rowid = ?", entityID)
		if _, err := s.db.ExecContext(ctx, "INSERT INTO vec_entities (rowid, embedding) VALUES (?, ?)", entityID, blob); err != nil {
			logging.StoreDebug("vec index insert failed: %v", err)
		}
	}
	return nil
}

// nearestEntity returns the entity id with the highest cosine similarity to
// the probe vector. Uses the vec0 index when the extension is loaded and a
// full scan otherwise; corpora here are small enough that the scan is fine.
func (s *SQLiteStore) nearestEntity(ctx context.Context, probe []float32) (int64, float64, error) {
	if s.vectorExt {
		if id, score, err := s.nearestEntityVec(ctx, probe); err == nil {
			return id, score, nil
		}
		// Index lookup failed, fall through to the scan.
	}

	rows, err := s.db.QueryContext(ctx, "SELECT entity_id, vector FROM embeddings")
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	var bestID int64
	var bestScore float64
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return 0, 0, err
		}
		if score := cosineSimilarity(probe, deserializeVector(blob)); score > bestScore {
			bestID, bestScore = id, score
		}
	}
	return bestID, bestScore, rows.Err()
}

// nearestEntityVec uses the vec0 virtual table for the lookup. The table is
// created lazily on first use, sized to the probe vector.
func (s *SQLiteStore) nearestEntityVec(ctx context.Context, probe []float32) (int64, float64, error) {
	ddl := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS vec_entities USING vec0(embedding float[%d])", len(probe))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return 0, 0, err
	}

	var id int64
	var distance float64
	err := s.db.QueryRowContext(ctx,
		"SELECT rowid, distance FROM vec_entities WHERE embedding MATCH ? ORDER BY distance LIMIT 1",
		serializeVector(probe)).Scan(&id, &distance)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	// vec0 reports cosine distance; similarity is its complement.
	return id, 1 - distance, nil
}
