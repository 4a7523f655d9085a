// Package store implements the typed entity/facet/relation data store on
// SQLite. It owns schema descriptors, entity rows, facets, relations, and
// the embedding table used for entity resolution.
package store

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	sqlite "modernc.org/sqlite"
	_ "modernc.org/sqlite"

	"smartquery/internal/logging"
)

// ErrAlreadyExists signals a uniqueness-constraint violation on creation.
// Callers recover via lookup-and-reuse rather than surfacing it.
var ErrAlreadyExists = errors.New("record already exists")

// ErrNotFound signals a lookup miss for a record addressed by key or id.
var ErrNotFound = errors.New("record not found")

// SQLiteStore is the concrete store. A single write connection with WAL
// keeps writers serialized while readers proceed.
type SQLiteStore struct {
	db        *sql.DB
	dbPath    string
	vectorExt bool // vec0 virtual tables available
}

// New opens (creating if necessary) the SQLite database at path.
func New(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.New")
	defer timer.Stop()

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to enable foreign_keys: %v", err)
	}

	s := &SQLiteStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected, ANN lookup enabled")
	} else {
		logging.StoreDebug("sqlite-vec not available, falling back to cosine scan")
	}

	logging.Store("store ready at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *SQLiteStore) initialize() error {
	descriptorTables := `
	CREATE TABLE IF NOT EXISTS entity_types (
		slug TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		value_schema TEXT,
		aliases TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS facet_types (
		slug TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		value_schema TEXT,
		aliases TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS relation_types (
		slug TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		value_schema TEXT,
		aliases TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	entityTables := `
	CREATE TABLE IF NOT EXISTS entities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		name TEXT NOT NULL,
		attributes TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(entity_type, name)
	);
	CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);
	CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name);

	CREATE TABLE IF NOT EXISTS facets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id INTEGER NOT NULL,
		facet_type TEXT NOT NULL,
		value TEXT NOT NULL,
		valid_from DATETIME,
		valid_to DATETIME,
		country TEXT,
		admin_level_1 TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_facets_entity ON facets(entity_id);
	CREATE INDEX IF NOT EXISTS idx_facets_type ON facets(facet_type);
	CREATE INDEX IF NOT EXISTS idx_facets_region ON facets(country, admin_level_1);

	CREATE TABLE IF NOT EXISTS relations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		relation_type TEXT NOT NULL,
		source_id INTEGER NOT NULL,
		target_id INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(relation_type, source_id, target_id)
	);
	CREATE INDEX IF NOT EXISTS idx_relations_type ON relations(relation_type);
	CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source_id);
	CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target_id);

	CREATE TABLE IF NOT EXISTS embeddings (
		entity_id INTEGER PRIMARY KEY,
		vector BLOB NOT NULL
	);
	`

	for _, ddl := range []string{descriptorTables, entityTables} {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	logging.Store("closing store")
	return s.db.Close()
}

// DB exposes the underlying connection for the query executor.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// detectVecExtension probes for vec0 virtual table support.
func (s *SQLiteStore) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
	}
}

// isUniqueViolation reports whether err is a SQLite uniqueness-constraint
// failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		// SQLITE_CONSTRAINT (19) and its UNIQUE/PRIMARYKEY extensions.
		code := se.Code()
		if code == 19 || code == 2067 || code == 1555 {
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// =============================================================================
// VECTOR HELPERS
// =============================================================================

// serializeVector encodes a float32 slice little-endian, the layout vec0
// expects for float[] columns.
func serializeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// cosineSimilarity computes cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
