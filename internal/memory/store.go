// Package memory provides the append-only cross-worker memory store.
// Items are embedded at insert time and retrieved by cosine similarity
// with optional metadata filters. Items are never updated or deleted.
package memory

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"conductor/pkg/models"
)

// DefaultSearchLimit is the number of results Search returns when the
// caller does not specify a limit.
const DefaultSearchLimit = 5

// ErrNotFound is returned when no memory item has the requested ID.
var ErrNotFound = errors.New("memory item not found")

// Filter restricts a search to items matching all set fields.
type Filter struct {
	// ProducingWorker matches items written by the named worker.
	ProducingWorker string
	// Kind matches the metadata kind field.
	Kind string
}

// Store is an SQLite-backed memory store with an in-process embedder whose
// vocabulary is persisted alongside the items.
type Store struct {
	conn     *sql.DB
	path     string
	embedder *Embedder
	mu       sync.Mutex
}

// Open opens the memory database at the given path, creating parent
// directories as needed, and loads the persisted vocabulary.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.loadVocab(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Path returns the path to the database file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Memories},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Memories = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	embedding BLOB,
	producing_worker TEXT NOT NULL,
	kind TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_worker ON memories(producing_worker);
CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories(kind);

CREATE TABLE IF NOT EXISTS memory_vocab (
	term TEXT PRIMARY KEY,
	dim INTEGER NOT NULL
);
`

func (s *Store) loadVocab() error {
	rows, err := s.conn.Query("SELECT term, dim FROM memory_vocab")
	if err != nil {
		return fmt.Errorf("load vocabulary: %w", err)
	}
	defer rows.Close()

	vocab := make(map[string]int)
	for rows.Next() {
		var term string
		var dim int
		if err := rows.Scan(&term, &dim); err != nil {
			return fmt.Errorf("scan vocabulary: %w", err)
		}
		vocab[term] = dim
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.embedder = newEmbedderWithVocab(vocab)
	return nil
}

// Store embeds and inserts a new memory item, returning its assigned ID.
// The item's embedding and any new vocabulary terms are written in the same
// transaction.
func (s *Store) Store(content string, meta models.MemoryMetadata) (string, error) {
	if content == "" {
		return "", errors.New("store memory: empty content")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vec, added := s.embedder.Embed(content)
	id := uuid.New().String()

	tx, err := s.conn.Begin()
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO memories (id, content, embedding, producing_worker, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, content, MarshalEmbedding(vec), meta.ProducingWorker, meta.Kind, formatTime(meta.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}

	for term, dim := range added {
		if _, err := tx.Exec("INSERT OR IGNORE INTO memory_vocab (term, dim) VALUES (?, ?)", term, dim); err != nil {
			return "", fmt.Errorf("persist vocabulary term: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit memory: %w", err)
	}
	return id, nil
}

// Get returns the memory item with the given ID.
func (s *Store) Get(id string) (models.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.conn.QueryRow(`
		SELECT id, content, embedding, producing_worker, kind, created_at
		FROM memories WHERE id = ?
	`, id)

	item, err := scanItem(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.MemoryItem{}, ErrNotFound
		}
		return models.MemoryItem{}, fmt.Errorf("get memory: %w", err)
	}
	return item, nil
}

// Search returns up to k items ranked by cosine similarity to the query,
// most similar first, with recency breaking ties. Metadata filters are
// applied in SQL before ranking. A k <= 0 uses DefaultSearchLimit. A query
// sharing no vocabulary with the store returns no results.
func (s *Store) Search(query string, filter Filter, k int) ([]models.ScoredMemory, error) {
	if k <= 0 {
		k = DefaultSearchLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	qvec := s.embedder.EmbedQuery(query)
	if len(qvec) == 0 {
		return nil, nil
	}

	where := "1=1"
	var args []any
	if filter.ProducingWorker != "" {
		where += " AND producing_worker = ?"
		args = append(args, filter.ProducingWorker)
	}
	if filter.Kind != "" {
		where += " AND kind = ?"
		args = append(args, filter.Kind)
	}

	rows, err := s.conn.Query(fmt.Sprintf(`
		SELECT id, content, embedding, producing_worker, kind, created_at
		FROM memories WHERE %s
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var scored []models.ScoredMemory
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}

		score := CosineSimilarity(qvec, item.Embedding)
		if score <= 0 {
			continue
		}
		scored = append(scored, models.ScoredMemory{Item: item, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Item.Metadata.CreatedAt.After(scored[j].Item.Metadata.CreatedAt)
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Count returns the number of stored items.
func (s *Store) Count() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if err := s.conn.QueryRow("SELECT COUNT(*) FROM memories").Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

func scanItem(scan func(dest ...any) error) (models.MemoryItem, error) {
	var item models.MemoryItem
	var blob []byte
	var created string
	if err := scan(&item.ID, &item.Content, &blob, &item.Metadata.ProducingWorker, &item.Metadata.Kind, &created); err != nil {
		return models.MemoryItem{}, err
	}
	item.Embedding = UnmarshalEmbedding(blob)
	t, err := parseTime(created)
	if err != nil {
		return models.MemoryItem{}, fmt.Errorf("parse created_at: %w", err)
	}
	item.Metadata.CreatedAt = t
	return item, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
