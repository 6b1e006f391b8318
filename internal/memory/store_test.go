package memory

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"conductor/pkg/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func mustStore(t *testing.T, s *Store, content, worker, kind string) string {
	t.Helper()
	id, err := s.Store(content, models.MemoryMetadata{ProducingWorker: worker, Kind: kind})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	return id
}

func TestStoreAndGet(t *testing.T) {
	s := setupTestStore(t)

	id := mustStore(t, s, "the config loader caches parsed files", "research", "finding")
	if id == "" {
		t.Fatal("Store returned empty id")
	}

	item, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if item.Content != "the config loader caches parsed files" {
		t.Errorf("Content = %q", item.Content)
	}
	if item.Metadata.ProducingWorker != "research" || item.Metadata.Kind != "finding" {
		t.Errorf("Metadata = %+v", item.Metadata)
	}
	if item.Metadata.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestGet_ReturnsStoredEmbedding(t *testing.T) {
	s := setupTestStore(t)

	id := mustStore(t, s, "the parser normalizes line endings", "research", "finding")
	item, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(item.Embedding) == 0 {
		t.Fatal("Get returned an item without its embedding")
	}

	// The stored vector is unit length, so self-similarity is 1.
	if sim := CosineSimilarity(item.Embedding, item.Embedding); sim < 0.999 {
		t.Errorf("self-similarity = %v, want ~1", sim)
	}

	results, err := s.Search("parser line endings", Filter{}, 1)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || len(results[0].Item.Embedding) == 0 {
		t.Errorf("Search results missing embeddings: %+v", results)
	}
}

func TestGet_Unknown(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestStore_EmptyContent(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.Store("", models.MemoryMetadata{}); err == nil {
		t.Error("expected error storing empty content")
	}
}

func TestSearch_RanksBySimilarity(t *testing.T) {
	s := setupTestStore(t)

	best := mustStore(t, s, "retry logic for the http client uses exponential backoff", "research", "finding")
	mustStore(t, s, "the database schema has a sessions table", "research", "finding")
	mustStore(t, s, "unrelated note about build caching", "design", "decision")

	results, err := s.Search("http client retry backoff", Filter{}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Search returned no results")
	}
	if results[0].Item.ID != best {
		t.Errorf("top result = %q, want %q", results[0].Item.ID, best)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not ordered by score: %v then %v", results[i-1].Score, results[i].Score)
		}
	}
}

func TestSearch_MetadataFilter(t *testing.T) {
	s := setupTestStore(t)

	mustStore(t, s, "token parsing handles escapes", "research", "finding")
	want := mustStore(t, s, "token parsing should use a state machine", "design", "decision")

	results, err := s.Search("token parsing", Filter{ProducingWorker: "design"}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Search returned %d results, want 1", len(results))
	}
	if results[0].Item.ID != want {
		t.Errorf("result = %q, want %q", results[0].Item.ID, want)
	}

	results, err = s.Search("token parsing", Filter{Kind: "finding"}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].Item.Metadata.Kind != "finding" {
		t.Errorf("kind filter results = %+v", results)
	}
}

func TestSearch_NoVocabularyOverlap(t *testing.T) {
	s := setupTestStore(t)
	mustStore(t, s, "walrus migration patterns", "research", "finding")

	results, err := s.Search("zygomorphic quasar", Filter{}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestSearch_DefaultLimit(t *testing.T) {
	s := setupTestStore(t)
	for i := 0; i < 8; i++ {
		mustStore(t, s, "note about widget assembly and gears", "implementation", "finding")
	}

	results, err := s.Search("widget gears", Filter{}, 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != DefaultSearchLimit {
		t.Errorf("Search returned %d results, want %d", len(results), DefaultSearchLimit)
	}
}

func TestVocabularyPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	id, err := s.Store("connection pooling reduces latency", models.MemoryMetadata{ProducingWorker: "research", Kind: "finding"})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	if s2.embedder.VocabSize() == 0 {
		t.Fatal("vocabulary not restored on reopen")
	}

	results, err := s2.Search("connection pooling latency", Filter{}, 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].Item.ID != id {
		t.Errorf("Search after reopen = %+v, want item %q", results, id)
	}
}

func TestSearch_RecencyBreaksTies(t *testing.T) {
	s := setupTestStore(t)

	older, err := s.Store("identical content", models.MemoryMetadata{
		ProducingWorker: "research", Kind: "finding",
		CreatedAt: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	newer, err := s.Store("identical content", models.MemoryMetadata{
		ProducingWorker: "research", Kind: "finding",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	results, err := s.Search("identical content", Filter{}, 2)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search returned %d results, want 2", len(results))
	}
	if results[0].Item.ID != newer || results[1].Item.ID != older {
		t.Errorf("tie not broken by recency: got %q then %q", results[0].Item.ID, results[1].Item.ID)
	}
}
