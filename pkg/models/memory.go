package models

import "time"

// MemoryMetadata describes the provenance of a memory item.
type MemoryMetadata struct {
	// ProducingWorker is the worker that wrote the item.
	ProducingWorker string `json:"producing_worker"`
	// Kind is a free-form category such as "finding" or "decision".
	Kind string `json:"kind"`
	// CreatedAt is when the item was stored.
	CreatedAt time.Time `json:"created_at"`
}

// MemoryItem is one immutable entry in the cross-worker memory store.
// Items are never updated or deleted once written.
type MemoryItem struct {
	// ID is the unique identifier assigned at store time.
	ID string `json:"id"`
	// Content is the stored text.
	Content string `json:"content"`
	// Embedding is the L2-normalized vector computed at store time.
	Embedding []float32 `json:"embedding,omitempty"`
	// Metadata records who produced the item and when.
	Metadata MemoryMetadata `json:"metadata"`
}

// ScoredMemory pairs a memory item with its similarity to a query.
type ScoredMemory struct {
	// Item is the matched memory item.
	Item MemoryItem `json:"item"`
	// Score is the cosine similarity to the query, in [-1, 1].
	Score float64 `json:"score"`
}
