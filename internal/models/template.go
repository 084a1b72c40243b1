package models

import "time"

// Template represents one canonical log pattern: the deduplicated unit
// of memory and the primary semantic-search subject.
type Template struct {
	// ID is the monotonic key assigned at insert time
	ID int64 `json:"id" db:"id"`

	// TemplateHash is the 128-bit fingerprint over
	// (service, level, canon_version, canonical_text). Unique.
	TemplateHash string `json:"template_hash" db:"template_hash"`

	// CanonicalText is the canonicalizer output at CanonVersion
	CanonicalText string `json:"canonical_text" db:"canonical_text"`

	// Service and Level are denormalized from the first event
	Service string   `json:"service" db:"service"`
	Level   LogLevel `json:"level" db:"level"`

	// Embedding is the dense vector of dimension EmbeddingDim.
	// Nil until the live path or the safety net attaches one. Read
	// paths never load it; they set Embedded instead.
	Embedding []float32 `json:"-" db:"-"`

	// Embedded mirrors "embedding IS NOT NULL" on rows read back from
	// the store
	Embedded bool `json:"embedded" db:"embedded"`

	// EmbeddingModel, EmbeddingDim, CanonVersion and ChunkVersion form
	// the versioning tuple identifying the pipeline generation that
	// produced this row. Unversioned embeddings are unmigratable, so
	// these are first-class columns from schema creation.
	EmbeddingModel string `json:"embedding_model,omitempty" db:"embedding_model"`
	EmbeddingDim   int    `json:"embedding_dim,omitempty" db:"embedding_dim"`
	CanonVersion   string `json:"canon_version" db:"canon_version"`
	ChunkVersion   int    `json:"chunk_version" db:"chunk_version"`

	// EventCount is the number of events that mapped to this template
	EventCount int64 `json:"event_count" db:"event_count"`

	// FirstSeen and LastSeen bound the observation interval; they only
	// ever widen
	FirstSeen time.Time `json:"first_seen" db:"first_seen"`
	LastSeen  time.Time `json:"last_seen" db:"last_seen"`

	// SourceHosts is the set of hosts that produced events for this
	// template, merged on every counter bump
	SourceHosts []string `json:"source_hosts,omitempty" db:"-"`
}

// HasEmbedding reports whether the template has a vector attached, either
// in-memory or durably.
func (t *Template) HasEmbedding() bool {
	return t.Embedded || len(t.Embedding) > 0
}
