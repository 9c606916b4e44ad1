package index

import (
	"fmt"
	"time"
)

// SourceType identifies which kind of record a document came from.
type SourceType string

const (
	SourceComment  SourceType = "comment"
	SourceNote     SourceType = "note"
	SourceAnalysis SourceType = "analysis"
)

// IndexedDocument is one embedded record. Documents are uniquely keyed by
// (SourceType, SourceID) and re-embedded only when ContentHash changes.
type IndexedDocument struct {
	SourceType  SourceType `json:"source_type"`
	SourceID    string     `json:"source_id"`
	Content     string     `json:"content"`
	ContentHash string     `json:"content_hash"`
	Vector      []float32  `json:"vector"`
	SnapshotAt  time.Time  `json:"snapshot_at"`
	IndexedAt   time.Time  `json:"indexed_at"`
}

// Key returns the document's unique natural key.
func (d IndexedDocument) Key() string {
	return string(d.SourceType) + ":" + d.SourceID
}

// RetrievalResult is one similarity hit, ordered by similarity descending
// with more recent snapshots winning ties.
type RetrievalResult struct {
	Document   IndexedDocument `json:"document"`
	Similarity float64         `json:"similarity"`
	SnapshotAt time.Time       `json:"snapshot_at"`
}

// StaleError reports a content-hash mismatch detected mid-query when the
// targeted re-embed could not be completed.
type StaleError struct {
	SourceType SourceType
	SourceID   string
	Err        error
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("stale document %s:%s: %v", e.SourceType, e.SourceID, e.Err)
}

func (e *StaleError) Unwrap() error { return e.Err }
