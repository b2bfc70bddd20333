package retrieval

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/retrievald/internal/bundle"
)

// Sentinel errors for retrieval operations.
var (
	// ErrInvalidQuery is returned for empty queries.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrInvalidRequest is returned for malformed search parameters: unknown
	// modalities, out-of-range limits or thresholds, oversized queries.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUpstreamUnavailable is returned when every modality search failed, or
	// when the vector index fails a similar-to vector lookup or a stats read.
	// Metadata store failures during enrichment do not produce it: the
	// affected hits are skipped.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// DateRange bounds document creation time. Values are RFC 3339 timestamps or
// YYYY-MM-DD dates.
type DateRange struct {
	GTE string `json:"gte,omitempty"`
	LTE string `json:"lte,omitempty"`
}

// Filters is the caller-supplied conjunction applied to search hits.
type Filters struct {
	ContentTypes []string   `json:"content_types,omitempty"`
	FileTypes    []string   `json:"file_types,omitempty"`
	MinScore     *float64   `json:"min_score,omitempty"`
	DateRange    *DateRange `json:"date_range,omitempty"`
}

func (f *Filters) empty() bool {
	return f == nil ||
		(len(f.ContentTypes) == 0 && len(f.FileTypes) == 0 && f.MinScore == nil && f.DateRange == nil)
}

// SearchRequest is the engine-level search input. Nil Limit and
// ScoreThreshold select the configured defaults; an explicit zero limit
// returns an empty result set.
type SearchRequest struct {
	Query          string
	Modalities     []string
	Limit          *int
	ScoreThreshold *float64
	Filters        *Filters
}

// ResultArtifacts carries the URLs by which callers fetch raw media.
type ResultArtifacts struct {
	ViewURL     string `json:"view_url,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// Result is one enriched, ranked hit.
type Result struct {
	EmbeddingID string          `json:"embedding_id"`
	Score       float64         `json:"score"`
	Modality    string          `json:"modality"`
	ContentType string          `json:"content_type"`
	Content     string          `json:"content"`
	DocumentID  string          `json:"document_id"`
	Filename    string          `json:"filename"`
	FileType    string          `json:"file_type"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Citations   bundle.Citation `json:"citations"`
	Artifacts   ResultArtifacts `json:"artifacts"`

	// Ranking and bundle inputs, not part of the wire shape.
	itemID    string
	path      string
	width     int
	height    int
	duration  float64
	timestamp float64
	createdAt time.Time
}

// Flags carries per-response degradation markers.
type Flags struct {
	EmbeddingDegraded bool `json:"embedding_degraded,omitempty"`
	PartialModalities bool `json:"partial_modalities,omitempty"`
}

// ResultMetadata describes how a search was executed.
type ResultMetadata struct {
	SearchTimestamp string   `json:"search_timestamp"`
	FiltersApplied  *Filters `json:"filters_applied"`
	ScoreThreshold  float64  `json:"score_threshold"`
	Flags           Flags    `json:"flags"`

	// SessionError notes a failed best-effort session write.
	SessionError string `json:"session_error,omitempty"`
}

// SearchResult is the complete engine output. SessionID is nil when the
// best-effort session write failed.
type SearchResult struct {
	SessionID     *string        `json:"session_id"`
	Query         string         `json:"query"`
	Modalities    []string       `json:"modalities"`
	ResultsCount  int            `json:"results_count"`
	Results       []Result       `json:"results"`
	ContextBundle *bundle.Bundle `json:"context_bundle"`
	Metadata      ResultMetadata `json:"metadata"`
}

// IndexRequest registers one content item with a precomputed embedding. The
// ingestion worker calls this; the core never embeds content itself.
type IndexRequest struct {
	ContentID   string
	ContentType string
	Content     string
	Embeddings  []float32
	Metadata    map[string]any
}

// IndexResult reports the stored vector ids.
type IndexResult struct {
	ContentID     string   `json:"content_id"`
	VectorIDs     []string `json:"vector_ids"`
	AlreadyExists bool     `json:"already_exists,omitempty"`
}
