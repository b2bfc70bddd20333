// Package vectorindex provides approximate nearest-neighbor search over
// fixed-dimension vectors grouped by modality.
package vectorindex

import (
	"context"
	"errors"
	"sort"
)

// Sentinel errors for vector index operations.
var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrDimensionMismatch is returned when a vector's length differs from
	// the collection's configured dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownModality is returned for modalities outside {text, image, video}.
	ErrUnknownModality = errors.New("unknown modality")

	// ErrConnectionFailed indicates gRPC connection issues.
	ErrConnectionFailed = errors.New("failed to connect to vector index")

	// ErrUnavailable indicates the index could not serve any requested
	// modality.
	ErrUnavailable = errors.New("vector index unavailable")

	// ErrOverloaded indicates the per-modality concurrency pool and its
	// bounded queue are both saturated.
	ErrOverloaded = errors.New("vector index overloaded")
)

// Modality identifies a per-modality collection. Keyframes live in the image
// collection; their payload carries content_type "keyframe".
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityVideo Modality = "video"
)

// AllModalities is the default search fan-out set, in priority order.
var AllModalities = []Modality{ModalityText, ModalityImage, ModalityVideo}

// ParseModality validates a caller-supplied modality name.
func ParseModality(s string) (Modality, error) {
	switch Modality(s) {
	case ModalityText, ModalityImage, ModalityVideo:
		return Modality(s), nil
	}
	return "", ErrUnknownModality
}

// Record is one vector with its payload, addressed by embedding id.
type Record struct {
	EmbeddingID string
	Vector      []float32
	Payload     map[string]any
}

// Hit is one scored search result.
type Hit struct {
	EmbeddingID string
	Score       float32
	Payload     map[string]any
	Modality    Modality
}

// Condition is a single payload-field constraint. Exactly one of Equals,
// OneOf, or a GTE/LTE range should be set.
type Condition struct {
	Key    string
	Equals any
	OneOf  []string
	GTE    *float64
	LTE    *float64
}

// Filter is a conjunction of payload conditions.
type Filter struct {
	Must []Condition
}

// CollectionConfig reports the immutable collection parameters.
type CollectionConfig struct {
	VectorSize int    `json:"vector_size"`
	Distance   string `json:"distance"`
}

// CollectionStats reports per-collection counters for /stats.
type CollectionStats struct {
	VectorsCount uint64           `json:"vectors_count"`
	PointsCount  uint64           `json:"points_count"`
	Config       CollectionConfig `json:"config"`
}

// HybridResult is the merged output of a multi-modality fan-out. Failed lists
// modalities whose search errored; an empty collection is not a failure.
type HybridResult struct {
	Hits   []Hit
	Failed []Modality
}

// Index is the vector index contract.
type Index interface {
	// EnsureCollections creates any missing per-modality collections with the
	// configured dimension and cosine distance.
	EnsureCollections(ctx context.Context) error

	// Upsert inserts or replaces records, idempotent by embedding id. Fails
	// with ErrDimensionMismatch if any vector has the wrong length.
	Upsert(ctx context.Context, modality Modality, records []Record) error

	// Search returns up to limit hits ordered by decreasing similarity.
	// scoreFloor drops hits below the threshold; filter is a payload
	// conjunction pushed down to the index.
	Search(ctx context.Context, modality Modality, vector []float32, limit int, scoreFloor float32, filter *Filter) ([]Hit, error)

	// SearchHybrid fans out to each requested modality in parallel and merges
	// the hits into one list sorted by score with a deterministic tie-break.
	// Partial modality failure is reported, not fatal, while at least one
	// modality succeeds; ErrUnavailable when all fail.
	SearchHybrid(ctx context.Context, vector []float32, limit int, modalities []Modality, scoreFloor float32, filter *Filter) (*HybridResult, error)

	// Get returns the record or nil when missing.
	Get(ctx context.Context, modality Modality, embeddingID string) (*Record, error)

	// Delete removes records by embedding id. Missing ids are ignored.
	Delete(ctx context.Context, modality Modality, embeddingIDs []string) error

	// CollectionStats returns counters for every modality collection.
	CollectionStats(ctx context.Context) (map[Modality]CollectionStats, error)

	Close() error
}

// SortHits orders hits by decreasing score, breaking ties by modality
// priority (position in the requested modality list) and then embedding id.
// Fan-out race order never affects the merged result.
func SortHits(hits []Hit, modalities []Modality) {
	priority := make(map[Modality]int, len(modalities))
	for i, m := range modalities {
		priority[m] = i
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		pi, pj := priority[hits[i].Modality], priority[hits[j].Modality]
		if pi != pj {
			return pi < pj
		}
		return hits[i].EmbeddingID < hits[j].EmbeddingID
	})
}
