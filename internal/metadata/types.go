package metadata

import (
	"encoding/json"
	"time"
)

// DocType discriminates documents by their source media.
type DocType string

const (
	DocText  DocType = "text"
	DocImage DocType = "image"
	DocVideo DocType = "video"
)

// ItemKind discriminates content items. Keyframes are stored in the image
// vector collection but remain their own kind for bundle assembly.
type ItemKind string

const (
	KindChunk    ItemKind = "chunk"
	KindImage    ItemKind = "image"
	KindVideo    ItemKind = "video"
	KindKeyframe ItemKind = "keyframe"
)

// Document is the durable record of an ingested file. Created once by the
// ingestion worker after content-hash de-duplication; immutable afterwards
// except for metadata.
type Document struct {
	ID          string         `json:"id"`
	Filename    string         `json:"filename"`
	DocType     DocType        `json:"doc_type"`
	SizeBytes   int64          `json:"size_bytes"`
	MimeType    string         `json:"mime_type"`
	ContentHash string         `json:"content_hash"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Chunk is a text segment of a document.
type Chunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	ChunkIndex  int       `json:"chunk_index"`
	Text        string    `json:"text"`
	EmbeddingID string    `json:"embedding_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Image is a stored still image.
type Image struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Path        string    `json:"path"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Caption     string    `json:"caption,omitempty"`
	EmbeddingID string    `json:"embedding_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Video is a stored video with its transcription.
type Video struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	Path          string    `json:"path"`
	Duration      float64   `json:"duration"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	Transcription string    `json:"transcription,omitempty"`
	Caption       string    `json:"caption,omitempty"`
	EmbeddingID   string    `json:"embedding_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Keyframe is a still extracted from a parent video.
// Invariant: 0 <= Timestamp <= parent video duration.
type Keyframe struct {
	ID          string    `json:"id"`
	VideoID     string    `json:"video_id"`
	DocumentID  string    `json:"document_id"`
	Timestamp   float64   `json:"timestamp"`
	Path        string    `json:"path"`
	Caption     string    `json:"caption,omitempty"`
	EmbeddingID string    `json:"embedding_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Content is the join of a content item with its owning document, produced
// by the embedding-id lookup. Exactly one of Chunk, Image, Video, Keyframe
// is non-nil, matching Kind.
type Content struct {
	Kind     ItemKind
	Chunk    *Chunk
	Image    *Image
	Video    *Video
	Keyframe *Keyframe
	Document *Document
}

// ItemID returns the id of the underlying content item.
func (c *Content) ItemID() string {
	switch c.Kind {
	case KindChunk:
		return c.Chunk.ID
	case KindImage:
		return c.Image.ID
	case KindVideo:
		return c.Video.ID
	case KindKeyframe:
		return c.Keyframe.ID
	}
	return ""
}

// EmbeddingID returns the vector identifier of the underlying content item.
func (c *Content) EmbeddingID() string {
	switch c.Kind {
	case KindChunk:
		return c.Chunk.EmbeddingID
	case KindImage:
		return c.Image.EmbeddingID
	case KindVideo:
		return c.Video.EmbeddingID
	case KindKeyframe:
		return c.Keyframe.EmbeddingID
	}
	return ""
}

// SessionResult is one scored hit frozen into a search session.
type SessionResult struct {
	EmbeddingID string  `json:"embedding_id"`
	Score       float64 `json:"score"`
}

// SearchSession is the durable, replayable record of a single search call.
// Immutable after creation. Holds weak references (embedding id + score) to
// vector records; dangling references are tolerated at read time.
type SearchSession struct {
	ID         string          `json:"id"`
	Query      string          `json:"query"`
	Modalities []string        `json:"modalities"`
	Filters    json.RawMessage `json:"filters,omitempty"`
	Results    []SessionResult `json:"results"`
	Bundle     json.RawMessage `json:"bundle,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DeletionPlan lists what must be removed from the vector index and blob
// store after a document's metadata rows are gone. Metadata deletion commits
// first; vector and blob deletion are best-effort follow-ups.
type DeletionPlan struct {
	DocumentID string

	// TextEmbeddings, ImageEmbeddings, VideoEmbeddings list embedding ids per
	// vector collection. Keyframe embeddings are folded into ImageEmbeddings
	// because keyframes live in the image collection.
	TextEmbeddings  []string
	ImageEmbeddings []string
	VideoEmbeddings []string

	// BlobPaths lists storage paths whose blobs can be garbage-collected.
	BlobPaths []string
}

// Stats reports row counts per entity.
type Stats struct {
	Documents int64 `json:"documents"`
	Chunks    int64 `json:"chunks"`
	Images    int64 `json:"images"`
	Videos    int64 `json:"videos"`
	Keyframes int64 `json:"keyframes"`
	Sessions  int64 `json:"sessions"`
}
