// Package metadata provides the durable, transactional home for documents,
// content items, and search sessions. It is the single source of truth for
// joining an embedding id back to user-visible content.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for metadata store operations.
var (
	// ErrDuplicateContent is returned when a document's content hash already
	// exists. Use AsDuplicate to recover the existing document id.
	ErrDuplicateContent = errors.New("duplicate content")

	// ErrUnknownDocument is returned when a content item references a missing
	// parent document.
	ErrUnknownDocument = errors.New("unknown document")

	// ErrNotFound is returned for lookups of missing sessions or documents
	// on paths where absence is an error.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable indicates a transient storage failure; callers may
	// retry with backoff.
	ErrStoreUnavailable = errors.New("metadata store unavailable")
)

// DuplicateContentError carries the id of the already-stored document so
// callers can de-duplicate.
type DuplicateContentError struct {
	ExistingID string
}

func (e *DuplicateContentError) Error() string {
	return fmt.Sprintf("duplicate content: document %s already exists", e.ExistingID)
}

// Is reports ErrDuplicateContent identity for errors.Is.
func (e *DuplicateContentError) Is(target error) bool {
	return target == ErrDuplicateContent
}

// AsDuplicate extracts the existing document id from a duplicate-content
// error, if err is one.
func AsDuplicate(err error) (string, bool) {
	var dup *DuplicateContentError
	if errors.As(err, &dup) {
		return dup.ExistingID, true
	}
	return "", false
}

// Store is the metadata store contract.
//
// GetContentByEmbeddingID is the hot join used on every search result; it
// returns (nil, nil) when the embedding id is unknown so dangling vector
// references can be skipped silently.
type Store interface {
	// PutDocument inserts a document and returns its id. Returns a
	// DuplicateContentError (errors.Is ErrDuplicateContent) when the content
	// hash already exists.
	PutDocument(ctx context.Context, doc *Document) (string, error)

	GetDocument(ctx context.Context, id string) (*Document, error)

	// GetDocumentByHash returns (nil, nil) when no document has the hash.
	GetDocumentByHash(ctx context.Context, hash string) (*Document, error)

	// PutChunk, PutImage, PutVideo, PutKeyframe insert content items and link
	// them to their parent document. They fail with ErrUnknownDocument when
	// the parent is missing and upsert on embedding-id conflict so indexing
	// stays idempotent.
	PutChunk(ctx context.Context, c *Chunk) (string, error)
	PutImage(ctx context.Context, img *Image) (string, error)
	PutVideo(ctx context.Context, v *Video) (string, error)
	PutKeyframe(ctx context.Context, kf *Keyframe) (string, error)

	// GetContentByEmbeddingID joins an embedding id to its content item and
	// document. Returns (nil, nil) when missing.
	GetContentByEmbeddingID(ctx context.Context, embeddingID string) (*Content, error)

	// PrimaryContent returns the representative item of a document: the
	// lowest-index text chunk if present, else the first image, else the
	// first video. Returns ErrNotFound when the document is missing or owns
	// no content.
	PrimaryContent(ctx context.Context, documentID string) (*Content, error)

	// PutSearchSession persists a session and returns its id. Session writes
	// are best-effort at the engine level; failures here never fail a search.
	PutSearchSession(ctx context.Context, s *SearchSession) (string, error)

	GetSearchSession(ctx context.Context, id string) (*SearchSession, error)
	ListRecentSessions(ctx context.Context, limit int) ([]*SearchSession, error)

	// DeleteDocument removes the document and all owned content items in one
	// transaction, returning the embedding ids and blob paths that must be
	// cleaned up afterwards.
	DeleteDocument(ctx context.Context, documentID string) (*DeletionPlan, error)

	// PruneSessions deletes sessions created before the cutoff, returning the
	// number removed.
	PruneSessions(ctx context.Context, olderThan time.Time) (int64, error)

	Stats(ctx context.Context) (*Stats, error)

	Close() error
}
