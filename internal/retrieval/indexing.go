package retrieval

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/retrievald/internal/blobstore"
	"github.com/fyrsmithlabs/retrievald/internal/metadata"
	"github.com/fyrsmithlabs/retrievald/internal/vectorindex"
)

// Index registers one content item with its precomputed embedding. The
// embedding id is the caller's content id, which makes the whole operation
// idempotent: repeated calls upsert the same metadata row and the same
// vector record.
func (e *Engine) Index(ctx context.Context, req IndexRequest) (*IndexResult, error) {
	ctx, span := tracer.Start(ctx, "Engine.Index")
	defer span.End()

	if req.ContentID == "" {
		return nil, fmt.Errorf("%w: content_id is required", ErrInvalidRequest)
	}
	if req.Content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	}
	kind, err := parseItemKind(req.ContentType)
	if err != nil {
		return nil, err
	}
	if len(req.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: embeddings are required", ErrInvalidRequest)
	}

	docID, alreadyExists, err := e.resolveDocument(ctx, req, kind)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"document_id":  docID,
		"content_type": contentTypeFor(kind),
	}

	switch kind {
	case metadata.KindChunk:
		chunk := &metadata.Chunk{
			DocumentID:  docID,
			ChunkIndex:  metaInt(req.Metadata, "chunk_index"),
			Text:        req.Content,
			EmbeddingID: req.ContentID,
		}
		if _, err := e.store.PutChunk(ctx, chunk); err != nil {
			return nil, err
		}
		payload["chunk_index"] = chunk.ChunkIndex

	case metadata.KindImage:
		img := &metadata.Image{
			DocumentID:  docID,
			Path:        metaString(req.Metadata, "path"),
			Width:       metaInt(req.Metadata, "width"),
			Height:      metaInt(req.Metadata, "height"),
			Caption:     req.Content,
			EmbeddingID: req.ContentID,
		}
		id, err := e.store.PutImage(ctx, img)
		if err != nil {
			return nil, err
		}
		payload["image_id"] = id

	case metadata.KindVideo:
		video := &metadata.Video{
			DocumentID:    docID,
			Path:          metaString(req.Metadata, "path"),
			Duration:      metaFloat(req.Metadata, "duration"),
			Width:         metaInt(req.Metadata, "width"),
			Height:        metaInt(req.Metadata, "height"),
			Transcription: req.Content,
			EmbeddingID:   req.ContentID,
		}
		id, err := e.store.PutVideo(ctx, video)
		if err != nil {
			return nil, err
		}
		payload["video_id"] = id

	case metadata.KindKeyframe:
		videoID := metaString(req.Metadata, "video_id")
		if videoID == "" {
			return nil, fmt.Errorf("%w: keyframe requires metadata.video_id", ErrInvalidRequest)
		}
		kf := &metadata.Keyframe{
			VideoID:     videoID,
			DocumentID:  docID,
			Timestamp:   metaFloat(req.Metadata, "timestamp"),
			Path:        metaString(req.Metadata, "path"),
			Caption:     req.Content,
			EmbeddingID: req.ContentID,
		}
		id, err := e.store.PutKeyframe(ctx, kf)
		if err != nil {
			return nil, err
		}
		payload["keyframe_id"] = id
	}

	modality := modalityForKind(kind)
	err = e.index.Upsert(ctx, modality, []vectorindex.Record{{
		EmbeddingID: req.ContentID,
		Vector:      req.Embeddings,
		Payload:     payload,
	}})
	if err != nil {
		return nil, err
	}

	// Indexing replaces whatever the cache held for this id.
	e.cache.Remove(req.ContentID)

	return &IndexResult{
		ContentID:     req.ContentID,
		VectorIDs:     []string{req.ContentID},
		AlreadyExists: alreadyExists,
	}, nil
}

// resolveDocument finds or creates the owning document. Explicit
// metadata.document_id wins; otherwise the document is derived from the
// content hash, de-duplicating repeated submissions.
func (e *Engine) resolveDocument(ctx context.Context, req IndexRequest, kind metadata.ItemKind) (string, bool, error) {
	if docID := metaString(req.Metadata, "document_id"); docID != "" {
		if _, err := e.store.GetDocument(ctx, docID); err != nil {
			return "", false, fmt.Errorf("%w: document %s", metadata.ErrUnknownDocument, docID)
		}
		return docID, false, nil
	}

	filename := metaString(req.Metadata, "filename")
	if filename == "" {
		filename = req.ContentID
	}

	doc := &metadata.Document{
		Filename:    filename,
		DocType:     docTypeFor(kind),
		SizeBytes:   int64(len(req.Content)),
		MimeType:    metaString(req.Metadata, "mime_type"),
		ContentHash: blobstore.HashHex([]byte(req.Content)),
		Metadata:    req.Metadata,
	}
	id, err := e.store.PutDocument(ctx, doc)
	if err != nil {
		if existing, ok := metadata.AsDuplicate(err); ok {
			return existing, true, nil
		}
		return "", false, err
	}
	return id, false, nil
}

// Delete removes a document: metadata first (transactional), then
// best-effort vector and blob cleanup plus a cache purge.
func (e *Engine) Delete(ctx context.Context, documentID string) error {
	ctx, span := tracer.Start(ctx, "Engine.Delete")
	defer span.End()

	plan, err := e.store.DeleteDocument(ctx, documentID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	for modality, ids := range map[vectorindex.Modality][]string{
		vectorindex.ModalityText:  plan.TextEmbeddings,
		vectorindex.ModalityImage: plan.ImageEmbeddings,
		vectorindex.ModalityVideo: plan.VideoEmbeddings,
	} {
		if len(ids) == 0 {
			continue
		}
		if err := e.index.Delete(ctx, modality, ids); err != nil {
			e.logger.Warn("vector cleanup failed",
				zap.String("document_id", documentID),
				zap.String("modality", string(modality)),
				zap.Error(err),
			)
		}
		for _, id := range ids {
			e.cache.Remove(id)
		}
	}

	for _, path := range plan.BlobPaths {
		if err := e.blobs.Delete(ctx, path); err != nil {
			e.logger.Warn("blob cleanup failed",
				zap.String("path", path),
				zap.Error(err),
			)
		}
	}

	return nil
}

// Stats reports per-modality collection counters.
func (e *Engine) Stats(ctx context.Context) (map[string]vectorindex.CollectionStats, error) {
	stats, err := e.index.CollectionStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	out := make(map[string]vectorindex.CollectionStats, len(stats))
	for m, s := range stats {
		out[string(m)] = s
	}
	return out, nil
}

func parseItemKind(contentType string) (metadata.ItemKind, error) {
	switch strings.ToLower(contentType) {
	case "text":
		return metadata.KindChunk, nil
	case "image":
		return metadata.KindImage, nil
	case "video":
		return metadata.KindVideo, nil
	case "keyframe":
		return metadata.KindKeyframe, nil
	}
	return "", fmt.Errorf("%w: unknown content type %q", ErrInvalidRequest, contentType)
}

func contentTypeFor(kind metadata.ItemKind) string {
	if kind == metadata.KindChunk {
		return "text"
	}
	return string(kind)
}

func docTypeFor(kind metadata.ItemKind) metadata.DocType {
	switch kind {
	case metadata.KindChunk:
		return metadata.DocText
	case metadata.KindImage:
		return metadata.DocImage
	default:
		return metadata.DocVideo
	}
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func metaInt(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func metaFloat(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
