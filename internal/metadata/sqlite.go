package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// schema creates all tables. The embedding_id columns and the documents
// content_hash column are promoted to first-class indexed columns; free-form
// metadata stays JSON.
const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id            TEXT PRIMARY KEY,
	filename      TEXT NOT NULL,
	doc_type      TEXT NOT NULL,
	size_bytes    INTEGER NOT NULL DEFAULT 0,
	mime_type     TEXT NOT NULL DEFAULT '',
	content_hash  TEXT NOT NULL,
	metadata      TEXT NOT NULL DEFAULT '{}',
	created_at    TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_content_hash ON documents(content_hash);

CREATE TABLE IF NOT EXISTS chunks (
	id            TEXT PRIMARY KEY,
	document_id   TEXT NOT NULL REFERENCES documents(id),
	chunk_index   INTEGER NOT NULL,
	text          TEXT NOT NULL,
	embedding_id  TEXT NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_embedding_id ON chunks(embedding_id);
CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks(document_id);

CREATE TABLE IF NOT EXISTS images (
	id            TEXT PRIMARY KEY,
	document_id   TEXT NOT NULL REFERENCES documents(id),
	path          TEXT NOT NULL,
	width         INTEGER NOT NULL DEFAULT 0,
	height        INTEGER NOT NULL DEFAULT 0,
	caption       TEXT NOT NULL DEFAULT '',
	embedding_id  TEXT NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_images_embedding_id ON images(embedding_id);
CREATE INDEX IF NOT EXISTS idx_images_document_id ON images(document_id);

CREATE TABLE IF NOT EXISTS videos (
	id            TEXT PRIMARY KEY,
	document_id   TEXT NOT NULL REFERENCES documents(id),
	path          TEXT NOT NULL,
	duration      REAL NOT NULL DEFAULT 0,
	width         INTEGER NOT NULL DEFAULT 0,
	height        INTEGER NOT NULL DEFAULT 0,
	transcription TEXT NOT NULL DEFAULT '',
	caption       TEXT NOT NULL DEFAULT '',
	embedding_id  TEXT NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_videos_embedding_id ON videos(embedding_id);
CREATE INDEX IF NOT EXISTS idx_videos_document_id ON videos(document_id);

CREATE TABLE IF NOT EXISTS keyframes (
	id            TEXT PRIMARY KEY,
	video_id      TEXT NOT NULL REFERENCES videos(id),
	document_id   TEXT NOT NULL REFERENCES documents(id),
	timestamp     REAL NOT NULL DEFAULT 0,
	path          TEXT NOT NULL,
	caption       TEXT NOT NULL DEFAULT '',
	embedding_id  TEXT NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_keyframes_embedding_id ON keyframes(embedding_id);
CREATE INDEX IF NOT EXISTS idx_keyframes_document_id ON keyframes(document_id);

CREATE TABLE IF NOT EXISTS search_sessions (
	id            TEXT PRIMARY KEY,
	query         TEXT NOT NULL,
	modalities    TEXT NOT NULL DEFAULT '[]',
	filters       TEXT,
	results       TEXT NOT NULL DEFAULT '[]',
	bundle        TEXT,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_search_sessions_created_at ON search_sessions(created_at);
`

// timeLayout is fixed-width so stored timestamps order lexically in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using the cgo-free modernc SQLite driver.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. ":memory:" opens a shared in-memory database for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// SQLite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

// PutDocument inserts a document, de-duplicating on content hash.
func (s *SQLiteStore) PutDocument(ctx context.Context, doc *Document) (string, error) {
	if doc.ContentHash == "" {
		return "", fmt.Errorf("document content hash is required")
	}

	var existing string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM documents WHERE content_hash = ?", doc.ContentHash).Scan(&existing)
	switch {
	case err == nil:
		return "", &DuplicateContentError{ExistingID: existing}
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	id := doc.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = nowUTC()
	}
	meta, err := marshalJSON(doc.Metadata)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, filename, doc_type, size_bytes, mime_type, content_hash, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, doc.Filename, string(doc.DocType), doc.SizeBytes, doc.MimeType, doc.ContentHash, meta, createdAt.UTC().Format(timeLayout))
	if err != nil {
		// A concurrent insert can win the hash race; surface it as duplicate.
		if strings.Contains(err.Error(), "UNIQUE") {
			if derr := s.db.QueryRowContext(ctx,
				"SELECT id FROM documents WHERE content_hash = ?", doc.ContentHash).Scan(&existing); derr == nil {
				return "", &DuplicateContentError{ExistingID: existing}
			}
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	doc.ID = id
	doc.CreatedAt = createdAt
	return id, nil
}

func (s *SQLiteStore) scanDocument(row *sql.Row) (*Document, error) {
	var doc Document
	var docType, meta, createdAt string
	err := row.Scan(&doc.ID, &doc.Filename, &docType, &doc.SizeBytes, &doc.MimeType, &doc.ContentHash, &meta, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	doc.DocType = DocType(docType)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt document metadata for %s: %w", doc.ID, err)
		}
	}
	ts, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt document timestamp for %s: %w", doc.ID, err)
	}
	doc.CreatedAt = ts
	return &doc, nil
}

const documentColumns = "id, filename, doc_type, size_bytes, mime_type, content_hash, metadata, created_at"

// GetDocument returns the document or ErrNotFound.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	doc, err := s.scanDocument(s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE id = ?", id))
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return doc, nil
}

// GetDocumentByHash returns (nil, nil) when no document has the hash.
func (s *SQLiteStore) GetDocumentByHash(ctx context.Context, hash string) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE content_hash = ?", hash))
}

func (s *SQLiteStore) documentExists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM documents WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, id)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// PutChunk inserts or updates a text chunk keyed by embedding id.
func (s *SQLiteStore) PutChunk(ctx context.Context, c *Chunk) (string, error) {
	if c.EmbeddingID == "" {
		return "", fmt.Errorf("chunk embedding id is required")
	}
	if err := s.documentExists(ctx, c.DocumentID); err != nil {
		return "", err
	}

	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = nowUTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks (id, document_id, chunk_index, text, embedding_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(embedding_id) DO UPDATE SET
			document_id = excluded.document_id,
			chunk_index = excluded.chunk_index,
			text        = excluded.text`,
		id, c.DocumentID, c.ChunkIndex, c.Text, c.EmbeddingID, createdAt.UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// An upsert keeps the original row id; report the stored one.
	var stored string
	if err := s.db.QueryRowContext(ctx,
		"SELECT id FROM chunks WHERE embedding_id = ?", c.EmbeddingID).Scan(&stored); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	c.ID = stored
	c.CreatedAt = createdAt
	return stored, nil
}

// PutImage inserts or updates an image keyed by embedding id.
func (s *SQLiteStore) PutImage(ctx context.Context, img *Image) (string, error) {
	if img.EmbeddingID == "" {
		return "", fmt.Errorf("image embedding id is required")
	}
	if err := s.documentExists(ctx, img.DocumentID); err != nil {
		return "", err
	}

	id := img.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := img.CreatedAt
	if createdAt.IsZero() {
		createdAt = nowUTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (id, document_id, path, width, height, caption, embedding_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(embedding_id) DO UPDATE SET
			document_id = excluded.document_id,
			path        = excluded.path,
			width       = excluded.width,
			height      = excluded.height,
			caption     = excluded.caption`,
		id, img.DocumentID, img.Path, img.Width, img.Height, img.Caption, img.EmbeddingID, createdAt.UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var stored string
	if err := s.db.QueryRowContext(ctx,
		"SELECT id FROM images WHERE embedding_id = ?", img.EmbeddingID).Scan(&stored); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	img.ID = stored
	img.CreatedAt = createdAt
	return stored, nil
}

// PutVideo inserts or updates a video keyed by embedding id.
func (s *SQLiteStore) PutVideo(ctx context.Context, v *Video) (string, error) {
	if v.EmbeddingID == "" {
		return "", fmt.Errorf("video embedding id is required")
	}
	if err := s.documentExists(ctx, v.DocumentID); err != nil {
		return "", err
	}

	id := v.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = nowUTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO videos (id, document_id, path, duration, width, height, transcription, caption, embedding_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(embedding_id) DO UPDATE SET
			document_id   = excluded.document_id,
			path          = excluded.path,
			duration      = excluded.duration,
			width         = excluded.width,
			height        = excluded.height,
			transcription = excluded.transcription,
			caption       = excluded.caption`,
		id, v.DocumentID, v.Path, v.Duration, v.Width, v.Height, v.Transcription, v.Caption, v.EmbeddingID, createdAt.UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var stored string
	if err := s.db.QueryRowContext(ctx,
		"SELECT id FROM videos WHERE embedding_id = ?", v.EmbeddingID).Scan(&stored); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	v.ID = stored
	v.CreatedAt = createdAt
	return stored, nil
}

// PutKeyframe inserts or updates a keyframe keyed by embedding id. The
// timestamp must fall within the parent video's duration.
func (s *SQLiteStore) PutKeyframe(ctx context.Context, kf *Keyframe) (string, error) {
	if kf.EmbeddingID == "" {
		return "", fmt.Errorf("keyframe embedding id is required")
	}
	if err := s.documentExists(ctx, kf.DocumentID); err != nil {
		return "", err
	}

	var duration float64
	err := s.db.QueryRowContext(ctx, "SELECT duration FROM videos WHERE id = ?", kf.VideoID).Scan(&duration)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: video %s", ErrUnknownDocument, kf.VideoID)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if kf.Timestamp < 0 || kf.Timestamp > duration {
		return "", fmt.Errorf("keyframe timestamp %.3f outside video duration %.3f", kf.Timestamp, duration)
	}

	id := kf.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := kf.CreatedAt
	if createdAt.IsZero() {
		createdAt = nowUTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO keyframes (id, video_id, document_id, timestamp, path, caption, embedding_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(embedding_id) DO UPDATE SET
			video_id    = excluded.video_id,
			document_id = excluded.document_id,
			timestamp   = excluded.timestamp,
			path        = excluded.path,
			caption     = excluded.caption`,
		id, kf.VideoID, kf.DocumentID, kf.Timestamp, kf.Path, kf.Caption, kf.EmbeddingID, createdAt.UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var stored string
	if err := s.db.QueryRowContext(ctx,
		"SELECT id FROM keyframes WHERE embedding_id = ?", kf.EmbeddingID).Scan(&stored); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	kf.ID = stored
	kf.CreatedAt = createdAt
	return stored, nil
}

// GetContentByEmbeddingID joins an embedding id back to its content item and
// document. Returns (nil, nil) when the id is unknown; a missing join is
// expected (dangling vector reference) and never an error.
func (s *SQLiteStore) GetContentByEmbeddingID(ctx context.Context, embeddingID string) (*Content, error) {
	if c, err := s.chunkByEmbedding(ctx, embeddingID); err != nil || c != nil {
		return c, err
	}
	if c, err := s.imageByEmbedding(ctx, embeddingID); err != nil || c != nil {
		return c, err
	}
	if c, err := s.videoByEmbedding(ctx, embeddingID); err != nil || c != nil {
		return c, err
	}
	return s.keyframeByEmbedding(ctx, embeddingID)
}

func (s *SQLiteStore) chunkByEmbedding(ctx context.Context, embeddingID string) (*Content, error) {
	var c Chunk
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, chunk_index, text, embedding_id, created_at
		FROM chunks WHERE embedding_id = ?`, embeddingID).
		Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Text, &c.EmbeddingID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ts, perr := time.Parse(timeLayout, createdAt); perr == nil {
		c.CreatedAt = ts
	}
	doc, err := s.scanDocument(s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE id = ?", c.DocumentID))
	if err != nil || doc == nil {
		return nil, err
	}
	return &Content{Kind: KindChunk, Chunk: &c, Document: doc}, nil
}

func (s *SQLiteStore) imageByEmbedding(ctx context.Context, embeddingID string) (*Content, error) {
	var img Image
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, path, width, height, caption, embedding_id, created_at
		FROM images WHERE embedding_id = ?`, embeddingID).
		Scan(&img.ID, &img.DocumentID, &img.Path, &img.Width, &img.Height, &img.Caption, &img.EmbeddingID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ts, perr := time.Parse(timeLayout, createdAt); perr == nil {
		img.CreatedAt = ts
	}
	doc, err := s.scanDocument(s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE id = ?", img.DocumentID))
	if err != nil || doc == nil {
		return nil, err
	}
	return &Content{Kind: KindImage, Image: &img, Document: doc}, nil
}

func (s *SQLiteStore) videoByEmbedding(ctx context.Context, embeddingID string) (*Content, error) {
	var v Video
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, path, duration, width, height, transcription, caption, embedding_id, created_at
		FROM videos WHERE embedding_id = ?`, embeddingID).
		Scan(&v.ID, &v.DocumentID, &v.Path, &v.Duration, &v.Width, &v.Height, &v.Transcription, &v.Caption, &v.EmbeddingID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ts, perr := time.Parse(timeLayout, createdAt); perr == nil {
		v.CreatedAt = ts
	}
	doc, err := s.scanDocument(s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE id = ?", v.DocumentID))
	if err != nil || doc == nil {
		return nil, err
	}
	return &Content{Kind: KindVideo, Video: &v, Document: doc}, nil
}

func (s *SQLiteStore) keyframeByEmbedding(ctx context.Context, embeddingID string) (*Content, error) {
	var kf Keyframe
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, video_id, document_id, timestamp, path, caption, embedding_id, created_at
		FROM keyframes WHERE embedding_id = ?`, embeddingID).
		Scan(&kf.ID, &kf.VideoID, &kf.DocumentID, &kf.Timestamp, &kf.Path, &kf.Caption, &kf.EmbeddingID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ts, perr := time.Parse(timeLayout, createdAt); perr == nil {
		kf.CreatedAt = ts
	}
	doc, err := s.scanDocument(s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE id = ?", kf.DocumentID))
	if err != nil || doc == nil {
		return nil, err
	}
	return &Content{Kind: KindKeyframe, Keyframe: &kf, Document: doc}, nil
}

// PrimaryContent returns the representative item of a document.
func (s *SQLiteStore) PrimaryContent(ctx context.Context, documentID string) (*Content, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}

	var embeddingID string
	err := s.db.QueryRowContext(ctx, `
		SELECT embedding_id FROM chunks WHERE document_id = ?
		ORDER BY chunk_index ASC LIMIT 1`, documentID).Scan(&embeddingID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if embeddingID == "" {
		err = s.db.QueryRowContext(ctx, `
			SELECT embedding_id FROM images WHERE document_id = ?
			ORDER BY created_at ASC, id ASC LIMIT 1`, documentID).Scan(&embeddingID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	if embeddingID == "" {
		err = s.db.QueryRowContext(ctx, `
			SELECT embedding_id FROM videos WHERE document_id = ?
			ORDER BY created_at ASC, id ASC LIMIT 1`, documentID).Scan(&embeddingID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	if embeddingID == "" {
		return nil, fmt.Errorf("%w: document %s has no content items", ErrNotFound, documentID)
	}

	content, err := s.GetContentByEmbeddingID(ctx, embeddingID)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, fmt.Errorf("%w: document %s has no content items", ErrNotFound, documentID)
	}
	return content, nil
}

// PutSearchSession persists an immutable session record.
func (s *SQLiteStore) PutSearchSession(ctx context.Context, sess *SearchSession) (string, error) {
	id := sess.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = nowUTC()
	}

	modalities, err := json.Marshal(sess.Modalities)
	if err != nil {
		return "", fmt.Errorf("marshal modalities: %w", err)
	}
	results, err := json.Marshal(sess.Results)
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}

	var filters, bundle any
	if len(sess.Filters) > 0 {
		filters = string(sess.Filters)
	}
	if len(sess.Bundle) > 0 {
		bundle = string(sess.Bundle)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO search_sessions (id, query, modalities, filters, results, bundle, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, sess.Query, string(modalities), filters, string(results), bundle, createdAt.UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	sess.ID = id
	sess.CreatedAt = createdAt
	return id, nil
}

func (s *SQLiteStore) scanSession(scan func(dest ...any) error) (*SearchSession, error) {
	var sess SearchSession
	var modalities, results, createdAt string
	var filters, bundle sql.NullString
	if err := scan(&sess.ID, &sess.Query, &modalities, &filters, &results, &bundle, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(modalities), &sess.Modalities); err != nil {
		return nil, fmt.Errorf("corrupt session modalities for %s: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(results), &sess.Results); err != nil {
		return nil, fmt.Errorf("corrupt session results for %s: %w", sess.ID, err)
	}
	if filters.Valid {
		sess.Filters = json.RawMessage(filters.String)
	}
	if bundle.Valid {
		sess.Bundle = json.RawMessage(bundle.String)
	}
	ts, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt session timestamp for %s: %w", sess.ID, err)
	}
	sess.CreatedAt = ts
	return &sess, nil
}

const sessionColumns = "id, query, modalities, filters, results, bundle, created_at"

// GetSearchSession returns the session or ErrNotFound.
func (s *SQLiteStore) GetSearchSession(ctx context.Context, id string) (*SearchSession, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM search_sessions WHERE id = ?", id)
	sess, err := s.scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListRecentSessions returns up to limit sessions, newest first.
func (s *SQLiteStore) ListRecentSessions(ctx context.Context, limit int) ([]*SearchSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM search_sessions ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var sessions []*SearchSession
	for rows.Next() {
		sess, err := s.scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteDocument removes the document and its content items transactionally,
// returning the vector and blob cleanup plan.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, documentID string) (*DeletionPlan, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	if err := tx.QueryRowContext(ctx, "SELECT 1 FROM documents WHERE id = ?", documentID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: document %s", ErrNotFound, documentID)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	plan := &DeletionPlan{DocumentID: documentID}

	collect := func(query string, dest *[]string, paths bool) error {
		rows, err := tx.QueryContext(ctx, query, documentID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		defer rows.Close()
		for rows.Next() {
			var embeddingID string
			var path sql.NullString
			if paths {
				if err := rows.Scan(&embeddingID, &path); err != nil {
					return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
				}
			} else {
				if err := rows.Scan(&embeddingID); err != nil {
					return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
				}
			}
			*dest = append(*dest, embeddingID)
			if path.Valid && path.String != "" {
				plan.BlobPaths = append(plan.BlobPaths, path.String)
			}
		}
		return rows.Err()
	}

	if err := collect("SELECT embedding_id FROM chunks WHERE document_id = ?", &plan.TextEmbeddings, false); err != nil {
		return nil, err
	}
	if err := collect("SELECT embedding_id, path FROM images WHERE document_id = ?", &plan.ImageEmbeddings, true); err != nil {
		return nil, err
	}
	// Keyframes live in the image collection.
	if err := collect("SELECT embedding_id, path FROM keyframes WHERE document_id = ?", &plan.ImageEmbeddings, true); err != nil {
		return nil, err
	}
	if err := collect("SELECT embedding_id, path FROM videos WHERE document_id = ?", &plan.VideoEmbeddings, true); err != nil {
		return nil, err
	}

	for _, stmt := range []string{
		"DELETE FROM keyframes WHERE document_id = ?",
		"DELETE FROM chunks WHERE document_id = ?",
		"DELETE FROM images WHERE document_id = ?",
		"DELETE FROM videos WHERE document_id = ?",
		"DELETE FROM documents WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, documentID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return plan, nil
}

// PruneSessions deletes sessions created before the cutoff.
func (s *SQLiteStore) PruneSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM search_sessions WHERE created_at < ?", olderThan.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// Stats returns row counts per entity.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	for _, q := range []struct {
		table string
		dest  *int64
	}{
		{"documents", &stats.Documents},
		{"chunks", &stats.Chunks},
		{"images", &stats.Images},
		{"videos", &stats.Videos},
		{"keyframes", &stats.Keyframes},
		{"search_sessions", &stats.Sessions},
	} {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+q.table).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return stats, nil
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
