package retrieval

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/retrievald/internal/metadata"
	"github.com/fyrsmithlabs/retrievald/internal/vectorindex"
)

// fakeStore is an in-memory metadata.Store.
type fakeStore struct {
	documents   map[string]*metadata.Document
	byHash      map[string]string
	contents    map[string]*metadata.Content
	primary     map[string]*metadata.Content
	sessions    map[string]*metadata.SearchSession
	plans       map[string]*metadata.DeletionPlan
	failSession bool
	failLookup  bool
	sessionSeq  int
	putChunks   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		documents: map[string]*metadata.Document{},
		byHash:    map[string]string{},
		contents:  map[string]*metadata.Content{},
		primary:   map[string]*metadata.Content{},
		sessions:  map[string]*metadata.SearchSession{},
		plans:     map[string]*metadata.DeletionPlan{},
	}
}

func (f *fakeStore) PutDocument(_ context.Context, doc *metadata.Document) (string, error) {
	if existing, ok := f.byHash[doc.ContentHash]; ok {
		return "", &metadata.DuplicateContentError{ExistingID: existing}
	}
	if doc.ID == "" {
		doc.ID = fmt.Sprintf("doc-%d", len(f.documents)+1)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	f.documents[doc.ID] = doc
	f.byHash[doc.ContentHash] = doc.ID
	return doc.ID, nil
}

func (f *fakeStore) GetDocument(_ context.Context, id string) (*metadata.Document, error) {
	doc, ok := f.documents[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", metadata.ErrNotFound, id)
	}
	return doc, nil
}

func (f *fakeStore) GetDocumentByHash(_ context.Context, hash string) (*metadata.Document, error) {
	if id, ok := f.byHash[hash]; ok {
		return f.documents[id], nil
	}
	return nil, nil
}

func (f *fakeStore) PutChunk(_ context.Context, c *metadata.Chunk) (string, error) {
	if _, ok := f.documents[c.DocumentID]; !ok {
		return "", fmt.Errorf("%w: %s", metadata.ErrUnknownDocument, c.DocumentID)
	}
	f.putChunks++
	if c.ID == "" {
		c.ID = "chunk-" + c.EmbeddingID
	}
	f.contents[c.EmbeddingID] = &metadata.Content{
		Kind: metadata.KindChunk, Chunk: c, Document: f.documents[c.DocumentID],
	}
	return c.ID, nil
}

func (f *fakeStore) PutImage(_ context.Context, img *metadata.Image) (string, error) {
	if img.ID == "" {
		img.ID = "img-" + img.EmbeddingID
	}
	f.contents[img.EmbeddingID] = &metadata.Content{
		Kind: metadata.KindImage, Image: img, Document: f.documents[img.DocumentID],
	}
	return img.ID, nil
}

func (f *fakeStore) PutVideo(_ context.Context, v *metadata.Video) (string, error) {
	if v.ID == "" {
		v.ID = "vid-" + v.EmbeddingID
	}
	f.contents[v.EmbeddingID] = &metadata.Content{
		Kind: metadata.KindVideo, Video: v, Document: f.documents[v.DocumentID],
	}
	return v.ID, nil
}

func (f *fakeStore) PutKeyframe(_ context.Context, kf *metadata.Keyframe) (string, error) {
	if kf.ID == "" {
		kf.ID = "kf-" + kf.EmbeddingID
	}
	f.contents[kf.EmbeddingID] = &metadata.Content{
		Kind: metadata.KindKeyframe, Keyframe: kf, Document: f.documents[kf.DocumentID],
	}
	return kf.ID, nil
}

func (f *fakeStore) GetContentByEmbeddingID(_ context.Context, embeddingID string) (*metadata.Content, error) {
	if f.failLookup {
		return nil, fmt.Errorf("%w: injected failure", metadata.ErrStoreUnavailable)
	}
	return f.contents[embeddingID], nil
}

func (f *fakeStore) PrimaryContent(_ context.Context, documentID string) (*metadata.Content, error) {
	if c, ok := f.primary[documentID]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: document %s", metadata.ErrNotFound, documentID)
}

func (f *fakeStore) PutSearchSession(_ context.Context, s *metadata.SearchSession) (string, error) {
	if f.failSession {
		return "", fmt.Errorf("%w: injected failure", metadata.ErrStoreUnavailable)
	}
	f.sessionSeq++
	s.ID = fmt.Sprintf("session-%d", f.sessionSeq)
	f.sessions[s.ID] = s
	return s.ID, nil
}

func (f *fakeStore) GetSearchSession(_ context.Context, id string) (*metadata.SearchSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", metadata.ErrNotFound, id)
	}
	return s, nil
}

func (f *fakeStore) ListRecentSessions(_ context.Context, limit int) ([]*metadata.SearchSession, error) {
	var out []*metadata.SearchSession
	for _, s := range f.sessions {
		out = append(out, s)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) DeleteDocument(_ context.Context, documentID string) (*metadata.DeletionPlan, error) {
	plan, ok := f.plans[documentID]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", metadata.ErrNotFound, documentID)
	}
	delete(f.documents, documentID)
	return plan, nil
}

func (f *fakeStore) PruneSessions(_ context.Context, _ time.Time) (int64, error) { return 0, nil }

func (f *fakeStore) Stats(_ context.Context) (*metadata.Stats, error) { return &metadata.Stats{}, nil }

func (f *fakeStore) Close() error { return nil }

// addChunk registers a document and chunk joinable via embeddingID.
func (f *fakeStore) addChunk(embeddingID, docID, filename, text string) {
	doc := &metadata.Document{
		ID: docID, Filename: filename, DocType: metadata.DocText,
		ContentHash: "hash-" + docID,
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.documents[docID] = doc
	f.contents[embeddingID] = &metadata.Content{
		Kind: metadata.KindChunk,
		Chunk: &metadata.Chunk{
			ID: "chunk-" + embeddingID, DocumentID: docID, Text: text, EmbeddingID: embeddingID,
		},
		Document: doc,
	}
}

func (f *fakeStore) addImage(embeddingID, docID, filename, caption string) {
	doc := &metadata.Document{
		ID: docID, Filename: filename, DocType: metadata.DocImage,
		ContentHash: "hash-" + docID,
		CreatedAt:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	f.documents[docID] = doc
	f.contents[embeddingID] = &metadata.Content{
		Kind: metadata.KindImage,
		Image: &metadata.Image{
			ID: "img-" + embeddingID, DocumentID: docID, Path: "sha256/ab/" + embeddingID + ".jpg",
			Width: 1920, Height: 1080, Caption: caption, EmbeddingID: embeddingID,
		},
		Document: doc,
	}
}

func (f *fakeStore) addKeyframe(embeddingID, docID, filename, caption string) {
	doc := &metadata.Document{
		ID: docID, Filename: filename, DocType: metadata.DocVideo,
		ContentHash: "hash-" + docID,
		CreatedAt:   time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
	}
	f.documents[docID] = doc
	f.contents[embeddingID] = &metadata.Content{
		Kind: metadata.KindKeyframe,
		Keyframe: &metadata.Keyframe{
			ID: "kf-" + embeddingID, VideoID: "vid-1", DocumentID: docID,
			Timestamp: 5.0, Path: "sha256/cd/" + embeddingID + ".jpg",
			Caption: caption, EmbeddingID: embeddingID,
		},
		Document: doc,
	}
}

// stubIndex is a scriptable vectorindex.Index.
type stubIndex struct {
	hybridFn   func(vector []float32, limit int, modalities []vectorindex.Modality) (*vectorindex.HybridResult, error)
	getFn      func(modality vectorindex.Modality, embeddingID string) (*vectorindex.Record, error)
	upserts    []vectorindex.Record
	deleted    map[vectorindex.Modality][]string
	lastLimit  int
	statsValue map[vectorindex.Modality]vectorindex.CollectionStats
}

func (s *stubIndex) EnsureCollections(context.Context) error { return nil }

func (s *stubIndex) Upsert(_ context.Context, _ vectorindex.Modality, records []vectorindex.Record) error {
	s.upserts = append(s.upserts, records...)
	return nil
}

func (s *stubIndex) Search(context.Context, vectorindex.Modality, []float32, int, float32, *vectorindex.Filter) ([]vectorindex.Hit, error) {
	return nil, nil
}

func (s *stubIndex) SearchHybrid(_ context.Context, vector []float32, limit int, modalities []vectorindex.Modality, _ float32, _ *vectorindex.Filter) (*vectorindex.HybridResult, error) {
	s.lastLimit = limit
	if s.hybridFn == nil {
		return &vectorindex.HybridResult{}, nil
	}
	return s.hybridFn(vector, limit, modalities)
}

func (s *stubIndex) Get(_ context.Context, modality vectorindex.Modality, embeddingID string) (*vectorindex.Record, error) {
	if s.getFn == nil {
		return nil, nil
	}
	return s.getFn(modality, embeddingID)
}

func (s *stubIndex) Delete(_ context.Context, modality vectorindex.Modality, ids []string) error {
	if s.deleted == nil {
		s.deleted = map[vectorindex.Modality][]string{}
	}
	s.deleted[modality] = append(s.deleted[modality], ids...)
	return nil
}

func (s *stubIndex) CollectionStats(context.Context) (map[vectorindex.Modality]vectorindex.CollectionStats, error) {
	return s.statsValue, nil
}

func (s *stubIndex) Close() error { return nil }

// stubBlobs mints deterministic artifact URLs.
type stubBlobs struct {
	deleted []string
}

func (s *stubBlobs) Put(context.Context, string, io.Reader, int64, string) error {
	return nil
}

func (s *stubBlobs) URLFor(_ context.Context, path string) (string, error) {
	return "/artifacts/" + path, nil
}

func (s *stubBlobs) Delete(_ context.Context, path string) error {
	s.deleted = append(s.deleted, path)
	return nil
}

// stubEmbedder returns a fixed vector.
type stubEmbedder struct {
	vector   []float32
	degraded bool
}

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, bool) {
	if s.degraded {
		return make([]float32, len(s.vector)), true
	}
	return s.vector, false
}

func unitVector(dim int) []float32 {
	v := make([]float32, dim)
	v[0] = 1
	return v
}

func newTestEngine(t *testing.T, store metadata.Store, index vectorindex.Index, embedder Embedder) (*Engine, *stubBlobs) {
	t.Helper()
	blobs := &stubBlobs{}
	engine := NewEngine(store, index, blobs, embedder, Config{}, zap.NewNop(), NewMetrics(nil))
	return engine, blobs
}

func textHit(id string, score float32) vectorindex.Hit {
	return vectorindex.Hit{
		EmbeddingID: id, Score: score, Modality: vectorindex.ModalityText,
		Payload: map[string]any{"content_type": "text"},
	}
}

func intPtr(n int) *int           { return &n }
func floatPtr(f float64) *float64 { return &f }

func TestSearchPureText(t *testing.T) {
	store := newFakeStore()
	store.addChunk("e1", "d1", "a.txt", "hello world")

	index := &stubIndex{
		hybridFn: func(_ []float32, _ int, _ []vectorindex.Modality) (*vectorindex.HybridResult, error) {
			return &vectorindex.HybridResult{Hits: []vectorindex.Hit{textHit("e1", 1.0)}}, nil
		},
	}

	engine, _ := newTestEngine(t, store, index, &stubEmbedder{vector: unitVector(384)})

	res, err := engine.Search(context.Background(), SearchRequest{
		Query:          "hello",
		Modalities:     []string{"text"},
		Limit:          intPtr(5),
		ScoreThreshold: floatPtr(0.0),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.ResultsCount)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "e1", res.Results[0].EmbeddingID)
	assert.InDelta(t, 1.0, res.Results[0].Score, 1e-9)
	assert.Equal(t, "text", res.Results[0].ContentType)
	assert.Equal(t, "a.txt", res.Results[0].Filename)
	assert.Contains(t, res.ContextBundle.UnifiedContext, "[1]")
	assert.Contains(t, res.ContextBundle.UnifiedContext, "Source: a.txt")
	require.NotNil(t, res.SessionID)
	assert.NotEmpty(t, *res.SessionID)
	assert.Equal(t, res.ResultsCount, res.ContextBundle.TotalResults)
}

func TestSearchCrossModalRanking(t *testing.T) {
	store := newFakeStore()
	store.addChunk("e1", "d1", "a.txt", "text content")
	store.addImage("e2", "d2", "b.jpg", "image caption")
	store.addKeyframe("e3", "d3", "c.mp4", "keyframe caption")

	index := &stubIndex{
		hybridFn: func(_ []float32, _ int, _ []vectorindex.Modality) (*vectorindex.HybridResult, error) {
			return &vectorindex.HybridResult{Hits: []vectorindex.Hit{
				textHit("e1", 0.95),
				{EmbeddingID: "e2", Score: 0.87, Modality: vectorindex.ModalityImage},
				{EmbeddingID: "e3", Score: 0.82, Modality: vectorindex.ModalityImage},
			}}, nil
		},
	}

	engine, _ := newTestEngine(t, store, index, &stubEmbedder{vector: unitVector(384)})

	res, err := engine.Search(context.Background(), SearchRequest{
		Query:          "query",
		ScoreThreshold: floatPtr(0.0),
	})
	require.NoError(t, err)

	require.Len(t, res.Results, 3)
	assert.Equal(t, "e1", res.Results[0].EmbeddingID)
	assert.Equal(t, "e2", res.Results[1].EmbeddingID)
	assert.Equal(t, "e3", res.Results[2].EmbeddingID)

	require.Len(t, res.ContextBundle.Sections, 3)
	assert.Equal(t, "text", res.ContextBundle.Sections[0].Type)
	assert.Equal(t, "image", res.ContextBundle.Sections[1].Type)
	assert.Equal(t, "keyframe", res.ContextBundle.Sections[2].Type)
	assert.Contains(t, res.ContextBundle.Sections[2].Content, "[KF-1]")
}

func TestSearchEmbeddingDegraded(t *testing.T) {
	store := newFakeStore()
	index := &stubIndex{
		hybridFn: func(vector []float32, _ int, _ []vectorindex.Modality) (*vectorindex.HybridResult, error) {
			for _, v := range vector {
				assert.Zero(t, v)
			}
			return &vectorindex.HybridResult{}, nil
		},
	}

	engine, _ := newTestEngine(t, store, index, &stubEmbedder{vector: unitVector(384), degraded: true})

	res, err := engine.Search(context.Background(), SearchRequest{Query: "query"})
	require.NoError(t, err)

	assert.True(t, res.Metadata.Flags.EmbeddingDegraded)
	assert.Zero(t, res.ResultsCount)
	require.NotNil(t, res.SessionID)
}

func TestSearchPartialModalities(t *testing.T) {
	store := newFakeStore()
	store.addChunk("e1", "d1", "a.txt", "text content")
	store.addImage("e2", "d2", "b.jpg", "image caption")

	index := &stubIndex{
		hybridFn: func(_ []float32, _ int, _ []vectorindex.Modality) (*vectorindex.HybridResult, error) {
			return &vectorindex.HybridResult{
				Hits: []vectorindex.Hit{
					textHit("e1", 0.9),
					{EmbeddingID: "e2", Score: 0.8, Modality: vectorindex.ModalityImage},
				},
				Failed: []vectorindex.Modality{vectorindex.ModalityVideo},
			}, nil
		},
	}

	engine, _ := newTestEngine(t, store, index, &stubEmbedder{vector: unitVector(384)})

	res, err := engine.Search(context.Background(), SearchRequest{
		Query:          "query",
		ScoreThreshold: floatPtr(0.0),
	})
	require.NoError(t, err)

	assert.True(t, res.Metadata.Flags.PartialModalities)
	assert.Equal(t, 2, res.ResultsCount)
}

func TestSearchAllModalitiesFailed(t *testing.T) {
	store := newFakeStore()
	index := &stubIndex{
		hybridFn: func(_ []float32, _ int, _ []vectorindex.Modality) (*vectorindex.HybridResult, error) {
			return nil, fmt.Errorf("%w: all searches failed", vectorindex.ErrUnavailable)
		},
	}

	engine, _ := newTestEngine(t, store, index, &stubEmbedder{vector: unitVector(384)})

	_, err := engine.Search(context.Background(), SearchRequest{Query: "query"})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestSearchDanglingReferenceTolerated(t *testing.T) {
	store := newFakeStore() // no content registered for e1

	index := &stubIndex{
		hybridFn: func(_ []float32, _ int, _ []vectorindex.Modality) (*vectorindex.HybridResult, error) {
			return &vectorindex.HybridResult{Hits: []vectorindex.Hit{textHit("e1", 0.9)}}, nil
		},
	}

	engine, _ := newTestEngine(t, store, index, &stubEmbedder{vector: unitVector(384)})

	res, err := engine.Search(context.Background(), SearchRequest{
		Query:          "query",
		ScoreThreshold: floatPtr(0.0),
	})
	require.NoError(t, err)
	assert.Zero(t, res.ResultsCount)
	assert.False(t, res.Metadata.Flags.PartialModalities)
}

func TestSearchEnrichmentErrorSkipsHit(t *testing.T) {
	store := newFakeStore()
	store.failLookup = true

	index := &stubIndex{
		hybridFn: func(_ []float32, _ int, _ []vectorindex.Modality) (*vectorindex.HybridResult, error) {
			return &vectorindex.HybridResult{Hits: []vectorindex.Hit{textHit("e1", 0.9)}}, nil
		},
	}

	engine, _ := newTestEngine(t, store, index, &stubEmbedder{vector: unitVector(384)})

	res, err := engine.Search(context.Background(), SearchRequest{Query: "query"})
	require.NoError(t, err)
	assert.Zero(t, res.ResultsCount)
}

func TestSearchSessionWriteFailure(t *testing.T) {
	store := newFakeStore()
	store.failSession = true
	store.addChunk("e1", "d1", "a.txt", "text")

	index := &stubIndex{
		hybridFn: func(_ []float32, _ int, _ []vectorindex.Modality) (*vectorindex.HybridResult, error) {
			return &vectorindex.HybridResult{Hits: []vectorindex.Hit{textHit("e1", 0.9)}}, nil
		},
	}

	engine, _ := newTestEngine(t, store, index, &stubEmbedder{vector: unitVector(384)})

	res, err := engine.Search(context.Background(), SearchRequest{
		Query:          "query",
		ScoreThreshold: floatPtr(0.0),
	})
	require.NoError(t, err)

	assert.Nil(t, res.SessionID)
	assert.NotEmpty(t, res.Metadata.SessionError)
	assert.Equal(t, 1, res.ResultsCount)
}

func TestSearchValidation(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeStore(), &stubIndex{}, &stubEmbedder{vector: unitVector(384)})

	tests := []struct {
		name string
		req  SearchRequest
		want error
	}{
		{"empty query", SearchRequest{Query: "   "}, ErrInvalidQuery},
		{"unknown modality", SearchRequest{Query: "q", Modalities: []string{"audio"}}, ErrInvalidRequest},
		{"negative limit", SearchRequest{Query: "q", Limit: intPtr(-1)}, ErrInvalidRequest},
		{"threshold above one", SearchRequest{Query: "q", ScoreThreshold: floatPtr(1.5)}, ErrInvalidRequest},
		{"oversized query", SearchRequest{Query: strings.Repeat("a", 10000)}, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Search(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSearchLimitClampAndOverfetch(t *testing.T) {
	index := &stubIndex{
		hybridFn: func(_ []float32, limit int, _ []vectorindex.Modality) (*vectorindex.HybridResult, error) {
			return &vectorindex.HybridResult{}, nil
		},
	}
	engine, _ := newTestEngine(t, newFakeStore(), index, &stubEmbedder{vector: unitVector(384)})

	_, err := engine.Search(context.Background(), SearchRequest{Query: "q", Limit: intPtr(200)})
	require.NoError(t, err)

	// Limit is clamped to the configured max (100) and over-fetched 2x.
	assert.Equal(t, 200, index.lastLimit)
}

func TestSearchLimitZero(t *testing.T) {
	index := &stubIndex{
		hybridFn: func(_ []float32, _ int, _ []vectorindex.Modality) (*vectorindex.HybridResult, error) {
			t.Fatal("index must not be called for limit 0")
			return nil, nil
		},
	}
	engine, _ := newTestEngine(t, newFakeStore(), index, &stubEmbedder{vector: unitVector(384)})

	res, err := engine.Search(context.Background(), SearchRequest{Query: "q", Limit: intPtr(0)})
	require.NoError(t, err)

	assert.Empty(t, res.Results)
	assert.Contains(t, res.ContextBundle.UnifiedContext, "# Search Results for: q")
	assert.Empty(t, res.ContextBundle.Sections)
}

func TestSearchTruncatesToLimit(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("e%d", i)
		store.addChunk(id, fmt.Sprintf("d%d", i), "f.txt", "chunk")
	}

	index := &stubIndex{
		hybridFn: func(_ []float32, _ int, _ []vectorindex.Modality) (*vectorindex.HybridResult, error) {
			hits := make([]vectorindex.Hit, 6)
			for i := range hits {
				hits[i] = textHit(fmt.Sprintf("e%d", i), float32(0.9)-float32(i)*0.01)
			}
			return &vectorindex.HybridResult{Hits: hits}, nil
		},
	}

	engine, _ := newTestEngine(t, store, index, &stubEmbedder{vector: unitVector(384)})

	res, err := engine.Search(context.Background(), SearchRequest{
		Query:          "q",
		Limit:          intPtr(3),
		ScoreThreshold: floatPtr(0.0),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.ResultsCount)
	// Scores non-increasing.
	for i := 1; i < len(res.Results); i++ {
		assert.GreaterOrEqual(t, res.Results[i-1].Score, res.Results[i].Score)
	}
}

func TestRankTieBreakIsTotal(t *testing.T) {
	results := []Result{
		{EmbeddingID: "b", Score: 0.9, Modality: "image", DocumentID: "d2", itemID: "i2"},
		{EmbeddingID: "a", Score: 0.9, Modality: "text", DocumentID: "d1", itemID: "i1"},
		{EmbeddingID: "c", Score: 0.9, Modality: "text", DocumentID: "d1", itemID: "i0"},
	}

	rank(results, vectorindex.AllModalities)

	assert.Equal(t, "c", results[0].EmbeddingID) // text before image, i0 before i1
	assert.Equal(t, "a", results[1].EmbeddingID)
	assert.Equal(t, "b", results[2].EmbeddingID)
}

func TestApplyFilters(t *testing.T) {
	jan1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jun1 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	results := []Result{
		{EmbeddingID: "a", Score: 0.95, ContentType: "text", FileType: "text", createdAt: jan1},
		{EmbeddingID: "b", Score: 0.87, ContentType: "image", FileType: "image", createdAt: jun1},
		{EmbeddingID: "c", Score: 0.75, ContentType: "text", FileType: "text", createdAt: jun1},
	}

	t.Run("content types", func(t *testing.T) {
		out := applyFilters(append([]Result(nil), results...), &Filters{ContentTypes: []string{"text"}})
		require.Len(t, out, 2)
	})

	t.Run("file types and min score", func(t *testing.T) {
		out := applyFilters(append([]Result(nil), results...), &Filters{
			FileTypes: []string{"text"},
			MinScore:  floatPtr(0.8),
		})
		require.Len(t, out, 1)
		assert.Equal(t, "a", out[0].EmbeddingID)
	})

	t.Run("date range", func(t *testing.T) {
		out := applyFilters(append([]Result(nil), results...), &Filters{
			DateRange: &DateRange{GTE: "2024-02-01", LTE: "2024-12-31"},
		})
		require.Len(t, out, 2)
	})

	t.Run("no filters", func(t *testing.T) {
		out := applyFilters(append([]Result(nil), results...), nil)
		assert.Len(t, out, 3)
	})
}

func TestSearchSimilar(t *testing.T) {
	store := newFakeStore()
	store.addChunk("e1", "d1", "a.txt", "representative chunk")
	store.primary["d1"] = store.contents["e1"]
	store.addChunk("e2", "d2", "b.txt", "neighbor")

	index := &stubIndex{
		getFn: func(m vectorindex.Modality, id string) (*vectorindex.Record, error) {
			assert.Equal(t, vectorindex.ModalityText, m)
			assert.Equal(t, "e1", id)
			return &vectorindex.Record{EmbeddingID: "e1", Vector: unitVector(384)}, nil
		},
		hybridFn: func(_ []float32, _ int, _ []vectorindex.Modality) (*vectorindex.HybridResult, error) {
			return &vectorindex.HybridResult{Hits: []vectorindex.Hit{textHit("e2", 0.88)}}, nil
		},
	}

	engine, _ := newTestEngine(t, store, index, &stubEmbedder{vector: unitVector(384)})

	res, err := engine.SearchSimilar(context.Background(), "d1", intPtr(5), floatPtr(0.0))
	require.NoError(t, err)

	require.Len(t, res.Results, 1)
	assert.Equal(t, "e2", res.Results[0].EmbeddingID)
}

func TestSearchSimilarUnknownDocument(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeStore(), &stubIndex{}, &stubEmbedder{vector: unitVector(384)})

	_, err := engine.SearchSimilar(context.Background(), "missing", nil, nil)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestSearchSimilarMissingVector(t *testing.T) {
	store := newFakeStore()
	store.addChunk("e1", "d1", "a.txt", "chunk")
	store.primary["d1"] = store.contents["e1"]

	index := &stubIndex{} // Get returns nil

	engine, _ := newTestEngine(t, store, index, &stubEmbedder{vector: unitVector(384)})

	res, err := engine.SearchSimilar(context.Background(), "d1", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Results)
}

func TestIndexIdempotent(t *testing.T) {
	store := newFakeStore()
	index := &stubIndex{}
	engine, _ := newTestEngine(t, store, index, &stubEmbedder{vector: unitVector(384)})

	req := IndexRequest{
		ContentID:   "x",
		ContentType: "text",
		Content:     "hi",
		Embeddings:  unitVector(384),
	}

	first, err := engine.Index(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, first.VectorIDs)
	assert.False(t, first.AlreadyExists)

	second, err := engine.Index(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.VectorIDs, second.VectorIDs)
	assert.True(t, second.AlreadyExists)

	// Both calls upsert the same embedding id.
	require.Len(t, index.upserts, 2)
	assert.Equal(t, index.upserts[0].EmbeddingID, index.upserts[1].EmbeddingID)
}

func TestIndexValidation(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeStore(), &stubIndex{}, &stubEmbedder{vector: unitVector(384)})

	_, err := engine.Index(context.Background(), IndexRequest{ContentType: "text", Content: "x", Embeddings: unitVector(384)})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = engine.Index(context.Background(), IndexRequest{ContentID: "x", ContentType: "audio", Content: "x", Embeddings: unitVector(384)})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = engine.Index(context.Background(), IndexRequest{ContentID: "x", ContentType: "keyframe", Content: "x", Embeddings: unitVector(384)})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDelete(t *testing.T) {
	store := newFakeStore()
	store.documents["d1"] = &metadata.Document{ID: "d1"}
	store.plans["d1"] = &metadata.DeletionPlan{
		DocumentID:      "d1",
		TextEmbeddings:  []string{"e1"},
		ImageEmbeddings: []string{"e2", "e3"},
		BlobPaths:       []string{"sha256/ab/blob.jpg"},
	}

	index := &stubIndex{}
	engine, blobs := newTestEngine(t, store, index, &stubEmbedder{vector: unitVector(384)})

	require.NoError(t, engine.Delete(context.Background(), "d1"))

	assert.Equal(t, []string{"e1"}, index.deleted[vectorindex.ModalityText])
	assert.Equal(t, []string{"e2", "e3"}, index.deleted[vectorindex.ModalityImage])
	assert.Equal(t, []string{"sha256/ab/blob.jpg"}, blobs.deleted)

	err := engine.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestStats(t *testing.T) {
	index := &stubIndex{
		statsValue: map[vectorindex.Modality]vectorindex.CollectionStats{
			vectorindex.ModalityText: {
				VectorsCount: 10, PointsCount: 10,
				Config: vectorindex.CollectionConfig{VectorSize: 384, Distance: "Cosine"},
			},
		},
	}
	engine, _ := newTestEngine(t, newFakeStore(), index, &stubEmbedder{vector: unitVector(384)})

	stats, err := engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), stats["text"].VectorsCount)
	assert.Equal(t, 384, stats["text"].Config.VectorSize)
}

func TestSearchDeterministicBundle(t *testing.T) {
	store := newFakeStore()
	store.addChunk("e1", "d1", "a.txt", "alpha")
	store.addImage("e2", "d2", "b.jpg", "beta")

	hybrid := func(_ []float32, _ int, _ []vectorindex.Modality) (*vectorindex.HybridResult, error) {
		return &vectorindex.HybridResult{Hits: []vectorindex.Hit{
			textHit("e1", 0.9),
			{EmbeddingID: "e2", Score: 0.8, Modality: vectorindex.ModalityImage},
		}}, nil
	}

	engine, _ := newTestEngine(t, store, &stubIndex{hybridFn: hybrid}, &stubEmbedder{vector: unitVector(384)})

	req := SearchRequest{Query: "same", ScoreThreshold: floatPtr(0.0)}
	first, err := engine.Search(context.Background(), req)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := engine.Search(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.ContextBundle.UnifiedContext, again.ContextBundle.UnifiedContext)
	}
}
