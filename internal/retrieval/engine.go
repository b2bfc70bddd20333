// Package retrieval orchestrates the vector index, embedding client,
// metadata store, and blob store to answer multimodal searches.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/retrievald/internal/blobstore"
	"github.com/fyrsmithlabs/retrievald/internal/bundle"
	"github.com/fyrsmithlabs/retrievald/internal/metadata"
	"github.com/fyrsmithlabs/retrievald/internal/vectorindex"
)

// Tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("retrievald.retrieval")

// Embedder turns a query string into a query vector. The bool reports
// degradation: a zero vector returned because the worker was unreachable.
type Embedder interface {
	Embed(ctx context.Context, query string) ([]float32, bool)
}

// Config holds retrieval engine settings.
type Config struct {
	DefaultLimit        int
	MaxLimit            int
	SimilarityThreshold float64
	MaxQueryBytes       int

	EnrichmentTimeout     time.Duration
	EnrichmentConcurrency int64
	SessionWriteTimeout   time.Duration

	CacheSize int
	CacheTTL  time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.DefaultLimit == 0 {
		c.DefaultLimit = 10
	}
	if c.MaxLimit == 0 {
		c.MaxLimit = 100
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.7
	}
	if c.MaxQueryBytes == 0 {
		c.MaxQueryBytes = 8192
	}
	if c.EnrichmentTimeout == 0 {
		c.EnrichmentTimeout = time.Second
	}
	if c.EnrichmentConcurrency == 0 {
		c.EnrichmentConcurrency = 16
	}
	if c.SessionWriteTimeout == 0 {
		c.SessionWriteTimeout = 500 * time.Millisecond
	}
	if c.CacheSize == 0 {
		c.CacheSize = 10000
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Minute
	}
}

// Engine answers searches. It is stateless per request; the only per-process
// state is the enrichment cache and the concurrency bounds.
type Engine struct {
	store    metadata.Store
	index    vectorindex.Index
	blobs    blobstore.Store
	embedder Embedder
	config   Config
	logger   *zap.Logger
	metrics  *Metrics

	// cache is the read-through embedding-id join cache. Never
	// written-behind; stale entries within the TTL are tolerated because the
	// assembler tolerates missing joins.
	cache     *expirable.LRU[string, *metadata.Content]
	enrichSem *semaphore.Weighted

	now func() time.Time
}

// NewEngine wires the engine with its four collaborators: metadata store,
// vector index, blob store and embedder. The clock is not a parameter; the
// engine reads time.Now.
func NewEngine(store metadata.Store, index vectorindex.Index, blobs blobstore.Store, embedder Embedder, cfg Config, logger *zap.Logger, metrics *Metrics) *Engine {
	cfg.ApplyDefaults()
	return &Engine{
		store:     store,
		index:     index,
		blobs:     blobs,
		embedder:  embedder,
		config:    cfg,
		logger:    logger,
		metrics:   metrics,
		cache:     expirable.NewLRU[string, *metadata.Content](cfg.CacheSize, nil, cfg.CacheTTL),
		enrichSem: semaphore.NewWeighted(cfg.EnrichmentConcurrency),
		now:       time.Now,
	}
}

// Search embeds the query, fans out across the requested modalities,
// enriches and ranks the hits, assembles the context bundle, and persists
// the session best-effort.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	start := e.now()
	ctx, span := tracer.Start(ctx, "Engine.Search")
	defer span.End()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query cannot be empty", ErrInvalidQuery)
	}
	if len(query) > e.config.MaxQueryBytes {
		return nil, fmt.Errorf("%w: query exceeds %d bytes", ErrInvalidRequest, e.config.MaxQueryBytes)
	}

	modalities, err := parseModalities(req.Modalities)
	if err != nil {
		return nil, err
	}
	limit, err := e.resolveLimit(req.Limit)
	if err != nil {
		return nil, err
	}
	floor, err := e.resolveThreshold(req.ScoreThreshold)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("limit", limit),
		attribute.Int("modality_count", len(modalities)),
	)

	vec, degraded := e.embedder.Embed(ctx, query)
	flags := Flags{EmbeddingDegraded: degraded}
	if degraded {
		e.metrics.recordDegraded()
	}

	res, err := e.searchWithVector(ctx, start, query, vec, modalities, limit, floor, req.Filters, flags)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.observeSearch("error", start)
		return nil, err
	}

	e.metrics.observeSearch("ok", start)
	span.SetAttributes(attribute.Int("results_count", res.ResultsCount))
	span.SetStatus(codes.Ok, "success")
	return res, nil
}

// SearchSimilar searches with the vector of the document's representative
// content item: the primary text chunk if present, else the first image,
// else the first video. No embedding call is made.
func (e *Engine) SearchSimilar(ctx context.Context, documentID string, limitArg *int, thresholdArg *float64) (*SearchResult, error) {
	start := e.now()
	ctx, span := tracer.Start(ctx, "Engine.SearchSimilar")
	defer span.End()

	limit, err := e.resolveLimit(limitArg)
	if err != nil {
		return nil, err
	}
	floor, err := e.resolveThreshold(thresholdArg)
	if err != nil {
		return nil, err
	}

	content, err := e.store.PrimaryContent(ctx, documentID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	modality := modalityForKind(content.Kind)
	rec, err := e.index.Get(ctx, modality, content.EmbeddingID())
	if err != nil {
		e.metrics.observeSearch("error", start)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	query := "similar:" + documentID
	if rec == nil || len(rec.Vector) == 0 {
		// The representative vector is gone; tolerate the dangling reference
		// and answer with an empty set.
		res := e.emptyResult(ctx, start, query, vectorindex.AllModalities, floor)
		e.metrics.observeSearch("ok", start)
		return res, nil
	}

	res, err := e.searchWithVector(ctx, start, query, rec.Vector, vectorindex.AllModalities, limit, floor, nil, Flags{})
	if err != nil {
		e.metrics.observeSearch("error", start)
		return nil, err
	}
	e.metrics.observeSearch("ok", start)
	span.SetStatus(codes.Ok, "success")
	return res, nil
}

// searchWithVector runs fan-out, enrichment, filtering, ranking, bundle
// assembly, and session persistence for an already-resolved query vector.
func (e *Engine) searchWithVector(ctx context.Context, start time.Time, query string, vec []float32, modalities []vectorindex.Modality, limit int, floor float64, filters *Filters, flags Flags) (*SearchResult, error) {
	results := []Result{}

	if limit > 0 {
		// Over-fetch 2x per modality to survive enrichment drops and
		// payload-level filtering.
		hybrid, err := e.index.SearchHybrid(ctx, vec, 2*limit, modalities, float32(floor), pushdownFilter(filters))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		if len(hybrid.Failed) > 0 {
			flags.PartialModalities = true
			e.metrics.recordPartial()
		}

		results = e.enrich(ctx, hybrid.Hits)
		results = applyFilters(results, filters)
		rank(results, modalities)
		if len(results) > limit {
			results = results[:limit]
		}
		e.attachArtifacts(ctx, results)
	}

	b := bundle.Assemble(query, bundleItems(results))

	applied := filters
	if applied.empty() {
		applied = nil
	}

	res := &SearchResult{
		Query:         query,
		Modalities:    modalityStrings(modalities),
		ResultsCount:  len(results),
		Results:       results,
		ContextBundle: b,
		Metadata: ResultMetadata{
			SearchTimestamp: start.UTC().Format(time.RFC3339Nano),
			FiltersApplied:  applied,
			ScoreThreshold:  floor,
			Flags:           flags,
		},
	}

	e.persistSession(ctx, res)
	return res, nil
}

// emptyResult builds a zero-hit result, still assembling a bundle and
// persisting the session.
func (e *Engine) emptyResult(ctx context.Context, start time.Time, query string, modalities []vectorindex.Modality, floor float64) *SearchResult {
	res := &SearchResult{
		Query:         query,
		Modalities:    modalityStrings(modalities),
		Results:       []Result{},
		ContextBundle: bundle.Assemble(query, nil),
		Metadata: ResultMetadata{
			SearchTimestamp: start.UTC().Format(time.RFC3339Nano),
			ScoreThreshold:  floor,
		},
	}
	e.persistSession(ctx, res)
	return res
}

func (e *Engine) resolveLimit(limit *int) (int, error) {
	if limit == nil {
		return e.config.DefaultLimit, nil
	}
	if *limit < 0 {
		return 0, fmt.Errorf("%w: limit cannot be negative", ErrInvalidRequest)
	}
	if *limit > e.config.MaxLimit {
		return e.config.MaxLimit, nil
	}
	return *limit, nil
}

func (e *Engine) resolveThreshold(threshold *float64) (float64, error) {
	if threshold == nil {
		return e.config.SimilarityThreshold, nil
	}
	if *threshold < 0 || *threshold > 1 {
		return 0, fmt.Errorf("%w: score threshold must be in [0, 1]", ErrInvalidRequest)
	}
	return *threshold, nil
}

func parseModalities(names []string) ([]vectorindex.Modality, error) {
	if len(names) == 0 {
		return vectorindex.AllModalities, nil
	}
	out := make([]vectorindex.Modality, 0, len(names))
	seen := make(map[vectorindex.Modality]bool, len(names))
	for _, name := range names {
		m, err := vectorindex.ParseModality(name)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown modality %q", ErrInvalidRequest, name)
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out, nil
}

func modalityStrings(modalities []vectorindex.Modality) []string {
	out := make([]string, len(modalities))
	for i, m := range modalities {
		out[i] = string(m)
	}
	return out
}

func modalityForKind(kind metadata.ItemKind) vectorindex.Modality {
	switch kind {
	case metadata.KindChunk:
		return vectorindex.ModalityText
	case metadata.KindVideo:
		return vectorindex.ModalityVideo
	default:
		// Images and keyframes share the image collection.
		return vectorindex.ModalityImage
	}
}

// pushdownFilter converts the content-type filter into an index-level
// payload condition. The remaining filters need enriched rows and are
// applied after the join.
func pushdownFilter(f *Filters) *vectorindex.Filter {
	if f == nil || len(f.ContentTypes) == 0 {
		return nil
	}
	return &vectorindex.Filter{Must: []vectorindex.Condition{
		{Key: "content_type", OneOf: f.ContentTypes},
	}}
}

// enrich joins each hit to its content item and document under the
// enrichment concurrency bound. Hits whose metadata is missing are dropped
// silently: dangling vector references are expected after deletions.
func (e *Engine) enrich(ctx context.Context, hits []vectorindex.Hit) []Result {
	if len(hits) == 0 {
		return []Result{}
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.EnrichmentTimeout)
	defer cancel()

	// One branch per hit under the enrichment semaphore; a failed join fills
	// its slot with nil rather than failing the group.
	slots := make([]*Result, len(hits))
	g := errgroup.Group{}
	for i, h := range hits {
		g.Go(func() error {
			if err := e.enrichSem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer e.enrichSem.Release(1)

			content := e.lookupContent(ctx, h.EmbeddingID)
			if content == nil {
				e.metrics.recordEnrichMiss()
				return nil
			}
			r := buildResult(h, content)
			slots[i] = &r
			return nil
		})
	}
	_ = g.Wait()

	results := make([]Result, 0, len(hits))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	return results
}

// lookupContent reads through the LRU cache. Store errors are recovered
// locally by skipping the hit.
func (e *Engine) lookupContent(ctx context.Context, embeddingID string) *metadata.Content {
	if content, ok := e.cache.Get(embeddingID); ok {
		return content
	}
	content, err := e.store.GetContentByEmbeddingID(ctx, embeddingID)
	if err != nil {
		e.logger.Warn("enrichment lookup failed",
			zap.String("embedding_id", embeddingID),
			zap.Error(err),
		)
		return nil
	}
	if content == nil {
		return nil
	}
	e.cache.Add(embeddingID, content)
	return content
}

func buildResult(h vectorindex.Hit, content *metadata.Content) Result {
	doc := content.Document
	r := Result{
		EmbeddingID: h.EmbeddingID,
		Score:       float64(h.Score),
		Modality:    string(h.Modality),
		ContentType: string(content.Kind),
		DocumentID:  doc.ID,
		Filename:    doc.Filename,
		FileType:    string(doc.DocType),
		Metadata:    doc.Metadata,
		Citations: bundle.Citation{
			Source:     doc.Filename,
			Type:       string(content.Kind),
			DocumentID: doc.ID,
			CreatedAt:  doc.CreatedAt.UTC().Format(time.RFC3339),
		},
		itemID:    content.ItemID(),
		createdAt: doc.CreatedAt,
	}

	switch content.Kind {
	case metadata.KindChunk:
		r.ContentType = "text"
		r.Content = content.Chunk.Text
		r.Citations.Type = "text"
	case metadata.KindImage:
		r.Content = content.Image.Caption
		r.width = content.Image.Width
		r.height = content.Image.Height
		r.path = content.Image.Path
	case metadata.KindVideo:
		r.Content = content.Video.Transcription
		r.duration = content.Video.Duration
		r.path = content.Video.Path
	case metadata.KindKeyframe:
		r.Content = content.Keyframe.Caption
		r.timestamp = content.Keyframe.Timestamp
		r.path = content.Keyframe.Path
	}
	return r
}

// applyFilters applies the payload-level conjunction that could not be
// pushed into the index.
func applyFilters(results []Result, f *Filters) []Result {
	if f.empty() {
		return results
	}

	contentTypes := toSet(f.ContentTypes)
	fileTypes := toSet(f.FileTypes)
	gte, lte := parseDateRange(f.DateRange)

	out := results[:0]
	for _, r := range results {
		if len(contentTypes) > 0 && !contentTypes[r.ContentType] {
			continue
		}
		if len(fileTypes) > 0 && !fileTypes[r.FileType] {
			continue
		}
		if f.MinScore != nil && r.Score < *f.MinScore {
			continue
		}
		if gte != nil && r.createdAt.Before(*gte) {
			continue
		}
		if lte != nil && r.createdAt.After(*lte) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// parseDateRange accepts RFC 3339 timestamps or YYYY-MM-DD dates. An LTE
// date without a time component is inclusive of the whole day.
func parseDateRange(dr *DateRange) (gte, lte *time.Time) {
	if dr == nil {
		return nil, nil
	}
	parse := func(s string, endOfDay bool) *time.Time {
		if s == "" {
			return nil
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return &t
		}
		if t, err := time.Parse("2006-01-02", s); err == nil {
			if endOfDay {
				t = t.Add(24*time.Hour - time.Nanosecond)
			}
			return &t
		}
		return nil
	}
	return parse(dr.GTE, false), parse(dr.LTE, true)
}

// rank orders results by descending score with the deterministic tie-break
// tuple (modality priority, document id, item id). The composite key is
// total: no two hits compare equal.
func rank(results []Result, modalities []vectorindex.Modality) {
	priority := make(map[string]int, len(modalities))
	for i, m := range modalities {
		priority[string(m)] = i
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		pi, pj := priority[results[i].Modality], priority[results[j].Modality]
		if pi != pj {
			return pi < pj
		}
		if results[i].DocumentID != results[j].DocumentID {
			return results[i].DocumentID < results[j].DocumentID
		}
		return results[i].itemID < results[j].itemID
	})
}

// attachArtifacts mints blob URLs for results that reference stored media.
// URL failures degrade to missing artifacts, never to request failure.
func (e *Engine) attachArtifacts(ctx context.Context, results []Result) {
	for i := range results {
		r := &results[i]
		if r.path == "" {
			continue
		}
		url, err := e.blobs.URLFor(ctx, r.path)
		if err != nil {
			e.logger.Warn("artifact url failed",
				zap.String("path", r.path),
				zap.Error(err),
			)
			continue
		}
		r.Artifacts.ViewURL = url
		if r.ContentType == "image" || r.ContentType == "video" {
			r.Artifacts.DownloadURL = url
		}
	}
}

func bundleItems(results []Result) []bundle.Item {
	items := make([]bundle.Item, len(results))
	for i, r := range results {
		items[i] = bundle.Item{
			ContentType: r.ContentType,
			Content:     r.Content,
			Filename:    r.Filename,
			Width:       r.width,
			Height:      r.height,
			Duration:    r.duration,
			Timestamp:   r.timestamp,
			ViewURL:     r.Artifacts.ViewURL,
			Citation:    r.Citations,
		}
	}
	return items
}

// persistSession freezes the result into a search session, best-effort.
// Failure yields a nil session id and a note in the response metadata.
func (e *Engine) persistSession(ctx context.Context, res *SearchResult) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.SessionWriteTimeout)
	defer cancel()

	sessResults := make([]metadata.SessionResult, len(res.Results))
	for i, r := range res.Results {
		sessResults[i] = metadata.SessionResult{EmbeddingID: r.EmbeddingID, Score: r.Score}
	}

	sess := &metadata.SearchSession{
		Query:      res.Query,
		Modalities: res.Modalities,
		Results:    sessResults,
	}
	if res.Metadata.FiltersApplied != nil {
		if raw, err := json.Marshal(res.Metadata.FiltersApplied); err == nil {
			sess.Filters = raw
		}
	}
	if raw, err := json.Marshal(res.ContextBundle); err == nil {
		sess.Bundle = raw
	}

	id, err := e.store.PutSearchSession(wctx, sess)
	if err != nil {
		e.logger.Warn("session persistence failed", zap.Error(err))
		res.Metadata.SessionError = "session persistence failed"
		return
	}
	res.SessionID = &id
}

// Session returns a persisted search session.
func (e *Engine) Session(ctx context.Context, id string) (*metadata.SearchSession, error) {
	return e.store.GetSearchSession(ctx, id)
}

// RecentSessions lists persisted sessions, newest first.
func (e *Engine) RecentSessions(ctx context.Context, limit int) ([]*metadata.SearchSession, error) {
	return e.store.ListRecentSessions(ctx, limit)
}
