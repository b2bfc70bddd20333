package vectorindex

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("retrievald.vectorindex.qdrant")

// pointNamespace derives deterministic Qdrant point UUIDs from opaque
// embedding ids, keeping upserts idempotent. The original embedding id is
// always preserved in the payload under "embedding_id".
var pointNamespace = uuid.MustParse("8f4f6f2e-1f3d-4f6a-9a0e-5b7c2d9e4a11")

// QdrantConfig holds configuration for the Qdrant gRPC index.
type QdrantConfig struct {
	// Host and Port address the Qdrant gRPC endpoint (6334, not the 6333
	// HTTP port).
	Host   string
	Port   int
	UseTLS bool

	// Collections maps each modality to its collection name.
	Collections map[Modality]string

	// VectorSize is the embedding dimensionality, fixed at collection
	// creation.
	VectorSize int

	MaxRetries   int
	RetryBackoff time.Duration

	// SearchTimeout bounds each per-modality search call.
	SearchTimeout time.Duration

	// ConcurrencyPerModality caps in-flight searches per collection; a queue
	// of twice that length absorbs bursts before calls fail ErrOverloaded.
	ConcurrencyPerModality int64

	MaxMessageSize int
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	for _, m := range AllModalities {
		if c.Collections[m] == "" {
			return fmt.Errorf("%w: collection name required for modality %s", ErrInvalidConfig, m)
		}
	}
	return nil
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.SearchTimeout == 0 {
		c.SearchTimeout = 2 * time.Second
	}
	if c.ConcurrencyPerModality == 0 {
		c.ConcurrencyPerModality = 32
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// IsTransientError reports whether a gRPC error should be retried.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// modalityLimiter bounds in-flight searches for one collection: a work pool
// of size n plus a queue of 2n waiting slots. Calls beyond both fail fast.
type modalityLimiter struct {
	slots *semaphore.Weighted
	work  *semaphore.Weighted
}

func newModalityLimiter(n int64) *modalityLimiter {
	return &modalityLimiter{
		slots: semaphore.NewWeighted(3 * n),
		work:  semaphore.NewWeighted(n),
	}
}

func (l *modalityLimiter) acquire(ctx context.Context) (release func(), err error) {
	if !l.slots.TryAcquire(1) {
		return nil, ErrOverloaded
	}
	if err := l.work.Acquire(ctx, 1); err != nil {
		l.slots.Release(1)
		return nil, err
	}
	return func() {
		l.work.Release(1)
		l.slots.Release(1)
	}, nil
}

// QdrantIndex is an Index backed by Qdrant's native gRPC client.
type QdrantIndex struct {
	client   *qdrant.Client
	config   QdrantConfig
	logger   *zap.Logger
	limiters map[Modality]*modalityLimiter
}

// NewQdrantIndex creates the gRPC client and performs a health check.
func NewQdrantIndex(config QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	idx := &QdrantIndex{
		client: client,
		config: config,
		logger: logger,
		limiters: map[Modality]*modalityLimiter{
			ModalityText:  newModalityLimiter(config.ConcurrencyPerModality),
			ModalityImage: newModalityLimiter(config.ConcurrencyPerModality),
			ModalityVideo: newModalityLimiter(config.ConcurrencyPerModality),
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	return idx, nil
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

func (q *QdrantIndex) collection(m Modality) (string, error) {
	name, ok := q.config.Collections[m]
	if !ok || name == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownModality, m)
	}
	return name, nil
}

// retryOperation retries transient failures with exponential backoff.
func (q *QdrantIndex) retryOperation(ctx context.Context, name string, op func() error) error {
	backoff := q.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", name, err)
		}
		if attempt == q.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", name, q.config.MaxRetries, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// EnsureCollections creates any missing per-modality collections.
func (q *QdrantIndex) EnsureCollections(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.EnsureCollections")
	defer span.End()

	for _, m := range AllModalities {
		name := q.config.Collections[m]
		var exists bool
		err := q.retryOperation(ctx, "collection_exists", func() error {
			info, err := q.client.GetCollectionInfo(ctx, name)
			if err != nil {
				st, ok := status.FromError(err)
				if ok && st.Code() == grpccodes.NotFound {
					exists = false
					return nil
				}
				return err
			}
			exists = info != nil
			return nil
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("checking collection %s: %w", name, err)
		}
		if exists {
			continue
		}
		err = q.retryOperation(ctx, "create_collection", func() error {
			return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(q.config.VectorSize),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("creating collection %s: %w", name, err)
		}
		q.logger.Info("created vector collection",
			zap.String("collection", name),
			zap.Int("vector_size", q.config.VectorSize),
		)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// pointID derives the deterministic Qdrant point id for an embedding id.
func pointID(embeddingID string) *qdrant.PointId {
	if _, err := uuid.Parse(embeddingID); err == nil {
		return qdrant.NewIDUUID(embeddingID)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(embeddingID)).String())
}

func toQdrantPayload(embeddingID string, payload map[string]any) map[string]*qdrant.Value {
	out := make(map[string]*qdrant.Value, len(payload)+1)
	out["embedding_id"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: embeddingID}}
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			out[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
		case int:
			out[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
		case int64:
			out[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
		case float64:
			out[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
		case bool:
			out[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
		}
	}
	return out
}

func fromQdrantPayload(payload map[string]*qdrant.Value) (embeddingID string, out map[string]any) {
	out = make(map[string]any, len(payload))
	for k, v := range payload {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			out[k] = val.StringValue
			if k == "embedding_id" {
				embeddingID = val.StringValue
			}
		case *qdrant.Value_IntegerValue:
			out[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			out[k] = val.BoolValue
		}
	}
	return embeddingID, out
}

// toQdrantFilter converts a Filter conjunction into Qdrant conditions.
func toQdrantFilter(f *Filter) *qdrant.Filter {
	if f == nil || len(f.Must) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(f.Must))
	for _, c := range f.Must {
		switch {
		case c.Equals != nil:
			switch v := c.Equals.(type) {
			case string:
				conditions = append(conditions, qdrant.NewMatchKeyword(c.Key, v))
			case int:
				conditions = append(conditions, qdrant.NewMatchInt(c.Key, int64(v)))
			case int64:
				conditions = append(conditions, qdrant.NewMatchInt(c.Key, v))
			case bool:
				conditions = append(conditions, qdrant.NewMatchBool(c.Key, v))
			}
		case len(c.OneOf) > 0:
			conditions = append(conditions, qdrant.NewMatchKeywords(c.Key, c.OneOf...))
		case c.GTE != nil || c.LTE != nil:
			r := &qdrant.Range{}
			if c.GTE != nil {
				r.Gte = c.GTE
			}
			if c.LTE != nil {
				r.Lte = c.LTE
			}
			conditions = append(conditions, qdrant.NewRange(c.Key, r))
		}
	}
	if len(conditions) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: conditions}
}

// Upsert inserts or replaces records, idempotent by embedding id.
func (q *QdrantIndex) Upsert(ctx context.Context, modality Modality, records []Record) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()

	name, err := q.collection(modality)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("record_count", len(records)),
	)

	if len(records) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(records))
	for i, rec := range records {
		if len(rec.Vector) != q.config.VectorSize {
			err := fmt.Errorf("%w: got %d, collection %s expects %d",
				ErrDimensionMismatch, len(rec.Vector), name, q.config.VectorSize)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		points[i] = &qdrant.PointStruct{
			Id:      pointID(rec.EmbeddingID),
			Vectors: qdrant.NewVectors(rec.Vector...),
			Payload: toQdrantPayload(rec.EmbeddingID, rec.Payload),
		}
	}

	err = q.retryOperation(ctx, "upsert", func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting to collection %s: %w", name, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search queries one modality collection.
func (q *QdrantIndex) Search(ctx context.Context, modality Modality, vector []float32, limit int, scoreFloor float32, filter *Filter) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Search")
	defer span.End()

	name, err := q.collection(modality)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("limit", limit),
	)

	if limit <= 0 {
		return nil, nil
	}
	if len(vector) != q.config.VectorSize {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), q.config.VectorSize)
	}

	release, err := q.limiters[modality].acquire(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, q.config.SearchTimeout)
	defer cancel()

	query := &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         toQdrantFilter(filter),
	}
	if scoreFloor > 0 {
		query.ScoreThreshold = qdrant.PtrOf(scoreFloor)
	}

	var points []*qdrant.ScoredPoint
	err = q.retryOperation(callCtx, "search", func() error {
		res, err := q.client.Query(callCtx, query)
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching collection %s: %w", name, err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		embeddingID, payload := fromQdrantPayload(p.GetPayload())
		if embeddingID == "" {
			embeddingID = p.GetId().GetUuid()
		}
		hits = append(hits, Hit{
			EmbeddingID: embeddingID,
			Score:       p.GetScore(),
			Payload:     payload,
			Modality:    modality,
		})
	}

	span.SetAttributes(attribute.Int("hit_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// SearchHybrid fans out to the requested modalities in parallel and merges
// the hits by score. One goroutine per modality; the per-modality limiter
// inside Search applies back-pressure.
func (q *QdrantIndex) SearchHybrid(ctx context.Context, vector []float32, limit int, modalities []Modality, scoreFloor float32, filter *Filter) (*HybridResult, error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.SearchHybrid")
	defer span.End()

	if len(modalities) == 0 {
		modalities = AllModalities
	}
	span.SetAttributes(attribute.Int("modality_count", len(modalities)))

	type modalityOutcome struct {
		hits []Hit
		err  error
	}
	outcomes := make([]modalityOutcome, len(modalities))

	// One branch per modality; branches record their own outcome instead of
	// failing the group, so one broken collection never cancels the others.
	g := errgroup.Group{}
	for i, m := range modalities {
		g.Go(func() error {
			hits, err := q.Search(ctx, m, vector, limit, scoreFloor, filter)
			outcomes[i] = modalityOutcome{hits: hits, err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := &HybridResult{}
	for i, m := range modalities {
		if outcomes[i].err != nil {
			q.logger.Warn("modality search failed",
				zap.String("modality", string(m)),
				zap.Error(outcomes[i].err),
			)
			result.Failed = append(result.Failed, m)
			continue
		}
		result.Hits = append(result.Hits, outcomes[i].hits...)
	}

	if len(result.Failed) == len(modalities) {
		err := fmt.Errorf("%w: all %d modality searches failed", ErrUnavailable, len(modalities))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	SortHits(result.Hits, modalities)

	span.SetAttributes(
		attribute.Int("hit_count", len(result.Hits)),
		attribute.Int("failed_modalities", len(result.Failed)),
	)
	span.SetStatus(codes.Ok, "success")
	return result, nil
}

// Get retrieves one record by embedding id, or nil when missing.
func (q *QdrantIndex) Get(ctx context.Context, modality Modality, embeddingID string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Get")
	defer span.End()

	name, err := q.collection(modality)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("collection", name))

	var points []*qdrant.RetrievedPoint
	err = q.retryOperation(ctx, "get", func() error {
		res, err := q.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: name,
			Ids:            []*qdrant.PointId{pointID(embeddingID)},
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("getting %s from collection %s: %w", embeddingID, name, err)
	}
	if len(points) == 0 {
		return nil, nil
	}

	p := points[0]
	storedID, payload := fromQdrantPayload(p.GetPayload())
	if storedID == "" {
		storedID = embeddingID
	}
	rec := &Record{
		EmbeddingID: storedID,
		Payload:     payload,
	}
	if v := p.GetVectors().GetVector(); v != nil {
		rec.Vector = v.GetData()
	}

	span.SetStatus(codes.Ok, "success")
	return rec, nil
}

// Delete removes records by embedding id.
func (q *QdrantIndex) Delete(ctx context.Context, modality Modality, embeddingIDs []string) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Delete")
	defer span.End()

	name, err := q.collection(modality)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("id_count", len(embeddingIDs)),
	)

	if len(embeddingIDs) == 0 {
		return nil
	}

	ids := make([]*qdrant.PointId, len(embeddingIDs))
	for i, id := range embeddingIDs {
		ids[i] = pointID(id)
	}

	err = q.retryOperation(ctx, "delete", func() error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{Ids: ids},
				},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting from collection %s: %w", name, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// CollectionStats returns counters for every modality collection.
func (q *QdrantIndex) CollectionStats(ctx context.Context) (map[Modality]CollectionStats, error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.CollectionStats")
	defer span.End()

	stats := make(map[Modality]CollectionStats, len(AllModalities))
	for _, m := range AllModalities {
		name := q.config.Collections[m]
		var info *qdrant.CollectionInfo
		err := q.retryOperation(ctx, "collection_stats", func() error {
			res, err := q.client.GetCollectionInfo(ctx, name)
			if err != nil {
				st, ok := status.FromError(err)
				if ok && st.Code() == grpccodes.NotFound {
					return ErrCollectionNotFound
				}
				return err
			}
			info = res
			return nil
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("stats for collection %s: %w", name, err)
		}

		s := CollectionStats{
			Config: CollectionConfig{
				VectorSize: q.config.VectorSize,
				Distance:   "Cosine",
			},
		}
		if info.PointsCount != nil {
			s.PointsCount = *info.PointsCount
		}
		if info.IndexedVectorsCount != nil {
			s.VectorsCount = *info.IndexedVectorsCount
		}
		if s.VectorsCount == 0 {
			s.VectorsCount = s.PointsCount
		}
		stats[m] = s
	}

	span.SetStatus(codes.Ok, "success")
	return stats, nil
}

// Ensure QdrantIndex implements Index.
var _ Index = (*QdrantIndex)(nil)
