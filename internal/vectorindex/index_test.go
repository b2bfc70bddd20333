package vectorindex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestParseModality(t *testing.T) {
	for _, valid := range []string{"text", "image", "video"} {
		m, err := ParseModality(valid)
		require.NoError(t, err)
		assert.Equal(t, Modality(valid), m)
	}

	_, err := ParseModality("audio")
	assert.ErrorIs(t, err, ErrUnknownModality)
	_, err = ParseModality("keyframe")
	assert.ErrorIs(t, err, ErrUnknownModality)
}

func TestSortHits(t *testing.T) {
	hits := []Hit{
		{EmbeddingID: "c", Score: 0.8, Modality: ModalityVideo},
		{EmbeddingID: "a", Score: 0.9, Modality: ModalityImage},
		{EmbeddingID: "b", Score: 0.9, Modality: ModalityText},
		{EmbeddingID: "d", Score: 0.9, Modality: ModalityText},
	}

	SortHits(hits, AllModalities)

	// Score first; ties broken by modality priority then embedding id.
	assert.Equal(t, "b", hits[0].EmbeddingID)
	assert.Equal(t, "d", hits[1].EmbeddingID)
	assert.Equal(t, "a", hits[2].EmbeddingID)
	assert.Equal(t, "c", hits[3].EmbeddingID)
}

func TestSortHitsRespectsRequestedOrder(t *testing.T) {
	hits := []Hit{
		{EmbeddingID: "t", Score: 0.5, Modality: ModalityText},
		{EmbeddingID: "i", Score: 0.5, Modality: ModalityImage},
	}

	// Image requested first wins the tie.
	SortHits(hits, []Modality{ModalityImage, ModalityText})

	assert.Equal(t, "i", hits[0].EmbeddingID)
}

func TestQdrantConfigValidate(t *testing.T) {
	valid := QdrantConfig{
		Host: "localhost",
		Port: 6334,
		Collections: map[Modality]string{
			ModalityText:  "t",
			ModalityImage: "i",
			ModalityVideo: "v",
		},
		VectorSize: 384,
	}
	require.NoError(t, valid.Validate())

	broken := valid
	broken.Host = ""
	assert.ErrorIs(t, broken.Validate(), ErrInvalidConfig)

	broken = valid
	broken.VectorSize = 0
	assert.ErrorIs(t, broken.Validate(), ErrInvalidConfig)

	broken = valid
	broken.Collections = map[Modality]string{ModalityText: "t"}
	assert.ErrorIs(t, broken.Validate(), ErrInvalidConfig)
}

func TestQdrantConfigApplyDefaults(t *testing.T) {
	cfg := QdrantConfig{}
	cfg.ApplyDefaults()

	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryBackoff)
	assert.Equal(t, 2*time.Second, cfg.SearchTimeout)
	assert.Equal(t, int64(32), cfg.ConcurrencyPerModality)
}

func TestIsTransientError(t *testing.T) {
	assert.False(t, IsTransientError(nil))
	assert.True(t, IsTransientError(status.Error(grpccodes.Unavailable, "down")))
	assert.True(t, IsTransientError(status.Error(grpccodes.DeadlineExceeded, "slow")))
	assert.True(t, IsTransientError(status.Error(grpccodes.ResourceExhausted, "full")))
	assert.False(t, IsTransientError(status.Error(grpccodes.InvalidArgument, "bad")))
	assert.False(t, IsTransientError(status.Error(grpccodes.NotFound, "missing")))
}

func TestToQdrantFilter(t *testing.T) {
	assert.Nil(t, toQdrantFilter(nil))
	assert.Nil(t, toQdrantFilter(&Filter{}))

	gte, lte := 1.0, 10.0
	f := toQdrantFilter(&Filter{Must: []Condition{
		{Key: "content_type", Equals: "text"},
		{Key: "document_id", OneOf: []string{"d1", "d2"}},
		{Key: "chunk_index", GTE: &gte, LTE: &lte},
	}})

	require.NotNil(t, f)
	assert.Len(t, f.Must, 3)
}

func TestPointIDDeterministic(t *testing.T) {
	first := pointID("embedding-1")
	second := pointID("embedding-1")
	other := pointID("embedding-2")

	assert.Equal(t, first.GetUuid(), second.GetUuid())
	assert.NotEqual(t, first.GetUuid(), other.GetUuid())

	// Valid UUIDs pass through unchanged.
	raw := "0b7f3a52-9d1e-4f0c-9d36-0a6c6c1f2b11"
	assert.Equal(t, raw, pointID(raw).GetUuid())
}

func TestPayloadRoundTrip(t *testing.T) {
	payload := toQdrantPayload("e1", map[string]any{
		"document_id":  "d1",
		"content_type": "text",
		"chunk_index":  3,
		"score_bias":   0.5,
		"archived":     true,
	})

	embeddingID, out := fromQdrantPayload(payload)

	assert.Equal(t, "e1", embeddingID)
	assert.Equal(t, "d1", out["document_id"])
	assert.Equal(t, "text", out["content_type"])
	assert.Equal(t, int64(3), out["chunk_index"])
	assert.Equal(t, 0.5, out["score_bias"])
	assert.Equal(t, true, out["archived"])
}

func TestModalityLimiter(t *testing.T) {
	limiter := newModalityLimiter(1)
	ctx := context.Background()

	release1, err := limiter.acquire(ctx)
	require.NoError(t, err)

	// A queue slot absorbs another waiter; use a short-deadline context so
	// acquisition fails fast instead of blocking the test.
	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = limiter.acquire(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release1()

	release2, err := limiter.acquire(ctx)
	require.NoError(t, err)
	release2()
}

func TestModalityLimiterOverload(t *testing.T) {
	limiter := newModalityLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release, err := limiter.acquire(ctx)
	require.NoError(t, err)
	defer release()

	// Saturate the remaining queue slots with blocked waiters.
	for i := 0; i < 2; i++ {
		go func() {
			if rel, err := limiter.acquire(ctx); err == nil {
				defer rel()
				<-ctx.Done()
			}
		}()
	}

	// Give the waiters time to occupy their slots, then expect fail-fast.
	assert.Eventually(t, func() bool {
		probeCtx, probeCancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer probeCancel()
		_, err := limiter.acquire(probeCtx)
		return errors.Is(err, ErrOverloaded)
	}, time.Second, 10*time.Millisecond)
}
