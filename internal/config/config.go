// Package config provides configuration loading for retrievald.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the retrievald daemon.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Qdrant    QdrantConfig    `koanf:"qdrant"`
	Metadata  MetadataConfig  `koanf:"metadata"`
	BlobStore BlobStoreConfig `koanf:"blobstore"`
	Worker    WorkerConfig    `koanf:"worker"`
	Search    SearchConfig    `koanf:"search"`
	Log       LogConfig       `koanf:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// InboundConcurrency caps concurrently handled requests. Requests beyond
	// the cap fail fast with 429 rather than queueing unboundedly.
	InboundConcurrency int64 `koanf:"inbound_concurrency"`

	// RequestTimeout is the per-request deadline.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// QdrantConfig holds vector index settings.
type QdrantConfig struct {
	Host string `koanf:"host"`

	// Port is the Qdrant gRPC port (NOT the HTTP REST port).
	Port   int  `koanf:"port"`
	UseTLS bool `koanf:"use_tls"`

	CollectionText  string `koanf:"collection_text"`
	CollectionImage string `koanf:"collection_image"`
	CollectionVideo string `koanf:"collection_video"`

	// VectorSize is the embedding dimensionality. Immutable after the
	// collections are first created.
	VectorSize int `koanf:"vector_size"`

	MaxRetries   int           `koanf:"max_retries"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`

	// SearchTimeout bounds each per-modality search call.
	SearchTimeout time.Duration `koanf:"search_timeout"`

	// ConcurrencyPerModality caps in-flight searches per modality collection.
	ConcurrencyPerModality int64 `koanf:"concurrency_per_modality"`
}

// MetadataConfig holds metadata store settings.
type MetadataConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `koanf:"path"`

	EnrichmentTimeout     time.Duration `koanf:"enrichment_timeout"`
	EnrichmentConcurrency int64         `koanf:"enrichment_concurrency"`
	SessionWriteTimeout   time.Duration `koanf:"session_write_timeout"`

	// SessionRetention is how long search sessions are kept before the
	// background pruner removes them. Zero selects the 720h default; a
	// negative value disables pruning.
	SessionRetention time.Duration `koanf:"session_retention"`
}

// BlobStoreConfig holds object storage settings.
type BlobStoreConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey Secret `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	UseSSL    bool   `koanf:"use_ssl"`

	// URLExpiry is the lifetime of presigned artifact URLs.
	URLExpiry time.Duration `koanf:"url_expiry"`
}

// WorkerConfig holds multimodal worker (embedding) settings.
type WorkerConfig struct {
	URL          string        `koanf:"url"`
	EmbedTimeout time.Duration `koanf:"embed_timeout"`
	MaxRetries   int           `koanf:"max_retries"`
}

// SearchConfig holds retrieval engine settings.
type SearchConfig struct {
	DefaultLimit        int     `koanf:"default_limit"`
	MaxLimit            int     `koanf:"max_limit"`
	SimilarityThreshold float64 `koanf:"similarity_threshold"`
	MaxQueryBytes       int     `koanf:"max_query_bytes"`

	// CacheSize and CacheTTL bound the read-through enrichment cache.
	CacheSize int           `koanf:"cache_size"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.InboundConcurrency <= 0 {
		return fmt.Errorf("server.inbound_concurrency must be positive")
	}
	if c.Qdrant.Host == "" {
		return fmt.Errorf("qdrant.host is required")
	}
	if c.Qdrant.Port <= 0 || c.Qdrant.Port > 65535 {
		return fmt.Errorf("qdrant.port out of range: %d", c.Qdrant.Port)
	}
	if c.Qdrant.VectorSize <= 0 {
		return fmt.Errorf("qdrant.vector_size must be positive")
	}
	for _, name := range []string{c.Qdrant.CollectionText, c.Qdrant.CollectionImage, c.Qdrant.CollectionVideo} {
		if name == "" {
			return fmt.Errorf("qdrant collection names are required")
		}
	}
	if c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required")
	}
	if c.Worker.URL == "" {
		return fmt.Errorf("worker.url is required")
	}
	if c.Search.DefaultLimit <= 0 || c.Search.MaxLimit <= 0 {
		return fmt.Errorf("search limits must be positive")
	}
	if c.Search.DefaultLimit > c.Search.MaxLimit {
		return fmt.Errorf("search.default_limit %d exceeds search.max_limit %d", c.Search.DefaultLimit, c.Search.MaxLimit)
	}
	if c.Search.SimilarityThreshold < 0 || c.Search.SimilarityThreshold > 1 {
		return fmt.Errorf("search.similarity_threshold must be in [0, 1]")
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8004
	}
	if cfg.Server.InboundConcurrency == 0 {
		cfg.Server.InboundConcurrency = 256
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}
	if cfg.Qdrant.CollectionText == "" {
		cfg.Qdrant.CollectionText = "multimodal_text"
	}
	if cfg.Qdrant.CollectionImage == "" {
		cfg.Qdrant.CollectionImage = "multimodal_image"
	}
	if cfg.Qdrant.CollectionVideo == "" {
		cfg.Qdrant.CollectionVideo = "multimodal_video"
	}
	if cfg.Qdrant.VectorSize == 0 {
		cfg.Qdrant.VectorSize = 384
	}
	if cfg.Qdrant.MaxRetries == 0 {
		cfg.Qdrant.MaxRetries = 3
	}
	if cfg.Qdrant.RetryBackoff == 0 {
		cfg.Qdrant.RetryBackoff = time.Second
	}
	if cfg.Qdrant.SearchTimeout == 0 {
		cfg.Qdrant.SearchTimeout = 2 * time.Second
	}
	if cfg.Qdrant.ConcurrencyPerModality == 0 {
		cfg.Qdrant.ConcurrencyPerModality = 32
	}

	if cfg.Metadata.Path == "" {
		cfg.Metadata.Path = "retrievald.db"
	}
	if cfg.Metadata.EnrichmentTimeout == 0 {
		cfg.Metadata.EnrichmentTimeout = time.Second
	}
	if cfg.Metadata.EnrichmentConcurrency == 0 {
		cfg.Metadata.EnrichmentConcurrency = 16
	}
	if cfg.Metadata.SessionWriteTimeout == 0 {
		cfg.Metadata.SessionWriteTimeout = 500 * time.Millisecond
	}
	if cfg.Metadata.SessionRetention == 0 {
		cfg.Metadata.SessionRetention = 30 * 24 * time.Hour
	}

	if cfg.BlobStore.Endpoint == "" {
		cfg.BlobStore.Endpoint = "localhost:9000"
	}
	if cfg.BlobStore.Bucket == "" {
		cfg.BlobStore.Bucket = "multimodal-media"
	}
	if cfg.BlobStore.URLExpiry == 0 {
		cfg.BlobStore.URLExpiry = time.Hour
	}

	if cfg.Worker.URL == "" {
		cfg.Worker.URL = "http://localhost:8001"
	}
	if cfg.Worker.EmbedTimeout == 0 {
		cfg.Worker.EmbedTimeout = 2 * time.Second
	}
	if cfg.Worker.MaxRetries == 0 {
		cfg.Worker.MaxRetries = 2
	}

	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Search.MaxLimit == 0 {
		cfg.Search.MaxLimit = 100
	}
	if cfg.Search.SimilarityThreshold == 0 {
		cfg.Search.SimilarityThreshold = 0.7
	}
	if cfg.Search.MaxQueryBytes == 0 {
		cfg.Search.MaxQueryBytes = 8192
	}
	if cfg.Search.CacheSize == 0 {
		cfg.Search.CacheSize = 10000
	}
	if cfg.Search.CacheTTL == 0 {
		cfg.Search.CacheTTL = time.Minute
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}
