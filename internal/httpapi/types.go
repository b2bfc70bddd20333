package httpapi

import (
	"github.com/fyrsmithlabs/retrievald/internal/bundle"
	"github.com/fyrsmithlabs/retrievald/internal/metadata"
	"github.com/fyrsmithlabs/retrievald/internal/retrieval"
)

// searchRequest is the request body for POST /search.
type searchRequest struct {
	Query          string             `json:"query"`
	Modalities     []string           `json:"modalities,omitempty"`
	Limit          *int               `json:"limit,omitempty"`
	Filters        *retrieval.Filters `json:"filters,omitempty"`
	ScoreThreshold *float64           `json:"score_threshold,omitempty"`
}

// searchResponse wraps an engine result in the success envelope.
type searchResponse struct {
	Success bool `json:"success"`
	*retrieval.SearchResult
}

// contextBundleRequest is the request body for POST /context-bundle.
type contextBundleRequest struct {
	Query          string   `json:"query"`
	Modalities     []string `json:"modalities,omitempty"`
	MaxResults     *int     `json:"max_results,omitempty"`
	ScoreThreshold *float64 `json:"threshold,omitempty"`
}

// contextBundleResponse is the response body for POST /context-bundle.
type contextBundleResponse struct {
	Success       bool           `json:"success"`
	ContextBundle *bundle.Bundle `json:"context_bundle"`
}

// indexRequest is the request body for POST /index.
type indexRequest struct {
	ContentID   string         `json:"content_id"`
	ContentType string         `json:"content_type"`
	Content     string         `json:"content"`
	Embeddings  []float32      `json:"embeddings"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// indexResponse is the response body for POST /index.
type indexResponse struct {
	Success       bool     `json:"success"`
	ContentID     string   `json:"content_id"`
	VectorIDs     []string `json:"vector_ids"`
	AlreadyExists bool     `json:"already_exists,omitempty"`
}

// deleteResponse is the response body for DELETE /content/{document_id}.
type deleteResponse struct {
	Success   bool   `json:"success"`
	ContentID string `json:"content_id"`
}

// healthResponse is the response body for GET /health.
type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// sessionResponse is the response body for GET /sessions/{session_id}.
type sessionResponse struct {
	Success bool                    `json:"success"`
	Session *metadata.SearchSession `json:"session"`
}

// sessionListResponse is the response body for GET /sessions.
type sessionListResponse struct {
	Success  bool                      `json:"success"`
	Sessions []*metadata.SearchSession `json:"sessions"`
}

// errorResponse is the uniform error envelope. Error carries a stable kind
// string; Message is human-facing and may change across versions.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}
