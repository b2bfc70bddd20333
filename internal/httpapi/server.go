// Package httpapi exposes the retrieval engine over HTTP. It is a thin
// adapter: input validation, engine calls, serialization. No retrieval
// logic lives here.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/retrievald/internal/metadata"
	"github.com/fyrsmithlabs/retrievald/internal/retrieval"
	"github.com/fyrsmithlabs/retrievald/internal/vectorindex"
)

// Engine is the retrieval surface the server depends on.
type Engine interface {
	Search(ctx context.Context, req retrieval.SearchRequest) (*retrieval.SearchResult, error)
	SearchSimilar(ctx context.Context, documentID string, limit *int, threshold *float64) (*retrieval.SearchResult, error)
	Index(ctx context.Context, req retrieval.IndexRequest) (*retrieval.IndexResult, error)
	Delete(ctx context.Context, documentID string) error
	Stats(ctx context.Context) (map[string]vectorindex.CollectionStats, error)
	Session(ctx context.Context, id string) (*metadata.SearchSession, error)
	RecentSessions(ctx context.Context, limit int) ([]*metadata.SearchSession, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// InboundConcurrency caps concurrently served requests; excess requests
	// fail fast with 429.
	InboundConcurrency int64

	// RequestTimeout is the per-request deadline.
	RequestTimeout time.Duration
}

// Server provides the retrievald HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	engine  Engine
	logger  *zap.Logger
	config  Config
	inbound *semaphore.Weighted
	now     func() time.Time
}

// NewServer creates a new HTTP server. The prometheus registry backs both
// the engine metrics and GET /metrics.
func NewServer(engine Engine, logger *zap.Logger, cfg Config, registry *prometheus.Registry) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.InboundConcurrency == 0 {
		cfg.InboundConcurrency = 256
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		engine:  engine,
		logger:  logger,
		config:  cfg,
		inbound: semaphore.NewWeighted(cfg.InboundConcurrency),
		now:     time.Now,
	}

	httpMetrics := NewHTTPMetrics(registry)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(httpMetrics.Middleware())
	e.Use(s.concurrencyMiddleware())
	e.Use(s.deadlineMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s.registerRoutes(registry)
	return s, nil
}

func (s *Server) registerRoutes(registry *prometheus.Registry) {
	s.echo.GET("/health", s.handleHealth)

	if registry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	s.echo.POST("/search", s.handleSearch)
	s.echo.GET("/similar/:document_id", s.handleSimilar)
	s.echo.POST("/context-bundle", s.handleContextBundle)
	s.echo.POST("/index", s.handleIndex)
	s.echo.DELETE("/content/:document_id", s.handleDelete)
	s.echo.GET("/stats", s.handleStats)
	s.echo.GET("/sessions/:session_id", s.handleSession)
	s.echo.GET("/sessions", s.handleSessions)
}

// concurrencyMiddleware enforces the server-level semaphore. Saturation is
// Overloaded, not queueing.
func (s *Server) concurrencyMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !s.inbound.TryAcquire(1) {
				return c.JSON(http.StatusTooManyRequests, errorResponse{
					Success: false,
					Error:   kindOverloaded,
					Message: "server at capacity, retry with jitter",
				})
			}
			defer s.inbound.Release(1)
			return next(c)
		}
	}
}

// deadlineMiddleware attaches the per-request deadline. Expiry cancels all
// outstanding fan-out cooperatively.
func (s *Server) deadlineMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), s.config.RequestTimeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSearch(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Success: false,
			Error:   kindInvalidRequest,
			Message: "invalid request body",
		})
	}

	result, err := s.engine.Search(c.Request().Context(), retrieval.SearchRequest{
		Query:          req.Query,
		Modalities:     req.Modalities,
		Limit:          req.Limit,
		ScoreThreshold: req.ScoreThreshold,
		Filters:        req.Filters,
	})
	if err != nil {
		return s.writeError(c, err)
	}

	return c.JSON(http.StatusOK, searchResponse{Success: true, SearchResult: result})
}

func (s *Server) handleSimilar(c echo.Context) error {
	documentID := c.Param("document_id")

	var limit *int
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{
				Success: false,
				Error:   kindInvalidRequest,
				Message: "limit must be an integer",
			})
		}
		limit = &n
	}

	var threshold *float64
	if raw := c.QueryParam("threshold"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{
				Success: false,
				Error:   kindInvalidRequest,
				Message: "threshold must be a number",
			})
		}
		threshold = &f
	}

	result, err := s.engine.SearchSimilar(c.Request().Context(), documentID, limit, threshold)
	if err != nil {
		return s.writeError(c, err)
	}

	return c.JSON(http.StatusOK, searchResponse{Success: true, SearchResult: result})
}

func (s *Server) handleContextBundle(c echo.Context) error {
	var req contextBundleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Success: false,
			Error:   kindInvalidRequest,
			Message: "invalid request body",
		})
	}

	result, err := s.engine.Search(c.Request().Context(), retrieval.SearchRequest{
		Query:          req.Query,
		Modalities:     req.Modalities,
		Limit:          req.MaxResults,
		ScoreThreshold: req.ScoreThreshold,
	})
	if err != nil {
		return s.writeError(c, err)
	}

	return c.JSON(http.StatusOK, contextBundleResponse{
		Success:       true,
		ContextBundle: result.ContextBundle,
	})
}

func (s *Server) handleIndex(c echo.Context) error {
	var req indexRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Success: false,
			Error:   kindInvalidRequest,
			Message: "invalid request body",
		})
	}

	result, err := s.engine.Index(c.Request().Context(), retrieval.IndexRequest{
		ContentID:   req.ContentID,
		ContentType: req.ContentType,
		Content:     req.Content,
		Embeddings:  req.Embeddings,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return s.writeError(c, err)
	}

	return c.JSON(http.StatusOK, indexResponse{
		Success:       true,
		ContentID:     result.ContentID,
		VectorIDs:     result.VectorIDs,
		AlreadyExists: result.AlreadyExists,
	})
}

func (s *Server) handleDelete(c echo.Context) error {
	documentID := c.Param("document_id")
	if err := s.engine.Delete(c.Request().Context(), documentID); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, deleteResponse{Success: true, ContentID: documentID})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.engine.Stats(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleSession(c echo.Context) error {
	sess, err := s.engine.Session(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, sessionResponse{Success: true, Session: sess})
}

func (s *Server) handleSessions(c echo.Context) error {
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{
				Success: false,
				Error:   kindInvalidRequest,
				Message: "limit must be a positive integer",
			})
		}
		limit = n
	}

	sessions, err := s.engine.RecentSessions(c.Request().Context(), limit)
	if err != nil {
		return s.writeError(c, err)
	}
	if sessions == nil {
		sessions = []*metadata.SearchSession{}
	}
	return c.JSON(http.StatusOK, sessionListResponse{Success: true, Sessions: sessions})
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
