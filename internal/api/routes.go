// routes.go - Route registration and middleware setup
package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Uploads           UploadService
	Ingest            IngestService
	Jobs              JobSource
	Documents         DocumentSource
	Queue             QueueController
	Janitor           Sweeper
	DB                Pinger
	AssemblyDir       string
	ArchiveExtensions []string
	MaxUploadSize     int64
	AllowOrigin       func(r *http.Request) bool
	Version           string
	Logger            *slog.Logger
}

// Handlers holds all handler instances
type Handlers struct {
	Health    HealthHandler
	Upload    UploadHandler
	Documents DocumentHandler
	Jobs      JobHandler
	Admin     AdminHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	return &Handlers{
		Health:    NewHealthHandler(deps.Version, deps.DB, deps.Documents),
		Upload:    NewUploadHandler(deps.Uploads, deps.Ingest, deps.AssemblyDir, deps.ArchiveExtensions, deps.MaxUploadSize, logger),
		Documents: NewDocumentHandler(deps.Ingest, deps.Documents),
		Jobs:      NewJobHandler(deps.Jobs, deps.Documents, NewJobStreamer(deps.Jobs, deps.AllowOrigin, logger)),
		Admin:     NewAdminHandler(deps.Documents, deps.Queue, deps.Janitor),
	}
}

// RegisterRoutes registers all API routes. Everything except the health
// check requires an owner resolved by authMiddleware; the operations group
// additionally passes adminMiddleware.
func RegisterRoutes(e *echo.Echo, handlers *Handlers, authMiddleware, adminMiddleware echo.MiddlewareFunc) {
	e.GET("/api/health", handlers.Health.HandleHealth)

	apiGroup := e.Group("/api", authMiddleware)

	// Chunked upload protocol
	apiGroup.POST("/uploads", handlers.Upload.HandleInitUpload)
	apiGroup.GET("/uploads/:sessionId", handlers.Upload.HandleUploadStatus)
	apiGroup.PUT("/uploads/:sessionId/chunks/:index", handlers.Upload.HandlePutChunk)
	apiGroup.POST("/uploads/:sessionId/finalize", handlers.Upload.HandleFinalizeUpload)

	// Single-shot uploads
	apiGroup.POST("/archives", handlers.Upload.HandleUploadArchive)
	apiGroup.POST("/documents", handlers.Documents.HandleUploadDocument)
	apiGroup.GET("/documents/:id", handlers.Documents.HandleGetDocument)

	// Job progress
	apiGroup.GET("/jobs/:jobId", handlers.Jobs.HandleGetJob)
	apiGroup.GET("/jobs/:jobId/ws", handlers.Jobs.HandleJobStream)

	// Operations
	adminGroup := apiGroup.Group("/admin", adminMiddleware)
	adminGroup.GET("/documents", handlers.Admin.HandleListDocuments)
	adminGroup.POST("/documents/retry", handlers.Admin.HandleRetryFailed)
	adminGroup.POST("/documents/reclaim", handlers.Admin.HandleReclaim)
	adminGroup.POST("/documents/:id/cancel", handlers.Admin.HandleCancelDocument)
	adminGroup.POST("/queue/drain", handlers.Admin.HandleDrainQueue)
	adminGroup.POST("/janitor/sweep", handlers.Admin.HandleSweep)
}

// MiddlewareConfig selects the common middleware.
type MiddlewareConfig struct {
	BodyLimit      string
	EnableCORS     bool
	AllowOrigins   []string
	RequestLogging bool
}

// SetupMiddleware configures the error handler and common middleware
func SetupMiddleware(e *echo.Echo, cfg MiddlewareConfig, logger *slog.Logger) {
	e.HTTPErrorHandler = NewErrorHandler(logger)

	if cfg.RequestLogging {
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			Skipper: func(c echo.Context) bool {
				return c.Request().URL.Path == "/api/health"
			},
			LogMethod:   true,
			LogURI:      true,
			LogStatus:   true,
			LogLatency:  true,
			LogError:    true,
			HandleError: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				attrs := []any{"method", v.Method, "uri", redactURI(v.URI), "status", v.Status, "latency", v.Latency}
				if v.Error != nil {
					attrs = append(attrs, "error", v.Error)
				}
				logger.Info("request", attrs...)
				return nil
			},
		}))
	}

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 * 1024,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error("handler panicked", "path", c.Path(), "error", err, "stack", string(stack))
			return err
		},
	}))

	// archive uploads are capped by the handler itself
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimitWithConfig(middleware.BodyLimitConfig{
			Limit: cfg.BodyLimit,
			Skipper: func(c echo.Context) bool {
				return c.Request().Method == http.MethodPost && c.Request().URL.Path == "/api/archives"
			},
		}))
	}

	if cfg.EnableCORS {
		origins := cfg.AllowOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}
}

// redactURI masks the websocket token query parameter so tokens never reach the logs.
func redactURI(uri string) string {
	u, err := url.ParseRequestURI(uri)
	if err != nil {
		return uri
	}
	q := u.Query()
	if !q.Has("token") {
		return uri
	}
	q.Set("token", "REDACTED")
	u.RawQuery = q.Encode()
	return u.RequestURI()
}

// SplitOrigins parses a comma separated origin list.
func SplitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
