package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/proofline/internal/api/handler"
	"github.com/timmy/proofline/internal/api/middleware"
	"github.com/timmy/proofline/internal/logger"
	"github.com/timmy/proofline/internal/service"
)

// Deps are the services the HTTP routes are served from.
type Deps struct {
	Proofs   *service.ProofService
	Queue    *service.ProofQueue
	Uploads  *service.UploadService
	Backends service.BackendProvider
	Logger   *logger.Logger
	CORS     middleware.CORSConfig
	// MetricsPath exposes Prometheus metrics when set.
	MetricsPath string
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Deps, mode string) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger, "/health", deps.MetricsPath))
	r.Use(middleware.CORS(deps.CORS))

	// Create handlers
	healthHandler := handler.NewHealthHandler(deps.Backends, deps.Queue)
	proofHandler := handler.NewProofHandler(deps.Proofs, deps.Backends)
	queueHandler := handler.NewQueueHandler(deps.Queue)
	fileHandler := handler.NewFileHandler(deps.Backends)

	// Health check
	r.GET("/health", healthHandler.Health)

	if deps.MetricsPath != "" {
		r.GET(deps.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	// Placeholder and single-use local files
	r.GET(service.PlaceholderAssetPath, handler.Placeholder)
	r.GET("/files/:token", fileHandler.Serve)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Proofs
		v1.POST("/proofs/resolve", proofHandler.Resolve)
		v1.POST("/proofs/invalidate", proofHandler.Invalidate)

		// Queue
		v1.GET("/queue/stats", queueHandler.Stats)
		v1.POST("/queue/run", queueHandler.Run)

		// Uploads
		if deps.Uploads != nil {
			var enqueuer service.JobEnqueuer
			if deps.Queue != nil {
				enqueuer = deps.Queue
			}
			uploadHandler := handler.NewUploadHandler(deps.Uploads, deps.Backends, enqueuer)
			v1.POST("/uploads", uploadHandler.Init)
			v1.PUT("/uploads/:id/chunks/:index", uploadHandler.WriteChunk)
			v1.GET("/uploads/:id", uploadHandler.Progress)
			v1.POST("/uploads/:id/complete", uploadHandler.Complete)
		}
	}

	return r
}
