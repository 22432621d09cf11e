// Package web gin server
package web

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v7"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Laisky/file-ingest/internal/ingest/pipeline"
	"github.com/Laisky/file-ingest/library/log"
)

// Ingester is the pipeline surface the HTTP handlers drive.
type Ingester interface {
	Store(ctx context.Context, req pipeline.Request) (*pipeline.StoredFile, error)
	Exists(ctx context.Context, parts pipeline.KeyParts) bool
	RequireExists(ctx context.Context, parts pipeline.KeyParts) error
	Delete(ctx context.Context, file *pipeline.StoredFile) error
	DeleteByParts(ctx context.Context, parts pipeline.KeyParts) error
}

// FileLookup resolves recorded files by id.
type FileLookup interface {
	Lookup(ctx context.Context, id uuid.UUID) (*pipeline.StoredFile, error)
}

// Pinger checks a dependency's health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the HTTP server. Registry, Scanner and Redis are optional.
type Options struct {
	Ingester Ingester
	Registry FileLookup
	Scanner  Pinger
	Redis    Pinger
	Upload   pipeline.UploadSettings
	// HealthTimeout bounds each dependency ping of /health.
	HealthTimeout time.Duration
	// CORSDomains lists origin hosts allowed for CORS, subdomains included.
	CORSDomains []string
	// MaxMemory caps the part of a multipart form kept in memory.
	MaxMemory int64
	// Throttle limits uploads, nil disables it.
	Throttle *UploadThrottle
	Logger   logSDK.Logger
}

const (
	defaultMaxMemory     = 32 << 20
	defaultHealthTimeout = 3 * time.Second
)

// NewServer builds the gin engine with every route registered.
func NewServer(opt Options) *gin.Engine {
	if opt.Logger == nil {
		opt.Logger = log.Logger.Named("gin")
	}
	if opt.MaxMemory <= 0 {
		opt.MaxMemory = defaultMaxMemory
	}
	if opt.HealthTimeout <= 0 {
		opt.HealthTimeout = defaultHealthTimeout
	}

	server := gin.New()
	server.ContextWithFallback = true
	server.MaxMultipartMemory = opt.MaxMemory
	server.Use(
		gin.Recovery(),
		gmw.NewLoggerMiddleware(
			gmw.WithLogger(opt.Logger),
		),
		allowCORS(opt.CORSDomains),
	)

	h := &fileHandler{opt: opt}
	server.GET("/health", h.health)
	server.HEAD("/health", h.health)

	files := server.Group("/files")
	files.POST("", opt.Throttle.middleware(), h.upload)
	files.GET("/:id", h.get)
	files.DELETE("/:id", h.delete)

	blobs := server.Group("/blobs")
	blobs.HEAD("", h.headBlob)
	blobs.GET("/exists", h.blobExists)
	blobs.DELETE("", h.deleteBlob)

	return server
}

// RunServer serves opt on addr until the listener fails.
func RunServer(addr string, opt Options) {
	server := NewServer(opt)
	log.Logger.Info("listening on http", zap.String("addr", addr))
	log.Logger.Panic("httpServer exit", zap.Error(server.Run(addr)))
}

// allowCORS returns a middleware that reflects origins whose host is one of
// domains or a subdomain of one.
func allowCORS(domains []string) gin.HandlerFunc {
	allowed := make([]string, 0, len(domains))
	for _, d := range domains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			allowed = append(allowed, d)
		}
	}

	return func(ctx *gin.Context) {
		origin := ctx.Request.Header.Get("Origin")
		allowedOrigin := ""

		if origin != "" {
			parsedOriginURL, err := url.Parse(origin)
			if err == nil {
				host := strings.ToLower(parsedOriginURL.Hostname())
				for _, d := range allowed {
					if host == d || strings.HasSuffix(host, "."+d) {
						allowedOrigin = origin
						break
					}
				}
			}
		}

		if allowedOrigin != "" {
			ctx.Header("Access-Control-Allow-Origin", allowedOrigin)
			ctx.Header("Access-Control-Allow-Credentials", "true")
			ctx.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS, HEAD")
			ctx.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin, X-Requested-With")
			ctx.Header("Access-Control-Max-Age", "86400")
			ctx.Header("Vary", "Origin")

			if ctx.Request.Method == http.MethodOptions {
				ctx.AbortWithStatus(http.StatusNoContent)
				return
			}
		} else if origin != "" && ctx.Request.Method == http.MethodOptions {
			// preflight from a disallowed origin
			ctx.AbortWithStatus(http.StatusForbidden)
			return
		}

		ctx.Next()
	}
}
