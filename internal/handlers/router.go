package handlers

import (
	"embed"
	"html/template"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/normscan/internal/metrics"
	"github.com/Brownie44l1/normscan/internal/upload"
)

//go:embed templates/*.html
var templatesFS embed.FS

const requestIDHeader = "X-Request-ID"

// RouterConfig controls static assets and limits of the gin engine.
type RouterConfig struct {
	StaticDir          string
	UploadDir          string
	TemplateDir        string
	MaxMultipartMemory int64
	Metrics            *metrics.Metrics
	Logger             *zap.Logger
}

// NewRouter wires the handlers onto a gin engine.
func NewRouter(h *Handler, cfg RouterConfig) (*gin.Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	if cfg.MaxMultipartMemory > 0 {
		r.MaxMultipartMemory = cfg.MaxMultipartMemory
	}

	if cfg.TemplateDir != "" {
		r.LoadHTMLGlob(filepath.Join(cfg.TemplateDir, "*.html"))
	} else {
		tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
		if err != nil {
			return nil, err
		}
		r.SetHTMLTemplate(tmpl)
	}

	r.Use(
		requestIDMiddleware(),
		accessLog(logger.Named("http"), cfg.Metrics),
		recovery(logger.Named("http")),
		cors(),
	)

	r.GET("/", h.Index)
	r.POST("/", h.Index)
	r.GET("/health", h.Health)
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	if cfg.StaticDir != "" {
		r.Static("/static", cfg.StaticDir)
	}
	// Uploads under static/ are already reachable through /static.
	if prefix := upload.URLPath(cfg.UploadDir); prefix != "/static" && !strings.HasPrefix(prefix, "/static/") {
		r.Static(prefix, cfg.UploadDir)
	}

	return r, nil
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDHeader)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog(logger *zap.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		m.ObserveRequest(route, c.Request.Method, strconv.Itoa(status), duration)

		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.Int("bytes", c.Writer.Size()),
			zap.String("ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
			zap.String("request_id", requestID(c)),
		)
	}
}

func recovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("panic recovered",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", requestID(c)),
		)
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}
