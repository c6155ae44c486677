package api

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/vtmux/vtmux/internal/registry"
	"github.com/vtmux/vtmux/src/handler"
)

// Options configures SetupRouter's behavior. Password and StaticPath
// come from CLI flags read by main; main always enables the processing
// time header, and request logging is disabled only by tests and
// benchmarks.
type Options struct {
	DisableRequestLogging bool
	EnableProcessingTime  bool
	Password              string
	StaticPath            string
}

// SetupRouter configures all the routes for the vtmux server.
func SetupRouter(reg *registry.Registry, opts Options) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(noCacheMiddleware())

	if opts.EnableProcessingTime {
		r.Use(processingTimeMiddleware())
	}
	if !opts.DisableRequestLogging {
		r.Use(logrusMiddleware())
	}

	systemHandler := handler.NewSystemHandler()
	sessionHandler := handler.NewSessionHandler(reg)
	streamHandler := handler.NewStreamHandler(reg)

	r.GET("/health", systemHandler.HandleHealth)
	r.HEAD("/health", headHandler())

	apiGroup := r.Group("/api")
	apiGroup.Use(authMiddleware(opts.Password))
	{
		apiGroup.POST("/sessions", sessionHandler.HandleCreate)
		apiGroup.GET("/sessions", sessionHandler.HandleList)
		apiGroup.GET("/sessions/:id", sessionHandler.HandleGet)
		apiGroup.DELETE("/sessions/:id", sessionHandler.HandleDelete)
		apiGroup.POST("/sessions/:id/input", sessionHandler.HandleInput)
		apiGroup.POST("/sessions/:id/resize", sessionHandler.HandleResize)
		apiGroup.POST("/cleanup-exited", sessionHandler.HandleCleanupExited)

		apiGroup.GET("/sessions/:id/stream", streamHandler.HandleStream)
		apiGroup.GET("/sessions/:id/buffer", streamHandler.HandleBuffer)
		apiGroup.GET("/sessions/:id/buffer/ws", streamHandler.HandleBufferWebSocket)
		apiGroup.GET("/sessions/:id/snapshot", streamHandler.HandleSnapshot)
	}

	if opts.StaticPath != "" {
		r.Static("/", opts.StaticPath)
	}

	return r
}

// corsMiddleware adds CORS headers to all responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// headHandler returns a simple 200 OK for HEAD requests to check endpoint existence
func headHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Status(http.StatusOK)
	}
}

// noCacheMiddleware adds no-cache headers to all responses to prevent caching issues
func noCacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Writer.Header().Set("Pragma", "no-cache")
		c.Writer.Header().Set("Expires", "0")
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")

		c.Next()
	}
}

// sensitiveQueryParams contains query parameter names that should be redacted from logs
var sensitiveQueryParams = []string{
	"api_key", "apikey", "api-key",
	"token", "access_token", "refresh_token", "auth_token", "bearer",
	"password", "passwd", "pwd",
	"secret", "client_secret", "api_secret",
	"key", "private_key", "encryption_key",
	"authorization", "auth",
	"credential", "credentials",
	"session", "session_id", "sessionid",
	"jwt",
}

// redactSecrets redacts sensitive information from a URL path with query string
func redactSecrets(pathWithQuery string) string {
	parts := strings.SplitN(pathWithQuery, "?", 2)
	if len(parts) != 2 {
		return pathWithQuery
	}

	basePath := parts[0]
	queryString := parts[1]

	values, err := url.ParseQuery(queryString)
	if err != nil {
		return redactQueryPatterns(pathWithQuery)
	}

	hasSecrets := false
	for _, param := range sensitiveQueryParams {
		if values.Get(param) != "" {
			hasSecrets = true
			break
		}
		for key := range values {
			if strings.EqualFold(key, param) {
				hasSecrets = true
				break
			}
		}
	}

	if !hasSecrets {
		return pathWithQuery
	}

	for key := range values {
		for _, param := range sensitiveQueryParams {
			if strings.EqualFold(key, param) {
				values.Set(key, "[REDACTED]")
				break
			}
		}
	}

	return basePath + "?" + values.Encode()
}

// redactQueryPatterns redacts secrets using regex patterns when URL parsing fails
func redactQueryPatterns(pathWithQuery string) string {
	result := pathWithQuery
	for _, param := range sensitiveQueryParams {
		pattern := regexp.MustCompile(`(?i)(` + regexp.QuoteMeta(param) + `=)[^&\s]*`)
		result = pattern.ReplaceAllString(result, "${1}[REDACTED]")
	}
	return result
}

func logrusMiddleware() gin.HandlerFunc {
	var skip map[string]struct{}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}

		sanitizedPath := redactSecrets(path)

		start := time.Now()
		c.Next()
		stop := time.Since(start)
		latency := int(math.Ceil(float64(stop.Nanoseconds()) / 1000000.0))
		statusCode := c.Writer.Status()
		dataLength := c.Writer.Size()
		if dataLength < 0 {
			dataLength = 0
		}

		if _, ok := skip[path]; ok {
			return
		}

		if len(c.Errors) > 0 {
			logrus.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
		} else {
			msg := fmt.Sprintf("%s %s %d %d %dms", c.Request.Method, sanitizedPath, statusCode, dataLength, latency)
			if statusCode >= http.StatusInternalServerError {
				logrus.Error(msg)
			} else if statusCode >= http.StatusBadRequest {
				logrus.Error(msg)
			} else {
				logrus.Info(msg)
			}
		}
	}
}
