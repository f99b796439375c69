package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tootsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/tootsync/internal/pipeline"
	"github.com/MarcoPoloResearchLab/tootsync/internal/toots"
)

const (
	subjectContextKey        = "tootsync_subject"
	defaultHeartbeatInterval = 15 * time.Second
	healthCheckTimeout       = 2 * time.Second

	ResponseModeToots = "toots"
	ResponseModeAck   = "ack"
)

var (
	errMissingSyncTrigger   = errors.New("sync trigger dependency required")
	errMissingTootReader    = errors.New("toot reader dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type SyncTrigger interface {
	SyncOnRequest(ctx context.Context) (pipeline.RequestResult, error)
}

type TootReader interface {
	ListRecent(ctx context.Context, limit int, liked *bool) ([]toots.Toot, error)
}

type RunReader interface {
	ListRecent(ctx context.Context, limit int) ([]pipeline.SyncRun, error)
}

type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// Dependencies wires the HTTP surface. Runs, Events, Metrics, Tokens and
// Health are optional; their routes or middleware are skipped when nil.
type Dependencies struct {
	Sync              SyncTrigger
	Toots             TootReader
	Runs              RunReader
	Events            *SyncEventDispatcher
	Metrics           *metrics.Collector
	Gatherer          prometheus.Gatherer
	Tokens            TokenValidator
	Health            HealthChecker
	ResponseMode      string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sync == nil {
		return nil, errMissingSyncTrigger
	}
	if deps.Toots == nil {
		return nil, errMissingTootReader
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	responseMode := deps.ResponseMode
	if responseMode == "" {
		responseMode = ResponseModeToots
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}

	handler := &httpHandler{
		sync:         deps.Sync,
		toots:        deps.Toots,
		runs:         deps.Runs,
		events:       deps.Events,
		tokens:       deps.Tokens,
		health:       deps.Health,
		responseMode: responseMode,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	trigger := router.Group("/")
	if deps.Tokens != nil {
		trigger.Use(handler.authorizeRequest)
	}
	trigger.GET("/sync", handler.handleSync)
	trigger.POST("/sync", handler.handleSync)

	router.GET("/toots", handler.handleListToots)
	if deps.Runs != nil {
		router.GET("/sync/runs", handler.handleListRuns)
	}
	if deps.Events != nil {
		router.GET("/sync/events", handler.handleSyncEvents)
	}
	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", metrics.Handler(deps.Gatherer))
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
		MaxAge:          12 * time.Hour,
	})
}

type httpHandler struct {
	sync         SyncTrigger
	toots        TootReader
	runs         RunReader
	events       *SyncEventDispatcher
	tokens       TokenValidator
	health       HealthChecker
	responseMode string
	heartbeat    time.Duration
	logger       *zap.Logger
}

type legPayload struct {
	Feed     string `json:"feed"`
	Outcome  string `json:"outcome"`
	Fetched  int    `json:"fetched"`
	Filtered int    `json:"filtered"`
	Stored   int    `json:"stored"`
	Error    string `json:"error,omitempty"`
}

type ackResponsePayload struct {
	Status string       `json:"status"`
	RunID  string       `json:"run_id"`
	Legs   []legPayload `json:"legs"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	if subject := c.GetString(subjectContextKey); subject != "" {
		h.logger.Info("sync requested", zap.String("subject", subject))
	}
	result, err := h.sync.SyncOnRequest(c.Request.Context())
	if err != nil {
		code := "sync_failed"
		var coded interface{ Code() string }
		if errors.As(err, &coded) {
			code = coded.Code()
		}
		h.logger.Error("sync request failed",
			zap.String("run_id", result.RunID),
			zap.String("code", code),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed", "code": code})
		return
	}

	if h.responseMode == ResponseModeAck {
		response := ackResponsePayload{
			Status: "ok",
			RunID:  result.RunID,
			Legs:   make([]legPayload, 0, len(result.Legs)),
		}
		for _, leg := range result.Legs {
			payload := legPayload{
				Feed:     string(leg.Feed),
				Outcome:  string(leg.Outcome),
				Fetched:  leg.Fetched,
				Filtered: leg.Filtered,
				Stored:   leg.Stored,
			}
			if leg.Err != nil {
				payload.Error = leg.Err.Error()
			}
			response.Legs = append(response.Legs, payload)
		}
		c.JSON(http.StatusOK, response)
		return
	}

	statuses := result.Statuses
	if statuses == nil {
		statuses = []toots.Toot{}
	}
	c.JSON(http.StatusOK, statuses)
}

func (h *httpHandler) handleListToots(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	var liked *bool
	if raw := strings.TrimSpace(c.Query("liked")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_liked"})
			return
		}
		liked = &value
	}

	recent, err := h.toots.ListRecent(c.Request.Context(), limit, liked)
	if err != nil {
		h.logger.Error("failed to list toots", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	if recent == nil {
		recent = []toots.Toot{}
	}
	c.JSON(http.StatusOK, recent)
}

func (h *httpHandler) handleListRuns(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	runs, err := h.runs.ListRecent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list sync runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	if runs == nil {
		runs = []pipeline.SyncRun{}
	}
	c.JSON(http.StatusOK, runs)
}

func (h *httpHandler) handleSyncEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(SyncEventLegFinished, event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(syncEventHeartbeat, gin.H{
				"source":    syncEventSource,
				"timestamp": tick.UTC().Format(time.RFC3339),
			})
			return true
		}
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.health.PingContext(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return 0, false
	}
	return limit, true
}
