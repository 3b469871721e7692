package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/backfill"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/ingest"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/projection"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	adminSubjectContextKey   = "poltr_admin_subject"
	defaultHeartbeatInterval = 25 * time.Second
	connectionStateDisabled  = "disabled"
)

var (
	errMissingBackfillRunner = errors.New("backfill runner dependency required")
	errMissingReviewReader   = errors.New("review reader dependency required")
	errMissingRealtime       = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type BackfillRunner interface {
	Run(ctx context.Context, request backfill.Request) (backfill.Result, error)
	Status(ctx context.Context, id string) (backfill.Result, error)
}

type StreamStatusProvider interface {
	Status() ingest.Status
}

type ReviewReader interface {
	ReviewStatus(ctx context.Context, argumentURI string) (projection.ReviewStatus, error)
}

type AdminTokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface. Stream is nil when live ingestion is disabled and
// AdminTokens is nil when the admin endpoints are open.
type Dependencies struct {
	Backfill          BackfillRunner
	Stream            StreamStatusProvider
	Reviews           ReviewReader
	Realtime          *DecisionDispatcher
	AdminTokens       AdminTokenValidator
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Backfill == nil {
		return nil, errMissingBackfillRunner
	}
	if deps.Reviews == nil {
		return nil, errMissingReviewReader
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		backfill:  deps.Backfill,
		stream:    deps.Stream,
		reviews:   deps.Reviews,
		realtime:  deps.Realtime,
		tokens:    deps.AdminTokens,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/health", handler.handleHealth)
	router.GET("/review/status", handler.handleReviewStatus)
	router.GET("/review/events", handler.handleReviewEvents)

	admin := router.Group("/")
	admin.Use(handler.authorizeRequest)
	admin.GET("/backfill", handler.handleBackfill)
	admin.POST("/backfill", handler.handleBackfill)
	admin.GET("/backfill/status", handler.handleBackfillStatus)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	backfill  BackfillRunner
	stream    StreamStatusProvider
	reviews   ReviewReader
	realtime  *DecisionDispatcher
	tokens    AdminTokenValidator
	heartbeat time.Duration
	logger    *zap.Logger
}

type healthResponsePayload struct {
	OK              bool   `json:"ok"`
	StreamEnabled   bool   `json:"streamEnabled"`
	ConnectionState string `json:"connectionState"`
	Position        *int64 `json:"position"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	response := healthResponsePayload{OK: true, ConnectionState: connectionStateDisabled}
	if h.stream != nil {
		status := h.stream.Status()
		response.StreamEnabled = true
		response.ConnectionState = status.State.String()
		response.Position = status.Position
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleBackfill(c *gin.Context) {
	request := backfill.Request{ID: strings.TrimSpace(c.Query("id"))}
	if raw := strings.TrimSpace(c.Query("maxBatches")); raw != "" {
		maxBatches, err := strconv.Atoi(raw)
		if err != nil || maxBatches <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_max_batches"})
			return
		}
		request.MaxBatches = maxBatches
	}

	result, err := h.backfill.Run(c.Request.Context(), request)
	if errors.Is(err, backfill.ErrMissingID) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_id"})
		return
	}
	if err != nil {
		h.logger.Error("backfill run failed",
			zap.String("backfill_id", result.ID),
			zap.Int64p("position", result.Position),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, backfill.NewReport(result, err))
		return
	}
	c.JSON(http.StatusOK, backfill.NewReport(result, nil))
}

func (h *httpHandler) handleBackfillStatus(c *gin.Context) {
	result, err := h.backfill.Status(c.Request.Context(), strings.TrimSpace(c.Query("id")))
	if errors.Is(err, backfill.ErrMissingID) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_id"})
		return
	}
	if err != nil {
		h.logger.Error("backfill status failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, backfill.NewReport(result, nil))
}

type reviewStatusPayload struct {
	ArgumentURI string `json:"argumentUri"`
	Status      string `json:"status"`
	Quorum      int    `json:"quorum"`
	Approvals   int64  `json:"approvals"`
	Rejections  int64  `json:"rejections"`
	Total       int64  `json:"total"`
	Invitations int64  `json:"invitations"`
	Deleted     bool   `json:"deleted"`
}

func (h *httpHandler) handleReviewStatus(c *gin.Context) {
	argumentURI := strings.TrimSpace(c.Query("argumentUri"))
	if argumentURI == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument_uri"})
		return
	}
	status, err := h.reviews.ReviewStatus(c.Request.Context(), argumentURI)
	if errors.Is(err, projection.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("review status failed", zap.String("argument_uri", argumentURI), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "review_status_failed"})
		return
	}
	c.JSON(http.StatusOK, reviewStatusPayload{
		ArgumentURI: status.ArgumentURI,
		Status:      string(status.Decision),
		Quorum:      status.Quorum,
		Approvals:   status.Tally.Approvals,
		Rejections:  status.Tally.Rejections,
		Total:       status.Tally.Total,
		Invitations: status.Invitations,
		Deleted:     status.Deleted,
	})
}

type decisionEventPayload struct {
	ArgumentURI string `json:"argumentUri"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Source      string `json:"source"`
}

type heartbeatEventPayload struct {
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

func (h *httpHandler) handleReviewEvents(c *gin.Context) {
	subject := strings.TrimSpace(c.Query("argumentUri"))
	if subject == "" {
		subject = AllSubjects
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, subject)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(RealtimeEventDecision, decisionEventPayload{
				ArgumentURI: message.Subject,
				Status:      string(message.Decision),
				Timestamp:   message.Timestamp.Format(time.RFC3339),
				Source:      realtimeSourceIndexer,
			})
			c.Writer.Flush()
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatEventPayload{
				Timestamp: tick.UTC().Format(time.RFC3339),
				Source:    realtimeSourceIndexer,
			})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.tokens == nil {
		c.Next()
		return
	}
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
	c.Set(adminSubjectContextKey, subject)
	c.Next()
}
