package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/auth"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/calendar"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/gateway"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/generator"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/ideas"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/logging"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/stream"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/usage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "dailydoom_user_id"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingIdeaService = errors.New("idea service dependency required")
	errMissingVerifier    = errors.New("token verifier dependency required")
	errMissingGateway     = errors.New("gateway dependency required")
	errMissingRoaster     = errors.New("roaster dependency required")
	errMissingAdvisor     = errors.New("advisor dependency required")
)

// IdeaService serves daily ideas and the archive.
type IdeaService interface {
	Today() calendar.DateKey
	GetOrCreate(ctx context.Context, date calendar.DateKey) (ideas.Record, error)
	ListArchive(ctx context.Context, limit, offset int) (ideas.ArchivePage, error)
	ListDates(ctx context.Context) ([]calendar.DateKey, error)
}

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

// ProfileTracker records verified users; failures never block a request.
type ProfileTracker interface {
	Touch(ctx context.Context, claims auth.Claims) (string, error)
}

type Dependencies struct {
	Ideas             IdeaService
	Verifier          TokenVerifier
	Profiles          ProfileTracker
	Gateway           *gateway.Gateway
	Roaster           generator.Roaster
	Advisor           generator.Advisor
	RoastPolicy       gateway.Policy
	AdvisorPolicy     gateway.Policy
	Realtime          *RealtimeDispatcher
	Relay             *stream.Relay
	MetricsHandler    http.Handler
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Ideas == nil {
		return nil, errMissingIdeaService
	}
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.Roaster == nil {
		return nil, errMissingRoaster
	}
	if deps.Advisor == nil {
		return nil, errMissingAdvisor
	}
	roastPolicy := deps.RoastPolicy
	if roastPolicy.Feature == "" {
		roastPolicy = gateway.DefaultRoastPolicy()
	}
	advisorPolicy := deps.AdvisorPolicy
	if advisorPolicy.Feature == "" {
		advisorPolicy = gateway.DefaultAdvisorPolicy()
	}
	for _, policy := range []gateway.Policy{roastPolicy, advisorPolicy} {
		if err := policy.Validate(); err != nil {
			return nil, err
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	relay := deps.Relay
	if relay == nil {
		relay = stream.NewRelay(logger, nil)
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		ideas:         deps.Ideas,
		verifier:      deps.Verifier,
		profiles:      deps.Profiles,
		gateway:       deps.Gateway,
		roaster:       deps.Roaster,
		advisor:       deps.Advisor,
		roastPolicy:   roastPolicy,
		advisorPolicy: advisorPolicy,
		realtime:      realtime,
		relay:         relay,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}
	router.GET("/idea", handler.handleGetIdea)
	router.GET("/ideas", handler.handleListIdeas)
	router.GET("/ideas/dates", handler.handleListDates)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/roast", handler.handleRoast)
	protected.POST("/advisor-chat", handler.handleAdvisorChat)
	protected.GET("/usage", handler.handleUsage)
	protected.GET("/usage/events", handler.handleUsageEvents)

	return router, nil
}

type httpHandler struct {
	ideas         IdeaService
	verifier      TokenVerifier
	profiles      ProfileTracker
	gateway       *gateway.Gateway
	roaster       generator.Roaster
	advisor       generator.Advisor
	roastPolicy   gateway.Policy
	advisorPolicy gateway.Policy
	realtime      *RealtimeDispatcher
	relay         *stream.Relay
	heartbeat     time.Duration
	logger        *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposeHeaders: []string{"X-Request-Id"},
		MaxAge:        12 * time.Hour,
	}
	wildcard := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		if origin == "*" {
			wildcard = true
		}
	}
	if wildcard {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.BearerToken(c.Request)
	if errors.Is(err, auth.ErrMissingToken) {
		h.abortWithError(c, gateway.NewError(gateway.CodeAuthRequired, err))
		return
	}
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		h.abortWithError(c, gateway.NewError(gateway.CodeAuthInvalid, err))
		return
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		h.abortWithError(c, gateway.NewError(gateway.CodeAuthInvalid, err))
		return
	}

	userID := claims.UserID()
	// an identity the ledger cannot record would never be limited.
	if err := usage.ValidateUserID(userID); err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		h.abortWithError(c, gateway.NewError(gateway.CodeAuthInvalid, err))
		return
	}
	if h.profiles != nil {
		canonicalID, err := h.profiles.Touch(c.Request.Context(), claims)
		if err != nil {
			h.logger.Warn("profile touch failed", zap.String("user_id", userID), zap.Error(err))
		} else {
			userID = canonicalID
		}
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}
