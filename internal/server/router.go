package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wishr/internal/auth"
	"github.com/MarcoPoloResearchLab/wishr/internal/guard"
	"github.com/MarcoPoloResearchLab/wishr/internal/session"
	"github.com/MarcoPoloResearchLab/wishr/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const sessionClaimsContextKey = "wishr_session_claims"

var (
	errMissingBridge   = errors.New("auth bridge dependency required")
	errMissingStore    = errors.New("users store dependency required")
	errMissingSessions = errors.New("session registry dependency required")
)

// AuthBridge is the part of the authentication bridge the HTTP surface drives.
type AuthBridge interface {
	Enabled() bool
	State(r *http.Request) auth.AuthState
	Session(r *http.Request) (auth.SessionClaims, error)
	Login(nav auth.Navigator, targetURL string) bool
	Callback(ctx context.Context, nav auth.Navigator, code, state string) error
	Logout(nav auth.Navigator, sessionID string) bool
	EndSession(nav auth.Navigator, sessionID string)
}

type Dependencies struct {
	Bridge         AuthBridge
	Users          *users.Store
	Sessions       *session.Registry
	Metrics        http.Handler
	AllowedOrigins []string
	RateLimit      RateLimiterConfig
	GuardInterval  time.Duration
	StreamConfig   StreamConfig
	Logger         *zap.Logger
}

// NewHTTPHandler wires the routes of the API onto a gin engine.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Bridge == nil {
		return nil, errMissingBridge
	}
	if deps.Users == nil {
		return nil, errMissingStore
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	routeGuard := guard.New(guard.Config{
		Bridge:       deps.Bridge,
		PollInterval: deps.GuardInterval,
		Logger:       logger,
	})

	handler := &httpHandler{
		bridge:   deps.Bridge,
		users:    deps.Users,
		sessions: deps.Sessions,
		limiter:  NewRateLimiter(deps.RateLimit),
		stream:   deps.StreamConfig.withDefaults(),
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	router.GET("/auth/login", routeGuard.Middleware(guard.ModeNotAuthenticated), handler.handleLogin)
	router.GET("/auth/callback", handler.handleCallback)
	router.GET("/auth/logout", handler.handleLogout)

	router.GET("/wishlists/:id", handler.handleSharedWishlist)

	api := router.Group("/api")
	api.Use(routeGuard.Middleware(guard.ModeAuthenticated), handler.requireSession)
	api.GET("/me", handler.handleGetMe)
	api.GET("/me/stream", handler.handleStream)

	writes := api.Group("")
	writes.Use(handler.limiter.Middleware())
	writes.PATCH("/me", handler.handlePatchMe)
	writes.DELETE("/me", handler.handleDeleteMe)
	writes.POST("/me/wishlists", handler.handleCreateWishlist)
	writes.PATCH("/wishlists/:id", handler.handlePatchWishlist)
	writes.DELETE("/wishlists/:id", handler.handleDeleteWishlist)
	writes.POST("/wishlists/:id/items/:itemId/reservation", handler.handleReserveItem)
	writes.DELETE("/wishlists/:id/items/:itemId/reservation", handler.handleReleaseItem)
	writes.POST("/me/friends", handler.handleAddFriend)
	writes.DELETE("/me/friends/:id", handler.handleRemoveFriend)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSuffix(strings.TrimSpace(origin), "/"); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	bridge   AuthBridge
	users    *users.Store
	sessions *session.Registry
	limiter  *RateLimiter
	stream   StreamConfig
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	if h.bridge.Login(auth.NewHTTPNavigator(c.Writer, c.Request), c.Query("target")) {
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error": "authentication_unavailable",
		"code":  "auth.login.unavailable",
	})
}

func (h *httpHandler) handleCallback(c *gin.Context) {
	if providerError := c.Query("error"); providerError != "" {
		h.logger.Info("identity provider rejected login",
			zap.String("provider_error", providerError),
			zap.String("description", c.Query("error_description")))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login_rejected", "code": "auth.callback.rejected"})
		return
	}

	err := h.bridge.Callback(c.Request.Context(), auth.NewHTTPNavigator(c.Writer, c.Request), c.Query("code"), c.Query("state"))
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrBridgeDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "authentication_unavailable", "code": "auth.callback.unavailable"})
	case errors.Is(err, auth.ErrMissingProfileEmail):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login_missing_email", "code": "auth.callback.missing_email"})
	case errors.Is(err, auth.ErrStateMismatch), errors.Is(err, auth.ErrMissingSessionToken), errors.Is(err, auth.ErrInvalidSessionToken), errors.Is(err, auth.ErrExpiredSessionToken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_login_state", "code": "auth.callback.state"})
	default:
		h.logger.Warn("login callback failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login_failed", "code": "auth.callback.failed"})
	}
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	sessionID := ""
	if claims, err := h.bridge.Session(c.Request); err == nil {
		sessionID = claims.SessionID()
	}
	nav := auth.NewHTTPNavigator(c.Writer, c.Request)
	if h.bridge.Logout(nav, sessionID) {
		return
	}
	h.bridge.EndSession(nav, sessionID)
	c.Redirect(http.StatusFound, "/")
}

// requireSession loads the session claims for routes the guard already admitted.
func (h *httpHandler) requireSession(c *gin.Context) {
	claims, err := h.bridge.Session(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.session.invalid"})
		return
	}
	c.Set(sessionClaimsContextKey, claims)
	c.Next()
}

func sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(sessionClaimsContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	if !ok || claims.UserID() == "" {
		return auth.SessionClaims{}, false
	}
	return claims, true
}
