// Package guard gates routes on the authentication state reported by the auth bridge.
package guard

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wishr/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccessMode is the per-route authentication requirement.
type AccessMode string

const (
	ModeUnset            AccessMode = ""
	ModeAuthenticated    AccessMode = "authenticated"
	ModeNotAuthenticated AccessMode = "not-authenticated"
)

// Outcome is what the guard decided for a navigation.
type Outcome int

const (
	OutcomeAllow Outcome = iota
	OutcomeRedirectRoot
	OutcomeLogin
	OutcomeAborted
)

const defaultPollInterval = 100 * time.Millisecond

// Decision carries the outcome and, for OutcomeLogin, the post-login target.
type Decision struct {
	Outcome Outcome
	Target  string
}

// Bridge is the part of the auth bridge the guard consults.
type Bridge interface {
	State(r *http.Request) auth.AuthState
	Login(nav auth.Navigator, targetURL string) bool
}

type Config struct {
	Bridge       Bridge
	PollInterval time.Duration
	Logger       *zap.Logger
}

type Guard struct {
	bridge       Bridge
	pollInterval time.Duration
	logger       *zap.Logger
}

func New(cfg Config) *Guard {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{bridge: cfg.Bridge, pollInterval: interval, logger: logger}
}

// Evaluate waits while the bridge reports StateLoading, then applies the route
// rules in order: a not-authenticated route visited with a session redirects to
// the root, and an authenticated route visited without one logs in with
// requestedPath as the target. Unmarked routes are always allowed. The wait ends
// only with ctx, which yields OutcomeAborted.
func (g *Guard) Evaluate(ctx context.Context, mode AccessMode, requestedPath string, r *http.Request) Decision {
	if mode == ModeUnset {
		return Decision{Outcome: OutcomeAllow}
	}

	state, ok := g.awaitState(ctx, r)
	if !ok {
		return Decision{Outcome: OutcomeAborted}
	}

	switch {
	case mode == ModeNotAuthenticated && state == auth.StateAuthenticated:
		return Decision{Outcome: OutcomeRedirectRoot, Target: "/"}
	case mode == ModeAuthenticated && state != auth.StateAuthenticated:
		return Decision{Outcome: OutcomeLogin, Target: requestedPath}
	default:
		return Decision{Outcome: OutcomeAllow}
	}
}

func (g *Guard) awaitState(ctx context.Context, r *http.Request) (auth.AuthState, bool) {
	state := g.bridge.State(r)
	if state != auth.StateLoading {
		return state, true
	}

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return auth.StateLoading, false
		case <-ticker.C:
			state = g.bridge.State(r)
			if state != auth.StateLoading {
				return state, true
			}
		}
	}
}

// Middleware applies the decision for mode to gin requests. Clients asking for
// JSON get a 401 pointing at the login route instead of a provider redirect.
func (g *Guard) Middleware(mode AccessMode) gin.HandlerFunc {
	return func(c *gin.Context) {
		requested := c.Request.URL.RequestURI()
		decision := g.Evaluate(c.Request.Context(), mode, requested, c.Request)

		switch decision.Outcome {
		case OutcomeAllow:
			c.Next()
		case OutcomeRedirectRoot:
			c.Redirect(http.StatusFound, decision.Target)
			c.Abort()
		case OutcomeLogin:
			if wantsJSON(c.Request) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "authentication_required",
					"code":  "guard.login_required",
					"login": "/auth/login?target=" + url.QueryEscape(decision.Target),
				})
				return
			}
			if g.bridge.Login(auth.NewHTTPNavigator(c.Writer, c.Request), decision.Target) {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication_unavailable",
				"code":  "guard.login_unavailable",
			})
		case OutcomeAborted:
			g.logger.Debug("route guard wait cancelled", zap.String("path", requested))
			c.AbortWithStatus(http.StatusServiceUnavailable)
		}
	}
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") || strings.Contains(accept, "text/event-stream")
}
