package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wishr/internal/auth"
	"github.com/gin-gonic/gin"
)

// scriptedBridge reports loading for the first loadingPolls calls, then state.
type scriptedBridge struct {
	mu           sync.Mutex
	state        auth.AuthState
	loadingPolls int
	calls        int
	loginTargets []string
	loginResult  bool
}

func (b *scriptedBridge) State(*http.Request) auth.AuthState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.loadingPolls {
		return auth.StateLoading
	}
	return b.state
}

func (b *scriptedBridge) Login(nav auth.Navigator, targetURL string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loginTargets = append(b.loginTargets, targetURL)
	if b.loginResult && nav != nil {
		nav.Redirect("https://provider.example.com/authorize")
	}
	return b.loginResult
}

func newTestGuard(bridge Bridge) *Guard {
	return New(Config{Bridge: bridge, PollInterval: time.Millisecond})
}

func TestEvaluateRedirectsAuthenticatedSessionAwayFromLogin(t *testing.T) {
	guard := newTestGuard(&scriptedBridge{state: auth.StateAuthenticated})
	request := httptest.NewRequest(http.MethodGet, "/auth/login", http.NoBody)

	decision := guard.Evaluate(context.Background(), ModeNotAuthenticated, "/auth/login", request)
	if decision.Outcome != OutcomeRedirectRoot || decision.Target != "/" {
		t.Fatalf("expected redirect to /, got %+v", decision)
	}
}

func TestEvaluateLogsInWithRequestedPath(t *testing.T) {
	guard := newTestGuard(&scriptedBridge{state: auth.StateUnauthenticated})
	request := httptest.NewRequest(http.MethodGet, "/wishlists/42?tab=items", http.NoBody)

	decision := guard.Evaluate(context.Background(), ModeAuthenticated, "/wishlists/42?tab=items", request)
	if decision.Outcome != OutcomeLogin || decision.Target != "/wishlists/42?tab=items" {
		t.Fatalf("expected login with the requested path, got %+v", decision)
	}
}

func TestEvaluateAllowsMatchingStatesAndUnmarkedRoutes(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	testCases := []struct {
		name  string
		mode  AccessMode
		state auth.AuthState
	}{
		{name: "unmarked unauthenticated", mode: ModeUnset, state: auth.StateUnauthenticated},
		{name: "unmarked loading", mode: ModeUnset, state: auth.StateLoading},
		{name: "authenticated route with session", mode: ModeAuthenticated, state: auth.StateAuthenticated},
		{name: "not-authenticated route without session", mode: ModeNotAuthenticated, state: auth.StateUnauthenticated},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			guard := newTestGuard(&scriptedBridge{state: testCase.state})
			decision := guard.Evaluate(context.Background(), testCase.mode, "/", request)
			if decision.Outcome != OutcomeAllow {
				t.Fatalf("expected allow, got %+v", decision)
			}
		})
	}
}

func TestEvaluateWaitsWhileLoading(t *testing.T) {
	bridge := &scriptedBridge{state: auth.StateAuthenticated, loadingPolls: 3}
	guard := newTestGuard(bridge)

	decision := guard.Evaluate(context.Background(), ModeNotAuthenticated, "/auth/login", httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if decision.Outcome != OutcomeRedirectRoot {
		t.Fatalf("expected the decision after loading to redirect, got %+v", decision)
	}
	if bridge.calls != 4 {
		t.Fatalf("expected 4 state polls, got %d", bridge.calls)
	}
}

func TestEvaluateStopsWaitingWithContext(t *testing.T) {
	guard := newTestGuard(&scriptedBridge{state: auth.StateAuthenticated, loadingPolls: 1 << 30})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	decision := guard.Evaluate(ctx, ModeAuthenticated, "/", httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if decision.Outcome != OutcomeAborted {
		t.Fatalf("expected aborted decision, got %+v", decision)
	}
}

func TestMiddlewareInitiatesLoginForNavigation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	bridge := &scriptedBridge{state: auth.StateUnauthenticated, loginResult: true}
	guard := newTestGuard(bridge)

	router := gin.New()
	router.GET("/wishlists/:id", guard.Middleware(ModeAuthenticated), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/wishlists/42", http.NoBody))

	if recorder.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", recorder.Code)
	}
	if len(bridge.loginTargets) != 1 || bridge.loginTargets[0] != "/wishlists/42" {
		t.Fatalf("expected login with the requested path, got %v", bridge.loginTargets)
	}
}

func TestMiddlewareAnswersJSONClientsWithUnauthorized(t *testing.T) {
	gin.SetMode(gin.TestMode)
	bridge := &scriptedBridge{state: auth.StateUnauthenticated, loginResult: true}
	guard := newTestGuard(bridge)

	router := gin.New()
	router.GET("/api/me", guard.Middleware(ModeAuthenticated), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	request := httptest.NewRequest(http.MethodGet, "/api/me", http.NoBody)
	request.Header.Set("Accept", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "target=%2Fapi%2Fme") {
		t.Fatalf("expected the login pointer to carry the target, got %s", recorder.Body.String())
	}
	if len(bridge.loginTargets) != 0 {
		t.Fatalf("expected no provider redirect for JSON clients")
	}
}

func TestMiddlewareRedirectsAuthenticatedSessionToRoot(t *testing.T) {
	gin.SetMode(gin.TestMode)
	guard := newTestGuard(&scriptedBridge{state: auth.StateAuthenticated})

	router := gin.New()
	router.GET("/auth/login", guard.Middleware(ModeNotAuthenticated), func(c *gin.Context) {
		c.String(http.StatusOK, "login page")
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/auth/login", http.NoBody))

	if recorder.Code != http.StatusFound || recorder.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect to /, got %d %q", recorder.Code, recorder.Header().Get("Location"))
	}
}
