package server_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wishr/internal/auth"
	"github.com/MarcoPoloResearchLab/wishr/internal/metrics"
	"github.com/MarcoPoloResearchLab/wishr/internal/schema"
	"github.com/MarcoPoloResearchLab/wishr/internal/server"
	"github.com/MarcoPoloResearchLab/wishr/internal/session"
	"github.com/MarcoPoloResearchLab/wishr/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	integrationClientID = "integration-client"
	integrationKeyID    = "integration-key"
	integrationSubject  = "auth0|ada"
	jsonContentType     = "application/json"
)

type identityProvider struct {
	privateKey *rsa.PrivateKey
	server     *httptest.Server
}

func newIdentityProvider(t *testing.T) *identityProvider {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	jwks := map[string]any{
		"keys": []any{map[string]string{
			"kty": "RSA",
			"alg": "RS256",
			"kid": integrationKeyID,
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(privateKey.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.PublicKey.E)).Bytes()),
		}},
	}
	provider := &identityProvider{privateKey: privateKey}
	provider.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", jsonContentType)
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(provider.server.Close)
	return provider
}

func (p *identityProvider) idToken(t *testing.T) string {
	t.Helper()
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":         p.server.URL + "/",
		"aud":         integrationClientID,
		"sub":         integrationSubject,
		"email":       "ada@example.com",
		"given_name":  "Ada",
		"family_name": "Lovelace",
		"iat":         now.Unix(),
		"exp":         now.Add(5 * time.Minute).Unix(),
	})
	token.Header["kid"] = integrationKeyID
	signed, err := token.SignedString(p.privateKey)
	if err != nil {
		t.Fatalf("failed to sign id token: %v", err)
	}
	return signed
}

// codeExchanger hands out the provider's ID token for any authorization code.
type codeExchanger struct {
	token string
}

func (e *codeExchanger) AuthCodeURL(state string) string {
	return "https://tenant.example.com/authorize?state=" + url.QueryEscape(state)
}

func (e *codeExchanger) Exchange(context.Context, string) (string, error) {
	return e.token, nil
}

func cookieNamed(response *http.Response, name string) *http.Cookie {
	for _, cookie := range response.Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func TestLoginReconcileAndWishlistFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:integration?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(users.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	collector := metrics.NewCollector(prometheus.NewRegistry())
	store, err := users.NewStore(users.StoreConfig{Database: db, Metrics: collector, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	registry := session.NewRegistry(session.RegistryConfig{Fetcher: store, Metrics: collector})
	t.Cleanup(registry.CloseAll)
	sessions, err := auth.NewSessionManager(auth.SessionManagerConfig{SigningSecret: []byte("integration-secret")})
	if err != nil {
		t.Fatalf("failed to build session manager: %v", err)
	}

	provider := newIdentityProvider(t)
	bridge, err := auth.NewBridge(auth.BridgeConfig{
		Domain:        provider.server.URL,
		ClientID:      integrationClientID,
		AppOrigin:     "https://wishr.example.com",
		Sessions:      sessions,
		Users:         store,
		SessionStates: registry,
		Exchanger:     &codeExchanger{token: provider.idToken(t)},
		HTTPClient:    provider.server.Client(),
		Metrics:       collector,
	})
	if err != nil {
		t.Fatalf("failed to build bridge: %v", err)
	}
	startCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bridge.Start(startCtx); err != nil {
		t.Fatalf("failed to warm the bridge: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Bridge:   bridge,
		Users:    store,
		Sessions: registry,
		Metrics:  collector.Handler(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	app := httptest.NewServer(handler)
	t.Cleanup(app.Close)
	client := app.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	loginResponse, err := client.Get(app.URL + "/auth/login?target=/wishlists/shared")
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	_ = loginResponse.Body.Close()
	if loginResponse.StatusCode != http.StatusFound {
		t.Fatalf("expected login redirect, got %d", loginResponse.StatusCode)
	}
	providerRedirect, err := url.Parse(loginResponse.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid provider redirect: %v", err)
	}
	state := providerRedirect.Query().Get("state")
	var loginStateCookie *http.Cookie
	for _, cookie := range loginResponse.Cookies() {
		if cookie.Name != sessions.CookieName() {
			loginStateCookie = cookie
		}
	}
	if state == "" || loginStateCookie == nil {
		t.Fatalf("expected state and login cookie, got %q %v", state, loginStateCookie)
	}

	callbackRequest, _ := http.NewRequest(http.MethodGet, app.URL+"/auth/callback?code=auth-code&state="+url.QueryEscape(state), http.NoBody)
	callbackRequest.AddCookie(loginStateCookie)
	callbackResponse, err := client.Do(callbackRequest)
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	_ = callbackResponse.Body.Close()
	if callbackResponse.StatusCode != http.StatusFound || callbackResponse.Header.Get("Location") != "/wishlists/shared" {
		t.Fatalf("expected redirect to the login target, got %d %q", callbackResponse.StatusCode, callbackResponse.Header.Get("Location"))
	}
	sessionCookie := cookieNamed(callbackResponse, sessions.CookieName())
	if sessionCookie == nil {
		t.Fatalf("expected a session cookie")
	}

	meRequest, _ := http.NewRequest(http.MethodGet, app.URL+"/api/me", http.NoBody)
	meRequest.Header.Set("Accept", jsonContentType)
	meRequest.AddCookie(sessionCookie)
	meResponse, err := client.Do(meRequest)
	if err != nil {
		t.Fatalf("me request failed: %v", err)
	}
	var me struct {
		User schema.User `json:"user"`
	}
	if err := json.NewDecoder(meResponse.Body).Decode(&me); err != nil {
		t.Fatalf("failed to decode me response: %v", err)
	}
	_ = meResponse.Body.Close()
	if meResponse.StatusCode != http.StatusOK || me.User.ID != integrationSubject || me.User.AuthProviderID != integrationSubject {
		t.Fatalf("expected the reconciled user, got %d %+v", meResponse.StatusCode, me.User)
	}
	if me.User.PersonalInformation.Email != "ada@example.com" {
		t.Fatalf("expected profile claims on the new user, got %+v", me.User.PersonalInformation)
	}

	createRequest, _ := http.NewRequest(http.MethodPost, app.URL+"/api/me/wishlists", strings.NewReader(`{"title":"Birthday","items":[{"title":"Bike"}]}`))
	createRequest.Header.Set("Content-Type", jsonContentType)
	createRequest.Header.Set("Accept", jsonContentType)
	createRequest.AddCookie(sessionCookie)
	createResponse, err := client.Do(createRequest)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	_ = createResponse.Body.Close()
	if createResponse.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", createResponse.StatusCode)
	}

	logoutRequest, _ := http.NewRequest(http.MethodGet, app.URL+"/auth/logout", http.NoBody)
	logoutRequest.AddCookie(sessionCookie)
	logoutResponse, err := client.Do(logoutRequest)
	if err != nil {
		t.Fatalf("logout request failed: %v", err)
	}
	_ = logoutResponse.Body.Close()
	if !strings.HasPrefix(logoutResponse.Header.Get("Location"), provider.server.URL+"/v2/logout?") {
		t.Fatalf("expected provider logout redirect, got %q", logoutResponse.Header.Get("Location"))
	}

	metricsResponse, err := client.Get(app.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	body, err := io.ReadAll(metricsResponse.Body)
	if err != nil {
		t.Fatalf("failed to read metrics: %v", err)
	}
	_ = metricsResponse.Body.Close()
	for _, expected := range []string{
		"wishr_users_created_total 1",
		`wishr_auth_events_total{event="callback",outcome="ok"} 1`,
	} {
		if !strings.Contains(string(body), expected) {
			t.Fatalf("expected metrics to contain %q", expected)
		}
	}
}
