package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wishr/internal/auth"
	"github.com/MarcoPoloResearchLab/wishr/internal/schema"
	"github.com/MarcoPoloResearchLab/wishr/internal/session"
	"github.com/MarcoPoloResearchLab/wishr/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSigningSecret = "server-test-signing-secret"

// stubBridge authenticates requests with real session cookies and records the
// provider redirects it would have issued.
type stubBridge struct {
	sessions    *auth.SessionManager
	disabled    bool
	callbackErr error

	mu        sync.Mutex
	logins    []string
	callbacks []string
	logouts   []string
	ended     []string
}

func (b *stubBridge) Enabled() bool {
	return !b.disabled
}

func (b *stubBridge) State(r *http.Request) auth.AuthState {
	if _, err := b.sessions.ValidateRequest(r); err != nil {
		return auth.StateUnauthenticated
	}
	return auth.StateAuthenticated
}

func (b *stubBridge) Session(r *http.Request) (auth.SessionClaims, error) {
	return b.sessions.ValidateRequest(r)
}

func (b *stubBridge) Login(nav auth.Navigator, targetURL string) bool {
	if b.disabled || nav == nil {
		return false
	}
	b.mu.Lock()
	b.logins = append(b.logins, targetURL)
	b.mu.Unlock()
	nav.Redirect("https://provider.example.com/authorize")
	return true
}

func (b *stubBridge) Callback(_ context.Context, nav auth.Navigator, code, state string) error {
	b.mu.Lock()
	b.callbacks = append(b.callbacks, code+":"+state)
	b.mu.Unlock()
	if b.callbackErr != nil {
		return b.callbackErr
	}
	nav.Redirect("/")
	return nil
}

func (b *stubBridge) Logout(nav auth.Navigator, sessionID string) bool {
	if b.disabled || nav == nil {
		return false
	}
	b.EndSession(nav, sessionID)
	b.mu.Lock()
	b.logouts = append(b.logouts, sessionID)
	b.mu.Unlock()
	nav.Redirect("https://provider.example.com/v2/logout")
	return true
}

func (b *stubBridge) EndSession(nav auth.Navigator, sessionID string) {
	if nav != nil {
		nav.SetCookie(b.sessions.ClearSessionCookie())
	}
	b.mu.Lock()
	b.ended = append(b.ended, sessionID)
	b.mu.Unlock()
}

func (b *stubBridge) endedSessions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ended...)
}

type apiFixture struct {
	handler  http.Handler
	store    *users.Store
	sessions *auth.SessionManager
	registry *session.Registry
	bridge   *stubBridge
}

type fixtureOption func(*Dependencies)

func newAPIFixture(t *testing.T, options ...fixtureOption) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := users.NewStore(users.StoreConfig{Database: openTestDatabase(t)})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	sessions, err := auth.NewSessionManager(auth.SessionManagerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to create session manager: %v", err)
	}
	registry := session.NewRegistry(session.RegistryConfig{Fetcher: store})
	t.Cleanup(registry.CloseAll)
	bridge := &stubBridge{sessions: sessions}

	deps := Dependencies{
		Bridge:        bridge,
		Users:         store,
		Sessions:      registry,
		GuardInterval: time.Millisecond,
	}
	for _, option := range options {
		option(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &apiFixture{
		handler:  handler,
		store:    store,
		sessions: sessions,
		registry: registry,
		bridge:   bridge,
	}
}

func openTestDatabase(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:server_%s?mode=memory&cache=shared", name)), &gorm.Config{
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
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func (f *apiFixture) seedUser(t *testing.T, userID, email string) schema.User {
	t.Helper()
	user, err := f.store.AddUser(context.Background(), schema.User{
		ID:             userID,
		AuthProviderID: userID,
		PersonalInformation: schema.PersonalInformation{
			FirstName: "Ada",
			LastName:  "Lovelace",
			Email:     email,
		},
	})
	if err != nil {
		t.Fatalf("failed to seed user %s: %v", userID, err)
	}
	return user
}

func (f *apiFixture) seedWishlist(t *testing.T, userID string, wishlist schema.Wishlist) schema.Wishlist {
	t.Helper()
	stored, err := f.store.CreateWishlist(context.Background(), userID, wishlist)
	if err != nil {
		t.Fatalf("failed to seed wishlist: %v", err)
	}
	return stored
}

func (f *apiFixture) sessionCookie(t *testing.T, userID string) (*http.Cookie, auth.SessionClaims) {
	t.Helper()
	token, claims, err := f.sessions.Issue(auth.Profile{
		Subject:    userID,
		Email:      userID + "@example.com",
		GivenName:  "Ada",
		FamilyName: "Lovelace",
	})
	if err != nil {
		t.Fatalf("failed to issue session: %v", err)
	}
	return f.sessions.SessionCookie(token), claims
}

// do performs a JSON request as userID; an empty userID sends no session.
func (f *apiFixture) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Accept", "application/json")
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		cookie, _ := f.sessionCookie(t, userID)
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}
