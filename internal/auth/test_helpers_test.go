package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wishr/internal/schema"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testClientID      = "test-client"
	testSigningSecret = "secret"
	testKeyID         = "test-key"
)

// testProvider serves a JWKS document and signs ID tokens with its key.
type testProvider struct {
	privateKey *rsa.PrivateKey
	server     *httptest.Server
}

func newTestProvider(t *testing.T) *testProvider {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	jwksResponse := map[string]any{
		"keys": []any{map[string]string{
			"kty": "RSA",
			"alg": "RS256",
			"kid": testKeyID,
			"use": "sig",
			"n":   encodeBigInt(privateKey.PublicKey.N),
			"e":   encodeBigInt(privateKey.PublicKey.E),
		}},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(jwksResponse)
	}))
	t.Cleanup(server.Close)
	return &testProvider{privateKey: privateKey, server: server}
}

func (p *testProvider) issuer() string {
	return p.server.URL + "/"
}

func (p *testProvider) signIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(p.privateKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (p *testProvider) profileClaims(subject string) jwt.MapClaims {
	now := time.Now().UTC()
	return jwt.MapClaims{
		"aud":         testClientID,
		"iss":         p.issuer(),
		"sub":         subject,
		"email":       "ada@example.com",
		"given_name":  "Ada",
		"family_name": "Lovelace",
		"exp":         now.Add(5 * time.Minute).Unix(),
		"iat":         now.Unix(),
	}
}

func encodeBigInt(value interface{}) string {
	switch v := value.(type) {
	case *big.Int:
		return base64.RawURLEncoding.EncodeToString(v.Bytes())
	case int:
		return encodeBigInt(int64(v))
	case int64:
		return base64.RawURLEncoding.EncodeToString(big.NewInt(v).Bytes())
	default:
		return ""
	}
}

func newTestSessionManager(t *testing.T) *SessionManager {
	t.Helper()
	manager, err := NewSessionManager(SessionManagerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct session manager: %v", err)
	}
	return manager
}

type recordingNavigator struct {
	request  *http.Request
	cookies  []*http.Cookie
	location string
}

func (n *recordingNavigator) Request() *http.Request {
	return n.request
}

func (n *recordingNavigator) SetCookie(cookie *http.Cookie) {
	n.cookies = append(n.cookies, cookie)
}

func (n *recordingNavigator) Redirect(location string) {
	n.location = location
}

func (n *recordingNavigator) cookie(name string) *http.Cookie {
	for index := len(n.cookies) - 1; index >= 0; index-- {
		if n.cookies[index].Name == name {
			return n.cookies[index]
		}
	}
	return nil
}

// memoryReconciler keeps users in a map keyed by id, inserting only when absent.
type memoryReconciler struct {
	mu    sync.Mutex
	users map[string]schema.User
	calls int
}

func newMemoryReconciler() *memoryReconciler {
	return &memoryReconciler{users: make(map[string]schema.User)}
}

func (m *memoryReconciler) AddUserIfAbsent(_ context.Context, user schema.User) (schema.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if existing, ok := m.users[user.ID]; ok {
		return existing, false, nil
	}
	m.users[user.ID] = user
	return user, true, nil
}

type stubExchanger struct {
	idToken string
	code    string
}

func (s *stubExchanger) AuthCodeURL(state string) string {
	return "https://provider.example.com/authorize?state=" + state
}

func (s *stubExchanger) Exchange(_ context.Context, code string) (string, error) {
	s.code = code
	return s.idToken, nil
}

type closerSpy struct {
	closed []string
}

func (c *closerSpy) Close(sessionID string) int {
	c.closed = append(c.closed, sessionID)
	return 1
}
