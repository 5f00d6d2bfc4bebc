package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultSessionIssuer     = "wishr"
	defaultSessionCookieName = "wishr_session"
	defaultSessionTTL        = 24 * time.Hour
	loginStateAudience       = "wishr-login-state"
	loginStateCookieName     = "wishr_login_state"
	loginStateTTL            = 10 * time.Minute
	sessionAudience          = "wishr-session"
)

var (
	ErrMissingSessionSigningKey = errors.New("session manager: signing key required")
	ErrMissingSessionToken      = errors.New("session manager: token required")
	ErrInvalidSessionToken      = errors.New("session manager: invalid token")
	ErrExpiredSessionToken      = errors.New("session manager: token expired")
	ErrMissingSessionSubject    = errors.New("session manager: subject required")
)

// SessionClaims is the payload of the session cookie. Subject is the user id and
// ID is the session id.
type SessionClaims struct {
	Email      string `json:"email"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject the session was issued to.
func (c SessionClaims) UserID() string {
	return c.Subject
}

// SessionID returns the token identifier shared by every request of the session.
func (c SessionClaims) SessionID() string {
	return c.ID
}

// Profile rebuilds the identity profile carried by the session.
func (c SessionClaims) Profile() Profile {
	return Profile{
		Subject:    c.Subject,
		Email:      c.Email,
		GivenName:  c.GivenName,
		FamilyName: c.FamilyName,
	}
}

type loginStateClaims struct {
	Target string `json:"target"`
	jwt.RegisteredClaims
}

// SessionManagerConfig describes how session cookies are signed and scoped.
type SessionManagerConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	TTL           time.Duration
	Secure        bool
	Clock         func() time.Time
}

// SessionManager issues and validates HS256 session cookies and the signed
// login state that carries the post-login target across the provider redirect.
type SessionManager struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	ttl           time.Duration
	secure        bool
	clock         func() time.Time
}

// NewSessionManager constructs a manager with the provided configuration.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = defaultSessionCookieName
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionManager{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		ttl:           ttl,
		secure:        cfg.Secure,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (m *SessionManager) CookieName() string {
	return m.cookieName
}

// Issue signs a session token for profile with a fresh session id.
func (m *SessionManager) Issue(profile Profile) (string, SessionClaims, error) {
	if strings.TrimSpace(profile.Subject) == "" {
		return "", SessionClaims{}, ErrMissingSessionSubject
	}
	now := m.clock().UTC()
	claims := SessionClaims{
		Email:      profile.Email,
		GivenName:  profile.GivenName,
		FamilyName: profile.FamilyName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   profile.Subject,
			Audience:  jwt.ClaimStrings{sessionAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingSecret)
	if err != nil {
		return "", SessionClaims{}, err
	}
	return signed, claims, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (m *SessionManager) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	if err := m.parse(token, claims, sessionAudience); err != nil {
		return SessionClaims{}, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return *claims, nil
}

// ValidateRequest extracts the configured cookie from the request and validates it.
func (m *SessionManager) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return m.ValidateToken(cookie.Value)
}

// SessionCookie wraps a signed session token in an HttpOnly cookie.
func (m *SessionManager) SessionCookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     m.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearSessionCookie expires the session cookie.
func (m *SessionManager) ClearSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// IssueLoginState signs the post-login target bound to nonce.
func (m *SessionManager) IssueLoginState(target, nonce string) (*http.Cookie, error) {
	now := m.clock().UTC()
	claims := loginStateClaims{
		Target: target,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        nonce,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{loginStateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(loginStateTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingSecret)
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     loginStateCookieName,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(loginStateTTL.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// ReadLoginState validates the login state cookie of r and returns its target
// and nonce.
func (m *SessionManager) ReadLoginState(r *http.Request) (string, string, error) {
	if r == nil {
		return "", "", ErrMissingSessionToken
	}
	cookie, err := r.Cookie(loginStateCookieName)
	if err != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return "", "", ErrMissingSessionToken
	}
	claims := &loginStateClaims{}
	if err := m.parse(cookie.Value, claims, loginStateAudience); err != nil {
		return "", "", err
	}
	return claims.Target, claims.ID, nil
}

// ClearLoginState expires the login state cookie.
func (m *SessionManager) ClearLoginState() *http.Cookie {
	return &http.Cookie{
		Name:     loginStateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (m *SessionManager) parse(token string, claims jwt.Claims, audience string) error {
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return m.signingSecret, nil
		},
		jwt.WithTimeFunc(m.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredSessionToken
		}
		return fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return ErrInvalidSessionToken
	}
	return nil
}
