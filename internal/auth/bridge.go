// Package auth bridges the hosted identity provider and local user records.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wishr/internal/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuthState is the authentication status reported for a request.
type AuthState string

const (
	StateLoading         AuthState = "loading"
	StateAuthenticated   AuthState = "authenticated"
	StateUnauthenticated AuthState = "unauthenticated"
)

const defaultWarmInterval = 5 * time.Second

var (
	// ErrBridgeDisabled is returned by operations of a bridge without provider settings.
	ErrBridgeDisabled = errors.New("auth: bridge disabled")
	// ErrStateMismatch indicates a callback whose state does not match the login cookie.
	ErrStateMismatch = errors.New("auth: login state mismatch")
	// ErrMissingProfileEmail indicates an identity without the email claim a user record needs.
	ErrMissingProfileEmail = errors.New("auth: profile email is required")

	errMissingSessions       = errors.New("auth: session manager is required")
	errMissingUsers          = errors.New("auth: user reconciler is required")
	errMissingProfileSubject = errors.New("auth: profile subject is required")
)

// ConfigurationError reports identity-provider settings that are missing.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("auth: identity provider configuration missing %s", strings.Join(e.Missing, ", "))
}

// UserReconciler creates the local record of a newly authenticated identity.
type UserReconciler interface {
	AddUserIfAbsent(ctx context.Context, user schema.User) (schema.User, bool, error)
}

// SessionCloser releases the session state bound to a session id.
type SessionCloser interface {
	Close(sessionID string) int
}

// TokenVerifier validates provider ID tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (IdentityClaims, error)
	Warm(ctx context.Context) error
	Ready() bool
}

// EventRecorder receives authentication outcomes.
type EventRecorder interface {
	RecordAuthEvent(event, outcome string)
}

type noopEventRecorder struct{}

func (noopEventRecorder) RecordAuthEvent(string, string) {}

// BridgeConfig wires the bridge to the provider and to local collaborators.
type BridgeConfig struct {
	Domain        string
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	AppOrigin     string
	Sessions      *SessionManager
	Users         UserReconciler
	SessionStates SessionCloser
	Exchanger     CodeExchanger
	Verifier      TokenVerifier
	HTTPClient    *http.Client
	WarmInterval  time.Duration
	Metrics       EventRecorder
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Bridge runs the redirect-based login and logout flows and reconciles the
// authenticated identity with a local user record.
type Bridge struct {
	disabled      bool
	configErr     error
	baseURL       string
	clientID      string
	appOrigin     string
	sessions      *SessionManager
	users         UserReconciler
	sessionStates SessionCloser
	exchanger     CodeExchanger
	verifier      TokenVerifier
	warmInterval  time.Duration
	metrics       EventRecorder
	logger        *zap.Logger
	clock         func() time.Time
}

// NewBridge constructs the bridge. Missing provider domain or client id does not
// fail construction: the ConfigurationError is logged and the bridge is disabled.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	if cfg.Users == nil {
		return nil, errMissingUsers
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	var recorder EventRecorder = noopEventRecorder{}
	if cfg.Metrics != nil {
		recorder = cfg.Metrics
	}
	warmInterval := cfg.WarmInterval
	if warmInterval <= 0 {
		warmInterval = defaultWarmInterval
	}

	bridge := &Bridge{
		clientID:      strings.TrimSpace(cfg.ClientID),
		appOrigin:     strings.TrimSuffix(strings.TrimSpace(cfg.AppOrigin), "/"),
		sessions:      cfg.Sessions,
		users:         cfg.Users,
		sessionStates: cfg.SessionStates,
		warmInterval:  warmInterval,
		metrics:       recorder,
		logger:        logger,
		clock:         clock,
	}

	var missing []string
	if strings.TrimSpace(cfg.Domain) == "" {
		missing = append(missing, "domain")
	}
	if bridge.clientID == "" {
		missing = append(missing, "client_id")
	}
	if len(missing) > 0 {
		bridge.disabled = true
		bridge.configErr = &ConfigurationError{Missing: missing}
		logger.Error("auth bridge disabled", zap.Error(bridge.configErr))
		return bridge, nil
	}

	bridge.baseURL = providerBaseURL(cfg.Domain)

	bridge.verifier = cfg.Verifier
	if bridge.verifier == nil {
		verifier, err := NewOIDCVerifier(OIDCVerifierConfig{
			Issuer:     bridge.baseURL + "/",
			Audience:   bridge.clientID,
			HTTPClient: cfg.HTTPClient,
			Logger:     logger,
			Clock:      clock,
		})
		if err != nil {
			return nil, err
		}
		bridge.verifier = verifier
	}

	bridge.exchanger = cfg.Exchanger
	if bridge.exchanger == nil {
		bridge.exchanger = NewOAuth2Exchanger(bridge.baseURL, bridge.clientID, cfg.ClientSecret, cfg.RedirectURL, cfg.HTTPClient)
	}
	return bridge, nil
}

// Enabled reports whether provider settings were supplied.
func (b *Bridge) Enabled() bool {
	return !b.disabled
}

// ConfigError returns the configuration problem that disabled the bridge, if any.
func (b *Bridge) ConfigError() error {
	return b.configErr
}

// Start fetches the provider signing keys, retrying until it succeeds or ctx ends.
// The bridge reports StateLoading until then.
func (b *Bridge) Start(ctx context.Context) error {
	if b.disabled {
		return nil
	}
	for {
		err := b.verifier.Warm(ctx)
		if err == nil {
			b.logger.Info("identity provider keys loaded")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		b.logger.Warn("identity provider keys unavailable", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.warmInterval):
		}
	}
}

// State reports the authentication status of r.
func (b *Bridge) State(r *http.Request) AuthState {
	if b.disabled {
		return StateUnauthenticated
	}
	if !b.verifier.Ready() {
		return StateLoading
	}
	if _, err := b.sessions.ValidateRequest(r); err != nil {
		return StateUnauthenticated
	}
	return StateAuthenticated
}

// Session returns the validated session of r.
func (b *Bridge) Session(r *http.Request) (SessionClaims, error) {
	if b.disabled {
		return SessionClaims{}, ErrBridgeDisabled
	}
	return b.sessions.ValidateRequest(r)
}

// Login redirects the client to the provider. targetURL, a local path defaulting
// to "/", is restored after the callback. It reports false without acting when
// the bridge is disabled or there is no client.
func (b *Bridge) Login(nav Navigator, targetURL string) bool {
	if b.disabled || nav == nil {
		return false
	}
	nonce := uuid.NewString()
	stateCookie, err := b.sessions.IssueLoginState(SanitizeTarget(targetURL), nonce)
	if err != nil {
		b.logger.Error("login state signing failed", zap.Error(err))
		b.metrics.RecordAuthEvent("login", "error")
		return false
	}
	nav.SetCookie(stateCookie)
	nav.Redirect(b.exchanger.AuthCodeURL(nonce))
	b.metrics.RecordAuthEvent("login", "redirected")
	return true
}

// Callback completes a login: it checks state against the login cookie, exchanges
// code for an ID token, verifies it, reconciles the user, issues the session
// cookie and redirects to the stored target.
func (b *Bridge) Callback(ctx context.Context, nav Navigator, code, state string) (err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		b.metrics.RecordAuthEvent("callback", outcome)
	}()

	if b.disabled {
		return ErrBridgeDisabled
	}
	if nav == nil {
		return ErrMissingSessionToken
	}
	target, nonce, err := b.sessions.ReadLoginState(nav.Request())
	if err != nil {
		return err
	}
	if strings.TrimSpace(state) == "" || state != nonce {
		return ErrStateMismatch
	}
	nav.SetCookie(b.sessions.ClearLoginState())

	rawToken, err := b.exchanger.Exchange(ctx, code)
	if err != nil {
		b.logger.Warn("authorization code exchange failed", zap.Error(err))
		return err
	}
	claims, err := b.verifier.Verify(ctx, rawToken)
	if err != nil {
		b.logger.Warn("id token verification failed", zap.Error(err))
		return err
	}

	profile := ProfileFromClaims(claims)
	if _, err := b.AddNewUser(ctx, profile); err != nil {
		return err
	}

	token, session, err := b.sessions.Issue(profile)
	if err != nil {
		b.logger.Error("session issuance failed", zap.Error(err))
		return err
	}
	nav.SetCookie(b.sessions.SessionCookie(token))
	nav.Redirect(target)
	b.logger.Info("user signed in",
		zap.String("user_id", profile.Subject),
		zap.String("session_id", session.SessionID()))
	return nil
}

// Logout ends the session and redirects the client to the provider's logout
// endpoint, which returns it to the application origin. It reports false without
// acting when the bridge is disabled or there is no client.
func (b *Bridge) Logout(nav Navigator, sessionID string) bool {
	if b.disabled || nav == nil {
		return false
	}
	b.EndSession(nav, sessionID)

	query := url.Values{}
	query.Set("client_id", b.clientID)
	query.Set("returnTo", b.origin(nav.Request()))
	nav.Redirect(b.baseURL + "/v2/logout?" + query.Encode())
	b.metrics.RecordAuthEvent("logout", "redirected")
	return true
}

// EndSession clears the session cookie and releases the session state without
// leaving the application.
func (b *Bridge) EndSession(nav Navigator, sessionID string) {
	if nav != nil {
		nav.SetCookie(b.sessions.ClearSessionCookie())
	}
	if b.sessionStates != nil && strings.TrimSpace(sessionID) != "" {
		b.sessionStates.Close(sessionID)
	}
}

// AddNewUser makes sure a user record exists for the authenticated subject,
// creating it from the profile claims on first login. Concurrent calls for the
// same subject create one record.
func (b *Bridge) AddNewUser(ctx context.Context, profile Profile) (schema.User, error) {
	subject := strings.TrimSpace(profile.Subject)
	if subject == "" {
		b.metrics.RecordAuthEvent("reconcile", "error")
		return schema.User{}, errMissingProfileSubject
	}
	now := b.clock().UTC().Format(schema.TimestampLayout)
	candidate := schema.User{
		ID:             subject,
		AuthProviderID: subject,
		CreatedAt:      now,
		UpdatedAt:      now,
		PersonalInformation: schema.PersonalInformation{
			FirstName: profile.GivenName,
			LastName:  profile.FamilyName,
			Email:     profile.Email,
		},
	}

	if strings.TrimSpace(profile.Email) == "" {
		// the user model requires an email; providers that withhold the claim cannot sign in
		b.metrics.RecordAuthEvent("reconcile", "missing_email")
		b.logger.Warn("user reconciliation rejected profile without email", zap.String("user_id", subject))
		return schema.User{}, ErrMissingProfileEmail
	}

	user, created, err := b.users.AddUserIfAbsent(ctx, candidate)
	if err != nil {
		b.metrics.RecordAuthEvent("reconcile", "error")
		b.logger.Error("user reconciliation failed", zap.String("user_id", subject), zap.Error(err))
		return schema.User{}, err
	}
	if created {
		b.metrics.RecordAuthEvent("reconcile", "created")
		b.logger.Info("user created on first login", zap.String("user_id", subject))
	} else {
		b.metrics.RecordAuthEvent("reconcile", "existing")
	}
	return user, nil
}

func (b *Bridge) origin(r *http.Request) string {
	if b.appOrigin != "" {
		return b.appOrigin
	}
	if r == nil {
		return ""
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// SanitizeTarget keeps post-login redirects on the application: anything other
// than a local absolute path becomes "/".
func SanitizeTarget(target string) string {
	trimmed := strings.TrimSpace(target)
	if trimmed == "" || !strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "//") || strings.Contains(trimmed, "\\") {
		return "/"
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.IsAbs() || parsed.Host != "" {
		return "/"
	}
	return trimmed
}

func providerBaseURL(domain string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(domain), "/")
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	return trimmed
}
