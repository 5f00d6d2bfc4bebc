package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultJWKSCacheTTL       = 10 * time.Minute
	defaultMinRefetchInterval = 30 * time.Second
)

var (
	errMissingToken          = errors.New("id token must not be empty")
	errMissingKeyIdentifier  = errors.New("token missing key identifier")
	errKeyNotFound           = errors.New("signing key not found in JWKS")
	errUntrustedIssuer       = errors.New("token issuer not allowed")
	errMissingSubject        = errors.New("token missing subject claim")
	errMissingAudienceClaim  = errors.New("token missing audience claim")
	errMissingAudienceConfig = errors.New("audience configuration required")
	errMissingIssuerConfig   = errors.New("issuer configuration required")
	ErrInvalidVerifierConfig = errors.New("auth: invalid oidc verifier config")
	// ErrKeyFetch indicates the provider key set could not be retrieved or held no usable key.
	ErrKeyFetch = errors.New("auth: jwks fetch failed")
)

// OIDCVerifierConfig bundles configuration required to instantiate an OIDCVerifier.
type OIDCVerifierConfig struct {
	Issuer     string
	Audience   string
	JWKSURL    string
	HTTPClient *http.Client
	CacheTTL   time.Duration
	Logger     *zap.Logger
	Clock      func() time.Time
}

// IdentityClaims exposes the validated profile claims of an ID token.
type IdentityClaims struct {
	Subject    string
	Email      string
	GivenName  string
	FamilyName string
	Issuer     string
	Audience   string
	Expiry     time.Time
	IssuedAt   time.Time
}

type idTokenClaims struct {
	Email      string `json:"email"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	jwt.RegisteredClaims
}

// OIDCVerifier verifies provider ID tokens offline using cached JWKS.
type OIDCVerifier struct {
	issuer     string
	audience   string
	jwksURL    string
	logger     *zap.Logger
	httpClient *http.Client
	clock      func() time.Time
	keys       *keySet
	refreshes  singleflight.Group
}

// NewOIDCVerifier constructs a verifier with validated configuration. The JWKS
// location defaults to the issuer's /.well-known/jwks.json.
func NewOIDCVerifier(cfg OIDCVerifierConfig) (*OIDCVerifier, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingIssuerConfig)
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingAudienceConfig)
	}

	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		jwksURL = strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultJWKSCacheTTL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &OIDCVerifier{
		issuer:     issuer,
		audience:   audience,
		jwksURL:    jwksURL,
		logger:     logger,
		httpClient: httpClient,
		clock:      clock,
		keys:       &keySet{ttl: cacheTTL, minRefetchInterval: defaultMinRefetchInterval},
	}, nil
}

// Warm fetches the signing keys once so Ready reports true.
func (v *OIDCVerifier) Warm(ctx context.Context) error {
	return v.refreshKeys(ctx, v.clock())
}

// Ready reports whether signing keys were fetched at least once.
func (v *OIDCVerifier) Ready() bool {
	return v.keys.loaded()
}

// Verify validates the provided ID token and returns its identity claims.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (IdentityClaims, error) {
	if rawToken == "" {
		return IdentityClaims{}, errMissingToken
	}

	claims := &idTokenClaims{}
	token, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			key, keyErr := v.lookupKey(ctx, keyID)
			if keyErr != nil {
				return nil, keyErr
			}
			return key, nil
		},
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return IdentityClaims{}, err
	}

	if !token.Valid {
		return IdentityClaims{}, errors.New("token signature invalid")
	}
	if claims.Issuer != v.issuer {
		return IdentityClaims{}, errUntrustedIssuer
	}
	if claims.Subject == "" {
		return IdentityClaims{}, errMissingSubject
	}
	if len(claims.Audience) == 0 {
		return IdentityClaims{}, errMissingAudienceClaim
	}

	expiry := time.Time{}
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	issuedAt := time.Time{}
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}

	return IdentityClaims{
		Subject:    claims.Subject,
		Email:      claims.Email,
		GivenName:  claims.GivenName,
		FamilyName: claims.FamilyName,
		Issuer:     claims.Issuer,
		Audience:   claims.Audience[0],
		Expiry:     expiry,
		IssuedAt:   issuedAt,
	}, nil
}

// lookupKey resolves keyID from the key set. An unknown or expired key triggers a
// refetch, but unknown key ids refetch at most once per minRefetchInterval.
func (v *OIDCVerifier) lookupKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	now := v.clock()
	key, fresh := v.keys.lookup(keyID, now)
	if key != nil && fresh {
		return key, nil
	}
	if key == nil && fresh && !v.keys.refetchAllowed(now) {
		return nil, errKeyNotFound
	}

	if err := v.refreshKeys(ctx, now); err != nil {
		if key != nil {
			v.logger.Warn("using expired signing key after jwks refresh failed", zap.String("kid", keyID), zap.Error(err))
			return key, nil
		}
		return nil, err
	}
	if key, _ := v.keys.lookup(keyID, now); key != nil {
		return key, nil
	}
	return nil, errKeyNotFound
}

// refreshKeys refetches the key set. Concurrent callers share one request.
func (v *OIDCVerifier) refreshKeys(ctx context.Context, fetchedAt time.Time) error {
	_, err, _ := v.refreshes.Do(v.jwksURL, func() (any, error) {
		keys, err := v.fetchKeys(ctx)
		if err != nil {
			return nil, err
		}
		v.keys.replace(keys, fetchedAt)
		v.logger.Debug("jwks refreshed", zap.String("url", v.jwksURL), zap.Int("keys", len(keys)))
		return nil, nil
	})
	return err
}

func (v *OIDCVerifier) fetchKeys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetch, err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := v.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetch, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s answered %d", ErrKeyFetch, v.jwksURL, response.StatusCode)
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(response.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("%w: decode key set: %v", ErrKeyFetch, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, candidate := range set.Keys {
		if !candidate.verifiesRS256() {
			continue
		}
		publicKey, err := candidate.publicKey()
		if err != nil {
			v.logger.Debug("ignoring malformed signing key", zap.String("kid", candidate.KeyID), zap.Error(err))
			continue
		}
		keys[candidate.KeyID] = publicKey
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no RS256 signing keys in %s", ErrKeyFetch, v.jwksURL)
	}
	return keys, nil
}

// keySet holds the provider keys of the last successful fetch.
type keySet struct {
	mu                 sync.RWMutex
	keys               map[string]*rsa.PublicKey
	fetchedAt          time.Time
	ttl                time.Duration
	minRefetchInterval time.Duration
}

// lookup returns the key for keyID, if known, and whether the set is still fresh.
func (s *keySet) lookup(keyID string, now time.Time) (*rsa.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil {
		return nil, false
	}
	return s.keys[keyID], now.Before(s.fetchedAt.Add(s.ttl))
}

func (s *keySet) refetchAllowed(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !now.Before(s.fetchedAt.Add(s.minRefetchInterval))
}

func (s *keySet) loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys != nil
}

func (s *keySet) replace(keys map[string]*rsa.PublicKey, fetchedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = keys
	s.fetchedAt = fetchedAt
}

type jsonWebKey struct {
	KeyType   string `json:"kty"`
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	Use       string `json:"use"`
	Modulus   string `json:"n"`
	Exponent  string `json:"e"`
}

func (k jsonWebKey) verifiesRS256() bool {
	if k.KeyType != "RSA" || k.KeyID == "" {
		return false
	}
	if k.Use != "" && k.Use != "sig" {
		return false
	}
	return k.Algorithm == "" || k.Algorithm == jwt.SigningMethodRS256.Alg()
}

func (k jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	modulus, err := decodeKeyInteger(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	exponent, err := decodeKeyInteger(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	if !exponent.IsInt64() || exponent.Int64() < 3 || exponent.Int64() > math.MaxInt32 {
		return nil, errors.New("exponent out of range")
	}
	if modulus.BitLen() < 2048 {
		return nil, fmt.Errorf("modulus of %d bits is too short", modulus.BitLen())
	}
	return &rsa.PublicKey{N: modulus, E: int(exponent.Int64())}, nil
}

func decodeKeyInteger(encoded string) (*big.Int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("empty value")
	}
	return new(big.Int).SetBytes(raw), nil
}
