// Package callerauth identifies gateway callers. A caller presents either a
// gateway-issued JWT or a static API key; the identity it resolves to is the
// caller's rate-limit key.
package callerauth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/config"
)

var (
	// ErrMissingCredentials is returned when credentials are required but absent.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidToken is returned when the token is invalid for any reason
	ErrInvalidToken = errors.New("invalid token")
)

// Method names how a caller was identified.
type Method string

const (
	MethodJWT       Method = "jwt"
	MethodAPIKey    Method = "api_key"
	MethodAnonymous Method = "anonymous"
)

// Limits overrides the default token bucket for one caller. Zero fields keep
// the defaults.
type Limits struct {
	Interval time.Duration
	Burst    int
}

// Caller is an authenticated identity.
type Caller struct {
	Key     string
	Subject string
	Method  Method
	Limits  Limits
}

// TokenClaims are the claims of a caller JWT.
type TokenClaims struct {
	jwt.RegisteredClaims
	RateIntervalMS int64 `json:"rate_interval_ms,omitempty"`
	RateBurst      int   `json:"rate_burst,omitempty"`
}

// Authenticator validates caller credentials.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	keys   map[string]struct{}
}

// New builds an authenticator from configuration. API keys are kept only as
// SHA-256 digests.
func New(cfg config.CallersConfig) *Authenticator {
	a := &Authenticator{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.JWTIssuer,
		ttl:    cfg.TokenTTL,
		keys:   make(map[string]struct{}, len(cfg.APIKeys)),
	}
	if a.ttl <= 0 {
		a.ttl = 24 * time.Hour
	}
	for _, key := range cfg.APIKeys {
		a.keys[digest(key)] = struct{}{}
	}
	return a
}

// Required reports whether callers must present credentials.
func (a *Authenticator) Required() bool {
	return len(a.secret) > 0 || len(a.keys) > 0
}

// Authenticate resolves a credential to a caller. When no credentials are
// configured every caller is admitted and keyed by remote address.
func (a *Authenticator) Authenticate(credential, remoteAddr string) (Caller, error) {
	if !a.Required() {
		return Caller{Key: "ip:" + remoteAddr, Method: MethodAnonymous}, nil
	}
	if credential == "" {
		return Caller{}, &apierror.AuthError{Op: "authenticate caller", Err: ErrMissingCredentials}
	}

	if _, ok := a.keys[digest(credential)]; ok {
		d := digest(credential)
		return Caller{Key: "key:" + d[:16], Subject: "key:" + d[:8], Method: MethodAPIKey}, nil
	}
	if len(a.secret) == 0 {
		return Caller{}, &apierror.AuthError{Op: "authenticate caller", Err: ErrInvalidToken}
	}

	claims, err := a.Validate(credential)
	if err != nil {
		return Caller{}, &apierror.AuthError{Op: "authenticate caller", Err: err}
	}
	return Caller{
		Key:     "sub:" + claims.Subject,
		Subject: claims.Subject,
		Method:  MethodJWT,
		Limits: Limits{
			Interval: time.Duration(claims.RateIntervalMS) * time.Millisecond,
			Burst:    claims.RateBurst,
		},
	}, nil
}

// Validate parses and verifies a caller JWT.
func (a *Authenticator) Validate(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Mint issues a caller JWT. A zero ttl uses the configured lifetime.
func (a *Authenticator) Mint(subject string, ttl time.Duration, limits Limits) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("callers.jwt_secret is not configured")
	}
	if subject == "" {
		return "", errors.New("subject must not be empty")
	}
	if ttl <= 0 {
		ttl = a.ttl
	}

	now := time.Now()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		RateIntervalMS: limits.Interval.Milliseconds(),
		RateBurst:      limits.Burst,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
