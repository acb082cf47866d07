// Package auth implements signed-token issuance, validation, blacklist,
// and credential checks for gateway callers.
package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/doorman-project/doorman/internal/config"
	"github.com/doorman-project/doorman/internal/errors"
)

// CookieName is the HTTP-only cookie carrying the access token.
const CookieName = "access_token_cookie"

// Claims is the verified identity of a caller.
type Claims struct {
	Subject string
	Role    string
	JTI     string
	Expires time.Time
	Refresh bool
}

type tokenClaims struct {
	Role    string `json:"role"`
	Refresh bool   `json:"refresh,omitempty"`
	jwt.RegisteredClaims
}

// Service issues and verifies HMAC-signed tokens.
type Service struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	blacklist  Blacklist
}

// NewService creates the token service. An empty signing secret is
// fatal; config validation enforces presence in production, tests may
// pass a throwaway secret.
func NewService(cfg config.AuthConfig, bl Blacklist) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("auth: empty JWT signing secret")
	}
	accessTTL := cfg.AccessTokenExpires
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	refreshTTL := cfg.RefreshTokenExpires
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &Service{
		secret:     []byte(cfg.JWTSecret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		blacklist:  bl,
	}, nil
}

// Issue signs a token for sub with the given role. refresh selects the
// long expiry class.
func (s *Service) Issue(sub, role string, refresh bool) (string, error) {
	ttl := s.accessTTL
	if refresh {
		ttl = s.refreshTTL
	}
	now := time.Now()
	claims := tokenClaims{
		Role:    role,
		Refresh: refresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a token, including the blacklist check.
func (s *Service) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	var tc tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &tc, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.ErrTokenExpired
		}
		return nil, errors.ErrTokenInvalid.WithDetails(err.Error())
	}
	if !token.Valid {
		return nil, errors.ErrTokenInvalid
	}

	claims := &Claims{
		Subject: tc.Subject,
		Role:    tc.Role,
		JTI:     tc.ID,
		Refresh: tc.Refresh,
	}
	if tc.ExpiresAt != nil {
		claims.Expires = tc.ExpiresAt.Time
	}

	if s.blacklist != nil {
		revoked, err := s.blacklist.Contains(ctx, claims.Subject, claims.JTI)
		if err == nil && revoked {
			return nil, errors.ErrTokenRevoked
		}
	}
	return claims, nil
}

// Revoke blacklists a verified token until its natural expiry.
func (s *Service) Revoke(ctx context.Context, claims *Claims) error {
	if s.blacklist == nil {
		return fmt.Errorf("auth: no blacklist configured")
	}
	return s.blacklist.Add(ctx, claims.Subject, claims.JTI, claims.Expires)
}

// ExtractToken pulls the raw token from the bearer header or the
// access cookie, in that order.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") || strings.HasPrefix(h, "bearer ") {
			return h[7:]
		}
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

// TryIdentify verifies the caller if a token is present and never
// fails: metrics and other non-fatal consumers use whatever exists.
func (s *Service) TryIdentify(r *http.Request) *Claims {
	tok := ExtractToken(r)
	if tok == "" {
		return nil
	}
	claims, err := s.Verify(r.Context(), tok)
	if err != nil {
		return nil
	}
	return claims
}

// NewCookie builds the HTTP-only, SameSite=Lax cookie carrying a token.
func NewCookie(token string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	}
}
