package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/doorman-project/doorman/internal/config"
	"github.com/doorman-project/doorman/internal/errors"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(config.AuthConfig{
		JWTSecret:           "test-secret",
		AccessTokenExpires:  time.Minute,
		RefreshTokenExpires: time.Hour,
	}, NewMemoryBlacklist())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	s := newTestService(t)

	tok, err := s.Issue("alice", "developer", false)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := s.Verify(context.Background(), tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "alice" || claims.Role != "developer" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.JTI == "" {
		t.Error("missing jti")
	}
	if claims.Refresh {
		t.Error("access token flagged as refresh")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	s := newTestService(t)
	other, _ := NewService(config.AuthConfig{JWTSecret: "other"}, nil)

	tok, _ := other.Issue("alice", "developer", false)
	_, err := s.Verify(context.Background(), tok)
	ge, ok := errors.AsGatewayError(err)
	if !ok || ge.ErrorCode != "AUTH002" {
		t.Fatalf("expected AUTH002, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	s, _ := NewService(config.AuthConfig{
		JWTSecret:          "test-secret",
		AccessTokenExpires: time.Millisecond,
	}, nil)

	tok, _ := s.Issue("alice", "developer", false)
	time.Sleep(50 * time.Millisecond)
	_, err := s.Verify(context.Background(), tok)
	if err != errors.ErrTokenExpired {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestRevokeBlocksUntilExpiry(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	tok, _ := s.Issue("alice", "developer", false)
	claims, err := s.Verify(ctx, tok)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Revoke(ctx, claims); err != nil {
		t.Fatal(err)
	}
	_, err = s.Verify(ctx, tok)
	if err != errors.ErrTokenRevoked {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}

	// A fresh token for the same user is unaffected.
	tok2, _ := s.Issue("alice", "developer", false)
	if _, err := s.Verify(ctx, tok2); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}
}

func TestExtractTokenBearerAndCookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := ExtractToken(r); got != "" {
		t.Errorf("empty request returned %q", got)
	}

	r.Header.Set("Authorization", "Bearer abc123")
	if got := ExtractToken(r); got != "abc123" {
		t.Errorf("bearer extract = %q", got)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.AddCookie(&http.Cookie{Name: CookieName, Value: "cookietok"})
	if got := ExtractToken(r2); got != "cookietok" {
		t.Errorf("cookie extract = %q", got)
	}

	// Header wins over cookie.
	r2.Header.Set("Authorization", "Bearer headertok")
	if got := ExtractToken(r2); got != "headertok" {
		t.Errorf("precedence = %q", got)
	}
}

func TestTryIdentifyNeverFails(t *testing.T) {
	s := newTestService(t)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if c := s.TryIdentify(r); c != nil {
		t.Error("expected nil for anonymous request")
	}

	r.Header.Set("Authorization", "Bearer not-a-token")
	if c := s.TryIdentify(r); c != nil {
		t.Error("expected nil for garbage token")
	}

	tok, _ := s.Issue("bob", "viewer", false)
	r.Header.Set("Authorization", "Bearer "+tok)
	c := s.TryIdentify(r)
	if c == nil || c.Subject != "bob" {
		t.Errorf("claims = %+v", c)
	}
}

func TestCookieAttributes(t *testing.T) {
	c := NewCookie("tok", time.Now().Add(time.Hour), true)
	if c.Name != CookieName || !c.HttpOnly || c.SameSite != http.SameSiteLaxMode || !c.Secure {
		t.Errorf("cookie = %+v", c)
	}
}
