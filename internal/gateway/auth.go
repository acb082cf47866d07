package gateway

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/doorman-project/doorman/internal/audit"
	"github.com/doorman-project/doorman/internal/auth"
	"github.com/doorman-project/doorman/internal/errors"
	"github.com/doorman-project/doorman/internal/logging"
	"github.com/doorman-project/doorman/internal/repo"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// handleLogin checks credentials and issues the token pair. The IP
// limiter runs before anything else so credential stuffing burns the
// window, not the password hasher.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	a := s.app
	ip := clientIP(r)
	res, err := a.ipLimiter.Allow(r.Context(), ip)
	if err != nil {
		res.SetHeaders(w.Header())
		w.Header().Set("Retry-After", strconv.FormatInt(res.RetryAfter(time.Now()), 10))
		errors.ErrRateLimited.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	res.SetHeaders(w.Header())

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		errors.ErrMalformedBody.WithDetails("username and password are required").WriteJSON(w)
		return
	}

	deny := func() {
		a.audit.Record(audit.Entry{
			RequestID: requestID(r),
			Actor:     req.Username,
			Action:    "login",
			Status:    "denied",
			Details:   "ip=" + ip,
		})
		// Uniform response for unknown users and bad passwords.
		errors.ErrTokenInvalid.WithDetails("invalid credentials").WriteJSON(w)
	}

	user, err := a.repo.GetUser(r.Context(), req.Username)
	if err != nil {
		if !stderrors.Is(err, repo.ErrNotFound) {
			logging.Error("login: user lookup failed", zap.Error(err))
		}
		deny()
		return
	}
	if !user.Active || !auth.CheckPassword(req.Password, user.PasswordHash) {
		deny()
		return
	}

	access, err := a.auth.Issue(user.Username, user.Role, false)
	if err != nil {
		errors.ErrInternal.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	refresh, err := a.auth.Issue(user.Username, user.Role, true)
	if err != nil {
		errors.ErrInternal.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}

	cfg := a.Config()
	expires := time.Now().Add(cfg.Auth.AccessTokenExpires)
	http.SetCookie(w, auth.NewCookie(access, expires, cfg.Server.HTTPSEnabled || cfg.Server.HTTPSOnly))

	a.audit.Record(audit.Entry{
		RequestID: requestID(r),
		Actor:     user.Username,
		Action:    "login",
		Status:    "ok",
		Details:   "ip=" + ip,
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(cfg.Auth.AccessTokenExpires.Seconds()),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleRefresh exchanges a valid refresh token for a new access token.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	a := s.app
	tok := auth.ExtractToken(r)
	if tok == "" {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			tok = req.RefreshToken
		}
	}
	if tok == "" {
		errors.ErrTokenMissing.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}

	claims, err := a.auth.Verify(r.Context(), tok)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if !claims.Refresh {
		errors.ErrTokenInvalid.WithDetails("access token presented for refresh").WriteJSON(w)
		return
	}

	access, err := a.auth.Issue(claims.Subject, claims.Role, false)
	if err != nil {
		errors.ErrInternal.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	cfg := a.Config()
	expires := time.Now().Add(cfg.Auth.AccessTokenExpires)
	http.SetCookie(w, auth.NewCookie(access, expires, cfg.Server.HTTPSEnabled || cfg.Server.HTTPSOnly))
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: access,
		TokenType:   "bearer",
		ExpiresIn:   int64(cfg.Auth.AccessTokenExpires.Seconds()),
	})
}

// handleLogout revokes the presented token and clears the cookie.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	a := s.app
	tok := auth.ExtractToken(r)
	if tok == "" {
		errors.ErrTokenMissing.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	claims, err := a.auth.Verify(r.Context(), tok)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if err := a.auth.Revoke(r.Context(), claims); err != nil {
		logging.Error("logout: revoke failed", zap.Error(err))
		errors.ErrInternal.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}

	expired := auth.NewCookie("", time.Unix(0, 0), false)
	expired.MaxAge = -1
	http.SetCookie(w, expired)

	a.audit.Record(audit.Entry{
		RequestID: requestID(r),
		Actor:     claims.Subject,
		Action:    "logout",
		Status:    "ok",
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	if ge, ok := errors.AsGatewayError(err); ok {
		ge.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	errors.ErrTokenInvalid.WithDetails(strings.TrimSpace(err.Error())).WriteJSON(w)
}
