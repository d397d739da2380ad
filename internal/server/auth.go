// auth.go - Stateless session cookies and admin authentication.
//
// Implements HMAC-signed cookie sessions, login/logout handlers and the
// admin gate. Accounts come from the users table; the bootstrap admin from
// the environment is accepted as a fallback.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuthConfig holds authentication-related configuration used by HTTP handlers
// (bootstrap admin credentials, session secret and cookie settings).
type AuthConfig struct {
	AdminUser     string
	AdminPass     string // plaintext or bcrypt hash
	SessionSecret string
	SessionTTL    time.Duration
	CookieName    string
	SecureCookie  bool
}

type sessionPayload struct {
	Sub string `json:"sub"`
	Exp int64  `json:"exp"`
}

// bootstrapPrefix marks sessions of the environment admin, whose subject is
// not a users.id.
const bootstrapPrefix = "env:"

func (a AuthConfig) cookieName() string {
	if a.CookieName == "" {
		return "sharenest_session"
	}
	return a.CookieName
}

func (a AuthConfig) ttl() time.Duration {
	if a.SessionTTL <= 0 {
		return 12 * time.Hour
	}
	return a.SessionTTL
}

func (a AuthConfig) secretBytes() []byte {
	return []byte(a.SessionSecret)
}

func signPayload(secret []byte, msg string) string {
	m := hmac.New(sha256.New, secret)
	_, _ = m.Write([]byte(msg))
	return hex.EncodeToString(m.Sum(nil))
}

func encodeSession(p sessionPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeSession(token string) (sessionPayload, error) {
	var p sessionPayload
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, err
	}
	return p, nil
}

// makeToken returns "payload.signature"
func (a AuthConfig) makeToken(sub string) (string, time.Time, error) {
	exp := time.Now().Add(a.ttl())
	payload, err := encodeSession(sessionPayload{Sub: sub, Exp: exp.Unix()})
	if err != nil {
		return "", time.Time{}, err
	}
	return payload + "." + signPayload(a.secretBytes(), payload), exp, nil
}

func (a AuthConfig) verifyToken(tok string) (sessionPayload, error) {
	var p sessionPayload
	payload, sig, ok := strings.Cut(tok, ".")
	if !ok || strings.Contains(sig, ".") {
		return p, errors.New("invalid token format")
	}
	want := signPayload(a.secretBytes(), payload)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return p, errors.New("invalid signature")
	}
	decoded, err := decodeSession(payload)
	if err != nil {
		return p, err
	}
	if decoded.Exp <= time.Now().Unix() {
		return p, errors.New("expired")
	}
	return decoded, nil
}

// checkBootstrap compares credentials against the environment admin.
func (a AuthConfig) checkBootstrap(username, password string) bool {
	if a.AdminUser == "" || a.AdminPass == "" || username != a.AdminUser {
		return false
	}
	if isBcryptHash(a.AdminPass) {
		return CheckSecret(a.AdminPass, password)
	}
	pw := sha256.Sum256([]byte(password))
	want := sha256.Sum256([]byte(a.AdminPass))
	return hmac.Equal(pw[:], want[:])
}

func (a AuthConfig) setSession(w http.ResponseWriter, tok string, exp time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName(),
		Value:    tok,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   a.SecureCookie,
	})
}

func (a AuthConfig) clearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName(),
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   a.SecureCookie,
	})
}

// Principal is the authenticated admin attached to a request.
type Principal struct {
	Subject string
	UserID  *uuid.UUID // nil for the bootstrap admin
	Name    string
}

type principalKey struct{}

func principalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// authenticate resolves the session cookie into an active admin.
func (s *Server) authenticate(r *http.Request) (Principal, error) {
	c, err := r.Cookie(s.cfg.Auth.cookieName())
	if err != nil {
		return Principal{}, errUnauthenticated
	}
	p, err := s.cfg.Auth.verifyToken(c.Value)
	if err != nil {
		return Principal{}, errUnauthenticated
	}

	if name, ok := strings.CutPrefix(p.Sub, bootstrapPrefix); ok {
		if name != s.cfg.Auth.AdminUser {
			return Principal{}, errUnauthenticated
		}
		return Principal{Subject: p.Sub, Name: name}, nil
	}

	id, err := uuid.Parse(p.Sub)
	if err != nil {
		return Principal{}, errUnauthenticated
	}
	u, err := s.repo.UserByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, errForbidden
		}
		return Principal{}, err
	}
	if !u.IsActive || !u.IsAdmin {
		return Principal{}, errForbidden
	}
	return Principal{Subject: p.Sub, UserID: &u.ID, Name: u.Username}, nil
}

var (
	errUnauthenticated = errors.New("unauthorized")
	errForbidden       = errors.New("forbidden")
)

// requireAdmin is middleware that admits only active admin sessions.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authenticate(r)
		switch {
		case errors.Is(err, errUnauthenticated):
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		case errors.Is(err, errForbidden):
			writeError(w, http.StatusForbidden, "forbidden")
			return
		case err != nil:
			s.log.Error("auth_lookup_failed", zap.String("rid", RequestIDFromContext(r.Context())), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "server error")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// handleLogin accepts JSON or form credentials. Database accounts are tried
// first, then the bootstrap admin.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "bad request")
			return
		}
	} else {
		body.Username = r.PostFormValue("username")
		body.Password = r.PostFormValue("password")
	}
	body.Username = strings.TrimSpace(body.Username)

	ctx := r.Context()
	key := attemptKey("login:"+body.Username, clientIP(r))
	if blocked, err := s.loginAttempts.Blocked(ctx, key); err == nil && blocked {
		writeError(w, http.StatusTooManyRequests, "Too many attempts. Try again later.")
		return
	}

	var sub string
	u, err := s.repo.UserByUsername(ctx, body.Username)
	switch {
	case err == nil:
		if u.IsActive && u.IsAdmin && CheckSecret(u.PasswordHash, body.Password) {
			sub = u.ID.String()
			if err := s.repo.TouchLogin(ctx, u.ID, s.now()); err != nil {
				s.log.Warn("touch_login_failed", zap.String("user", u.Username), zap.Error(err))
			}
		}
	case !errors.Is(err, ErrNotFound):
		s.log.Error("login_lookup_failed", zap.Error(err))
	}
	if sub == "" && s.cfg.Auth.checkBootstrap(body.Username, body.Password) {
		sub = bootstrapPrefix + body.Username
	}

	if sub == "" {
		_ = s.loginAttempts.Fail(ctx, key)
		s.log.Warn("login_failed", zap.String("user", body.Username), zap.String("ip", clientIP(r)))
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	_ = s.loginAttempts.Reset(ctx, key)

	tok, exp, err := s.cfg.Auth.makeToken(sub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	s.cfg.Auth.setSession(w, tok, exp)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleLogout clears the session cookie by setting an expired cookie
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.cfg.Auth.clearSession(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
