package core

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

const (
	sessionName   = "quizhub_session"
	sessionMaxAge = 8 * 60 * 60

	sessionCtxKey  = "session"
	sessionCSRFKey = "csrf_token"
	csrfHeader     = "X-CSRF-Token"
)

var sameSiteModes = map[string]http.SameSite{
	"lax":    http.SameSiteLaxMode,
	"none":   http.SameSiteNoneMode,
	"strict": http.SameSiteStrictMode,
}

// SessionMiddleware loads the cookie session into the gin context.
func SessionMiddleware(cfg Config, store *sessions.CookieStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := store.Get(c.Request, sessionName)
		if err != nil {
			// 鍵ローテーション後の古いクッキーは復号できない。store は新しいセッションを返す。
			log.WithError(err).Debug("discarding undecodable session cookie")
		}
		if session == nil {
			abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "session error")
			return
		}
		if err := saveSession(cfg, c, session); err != nil {
			abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to persist session")
			return
		}
		c.Set(sessionCtxKey, session)
		c.Next()
	}
}

func sessionFromContext(c *gin.Context) *sessions.Session {
	v, ok := c.Get(sessionCtxKey)
	if !ok {
		return nil
	}
	s, _ := v.(*sessions.Session)
	return s
}

// saveSession re-applies the cookie options before writing so every response
// carries the same attributes.
func saveSession(cfg Config, c *gin.Context, session *sessions.Session) error {
	applySessionOptions(cfg, session, sessionMaxAge)
	return session.Save(c.Request, c.Writer)
}

// clearSession drops every value and expires the cookie.
func clearSession(cfg Config, c *gin.Context, session *sessions.Session) error {
	session.Values = map[interface{}]interface{}{}
	applySessionOptions(cfg, session, -1)
	return session.Save(c.Request, c.Writer)
}

func applySessionOptions(cfg Config, session *sessions.Session, maxAge int) {
	if session.Options == nil {
		session.Options = &sessions.Options{}
	}
	session.Options.Path = "/"
	session.Options.MaxAge = maxAge
	session.Options.HttpOnly = true
	session.Options.Secure = cfg.CookieSecure
	session.Options.SameSite = sameSiteFromString(cfg.CookieSameSite)
}

// OriginRefererMiddleware rejects cross-site requests from origins outside
// ALLOWED_ORIGINS and answers CORS preflights for the allowed ones.
func OriginRefererMiddleware(cfg Config) gin.HandlerFunc {
	allowed := lo.Keyify(lo.Map(cfg.AllowedOrigins, func(o string, _ int) string {
		return normalizeOrigin(o)
	}))

	return func(c *gin.Context) {
		origin := requestOrigin(c.Request)
		if origin != "" {
			if _, ok := allowed[normalizeOrigin(origin)]; !ok {
				log.WithField("origin", origin).Info("rejected request from unknown origin")
				abortWithError(c, http.StatusForbidden, "FORBIDDEN", "origin not allowed")
				return
			}
			setCORSHeaders(c, origin)
		}

		if c.Request.Method == http.MethodOptions && origin != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestOrigin prefers Origin and falls back to the scheme and host of Referer.
// An empty result means a same-origin navigation.
func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	referer := r.Header.Get("Referer")
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func normalizeOrigin(o string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
}

func setCORSHeaders(c *gin.Context, origin string) {
	h := c.Writer.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Vary", "Origin")
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Headers", "Content-Type, "+csrfHeader)
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Expose-Headers", csrfHeader)
}

// CSRFMiddleware keeps a token in the session and requires it in the
// X-CSRF-Token header on every state-changing request.
func CSRFMiddleware(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessionFromContext(c)
		if session == nil {
			abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "session error")
			return
		}

		token, _ := session.Values[sessionCSRFKey].(string)
		if token == "" {
			var err error
			if token, err = rotateCSRFToken(cfg, c, session); err != nil {
				abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to issue csrf token")
				return
			}
		}

		if !isSafeMethod(c.Request.Method) && !csrfExemptPath(c.Request.URL.Path) {
			sent := c.GetHeader(csrfHeader)
			if sent == "" || subtle.ConstantTimeCompare([]byte(sent), []byte(token)) != 1 {
				log.WithFields(log.Fields{"path": c.Request.URL.Path, "method": c.Request.Method}).Info("csrf token mismatch")
				abortWithError(c, http.StatusForbidden, "FORBIDDEN", "invalid csrf token")
				return
			}
		}

		c.Writer.Header().Set(csrfHeader, token)
		c.Next()
	}
}

// rotateCSRFToken stores a fresh token in the session, saves it and exposes it
// in the response header.
func rotateCSRFToken(cfg Config, c *gin.Context, session *sessions.Session) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(b)
	session.Values[sessionCSRFKey] = token
	if err := saveSession(cfg, c, session); err != nil {
		return "", err
	}
	c.Writer.Header().Set(csrfHeader, token)
	return token, nil
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

// login と register はセッション確立前に呼ばれるためトークン検証の対象外。
func csrfExemptPath(path string) bool {
	switch path {
	case "/api/v1/auth/login", "/api/v1/auth/register":
		return true
	default:
		return false
	}
}

func sameSiteFromString(v string) http.SameSite {
	if mode, ok := sameSiteModes[strings.ToLower(v)]; ok {
		return mode
	}
	return http.SameSiteStrictMode
}
