package core

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const (
	sessionUserIDKey = "user_id"
	principalKey     = "principal"
)

// principalLoader resolves a session user id to its current record.
type principalLoader interface {
	FindUserByID(ctx context.Context, id int64) (CredentialRecord, error)
}

// PrincipalMiddleware loads the acting principal from the session user id.
// Roles are re-read on every request so revocations apply immediately.
func PrincipalMiddleware(users principalLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sess := sessionFromContext(c); sess != nil {
			if id, ok := sess.Values[sessionUserIDKey].(int64); ok && id > 0 {
				rec, err := users.FindUserByID(c.Request.Context(), id)
				switch {
				case err == nil:
					c.Set(principalKey, PrincipalOf(rec))
				case isNotFound(err):
					// account removed since login; treat as anonymous
				default:
					log.WithError(err).WithField("user_id", id).Warn("failed to load principal")
				}
			}
		}
		c.Next()
	}
}

func currentPrincipal(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// RequireLogin rejects requests without an authenticated principal.
func RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := currentPrincipal(c); !ok {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "login required")
			return
		}
		c.Next()
	}
}

// RequirePermission ensures the principal holds perm (GRAND_PERMISSION implies all).
func RequirePermission(perm PermissionType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := currentPrincipal(c)
		if !ok {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "login required")
			return
		}
		if !p.Has(perm) {
			abortWithError(c, http.StatusForbidden, "FORBIDDEN", string(perm)+" permission required")
			return
		}
		c.Next()
	}
}
