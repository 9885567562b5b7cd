package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/auth"
)

const (
	userIDKey   = "user_id"
	roleKey     = "role"
	identityKey = "identity"

	UserIDParam = "userId"
)

// JWTAuth admits requests carrying a valid admin JWT.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.ExtractToken(c.GetHeader("Authorization"))
		if token == "" {
			Abort(c, http.StatusUnauthorized, CodeTokenRequired, "missing or invalid authorization header")
			return
		}

		claims, err := auth.ValidateJWT(secret, token)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(userIDKey, claims.Subject)
		c.Set(roleKey, claims.Role)
		c.Next()
	}
}

func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(roleKey)
		if role == "" || !slices.Contains(roles, role) {
			Abort(c, http.StatusForbidden, CodeForbidden, "forbidden")
			return
		}
		c.Next()
	}
}

// TokenAuth resolves the bearer API token into an identity. With auth
// disabled every request runs as the anonymous wildcard identity.
func TokenAuth(manager *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := manager.Authenticate(auth.ExtractToken(c.GetHeader("Authorization")))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(identityKey, identity)
		c.Set(userIDKey, identity.UserID)
		c.Next()
	}
}

// RequirePermission checks the identity set by TokenAuth. Identities without
// the wildcard may only act on their own :userId.
func RequirePermission(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := Identity(c)
		if !ok || !identity.Can(action) {
			Abort(c, http.StatusForbidden, CodeForbidden, "missing permission: "+action)
			return
		}
		if target := c.Param(UserIDParam); target != "" &&
			!identity.Can(auth.PermissionAll) && target != identity.UserID {
			Abort(c, http.StatusForbidden, CodeForbidden, "access to another user's resources is not allowed")
			return
		}
		c.Next()
	}
}

func Identity(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := v.(auth.Identity)
	return identity, ok
}
