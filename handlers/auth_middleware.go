package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pulseboardhq/pulseboard/authz"
)

// userContextKey is where the middleware stores the resolved
// authz.UserContext on the gin context.
const userContextKey = "user_context"

// AuthMiddleware verifies bearer tokens issued by the upstream identity
// provider and extracts the permission claims into an authz.UserContext.
// It never issues tokens or re-validates identity beyond the signature.
type AuthMiddleware struct {
	secret []byte
}

// NewAuthMiddleware creates the middleware with the shared HMAC secret.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secret: []byte(secret)}
}

// RequireUser rejects requests without a valid token and stores the
// caller's UserContext for downstream handlers.
func (m *AuthMiddleware) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			c.Abort()
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header must be a bearer token"})
			c.Abort()
			return
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
			c.Abort()
			return
		}

		user, err := userContextFromClaims(claims)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(userContextKey, user)
		c.Next()
	}
}

// UserContextFrom returns the UserContext stored by RequireUser.
func UserContextFrom(c *gin.Context) (authz.UserContext, bool) {
	v, ok := c.Get(userContextKey)
	if !ok {
		return authz.UserContext{}, false
	}
	user, ok := v.(authz.UserContext)
	return user, ok
}

func userContextFromClaims(claims jwt.MapClaims) (authz.UserContext, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return authz.UserContext{}, fmt.Errorf("token missing sub claim")
	}

	// Missing or unknown permission_scope resolves downstream as
	// fail-closed; we do not default it to anything permissive here.
	scopeStr, _ := claims["permission_scope"].(string)
	scope := authz.Scope(scopeStr)
	if !scope.Valid() {
		scope = authz.ScopeNone
	}

	user := authz.UserContext{
		UserID:          sub,
		PermissionScope: scope,
	}

	if rawOrgs, ok := claims["organization_ids"].([]any); ok {
		for _, raw := range rawOrgs {
			if orgID, ok := raw.(string); ok && orgID != "" {
				user.OrganizationIDs = append(user.OrganizationIDs, orgID)
			}
		}
	}

	// JSON numbers decode as float64
	if rawProvider, ok := claims["provider_id"].(float64); ok {
		provider := int(rawProvider)
		user.ProviderID = &provider
	}

	return user, nil
}
