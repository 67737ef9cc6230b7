package middleware

import (
	"net/http"
	"strings"

	"meetline/internal/core/services"
	apperrors "meetline/pkg/errors"

	"github.com/gin-gonic/gin"
)

// tokenFromRequest reads a bearer token from the Authorization header or, for
// websocket upgrades that cannot set headers, the token query parameter.
func tokenFromRequest(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := tokenFromRequest(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   string(apperrors.ErrCodeUnauthorized),
				"message": "access token required",
			})
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   string(apperrors.ErrCodeUnauthorized),
				"message": err.Error(),
			})
			return
		}

		setClaims(c, claims)
		c.Next()
	}
}

func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := tokenFromRequest(c); ok {
			if claims, err := authService.ValidateToken(token); err == nil {
				setClaims(c, claims)
			}
		}
		c.Next()
	}
}

// setClaims stores the caller on the gin context and on the request context the
// relay reads after the upgrade.
func setClaims(c *gin.Context, claims *services.Claims) {
	c.Set("user_id", claims.UserID)
	c.Set("display_name", claims.DisplayName)
	c.Request = c.Request.WithContext(services.WithUserID(c.Request.Context(), claims.UserID))
}
