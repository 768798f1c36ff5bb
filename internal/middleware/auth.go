package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rentalconnect-realtime/pkg/jwt"
	"rentalconnect-realtime/pkg/response"
)

// AuthMiddleware validates the bearer token and sets user_id, display_name
// and role in the Gin context. Browsers cannot set headers on a websocket
// handshake, so a token query parameter is accepted for GET requests.
func AuthMiddleware(jwtManager *jwt.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("display_name", claims.DisplayName)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		scheme, token, found := strings.Cut(authHeader, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", false
		}
		return token, true
	}
	if c.Request.Method == http.MethodGet {
		if token := c.Query("token"); token != "" {
			return token, true
		}
	}
	return "", false
}
