package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenKey  = "token"
	userIDKey = "userId"
)

type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// AuthMiddleware captures the caller's bearer token so it can be forwarded to
// the account service. When secret is non-empty the token must also be a valid
// HS256 JWT signed with it.
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"message": "Authorization header required",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"message": "Invalid authorization header format",
			})
			c.Abort()
			return
		}

		tokenString := strings.TrimSpace(parts[1])
		if len(secret) > 0 {
			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				c.JSON(http.StatusUnauthorized, gin.H{
					"message": "Invalid or expired token",
				})
				c.Abort()
				return
			}
			c.Set(userIDKey, claims.UserID)
		}

		c.Set(tokenKey, tokenString)
		c.Next()
	}
}

// GetToken returns the raw bearer token of the current request.
func GetToken(c *gin.Context) (string, bool) {
	token, exists := c.Get(tokenKey)
	if !exists {
		return "", false
	}
	s, ok := token.(string)
	return s, ok
}

func GetUserID(c *gin.Context) (string, bool) {
	userID, exists := c.Get(userIDKey)
	if !exists {
		return "", false
	}
	s, ok := userID.(string)
	return s, ok
}
