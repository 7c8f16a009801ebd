package middleware

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/farmworkhub/consent-service/internal/utils"
)

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequireAdminKey guards admin-only endpoints with the static admin key,
// compared in constant time.
func RequireAdminKey(adminKey string, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(adminKey)) != 1 {
			logger.WithField("path", c.Request.URL.Path).Warn("Admin key mismatch")
			utils.SendUnauthorizedError(c, "admin authorization required")
			c.Abort()
			return
		}
		c.Next()
	}
}

func parseUserID(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

// RequireUser guards user endpoints with a bearer JWT and stores the subject
// as userID in the request context.
func RequireUser(jwtSecret string, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			utils.SendUnauthorizedError(c, "user authorization required")
			c.Abort()
			return
		}

		userID, err := parseUserID(token, jwtSecret)
		if err != nil {
			logger.WithError(err).Debug("User token rejected")
			utils.SendUnauthorizedError(c, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set("userID", userID)
		c.Next()
	}
}

// OptionalUser extracts the user ID when a valid bearer token is present but
// lets anonymous requests through untouched.
func OptionalUser(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearerToken(c); token != "" {
			if userID, err := parseUserID(token, jwtSecret); err == nil {
				c.Set("userID", userID)
			}
		}
		c.Next()
	}
}
