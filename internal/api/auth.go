package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const clientContextKey = "ClientID"

// ServiceClaims represents JWT claims for authenticated API clients.
type ServiceClaims struct {
	ClientID string `json:"cid"`
	jwt.RegisteredClaims
}

func generateToken(clientID, secret string, expiresAt time.Time) (string, error) {
	claims := ServiceClaims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(*ServiceClaims); ok && token.Valid {
		return claims.ClientID, nil
	}
	return "", errors.New("invalid token claims")
}

// AuthMiddleware enforces JWT auth for protected routes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "MISSING_TOKEN",
				"error": "missing Authorization header",
			})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_AUTH_HEADER",
				"error": "invalid Authorization header",
			})
			return
		}

		clientID, err := parseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(clientContextKey, clientID)
		c.Next()
	}
}

// CurrentClientID returns the authenticated client ID from context.
func CurrentClientID(c *gin.Context) string {
	if v, ok := c.Get(clientContextKey); ok {
		if id, okCast := v.(string); okCast {
			return id
		}
	}
	return ""
}

// issueToken exchanges the shared service key for a bearer token. Callers
// are other backend services, not end users, so there is no user store.
func (s *Server) issueToken(c *gin.Context) {
	var req struct {
		ClientID   string `json:"client_id"`
		ServiceKey string `json:"service_key"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" || req.ServiceKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_CREDENTIALS",
			"error": "client_id and service_key are required",
		})
		return
	}

	if len(s.serviceKeyHash) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":  "AUTH_DISABLED",
			"error": "token issuance is not configured",
		})
		return
	}

	if err := bcrypt.CompareHashAndPassword(s.serviceKeyHash, []byte(req.ServiceKey)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":  "INVALID_CREDENTIALS",
			"error": "invalid credentials",
		})
		return
	}

	expiresAt := time.Now().Add(72 * time.Hour)
	token, err := generateToken(req.ClientID, s.JWTSecret, expiresAt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": "failed to generate token",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
		"client_id":  req.ClientID,
	})
}
