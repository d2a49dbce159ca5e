package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// jwtClaims is the token shape IssueToken mints: the registered claim set
// plus a user_id claim. user_id, iat and exp are all required — a token
// missing any of them is rejected even when the signature checks out.
type jwtClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// localIssuer is the iss claim stamped on locally-minted tokens.
const localIssuer = "osa"

// defaultTokenTTL bounds how long an operator token stays valid.
const defaultTokenTTL = 15 * time.Minute

// authMiddleware enforces an HS256 bearer token on every route except
// /health. Disabled entirely when secret is empty, so a fresh install with
// no configured Auth.Secret keeps serving unauthenticated (local-only use).
func authMiddleware(secret string, logger *zap.Logger) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		if secret == "" || c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		raw := strings.TrimSpace(header[len("Bearer "):])

		claims := &jwtClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return key, nil
		})
		if err != nil || !token.Valid {
			logger.Warn("jwt validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.UserID == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token missing required claims"})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Next()
	}
}

// IssueToken mints an HS256 bearer token for userID, signed with secret.
// Used by `osa setup` / the doctor CLI to hand out operator tokens; not
// itself exposed over HTTP. A non-positive ttl falls back to the 15-minute
// default.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	claims := jwtClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    localIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
