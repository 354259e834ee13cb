// Package middleware carries the gin middleware chain: JWT
// authentication, casbin authorization, rate limiting and request
// logging.
package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/waveflow-go/pkg/config"
)

const defaultTokenExpiry = 24 * time.Hour

// Context keys set by Auth and read by handlers downstream.
const (
	ContextUserID = "userId"
	ContextEmail  = "email"
	ContextRoles  = "roles"
)

// Claims carries the identity a token asserts.
type Claims struct {
	jwt.RegisteredClaims
	UserID string   `json:"userId"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
}

// TokenManager signs and validates API tokens.
type TokenManager struct {
	secret []byte
	issuer string
	expiry time.Duration
}

// NewTokenManager builds a manager signing with the configured secret.
func NewTokenManager(cfg *config.AuthConfig) *TokenManager {
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "waveflow"
	}
	return &TokenManager{
		secret: []byte(cfg.JWTSecret),
		issuer: issuer,
		expiry: defaultTokenExpiry,
	}
}

// Generate issues a signed token for the given identity.
func (m *TokenManager) Generate(userID, email string, roles []string) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.expiry)),
			ID:        uuid.New().String(),
		},
		UserID: userID,
		Email:  email,
		Roles:  roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses a token and returns its claims.
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Auth validates the bearer token and stores the caller's identity in
// the request context. Public routes are mounted outside the group
// this runs on.
func Auth(tokens *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		const bearerScheme = "Bearer "
		if !strings.HasPrefix(authHeader, bearerScheme) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := tokens.Validate(authHeader[len(bearerScheme):])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextEmail, claims.Email)
		c.Set(ContextRoles, claims.Roles)

		c.Next()
	}
}

// RequireRoles passes only callers holding at least one of the roles.
func RequireRoles(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRoles, ok := Roles(c)
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "no roles found in context"})
			c.Abort()
			return
		}

		for _, required := range roles {
			for _, role := range userRoles {
				if role == required {
					c.Next()
					return
				}
			}
		}

		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
		c.Abort()
	}
}

// UserID extracts the authenticated user's id from the context.
func UserID(c *gin.Context) (string, bool) {
	value, exists := c.Get(ContextUserID)
	if !exists {
		return "", false
	}
	id, ok := value.(string)
	return id, ok
}

// Roles extracts the authenticated user's roles from the context.
func Roles(c *gin.Context) ([]string, bool) {
	value, exists := c.Get(ContextRoles)
	if !exists {
		return nil, false
	}
	roles, ok := value.([]string)
	return roles, ok
}
