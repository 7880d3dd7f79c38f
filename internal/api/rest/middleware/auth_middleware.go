package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Dhoini/fleet-billing/pkg/logger"
	"github.com/Dhoini/fleet-billing/pkg/res"
)

// ContextCallerKey holds the authenticated caller (token subject) in the gin context.
const ContextCallerKey = "caller"

const (
	authHeaderPrefix = "Bearer "
	codeUnauthorized = "UNAUTHORIZED"
)

// TokenValidator verifies a bearer token.
type TokenValidator interface {
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims are the claims of a service token issued by the web application backend.
type TokenClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// JWTMiddleware guards the internal API with service tokens.
type JWTMiddleware struct {
	log       *logger.Logger
	validator TokenValidator
}

// NewJWTMiddleware creates the middleware.
func NewJWTMiddleware(log *logger.Logger, validator TokenValidator) *JWTMiddleware {
	return &JWTMiddleware{
		log:       log,
		validator: validator,
	}
}

// RequireAuth rejects requests without a valid token. With requiredScopes the
// token scope must be one of them.
func (m *JWTMiddleware) RequireAuth(requiredScopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, authHeaderPrefix) {
			m.handleAuthError(c, "missing authorization token")
			return
		}

		claims, err := m.validator.Validate(strings.TrimPrefix(authHeader, authHeaderPrefix))
		if err != nil {
			m.handleAuthError(c, err.Error())
			return
		}

		if len(requiredScopes) > 0 && !slices.Contains(requiredScopes, claims.Scope) {
			m.handleAuthError(c, "insufficient token scope")
			return
		}
		if claims.Subject == "" {
			m.handleAuthError(c, "token subject is missing")
			return
		}

		c.Set(ContextCallerKey, claims.Subject)
		c.Next()
	}
}

func (m *JWTMiddleware) handleAuthError(c *gin.Context, message string) {
	m.log.Warnw("HTTP authentication failed", "path", c.Request.URL.Path, "reason", message)
	res.JsonErrorResponse(c.Writer, codeUnauthorized, message, http.StatusUnauthorized)
	c.Abort()
}

// HMACTokenValidator validates HS256/384/512 tokens signed with a shared secret.
type HMACTokenValidator struct {
	Secret []byte
}

// Validate parses tokenString and checks its signature and expiry.
func (v *HMACTokenValidator) Validate(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.Secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, errors.New("malformed token")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, errors.New("invalid token signature")
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, errors.New("token expired")
		default:
			return nil, fmt.Errorf("invalid token: %w", err)
		}
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token claims")
}
