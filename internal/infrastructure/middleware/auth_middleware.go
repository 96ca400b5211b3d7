package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"voicerelay/internal/core/domain"
	"voicerelay/internal/core/ports"
	"voicerelay/internal/core/services"
	"voicerelay/pkg/circuitbreaker"
	apperrors "voicerelay/pkg/errors"
	"voicerelay/pkg/logger"
)

const identityKey = "identity"

// BearerToken returns the token of an "Authorization: Bearer <token>" header.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// AuthMiddleware requires a valid bearer token on the REST routes.
func AuthMiddleware(verifier ports.IdentityVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			_ = c.Error(apperrors.NewNotConfiguredError(nil))
			c.Abort()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			_ = c.Error(apperrors.NewUnauthorizedError("authorization header required"))
			c.Abort()
			return
		}

		token, ok := BearerToken(authHeader)
		if !ok {
			_ = c.Error(apperrors.NewUnauthorizedError("invalid authorization header format"))
			c.Abort()
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), token)
		if errors.Is(err, services.ErrProviderUnavailable) || errors.Is(err, circuitbreaker.ErrOpen) {
			_ = c.Error(apperrors.NewUpstreamError("identity provider unavailable", err))
			c.Abort()
			return
		}
		if err != nil {
			_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "invalid token", http.StatusUnauthorized))
			c.Abort()
			return
		}

		c.Set(identityKey, identity)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), string(identity.UserID)))
		c.Next()
	}
}

// IdentityFromContext returns the identity set by AuthMiddleware.
func IdentityFromContext(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return domain.Identity{}, false
	}
	identity, ok := v.(domain.Identity)
	return identity, ok
}
