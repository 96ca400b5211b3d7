package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"voicerelay/internal/core/domain"
	"voicerelay/internal/core/ports"
	"voicerelay/pkg/config"
	"voicerelay/pkg/tracing"
)

var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token expired")
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)

// Claims are the claims carried by identity provider access tokens.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type jwtVerifier struct {
	keyFunc jwt.Keyfunc
	methods []string
	issuer  string
	now     func() time.Time
}

// NewJWTVerifier verifies tokens locally. secret selects HS256; otherwise
// publicKeyPEM must hold an RSA or ECDSA public key.
func NewJWTVerifier(secret, publicKeyPEM, issuer string) (ports.IdentityVerifier, error) {
	v := &jwtVerifier{issuer: issuer, now: time.Now}

	switch {
	case secret != "":
		key := []byte(secret)
		v.methods = []string{"HS256", "HS384", "HS512"}
		v.keyFunc = func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrInvalidToken
			}
			return key, nil
		}
	case publicKeyPEM != "":
		if rsaKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM)); err == nil {
			v.methods = []string{"RS256", "RS384", "RS512"}
			v.keyFunc = func(*jwt.Token) (interface{}, error) { return rsaKey, nil }
			break
		}
		ecKey, err := jwt.ParseECPublicKeyFromPEM([]byte(publicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse jwt public key: %w", err)
		}
		v.methods = []string{"ES256", "ES384", "ES512"}
		v.keyFunc = func(*jwt.Token) (interface{}, error) { return ecKey, nil }
	default:
		return nil, errors.New("jwt verifier needs a secret or a public key")
	}
	return v, nil
}

func (v *jwtVerifier) Verify(ctx context.Context, tokenString string) (domain.Identity, error) {
	_, span := tracing.TraceIdentityVerify(ctx, "jwt")
	defer span.End()

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Identity{}, ErrExpiredToken
		}
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return domain.Identity{}, ErrInvalidToken
	}
	// The anon API key is itself a signed token and identifies no user.
	if claims.Role == "anon" {
		return domain.Identity{}, fmt.Errorf("%w: anonymous role", ErrInvalidToken)
	}

	identity := domain.Identity{
		UserID: domain.UserID(claims.Subject),
		Email:  claims.Email,
		Role:   claims.Role,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// NewIdentityVerifier picks local JWT verification when a key is configured
// and falls back to asking the identity provider. It returns nil when neither
// is available.
func NewIdentityVerifier(cfg *config.Config, logger *zap.SugaredLogger) (ports.IdentityVerifier, error) {
	id := cfg.Identity
	if id.JWTSecret != "" || id.JWTPublicKey != "" {
		logger.Infow("Verifying identity tokens locally")
		return NewJWTVerifier(id.JWTSecret, id.JWTPublicKey, id.Issuer)
	}
	if id.URL != "" && id.PublicKey != "" {
		logger.Infow("Verifying identity tokens with provider", "url", id.URL)
		return NewRemoteIdentityVerifier(RemoteIdentityConfig{
			BaseURL:   id.URL,
			APIKey:    id.PublicKey,
			Timeout:   id.VerifyTimeout,
			CacheTTL:  id.CacheTTL,
			CacheSize: id.CacheSize,
		}, nil, logger), nil
	}
	return nil, nil
}
