package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"voicerelay/internal/core/domain"
	"voicerelay/pkg/circuitbreaker"
	"voicerelay/pkg/retry"
	"voicerelay/pkg/tracing"
)

type RemoteIdentityConfig struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	CacheTTL  time.Duration
	CacheSize int
	Retry     retry.Config
}

type providerUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// RemoteIdentityVerifier resolves tokens through the provider's user endpoint.
// Verified identities are cached, keyed by a token digest, for CacheTTL or
// until the token's exp claim, whichever comes first. CacheTTL therefore
// bounds how long a revoked token is still accepted.
type RemoteIdentityVerifier struct {
	cfg     RemoteIdentityConfig
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	cache   *expirable.LRU[string, domain.Identity]
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewRemoteIdentityVerifier creates a verifier. A nil client uses a client
// bounded by cfg.Timeout.
func NewRemoteIdentityVerifier(cfg RemoteIdentityConfig, client *http.Client, logger *zap.SugaredLogger) *RemoteIdentityVerifier {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
		cfg.Retry.MaxAttempts = 2
	}

	v := &RemoteIdentityVerifier{
		cfg:     cfg,
		client:  client,
		breaker: circuitbreaker.New("identity", circuitbreaker.DefaultConfig()),
		logger:  logger,
		now:     time.Now,
	}
	if cfg.CacheSize > 0 && cfg.CacheTTL > 0 {
		v.cache = expirable.NewLRU[string, domain.Identity](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return v
}

func (v *RemoteIdentityVerifier) Verify(ctx context.Context, token string) (domain.Identity, error) {
	ctx, span := tracing.TraceIdentityVerify(ctx, "remote")
	defer span.End()

	key := tokenDigest(token)
	if v.cache != nil {
		if identity, ok := v.cache.Get(key); ok {
			if identity.ExpiresAt.IsZero() || v.now().Before(identity.ExpiresAt) {
				return identity, nil
			}
			v.cache.Remove(key)
		}
	}

	// A rejected token is a healthy provider answer and must not trip the breaker.
	var rejected error
	identity, err := circuitbreaker.Do(ctx, v.breaker, func() (domain.Identity, error) {
		identity, err := retry.Do(ctx, v.cfg.Retry, func() (domain.Identity, error) {
			return v.fetchUser(ctx, token)
		})
		if errors.Is(err, ErrInvalidToken) {
			rejected = err
			return domain.Identity{}, nil
		}
		return identity, err
	})
	if rejected != nil {
		return domain.Identity{}, rejected
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.Identity{}, err
	}

	identity.ExpiresAt = tokenExpiry(token)
	if v.cache != nil && (identity.ExpiresAt.IsZero() || v.now().Before(identity.ExpiresAt)) {
		v.cache.Add(key, identity)
	}
	return identity, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// provider has already accepted the token. Opaque tokens have no expiry.
func tokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

func (v *RemoteIdentityVerifier) fetchUser(ctx context.Context, token string) (domain.Identity, error) {
	endpoint := strings.TrimRight(v.cfg.BaseURL, "/") + "/auth/v1/user"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Identity{}, retry.Permanent(fmt.Errorf("build identity request: %w", err))
	}
	req.Header.Set("apikey", v.cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(req)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return domain.Identity{}, retry.Permanent(ErrInvalidToken)
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return domain.Identity{}, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return domain.Identity{}, retry.Permanent(fmt.Errorf("%w: provider status %d", ErrInvalidToken, resp.StatusCode))
	}

	var user providerUser
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&user); err != nil {
		return domain.Identity{}, retry.Permanent(fmt.Errorf("%w: decode user: %v", ErrProviderUnavailable, err))
	}
	if user.ID == "" {
		return domain.Identity{}, retry.Permanent(ErrInvalidToken)
	}
	v.logger.Debugw("Identity verified by provider", "user_id", user.ID)

	return domain.Identity{
		UserID: domain.UserID(user.ID),
		Email:  user.Email,
		Role:   user.Role,
	}, nil
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
