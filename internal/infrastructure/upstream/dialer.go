package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voicerelay/internal/core/domain"
	"voicerelay/pkg/circuitbreaker"
	"voicerelay/pkg/config"
	apperrors "voicerelay/pkg/errors"
	"voicerelay/pkg/retry"
	"voicerelay/pkg/tracing"
)

// Config describes how to reach and configure the speech peer.
type Config struct {
	URL              string
	Model            string
	APIKey           string
	AuthCarriage     string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Retry            retry.Config
	Session          domain.SessionConfig
}

// ConfigFrom maps the service configuration onto a dialer configuration.
func ConfigFrom(cfg *config.Config) Config {
	s := cfg.Upstream.Session
	session := domain.SessionConfig{
		Modalities:              []string{"text", "audio"},
		Instructions:            s.Instructions,
		Voice:                   s.Voice,
		InputAudioFormat:        s.InputAudioFormat,
		OutputAudioFormat:       s.OutputAudioFormat,
		Temperature:             s.Temperature,
		MaxResponseOutputTokens: domain.MaxTokens{Limit: s.MaxResponseOutputTokens},
	}
	if s.TranscriptionModel != "" {
		session.InputAudioTranscription = &domain.InputAudioTranscription{Model: s.TranscriptionModel}
	}
	if s.TurnDetection.Type != "" {
		session.TurnDetection = &domain.TurnDetection{
			Type:              s.TurnDetection.Type,
			Threshold:         s.TurnDetection.Threshold,
			PrefixPaddingMs:   s.TurnDetection.PrefixPaddingMs,
			SilenceDurationMs: s.TurnDetection.SilenceDurationMs,
		}
	}

	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.Upstream.DialAttempts
	rc.InitialDelay = 250 * time.Millisecond
	rc.MaxDelay = 2 * time.Second

	return Config{
		URL:              cfg.Upstream.URL,
		Model:            cfg.Upstream.Model,
		APIKey:           cfg.Upstream.APIKey,
		AuthCarriage:     cfg.Upstream.AuthCarriage,
		HandshakeTimeout: cfg.Upstream.HandshakeTimeout,
		WriteTimeout:     cfg.Relay.WriteTimeout,
		Retry:            rc,
		Session:          session,
	}
}

// Dialer opens sessions with the speech peer. One Dialer is shared by all
// connections so that its circuit breaker sees every handshake.
type Dialer struct {
	cfg     Config
	ws      *websocket.Dialer
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

// NewDialer creates a dialer. breaker may be nil.
func NewDialer(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.SugaredLogger) *Dialer {
	ws := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if cfg.AuthCarriage == config.CarriageSubprotocol {
		ws.Subprotocols = []string{
			"realtime",
			"openai-insecure-api-key." + cfg.APIKey,
			"openai-beta.realtime-v1",
		}
	}
	return &Dialer{cfg: cfg, ws: ws, breaker: breaker, logger: logger}
}

// Endpoint returns the peer URL with the model query parameter.
func (d *Dialer) Endpoint() (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	q := u.Query()
	q.Set("model", d.cfg.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Dialer) header() http.Header {
	h := http.Header{}
	if d.cfg.AuthCarriage != config.CarriageSubprotocol {
		h.Set("Authorization", "Bearer "+d.cfg.APIKey)
		h.Set("OpenAI-Beta", "realtime=v1")
	}
	return h
}

// Dial performs the handshake and returns a session in the uninitialized state.
func (d *Dialer) Dial(ctx context.Context) (*Session, error) {
	endpoint, err := d.Endpoint()
	if err != nil {
		return nil, apperrors.NewUpstreamError("invalid upstream url", err)
	}

	ctx, span := tracing.TraceUpstreamDial(ctx, d.cfg.URL)
	defer span.End()
	start := time.Now()

	attempt := 0
	dial := func() (*websocket.Conn, error) {
		return retry.Do(ctx, d.cfg.Retry, func() (*websocket.Conn, error) {
			attempt++
			conn, resp, err := d.ws.DialContext(ctx, endpoint, d.header())
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			if err != nil {
				if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return nil, retry.Permanent(fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err))
				}
				d.logger.Warnw("Upstream dial attempt failed", "attempt", attempt, "error", err)
				return nil, err
			}
			return conn, nil
		})
	}

	var conn *websocket.Conn
	if d.breaker != nil {
		conn, err = circuitbreaker.Do(ctx, d.breaker, dial)
	} else {
		conn, err = dial()
	}
	tracing.AddSpanAttributes(ctx, tracing.AttemptKey.Int(attempt))
	tracing.MeasureDuration(ctx, start, "upstream.dial")
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, apperrors.NewUpstreamError("upstream dial failed", err)
	}

	return newSession(conn, d.cfg.Session, d.cfg.WriteTimeout, d.logger), nil
}
