package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"

	"voicerelay/pkg/validation"
)

const (
	AuthModeEnforce = "enforce"
	AuthModePublic  = "public"

	CarriageHeader      = "header"
	CarriageSubprotocol = "subprotocol"

	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageBolt   = "bolt"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"          env:"VOICERELAY_SERVER_ADDRESS"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Relay struct {
		Path              string        `yaml:"path"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		OutboundQueueSize int           `yaml:"outbound_queue_size"`
		PendingQueueSize  int           `yaml:"pending_queue_size"`
		AllowedOrigins    []string      `yaml:"allowed_origins"      env:"VOICERELAY_ALLOWED_ORIGINS"`
	} `yaml:"relay"`

	Upstream struct {
		URL              string        `yaml:"url"               env:"VOICERELAY_UPSTREAM_URL"`
		Model            string        `yaml:"model"             env:"VOICERELAY_UPSTREAM_MODEL"`
		APIKey           string        `yaml:"api_key"           env:"OPENAI_API_KEY"`
		AuthCarriage     string        `yaml:"auth_carriage"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		DialAttempts     int           `yaml:"dial_attempts"`

		Session struct {
			Instructions       string  `yaml:"instructions"`
			Voice              string  `yaml:"voice"`
			InputAudioFormat   string  `yaml:"input_audio_format"`
			OutputAudioFormat  string  `yaml:"output_audio_format"`
			TranscriptionModel string  `yaml:"transcription_model"`
			Temperature        float64 `yaml:"temperature"`
			// 0 means unbounded ("inf").
			MaxResponseOutputTokens int `yaml:"max_response_output_tokens"`

			TurnDetection struct {
				Type              string  `yaml:"type"`
				Threshold         float64 `yaml:"threshold"`
				PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
				SilenceDurationMs int     `yaml:"silence_duration_ms"`
			} `yaml:"turn_detection"`
		} `yaml:"session"`
	} `yaml:"upstream"`

	Identity struct {
		URL           string        `yaml:"url"            env:"SUPABASE_URL"`
		PublicKey     string        `yaml:"public_key"     env:"SUPABASE_ANON_KEY"`
		JWTSecret     string        `yaml:"jwt_secret"     env:"SUPABASE_JWT_SECRET"`
		JWTPublicKey  string        `yaml:"jwt_public_key" env:"SUPABASE_JWT_PUBLIC_KEY"`
		Issuer        string        `yaml:"issuer"`
		VerifyTimeout time.Duration `yaml:"verify_timeout"`
		CacheTTL      time.Duration `yaml:"cache_ttl"`
		CacheSize     int           `yaml:"cache_size"`
	} `yaml:"identity"`

	Auth struct {
		Mode string `yaml:"mode" env:"VOICERELAY_AUTH_MODE"`
	} `yaml:"auth"`

	Presence struct {
		BackfillLimit int `yaml:"backfill_limit"`
	} `yaml:"presence"`

	Storage struct {
		Driver       string        `yaml:"driver"    env:"VOICERELAY_STORAGE_DRIVER"`
		BoltPath     string        `yaml:"bolt_path" env:"VOICERELAY_BOLT_PATH"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"storage"`

	Redis struct {
		Address  string `yaml:"address"  env:"VOICERELAY_REDIS_ADDRESS"`
		Password string `yaml:"password" env:"VOICERELAY_REDIS_PASSWORD"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	EventBus struct {
		Enabled bool   `yaml:"enabled" env:"VOICERELAY_EVENT_BUS_ENABLED"`
		Channel string `yaml:"channel"`
	} `yaml:"event_bus"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"      env:"VOICERELAY_TRACING_ENABLED"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"   env:"VOICERELAY_JAEGER_URL"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"  env:"VOICERELAY_LOG_LEVEL"`
		Format string `yaml:"format" env:"VOICERELAY_LOG_FORMAT"`
	} `yaml:"logging"`

	RateLimiting struct {
		// Enabled gates the HTTP middlewares; the per-frame guard is always on.
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int           `yaml:"connections_per_minute"`
			MaxFrameBytes        int           `yaml:"max_frame_bytes"`
			FramesPerWindow      int           `yaml:"frames_per_window"`
			Window               time.Duration `yaml:"window"`
			SweepInterval        time.Duration `yaml:"sweep_interval"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
// Missing relay secrets are not validation errors, see RelayReady.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server.write_timeout must be >= 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Relay
	if c.Relay.Path == "" {
		return fmt.Errorf("relay.path must not be empty")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be > relay.ping_interval")
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("relay.write_timeout must be > 0")
	}
	if c.Relay.OutboundQueueSize <= 0 {
		return fmt.Errorf("relay.outbound_queue_size must be > 0")
	}
	if c.Relay.PendingQueueSize <= 0 {
		return fmt.Errorf("relay.pending_queue_size must be > 0")
	}

	// Upstream
	if err := validation.ValidateURL(c.Upstream.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("upstream.url: %w", err)
	}
	switch c.Upstream.AuthCarriage {
	case CarriageHeader, CarriageSubprotocol:
	default:
		return fmt.Errorf("upstream.auth_carriage must be %q or %q", CarriageHeader, CarriageSubprotocol)
	}
	if c.Upstream.HandshakeTimeout <= 0 {
		return fmt.Errorf("upstream.handshake_timeout must be > 0")
	}
	if c.Upstream.DialAttempts < 1 {
		return fmt.Errorf("upstream.dial_attempts must be >= 1")
	}
	if c.Upstream.Session.Temperature < 0 || c.Upstream.Session.Temperature > 2 {
		return fmt.Errorf("upstream.session.temperature must be in [0, 2]")
	}
	if c.Upstream.Session.MaxResponseOutputTokens < 0 {
		return fmt.Errorf("upstream.session.max_response_output_tokens must be >= 0")
	}

	// Identity
	if c.Identity.URL != "" {
		if err := validation.ValidateURL(c.Identity.URL, "http", "https"); err != nil {
			return fmt.Errorf("identity.url: %w", err)
		}
	}
	if c.Identity.VerifyTimeout <= 0 {
		return fmt.Errorf("identity.verify_timeout must be > 0")
	}
	if c.Identity.CacheSize < 0 {
		return fmt.Errorf("identity.cache_size must be >= 0")
	}

	// Auth
	switch c.Auth.Mode {
	case AuthModeEnforce, AuthModePublic:
	default:
		return fmt.Errorf("auth.mode must be %q or %q", AuthModeEnforce, AuthModePublic)
	}

	// Presence
	if c.Presence.BackfillLimit < 0 {
		return fmt.Errorf("presence.backfill_limit must be >= 0")
	}

	// Storage
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when storage.driver=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when storage.driver=redis")
		}
	case StorageBolt:
		if c.Storage.BoltPath == "" {
			return fmt.Errorf("storage.bolt_path must not be empty when storage.driver=bolt")
		}
	default:
		return fmt.Errorf("storage.driver must be one of memory, redis, bolt")
	}
	if c.Storage.WriteTimeout <= 0 {
		return fmt.Errorf("storage.write_timeout must be > 0")
	}

	if c.EventBus.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when event_bus.enabled=true")
		}
		if c.EventBus.Channel == "" {
			return fmt.Errorf("event_bus.channel must not be empty when event_bus.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Rate limiting
	ws := c.RateLimiting.WebSocket
	if ws.MaxFrameBytes <= 0 {
		return fmt.Errorf("rate_limiting.websocket.max_frame_bytes must be > 0")
	}
	if ws.FramesPerWindow <= 0 {
		return fmt.Errorf("rate_limiting.websocket.frames_per_window must be > 0")
	}
	if ws.Window <= 0 {
		return fmt.Errorf("rate_limiting.websocket.window must be > 0")
	}
	if ws.SweepInterval <= 0 {
		return fmt.Errorf("rate_limiting.websocket.sweep_interval must be > 0")
	}
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if ws.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

var (
	ErrMissingAPIKey   = errors.New("OPENAI_API_KEY is not set")
	ErrMissingIdentity = errors.New("identity provider is not configured (SUPABASE_URL and SUPABASE_ANON_KEY, or a JWT verification key)")
)

// RelayReady reports whether the relay route has the secrets it needs.
func (c *Config) RelayReady() error {
	if c.Upstream.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Auth.Mode == AuthModeEnforce && !c.IdentityConfigured() {
		return ErrMissingIdentity
	}
	return nil
}

// IdentityConfigured reports whether any verification method is available.
func (c *Config) IdentityConfigured() bool {
	if c.Identity.JWTSecret != "" || c.Identity.JWTPublicKey != "" {
		return true
	}
	return c.Identity.URL != "" && c.Identity.PublicKey != ""
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// defaults plus environment
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	// Zero keeps long-lived websocket connections from being cut by the server.
	cfg.Server.WriteTimeout = 0
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Relay.Path = "/v1/realtime"
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.OutboundQueueSize = 256
	cfg.Relay.PendingQueueSize = 64
	cfg.Relay.AllowedOrigins = []string{"*"}

	cfg.Upstream.URL = "wss://api.openai.com/v1/realtime"
	cfg.Upstream.Model = "gpt-4o-realtime-preview-2024-10-01"
	cfg.Upstream.AuthCarriage = CarriageHeader
	cfg.Upstream.HandshakeTimeout = 10 * time.Second
	cfg.Upstream.DialAttempts = 2

	cfg.Upstream.Session.Instructions = "You are a helpful AI assistant. Keep your responses conversational and natural."
	cfg.Upstream.Session.Voice = "alloy"
	cfg.Upstream.Session.InputAudioFormat = "pcm16"
	cfg.Upstream.Session.OutputAudioFormat = "pcm16"
	cfg.Upstream.Session.TranscriptionModel = "whisper-1"
	cfg.Upstream.Session.Temperature = 0.8
	cfg.Upstream.Session.MaxResponseOutputTokens = 0
	cfg.Upstream.Session.TurnDetection.Type = "server_vad"
	cfg.Upstream.Session.TurnDetection.Threshold = 0.5
	cfg.Upstream.Session.TurnDetection.PrefixPaddingMs = 300
	cfg.Upstream.Session.TurnDetection.SilenceDurationMs = 1000

	cfg.Identity.VerifyTimeout = 5 * time.Second
	cfg.Identity.CacheTTL = time.Minute
	cfg.Identity.CacheSize = 1024

	cfg.Auth.Mode = AuthModeEnforce

	cfg.Presence.BackfillLimit = 50

	cfg.Storage.Driver = StorageMemory
	cfg.Storage.BoltPath = "data/voicerelay.bolt"
	cfg.Storage.WriteTimeout = 3 * time.Second

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.EventBus.Enabled = false
	cfg.EventBus.Channel = "voicerelay:rooms"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "voicerelay"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MaxFrameBytes = 10 * 1024
	cfg.RateLimiting.WebSocket.FramesPerWindow = 10
	cfg.RateLimiting.WebSocket.Window = 60 * time.Second
	cfg.RateLimiting.WebSocket.SweepInterval = 5 * time.Minute

	return cfg
}
