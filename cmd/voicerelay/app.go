package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"voicerelay/internal/core/domain"
	"voicerelay/internal/core/ports"
	"voicerelay/internal/core/services"
	httphandlers "voicerelay/internal/handlers/http"
	"voicerelay/internal/infrastructure/distributed"
	"voicerelay/internal/infrastructure/guard"
	"voicerelay/internal/infrastructure/middleware"
	"voicerelay/internal/infrastructure/monitoring"
	"voicerelay/internal/infrastructure/relay"
	"voicerelay/internal/infrastructure/repositories"
	"voicerelay/internal/infrastructure/upstream"
	"voicerelay/pkg/circuitbreaker"
	"voicerelay/pkg/config"
	"voicerelay/pkg/logger"
	"voicerelay/pkg/tracing"
)

// app holds the wired service and everything that needs releasing.
type app struct {
	router  *gin.Engine
	relay   *relay.Server
	repos   *repositories.RepositoryFactory
	bus     *distributed.EventBus
	tracer  *tracing.TracerProvider
	metrics *monitoring.PrometheusCollector

	cancel    context.CancelFunc
	workers   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func newApp(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) (*app, error) {
	log := zapLogger.Sugar()
	startTime := time.Now()
	instanceID := uuid.New().String()

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewPrometheusCollector(registry)

	repos, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	a := &app{
		repos:   repos,
		tracer:  tracer,
		metrics: metrics,
		cancel:  cancel,
	}

	var broadcaster ports.RoomBroadcaster
	if cfg.EventBus.Enabled && repos.RedisClient() != nil {
		a.bus = distributed.NewEventBus(repos.RedisClient(), instanceID, cfg.EventBus.Channel, log)
		broadcaster = a.bus
	} else if cfg.EventBus.Enabled {
		log.Warnw("Event bus disabled, redis is unavailable", "address", cfg.Redis.Address)
	}

	presence := services.NewPresenceService(
		repos.RoomRepository(),
		repos.MessageRepository(),
		broadcaster,
		metrics,
		services.PresenceConfig{
			BackfillLimit: cfg.Presence.BackfillLimit,
			WriteTimeout:  cfg.Storage.WriteTimeout,
		},
		log,
	)

	if a.bus != nil {
		a.goWorker(func() {
			err := a.bus.Subscribe(workerCtx, func(roomID domain.RoomID, frame []byte) {
				presence.DeliverRemote(roomID, frame)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("Event bus subscription ended", "error", err)
			}
		})
	}

	verifier, err := services.NewIdentityVerifier(cfg, log)
	if err != nil {
		// a bad verification key disables the relay route, not the process
		log.Errorw("Identity verifier unavailable", "error", err)
		verifier = nil
	}

	readyErr := cfg.RelayReady()
	if readyErr == nil && err != nil && cfg.Auth.Mode == config.AuthModeEnforce {
		readyErr = err
	}

	breaker := circuitbreaker.New("upstream", circuitbreaker.DefaultConfig(),
		circuitbreaker.WithStateChange(func(name string, from, to circuitbreaker.State) {
			metrics.RecordBreakerState(name, from, to)
			log.Warnw("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		}),
	)
	dialer := upstream.NewDialer(upstream.ConfigFrom(cfg), breaker, log)

	frameGuard := guard.New(guard.Config{
		MaxFrameBytes:   cfg.RateLimiting.WebSocket.MaxFrameBytes,
		FramesPerWindow: cfg.RateLimiting.WebSocket.FramesPerWindow,
		Window:          cfg.RateLimiting.WebSocket.Window,
	}, nil)

	a.relay = relay.NewServer(relay.ServerConfigFrom(cfg), readyErr, relay.Deps{
		Verifier: verifier,
		Dialer:   dialer,
		Guard:    frameGuard,
		Presence: presence,
		Metrics:  metrics,
		Logger:   log,
	})
	a.goWorker(func() { a.relay.RunSweeper(workerCtx) })

	health := monitoring.NewHealthChecker()
	health.AddStorageCheck(repos, 2*time.Second)
	health.AddRelayConfigCheck(cfg)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(),
		middleware.LoggingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET(cfg.Relay.Path, middleware.NewConnectionRateLimitMiddleware(cfg), a.relay.Handle)

	httphandlers.NewRoomHandler(repos.RoomRepository(), repos.MessageRepository(), presence).
		SetupRoutes(router, middleware.NewHTTPRateLimitMiddleware(cfg), middleware.AuthMiddleware(verifier))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"instance_id": instanceID,
			"connections": a.relay.ActiveConnections(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		if status.Status != "healthy" {
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	a.router = router
	log.Infow("Service wired",
		"storage", repos.Driver(),
		"event_bus", a.bus != nil,
		"auth_mode", cfg.Auth.Mode,
		"relay_ready", readyErr == nil,
		"instance_id", instanceID,
	)
	return a, nil
}

func (a *app) goWorker(fn func()) {
	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		fn()
	}()
}

// Close drains relay connections, stops background workers and releases
// storage and tracing.
func (a *app) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var err error
		if a.relay != nil {
			err = multierr.Append(err, a.relay.Shutdown(ctx))
		}
		a.cancel()
		a.workers.Wait()
		if a.bus != nil {
			err = multierr.Append(err, a.bus.Close())
		}
		err = multierr.Append(err, a.repos.Close())
		err = multierr.Append(err, a.tracer.Shutdown(ctx))
		a.closeErr = err
	})
	return a.closeErr
}
