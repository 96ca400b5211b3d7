package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voicerelay/internal/core/domain"
	"voicerelay/internal/core/ports"
	"voicerelay/internal/core/services"
	"voicerelay/internal/infrastructure/guard"
	"voicerelay/internal/infrastructure/middleware"
	"voicerelay/pkg/circuitbreaker"
	"voicerelay/pkg/config"
	apperrors "voicerelay/pkg/errors"
	"voicerelay/pkg/logger"
	"voicerelay/pkg/validation"
)

// browserSubprotocol is the only subprotocol echoed back to clients. Browsers
// send the bearer token as a second entry, which must never be echoed.
const browserSubprotocol = "websocket"

// Metrics receives relay measurements.
type Metrics interface {
	RecordConnectionOpened()
	RecordConnectionClosed()
	RecordConnectionRejected(reason string)
	RecordFrameForwarded(direction string)
	RecordFrameRejected(reason string)
	RecordUpstreamDial(duration time.Duration, err error)
}

// ServerConfig holds the relay route settings.
type ServerConfig struct {
	AuthMode       string
	AllowedOrigins []string
	VerifyTimeout  time.Duration
	SweepInterval  time.Duration
	Connection     ConnectionConfig
}

// ServerConfigFrom maps the service configuration onto the relay settings.
func ServerConfigFrom(cfg *config.Config) ServerConfig {
	return ServerConfig{
		AuthMode:       cfg.Auth.Mode,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
		VerifyTimeout:  cfg.Identity.VerifyTimeout,
		SweepInterval:  cfg.RateLimiting.WebSocket.SweepInterval,
		Connection: ConnectionConfig{
			PingInterval:      cfg.Relay.PingInterval,
			PongTimeout:       cfg.Relay.PongTimeout,
			WriteTimeout:      cfg.Relay.WriteTimeout,
			OutboundQueueSize: cfg.Relay.OutboundQueueSize,
			PendingQueueSize:  cfg.Relay.PendingQueueSize,
		},
	}
}

// Deps are the collaborators of the relay server. Verifier may be nil in
// public mode.
type Deps struct {
	Verifier ports.IdentityVerifier
	Dialer   UpstreamDialer
	Guard    *guard.FrameGuard
	Presence ports.PresenceService
	Metrics  Metrics
	Logger   *zap.SugaredLogger
}

// Server upgrades relay requests and owns the open connections.
type Server struct {
	cfg      ServerConfig
	readyErr error
	deps     Deps
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu    sync.RWMutex
	conns map[domain.ConnectionID]*Connection
	wg    sync.WaitGroup
}

// NewServer creates the relay server. A non-nil readyErr disables the route;
// it is decided once at startup.
func NewServer(cfg ServerConfig, readyErr error, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		readyErr: readyErr,
		deps:     deps,
		logger:   deps.Logger,
		conns:    make(map[domain.ConnectionID]*Connection),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{browserSubprotocol},
		CheckOrigin:     s.checkOrigin,
	}
	if readyErr != nil {
		s.logger.Errorw("Relay route disabled", "error", readyErr)
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Handle is the gin handler for the relay route.
func (s *Server) Handle(c *gin.Context) {
	r := c.Request

	if !websocket.IsWebSocketUpgrade(r) {
		s.reject(c, "protocol", apperrors.NewProtocolError("expected websocket upgrade"))
		return
	}
	if s.readyErr != nil {
		s.reject(c, "not_configured", apperrors.NewNotConfiguredError(s.readyErr))
		return
	}

	identity, appErr := s.authenticate(r)
	if appErr != nil {
		s.reject(c, "auth", appErr)
		return
	}

	roomName := r.URL.Query().Get("room")
	if roomName != "" {
		roomName = validation.NormalizeRoomName(roomName)
		if err := validation.ValidateRoomName(roomName); err != nil {
			s.reject(c, "room", apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}

	conn, err := s.upgrader.Upgrade(c.Writer, r, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		s.deps.Metrics.RecordConnectionRejected("upgrade")
		s.logger.Warnw("Websocket upgrade failed", "error", err)
		return
	}

	id := domain.ConnectionID(uuid.New().String())
	ctx := logger.WithConnectionID(context.WithoutCancel(r.Context()), string(id))
	connection := newConnection(ctx, id, identity, roomName, conn, connectionDeps{
		dialer:   s.deps.Dialer,
		guard:    s.deps.Guard,
		presence: s.deps.Presence,
		metrics:  s.deps.Metrics,
		logger:   s.logger,
	}, s.cfg.Connection)

	s.deps.Metrics.RecordConnectionOpened()
	s.track(connection)
	defer s.untrack(connection)

	s.logger.Infow("Client connected",
		"connection_id", id,
		"user_id", identity.DisplayID(),
		"anonymous", identity.Anonymous,
		"room", roomName,
	)
	if err := connection.Run(); err != nil {
		s.logger.Debugw("Connection ended with error", "connection_id", id, "error", err)
	}
}

// authenticate resolves the caller identity according to the trust policy.
func (s *Server) authenticate(r *http.Request) (domain.Identity, *apperrors.AppError) {
	clientIP := middleware.ClientIP(r)
	token := tokenFromRequest(r)

	if token == "" {
		if s.cfg.AuthMode == config.AuthModePublic {
			s.logger.Infow("Admitting anonymous client", "client_ip", clientIP)
			return domain.AnonymousIdentity(clientIP), nil
		}
		return domain.Identity{}, apperrors.NewUnauthorizedError("authentication required")
	}

	if s.deps.Verifier == nil {
		// only reachable in public mode, RelayReady requires a verifier otherwise
		s.logger.Warnw("No identity verifier configured, treating token holder as anonymous", "client_ip", clientIP)
		return domain.AnonymousIdentity(clientIP), nil
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.VerifyTimeout)
	defer cancel()

	identity, err := s.deps.Verifier.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, services.ErrProviderUnavailable) || errors.Is(err, circuitbreaker.ErrOpen) {
			return domain.Identity{}, apperrors.NewUpstreamError("identity provider unavailable", err)
		}
		return domain.Identity{}, apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "invalid token", http.StatusUnauthorized)
	}
	identity.ClientIP = clientIP
	return identity, nil
}

// tokenFromRequest reads the bearer token from the subprotocol list
// ("websocket", "<token>") and falls back to the Authorization header.
func tokenFromRequest(r *http.Request) string {
	protocols := websocket.Subprotocols(r)
	if len(protocols) >= 2 && protocols[0] == browserSubprotocol && protocols[1] != "" {
		return protocols[1]
	}
	if token, ok := middleware.BearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return ""
}

func (s *Server) reject(c *gin.Context, reason string, appErr *apperrors.AppError) {
	s.deps.Metrics.RecordConnectionRejected(reason)
	log := s.logger.Infow
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		log = s.logger.Warnw
	}
	log("Relay request rejected",
		"reason", reason,
		"status", appErr.HTTPStatus,
		"client_ip", middleware.ClientIP(c.Request),
		"error", appErr,
	)
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}

func (s *Server) track(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ID()] = c
	s.wg.Add(1)
}

func (s *Server) untrack(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c.ID()]; ok {
		delete(s.conns, c.ID())
		s.wg.Done()
	}
}

// ActiveConnections returns the number of open relay connections.
func (s *Server) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// RunSweeper drops expired rate windows until ctx is done.
func (s *Server) RunSweeper(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 || s.deps.Guard == nil {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.deps.Guard.Sweep(); removed > 0 {
				s.logger.Debugw("Swept expired rate windows", "removed", removed, "remaining", s.deps.Guard.Len())
			}
		}
	}
}

// Shutdown closes every open connection and waits for their handlers to
// return or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	open := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.mu.RUnlock()

	for _, c := range open {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopMetrics struct{}

func (nopMetrics) RecordConnectionOpened() {}
func (nopMetrics) RecordConnectionClosed() {}
func (nopMetrics) RecordConnectionRejected(string) {}
func (nopMetrics) RecordFrameForwarded(string) {}
func (nopMetrics) RecordFrameRejected(string) {}
func (nopMetrics) RecordUpstreamDial(time.Duration, error) {}
