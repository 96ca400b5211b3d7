package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voicerelay/internal/core/domain"
	"voicerelay/internal/core/ports"
	"voicerelay/internal/infrastructure/guard"
	"voicerelay/internal/infrastructure/monitoring"
	"voicerelay/internal/infrastructure/upstream"
	apperrors "voicerelay/pkg/errors"
)

// maxReadBytes bounds a single client read. Frames above the guard limit but
// below this one are answered with an error frame instead of a dropped socket.
const maxReadBytes = 1 << 20

var (
	errClientGone   = errors.New("client disconnected")
	errUpstreamGone = errors.New("upstream closed")
)

// UpstreamDialer opens a session with the speech peer.
type UpstreamDialer interface {
	Dial(ctx context.Context) (*upstream.Session, error)
}

// ConnectionConfig holds per-connection timing and queue limits.
type ConnectionConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	OutboundQueueSize int
	PendingQueueSize  int
}

// Connection pairs one client socket with one upstream session.
type Connection struct {
	id       domain.ConnectionID
	identity domain.Identity
	roomName string

	client   *websocket.Conn
	dialer   UpstreamDialer
	guard    *guard.FrameGuard
	presence ports.PresenceService
	metrics  Metrics
	cfg      ConnectionConfig
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan []byte

	mu    sync.Mutex
	state domain.ConnectionState

	session *upstream.Session
	room    *domain.Room
	entry   domain.PresenceEntry

	pendingMu sync.Mutex
	pending   []pendingFrame

	// owned by the upstream reader
	transcripts map[string]*strings.Builder
	speaking    bool

	upstreamErrOnce sync.Once
	linksOnce       sync.Once
	closeOnce       sync.Once
}

func newConnection(
	parent context.Context,
	id domain.ConnectionID,
	identity domain.Identity,
	roomName string,
	client *websocket.Conn,
	deps connectionDeps,
	cfg ConnectionConfig,
) *Connection {
	ctx, cancel := context.WithCancel(parent)
	return &Connection{
		id:          id,
		identity:    identity,
		roomName:    roomName,
		client:      client,
		dialer:      deps.dialer,
		guard:       deps.guard,
		presence:    deps.presence,
		metrics:     deps.metrics,
		cfg:         cfg,
		logger:      deps.logger.With("connection_id", id, "user_id", identity.DisplayID()),
		ctx:         ctx,
		cancel:      cancel,
		outbound:    make(chan []byte, cfg.OutboundQueueSize),
		state:       domain.ConnConnecting,
		transcripts: make(map[string]*strings.Builder),
	}
}

type connectionDeps struct {
	dialer   UpstreamDialer
	guard    *guard.FrameGuard
	presence ports.PresenceService
	metrics  Metrics
	logger   *zap.SugaredLogger
}

// ID returns the connection identifier.
func (c *Connection) ID() domain.ConnectionID {
	return c.id
}

// State returns the current connection state.
func (c *Connection) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) transition(next domain.ConnectionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CanTransition(next) {
		if c.state != next {
			c.logger.Debugw("Ignoring connection transition", "from", c.state.String(), "to", next.String())
		}
		return false
	}
	c.state = next
	return true
}

// Run dials the peer, joins the room and pumps frames until either side goes
// away. The connection is closed when Run returns.
func (c *Connection) Run() error {
	defer c.Close()

	c.transition(domain.ConnAuthenticated)
	c.client.SetReadLimit(maxReadBytes)

	start := time.Now()
	session, err := c.dialer.Dial(c.ctx)
	c.metrics.RecordUpstreamDial(time.Since(start), err)
	if err != nil {
		c.logger.Errorw("Upstream dial failed", "error", err)
		c.writeDirect(encodeError(upstreamErrorMessage))
		return err
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	if c.ctx.Err() != nil {
		// closed while dialing, closeLinks ran without a session
		_ = session.Close()
		return c.ctx.Err()
	}
	c.transition(domain.ConnAwaitingPeerSession)

	if c.roomName != "" {
		c.joinRoom()
	}

	g, ctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.readClient(ctx) })
	g.Go(func() error { return c.readUpstream(ctx) })
	g.Go(func() error { return c.writeClient(ctx) })

	err = g.Wait()
	switch {
	case errors.Is(err, errClientGone), errors.Is(err, errUpstreamGone), errors.Is(err, context.Canceled):
		c.logger.Infow("Connection finished", "reason", err)
		return nil
	default:
		c.logger.Warnw("Connection terminated", "error", err)
		return err
	}
}

func (c *Connection) joinRoom() {
	entry := domain.NewPresenceEntry(c.id, c.identity, time.Now().UTC())
	room, err := c.presence.Join(c.ctx, c.roomName, entry, c)
	if err != nil {
		c.logger.Warnw("Room join failed", "room", c.roomName, "error", err)
		c.TrySend(encodeError("Room unavailable"))
		return
	}
	c.mu.Lock()
	c.room = room
	c.entry = entry
	c.mu.Unlock()
	c.logger.Infow("Connection joined room", "room_id", room.ID, "room", room.Name)
}

// TrySend queues a frame for the client without blocking. It implements
// ports.FrameSink for room broadcasts.
func (c *Connection) TrySend(frame []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.outbound <- frame:
		return true
	default:
		return false
	}
}

// send queues a frame for the client, waiting for room in the queue.
func (c *Connection) send(ctx context.Context, frame []byte) error {
	select {
	case c.outbound <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) sendError(ctx context.Context, message string) error {
	return c.send(ctx, encodeError(message))
}

// writeDirect is only used before the writer pump starts.
func (c *Connection) writeDirect(frame []byte) {
	_ = c.client.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.client.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Debugw("Failed to write frame to client", "error", err)
	}
}

func (c *Connection) readClient(ctx context.Context) error {
	_ = c.client.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.client.SetPongHandler(func(string) error {
		return c.client.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, data, err := c.client.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && ctx.Err() == nil {
				c.logger.Infow("Client read failed", "error", err)
			}
			return fmt.Errorf("%w: %v", errClientGone, err)
		}
		_ = c.client.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		if err := c.handleClientFrame(ctx, data); err != nil {
			return err
		}
	}
}

func (c *Connection) handleClientFrame(ctx context.Context, data []byte) error {
	if err := c.guard.Admit(c.identity.Key(), data); err != nil {
		reason := string(apperrors.ErrCodeInternal)
		message := err.Error()
		if appErr := apperrors.GetAppError(err); appErr != nil {
			reason = string(appErr.Code)
			message = appErr.Message
		}
		c.metrics.RecordFrameRejected(reason)
		c.logger.Debugw("Client frame rejected", "reason", reason, "bytes", len(data))
		return c.sendError(ctx, message)
	}

	env := parseEnvelope(data)

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if len(c.pending) == 0 && c.session.Permits(env.Type) {
		return c.forwardUpstream(ctx, data)
	}
	if len(c.pending) >= c.cfg.PendingQueueSize {
		notReady := apperrors.NewSessionNotReadyError()
		c.metrics.RecordFrameRejected(string(notReady.Code))
		return c.sendError(ctx, notReady.Message)
	}
	c.pending = append(c.pending, pendingFrame{frameType: env.Type, data: data})
	c.logger.Debugw("Client frame queued until session is ready",
		"frame_type", env.Type,
		"state", c.session.State().String(),
		"pending", len(c.pending),
	)
	return nil
}

// flushPending forwards queued frames, oldest first, for as long as the
// session permits the head of the queue.
func (c *Connection) flushPending(ctx context.Context) error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for len(c.pending) > 0 && c.session.Permits(c.pending[0].frameType) {
		head := c.pending[0]
		c.pending[0] = pendingFrame{}
		c.pending = c.pending[1:]
		if err := c.forwardUpstream(ctx, head.data); err != nil {
			return err
		}
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return nil
}

func (c *Connection) forwardUpstream(ctx context.Context, data []byte) error {
	if err := c.session.Send(data); err != nil {
		return c.upstreamFailed(ctx, err)
	}
	c.metrics.RecordFrameForwarded(monitoring.DirectionClientToUpstream)
	return nil
}

// upstreamFailed reports the failure to the client once and ends the pumps.
func (c *Connection) upstreamFailed(ctx context.Context, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.upstreamErrOnce.Do(func() {
		c.logger.Warnw("Upstream connection error", "error", cause)
		if !c.TrySend(encodeError(upstreamErrorMessage)) {
			c.logger.Warnw("Dropped upstream error frame, client queue full")
		}
	})
	return apperrors.NewUpstreamError(upstreamErrorMessage, cause)
}

func (c *Connection) readUpstream(ctx context.Context) error {
	for {
		_, data, err := c.session.Read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if upstream.IsNormalClose(err) {
				return fmt.Errorf("%w: %v", errUpstreamGone, err)
			}
			return c.upstreamFailed(ctx, err)
		}

		if err := c.send(ctx, data); err != nil {
			return err
		}
		c.metrics.RecordFrameForwarded(monitoring.DirectionUpstreamToClient)

		env := parseEnvelope(data)
		changed, err := c.session.Observe(env.Type)
		if err != nil {
			return c.upstreamFailed(ctx, err)
		}
		if changed {
			if c.session.State() == domain.SessionActive && c.transition(domain.ConnStreaming) {
				c.logger.Infow("Upstream session active")
			}
			if err := c.flushPending(ctx); err != nil {
				return err
			}
		}

		c.applySideEffects(ctx, env)
	}
}

// applySideEffects turns peer output into room activity.
func (c *Connection) applySideEffects(ctx context.Context, env envelope) {
	c.mu.Lock()
	room, entry := c.room, c.entry
	c.mu.Unlock()
	if room == nil {
		return
	}

	switch env.Type {
	case domain.FrameAudioDelta:
		if !c.speaking {
			c.speaking = true
			c.presence.PublishSpeaking(room.ID, c.id, true)
		}
	case domain.FrameAudioDone:
		if c.speaking {
			c.speaking = false
			c.presence.PublishSpeaking(room.ID, c.id, false)
		}
	case domain.FrameAudioTranscriptDelta:
		b, ok := c.transcripts[env.ItemID]
		if !ok {
			b = &strings.Builder{}
			c.transcripts[env.ItemID] = b
		}
		b.WriteString(env.Delta)
	case domain.FrameAudioTranscriptDone:
		text := env.Transcript
		if b, ok := c.transcripts[env.ItemID]; ok {
			if text == "" {
				text = b.String()
			}
			delete(c.transcripts, env.ItemID)
		}
		c.publishTranscript(ctx, room.ID, entry, domain.RoleAssistant, text)
	case domain.FrameInputTranscriptionCompleted:
		c.publishTranscript(ctx, room.ID, entry, domain.RoleUser, env.Transcript)
	}
}

func (c *Connection) publishTranscript(ctx context.Context, roomID domain.RoomID, entry domain.PresenceEntry, role domain.Role, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	msg, err := c.presence.PublishTranscript(ctx, roomID, entry, role, content)
	if err != nil {
		c.logger.Warnw("Failed to publish transcript", "role", role, "error", err)
		return
	}
	c.logger.Debugw("Transcript published", "message_id", msg.ID, "role", role)
}

func (c *Connection) writeClient(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.outbound:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return fmt.Errorf("%w: %v", errClientGone, err)
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("%w: ping: %v", errClientGone, err)
			}
		case <-ctx.Done():
			c.drain()
			c.closeLinks()
			return ctx.Err()
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	if err := c.client.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.client.WriteMessage(messageType, data)
}

// drain flushes frames already queued, such as a final error frame.
func (c *Connection) drain() {
	for {
		select {
		case frame := <-c.outbound:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// closeLinks closes the client socket and the upstream session exactly once.
func (c *Connection) closeLinks() {
	c.linksOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

		c.mu.Lock()
		session := c.session
		c.mu.Unlock()

		var err error
		if session != nil {
			err = multierr.Append(err, session.Close())
		}
		if cerr := c.client.Close(); cerr != nil && !errors.Is(cerr, websocket.ErrCloseSent) {
			err = multierr.Append(err, cerr)
		}
		if err != nil {
			c.logger.Debugw("Errors while closing links", "error", err)
		}
	})
}

// Close tears down both links and leaves the room. It is safe to call more
// than once and from any goroutine.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeLinks()

		c.mu.Lock()
		room := c.room
		c.mu.Unlock()
		if room != nil {
			c.presence.Leave(room.ID, c.id)
		}

		c.transition(domain.ConnClosed)
		c.metrics.RecordConnectionClosed()
		c.logger.Infow("Connection closed")
	})
}
