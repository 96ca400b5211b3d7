package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voicerelay/internal/core/domain"
)

// Session is one paired connection to the speech peer. Reads must come from a
// single goroutine; writes are serialized internally.
type Session struct {
	conn         *websocket.Conn
	config       domain.SessionConfig
	writeTimeout time.Duration
	logger       *zap.SugaredLogger

	writeMu sync.Mutex

	mu    sync.RWMutex
	state domain.SessionState

	closeOnce sync.Once
	closeErr  error
}

func newSession(conn *websocket.Conn, cfg domain.SessionConfig, writeTimeout time.Duration, logger *zap.SugaredLogger) *Session {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Session{
		conn:         conn,
		config:       cfg,
		writeTimeout: writeTimeout,
		logger:       logger,
		state:        domain.SessionUninitialized,
	}
}

// State returns the current session state.
func (s *Session) State() domain.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Permits reports whether a client frame of type ft may be forwarded now.
func (s *Session) Permits(ft domain.FrameType) bool {
	state := s.State()
	if state == domain.SessionClosed {
		return false
	}
	if ft.IsAudio() {
		return state == domain.SessionActive
	}
	return state >= domain.SessionConfigured
}

// Observe feeds a peer frame type into the state machine and reports whether
// the state changed. session.created triggers the configuration frame.
// Out-of-order lifecycle frames are logged and ignored.
func (s *Session) Observe(ft domain.FrameType) (bool, error) {
	switch ft {
	case domain.FrameSessionCreated:
		if !s.apply(domain.EventPeerCreated) {
			return false, nil
		}
		if err := s.sendConfig(); err != nil {
			return true, err
		}
		s.apply(domain.EventConfigSent)
		return true, nil
	case domain.FrameSessionUpdated:
		before := s.State()
		s.apply(domain.EventPeerUpdated)
		return s.State() != before, nil
	default:
		return false, nil
	}
}

func (s *Session) apply(ev domain.SessionEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.state.Next(ev)
	if err != nil {
		s.logger.Warnw("Ignoring upstream lifecycle frame", "event", ev.String(), "state", s.state.String())
		return false
	}
	s.state = next
	return true
}

type sessionUpdate struct {
	Type    domain.FrameType     `json:"type"`
	Session domain.SessionConfig `json:"session"`
}

// ConfigFrame returns the session.update frame sent after session.created.
func (s *Session) ConfigFrame() ([]byte, error) {
	return json.Marshal(sessionUpdate{Type: domain.FrameSessionUpdate, Session: s.config})
}

func (s *Session) sendConfig() error {
	data, err := s.ConfigFrame()
	if err != nil {
		return fmt.Errorf("encode session config: %w", err)
	}
	if err := s.Send(data); err != nil {
		return fmt.Errorf("send session config: %w", err)
	}
	return nil
}

// Send writes one text frame to the peer.
func (s *Session) Send(data []byte) error {
	if s.State() == domain.SessionClosed {
		return domain.ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Read blocks for the next peer frame.
func (s *Session) Read() (int, []byte, error) {
	return s.conn.ReadMessage()
}

// Close sends a normal close frame and releases the socket. It is safe to
// call more than once and from any goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.apply(domain.EventClosed)

		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()

		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debugw("Upstream close frame not sent", "error", err)
		}
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// IsNormalClose reports whether err is a clean close from the peer.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
