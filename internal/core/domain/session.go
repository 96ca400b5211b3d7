package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// SessionConfig is the body of the session.update frame sent to the speech peer.
type SessionConfig struct {
	Modalities              []string                 `json:"modalities"`
	Instructions            string                   `json:"instructions"`
	Voice                   string                   `json:"voice"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
	Temperature             float64                  `json:"temperature"`
	MaxResponseOutputTokens MaxTokens                `json:"max_response_output_tokens"`
}

type InputAudioTranscription struct {
	Model string `json:"model"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// MaxTokens is either a positive limit or unbounded, which the peer expects as "inf".
type MaxTokens struct {
	Limit int
}

func UnboundedTokens() MaxTokens { return MaxTokens{} }

func (m MaxTokens) Unbounded() bool { return m.Limit <= 0 }

func (m MaxTokens) MarshalJSON() ([]byte, error) {
	if m.Unbounded() {
		return []byte(`"inf"`), nil
	}
	return []byte(strconv.Itoa(m.Limit)), nil
}

func (m *MaxTokens) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "inf" {
			return fmt.Errorf("max tokens: unexpected value %q", s)
		}
		m.Limit = 0
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("max tokens: %w", err)
	}
	m.Limit = n
	return nil
}

// SessionState is the lifecycle of the paired upstream session.
type SessionState int

const (
	SessionUninitialized SessionState = iota
	SessionCreated
	SessionConfigured
	SessionActive
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionUninitialized:
		return "uninitialized"
	case SessionCreated:
		return "created"
	case SessionConfigured:
		return "configured"
	case SessionActive:
		return "active"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionEvent is an input to the session state machine.
type SessionEvent int

const (
	EventPeerCreated SessionEvent = iota // session.created observed
	EventConfigSent                      // session.update written to the peer
	EventPeerUpdated                     // session.updated observed
	EventClosed
)

func (e SessionEvent) String() string {
	switch e {
	case EventPeerCreated:
		return "peer_created"
	case EventConfigSent:
		return "config_sent"
	case EventPeerUpdated:
		return "peer_updated"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Next returns the state reached from s on event ev. The state is unchanged
// when the transition is not allowed.
func (s SessionState) Next(ev SessionEvent) (SessionState, error) {
	if ev == EventClosed {
		return SessionClosed, nil
	}
	switch s {
	case SessionUninitialized:
		if ev == EventPeerCreated {
			return SessionCreated, nil
		}
	case SessionCreated:
		if ev == EventConfigSent {
			return SessionConfigured, nil
		}
	case SessionConfigured:
		if ev == EventPeerUpdated {
			return SessionActive, nil
		}
	case SessionActive:
		// Later session.update frames from the client are acknowledged again.
		if ev == EventPeerUpdated {
			return SessionActive, nil
		}
	case SessionClosed:
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
}

// ConnectionState is the lifecycle of one client connection.
type ConnectionState int

const (
	ConnConnecting ConnectionState = iota
	ConnAuthenticated
	ConnAwaitingPeerSession
	ConnStreaming
	ConnClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnAuthenticated:
		return "authenticated"
	case ConnAwaitingPeerSession:
		return "awaiting-peer-session"
	case ConnStreaming:
		return "streaming"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether s may move to next. Closed is reachable from
// every state and is terminal.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	if s == ConnClosed {
		return false
	}
	if next == ConnClosed {
		return true
	}
	return next == s+1
}
