package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	apperrors "voicerelay/pkg/errors"
)

// Config holds the per-identity admission limits.
type Config struct {
	MaxFrameBytes   int
	FramesPerWindow int
	Window          time.Duration
}

// DefaultConfig returns 10KB frames and 10 frames per 60s.
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes:   10 * 1024,
		FramesPerWindow: 10,
		Window:          60 * time.Second,
	}
}

// RateWindow is a fixed counting window for one identity.
type RateWindow struct {
	Count   int
	ResetAt time.Time
}

// FrameGuard admits or rejects client frames before they reach the peer.
// Windows are process-local.
type FrameGuard struct {
	config Config
	clock  clock.Clock

	mu      sync.Mutex
	windows map[string]*RateWindow
}

// New creates a guard. A nil clock uses wall time.
func New(cfg Config, clk clock.Clock) *FrameGuard {
	if clk == nil {
		clk = clock.New()
	}
	return &FrameGuard{
		config:  cfg,
		clock:   clk,
		windows: make(map[string]*RateWindow),
	}
}

// Admit checks frame size first and then the rate window for key. A rejected
// frame never increments the window.
func (g *FrameGuard) Admit(key string, frame []byte) error {
	if len(frame) > g.config.MaxFrameBytes {
		return apperrors.NewMessageTooLargeError(g.config.MaxFrameBytes).
			WithContext("size", len(frame))
	}

	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[key]
	if !ok || !now.Before(w.ResetAt) {
		g.windows[key] = &RateWindow{Count: 1, ResetAt: now.Add(g.config.Window)}
		return nil
	}
	if w.Count >= g.config.FramesPerWindow {
		return apperrors.NewRateLimitError(g.config.FramesPerWindow, formatWindow(g.config.Window)).
			WithContext("reset_at", w.ResetAt)
	}
	w.Count++
	return nil
}

// Window returns a copy of the current window for key.
func (g *FrameGuard) Window(key string) (RateWindow, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.windows[key]
	if !ok {
		return RateWindow{}, false
	}
	return *w, true
}

// Sweep drops expired windows and returns how many were removed.
func (g *FrameGuard) Sweep() int {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for key, w := range g.windows {
		if !now.Before(w.ResetAt) {
			delete(g.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked identities.
func (g *FrameGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.windows)
}

// formatWindow renders 60s as "60s" rather than time.Duration's "1m0s".
func formatWindow(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return d.String()
}
