package camera

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"time"
)

// torchOffTimeout bounds the best-effort torch-off issued during release
const torchOffTimeout = 2 * time.Second

// Session is an acquired camera track and its torch/zoom state.
// Only the Manager mutates it.
type Session struct {
	token uint64

	mu       sync.Mutex
	track    Track
	caps     Capabilities
	torchOn  bool
	zoom     float64
	released bool
}

// Token is the session's generation number; later sessions have larger tokens
func (s *Session) Token() uint64 {
	return s.token
}

// Capabilities returns what the probe found at acquisition
func (s *Session) Capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// TorchOn reports whether the torch is currently lit
func (s *Session) TorchOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.torchOn
}

// Zoom returns the current zoom level
func (s *Session) Zoom() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zoom
}

// Released reports whether the session has been released
func (s *Session) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Sink exposes the frames of the session and nothing else
func (s *Session) Sink() FrameSource {
	return sink{s}
}

type sink struct {
	s *Session
}

func (k sink) Frame(ctx context.Context) (image.Image, error) {
	k.s.mu.Lock()
	track, released := k.s.track, k.s.released
	k.s.mu.Unlock()
	if released {
		return nil, ErrSessionReleased
	}
	return track.Frame(ctx)
}

// Manager owns camera acquisition and teardown. At most one session is live.
type Manager struct {
	device Device

	mu        sync.Mutex
	active    *Session
	acquiring bool
	next      uint64
}

// NewManager creates a new Manager for device
func NewManager(device Device) *Manager {
	return &Manager{device: device}
}

// Acquire opens a track and probes its capabilities
func (m *Manager) Acquire(ctx context.Context, c Constraints) (*Session, error) {
	if c.FacingMode == "" {
		c.FacingMode = FacingEnvironment
	}

	m.mu.Lock()
	if m.acquiring || m.active != nil {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	m.acquiring = true
	m.next++
	token := m.next
	m.mu.Unlock()

	track, err := m.device.Open(ctx, Constraints{FacingMode: c.FacingMode})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquiring = false
	if err != nil {
		return nil, fmt.Errorf("opening camera: %w", err)
	}

	// The caller gave up while permission was pending
	if ctx.Err() != nil {
		if stopErr := track.Stop(); stopErr != nil {
			slog.Warn("Failed to stop abandoned camera track", "error", stopErr)
		}
		return nil, fmt.Errorf("opening camera: %w", ctx.Err())
	}

	s := &Session{token: token, track: track}
	s.caps = probe(track)
	s.zoom = 1
	if z := s.caps.Zoom; z != nil {
		s.zoom = clampZoom(1, *z)
	}
	m.active = s

	slog.Info("Camera acquired", "token", token, "torch", s.caps.TorchAvailable, "zoom", s.caps.Zoom != nil)
	return s, nil
}

// Probe returns the capabilities recorded for s
func (m *Manager) Probe(s *Session) Capabilities {
	return s.Capabilities()
}

// probe reads torch and zoom support once. Devices that cannot answer get neither.
func probe(track Track) Capabilities {
	caps, err := track.Capabilities()
	if err != nil {
		slog.Debug("Camera capabilities unavailable", "error", err)
		return Capabilities{}
	}
	if z := caps.Zoom; z != nil && (z.Max <= z.Min || math.IsNaN(z.Min) || math.IsNaN(z.Max)) {
		caps.Zoom = nil
	}
	return caps
}

// Release turns the torch off if needed and stops the track. It is idempotent.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	if s.torchOn {
		ctx, cancel := context.WithTimeout(context.Background(), torchOffTimeout)
		if err := s.track.ApplyConstraints(ctx, Constraints{Torch: Bool(false)}); err != nil {
			slog.Warn("Could not turn off torch", "token", s.token, "error", err)
		}
		cancel()
		s.torchOn = false
	}
	if err := s.track.Stop(); err != nil {
		slog.Warn("Could not stop camera track", "token", s.token, "error", err)
	}
	s.released = true
	s.mu.Unlock()

	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()

	slog.Info("Camera released", "token", s.token)
}

// Active returns the live session, if any
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SetTorch turns the torch on or off
func (m *Manager) SetTorch(ctx context.Context, s *Session, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrSessionReleased
	}
	if !s.caps.TorchAvailable {
		return ErrUnsupported
	}
	if s.torchOn == on {
		return nil
	}
	if err := s.track.ApplyConstraints(ctx, Constraints{Torch: Bool(on)}); err != nil {
		return fmt.Errorf("applying torch constraint: %w", err)
	}
	s.torchOn = on
	return nil
}

// SetZoom clamps level to the zoom range, applies it and returns the applied level
func (m *Manager) SetZoom(ctx context.Context, s *Session, level float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return s.zoom, ErrSessionReleased
	}
	if s.caps.Zoom == nil {
		return s.zoom, ErrUnsupported
	}
	level = clampZoom(level, *s.caps.Zoom)
	if err := s.track.ApplyConstraints(ctx, Constraints{Zoom: Float(level)}); err != nil {
		return s.zoom, fmt.Errorf("applying zoom constraint: %w", err)
	}
	s.zoom = level
	return level, nil
}

// clampZoom keeps level inside the range and on a step boundary
func clampZoom(level float64, r ZoomRange) float64 {
	if math.IsNaN(level) {
		level = r.Min
	}
	if r.Step > 0 {
		level = r.Min + math.Round((level-r.Min)/r.Step)*r.Step
	}
	return math.Max(r.Min, math.Min(level, r.Max))
}
