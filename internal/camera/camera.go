package camera

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrPermissionDenied is returned when the user refuses camera access
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrSessionActive is returned when acquiring while another session is live
	ErrSessionActive = errors.New("camera session already active")
	// ErrSessionReleased is returned for operations on a released session
	ErrSessionReleased = errors.New("camera session released")
	// ErrUnsupported is returned when the device lacks a capability
	ErrUnsupported = errors.New("camera capability not supported")
	// ErrNoFrame means the track has not produced a frame yet
	ErrNoFrame = errors.New("no frame available")
)

const (
	FacingEnvironment = "environment"
	FacingUser        = "user"
)

// Constraints are requested track settings. Nil fields are left unchanged.
type Constraints struct {
	FacingMode string   `json:"facingMode,omitempty"`
	Torch      *bool    `json:"torch,omitempty"`
	Zoom       *float64 `json:"zoom,omitempty"`
}

// ZoomRange describes the optical zoom a track supports
type ZoomRange struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Step float64 `json:"step"`
}

// Capabilities is what the Capability Probe learned about a track
type Capabilities struct {
	TorchAvailable bool       `json:"torchAvailable"`
	Zoom           *ZoomRange `json:"zoom,omitempty"`
}

// FrameSource is the read-only video sink adapters consume
type FrameSource interface {
	// Frame returns the most recent frame of the feed
	Frame(ctx context.Context) (image.Image, error)
}

// Track is a live video track
type Track interface {
	FrameSource
	// Capabilities reports torch and zoom support; not every device can answer
	Capabilities() (Capabilities, error)
	// ApplyConstraints changes torch or zoom on the live track
	ApplyConstraints(ctx context.Context, c Constraints) error
	// Stop ends the track and turns the camera off
	Stop() error
}

// Device hands out video tracks
type Device interface {
	// Open requests a video-only track. It returns an error wrapping
	// ErrPermissionDenied when access is refused.
	Open(ctx context.Context, c Constraints) (Track, error)
}

// Bool returns a pointer to b, for building Constraints
func Bool(b bool) *bool { return &b }

// Float returns a pointer to f, for building Constraints
func Float(f float64) *float64 { return &f }
