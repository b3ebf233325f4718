package camera

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Replay is a Device that plays back still images as a camera feed.
// Each Frame call advances to the next image and wraps around.
type Replay struct {
	frames []image.Image
	caps   Capabilities
	deny   bool
}

// ReplayOption configures a Replay device
type ReplayOption func(*Replay)

// WithCapabilities makes replay tracks report torch and zoom support
func WithCapabilities(caps Capabilities) ReplayOption {
	return func(r *Replay) { r.caps = caps }
}

// WithPermissionDenied makes Open fail as if the user refused access
func WithPermissionDenied() ReplayOption {
	return func(r *Replay) { r.deny = true }
}

// NewReplay creates a Replay device over frames
func NewReplay(frames []image.Image, opts ...ReplayOption) *Replay {
	r := &Replay{frames: frames}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var replayExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".heic": true, ".heif": true,
}

// LoadReplayDir reads every image in dir, in name order
func LoadReplayDir(dir string, opts ...ReplayOption) (*Replay, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading replay directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !replayExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}

	frames := make([]image.Image, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		img, err := DecodeFrame(data)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", name, err)
		}
		frames = append(frames, img)
	}
	return NewReplay(frames, opts...), nil
}

// Open returns a new track positioned at the first frame
func (r *Replay) Open(ctx context.Context, c Constraints) (Track, error) {
	if r.deny {
		return nil, fmt.Errorf("replay device: %w", ErrPermissionDenied)
	}
	if len(r.frames) == 0 {
		return nil, fmt.Errorf("replay device has no frames")
	}
	return &replayTrack{frames: r.frames, caps: r.caps}, nil
}

type replayTrack struct {
	frames []image.Image
	caps   Capabilities

	mu      sync.Mutex
	pos     int
	stopped bool
	applied []Constraints
}

func (t *replayTrack) Frame(ctx context.Context) (image.Image, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil, ErrSessionReleased
	}
	img := t.frames[t.pos%len(t.frames)]
	t.pos++
	return img, nil
}

func (t *replayTrack) Capabilities() (Capabilities, error) {
	return t.caps, nil
}

func (t *replayTrack) ApplyConstraints(ctx context.Context, c Constraints) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrSessionReleased
	}
	if c.Torch != nil && !t.caps.TorchAvailable {
		return ErrUnsupported
	}
	if c.Zoom != nil && t.caps.Zoom == nil {
		return ErrUnsupported
	}
	t.applied = append(t.applied, c)
	return nil
}

func (t *replayTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}
