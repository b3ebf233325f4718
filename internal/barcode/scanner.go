package barcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhamqabban37/TruthByte/internal/camera"
)

const DefaultFPS = 10

// Options configures a scan loop
type Options struct {
	// FPS is the target decode rate
	FPS int
	// RegionSize sizes the centered scan box for a frame; nil uses RegionFor
	RegionSize func(width, height int) (int, int)
}

// Handle controls a running scan loop
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start decodes frames from src continuously and calls onDetected for every
// symbol found. It keeps firing until stopped; suppressing repeats is the
// caller's job. An error is returned only if the feed cannot be read at all.
func Start(ctx context.Context, src camera.FrameSource, onDetected func(Symbol), opts Options) (*Handle, error) {
	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}
	if opts.RegionSize == nil {
		opts.RegionSize = RegionFor
	}

	// A feed that fails before the first frame never becomes usable
	if _, err := src.Frame(ctx); err != nil && !errors.Is(err, camera.ErrNoFrame) {
		return nil, fmt.Errorf("reading first frame: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go h.run(ctx, src, NewDecoder(), onDetected, opts)
	return h, nil
}

func (h *Handle) run(ctx context.Context, src camera.FrameSource, dec *Decoder, onDetected func(Symbol), opts Options) {
	defer close(h.done)

	ticker := time.NewTicker(time.Second / time.Duration(opts.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := src.Frame(ctx)
		if err != nil {
			if errors.Is(err, camera.ErrSessionReleased) {
				return
			}
			slog.Debug("Barcode frame unavailable", "error", err)
			continue
		}

		symbol, err := dec.Decode(crop(frame, opts.RegionSize))
		if err != nil {
			continue
		}

		// Stop may have raced with the decode
		if ctx.Err() != nil {
			return
		}
		onDetected(symbol)
	}
}

// Stop ends the loop and waits for it to exit; no callback fires after Stop
// returns. Stopping twice, or a nil handle, is a no-op.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.once.Do(h.cancel)
	<-h.done
}

// Stop stops h
func Stop(h *Handle) {
	h.Stop()
}
