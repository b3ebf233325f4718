package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/adhamqabban37/TruthByte/internal/camera"
)

const (
	DefaultInterval      = 2500 * time.Millisecond
	DefaultMinLength     = 10
	DefaultMinConfidence = 60
	defaultMaxWidth      = 1280
	jpegQuality          = 85
)

// Text is the output of one recognition pass
type Text struct {
	Content string `json:"text"`
	// Confidence is 0-100; negative means the recognizer did not report one
	Confidence float64 `json:"confidence"`
}

// Recognizer extracts printed text from an encoded image
type Recognizer interface {
	Recognize(ctx context.Context, imageData []byte, contentType string) (Text, error)
}

// Candidate is label text good enough to analyze, with the frame it came from
type Candidate struct {
	Text        string
	Confidence  float64
	Frame       []byte
	ContentType string
}

// Options configures label polling
type Options struct {
	Interval      time.Duration
	MinLength     int
	MinConfidence float64
	// MaxWidth bounds the captured frame before recognition
	MaxWidth int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MinLength <= 0 {
		o.MinLength = DefaultMinLength
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = DefaultMinConfidence
	}
	if o.MaxWidth <= 0 {
		o.MaxWidth = defaultMaxWidth
	}
	return o
}

// Readable applies the length and confidence gates to a recognition result
func (o Options) Readable(t Text) bool {
	o = o.withDefaults()
	if len([]rune(strings.TrimSpace(t.Content))) < o.MinLength {
		return false
	}
	return t.Confidence < 0 || t.Confidence >= o.MinConfidence
}

// Handle controls a polling loop
type Handle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	accepted atomic.Bool
}

// StartPolling captures a frame from src every interval and runs rec over it.
// The first readable result stops the loop and is handed to onCandidate;
// unreadable results and recognizer errors just wait for the next tick.
func StartPolling(ctx context.Context, src camera.FrameSource, rec Recognizer, onCandidate func(Candidate), opts Options) *Handle {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go h.run(ctx, src, rec, onCandidate, opts)
	return h
}

func (h *Handle) run(ctx context.Context, src camera.FrameSource, rec Recognizer, onCandidate func(Candidate), opts Options) {
	defer close(h.done)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		candidate, ok := h.capture(ctx, src, rec, opts)
		if !ok {
			continue
		}

		// Cancel the loop before handing over, so only one candidate ever leaves
		h.accepted.Store(true)
		h.once.Do(h.cancel)
		onCandidate(candidate)
		return
	}
}

func (h *Handle) capture(ctx context.Context, src camera.FrameSource, rec Recognizer, opts Options) (Candidate, bool) {
	frame, err := src.Frame(ctx)
	if err != nil {
		slog.Debug("Label frame unavailable", "error", err)
		return Candidate{}, false
	}

	data, err := EncodeFrame(frame, opts.MaxWidth)
	if err != nil {
		slog.Warn("Could not encode label frame", "error", err)
		return Candidate{}, false
	}

	text, err := rec.Recognize(ctx, data, "image/jpeg")
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Warn("Label recognition failed", "error", err)
		}
		return Candidate{}, false
	}
	if ctx.Err() != nil || !opts.Readable(text) {
		slog.Debug("Label not readable yet", "length", len(strings.TrimSpace(text.Content)), "confidence", text.Confidence)
		return Candidate{}, false
	}

	return Candidate{
		Text:        strings.TrimSpace(text.Content),
		Confidence:  text.Confidence,
		Frame:       data,
		ContentType: "image/jpeg",
	}, true
}

// Stop ends polling and waits for the loop to exit. If the loop already
// accepted a candidate it has stopped itself, and Stop returns at once.
// Stopping twice, or a nil handle, is a no-op.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.once.Do(h.cancel)
	if h.accepted.Load() {
		return
	}
	<-h.done
}

// StopPolling stops h
func StopPolling(h *Handle) {
	h.Stop()
}

// EncodeFrame renders a frame to JPEG, scaling it down to maxWidth
func EncodeFrame(img image.Image, maxWidth int) ([]byte, error) {
	b := img.Bounds()
	if maxWidth > 0 && b.Dx() > maxWidth {
		h := b.Dy() * maxWidth / b.Dx()
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}
	return buf.Bytes(), nil
}
