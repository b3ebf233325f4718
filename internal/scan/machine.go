package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"

	"github.com/adhamqabban37/TruthByte/internal/analysis"
	"github.com/adhamqabban37/TruthByte/internal/barcode"
	"github.com/adhamqabban37/TruthByte/internal/camera"
	"github.com/adhamqabban37/TruthByte/internal/ocr"
)

var (
	// ErrNotScanning is returned when a candidate is offered outside scanning
	// or while another analysis is in flight
	ErrNotScanning = errors.New("scan: not accepting candidates")
	// ErrSuperseded is returned by Start when a teardown or mode switch
	// overtook the camera request
	ErrSuperseded = errors.New("scan: superseded by a newer session")
)

const (
	evStart    = "start"
	evRetry    = "retry"
	evAcquired = "acquired"
	evDenied   = "denied"
	evDetect   = "detect"
	evSucceed  = "succeed"
	evMiss     = "miss"
	evDismiss  = "dismiss"
	evFail     = "fail"
	evTeardown = "teardown"
	evSwitch   = "switch"
)

// anyGeneration lets a candidate through regardless of which session it came from
const anyGeneration = 0

const (
	subscriberBuffer = 16

	noticeNotFound      = "Product not found."
	noticeDenied        = "Camera access was denied."
	noticeCameraFailed  = "Could not start the camera."
	noticeScannerFailed = "Could not start the scanner."
)

// Camera is the part of the camera session manager the machine drives
type Camera interface {
	Acquire(ctx context.Context, c camera.Constraints) (*camera.Session, error)
	Release(s *camera.Session)
	SetTorch(ctx context.Context, s *camera.Session, on bool) error
	SetZoom(ctx context.Context, s *camera.Session, level float64) (float64, error)
}

// Resolver turns candidates into canonical results
type Resolver interface {
	ResolveBarcode(ctx context.Context, symbol string) analysis.Result
	ResolveLabel(ctx context.Context, text string) analysis.Result
}

// Detector is a running barcode or label adapter
type Detector interface {
	Stop()
}

// BarcodeStarter starts a barcode adapter on src
type BarcodeStarter func(ctx context.Context, src camera.FrameSource, onDetected func(barcode.Symbol)) (Detector, error)

// LabelStarter starts label polling on src
type LabelStarter func(ctx context.Context, src camera.FrameSource, onCandidate func(ocr.Candidate)) Detector

// HistoryFunc receives every successful result
type HistoryFunc func(analysis.Result)

// FrameSaver stores a captured label frame and returns the URL it is served at
type FrameSaver func(data []byte, contentType string) (string, error)

// Config configures a Machine
type Config struct {
	// Mode is the initial scan mode; barcode if empty
	Mode    Mode
	Barcode barcode.Options
	OCR     ocr.Options
}

// Deps are the Machine's collaborators. Camera and Resolver are required.
type Deps struct {
	Camera     Camera
	Resolver   Resolver
	Recognizer ocr.Recognizer
	History    HistoryFunc
	SaveFrame  FrameSaver

	// StartBarcode and StartLabel default to the barcode and ocr packages
	StartBarcode BarcodeStarter
	StartLabel   LabelStarter
}

// Machine is the scan state machine. It owns the scan state, the camera
// session and the running detector, and lets at most one analysis run.
type Machine struct {
	deps Deps

	mu             sync.Mutex
	fsm            *fsm.FSM
	mode           Mode
	gen            uint64
	session        *camera.Session
	barcode        Detector
	label          Detector
	inFlight       bool
	cancelAnalysis context.CancelFunc
	cancelAcquire  context.CancelFunc
	acquireDone    chan struct{}
	result         *analysis.Result
	notice         string
	clear          bool

	subs    map[int]chan Snapshot
	nextSub int
}

// New creates a new Machine in the idle state
func New(cfg Config, deps Deps) (*Machine, error) {
	if deps.Camera == nil {
		return nil, fmt.Errorf("camera is required")
	}
	if deps.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}

	mode := cfg.Mode
	if mode == "" {
		mode = ModeBarcode
	}
	if _, ok := ParseMode(string(mode)); !ok {
		return nil, fmt.Errorf("unknown scan mode %q", mode)
	}

	if deps.StartBarcode == nil {
		opts := cfg.Barcode
		deps.StartBarcode = func(ctx context.Context, src camera.FrameSource, onDetected func(barcode.Symbol)) (Detector, error) {
			h, err := barcode.Start(ctx, src, onDetected, opts)
			if err != nil {
				return nil, err
			}
			return h, nil
		}
	}
	if deps.StartLabel == nil {
		if deps.Recognizer == nil {
			return nil, fmt.Errorf("recognizer is required for label scanning")
		}
		rec, opts := deps.Recognizer, cfg.OCR
		deps.StartLabel = func(ctx context.Context, src camera.FrameSource, onCandidate func(ocr.Candidate)) Detector {
			return ocr.StartPolling(ctx, src, rec, onCandidate, opts)
		}
	}

	m := &Machine{
		deps: deps,
		mode: mode,
		subs: make(map[int]chan Snapshot),
	}
	m.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evStart, Src: []string{string(StateIdle)}, Dst: string(StateStarting)},
			{Name: evRetry, Src: []string{string(StateError), string(StatePermissionDenied)}, Dst: string(StateStarting)},
			{Name: evAcquired, Src: []string{string(StateStarting)}, Dst: string(StateScanning)},
			{Name: evDenied, Src: []string{string(StateStarting)}, Dst: string(StatePermissionDenied)},
			{Name: evDetect, Src: []string{string(StateScanning)}, Dst: string(StateAnalyzing)},
			{Name: evSucceed, Src: []string{string(StateAnalyzing)}, Dst: string(StateSuccess)},
			{Name: evMiss, Src: []string{string(StateAnalyzing)}, Dst: string(StateScanning)},
			{Name: evDismiss, Src: []string{string(StateSuccess)}, Dst: string(StateIdle)},
			{Name: evFail, Src: allStates, Dst: string(StateError)},
			{Name: evTeardown, Src: allStates, Dst: string(StateIdle)},
			{Name: evSwitch, Src: []string{string(StateStarting), string(StateScanning), string(StateAnalyzing)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				slog.Debug("Scan state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return m, nil
}

// Start acquires the camera and starts the detector for the current mode.
// It blocks until the camera answers.
func (m *Machine) Start(ctx context.Context) error {
	return m.begin(ctx, evStart)
}

// Retry restarts after an error or a permission denial
func (m *Machine) Retry(ctx context.Context) error {
	return m.begin(ctx, evRetry)
}

func (m *Machine) begin(ctx context.Context, event string) error {
	m.mu.Lock()
	if err := m.event(event); err != nil {
		m.mu.Unlock()
		return err
	}
	m.gen++
	gen := m.gen
	m.result, m.notice, m.clear = nil, "", false
	acquireCtx, cancel := context.WithCancel(ctx)
	m.cancelAcquire = cancel
	// A superseded acquisition may still hold the camera; wait for it to let go
	prev, done := m.acquireDone, make(chan struct{})
	m.acquireDone = done
	m.publishLocked()
	mode := m.mode
	m.mu.Unlock()
	defer close(done)

	var (
		session *camera.Session
		err     error
	)
	if prev != nil {
		select {
		case <-prev:
		case <-acquireCtx.Done():
			err = acquireCtx.Err()
		}
	}
	if err == nil {
		slog.Info("Starting scan", "mode", mode, "generation", gen)
		session, err = m.deps.Camera.Acquire(acquireCtx, camera.Constraints{FacingMode: camera.FacingEnvironment})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cancel()

	if gen != m.gen {
		if err == nil {
			m.deps.Camera.Release(session)
		}
		return ErrSuperseded
	}
	m.cancelAcquire = nil

	if err != nil {
		if errors.Is(err, camera.ErrPermissionDenied) {
			m.mustEvent(evDenied)
			m.notice = noticeDenied
			slog.Warn("Camera permission denied", "generation", gen)
		} else {
			m.mustEvent(evFail)
			m.notice = noticeCameraFailed
			slog.Error("Camera acquisition failed", "generation", gen, "error", err)
		}
		m.publishLocked()
		return fmt.Errorf("acquiring camera: %w", err)
	}

	m.session = session
	if err := m.startDetectorLocked(gen); err != nil {
		m.deps.Camera.Release(session)
		m.session = nil
		m.mustEvent(evFail)
		m.notice = noticeScannerFailed
		m.publishLocked()
		slog.Error("Detector failed to start", "mode", m.mode, "error", err)
		return fmt.Errorf("starting %s detector: %w", m.mode, err)
	}

	m.mustEvent(evAcquired)
	m.publishLocked()
	return nil
}

// startDetectorLocked starts the one detector the current mode uses
func (m *Machine) startDetectorLocked(gen uint64) error {
	src := m.session.Sink()
	if m.mode == ModeLabel {
		m.label = m.deps.StartLabel(context.Background(), src, m.onLabel(gen))
		return nil
	}
	d, err := m.deps.StartBarcode(context.Background(), src, m.onBarcode(gen))
	if err != nil {
		return err
	}
	m.barcode = d
	return nil
}

func (m *Machine) onBarcode(gen uint64) func(barcode.Symbol) {
	return func(s barcode.Symbol) {
		m.detect(gen, Candidate{Kind: KindBarcode, Value: s.Text}, nil)
	}
}

func (m *Machine) onLabel(gen uint64) func(ocr.Candidate) {
	return func(c ocr.Candidate) {
		m.detect(gen, Candidate{
			Kind:        KindLabel,
			Text:        c.Text,
			Confidence:  c.Confidence,
			Frame:       c.Frame,
			ContentType: c.ContentType,
		}, nil)
	}
}

// detect admits c if the machine is scanning with nothing in flight. Intake
// closes before the lock is released, so of several racing candidates
// exactly one gets through.
func (m *Machine) detect(gen uint64, c Candidate, done chan<- analysis.Result) bool {
	m.mu.Lock()
	if (gen != anyGeneration && gen != m.gen) || m.inFlight || m.current() != StateScanning {
		m.mu.Unlock()
		slog.Debug("Candidate dropped", "kind", c.Kind, "generation", gen)
		return false
	}
	if err := m.event(evDetect); err != nil {
		m.mu.Unlock()
		slog.Error("Could not start analysis", "error", err)
		return false
	}
	m.inFlight = true
	m.result, m.notice, m.clear = nil, "", true
	// Label polling already stopped itself to hand c over
	label := m.label
	m.label = nil
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelAnalysis = cancel
	gen = m.gen
	m.publishLocked()
	m.mu.Unlock()

	stopDetectors(label)
	slog.Info("Analyzing candidate", "kind", c.Kind, "generation", gen)
	go m.analyze(ctx, gen, c, done)
	return true
}

func (m *Machine) analyze(ctx context.Context, gen uint64, c Candidate, done chan<- analysis.Result) {
	var result analysis.Result
	switch c.Kind {
	case KindLabel:
		result = m.deps.Resolver.ResolveLabel(ctx, c.Text)
		if result.Method == analysis.MethodOCR && result.ProductImageURL == "" && len(c.Frame) > 0 && m.deps.SaveFrame != nil && ctx.Err() == nil {
			url, err := m.deps.SaveFrame(c.Frame, c.ContentType)
			if err != nil {
				slog.Warn("Could not save label frame", "error", err)
			} else {
				result.ProductImageURL = url
			}
		}
	default:
		result = m.deps.Resolver.ResolveBarcode(ctx, c.Value)
	}

	if done != nil {
		done <- result
	}
	m.finish(gen, result)
}

// finish applies a result, unless the session it belongs to is gone
func (m *Machine) finish(gen uint64, result analysis.Result) {
	m.mu.Lock()
	if gen != m.gen || m.current() != StateAnalyzing {
		m.mu.Unlock()
		slog.Debug("Dropping stale analysis result", "generation", gen, "result", result)
		return
	}
	m.inFlight = false
	if m.cancelAnalysis != nil {
		m.cancelAnalysis()
		m.cancelAnalysis = nil
	}
	m.clear = false

	if result.Method == analysis.MethodNone {
		m.mustEvent(evMiss)
		m.notice = noticeNotFound
		if result.Error != "" {
			m.notice = result.Error
		}
		if m.mode == ModeLabel && m.label == nil && m.session != nil {
			m.label = m.deps.StartLabel(context.Background(), m.session.Sink(), m.onLabel(gen))
		}
		m.publishLocked()
		m.mu.Unlock()
		slog.Info("Analysis missed, scanning resumes", "result", result, "error", result.Error)
		return
	}

	m.mustEvent(evSucceed)
	m.result = &result
	detectors := m.releaseLocked()
	m.publishLocked()
	m.mu.Unlock()

	stopDetectors(detectors...)
	slog.Info("Analysis succeeded", "result", result)
	if m.deps.History != nil {
		m.deps.History(result)
	}
}

// Dismiss closes a result and starts scanning again
func (m *Machine) Dismiss(ctx context.Context) error {
	m.mu.Lock()
	if err := m.event(evDismiss); err != nil {
		m.mu.Unlock()
		return err
	}
	m.cancelPendingLocked()
	m.result, m.notice, m.clear = nil, "", false
	detectors := m.releaseLocked()
	m.publishLocked()
	m.mu.Unlock()

	stopDetectors(detectors...)
	return m.Start(ctx)
}

// SetMode switches between barcode and label scanning. An active scan is
// torn down and restarted in the new mode.
func (m *Machine) SetMode(ctx context.Context, mode Mode) error {
	if _, ok := ParseMode(string(mode)); !ok {
		return fmt.Errorf("unknown scan mode %q", mode)
	}

	m.mu.Lock()
	if mode == m.mode {
		m.mu.Unlock()
		return nil
	}
	m.mode = mode
	switch m.current() {
	case StateStarting, StateScanning, StateAnalyzing:
	default:
		m.publishLocked()
		m.mu.Unlock()
		return nil
	}

	m.cancelPendingLocked()
	m.mustEvent(evSwitch)
	m.result, m.notice, m.clear = nil, "", false
	detectors := m.releaseLocked()
	m.publishLocked()
	m.mu.Unlock()

	stopDetectors(detectors...)
	slog.Info("Scan mode switched", "mode", mode)
	return m.Start(ctx)
}

// Teardown stops everything and returns to idle from any state
func (m *Machine) Teardown() {
	m.mu.Lock()
	m.cancelPendingLocked()
	m.mustEvent(evTeardown)
	m.result, m.notice, m.clear = nil, "", false
	detectors := m.releaseLocked()
	m.publishLocked()
	m.mu.Unlock()

	stopDetectors(detectors...)
}

// SetTorch turns the torch on or off. Failures are logged and ignored.
func (m *Machine) SetTorch(ctx context.Context, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		slog.Warn("Torch toggled without a camera session", "on", on)
		return
	}
	if err := m.deps.Camera.SetTorch(ctx, m.session, on); err != nil {
		slog.Warn("Could not toggle torch", "on", on, "error", err)
		return
	}
	m.publishLocked()
}

// SetZoom sets the zoom level. Failures are logged and ignored.
func (m *Machine) SetZoom(ctx context.Context, level float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setZoomLocked(ctx, level)
}

// ZoomBy moves the zoom by steps increments of the device's zoom step
func (m *Machine) ZoomBy(ctx context.Context, steps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		slog.Warn("Zoom changed without a camera session")
		return
	}
	r := m.session.Capabilities().Zoom
	if r == nil {
		slog.Warn("Zoom is not supported by this camera")
		return
	}
	step := r.Step
	if step <= 0 {
		step = (r.Max - r.Min) / 10
	}
	m.setZoomLocked(ctx, m.session.Zoom()+float64(steps)*step)
}

func (m *Machine) setZoomLocked(ctx context.Context, level float64) {
	if m.session == nil {
		slog.Warn("Zoom changed without a camera session", "level", level)
		return
	}
	if _, err := m.deps.Camera.SetZoom(ctx, m.session, level); err != nil {
		slog.Warn("Could not set zoom", "level", level, "error", err)
		return
	}
	m.publishLocked()
}

// AnalyzeFromBarcode analyzes a barcode as if the decoder had seen it
func (m *Machine) AnalyzeFromBarcode(ctx context.Context, code string) (analysis.Result, error) {
	return m.analyzeNow(ctx, Candidate{Kind: KindBarcode, Value: code})
}

// AnalyzeFromLabelText analyzes label text as if polling had read it
func (m *Machine) AnalyzeFromLabelText(ctx context.Context, text string) (analysis.Result, error) {
	return m.analyzeNow(ctx, Candidate{Kind: KindLabel, Text: text, Confidence: -1})
}

func (m *Machine) analyzeNow(ctx context.Context, c Candidate) (analysis.Result, error) {
	done := make(chan analysis.Result, 1)
	if !m.detect(anyGeneration, c, done) {
		return analysis.Result{}, fmt.Errorf("analyzing %s candidate: %w", c.Kind, ErrNotScanning)
	}
	select {
	case result := <-done:
		return result, nil
	case <-ctx.Done():
		return analysis.Result{}, ctx.Err()
	}
}

// Snapshot returns the current state
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe returns a stream of snapshots, starting with the current one,
// and a func to end the subscription. A slow reader loses the oldest snapshots.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Snapshot, subscriberBuffer)
	ch <- m.snapshotLocked()
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			close(ch)
			m.mu.Unlock()
		})
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		State:      m.current(),
		Mode:       m.mode,
		Notice:     m.notice,
		Clear:      m.clear,
		Generation: m.gen,
	}
	if m.result != nil {
		r := *m.result
		s.Result = &r
	}
	if m.session != nil {
		s.Capabilities = m.session.Capabilities()
		s.Torch = m.session.TorchOn()
		s.Zoom = m.session.Zoom()
	}
	return s
}

func (m *Machine) publishLocked() {
	snap := m.snapshotLocked()
	for _, ch := range m.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Full: drop the oldest. Only publishLocked sends, so the retry has room.
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// cancelPendingLocked invalidates in-flight camera requests and analyses
func (m *Machine) cancelPendingLocked() {
	m.gen++
	m.inFlight = false
	if m.cancelAnalysis != nil {
		m.cancelAnalysis()
		m.cancelAnalysis = nil
	}
	if m.cancelAcquire != nil {
		m.cancelAcquire()
		m.cancelAcquire = nil
	}
}

// releaseLocked releases the camera and detaches the detectors, which the
// caller stops after unlocking. A detector may be blocked on the lock.
func (m *Machine) releaseLocked() []Detector {
	detectors := []Detector{m.barcode, m.label}
	m.barcode, m.label = nil, nil
	if m.session != nil {
		m.deps.Camera.Release(m.session)
		m.session = nil
	}
	return detectors
}

func stopDetectors(detectors ...Detector) {
	for _, d := range detectors {
		if d != nil {
			d.Stop()
		}
	}
}

func (m *Machine) current() State {
	return State(m.fsm.Current())
}

// event fires a transition. Self-transitions are not errors.
func (m *Machine) event(name string) error {
	err := m.fsm.Event(context.Background(), name)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return fmt.Errorf("scan %s from %s: %w", name, m.fsm.Current(), err)
	}
	return nil
}

// mustEvent fires a transition the caller has already checked is valid
func (m *Machine) mustEvent(name string) {
	if err := m.event(name); err != nil {
		slog.Error("Unexpected scan transition", "event", name, "error", err)
	}
}
