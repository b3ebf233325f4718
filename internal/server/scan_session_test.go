package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/adhamqabban37/TruthByte/internal/analysis"
	"github.com/adhamqabban37/TruthByte/internal/camera"
	"github.com/adhamqabban37/TruthByte/internal/ocr"
	"github.com/adhamqabban37/TruthByte/internal/scan"
)

// wireMessage is anything the server sends on the scan socket
type wireMessage struct {
	Type        string              `json:"type"`
	ID          string              `json:"id"`
	Constraints *camera.Constraints `json:"constraints"`
	State       scan.Snapshot       `json:"state"`
	Message     string              `json:"message"`
}

// fakeBrowser plays the scan page: it answers camera requests and reports
// everything else on a channel
type fakeBrowser struct {
	conn     *websocket.Conn
	messages chan wireMessage
	caps     camera.Capabilities
	deny     atomic.Bool

	writeMu sync.Mutex
}

func dialBrowser(url string, caps camera.Capabilities, deny bool) *fakeBrowser {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	Expect(err).NotTo(HaveOccurred())
	b := &fakeBrowser{conn: conn, messages: make(chan wireMessage, 256), caps: caps}
	b.deny.Store(deny)
	go b.read()
	return b
}

func (b *fakeBrowser) read() {
	defer close(b.messages)
	for {
		var msg wireMessage
		if err := b.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case camera.MsgAcquire:
			if b.deny.Load() {
				b.write(map[string]any{"type": "error", "id": msg.ID, "name": "NotAllowedError", "message": "Permission denied"})
			} else {
				b.write(map[string]any{"type": "started", "id": msg.ID, "capabilities": b.caps})
			}
		case camera.MsgConstraints:
			b.write(map[string]any{"type": "ack", "id": msg.ID})
		}
		b.messages <- msg
	}
}

func (b *fakeBrowser) write(v any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteJSON(v)
}

func (b *fakeBrowser) send(v any) {
	Expect(b.write(v)).To(Succeed())
}

// waitFor reads messages until one matches
func (b *fakeBrowser) waitFor(match func(wireMessage) bool) wireMessage {
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-b.messages:
			Expect(ok).To(BeTrue(), "connection closed while waiting")
			if match(msg) {
				return msg
			}
		case <-deadline:
			Fail("timed out waiting for scan message")
			return wireMessage{}
		}
	}
}

func (b *fakeBrowser) waitForState(state scan.State) scan.Snapshot {
	return b.waitFor(func(m wireMessage) bool {
		return m.Type == "state" && m.State.State == state
	}).State
}

func (b *fakeBrowser) waitForType(kind string) wireMessage {
	return b.waitFor(func(m wireMessage) bool { return m.Type == kind })
}

var _ = Describe("Scan session", func() {
	var (
		analyzer *fakeAnalyzer
		hist     *fakeHistory
		detector *fakeBarcode
		httpSrv  *httptest.Server
		browser  *fakeBrowser
		wsURL    string
	)

	BeforeEach(func() {
		analyzer = &fakeAnalyzer{result: analysis.Result{
			Method:      analysis.MethodBarcode,
			ProductName: "Choco Spread",
			Analysis:    &analysis.TruthSummary{HealthScore: 3, HealthRating: "D", Summary: "Mostly sugar."},
		}}
		hist = newFakeHistory()
		detector = &fakeBarcode{}

		factory := func(cam scan.Camera) (*scan.Machine, error) {
			return scan.New(scan.Config{Mode: scan.ModeBarcode}, scan.Deps{
				Camera:       cam,
				Resolver:     analyzer,
				History:      hist.Record,
				StartBarcode: detector.start,
				StartLabel: func(ctx context.Context, src camera.FrameSource, onCandidate func(ocr.Candidate)) scan.Detector {
					return stopFunc(func() {})
				},
			})
		}
		srv := NewServerWithMux(analyzer, hist, factory, BasicAuth{}, http.NewServeMux())
		httpSrv = httptest.NewServer(srv.Handler())
		wsURL = "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/scan"
	})

	AfterEach(func() {
		if browser != nil {
			browser.conn.Close()
			browser = nil
		}
		httpSrv.Close()
	})

	It("should start idle and reach scanning once the camera starts", func() {
		browser = dialBrowser(wsURL, camera.Capabilities{TorchAvailable: true}, false)
		browser.waitForState(scan.StateIdle)

		browser.send(map[string]any{"type": "start"})
		browser.waitForType(camera.MsgAcquire)
		snap := browser.waitForState(scan.StateScanning)
		Expect(snap.Mode).To(Equal(scan.ModeBarcode))
		Expect(snap.Capabilities.TorchAvailable).To(BeTrue())
	})

	It("should report a success and stop the camera after a barcode is detected", func() {
		browser = dialBrowser(wsURL, camera.Capabilities{}, false)
		browser.send(map[string]any{"type": "start"})
		browser.waitForState(scan.StateScanning)

		Eventually(func() bool { return detector.emit("3017620422003") }).Should(BeTrue())

		snap := browser.waitForState(scan.StateSuccess)
		Expect(snap.Result).NotTo(BeNil())
		Expect(snap.Result.ProductName).To(Equal("Choco Spread"))
		Expect(snap.Result.Barcode).To(Equal("3017620422003"))
		Eventually(hist.Recorded).Should(HaveLen(1))
	})

	It("should send camera stop on success", func() {
		browser = dialBrowser(wsURL, camera.Capabilities{}, false)
		browser.send(map[string]any{"type": "start"})
		browser.waitForState(scan.StateScanning)
		Eventually(func() bool { return detector.emit("3017620422003") }).Should(BeTrue())

		browser.waitForType(camera.MsgStop)
	})

	It("should turn the torch on and off", func() {
		browser = dialBrowser(wsURL, camera.Capabilities{TorchAvailable: true}, false)
		browser.send(map[string]any{"type": "start"})
		browser.waitForState(scan.StateScanning)

		browser.send(map[string]any{"type": "torch", "on": true})
		msg := browser.waitForType(camera.MsgConstraints)
		Expect(msg.Constraints.Torch).NotTo(BeNil())
		Expect(*msg.Constraints.Torch).To(BeTrue())
		browser.waitFor(func(m wireMessage) bool { return m.Type == "state" && m.State.Torch })

		browser.send(map[string]any{"type": "stop"})
		// The torch goes off before the track stops
		off := browser.waitForType(camera.MsgConstraints)
		Expect(*off.Constraints.Torch).To(BeFalse())
		browser.waitForType(camera.MsgStop)
		browser.waitForState(scan.StateIdle)
	})

	It("should report a permission denial and allow a retry", func() {
		browser = dialBrowser(wsURL, camera.Capabilities{}, true)
		browser.send(map[string]any{"type": "start"})
		snap := browser.waitForState(scan.StatePermissionDenied)
		Expect(snap.Notice).To(Equal("Camera access was denied."))

		browser.deny.Store(false)
		browser.send(map[string]any{"type": "retry"})
		browser.waitForState(scan.StateScanning)
	})

	It("should start in the requested mode", func() {
		browser = dialBrowser(wsURL, camera.Capabilities{}, false)
		browser.send(map[string]any{"type": "start", "mode": "label"})
		snap := browser.waitForState(scan.StateScanning)
		Expect(snap.Mode).To(Equal(scan.ModeLabel))
	})

	It("should reject unknown commands", func() {
		browser = dialBrowser(wsURL, camera.Capabilities{}, false)
		browser.send(map[string]any{"type": "selfdestruct"})
		msg := browser.waitForType("problem")
		Expect(msg.Message).To(Equal("Unknown command"))
	})
})
