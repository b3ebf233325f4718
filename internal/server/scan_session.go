package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adhamqabban37/TruthByte/internal/camera"
	"github.com/adhamqabban37/TruthByte/internal/scan"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameSize   = 8 << 20
	commandBacklog = 32
)

// Client control messages on the scan socket. Camera replies (started, ack,
// error) share the socket and are routed to the remote camera.
const (
	cmdStart   = "start"
	cmdRetry   = "retry"
	cmdDismiss = "dismiss"
	cmdMode    = "mode"
	cmdTorch   = "torch"
	cmdZoom    = "zoom"
	cmdStop    = "stop"
)

// clientMessage is a control message or camera reply from the browser
type clientMessage struct {
	camera.RemoteMessage
	Mode  string   `json:"mode,omitempty"`
	On    bool     `json:"on,omitempty"`
	Level *float64 `json:"level,omitempty"`
	Steps int      `json:"steps,omitempty"`
}

// stateMessage carries a machine snapshot to the browser
type stateMessage struct {
	Type  string        `json:"type"`
	State scan.Snapshot `json:"state"`
}

// problemMessage reports a rejected command
type problemMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// scanSession is one browser connection driving one scan machine
type scanSession struct {
	conn    *websocket.Conn
	remote  *camera.Remote
	machine *scan.Machine

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// handleScan upgrades to a websocket and runs a scan session on it
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Error upgrading scan connection", "error", err)
		return
	}

	sess := &scanSession{conn: conn}
	sess.remote = camera.NewRemote(sess.sendCamera)
	machine, err := s.newMachine(camera.NewManager(sess.remote))
	if err != nil {
		slog.Error("Error creating scan machine", "error", err)
		sess.write(problemMessage{Type: "problem", Message: "Scanner unavailable"})
		conn.Close()
		return
	}
	sess.machine = machine

	slog.Info("Scan session opened", "remote", r.RemoteAddr)
	sess.run(r.Context())
	slog.Info("Scan session closed", "remote", r.RemoteAddr)
}

func (ss *scanSession) run(parent context.Context) {
	// The request context ends with the handler; the session outlives neither
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	snapshots, unsubscribe := ss.machine.Subscribe()
	ss.wg.Add(1)
	go func() {
		defer ss.wg.Done()
		ss.forwardSnapshots(ctx, snapshots)
	}()

	commands := make(chan clientMessage, commandBacklog)
	ss.wg.Add(1)
	go func() {
		defer ss.wg.Done()
		ss.dispatch(ctx, commands)
	}()

	ss.readLoop(commands)

	close(commands)
	cancel()
	ss.remote.Close()
	ss.machine.Teardown()
	unsubscribe()
	ss.wg.Wait()
	ss.conn.Close()
}

// readLoop reads until the connection fails. It never blocks on the machine,
// since camera acknowledgements the machine waits for arrive here too.
func (ss *scanSession) readLoop(commands chan<- clientMessage) {
	ss.conn.SetReadLimit(maxFrameSize)
	ss.conn.SetReadDeadline(time.Now().Add(pongWait))
	ss.conn.SetPongHandler(func(string) error {
		return ss.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := ss.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Scan connection dropped", "error", err)
			}
			return
		}
		ss.conn.SetReadDeadline(time.Now().Add(pongWait))

		if kind == websocket.BinaryMessage {
			ss.remote.PushFrame(data)
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Ignoring malformed scan message", "error", err)
			continue
		}
		if ss.remote.HandleReply(msg.RemoteMessage) {
			continue
		}
		select {
		case commands <- msg:
		default:
			slog.Warn("Scan command backlog full, dropping", "type", msg.Type)
		}
	}
}

// dispatch runs commands in arrival order. Camera controls run inline; the
// commands that wait on the camera run in the background so a slow
// permission prompt does not hold up a stop.
func (ss *scanSession) dispatch(ctx context.Context, commands <-chan clientMessage) {
	var pending sync.WaitGroup
	defer pending.Wait()

	background := func(name string, fn func() error) {
		pending.Add(1)
		go func() {
			defer pending.Done()
			if err := fn(); err != nil && !errors.Is(err, scan.ErrSuperseded) && ctx.Err() == nil {
				slog.Warn("Scan command failed", "command", name, "error", err)
			}
		}()
	}

	for msg := range commands {
		switch msg.Type {
		case cmdStart:
			mode, hasMode := scan.ParseMode(msg.Mode)
			background(cmdStart, func() error {
				if hasMode {
					// Switching an active scan restarts it in the new mode
					if err := ss.machine.SetMode(ctx, mode); err != nil {
						return err
					}
					if ss.machine.Snapshot().State != scan.StateIdle {
						return nil
					}
				}
				return ss.machine.Start(ctx)
			})
		case cmdRetry:
			background(cmdRetry, func() error { return ss.machine.Retry(ctx) })
		case cmdDismiss:
			background(cmdDismiss, func() error { return ss.machine.Dismiss(ctx) })
		case cmdMode:
			mode, ok := scan.ParseMode(msg.Mode)
			if !ok {
				ss.problem("Unknown scan mode")
				continue
			}
			background(cmdMode, func() error { return ss.machine.SetMode(ctx, mode) })
		case cmdTorch:
			ss.machine.SetTorch(ctx, msg.On)
		case cmdZoom:
			if msg.Level != nil {
				ss.machine.SetZoom(ctx, *msg.Level)
			} else {
				ss.machine.ZoomBy(ctx, msg.Steps)
			}
		case cmdStop:
			ss.machine.Teardown()
		default:
			slog.Warn("Unknown scan command", "type", msg.Type)
			ss.problem("Unknown command")
		}
	}
}

// forwardSnapshots writes every machine snapshot and keeps the connection alive
func (ss *scanSession) forwardSnapshots(ctx context.Context, snapshots <-chan scan.Snapshot) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if err := ss.write(stateMessage{Type: "state", State: snap}); err != nil {
				slog.Debug("Could not send scan state", "error", err)
			}
		case <-ticker.C:
			ss.writeMu.Lock()
			err := ss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			ss.writeMu.Unlock()
			if err != nil {
				slog.Debug("Could not ping scan connection", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (ss *scanSession) sendCamera(msg camera.RemoteMessage) error {
	return ss.write(msg)
}

func (ss *scanSession) problem(message string) {
	if err := ss.write(problemMessage{Type: "problem", Message: message}); err != nil {
		slog.Debug("Could not send problem", "error", err)
	}
}

// write sends one JSON message; gorilla allows a single concurrent writer
func (ss *scanSession) write(v any) error {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	ss.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ss.conn.WriteJSON(v)
}
