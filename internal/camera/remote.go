package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message types exchanged with a browser that holds the real MediaStream
const (
	MsgAcquire     = "acquire"
	MsgConstraints = "constraints"
	MsgStop        = "stop"
	MsgStarted     = "started"
	MsgAck         = "ack"
	MsgError       = "error"
)

// constraintTimeout bounds how long we wait for the browser to apply a constraint
const constraintTimeout = 3 * time.Second

// RemoteMessage is one camera control message on the wire
type RemoteMessage struct {
	Type         string        `json:"type"`
	ID           string        `json:"id,omitempty"`
	Constraints  *Constraints  `json:"constraints,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	Name         string        `json:"name,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// Sender delivers a control message to the browser
type Sender func(msg RemoteMessage) error

// Remote is a Device whose camera lives in a browser. Commands go out through
// the Sender; replies come back through HandleReply and frames through PushFrame.
type Remote struct {
	send Sender

	mu      sync.Mutex
	pending map[string]chan RemoteMessage
	closed  bool

	frameMu  sync.Mutex
	raw      []byte
	rawSeq   uint64
	decoded  image.Image
	decodeAt uint64
}

// NewRemote creates a new Remote device
func NewRemote(send Sender) *Remote {
	return &Remote{
		send:    send,
		pending: make(map[string]chan RemoteMessage),
	}
}

// PushFrame records the latest encoded frame from the browser
func (r *Remote) PushFrame(data []byte) {
	r.frameMu.Lock()
	defer r.frameMu.Unlock()
	r.raw = data
	r.rawSeq++
}

// HandleReply routes a browser reply to the request waiting for it.
// It reports whether the message was a reply.
func (r *Remote) HandleReply(msg RemoteMessage) bool {
	switch msg.Type {
	case MsgStarted, MsgAck, MsgError:
	default:
		return false
	}

	r.mu.Lock()
	ch, ok := r.pending[msg.ID]
	if ok {
		delete(r.pending, msg.ID)
	}
	r.mu.Unlock()

	if ok {
		ch <- msg
	}
	return true
}

// Close fails every outstanding request; called when the connection goes away
func (r *Remote) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

// request sends msg and waits for its reply
func (r *Remote) request(ctx context.Context, msg RemoteMessage) (RemoteMessage, error) {
	msg.ID = uuid.NewString()
	ch := make(chan RemoteMessage, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return RemoteMessage{}, errRemoteClosed
	}
	r.pending[msg.ID] = ch
	r.mu.Unlock()

	if err := r.send(msg); err != nil {
		r.forget(msg.ID)
		return RemoteMessage{}, fmt.Errorf("sending %s: %w", msg.Type, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return RemoteMessage{}, errRemoteClosed
		}
		return reply, nil
	case <-ctx.Done():
		r.forget(msg.ID)
		return RemoteMessage{}, ctx.Err()
	}
}

func (r *Remote) forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

var errRemoteClosed = errors.New("remote camera disconnected")

// permissionErrors are the DOMException names getUserMedia uses for refusal
var permissionErrors = map[string]bool{
	"NotAllowedError":       true,
	"PermissionDeniedError": true,
	"SecurityError":         true,
}

// Open asks the browser to start its camera and waits for the answer
func (r *Remote) Open(ctx context.Context, c Constraints) (Track, error) {
	reply, err := r.request(ctx, RemoteMessage{Type: MsgAcquire, Constraints: &c})
	if err != nil {
		return nil, err
	}
	if reply.Type == MsgError {
		if permissionErrors[reply.Name] {
			return nil, fmt.Errorf("%s: %w", reply.Message, ErrPermissionDenied)
		}
		return nil, fmt.Errorf("browser camera error %s: %s", reply.Name, reply.Message)
	}

	// Frames from a previous track must not leak into this one
	r.frameMu.Lock()
	r.raw, r.decoded = nil, nil
	r.frameMu.Unlock()

	return &remoteTrack{remote: r, caps: reply.Capabilities}, nil
}

// latest decodes the newest frame, reusing the last decode when nothing changed
func (r *Remote) latest() (image.Image, error) {
	r.frameMu.Lock()
	defer r.frameMu.Unlock()
	if r.raw == nil {
		return nil, ErrNoFrame
	}
	if r.decoded != nil && r.decodeAt == r.rawSeq {
		return r.decoded, nil
	}
	img, err := DecodeFrame(r.raw)
	if err != nil {
		return nil, err
	}
	r.decoded, r.decodeAt = img, r.rawSeq
	return img, nil
}

type remoteTrack struct {
	remote *Remote
	caps   *Capabilities

	mu      sync.Mutex
	stopped bool
}

func (t *remoteTrack) Frame(ctx context.Context) (image.Image, error) {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return nil, ErrSessionReleased
	}
	return t.remote.latest()
}

func (t *remoteTrack) Capabilities() (Capabilities, error) {
	if t.caps == nil {
		return Capabilities{}, ErrUnsupported
	}
	return *t.caps, nil
}

func (t *remoteTrack) ApplyConstraints(ctx context.Context, c Constraints) error {
	ctx, cancel := context.WithTimeout(ctx, constraintTimeout)
	defer cancel()

	reply, err := t.remote.request(ctx, RemoteMessage{Type: MsgConstraints, Constraints: &c})
	if err != nil {
		return err
	}
	if reply.Type == MsgError {
		return fmt.Errorf("browser rejected constraints: %s %s", reply.Name, reply.Message)
	}
	return nil
}

func (t *remoteTrack) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	// Fire and forget: the browser stops its tracks without replying
	if err := t.remote.send(RemoteMessage{Type: MsgStop, ID: uuid.NewString()}); err != nil {
		return fmt.Errorf("sending stop: %w", err)
	}
	return nil
}
