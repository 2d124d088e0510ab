// Package terminal bridges an interactive shell inside a running container
// to a remote bidirectional channel. Sessions are ephemeral and never
// persisted; each one is backed by exactly one pseudo-terminal exec
// instance.
package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"conductor/pkg/errs"
	"conductor/pkg/logx"
	"conductor/pkg/runtime"
)

// defaultShell is the interactive command started inside the container.
var defaultShell = []string{"/bin/sh"}

// ContainerResolver maps a tracked container id to its runtime identifier
// and running state. *sandbox.Manager satisfies it.
type ContainerResolver interface {
	RuntimeID(id string) (runtimeID string, running bool, err error)
}

// Relay attaches terminal sessions to running containers.
type Relay struct {
	rt         runtime.Runtime
	containers ContainerResolver
	logger     *logx.Logger
}

// NewRelay creates a relay over the shared runtime boundary.
func NewRelay(rt runtime.Runtime, containers ContainerResolver) *Relay {
	return &Relay{
		rt:         rt,
		containers: containers,
		logger:     logx.NewLogger("terminal"),
	}
}

// Attach allocates a pseudo-terminal exec running an interactive shell in
// the container. The container must exist and be running.
func (r *Relay) Attach(ctx context.Context, containerID string) (*Session, error) {
	runtimeID, running, err := r.containers.RuntimeID(containerID)
	if err != nil {
		return nil, err
	}
	if !running {
		return nil, errs.NotFound("running container", containerID)
	}

	stream, err := r.rt.ExecAttach(ctx, runtimeID, defaultShell, "/workspace")
	if err != nil {
		return nil, errs.Resource("terminal", containerID, "attach", err)
	}

	s := &Session{
		ContainerID: containerID,
		ExecID:      stream.ExecID,
		rt:          r.rt,
		stream:      stream,
		logger:      r.logger,
	}
	go s.readPump()

	r.logger.Info("attached terminal to container %s (exec %s)", containerID, stream.ExecID)
	return s, nil
}

// Session is one live terminal attachment.
type Session struct {
	ContainerID string
	ExecID      string

	rt     runtime.Runtime
	stream *runtime.ExecStream
	logger *logx.Logger

	mu      sync.Mutex
	dataFn  func([]byte)
	endFn   func()
	pending [][]byte
	ended   bool

	detachOnce sync.Once
}

// OnData registers the handler for terminal output bytes. Output produced
// before registration, such as the shell's initial prompt, is buffered and
// delivered here first; the flush runs under the session lock so the pump
// cannot interleave newer output ahead of it.
func (s *Session) OnData(fn func([]byte)) {
	s.mu.Lock()
	s.dataFn = fn
	for _, data := range s.pending {
		fn(data)
	}
	s.pending = nil
	s.mu.Unlock()
}

// OnEnd registers the handler invoked once when the exec stream ends. If
// the stream already ended the handler fires immediately.
func (s *Session) OnEnd(fn func()) {
	s.mu.Lock()
	s.endFn = fn
	ended := s.ended
	s.mu.Unlock()
	if ended {
		fn()
	}
}

// Write sends bytes to the shell's stdin.
func (s *Session) Write(data []byte) error {
	_, err := s.stream.Input.Write(data)
	return err
}

// Resize adjusts the pseudo-terminal dimensions. Failures are logged and
// swallowed: a resize race against an exiting exec must not take down an
// otherwise live session.
func (s *Session) Resize(cols, rows uint) {
	if err := s.rt.ResizeExec(context.Background(), s.ExecID, cols, rows); err != nil {
		s.logger.Warn("resize of exec %s to %dx%d failed: %v", s.ExecID, cols, rows, err)
	}
}

// Detach tears the session down. Safe to call any number of times.
func (s *Session) Detach() {
	s.detachOnce.Do(func() {
		s.stream.Close()
		s.logger.Info("detached terminal from container %s", s.ContainerID)
	})
}

// resizeFrame is the one control message recognized on the inbound channel.
type resizeFrame struct {
	Type string `json:"type"`
	Cols *uint  `json:"cols"`
	Rows *uint  `json:"rows"`
}

// HandleInbound applies the wire protocol to one inbound frame. A JSON
// object shaped exactly {type:"resize", cols, rows} is intercepted as a
// resize and never reaches stdin. Every other frame, malformed JSON
// included, is forwarded verbatim.
func (s *Session) HandleInbound(frame []byte) error {
	if cols, rows, ok := parseResize(frame); ok {
		s.Resize(cols, rows)
		return nil
	}
	return s.Write(frame)
}

func parseResize(frame []byte) (cols, rows uint, ok bool) {
	if len(frame) == 0 || frame[0] != '{' {
		return 0, 0, false
	}

	var rf resizeFrame
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rf); err != nil {
		return 0, 0, false
	}
	// Trailing bytes after the object disqualify the frame.
	if _, err := dec.Token(); err != io.EOF {
		return 0, 0, false
	}
	if rf.Type != "resize" || rf.Cols == nil || rf.Rows == nil {
		return 0, 0, false
	}
	return *rf.Cols, *rf.Rows, true
}

// readPump copies terminal output to the data handler until the exec
// stream ends, then fires the end handler exactly once. Output read before
// a handler exists is buffered, not dropped.
func (s *Session) readPump() {
	buf := make([]byte, 4096)
	for {
		n, err := s.stream.Output.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			s.mu.Lock()
			fn := s.dataFn
			if fn == nil {
				s.pending = append(s.pending, data)
			}
			s.mu.Unlock()
			if fn != nil {
				fn(data)
			}
		}
		if err != nil {
			break
		}
	}

	s.mu.Lock()
	end := s.endFn
	if end == nil {
		s.ended = true
	}
	s.mu.Unlock()
	if end != nil {
		end()
	}
}
