package terminal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/errs"
	"conductor/pkg/logx"
	"conductor/pkg/runtime"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

// resizeRecorder implements just enough of the runtime boundary for
// session-level tests.
type resizeRecorder struct {
	mu        sync.Mutex
	resizes   [][2]uint
	resizeErr error

	attachErr error
	stream    *runtime.ExecStream
}

func (r *resizeRecorder) ResizeExec(_ context.Context, _ string, cols, rows uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resizeErr != nil {
		return r.resizeErr
	}
	r.resizes = append(r.resizes, [2]uint{cols, rows})
	return nil
}

func (r *resizeRecorder) ExecAttach(context.Context, string, []string, string) (*runtime.ExecStream, error) {
	if r.attachErr != nil {
		return nil, r.attachErr
	}
	return r.stream, nil
}

func (r *resizeRecorder) CreateContainer(context.Context, runtime.ContainerSpec) (string, error) {
	return "", errors.New("not implemented")
}
func (r *resizeRecorder) StartContainer(context.Context, string) error { return nil }
func (r *resizeRecorder) StopContainer(context.Context, string, time.Duration) error {
	return nil
}
func (r *resizeRecorder) KillContainer(context.Context, string) error          { return nil }
func (r *resizeRecorder) RemoveContainer(context.Context, string, bool) error  { return nil }
func (r *resizeRecorder) InspectContainer(context.Context, string) (runtime.ContainerState, error) {
	return runtime.ContainerState{}, nil
}
func (r *resizeRecorder) ListContainers(context.Context, map[string]string) ([]runtime.ContainerState, error) {
	return nil, nil
}
func (r *resizeRecorder) Exec(context.Context, string, []string, string) (runtime.ExecResult, error) {
	return runtime.ExecResult{}, nil
}
func (r *resizeRecorder) ContainerLogs(context.Context, string, runtime.LogOptions) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}
func (r *resizeRecorder) Ping(context.Context) error { return nil }
func (r *resizeRecorder) Close() error               { return nil }

func newTestSession(rt runtime.Runtime, output io.Reader) (*Session, *bytes.Buffer, *int) {
	stdin := &bytes.Buffer{}
	closes := 0
	stream := &runtime.ExecStream{
		ExecID: "exec-1",
		Output: output,
		Input:  nopCloser{stdin},
		Close:  func() { closes++ },
	}
	return &Session{
		ContainerID: "ctr-1",
		ExecID:      "exec-1",
		rt:          rt,
		stream:      stream,
		logger:      logx.NewLogger("terminal"),
	}, stdin, &closes
}

func TestResizeFrameIntercepted(t *testing.T) {
	rec := &resizeRecorder{}
	s, stdin, _ := newTestSession(rec, bytes.NewReader(nil))

	err := s.HandleInbound([]byte(`{"type":"resize","cols":120,"rows":40}`))
	require.NoError(t, err)

	require.Len(t, rec.resizes, 1)
	assert.Equal(t, [2]uint{120, 40}, rec.resizes[0])
	assert.Zero(t, stdin.Len(), "resize frame must never reach stdin")
}

func TestMalformedJSONForwardedAsStdin(t *testing.T) {
	rec := &resizeRecorder{}
	s, stdin, _ := newTestSession(rec, bytes.NewReader(nil))

	frame := []byte(`{"type":"resize","cols":`)
	require.NoError(t, s.HandleInbound(frame))

	assert.Empty(t, rec.resizes)
	assert.Equal(t, frame, stdin.Bytes())
}

func TestNonResizeShapesForwarded(t *testing.T) {
	rec := &resizeRecorder{}

	frames := [][]byte{
		[]byte(`{"type":"input","data":"ls"}`),
		[]byte(`{"type":"resize"}`),
		[]byte(`{"type":"resize","cols":80,"rows":24,"extra":1}`),
		[]byte(`{"type":"resize","cols":80,"rows":24} trailing`),
		[]byte("plain text\n"),
		{0x1b, '[', 'A'},
	}
	for _, frame := range frames {
		s, stdin, _ := newTestSession(rec, bytes.NewReader(nil))
		require.NoError(t, s.HandleInbound(frame))
		assert.Equal(t, frame, stdin.Bytes(), "frame %q", frame)
	}
	assert.Empty(t, rec.resizes)
}

func TestResizeFailureSwallowed(t *testing.T) {
	rec := &resizeRecorder{resizeErr: errors.New("exec already exited")}
	s, stdin, _ := newTestSession(rec, bytes.NewReader(nil))

	err := s.HandleInbound([]byte(`{"type":"resize","cols":80,"rows":24}`))
	assert.NoError(t, err)
	assert.Zero(t, stdin.Len())
}

func TestDetachIdempotent(t *testing.T) {
	s, _, closes := newTestSession(&resizeRecorder{}, bytes.NewReader(nil))

	s.Detach()
	s.Detach()
	assert.Equal(t, 1, *closes)
}

func TestReadPumpDeliversDataAndEnd(t *testing.T) {
	pr, pw := io.Pipe()
	s, _, _ := newTestSession(&resizeRecorder{}, pr)

	var mu sync.Mutex
	var got []byte
	ended := make(chan struct{})
	s.OnData(func(data []byte) {
		mu.Lock()
		got = append(got, data...)
		mu.Unlock()
	})
	s.OnEnd(func() { close(ended) })

	go s.readPump()

	_, err := pw.Write([]byte("$ echo hi\nhi\n"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("end handler never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "$ echo hi\nhi\n", string(got))
}

func TestOutputBeforeHandlerIsBuffered(t *testing.T) {
	pr, pw := io.Pipe()
	s, _, _ := newTestSession(&resizeRecorder{}, pr)

	go s.readPump()

	// The shell prompt arrives before any handler is registered.
	_, err := pw.Write([]byte("$ "))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pending) > 0
	}, time.Second, time.Millisecond)

	var mu sync.Mutex
	var got []byte
	s.OnData(func(data []byte) {
		mu.Lock()
		got = append(got, data...)
		mu.Unlock()
	})

	_, err = pw.Write([]byte("ls\n"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "$ ls\n"
	}, time.Second, time.Millisecond, "buffered prompt must precede later output")
}

func TestEndBeforeHandlerStillFires(t *testing.T) {
	pr, pw := io.Pipe()
	s, _, _ := newTestSession(&resizeRecorder{}, pr)

	go s.readPump()
	require.NoError(t, pw.Close())

	// Wait for the pump to observe the stream end.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.ended
	}, time.Second, time.Millisecond)

	fired := false
	s.OnEnd(func() { fired = true })
	assert.True(t, fired)
}

type staticResolver struct {
	runtimeID string
	running   bool
	err       error
}

func (s *staticResolver) RuntimeID(string) (string, bool, error) {
	return s.runtimeID, s.running, s.err
}

func TestAttachRequiresRunningContainer(t *testing.T) {
	rec := &resizeRecorder{stream: &runtime.ExecStream{
		ExecID: "exec-1",
		Output: bytes.NewReader(nil),
		Input:  nopCloser{&bytes.Buffer{}},
		Close:  func() {},
	}}

	relay := NewRelay(rec, &staticResolver{err: errs.NotFound("container", "ctr-x")})
	_, err := relay.Attach(context.Background(), "ctr-x")
	assert.True(t, errs.IsNotFound(err))

	relay = NewRelay(rec, &staticResolver{runtimeID: "rt-1", running: false})
	_, err = relay.Attach(context.Background(), "ctr-1")
	assert.True(t, errs.IsNotFound(err))

	relay = NewRelay(rec, &staticResolver{runtimeID: "rt-1", running: true})
	s, err := relay.Attach(context.Background(), "ctr-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", s.ExecID)
	s.Detach()
}
