package job

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandbot/sandbox"
)

// fakeInput records stdin writes until the process exits
type fakeInput struct {
	mu     sync.Mutex
	lines  []string
	closed bool
}

func (in *fakeInput) Write(p []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return 0, sandbox.ErrProcessExited
	}
	in.lines = append(in.lines, string(p))
	return len(p), nil
}

func (in *fakeInput) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	return nil
}

func (in *fakeInput) Lines() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.lines...)
}

// fakeProcess is driven by the test: output is written through the pipe
// writers and exit happens on exit() or on a configured signal
type fakeProcess struct {
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter
	input            *fakeInput

	exitOnSignal map[sandbox.Signal]int
	waitErr      error

	mu      sync.Mutex
	signals []sandbox.Signal
	closes  int

	exitCh   chan int
	exitOnce sync.Once
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{
		input:        &fakeInput{},
		exitOnSignal: map[sandbox.Signal]int{},
		exitCh:       make(chan int, 1),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		_ = p.input.Close()
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		p.exitCh <- code
	})
}

func (p *fakeProcess) ID() string { return "fake" }

func (p *fakeProcess) Stdin() io.WriteCloser { return p.input }

func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }

func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }

func (p *fakeProcess) Wait() (int, error) { return <-p.exitCh, p.waitErr }

func (p *fakeProcess) Signals() []sandbox.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sandbox.Signal(nil), p.signals...)
}

func (p *fakeProcess) Terminate(sig sandbox.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()

	if code, ok := p.exitOnSignal[sig]; ok {
		go p.exit(code)
	}
	return nil
}

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()

	_ = p.stdoutR.CloseWithError(io.ErrClosedPipe)
	_ = p.stderrR.CloseWithError(io.ErrClosedPipe)
	p.exit(137)
	return nil
}

type fakeRuntime struct {
	buildResult sandbox.BuildResult
	buildErr    error
	buildPanic  bool
	runErr      error
	proc        *fakeProcess

	mu      sync.Mutex
	builds  int
	runs    int
	removed []string
	started chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		proc:    newFakeProcess(),
		started: make(chan struct{}),
	}
}

func (r *fakeRuntime) Build(_ context.Context, _ sandbox.BuildRequest) (sandbox.BuildResult, error) {
	r.mu.Lock()
	r.builds++
	r.mu.Unlock()
	if r.buildPanic {
		panic("compiler crashed")
	}
	return r.buildResult, r.buildErr
}

func (r *fakeRuntime) Run(_ context.Context, _ string) (sandbox.Process, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	if r.runErr != nil {
		return nil, r.runErr
	}
	close(r.started)
	return r.proc, nil
}

func (r *fakeRuntime) RemoveImage(_ context.Context, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, tag)
	return nil
}

func (r *fakeRuntime) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func (r *fakeRuntime) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

type fakeSink struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (s *fakeSink) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, text)
	return s.err
}

func (s *fakeSink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

type fakeWorkspaces struct {
	mu        sync.Mutex
	destroyed map[string]int
}

func (w *fakeWorkspaces) Destroy(channelID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.destroyed == nil {
		w.destroyed = make(map[string]int)
	}
	w.destroyed[channelID]++
	return nil
}

func (w *fakeWorkspaces) Destroyed(channelID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.destroyed[channelID]
}

// blockingWorkspaces holds Destroy until release is closed
type blockingWorkspaces struct {
	fakeWorkspaces
	entered chan struct{}
	release chan struct{}
}

func newBlockingWorkspaces() *blockingWorkspaces {
	return &blockingWorkspaces{
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (w *blockingWorkspaces) Destroy(channelID string) error {
	w.entered <- struct{}{}
	<-w.release
	return w.fakeWorkspaces.Destroy(channelID)
}

func testConfig() Config {
	return Config{
		Timeout:      5 * time.Second,
		BuildTimeout: 5 * time.Second,
		ImagePrefix:  "sandbot-test",
		OutputGrace:  time.Second,
	}
}

func newTestSupervisor(t *testing.T, rt sandbox.Runtime, cfg Config) (*Supervisor, *fakeWorkspaces) {
	t.Helper()
	ws := &fakeWorkspaces{}
	sup := NewSupervisor(rt, ws, NewRegistry(), zaptest.NewLogger(t), cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return sup, ws
}

func waitDone(t *testing.T, j *Job) {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("job %s did not finish (state %s)", j.ChannelID(), j.State())
	}
}

func waitRunning(t *testing.T, rt *fakeRuntime, j *Job) {
	t.Helper()
	select {
	case <-rt.started:
	case <-time.After(5 * time.Second):
		t.Fatal("process was not started")
	}
	require.Eventually(t, func() bool { return j.State() == Running }, 5*time.Second, 5*time.Millisecond)
}
