package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/sandbot/sandbox"
)

// ErrNotRunning is returned for input or interrupts outside the Running state
var ErrNotRunning = errors.New("job is not running")

// User-visible outcome messages
const (
	faultMessage   = "something went wrong while running your code"
	maxBuildOutput = 1500
)

// Job is the state machine of one submission: build, run, deadline or
// interrupt, exit classification and teardown. A Job is started at most
// once and tears down exactly once.
type Job struct {
	channelID string
	tag       string
	sup       *Supervisor
	sink      Sink
	logger    *zap.Logger
	relay     *Relay

	mu        sync.Mutex
	state     State
	dir       string
	proc      sandbox.Process
	stdin     io.WriteCloser
	requested bool
	exited    bool
	cause     ExitCause
	exitCode  int
	built     bool
	createdAt time.Time
	startedAt time.Time

	writeMu      sync.Mutex
	readers      sync.WaitGroup
	teardownOnce sync.Once
	done         chan struct{}
}

// Info is a point-in-time view of a job
type Info struct {
	ChannelID string    `json:"channel_id"`
	State     string    `json:"state"`
	Tag       string    `json:"tag"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at"`
}

type waitResult struct {
	code int
	err  error
}

// ChannelID returns the channel the job belongs to
func (j *Job) ChannelID() string { return j.channelID }

// Tag returns the image tag of the job
func (j *Job) Tag() string { return j.tag }

// Done is closed after teardown
func (j *Job) Done() <-chan struct{} { return j.done }

// State returns the current lifecycle state
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Outcome returns the exit code and cause once the process has exited
func (j *Job) Outcome() (code int, cause ExitCause, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.state {
	case Exited, Killed, Interrupted:
		return j.exitCode, j.cause, true
	}
	return 0, CauseNormal, false
}

// Info returns a snapshot for status reporting
func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Info{
		ChannelID: j.channelID,
		State:     j.state.String(),
		Tag:       j.tag,
		CreatedAt: j.createdAt,
		StartedAt: j.startedAt,
	}
}

// Start begins build and run asynchronously from the sources in dir
func (j *Job) Start(dir string) error {
	j.mu.Lock()
	if j.state != Pending {
		j.mu.Unlock()
		return fmt.Errorf("job already started (state %s)", j.state)
	}
	j.state = Building
	j.dir = dir
	j.relay = NewRelay(j.sink, j.logger)
	j.mu.Unlock()

	go j.run(j.sup.ctx)
	return nil
}

// Discard releases a job that was never started: it is deregistered and
// its workspace deleted without any message
func (j *Job) Discard() {
	j.mu.Lock()
	if j.state != Pending {
		j.mu.Unlock()
		return
	}
	j.state = Failed
	j.mu.Unlock()

	j.teardownOnce.Do(func() {
		if err := j.sup.workspaces.Destroy(j.channelID); err != nil {
			j.logger.Warn("failed to remove workspace", zap.Error(err))
		}
		// the channel is released only once its workspace is gone
		j.sup.registry.End(j)
		close(j.done)
	})
}

// Interrupt asks the running process to terminate gracefully. It is a
// no-op returning ErrNotRunning before the process starts or after it exits.
func (j *Job) Interrupt() error {
	j.mu.Lock()
	if j.state != Running || j.exited {
		j.mu.Unlock()
		return ErrNotRunning
	}
	if j.requested {
		j.mu.Unlock()
		return nil
	}
	j.requested = true
	j.cause = CauseInterrupted
	proc := j.proc
	j.mu.Unlock()

	j.logger.Info("interrupt requested")
	if err := proc.Terminate(sandbox.Graceful); err != nil {
		return fmt.Errorf("failed to interrupt process: %w", err)
	}
	return nil
}

// WriteInput writes line to the process's stdin
func (j *Job) WriteInput(line string) error {
	j.mu.Lock()
	if j.state != Running {
		j.mu.Unlock()
		return ErrNotRunning
	}
	stdin := j.stdin
	j.mu.Unlock()

	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	if _, err := io.WriteString(stdin, line+"\n"); err != nil {
		return fmt.Errorf("failed to write input: %w", err)
	}
	return nil
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *Job) run(ctx context.Context) {
	var report string
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("job panicked", zap.Any("panic", r), zap.Stack("stack"))
			j.setState(Failed)
			report = faultMessage
		}
		j.teardown(report)
	}()

	report = j.execute(ctx)
}

// execute drives the job to a terminal state and returns its final report
func (j *Job) execute(ctx context.Context) string {
	result, err := j.build(ctx)
	if err != nil {
		j.logger.Error("build failed to run", zap.Error(err))
		j.setState(Failed)
		return faultMessage
	}
	if result.ExitCode != 0 {
		j.logger.Info("build failed", zap.Int("exit_code", result.ExitCode))
		j.setState(Failed)
		return buildFailureMessage(result)
	}

	proc, err := j.sup.runtime.Run(ctx, j.tag)
	if err != nil {
		j.logger.Error("failed to start process", zap.Error(err))
		j.setState(Failed)
		return faultMessage
	}

	j.mu.Lock()
	j.proc = proc
	j.stdin = proc.Stdin()
	j.state = Running
	j.startedAt = time.Now()
	j.mu.Unlock()

	j.logger.Info("process started", zap.String("process", proc.ID()))

	j.readers.Add(2)
	go j.pump(Stdout, proc.Stdout())
	go j.pump(Stderr, proc.Stderr())

	res := j.supervise(ctx, proc)

	j.mu.Lock()
	cause := CauseNormal
	if j.requested {
		cause = j.cause
	}
	j.cause = cause
	j.exitCode = res.code
	if res.err != nil {
		j.state = Failed
	} else {
		j.state = cause.state()
	}
	j.mu.Unlock()

	j.awaitReaders(proc)

	if res.err != nil {
		j.logger.Error("failed to wait for process", zap.Error(res.err))
		return faultMessage
	}

	j.logger.Info("process exited",
		zap.Int("exit_code", res.code),
		zap.Stringer("cause", cause),
		zap.Duration("duration", time.Since(j.startedAt)))

	return fmt.Sprintf("process exited with code %d%s", res.code, cause.suffix())
}

func (j *Job) build(ctx context.Context) (sandbox.BuildResult, error) {
	ctx, cancel := context.WithTimeout(ctx, j.sup.cfg.BuildTimeout)
	defer cancel()

	j.logger.Info("building", zap.String("dir", j.dir))
	result, err := j.sup.runtime.Build(ctx, sandbox.BuildRequest{Tag: j.tag, SourceDir: j.dir})
	if err == nil && result.ExitCode == 0 {
		j.mu.Lock()
		j.built = true
		j.mu.Unlock()
	}
	return result, err
}

// supervise waits for exit while the deadline runs. The timer is the only
// path that forces termination and it is stopped once exit is observed.
func (j *Job) supervise(ctx context.Context, proc sandbox.Process) waitResult {
	waitCh := make(chan waitResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				waitCh <- waitResult{code: -1, err: fmt.Errorf("wait panicked: %v", r)}
			}
		}()
		code, err := proc.Wait()
		j.mu.Lock()
		j.exited = true
		j.mu.Unlock()
		waitCh <- waitResult{code: code, err: err}
	}()

	timer := time.NewTimer(j.sup.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-waitCh:
		return res
	case <-timer.C:
		j.forceStop(CauseTimedOut)
	case <-ctx.Done():
		j.forceStop(CauseInterrupted)
	}
	return <-waitCh
}

// forceStop kills the process. cause only applies if no other cause was
// issued first.
func (j *Job) forceStop(cause ExitCause) {
	j.mu.Lock()
	if !j.requested {
		j.requested = true
		j.cause = cause
	}
	proc := j.proc
	j.mu.Unlock()

	j.logger.Warn("killing process", zap.Stringer("reason", cause))
	if err := proc.Terminate(sandbox.Forceful); err != nil {
		j.logger.Error("failed to kill process", zap.Error(err))
	}
}

func (j *Job) pump(stream Stream, rd io.Reader) {
	defer j.readers.Done()
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("output reader panicked", zap.Stringer("stream", stream), zap.Any("panic", r))
		}
	}()

	if err := j.relay.Pump(stream, rd); err != nil {
		j.logger.Warn("output stream ended with error", zap.Stringer("stream", stream), zap.Error(err))
	}
}

// awaitReaders lets the read loops flush what the process wrote before it
// exited, then closes the process to unblock any reader still waiting
func (j *Job) awaitReaders(proc sandbox.Process) {
	drained := make(chan struct{})
	go func() {
		j.readers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(j.sup.cfg.OutputGrace):
		j.logger.Warn("output still open after exit, closing streams")
		_ = proc.Close()
		<-drained
	}
}

// teardown runs exactly once on every terminal path
func (j *Job) teardown(report string) {
	j.teardownOnce.Do(func() {
		var errs error

		j.mu.Lock()
		proc, state, built := j.proc, j.state, j.built
		j.mu.Unlock()

		if proc != nil {
			if state == Failed {
				errs = multierr.Append(errs, proc.Terminate(sandbox.Forceful))
			}
			errs = multierr.Append(errs, proc.Close())
			j.readers.Wait()
		}

		if report != "" {
			j.relay.Send(report)
		}
		j.relay.Close()

		errs = multierr.Append(errs, j.sup.workspaces.Destroy(j.channelID))

		if built {
			ctx, cancel := context.WithTimeout(context.Background(), j.sup.cfg.BuildTimeout)
			errs = multierr.Append(errs, j.sup.runtime.RemoveImage(ctx, j.tag))
			cancel()
		}

		// the channel is released only once its workspace is gone
		j.sup.registry.End(j)

		if errs != nil {
			j.logger.Warn("teardown incomplete", zap.Error(errs))
		}
		j.logger.Info("job finished", zap.Stringer("state", state))
		close(j.done)
	})
}

func buildFailureMessage(result sandbox.BuildResult) string {
	msg := fmt.Sprintf("build failed with code %d", result.ExitCode)
	output := strings.TrimSpace(result.Output)
	if output == "" {
		return msg
	}
	if len(output) > maxBuildOutput {
		start := len(output) - maxBuildOutput
		for start < len(output) && !utf8.RuneStart(output[start]) {
			start++
		}
		output = "..." + output[start:]
	}
	output = strings.ReplaceAll(output, "```", "'''")
	return msg + "\n```\n" + output + "\n```"
}
