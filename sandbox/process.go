package sandbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// waitDelay bounds how long Wait keeps copying output after the process exits
const waitDelay = 5 * time.Second

// execProcess adapts an exec.Cmd to Process. Output is copied into io.Pipes
// so readers own the read side and Wait never races them.
type execProcess struct {
	id        string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdoutR   *io.PipeReader
	stdoutW   *io.PipeWriter
	stderrR   *io.PipeReader
	stderrW   *io.PipeWriter
	terminate func(Signal) error

	done     chan struct{}
	exitCode int
	waitErr  error

	closeOnce sync.Once
}

// startExec starts cmd with piped standard streams. terminate may be nil,
// in which case signals are delivered to the process directly.
func startExec(id string, cmd *exec.Cmd, terminate func(*execProcess, Signal) error) (*execProcess, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	p := &execProcess{
		id:    id,
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	cmd.Stdout = p.stdoutW
	cmd.Stderr = p.stderrW
	cmd.WaitDelay = waitDelay

	if terminate != nil {
		p.terminate = func(sig Signal) error { return terminate(p, sig) }
	} else {
		p.terminate = p.signal
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	go p.reap()
	return p, nil
}

func (p *execProcess) reap() {
	err := p.cmd.Wait()
	p.exitCode, p.waitErr = exitStatus(p.cmd.ProcessState, err)
	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
	close(p.done)
}

// exitStatus maps a finished command to a shell-style exit code, reporting
// death by signal as 128+signal
func exitStatus(state *os.ProcessState, err error) (int, error) {
	if state == nil {
		return -1, err
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	var exitErr *exec.ExitError
	if err == nil || errors.As(err, &exitErr) || errors.Is(err, exec.ErrWaitDelay) {
		return state.ExitCode(), nil
	}
	return state.ExitCode(), err
}

func (p *execProcess) ID() string { return p.id }

func (p *execProcess) Stdin() io.WriteCloser {
	return &stdinWriter{w: p.stdin, c: p.stdin.Close, done: p.done}
}

func (p *execProcess) Stdout() io.Reader { return p.stdoutR }
func (p *execProcess) Stderr() io.Reader { return p.stderrR }
func (p *execProcess) Terminate(s Signal) error { return p.terminate(s) }

func (p *execProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}

func (p *execProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// signal delivers sig to the child process itself
func (p *execProcess) signal(sig Signal) error {
	if p.exited() {
		return nil
	}
	var err error
	if sig == Forceful {
		err = p.cmd.Process.Kill()
	} else {
		err = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Close() error {
	p.closeOnce.Do(func() {
		if !p.exited() {
			_ = p.terminate(Forceful)
		}
		_ = p.stdin.Close()
		_ = p.stdoutR.CloseWithError(io.ErrClosedPipe)
		_ = p.stderrR.CloseWithError(io.ErrClosedPipe)
	})
	return nil
}

// stdinWriter fails writes once the process is gone instead of buffering
// them into a dead pipe
type stdinWriter struct {
	w    io.Writer
	c    func() error
	done <-chan struct{}
}

func (s *stdinWriter) Write(b []byte) (int, error) {
	select {
	case <-s.done:
		return 0, ErrProcessExited
	default:
	}
	n, err := s.w.Write(b)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrProcessExited, err)
	}
	return n, nil
}

func (s *stdinWriter) Close() error { return s.c() }
