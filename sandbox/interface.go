// Package sandbox provides isolated build and run capabilities.
//
// The sandbox package abstracts the container tooling that turns a source
// directory into an image and runs that image with piped standard streams.
// It supports the docker and podman CLIs, the Docker Engine API and a local
// host backend (for development).
package sandbox

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrProcessExited is returned when writing to a process that has exited
var ErrProcessExited = errors.New("process has exited")

// Signal selects how a running process is asked to stop
type Signal int

const (
	// Graceful asks the process to terminate (SIGTERM)
	Graceful Signal = iota
	// Forceful kills the process without a grace period (SIGKILL)
	Forceful
)

func (s Signal) String() string {
	if s == Forceful {
		return "SIGKILL"
	}
	return "SIGTERM"
}

// BuildRequest describes one image build
type BuildRequest struct {
	Tag       string
	SourceDir string
}

// BuildResult is the outcome of a build that ran to completion.
// A non-zero ExitCode is a build failure, not an error.
type BuildResult struct {
	ExitCode int
	Output   string
}

// Process is a running sandboxed program. It is owned by exactly one job.
type Process interface {
	// ID identifies the process or container for logging
	ID() string
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process has exited and returns its exit code
	Wait() (int, error)
	// Terminate delivers the signal. It is safe to call after exit.
	Terminate(sig Signal) error
	// Close releases the streams and any runtime resources
	Close() error
}

// Runtime builds images from source directories and runs them
type Runtime interface {
	Build(ctx context.Context, req BuildRequest) (BuildResult, error)
	Run(ctx context.Context, tag string) (Process, error)
	RemoveImage(ctx context.Context, tag string) error
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct {
	Dir string
}

// RunCommand executes the given command with arguments
func (r RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input
	cmd.Dir = r.Dir

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// File permission constants
const (
	DirPermission  = 0755
	FilePermission = 0644
)

// DockerfileName is the build recipe written into every build context
const DockerfileName = "Dockerfile"

//go:embed Dockerfile.dotnet
var defaultDockerfile []byte

// LoadDockerfile returns the Dockerfile at path, or the embedded .NET
// recipe when path is empty
func LoadDockerfile(path string) ([]byte, error) {
	if path == "" {
		return defaultDockerfile, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dockerfile: %w", err)
	}
	return data, nil
}

// writeDockerfile overwrites any Dockerfile shipped with the submission
func writeDockerfile(sourceDir string, dockerfile []byte) error {
	if err := os.WriteFile(filepath.Join(sourceDir, DockerfileName), dockerfile, FilePermission); err != nil {
		return fmt.Errorf("failed to write dockerfile: %w", err)
	}
	return nil
}
