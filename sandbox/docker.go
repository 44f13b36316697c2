// Package sandbox provides isolated build and run capabilities.
//
// The CLIRuntime drives a container CLI (docker or podman) as a child
// process. Containers run without network access, without capabilities and
// with no-new-privileges, and are removed when they exit.
package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Backend names
const (
	BackendDocker    = "docker"
	BackendPodman    = "podman"
	BackendDockerAPI = "docker-api"
	BackendLocal     = "local"
)

// killTimeout bounds the out-of-band kill command
const killTimeout = 10 * time.Second

// Config holds configuration shared by the container runtimes
type Config struct {
	NetworkEnabled bool
	Dockerfile     []byte
}

// CLIRuntime implements Runtime by invoking a container CLI
type CLIRuntime struct {
	logger    *zap.Logger
	config    *Config
	binary    string
	cmdRunner CommandRunner
}

// CLIOption defines a functional option for CLIRuntime
type CLIOption func(*CLIRuntime)

// WithCommandRunner sets the CommandRunner used for build, kill and rmi
func WithCommandRunner(cmdRunner CommandRunner) CLIOption {
	return func(r *CLIRuntime) {
		r.cmdRunner = cmdRunner
	}
}

// NewDockerRuntime creates a CLIRuntime that shells out to docker
func NewDockerRuntime(logger *zap.Logger, config *Config, opts ...CLIOption) *CLIRuntime {
	return newCLIRuntime(logger, config, BackendDocker, opts...)
}

func newCLIRuntime(logger *zap.Logger, config *Config, binary string, opts ...CLIOption) *CLIRuntime {
	runtime := &CLIRuntime{
		logger:    logger,
		config:    config,
		binary:    binary,
		cmdRunner: &RealCommandRunner{}, // Default implementation
	}

	for _, opt := range opts {
		opt(runtime)
	}

	return runtime
}

// Build writes the Dockerfile into the source directory and builds it
func (r *CLIRuntime) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	if err := writeDockerfile(req.SourceDir, r.config.Dockerfile); err != nil {
		return BuildResult{}, err
	}

	args := []string{r.binary, "build", "-q", "-t", req.Tag, req.SourceDir}
	stdout, stderr, exitCode, err := r.cmdRunner.RunCommand(ctx, args)
	if err != nil {
		return BuildResult{}, fmt.Errorf("failed to run %s build: %w", r.binary, err)
	}

	r.logger.Debug("image build finished",
		zap.String("tag", req.Tag),
		zap.Int("exit_code", exitCode))

	return BuildResult{
		ExitCode: exitCode,
		Output:   strings.TrimSpace(stderr + stdout),
	}, nil
}

// Run starts the image interactively with stdin attached
func (r *CLIRuntime) Run(_ context.Context, tag string) (Process, error) {
	containerName := "sandbot-" + uuid.NewString()

	cmdArgs := []string{
		"run", "-i",
		"--rm", // Remove container after execution
		"--name", containerName,
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL",
	}

	if r.config.NetworkEnabled {
		cmdArgs = append(cmdArgs, "--network", "bridge")
	} else {
		cmdArgs = append(cmdArgs, "--network", "none")
	}

	cmdArgs = append(cmdArgs, tag)

	cmd := exec.Command(r.binary, cmdArgs...) //nolint:gosec // Command is constructed from validated inputs

	proc, err := startExec(containerName, cmd, r.kill)
	if err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	r.logger.Info("container started",
		zap.String("container", containerName),
		zap.String("tag", tag),
		zap.Int("pid", cmd.Process.Pid))

	return proc, nil
}

// kill signals the container through the CLI. Signalling the CLI process
// alone would leave the container running, so that is only the fallback.
func (r *CLIRuntime) kill(p *execProcess, sig Signal) error {
	if p.exited() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()

	_, stderr, exitCode, err := r.cmdRunner.RunCommand(ctx, []string{r.binary, "kill", "--signal=" + sig.String(), p.id})
	if err == nil && exitCode == 0 {
		return nil
	}

	r.logger.Warn("container kill failed, signalling client process",
		zap.String("container", p.id),
		zap.String("signal", sig.String()),
		zap.String("stderr", stderr),
		zap.Error(err))

	sigErr := p.signal(sig)
	if sig == Forceful {
		// the --rm container may outlive its client
		r.removeContainer(ctx, p.id)
	}
	return sigErr
}

func (r *CLIRuntime) removeContainer(ctx context.Context, name string) {
	_, stderr, exitCode, err := r.cmdRunner.RunCommand(ctx, []string{r.binary, "rm", "-f", name})
	if err != nil || exitCode != 0 {
		r.logger.Error("failed to remove container, it may still be running",
			zap.String("container", name),
			zap.String("stderr", stderr),
			zap.Error(err))
	}
}

// RemoveImage deletes the per-job image
func (r *CLIRuntime) RemoveImage(ctx context.Context, tag string) error {
	_, stderr, exitCode, err := r.cmdRunner.RunCommand(ctx, []string{r.binary, "rmi", "-f", tag})
	if err != nil {
		return fmt.Errorf("failed to remove image %s: %w", tag, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("failed to remove image %s: %s", tag, strings.TrimSpace(stderr))
	}
	return nil
}
