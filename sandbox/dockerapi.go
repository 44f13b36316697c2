package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// APIRuntime implements Runtime against the Docker Engine API
type APIRuntime struct {
	logger *zap.Logger
	config *Config
	cli    *client.Client
}

// NewAPIRuntime connects to the daemon described by the DOCKER_* environment
func NewAPIRuntime(logger *zap.Logger, config *Config) (*APIRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &APIRuntime{logger: logger, config: config, cli: cli}, nil
}

// Build sends the source directory as a gzipped tar build context
func (r *APIRuntime) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	if err := writeDockerfile(req.SourceDir, r.config.Dockerfile); err != nil {
		return BuildResult{}, err
	}

	buildContext, err := CreateTarFromDir(req.SourceDir)
	if err != nil {
		return BuildResult{}, fmt.Errorf("failed to create build context: %w", err)
	}

	resp, err := r.cli.ImageBuild(ctx, bytes.NewReader(buildContext), types.ImageBuildOptions{
		Tags:        []string{req.Tag},
		Dockerfile:  DockerfileName,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return BuildResult{}, fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	err = jsonmessage.DisplayJSONMessagesStream(resp.Body, &out, 0, false, nil)

	var jsonErr *jsonmessage.JSONError
	switch {
	case err == nil:
		return BuildResult{ExitCode: 0, Output: strings.TrimSpace(out.String())}, nil
	case errors.As(err, &jsonErr):
		exitCode := jsonErr.Code
		if exitCode == 0 {
			exitCode = 1
		}
		return BuildResult{
			ExitCode: exitCode,
			Output:   strings.TrimSpace(out.String() + "\n" + jsonErr.Message),
		}, nil
	default:
		return BuildResult{}, fmt.Errorf("failed to read build output: %w", err)
	}
}

// Run creates, attaches and starts a container for tag
func (r *APIRuntime) Run(ctx context.Context, tag string) (Process, error) {
	name := "sandbot-" + uuid.NewString()

	networkMode := container.NetworkMode("none")
	if r.config.NetworkEnabled {
		networkMode = "bridge"
	}

	created, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:        tag,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}, &container.HostConfig{
		NetworkMode: networkMode,
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
	}, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	p := &containerProcess{
		cli:    r.cli,
		logger: r.logger,
		id:     created.ID,
		done:   make(chan struct{}),
	}

	attach, err := r.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		p.remove()
		return nil, fmt.Errorf("failed to attach container: %w", err)
	}
	p.attach = attach

	// Register the wait before start so a fast exit is not missed
	statusCh, errCh := r.cli.ContainerWait(context.Background(), created.ID, container.WaitConditionNotRunning)

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		p.remove()
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go p.demux()
	go p.await(statusCh, errCh)

	r.logger.Info("container started",
		zap.String("container", created.ID),
		zap.String("tag", tag))

	return p, nil
}

// RemoveImage deletes the per-job image and its dangling parents
func (r *APIRuntime) RemoveImage(ctx context.Context, tag string) error {
	if _, err := r.cli.ImageRemove(ctx, tag, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
		return fmt.Errorf("failed to remove image %s: %w", tag, err)
	}
	return nil
}

// Close releases the client connection
func (r *APIRuntime) Close() error {
	return r.cli.Close()
}

type containerProcess struct {
	cli    *client.Client
	logger *zap.Logger
	id     string
	attach types.HijackedResponse

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	done     chan struct{}
	exitCode int
	waitErr  error

	closeOnce sync.Once
}

func (p *containerProcess) demux() {
	_, err := stdcopy.StdCopy(p.stdoutW, p.stderrW, p.attach.Reader)
	_ = p.stdoutW.CloseWithError(err)
	_ = p.stderrW.CloseWithError(err)
}

func (p *containerProcess) await(statusCh <-chan container.WaitResponse, errCh <-chan error) {
	select {
	case status := <-statusCh:
		p.exitCode = int(status.StatusCode)
		if status.Error != nil {
			p.waitErr = errors.New(status.Error.Message)
		}
	case err := <-errCh:
		p.exitCode = -1
		p.waitErr = fmt.Errorf("failed to wait for container: %w", err)
	}
	close(p.done)
}

func (p *containerProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *containerProcess) ID() string { return p.id }

func (p *containerProcess) Stdin() io.WriteCloser {
	return &stdinWriter{w: p.attach.Conn, c: p.attach.CloseWrite, done: p.done}
}

func (p *containerProcess) Stdout() io.Reader { return p.stdoutR }

func (p *containerProcess) Stderr() io.Reader { return p.stderrR }

func (p *containerProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}

func (p *containerProcess) Terminate(sig Signal) error {
	if p.exited() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := p.cli.ContainerKill(ctx, p.id, sig.String()); err != nil && !p.exited() {
		return fmt.Errorf("failed to kill container: %w", err)
	}
	return nil
}

func (p *containerProcess) Close() error {
	p.closeOnce.Do(func() {
		if !p.exited() {
			_ = p.Terminate(Forceful)
		}
		p.attach.Close()
		_ = p.stdoutR.CloseWithError(io.ErrClosedPipe)
		_ = p.stderrR.CloseWithError(io.ErrClosedPipe)
		p.remove()
	})
	return nil
}

func (p *containerProcess) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := p.cli.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("failed to remove container", zap.String("container", p.id), zap.Error(err))
	}
}
