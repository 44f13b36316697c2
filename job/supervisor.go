package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/sandbot/config"
	"github.com/isdmx/sandbot/sandbox"
)

// DefaultOutputGrace is how long the read loops may keep flushing after exit
const DefaultOutputGrace = 2 * time.Second

// Workspaces releases job workspaces
type Workspaces interface {
	Destroy(channelID string) error
}

// Config holds the limits applied to every job
type Config struct {
	Timeout      time.Duration
	BuildTimeout time.Duration
	ImagePrefix  string
	OutputGrace  time.Duration
}

// NewConfig derives job limits from the service configuration
func NewConfig(cfg *config.Config) Config {
	return Config{
		Timeout:      cfg.GetTimeout(),
		BuildTimeout: cfg.GetBuildTimeout(),
		ImagePrefix:  cfg.Sandbox.ImagePrefix,
		OutputGrace:  DefaultOutputGrace,
	}
}

// Supervisor creates jobs and owns the dependencies they share. Jobs run
// under the supervisor's context so they outlive the message that started
// them and are interrupted together on shutdown.
type Supervisor struct {
	runtime    sandbox.Runtime
	workspaces Workspaces
	registry   *Registry
	logger     *zap.Logger
	cfg        Config

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSupervisor creates a Supervisor
func NewSupervisor(runtime sandbox.Runtime, workspaces Workspaces, registry *Registry, logger *zap.Logger, cfg Config) *Supervisor {
	if cfg.OutputGrace <= 0 {
		cfg.OutputGrace = DefaultOutputGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		runtime:    runtime,
		workspaces: workspaces,
		registry:   registry,
		logger:     logger,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Registry returns the registry jobs are tracked in
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// NewJob creates a pending job for channelID delivering to sink. The job is
// not registered.
func (s *Supervisor) NewJob(channelID string, sink Sink) *Job {
	tag := fmt.Sprintf("%s:%s", s.cfg.ImagePrefix, uuid.NewString())
	return &Job{
		channelID: channelID,
		tag:       tag,
		sup:       s,
		sink:      sink,
		logger:    s.logger.With(zap.String("channel", channelID), zap.String("tag", tag)),
		state:     Pending,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Begin creates a job for channelID and registers it. It returns
// ErrAlreadyActive if the channel is busy.
func (s *Supervisor) Begin(channelID string, sink Sink) (*Job, error) {
	j := s.NewJob(channelID, sink)
	if err := s.registry.TryBegin(j); err != nil {
		return nil, err
	}
	return j, nil
}

// Shutdown kills every running job and waits for their teardown
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()
	if err := s.registry.Wait(ctx); err != nil {
		return fmt.Errorf("jobs still active at shutdown: %w", err)
	}
	return nil
}
