package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/sandbot/config"
)

// NewRuntime creates the sandbox runtime selected by the configuration
func NewRuntime(logger *zap.Logger, cfg *config.Config) (Runtime, error) {
	dockerfile, err := LoadDockerfile(cfg.Sandbox.Dockerfile)
	if err != nil {
		return nil, err
	}

	runtimeConfig := Config{
		NetworkEnabled: cfg.Sandbox.NetworkEnabled,
		Dockerfile:     dockerfile,
	}

	switch cfg.Sandbox.Backend {
	case BackendDocker:
		return NewDockerRuntime(logger, &runtimeConfig), nil
	case BackendPodman:
		return NewPodmanRuntime(logger, &runtimeConfig), nil
	case BackendDockerAPI:
		return NewAPIRuntime(logger, &runtimeConfig)
	case BackendLocal:
		if !cfg.Sandbox.EnableLocalBackend {
			return nil, fmt.Errorf("local backend is disabled")
		}
		return NewLocalRuntime(logger, &LocalConfig{
			BuildCmd: cfg.Sandbox.Local.BuildCmd,
			RunCmd:   cfg.Sandbox.Local.RunCmd,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}
