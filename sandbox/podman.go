package sandbox

import (
	"go.uber.org/zap"
)

// NewPodmanRuntime creates a CLIRuntime that shells out to podman.
// Podman accepts the same build, run, kill and rmi flags as docker.
func NewPodmanRuntime(logger *zap.Logger, config *Config, opts ...CLIOption) *CLIRuntime {
	return newCLIRuntime(logger, config, BackendPodman, opts...)
}
