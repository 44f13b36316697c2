// Package sandbox provides isolated build and run capabilities.
//
// The LocalRuntime runs the configured build and run commands directly on
// the host (for development only). It offers no isolation at all.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LocalConfig holds the shell commands of the local backend
type LocalConfig struct {
	BuildCmd string
	RunCmd   string
}

// LocalRuntime implements Runtime using host processes (WARNING: not secure)
type LocalRuntime struct {
	logger *zap.Logger
	config *LocalConfig

	mu   sync.Mutex
	dirs map[string]string // image tag -> source directory
}

// NewLocalRuntime creates a LocalRuntime
func NewLocalRuntime(logger *zap.Logger, config *LocalConfig) *LocalRuntime {
	return &LocalRuntime{
		logger: logger,
		config: config,
		dirs:   make(map[string]string),
	}
}

// Build runs the build command inside the source directory
func (l *LocalRuntime) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	l.mu.Lock()
	l.dirs[req.Tag] = req.SourceDir
	l.mu.Unlock()

	if l.config.BuildCmd == "" {
		return BuildResult{}, nil
	}

	//nolint:gosec // Building code is intended functionality
	cmd := exec.CommandContext(ctx, "sh", "-c", l.config.BuildCmd)
	cmd.Dir = req.SourceDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return BuildResult{}, fmt.Errorf("failed to run build command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return BuildResult{ExitCode: exitCode, Output: strings.TrimSpace(out.String())}, nil
}

// Run starts the run command in the directory the tag was built from
func (l *LocalRuntime) Run(_ context.Context, tag string) (Process, error) {
	l.mu.Lock()
	dir, ok := l.dirs[tag]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown image tag: %s", tag)
	}

	//nolint:gosec // Running built app is intended functionality
	cmd := exec.Command("sh", "-c", l.config.RunCmd)
	cmd.Dir = dir

	proc, err := startExec(tag, cmd, nil)
	if err != nil {
		return nil, err
	}
	proc.id = strconv.Itoa(cmd.Process.Pid)

	l.logger.Info("local process started", zap.String("tag", tag), zap.String("pid", proc.id))
	return proc, nil
}

// RemoveImage forgets the tag
func (l *LocalRuntime) RemoveImage(_ context.Context, tag string) error {
	l.mu.Lock()
	delete(l.dirs, tag)
	l.mu.Unlock()
	return nil
}
