// Package sandbox provides isolated build and run capabilities.
//
// The sandbox package implements the container side of a job: it turns a
// source directory into an image and runs that image as a Process with
// piped stdin, stdout and stderr. Backends include the docker and podman
// CLIs, the Docker Engine API and a local host backend (for development).
//
// Every image is tagged per job, so concurrent jobs never share a build.
// A Process can be asked to stop gracefully (SIGTERM) or forcefully
// (SIGKILL) and reports a shell-style exit code from Wait.
//
// Usage:
//
//	runtime, err := sandbox.NewRuntime(logger, cfg)
//	result, err := runtime.Build(ctx, sandbox.BuildRequest{Tag: tag, SourceDir: dir})
//	proc, err := runtime.Run(ctx, tag)
//	code, err := proc.Wait()
package sandbox
