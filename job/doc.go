// Package job supervises submissions from build to teardown.
//
// A Job moves through Pending, Building and Running to one terminal state:
// Exited, Killed (execution deadline), Interrupted (explicit request or
// shutdown) or Failed. Its output is delivered through a Relay, the single
// writer of the channel, and every terminal path ends in exactly one final
// report followed by deregistration and workspace removal.
//
// The Registry guarantees at most one live job per channel.
//
// Usage:
//
//	sup := job.NewSupervisor(runtime, workspaces, job.NewRegistry(), logger, job.NewConfig(cfg))
//	j, err := sup.Begin(channelID, sink)
//	if errors.Is(err, job.ErrAlreadyActive) {
//	    // forward to the running job instead
//	}
//	_ = j.Start(dir)
package job
