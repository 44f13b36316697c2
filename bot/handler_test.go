package bot

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandbot/chat"
	"github.com/isdmx/sandbot/config"
	"github.com/isdmx/sandbot/job"
	"github.com/isdmx/sandbot/sandbox"
	"github.com/isdmx/sandbot/workspace"
)

const (
	channel      = "123456789012345678"
	otherChannel = "876543210987654321"
)

type deletion struct {
	channelID string
	skip      int
}

type fakePlatform struct {
	mu        sync.Mutex
	sent      []string
	byChannel map[string][]string
	deletes   []deletion
}

func (p *fakePlatform) Send(_ context.Context, channelID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, text)
	if p.byChannel == nil {
		p.byChannel = make(map[string][]string)
	}
	p.byChannel[channelID] = append(p.byChannel[channelID], text)
	return nil
}

func (p *fakePlatform) SentTo(channelID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.byChannel[channelID]...)
}

func (p *fakePlatform) DeleteMessages(_ context.Context, channelID string, skip int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes = append(p.deletes, deletion{channelID, skip})
	return nil
}

func (p *fakePlatform) Sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func (p *fakePlatform) Deletes() []deletion {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]deletion(nil), p.deletes...)
}

// scriptedProcess prints what the test tells it to and exits on demand
type scriptedProcess struct {
	dir              string
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	mu      sync.Mutex
	input   []string
	signals []sandbox.Signal
	exited  bool

	exitCh   chan int
	exitOnce sync.Once
}

func newScriptedProcess() *scriptedProcess {
	p := &scriptedProcess{exitCh: make(chan int, 1)}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *scriptedProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		p.exitCh <- code
	})
}

func (p *scriptedProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return 0, sandbox.ErrProcessExited
	}
	p.input = append(p.input, string(b))
	return len(b), nil
}

func (p *scriptedProcess) Input() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.input...)
}

func (p *scriptedProcess) Signals() []sandbox.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sandbox.Signal(nil), p.signals...)
}

func (p *scriptedProcess) ID() string { return "scripted" }

func (p *scriptedProcess) Stdin() io.WriteCloser { return nopWriteCloser{p} }

func (p *scriptedProcess) Stdout() io.Reader { return p.stdoutR }

func (p *scriptedProcess) Stderr() io.Reader { return p.stderrR }

func (p *scriptedProcess) Wait() (int, error) { return <-p.exitCh, nil }

func (p *scriptedProcess) Terminate(sig sandbox.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == sandbox.Graceful {
		go p.exit(143)
	} else {
		go p.exit(137)
	}
	return nil
}

func (p *scriptedProcess) Close() error {
	p.exit(137)
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type scriptedRuntime struct {
	mu     sync.Mutex
	builds []sandbox.BuildRequest
	dirs   map[string]string
	procs  chan *scriptedProcess
}

func newScriptedRuntime() *scriptedRuntime {
	return &scriptedRuntime{
		dirs:  make(map[string]string),
		procs: make(chan *scriptedProcess, 4),
	}
}

func (r *scriptedRuntime) Build(_ context.Context, req sandbox.BuildRequest) (sandbox.BuildResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builds = append(r.builds, req)
	r.dirs[req.Tag] = req.SourceDir
	return sandbox.BuildResult{}, nil
}

func (r *scriptedRuntime) Run(_ context.Context, tag string) (sandbox.Process, error) {
	p := newScriptedProcess()
	r.mu.Lock()
	p.dir = r.dirs[tag]
	r.mu.Unlock()
	r.procs <- p
	return p, nil
}

func (r *scriptedRuntime) RemoveImage(_ context.Context, _ string) error { return nil }

func (r *scriptedRuntime) Builds() []sandbox.BuildRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sandbox.BuildRequest(nil), r.builds...)
}

func (r *scriptedRuntime) next(t *testing.T) *scriptedProcess {
	t.Helper()
	select {
	case p := <-r.procs:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no process was started")
		return nil
	}
}

// fakeDownloader serves attachment bodies from memory
type fakeDownloader struct {
	files map[string][]byte
}

func (d *fakeDownloader) Download(_ context.Context, url, path string) error {
	data, ok := d.files[url]
	if !ok {
		return os.ErrNotExist
	}
	return os.WriteFile(path, data, 0644)
}

func zipArchive(t *testing.T, files map[string]string, dirs ...string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.zip")
	f, err := os.Create(path)
	require.NoError(t, err)

	zw := zip.NewWriter(f)
	for _, d := range dirs {
		_, err := zw.Create(d + "/")
		require.NoError(t, err)
	}
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

type testBot struct {
	handler    *Handler
	platform   *fakePlatform
	runtime    *scriptedRuntime
	supervisor *job.Supervisor
	workspaces *workspace.Manager
	downloader *fakeDownloader
}

func newTestBot(t *testing.T, mutate func(*config.Config)) *testBot {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := &config.Config{
		Chat: config.ChatConfig{
			Platform:         config.PlatformDiscord,
			ClearCommand:     "!clear",
			InterruptCommand: "!stop",
			SourceExt:        ".cs",
			InlineFence:      "```cs",
			InlineFilename:   "Program.cs",
		},
		Sandbox: config.SandboxConfig{
			TimeoutSec:      30,
			BuildTimeoutSec: 30,
			ImagePrefix:     "sandbot-test",
		},
		Workspace: config.WorkspaceConfig{Root: t.TempDir()},
	}
	if mutate != nil {
		mutate(cfg)
	}

	workspaces, err := workspace.NewManager(logger, cfg)
	require.NoError(t, err)

	rt := newScriptedRuntime()
	supervisor := job.NewSupervisor(rt, workspaces, job.NewRegistry(), logger, job.NewConfig(cfg))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = supervisor.Shutdown(ctx)
	})

	platform := &fakePlatform{}
	downloader := &fakeDownloader{files: map[string][]byte{}}
	allowlist := chat.NewAllowlist(channel, otherChannel)

	return &testBot{
		handler:    NewHandler(logger, cfg, platform, supervisor, workspaces, downloader, allowlist),
		platform:   platform,
		runtime:    rt,
		supervisor: supervisor,
		workspaces: workspaces,
		downloader: downloader,
	}
}

func (b *testBot) send(content string, attachments ...chat.Attachment) {
	b.sendTo(channel, content, attachments...)
}

func (b *testBot) sendTo(channelID, content string, attachments ...chat.Attachment) {
	b.handler.OnMessage(context.Background(), chat.Message{
		ChannelID:   channelID,
		Content:     content,
		Attachments: attachments,
	})
}

func (b *testBot) active(t *testing.T) *job.Job {
	t.Helper()
	j := b.supervisor.Registry().Lookup(channel)
	require.NotNil(t, j, "expected an active job")
	return j
}

func waitRunning(t *testing.T, j *job.Job) {
	t.Helper()
	require.Eventually(t, func() bool { return j.State() == job.Running }, 5*time.Second, 5*time.Millisecond)
}

func waitDone(t *testing.T, j *job.Job) {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("job did not finish (state %s)", j.State())
	}
}

func TestInlineSubmission(t *testing.T) {
	b := newTestBot(t, nil)
	source := "\nConsole.WriteLine(\"Hello\");\n"

	b.send("```cs" + source + "```")
	j := b.active(t)

	dir, err := b.workspaces.Path(channel)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "Program.cs"))
	require.NoError(t, err)
	assert.Equal(t, source, string(data))

	proc := b.runtime.next(t)
	waitRunning(t, j)
	_, err = io.WriteString(proc.stdoutW, "Hello\n")
	require.NoError(t, err)
	proc.exit(0)
	waitDone(t, j)

	assert.Equal(t, []string{"> Hello", "process exited with code 0"}, b.platform.Sent())
	assert.Equal(t, []deletion{{channel, 1}}, b.platform.Deletes())
	require.Len(t, b.runtime.Builds(), 1)
	assert.Equal(t, dir, b.runtime.Builds()[0].SourceDir)

	assert.NoDirExists(t, dir)
	assert.Nil(t, b.supervisor.Registry().Lookup(channel))
}

func TestInputForwarding(t *testing.T) {
	b := newTestBot(t, nil)

	b.send("```cs\nvar n = Console.ReadLine();\n```")
	j := b.active(t)
	proc := b.runtime.next(t)
	waitRunning(t, j)

	b.send("42")
	// a second submission while a job is active is input too
	b.send("```cs\nclass B {}\n```")
	assert.Equal(t, []string{"42\n", "```cs\nclass B {}\n```\n"}, proc.Input())

	b.send("!stop")
	waitDone(t, j)

	assert.Equal(t, []sandbox.Signal{sandbox.Graceful}, proc.Signals())
	assert.Equal(t, []string{"process exited with code 143 (interrupted)"}, b.platform.Sent())
	assert.Len(t, b.runtime.Builds(), 1)
}

func TestZipSubmission(t *testing.T) {
	b := newTestBot(t, nil)
	b.downloader.files["https://cdn/src.zip"] = zipArchive(t, map[string]string{
		"src/Program.cs": "class Program {}",
		"README.md":      "hi",
	}, "src", "empty")

	b.send("", chat.Attachment{Filename: "src.zip", URL: "https://cdn/src.zip"})
	j := b.active(t)

	dir, err := b.workspaces.Path(channel)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "src", "Program.cs"))
	assert.DirExists(t, filepath.Join(dir, "empty"))
	assert.NoFileExists(t, filepath.Join(dir, "src.zip"))

	proc := b.runtime.next(t)
	proc.exit(0)
	waitDone(t, j)
}

func TestSourceAttachment(t *testing.T) {
	b := newTestBot(t, nil)
	b.downloader.files["https://cdn/Program.cs"] = []byte("class Program {}")

	b.send("have a look", chat.Attachment{Filename: "Program.cs", URL: "https://cdn/Program.cs"})
	j := b.active(t)

	proc := b.runtime.next(t)
	proc.exit(1)
	waitDone(t, j)

	assert.Equal(t, []string{"process exited with code 1"}, b.platform.Sent())
}

func TestSubmissionWithoutSource(t *testing.T) {
	b := newTestBot(t, nil)
	b.downloader.files["https://cdn/docs.zip"] = zipArchive(t, map[string]string{"README.txt": "nothing to run"})

	b.send("", chat.Attachment{Filename: "docs.zip", URL: "https://cdn/docs.zip"})

	assert.Nil(t, b.supervisor.Registry().Lookup(channel))
	assert.Empty(t, b.runtime.Builds())
	assert.Empty(t, b.platform.Sent())
	assert.Empty(t, b.platform.Deletes())

	dir, err := b.workspaces.Path(channel)
	require.NoError(t, err)
	assert.NoDirExists(t, dir)
}

func TestFailedDownload(t *testing.T) {
	b := newTestBot(t, nil)

	b.send("", chat.Attachment{Filename: "Program.cs", URL: "https://cdn/gone.cs"})

	assert.Nil(t, b.supervisor.Registry().Lookup(channel))
	assert.Equal(t, []string{submissionFailedMessage}, b.platform.Sent())
	assert.Empty(t, b.runtime.Builds())
}

func TestIgnoredMessages(t *testing.T) {
	b := newTestBot(t, nil)
	inline := "```cs\nclass A {}\n```"

	b.handler.OnMessage(context.Background(), chat.Message{ChannelID: channel, AuthorIsBot: true, Content: inline})
	b.handler.OnMessage(context.Background(), chat.Message{ChannelID: "999999999999999999", Content: inline})
	b.send("just chatting")

	assert.Nil(t, b.supervisor.Registry().Lookup(channel))
	assert.Empty(t, b.runtime.Builds())
	assert.Empty(t, b.platform.Sent())
	assert.Empty(t, b.platform.Deletes())
}

func TestClearCommand(t *testing.T) {
	t.Run("DeletesHistory", func(t *testing.T) {
		b := newTestBot(t, nil)
		b.send("!clear")
		assert.Equal(t, []deletion{{channel, 0}}, b.platform.Deletes())
	})

	t.Run("KeepMessages", func(t *testing.T) {
		b := newTestBot(t, func(cfg *config.Config) { cfg.Chat.KeepMessages = true })
		b.send("!clear")
		assert.Empty(t, b.platform.Deletes())
	})

	t.Run("WhileRunning", func(t *testing.T) {
		b := newTestBot(t, nil)
		b.send("```cs\nclass A {}\n```")
		j := b.active(t)
		proc := b.runtime.next(t)
		waitRunning(t, j)

		b.send("!clear")
		assert.Empty(t, proc.Input())
		assert.Equal(t, []deletion{{channel, 1}, {channel, 0}}, b.platform.Deletes())

		proc.exit(0)
		waitDone(t, j)
	})
}

func TestKeepTempRetainsWorkspace(t *testing.T) {
	b := newTestBot(t, func(cfg *config.Config) { cfg.Workspace.KeepTemp = true })

	b.send("```cs\nclass A {}\n```")
	j := b.active(t)
	proc := b.runtime.next(t)
	proc.exit(0)
	waitDone(t, j)

	dir, err := b.workspaces.Path(channel)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "Program.cs"))
}

func TestConcurrentChannelsStayIsolated(t *testing.T) {
	b := newTestBot(t, nil)

	b.sendTo(channel, "```cs\nConsole.WriteLine(\"one\");\n```")
	b.sendTo(otherChannel, "```cs\nConsole.WriteLine(\"two\");\n```")

	jobs := map[string]*job.Job{
		channel:      b.supervisor.Registry().Lookup(channel),
		otherChannel: b.supervisor.Registry().Lookup(otherChannel),
	}
	require.NotNil(t, jobs[channel])
	require.NotNil(t, jobs[otherChannel])
	assert.NotEqual(t, jobs[channel].Tag(), jobs[otherChannel].Tag())

	dirs := map[string]string{}
	for id := range jobs {
		dir, err := b.workspaces.Path(id)
		require.NoError(t, err)
		dirs[id] = dir
	}
	assert.NotEqual(t, dirs[channel], dirs[otherChannel])

	procs := map[string]*scriptedProcess{}
	for range jobs {
		p := b.runtime.next(t)
		for id, dir := range dirs {
			if p.dir == dir {
				procs[id] = p
			}
		}
	}
	require.Len(t, procs, 2)
	for _, j := range jobs {
		waitRunning(t, j)
	}

	// interleave the two programs' output
	for i := 0; i < 3; i++ {
		_, err := io.WriteString(procs[channel].stdoutW, fmt.Sprintf("one %d\n", i))
		require.NoError(t, err)
		_, err = io.WriteString(procs[otherChannel].stdoutW, fmt.Sprintf("two %d\n", i))
		require.NoError(t, err)
	}

	// input reaches only the channel it was sent in
	b.sendTo(otherChannel, "42")
	require.Eventually(t, func() bool { return len(procs[otherChannel].Input()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, procs[channel].Input())

	procs[channel].exit(0)
	waitDone(t, jobs[channel])
	assert.NoDirExists(t, dirs[channel])
	assert.DirExists(t, dirs[otherChannel])
	assert.Same(t, jobs[otherChannel], b.supervisor.Registry().Lookup(otherChannel))

	procs[otherChannel].exit(3)
	waitDone(t, jobs[otherChannel])
	assert.NoDirExists(t, dirs[otherChannel])

	assert.Equal(t, []string{"> one 0", "> one 1", "> one 2", "process exited with code 0"}, b.platform.SentTo(channel))
	assert.Equal(t, []string{"> two 0", "> two 1", "> two 2", "process exited with code 3"}, b.platform.SentTo(otherChannel))
	assert.Equal(t, 0, b.supervisor.Registry().Len())
}
