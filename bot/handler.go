// Package bot dispatches chat messages to jobs.
//
// Every message from an allowed channel is either the clear command, input
// for the channel's active job, or a new submission. Submissions are
// materialised into the channel workspace and handed to the supervisor.
package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/sandbot/chat"
	"github.com/isdmx/sandbot/config"
	"github.com/isdmx/sandbot/job"
)

const submissionFailedMessage = "could not read the submitted files"

// Workspaces materialises submissions
type Workspaces interface {
	Create(channelID string) (string, error)
	FilePath(dir, name string) (string, error)
	WriteSource(dir, name string, data []byte) error
	ExtractZip(dir, archivePath string) ([]string, error)
	HasSource(dir, ext string) (bool, error)
}

// Downloader fetches attachments
type Downloader interface {
	Download(ctx context.Context, url, path string) error
}

// Handler is the message entry point of the bot
type Handler struct {
	logger     *zap.Logger
	cfg        config.ChatConfig
	platform   chat.Platform
	supervisor *job.Supervisor
	workspaces Workspaces
	downloader Downloader
	allowlist  *chat.Allowlist
}

// NewHandler creates a Handler
func NewHandler(
	logger *zap.Logger,
	cfg *config.Config,
	platform chat.Platform,
	supervisor *job.Supervisor,
	workspaces Workspaces,
	downloader Downloader,
	allowlist *chat.Allowlist,
) *Handler {
	return &Handler{
		logger:     logger,
		cfg:        cfg.Chat,
		platform:   platform,
		supervisor: supervisor,
		workspaces: workspaces,
		downloader: downloader,
		allowlist:  allowlist,
	}
}

// OnMessage handles one incoming message
func (h *Handler) OnMessage(ctx context.Context, msg chat.Message) {
	if msg.AuthorIsBot || !h.allowlist.Allowed(msg.ChannelID) {
		return
	}

	if strings.TrimSpace(msg.Content) == h.cfg.ClearCommand {
		h.clear(ctx, msg.ChannelID)
		return
	}

	if j := h.supervisor.Registry().Lookup(msg.ChannelID); j != nil {
		h.forward(j, msg.Content)
		return
	}

	h.submit(ctx, msg)
}

func (h *Handler) clear(ctx context.Context, channelID string) {
	if h.cfg.KeepMessages {
		return
	}
	if err := h.platform.DeleteMessages(ctx, channelID, 0); err != nil {
		h.logger.Warn("failed to clear channel", zap.String("channel", channelID), zap.Error(err))
	}
}

// forward routes a message to the active job
func (h *Handler) forward(j *job.Job, content string) {
	logger := h.logger.With(zap.String("channel", j.ChannelID()))

	if strings.TrimSpace(content) == h.cfg.InterruptCommand {
		if err := j.Interrupt(); err != nil {
			logger.Info("interrupt ignored", zap.Error(err))
		}
		return
	}

	logger.Debug("received input", zap.String("input", content))
	if err := j.WriteInput(content); err != nil {
		logger.Warn("failed to forward input", zap.Error(err))
	}
}

func (h *Handler) submit(ctx context.Context, msg chat.Message) {
	code, inline := chat.ParseInlineCode(msg.Content, h.cfg.InlineFence)
	sources, archives := chat.SplitAttachments(msg.Attachments, h.cfg.SourceExt)
	if !inline && len(sources) == 0 && len(archives) == 0 {
		return
	}

	channelID := msg.ChannelID
	logger := h.logger.With(zap.String("channel", channelID))

	j, err := h.supervisor.Begin(channelID, chat.NewChannelSink(h.platform, channelID))
	if errors.Is(err, job.ErrAlreadyActive) {
		// lost the race against another submission on this channel
		if active := h.supervisor.Registry().Lookup(channelID); active != nil {
			h.forward(active, msg.Content)
		}
		return
	}
	if err != nil {
		logger.Error("failed to register job", zap.Error(err))
		return
	}

	dir, err := h.workspaces.Create(channelID)
	if err != nil {
		logger.Error("failed to create workspace", zap.Error(err))
		j.Discard()
		return
	}

	if inline {
		err = h.workspaces.WriteSource(dir, h.cfg.InlineFilename, []byte(code))
	} else {
		err = h.fetch(ctx, logger, dir, sources, archives)
	}
	if err != nil {
		logger.Error("failed to materialise submission", zap.Error(err))
		j.Discard()
		h.reply(ctx, channelID, submissionFailedMessage)
		return
	}

	found, err := h.workspaces.HasSource(dir, h.cfg.SourceExt)
	if err != nil || !found {
		logger.Info("submission has no source files", zap.Error(err))
		j.Discard()
		return
	}

	logger.Info("received submission", zap.Bool("inline", inline), zap.Int("attachments", len(sources)+len(archives)))

	if !h.cfg.KeepMessages {
		if err := h.platform.DeleteMessages(ctx, channelID, 1); err != nil {
			logger.Warn("failed to clear channel", zap.Error(err))
		}
	}

	if err := j.Start(dir); err != nil {
		logger.Error("failed to start job", zap.Error(err))
		j.Discard()
	}
}

// fetch downloads source attachments into dir and extracts archives
func (h *Handler) fetch(ctx context.Context, logger *zap.Logger, dir string, sources, archives []chat.Attachment) error {
	for _, a := range archives {
		names, err := h.extract(ctx, dir, a)
		if err != nil {
			return err
		}
		logger.Debug("extracted archive", zap.String("archive", a.Filename), zap.Strings("files", names))
	}

	for _, a := range sources {
		path, err := h.workspaces.FilePath(dir, a.Filename)
		if err != nil {
			return err
		}
		if err := h.downloader.Download(ctx, a.URL, path); err != nil {
			return err
		}
		logger.Debug("downloaded", zap.String("url", a.URL))
	}
	return nil
}

func (h *Handler) extract(ctx context.Context, dir string, archive chat.Attachment) ([]string, error) {
	tmp, err := os.CreateTemp("", "sandbot-*.zip")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(path)

	if err := h.downloader.Download(ctx, archive.URL, path); err != nil {
		return nil, err
	}
	return h.workspaces.ExtractZip(dir, path)
}

func (h *Handler) reply(ctx context.Context, channelID, text string) {
	if err := h.platform.Send(ctx, channelID, text); err != nil {
		h.logger.Warn("failed to send message", zap.String("channel", channelID), zap.Error(err))
	}
}
