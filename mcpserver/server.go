package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/sandbot/chat"
	"github.com/isdmx/sandbot/config"
)

// Transcript authors
const (
	AuthorUser = "user"
	AuthorBot  = "bot"
)

// maxTranscript is the number of entries kept per channel
const maxTranscript = 500

// Entry is one message of a channel transcript
type Entry struct {
	ID      int64     `json:"id"`
	Author  string    `json:"author"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

// MCPServer is a chat.Connection whose channels are driven by MCP tool
// calls: clients post messages with send_message and poll the bot's
// replies with read_messages
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	mcpServer *server.MCPServer

	mu          sync.Mutex
	handler     chat.MessageHandler
	transcripts map[string][]Entry
	nextID      int64

	cancel     context.CancelFunc
	httpServer *server.StreamableHTTPServer
	done       chan struct{}
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger) (*MCPServer, error) {
	s := &MCPServer{
		config:      cfg,
		logger:      logger,
		transcripts: make(map[string][]Entry),
	}

	logger.Info("configuration loaded",
		zap.String("chat.platform", cfg.Chat.Platform),
		zap.String("mcp.transport", cfg.MCP.Transport),
		zap.Int("mcp.http_port", cfg.MCP.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
	)

	s.mcpServer = server.NewMCPServer("sandbot", "A chat channel that builds and runs submitted code")
	s.registerSendMessageTool()
	s.registerReadMessagesTool()

	return s, nil
}

func (s *MCPServer) registerSendMessageTool() {
	tool := mcp.Tool{
		Name:        "send_message",
		Description: "Post a message to a channel. Code blocks and attachments start a job, other messages are forwarded to the running job as input",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"channel_id": map[string]any{
					"type":        "string",
					"description": "Channel to post in",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Message text",
				},
				"attachment_url": map[string]any{
					"type":        "string",
					"description": "URL of a file to attach (optional)",
				},
				"attachment_name": map[string]any{
					"type":        "string",
					"description": "File name of the attachment (optional)",
				},
			},
			Required: []string{"channel_id", "content"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleSendMessage)
}

func (s *MCPServer) registerReadMessagesTool() {
	tool := mcp.Tool{
		Name:        "read_messages",
		Description: "Read the messages of a channel, oldest first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"channel_id": map[string]any{
					"type":        "string",
					"description": "Channel to read",
				},
				"after_id": map[string]any{
					"type":        "integer",
					"description": "Only return messages with a greater id (optional)",
				},
			},
			Required: []string{"channel_id"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleReadMessages)
}

func (s *MCPServer) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channelID, err := request.RequireString("channel_id")
	if err != nil {
		return nil, fmt.Errorf("channel_id parameter is required: %w", err)
	}
	content, err := request.RequireString("content")
	if err != nil {
		return nil, fmt.Errorf("content parameter is required: %w", err)
	}

	msg := chat.Message{ChannelID: channelID, Content: content}
	if url := request.GetString("attachment_url", ""); url != "" {
		name := request.GetString("attachment_name", "")
		if name == "" {
			return nil, errors.New("attachment_name is required with attachment_url")
		}
		msg.Attachments = []chat.Attachment{{Filename: name, URL: url}}
	}

	s.mu.Lock()
	handler := s.handler
	id := s.appendLocked(channelID, AuthorUser, content)
	s.mu.Unlock()

	if handler == nil {
		return textResult("channel is not connected", true), nil
	}

	s.logger.Debug("message received", zap.String("channel", channelID), zap.Int64("id", id))
	handler(ctx, msg)

	return textResult(fmt.Sprintf(`{"id":%d}`, id), false), nil
}

func (s *MCPServer) handleReadMessages(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channelID, err := request.RequireString("channel_id")
	if err != nil {
		return nil, fmt.Errorf("channel_id parameter is required: %w", err)
	}
	afterID := int64(request.GetInt("after_id", 0))

	entries := s.Transcript(channelID, afterID)
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode messages: %w", err)
	}
	return textResult(string(data), false), nil
}

// Transcript returns the entries of channelID with an id above afterID
func (s *MCPServer) Transcript(channelID string, afterID int64) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := []Entry{}
	for _, e := range s.transcripts[channelID] {
		if e.ID > afterID {
			entries = append(entries, e)
		}
	}
	return entries
}

// Send appends a bot message to the channel transcript
func (s *MCPServer) Send(_ context.Context, channelID, text string) error {
	s.mu.Lock()
	s.appendLocked(channelID, AuthorBot, text)
	s.mu.Unlock()
	return nil
}

// DeleteMessages drops all but the newest skip entries of the transcript
func (s *MCPServer) DeleteMessages(_ context.Context, channelID string, skip int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.transcripts[channelID]
	if skip < len(entries) {
		s.transcripts[channelID] = append([]Entry(nil), entries[len(entries)-skip:]...)
	}
	return nil
}

func (s *MCPServer) appendLocked(channelID, author, content string) int64 {
	s.nextID++
	entries := append(s.transcripts[channelID], Entry{
		ID:      s.nextID,
		Author:  author,
		Content: content,
		Time:    time.Now(),
	})
	if len(entries) > maxTranscript {
		entries = entries[len(entries)-maxTranscript:]
	}
	s.transcripts[channelID] = entries
	return s.nextID
}

// Start registers handler and serves the configured transport in the
// background
func (s *MCPServer) Start(_ context.Context, handler chat.MessageHandler) error {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())

	var serve func() error
	switch s.config.MCP.Transport {
	case "stdio":
		serve = func() error { return s.ServeStdio(ctx) }
	case "http":
		s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
		serve = s.ServeHTTP
	default:
		cancel()
		return fmt.Errorf("unsupported transport: %s", s.config.MCP.Transport)
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := serve(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("MCP transport stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the transport down
func (s *MCPServer) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// ServeStdio serves MCP on stdin and stdout until ctx is done
func (s *MCPServer) ServeStdio(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP serves MCP over streamable HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.MCP.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	if s.httpServer == nil {
		s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
	}
	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: isError,
	}
}
