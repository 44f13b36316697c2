// Package discord connects the bot to Discord through discordgo.
package discord

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/isdmx/sandbot/chat"
)

const (
	// MaxMessageLength is the Discord limit for one message
	MaxMessageLength = 2000
	historyPageSize  = 100
)

// session is the subset of *discordgo.Session the client uses
type session interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

// Client is a chat.Connection backed by a Discord bot session
type Client struct {
	logger  *zap.Logger
	session session

	mu     sync.Mutex
	remove func()
}

// New creates a Client authenticated with a bot token
func New(logger *zap.Logger, token string) (*Client, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	return newClient(logger, s), nil
}

func newClient(logger *zap.Logger, s session) *Client {
	return &Client{logger: logger, session: s}
}

// Start registers handler and opens the gateway connection
func (c *Client) Start(_ context.Context, handler chat.MessageHandler) error {
	c.mu.Lock()
	c.remove = c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		handler(context.Background(), toMessage(m.Message))
	})
	c.mu.Unlock()

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to connect to discord: %w", err)
	}
	c.logger.Info("Connected to discord")
	return nil
}

// Stop closes the gateway connection
func (c *Client) Stop(_ context.Context) error {
	c.mu.Lock()
	if c.remove != nil {
		c.remove()
		c.remove = nil
	}
	c.mu.Unlock()

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

// Send posts text to channelID, truncated to the message limit
func (c *Client) Send(ctx context.Context, channelID, text string) error {
	if _, err := c.session.ChannelMessageSend(channelID, truncate(text), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// DeleteMessages deletes the channel history except the newest skip
// messages and pinned ones
func (c *Client) DeleteMessages(ctx context.Context, channelID string, skip int) error {
	before := ""
	deleted := 0
	for {
		page, err := c.session.ChannelMessages(channelID, historyPageSize, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("failed to list messages: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, m := range page {
			if skip > 0 {
				skip--
				continue
			}
			if m.Pinned {
				continue
			}
			if err := c.session.ChannelMessageDelete(channelID, m.ID, discordgo.WithContext(ctx)); err != nil {
				return fmt.Errorf("failed to delete message %s: %w", m.ID, err)
			}
			deleted++
		}

		if len(page) < historyPageSize {
			break
		}
		before = page[len(page)-1].ID
	}

	c.logger.Debug("deleted messages", zap.String("channel", channelID), zap.Int("count", deleted))
	return nil
}

func toMessage(m *discordgo.Message) chat.Message {
	msg := chat.Message{
		ChannelID: m.ChannelID,
		Content:   m.Content,
	}
	if m.Author != nil {
		msg.AuthorIsBot = m.Author.Bot
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, chat.Attachment{Filename: a.Filename, URL: a.URL})
	}
	return msg
}

func truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxMessageLength {
		return text
	}
	return string(runes[:MaxMessageLength-3]) + "..."
}
