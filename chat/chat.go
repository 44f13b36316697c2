// Package chat defines the boundary between the bot and a chat platform.
//
// A platform adapter delivers incoming messages to a MessageHandler and
// implements Platform for everything the bot sends back. Submissions are
// recognised here: inline code blocks, source attachments and zip archives.
package chat

import (
	"context"
	"path/filepath"
	"strings"
)

// Attachment is a file attached to a message
type Attachment struct {
	Filename string
	URL      string
}

// Message is one incoming chat message
type Message struct {
	ChannelID   string
	AuthorIsBot bool
	Content     string
	Attachments []Attachment
}

// MessageHandler processes incoming messages. Adapters may invoke it
// concurrently.
type MessageHandler func(ctx context.Context, msg Message)

// Platform sends to and prunes a chat channel
type Platform interface {
	Send(ctx context.Context, channelID, text string) error
	// DeleteMessages deletes the channel history except the newest skip
	// messages and any pinned message
	DeleteMessages(ctx context.Context, channelID string, skip int) error
}

// Connection is a Platform that also receives messages
type Connection interface {
	Platform
	Start(ctx context.Context, handler MessageHandler) error
	Stop(ctx context.Context) error
}

// ChannelSink binds a Platform to one channel
type ChannelSink struct {
	platform  Platform
	channelID string
}

// NewChannelSink creates a sink that sends into channelID
func NewChannelSink(platform Platform, channelID string) *ChannelSink {
	return &ChannelSink{platform: platform, channelID: channelID}
}

// Send sends text to the bound channel
func (s *ChannelSink) Send(ctx context.Context, text string) error {
	return s.platform.Send(ctx, s.channelID, text)
}

// ParseInlineCode returns the code enclosed in a message that opens with
// fence (compared case-insensitively) and closes with three backticks.
func ParseInlineCode(content, fence string) (string, bool) {
	if len(content) <= len(fence)+3 {
		return "", false
	}
	if !strings.EqualFold(content[:len(fence)], fence) || !strings.HasSuffix(content, "```") {
		return "", false
	}
	return content[len(fence) : len(content)-3], true
}

// HasExt reports whether name ends with ext, ignoring case
func HasExt(name, ext string) bool {
	return strings.EqualFold(filepath.Ext(name), ext)
}

// SplitAttachments separates source files and zip archives. Other
// attachments are ignored.
func SplitAttachments(attachments []Attachment, sourceExt string) (sources, archives []Attachment) {
	for _, a := range attachments {
		switch {
		case HasExt(a.Filename, ".zip"):
			archives = append(archives, a)
		case HasExt(a.Filename, sourceExt):
			sources = append(sources, a)
		}
	}
	return sources, archives
}
