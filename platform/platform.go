// Package platform defines the chat platform boundary: normalized message,
// channel and author records, plus the Client interface every adapter
// implements. The rest of the system depends only on this package, never on a
// platform SDK directly.
package platform

import (
	"context"
	"time"
)

// Server is a guild-like community the bot is a member of.
type Server struct {
	ID   string
	Name string
}

// Channel is a text channel within a server.
type Channel struct {
	ID       string
	ServerID string
	Name     string
	Topic    string
}

// Author identifies the sender of a message, with the name variants the
// platform exposes.
type Author struct {
	ID          string
	Username    string
	Nickname    string // per-server nickname
	DisplayName string // per-server display name
	GlobalName  string // account-wide display name
	Bot         bool
}

// FriendlyName returns the best human-readable name for the author.
// Preference order: server display name, global name, nickname, username.
func (a Author) FriendlyName() string {
	for _, name := range []string{a.DisplayName, a.GlobalName, a.Nickname, a.Username} {
		if name != "" {
			return name
		}
	}
	return "Unknown"
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID          string
	URL         string
	Filename    string
	ContentType string
	Size        int64
}

// Message is a normalized platform message. ServerID is empty for direct
// messages.
type Message struct {
	ID          string
	ServerID    string
	ServerName  string
	ChannelID   string
	ChannelName string
	Author      Author
	Content     string
	Timestamp   time.Time
	EditedAt    *time.Time
	ReplyToID   string
	Pinned      bool
	HasEmbeds   bool
	Attachments []Attachment
	Mentions    []Author
}

// IsDM reports whether the message arrived outside any server.
func (m Message) IsDM() bool {
	return m.ServerID == ""
}

// MessageHandle identifies a message the bot itself sent, so it can be edited
// later (progress updates on queued requests).
type MessageHandle struct {
	ChannelID string
	MessageID string
}

// EventHandler receives live messages from the platform gateway.
type EventHandler func(msg Message)

// Client is the platform boundary. Implementations wrap a concrete SDK and
// translate its errors into the kinds defined in errors.go.
type Client interface {
	// Open establishes the gateway connection and identifies the bot user.
	Open(ctx context.Context) error
	Close() error

	// BotUserID returns the bot's own user ID once Open has succeeded.
	BotUserID() string

	// ListServers returns the servers the bot is currently a member of.
	ListServers(ctx context.Context) ([]Server, error)

	// ListChannels returns the text channels of a server that the bot can
	// read history from.
	ListChannels(ctx context.Context, serverID string) ([]Channel, error)

	// FetchMessages returns up to limit messages strictly after the given
	// timestamp, oldest first. A zero after means from the beginning of the
	// channel. Callers paginate by advancing after to the last returned
	// timestamp.
	FetchMessages(ctx context.Context, channel Channel, limit int, after time.Time) ([]Message, error)

	// SubscribeEvents registers a handler for live messages. The returned
	// function removes the subscription.
	SubscribeEvents(handler EventHandler) (func(), error)

	// SendMessage delivers content to a channel and returns a handle to the
	// sent message.
	SendMessage(ctx context.Context, channelID, content string) (MessageHandle, error)

	// EditMessage replaces the content of a previously sent message.
	EditMessage(ctx context.Context, handle MessageHandle, content string) error

	// Typing triggers the platform's typing indicator for a channel.
	Typing(ctx context.Context, channelID string) error
}
