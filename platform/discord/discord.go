// Package discord implements the platform.Client boundary on top of the
// discordgo gateway and REST API.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/guildseer/guildseer/platform"
)

// Compile-time interface check.
var _ platform.Client = (*Client)(nil)

// Client wraps a discordgo session.
type Client struct {
	session *discordgo.Session
	botID   string
}

// New creates a Discord client from a bot token. The session is not opened
// until Open is called.
func New(token string) (*Client, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	// The rate governor owns retry policy. Let 429s surface instead of
	// blocking inside the SDK.
	session.ShouldRetryOnRateLimit = false

	return &Client{session: session}, nil
}

// Open establishes the gateway connection and records the bot user ID.
func (c *Client) Open(ctx context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", mapError(err))
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.botID = c.session.State.User.ID
	}
	if c.botID == "" {
		user, err := c.session.User("@me", discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("identify bot user: %w", mapError(err))
		}
		c.botID = user.ID
	}
	return nil
}

func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) BotUserID() string {
	return c.botID
}

// ListServers returns the guilds the bot is a member of, preferring gateway
// state over a REST round trip.
func (c *Client) ListServers(ctx context.Context) ([]platform.Server, error) {
	if c.session.State != nil && len(c.session.State.Guilds) > 0 {
		servers := make([]platform.Server, 0, len(c.session.State.Guilds))
		for _, g := range c.session.State.Guilds {
			servers = append(servers, platform.Server{ID: g.ID, Name: g.Name})
		}
		return servers, nil
	}

	guilds, err := c.session.UserGuilds(200, "", "", false, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list guilds: %w", mapError(err))
	}
	servers := make([]platform.Server, 0, len(guilds))
	for _, g := range guilds {
		servers = append(servers, platform.Server{ID: g.ID, Name: g.Name})
	}
	return servers, nil
}

// ListChannels returns the text channels of a guild the bot can read history
// from. Channels whose permissions cannot be resolved from state are kept;
// a Forbidden error at fetch time skips them later.
func (c *Client) ListChannels(ctx context.Context, serverID string) ([]platform.Channel, error) {
	chans, err := c.session.GuildChannels(serverID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list channels for guild %s: %w", serverID, mapError(err))
	}

	const needed = discordgo.PermissionViewChannel | discordgo.PermissionReadMessageHistory

	channels := make([]platform.Channel, 0, len(chans))
	for _, ch := range chans {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		if perms, err := c.session.State.UserChannelPermissions(c.botID, ch.ID); err == nil {
			if perms&needed != int64(needed) {
				slog.Debug("excluding unreadable channel", "channel_id", ch.ID, "channel_name", ch.Name)
				continue
			}
		}
		channels = append(channels, platform.Channel{
			ID:       ch.ID,
			ServerID: serverID,
			Name:     ch.Name,
			Topic:    ch.Topic,
		})
	}
	return channels, nil
}

// FetchMessages returns up to limit messages strictly after the given
// timestamp, oldest first. Discord pages are capped at 100, so larger limits
// are fetched page by page.
func (c *Client) FetchMessages(ctx context.Context, channel platform.Channel, limit int, after time.Time) ([]platform.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	afterID := timeToSnowflake(after)
	collected := make([]platform.Message, 0, limit)

	for len(collected) < limit {
		pageSize := limit - len(collected)
		if pageSize > 100 {
			pageSize = 100
		}

		page, err := c.session.ChannelMessages(channel.ID, pageSize, "", afterID, "", discordgo.WithContext(ctx))
		if err != nil {
			return collected, fmt.Errorf("fetch messages for channel %s: %w", channel.ID, mapError(err))
		}
		if len(page) == 0 {
			break
		}

		// Discord orders pages newest first unless anchored; normalize to
		// chronological before advancing the cursor.
		sort.Slice(page, func(i, j int) bool { return page[i].Timestamp.Before(page[j].Timestamp) })

		for _, m := range page {
			collected = append(collected, c.convertMessage(m, channel.ServerID, channel.Name))
		}
		afterID = page[len(page)-1].ID

		if len(page) < pageSize {
			break
		}
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].Timestamp.Before(collected[j].Timestamp) })
	return collected, nil
}

// SubscribeEvents registers a live message handler. The bot's own messages
// are filtered out at the source.
func (c *Client) SubscribeEvents(handler platform.EventHandler) (func(), error) {
	remove := c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.ID == c.botID {
			return
		}
		channelName := ""
		if ch, err := c.session.State.Channel(m.ChannelID); err == nil {
			channelName = ch.Name
		}
		handler(c.convertMessage(m.Message, m.GuildID, channelName))
	})
	return remove, nil
}

func (c *Client) SendMessage(ctx context.Context, channelID, content string) (platform.MessageHandle, error) {
	msg, err := c.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return platform.MessageHandle{}, fmt.Errorf("send message to channel %s: %w", channelID, mapError(err))
	}
	return platform.MessageHandle{ChannelID: channelID, MessageID: msg.ID}, nil
}

func (c *Client) EditMessage(ctx context.Context, handle platform.MessageHandle, content string) error {
	if _, err := c.session.ChannelMessageEdit(handle.ChannelID, handle.MessageID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit message %s: %w", handle.MessageID, mapError(err))
	}
	return nil
}

func (c *Client) Typing(ctx context.Context, channelID string) error {
	if err := c.session.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("typing indicator for channel %s: %w", channelID, mapError(err))
	}
	return nil
}
