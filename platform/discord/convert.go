package discord

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/guildseer/guildseer/platform"
)

// discordEpoch is the Discord snowflake epoch (2015-01-01T00:00:00Z) in
// milliseconds since the Unix epoch.
const discordEpoch int64 = 1420070400000

// timeToSnowflake converts a timestamp into a synthetic snowflake usable as
// an exclusive "after" cursor. The low 22 bits are zero, so real messages in
// the same millisecond still paginate in. A zero or pre-epoch time yields an
// empty cursor (fetch from the beginning).
func timeToSnowflake(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	ms := t.UnixMilli() - discordEpoch
	if ms < 0 {
		return ""
	}
	return strconv.FormatInt(ms<<22, 10)
}

func (c *Client) convertMessage(m *discordgo.Message, serverID, channelName string) platform.Message {
	msg := platform.Message{
		ID:          m.ID,
		ServerID:    serverID,
		ChannelID:   m.ChannelID,
		ChannelName: channelName,
		Content:     m.Content,
		Timestamp:   m.Timestamp.UTC(),
		Pinned:      m.Pinned,
		HasEmbeds:   len(m.Embeds) > 0,
	}
	if serverID != "" {
		if guild, err := c.session.State.Guild(serverID); err == nil {
			msg.ServerName = guild.Name
		}
	}
	if m.EditedTimestamp != nil {
		edited := m.EditedTimestamp.UTC()
		msg.EditedAt = &edited
	}
	if m.MessageReference != nil {
		msg.ReplyToID = m.MessageReference.MessageID
	}
	if m.Author != nil {
		msg.Author = convertAuthor(m.Author, m.Member)
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, platform.Attachment{
			ID:          a.ID,
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        int64(a.Size),
		})
	}
	for _, u := range m.Mentions {
		msg.Mentions = append(msg.Mentions, convertAuthor(u, nil))
	}
	return msg
}

func convertAuthor(u *discordgo.User, member *discordgo.Member) platform.Author {
	author := platform.Author{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
	}
	if member != nil {
		author.Nickname = member.Nick
		author.DisplayName = member.Nick
	}
	return author
}

// mapError translates discordgo errors into platform error kinds.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) {
		return &platform.RateLimitError{RetryAfter: rle.RetryAfter}
	}

	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return platform.ErrForbidden
		case http.StatusNotFound:
			return platform.ErrNotFound
		case http.StatusTooManyRequests:
			return &platform.RateLimitError{}
		}
	}

	return err
}
