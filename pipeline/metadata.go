package pipeline

import (
	"fmt"
	"strconv"
	"time"

	"github.com/guildseer/guildseer/platform"
)

// NormalizeMetadata flattens a message into the string-valued metadata map
// stored next to its document. Pure: same message, same map.
//
// A message without a usable creation timestamp cannot be checkpointed and
// is rejected; callers drop the record.
func NormalizeMetadata(msg platform.Message, c Classification) (map[string]string, error) {
	if msg.Timestamp.IsZero() {
		return nil, fmt.Errorf("message %s has no parseable timestamp", msg.ID)
	}

	meta := map[string]string{
		"message_id":         msg.ID,
		"channel_id":         msg.ChannelID,
		"author_id":          msg.Author.ID,
		"author_name":        msg.Author.FriendlyName(),
		"channel_name":       msg.ChannelName,
		"timestamp":          msg.Timestamp.UTC().Format(time.RFC3339),
		"urls_found":         strconv.FormatBool(c.HasURLs),
		"has_link_summaries": "false",
	}

	// Direct messages have no server block; server keys are omitted, the
	// record stays valid.
	if !msg.IsDM() {
		meta["server_id"] = msg.ServerID
		if msg.ServerName != "" {
			meta["server_name"] = msg.ServerName
		}
	}

	return meta, nil
}
