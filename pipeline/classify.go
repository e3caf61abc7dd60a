// Package pipeline turns raw platform messages into enriched, searchable
// records: classification, metadata normalization, link summarization, image
// description, and the final vector store upsert.
package pipeline

import (
	"path"
	"regexp"
	"strings"

	"github.com/guildseer/guildseer/platform"
)

var (
	urlRegexp         = regexp.MustCompile(`https?://[^\s<>]+`)
	userMentionRegexp = regexp.MustCompile(`<@!?(\d+)>`)
	chanMentionRegexp = regexp.MustCompile(`<#(\d+)>`)
)

// imageContentTypes is the attachment allow-list for the vision path.
var imageContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/webp": true,
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
}

// Classification describes what a message contains, deciding which
// enrichment stages run.
type Classification struct {
	HasText     bool
	HasImages   bool
	HasURLs     bool
	HasMentions bool
	IsEmpty     bool
}

// Classify inspects a message. HasText means text beyond bare URLs; a
// message carrying only URLs and images is not "textual". IsEmpty messages
// carry nothing indexable and are skipped upstream.
func Classify(msg platform.Message) Classification {
	c := Classification{
		HasURLs:     urlRegexp.MatchString(msg.Content),
		HasMentions: userMentionRegexp.MatchString(msg.Content) || chanMentionRegexp.MatchString(msg.Content),
	}

	stripped := strings.TrimSpace(urlRegexp.ReplaceAllString(msg.Content, ""))
	c.HasText = stripped != ""

	for _, a := range msg.Attachments {
		if IsImageAttachment(a) {
			c.HasImages = true
			break
		}
	}

	c.IsEmpty = !c.HasText && !c.HasImages && !c.HasURLs
	return c
}

// IsImageAttachment reports whether an attachment passes the image
// allow-list, by content type or by filename extension when the platform
// sent no type.
func IsImageAttachment(a platform.Attachment) bool {
	if ct := normalizeContentType(a.ContentType); ct != "" {
		return imageContentTypes[ct]
	}
	return imageExtensions[strings.ToLower(path.Ext(a.Filename))]
}

func normalizeContentType(ct string) string {
	ct = strings.TrimSpace(strings.ToLower(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}
