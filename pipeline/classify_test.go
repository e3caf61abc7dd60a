package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/guildseer/guildseer/platform"
)

func TestClassify(t *testing.T) {
	imageAtt := platform.Attachment{Filename: "shot.png", ContentType: "image/png"}
	pdfAtt := platform.Attachment{Filename: "notes.pdf", ContentType: "application/pdf"}

	tests := []struct {
		name string
		msg  platform.Message
		want Classification
	}{
		{
			name: "plain text",
			msg:  platform.Message{Content: "raid starts at nine"},
			want: Classification{HasText: true},
		},
		{
			name: "whitespace only is empty",
			msg:  platform.Message{Content: "   \n\t "},
			want: Classification{IsEmpty: true},
		},
		{
			name: "url only is not textual",
			msg:  platform.Message{Content: "https://example.test/guide"},
			want: Classification{HasURLs: true},
		},
		{
			name: "text around url",
			msg:  platform.Message{Content: "see https://example.test/guide for the strat"},
			want: Classification{HasText: true, HasURLs: true},
		},
		{
			name: "user mention counts as text",
			msg:  platform.Message{Content: "<@123456>"},
			want: Classification{HasText: true, HasMentions: true},
		},
		{
			name: "channel mention",
			msg:  platform.Message{Content: "check <#789> later"},
			want: Classification{HasText: true, HasMentions: true},
		},
		{
			name: "image attachment only",
			msg:  platform.Message{Attachments: []platform.Attachment{imageAtt}},
			want: Classification{HasImages: true},
		},
		{
			name: "non image attachment only is empty",
			msg:  platform.Message{Attachments: []platform.Attachment{pdfAtt}},
			want: Classification{IsEmpty: true},
		},
		{
			name: "mixed attachments",
			msg:  platform.Message{Content: "logs attached", Attachments: []platform.Attachment{pdfAtt, imageAtt}},
			want: Classification{HasText: true, HasImages: true},
		},
		{
			name: "nothing at all",
			msg:  platform.Message{},
			want: Classification{IsEmpty: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.msg))
		})
	}
}

func TestIsImageAttachment(t *testing.T) {
	tests := []struct {
		name string
		att  platform.Attachment
		want bool
	}{
		{"content type png", platform.Attachment{ContentType: "image/png"}, true},
		{"content type with params", platform.Attachment{ContentType: "IMAGE/JPEG; charset=utf-8"}, true},
		{"content type webp", platform.Attachment{ContentType: "image/webp"}, true},
		{"svg not allowed", platform.Attachment{ContentType: "image/svg+xml"}, false},
		{"pdf", platform.Attachment{ContentType: "application/pdf", Filename: "a.pdf"}, false},
		{"extension fallback", platform.Attachment{Filename: "SHOT.PNG"}, true},
		{"extension fallback gif", platform.Attachment{Filename: "clip.gif"}, true},
		{"unknown extension", platform.Attachment{Filename: "archive.tar.gz"}, false},
		{"content type wins over extension", platform.Attachment{ContentType: "text/plain", Filename: "fake.png"}, false},
		{"nothing known", platform.Attachment{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsImageAttachment(tt.att))
		})
	}
}
