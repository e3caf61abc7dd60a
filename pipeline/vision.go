package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/disintegration/imaging"

	"github.com/guildseer/guildseer/ai/llm"
	"github.com/guildseer/guildseer/platform"
)

const (
	// maxImageBytes caps attachment downloads. Larger images are skipped;
	// the message is still processed from its remaining content.
	maxImageBytes = 10 << 20

	// maxImageDim is the longest edge sent to the vision model. Larger
	// images are downscaled first.
	maxImageDim = 1024

	imageFetchTimeout = 30 * time.Second

	visionPrompt = "Describe this image. Cover the main subject, a concise description, " +
		"notable details, any text visible in the image, and the likely context. " +
		"Plain prose, no headings."
)

// ImageDescriber is the vision-model surface the pipeline needs.
type ImageDescriber interface {
	DescribeImage(ctx context.Context, image []byte, mimeType, prompt string) (string, *llm.CallStats, error)
}

// VisionDescriber downloads image attachments and turns them into text
// descriptions through the vision model.
type VisionDescriber struct {
	client *http.Client
	vision ImageDescriber
}

// NewVisionDescriber creates a describer backed by the given vision model.
func NewVisionDescriber(vision ImageDescriber) *VisionDescriber {
	return &VisionDescriber{
		client: &http.Client{Timeout: imageFetchTimeout},
		vision: vision,
	}
}

// Describe returns one description per describable image attachment, in
// attachment order, prefixed "Image N:" when the message carries more than
// one image. Oversized, undecodable or failing attachments are skipped with
// a log line; the message is still processed.
func (v *VisionDescriber) Describe(ctx context.Context, attachments []platform.Attachment) []string {
	images := make([]platform.Attachment, 0, len(attachments))
	for _, a := range attachments {
		if IsImageAttachment(a) {
			images = append(images, a)
		}
	}

	var descriptions []string
	for i, att := range images {
		desc := v.describeOne(ctx, att)
		if desc == "" {
			continue
		}
		if len(images) > 1 {
			desc = fmt.Sprintf("Image %d: %s", i+1, desc)
		}
		descriptions = append(descriptions, desc)
	}
	return descriptions
}

func (v *VisionDescriber) describeOne(ctx context.Context, att platform.Attachment) string {
	if att.Size > maxImageBytes {
		slog.Warn("image attachment too large, skipped", "filename", att.Filename, "size", att.Size)
		return ""
	}

	data, mime, err := v.download(ctx, att)
	if err != nil {
		slog.Warn("image download failed", "filename", att.Filename, "error", err)
		return ""
	}

	data, mime = prepareImage(data, mime)

	desc, _, err := v.vision.DescribeImage(ctx, data, mime, visionPrompt)
	if err != nil {
		slog.Warn("image description failed", "filename", att.Filename, "error", err)
		return ""
	}
	return desc
}

func (v *VisionDescriber) download(ctx context.Context, att platform.Attachment) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > maxImageBytes {
		return nil, "", fmt.Errorf("image is %d bytes, cap is %d", resp.ContentLength, maxImageBytes)
	}

	mime := normalizeContentType(resp.Header.Get("Content-Type"))
	if mime == "" {
		mime = normalizeContentType(att.ContentType)
	}
	if !imageContentTypes[mime] {
		return nil, "", fmt.Errorf("content type %q is not an allowed image type", mime)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image exceeds the %d byte cap", maxImageBytes)
	}
	return data, mime, nil
}

// prepareImage downscales images whose longest edge exceeds maxImageDim,
// re-encoding as JPEG. Images the decoder cannot handle pass through
// unchanged.
func prepareImage(data []byte, mime string) ([]byte, string) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return data, mime
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxImageDim && bounds.Dy() <= maxImageDim {
		return data, mime
	}

	fitted := imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return data, mime
	}
	return buf.Bytes(), "image/jpeg"
}
