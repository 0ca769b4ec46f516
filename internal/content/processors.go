package content

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
)

// ExcerptLength is the rune length of text excerpts
const ExcerptLength = 140

// Processor transforms one content item and returns the metadata to store
type Processor func(ctx context.Context, c *Content) (map[string]any, error)

var validate = validator.New()

// mediaTypes maps file extensions to MIME types per media family. The
// system table is consulted for anything missing here.
var mediaTypes = map[MediaType]map[string]string{
	MediaImage: {
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".png":  "image/png",
		".gif":  "image/gif",
		".webp": "image/webp",
		".avif": "image/avif",
	},
	MediaAudio: {
		".mp3":  "audio/mpeg",
		".wav":  "audio/wav",
		".ogg":  "audio/ogg",
		".m4a":  "audio/mp4",
		".flac": "audio/flac",
	},
	MediaVideo: {
		".mp4":  "video/mp4",
		".webm": "video/webm",
		".mov":  "video/quicktime",
		".mkv":  "video/x-matroska",
	},
}

// DefaultProcessors returns the dispatch table for every supported media type
func DefaultProcessors() map[MediaType]Processor {
	return map[MediaType]Processor{
		MediaText:  ProcessText,
		MediaImage: mediaProcessor(MediaImage),
		MediaAudio: mediaProcessor(MediaAudio),
		MediaVideo: mediaProcessor(MediaVideo),
	}
}

// ProcessText normalises whitespace and derives word count and excerpt
func ProcessText(_ context.Context, c *Content) (map[string]any, error) {
	detected := mimetype.Detect([]byte(c.Body))
	if !isText(detected) {
		return nil, job.Permanent(fmt.Errorf("content %s: body is %s, not text", c.ID, detected.String()))
	}

	words := strings.Fields(c.Body)
	normalized := strings.Join(words, " ")

	return map[string]any{
		"mimeType":   detected.String(),
		"wordCount":  len(words),
		"charCount":  utf8.RuneCountInString(normalized),
		"excerpt":    excerpt(normalized, ExcerptLength),
		"normalized": normalized,
	}, nil
}

// isText accepts text/plain and anything derived from it, such as JSON
func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func excerpt(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	cut := strings.TrimRight(string(runes[:n]), " ")
	return cut + "..."
}

func mediaProcessor(kind MediaType) Processor {
	return func(_ context.Context, c *Content) (map[string]any, error) {
		if err := validate.Var(c.MediaURL, "required,http_url"); err != nil {
			return nil, job.Permanent(fmt.Errorf("content %s: invalid media url %q", c.ID, c.MediaURL))
		}
		u, err := url.Parse(c.MediaURL)
		if err != nil {
			return nil, job.Permanent(fmt.Errorf("content %s: invalid media url: %w", c.ID, err))
		}

		ext := strings.ToLower(path.Ext(u.Path))
		if ext == "" {
			return nil, job.Permanent(fmt.Errorf("content %s: media url has no file extension", c.ID))
		}

		mimeType, ok := mediaTypes[kind][ext]
		if !ok {
			mimeType, _, _ = mime.ParseMediaType(mime.TypeByExtension(ext))
		}
		if !strings.HasPrefix(mimeType, string(kind)+"/") {
			return nil, job.Permanent(fmt.Errorf("content %s: extension %s is not %s media", c.ID, ext, kind))
		}

		return map[string]any{
			"mimeType":  mimeType,
			"extension": ext,
			"host":      u.Host,
			"fileName":  path.Base(u.Path),
		}, nil
	}
}
