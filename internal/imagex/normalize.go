// Package imagex prepares message attachments for vision models, which
// accept png/jpeg/gif but usually not webp.
package imagex

import (
	"bytes"
	"fmt"
	"image/png"
	"strings"

	"golang.org/x/image/webp"
)

// MaxImageBytes caps what we will download and ship to a model.
const MaxImageBytes = 8 * 1024 * 1024

// Normalize converts attachment bytes into a model-acceptable format.
// webp gets transcoded to png; already-acceptable formats pass through.
func Normalize(data []byte, contentType string) (mime string, out []byte, err error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch ct {
	case "image/png", "image/jpeg", "image/gif":
		return ct, data, nil
	case "image/webp":
		img, err := webp.Decode(bytes.NewReader(data))
		if err != nil {
			return "", nil, fmt.Errorf("decode webp: %w", err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return "", nil, fmt.Errorf("encode png: %w", err)
		}
		return "image/png", buf.Bytes(), nil
	default:
		return "", nil, fmt.Errorf("unsupported image type %q", contentType)
	}
}
