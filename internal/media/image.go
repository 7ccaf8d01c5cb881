package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	_ "image/gif"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
)

// MaxImageBytes caps uploaded attachments at 5 MB.
const MaxImageBytes = 5 << 20

// ThumbMaxPx bounds the longest edge of generated thumbnails.
const ThumbMaxPx = 320

var (
	ErrTooLarge        = errors.New("image too large")
	ErrUnsupportedType = errors.New("unsupported image type")
)

// Sniffed content type decides the allowlist, never the client-declared one.
var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Sniff validates size and detects the real content type of an upload,
// returning the type and a matching file extension.
func Sniff(data []byte) (contentType, ext string, err error) {
	if len(data) == 0 {
		return "", "", fmt.Errorf("%w: empty upload", ErrUnsupportedType)
	}
	if len(data) > MaxImageBytes {
		return "", "", fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), MaxImageBytes)
	}
	mime := mimetype.Detect(data).String()
	ext, ok := allowedTypes[mime]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedType, mime)
	}
	return mime, ext, nil
}

// Thumbnail renders a JPEG thumbnail bounded by ThumbMaxPx. Types the
// standard decoders cannot handle (webp) yield no thumbnail and no error.
func Thumbnail(data []byte, contentType string) ([]byte, error) {
	if contentType == "image/webp" {
		return nil, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	thumb := resize.Thumbnail(ThumbMaxPx, ThumbMaxPx, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
