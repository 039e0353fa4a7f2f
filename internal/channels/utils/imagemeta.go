package utils

import (
	"bytes"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageMeta describes a decoded image header.
type ImageMeta struct {
	Format string // "png", "jpeg", "gif", "webp", "bmp", "tiff"
	Width  int
	Height int
}

// SniffImage decodes just enough of data to identify it as an image and
// report its format and dimensions. WhatsApp stickers and many chat
// platforms use webp, which the stdlib decoders don't register.
func SniffImage(data []byte) (ImageMeta, bool) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageMeta{}, false
	}
	return ImageMeta{Format: format, Width: cfg.Width, Height: cfg.Height}, true
}

// ImageMimeType returns the MIME type for a sniffed image, or "" when data
// is not a recognized image.
func ImageMimeType(data []byte) string {
	meta, ok := SniffImage(data)
	if !ok {
		return ""
	}
	switch meta.Format {
	case "jpeg":
		return "image/jpeg"
	default:
		return "image/" + meta.Format
	}
}
