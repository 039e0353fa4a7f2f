package utils

import (
	"bytes"
	"image"
	"image/png"
	"testing"
)

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestSniffImagePNG(t *testing.T) {
	meta, ok := SniffImage(pngBytes(t, 12, 8))
	if !ok {
		t.Fatal("expected png to be recognized")
	}
	if meta.Format != "png" {
		t.Errorf("Format = %q, want png", meta.Format)
	}
	if meta.Width != 12 || meta.Height != 8 {
		t.Errorf("dimensions = %dx%d, want 12x8", meta.Width, meta.Height)
	}
}

func TestSniffImageNonImage(t *testing.T) {
	if _, ok := SniffImage([]byte("just text, not pixels")); ok {
		t.Error("text should not sniff as an image")
	}
	if _, ok := SniffImage(nil); ok {
		t.Error("empty data should not sniff as an image")
	}
}

func TestImageMimeType(t *testing.T) {
	if got := ImageMimeType(pngBytes(t, 1, 1)); got != "image/png" {
		t.Errorf("ImageMimeType = %q, want image/png", got)
	}
	if got := ImageMimeType([]byte("nope")); got != "" {
		t.Errorf("ImageMimeType on text = %q, want empty", got)
	}
}
