package utils

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// SupportedImageExtensions lists file extensions accepted by LoadImageFile.
var SupportedImageExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".bmp"}

// IsSupportedImage reports whether the path has a supported image extension.
func IsSupportedImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range SupportedImageExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// ImageMetadata captures lightweight file and pixel information.
type ImageMetadata struct {
	Path      string
	Format    string
	SizeBytes int64
	Width     int
	Height    int
}

// DetectMIME sniffs the content type of image bytes.
func DetectMIME(data []byte) string {
	mime := http.DetectContentType(data)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.TrimSpace(mime)
}

// LoadImageFile reads an image from disk. Formats the engines cannot take
// directly (BMP) are re-encoded as PNG.
func LoadImageFile(path string) (engine.Image, ImageMetadata, error) {
	if path == "" {
		return engine.Image{}, ImageMetadata{}, &ImageProcessingError{Operation: "load", Err: errors.New("empty path")}
	}
	if !IsSupportedImage(path) {
		err := &ImageProcessingError{Operation: "load", Err: fmt.Errorf("unsupported format: %s", filepath.Ext(path))}
		return engine.Image{}, ImageMetadata{}, err
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: reading a user-provided image path is expected
	if err != nil {
		return engine.Image{}, ImageMetadata{}, &ImageProcessingError{Operation: "load", Err: err}
	}

	img, meta, err := LoadImageBytes(filepath.Base(path), data)
	if err != nil {
		return engine.Image{}, ImageMetadata{}, err
	}
	meta.Path = path
	return img, meta, nil
}

// LoadImageBytes validates in-memory image data and determines its MIME type.
func LoadImageBytes(name string, data []byte) (engine.Image, ImageMetadata, error) {
	if len(data) == 0 {
		return engine.Image{}, ImageMetadata{}, &ImageProcessingError{Operation: "load", Err: errors.New("empty image data")}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return engine.Image{}, ImageMetadata{}, &ImageProcessingError{Operation: "decode", Err: err}
	}
	meta := ImageMetadata{
		Format:    format,
		SizeBytes: int64(len(data)),
		Width:     cfg.Width,
		Height:    cfg.Height,
	}

	mime := DetectMIME(data)
	if !engine.IsSupportedMIME(mime) {
		slog.Debug("Re-encoding image as PNG", "name", name, "format", format)
		decoded, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			return engine.Image{}, ImageMetadata{}, &ImageProcessingError{Operation: "decode", Err: err}
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, decoded, imaging.PNG); err != nil {
			return engine.Image{}, ImageMetadata{}, &ImageProcessingError{Operation: "encode", Err: err}
		}
		data = buf.Bytes()
		mime = engine.MIMEPNG
	}

	return engine.Image{Name: name, Data: data, MIMEType: mime}, meta, nil
}
