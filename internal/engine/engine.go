// Package engine adapts OCR back ends to a single extraction contract:
// image bytes in, validated (student ID, mark) candidates out.
//
// Two variants exist. The cloud engine asks a hosted multimodal model for
// the records directly. The device engine runs a local text detector and
// rebuilds the records from positioned fragments.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/MeKo-Tech/markscan/internal/marks"
)

// Supported image MIME types.
const (
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
	MIMEWEBP = "image/webp"
)

// Image is one submitted sheet photo or scan.
type Image struct {
	Name     string
	Data     []byte
	MIMEType string
}

// Engine extracts candidates from a single image.
type Engine interface {
	Name() string
	Extract(ctx context.Context, img Image, maxMark float64) ([]marks.Candidate, error)
}

// Kind selects an engine variant.
type Kind string

// Engine kinds.
const (
	KindCloud  Kind = "cloud"
	KindDevice Kind = "device"
)

// ParseKind parses an engine kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCloud, KindDevice:
		return k, nil
	default:
		return "", fmt.Errorf("unknown engine %q (must be one of: cloud, device)", s)
	}
}

// Config selects and configures an engine.
type Config struct {
	Kind   Kind
	Cloud  CloudConfig
	Device DeviceConfig
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Kind:   KindCloud,
		Cloud:  DefaultCloudConfig(),
		Device: DefaultDeviceConfig(),
	}
}

// New builds the engine selected by cfg.Kind.
func New(ctx context.Context, cfg Config) (Engine, error) {
	switch cfg.Kind {
	case KindCloud, "":
		return NewCloudEngine(ctx, cfg.Cloud)
	case KindDevice:
		return NewDeviceEngine(cfg.Device, NewTesseractLoader(cfg.Device)), nil
	default:
		return nil, newError(ErrConfiguration, string(cfg.Kind),
			fmt.Sprintf("unknown OCR engine %q", cfg.Kind), nil)
	}
}

// IsSupportedMIME reports whether the MIME type can be submitted for extraction.
func IsSupportedMIME(mimeType string) bool {
	switch mimeType {
	case MIMEPNG, MIMEJPEG, MIMEWEBP:
		return true
	default:
		return false
	}
}
