package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"
	"golang.org/x/image/webp"
)

// TesseractLoader loads a gosseract client configured from DeviceConfig.
type TesseractLoader struct {
	languages     []string
	pageSegMode   int
	minConfidence float64
	newClient     func() *gosseract.Client
}

// NewTesseractLoader returns a loader for the local Tesseract installation.
func NewTesseractLoader(cfg DeviceConfig) *TesseractLoader {
	return &TesseractLoader{
		languages:     cfg.Languages,
		pageSegMode:   cfg.PageSegMode,
		minConfidence: cfg.MinConfidence,
		newClient:     gosseract.NewClient,
	}
}

// Available reports whether the Tesseract library answers with a version.
func (l *TesseractLoader) Available() (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return strings.TrimSpace(gosseract.Version()) != ""
}

// Load creates and configures the client.
func (l *TesseractLoader) Load(ctx context.Context) (TextDetector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client := l.newClient()
	if len(l.languages) > 0 {
		if err := client.SetLanguage(l.languages...); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("set tesseract languages %v: %w", l.languages, err)
		}
	}
	if l.pageSegMode > 0 {
		if err := client.SetPageSegMode(gosseract.PageSegMode(l.pageSegMode)); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("set tesseract page segmentation mode %d: %w", l.pageSegMode, err)
		}
	}
	slog.Debug("Tesseract client loaded", "version", gosseract.Version(), "languages", l.languages)
	return &tesseractDetector{client: client, minConfidence: l.minConfidence}, nil
}

// tesseractDetector serializes access to the client, which is not safe for
// concurrent use.
type tesseractDetector struct {
	mu            sync.Mutex
	client        *gosseract.Client
	minConfidence float64
}

func (d *tesseractDetector) Detect(ctx context.Context, img Image) ([]marks.Fragment, error) {
	data, err := tesseractInput(img)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.client.SetImageFromBytes(data); err != nil {
		return nil, fmt.Errorf("set tesseract image: %w", err)
	}
	boxes, err := d.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("tesseract word boxes: %w", err)
	}

	fragments := make([]marks.Fragment, 0, len(boxes))
	for _, b := range boxes {
		if strings.TrimSpace(b.Word) == "" || b.Confidence < d.minConfidence {
			continue
		}
		fragments = append(fragments, marks.Fragment{
			Text: b.Word,
			Box: marks.BoundingBox{
				X:      float64(b.Box.Min.X),
				Y:      float64(b.Box.Min.Y),
				Width:  float64(b.Box.Dx()),
				Height: float64(b.Box.Dy()),
			},
		})
	}
	return fragments, nil
}

func (d *tesseractDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client.Close()
}

// tesseractInput converts WEBP to PNG since Leptonica builds often lack WEBP
// support. Other formats are passed through.
func tesseractInput(img Image) ([]byte, error) {
	if img.MIMEType != MIMEWEBP {
		return img.Data, nil
	}
	decoded, err := webp.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, newError(ErrExtraction, string(KindDevice),
			"Failed to extract marks from the image. The image could not be decoded.", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, decoded, imaging.PNG); err != nil {
		return nil, fmt.Errorf("re-encode webp as png: %w", err)
	}
	return buf.Bytes(), nil
}
