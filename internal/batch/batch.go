// Package batch turns command line arguments into engine batch items:
// it discovers files, extracts page images from PDFs and prepares every
// image for recognition.
package batch

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/pdf"
	"github.com/MeKo-Tech/markscan/internal/utils"
)

// Config controls input discovery and preparation.
type Config struct {
	Recursive       bool
	IncludePatterns []string
	ExcludePatterns []string
	Pages           string // PDF page range, empty for all pages
	Prepare         utils.PrepareOptions
}

// ErrNoInputs is returned when discovery finds nothing to process.
var ErrNoInputs = errors.New("no image or PDF files found")

// LoadImages discovers and loads every input named by args.
func LoadImages(args []string, cfg Config) ([]engine.Image, error) {
	files, err := DiscoverFiles(args, cfg.Recursive, cfg.IncludePatterns, cfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("failed to discover input files: %w", err)
	}
	if len(files) == 0 {
		return nil, ErrNoInputs
	}

	var images []engine.Image
	for _, f := range files {
		loaded, err := loadFile(f, cfg.Pages)
		if err != nil {
			return nil, err
		}
		for _, img := range loaded {
			prepared, err := utils.PrepareImage(img, cfg.Prepare)
			if err != nil {
				return nil, fmt.Errorf("prepare %s: %w", img.Name, err)
			}
			images = append(images, prepared)
		}
	}
	if len(images) == 0 {
		return nil, ErrNoInputs
	}
	slog.Debug("Loaded inputs", "files", len(files), "images", len(images))
	return images, nil
}

func loadFile(path, pages string) ([]engine.Image, error) {
	if isPDF(path) {
		sheets, err := pdf.ExtractSheets(path, pages)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if len(sheets) == 0 {
			slog.Warn("PDF contains no page images", "file", path)
		}
		out := make([]engine.Image, len(sheets))
		for i, s := range sheets {
			out[i] = s.Image
		}
		return out, nil
	}

	img, _, err := utils.LoadImageFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return []engine.Image{img}, nil
}

// Items pairs every image with the same mark ceiling.
func Items(images []engine.Image, maxMark float64) []engine.BatchItem {
	items := make([]engine.BatchItem, len(images))
	for i, img := range images {
		items[i] = engine.BatchItem{Image: img, MaxMark: maxMark}
	}
	return items
}
