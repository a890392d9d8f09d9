// Package pdf pulls scanned mark sheet images out of PDF files.
package pdf

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/utils"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Sheet is an image extracted from a PDF page.
type Sheet struct {
	Page  int
	Image engine.Image
}

// ExtractSheets extracts the embedded images of a PDF, ordered by page and
// then by extraction order. Images that cannot be decoded are skipped.
func ExtractSheets(filename string, pageRange string) ([]Sheet, error) {
	pageNumbers, err := parsePageRange(pageRange)
	if err != nil {
		return nil, fmt.Errorf("invalid page range %q: %w", pageRange, err)
	}

	tempDir, err := os.MkdirTemp("", "markscan-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(tempDir) }()

	var pageStrings []string
	if len(pageNumbers) > 0 {
		pageStrings = make([]string, len(pageNumbers))
		for i, pageNum := range pageNumbers {
			pageStrings[i] = strconv.Itoa(pageNum)
		}
	}

	if err := api.ExtractImagesFile(filename, tempDir, pageStrings, nil); err != nil {
		return nil, fmt.Errorf("failed to extract images from PDF: %w", err)
	}

	sheets, err := collectExtractedImages(tempDir, filepath.Base(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to process extracted images: %w", err)
	}
	slog.Debug("Extracted PDF images", "file", filename, "images", len(sheets))
	return sheets, nil
}

// collectExtractedImages loads every page image written to dir.
func collectExtractedImages(dir, source string) ([]Sheet, error) {
	var sheets []Sheet
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		page, err := parsePageFromFilename(d.Name())
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(path) //nolint:gosec // G304: path is inside our temp dir
		if err != nil {
			return nil
		}
		name := fmt.Sprintf("%s#page%d/%s", source, page, d.Name())
		img, _, err := utils.LoadImageBytes(name, data)
		if err != nil {
			slog.Debug("Skipping unreadable PDF image", "file", d.Name(), "error", err)
			return nil
		}
		sheets = append(sheets, Sheet{Page: page, Image: img})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(sheets, func(i, j int) bool { return sheets[i].Page < sheets[j].Page })
	return sheets, nil
}

// pdfcpuName matches "<base>_<page>_<image>.<ext>".
var pdfcpuName = regexp.MustCompile(`_(\d+)_[^_]+\.[A-Za-z0-9]+$`)

// parsePageFromFilename extracts the page number from an extracted image name.
// Both "page_<n>_image_<i>.<ext>" and pdfcpu's "<base>_<n>_<name>.<ext>" are
// understood.
func parsePageFromFilename(filename string) (int, error) {
	if strings.HasPrefix(filename, "page_") {
		parts := strings.Split(filename, "_")
		if len(parts) < 2 {
			return 0, errors.New("invalid filename format")
		}
		pageNum, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, errors.New("invalid page number")
		}
		return pageNum, nil
	}

	m := pdfcpuName.FindStringSubmatch(filename)
	if m == nil {
		return 0, errors.New("not a page file")
	}
	return strconv.Atoi(m[1])
}

// parsePageRange parses a page range string like "1-5" or "1,3,5".
func parsePageRange(pageRange string) ([]int, error) {
	if strings.TrimSpace(pageRange) == "" {
		return nil, nil
	}

	var pages []int
	for _, part := range strings.Split(pageRange, ",") {
		tokenPages, err := parseRangeToken(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		pages = append(pages, tokenPages...)
	}
	return pages, nil
}

// parseRangeToken parses either a single page token (e.g., "3") or a range token (e.g., "1-5").
func parseRangeToken(part string) ([]int, error) {
	if strings.Contains(part, "-") {
		rangeParts := strings.Split(part, "-")
		if len(rangeParts) != 2 {
			return nil, fmt.Errorf("invalid range format: %s", part)
		}
		start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid start page: %s", rangeParts[0])
		}
		end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid end page: %s", rangeParts[1])
		}
		if start < 1 {
			return nil, fmt.Errorf("page numbers start at 1, got %d", start)
		}
		if start > end {
			return nil, fmt.Errorf("start page %d greater than end page %d", start, end)
		}
		out := make([]int, 0, end-start+1)
		for i := start; i <= end; i++ {
			out = append(out, i)
		}
		return out, nil
	}
	page, err := strconv.Atoi(part)
	if err != nil {
		return nil, fmt.Errorf("invalid page number: %s", part)
	}
	if page < 1 {
		return nil, fmt.Errorf("page numbers start at 1, got %d", page)
	}
	return []int{page}, nil
}
