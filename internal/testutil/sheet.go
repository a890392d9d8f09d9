package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/stretchr/testify/require"
)

// PNG returns a blank white PNG of the given size.
func PNG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, blank(width, height)))
	return buf.Bytes()
}

// JPEG returns a blank white JPEG of the given size.
func JPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, blank(width, height), &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func blank(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.Set(x, y, color.White)
		}
	}
	return img
}

// SheetRow describes one printed row of a synthetic mark sheet.
type SheetRow []string

// Fragments lays the rows out as positioned word fragments, the way a text
// detector reports a tidy sheet: rows 40px apart, words 120px apart, each
// 20px tall. Fragments are returned column-major so callers cannot rely on
// input order.
func Fragments(rows ...SheetRow) []marks.Fragment {
	var maxCols int
	for _, r := range rows {
		maxCols = max(maxCols, len(r))
	}
	var out []marks.Fragment
	for col := range maxCols {
		for row, r := range rows {
			if col >= len(r) {
				continue
			}
			out = append(out, marks.Fragment{
				Text: r[col],
				Box: marks.BoundingBox{
					X:      float64(10 + col*120),
					Y:      float64(10+row*40) + float64(col%2)*2,
					Width:  100,
					Height: 20,
				},
			})
		}
	}
	return out
}
