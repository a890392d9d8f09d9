// Package layout rebuilds sheet rows from an unordered set of positioned
// OCR fragments.
package layout

import (
	"math"
	"sort"

	"github.com/MeKo-Tech/markscan/internal/marks"
)

// DefaultTolerance is the share of the mean fragment height two vertical
// centers may differ by and still be considered the same row.
const DefaultTolerance = 0.7

// Config holds line grouping settings.
type Config struct {
	// Tolerance relative to the mean height of two neighbouring fragments.
	Tolerance float64
}

// DefaultConfig returns the default grouping configuration.
func DefaultConfig() Config {
	return Config{Tolerance: DefaultTolerance}
}

// LineGrouper groups fragments into rows.
type LineGrouper struct {
	config Config
}

// NewLineGrouper creates a grouper. A non-positive tolerance falls back to the default.
func NewLineGrouper(config Config) *LineGrouper {
	if config.Tolerance <= 0 || math.IsNaN(config.Tolerance) {
		config.Tolerance = DefaultTolerance
	}
	return &LineGrouper{config: config}
}

// GroupLines groups fragments using the default configuration.
func GroupLines(fragments []marks.Fragment) []marks.Line {
	return NewLineGrouper(DefaultConfig()).Group(fragments)
}

// Group sorts fragments top to bottom and walks them once. A fragment joins
// the open row when its vertical center is within tolerance of the previously
// visited fragment; otherwise the open row is closed and a new one starts.
// Rows are returned top to bottom, each sorted left to right. The input
// slice is not modified.
func (g *LineGrouper) Group(fragments []marks.Fragment) []marks.Line {
	if len(fragments) == 0 {
		return nil
	}

	sorted := make([]marks.Fragment, len(fragments))
	copy(sorted, fragments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Box.Y < sorted[j].Box.Y
	})

	var lines []marks.Line
	current := marks.Line{sorted[0]}
	for _, frag := range sorted[1:] {
		prev := current[len(current)-1]
		if g.sameRow(prev.Box, frag.Box) {
			current = append(current, frag)
			continue
		}
		lines = append(lines, closeLine(current))
		current = marks.Line{frag}
	}
	lines = append(lines, closeLine(current))

	return lines
}

func (g *LineGrouper) sameRow(prev, cur marks.BoundingBox) bool {
	avgHeight := (prev.Height + cur.Height) / 2
	return math.Abs(prev.CenterY()-cur.CenterY()) < avgHeight*g.config.Tolerance
}

func closeLine(line marks.Line) marks.Line {
	sort.SliceStable(line, func(i, j int) bool {
		return line[i].Box.X < line[j].Box.X
	})
	return line
}
