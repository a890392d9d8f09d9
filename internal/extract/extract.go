// Package extract turns reconstructed sheet rows into (student ID, mark)
// candidates.
//
// The heuristic assumes the mark is the right-most numeric token of a row
// that fits the mark scale; everything else on the row is the student
// identifier. Rows without such a token are dropped rather than reported
// with an empty mark, since without semantic understanding they cannot be
// told apart from headings or other non-data lines.
package extract

import (
	"strings"

	"github.com/MeKo-Tech/markscan/internal/layout"
	"github.com/MeKo-Tech/markscan/internal/marks"
)

// minLineFragments is the smallest row that can hold an identifier and a mark.
const minLineFragments = 2

// ExtractLine reads one row. It returns false when the row does not hold a
// recognizable record.
func ExtractLine(line marks.Line, maxMark float64) (marks.Candidate, bool) {
	if len(line) < minLineFragments {
		return marks.Candidate{}, false
	}

	var (
		mark      marks.Mark
		markFound bool
		idParts   = make([]string, 0, len(line))
	)

	for i := len(line) - 1; i >= 0; i-- {
		text := strings.TrimSpace(line[i].Text)
		if !markFound {
			if m, ok := marks.ParseMark(text, maxMark); ok {
				mark = m
				markFound = true
				continue
			}
		}
		idParts = append(idParts, text)
	}

	if !markFound || len(idParts) == 0 {
		return marks.Candidate{}, false
	}

	reverse(idParts)
	return marks.Candidate{
		StudentID: strings.TrimSpace(strings.Join(idParts, " ")),
		Mark:      mark,
	}, true
}

// ExtractLines reads every row in order and validates the results.
func ExtractLines(lines []marks.Line, maxMark float64) []marks.Candidate {
	out := make([]marks.Candidate, 0, len(lines))
	for _, line := range lines {
		c, ok := ExtractLine(line, maxMark)
		if !ok {
			continue
		}
		if c, ok = marks.ValidateCandidate(c, maxMark); ok {
			out = append(out, c)
		}
	}
	return out
}

// FromFragments runs line reconstruction and record extraction over the raw
// fragments of one image.
func FromFragments(fragments []marks.Fragment, maxMark float64) []marks.Candidate {
	return ExtractLines(layout.GroupLines(fragments), maxMark)
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
