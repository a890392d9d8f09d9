package marks

import (
	"regexp"
	"strconv"
	"strings"
)

// markPattern accepts 1-3 integer digits with an optional 1-2 digit fraction.
// It keeps ID-like tokens such as "2021" or "12a" from being read as marks.
var markPattern = regexp.MustCompile(`^\d{1,3}(\.\d{1,2})?$`)

// ClampMark keeps v only when it lies in [0, maxMark].
func ClampMark(v, maxMark float64) Mark {
	if !isFinite(v) || v < 0 || v > maxMark {
		return NoMark()
	}
	return MarkOf(v)
}

// ParseMark reads a mark token. The trimmed text must look like a mark
// lexically and its value must lie in [0, maxMark].
func ParseMark(text string, maxMark float64) (Mark, bool) {
	text = strings.TrimSpace(text)
	if !markPattern.MatchString(text) {
		return NoMark(), false
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return NoMark(), false
	}
	m := ClampMark(v, maxMark)
	return m, m.IsSet()
}

// ValidateCandidate enforces the numeric contract on a candidate. Marks
// outside [0, maxMark] become empty; a candidate whose student ID is blank is
// rejected. The student ID itself is returned untouched.
func ValidateCandidate(c Candidate, maxMark float64) (Candidate, bool) {
	if strings.TrimSpace(c.StudentID) == "" {
		return Candidate{}, false
	}
	if v, ok := c.Mark.Value(); ok {
		c.Mark = ClampMark(v, maxMark)
	}
	return c, true
}

// ValidateCandidates applies ValidateCandidate to each candidate, keeping order.
func ValidateCandidates(cs []Candidate, maxMark float64) []Candidate {
	out := make([]Candidate, 0, len(cs))
	for _, c := range cs {
		if v, ok := ValidateCandidate(c, maxMark); ok {
			out = append(out, v)
		}
	}
	return out
}
