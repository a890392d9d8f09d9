package support

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/markscan/internal/extract"
	"github.com/MeKo-Tech/markscan/internal/layout"
	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/testutil"
	"github.com/cucumber/godog"
)

// RegisterSheetSteps registers line reconstruction, record extraction and
// validation steps.
func (testCtx *TestContext) RegisterSheetSteps(sc *godog.ScenarioContext) {
	sc.Step(`^no text fragments$`, testCtx.noTextFragments)
	sc.Step(`^the text fragments:$`, testCtx.theTextFragments)
	sc.Step(`^a sheet with rows:$`, testCtx.aSheetWithRows)
	sc.Step(`^the fragments are grouped into lines$`, testCtx.theFragmentsAreGroupedIntoLines)
	sc.Step(`^there (?:is|are) (\d+) lines?$`, testCtx.thereAreLines)
	sc.Step(`^the lines read:$`, testCtx.theLinesRead)
	sc.Step(`^every fragment appears in exactly one line$`, testCtx.everyFragmentAppearsInExactlyOneLine)

	sc.Step(`^a row reading "([^"]*)"$`, testCtx.aRowReading)
	sc.Step(`^the row is read with maximum mark (\S+)$`, testCtx.theRowIsReadWithMaximumMark)
	sc.Step(`^the lines are read with maximum mark (\S+)$`, testCtx.theLinesAreReadWithMaximumMark)
	sc.Step(`^the sheet is read with maximum mark (\S+)$`, testCtx.theSheetIsReadWithMaximumMark)
	sc.Step(`^the candidate is "([^"]*)" with mark "([^"]*)"$`, testCtx.theCandidateIs)
	sc.Step(`^no candidate is extracted$`, testCtx.noCandidateIsExtracted)
	sc.Step(`^the candidates are:$`, testCtx.theCandidatesAre)

	sc.Step(`^the raw candidates:$`, testCtx.theRawCandidates)
	sc.Step(`^the candidates are validated with maximum mark (\S+)$`, testCtx.theCandidatesAreValidated)
}

func parseMaxMark(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid maximum mark %q: %w", s, err)
	}
	return v, nil
}

func (testCtx *TestContext) noTextFragments() error {
	testCtx.Fragments = nil
	return nil
}

// theTextFragments reads a table with the header text | x | y | width | height.
func (testCtx *TestContext) theTextFragments(table *godog.Table) error {
	if len(table.Rows) < 2 {
		return fmt.Errorf("fragment table needs a header and at least one row")
	}
	for i, row := range table.Rows[1:] {
		if len(row.Cells) != 5 {
			return fmt.Errorf("row %d: expected 5 cells, got %d", i+1, len(row.Cells))
		}
		var nums [4]float64
		for j := range nums {
			v, err := strconv.ParseFloat(row.Cells[j+1].Value, 64)
			if err != nil {
				return fmt.Errorf("row %d: %w", i+1, err)
			}
			nums[j] = v
		}
		testCtx.Fragments = append(testCtx.Fragments, marks.Fragment{
			Text: row.Cells[0].Value,
			Box:  marks.BoundingBox{X: nums[0], Y: nums[1], Width: nums[2], Height: nums[3]},
		})
	}
	return nil
}

// aSheetWithRows lays out one printed row per table row, words split on spaces.
func (testCtx *TestContext) aSheetWithRows(table *godog.Table) error {
	rows := make([]testutil.SheetRow, 0, len(table.Rows))
	for _, text := range singleColumn(table) {
		rows = append(rows, testutil.SheetRow(strings.Fields(text)))
	}
	testCtx.Fragments = testutil.Fragments(rows...)
	return nil
}

func (testCtx *TestContext) theFragmentsAreGroupedIntoLines() error {
	testCtx.Lines = layout.GroupLines(testCtx.Fragments)
	return nil
}

func (testCtx *TestContext) thereAreLines(n int) error {
	if len(testCtx.Lines) != n {
		return fmt.Errorf("expected %d lines, got %d", n, len(testCtx.Lines))
	}
	return nil
}

func (testCtx *TestContext) theLinesRead(table *godog.Table) error {
	want := singleColumn(table)
	if len(want) != len(testCtx.Lines) {
		return fmt.Errorf("expected %d lines, got %d", len(want), len(testCtx.Lines))
	}
	for i, line := range testCtx.Lines {
		if got := strings.Join(line.Texts(), " "); got != want[i] {
			return fmt.Errorf("line %d: expected %q, got %q", i+1, want[i], got)
		}
	}
	return nil
}

func (testCtx *TestContext) everyFragmentAppearsInExactlyOneLine() error {
	counts := make(map[marks.Fragment]int, len(testCtx.Fragments))
	for _, f := range testCtx.Fragments {
		counts[f]++
	}
	total := 0
	for _, line := range testCtx.Lines {
		if len(line) == 0 {
			return fmt.Errorf("empty line in output")
		}
		for _, f := range line {
			counts[f]--
			total++
		}
	}
	if total != len(testCtx.Fragments) {
		return fmt.Errorf("expected %d fragments across lines, got %d", len(testCtx.Fragments), total)
	}
	for f, n := range counts {
		if n != 0 {
			return fmt.Errorf("fragment %q is off by %d", f.Text, n)
		}
	}
	return nil
}

// aRowReading builds a single physical row from space separated words.
func (testCtx *TestContext) aRowReading(text string) error {
	words := strings.Fields(text)
	testCtx.Line = make(marks.Line, len(words))
	for i, w := range words {
		testCtx.Line[i] = marks.Fragment{
			Text: w,
			Box:  marks.BoundingBox{X: float64(10 + i*120), Y: 50, Width: 100, Height: 20},
		}
	}
	return nil
}

func (testCtx *TestContext) theRowIsReadWithMaximumMark(raw string) error {
	maxMark, err := parseMaxMark(raw)
	if err != nil {
		return err
	}
	testCtx.Candidates = nil
	if c, ok := extract.ExtractLine(testCtx.Line, maxMark); ok {
		testCtx.Candidates = []marks.Candidate{c}
	}
	testCtx.Extracted = true
	return nil
}

func (testCtx *TestContext) theLinesAreReadWithMaximumMark(raw string) error {
	maxMark, err := parseMaxMark(raw)
	if err != nil {
		return err
	}
	testCtx.Candidates = extract.ExtractLines(testCtx.Lines, maxMark)
	testCtx.Extracted = true
	return nil
}

func (testCtx *TestContext) theSheetIsReadWithMaximumMark(raw string) error {
	maxMark, err := parseMaxMark(raw)
	if err != nil {
		return err
	}
	testCtx.Candidates = extract.FromFragments(testCtx.Fragments, maxMark)
	testCtx.Extracted = true
	return nil
}

func (testCtx *TestContext) theCandidateIs(studentID, mark string) error {
	m, err := parseMark(mark)
	if err != nil {
		return err
	}
	return compareCandidates([]marks.Candidate{{StudentID: studentID, Mark: m}}, testCtx.Candidates)
}

func (testCtx *TestContext) noCandidateIsExtracted() error {
	if !testCtx.Extracted {
		return fmt.Errorf("nothing was read yet")
	}
	if len(testCtx.Candidates) != 0 {
		return fmt.Errorf("expected no candidates, got %v", testCtx.Candidates)
	}
	return nil
}

func (testCtx *TestContext) theCandidatesAre(table *godog.Table) error {
	want, err := candidatesFromTable(table)
	if err != nil {
		return err
	}
	return compareCandidates(want, testCtx.Candidates)
}

func (testCtx *TestContext) theRawCandidates(table *godog.Table) error {
	cs, err := candidatesFromTable(table)
	if err != nil {
		return err
	}
	testCtx.Candidates = cs
	return nil
}

func (testCtx *TestContext) theCandidatesAreValidated(raw string) error {
	maxMark, err := parseMaxMark(raw)
	if err != nil {
		return err
	}
	testCtx.Candidates = marks.ValidateCandidates(testCtx.Candidates, maxMark)
	return nil
}
