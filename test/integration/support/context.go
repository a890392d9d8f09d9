// Package support holds the step definitions of the markscan feature suite.
// Scenarios drive the library packages and the HTTP server in process; no
// real OCR back end is contacted.
package support

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/reconcile"
	"github.com/MeKo-Tech/markscan/internal/store"
	"github.com/cucumber/godog"
)

// TestContext holds the state of a single scenario.
type TestContext struct {
	TempDir string

	// Sheet reconstruction
	Fragments  []marks.Fragment
	Lines      []marks.Line
	Line       marks.Line
	Candidates []marks.Candidate
	Extracted  bool

	// Reconciliation
	Reconciler *reconcile.Reconciler
	Result     reconcile.Result

	// Engines
	Active   engine.Engine
	Loader   *CountingLoader
	Detector *StaticDetector
	Device   *engine.DeviceEngine
	Model    *ScriptedModel
	Stub     *SheetEngine
	Results  [][]marks.Candidate
	Errors   []error
	LastErr  error

	// HTTP
	Store      *store.Store
	Server     *httptest.Server
	Sessions   map[string]string // name to ID
	Review     []marks.StudentMark
	LastStatus int
	LastHeader http.Header
	LastBody   []byte
}

// NewTestContext creates a scenario context with its own temp directory.
func NewTestContext() (*TestContext, error) {
	tempDir, err := os.MkdirTemp("", "markscan-features-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return &TestContext{
		TempDir:    tempDir,
		Reconciler: reconcile.New(),
		Sessions:   make(map[string]string),
	}, nil
}

// Cleanup stops the server, releases engines and removes the temp directory.
func (testCtx *TestContext) Cleanup() error {
	var errs []error

	if testCtx.Server != nil {
		testCtx.Server.Close()
		testCtx.Server = nil
	}
	if testCtx.Device != nil {
		if err := testCtx.Device.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close device engine: %w", err))
		}
	}
	if err := os.RemoveAll(testCtx.TempDir); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to remove temp directory %s: %w", testCtx.TempDir, err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}

// parseMark reads a mark cell; an empty cell or "null" is no mark.
func parseMark(cell string) (marks.Mark, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" || cell == "null" {
		return marks.NoMark(), nil
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return marks.NoMark(), fmt.Errorf("invalid mark %q: %w", cell, err)
	}
	return marks.MarkOf(v), nil
}

// candidatesFromTable reads a two-column student ID / mark table. A header
// row starting with "student_id" is skipped.
func candidatesFromTable(table *godog.Table) ([]marks.Candidate, error) {
	var out []marks.Candidate
	for i, row := range table.Rows {
		if len(row.Cells) != 2 {
			return nil, fmt.Errorf("row %d: expected 2 cells, got %d", i+1, len(row.Cells))
		}
		if i == 0 && row.Cells[0].Value == "student_id" {
			continue
		}
		m, err := parseMark(row.Cells[1].Value)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		out = append(out, marks.Candidate{StudentID: row.Cells[0].Value, Mark: m})
	}
	return out, nil
}

// singleColumn returns the first cell of every row.
func singleColumn(table *godog.Table) []string {
	out := make([]string, 0, len(table.Rows))
	for _, row := range table.Rows {
		if len(row.Cells) > 0 {
			out = append(out, row.Cells[0].Value)
		}
	}
	return out
}

// splitCSVList splits "a, b, c" into its trimmed parts.
func splitCSVList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func compareCandidates(want, got []marks.Candidate) error {
	if len(want) != len(got) {
		return fmt.Errorf("expected %d candidates, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if want[i].StudentID != got[i].StudentID || !want[i].Mark.Equal(got[i].Mark) {
			return fmt.Errorf("candidate %d: expected %s=%s, got %s=%s",
				i+1, want[i].StudentID, want[i].Mark, got[i].StudentID, got[i].Mark)
		}
	}
	return nil
}
