// Package export writes a session's records as a two-column table.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/xuri/excelize/v2"
)

// Format is an export file format.
type Format string

// Export formats.
const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// SheetName is the worksheet name used in spreadsheet exports.
const SheetName = "Student Marks"

// Header is the first row of every export.
var Header = []string{"Student ID", "Mark"}

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("unknown export format %q (must be csv or xlsx)", s)
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// FileName derives the download name from the session name.
func FileName(session marks.Session, f Format) string {
	return strings.ReplaceAll(session.Name, " ", "_") + "_marks." + string(f)
}

// Rows returns the table body. A missing mark is an empty cell.
func Rows(session marks.Session) [][]string {
	rows := make([][]string, 0, len(session.Marks))
	for _, m := range session.Marks {
		rows = append(rows, []string{m.StudentID, m.Mark.String()})
	}
	return rows
}

// Write writes session in format f.
func Write(w io.Writer, session marks.Session, f Format) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, session)
	case FormatXLSX:
		return WriteXLSX(w, session)
	default:
		return fmt.Errorf("unknown export format %q", f)
	}
}

// WriteCSV writes the records as comma-separated values.
func WriteCSV(w io.Writer, session marks.Session) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	if err := cw.WriteAll(Rows(session)); err != nil {
		return fmt.Errorf("write csv rows: %w", err)
	}
	return nil
}

// WriteXLSX writes the records as a spreadsheet with a single sheet.
// Marks are stored as numbers.
func WriteXLSX(w io.Writer, session marks.Session) (err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(SheetName, "A1", &[]any{Header[0], Header[1]}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, m := range session.Marks {
		var mark any
		if v, ok := m.Mark.Value(); ok {
			mark = v
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetName, cell, &[]any{m.StudentID, mark}); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
