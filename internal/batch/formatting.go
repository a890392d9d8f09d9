package batch

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/reconcile"
)

// Review is what a scan shows before anything is committed.
type Review struct {
	Records    []marks.StudentMark `json:"records"`
	Duplicates int                 `json:"duplicates"`
	Message    string              `json:"message,omitempty"`
}

// NewReview builds a review from a reconciliation result.
func NewReview(res reconcile.Result) Review {
	return Review{Records: res.Accepted, Duplicates: res.Duplicates, Message: reconcile.DuplicateMessage(res.Duplicates)}
}

// FormatReview renders the review as text, json or csv.
func FormatReview(r Review, format string) (string, error) {
	switch format {
	case "json":
		return formatJSON(r)
	case "csv":
		return formatCSV(r)
	case "text", "":
		return formatText(r), nil
	default:
		return "", fmt.Errorf("unknown output format %q (must be text, json or csv)", format)
	}
}

func formatJSON(r Review) (string, error) {
	if r.Records == nil {
		r.Records = []marks.StudentMark{}
	}
	bts, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(bts) + "\n", nil
}

func formatCSV(r Review) (string, error) {
	var output strings.Builder
	writer := csv.NewWriter(&output)
	if err := writer.Write([]string{"id", "student_id", "mark"}); err != nil {
		return "", err
	}
	for _, rec := range r.Records {
		if err := writer.Write([]string{rec.ID, rec.StudentID, rec.Mark.String()}); err != nil {
			return "", err
		}
	}
	writer.Flush()
	return output.String(), writer.Error()
}

func formatText(r Review) string {
	var output strings.Builder
	if len(r.Records) == 0 {
		output.WriteString("No student marks were found in the submitted images.\n")
	} else {
		tw := tabwriter.NewWriter(&output, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "#\tSTUDENT ID\tMARK")
		for i, rec := range r.Records {
			mark := rec.Mark.String()
			if mark == "" {
				mark = "-"
			}
			_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, rec.StudentID, mark)
		}
		_ = tw.Flush()
	}
	if r.Message != "" {
		output.WriteString(r.Message + "\n")
	}
	return output.String()
}
