package reconcile

import (
	"golang.org/x/text/feature/plural"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	duplicatesKey = "%d duplicates ignored"
	acceptedKey   = "%d records added"
)

func init() {
	_ = message.Set(language.English, duplicatesKey,
		plural.Selectf(1, "%d",
			"=1", "%d entry with a duplicate Student ID was found and will be ignored.",
			"other", "%d entries with duplicate Student IDs were found and will be ignored.",
		))
	_ = message.Set(language.English, acceptedKey,
		plural.Selectf(1, "%d",
			"=1", "%d record will be added.",
			"other", "%d records will be added.",
		))
}

var printer = message.NewPrinter(language.English)

// DuplicateMessage describes the discarded duplicates, or returns "" when
// there are none.
func DuplicateMessage(n int) string {
	if n <= 0 {
		return ""
	}
	return printer.Sprintf(duplicatesKey, n)
}

// Summary describes a reconciliation result for display.
func Summary(res Result) string {
	msg := printer.Sprintf(acceptedKey, len(res.Accepted))
	if dup := DuplicateMessage(res.Duplicates); dup != "" {
		msg += " " + dup
	}
	return msg
}
