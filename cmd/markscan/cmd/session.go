package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MeKo-Tech/markscan/internal/batch"
	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/store"
	"github.com/spf13/cobra"
)

// sessionCmd groups the session management commands.
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage mark sessions",
	Long: `Create, inspect and edit sessions. A session is a named list of student
marks sharing one maximum mark.

Sessions can be referenced by full ID, an ID prefix of at least four
characters or their exact name.`,
}

var sessionCreateCmd = &cobra.Command{
	Use:          "create NAME",
	Short:        "Create an empty session",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		maxMark, _ := cmd.Flags().GetFloat64("max-mark")
		return withStore(func(st *store.Store) error {
			sess, err := st.Create(args[0], maxMark)
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), sess)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created session %q (%s), max mark %s\n",
				sess.Name, sess.ID, marks.MarkOf(sess.MaxMark))
			return nil
		})
	},
}

var sessionListCmd = &cobra.Command{
	Use:          "list",
	Aliases:      []string{"ls"},
	Short:        "List sessions",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store) error {
			sessions := st.List()
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), sessions)
			}
			if len(sessions) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No sessions yet.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tNAME\tMAX MARK\tRECORDS\tCREATED")
			for _, s := range sessions {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.Name, marks.MarkOf(s.MaxMark), len(s.Marks), s.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:          "show SESSION",
	Short:        "Show a session and its records",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return withStore(func(st *store.Store) error {
			sess, err := st.Find(args[0])
			if err != nil {
				return err
			}
			switch format {
			case "json":
				return writeJSON(cmd.OutOrStdout(), sess)
			case "csv":
				out, err := batch.FormatReview(batch.Review{Records: sess.Marks}, "csv")
				if err != nil {
					return err
				}
				_, err = io.WriteString(cmd.OutOrStdout(), out)
				return err
			case "text", "":
				return writeSessionText(cmd.OutOrStdout(), sess)
			default:
				return fmt.Errorf("unknown output format %q (must be text, json or csv)", format)
			}
		})
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:          "delete SESSION",
	Aliases:      []string{"rm"},
	Short:        "Delete a session and all its records",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store) error {
			sess, err := st.Find(args[0])
			if err != nil {
				return err
			}
			if err := st.Delete(sess.ID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %q (%d records)\n", sess.Name, len(sess.Marks))
			return nil
		})
	},
}

var sessionEditMarkCmd = &cobra.Command{
	Use:   "edit-mark SESSION RECORD",
	Short: "Correct the student ID or mark of a record",
	Long: `Correct a committed record by hand. RECORD is the record ID or its row
number as printed by "session show". Student ID uniqueness is not enforced
for manual edits.

Examples:
  markscan session edit-mark "Quiz 3" 4 --mark 17.5
  markscan session edit-mark "Quiz 3" 4 --student-id S0042
  markscan session edit-mark "Quiz 3" 4 --clear-mark`,
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		upd, err := markUpdateFromFlags(cmd)
		if err != nil {
			return err
		}
		return withStore(func(st *store.Store) error {
			sess, err := st.Find(args[0])
			if err != nil {
				return err
			}
			rec, err := resolveRecord(sess, args[1])
			if err != nil {
				return err
			}
			updated, err := st.UpdateMark(sess.ID, rec.ID, upd)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Updated record %s: %s %s\n",
				updated.ID, updated.StudentID, displayMark(updated.Mark))
			return nil
		})
	},
}

var sessionDeleteMarkCmd = &cobra.Command{
	Use:          "delete-mark SESSION RECORD",
	Short:        "Remove a record from a session",
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store) error {
			sess, err := st.Find(args[0])
			if err != nil {
				return err
			}
			rec, err := resolveRecord(sess, args[1])
			if err != nil {
				return err
			}
			if err := st.DeleteMark(sess.ID, rec.ID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed record %s (%s)\n", rec.ID, rec.StudentID)
			return nil
		})
	},
}

// withStore loads the configuration, opens the store and runs fn.
func withStore(fn func(st *store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	return fn(st)
}

func markUpdateFromFlags(cmd *cobra.Command) (store.MarkUpdate, error) {
	var upd store.MarkUpdate
	if cmd.Flags().Changed("student-id") {
		id, _ := cmd.Flags().GetString("student-id")
		upd.StudentID = &id
	}
	clearMark, _ := cmd.Flags().GetBool("clear-mark")
	switch {
	case clearMark && cmd.Flags().Changed("mark"):
		return upd, errors.New("--mark and --clear-mark are mutually exclusive")
	case clearMark:
		m := marks.NoMark()
		upd.Mark = &m
	case cmd.Flags().Changed("mark"):
		v, _ := cmd.Flags().GetFloat64("mark")
		m := marks.MarkOf(v)
		upd.Mark = &m
	}
	if upd.StudentID == nil && upd.Mark == nil {
		return upd, errors.New("nothing to change: use --student-id, --mark or --clear-mark")
	}
	return upd, nil
}

// resolveRecord finds a record by ID or 1-based row number.
func resolveRecord(sess marks.Session, ref string) (marks.StudentMark, error) {
	for _, m := range sess.Marks {
		if m.ID == ref {
			return m, nil
		}
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(sess.Marks) {
		return sess.Marks[n-1], nil
	}
	return marks.StudentMark{}, fmt.Errorf("record %s in session %q: %w", ref, sess.Name, store.ErrNotFound)
}

func writeSessionText(w io.Writer, sess marks.Session) error {
	_, _ = fmt.Fprintf(w, "Session:  %s\nID:       %s\nMax mark: %s\nCreated:  %s\n\n",
		sess.Name, sess.ID, marks.MarkOf(sess.MaxMark), sess.CreatedAt.Local().Format(time.DateTime))
	if len(sess.Marks) == 0 {
		_, err := fmt.Fprintln(w, "No records yet.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "#\tSTUDENT ID\tMARK\tRECORD ID")
	for i, m := range sess.Marks {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, m.StudentID, displayMark(m.Mark), m.ID)
	}
	return tw.Flush()
}

func displayMark(m marks.Mark) string {
	if !m.IsSet() {
		return "-"
	}
	return m.String()
}

func asJSON(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("format")
	return strings.EqualFold(format, "json")
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionCreateCmd, sessionListCmd, sessionShowCmd, sessionDeleteCmd,
		sessionEditMarkCmd, sessionDeleteMarkCmd)

	sessionCreateCmd.Flags().Float64P("max-mark", "m", 0, "highest achievable mark (required)")
	_ = sessionCreateCmd.MarkFlagRequired("max-mark")
	sessionCreateCmd.Flags().StringP("format", "f", "text", "output format (text, json)")

	sessionListCmd.Flags().StringP("format", "f", "text", "output format (text, json)")
	sessionShowCmd.Flags().StringP("format", "f", "text", "output format (text, json, csv)")

	sessionEditMarkCmd.Flags().String("student-id", "", "new student ID")
	sessionEditMarkCmd.Flags().Float64("mark", 0, "new mark")
	sessionEditMarkCmd.Flags().Bool("clear-mark", false, "remove the mark, keeping the student ID")
}
