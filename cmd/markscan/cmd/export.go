package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/MeKo-Tech/markscan/internal/export"
	"github.com/MeKo-Tech/markscan/internal/store"
	"github.com/spf13/cobra"
)

// exportCmd writes a session's records to a CSV or XLSX file.
var exportCmd = &cobra.Command{
	Use:   "export SESSION",
	Short: "Export a session to CSV or XLSX",
	Long: `Export a session as a two-column table (Student ID, Mark). Records without
a mark get an empty cell.

The file is named after the session unless --output is given; use
--output - to write to stdout.

Examples:
  markscan export "Quiz 3"
  markscan export 5f2c --format xlsx --output grades.xlsx
  markscan export "Quiz 3" --output - > quiz3.csv`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runExportCommand,
}

func runExportCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	formatName := cfg.Export.Format
	if cmd.Flags().Changed("format") {
		formatName, _ = cmd.Flags().GetString("format")
	}
	format, err := export.ParseFormat(formatName)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	return exportSession(cmd, st, args[0], format)
}

func exportSession(cmd *cobra.Command, st *store.Store, ref string, format export.Format) error {
	sess, err := st.Find(ref)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "-" {
		return export.Write(cmd.OutOrStdout(), sess, format)
	}
	if output == "" {
		output = export.FileName(sess, format)
	}

	f, err := os.Create(output) //nolint:gosec // G304: output path is user supplied
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", output, err)
	}
	if err := writeAndClose(f, func(w io.Writer) error { return export.Write(w, sess, format) }); err != nil {
		_ = os.Remove(output)
		return fmt.Errorf("failed to export session %q: %w", sess.Name, err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Exported %d records from %q to %s\n", len(sess.Marks), sess.Name, output)
	return nil
}

func writeAndClose(f *os.File, write func(io.Writer) error) error {
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringP("format", "f", "csv", "export format (csv, xlsx)")
	exportCmd.Flags().StringP("output", "o", "", "output file (default <session name>_marks.<format>, - for stdout)")
}
