package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/MeKo-Tech/markscan/internal/batch"
	"github.com/MeKo-Tech/markscan/internal/config"
	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/reconcile"
	"github.com/spf13/cobra"
)

// scanCmd extracts candidates from sheet images and reviews them against a session.
var scanCmd = &cobra.Command{
	Use:   "scan [files|dirs...]",
	Short: "Extract student marks from sheet images and PDFs",
	Long: `Extract (student ID, mark) candidates from photographed or scanned mark
sheets. Directories are searched for PNG, JPEG, WEBP and BMP images; PDFs
contribute their embedded page images.

Without --session the candidates are printed for review. With --session they
are checked against the session's existing student IDs, and --commit appends
the surviving records to it.

Examples:
  markscan scan sheet.jpg --max-mark 20
  markscan scan sheets/ --recursive --session "Quiz 3" --format json
  markscan scan scans.pdf --pages 1-3 --session 5f2c --commit
  markscan scan photos/ --max-mark 50 --engine device --languages eng,deu`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         runScanCommand,
}

// scanOptions are the resolved settings of one scan run.
type scanOptions struct {
	maxMark    float64
	hasMax     bool
	sessionRef string
	commit     bool
	format     string
	pages      string
	outputFile string
	progress   bool
}

func runScanCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyScanFlags(cfg, cmd); err != nil {
		return err
	}
	opts := scanOptionsFromFlags(cmd)

	if _, err := batch.FormatReview(batch.Review{}, opts.format); err != nil {
		return err
	}
	if opts.commit && opts.sessionRef == "" {
		return errors.New("--commit requires --session")
	}

	var (
		existing []marks.StudentMark
		session  marks.Session
	)
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	if opts.sessionRef != "" {
		session, err = st.Find(opts.sessionRef)
		if err != nil {
			return err
		}
		existing = session.Marks
		if !opts.hasMax {
			opts.maxMark, opts.hasMax = session.MaxMark, true
		}
	}
	if !opts.hasMax {
		return errors.New("--max-mark is required when no --session is given")
	}
	if err := marks.ValidateMaxMark(opts.maxMark); err != nil {
		return err
	}

	images, err := batch.LoadImages(args, batch.Config{
		Recursive:       cfg.Batch.Recursive,
		IncludePatterns: cfg.Batch.Include,
		ExcludePatterns: cfg.Batch.Exclude,
		Pages:           opts.pages,
		Prepare:         cfg.ToPrepareOptions(),
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	eng, err := engineFactory(ctx, cfg.ToEngineConfig())
	if err != nil {
		return describeEngineError(err)
	}

	var progress engine.ProgressCallback
	if opts.progress {
		progress = engine.NewConsoleProgressCallback(cmd.ErrOrStderr(), "Extracting ")
	}
	batcher := engine.NewBatcher(eng, cfg.ToBatchConfig(progress))
	defer func() { _ = batcher.Close() }()

	slog.Info("Starting scan", "engine", eng.Name(), "images", len(images), "max_mark", opts.maxMark)
	candidates, err := batcher.ExtractBatch(ctx, batch.Items(images, opts.maxMark))
	if err != nil {
		return describeEngineError(err)
	}

	res := reconcile.New().Reconcile(existing, candidates)
	review := batch.NewReview(res)
	if err := writeReview(cmd, review, opts); err != nil {
		return err
	}
	// CSV has no room for the duplicate notice
	if opts.format == "csv" && review.Message != "" {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), review.Message)
	}

	if opts.commit {
		committed, err := st.Commit(session.ID, res.Accepted)
		if err != nil {
			return fmt.Errorf("failed to commit to session %q: %w", session.Name, err)
		}
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s\nCommitted %d record(s) to session %q.\n",
			reconcile.Summary(committed), len(committed.Accepted), session.Name)
	}
	return nil
}

// applyScanFlags overrides configuration values with explicitly set flags.
func applyScanFlags(cfg *config.Config, cmd *cobra.Command) error {
	if cmd.Flags().Changed("engine") {
		cfg.Engine.Kind, _ = cmd.Flags().GetString("engine")
	}
	if cmd.Flags().Changed("provider") {
		cfg.Engine.Cloud.Provider, _ = cmd.Flags().GetString("provider")
	}
	if cmd.Flags().Changed("model") {
		cfg.Engine.Cloud.Model, _ = cmd.Flags().GetString("model")
	}
	if cmd.Flags().Changed("languages") {
		langs, _ := cmd.Flags().GetString("languages")
		cfg.Engine.Device.Languages = splitList(langs)
	}
	if cmd.Flags().Changed("workers") {
		cfg.Batch.Workers, _ = cmd.Flags().GetInt("workers")
	}
	if cmd.Flags().Changed("recursive") {
		cfg.Batch.Recursive, _ = cmd.Flags().GetBool("recursive")
	}
	if cmd.Flags().Changed("include") {
		include, _ := cmd.Flags().GetString("include")
		cfg.Batch.Include = splitList(include)
	}
	if cmd.Flags().Changed("exclude") {
		exclude, _ := cmd.Flags().GetString("exclude")
		cfg.Batch.Exclude = splitList(exclude)
	}
	if cmd.Flags().Changed("no-frame-crop") {
		noCrop, _ := cmd.Flags().GetBool("no-frame-crop")
		cfg.Preprocess.FrameCrop = !noCrop
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid scan options: %w", err)
	}
	return nil
}

func scanOptionsFromFlags(cmd *cobra.Command) scanOptions {
	var opts scanOptions
	opts.hasMax = cmd.Flags().Changed("max-mark")
	opts.maxMark, _ = cmd.Flags().GetFloat64("max-mark")
	opts.sessionRef, _ = cmd.Flags().GetString("session")
	opts.commit, _ = cmd.Flags().GetBool("commit")
	opts.format, _ = cmd.Flags().GetString("format")
	opts.pages, _ = cmd.Flags().GetString("pages")
	opts.outputFile, _ = cmd.Flags().GetString("output")
	opts.progress, _ = cmd.Flags().GetBool("progress")
	return opts
}

func writeReview(cmd *cobra.Command, review batch.Review, opts scanOptions) error {
	out, err := batch.FormatReview(review, opts.format)
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if opts.outputFile != "" {
		f, err := os.Create(opts.outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	_, err = io.WriteString(w, out)
	return err
}

// describeEngineError labels engine failures with their kind.
func describeEngineError(err error) error {
	if engine.KindOf(err) == nil {
		return err
	}
	return fmt.Errorf("%s error: %w", engine.KindName(err), err)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().Float64P("max-mark", "m", 0, "highest achievable mark (defaults to the session's)")
	scanCmd.Flags().StringP("session", "s", "", "session ID, ID prefix or name to review against")
	scanCmd.Flags().Bool("commit", false, "append the reviewed records to the session")
	scanCmd.Flags().StringP("format", "f", "text", "output format (text, json, csv)")
	scanCmd.Flags().StringP("output", "o", "", "write the review to a file instead of stdout")
	scanCmd.Flags().String("pages", "", "PDF page range, e.g. 1-3,5")
	scanCmd.Flags().Bool("progress", false, "show a progress bar")

	scanCmd.Flags().StringP("engine", "e", "cloud", "OCR engine (cloud, device)")
	scanCmd.Flags().String("provider", "", "cloud model provider (googleai, openai, anthropic, ollama, mistral)")
	scanCmd.Flags().String("model", "", "cloud model name")
	scanCmd.Flags().String("languages", "", "comma-separated Tesseract languages for the device engine")
	scanCmd.Flags().IntP("workers", "w", 4, "number of images processed in parallel")
	scanCmd.Flags().BoolP("recursive", "r", false, "search directories recursively")
	scanCmd.Flags().String("include", "", "comma-separated glob patterns of files to include")
	scanCmd.Flags().String("exclude", "", "comma-separated glob patterns of files to exclude")
	scanCmd.Flags().Bool("no-frame-crop", false, "do not crop photos to the capture frame")
}
