package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/MeKo-Tech/markscan/internal/config"
	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/store"
	"github.com/MeKo-Tech/markscan/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Global configuration loader.
	configLoader *config.Loader
	// Configuration file path.
	cfgFile string
	// engineFactory builds the OCR engine for scan and serve.
	engineFactory = engine.New
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "markscan",
	Short: "Extract student marks from photographed mark sheets",
	Long: `markscan reads photographs and scans of handwritten or printed mark sheets
and turns them into reviewed (student ID, mark) records grouped into sessions.

Extraction runs either through a hosted vision model or on-device with
Tesseract. Candidates are checked against the session so a student ID is
never recorded twice, and sessions can be exported to CSV or XLSX.

Examples:
  markscan session create "Quiz 3" --max-mark 20
  markscan scan sheets/ --session "Quiz 3" --commit
  markscan export "Quiz 3" --format xlsx
  markscan serve --port 8080`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, _ := cmd.PersistentFlags().GetBool("version")
		if v {
			ver, commit, date := version.Info()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "markscan version %s\n", ver)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", commit)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Date: %s\n", date)
			return nil
		}
		return cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// GetRootCommand returns the root command for testing purposes.
// This allows tests to execute commands without calling os.Exit().
func GetRootCommand() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is search in ., $HOME, $HOME/.config/markscan, /etc/markscan)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output (equivalent to --log-level=debug)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("store", "", "session store file (default $XDG_DATA_HOME/markscan/sessions.yaml)")
	rootCmd.PersistentFlags().Bool("version", false, "print version information and exit")

	bindPersistentFlags(viper.GetViper())

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg)
		return nil
	}
}

// bindPersistentFlags binds the global flags to configuration keys.
func bindPersistentFlags(v *viper.Viper) {
	_ = v.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("store"))
}

// setupLogging installs a JSON slog handler at the configured level. Logs go
// to stderr so command output on stdout stays machine readable.
func setupLogging(cfg *config.Config) {
	var logLevel slog.Level
	if cfg.Verbose {
		logLevel = slog.LevelDebug
	} else {
		switch cfg.LogLevel {
		case "debug":
			logLevel = slog.LevelDebug
		case "warn":
			logLevel = slog.LevelWarn
		case "error":
			logLevel = slog.LevelError
		default:
			logLevel = slog.LevelInfo
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}

// loadConfig reads the config file, environment variables and bound flags.
func loadConfig() (*config.Config, error) {
	loader := GetConfigLoader()

	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = loader.LoadWithFile(cfgFile)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}
	return cfg, nil
}

// GetConfigLoader returns the global configuration loader.
func GetConfigLoader() *config.Loader {
	if configLoader == nil {
		configLoader = config.NewLoader()
	}
	return configLoader
}

// openStore opens the session store named by the configuration.
func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return st, nil
}
