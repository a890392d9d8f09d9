package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/export"
	"github.com/MeKo-Tech/markscan/internal/utils"
	"golang.org/x/text/language"
)

// Config represents the complete configuration for markscan. It covers all
// commands (scan, session, export, serve) and is loaded from configuration
// files, environment variables and command-line flags.
type Config struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	Engine     EngineConfig     `mapstructure:"engine" yaml:"engine" json:"engine"`
	Preprocess PreprocessConfig `mapstructure:"preprocess" yaml:"preprocess" json:"preprocess"`
	Batch      BatchConfig      `mapstructure:"batch" yaml:"batch" json:"batch"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store" json:"store"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server" json:"server"`
	Export     ExportConfig     `mapstructure:"export" yaml:"export" json:"export"`
}

// EngineConfig selects and configures the OCR engine.
type EngineConfig struct {
	Kind   string       `mapstructure:"kind" yaml:"kind" json:"kind"`
	Cloud  CloudConfig  `mapstructure:"cloud" yaml:"cloud" json:"cloud"`
	Device DeviceConfig `mapstructure:"device" yaml:"device" json:"device"`
}

// CloudConfig configures the hosted model.
type CloudConfig struct {
	Provider    string  `mapstructure:"provider" yaml:"provider" json:"provider"`
	Model       string  `mapstructure:"model" yaml:"model" json:"model"`
	APIKey      string  `mapstructure:"api_key" yaml:"api_key" json:"-"`
	BaseURL     string  `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature" json:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens" json:"max_tokens"`
}

// DeviceConfig configures the local Tesseract engine.
type DeviceConfig struct {
	Languages     []string      `mapstructure:"languages" yaml:"languages" json:"languages"`
	PageSegMode   int           `mapstructure:"page_seg_mode" yaml:"page_seg_mode" json:"page_seg_mode"`
	MinConfidence float64       `mapstructure:"min_confidence" yaml:"min_confidence" json:"min_confidence"`
	LineTolerance float64       `mapstructure:"line_tolerance" yaml:"line_tolerance" json:"line_tolerance"`
	InitTimeout   time.Duration `mapstructure:"init_timeout" yaml:"init_timeout" json:"init_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
}

// PreprocessConfig controls image preparation.
type PreprocessConfig struct {
	AutoOrient   bool `mapstructure:"auto_orient" yaml:"auto_orient" json:"auto_orient"`
	FrameCrop    bool `mapstructure:"frame_crop" yaml:"frame_crop" json:"frame_crop"`
	MaxDimension int  `mapstructure:"max_dimension" yaml:"max_dimension" json:"max_dimension"`
	JPEGQuality  int  `mapstructure:"jpeg_quality" yaml:"jpeg_quality" json:"jpeg_quality"`
}

// BatchConfig controls batch extraction and input discovery.
type BatchConfig struct {
	Workers   int      `mapstructure:"workers" yaml:"workers" json:"workers"`
	Recursive bool     `mapstructure:"recursive" yaml:"recursive" json:"recursive"`
	Include   []string `mapstructure:"include" yaml:"include" json:"include"`
	Exclude   []string `mapstructure:"exclude" yaml:"exclude" json:"exclude"`
}

// StoreConfig locates the session store.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path" json:"path"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string          `mapstructure:"host" yaml:"host" json:"host"`
	Port            int             `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string          `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int             `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec      int             `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout int             `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig meters extracted sheets per client. Zero disables a limit.
type RateLimitConfig struct {
	Enabled         bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	SheetsPerMinute int  `mapstructure:"sheets_per_minute" yaml:"sheets_per_minute" json:"sheets_per_minute"`
	SheetsPerDay    int  `mapstructure:"sheets_per_day" yaml:"sheets_per_day" json:"sheets_per_day"`
}

// ExportConfig sets export defaults.
type ExportConfig struct {
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	eng := engine.DefaultConfig()
	prep := utils.DefaultPrepareOptions()
	return Config{
		LogLevel: "info",
		Engine: EngineConfig{
			Kind: string(eng.Kind),
			Cloud: CloudConfig{
				Provider: eng.Cloud.Provider,
				Model:    eng.Cloud.Model,
			},
			Device: DeviceConfig{
				Languages:     eng.Device.Languages,
				PageSegMode:   eng.Device.PageSegMode,
				LineTolerance: eng.Device.LineTolerance,
				InitTimeout:   eng.Device.InitTimeout,
				PollInterval:  eng.Device.PollInterval,
			},
		},
		Preprocess: PreprocessConfig{
			AutoOrient:   prep.AutoOrient,
			FrameCrop:    prep.FrameCrop,
			MaxDimension: prep.MaxDimension,
			JPEGQuality:  prep.JPEGQuality,
		},
		Batch: BatchConfig{
			Workers: 4,
		},
		Store: StoreConfig{
			Path: DefaultStorePath(),
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			CORSOrigin:      "*",
			MaxUploadMB:     50,
			TimeoutSec:      120,
			ShutdownTimeout: 10,
			RateLimit: RateLimitConfig{
				Enabled:         false,
				SheetsPerMinute: 60,
				SheetsPerDay:    2000,
			},
		},
		Export: ExportConfig{
			Format: string(export.FormatCSV),
		},
	}
}

// DefaultStorePath returns $XDG_DATA_HOME/markscan/sessions.yaml, falling
// back to ~/.local/share and finally the working directory.
func DefaultStorePath() string {
	if dir, ok := os.LookupEnv("XDG_DATA_HOME"); ok && dir != "" {
		return filepath.Join(dir, "markscan", "sessions.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "markscan", "sessions.yaml")
	}
	return "markscan-sessions.yaml"
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if _, err := engine.ParseKind(c.Engine.Kind); err != nil {
		return fmt.Errorf("invalid engine.kind: %w", err)
	}
	if c.Engine.Cloud.Provider != "" && !contains(engine.CloudProviders, strings.ToLower(c.Engine.Cloud.Provider)) {
		return fmt.Errorf("invalid engine.cloud.provider: %s (must be one of: %s)",
			c.Engine.Cloud.Provider, strings.Join(engine.CloudProviders, ", "))
	}
	if c.Engine.Cloud.Temperature < 0 || c.Engine.Cloud.Temperature > 2 {
		return fmt.Errorf("invalid engine.cloud.temperature: %.2f (must be between 0 and 2)", c.Engine.Cloud.Temperature)
	}
	if c.Engine.Cloud.MaxTokens < 0 {
		return fmt.Errorf("invalid engine.cloud.max_tokens: %d (must not be negative)", c.Engine.Cloud.MaxTokens)
	}

	if err := validateLanguages(c.Engine.Device.Languages); err != nil {
		return err
	}
	if c.Engine.Device.PageSegMode < 0 || c.Engine.Device.PageSegMode > 13 {
		return fmt.Errorf("invalid engine.device.page_seg_mode: %d (must be between 0 and 13)", c.Engine.Device.PageSegMode)
	}
	if err := validateThreshold(c.Engine.Device.LineTolerance, "engine.device.line_tolerance", 0, 5); err != nil {
		return err
	}
	if err := validateThreshold(c.Engine.Device.MinConfidence, "engine.device.min_confidence", 0, 100); err != nil {
		return err
	}
	if c.Engine.Device.InitTimeout < 0 || c.Engine.Device.PollInterval < 0 {
		return fmt.Errorf("invalid engine.device timings: init_timeout and poll_interval must not be negative")
	}

	if c.Preprocess.MaxDimension < 0 {
		return fmt.Errorf("invalid preprocess.max_dimension: %d (must not be negative)", c.Preprocess.MaxDimension)
	}
	if c.Preprocess.JPEGQuality < 0 || c.Preprocess.JPEGQuality > 100 {
		return fmt.Errorf("invalid preprocess.jpeg_quality: %d (must be between 1 and 100)", c.Preprocess.JPEGQuality)
	}

	if c.Batch.Workers < 0 {
		return fmt.Errorf("invalid batch workers: %d (must not be negative)", c.Batch.Workers)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Server.MaxUploadMB)
	}
	if c.Server.RateLimit.SheetsPerMinute < 0 || c.Server.RateLimit.SheetsPerDay < 0 {
		return fmt.Errorf("invalid sheet limits: %d per minute, %d per day (must not be negative)",
			c.Server.RateLimit.SheetsPerMinute, c.Server.RateLimit.SheetsPerDay)
	}
	if c.Server.TimeoutSec <= 0 {
		return fmt.Errorf("invalid timeout: %d (must be positive)", c.Server.TimeoutSec)
	}

	if _, err := export.ParseFormat(c.Export.Format); err != nil {
		return fmt.Errorf("invalid export.format: %w", err)
	}
	return nil
}

// ToEngineConfig converts the engine section to the engine package format.
func (c *Config) ToEngineConfig() engine.Config {
	kind, _ := engine.ParseKind(c.Engine.Kind)
	return engine.Config{
		Kind: kind,
		Cloud: engine.CloudConfig{
			Provider:    strings.ToLower(c.Engine.Cloud.Provider),
			Model:       c.Engine.Cloud.Model,
			APIKey:      c.Engine.Cloud.APIKey,
			BaseURL:     c.Engine.Cloud.BaseURL,
			Temperature: c.Engine.Cloud.Temperature,
			MaxTokens:   c.Engine.Cloud.MaxTokens,
		},
		Device: engine.DeviceConfig{
			Languages:     c.Engine.Device.Languages,
			PageSegMode:   c.Engine.Device.PageSegMode,
			MinConfidence: c.Engine.Device.MinConfidence,
			LineTolerance: c.Engine.Device.LineTolerance,
			InitTimeout:   c.Engine.Device.InitTimeout,
			PollInterval:  c.Engine.Device.PollInterval,
		},
	}
}

// ToPrepareOptions converts the preprocess section.
func (c *Config) ToPrepareOptions() utils.PrepareOptions {
	return utils.PrepareOptions{
		AutoOrient:   c.Preprocess.AutoOrient,
		FrameCrop:    c.Preprocess.FrameCrop,
		MaxDimension: c.Preprocess.MaxDimension,
		JPEGQuality:  c.Preprocess.JPEGQuality,
	}
}

// ToBatchConfig converts the batch section for the engine.
func (c *Config) ToBatchConfig(progress engine.ProgressCallback) engine.BatchConfig {
	return engine.BatchConfig{MaxWorkers: c.Batch.Workers, Progress: progress}
}

// tesseractPseudoLanguages are traineddata names that are not languages.
var tesseractPseudoLanguages = []string{"osd", "equ", "script"}

// tesseractAliases maps traineddata prefixes that are not ISO 639 codes.
var tesseractAliases = map[string]string{"chi": "zho"}

// validateLanguages checks Tesseract language codes such as "eng", "deu" or
// "chi_sim" against ISO 639.
func validateLanguages(langs []string) error {
	if len(langs) == 0 {
		return fmt.Errorf("engine.device.languages must not be empty")
	}
	for _, code := range langs {
		base, _, _ := strings.Cut(strings.TrimSpace(code), "_")
		if contains(tesseractPseudoLanguages, base) {
			continue
		}
		if alias, ok := tesseractAliases[base]; ok {
			base = alias
		}
		if _, err := language.ParseBase(base); err != nil {
			return fmt.Errorf("invalid engine.device.languages entry %q: %w", code, err)
		}
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// validateThreshold validates that a value lies within [lo, hi].
func validateThreshold(value float64, name string, lo, hi float64) error {
	if value < lo || value > hi {
		return fmt.Errorf("invalid %s: %.2f (must be between %g and %g)", name, value, lo, hi)
	}
	return nil
}
