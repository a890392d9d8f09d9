package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/mistral"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Cloud providers.
const (
	ProviderGoogle    = "googleai"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderMistral   = "mistral"
)

// CloudProviders lists the accepted provider names.
var CloudProviders = []string{ProviderGoogle, ProviderOpenAI, ProviderAnthropic, ProviderOllama, ProviderMistral}

// CloudConfig configures the hosted recognition model.
type CloudConfig struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

// DefaultCloudConfig returns the default cloud configuration.
func DefaultCloudConfig() CloudConfig {
	return CloudConfig{
		Provider: ProviderGoogle,
		Model:    "gemini-2.5-flash",
	}
}

// CloudEngine asks a multimodal model to return the records as JSON.
type CloudEngine struct {
	llm         llms.Model
	provider    string
	model       string
	temperature float64
	maxTokens   int
}

// NewCloudEngine connects to the configured provider. A missing API key is a
// configuration error.
func NewCloudEngine(ctx context.Context, cfg CloudConfig) (*CloudEngine, error) {
	if cfg.Provider == "" {
		cfg.Provider = ProviderGoogle
	}
	logger := slog.With("engine", string(KindCloud), "provider", cfg.Provider, "model", cfg.Model)
	logger.Debug("Creating cloud OCR engine")

	model, err := newLLM(ctx, cfg)
	if err != nil {
		logger.Error("Failed to create cloud OCR client", "error", err)
		return nil, err
	}
	return NewCloudEngineWithModel(model, cfg), nil
}

// NewCloudEngineWithModel wraps an existing model client.
func NewCloudEngineWithModel(model llms.Model, cfg CloudConfig) *CloudEngine {
	return &CloudEngine{
		llm:         model,
		provider:    cfg.Provider,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// Name implements Engine.
func (e *CloudEngine) Name() string { return string(KindCloud) }

// Extract sends the image with the extraction instructions and parses the
// JSON answer. An unusable answer yields no candidates rather than an error.
func (e *CloudEngine) Extract(ctx context.Context, img Image, maxMark float64) ([]marks.Candidate, error) {
	logger := slog.With("engine", e.Name(), "provider", e.provider, "model", e.model, "image", img.Name)
	start := time.Now()

	opts := []llms.CallOption{llms.WithJSONMode(), llms.WithTemperature(e.temperature)}
	if e.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(e.maxTokens))
	}

	resp, err := e.llm.GenerateContent(ctx, []llms.MessageContent{
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.BinaryPart(img.MIMEType, img.Data),
				llms.TextPart(cloudPrompt(maxMark)),
			},
		},
	}, opts...)
	if err != nil {
		logger.Error("Cloud recognition call failed", "error", err)
		return nil, classifyCloudError(e.provider, err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		logger.Warn("Cloud recognition returned no choices")
		return []marks.Candidate{}, nil
	}

	candidates := ParseCloudResponse(resp.Choices[0].Content, maxMark)
	logger.Debug("Cloud recognition completed",
		"candidates", len(candidates), "duration_ms", time.Since(start).Milliseconds())
	return candidates, nil
}

// cloudItem mirrors one element of the expected response array. Fields are
// decoded separately so a wrongly typed value only affects that field.
type cloudItem struct {
	StudentID json.RawMessage `json:"studentId"`
	Mark      marks.Mark      `json:"mark"`
}

// ParseCloudResponse decodes the model's answer. Anything that is not a JSON
// array yields no candidates. Elements that are not objects are skipped, a
// non-string studentId counts as empty and a non-numeric mark as no mark;
// every element then passes the range validator.
func ParseCloudResponse(text string, maxMark float64) []marks.Candidate {
	text = stripCodeFence(text)

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		slog.Warn("Discarding malformed cloud response", "error", err, "length", len(text))
		return []marks.Candidate{}
	}

	out := make([]marks.Candidate, 0, len(raw))
	for _, elem := range raw {
		var item cloudItem
		if err := json.Unmarshal(elem, &item); err != nil {
			continue
		}
		var id string
		if err := json.Unmarshal(item.StudentID, &id); err != nil {
			id = ""
		}
		out = append(out, marks.Candidate{StudentID: id, Mark: item.Mark})
	}
	return marks.ValidateCandidates(out, maxMark)
}

// stripCodeFence removes a surrounding Markdown code block, which some
// providers add even in JSON mode.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// authFailureMarkers are substrings of provider errors caused by bad credentials.
var authFailureMarkers = []string{
	"api key not valid",
	"invalid api key",
	"invalid_api_key",
	"incorrect api key",
	"unauthorized",
	"permission denied",
	"authentication",
}

// authStatusPattern finds a 400, 401 or 403 reported as an HTTP status, either
// after a status keyword or followed by its reason phrase.
var authStatusPattern = regexp.MustCompile(
	`\b(?:error|status|code|http)\b[^0-9a-z]{0,3}(?:400|401|403)\b|\b(?:400|401|403) (?:bad request|unauthorized|forbidden)\b`)

func isAuthFailure(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range authFailureMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return authStatusPattern.MatchString(msg)
}

func classifyCloudError(provider string, err error) error {
	if isAuthFailure(err.Error()) {
		return newError(ErrConfiguration, string(KindCloud),
			fmt.Sprintf("The %s API key is not valid. The administrator needs to check the engine.cloud.api_key setting.", provider), err)
	}
	return newError(ErrExtraction, string(KindCloud),
		"Failed to extract marks from the image. The service may be rate-limited or the image is unreadable.", err)
}

// apiKeyEnv lists the conventional environment variables per provider.
var apiKeyEnv = map[string][]string{
	ProviderGoogle:    {"GOOGLE_API_KEY", "GEMINI_API_KEY"},
	ProviderOpenAI:    {"OPENAI_API_KEY"},
	ProviderAnthropic: {"ANTHROPIC_API_KEY"},
	ProviderMistral:   {"MISTRAL_API_KEY"},
}

func resolveAPIKey(cfg CloudConfig) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	for _, name := range apiKeyEnv[cfg.Provider] {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func missingKey(provider string) error {
	names := strings.Join(apiKeyEnv[provider], " or ")
	return newError(ErrConfiguration, string(KindCloud),
		fmt.Sprintf("No %s API key configured. Set engine.cloud.api_key or %s.", provider, names), nil)
}

func newLLM(ctx context.Context, cfg CloudConfig) (llms.Model, error) {
	provider := strings.ToLower(cfg.Provider)
	key := resolveAPIKey(CloudConfig{Provider: provider, APIKey: cfg.APIKey})
	if key == "" && provider != ProviderOllama {
		if _, known := apiKeyEnv[provider]; known {
			return nil, missingKey(provider)
		}
	}

	var (
		model llms.Model
		err   error
	)
	switch provider {
	case ProviderGoogle:
		opts := []googleai.Option{googleai.WithAPIKey(key)}
		if cfg.Model != "" {
			opts = append(opts, googleai.WithDefaultModel(cfg.Model))
		}
		model, err = googleai.New(ctx, opts...)
	case ProviderOpenAI:
		opts := []openai.Option{openai.WithToken(key)}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	case ProviderAnthropic:
		opts := []anthropic.Option{anthropic.WithToken(key)}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		model, err = anthropic.New(opts...)
	case ProviderOllama:
		host := cfg.BaseURL
		if host == "" {
			host = "http://127.0.0.1:11434"
		}
		model, err = ollama.New(ollama.WithModel(cfg.Model), ollama.WithServerURL(host))
	case ProviderMistral:
		opts := []mistral.Option{mistral.WithAPIKey(key)}
		if cfg.Model != "" {
			opts = append(opts, mistral.WithModel(cfg.Model))
		}
		model, err = mistral.New(opts...)
	default:
		return nil, newError(ErrConfiguration, string(KindCloud),
			fmt.Sprintf("unsupported cloud provider %q (must be one of: %s)", cfg.Provider, strings.Join(CloudProviders, ", ")), nil)
	}
	if err != nil {
		return nil, newError(ErrConfiguration, string(KindCloud),
			fmt.Sprintf("could not create %s client: %v", provider, err), err)
	}
	return model, nil
}
