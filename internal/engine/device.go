package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/markscan/internal/extract"
	"github.com/MeKo-Tech/markscan/internal/layout"
	"github.com/MeKo-Tech/markscan/internal/marks"
)

// DeviceConfig configures the on-device engine.
type DeviceConfig struct {
	Languages     []string
	PageSegMode   int
	MinConfidence float64
	LineTolerance float64
	InitTimeout   time.Duration
	PollInterval  time.Duration
}

// DefaultDeviceConfig returns the default on-device configuration.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Languages:     []string{"eng"},
		PageSegMode:   11, // sparse text, finds words anywhere on the sheet
		LineTolerance: layout.DefaultTolerance,
		InitTimeout:   DefaultInitTimeout,
		PollInterval:  DefaultPollInterval,
	}
}

// DeviceEngine detects text locally and rebuilds records from fragment
// positions.
type DeviceEngine struct {
	resource *DetectorResource
	grouper  *layout.LineGrouper
}

// NewDeviceEngine creates an engine backed by a lazily loaded detector.
func NewDeviceEngine(cfg DeviceConfig, loader DetectorLoader) *DeviceEngine {
	return &DeviceEngine{
		resource: NewDetectorResource(loader, cfg.InitTimeout, cfg.PollInterval),
		grouper:  layout.NewLineGrouper(layout.Config{Tolerance: cfg.LineTolerance}),
	}
}

// Name implements Engine.
func (e *DeviceEngine) Name() string { return string(KindDevice) }

// Resource exposes the detector resource, e.g. for health reporting.
func (e *DeviceEngine) Resource() *DetectorResource { return e.resource }

// Extract implements Engine.
func (e *DeviceEngine) Extract(ctx context.Context, img Image, maxMark float64) ([]marks.Candidate, error) {
	logger := slog.With("engine", e.Name(), "image", img.Name)

	detector, err := e.resource.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrEngineUnavailable) {
			return nil, err
		}
		return nil, unavailable(err)
	}

	start := time.Now()
	fragments, err := detector.Detect(ctx, img)
	if err != nil {
		logger.Error("Text detection failed", "error", err)
		var engErr *Error
		if errors.As(err, &engErr) {
			return nil, engErr
		}
		return nil, newError(ErrExtraction, e.Name(),
			"Failed to extract marks from the image. The image may be unreadable.", err)
	}

	lines := e.grouper.Group(fragments)
	candidates := extract.ExtractLines(lines, maxMark)
	logger.Debug("On-device recognition completed",
		"fragments", len(fragments), "lines", len(lines), "candidates", len(candidates),
		"duration_ms", time.Since(start).Milliseconds())
	return candidates, nil
}

// Close releases the detector.
func (e *DeviceEngine) Close() error {
	return e.resource.Close()
}
