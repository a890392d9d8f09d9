package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MeKo-Tech/markscan/internal/marks"
)

// BatchItem is one image of a batch together with its mark ceiling.
type BatchItem struct {
	Image   Image
	MaxMark float64
}

// BatchConfig controls batch execution.
type BatchConfig struct {
	MaxWorkers int              // 0 runs every image at once
	Progress   ProgressCallback // optional
}

// Batcher runs an engine over many images and joins the results.
type Batcher struct {
	engine Engine
	config BatchConfig
}

// NewBatcher creates a batcher for eng.
func NewBatcher(eng Engine, config BatchConfig) *Batcher {
	if config.Progress == nil {
		config.Progress = NoOpProgressCallback{}
	}
	return &Batcher{engine: eng, config: config}
}

// Engine returns the wrapped engine.
func (b *Batcher) Engine() Engine { return b.engine }

// Close releases the engine when it holds resources.
func (b *Batcher) Close() error {
	if c, ok := b.engine.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type batchJob struct {
	index int
	item  BatchItem
}

type batchResult struct {
	index      int
	candidates []marks.Candidate
	err        error
}

// ValidateBatch rejects an empty batch, unsupported MIME types, empty image
// data and non-positive or non-finite maxMark values.
func ValidateBatch(items []BatchItem) error {
	if len(items) == 0 {
		return invalidInput("no images provided")
	}
	for i, it := range items {
		switch {
		case len(it.Image.Data) == 0:
			return invalidInput("image %d (%s) is empty", i+1, it.Image.Name)
		case !IsSupportedMIME(it.Image.MIMEType):
			return invalidInput("image %d (%s) has unsupported type %q (must be PNG, JPEG or WEBP)",
				i+1, it.Image.Name, it.Image.MIMEType)
		case math.IsNaN(it.MaxMark) || math.IsInf(it.MaxMark, 0) || it.MaxMark <= 0:
			return invalidInput("maximum mark must be a positive number")
		}
	}
	return nil
}

// ExtractBatch extracts every image concurrently and concatenates the
// candidates in submission order. All images run to completion; if any of
// them failed, the error of the lowest-index failure is returned and no
// candidates are.
func (b *Batcher) ExtractBatch(ctx context.Context, items []BatchItem) ([]marks.Candidate, error) {
	if err := ValidateBatch(items); err != nil {
		return nil, err
	}

	workers := b.config.MaxWorkers
	if workers <= 0 || workers > len(items) {
		workers = len(items)
	}

	progress := b.config.Progress
	progress.OnStart(len(items))
	defer progress.OnComplete()

	jobs := make(chan batchJob, len(items))
	results := make(chan batchResult, len(items))

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go b.worker(ctx, jobs, results, &wg)
	}

	for i, it := range items {
		jobs <- batchJob{index: i, item: it}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	perImage := make([][]marks.Candidate, len(items))
	errs := make([]error, len(items))
	done := 0
	for r := range results {
		perImage[r.index] = r.candidates
		errs[r.index] = r.err
		done++
		if r.err != nil {
			progress.OnError(r.index, r.err)
		}
		progress.OnProgress(done, len(items))
	}

	for i, err := range errs {
		if err != nil {
			slog.Error("Batch extraction failed", "image_index", i, "image", items[i].Image.Name, "error", err)
			return nil, fmt.Errorf("image %d (%s): %w", i+1, items[i].Image.Name, err)
		}
	}

	out := make([]marks.Candidate, 0)
	for _, cs := range perImage {
		out = append(out, cs...)
	}
	return out, nil
}

// ExtractBatch runs images that share one maximum mark through eng with one
// worker per image.
func ExtractBatch(ctx context.Context, eng Engine, images []Image, maxMark float64) ([]marks.Candidate, error) {
	items := make([]BatchItem, len(images))
	for i, img := range images {
		items[i] = BatchItem{Image: img, MaxMark: maxMark}
	}
	return NewBatcher(eng, BatchConfig{}).ExtractBatch(ctx, items)
}

func (b *Batcher) worker(ctx context.Context, jobs <-chan batchJob, results chan<- batchResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for job := range jobs {
		cs, err := Extract(ctx, b.engine, job.item.Image, job.item.MaxMark)
		results <- batchResult{index: job.index, candidates: cs, err: err}
	}
}

// Extract runs a single extraction and records metrics for it.
func Extract(ctx context.Context, eng Engine, img Image, maxMark float64) ([]marks.Candidate, error) {
	start := time.Now()
	cs, err := eng.Extract(ctx, img, maxMark)
	extractionDuration.WithLabelValues(eng.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		extractionsTotal.WithLabelValues(eng.Name(), KindName(err)).Inc()
		return nil, err
	}
	extractionsTotal.WithLabelValues(eng.Name(), "ok").Inc()
	candidatesExtracted.WithLabelValues(eng.Name()).Observe(float64(len(cs)))
	return cs, nil
}
