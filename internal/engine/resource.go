package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MeKo-Tech/markscan/internal/marks"
)

// Detector acquisition defaults.
const (
	DefaultInitTimeout  = 10 * time.Second
	DefaultPollInterval = 200 * time.Millisecond
)

// TextDetector returns positioned text fragments for an image.
type TextDetector interface {
	Detect(ctx context.Context, img Image) ([]marks.Fragment, error)
	Close() error
}

// DetectorLoader provides the external text detection capability.
// Available is polled until it reports true; Load is then called once.
type DetectorLoader interface {
	Available() bool
	Load(ctx context.Context) (TextDetector, error)
}

// ResourceState is the lifecycle state of a DetectorResource.
type ResourceState int

// Resource states. Failed is never stored: a failed attempt resets the
// resource to Uninitialized.
const (
	StateUninitialized ResourceState = iota
	StateInitializing
	StateReady
)

func (s ResourceState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("ResourceState(%d)", int(s))
	}
}

// pendingInit is the shared handle of an in-flight initialization. detector
// and err are written before done is closed.
type pendingInit struct {
	done     chan struct{}
	detector TextDetector
	err      error
}

// DetectorResource lazily initializes a TextDetector once per process.
// Concurrent first callers share a single initialization attempt. A failed
// attempt is forgotten so the next call starts over.
type DetectorResource struct {
	loader   DetectorLoader
	timeout  time.Duration
	interval time.Duration

	mu       sync.Mutex
	state    ResourceState
	detector TextDetector
	pending  *pendingInit
}

// NewDetectorResource creates a resource. Non-positive durations fall back to
// the defaults.
func NewDetectorResource(loader DetectorLoader, timeout, interval time.Duration) *DetectorResource {
	if timeout <= 0 {
		timeout = DefaultInitTimeout
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &DetectorResource{loader: loader, timeout: timeout, interval: interval}
}

// State returns the current lifecycle state.
func (r *DetectorResource) State() ResourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Acquire returns the cached detector, joining or starting the
// initialization as needed. ctx only bounds this caller's wait; the shared
// attempt keeps running for other waiters.
func (r *DetectorResource) Acquire(ctx context.Context) (TextDetector, error) {
	r.mu.Lock()
	switch r.state {
	case StateReady:
		d := r.detector
		r.mu.Unlock()
		return d, nil
	case StateInitializing:
		p := r.pending
		r.mu.Unlock()
		return r.wait(ctx, p)
	}

	p := &pendingInit{done: make(chan struct{})}
	r.pending = p
	r.state = StateInitializing
	r.mu.Unlock()

	detectorInitAttempts.Inc()
	go r.initialize(p)
	return r.wait(ctx, p)
}

func (r *DetectorResource) wait(ctx context.Context, p *pendingInit) (TextDetector, error) {
	select {
	case <-p.done:
		return p.detector, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *DetectorResource) initialize(p *pendingInit) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	detector, err := r.load(ctx)

	r.mu.Lock()
	if err != nil {
		r.state = StateUninitialized
		r.pending = nil
		slog.Warn("Text detector initialization failed", "error", err,
			"duration_ms", time.Since(start).Milliseconds())
	} else {
		r.state = StateReady
		r.detector = detector
		r.pending = nil
		slog.Info("Text detector ready", "duration_ms", time.Since(start).Milliseconds())
	}
	p.detector = detector
	p.err = err
	close(p.done)
	r.mu.Unlock()
}

func (r *DetectorResource) load(ctx context.Context) (TextDetector, error) {
	if !r.loader.Available() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
	poll:
		for {
			select {
			case <-ctx.Done():
				return nil, unavailable(nil)
			case <-ticker.C:
				if r.loader.Available() {
					break poll
				}
			}
		}
	}

	detector, err := r.loader.Load(ctx)
	if err != nil {
		return nil, unavailable(err)
	}
	if detector == nil {
		return nil, unavailable(errors.New("loader returned no detector"))
	}
	return detector, nil
}

func unavailable(cause error) *Error {
	return newError(ErrEngineUnavailable, string(KindDevice),
		"The on-device text detector did not become available in time. Try again, disable software that may block it, or switch to the cloud engine.",
		cause)
}

// Close releases the detector if one was loaded and resets the resource.
func (r *DetectorResource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateReady {
		return nil
	}
	d := r.detector
	r.detector = nil
	r.state = StateUninitialized
	return d.Close()
}
