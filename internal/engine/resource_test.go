package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDetector struct {
	fragments []marks.Fragment
	err       error
	closed    atomic.Bool
}

func (d *fakeDetector) Detect(context.Context, Image) ([]marks.Fragment, error) {
	return d.fragments, d.err
}

func (d *fakeDetector) Close() error {
	d.closed.Store(true)
	return nil
}

type fakeLoader struct {
	available atomic.Bool
	loads     atomic.Int32
	delay     time.Duration
	failNext  atomic.Int32
	detector  TextDetector
}

func newFakeLoader(available bool, detector TextDetector) *fakeLoader {
	l := &fakeLoader{detector: detector}
	l.available.Store(available)
	return l
}

func (l *fakeLoader) Available() bool { return l.available.Load() }

func (l *fakeLoader) Load(ctx context.Context) (TextDetector, error) {
	l.loads.Add(1)
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.failNext.Load() > 0 {
		l.failNext.Add(-1)
		return nil, errors.New("loader failed")
	}
	return l.detector, nil
}

func TestDetectorResource_ConcurrentFirstUseInitializesOnce(t *testing.T) {
	loader := newFakeLoader(true, &fakeDetector{})
	loader.delay = 50 * time.Millisecond
	res := NewDetectorResource(loader, time.Second, 5*time.Millisecond)

	const callers = 32
	var wg sync.WaitGroup
	detectors := make([]TextDetector, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			detectors[i], errs[i] = res.Acquire(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), loader.loads.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Same(t, loader.detector, detectors[i])
	}
	assert.Equal(t, StateReady, res.State())

	_, err := res.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.loads.Load(), "ready detector is reused")
}

func TestDetectorResource_WaitsForAvailability(t *testing.T) {
	loader := newFakeLoader(false, &fakeDetector{})
	res := NewDetectorResource(loader, time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(30 * time.Millisecond)
		loader.available.Store(true)
	}()

	d, err := res.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestDetectorResource_TimeoutResetsForRetry(t *testing.T) {
	loader := newFakeLoader(false, &fakeDetector{})
	res := NewDetectorResource(loader, 40*time.Millisecond, 5*time.Millisecond)

	_, err := res.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Equal(t, StateUninitialized, res.State())
	assert.Equal(t, int32(0), loader.loads.Load())

	loader.available.Store(true)
	d, err := res.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, d)
	assert.Equal(t, StateReady, res.State())
}

func TestDetectorResource_LoadFailureResetsForRetry(t *testing.T) {
	loader := newFakeLoader(true, &fakeDetector{})
	loader.failNext.Store(1)
	res := NewDetectorResource(loader, time.Second, 5*time.Millisecond)

	_, err := res.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Equal(t, StateUninitialized, res.State())

	_, err = res.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), loader.loads.Load())
}

func TestDetectorResource_CallerContextOnlyEndsItsOwnWait(t *testing.T) {
	loader := newFakeLoader(true, &fakeDetector{})
	loader.delay = 60 * time.Millisecond
	res := NewDetectorResource(loader, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := res.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	d, err := res.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, d)
	assert.Equal(t, int32(1), loader.loads.Load())
}

func TestDetectorResource_Close(t *testing.T) {
	det := &fakeDetector{}
	res := NewDetectorResource(newFakeLoader(true, det), time.Second, time.Millisecond)
	require.NoError(t, res.Close())

	_, err := res.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Close())
	assert.True(t, det.closed.Load())
	assert.Equal(t, StateUninitialized, res.State())
}

func TestResourceState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "initializing", StateInitializing.String())
	assert.Equal(t, "ready", StateReady.String())
}
