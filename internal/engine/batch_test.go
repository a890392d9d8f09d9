package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEngine returns one candidate per image named after the image, after a
// delay that makes later images finish first.
type stubEngine struct {
	calls atomic.Int32
	fail  map[string]error
}

func (e *stubEngine) Name() string { return "stub" }

func (e *stubEngine) Extract(_ context.Context, img Image, _ float64) ([]marks.Candidate, error) {
	e.calls.Add(1)
	if len(img.Name) > 0 {
		time.Sleep(time.Duration(10-int(img.Name[len(img.Name)-1]-'0')) * time.Millisecond)
	}
	if err := e.fail[img.Name]; err != nil {
		return nil, err
	}
	return []marks.Candidate{
		{StudentID: img.Name + "-a", Mark: marks.MarkOf(1)},
		{StudentID: img.Name + "-b", Mark: marks.NoMark()},
	}, nil
}

func items(n int) []BatchItem {
	out := make([]BatchItem, n)
	for i := range out {
		out[i] = BatchItem{
			Image:   Image{Name: fmt.Sprintf("img%d", i), Data: []byte{1}, MIMEType: MIMEPNG},
			MaxMark: 10,
		}
	}
	return out
}

func TestBatcher_ConcatenatesInSubmissionOrder(t *testing.T) {
	eng := &stubEngine{}
	b := NewBatcher(eng, BatchConfig{})

	got, err := b.ExtractBatch(context.Background(), items(5))
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i := range 5 {
		assert.Equal(t, fmt.Sprintf("img%d-a", i), got[2*i].StudentID)
		assert.Equal(t, fmt.Sprintf("img%d-b", i), got[2*i+1].StudentID)
	}
	assert.Equal(t, int32(5), eng.calls.Load())
}

func TestBatcher_AnyFailureFailsTheBatch(t *testing.T) {
	first := newError(ErrExtraction, "stub", "first failure", nil)
	second := newError(ErrConfiguration, "stub", "second failure", nil)
	eng := &stubEngine{fail: map[string]error{"img1": first, "img3": second}}
	b := NewBatcher(eng, BatchConfig{MaxWorkers: 2})

	got, err := b.ExtractBatch(context.Background(), items(4))
	require.Error(t, err)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrExtraction)
	assert.Contains(t, err.Error(), "first failure")
	assert.Equal(t, int32(4), eng.calls.Load(), "every image runs to completion")
}

func TestBatcher_EmptyResultIsNotAnError(t *testing.T) {
	eng := NewCloudEngineWithModel(&fakeModel{response: "[]"}, CloudConfig{})
	got, err := NewBatcher(eng, BatchConfig{}).ExtractBatch(context.Background(), items(2))
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestExtractBatch_SharedMaxMark(t *testing.T) {
	eng := &stubEngine{}
	images := make([]Image, 3)
	for i, it := range items(3) {
		images[i] = it.Image
	}

	got, err := ExtractBatch(context.Background(), eng, images, 10)
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, "img0-a", got[0].StudentID)
	assert.Equal(t, "img2-b", got[5].StudentID)

	_, err = ExtractBatch(context.Background(), eng, nil, 10)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = ExtractBatch(context.Background(), eng, images, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestValidateBatch(t *testing.T) {
	valid := items(1)[0]
	tests := []struct {
		name  string
		items []BatchItem
	}{
		{"empty", nil},
		{"no data", []BatchItem{{Image: Image{Name: "x", MIMEType: MIMEPNG}, MaxMark: 10}}},
		{"bad mime", []BatchItem{{Image: Image{Name: "x", Data: []byte{1}, MIMEType: "image/gif"}, MaxMark: 10}}},
		{"zero max", []BatchItem{{Image: valid.Image, MaxMark: 0}}},
		{"negative max", []BatchItem{{Image: valid.Image, MaxMark: -5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &stubEngine{}
			_, err := NewBatcher(eng, BatchConfig{}).ExtractBatch(context.Background(), tt.items)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Equal(t, int32(0), eng.calls.Load())
		})
	}
}

type recordingProgress struct {
	started, completed atomic.Int32
	progress, errors   atomic.Int32
}

func (p *recordingProgress) OnStart(int)         { p.started.Add(1) }
func (p *recordingProgress) OnProgress(int, int) { p.progress.Add(1) }
func (p *recordingProgress) OnComplete()         { p.completed.Add(1) }
func (p *recordingProgress) OnError(int, error)  { p.errors.Add(1) }

func TestBatcher_ReportsProgress(t *testing.T) {
	p := &recordingProgress{}
	eng := &stubEngine{fail: map[string]error{"img2": errors.New("boom")}}
	_, _ = NewBatcher(eng, BatchConfig{Progress: p}).ExtractBatch(context.Background(), items(3))

	assert.Equal(t, int32(1), p.started.Load())
	assert.Equal(t, int32(3), p.progress.Load())
	assert.Equal(t, int32(1), p.errors.Load())
	assert.Equal(t, int32(1), p.completed.Load())
}

func TestDeviceEngine_Extract(t *testing.T) {
	det := &fakeDetector{fragments: []marks.Fragment{
		{Text: "Jane", Box: marks.BoundingBox{X: 10, Y: 58, Width: 60, Height: 20}},
		{Text: "45", Box: marks.BoundingBox{X: 300, Y: 60, Width: 30, Height: 20}},
		{Text: "Doe", Box: marks.BoundingBox{X: 90, Y: 61, Width: 50, Height: 20}},
		{Text: "B-7", Box: marks.BoundingBox{X: 10, Y: 180, Width: 60, Height: 20}},
		{Text: "99", Box: marks.BoundingBox{X: 300, Y: 182, Width: 20, Height: 20}},
	}}
	loader := newFakeLoader(true, det)
	eng := NewDeviceEngine(DefaultDeviceConfig(), loader)

	got, err := eng.Extract(context.Background(), Image{Data: []byte{1}, MIMEType: MIMEPNG}, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Jane Doe", got[0].StudentID)
	assert.True(t, got[0].Mark.Equal(marks.MarkOf(45)))
	assert.Equal(t, StateReady, eng.Resource().State())
}

func TestDeviceEngine_ConcurrentBatchInitializesOnce(t *testing.T) {
	loader := newFakeLoader(true, &fakeDetector{})
	loader.delay = 30 * time.Millisecond
	eng := NewDeviceEngine(DefaultDeviceConfig(), loader)

	_, err := NewBatcher(eng, BatchConfig{}).ExtractBatch(context.Background(), items(8))
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.loads.Load())
}

func TestDeviceEngine_Unavailable(t *testing.T) {
	cfg := DefaultDeviceConfig()
	cfg.InitTimeout = 30 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	eng := NewDeviceEngine(cfg, newFakeLoader(false, &fakeDetector{}))

	_, err := eng.Extract(context.Background(), Image{Data: []byte{1}, MIMEType: MIMEPNG}, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Equal(t, "engine_unavailable", KindName(err))
}

func TestDeviceEngine_DetectFailure(t *testing.T) {
	eng := NewDeviceEngine(DefaultDeviceConfig(), newFakeLoader(true, &fakeDetector{err: errors.New("bad image")}))
	_, err := eng.Extract(context.Background(), Image{Data: []byte{1}, MIMEType: MIMEPNG}, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Device ")
	require.NoError(t, err)
	assert.Equal(t, KindDevice, k)

	_, err = ParseKind("gpu")
	require.Error(t, err)
}

type closingEngine struct {
	stubEngine
	closed bool
}

func (e *closingEngine) Close() error {
	e.closed = true
	return nil
}

func TestBatcher_Close(t *testing.T) {
	eng := &closingEngine{}
	require.NoError(t, NewBatcher(eng, BatchConfig{}).Close())
	assert.True(t, eng.closed)

	assert.NoError(t, NewBatcher(&stubEngine{}, BatchConfig{}).Close(), "engines without resources close as a no-op")
}
