package support

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/testutil"
	"github.com/cucumber/godog"
	"github.com/tmc/langchaingo/llms"
)

// StaticDetector reports the same fragments for every image.
type StaticDetector struct {
	Fragments []marks.Fragment
	closed    atomic.Bool
}

// Detect implements engine.TextDetector.
func (d *StaticDetector) Detect(context.Context, engine.Image) ([]marks.Fragment, error) {
	return append([]marks.Fragment(nil), d.Fragments...), nil
}

// Close implements engine.TextDetector.
func (d *StaticDetector) Close() error {
	d.closed.Store(true)
	return nil
}

// CountingLoader becomes available at a set time and counts loads.
type CountingLoader struct {
	readyAt  atomic.Int64 // unix nanos, 0 means never
	loads    atomic.Int32
	detector engine.TextDetector
}

// Available implements engine.DetectorLoader.
func (l *CountingLoader) Available() bool {
	at := l.readyAt.Load()
	return at != 0 && time.Now().UnixNano() >= at
}

// Load implements engine.DetectorLoader.
func (l *CountingLoader) Load(ctx context.Context) (engine.TextDetector, error) {
	l.loads.Add(1)
	// A real detector takes a moment to start; give concurrent callers time to pile up.
	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return l.detector, nil
}

// ScriptedModel is an llms.Model that answers with a fixed text or error.
type ScriptedModel struct {
	mu       sync.Mutex
	Response string
	Err      error
	Messages []llms.MessageContent
}

// GenerateContent implements llms.Model.
func (m *ScriptedModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, messages...)
	if m.Err != nil {
		return nil, m.Err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.Response}}}, nil
}

// Call implements llms.Model.
func (m *ScriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// SheetEngine reads candidates from a table keyed by image name.
type SheetEngine struct {
	mu       sync.Mutex
	sheets   map[string][]marks.Candidate
	failures map[string]error
	reads    []string
}

// NewSheetEngine creates an engine that knows no sheets yet.
func NewSheetEngine() *SheetEngine {
	return &SheetEngine{sheets: make(map[string][]marks.Candidate), failures: make(map[string]error)}
}

// Name implements engine.Engine.
func (e *SheetEngine) Name() string { return "sheet" }

// Extract implements engine.Engine.
func (e *SheetEngine) Extract(_ context.Context, img engine.Image, maxMark float64) ([]marks.Candidate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reads = append(e.reads, img.Name)
	if err := e.failures[img.Name]; err != nil {
		return nil, err
	}
	return marks.ValidateCandidates(e.sheets[img.Name], maxMark), nil
}

func (e *SheetEngine) readCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reads)
}

// samplePNG returns a small blank sheet image.
func samplePNG() []byte {
	img := image.NewGray(image.Rect(0, 0, 32, 24))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.Set(0, 0, color.Black)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func sheetImage(name string) engine.Image {
	return engine.Image{Name: name, Data: samplePNG(), MIMEType: engine.MIMEPNG}
}

// kindByName maps an error label to its engine error kind.
func kindByName(name string) (kind, err error) {
	switch name {
	case "configuration":
		return engine.ErrConfiguration, nil
	case "extraction":
		return engine.ErrExtraction, nil
	case "engine_unavailable":
		return engine.ErrEngineUnavailable, nil
	case "invalid_input":
		return engine.ErrInvalidInput, nil
	default:
		return nil, fmt.Errorf("unknown error kind %q", name)
	}
}

// RegisterEngineSteps registers on-device, cloud and batch engine steps.
func (testCtx *TestContext) RegisterEngineSteps(sc *godog.ScenarioContext) {
	sc.Step(`^an on-device engine whose detector becomes available after (\d+) milliseconds$`, testCtx.anOnDeviceEngineAvailableAfter)
	sc.Step(`^an on-device engine whose detector never becomes available, giving up after (\d+) milliseconds$`, testCtx.anOnDeviceEngineNeverAvailable)
	sc.Step(`^the detector sees a sheet with rows:$`, testCtx.theDetectorSeesASheetWithRows)
	sc.Step(`^the detector becomes available$`, testCtx.theDetectorBecomesAvailable)
	sc.Step(`^(\d+) images are extracted concurrently with maximum mark (\S+)$`, testCtx.imagesAreExtractedConcurrently)
	sc.Step(`^the detector was initialized exactly (\d+) times?$`, testCtx.theDetectorWasInitialized)
	sc.Step(`^every extraction returned:$`, testCtx.everyExtractionReturned)
	sc.Step(`^the detector resource is "([^"]*)"$`, testCtx.theDetectorResourceIs)

	sc.Step(`^a cloud engine whose model answers:$`, testCtx.aCloudEngineWhoseModelAnswers)
	sc.Step(`^a cloud engine whose model fails with "([^"]*)"$`, testCtx.aCloudEngineWhoseModelFails)
	sc.Step(`^the model was sent the image with instructions mentioning "([^"]*)"$`, testCtx.theModelWasSentTheImage)

	sc.Step(`^an image is extracted with maximum mark (\S+)$`, testCtx.anImageIsExtracted)
	sc.Step(`^the extraction succeeds$`, testCtx.theExtractionSucceeds)
	sc.Step(`^the extraction fails with an? "([^"]*)" error$`, testCtx.theExtractionFailsWith)
	sc.Step(`^the error message mentions "([^"]*)"$`, testCtx.theErrorMessageMentions)

	sc.Step(`^an engine that reads these sheets:$`, testCtx.anEngineThatReadsTheseSheets)
	sc.Step(`^reading "([^"]*)" fails with an? "([^"]*)" error$`, testCtx.readingFailsWith)
	sc.Step(`^the images "([^"]*)" are extracted as one batch with maximum mark (\S+)$`, testCtx.theImagesAreExtractedAsOneBatch)
	sc.Step(`^an empty batch is extracted with maximum mark (\S+)$`, testCtx.anEmptyBatchIsExtracted)
	sc.Step(`^every image was read$`, testCtx.everyImageWasRead)
	sc.Step(`^no image was read$`, testCtx.noImageWasRead)
}

func (testCtx *TestContext) newDevice(timeout time.Duration) {
	testCtx.Detector = &StaticDetector{}
	testCtx.Loader = &CountingLoader{detector: testCtx.Detector}
	cfg := engine.DefaultDeviceConfig()
	cfg.InitTimeout = timeout
	cfg.PollInterval = 5 * time.Millisecond
	testCtx.Device = engine.NewDeviceEngine(cfg, testCtx.Loader)
	testCtx.Active = testCtx.Device
}

func (testCtx *TestContext) anOnDeviceEngineAvailableAfter(ms int) error {
	testCtx.newDevice(5 * time.Second)
	testCtx.Loader.readyAt.Store(time.Now().Add(time.Duration(ms) * time.Millisecond).UnixNano())
	return nil
}

func (testCtx *TestContext) anOnDeviceEngineNeverAvailable(ms int) error {
	testCtx.newDevice(time.Duration(ms) * time.Millisecond)
	return nil
}

func (testCtx *TestContext) theDetectorSeesASheetWithRows(table *godog.Table) error {
	if testCtx.Detector == nil {
		return fmt.Errorf("no on-device engine in this scenario")
	}
	rows := make([]testutil.SheetRow, 0, len(table.Rows))
	for _, text := range singleColumn(table) {
		rows = append(rows, testutil.SheetRow(strings.Fields(text)))
	}
	testCtx.Detector.Fragments = testutil.Fragments(rows...)
	return nil
}

func (testCtx *TestContext) theDetectorBecomesAvailable() error {
	testCtx.Loader.readyAt.Store(time.Now().UnixNano())
	return nil
}

func (testCtx *TestContext) imagesAreExtractedConcurrently(n int, rawMax string) error {
	maxMark, err := parseMaxMark(rawMax)
	if err != nil {
		return err
	}
	testCtx.Results = make([][]marks.Candidate, n)
	testCtx.Errors = make([]error, n)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			testCtx.Results[i], testCtx.Errors[i] = testCtx.Active.Extract(
				context.Background(), sheetImage(fmt.Sprintf("sheet-%d.png", i+1)), maxMark)
		}()
	}
	close(start)
	wg.Wait()

	for i, err := range testCtx.Errors {
		if err != nil {
			return fmt.Errorf("extraction %d failed: %w", i+1, err)
		}
	}
	return nil
}

func (testCtx *TestContext) theDetectorWasInitialized(n int) error {
	if got := int(testCtx.Loader.loads.Load()); got != n {
		return fmt.Errorf("expected %d detector loads, got %d", n, got)
	}
	return nil
}

func (testCtx *TestContext) everyExtractionReturned(table *godog.Table) error {
	want, err := candidatesFromTable(table)
	if err != nil {
		return err
	}
	if len(testCtx.Results) == 0 {
		return fmt.Errorf("no extractions ran")
	}
	for i, got := range testCtx.Results {
		if err := compareCandidates(want, got); err != nil {
			return fmt.Errorf("extraction %d: %w", i+1, err)
		}
	}
	return nil
}

func (testCtx *TestContext) theDetectorResourceIs(state string) error {
	if got := testCtx.Device.Resource().State().String(); got != state {
		return fmt.Errorf("expected detector resource %q, got %q", state, got)
	}
	return nil
}

func (testCtx *TestContext) useCloudModel(model *ScriptedModel) {
	testCtx.Model = model
	testCtx.Active = engine.NewCloudEngineWithModel(model, engine.CloudConfig{
		Provider: engine.ProviderGoogle,
		Model:    "scripted",
	})
}

func (testCtx *TestContext) aCloudEngineWhoseModelAnswers(answer *godog.DocString) error {
	testCtx.useCloudModel(&ScriptedModel{Response: answer.Content})
	return nil
}

func (testCtx *TestContext) aCloudEngineWhoseModelFails(message string) error {
	testCtx.useCloudModel(&ScriptedModel{Err: errors.New(message)})
	return nil
}

func (testCtx *TestContext) theModelWasSentTheImage(text string) error {
	testCtx.Model.mu.Lock()
	defer testCtx.Model.mu.Unlock()
	if len(testCtx.Model.Messages) != 1 {
		return fmt.Errorf("expected 1 message, got %d", len(testCtx.Model.Messages))
	}
	var sawImage, sawText bool
	for _, part := range testCtx.Model.Messages[0].Parts {
		switch p := part.(type) {
		case llms.BinaryContent:
			sawImage = p.MIMEType == engine.MIMEPNG && len(p.Data) > 0
		case llms.TextContent:
			sawText = strings.Contains(p.Text, text)
		}
	}
	if !sawImage {
		return fmt.Errorf("the image was not sent")
	}
	if !sawText {
		return fmt.Errorf("the instructions do not mention %q", text)
	}
	return nil
}

func (testCtx *TestContext) anImageIsExtracted(rawMax string) error {
	maxMark, err := parseMaxMark(rawMax)
	if err != nil {
		return err
	}
	if testCtx.Active == nil {
		return fmt.Errorf("no engine in this scenario")
	}
	testCtx.Candidates, testCtx.LastErr = testCtx.Active.Extract(context.Background(), sheetImage("sheet.png"), maxMark)
	testCtx.Extracted = true
	return nil
}

func (testCtx *TestContext) theExtractionSucceeds() error {
	if testCtx.LastErr != nil {
		return fmt.Errorf("expected success, got %w", testCtx.LastErr)
	}
	return nil
}

func (testCtx *TestContext) theExtractionFailsWith(kindName string) error {
	kind, err := kindByName(kindName)
	if err != nil {
		return err
	}
	if testCtx.LastErr == nil {
		return fmt.Errorf("expected a %s error, got success", kindName)
	}
	if engine.KindOf(testCtx.LastErr) != kind {
		return fmt.Errorf("expected a %s error, got %s: %w", kindName, engine.KindName(testCtx.LastErr), testCtx.LastErr)
	}
	return nil
}

func (testCtx *TestContext) theErrorMessageMentions(text string) error {
	if testCtx.LastErr == nil {
		return fmt.Errorf("no error recorded")
	}
	if !strings.Contains(testCtx.LastErr.Error(), text) {
		return fmt.Errorf("error %q does not mention %q", testCtx.LastErr.Error(), text)
	}
	return nil
}

// anEngineThatReadsTheseSheets reads a table with the header image | student_id | mark.
func (testCtx *TestContext) anEngineThatReadsTheseSheets(table *godog.Table) error {
	testCtx.Stub = NewSheetEngine()
	testCtx.Active = testCtx.Stub
	for i, row := range table.Rows {
		if i == 0 {
			continue
		}
		if len(row.Cells) != 3 {
			return fmt.Errorf("row %d: expected 3 cells, got %d", i, len(row.Cells))
		}
		m, err := parseMark(row.Cells[2].Value)
		if err != nil {
			return err
		}
		name := row.Cells[0].Value
		testCtx.Stub.sheets[name] = append(testCtx.Stub.sheets[name], marks.Candidate{StudentID: row.Cells[1].Value, Mark: m})
	}
	return nil
}

func (testCtx *TestContext) readingFailsWith(name, kindName string) error {
	kind, err := kindByName(kindName)
	if err != nil {
		return err
	}
	testCtx.Stub.failures[name] = &engine.Error{Kind: kind, Engine: "sheet", Message: fmt.Sprintf("could not read %s", name)}
	return nil
}

func (testCtx *TestContext) theImagesAreExtractedAsOneBatch(list, rawMax string) error {
	maxMark, err := parseMaxMark(rawMax)
	if err != nil {
		return err
	}
	var items []engine.BatchItem
	for _, name := range splitCSVList(list) {
		items = append(items, engine.BatchItem{Image: sheetImage(name), MaxMark: maxMark})
	}
	return testCtx.runBatch(items)
}

func (testCtx *TestContext) anEmptyBatchIsExtracted(rawMax string) error {
	if _, err := parseMaxMark(rawMax); err != nil {
		return err
	}
	return testCtx.runBatch(nil)
}

func (testCtx *TestContext) runBatch(items []engine.BatchItem) error {
	if testCtx.Active == nil {
		return fmt.Errorf("no engine in this scenario")
	}
	batcher := engine.NewBatcher(testCtx.Active, engine.BatchConfig{MaxWorkers: 2})
	testCtx.Candidates, testCtx.LastErr = batcher.ExtractBatch(context.Background(), items)
	testCtx.Extracted = true
	return nil
}

func (testCtx *TestContext) everyImageWasRead() error {
	if testCtx.Stub == nil {
		return fmt.Errorf("no sheet engine in this scenario")
	}
	if testCtx.Stub.readCount() == 0 {
		return fmt.Errorf("no image was read")
	}
	for name := range testCtx.Stub.failures {
		if !testCtx.Stub.wasRead(name) {
			return fmt.Errorf("%s was never read", name)
		}
	}
	for name := range testCtx.Stub.sheets {
		if !testCtx.Stub.wasRead(name) {
			return fmt.Errorf("%s was never read", name)
		}
	}
	return nil
}

func (testCtx *TestContext) noImageWasRead() error {
	if testCtx.Stub != nil && testCtx.Stub.readCount() != 0 {
		return fmt.Errorf("expected no reads, got %d", testCtx.Stub.readCount())
	}
	return nil
}

func (e *SheetEngine) wasRead(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.reads {
		if r == name {
			return true
		}
	}
	return false
}
