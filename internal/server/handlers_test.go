package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/store"
	"github.com/MeKo-Tech/markscan/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_HealthHandler(t *testing.T) {
	server := NewServer(Config{EngineName: "cloud"}, nil, nil)

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET request success", http.MethodGet, http.StatusOK},
		{"POST request not allowed", http.MethodPost, http.StatusMethodNotAllowed},
		{"PUT request not allowed", http.MethodPut, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			server.healthHandler(w, httptest.NewRequest(tt.method, "/health", nil))
			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				response := decode[HealthResponse](t, w)
				assert.Equal(t, "healthy", response.Status)
				assert.Equal(t, "cloud", response.Engine)
				assert.NotEmpty(t, response.Time)
				assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			}
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t, Config{})
	// Touch a route so at least one markscan_ series exists
	env.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	w := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "markscan_http_requests_total")
}

func TestServer_Extract(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.extractor.candidates = []marks.Candidate{candidate("S001", 12), candidate("S002", 18)}

	req := uploadRequest(t, "/extract", map[string]string{"max_mark": "20"}, map[string][]byte{
		"sheet.png": testutil.PNG(t, 60, 40),
	})
	w := env.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[ExtractResponse](t, w)
	require.Len(t, resp.Candidates, 2)
	assert.Equal(t, 2, resp.Count)
	assert.Zero(t, resp.Duplicates)
	assert.Empty(t, resp.Message)
	for _, c := range resp.Candidates {
		assert.NotEmpty(t, c.ID, "every candidate gets a record ID")
	}

	batch := env.extractor.lastBatch()
	require.Len(t, batch, 1)
	assert.InDelta(t, 20, batch[0].MaxMark, 0)
	assert.Equal(t, engine.MIMEPNG, batch[0].Image.MIMEType)
	assert.Equal(t, "sheet.png", batch[0].Image.Name)
}

func TestServer_Extract_AgainstSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess := env.session(t, "Quiz 1", 25, candidate("S001", 10))
	env.extractor.candidates = []marks.Candidate{candidate("S001", 20), candidate("S002", 15), candidate("S003", 5)}

	req := uploadRequest(t, "/extract", map[string]string{"session_id": sess.ID}, map[string][]byte{
		"a.png": testutil.PNG(t, 30, 30),
	})
	w := env.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[ExtractResponse](t, w)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 1, resp.Duplicates)
	assert.Equal(t, "1 entry with a duplicate Student ID was found and will be ignored.", resp.Message)
	assert.Equal(t, sess.ID, resp.SessionID)

	// The session's own scale applies when max_mark is omitted
	assert.InDelta(t, 25, env.extractor.lastBatch()[0].MaxMark, 0)

	// Reviewing never changes the session
	got, err := env.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Marks, 1)
}

func TestServer_Review_MaxMarkMustMatchSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess := env.session(t, "Quiz 3", 20)

	w := env.do(uploadRequest(t, "/sessions/"+sess.ID+"/review", map[string]string{"max_mark": "100"}, map[string][]byte{
		"a.png": testutil.PNG(t, 10, 10),
	}))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[ErrorResponse](t, w).Error, "does not match session maximum 20")
	assert.Zero(t, env.extractor.callCount())

	// Restating the session's own maximum is fine
	w = env.do(uploadRequest(t, "/extract", map[string]string{"session_id": sess.ID, "max_mark": "20"}, map[string][]byte{
		"a.png": testutil.PNG(t, 10, 10),
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.InDelta(t, 20, env.extractor.lastBatch()[0].MaxMark, 0)
}

func TestServer_Review(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess := env.session(t, "Quiz 2", 10, candidate("A", 1), candidate("B", 2))
	env.extractor.candidates = []marks.Candidate{candidate("A", 3), candidate("B", 4)}

	req := uploadRequest(t, "/sessions/"+sess.ID+"/review", nil, map[string][]byte{
		"one.png": testutil.PNG(t, 20, 20),
		"two.jpg": testutil.JPEG(t, 20, 20),
	})
	w := env.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[ExtractResponse](t, w)
	assert.Empty(t, resp.Candidates)
	assert.NotNil(t, resp.Candidates, "empty list, not null")
	assert.Equal(t, 2, resp.Duplicates)
	assert.Equal(t, "2 entries with duplicate Student IDs were found and will be ignored.", resp.Message)
	assert.Len(t, env.extractor.lastBatch(), 2)
}

func TestServer_Extract_BadRequests(t *testing.T) {
	png := testutil.PNG(t, 10, 10)

	tests := []struct {
		name   string
		fields map[string]string
		files  map[string][]byte
		status int
	}{
		{"missing max mark", nil, map[string][]byte{"a.png": png}, http.StatusBadRequest},
		{"non numeric max mark", map[string]string{"max_mark": "lots"}, map[string][]byte{"a.png": png}, http.StatusBadRequest},
		{"zero max mark", map[string]string{"max_mark": "0"}, map[string][]byte{"a.png": png}, http.StatusBadRequest},
		{"no images", map[string]string{"max_mark": "10"}, nil, http.StatusBadRequest},
		{"not an image", map[string]string{"max_mark": "10"}, map[string][]byte{"a.txt": []byte("hello")}, http.StatusBadRequest},
		{"unknown session", map[string]string{"session_id": "missing"}, map[string][]byte{"a.png": png}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			w := env.do(uploadRequest(t, "/extract", tt.fields, tt.files))
			assert.Equal(t, tt.status, w.Code, w.Body.String())

			resp := decode[ErrorResponse](t, w)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
			assert.Empty(t, env.extractor.batches, "no engine call for rejected input")
		})
	}
}

func TestServer_Extract_NotMultipart(t *testing.T) {
	env := newTestEnv(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/extract", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	w := env.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Extract_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, Config{})
	w := env.do(httptest.NewRequest(http.MethodGet, "/extract", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_Extract_TooLarge(t *testing.T) {
	env := newTestEnv(t, Config{MaxUploadMB: 1})
	big := make([]byte, 2*1024*1024)
	w := env.do(uploadRequest(t, "/extract", map[string]string{"max_mark": "10"}, map[string][]byte{"big.png": big}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestServer_Extract_EngineErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		errType string
		message string
	}{
		{
			name:    "configuration",
			err:     &engine.Error{Kind: engine.ErrConfiguration, Message: "The API key was rejected."},
			status:  http.StatusInternalServerError,
			errType: "configuration",
			message: "The API key was rejected.",
		},
		{
			name:    "extraction",
			err:     fmt.Errorf("image 0 (a.png): %w", &engine.Error{Kind: engine.ErrExtraction, Message: "Failed to extract data."}),
			status:  http.StatusBadGateway,
			errType: "extraction",
			message: "Failed to extract data.",
		},
		{
			name:    "unavailable",
			err:     &engine.Error{Kind: engine.ErrEngineUnavailable, Message: "The text detector is not ready."},
			status:  http.StatusServiceUnavailable,
			errType: "engine_unavailable",
			message: "The text detector is not ready.",
		},
		{
			name:    "unknown",
			err:     errors.New("boom"),
			status:  http.StatusInternalServerError,
			errType: "internal",
			message: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			env.extractor.err = tt.err

			w := env.do(uploadRequest(t, "/extract", map[string]string{"max_mark": "10"}, map[string][]byte{
				"a.png": testutil.PNG(t, 10, 10),
			}))
			require.Equal(t, tt.status, w.Code)
			resp := decode[ErrorResponse](t, w)
			assert.Equal(t, tt.errType, resp.ErrorType)
			assert.Equal(t, tt.message, resp.Error)
		})
	}
}

func TestServer_Extract_NoExtractor(t *testing.T) {
	srv := NewServer(Config{}, nil, nil)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, uploadRequest(t, "/extract", map[string]string{"max_mark": "10"}, map[string][]byte{
		"a.png": testutil.PNG(t, 10, 10),
	}))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_Extract_MetersSheets(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: RateLimitConfig{Enabled: true, SheetsPerMinute: 3}})

	newReq := func(n int) *http.Request {
		files := make(map[string][]byte, n)
		for i := 0; i < n; i++ {
			files[fmt.Sprintf("sheet-%d.png", i)] = testutil.PNG(t, 10, 10)
		}
		return uploadRequest(t, "/extract", map[string]string{"max_mark": "10"}, files)
	}
	require.Equal(t, http.StatusOK, env.do(newReq(2)).Code)

	w := env.do(newReq(2))
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "two more sheets exceed the minute limit")
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, 1, env.extractor.callCount(), "refused batches never reach the engine")

	assert.Equal(t, http.StatusOK, env.do(newReq(1)).Code, "one sheet still fits")

	// Session reads are not metered
	assert.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/sessions", nil)).Code)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("session x: %w", store.ErrNotFound), http.StatusNotFound},
		{&RateLimitError{Limit: 1, Requested: 2}, http.StatusTooManyRequests},
		{fmt.Errorf("ws: %w", &QuotaExceededError{Limit: 1}), http.StatusTooManyRequests},
		{store.ErrInvalidMark, http.StatusBadRequest},
		{fmt.Errorf("%w: empty name", store.ErrInvalidSession), http.StatusBadRequest},
		{&engine.Error{Kind: engine.ErrInvalidInput}, http.StatusBadRequest},
		{fmt.Errorf("wait: %w", errors.Join(errors.New("x"), context.DeadlineExceeded)), http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		status, _ := statusForError(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}

func TestServer_Close(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.NoError(t, env.server.Close())
	assert.True(t, env.extractor.closed)

	assert.NoError(t, NewServer(Config{}, nil, nil).Close())
}

func TestParseMaxMark(t *testing.T) {
	v, ok, err := parseMaxMark(" 12.5 ")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 12.5, v, 0)

	_, ok, err = parseMaxMark("")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, bad := range []string{"-1", "NaN", "Inf", "abc"} {
		_, _, err = parseMaxMark(bad)
		assert.Error(t, err, bad)
	}
}
