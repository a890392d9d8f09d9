package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/store"
	"github.com/stretchr/testify/require"
)

// fakeExtractor returns canned candidates and records what it was given.
type fakeExtractor struct {
	mu         sync.Mutex
	candidates []marks.Candidate
	err        error
	batches    [][]engine.BatchItem
	closed     bool
}

func (f *fakeExtractor) ExtractBatch(ctx context.Context, items []engine.BatchItem) ([]marks.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, items)
	if f.err != nil {
		return nil, f.err
	}
	return append([]marks.Candidate{}, f.candidates...), nil
}

func (f *fakeExtractor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeExtractor) lastBatch() []engine.BatchItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil
	}
	return f.batches[len(f.batches)-1]
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func candidate(id string, mark float64) marks.Candidate {
	return marks.Candidate{StudentID: id, Mark: marks.MarkOf(mark)}
}

type testEnv struct {
	server    *Server
	store     *store.Store
	extractor *fakeExtractor
	mux       *http.ServeMux
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.yaml"))
	require.NoError(t, err)

	ex := &fakeExtractor{}
	srv := NewServer(cfg, ex, st)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	return &testEnv{server: srv, store: st, extractor: ex, mux: mux}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func (e *testEnv) session(t *testing.T, name string, maxMark float64, existing ...marks.Candidate) marks.Session {
	t.Helper()
	sess, err := e.store.Create(name, maxMark)
	require.NoError(t, err)
	if len(existing) > 0 {
		pending := make([]marks.StudentMark, len(existing))
		for i, c := range existing {
			pending[i] = marks.StudentMark{StudentID: c.StudentID, Mark: c.Mark}
		}
		_, err = e.store.Commit(sess.ID, pending)
		require.NoError(t, err)
	}
	sess, err = e.store.Get(sess.ID)
	require.NoError(t, err)
	return sess
}

// uploadRequest builds a multipart POST with the given form fields and files
// under the "images" field.
func uploadRequest(t *testing.T, path string, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile("images", name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(t *testing.T, method, path string, v interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}
