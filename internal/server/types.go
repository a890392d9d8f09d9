package server

import (
	"context"
	"io"
	"net/http"

	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/reconcile"
	"github.com/MeKo-Tech/markscan/internal/store"
	"github.com/MeKo-Tech/markscan/internal/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Extractor runs a batch of images through an OCR engine.
// *engine.Batcher implements it.
type Extractor interface {
	ExtractBatch(ctx context.Context, items []engine.BatchItem) ([]marks.Candidate, error)
}

// SessionStore is the persistence the server needs. *store.Store implements it.
type SessionStore interface {
	Create(name string, maxMark float64) (marks.Session, error)
	List() []marks.Session
	Get(id string) (marks.Session, error)
	Delete(id string) error
	Commit(id string, pending []marks.StudentMark) (reconcile.Result, error)
	UpdateMark(sessionID, markID string, upd store.MarkUpdate) (marks.StudentMark, error)
	DeleteMark(sessionID, markID string) error
}

// Server holds the HTTP server state and dependencies.
type Server struct {
	extractor    Extractor
	store        SessionStore
	reconciler   *reconcile.Reconciler
	limiter      *SheetLimiter
	prepare      utils.PrepareOptions
	engineName   string
	exportFormat string
	corsOrigin   string
	maxUploadMB  int64
	timeoutSec   int
}

// Config holds server configuration.
type Config struct {
	Host         string
	Port         int
	CORSOrigin   string
	MaxUploadMB  int64
	TimeoutSec   int
	EngineName   string
	ExportFormat string // default for /export without ?format
	Prepare      utils.PrepareOptions
	RateLimit    RateLimitConfig
}

// RateLimitConfig meters extracted sheets per client. A zero limit is off.
type RateLimitConfig struct {
	Enabled         bool
	SheetsPerMinute int
	SheetsPerDay    int
}

// HealthResponse reports liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Engine  string `json:"engine,omitempty"`
	Time    string `json:"time"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type,omitempty"`
}

// ExtractResponse lists the candidates that survived reconciliation.
type ExtractResponse struct {
	Candidates []marks.StudentMark `json:"candidates"`
	Count      int                 `json:"count"`
	Duplicates int                 `json:"duplicates"`
	Message    string              `json:"message,omitempty"`
	SessionID  string              `json:"session_id,omitempty"`
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Name    string  `json:"name"`
	MaxMark float64 `json:"maxMark"`
}

// SessionsResponse lists sessions.
type SessionsResponse struct {
	Sessions []marks.Session `json:"sessions"`
	Count    int             `json:"count"`
}

// CommitRequest carries the reviewed records, possibly edited by the user.
type CommitRequest struct {
	Records []marks.StudentMark `json:"records"`
}

// CommitResponse reports what a commit appended.
type CommitResponse struct {
	Accepted   []marks.StudentMark `json:"accepted"`
	Count      int                 `json:"count"`
	Duplicates int                 `json:"duplicates"`
	Message    string              `json:"message"`
}

// NewServer creates a server around an extractor and a session store.
func NewServer(config Config, extractor Extractor, st SessionStore) *Server {
	s := &Server{
		extractor:    extractor,
		store:        st,
		reconciler:   reconcile.New(),
		prepare:      config.Prepare,
		engineName:   config.EngineName,
		exportFormat: config.ExportFormat,
		corsOrigin:   config.CORSOrigin,
		maxUploadMB:  config.MaxUploadMB,
		timeoutSec:   config.TimeoutSec,
	}
	if s.corsOrigin == "" {
		s.corsOrigin = "*"
	}
	if s.exportFormat == "" {
		s.exportFormat = "csv"
	}
	if s.maxUploadMB <= 0 {
		s.maxUploadMB = 50
	}
	if s.timeoutSec <= 0 {
		s.timeoutSec = 120
	}
	if rl := config.RateLimit; rl.Enabled {
		s.limiter = NewSheetLimiter(rl.SheetsPerMinute, rl.SheetsPerDay)
	}
	return s
}

// Close releases server resources.
func (s *Server) Close() error {
	if c, ok := s.extractor.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.corsMiddleware(s.healthHandler))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("/extract", s.corsMiddleware(s.extractHandler))
	mux.HandleFunc("/ws/extract", s.extractWebSocketHandler)

	mux.HandleFunc("/sessions", s.corsMiddleware(s.sessionsHandler))
	mux.HandleFunc("/sessions/{id}", s.corsMiddleware(s.sessionHandler))
	mux.HandleFunc("/sessions/{id}/review", s.corsMiddleware(s.reviewHandler))
	mux.HandleFunc("/sessions/{id}/commit", s.corsMiddleware(s.commitHandler))
	mux.HandleFunc("/sessions/{id}/marks/{markId}", s.corsMiddleware(s.markHandler))
	mux.HandleFunc("/sessions/{id}/export", s.corsMiddleware(s.exportHandler))
}
