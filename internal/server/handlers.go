package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/markscan/internal/batch"
	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/reconcile"
	"github.com/MeKo-Tech/markscan/internal/store"
	"github.com/MeKo-Tech/markscan/internal/utils"
	"github.com/MeKo-Tech/markscan/internal/version"
)

// Multipart field names accepted for uploaded sheets.
var imageFields = []string{"images", "images[]", "image"}

// healthHandler returns server health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: version.Version,
		Engine:  s.engineName,
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

// extractHandler extracts candidates from uploaded sheets. With a session_id
// the candidates are reconciled against that session.
func (s *Server) extractHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.parseUpload(w, r) {
		return
	}
	s.runExtraction(w, r, r.FormValue("session_id"))
}

// reviewHandler is extractHandler bound to the session in the path.
func (s *Server) reviewHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.parseUpload(w, r) {
		return
	}
	s.runExtraction(w, r, r.PathValue("id"))
}

// parseUpload limits and parses the multipart body.
func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request) bool {
	limit := s.maxUploadMB * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			s.writeErrorResponse(w, "Upload too large", http.StatusRequestEntityTooLarge, "invalid_input")
		} else {
			s.writeErrorResponse(w, "Failed to parse form data", http.StatusBadRequest, "invalid_input")
		}
		return false
	}
	return true
}

func (s *Server) runExtraction(w http.ResponseWriter, r *http.Request, sessionID string) {
	var existing []marks.StudentMark
	maxMark, hasMax, err := parseMaxMark(r.FormValue("max_mark"))
	if err != nil {
		s.writeErrorResponse(w, err.Error(), http.StatusBadRequest, "invalid_input")
		return
	}
	if sessionID != "" {
		sess, err := s.store.Get(sessionID)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		existing = sess.Marks
		if hasMax && maxMark != sess.MaxMark {
			msg := fmt.Sprintf("max_mark %s does not match session maximum %s", marks.MarkOf(maxMark), marks.MarkOf(sess.MaxMark))
			s.writeErrorResponse(w, msg, http.StatusBadRequest, "invalid_input")
			return
		}
		maxMark, hasMax = sess.MaxMark, true
	}
	if !hasMax {
		s.writeErrorResponse(w, "max_mark is required", http.StatusBadRequest, "invalid_input")
		return
	}

	images, err := s.readImages(r.MultipartForm)
	if err != nil {
		s.writeErrorResponse(w, err.Error(), http.StatusBadRequest, "invalid_input")
		return
	}
	if err := s.chargeSheets(clientKey(r), len(images)); err != nil {
		s.writeLimitError(w, err)
		return
	}

	resp, err := s.extract(r.Context(), images, maxMark, existing)
	if err != nil {
		extractRequestsTotal.WithLabelValues("http", "error").Inc()
		s.writeEngineError(w, err)
		return
	}
	extractRequestsTotal.WithLabelValues("http", "success").Inc()
	resp.SessionID = sessionID
	writeJSON(w, http.StatusOK, resp)
}

// extract runs the batch and reconciles the result against existing.
func (s *Server) extract(ctx context.Context, images []engine.Image, maxMark float64, existing []marks.StudentMark) (ExtractResponse, error) {
	if s.extractor == nil {
		return ExtractResponse{}, &engine.Error{Kind: engine.ErrEngineUnavailable, Message: "OCR engine not initialized"}
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeoutSec)*time.Second)
	defer cancel()

	imagesPerRequest.Observe(float64(len(images)))
	candidates, err := s.extractor.ExtractBatch(ctx, batch.Items(images, maxMark))
	if err != nil {
		return ExtractResponse{}, err
	}

	res := s.reconciler.Reconcile(existing, candidates)
	if res.Duplicates > 0 {
		duplicatesDiscarded.WithLabelValues("review").Add(float64(res.Duplicates))
	}
	slog.Info("Extraction finished", "images", len(images), "candidates", len(candidates), "duplicates", res.Duplicates)
	return newExtractResponse(res), nil
}

func newExtractResponse(res reconcile.Result) ExtractResponse {
	return ExtractResponse{
		Candidates: res.Accepted,
		Count:      len(res.Accepted),
		Duplicates: res.Duplicates,
		Message:    reconcile.DuplicateMessage(res.Duplicates),
	}
}

// readImages loads and prepares every uploaded image in field order.
func (s *Server) readImages(form *multipart.Form) ([]engine.Image, error) {
	if form == nil {
		return nil, errors.New("no images provided")
	}
	var images []engine.Image
	for _, field := range imageFields {
		for _, fh := range form.File[field] {
			img, err := s.readImage(fh)
			if err != nil {
				return nil, err
			}
			images = append(images, img)
		}
	}
	if len(images) == 0 {
		return nil, errors.New("no images provided")
	}
	return images, nil
}

func (s *Server) readImage(fh *multipart.FileHeader) (engine.Image, error) {
	f, err := fh.Open()
	if err != nil {
		return engine.Image{}, fmt.Errorf("failed to read %s: %w", fh.Filename, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return engine.Image{}, fmt.Errorf("failed to read %s: %w", fh.Filename, err)
	}
	uploadSizeBytes.Observe(float64(len(data)))
	return s.prepareImage(fh.Filename, data)
}

func (s *Server) prepareImage(name string, data []byte) (engine.Image, error) {
	img, _, err := utils.LoadImageBytes(name, data)
	if err != nil {
		return engine.Image{}, fmt.Errorf("%s: %w", name, err)
	}
	img, err = utils.PrepareImage(img, s.prepare)
	if err != nil {
		return engine.Image{}, fmt.Errorf("%s: %w", name, err)
	}
	return img, nil
}

// parseMaxMark parses an optional max_mark form value.
func parseMaxMark(raw string) (float64, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid max_mark %q", raw)
	}
	if err := marks.ValidateMaxMark(v); err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// statusForError maps engine and store errors to HTTP status codes.
func statusForError(err error) (int, string) {
	var rateErr *RateLimitError
	var quotaErr *QuotaExceededError
	switch {
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.As(err, &quotaErr):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrInvalidSession), errors.Is(err, store.ErrInvalidMark):
		return http.StatusBadRequest, "invalid_input"
	}
	switch engine.KindOf(err) {
	case engine.ErrInvalidInput:
		return http.StatusBadRequest, engine.KindName(err)
	case engine.ErrConfiguration:
		return http.StatusInternalServerError, engine.KindName(err)
	case engine.ErrExtraction:
		return http.StatusBadGateway, engine.KindName(err)
	case engine.ErrEngineUnavailable:
		return http.StatusServiceUnavailable, engine.KindName(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

// writeEngineError reports a failed extraction with the engine's message.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status, errType := statusForError(err)
	msg := err.Error()
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		msg = engErr.Message
	}
	slog.Warn("Extraction failed", "error", err, "status", status)
	s.writeErrorResponse(w, msg, status, errType)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	status, errType := statusForError(err)
	if status == http.StatusInternalServerError {
		slog.Error("Session store failure", "error", err)
	}
	s.writeErrorResponse(w, err.Error(), status, errType)
}

// writeErrorResponse writes a JSON error response.
func (s *Server) writeErrorResponse(w http.ResponseWriter, message string, statusCode int, errorType string) {
	writeJSON(w, statusCode, ErrorResponse{Success: false, Error: message, ErrorType: errorType})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Log error, but can't send another response
		slog.Error("Error encoding response", "error", err)
	}
}
