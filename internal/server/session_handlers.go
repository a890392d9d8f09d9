package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MeKo-Tech/markscan/internal/export"
	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/reconcile"
	"github.com/MeKo-Tech/markscan/internal/store"
)

const maxJSONBody = 1 << 20

// sessionsHandler lists or creates sessions.
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions := s.store.List()
		writeJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions, Count: len(sessions)})
	case http.MethodPost:
		var req CreateSessionRequest
		if !s.decodeJSON(w, r, &req) {
			return
		}
		sess, err := s.store.Create(req.Name, req.MaxMark)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// sessionHandler shows or deletes one session.
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		sess, err := s.store.Get(id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case http.MethodDelete:
		if err := s.store.Delete(id); err != nil {
			s.writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// commitHandler appends reviewed records. Duplicates are checked again
// against the session as it is now.
func (s *Server) commitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req CommitRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	res, err := s.store.Commit(r.PathValue("id"), req.Records)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if res.Duplicates > 0 {
		duplicatesDiscarded.WithLabelValues("commit").Add(float64(res.Duplicates))
	}
	recordsCommitted.Add(float64(len(res.Accepted)))

	writeJSON(w, http.StatusOK, CommitResponse{
		Accepted:   res.Accepted,
		Count:      len(res.Accepted),
		Duplicates: res.Duplicates,
		Message:    reconcile.Summary(res),
	})
}

// markPatch distinguishes an absent mark (unchanged) from null (cleared).
type markPatch struct {
	StudentID *string         `json:"studentId"`
	Mark      json.RawMessage `json:"mark"`
}

func (p markPatch) update() (store.MarkUpdate, error) {
	upd := store.MarkUpdate{StudentID: p.StudentID}
	if len(p.Mark) > 0 {
		m, err := marks.DecodeMark(p.Mark)
		if err != nil {
			return upd, fmt.Errorf("%w: %v", store.ErrInvalidMark, err)
		}
		upd.Mark = &m
	}
	return upd, nil
}

// markHandler edits or deletes a single record.
func (s *Server) markHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, markID := r.PathValue("id"), r.PathValue("markId")
	switch r.Method {
	case http.MethodPatch:
		var patch markPatch
		if !s.decodeJSON(w, r, &patch) {
			return
		}
		upd, err := patch.update()
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		rec, err := s.store.UpdateMark(sessionID, markID, upd)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		if err := s.store.DeleteMark(sessionID, markID); err != nil {
			s.writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// exportHandler downloads a session as CSV or XLSX.
func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw := r.URL.Query().Get("format")
	if raw == "" {
		raw = s.exportFormat
	}
	format, err := export.ParseFormat(raw)
	if err != nil {
		s.writeErrorResponse(w, err.Error(), http.StatusBadRequest, "invalid_input")
		return
	}
	sess, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	// Render first so a failure can still produce a JSON error.
	var buf bytes.Buffer
	if err := export.Write(&buf, sess, format); err != nil {
		slog.Error("Export failed", "session_id", sess.ID, "format", format, "error", err)
		s.writeErrorResponse(w, "export failed", http.StatusInternalServerError, "internal")
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(sess, format)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		s.writeErrorResponse(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest, "invalid_input")
		return false
	}
	return true
}
