package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/gorilla/websocket"
)

// WebSocket upgrader with reasonable defaults.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// WebSocketImage is one uploaded sheet. Data is base64 in JSON.
type WebSocketImage struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// WebSocketExtractRequest asks for an extraction over WebSocket.
type WebSocketExtractRequest struct {
	Type      string           `json:"type"` // "extract"
	Images    []WebSocketImage `json:"images"`
	MaxMark   float64          `json:"max_mark,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
}

// WebSocketConnWriter is an interface for writing WebSocket messages.
type WebSocketConnWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// WebSocketExtractResponse is sent for every state change of a request.
type WebSocketExtractResponse struct {
	Type      string           `json:"type"`
	Status    string           `json:"status"` // "processing", "completed", "error"
	Progress  float64          `json:"progress,omitempty"`
	Result    *ExtractResponse `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorType string           `json:"error_type,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
}

// extractWebSocketHandler handles WebSocket connections for extraction.
func (s *Server) extractWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	websocketConnections.Inc()
	defer websocketConnections.Dec()

	slog.Info("WebSocket connection established", "remote_addr", r.RemoteAddr)
	s.handleWebSocketConnection(r.Context(), conn, clientKey(r))
}

// handleWebSocketConnection processes messages until the client goes away.
func (s *Server) handleWebSocketConnection(ctx context.Context, conn *websocket.Conn, client string) {
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket error", "error", err)
			}
			break
		}

		websocketMessagesTotal.WithLabelValues("received").Inc()

		if messageType == websocket.TextMessage {
			s.handleWebSocketMessage(ctx, conn, client, data)
		}
	}
}

// handleWebSocketMessage runs one extraction request billed to client.
func (s *Server) handleWebSocketMessage(ctx context.Context, conn WebSocketConnWriter, client string, data []byte) {
	var req WebSocketExtractRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendWebSocketError(conn, "", "invalid_input", fmt.Sprintf("Failed to parse request: %v", err))
		return
	}
	if req.Type != "extract" {
		s.sendWebSocketError(conn, "", "invalid_input", "Unsupported request type: "+req.Type)
		return
	}

	requestID := strconv.FormatInt(time.Now().UnixNano(), 10)
	s.sendWebSocketResponse(conn, WebSocketExtractResponse{
		Type:      "extract_response",
		Status:    "processing",
		RequestID: requestID,
	})

	resp, err := s.processWebSocketExtract(ctx, client, req)
	if err != nil {
		extractRequestsTotal.WithLabelValues("websocket", "error").Inc()
		status, errType := statusForError(err)
		msg := err.Error()
		var engErr *engine.Error
		if errors.As(err, &engErr) {
			msg = engErr.Message
		}
		slog.Warn("WebSocket extraction failed", "request_id", requestID, "status", status, "error", err)
		s.sendWebSocketError(conn, requestID, errType, msg)
		return
	}
	extractRequestsTotal.WithLabelValues("websocket", "success").Inc()

	s.sendWebSocketResponse(conn, WebSocketExtractResponse{
		Type:      "extract_response",
		Status:    "completed",
		Progress:  1.0,
		Result:    &resp,
		RequestID: requestID,
	})
}

func (s *Server) processWebSocketExtract(ctx context.Context, client string, req WebSocketExtractRequest) (ExtractResponse, error) {
	var existing []marks.StudentMark
	maxMark := req.MaxMark
	if req.SessionID != "" {
		sess, err := s.store.Get(req.SessionID)
		if err != nil {
			return ExtractResponse{}, err
		}
		existing = sess.Marks
		if maxMark != 0 && maxMark != sess.MaxMark {
			msg := fmt.Sprintf("max_mark %s does not match session maximum %s", marks.MarkOf(maxMark), marks.MarkOf(sess.MaxMark))
			return ExtractResponse{}, &engine.Error{Kind: engine.ErrInvalidInput, Message: msg}
		}
		maxMark = sess.MaxMark
	}
	if err := marks.ValidateMaxMark(maxMark); err != nil {
		return ExtractResponse{}, &engine.Error{Kind: engine.ErrInvalidInput, Message: err.Error(), Err: err}
	}
	if len(req.Images) == 0 {
		return ExtractResponse{}, &engine.Error{Kind: engine.ErrInvalidInput, Message: "No image data provided"}
	}

	images := make([]engine.Image, 0, len(req.Images))
	for i, in := range req.Images {
		name := in.Name
		if name == "" {
			name = fmt.Sprintf("image-%d", i+1)
		}
		img, err := s.prepareImage(name, in.Data)
		if err != nil {
			return ExtractResponse{}, &engine.Error{Kind: engine.ErrInvalidInput, Message: err.Error(), Err: err}
		}
		images = append(images, img)
	}
	if err := s.chargeSheets(client, len(images)); err != nil {
		return ExtractResponse{}, err
	}

	resp, err := s.extract(ctx, images, maxMark, existing)
	if err != nil {
		return ExtractResponse{}, err
	}
	resp.SessionID = req.SessionID
	return resp, nil
}

// sendWebSocketResponse sends a response message over WebSocket.
func (s *Server) sendWebSocketResponse(conn WebSocketConnWriter, response WebSocketExtractResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Failed to marshal WebSocket response", "error", err)
		return
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Error("Failed to send WebSocket message", "error", err)
		return
	}

	websocketMessagesTotal.WithLabelValues("sent").Inc()
}

// sendWebSocketError sends an error message over WebSocket.
func (s *Server) sendWebSocketError(conn WebSocketConnWriter, requestID, errorType, message string) {
	s.sendWebSocketResponse(conn, WebSocketExtractResponse{
		Type:      "error",
		Status:    "error",
		Error:     message,
		ErrorType: errorType,
		RequestID: requestID,
	})
}
