package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/testutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockWebSocketConn records written messages.
type mockWebSocketConn struct {
	sent []WebSocketExtractResponse
}

func (m *mockWebSocketConn) WriteMessage(messageType int, data []byte) error {
	var resp WebSocketExtractResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	m.sent = append(m.sent, resp)
	return nil
}

func wsRequest(t *testing.T, req WebSocketExtractRequest) []byte {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return data
}

func TestWebSocket_HandleMessage_Completed(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess := env.session(t, "Quiz", 30, candidate("S1", 4))
	env.extractor.candidates = []marks.Candidate{candidate("S1", 5), candidate("S2", 6)}

	conn := &mockWebSocketConn{}
	env.server.handleWebSocketMessage(context.Background(), conn, "192.0.2.1", wsRequest(t, WebSocketExtractRequest{
		Type:      "extract",
		Images:    []WebSocketImage{{Name: "a.png", Data: testutil.PNG(t, 10, 10)}, {Data: testutil.JPEG(t, 10, 10)}},
		SessionID: sess.ID,
	}))

	require.Len(t, conn.sent, 2)
	assert.Equal(t, "processing", conn.sent[0].Status)
	assert.NotEmpty(t, conn.sent[0].RequestID)

	done := conn.sent[1]
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, conn.sent[0].RequestID, done.RequestID)
	require.NotNil(t, done.Result)
	assert.Equal(t, 1, done.Result.Count)
	assert.Equal(t, 1, done.Result.Duplicates)
	assert.Equal(t, "S2", done.Result.Candidates[0].StudentID)

	batch := env.extractor.lastBatch()
	require.Len(t, batch, 2)
	assert.Equal(t, "image-2", batch[1].Image.Name)
	assert.InDelta(t, 30, batch[0].MaxMark, 0)
}

func TestWebSocket_HandleMessage_Errors(t *testing.T) {
	png := testutil.PNG(t, 10, 10)

	tests := []struct {
		name    string
		payload []byte
		errType string
	}{
		{"invalid json", []byte("{"), "invalid_input"},
		{"unknown type", []byte(`{"type":"pdf"}`), "invalid_input"},
		{"no images", wsRequest(t, WebSocketExtractRequest{Type: "extract", MaxMark: 10}), "invalid_input"},
		{"no max mark", wsRequest(t, WebSocketExtractRequest{Type: "extract", Images: []WebSocketImage{{Data: png}}}), "invalid_input"},
		{"broken image", wsRequest(t, WebSocketExtractRequest{Type: "extract", MaxMark: 10, Images: []WebSocketImage{{Data: []byte("x")}}}), "invalid_input"},
		{"unknown session", wsRequest(t, WebSocketExtractRequest{Type: "extract", SessionID: "gone", Images: []WebSocketImage{{Data: png}}}), "not_found"},
		{"sheet limit", wsRequest(t, WebSocketExtractRequest{Type: "extract", MaxMark: 10, Images: []WebSocketImage{{Data: png}, {Data: png}}}), "rate_limited"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{RateLimit: RateLimitConfig{Enabled: true, SheetsPerMinute: 1}})
			conn := &mockWebSocketConn{}
			env.server.handleWebSocketMessage(context.Background(), conn, "192.0.2.1", tt.payload)

			require.NotEmpty(t, conn.sent)
			last := conn.sent[len(conn.sent)-1]
			assert.Equal(t, "error", last.Status)
			assert.Equal(t, tt.errType, last.ErrorType)
			assert.NotEmpty(t, last.Error)
			assert.Empty(t, env.extractor.batches)
		})
	}
}

func TestWebSocket_HandleMessage_MaxMarkMismatch(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess := env.session(t, "Quiz", 30)

	conn := &mockWebSocketConn{}
	env.server.handleWebSocketMessage(context.Background(), conn, "192.0.2.1", wsRequest(t, WebSocketExtractRequest{
		Type: "extract", MaxMark: 50, SessionID: sess.ID, Images: []WebSocketImage{{Data: testutil.PNG(t, 5, 5)}},
	}))

	require.Len(t, conn.sent, 2)
	assert.Equal(t, "invalid_input", conn.sent[1].ErrorType)
	assert.Contains(t, conn.sent[1].Error, "does not match session maximum 30")
	assert.Empty(t, env.extractor.batches)
}

func TestWebSocket_HandleMessage_EngineError(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.extractor.err = &engine.Error{Kind: engine.ErrEngineUnavailable, Message: "The text detector is not ready."}

	conn := &mockWebSocketConn{}
	env.server.handleWebSocketMessage(context.Background(), conn, "192.0.2.1", wsRequest(t, WebSocketExtractRequest{
		Type: "extract", MaxMark: 10, Images: []WebSocketImage{{Data: testutil.PNG(t, 5, 5)}},
	}))

	require.Len(t, conn.sent, 2)
	assert.Equal(t, "error", conn.sent[1].Status)
	assert.Equal(t, "engine_unavailable", conn.sent[1].ErrorType)
	assert.Equal(t, "The text detector is not ready.", conn.sent[1].Error)
}

func TestWebSocket_EndToEnd(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.extractor.candidates = []marks.Candidate{candidate("T/2021/001", 40)}

	ts := httptest.NewServer(env.mux)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/extract"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	require.NoError(t, conn.WriteJSON(WebSocketExtractRequest{
		Type: "extract", MaxMark: 50, Images: []WebSocketImage{{Name: "s.png", Data: testutil.PNG(t, 8, 8)}},
	}))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first, second WebSocketExtractResponse
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))

	assert.Equal(t, "processing", first.Status)
	assert.Equal(t, "completed", second.Status)
	require.NotNil(t, second.Result)
	require.Len(t, second.Result.Candidates, 1)
	assert.Equal(t, "T/2021/001", second.Result.Candidates[0].StudentID)
}
