// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/services/chatengine/cache"
	"github.com/AleutianAI/kodiak/services/chatengine/conversation"
	"github.com/AleutianAI/kodiak/services/chatengine/datatypes"
	"github.com/AleutianAI/kodiak/services/chatengine/engine"
	"github.com/AleutianAI/kodiak/services/chatengine/store"
	"github.com/AleutianAI/kodiak/services/llm"
)

// =============================================================================
// Test Setup
// =============================================================================

// streamingMockProvider implements llm.Provider for handler testing.
//
// # Description
//
// Emits a configured sequence of deltas through GenerateStream and returns
// configured texts for the blocking and title paths.
type streamingMockProvider struct {
	// StreamDeltas are emitted in order; nil entries are keep-alive ticks.
	StreamDeltas []string
	// StreamErr is returned by GenerateStream after all deltas.
	StreamErr error
	// GenerateText is returned by the blocking Generate path.
	GenerateText string
	// TitleText is returned by GenerateTitle.
	TitleText string
	// DeltaHook, when set, runs before each delta is emitted.
	DeltaHook func(i int)
	// StreamCalls counts GenerateStream invocations.
	StreamCalls int
}

func (m *streamingMockProvider) Generate(ctx context.Context, messages []llm.Message, params llm.GenerationParams) (string, error) {
	return m.GenerateText, nil
}

func (m *streamingMockProvider) GenerateStream(ctx context.Context, messages []llm.Message, params llm.GenerationParams, nodes llm.NodeSink, cb llm.StreamCallback) error {
	m.StreamCalls++
	for i := range m.StreamDeltas {
		if m.DeltaHook != nil {
			m.DeltaHook(i)
		}
		delta := m.StreamDeltas[i]
		if err := cb(llm.StreamDelta{Content: &delta}); err != nil {
			return err
		}
	}
	return m.StreamErr
}

func (m *streamingMockProvider) GenerateTitle(ctx context.Context, seed string) (string, error) {
	if m.TitleText == "" {
		return "", context.DeadlineExceeded
	}
	return m.TitleText, nil
}

var _ llm.Provider = (*streamingMockProvider)(nil)

// newTestRouter wires a real engine (in-memory store and cache) behind the
// full route set so tests exercise the same path production traffic takes.
func newTestRouter(t *testing.T, provider llm.Provider) (*gin.Engine, *engine.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.NewInMemory()
	require.NoError(t, err, "in-memory store should open")
	t.Cleanup(func() { _ = st.Close() })

	ca, err := cache.New(cache.InMemoryConfig())
	require.NoError(t, err, "in-memory cache should open")
	t.Cleanup(func() { _ = ca.Close() })

	builder := conversation.NewBuilder(st, ca, conversation.Config{
		HistoryTokenBudget:    3000,
		MaxHistoryTurns:       20,
		FallbackCharsPerToken: 4,
		TokenizerModel:        "not-a-real-model",
	}, nil)

	eng := engine.New(st, ca, provider, builder, engine.Config{
		HeartbeatInterval: time.Minute,
	}, nil)

	router := gin.New()
	chat := NewChatHandler(eng, nil)
	sessions := NewSessionsHandler(eng, nil)
	router.POST("/v1/chats/:chat_id/messages/stream", chat.StreamChat)
	router.POST("/v1/chats/:chat_id/cancel", chat.CancelChat)
	router.GET("/v1/chats/:chat_id/generating", chat.IsGenerating)
	router.POST("/v1/chats/:chat_id/messages", sessions.SendMessage)
	router.GET("/v1/chats/:chat_id/messages", sessions.GetHistory)
	return router, eng
}

// postJSON performs a request against the router and returns the recorder.
func postJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// parseStreamEvents decodes the data-only SSE frames in a response body.
func parseStreamEvents(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()

	var events []datatypes.StreamEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev),
			"every data frame should be valid JSON")
		events = append(events, ev)
	}
	return events
}

// eventTypes lists the frame types in order, dropping heartbeats.
func eventTypes(events []datatypes.StreamEvent) []string {
	var types []string
	for _, ev := range events {
		if ev.Type == datatypes.EventHeartbeat {
			continue
		}
		types = append(types, ev.Type)
	}
	return types
}

// =============================================================================
// Constructor Tests
// =============================================================================

// TestNewChatHandler_PanicsOnNilEngine verifies the nil-engine guard.
func TestNewChatHandler_PanicsOnNilEngine(t *testing.T) {
	assert.Panics(t, func() {
		NewChatHandler(nil, nil)
	}, "should panic on nil engine")
}

// =============================================================================
// StreamChat Tests
// =============================================================================

// TestStreamChat_InvalidRequestBody verifies that malformed JSON yields 400.
func TestStreamChat_InvalidRequestBody(t *testing.T) {
	router, _ := newTestRouter(t, &streamingMockProvider{})

	req, _ := http.NewRequest("POST", "/v1/chats/chat-1/messages/stream", bytes.NewBufferString("not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code, "should return 400 for invalid JSON")

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, float64(datatypes.CodeInvalidFormat), envelope["code"])
}

// TestStreamChat_EmptyMessage verifies validation rejects an empty message.
func TestStreamChat_EmptyMessage(t *testing.T) {
	router, _ := newTestRouter(t, &streamingMockProvider{})

	w := postJSON(t, router, "POST", "/v1/chats/chat-1/messages/stream",
		datatypes.SendMessageRequest{Message: ""})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestStreamChat_Success verifies the full SSE event sequence for a
// successful turn.
func TestStreamChat_Success(t *testing.T) {
	mock := &streamingMockProvider{StreamDeltas: []string{"Hel", "lo", "!"}}
	router, _ := newTestRouter(t, mock)

	w := postJSON(t, router, "POST", "/v1/chats/chat-1/messages/stream",
		datatypes.SendMessageRequest{Message: "hi there"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", w.Header().Get("Connection"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	events := parseStreamEvents(t, w.Body.String())
	assert.Equal(t, []string{
		datatypes.EventUserMessage,
		datatypes.EventProgress,
		datatypes.EventProgress,
		datatypes.EventChunk,
		datatypes.EventChunk,
		datatypes.EventChunk,
		datatypes.EventComplete,
	}, eventTypes(events), "event sequence should match")

	last := events[len(events)-1]
	assert.Equal(t, "Hello!", last.Content, "terminal frame carries the full body")
	assert.NotEmpty(t, last.MessageID)
	assert.Equal(t, 1, mock.StreamCalls)
}

// TestStreamChat_ProviderError verifies that provider failures arrive as an
// inline error event on a 200 response, never as connection teardown.
func TestStreamChat_ProviderError(t *testing.T) {
	mock := &streamingMockProvider{
		StreamDeltas: []string{"partial"},
		StreamErr:    assert.AnError,
	}
	router, _ := newTestRouter(t, mock)

	w := postJSON(t, router, "POST", "/v1/chats/chat-1/messages/stream",
		datatypes.SendMessageRequest{Message: "hi"})

	assert.Equal(t, http.StatusOK, w.Code, "transport stays intact on provider failure")

	events := parseStreamEvents(t, w.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, datatypes.EventError, last.Type)
	assert.Equal(t, datatypes.CodeAIResponse, last.Code)
	assert.NotEmpty(t, last.Message)
}

// TestStreamChat_PersistsHistory verifies the streamed turn lands in the
// history endpoint with matching ids.
func TestStreamChat_PersistsHistory(t *testing.T) {
	mock := &streamingMockProvider{StreamDeltas: []string{"answer"}}
	router, _ := newTestRouter(t, mock)

	w := postJSON(t, router, "POST", "/v1/chats/chat-7/messages/stream",
		datatypes.SendMessageRequest{Message: "question"})
	require.Equal(t, http.StatusOK, w.Code)
	events := parseStreamEvents(t, w.Body.String())
	require.NotEmpty(t, events)
	terminal := events[len(events)-1]
	require.Equal(t, datatypes.EventComplete, terminal.Type)

	hw := postJSON(t, router, "GET", "/v1/chats/chat-7/messages", nil)
	require.Equal(t, http.StatusOK, hw.Code)

	var resp struct {
		ChatID   string                     `json:"chat_id"`
		Messages []datatypes.HistoryMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(hw.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, store.RoleUser, resp.Messages[0].Role)
	assert.Equal(t, "question", resp.Messages[0].Content)
	assert.Equal(t, store.RoleAssistant, resp.Messages[1].Role)
	assert.Equal(t, "answer", resp.Messages[1].Content)
	assert.Equal(t, terminal.MessageID, resp.Messages[1].MessageID)
}

// TestStreamChat_ClientDisconnectMidStream verifies that a request context
// cancelled mid-stream shuts the turn down cleanly: the handler returns
// only after the event channel closes, and the turn is persisted as
// cancelled.
func TestStreamChat_ClientDisconnectMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mock := &streamingMockProvider{
		StreamDeltas: []string{"first ", "second ", "third"},
		DeltaHook: func(i int) {
			if i == 1 {
				cancel()
			}
		},
	}
	router, eng := newTestRouter(t, mock)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(datatypes.SendMessageRequest{Message: "hello"}))
	req := httptest.NewRequest(http.MethodPost, "/v1/chats/chat-gone/messages/stream", &buf).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	// ServeHTTP returning at all proves the engine closed the event
	// channel and joined both stream goroutines after the disconnect.
	router.ServeHTTP(w, req)

	events := parseStreamEvents(t, w.Body.String())
	types := eventTypes(events)
	assert.Contains(t, types, datatypes.EventChunk)
	assert.NotContains(t, types, datatypes.EventComplete)

	history, err := eng.History(context.Background(), "chat-gone")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[1].Cancelled)
	assert.Equal(t, store.StatusCancelled, history[1].Status)
	assert.Equal(t, "response cancelled by user", history[1].Content)
}

// brokenStreamWriter fails writes after a set number of frames, modeling a
// client whose TCP connection dropped mid-stream.
type brokenStreamWriter struct {
	header    http.Header
	buf       bytes.Buffer
	failAfter int
	writes    int
}

func (w *brokenStreamWriter) Header() http.Header { return w.header }
func (w *brokenStreamWriter) WriteHeader(int) {}
func (w *brokenStreamWriter) Flush() {}

func (w *brokenStreamWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > w.failAfter {
		return 0, errors.New("write tcp: broken pipe")
	}
	return w.buf.Write(p)
}

// TestStreamChat_DrainsAfterWriteFailure verifies that a mid-stream write
// failure stops emission but never the turn: the handler keeps draining to
// completion and the final message is still persisted.
func TestStreamChat_DrainsAfterWriteFailure(t *testing.T) {
	mock := &streamingMockProvider{StreamDeltas: []string{"alpha ", "beta ", "gamma"}}
	_, eng := newTestRouter(t, mock)

	w := &brokenStreamWriter{header: make(http.Header), failAfter: 2}
	c, _ := gin.CreateTestContext(w)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(datatypes.SendMessageRequest{Message: "hello"}))
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/chats/chat-broken/messages/stream", &buf)
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "chat_id", Value: "chat-broken"}}

	handler := NewChatHandler(eng, nil)
	handler.StreamChat(c)

	// Only the frames before the failure reached the client.
	events := parseStreamEvents(t, w.buf.String())
	require.Len(t, events, 2)
	assert.Equal(t, []string{datatypes.EventUserMessage, datatypes.EventProgress}, eventTypes(events))

	// The generation itself ran to completion off the dead connection.
	history, err := eng.History(context.Background(), "chat-broken")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "alpha beta gamma", history[1].Content)
	assert.Equal(t, store.StatusCompleted, history[1].Status)
	assert.False(t, eng.IsGenerating(context.Background(), "chat-broken"))
}

// =============================================================================
// CancelChat Tests
// =============================================================================

// TestCancelChat_NoActiveGeneration verifies cancel succeeds even with
// nothing in flight, synthesizing the cancellation record.
func TestCancelChat_NoActiveGeneration(t *testing.T) {
	router, eng := newTestRouter(t, &streamingMockProvider{})

	w := postJSON(t, router, "POST", "/v1/chats/idle-chat/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, float64(datatypes.CodeSuccess), envelope["code"])

	history, err := eng.History(context.Background(), "idle-chat")
	require.NoError(t, err)
	require.Len(t, history, 1, "cancel should synthesize one cancelled row")
	assert.True(t, history[0].Cancelled)
}

// TestIsGenerating_Idle verifies the introspection endpoint for an idle chat.
func TestIsGenerating_Idle(t *testing.T) {
	router, _ := newTestRouter(t, &streamingMockProvider{})

	w := postJSON(t, router, "GET", "/v1/chats/chat-1/generating", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, false, envelope["generating"])
}

// =============================================================================
// Blocking SendMessage Tests
// =============================================================================

// TestSendMessage_Blocking verifies the non-streaming send path returns the
// finished response in one shot.
func TestSendMessage_Blocking(t *testing.T) {
	mock := &streamingMockProvider{GenerateText: "blocking answer"}
	router, _ := newTestRouter(t, mock)

	w := postJSON(t, router, "POST", "/v1/chats/chat-1/messages",
		datatypes.SendMessageRequest{Message: "hi"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.SendMessageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "blocking answer", resp.Content)
	assert.NotEmpty(t, resp.AIMessageID)
}

// TestSendMessage_ValidationFailure verifies 400 on a missing message.
func TestSendMessage_ValidationFailure(t *testing.T) {
	router, _ := newTestRouter(t, &streamingMockProvider{})

	w := postJSON(t, router, "POST", "/v1/chats/chat-1/messages", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestGetHistory_UnknownChat verifies reads of unknown chats return an empty
// list, not 404.
func TestGetHistory_UnknownChat(t *testing.T) {
	router, _ := newTestRouter(t, &streamingMockProvider{})

	w := postJSON(t, router, "GET", "/v1/chats/nope/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Messages []datatypes.HistoryMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Messages)
}
