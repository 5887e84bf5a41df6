// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP surface of the chat engine: the SSE
// streaming endpoint, its cancel companion, and the non-streaming session
// and history endpoints.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/kodiak/services/chatengine/datatypes"
	"github.com/AleutianAI/kodiak/services/chatengine/engine"
	"github.com/AleutianAI/kodiak/services/chatengine/middleware"
	"github.com/AleutianAI/kodiak/services/chatengine/observability"
)

// ChatHandler serves the streaming conversation endpoints.
//
// # Description
//
// StreamChat is the core endpoint: it accepts one user message, emits the
// full SSE event sequence for the turn (user_message, progress frames,
// heartbeats, content chunks, exactly one terminal event) and keeps the
// HTTP connection intact even when the turn fails; errors travel inline as
// error events. CancelChat requests cooperative cancellation of the chat's
// in-flight generation and always succeeds from the caller's perspective.
type ChatHandler interface {
	StreamChat(c *gin.Context)
	CancelChat(c *gin.Context)
	IsGenerating(c *gin.Context)
}

type chatHandler struct {
	engine *engine.Engine
	logger *slog.Logger
	tracer trace.Tracer
}

var _ ChatHandler = (*chatHandler)(nil)

// NewChatHandler panics on a nil engine; the handler is wired once at
// startup where that is a configuration bug worth crashing on.
func NewChatHandler(eng *engine.Engine, logger *slog.Logger) ChatHandler {
	if eng == nil {
		panic("handlers: nil engine")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &chatHandler{
		engine: eng,
		logger: logger.With("component", "chat_handler"),
		tracer: otel.Tracer("kodiak/chatengine/handlers"),
	}
}

// StreamChat handles POST /v1/chats/:chat_id/messages/stream.
func (h *chatHandler) StreamChat(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "chat.stream")
	defer span.End()

	chatID := c.Param("chat_id")
	span.SetAttributes(attribute.String("chat.id", chatID))

	var req datatypes.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, datatypes.CodeInvalidFormat, "request body must be JSON with a message field")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, datatypes.CodeMessageInvalid, "message is required and limited to 32KB")
		return
	}

	auth := middleware.GetAuthInfo(c)
	metrics := observability.DefaultMetrics
	metrics.StreamStarted()
	defer metrics.StreamEnded()
	metrics.RecordRequest(observability.EndpointStream, "accepted")

	SetSSEHeaders(c)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		writeError(c, http.StatusInternalServerError, datatypes.CodeFail, "streaming unsupported on this connection")
		return
	}

	h.logger.Info("stream opened", "chat_id", chatID, "user_id", auth.UserID)

	// The engine owns the two stream-side goroutines and closes the
	// channel after the terminal event. The drain loop below must run to
	// completion even if the client goes away, so those goroutines always
	// get joined; after a write failure we keep draining without writing.
	events := h.engine.StreamMessage(ctx, chatID, auth.UserID, req.Message)

	clientGone := false
	for ev := range events {
		if clientGone {
			continue
		}
		if err := writer.WriteEvent(ev); err != nil {
			clientGone = true
			metrics.RecordClientDisconnect()
			h.logger.Info("client disconnected mid-stream", "chat_id", chatID, "error", err)
		}
	}
}

// CancelChat handles POST /v1/chats/:chat_id/cancel.
func (h *chatHandler) CancelChat(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "chat.cancel")
	defer span.End()

	chatID := c.Param("chat_id")
	auth := middleware.GetAuthInfo(c)

	if err := h.engine.Cancel(ctx, chatID, auth.UserID); err != nil {
		observability.DefaultMetrics.RecordError(observability.EndpointCancel, datatypes.ErrorCode(err).String())
		writeError(c, http.StatusInternalServerError, datatypes.CodeGenerationCancel, "failed to record cancellation")
		return
	}
	observability.DefaultMetrics.RecordRequest(observability.EndpointCancel, "success")
	c.JSON(http.StatusOK, gin.H{"code": datatypes.CodeSuccess, "message": "generation cancelled", "chat_id": chatID})
}

// IsGenerating handles GET /v1/chats/:chat_id/generating.
func (h *chatHandler) IsGenerating(c *gin.Context) {
	chatID := c.Param("chat_id")
	c.JSON(http.StatusOK, gin.H{
		"chat_id":    chatID,
		"generating": h.engine.IsGenerating(c.Request.Context(), chatID),
	})
}

// writeError emits the non-streaming error envelope.
func writeError(c *gin.Context, status int, code datatypes.Code, message string) {
	c.JSON(status, gin.H{"code": code, "message": message})
}
