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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/kodiak/services/chatengine/datatypes"
	"github.com/AleutianAI/kodiak/services/chatengine/engine"
	"github.com/AleutianAI/kodiak/services/chatengine/middleware"
	"github.com/AleutianAI/kodiak/services/chatengine/observability"
	"github.com/AleutianAI/kodiak/services/chatengine/store"
)

// SessionsHandler serves the non-streaming REST surface: blocking send,
// history read/clear, and session CRUD. These are thin wrappers over the
// same engine the streaming endpoint uses.
type SessionsHandler interface {
	SendMessage(c *gin.Context)
	GetHistory(c *gin.Context)
	ClearHistory(c *gin.Context)
	CreateChat(c *gin.Context)
	ListChats(c *gin.Context)
	DeleteChat(c *gin.Context)
	RenameChat(c *gin.Context)
	GenerateTitle(c *gin.Context)
}

type sessionsHandler struct {
	engine *engine.Engine
	logger *slog.Logger
	tracer trace.Tracer
}

var _ SessionsHandler = (*sessionsHandler)(nil)

func NewSessionsHandler(eng *engine.Engine, logger *slog.Logger) SessionsHandler {
	if eng == nil {
		panic("handlers: nil engine")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &sessionsHandler{
		engine: eng,
		logger: logger.With("component", "sessions_handler"),
		tracer: otel.Tracer("kodiak/chatengine/handlers"),
	}
}

// SendMessage handles POST /v1/chats/:chat_id/messages (blocking).
func (h *sessionsHandler) SendMessage(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "chat.send")
	defer span.End()

	chatID := c.Param("chat_id")
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
	resp, err := h.engine.SendMessage(ctx, chatID, auth.UserID, req.Message)
	if err != nil {
		code := datatypes.ErrorCode(err)
		observability.DefaultMetrics.RecordError(observability.EndpointSend, code.String())
		if errors.Is(err, store.ErrAlreadyGenerating) {
			writeError(c, http.StatusConflict, datatypes.CodeMessageSend, "a generation is already in progress for this chat")
			return
		}
		h.logger.Error("blocking send failed", "chat_id", chatID, "error", err)
		writeError(c, http.StatusInternalServerError, code, "failed to generate a response")
		return
	}
	observability.DefaultMetrics.RecordRequest(observability.EndpointSend, "success")
	c.JSON(http.StatusOK, resp)
}

// GetHistory handles GET /v1/chats/:chat_id/messages. Unknown chats yield
// an empty history rather than 404, matching read-path semantics.
func (h *sessionsHandler) GetHistory(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "chat.history")
	defer span.End()

	chatID := c.Param("chat_id")
	history, err := h.engine.History(ctx, chatID)
	if err != nil {
		observability.DefaultMetrics.RecordError(observability.EndpointHistory, datatypes.ErrorCode(err).String())
		writeError(c, http.StatusInternalServerError, datatypes.CodeHistoryLoad, "failed to load history")
		return
	}
	if history == nil {
		history = []datatypes.HistoryMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "messages": history})
}

// ClearHistory handles DELETE /v1/chats/:chat_id/messages.
func (h *sessionsHandler) ClearHistory(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "chat.clear_history")
	defer span.End()

	chatID := c.Param("chat_id")
	if err := h.engine.ClearHistory(ctx, chatID); err != nil {
		writeError(c, http.StatusInternalServerError, datatypes.ErrorCode(err), "failed to clear history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": datatypes.CodeSuccess, "chat_id": chatID})
}

// CreateChat handles POST /v1/chats.
func (h *sessionsHandler) CreateChat(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "chat.create")
	defer span.End()

	var req datatypes.CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		writeError(c, http.StatusBadRequest, datatypes.CodeInvalidFormat, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, datatypes.CodeValidation, "chat_id is limited to 50 and title to 100 characters")
		return
	}

	auth := middleware.GetAuthInfo(c)
	sess, err := h.engine.CreateChat(ctx, req.ChatID, req.Title, auth.UserID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, datatypes.CodeChatCreate, "failed to create chat")
		return
	}
	c.JSON(http.StatusCreated, toSummary(sess))
}

// ListChats handles GET /v1/chats.
func (h *sessionsHandler) ListChats(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "chat.list")
	defer span.End()

	auth := middleware.GetAuthInfo(c)
	sessions, err := h.engine.ListChats(ctx, auth.UserID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, datatypes.ErrorCode(err), "failed to list chats")
		return
	}
	out := make([]datatypes.ChatSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSummary(sess))
	}
	c.JSON(http.StatusOK, gin.H{"chats": out})
}

// DeleteChat handles DELETE /v1/chats/:chat_id.
func (h *sessionsHandler) DeleteChat(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "chat.delete")
	defer span.End()

	chatID := c.Param("chat_id")
	if err := h.engine.DeleteChat(ctx, chatID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(c, http.StatusNotFound, datatypes.CodeSessionNotFound, "chat not found")
			return
		}
		writeError(c, http.StatusInternalServerError, datatypes.CodeChatDelete, "failed to delete chat")
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": datatypes.CodeSuccess, "chat_id": chatID})
}

// RenameChat handles PATCH /v1/chats/:chat_id/title.
func (h *sessionsHandler) RenameChat(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "chat.rename")
	defer span.End()

	chatID := c.Param("chat_id")
	var req datatypes.RenameChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, datatypes.CodeInvalidFormat, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, datatypes.CodeValidation, "title is required and limited to 100 characters")
		return
	}
	if err := h.engine.RenameChat(ctx, chatID, req.Title); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(c, http.StatusNotFound, datatypes.CodeSessionNotFound, "chat not found")
			return
		}
		writeError(c, http.StatusInternalServerError, datatypes.ErrorCode(err), "failed to rename chat")
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": datatypes.CodeSuccess, "chat_id": chatID, "title": req.Title})
}

// GenerateTitle handles POST /v1/chats/:chat_id/title/generate. The seed
// defaults to the chat's first user message when the body omits one.
func (h *sessionsHandler) GenerateTitle(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "chat.generate_title")
	defer span.End()

	chatID := c.Param("chat_id")
	var req datatypes.SendMessageRequest
	_ = c.ShouldBindJSON(&req) // optional body

	seed := req.Message
	if seed == "" {
		history, err := h.engine.History(ctx, chatID)
		if err == nil {
			for _, m := range history {
				if m.Role == store.RoleUser {
					seed = m.Content
					break
				}
			}
		}
	}

	title, err := h.engine.GenerateTitle(ctx, chatID, seed)
	if err != nil {
		writeError(c, http.StatusInternalServerError, datatypes.CodeTitleGeneration, "failed to generate title")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "title": title})
}

func toSummary(sess *store.ChatSession) datatypes.ChatSummary {
	return datatypes.ChatSummary{
		ChatID:        sess.ChatID,
		Title:         sess.Title,
		UserID:        sess.UserID,
		CreatedAt:     sess.CreatedAt,
		LastMessageAt: sess.LastMessageAt,
	}
}
