// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine coordinates streaming chat turns across the session store,
// the conversation cache and the configured LLM provider.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/kodiak/services/chatengine/cache"
	"github.com/AleutianAI/kodiak/services/chatengine/conversation"
	"github.com/AleutianAI/kodiak/services/chatengine/datatypes"
	"github.com/AleutianAI/kodiak/services/chatengine/observability"
	"github.com/AleutianAI/kodiak/services/chatengine/store"
	"github.com/AleutianAI/kodiak/services/llm"
)

// Config holds engine tuning knobs.
type Config struct {
	// HeartbeatInterval paces keep-alive frames during generation.
	HeartbeatInterval time.Duration

	// MaxResponseTokens caps provider output per turn.
	MaxResponseTokens int

	// EventBuffer sizes the per-stream event channel.
	EventBuffer int

	// CancelledBody is the placeholder persisted for cancelled turns.
	CancelledBody string

	// ErrorBodyPrefix prefixes the persisted body of failed turns so
	// history review shows the failure in context.
	ErrorBodyPrefix string

	// HistoryLimit bounds the history read endpoint and the cache mirror.
	HistoryLimit int

	// TitleMaxRunes caps generated session titles.
	TitleMaxRunes int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		MaxResponseTokens: 4000,
		EventBuffer:       64,
		CancelledBody:     "response cancelled by user",
		ErrorBodyPrefix:   "an error occurred: ",
		HistoryLimit:      50,
		TitleMaxRunes:     20,
	}
}

// Engine drives chat turns. One instance serves all requests; all
// per-request state lives on goroutine stacks. The sole cross-request
// coordination primitive is the pair of cache markers, whose short TTLs
// also guard against a crashed coordinator leaving a chat stuck in the
// generating state.
type Engine struct {
	store    store.SessionStore
	cache    cache.ConversationCache
	provider llm.Provider
	builder  *conversation.Builder
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.ChatMetrics
}

// New wires the engine. The store is wrapped so every message mutation
// invalidates the chat's history mirror. Panics on nil dependencies;
// construction happens once at startup where a panic is the right failure.
func New(st store.SessionStore, ca cache.ConversationCache, provider llm.Provider, builder *conversation.Builder, cfg Config, logger *slog.Logger) *Engine {
	if st == nil {
		panic("engine: nil store")
	}
	if ca == nil {
		panic("engine: nil cache")
	}
	if provider == nil {
		panic("engine: nil provider")
	}
	if builder == nil {
		panic("engine: nil context builder")
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.CancelledBody == "" {
		cfg.CancelledBody = def.CancelledBody
	}
	if cfg.ErrorBodyPrefix == "" {
		cfg.ErrorBodyPrefix = def.ErrorBodyPrefix
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.MaxResponseTokens <= 0 {
		cfg.MaxResponseTokens = def.MaxResponseTokens
	}
	if cfg.TitleMaxRunes <= 0 {
		cfg.TitleMaxRunes = def.TitleMaxRunes
	}
	return &Engine{
		store:    newCachingStore(st, ca),
		cache:    ca,
		provider: provider,
		builder:  builder,
		cfg:      cfg,
		logger:   logger.With("component", "chat_engine"),
		metrics:  observability.DefaultMetrics,
	}
}

// SendMessage runs one blocking turn: persist the user message, build
// context, call the provider synchronously and persist the reply.
func (e *Engine) SendMessage(ctx context.Context, chatID, userID, message string) (*datatypes.SendMessageResponse, error) {
	if _, err := e.store.EnsureSession(ctx, chatID, deriveTitle(message), userID); err != nil {
		return nil, err
	}
	userMsgID, err := e.store.SaveUserMessage(ctx, chatID, userID, message)
	if err != nil {
		return nil, err
	}

	msgs, err := e.builder.Build(ctx, chatID)
	if err != nil {
		return nil, err
	}

	aiMsgID, err := e.store.BeginAssistantMessage(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	defer e.cache.ClearGenerating(chatID)
	e.cache.MarkGenerating(chatID)

	content, err := e.provider.Generate(ctx, msgs, e.generationParams())
	if err != nil {
		body := e.cfg.ErrorBodyPrefix + err.Error()
		if markErr := e.store.MarkError(detach(ctx), chatID, aiMsgID, body); markErr != nil {
			e.logger.Error("persist error state failed", "chat_id", chatID, "error", markErr)
		}
		return nil, datatypes.WrapError(datatypes.CodeAIResponse, "provider completion failed", err)
	}
	if err := e.store.FinalizeMessage(ctx, chatID, aiMsgID, content, store.StatusCompleted); err != nil {
		return nil, err
	}
	return &datatypes.SendMessageResponse{
		ChatID:        chatID,
		UserMessageID: userMsgID,
		AIMessageID:   aiMsgID,
		Content:       content,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// History returns the chat's recent turns, populating the cache mirror on
// a miss. Unknown chats return an empty history, not an error.
func (e *Engine) History(ctx context.Context, chatID string) ([]datatypes.HistoryMessage, error) {
	if mirrored, hit := e.cache.GetHistory(chatID); hit {
		e.metrics.RecordCacheLookup(true)
		out := make([]datatypes.HistoryMessage, 0, len(mirrored))
		for _, m := range mirrored {
			out = append(out, datatypes.HistoryMessage{
				MessageID: m.MessageID,
				Role:      m.Role,
				Content:   m.Content,
				Status:    m.Status,
				Cancelled: m.Cancelled,
				Timestamp: m.Timestamp,
			})
		}
		return out, nil
	}
	e.metrics.RecordCacheLookup(false)

	msgs, err := e.store.ListRecentMessages(ctx, chatID, e.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	mirror := make([]cache.CachedMessage, 0, len(msgs))
	out := make([]datatypes.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		mirror = append(mirror, cache.CachedMessage{
			MessageID: m.MessageID,
			Role:      m.Role,
			Content:   m.Body,
			Status:    m.Status,
			Timestamp: m.CreatedAt,
			Cancelled: m.Cancelled,
		})
		out = append(out, datatypes.HistoryMessage{
			MessageID: m.MessageID,
			Role:      m.Role,
			Content:   m.Body,
			Status:    m.Status,
			Cancelled: m.Cancelled,
			Timestamp: m.CreatedAt,
		})
	}
	if len(mirror) > 0 {
		e.cache.SetHistory(chatID, mirror)
	}
	return out, nil
}

// ClearHistory soft-deletes the chat's messages and drops all cache keys.
func (e *Engine) ClearHistory(ctx context.Context, chatID string) error {
	return e.store.ClearMessages(ctx, chatID)
}

// CreateChat creates a session ahead of the first message.
func (e *Engine) CreateChat(ctx context.Context, chatID, title, userID string) (*store.ChatSession, error) {
	if title == "" {
		title = "New Chat"
	}
	return e.store.CreateSession(ctx, chatID, title, userID)
}

// ListChats returns the user's active sessions, newest first.
func (e *Engine) ListChats(ctx context.Context, userID string) ([]*store.ChatSession, error) {
	return e.store.ListSessions(ctx, userID)
}

// DeleteChat soft-deletes a session and drops its cache keys.
func (e *Engine) DeleteChat(ctx context.Context, chatID string) error {
	return e.store.DeleteSession(ctx, chatID)
}

// RenameChat updates a session title.
func (e *Engine) RenameChat(ctx context.Context, chatID, title string) error {
	return e.store.RenameSession(ctx, chatID, title)
}

// IsGenerating reports whether the chat has an in-flight generation,
// marker first with a store fallback for crashed coordinators whose marker
// already expired.
func (e *Engine) IsGenerating(ctx context.Context, chatID string) bool {
	if e.cache.IsGenerating(chatID) {
		return true
	}
	latest, err := e.store.LatestMessage(ctx, chatID)
	if err != nil || latest == nil {
		return false
	}
	return latest.Status == store.StatusGenerating
}

// Cancel requests cancellation of the chat's in-flight generation. With an
// active generation marker it clears the marker and raises the cancel
// marker for the running coordinator to observe. Without one it flips a
// stale generating row, or synthesizes a cancelled row so the caller
// always sees a cancellation land.
func (e *Engine) Cancel(ctx context.Context, chatID, userID string) error {
	if e.cache.IsGenerating(chatID) {
		e.cache.ClearGenerating(chatID)
		e.cache.RequestCancel(chatID)
		e.metrics.RecordCancellation("inflight")
		e.logger.Info("cancellation requested for in-flight generation", "chat_id", chatID)
		return nil
	}

	latest, err := e.store.LatestMessage(ctx, chatID)
	if err == nil && latest != nil && latest.Status == store.StatusGenerating {
		if err := e.store.MarkCancelled(ctx, chatID, latest.MessageID, e.cfg.CancelledBody); err != nil {
			return datatypes.WrapError(datatypes.CodeGenerationCancel, "flip generating message", err)
		}
		e.metrics.RecordCancellation("inflight")
		return nil
	}

	if _, err := e.store.EnsureSession(ctx, chatID, "New Chat", userID); err != nil {
		return datatypes.WrapError(datatypes.CodeGenerationCancel, "ensure session for cancel", err)
	}
	if _, err := e.store.InsertCancelledMessage(ctx, chatID, userID, e.cfg.CancelledBody); err != nil {
		return datatypes.WrapError(datatypes.CodeGenerationCancel, "record cancellation", err)
	}
	e.metrics.RecordCancellation("synthesized")
	return nil
}

// GenerateTitle derives a session title from a seed message and applies it
// to the chat. Provider failures fall back to the seed's leading words so
// the call still produces a usable title.
func (e *Engine) GenerateTitle(ctx context.Context, chatID, seed string) (string, error) {
	title := e.titleFor(ctx, seed)
	if chatID != "" {
		if err := e.store.RenameSession(ctx, chatID, title); err != nil {
			return "", datatypes.WrapError(datatypes.CodeTitleGeneration, "apply generated title", err)
		}
	}
	return title, nil
}

func (e *Engine) titleFor(ctx context.Context, seed string) string {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return fmt.Sprintf("Chat %s", time.Now().Format("15:04"))
	}
	title, err := e.provider.GenerateTitle(ctx, seed)
	if err == nil {
		if title = strings.TrimSpace(title); title != "" {
			return truncateRunes(title, e.cfg.TitleMaxRunes, 3)
		}
	}
	e.logger.Warn("title generation failed, using seed words", "error", err)
	words := strings.Fields(seed)
	if len(words) > 3 {
		words = words[:3]
	}
	return truncateRunes(strings.Join(words, " "), 15, 3)
}

// truncateRunes cuts s to max runes, replacing the tail with an ellipsis.
func truncateRunes(s string, max, ellipsis int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-ellipsis]) + "..."
}

// deriveTitle names an implicitly created session after its first message.
func deriveTitle(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return "New Chat"
	}
	runes := []rune(message)
	if len(runes) > 50 {
		return string(runes[:50])
	}
	return message
}

func (e *Engine) generationParams() llm.GenerationParams {
	max := e.cfg.MaxResponseTokens
	return llm.GenerationParams{MaxTokens: &max}
}

// detach strips cancellation so terminal persistence writes survive client
// disconnects.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
