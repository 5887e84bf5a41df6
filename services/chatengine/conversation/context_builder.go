// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation assembles token-bounded LLM context windows from
// chat history.
package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/kodiak/services/chatengine/cache"
	"github.com/AleutianAI/kodiak/services/chatengine/store"
	"github.com/AleutianAI/kodiak/services/llm"
)

// Config bounds the assembled context. HistoryTokenBudget must leave
// headroom below the model's total window for the system preamble and the
// model's own output.
type Config struct {
	HistoryTokenBudget    int
	MaxHistoryTurns       int
	FallbackCharsPerToken int
	SystemPreamble        string
	TokenizerModel        string
}

// DefaultConfig mirrors a 4k-window model: 3000 history tokens under a
// 4000-token output allowance, last 20 turns considered.
func DefaultConfig() Config {
	return Config{
		HistoryTokenBudget:    3000,
		MaxHistoryTurns:       20,
		FallbackCharsPerToken: 4,
		SystemPreamble:        "You are a helpful assistant. Answer concisely and accurately.",
		TokenizerModel:        "gpt-3.5-turbo",
	}
}

// Builder assembles provider-ready message lists. Cache-preferred: the
// history mirror is consulted first and any miss or backend failure falls
// through to the session store without surfacing to the caller.
type Builder struct {
	store   store.SessionStore
	cache   cache.ConversationCache
	counter TokenCounter
	cfg     Config
	logger  *slog.Logger
}

// NewBuilder panics on nil store or cache; both are required wiring.
func NewBuilder(st store.SessionStore, ca cache.ConversationCache, cfg Config, logger *slog.Logger) *Builder {
	if st == nil {
		panic("conversation: nil store")
	}
	if ca == nil {
		panic("conversation: nil cache")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = DefaultConfig().MaxHistoryTurns
	}
	if cfg.HistoryTokenBudget <= 0 {
		cfg.HistoryTokenBudget = DefaultConfig().HistoryTokenBudget
	}
	return &Builder{
		store:   st,
		cache:   ca,
		counter: NewTokenCounter(cfg.TokenizerModel, cfg.FallbackCharsPerToken, logger),
		cfg:     cfg,
		logger:  logger.With("component", "context_builder"),
	}
}

// Build returns the system preamble followed by the most recent history
// turns that fit the token budget, in chronological order. Cancelled turns
// are excluded before budgeting.
func (b *Builder) Build(ctx context.Context, chatID string) ([]llm.Message, error) {
	history, err := b.fetchHistory(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("build context for %s: %w", chatID, err)
	}

	kept := TruncateByBudget(history, b.cfg.HistoryTokenBudget, b.counter)

	out := make([]llm.Message, 0, len(kept)+1)
	if b.cfg.SystemPreamble != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: b.cfg.SystemPreamble})
	}
	return append(out, kept...), nil
}

func (b *Builder) fetchHistory(ctx context.Context, chatID string) ([]llm.Message, error) {
	if mirrored, hit := b.cache.GetHistory(chatID); hit {
		out := make([]llm.Message, 0, len(mirrored))
		for _, m := range mirrored {
			if m.Cancelled || m.Status == store.StatusGenerating {
				continue
			}
			out = append(out, llm.Message{Role: m.Role, Content: m.Content})
		}
		if len(out) > b.cfg.MaxHistoryTurns {
			out = out[len(out)-b.cfg.MaxHistoryTurns:]
		}
		return out, nil
	}

	msgs, err := b.store.ListRecentMessages(ctx, chatID, b.cfg.MaxHistoryTurns)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Cancelled || m.Status == store.StatusGenerating {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Body})
	}
	return out, nil
}

// TruncateByBudget walks turns newest-first, keeping each turn whose cost
// still fits, and returns the kept turns in their original chronological
// order. Older context is dropped wholesale, never summarized.
func TruncateByBudget(turns []llm.Message, budget int, counter TokenCounter) []llm.Message {
	if len(turns) == 0 || budget <= 0 {
		return nil
	}
	total := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		cost := counter.Count(turns[i].Content)
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}
	if start == len(turns) {
		return nil
	}
	return turns[start:]
}
