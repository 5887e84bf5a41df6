// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/services/chatengine/cache"
	"github.com/AleutianAI/kodiak/services/chatengine/store"
	"github.com/AleutianAI/kodiak/services/llm"
)

// wordCounter charges one token per space-separated word, which keeps the
// arithmetic in truncation tests readable.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func turnsOf(contents ...string) []llm.Message {
	out := make([]llm.Message, 0, len(contents))
	for i, c := range contents {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: c})
	}
	return out
}

func TestTruncateByBudget_KeepsNewestWithinBudget(t *testing.T) {
	turns := turnsOf("one two three", "four five", "six", "seven eight")

	kept := TruncateByBudget(turns, 4, wordCounter{})

	// Newest-first greedy: "seven eight" (2) + "six" (1) fit, "four five"
	// would overflow. Order restored to chronological.
	require.Len(t, kept, 2)
	assert.Equal(t, "six", kept[0].Content)
	assert.Equal(t, "seven eight", kept[1].Content)
}

func TestTruncateByBudget_BudgetNeverExceeded(t *testing.T) {
	counter := wordCounter{}
	turns := turnsOf("a b c d", "e f", "g h i", "j", "k l m n o")

	for budget := 1; budget <= 20; budget++ {
		kept := TruncateByBudget(turns, budget, counter)
		total := 0
		for _, m := range kept {
			total += counter.Count(m.Content)
		}
		assert.LessOrEqual(t, total, budget, "budget %d", budget)
	}
}

func TestTruncateByBudget_MonotonicUnderOldestRemoval(t *testing.T) {
	counter := wordCounter{}
	turns := turnsOf("a b c d e f", "g h", "i j k", "l m")

	kept := TruncateByBudget(turns, 5, counter)
	keptAfterDrop := TruncateByBudget(turns[1:], 5, counter)

	assert.LessOrEqual(t, len(keptAfterDrop), len(turns[1:]))
	assert.GreaterOrEqual(t, len(keptAfterDrop), len(kept))
	// The shared suffix is identical.
	assert.Equal(t, kept, keptAfterDrop[len(keptAfterDrop)-len(kept):])
}

func TestTruncateByBudget_EdgeCases(t *testing.T) {
	assert.Nil(t, TruncateByBudget(nil, 100, wordCounter{}))
	assert.Nil(t, TruncateByBudget(turnsOf("a b"), 0, wordCounter{}))
	// Even the newest turn alone over budget yields an empty context.
	assert.Nil(t, TruncateByBudget(turnsOf("a b c d e"), 2, wordCounter{}))
}

func TestHeuristicCounter(t *testing.T) {
	c := HeuristicCounter{CharsPerToken: 4}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abc"))
	assert.Equal(t, 3, c.Count("twelve chars"))
}

func newBuilderFixture(t *testing.T) (*Builder, store.SessionStore, cache.ConversationCache) {
	t.Helper()
	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ca, err := cache.New(cache.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { ca.Close() })

	cfg := DefaultConfig()
	cfg.TokenizerModel = "not-a-real-model" // force the heuristic
	return NewBuilder(st, ca, cfg, slog.Default()), st, ca
}

func TestBuild_PrefersCacheMirror(t *testing.T) {
	b, _, ca := newBuilderFixture(t)

	ca.SetHistory("chat-1", []cache.CachedMessage{
		{Role: "user", Content: "from cache", Timestamp: time.Now()},
		{Role: "assistant", Content: "cancelled reply", Cancelled: true},
	})

	msgs, err := b.Build(context.Background(), "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "from cache", msgs[1].Content)
}

func TestBuild_FallsBackToStore(t *testing.T) {
	b, st, _ := newBuilderFixture(t)
	ctx := context.Background()

	_, err := st.CreateSession(ctx, "chat-1", "t", "user-1")
	require.NoError(t, err)
	_, err = st.SaveUserMessage(ctx, "chat-1", "user-1", "hello from store")
	require.NoError(t, err)
	_, err = st.InsertCancelledMessage(ctx, "chat-1", "user-1", "response cancelled by user")
	require.NoError(t, err)

	msgs, err := b.Build(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello from store", msgs[1].Content)
}

func TestBuild_EmptyChatYieldsPreambleOnly(t *testing.T) {
	b, _, _ := newBuilderFixture(t)

	msgs, err := b.Build(context.Background(), "missing-chat")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
}
