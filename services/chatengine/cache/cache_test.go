// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) ConversationCache {
	t.Helper()
	c, err := New(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHistoryMirror_RoundTrip(t *testing.T) {
	c := newTestCache(t)

	_, hit := c.GetHistory("chat-1")
	assert.False(t, hit)

	history := []CachedMessage{
		{Role: "user", Content: "hello", Timestamp: time.Now().UTC()},
		{Role: "assistant", Content: "hi there", Timestamp: time.Now().UTC()},
	}
	c.SetHistory("chat-1", history)

	got, hit := c.GetHistory("chat-1")
	require.True(t, hit)
	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, "assistant", got[1].Role)

	c.Invalidate("chat-1")
	_, hit = c.GetHistory("chat-1")
	assert.False(t, hit)
}

func TestGenerationMarker(t *testing.T) {
	c := newTestCache(t)

	assert.False(t, c.IsGenerating("chat-1"))
	c.MarkGenerating("chat-1")
	assert.True(t, c.IsGenerating("chat-1"))
	assert.False(t, c.IsGenerating("chat-2"))
	c.ClearGenerating("chat-1")
	assert.False(t, c.IsGenerating("chat-1"))
}

func TestCancelMarker(t *testing.T) {
	c := newTestCache(t)

	assert.False(t, c.IsCancelRequested("chat-1"))
	c.RequestCancel("chat-1")
	assert.True(t, c.IsCancelRequested("chat-1"))
	c.ClearCancel("chat-1")
	assert.False(t, c.IsCancelRequested("chat-1"))
}

func TestInvalidateAll_RemovesEveryKeyFamily(t *testing.T) {
	c := newTestCache(t)

	c.SetHistory("chat-1", []CachedMessage{{Role: "user", Content: "x"}})
	c.MarkGenerating("chat-1")
	c.RequestCancel("chat-1")

	c.InvalidateAll("chat-1")

	_, hit := c.GetHistory("chat-1")
	assert.False(t, hit)
	assert.False(t, c.IsGenerating("chat-1"))
	assert.False(t, c.IsCancelRequested("chat-1"))
}

func TestMarkerExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("TTL expiry needs a wall-clock wait")
	}
	cfg := InMemoryConfig()
	cfg.CancelTTL = time.Second
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	c.RequestCancel("chat-1")
	require.True(t, c.IsCancelRequested("chat-1"))

	// Badger expiry has one-second granularity.
	time.Sleep(1500 * time.Millisecond)
	assert.False(t, c.IsCancelRequested("chat-1"))
}

func TestClosedBackend_DegradesToMissAndNoOp(t *testing.T) {
	c, err := New(InMemoryConfig())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// Every call against the closed backend fails inside Badger; the
	// cache must swallow the failures and report misses.
	c.SetHistory("chat-1", []CachedMessage{{Role: "user", Content: "x"}})
	_, hit := c.GetHistory("chat-1")
	assert.False(t, hit)

	c.MarkGenerating("chat-1")
	assert.False(t, c.IsGenerating("chat-1"))

	c.RequestCancel("chat-1")
	assert.False(t, c.IsCancelRequested("chat-1"))

	c.ClearGenerating("chat-1")
	c.ClearCancel("chat-1")
	c.Invalidate("chat-1")
	c.InvalidateAll("chat-1")
}

func TestCorruptHistoryMirror_TreatedAsMiss(t *testing.T) {
	c := newTestCache(t)
	bc := c.(*badgerCache)

	bc.set(historyKeyPrefix+"chat-1", []byte("{not json"), time.Minute)

	_, hit := c.GetHistory("chat-1")
	assert.False(t, hit)

	// The corrupt value was dropped, not just skipped.
	_, ok := bc.get(historyKeyPrefix + "chat-1")
	assert.False(t, ok)

	// A fresh write round-trips again.
	c.SetHistory("chat-1", []CachedMessage{{Role: "user", Content: "hello"}})
	got, hit := c.GetHistory("chat-1")
	require.True(t, hit)
	assert.Equal(t, "hello", got[0].Content)
}

func TestNopCache_AlwaysMisses(t *testing.T) {
	c := NewNop()

	c.SetHistory("chat-1", []CachedMessage{{Role: "user", Content: "x"}})
	c.MarkGenerating("chat-1")
	c.RequestCancel("chat-1")

	_, hit := c.GetHistory("chat-1")
	assert.False(t, hit)
	assert.False(t, c.IsGenerating("chat-1"))
	assert.False(t, c.IsCancelRequested("chat-1"))
	assert.NoError(t, c.Close())
}
