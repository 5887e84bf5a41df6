// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"

	"github.com/AleutianAI/kodiak/services/chatengine/cache"
	"github.com/AleutianAI/kodiak/services/chatengine/store"
)

// cachingStore wraps SessionStore so every message mutation invalidates the
// chat's history mirror. Centralizing invalidation here means no call site
// can forget it. Reads pass through untouched, and streaming writes only
// happen at terminal transitions, so invalidation stays at one call per
// turn rather than one per token.
type cachingStore struct {
	store.SessionStore
	cache cache.ConversationCache
}

var _ store.SessionStore = (*cachingStore)(nil)

func newCachingStore(st store.SessionStore, ca cache.ConversationCache) *cachingStore {
	return &cachingStore{SessionStore: st, cache: ca}
}

func (c *cachingStore) SaveUserMessage(ctx context.Context, chatID, userID, body string) (string, error) {
	id, err := c.SessionStore.SaveUserMessage(ctx, chatID, userID, body)
	if err == nil {
		c.cache.Invalidate(chatID)
	}
	return id, err
}

func (c *cachingStore) BeginAssistantMessage(ctx context.Context, chatID, userID string) (string, error) {
	id, err := c.SessionStore.BeginAssistantMessage(ctx, chatID, userID)
	if err == nil {
		c.cache.Invalidate(chatID)
	}
	return id, err
}

func (c *cachingStore) FinalizeMessage(ctx context.Context, chatID, messageID, body, status string) error {
	err := c.SessionStore.FinalizeMessage(ctx, chatID, messageID, body, status)
	if err == nil {
		c.cache.Invalidate(chatID)
	}
	return err
}

func (c *cachingStore) MarkCancelled(ctx context.Context, chatID, messageID, body string) error {
	err := c.SessionStore.MarkCancelled(ctx, chatID, messageID, body)
	if err == nil {
		c.cache.Invalidate(chatID)
	}
	return err
}

func (c *cachingStore) MarkError(ctx context.Context, chatID, messageID, body string) error {
	err := c.SessionStore.MarkError(ctx, chatID, messageID, body)
	if err == nil {
		c.cache.Invalidate(chatID)
	}
	return err
}

func (c *cachingStore) InsertCancelledMessage(ctx context.Context, chatID, userID, body string) (string, error) {
	id, err := c.SessionStore.InsertCancelledMessage(ctx, chatID, userID, body)
	if err == nil {
		c.cache.Invalidate(chatID)
	}
	return id, err
}

func (c *cachingStore) ClearMessages(ctx context.Context, chatID string) error {
	err := c.SessionStore.ClearMessages(ctx, chatID)
	if err == nil {
		c.cache.InvalidateAll(chatID)
	}
	return err
}

func (c *cachingStore) DeleteSession(ctx context.Context, chatID string) error {
	err := c.SessionStore.DeleteSession(ctx, chatID)
	if err == nil {
		c.cache.InvalidateAll(chatID)
	}
	return err
}
