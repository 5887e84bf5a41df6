// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) SessionStore {
	t.Helper()
	s, err := NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "chat-1", "First chat", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "chat-1", sess.ChatID)
	assert.True(t, sess.Active)

	got, err := s.GetSession(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "First chat", got.Title)

	require.NoError(t, s.RenameSession(ctx, "chat-1", "Renamed"))
	got, err = s.GetSession(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)

	require.NoError(t, s.DeleteSession(ctx, "chat-1"))
	_, err = s.GetSession(ctx, "chat-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEnsureSession_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureSession(ctx, "chat-1", "hello there", "user-1")
	require.NoError(t, err)
	second, err := s.EnsureSession(ctx, "chat-1", "different title", "user-1")
	require.NoError(t, err)

	assert.Equal(t, first.ChatID, second.ChatID)
	assert.Equal(t, "hello there", second.Title)
}

func TestCreateSession_AssignsIDWhenEmpty(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession(context.Background(), "", "untitled", "user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ChatID)
}

func TestListSessions_NewestFirstActiveOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "chat-a", "a", "user-1")
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "chat-b", "b", "user-1")
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "chat-other", "x", "user-2")
	require.NoError(t, err)
	require.NoError(t, s.DeleteSession(ctx, "chat-a"))

	sessions, err := s.ListSessions(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "chat-b", sessions[0].ChatID)
}

func TestBeginAssistantMessage_SingleGeneratingInvariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "chat-1", "t", "user-1")
	require.NoError(t, err)

	first, err := s.BeginAssistantMessage(ctx, "chat-1", "user-1")
	require.NoError(t, err)

	_, err = s.BeginAssistantMessage(ctx, "chat-1", "user-1")
	assert.ErrorIs(t, err, ErrAlreadyGenerating)

	// Reaching a terminal state releases the chat for the next turn.
	require.NoError(t, s.FinalizeMessage(ctx, "chat-1", first, "done", StatusCompleted))
	_, err = s.BeginAssistantMessage(ctx, "chat-1", "user-1")
	assert.NoError(t, err)
}

func TestListRecentMessages_OrderLimitExclusion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "chat-1", "t", "user-1")
	require.NoError(t, err)

	_, err = s.SaveUserMessage(ctx, "chat-1", "user-1", "one")
	require.NoError(t, err)
	_, err = s.SaveUserMessage(ctx, "chat-1", "user-1", "two")
	require.NoError(t, err)
	_, err = s.InsertCancelledMessage(ctx, "chat-1", "user-1", "response cancelled by user")
	require.NoError(t, err)
	_, err = s.SaveUserMessage(ctx, "chat-1", "user-1", "three")
	require.NoError(t, err)

	msgs, err := s.ListRecentMessages(ctx, "chat-1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	// Ascending order over the 3 most recent rows.
	assert.Equal(t, "two", msgs[0].Body)
	assert.True(t, msgs[1].Cancelled)
	assert.Equal(t, "three", msgs[2].Body)

	require.NoError(t, s.ClearMessages(ctx, "chat-1"))
	msgs, err = s.ListRecentMessages(ctx, "chat-1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestTerminalTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "chat-1", "t", "user-1")
	require.NoError(t, err)

	id, err := s.BeginAssistantMessage(ctx, "chat-1", "user-1")
	require.NoError(t, err)

	require.NoError(t, s.MarkError(ctx, "chat-1", id, "an error occurred: upstream timeout"))
	latest, err := s.LatestMessage(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, latest.Status)
	assert.Contains(t, latest.Body, "upstream timeout")

	id2, err := s.BeginAssistantMessage(ctx, "chat-1", "user-1")
	require.NoError(t, err)
	require.NoError(t, s.MarkCancelled(ctx, "chat-1", id2, "response cancelled by user"))
	latest, err = s.LatestMessage(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, latest.Status)
	assert.True(t, latest.Cancelled)
}

func TestLatestMessage_EmptyChat(t *testing.T) {
	s := newTestStore(t)

	m, err := s.LatestMessage(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, m)
}
