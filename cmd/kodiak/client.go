// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/kodiak/services/chatengine/datatypes"
)

const defaultServerURL = "http://localhost:12220"

// apiClient talks to the chat engine's REST and SSE endpoints.
type apiClient struct {
	baseURL string
	userID  string
	http    *http.Client
}

// newAPIClient resolves the server URL and identity from flags, then the
// config file, then defaults. Streaming responses can outlive any sane
// request timeout, so the client itself carries none; per-call contexts
// bound the non-streaming operations.
func newAPIClient() *apiClient {
	base := serverURL
	if base == "" {
		base = config.Server
	}
	if base == "" {
		base = defaultServerURL
	}
	uid := userID
	if uid == "" {
		uid = config.UserID
	}
	return &apiClient{
		baseURL: strings.TrimRight(base, "/"),
		userID:  uid,
		http:    &http.Client{},
	}
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	return req, nil
}

// doJSON performs a request and decodes the JSON response into out (which
// may be nil). Non-2xx statuses become errors carrying the response body.
func (c *apiClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// StreamMessage posts a message to the streaming endpoint and invokes
// onEvent for every SSE data frame until the stream closes.
func (c *apiClient) StreamMessage(ctx context.Context, chat, message string, onEvent func(datatypes.StreamEvent)) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/chats/"+chat+"/messages/stream",
		datatypes.SendMessageRequest{Message: message})
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev datatypes.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		onEvent(ev)
	}
	return scanner.Err()
}

// Cancel requests cancellation of the chat's in-flight generation.
func (c *apiClient) Cancel(ctx context.Context, chat string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/chats/"+chat+"/cancel", nil, nil)
}

// ListChats returns the caller's sessions.
func (c *apiClient) ListChats(ctx context.Context) ([]datatypes.ChatSummary, error) {
	var resp struct {
		Chats []datatypes.ChatSummary `json:"chats"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/chats", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// CreateChat creates a session and returns its summary.
func (c *apiClient) CreateChat(ctx context.Context, title string) (*datatypes.ChatSummary, error) {
	var resp datatypes.ChatSummary
	err := c.doJSON(ctx, http.MethodPost, "/v1/chats",
		datatypes.CreateChatRequest{Title: title}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteChat removes a session.
func (c *apiClient) DeleteChat(ctx context.Context, chat string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/chats/"+chat, nil, nil)
}

// RenameChat sets a session's title.
func (c *apiClient) RenameChat(ctx context.Context, chat, title string) error {
	return c.doJSON(ctx, http.MethodPatch, "/v1/chats/"+chat+"/title",
		datatypes.RenameChatRequest{Title: title}, nil)
}

// History returns the session's message history.
func (c *apiClient) History(ctx context.Context, chat string) ([]datatypes.HistoryMessage, error) {
	var resp struct {
		Messages []datatypes.HistoryMessage `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/chats/"+chat+"/messages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// ClearHistory wipes the session's message history.
func (c *apiClient) ClearHistory(ctx context.Context, chat string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/chats/"+chat+"/messages", nil, nil)
}

// opCtx returns a bounded context for non-streaming calls.
func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
