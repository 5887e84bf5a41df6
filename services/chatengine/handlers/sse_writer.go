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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/kodiak/services/chatengine/datatypes"
)

// SSEWriter emits data-only SSE frames: each event is one JSON object on a
// single `data:` line, discriminated by its `type` field. Named SSE event
// types are deliberately not used so EventSource and fetch-based clients
// share one parsing path.
type SSEWriter interface {
	// WriteEvent encodes and flushes one stream event.
	WriteEvent(ev datatypes.StreamEvent) error

	// WriteKeepAlive sends an SSE comment frame that clients ignore.
	WriteKeepAlive() error
}

type sseWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

var _ SSEWriter = (*sseWriter)(nil)

// NewSSEWriter wraps the response writer, failing when the connection
// cannot flush incrementally (HTTP/1.0 proxies, test recorders without
// flush support).
func NewSSEWriter(w gin.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported: response writer is not a flusher")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

// SetSSEHeaders prepares the response for server-sent events. The
// X-Accel-Buffering header keeps nginx-style proxies from buffering the
// stream into one delayed response.
func SetSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

func (s *sseWriter) WriteEvent(ev datatypes.StreamEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write stream event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) WriteKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	s.flusher.Flush()
	return nil
}
