// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// Stream event discriminators. Each SSE data frame is one JSON-encoded
// StreamEvent whose Type selects the populated fields.
const (
	EventUserMessage = "user_message"
	EventProgress    = "progress"
	EventHeartbeat   = "heartbeat"
	EventChunk       = "ai_response_chunk"
	EventComplete    = "ai_response_complete"
	EventCancelled   = "cancelled"
	EventError       = "error"
)

// Progress steps carried on EventProgress frames.
const (
	StepThinking   = "thinking"
	StepGenerating = "generating"
)

// StreamEvent is the wire shape of every SSE frame. Fields irrelevant to a
// given Type are omitted from the encoded JSON.
type StreamEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Step      string `json:"step,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      Code   `json:"code,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

func eventTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func NewUserMessageEvent(messageID, content, userID string) StreamEvent {
	return StreamEvent{Type: EventUserMessage, MessageID: messageID, Content: content, UserID: userID, Timestamp: eventTimestamp()}
}

func NewProgressEvent(step, message string) StreamEvent {
	return StreamEvent{Type: EventProgress, Step: step, Message: message, Timestamp: eventTimestamp()}
}

func NewHeartbeatEvent(message string) StreamEvent {
	return StreamEvent{Type: EventHeartbeat, Message: message, Timestamp: eventTimestamp()}
}

func NewChunkEvent(messageID, content, userID string) StreamEvent {
	return StreamEvent{Type: EventChunk, MessageID: messageID, Content: content, UserID: userID, Timestamp: eventTimestamp()}
}

func NewCompleteEvent(messageID, content, userID string) StreamEvent {
	return StreamEvent{Type: EventComplete, MessageID: messageID, Content: content, UserID: userID, Timestamp: eventTimestamp()}
}

func NewCancelledEvent(messageID, content, userID string) StreamEvent {
	return StreamEvent{Type: EventCancelled, MessageID: messageID, Content: content, UserID: userID, Timestamp: eventTimestamp()}
}

func NewErrorEvent(code Code, message, content, chatID string) StreamEvent {
	return StreamEvent{Type: EventError, Code: code, Message: message, Content: content, ChatID: chatID, Timestamp: eventTimestamp()}
}
