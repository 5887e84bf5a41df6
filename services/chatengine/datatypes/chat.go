// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides request, response and event types for the
// chat engine service.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message body.
	// Checked in bytes, not runes, to bound memory per request.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxTitleLength is the maximum chat title length in runes.
	MaxTitleLength = 100
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on string fields.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Request Types
// =============================================================================

// SendMessageRequest is the body for both the streaming and blocking send
// endpoints.
type SendMessageRequest struct {
	Message string `json:"message" validate:"required,min=1,maxbytes"`
}

func (r *SendMessageRequest) Validate() error {
	return chatValidate.Struct(r)
}

// CreateChatRequest creates a session ahead of the first message. ChatID is
// optional; the server assigns one when absent.
type CreateChatRequest struct {
	ChatID string `json:"chat_id" validate:"omitempty,max=50"`
	Title  string `json:"title" validate:"omitempty,max=100"`
}

func (r *CreateChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// RenameChatRequest updates a session title.
type RenameChatRequest struct {
	Title string `json:"title" validate:"required,min=1,max=100"`
}

func (r *RenameChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// Response Types
// =============================================================================

// ChatSummary is one row of the session list response.
type ChatSummary struct {
	ChatID        string     `json:"chat_id"`
	Title         string     `json:"title"`
	UserID        string     `json:"user_id"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// HistoryMessage is one turn of the history response.
type HistoryMessage struct {
	MessageID string    `json:"message_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Status    string    `json:"status,omitempty"`
	Cancelled bool      `json:"cancelled,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SendMessageResponse is the blocking send result.
type SendMessageResponse struct {
	ChatID        string    `json:"chat_id"`
	UserMessageID string    `json:"user_message_id"`
	AIMessageID   string    `json:"ai_message_id"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
}
