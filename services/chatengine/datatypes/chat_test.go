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

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessageRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		message string
		wantErr bool
	}{
		{"valid", "hello", false},
		{"empty rejected", "", true},
		{"at byte limit", strings.Repeat("a", MaxMessageContentBytes), false},
		{"over byte limit", strings.Repeat("a", MaxMessageContentBytes+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := SendMessageRequest{Message: tt.message}
			err := req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStreamEvent_ErrorFrameShape(t *testing.T) {
	ev := NewErrorEvent(CodeAIResponse, "upstream failed", "an error occurred: upstream failed", "chat-1")

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "error", decoded["type"])
	assert.EqualValues(t, -1308, decoded["code"])
	assert.Equal(t, "chat-1", decoded["chat_id"])
	assert.NotContains(t, decoded, "message_id")
	assert.NotContains(t, decoded, "step")
}

func TestStreamEvent_ProgressOmitsMessageFields(t *testing.T) {
	raw, err := json.Marshal(NewProgressEvent(StepThinking, "thinking about your question"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "progress", decoded["type"])
	assert.Equal(t, "thinking", decoded["step"])
	assert.NotContains(t, decoded, "message_id")
	assert.NotContains(t, decoded, "content")
}

func TestErrorCode_WrapChain(t *testing.T) {
	root := NewError(CodeSessionNotFound, "no such chat")
	wrapped := fmt.Errorf("handler: %w", root)

	assert.Equal(t, CodeSessionNotFound, ErrorCode(wrapped))
	assert.Equal(t, CodeUndefined, ErrorCode(errors.New("plain")))
	assert.True(t, errors.Is(wrapped, root))
}
