// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviderFromEnv_SelectsAgent(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "external_api")
	t.Setenv("EXTERNAL_API_URL", "http://agent.internal:8000/chat")
	t.Setenv("OPENAI_API_KEY", "")

	p, err := NewProviderFromEnv(slog.Default())
	require.NoError(t, err)
	assert.IsType(t, &AgentProvider{}, p)
}

func TestNewProviderFromEnv_SelectsOpenAI(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	p, err := NewProviderFromEnv(slog.Default())
	require.NoError(t, err)
	assert.IsType(t, &OpenAIProvider{}, p)
}

func TestNewProviderFromEnv_UnknownProvider(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "mystery")

	_, err := NewProviderFromEnv(slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
}

func TestNewAzureProvider_RequiresConfig(t *testing.T) {
	_, err := NewAzureProvider(AzureConfig{}, slog.Default())
	require.Error(t, err)
}

func TestAgentConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("EXTERNAL_API_URL", "http://agent.internal:8000/chat/")
	t.Setenv("EXTERNAL_API_MODE", "")

	cfg := AgentConfigFromEnv()
	assert.Equal(t, "http://agent.internal:8000/chat", cfg.BaseURL)
	assert.Equal(t, DeliveryStream, cfg.Mode)
	assert.Equal(t, 10, cfg.ChunkSize)
}
