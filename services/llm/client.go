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
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Chat message roles shared by all providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation context sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamDelta is the uniform incremental unit yielded by GenerateStream.
// A nil Content means the tick carried no visible text (progress frames,
// empty first chunks from deployment endpoints) and must be skipped by the
// consumer. It never signals end-of-stream; the stream ends when
// GenerateStream returns.
type StreamDelta struct {
	Content *string `json:"content"`
}

// StreamCallback receives each delta in arrival order. Returning a non-nil
// error stops consumption; GenerateStream returns that error unchanged so
// callers can use sentinel errors for cooperative cancellation.
type StreamCallback func(delta StreamDelta) error

// NodeSink receives intermediate node payloads emitted by agent-style
// backends mid-stream. Payloads are per-call state owned by the caller and
// are never surfaced to the end user. Providers that have no node concept
// ignore the sink entirely. A nil sink discards payloads.
type NodeSink func(nodeName string, payload map[string]any)

// Provider is the capability surface the chat engine depends on.
//
// # Description
//
// Three implementations exist: OpenAIProvider (hosted completion API),
// AzureProvider (deployment-addressed completion API) and AgentProvider
// (remote orchestration endpoint). Selection happens once at startup via
// NewProviderFromEnv; instances are safe for concurrent use because all
// per-request state lives in arguments, not on the provider.
type Provider interface {
	// Generate performs a blocking completion over the full context.
	Generate(ctx context.Context, messages []Message, params GenerationParams) (string, error)

	// GenerateStream streams deltas to cb until the upstream finishes,
	// ctx is cancelled, or cb returns an error.
	GenerateStream(ctx context.Context, messages []Message, params GenerationParams, nodes NodeSink, cb StreamCallback) error

	// GenerateTitle produces a short session title for a seed message.
	GenerateTitle(ctx context.Context, seed string) (string, error)
}

// Provider identifiers accepted by NewProviderFromEnv via LLM_PROVIDER.
const (
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure_openai"
	ProviderAgent  = "external_api"
)

// NewProviderFromEnv selects and constructs a Provider from environment
// configuration. LLM_PROVIDER defaults to "openai" when unset.
func NewProviderFromEnv(logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	name := strings.ToLower(strings.TrimSpace(os.Getenv("LLM_PROVIDER")))
	if name == "" {
		name = ProviderOpenAI
	}
	switch name {
	case ProviderOpenAI:
		return NewOpenAIProvider(OpenAIConfigFromEnv(), logger)
	case ProviderAzure:
		return NewAzureProvider(AzureConfigFromEnv(), logger)
	case ProviderAgent:
		return NewAgentProvider(AgentConfigFromEnv(), logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", name)
	}
}

func ptrString(s string) *string { return &s }

func ptrFloat32(f float32) *float32 { return &f }

func ptrInt(i int) *int { return &i }
