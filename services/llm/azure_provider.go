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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

const defaultAzureAPIVersion = "2024-02-15-preview"

// AzureConfig addresses a named deployment rather than a model id.
type AzureConfig struct {
	APIKey      string
	Endpoint    string
	Deployment  string
	APIVersion  string
	MaxTokens   int
	Temperature float32
}

func AzureConfigFromEnv() AzureConfig {
	cfg := AzureConfig{
		APIKey:      os.Getenv("AZURE_OPENAI_API_KEY"),
		Endpoint:    os.Getenv("AZURE_OPENAI_ENDPOINT"),
		Deployment:  os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
		APIVersion:  os.Getenv("AZURE_OPENAI_API_VERSION"),
		MaxTokens:   defaultOpenAIMaxTokens,
		Temperature: defaultTemperature,
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAzureAPIVersion
	}
	return cfg
}

// AzureProvider implements Provider against an Azure OpenAI deployment.
// Deployment endpoints prepend a content-filter chunk with empty choices to
// streamed responses; GenerateStream treats those as no-ops.
type AzureProvider struct {
	client *openai.Client
	cfg    AzureConfig
	logger *slog.Logger
}

var _ Provider = (*AzureProvider)(nil)

func NewAzureProvider(cfg AzureConfig, logger *slog.Logger) (*AzureProvider, error) {
	if cfg.APIKey == "" || cfg.Endpoint == "" || cfg.Deployment == "" {
		return nil, errors.New("azure_openai: AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_DEPLOYMENT are required")
	}
	clientCfg := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	clientCfg.APIVersion = cfg.APIVersion
	deployment := cfg.Deployment
	clientCfg.AzureModelMapperFunc = func(string) string { return deployment }
	return &AzureProvider{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.With("component", "azure_provider"),
	}, nil
}

func (p *AzureProvider) Generate(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.request(messages, params))
	if err != nil {
		return "", fmt.Errorf("azure completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("azure completion: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *AzureProvider) GenerateStream(ctx context.Context, messages []Message, params GenerationParams, _ NodeSink, cb StreamCallback) error {
	req := p.request(messages, params)
	req.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("azure stream open: %w", err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("azure stream recv: %w", err)
		}
		// First chunk from a deployment often carries no choices.
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := cb(StreamDelta{Content: ptrString(delta)}); err != nil {
			return err
		}
	}
}

func (p *AzureProvider) GenerateTitle(ctx context.Context, seed string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.cfg.Deployment,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: titleInstruction},
			{Role: openai.ChatMessageRoleUser, Content: "Question: " + seed},
		},
		MaxTokens:   titleMaxTokens,
		Temperature: p.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("azure title: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("azure title: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *AzureProvider) request(messages []Message, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       p.cfg.Deployment,
		Messages:    toOpenAIMessages(messages),
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		Stop:        params.Stop,
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	return req
}
