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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// DeliveryMode selects how the agent's answer reaches the stream consumer.
type DeliveryMode string

const (
	// DeliveryStream forwards the agent's own event stream as it arrives.
	DeliveryStream DeliveryMode = "stream"
	// DeliveryInvoke performs a blocking invoke and replays the full answer
	// as fixed-size chunks with an artificial typing delay.
	DeliveryInvoke DeliveryMode = "invoke"
	// DeliveryInvokeTransform is DeliveryInvoke with a caller-supplied
	// transform applied to the full answer before chunking.
	DeliveryInvokeTransform DeliveryMode = "invoke_transform"
)

// AgentConfig configures the remote orchestration endpoint client.
// ChunkSize and ChunkDelay only apply to the invoke-based delivery modes;
// the defaults emulate the pacing of a token stream closely enough for UI
// purposes and were tuned empirically, not derived.
type AgentConfig struct {
	BaseURL       string
	Authorization string
	Mode          DeliveryMode
	ChunkSize     int           // runes per synthetic chunk
	ChunkDelay    time.Duration // pause between synthetic chunks
	Timeout       time.Duration // per-call HTTP timeout, invoke modes only
	Transform     func(string) string
}

func AgentConfigFromEnv() AgentConfig {
	cfg := AgentConfig{
		BaseURL:       strings.TrimRight(os.Getenv("EXTERNAL_API_URL"), "/"),
		Authorization: os.Getenv("EXTERNAL_API_AUTHORIZATION"),
		Mode:          DeliveryMode(os.Getenv("EXTERNAL_API_MODE")),
		ChunkSize:     10,
		ChunkDelay:    20 * time.Millisecond,
		Timeout:       120 * time.Second,
	}
	if cfg.Mode == "" {
		cfg.Mode = DeliveryStream
	}
	return cfg
}

// AgentProvider implements Provider against a remote agent endpoint that
// speaks the runnable protocol: POST {base}/stream for SSE event streams and
// POST {base}/invoke for blocking calls.
//
// # Description
//
// The agent emits heterogeneous event payloads. Only the "final_result"
// field is user-visible content; "updates" payloads carry intermediate node
// state and are routed to the per-call NodeSink; "llm", "progress" and
// "error" payloads produce nil-content deltas. Title generation is delegated
// to the OpenAI provider because agent endpoints have no title contract.
//
// # Thread Safety
//
// Safe for concurrent use. All mutable per-request state (node payloads,
// accumulators) lives in call arguments and locals.
type AgentProvider struct {
	cfg    AgentConfig
	http   *http.Client
	titler Provider // nil when no OpenAI credentials are present
	logger *slog.Logger
}

var _ Provider = (*AgentProvider)(nil)

func NewAgentProvider(cfg AgentConfig, logger *slog.Logger) (*AgentProvider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("external_api: EXTERNAL_API_URL is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 10
	}
	if cfg.Mode == "" {
		cfg.Mode = DeliveryStream
	}
	p := &AgentProvider{
		cfg: cfg,
		// Streaming calls manage their own deadline via ctx; a client-level
		// timeout would kill long generations mid-stream.
		http:   &http.Client{},
		logger: logger.With("component", "agent_provider"),
	}
	if titler, err := NewOpenAIProvider(OpenAIConfigFromEnv(), logger); err == nil {
		p.titler = titler
	} else {
		p.logger.Warn("title generation unavailable, no OpenAI credentials", "error", err)
	}
	return p, nil
}

func (p *AgentProvider) Generate(ctx context.Context, messages []Message, _ GenerationParams) (string, error) {
	return p.invoke(ctx, messages)
}

func (p *AgentProvider) GenerateStream(ctx context.Context, messages []Message, params GenerationParams, nodes NodeSink, cb StreamCallback) error {
	switch p.cfg.Mode {
	case DeliveryInvoke, DeliveryInvokeTransform:
		text, err := p.invoke(ctx, messages)
		if err != nil {
			return err
		}
		if p.cfg.Mode == DeliveryInvokeTransform && p.cfg.Transform != nil {
			text = p.cfg.Transform(text)
		}
		return p.replayChunked(ctx, text, cb)
	default:
		return p.stream(ctx, messages, nodes, cb)
	}
}

func (p *AgentProvider) GenerateTitle(ctx context.Context, seed string) (string, error) {
	if p.titler == nil {
		return "", errors.New("external_api: title generation requires OpenAI credentials")
	}
	return p.titler.GenerateTitle(ctx, seed)
}

// stream consumes the agent's SSE endpoint, discriminating payload shapes
// into content deltas, node payloads and no-op ticks.
func (p *AgentProvider) stream(ctx context.Context, messages []Message, nodes NodeSink, cb StreamCallback) error {
	body, err := json.Marshal(map[string]any{"input": map[string]any{"messages": toAgentMessages(messages)}})
	if err != nil {
		return fmt.Errorf("agent stream marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agent stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if p.cfg.Authorization != "" {
		req.Header.Set("Authorization", p.cfg.Authorization)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent stream: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if event == "end" {
				return nil
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			delta, err := p.classifyChunk([]byte(data), nodes)
			if err != nil {
				p.logger.Warn("skipping malformed agent chunk", "error", err)
				continue
			}
			if err := cb(delta); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("agent stream read: %w", err)
	}
	return nil
}

// classifyChunk maps one raw agent payload to the uniform delta shape.
func (p *AgentProvider) classifyChunk(raw []byte, nodes NodeSink) (StreamDelta, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return StreamDelta{}, err
	}
	if final, ok := payload["final_result"]; ok {
		var text string
		if err := json.Unmarshal(final, &text); err != nil {
			return StreamDelta{}, err
		}
		return StreamDelta{Content: ptrString(text)}, nil
	}
	if updates, ok := payload["updates"]; ok && nodes != nil {
		var byNode map[string]map[string]any
		if err := json.Unmarshal(updates, &byNode); err == nil {
			for name, state := range byNode {
				nodes(name, state)
			}
		}
	}
	// llm / progress / error / updates frames carry no visible content.
	return StreamDelta{Content: nil}, nil
}

func (p *AgentProvider) invoke(ctx context.Context, messages []Message) (string, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	body, err := json.Marshal(map[string]any{"input": map[string]any{"messages": toAgentMessages(messages)}})
	if err != nil {
		return "", fmt.Errorf("agent invoke marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("agent invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Authorization != "" {
		req.Header.Set("Authorization", p.cfg.Authorization)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("agent invoke: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("agent invoke: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out struct {
		Output struct {
			FinalResult string `json:"final_result"`
		} `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("agent invoke decode: %w", err)
	}
	return out.Output.FinalResult, nil
}

// replayChunked emits text as fixed-size rune slices with a typing delay.
func (p *AgentProvider) replayChunked(ctx context.Context, text string, cb StreamCallback) error {
	runes := []rune(text)
	for i := 0; i < len(runes); i += p.cfg.ChunkSize {
		end := i + p.cfg.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		if err := cb(StreamDelta{Content: ptrString(string(runes[i:end]))}); err != nil {
			return err
		}
		if p.cfg.ChunkDelay > 0 && end < len(runes) {
			select {
			case <-time.After(p.cfg.ChunkDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// toAgentMessages converts to the agent's human/ai role vocabulary. System
// turns have no agent-side role and are folded into the first human turn.
func toAgentMessages(messages []Message) []map[string]string {
	var system []string
	out := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			out = append(out, map[string]string{"type": "ai", "content": m.Content})
		default:
			out = append(out, map[string]string{"type": "human", "content": m.Content})
		}
	}
	if len(system) > 0 {
		preamble := strings.Join(system, "\n")
		for _, m := range out {
			if m["type"] == "human" {
				m["content"] = preamble + "\n\n" + m["content"]
				break
			}
		}
	}
	return out
}
