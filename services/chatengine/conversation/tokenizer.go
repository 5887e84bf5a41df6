// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates the token cost of a text fragment.
type TokenCounter interface {
	Count(text string) int
}

// NewTokenCounter returns a tiktoken-based counter for model, falling back
// to the character heuristic when the model has no known encoding. The
// heuristic divisor (~4 chars per token for latin text) was tuned
// empirically, so it stays configurable rather than hardcoded.
func NewTokenCounter(model string, fallbackCharsPerToken int, logger *slog.Logger) TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		if logger != nil {
			logger.Warn("no tokenizer for model, using character heuristic",
				"model", model, "chars_per_token", fallbackCharsPerToken, "error", err)
		}
		return HeuristicCounter{CharsPerToken: fallbackCharsPerToken}
	}
	return tiktokenCounter{enc: enc}
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicCounter approximates token counts by character length.
type HeuristicCounter struct {
	CharsPerToken int
}

func (c HeuristicCounter) Count(text string) int {
	per := c.CharsPerToken
	if per <= 0 {
		per = 4
	}
	n := len(text) / per
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
