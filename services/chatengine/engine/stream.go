// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/kodiak/services/chatengine/datatypes"
	"github.com/AleutianAI/kodiak/services/chatengine/store"
	"github.com/AleutianAI/kodiak/services/llm"
)

// Terminal states recorded on stream completion.
const (
	terminalCompleted = "completed"
	terminalCancelled = "cancelled"
	terminalError     = "error"
)

// errStreamCancelled stops provider consumption when a cancel marker is
// observed mid-stream.
var errStreamCancelled = errors.New("generation cancelled")

// StreamMessage runs one streaming turn and returns the event channel the
// transport drains. The channel closes after the terminal event; errors
// are delivered as inline error events, never as channel teardown.
//
// Two goroutines feed the channel: the generation receiver walking the
// turn's state machine, and a heartbeat emitter that keeps intermediaries
// from timing out idle connections. Both are joined before the channel
// closes so no frame can leak past the end of the HTTP response.
func (e *Engine) StreamMessage(ctx context.Context, chatID, userID, message string) <-chan datatypes.StreamEvent {
	events := make(chan datatypes.StreamEvent, e.cfg.EventBuffer)
	go e.runStream(ctx, chatID, userID, message, events)
	return events
}

func (e *Engine) runStream(ctx context.Context, chatID, userID, message string, events chan<- datatypes.StreamEvent) {
	start := time.Now()

	heartbeatDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runHeartbeat(ctx, events, heartbeatDone, start)
	}()

	terminal := e.generate(ctx, chatID, userID, message, events, start)

	close(heartbeatDone)
	wg.Wait()
	close(events)

	e.metrics.RecordStreamDuration(terminal, time.Since(start).Seconds())
	e.logger.Info("stream finished",
		"chat_id", chatID, "terminal_state", terminal, "duration", time.Since(start))
}

// generate walks the turn's state machine and returns the terminal state.
func (e *Engine) generate(ctx context.Context, chatID, userID, message string, events chan<- datatypes.StreamEvent, start time.Time) string {
	// Step 1: ensure the session row exists (idempotent).
	if _, err := e.store.EnsureSession(ctx, chatID, deriveTitle(message), userID); err != nil {
		e.emitError(ctx, events, chatID, err)
		return terminalError
	}

	// Step 2: persist the inbound user turn and acknowledge it
	// immediately, independent of how generation goes.
	userMsgID, err := e.store.SaveUserMessage(ctx, chatID, userID, message)
	if err != nil {
		e.emitError(ctx, events, chatID, err)
		return terminalError
	}
	e.emit(ctx, events, datatypes.NewUserMessageEvent(userMsgID, message, userID))

	// Step 3: raise the generation marker before any provider work. The
	// deferred clear runs on every exit path so "is generating" can never
	// stick, with the marker TTL as the crash safety net. A cancel marker
	// raised against the previous turn can outlive that turn's teardown;
	// it targets the old generation, not this one, so drop it before the
	// first poll.
	e.cache.ClearCancel(chatID)
	e.cache.MarkGenerating(chatID)
	defer e.cache.ClearGenerating(chatID)

	e.emit(ctx, events, datatypes.NewProgressEvent(datatypes.StepThinking, "thinking about your question"))

	// Step 4: build context, honoring cancels that landed before the
	// provider was ever involved.
	if e.consumeCancel(ctx, chatID, "") {
		return e.cancelBeforeGeneration(ctx, events, chatID, userID)
	}
	contextMsgs, err := e.builder.Build(ctx, chatID)
	if err != nil {
		e.recordFailure(ctx, events, chatID, userID, "", err)
		return terminalError
	}
	if e.consumeCancel(ctx, chatID, "") {
		return e.cancelBeforeGeneration(ctx, events, chatID, userID)
	}

	// Step 5: open the assistant row and stream.
	aiMsgID, err := e.store.BeginAssistantMessage(ctx, chatID, userID)
	if err != nil {
		e.emitError(ctx, events, chatID, err)
		return terminalError
	}
	e.emit(ctx, events, datatypes.NewProgressEvent(datatypes.StepGenerating, "generating a response"))

	var buf strings.Builder
	first := true
	nodeData := make(map[string]map[string]any)
	nodeSink := func(name string, state map[string]any) {
		nodeData[name] = state
	}

	streamErr := e.provider.GenerateStream(ctx, contextMsgs, e.generationParams(), nodeSink, func(delta llm.StreamDelta) error {
		if e.consumeCancel(ctx, chatID, aiMsgID) {
			return errStreamCancelled
		}
		if delta.Content == nil {
			return nil
		}
		buf.WriteString(*delta.Content)
		if first {
			first = false
			e.metrics.RecordTimeToFirstChunk("stream", time.Since(start).Seconds())
		}
		e.metrics.RecordChunk("stream")
		e.emit(ctx, events, datatypes.NewChunkEvent(aiMsgID, *delta.Content, userID))
		return nil
	})
	if len(nodeData) > 0 {
		e.logger.Debug("agent node payloads collected", "chat_id", chatID, "nodes", len(nodeData))
	}

	switch {
	case errors.Is(streamErr, errStreamCancelled) || errors.Is(streamErr, context.Canceled) || (streamErr == nil && ctx.Err() != nil):
		// Step 7: cancelled mid-stream, by marker or client disconnect.
		if err := e.store.MarkCancelled(detach(ctx), chatID, aiMsgID, e.cfg.CancelledBody); err != nil {
			e.logger.Error("persist cancelled state failed", "chat_id", chatID, "error", err)
		}
		e.emit(ctx, events, datatypes.NewCancelledEvent(aiMsgID, e.cfg.CancelledBody, userID))
		return terminalCancelled

	case streamErr != nil:
		// Step 8: provider failure, delivered inline.
		e.recordFailure(ctx, events, chatID, userID, aiMsgID, streamErr)
		return terminalError

	case buf.Len() == 0:
		e.recordFailure(ctx, events, chatID, userID, aiMsgID,
			datatypes.NewError(datatypes.CodeAIResponse, "provider returned no content"))
		return terminalError

	default:
		// Step 6: natural completion. The finalize write invalidates the
		// history mirror exactly once for the whole turn.
		if err := e.store.FinalizeMessage(detach(ctx), chatID, aiMsgID, buf.String(), store.StatusCompleted); err != nil {
			e.recordFailure(ctx, events, chatID, userID, aiMsgID, err)
			return terminalError
		}
		e.emit(ctx, events, datatypes.NewCompleteEvent(aiMsgID, buf.String(), userID))
		return terminalCompleted
	}
}

// cancelBeforeGeneration handles cancels observed before an assistant row
// exists: a cancelled row is synthesized so history stays consistent.
func (e *Engine) cancelBeforeGeneration(ctx context.Context, events chan<- datatypes.StreamEvent, chatID, userID string) string {
	msgID, err := e.store.InsertCancelledMessage(detach(ctx), chatID, userID, e.cfg.CancelledBody)
	if err != nil {
		e.logger.Error("synthesize cancelled message failed", "chat_id", chatID, "error", err)
	}
	e.emit(ctx, events, datatypes.NewCancelledEvent(msgID, e.cfg.CancelledBody, userID))
	return terminalCancelled
}

// consumeCancel reports and consumes a pending cancellation request. The
// cache marker is checked first; the store fallback covers cancels that
// flipped the row directly while the cache was unavailable.
func (e *Engine) consumeCancel(ctx context.Context, chatID, aiMsgID string) bool {
	if e.cache.IsCancelRequested(chatID) {
		e.cache.ClearCancel(chatID)
		return true
	}
	if aiMsgID == "" {
		return false
	}
	latest, err := e.store.LatestMessage(ctx, chatID)
	if err != nil || latest == nil {
		return false
	}
	return latest.MessageID == aiMsgID && latest.Cancelled
}

// recordFailure drives the turn to the error terminal state: the assistant
// row (synthesized when none exists yet) is overwritten with a prefixed
// failure notice and an inline error event is emitted. The stream itself
// stays intact for the transport to close cleanly.
func (e *Engine) recordFailure(ctx context.Context, events chan<- datatypes.StreamEvent, chatID, userID, aiMsgID string, cause error) {
	code := datatypes.ErrorCode(cause)
	body := e.cfg.ErrorBodyPrefix + cause.Error()

	dctx := detach(ctx)
	if aiMsgID == "" {
		id, err := e.store.BeginAssistantMessage(dctx, chatID, userID)
		if err != nil {
			e.logger.Error("synthesize error message failed", "chat_id", chatID, "error", err)
		} else {
			aiMsgID = id
		}
	}
	if aiMsgID != "" {
		if err := e.store.MarkError(dctx, chatID, aiMsgID, body); err != nil {
			e.logger.Error("persist error state failed", "chat_id", chatID, "error", err)
		}
	}

	e.metrics.RecordError("stream", code.String())
	e.logger.Error("stream turn failed", "chat_id", chatID, "code", int(code), "error", cause)
	e.emit(ctx, events, datatypes.NewErrorEvent(code, cause.Error(), body, chatID))
}

// emitError delivers an inline error event for failures with no assistant
// row to overwrite, such as the persistence layer itself being down.
func (e *Engine) emitError(ctx context.Context, events chan<- datatypes.StreamEvent, chatID string, cause error) {
	code := datatypes.ErrorCode(cause)
	e.metrics.RecordError("stream", code.String())
	e.logger.Error("stream setup failed", "chat_id", chatID, "code", int(code), "error", cause)
	e.emit(ctx, events, datatypes.NewErrorEvent(code, cause.Error(), e.cfg.ErrorBodyPrefix+cause.Error(), chatID))
}

// emit forwards an event unless the client is gone.
func (e *Engine) emit(ctx context.Context, events chan<- datatypes.StreamEvent, ev datatypes.StreamEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// runHeartbeat pushes keep-alive frames at the configured cadence until
// the generation receiver finishes or the client disconnects. Wording
// steps through the elapsed-time schedule and then repeats the last
// message.
func (e *Engine) runHeartbeat(ctx context.Context, events chan<- datatypes.StreamEvent, done <-chan struct{}, start time.Time) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev := datatypes.NewHeartbeatEvent(heartbeatMessage(time.Since(start), e.cfg.HeartbeatInterval))
			select {
			case events <- ev:
				e.metrics.RecordHeartbeat()
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// heartbeatMessage picks wording by how many intervals have elapsed. The
// first three stages have distinct text; later beats repeat the last one.
func heartbeatMessage(elapsed, interval time.Duration) string {
	ticks := int(elapsed / interval)
	switch {
	case ticks <= 2:
		return "identifying your intent"
	case ticks <= 4:
		return "working to find the most accurate answer"
	default:
		return "almost done, please wait"
	}
}
