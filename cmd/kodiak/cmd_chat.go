// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/kodiak/services/chatengine/datatypes"
)

// resolveChatID picks the chat to talk to: flag, then config, then a
// fresh ID the server will create on first message.
func resolveChatID() string {
	if chatID != "" {
		return chatID
	}
	if config.ChatID != "" {
		return config.ChatID
	}
	return uuid.New().String()
}

// streamTurn sends one message and renders the SSE stream to the terminal.
// Ctrl-C while streaming asks the server to cancel instead of killing the
// process; the stream then finishes with its cancelled event.
func streamTurn(client *apiClient, chat, message string) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sig:
			cancelCtx, cancel := opCtx()
			defer cancel()
			_ = client.Cancel(cancelCtx, chat)
		case <-done:
		}
	}()

	sawChunk := false
	err := client.StreamMessage(context.Background(), chat, message, func(ev datatypes.StreamEvent) {
		switch ev.Type {
		case datatypes.EventProgress, datatypes.EventHeartbeat:
			if !sawChunk {
				fmt.Fprintf(os.Stderr, "\r\033[K… %s", ev.Message)
			}
		case datatypes.EventChunk:
			if !sawChunk {
				fmt.Fprintf(os.Stderr, "\r\033[K")
				sawChunk = true
			}
			fmt.Print(ev.Content)
		case datatypes.EventComplete:
			if !sawChunk {
				// Nothing streamed (e.g. reconnect); print the full body.
				fmt.Fprintf(os.Stderr, "\r\033[K")
				fmt.Print(ev.Content)
			}
			fmt.Println()
		case datatypes.EventCancelled:
			fmt.Fprintf(os.Stderr, "\r\033[K")
			fmt.Println("\n[cancelled]")
		case datatypes.EventError:
			fmt.Fprintf(os.Stderr, "\r\033[K")
			fmt.Printf("\n[error %d] %s\n", ev.Code, ev.Message)
		}
	})
	return err
}

// runChatCommand is the interactive REPL.
func runChatCommand(cmd *cobra.Command, args []string) {
	if resume, _ := cmd.Flags().GetString("resume"); resume != "" {
		chatID = resume
	}
	chat := resolveChatID()
	client := newAPIClient()

	fmt.Printf("Chatting on %s (chat %s). Type 'exit' to quit.\n", client.baseURL, chat)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		if err := streamTurn(client, chat, line); err != nil {
			fmt.Fprintf(os.Stderr, "stream failed: %v\n", err)
		}
	}
}

// runAskCommand sends a single message and exits.
func runAskCommand(cmd *cobra.Command, args []string) {
	chat := resolveChatID()
	client := newAPIClient()
	message := strings.Join(args, " ")

	if err := streamTurn(client, chat, message); err != nil {
		fmt.Fprintf(os.Stderr, "stream failed: %v\n", err)
		os.Exit(1)
	}
}
