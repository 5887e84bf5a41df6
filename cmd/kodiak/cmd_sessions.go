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
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func runCancelCommand(cmd *cobra.Command, args []string) {
	chat := chatID
	if len(args) > 0 {
		chat = args[0]
	}
	if chat == "" {
		chat = config.ChatID
	}
	if chat == "" {
		log.Fatal("no chat ID given; pass one as an argument")
	}

	ctx, cancel := opCtx()
	defer cancel()
	if err := newAPIClient().Cancel(ctx, chat); err != nil {
		log.Fatalf("Failed to cancel generation: %v", err)
	}
	fmt.Printf("Cancelled generation for chat %s\n", chat)
}

func runListSessions(cmd *cobra.Command, args []string) {
	ctx, cancel := opCtx()
	defer cancel()

	chats, err := newAPIClient().ListChats(ctx)
	if err != nil {
		log.Fatalf("Failed to list sessions: %v", err)
	}
	if len(chats) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHAT ID\tTITLE\tCREATED\tLAST MESSAGE")
	for _, chat := range chats {
		last := "-"
		if chat.LastMessageAt != nil {
			last = chat.LastMessageAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			chat.ChatID, chat.Title, chat.CreatedAt.Format("2006-01-02 15:04"), last)
	}
	w.Flush()
}

func runCreateSession(cmd *cobra.Command, args []string) {
	ctx, cancel := opCtx()
	defer cancel()

	title := strings.Join(args, " ")
	chat, err := newAPIClient().CreateChat(ctx, title)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	fmt.Printf("Created chat %s (%s)\n", chat.ChatID, chat.Title)
}

func runDeleteSession(cmd *cobra.Command, args []string) {
	ctx, cancel := opCtx()
	defer cancel()

	if err := newAPIClient().DeleteChat(ctx, args[0]); err != nil {
		log.Fatalf("Failed to delete session: %v", err)
	}
	fmt.Printf("Deleted chat %s\n", args[0])
}

func runRenameSession(cmd *cobra.Command, args []string) {
	ctx, cancel := opCtx()
	defer cancel()

	if err := newAPIClient().RenameChat(ctx, args[0], args[1]); err != nil {
		log.Fatalf("Failed to rename session: %v", err)
	}
	fmt.Printf("Renamed chat %s to %q\n", args[0], args[1])
}

func runHistory(cmd *cobra.Command, args []string) {
	ctx, cancel := opCtx()
	defer cancel()

	messages, err := newAPIClient().History(ctx, args[0])
	if err != nil {
		log.Fatalf("Failed to load history: %v", err)
	}
	if len(messages) == 0 {
		fmt.Println("No messages yet.")
		return
	}
	for _, m := range messages {
		tag := m.Role
		if m.Cancelled {
			tag += " (cancelled)"
		}
		fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format("15:04:05"), tag, m.Content)
	}
}

func runClearHistory(cmd *cobra.Command, args []string) {
	ctx, cancel := opCtx()
	defer cancel()

	if err := newAPIClient().ClearHistory(ctx, args[0]); err != nil {
		log.Fatalf("Failed to clear history: %v", err)
	}
	fmt.Printf("Cleared history for chat %s\n", args[0])
}
