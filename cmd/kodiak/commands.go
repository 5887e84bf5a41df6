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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	serverURL string
	userID    string
	chatID    string

	rootCmd = &cobra.Command{
		Use:   "kodiak",
		Short: "A cli to talk to the Kodiak chat engine",
		Long: `Kodiak is a streaming conversation engine. This cli sends messages,
				follows the SSE response stream, and manages chat sessions.`,
	}

	// --- Chat ---
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Starts an interactive chat session",
		Run:   runChatCommand, // Defined in cmd_chat.go
	}

	askCmd = &cobra.Command{
		Use:   "ask [message]",
		Short: "Sends one message and streams the answer",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAskCommand, // Defined in cmd_chat.go
	}

	cancelCmd = &cobra.Command{
		Use:   "cancel [chat_id]",
		Short: "Cancels the in-flight generation for a chat",
		Run:   runCancelCommand, // Defined in cmd_sessions.go
	}

	// --- Sessions ---
	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Manage conversation sessions",
	}
	listSessionsCmd = &cobra.Command{
		Use:   "list",
		Short: "List all conversation sessions",
		Run:   runListSessions, // Defined in cmd_sessions.go
	}
	createSessionCmd = &cobra.Command{
		Use:   "create [title]",
		Short: "Create a new conversation session",
		Run:   runCreateSession, // Defined in cmd_sessions.go
	}
	deleteSessionCmd = &cobra.Command{
		Use:   "delete [chat_id]",
		Short: "Delete a specific conversation session",
		Args:  cobra.ExactArgs(1),
		Run:   runDeleteSession, // Defined in cmd_sessions.go
	}
	renameSessionCmd = &cobra.Command{
		Use:   "rename [chat_id] [title]",
		Short: "Rename a conversation session",
		Args:  cobra.ExactArgs(2),
		Run:   runRenameSession, // Defined in cmd_sessions.go
	}
	historyCmd = &cobra.Command{
		Use:   "history [chat_id]",
		Short: "Show the message history of a session",
		Args:  cobra.ExactArgs(1),
		Run:   runHistory, // Defined in cmd_sessions.go
	}
	clearHistoryCmd = &cobra.Command{
		Use:   "clear [chat_id]",
		Short: "Clear the message history of a session",
		Args:  cobra.ExactArgs(1),
		Run:   runClearHistory, // Defined in cmd_sessions.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		"Chat engine base URL (default http://localhost:12220, or 'server' in ~/.kodiak.yaml)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "",
		"User identity sent with every request")

	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatID, "resume", "", "Resume a conversation using a specific chat ID.")

	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVar(&chatID, "chat", "", "Chat ID to send the message to")

	rootCmd.AddCommand(cancelCmd)

	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(listSessionsCmd)
	sessionCmd.AddCommand(createSessionCmd)
	sessionCmd.AddCommand(deleteSessionCmd)
	sessionCmd.AddCommand(renameSessionCmd)
	sessionCmd.AddCommand(historyCmd)
	sessionCmd.AddCommand(clearHistoryCmd)
}
