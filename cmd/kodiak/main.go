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
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the CLI configuration, read from ~/.kodiak.yaml when present.
// Command-line flags override file values.
type Config struct {
	// Server is the chat engine base URL.
	Server string `yaml:"server"`
	// UserID is sent as the X-User-ID header on every request.
	UserID string `yaml:"user_id"`
	// ChatID is the default chat to resume.
	ChatID string `yaml:"chat_id"`
}

var config Config

// loadConfig reads ~/.kodiak.yaml if it exists. A missing file is fine;
// a malformed one is fatal so the user notices.
func loadConfig() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	raw, err := os.ReadFile(filepath.Join(home, ".kodiak.yaml"))
	if err != nil {
		return
	}
	if err := yaml.Unmarshal(raw, &config); err != nil {
		log.Fatalf("Error parsing ~/.kodiak.yaml: %v", err)
	}
}

func main() {
	loadConfig()
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
