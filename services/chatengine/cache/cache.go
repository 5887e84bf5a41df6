// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache implements the volatile conversation mirror and the
// generation/cancellation coordination markers over BadgerDB.
//
// # Description
//
// Three key families exist per chat: chat_messages:{chatId} mirrors recent
// history with a ~30 minute TTL, generation:{chatId} marks an in-flight
// generation with a ~5 minute TTL, and cancel:{chatId} requests cooperative
// cancellation with a ~60 second TTL. The cache is never authoritative:
// every operation degrades to a miss or no-op on backend failure, and the
// short marker TTLs are the safety net against a crashed coordinator
// leaving a chat stuck in the generating state.
//
// # Thread Safety
//
// Safe for concurrent use; Badger transactions provide isolation.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	historyKeyPrefix    = "chat_messages:"
	generationKeyPrefix = "generation:"
	cancelKeyPrefix     = "cancel:"
)

// CachedMessage is one history turn as mirrored in the cache.
type CachedMessage struct {
	MessageID string    `json:"message_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Cancelled bool      `json:"cancelled"`
}

// ConversationCache is the coordination and mirroring surface the engine
// depends on. GetHistory's second return reports hit/miss; all mutating
// calls are best-effort and never return errors to callers.
type ConversationCache interface {
	GetHistory(chatID string) ([]CachedMessage, bool)
	SetHistory(chatID string, history []CachedMessage)
	Invalidate(chatID string)

	MarkGenerating(chatID string)
	ClearGenerating(chatID string)
	IsGenerating(chatID string) bool

	RequestCancel(chatID string)
	IsCancelRequested(chatID string) bool
	ClearCancel(chatID string)

	// InvalidateAll removes the history mirror and both markers, used on
	// session delete and history clear.
	InvalidateAll(chatID string)

	Close() error
}

// Config holds cache construction parameters.
type Config struct {
	// Path is the Badger directory. Ignored when InMemory is set.
	Path string

	// InMemory runs without disk persistence, for tests and dev.
	InMemory bool

	// SyncWrites trades write latency for durability. Markers are
	// disposable so this defaults to false.
	SyncWrites bool

	HistoryTTL    time.Duration
	GenerationTTL time.Duration
	CancelTTL     time.Duration

	// GCInterval controls value-log garbage collection. Zero disables GC,
	// appropriate for in-memory instances.
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         *slog.Logger
}

// DefaultConfig returns production settings with the standard TTLs.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		HistoryTTL:     30 * time.Minute,
		GenerationTTL:  5 * time.Minute,
		CancelTTL:      60 * time.Second,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for tests and local development.
func InMemoryConfig() Config {
	return Config{
		InMemory:      true,
		HistoryTTL:    30 * time.Minute,
		GenerationTTL: 5 * time.Minute,
		CancelTTL:     60 * time.Second,
	}
}

type badgerCache struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger
	gcStop chan struct{}
}

var _ ConversationCache = (*badgerCache)(nil)

// New opens a Badger-backed cache. Unlike most constructors here, failure
// to open is returned rather than degraded: a misconfigured cache path is
// an operator error worth failing fast on. Runtime failures after open are
// always degraded.
func New(cfg Config) (ConversationCache, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "conversation_cache")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(newBadgerLogger(logger))

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open conversation cache: %w", err)
	}

	c := &badgerCache{db: db, cfg: cfg, logger: logger, gcStop: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go c.runGC()
	}
	return c, nil
}

func (c *badgerCache) Close() error {
	close(c.gcStop)
	return c.db.Close()
}

func (c *badgerCache) runGC() {
	ticker := time.NewTicker(c.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for {
				if err := c.db.RunValueLogGC(c.cfg.GCDiscardRatio); err != nil {
					break
				}
			}
		case <-c.gcStop:
			return
		}
	}
}

func (c *badgerCache) GetHistory(chatID string) ([]CachedMessage, bool) {
	raw, ok := c.get(historyKeyPrefix + chatID)
	if !ok {
		return nil, false
	}
	var history []CachedMessage
	if err := json.Unmarshal(raw, &history); err != nil {
		c.logger.Warn("corrupt history mirror, treating as miss", "chat_id", chatID, "error", err)
		c.Invalidate(chatID)
		return nil, false
	}
	return history, true
}

func (c *badgerCache) SetHistory(chatID string, history []CachedMessage) {
	raw, err := json.Marshal(history)
	if err != nil {
		c.logger.Warn("marshal history mirror failed", "chat_id", chatID, "error", err)
		return
	}
	c.set(historyKeyPrefix+chatID, raw, c.cfg.HistoryTTL)
}

func (c *badgerCache) Invalidate(chatID string) {
	c.delete(historyKeyPrefix + chatID)
}

func (c *badgerCache) MarkGenerating(chatID string) {
	c.set(generationKeyPrefix+chatID, []byte("1"), c.cfg.GenerationTTL)
}

func (c *badgerCache) ClearGenerating(chatID string) {
	c.delete(generationKeyPrefix + chatID)
}

func (c *badgerCache) IsGenerating(chatID string) bool {
	_, ok := c.get(generationKeyPrefix + chatID)
	return ok
}

func (c *badgerCache) RequestCancel(chatID string) {
	c.set(cancelKeyPrefix+chatID, []byte("1"), c.cfg.CancelTTL)
}

func (c *badgerCache) IsCancelRequested(chatID string) bool {
	_, ok := c.get(cancelKeyPrefix + chatID)
	return ok
}

func (c *badgerCache) ClearCancel(chatID string) {
	c.delete(cancelKeyPrefix + chatID)
}

func (c *badgerCache) InvalidateAll(chatID string) {
	c.delete(historyKeyPrefix + chatID)
	c.delete(generationKeyPrefix + chatID)
	c.delete(cancelKeyPrefix + chatID)
}

func (c *badgerCache) get(key string) ([]byte, bool) {
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("cache read failed, degrading to miss", "key", key, "error", err)
		return nil, false
	}
	return out, true
}

func (c *badgerCache) set(key string, value []byte, ttl time.Duration) {
	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		c.logger.Warn("cache write failed, skipping", "key", key, "error", err)
	}
}

func (c *badgerCache) delete(key string) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		c.logger.Warn("cache delete failed, relying on TTL", "key", key, "error", err)
	}
}
