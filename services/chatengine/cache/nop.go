// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

// NewNop returns a cache that misses every read and drops every write,
// used when caching is disabled by configuration. Cancellation still works
// in this mode through the store fallback path, at the cost of cancel
// requests only landing between generations rather than mid-stream.
func NewNop() ConversationCache { return nopCache{} }

type nopCache struct{}

var _ ConversationCache = nopCache{}

func (nopCache) GetHistory(string) ([]CachedMessage, bool) { return nil, false }
func (nopCache) SetHistory(string, []CachedMessage)        {}
func (nopCache) Invalidate(string)                         {}
func (nopCache) MarkGenerating(string)                     {}
func (nopCache) ClearGenerating(string)                    {}
func (nopCache) IsGenerating(string) bool                  { return false }
func (nopCache) RequestCancel(string)                      {}
func (nopCache) IsCancelRequested(string) bool             { return false }
func (nopCache) ClearCancel(string)                        {}
func (nopCache) InvalidateAll(string)                      {}
func (nopCache) Close() error                              { return nil }
