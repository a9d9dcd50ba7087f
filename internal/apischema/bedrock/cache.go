// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package bedrock

import "strings"

// CacheConfig controls which parts of a Converse request get a CachePoint
// inserted. Bedrock allows at most 4 cache points per request; ApplyCache
// enforces that budget across system/tools/messages in that priority order.
type CacheConfig struct {
	CacheSystem   bool
	CacheTools    bool
	CacheMessages bool
	// MinTokens gates CacheSystem: a cache point is only worth the Bedrock
	// minimum-cacheable-length floor, so system blocks estimated (by word
	// count * 1.3) below this are left uncached. Zero disables the gate.
	MinTokens int
}

// ineligibleClaudeSubstrings are the Claude model-id fragments prompt
// caching does not support: the original instant/v1/v2 families predate
// Bedrock's cache-point feature entirely.
var ineligibleClaudeSubstrings = []string{"claude-instant", "claude-v1", "claude-v2", "claude-2"}

// ModelSupportsCache reports whether model is one of the Bedrock model
// families documented to honor CachePoint markers: Anthropic Claude (other
// than the pre-cache instant/v1/v2 generations) and Amazon Nova.
func ModelSupportsCache(model string) bool {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		for _, bad := range ineligibleClaudeSubstrings {
			if strings.Contains(m, bad) {
				return false
			}
		}
		return true
	case strings.Contains(m, "nova"):
		return true
	default:
		return false
	}
}

// EstimateTokens approximates a token count from word count, the same
// words*1.3 heuristic the cache_system min_tokens gate uses to decide
// whether a system prompt clears the minimum cacheable length without
// invoking a real tokenizer on the hot path.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(float64(words) * 1.3)
}

const maxCachePoints = 4

var defaultCachePoint = &CachePoint{Type: "default"}

// ApplyCache inserts CachePoint markers into req per cfg: a cache point is
// appended after the last system block, after the last tool spec, and --
// for messages -- after the second-to-last user message,
// since Bedrock replays the cache up to but not including the most recent
// turn. Callers that exceed the 4-cache-point budget have CacheMessages
// dropped first, then CacheTools, since System prompts are the highest-value
// cache target (least likely to change between requests).
func ApplyCache(req *ConverseRequest, cfg CacheConfig) {
	budget := maxCachePoints
	if cfg.CacheSystem && len(req.System) > 0 && budget > 0 && systemMeetsMinTokens(req.System, cfg.MinTokens) {
		req.System[len(req.System)-1].CachePoint = defaultCachePoint
		budget--
	}
	if cfg.CacheTools && req.ToolConfig != nil && len(req.ToolConfig.Tools) > 0 && budget > 0 {
		req.ToolConfig.Tools[len(req.ToolConfig.Tools)-1].CachePoint = defaultCachePoint
		budget--
	}
	if cfg.CacheMessages && budget > 0 {
		if idx := secondToLastUserMessage(req.Messages); idx >= 0 {
			msg := &req.Messages[idx]
			if len(msg.Content) > 0 {
				msg.Content[len(msg.Content)-1].CachePoint = defaultCachePoint
			}
		}
	}
}

// systemMeetsMinTokens reports whether the joined system text clears cfg's
// minimum-token floor; minTokens <= 0 disables the gate entirely.
func systemMeetsMinTokens(system []SystemContentBlock, minTokens int) bool {
	if minTokens <= 0 {
		return true
	}
	var joined strings.Builder
	for _, b := range system {
		joined.WriteString(b.Text)
	}
	return EstimateTokens(joined.String()) >= minTokens
}

// ApplyCacheControlBlocks walks req's content blocks in source order,
// tagging the Converse block at each index where sourceHasCacheControl
// reports true with a CachePoint, honoring the shared 4-point budget
// starting at remaining. It returns the budget left after applying markers
// in system, then per-message content order (tool specs are not walked) --
// mirroring the precedence ApplyCache itself uses for the policy-driven
// markers, since both draw from the same finite cache-point allowance.
func ApplyCacheControlBlocks(req *ConverseRequest, remaining int, systemHasCacheControl []bool, messageBlockHasCacheControl [][]bool) int {
	for i := range req.System {
		if remaining <= 0 {
			return remaining
		}
		if i < len(systemHasCacheControl) && systemHasCacheControl[i] {
			req.System[i].CachePoint = defaultCachePoint
			remaining--
		}
	}
	for mi := range req.Messages {
		if remaining <= 0 {
			return remaining
		}
		blocks := req.Messages[mi].Content
		if mi >= len(messageBlockHasCacheControl) {
			continue
		}
		flags := messageBlockHasCacheControl[mi]
		for bi := range blocks {
			if remaining <= 0 {
				return remaining
			}
			if bi < len(flags) && flags[bi] {
				req.Messages[mi].Content[bi].CachePoint = defaultCachePoint
				remaining--
			}
		}
	}
	return remaining
}

// secondToLastUserMessage returns the index of the second-to-last message
// with Role "user", or -1 if there are fewer than two. Caching up to the
// second-to-last user turn (rather than the last) keeps the cache hit rate
// high across a growing conversation: the final turn is the one most likely
// to differ from the previous request.
func secondToLastUserMessage(messages []Message) int {
	found := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		found++
		if found == 2 {
			return i
		}
	}
	return -1
}
