// Package cache deterministically marks up to four cache_control anchors
// on an Anthropic Messages request to minimize upstream cost (C7).
package cache

import "maxrelay/internal/translator"

const maxAnchors = 4

var ephemeral = &translator.AnthropicCacheControl{Type: "ephemeral"}

// InjectAnchors marks up to four breakpoints per spec §4.3:
//  1. the last block of the system array, if non-empty;
//  2. the last element of tools, if non-empty;
//  3. the last content block of the most recent user message;
//  4. the last content block of the second-most-recent user message.
//
// The request is left untouched if it already carries any cache_control
// anywhere, and the walk is a no-op on a second call (idempotent).
func InjectAnchors(req *translator.AnthropicRequest) {
	if alreadyAnchored(req) {
		return
	}

	anchored := 0

	if n := len(req.System); n > 0 && anchored < maxAnchors {
		req.System[n-1].CacheControl = ephemeral
		anchored++
	}

	if n := len(req.Tools); n > 0 && anchored < maxAnchors {
		req.Tools[n-1].CacheControl = ephemeral
		anchored++
	}

	userIdx := lastUserMessageIndices(req.Messages, 2)
	for _, idx := range userIdx {
		if anchored >= maxAnchors {
			break
		}
		blocks := req.Messages[idx].Content
		if len(blocks) == 0 {
			continue
		}
		blocks[len(blocks)-1].CacheControl = ephemeral
		anchored++
	}
}

// alreadyAnchored reports whether any content block, tool, or system block
// in req already carries a cache_control marker.
func alreadyAnchored(req *translator.AnthropicRequest) bool {
	for _, b := range req.System {
		if b.CacheControl != nil {
			return true
		}
	}
	for _, t := range req.Tools {
		if t.CacheControl != nil {
			return true
		}
	}
	for _, m := range req.Messages {
		for _, b := range m.Content {
			if b.CacheControl != nil {
				return true
			}
		}
	}
	return false
}

// lastUserMessageIndices returns the indices of up to n most recent
// role=user messages, most recent first.
func lastUserMessageIndices(messages []translator.AnthropicMessage, n int) []int {
	var out []int
	for i := len(messages) - 1; i >= 0 && len(out) < n; i-- {
		if messages[i].Role == "user" {
			out = append(out, i)
		}
	}
	return out
}
