// Package cloak decides whether to prepend the Claude-Code-style system
// prefix that makes proxy traffic look like the official IDE integration
// (C10), according to the configured cloak mode.
package cloak

import (
	"net/http"
	"strings"

	"maxrelay/internal/config"
	"maxrelay/internal/translator"
)

// Prefix is the fixed system-prompt prefix inserted as the first system
// block when cloaking applies.
const Prefix = "You are Claude Code, Anthropic's official CLI for Claude."

// claudeCodeHeader is a header Anthropic's own CLI sets on every request;
// its presence is a strong signal the caller is already Claude Code.
const claudeCodeHeader = "X-App"

// Apply prepends Prefix as the first system block of req according to
// mode:
//   - always: always prepend.
//   - never: never prepend.
//   - auto: prepend unless the request already looks like it came from
//     Claude Code itself (spec §4.6).
func Apply(mode config.CloakMode, r *http.Request, req *translator.AnthropicRequest) {
	switch mode {
	case config.CloakNever:
		return
	case config.CloakAlways:
		prepend(req)
	default:
		if !looksLikeClaudeCode(r, req) {
			prepend(req)
		}
	}
}

func prepend(req *translator.AnthropicRequest) {
	prefixBlock := translator.AnthropicBlock{Type: "text", Text: Prefix}
	if len(req.System) > 0 && req.System[0].Text == Prefix {
		return
	}
	req.System = append([]translator.AnthropicBlock{prefixBlock}, req.System...)
}

// looksLikeClaudeCode detects an already-cloaked caller via user-agent,
// the app-identifying header Anthropic's own clients set, or a
// system-prompt that already carries the prefix.
func looksLikeClaudeCode(r *http.Request, req *translator.AnthropicRequest) bool {
	if r != nil {
		if strings.Contains(strings.ToLower(r.Header.Get("User-Agent")), "claude-cli") {
			return true
		}
		if r.Header.Get(claudeCodeHeader) == "cli" {
			return true
		}
	}
	for _, b := range req.System {
		if strings.HasPrefix(b.Text, Prefix) {
			return true
		}
	}
	return false
}
