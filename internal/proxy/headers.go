package proxy

import "strings"

// anthropicVersion is the fixed API version header every upstream request
// carries (spec §4.5).
const anthropicVersion = "2023-06-01"

// defaultBetaHeader and haikuBetaHeader mirror the beta flag sets Claude
// Code itself sends for OAuth-subscription traffic; Haiku models reject
// the claude-code and fine-grained-tool-streaming flags.
const (
	defaultBetaHeader = "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"
	haikuBetaHeader    = "oauth-2025-04-20,interleaved-thinking-2025-05-14"
)

// betaHeaderFor resolves the anthropic-beta header value for modelID,
// respecting a client-supplied value by ensuring the oauth flag is present
// rather than discarding it outright.
func betaHeaderFor(modelID, clientSupplied string) string {
	if clientSupplied == "" {
		if strings.Contains(strings.ToLower(modelID), "haiku") {
			return haikuBetaHeader
		}
		return defaultBetaHeader
	}
	if strings.Contains(clientSupplied, "oauth-2025-04-20") {
		return clientSupplied
	}
	if strings.Contains(clientSupplied, "claude-code-20250219") {
		return strings.Replace(clientSupplied, "claude-code-20250219", "claude-code-20250219,oauth-2025-04-20", 1)
	}
	return "oauth-2025-04-20," + clientSupplied
}

// setUpstreamHeaders applies the headers every request to api.anthropic.com
// must carry when authenticating with a subscription OAuth token: the
// fixed client identity Claude Code itself presents, so the traffic reads
// as coming from the official CLI rather than a bespoke integration.
func setUpstreamHeaders(h interface{ Set(string, string) }, accessToken, modelID, clientBeta string) {
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("Content-Type", "application/json")
	h.Set("anthropic-version", anthropicVersion)
	h.Set("anthropic-beta", betaHeaderFor(modelID, clientBeta))
	h.Set("User-Agent", "claude-cli/2.0.62 (external, cli)")
	h.Set("X-Stainless-Lang", "js")
	h.Set("X-Stainless-Package-Version", "0.52.0")
	h.Set("X-Stainless-OS", "Linux")
	h.Set("X-Stainless-Arch", "x64")
	h.Set("X-Stainless-Runtime", "node")
	h.Set("X-Stainless-Runtime-Version", "v22.14.0")
	h.Set("X-App", "cli")
	h.Set("Anthropic-Dangerous-Direct-Browser-Access", "true")
}
