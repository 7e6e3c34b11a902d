package translator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"maxrelay/internal/proxyerr"
)

// defaultMaxTokens is applied whenever an OpenAI request omits max_tokens,
// whatever the target model (spec §4.2.1).
const defaultMaxTokens = 8192

var thinkingBudgets = map[string]int{
	"low":    1024,
	"medium": 8192,
	"high":   32000,
	"xhigh":  64000,
	"max":    64000,
}

// isReasoningModelFamily reports whether a canonical model id belongs to
// the "Opus 4.6"-class family that takes thinking.effort instead of
// thinking.budget_tokens.
func isReasoningModelFamily(canonicalModel string) bool {
	return strings.Contains(canonicalModel, "opus-4-6")
}

// resolveThinking implements the three-step resolution order from
// spec §4.2.1: explicit reasoning_effort, then a model-id suffix, then
// none. It returns the canonical model id (suffix stripped) and the
// Anthropic thinking config to attach, if any.
func resolveThinking(modelID, reasoningEffort string) (string, *AnthropicThinking) {
	canonical, suffix := splitModelSuffix(modelID)

	level := strings.ToLower(strings.TrimSpace(reasoningEffort))
	if level == "" {
		level = suffix
	}
	if level == "" {
		return canonical, nil
	}

	reasoningFamily := isReasoningModelFamily(canonical)

	if n, err := strconv.Atoi(level); err == nil {
		if reasoningFamily {
			// Opus-4.6-class ids only understand named effort levels;
			// an integer suffix has no equivalent there.
			return canonical, nil
		}
		return canonical, &AnthropicThinking{Type: "enabled", BudgetTokens: n}
	}

	budget, ok := thinkingBudgets[level]
	if !ok {
		return canonical, nil
	}
	if reasoningFamily {
		return canonical, &AnthropicThinking{Type: "enabled", Effort: level}
	}
	return canonical, &AnthropicThinking{Type: "enabled", BudgetTokens: budget}
}

// splitModelSuffix strips a trailing "(low)"/"(32000)"-style annotation
// from a model id, returning the bare id and the lowercase suffix text.
func splitModelSuffix(modelID string) (canonical, suffix string) {
	open := strings.LastIndexByte(modelID, '(')
	if open < 0 || !strings.HasSuffix(modelID, ")") {
		return modelID, ""
	}
	return strings.TrimSpace(modelID[:open]), strings.ToLower(strings.TrimSpace(modelID[open+1 : len(modelID)-1]))
}

// RequestToAnthropic converts an OpenAI Chat Completions request body to
// an Anthropic Messages request (spec §4.2.1).
func RequestToAnthropic(body []byte) (*AnthropicRequest, error) {
	var req OpenAIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, proxyerr.Wrap(proxyerr.BadRequest, "parsing chat completions request", err)
	}

	canonicalModel, thinking := resolveThinking(req.Model, req.ReasoningEffort)

	out := &AnthropicRequest{
		Model:         canonicalModel,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Stream:        req.Stream,
		StopSequences: req.Stop,
		Thinking:      thinking,
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	if maxTokens <= 0 {
		return nil, proxyerr.New(proxyerr.BadRequest, "max_tokens must be positive")
	}
	out.MaxTokens = maxTokens

	var systemBlocks []AnthropicBlock
	var pendingToolResults []AnthropicBlock

	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			text, err := extractOpenAIText(m.Content)
			if err != nil {
				return nil, err
			}
			if text != "" {
				systemBlocks = append(systemBlocks, AnthropicBlock{Type: "text", Text: text})
			}

		case "user":
			blocks, err := convertOpenAIContent(m.Content)
			if err != nil {
				return nil, err
			}
			if len(pendingToolResults) > 0 {
				blocks = append(pendingToolResults, blocks...)
				pendingToolResults = nil
			}
			out.Messages = append(out.Messages, AnthropicMessage{Role: "user", Content: blocks})

		case "assistant":
			blocks, err := convertOpenAIContent(m.Content)
			if err != nil {
				return nil, err
			}
			for _, call := range m.ToolCalls {
				var input json.RawMessage
				if call.Function.Arguments != "" {
					input = json.RawMessage(call.Function.Arguments)
				} else {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, AnthropicBlock{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Function.Name,
					Input: input,
				})
			}
			out.Messages = append(out.Messages, AnthropicMessage{Role: "assistant", Content: blocks})

		case "tool":
			text, err := extractOpenAIText(m.Content)
			if err != nil {
				return nil, err
			}
			resultContent, _ := json.Marshal(text)
			pendingToolResults = append(pendingToolResults, AnthropicBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   resultContent,
			})
		}
	}

	// A trailing run of tool results with no following user turn still
	// needs a carrier message.
	if len(pendingToolResults) > 0 {
		out.Messages = append(out.Messages, AnthropicMessage{Role: "user", Content: pendingToolResults})
	}

	if len(systemBlocks) > 0 {
		out.System = systemBlocks
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, AnthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	return out, nil
}

// convertOpenAIContent maps an OpenAI message's content (string or
// typed-part array) to Anthropic content blocks.
func convertOpenAIContent(raw json.RawMessage) ([]AnthropicBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return nil, nil
		}
		return []AnthropicBlock{{Type: "text", Text: s}}, nil
	}

	var rawParts []json.RawMessage
	if err := json.Unmarshal(raw, &rawParts); err != nil {
		return nil, proxyerr.Wrap(proxyerr.BadRequest, "parsing message content", err)
	}

	var blocks []AnthropicBlock
	for _, rp := range rawParts {
		var typed struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(rp, &typed); err != nil {
			return nil, proxyerr.Wrap(proxyerr.BadRequest, "parsing message content part", err)
		}

		switch typed.Type {
		case "text":
			var p OpenAIContentPart
			if err := json.Unmarshal(rp, &p); err != nil {
				return nil, proxyerr.Wrap(proxyerr.BadRequest, "parsing text content part", err)
			}
			blocks = append(blocks, AnthropicBlock{Type: "text", Text: p.Text})
		case "image_url":
			var p OpenAIContentPart
			if err := json.Unmarshal(rp, &p); err != nil {
				return nil, proxyerr.Wrap(proxyerr.BadRequest, "parsing image_url content part", err)
			}
			if p.ImageURL == nil {
				continue
			}
			mediaType, data, err := parseDataURL(p.ImageURL.URL)
			if err != nil {
				return nil, proxyerr.Wrap(proxyerr.BadRequest, "parsing image_url", err)
			}
			blocks = append(blocks, AnthropicBlock{
				Type:   "image",
				Source: &AnthropicImageSource{Type: "base64", MediaType: mediaType, Data: data},
			})
		case "tool_use", "tool_result":
			// Already structurally Anthropic-shaped; decode the raw part
			// directly so id/input/tool_use_id/content survive the trip.
			var block AnthropicBlock
			if err := json.Unmarshal(rp, &block); err != nil {
				return nil, proxyerr.Wrap(proxyerr.BadRequest, "parsing tool content part", err)
			}
			blocks = append(blocks, block)
		}
	}
	return blocks, nil
}

func extractOpenAIText(raw json.RawMessage) (string, error) {
	blocks, err := convertOpenAIContent(raw)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for i, b := range blocks {
		if b.Type != "text" {
			continue
		}
		if i > 0 && sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(b.Text)
	}
	return sb.String(), nil
}

// parseDataURL splits a "data:<mime>;base64,<data>" URI into its media
// type and base64 payload.
func parseDataURL(url string) (mediaType, data string, err error) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "", "", fmt.Errorf("image_url must be a data: URI")
	}
	rest := url[len(prefix):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return "", "", fmt.Errorf("malformed data URI")
	}
	meta, payload := rest[:comma], rest[comma+1:]
	meta = strings.TrimSuffix(meta, ";base64")
	return meta, payload, nil
}
