package translator

import (
	"encoding/json"
	"strings"

	"maxrelay/internal/proxyerr"
)

// stopReasonToFinishReason implements spec §4.2.2's Anthropic→OpenAI
// stop_reason mapping.
func stopReasonToFinishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence":
		return "stop"
	default:
		return "stop"
	}
}

// finishReasonToStopReason is the inverse, used when re-deriving an
// Anthropic response from an OpenAI one (round-trip property, §8).
func finishReasonToStopReason(finishReason string) string {
	switch finishReason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// ResponseToOpenAI converts a unary Anthropic Messages response to a
// chat.completion object (spec §4.2.2).
func ResponseToOpenAI(resp *AnthropicResponse) *OpenAIResponse {
	var text, reasoning strings.Builder
	var toolCalls []OpenAIToolCall

	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "thinking":
			reasoning.WriteString(b.Thinking)
		case "tool_use":
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, OpenAIToolCall{
				ID:   b.ID,
				Type: "function",
				Function: OpenAIToolCallFunc{
					Name:      b.Name,
					Arguments: args,
				},
			})
		}
	}

	msg := OpenAIResponseMsg{
		Role:             "assistant",
		Content:          text.String(),
		ReasoningContent: reasoning.String(),
		ToolCalls:        toolCalls,
	}

	return &OpenAIResponse{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: stopReasonToFinishReason(resp.StopReason),
		}},
		Usage: OpenAIUsage{
			PromptTokens:             resp.Usage.InputTokens,
			CompletionTokens:         resp.Usage.OutputTokens,
			TotalTokens:              resp.Usage.InputTokens + resp.Usage.OutputTokens,
			CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
		},
	}
}

// ResponseToAnthropic is the inverse of ResponseToOpenAI. The proxy
// pipeline does not call it (the upstream is always Anthropic); it is
// used to exercise the round-trip property in §8.
func ResponseToAnthropic(resp *OpenAIResponse) (*AnthropicResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, proxyerr.New(proxyerr.UpstreamTransport, "upstream response carried no choices")
	}
	choice := resp.Choices[0]

	var content []AnthropicBlock
	if choice.Message.Content != "" {
		content = append(content, AnthropicBlock{Type: "text", Text: choice.Message.Content})
	}
	if choice.Message.ReasoningContent != "" {
		content = append(content, AnthropicBlock{Type: "thinking", Thinking: choice.Message.ReasoningContent})
	}
	for _, call := range choice.Message.ToolCalls {
		input := json.RawMessage(call.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		content = append(content, AnthropicBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}

	return &AnthropicResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    content,
		StopReason: finishReasonToStopReason(choice.FinishReason),
		Usage: AnthropicUsage{
			InputTokens:              resp.Usage.PromptTokens,
			OutputTokens:             resp.Usage.CompletionTokens,
			CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
		},
	}, nil
}
