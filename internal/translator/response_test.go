package translator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseToOpenAIConcatenatesTextAndThinking(t *testing.T) {
	resp := &AnthropicResponse{
		ID:    "msg_1",
		Model: "claude-sonnet-4-5",
		Content: []AnthropicBlock{
			{Type: "thinking", Thinking: "let me think"},
			{Type: "text", Text: "Hello!"},
		},
		StopReason: "end_turn",
		Usage:      AnthropicUsage{InputTokens: 8, OutputTokens: 2},
	}

	out := ResponseToOpenAI(resp)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "Hello!", out.Choices[0].Message.Content)
	assert.Equal(t, "let me think", out.Choices[0].Message.ReasoningContent)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)
	assert.Equal(t, int64(8), out.Usage.PromptTokens)
	assert.Equal(t, int64(2), out.Usage.CompletionTokens)
}

func TestResponseToOpenAIMapsToolUseToToolCalls(t *testing.T) {
	resp := &AnthropicResponse{
		ID:    "msg_2",
		Model: "claude-sonnet-4-5",
		Content: []AnthropicBlock{
			{Type: "tool_use", ID: "call_1", Name: "get_weather", Input: []byte(`{"city":"nyc"}`)},
		},
		StopReason: "tool_use",
	}

	out := ResponseToOpenAI(resp)
	require.Len(t, out.Choices[0].Message.ToolCalls, 1)
	call := out.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "get_weather", call.Function.Name)
	assert.Equal(t, `{"city":"nyc"}`, call.Function.Arguments)
	assert.Equal(t, "tool_calls", out.Choices[0].FinishReason)
}

// TestResponseRoundTrip exercises spec §8's round-trip property: translating
// an Anthropic response to OpenAI and back reproduces the original fields.
func TestResponseRoundTrip(t *testing.T) {
	original := &AnthropicResponse{
		ID:         "msg_3",
		Type:       "message",
		Role:       "assistant",
		Model:      "claude-sonnet-4-5",
		Content:    []AnthropicBlock{{Type: "text", Text: "Hello!"}},
		StopReason: "end_turn",
		Usage:      AnthropicUsage{InputTokens: 8, OutputTokens: 2},
	}

	openai := ResponseToOpenAI(original)
	roundTripped, err := ResponseToAnthropic(openai)
	require.NoError(t, err)

	assert.Equal(t, original.ID, roundTripped.ID)
	assert.Equal(t, original.Model, roundTripped.Model)
	assert.Equal(t, original.StopReason, roundTripped.StopReason)
	assert.Equal(t, original.Usage, roundTripped.Usage)
	require.Len(t, roundTripped.Content, 1)
	assert.Equal(t, original.Content[0].Text, roundTripped.Content[0].Text)
}

func TestResponseToAnthropicRejectsEmptyChoices(t *testing.T) {
	_, err := ResponseToAnthropic(&OpenAIResponse{ID: "x"})
	assert.Error(t, err)
}
