package translator

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStreamToOpenAIMapsTextDeltas exercises end-to-end scenario 2 from
// spec §8: two content_block_delta text events then a message_delta with
// stop_reason=end_turn must produce two content chunks and a final
// finish_reason="stop" chunk followed by [DONE].
func TestStreamToOpenAIMapsTextDeltas(t *testing.T) {
	upstream := strings.Join([]string{
		`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4-5","usage":{"input_tokens":8,"output_tokens":0}}}`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`data: {"type":"content_block_stop","index":0}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		`data: {"type":"message_stop"}`,
		``, ``,
	}, "\n")

	var out bytes.Buffer
	result, err := StreamToOpenAI(context.Background(), strings.NewReader(upstream), &out, "msg_1", "claude-sonnet-4-5")
	require.NoError(t, err)

	body := out.String()
	assert.Contains(t, body, `"content":"Hel"`)
	assert.Contains(t, body, `"content":"lo"`)
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(strings.TrimRight(body, "\n"), "data: [DONE]"))

	assert.Equal(t, "end_turn", result.StopReason)
	assert.Equal(t, int64(8), result.Usage.InputTokens)
	assert.Equal(t, int64(2), result.Usage.OutputTokens)
}

func TestStreamToOpenAIMapsToolUseDeltas(t *testing.T) {
	upstream := strings.Join([]string{
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"call_1","name":"get_weather"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"nyc\"}"}}`,
		`data: {"type":"content_block_stop","index":0}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}`,
		`data: {"type":"message_stop"}`,
		``, ``,
	}, "\n")

	var out bytes.Buffer
	result, err := StreamToOpenAI(context.Background(), strings.NewReader(upstream), &out, "msg_2", "claude-sonnet-4-5")
	require.NoError(t, err)

	body := out.String()
	assert.Contains(t, body, `"index":0,"id":"call_1","type":"function"`)
	assert.Contains(t, body, `\"city\":`)
	assert.Contains(t, body, `"finish_reason":"tool_calls"`)
	assert.Equal(t, "tool_use", result.StopReason)
}

func TestStreamToOpenAIPassesPingAsComment(t *testing.T) {
	upstream := ": ping\ndata: {\"type\":\"message_stop\"}\n\n"

	var out bytes.Buffer
	_, err := StreamToOpenAI(context.Background(), strings.NewReader(upstream), &out, "msg_3", "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Contains(t, out.String(), ": ping")
}

func TestStreamToOpenAICancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	upstream := `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}` + "\n\n"
	var out bytes.Buffer
	result, err := StreamToOpenAI(ctx, strings.NewReader(upstream), &out, "msg_4", "claude-sonnet-4-5")
	assert.Error(t, err)
	assert.True(t, result.Canceled)
}

func TestPassthroughStreamForwardsVerbatim(t *testing.T) {
	upstream := strings.Join([]string{
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		``, ``,
	}, "\n")

	var out bytes.Buffer
	result, err := PassthroughStream(context.Background(), strings.NewReader(upstream), &out)
	require.NoError(t, err)
	assert.Equal(t, upstream, out.String())
	assert.Equal(t, "end_turn", result.StopReason)
	assert.Equal(t, int64(2), result.Usage.OutputTokens)
}

func TestPassthroughStreamCapturesInputTokensFromMessageStart(t *testing.T) {
	upstream := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"usage":{"input_tokens":37}}}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
		``, ``,
	}, "\n")

	var out bytes.Buffer
	result, err := PassthroughStream(context.Background(), strings.NewReader(upstream), &out)
	require.NoError(t, err)
	assert.Equal(t, upstream, out.String())
	assert.Equal(t, int64(37), result.Usage.InputTokens)
	assert.Equal(t, int64(5), result.Usage.OutputTokens)
}
