package translator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"maxrelay/internal/proxyerr"
)

// AnthropicEvent is one decoded SSE event from the Messages streaming API
// (spec §4.2.3, §9 "treat upstream as a typed event stream").
type AnthropicEvent struct {
	Type         string          `json:"type"`
	Message      *AnthropicResponse `json:"message,omitempty"`
	Index        int             `json:"index"`
	ContentBlock *AnthropicBlock `json:"content_block,omitempty"`
	Delta        *AnthropicStreamDelta `json:"delta,omitempty"`
	Usage        *AnthropicUsage `json:"usage,omitempty"`
}

type AnthropicStreamDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// blockState tracks what content_block kind is open at a given Anthropic
// block index, and, for tool_use blocks, which OpenAI tool-call slot it
// was assigned (spec §9: "idx → tool_call_id map, current block kind").
type blockState struct {
	kind          string
	toolCallIndex int
	toolCallID    string
}

// StreamResult summarizes a completed or canceled stream for C8 post-flight
// accounting; Usage/StopReason reflect the last complete message_delta
// observed, which may be zero if the stream was canceled before one
// arrived.
type StreamResult struct {
	Usage      AnthropicUsage
	StopReason string
	Canceled   bool
}

// StreamToOpenAI reads an Anthropic Messages SSE stream from r and writes
// the equivalent chat.completion.chunk SSE stream to w, returning once the
// upstream stream ends, the context is canceled, or an error occurs.
func StreamToOpenAI(ctx context.Context, r io.Reader, w io.Writer, responseID, model string) (StreamResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var result StreamResult
	blocks := make(map[int]*blockState)
	nextToolCallIndex := 0
	roleSent := false

	emit := func(chunk OpenAIChunk) error {
		data, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("marshaling stream chunk: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return fmt.Errorf("writing stream chunk: %w", err)
		}
		if f, ok := w.(interface{ Flush() }); ok {
			f.Flush()
		}
		return nil
	}

	baseChunk := func() OpenAIChunk {
		return OpenAIChunk{ID: responseID, Object: "chat.completion.chunk", Model: model}
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			result.Canceled = true
			return result, ctx.Err()
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ":") {
			// Anthropic ping keep-alive; pass through as a comment.
			if _, err := fmt.Fprintf(w, "%s\n\n", line); err != nil {
				return result, fmt.Errorf("writing keep-alive: %w", err)
			}
			if f, ok := w.(interface{ Flush() }); ok {
				f.Flush()
			}
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var ev AnthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "ping":
			continue

		case "message_start":
			if ev.Message != nil && ev.Message.Usage.InputTokens > 0 {
				result.Usage.InputTokens = ev.Message.Usage.InputTokens
			}
			continue

		case "content_block_start":
			if ev.ContentBlock == nil {
				continue
			}
			bs := &blockState{kind: ev.ContentBlock.Type}
			if ev.ContentBlock.Type == "tool_use" {
				bs.toolCallIndex = nextToolCallIndex
				bs.toolCallID = ev.ContentBlock.ID
				nextToolCallIndex++

				chunk := baseChunk()
				delta := OpenAIChunkDelta{
					ToolCalls: []OpenAIChunkToolCall{{
						Index: bs.toolCallIndex,
						ID:    bs.toolCallID,
						Type:  "function",
						Function: OpenAIToolCallFunc{
							Name: ev.ContentBlock.Name,
						},
					}},
				}
				if !roleSent {
					delta.Role = "assistant"
					roleSent = true
				}
				chunk.Choices = []OpenAIChunkChoice{{Index: 0, Delta: delta}}
				if err := emit(chunk); err != nil {
					return result, err
				}
			}
			blocks[ev.Index] = bs

		case "content_block_delta":
			bs := blocks[ev.Index]
			if bs == nil || ev.Delta == nil {
				continue
			}
			chunk := baseChunk()
			delta := OpenAIChunkDelta{}
			if !roleSent {
				delta.Role = "assistant"
				roleSent = true
			}
			switch ev.Delta.Type {
			case "text_delta":
				delta.Content = ev.Delta.Text
			case "thinking_delta":
				delta.ReasoningContent = ev.Delta.Thinking
			case "input_json_delta":
				delta.ToolCalls = []OpenAIChunkToolCall{{
					Index:    bs.toolCallIndex,
					Function: OpenAIToolCallFunc{Arguments: ev.Delta.PartialJSON},
				}}
			default:
				continue
			}
			chunk.Choices = []OpenAIChunkChoice{{Index: 0, Delta: delta}}
			if err := emit(chunk); err != nil {
				return result, err
			}

		case "content_block_stop":
			delete(blocks, ev.Index)

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				result.StopReason = ev.Delta.StopReason
				finish := stopReasonToFinishReason(ev.Delta.StopReason)
				chunk := baseChunk()
				chunk.Choices = []OpenAIChunkChoice{{Index: 0, Delta: OpenAIChunkDelta{}, FinishReason: &finish}}
				if err := emit(chunk); err != nil {
					return result, err
				}
			}
			if ev.Usage != nil {
				result.Usage.OutputTokens = ev.Usage.OutputTokens
				if ev.Usage.InputTokens > 0 {
					result.Usage.InputTokens = ev.Usage.InputTokens
				}
				result.Usage.CacheCreationInputTokens = ev.Usage.CacheCreationInputTokens
				result.Usage.CacheReadInputTokens = ev.Usage.CacheReadInputTokens
			}

		case "message_stop":
			if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
				return result, fmt.Errorf("writing stream terminator: %w", err)
			}
			if f, ok := w.(interface{ Flush() }); ok {
				f.Flush()
			}
			return result, nil

		case "error":
			return result, proxyerr.New(proxyerr.UpstreamTransport, "upstream emitted an error event mid-stream")
		}
	}

	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("reading upstream stream: %w", err)
	}
	return result, nil
}

// PassthroughStream forwards an Anthropic SSE stream verbatim to an
// Anthropic-dialect client, only tracking the fields C8 needs for
// post-flight accounting (spec §4.2.3 "forwarded verbatim except for
// transport framing").
func PassthroughStream(ctx context.Context, r io.Reader, w io.Writer) (StreamResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var result StreamResult
	var pendingLines []string

	flushEvent := func() error {
		if len(pendingLines) == 0 {
			return nil
		}
		for _, l := range pendingLines {
			if _, err := fmt.Fprintf(w, "%s\n", l); err != nil {
				return fmt.Errorf("writing stream event: %w", err)
			}
		}
		if _, err := fmt.Fprint(w, "\n"); err != nil {
			return fmt.Errorf("writing stream event terminator: %w", err)
		}
		if f, ok := w.(interface{ Flush() }); ok {
			f.Flush()
		}
		pendingLines = pendingLines[:0]
		return nil
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			result.Canceled = true
			return result, ctx.Err()
		default:
		}

		line := scanner.Text()
		if line == "" {
			if err := flushEvent(); err != nil {
				return result, err
			}
			continue
		}
		pendingLines = append(pendingLines, line)

		if data, ok := strings.CutPrefix(line, "data:"); ok {
			var ev AnthropicEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err == nil {
				switch ev.Type {
				case "message_start":
					if ev.Message != nil && ev.Message.Usage.InputTokens > 0 {
						result.Usage.InputTokens = ev.Message.Usage.InputTokens
					}
				case "message_delta":
					if ev.Delta != nil && ev.Delta.StopReason != "" {
						result.StopReason = ev.Delta.StopReason
					}
					if ev.Usage != nil {
						result.Usage.OutputTokens = ev.Usage.OutputTokens
						if ev.Usage.InputTokens > 0 {
							result.Usage.InputTokens = ev.Usage.InputTokens
						}
						result.Usage.CacheCreationInputTokens = ev.Usage.CacheCreationInputTokens
						result.Usage.CacheReadInputTokens = ev.Usage.CacheReadInputTokens
					}
				}
			}
		}
	}
	if err := flushEvent(); err != nil {
		return result, err
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("reading upstream stream: %w", err)
	}
	return result, nil
}
