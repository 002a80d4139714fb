package models

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/streaming"
	"github.com/bromic007/llamafarm-sub004/internal/token"
)

// LanguageHTTPBackend speaks the OpenAI-compatible chat completions API of
// a local runtime server.
type LanguageHTTPBackend struct {
	httpBackend
}

// NewLanguageHTTP builds a language adapter for an OpenAI-compatible
// runtime endpoint.
func NewLanguageHTTP(cfg HTTPConfig) *LanguageHTTPBackend {
	return &LanguageHTTPBackend{httpBackend: newHTTPBackend(cfg)}
}

func (c *LanguageHTTPBackend) buildPayload(req GenerateRequest, stream bool) map[string]any {
	payload := map[string]any{
		"model":    c.model,
		"messages": req.Messages,
		"stream":   stream,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		payload["top_p"] = req.TopP
	}
	if len(req.Stop) > 0 {
		payload["stop"] = req.Stop
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
		if req.ToolChoice != nil {
			payload["tool_choice"] = req.ToolChoice
		} else {
			payload["tool_choice"] = "auto"
		}
	}
	if req.Think {
		payload["chat_template_kwargs"] = map[string]any{"enable_thinking": true}
	}
	return payload
}

// Generate runs a synchronous completion.
func (c *LanguageHTTPBackend) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	body, err := json.Marshal(c.buildPayload(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	c.logger.Debug("POST %s model=%s messages=%d", endpoint, c.model, len(req.Messages))

	resp, err := c.doPost(ctx, endpoint, body)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("runtime error response (%d): %s", resp.StatusCode, string(respBody))
		return nil, mapHTTPError(resp.StatusCode, respBody, resp.Header)
	}

	var oaiResp struct {
		Choices []struct {
			Message struct {
				Content          string     `json:"content"`
				Reasoning        string     `json:"reasoning"`
				ReasoningContent string     `json:"reasoning_content"`
				ToolCalls        []ToolCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if oaiResp.Error != nil {
		return nil, errors.NewPermanentError(errors.New(oaiResp.Error.Message), "model runtime returned an error")
	}
	if len(oaiResp.Choices) == 0 {
		return nil, errors.NewTransientError(errors.New("no choices in response"), "model runtime returned an empty response")
	}

	choice := oaiResp.Choices[0]
	content := choice.Message.Content
	thinking := choice.Message.Reasoning
	if thinking == "" {
		thinking = choice.Message.ReasoningContent
	}
	if thinking == "" && strings.Contains(content, thinkOpen) {
		if req.ThinkingBudget > 0 {
			filter := newThinkFilter(req.ThinkingBudget)
			content = filter.Feed(content) + filter.Flush()
		}
		content, thinking = SplitThinking(content)
	} else if thinking != "" && req.ThinkingBudget > 0 {
		thinking = token.Truncate(thinking, req.ThinkingBudget)
	}

	result := &GenerateResult{
		Content:      content,
		Thinking:     thinking,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Usage:        oaiResp.Usage,
	}
	c.logger.Debug("completion finished reason=%s tokens=%d", result.FinishReason, result.Usage.TotalTokens)
	return result, nil
}

// toolAccumulator collects the fragments of one streamed tool call.
type toolAccumulator struct {
	id        string
	name      string
	arguments strings.Builder
}

// GenerateStream runs a streaming completion. The returned channel closes
// when the stream ends; a mid-stream failure arrives as a Delta with Err
// set. Accumulated tool calls are delivered in one delta before the finish
// delta.
func (c *LanguageHTTPBackend) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan streaming.Delta, error) {
	body, err := json.Marshal(c.buildPayload(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	c.logger.Debug("POST %s model=%s stream=true", endpoint, c.model)
	started := time.Now()

	resp, err := c.doPost(ctx, endpoint, body)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		respBody, readErr := readResponseBody(resp.Body)
		if readErr != nil {
			respBody = nil
		}
		c.logger.Debug("runtime stream error (%d): %s", resp.StatusCode, string(respBody))
		return nil, mapHTTPError(resp.StatusCode, respBody, resp.Header)
	}

	out := make(chan streaming.Delta)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		scanner := newStreamScanner(resp.Body)
		tools := make(map[int]*toolAccumulator)
		var toolOrder []int
		finishReason := ""
		firstToken := true
		inReasoning := false

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				break
			}

			var chunk struct {
				Choices []struct {
					Delta struct {
						Content   string `json:"content"`
						Reasoning string `json:"reasoning_content"`
						ToolCalls []struct {
							Index    int    `json:"index"`
							ID       string `json:"id"`
							Type     string `json:"type"`
							Function struct {
								Name      string `json:"name"`
								Arguments string `json:"arguments"`
							} `json:"function"`
						} `json:"tool_calls"`
					} `json:"delta"`
					FinishReason *string `json:"finish_reason"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				c.logger.Debug("skipping malformed stream chunk: %v", err)
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			for _, tc := range choice.Delta.ToolCalls {
				acc, ok := tools[tc.Index]
				if !ok {
					acc = &toolAccumulator{}
					tools[tc.Index] = acc
					toolOrder = append(toolOrder, tc.Index)
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.arguments.WriteString(tc.Function.Arguments)
			}

			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
			}

			// Runtimes configured with a reasoning format deliver thinking
			// as separate reasoning_content deltas. Re-tag them so clients
			// and the budget filter see one inline <think> block.
			var text string
			if choice.Delta.Reasoning != "" {
				if !inReasoning {
					text += thinkOpen
					inReasoning = true
				}
				text += choice.Delta.Reasoning
			}
			if choice.Delta.Content != "" {
				if inReasoning {
					text += thinkClose
					inReasoning = false
				}
				text += choice.Delta.Content
			}
			if text != "" {
				if firstToken {
					firstToken = false
					c.logger.Debug("first token after %s", time.Since(started).Round(time.Millisecond))
				}
				select {
				case out <- streaming.Delta{Content: text}:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case out <- streaming.Delta{Err: wrapRequestError(err)}:
			case <-ctx.Done():
			}
			return
		}

		if inReasoning {
			select {
			case out <- streaming.Delta{Content: thinkClose}:
			case <-ctx.Done():
				return
			}
		}

		if len(toolOrder) > 0 {
			sort.Ints(toolOrder)
			calls := make([]map[string]any, 0, len(toolOrder))
			for _, idx := range toolOrder {
				acc := tools[idx]
				calls = append(calls, map[string]any{
					"index": idx,
					"id":    acc.id,
					"type":  "function",
					"function": map[string]any{
						"name":      acc.name,
						"arguments": acc.arguments.String(),
					},
				})
			}
			if finishReason == "" {
				finishReason = "tool_calls"
			}
			select {
			case out <- streaming.Delta{ToolCalls: calls}:
			case <-ctx.Done():
				return
			}
		}

		if finishReason == "" {
			finishReason = "stop"
		}
		select {
		case out <- streaming.Delta{FinishReason: finishReason}:
		case <-ctx.Done():
		}
	}()

	return EnforceThinkingBudget(out, req.ThinkingBudget), nil
}
