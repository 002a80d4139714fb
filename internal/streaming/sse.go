package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
)

// ChatChunk is one OpenAI-compatible streaming frame.
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries the delta for one choice index.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta is the incremental payload of a streaming frame.
type ChunkDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []map[string]any `json:"tool_calls,omitempty"`
}

const chunkObject = "chat.completion.chunk"

// NewChatChunk builds a content frame.
func NewChatChunk(id, model, content string) ChatChunk {
	return ChatChunk{
		ID:      id,
		Object:  chunkObject,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Delta: ChunkDelta{Content: content}}},
	}
}

// NewRoleChunk builds the leading frame that announces the assistant role.
func NewRoleChunk(id, model string) ChatChunk {
	return ChatChunk{
		ID:      id,
		Object:  chunkObject,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Delta: ChunkDelta{Role: "assistant"}}},
	}
}

// NewFinishChunk builds the closing frame carrying the finish reason.
func NewFinishChunk(id, model, reason string) ChatChunk {
	return ChatChunk{
		ID:      id,
		Object:  chunkObject,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Delta: ChunkDelta{}, FinishReason: &reason}},
	}
}

// SSEWriter emits server-sent events over an http.ResponseWriter, flushing
// after every frame so tokens reach the client immediately.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the SSE response headers and returns a writer. Fails
// when the underlying ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported: response writer cannot flush")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteData emits a data-only frame with the JSON encoding of v.
func (s *SSEWriter) WriteData(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteEvent emits a named event frame.
func (s *SSEWriter) WriteEvent(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteDone emits the OpenAI stream terminator.
func (s *SSEWriter) WriteDone() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Heartbeat emits an SSE comment to keep idle connections alive.
func (s *SSEWriter) Heartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Delta is one increment of a model's token stream as seen by the
// dispatcher. Err terminates the stream; FinishReason marks normal end.
type Delta struct {
	Content      string
	ToolCalls    []map[string]any
	FinishReason string
	Err          error
}

// Dispatcher converts a delta stream into OpenAI-compatible SSE frames.
type Dispatcher struct {
	ID     string
	Model  string
	Logger logging.Logger

	// OnFirstToken fires once, before the first content frame is written.
	OnFirstToken func()
}

// Run writes the role frame, one frame per delta, the finish frame and the
// [DONE] terminator. A delta error aborts the stream after an error frame.
// Returns the full accumulated content.
func (d *Dispatcher) Run(w *SSEWriter, deltas <-chan Delta) (string, error) {
	logger := logging.OrNop(d.Logger)

	if err := w.WriteData(NewRoleChunk(d.ID, d.Model)); err != nil {
		return "", err
	}

	var full []byte
	first := true
	finishReason := "stop"

	for delta := range deltas {
		if delta.Err != nil {
			logger.Error("stream aborted: %v", delta.Err)
			_ = w.WriteEvent("error", map[string]any{"error": "stream failed"})
			return string(full), delta.Err
		}
		if delta.FinishReason != "" {
			finishReason = delta.FinishReason
		}
		if delta.Content == "" && len(delta.ToolCalls) == 0 {
			continue
		}
		if first {
			first = false
			if d.OnFirstToken != nil {
				d.OnFirstToken()
			}
		}
		chunk := NewChatChunk(d.ID, d.Model, delta.Content)
		if len(delta.ToolCalls) > 0 {
			chunk.Choices[0].Delta.ToolCalls = delta.ToolCalls
		}
		if err := w.WriteData(chunk); err != nil {
			// Client went away mid stream.
			return string(full), err
		}
		full = append(full, delta.Content...)
	}

	if err := w.WriteData(NewFinishChunk(d.ID, d.Model, finishReason)); err != nil {
		return string(full), err
	}
	if err := w.WriteDone(); err != nil {
		return string(full), err
	}
	return string(full), nil
}
