package voice

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
	"github.com/bromic007/llamafarm-sub004/internal/models"
)

// maxBufferBytes caps the in-memory capture. A client that never pauses is
// endpointed forcibly once the buffer reaches ~10 MiB (about 5.5 minutes).
const maxBufferBytes = 10 << 20

// audioChunkBytes sizes outgoing binary TTS frames.
const audioChunkBytes = 16 << 10

// SpeechSource yields speech adapters from the shared model cache.
type SpeechSource interface {
	Speech(ctx context.Context, spec models.Spec) (models.SpeechModel, error)
}

// LanguageSource yields language adapters from the shared model cache.
type LanguageSource interface {
	Language(ctx context.Context, spec models.Spec) (models.LanguageModel, error)
}

// ContextFunc fetches retrieval context for a transcribed question. Nil
// disables retrieval for the connection.
type ContextFunc func(ctx context.Context, query string) (string, error)

// TurnOptions configure one voice connection.
type TurnOptions struct {
	SpeechSpec   models.Spec
	LanguageSpec models.Spec

	SystemPrompt string
	Voice        string
	Format       string
	MaxTokens    int
	Temperature  float64

	// SilenceWindow overrides the VAD endpoint window.
	SilenceWindow time.Duration

	// RetrieveContext, when set, is called with each transcription and its
	// result is injected as retrieval context for the generation step.
	RetrieveContext ContextFunc
}

// Service runs voice turns over websockets.
type Service struct {
	speech   SpeechSource
	language LanguageSource
	slots    *semaphore.Weighted
	logger   logging.Logger
}

// NewService creates the voice service. slots may be nil for unbounded
// concurrency; when set it is shared with the vision streaming registry.
func NewService(speech SpeechSource, language LanguageSource, slots *semaphore.Weighted, logger logging.Logger) *Service {
	return &Service{
		speech:   speech,
		language: language,
		slots:    slots,
		logger:   logging.OrNop(logger),
	}
}

type voiceControl struct {
	Type            string  `json:"type"`
	Voice           string  `json:"voice,omitempty"`
	Format          string  `json:"format,omitempty"`
	SilenceWindowMs int     `json:"silence_window_ms,omitempty"`
	RAGEnabled      *bool   `json:"rag_enabled,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

// conn wraps one websocket voice session.
type conn struct {
	svc     *Service
	ws      *websocket.Conn
	opts    TurnOptions
	vad     *Detector
	buffer  []byte
	history []models.ChatMessage
	ragOff  bool
}

// Serve owns one websocket connection until the client disconnects or ctx
// ends. Turn-level failures are reported in-band and the next turn starts
// clean; only transport errors end the loop.
func (s *Service) Serve(ctx context.Context, ws *websocket.Conn, opts TurnOptions) error {
	if s.slots != nil {
		if !s.slots.TryAcquire(1) {
			err := errors.UnavailableError("too many concurrent streaming sessions")
			_ = ws.WriteJSON(map[string]string{"type": "error", "error": err.Error()})
			return err
		}
		defer s.slots.Release(1)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	c := &conn{
		svc:  s,
		ws:   ws,
		opts: opts,
		vad:  NewDetector(opts.SilenceWindow, -1),
	}
	if opts.SystemPrompt != "" {
		c.history = append(c.history, models.ChatMessage{Role: "system", Content: opts.SystemPrompt})
	}

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return nil
		}
		switch msgType {
		case websocket.BinaryMessage:
			c.onAudio(ctx, data)
		case websocket.TextMessage:
			c.onControl(ctx, data)
		}
	}
}

// onAudio appends PCM and endpoints the turn once the VAD sees trailing
// silence (or the buffer cap is hit).
func (c *conn) onAudio(ctx context.Context, pcm []byte) {
	c.buffer = append(c.buffer, pcm...)
	if c.vad.EndOfSpeech(c.buffer) || len(c.buffer) >= maxBufferBytes {
		c.runTurn(ctx)
	}
}

func (c *conn) onControl(ctx context.Context, data []byte) {
	var msg voiceControl
	if err := json.Unmarshal(data, &msg); err != nil {
		c.writeError("malformed control message")
		return
	}
	switch msg.Type {
	case "config":
		if msg.Voice != "" {
			c.opts.Voice = msg.Voice
		}
		if msg.Format != "" {
			c.opts.Format = msg.Format
		}
		if msg.Temperature > 0 {
			c.opts.Temperature = msg.Temperature
		}
		if msg.SilenceWindowMs > 0 {
			c.vad.SetWindow(time.Duration(msg.SilenceWindowMs) * time.Millisecond)
		}
		if msg.RAGEnabled != nil {
			c.ragOff = !*msg.RAGEnabled
		}
		_ = c.ws.WriteJSON(map[string]string{"type": "config_ack"})
	case "flush":
		// Explicit endpoint: run the turn with whatever was captured.
		c.runTurn(ctx)
	case "reset":
		c.buffer = nil
		c.writeStatus("idle")
	default:
		c.writeError("unknown control type " + msg.Type)
	}
}

// runTurn walks one captured utterance through STT, optional retrieval, the
// LLM, and TTS. The capture buffer is consumed either way.
func (c *conn) runTurn(ctx context.Context) {
	audio := c.buffer
	c.buffer = nil
	if !c.vad.HasVoice(audio) {
		c.writeStatus("idle")
		return
	}

	text, ok := c.transcribe(ctx, audio)
	if !ok {
		return
	}
	reply, ok := c.generate(ctx, text)
	if !ok {
		return
	}
	c.synthesize(ctx, reply)
}

func (c *conn) transcribe(ctx context.Context, audio []byte) (string, bool) {
	model, err := c.svc.speech.Speech(ctx, c.opts.SpeechSpec)
	if err != nil {
		c.svc.logger.Warn("speech model: %v", err)
		c.failTurn("speech model unavailable")
		return "", false
	}
	tr, err := model.Transcribe(ctx, audio, models.TranscribeOptions{})
	if err != nil {
		c.svc.logger.Warn("transcription failed: %v", err)
		c.failTurn("transcription failed")
		return "", false
	}
	text := strings.TrimSpace(tr.Text)
	_ = c.ws.WriteJSON(map[string]string{"type": "transcription", "text": text})
	if text == "" {
		c.writeStatus("idle")
		return "", false
	}
	return text, true
}

func (c *conn) generate(ctx context.Context, text string) (string, bool) {
	messages := append([]models.ChatMessage(nil), c.history...)
	if c.opts.RetrieveContext != nil && !c.ragOff {
		if ragCtx, err := c.opts.RetrieveContext(ctx, text); err != nil {
			c.svc.logger.Warn("voice retrieval skipped: %v", err)
		} else if ragCtx != "" {
			messages = append(messages, models.ChatMessage{
				Role:    "system",
				Content: "Use the following context to answer:\n" + ragCtx,
			})
		}
	}
	messages = append(messages, models.ChatMessage{Role: "user", Content: text})

	model, err := c.svc.language.Language(ctx, c.opts.LanguageSpec)
	if err != nil {
		c.svc.logger.Warn("language model: %v", err)
		c.failTurn("language model unavailable")
		return "", false
	}
	result, err := model.Generate(ctx, models.GenerateRequest{
		Messages:    messages,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
	})
	if err != nil {
		c.svc.logger.Warn("generation failed: %v", err)
		c.failTurn("generation failed")
		return "", false
	}

	reply := strings.TrimSpace(result.Content)
	_ = c.ws.WriteJSON(map[string]string{"type": "llm_text", "text": reply})

	c.history = append(c.history,
		models.ChatMessage{Role: "user", Content: text},
		models.ChatMessage{Role: "assistant", Content: reply},
	)
	return reply, true
}

func (c *conn) synthesize(ctx context.Context, reply string) {
	model, err := c.svc.speech.Speech(ctx, c.opts.SpeechSpec)
	if err != nil {
		c.svc.logger.Warn("speech model: %v", err)
		c.failTurn("speech model unavailable")
		return
	}
	audio, err := model.Synthesize(ctx, reply, models.SynthesizeOptions{
		Voice:  c.opts.Voice,
		Format: c.opts.Format,
	})
	if err != nil {
		c.svc.logger.Warn("synthesis failed: %v", err)
		c.failTurn("synthesis failed")
		return
	}

	_ = c.ws.WriteJSON(map[string]string{"type": "tts_start", "format": c.opts.Format})
	for off := 0; off < len(audio); off += audioChunkBytes {
		end := off + audioChunkBytes
		if end > len(audio) {
			end = len(audio)
		}
		if err := c.ws.WriteMessage(websocket.BinaryMessage, audio[off:end]); err != nil {
			return
		}
	}
	_ = c.ws.WriteJSON(map[string]any{"type": "tts_done", "bytes": len(audio)})
	c.writeStatus("idle")
}

// failTurn reports an in-band error and ends the turn without closing the
// socket.
func (c *conn) failTurn(msg string) {
	c.writeError(msg)
	c.writeStatus("idle")
}

func (c *conn) writeError(msg string) {
	_ = c.ws.WriteJSON(map[string]string{"type": "error", "error": msg})
}

func (c *conn) writeStatus(status string) {
	_ = c.ws.WriteJSON(map[string]string{"type": "status", "status": status})
}
