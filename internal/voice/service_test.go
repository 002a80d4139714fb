package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/bromic007/llamafarm-sub004/internal/models"
	"github.com/bromic007/llamafarm-sub004/internal/streaming"
)

// fakeSpeech transcribes everything to a fixed string and synthesizes fixed
// audio bytes.
type fakeSpeech struct {
	text       string
	audio      []byte
	transErr   error
	synthErr   error
	mu         sync.Mutex
	transCalls int
}

func (f *fakeSpeech) Load(ctx context.Context) error   { return nil }
func (f *fakeSpeech) Unload(ctx context.Context) error { return nil }

func (f *fakeSpeech) Transcribe(ctx context.Context, audio []byte, opts models.TranscribeOptions) (*models.Transcription, error) {
	f.mu.Lock()
	f.transCalls++
	f.mu.Unlock()
	if f.transErr != nil {
		return nil, f.transErr
	}
	return &models.Transcription{Text: f.text, Language: "en"}, nil
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text string, opts models.SynthesizeOptions) ([]byte, error) {
	if f.synthErr != nil {
		return nil, f.synthErr
	}
	return f.audio, nil
}

func (f *fakeSpeech) transcribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transCalls
}

type fakeSpeechSource struct{ model models.SpeechModel }

func (s *fakeSpeechSource) Speech(ctx context.Context, spec models.Spec) (models.SpeechModel, error) {
	return s.model, nil
}

// fakeTurnLLM echoes a fixed reply and records the request.
type fakeTurnLLM struct {
	mu      sync.Mutex
	reply   string
	lastReq models.GenerateRequest
}

func (f *fakeTurnLLM) Load(ctx context.Context) error   { return nil }
func (f *fakeTurnLLM) Unload(ctx context.Context) error { return nil }

func (f *fakeTurnLLM) Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	return &models.GenerateResult{Content: f.reply, FinishReason: "stop"}, nil
}

func (f *fakeTurnLLM) GenerateStream(ctx context.Context, req models.GenerateRequest) (<-chan streaming.Delta, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeTurnLLM) messages() []models.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ChatMessage(nil), f.lastReq.Messages...)
}

type fakeTurnLLMSource struct{ model models.LanguageModel }

func (s *fakeTurnLLMSource) Language(ctx context.Context, spec models.Spec) (models.LanguageModel, error) {
	return s.model, nil
}

func dialVoice(t *testing.T, svc *Service, opts TurnOptions) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = svc.Serve(r.Context(), ws, opts)
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// turnFrames reads server frames until a status message arrives, returning
// the JSON control frames by type and the concatenated binary audio.
func turnFrames(t *testing.T, ws *websocket.Conn) (map[string][]json.RawMessage, []byte) {
	t.Helper()
	byType := map[string][]json.RawMessage{}
	var audio bytes.Buffer
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if msgType == websocket.BinaryMessage {
			audio.Write(data)
			continue
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			t.Fatalf("Unmarshal failed: %v (%s)", err, data)
		}
		byType[head.Type] = append(byType[head.Type], json.RawMessage(data))
		if head.Type == "status" {
			return byType, audio.Bytes()
		}
	}
	t.Fatal("No status frame before deadline")
	return nil, nil
}

func fieldString(t *testing.T, raw json.RawMessage, field string) string {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	s, _ := m[field].(string)
	return s
}

func TestServe_FullTurn(t *testing.T) {
	ttsAudio := bytes.Repeat([]byte{0xAB}, 40_000) // forces several binary chunks
	speech := &fakeSpeech{text: "what is the capital of france", audio: ttsAudio}
	llm := &fakeTurnLLM{reply: "Paris."}
	svc := NewService(&fakeSpeechSource{model: speech}, &fakeTurnLLMSource{model: llm}, nil, nil)

	ws := dialVoice(t, svc, TurnOptions{SystemPrompt: "You speak briefly.", Format: "wav"})

	if err := ws.WriteMessage(websocket.BinaryMessage, pcmTone(200*time.Millisecond, 1500)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, pcmSilence(800*time.Millisecond)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	frames, audio := turnFrames(t, ws)

	if got := fieldString(t, frames["transcription"][0], "text"); got != "what is the capital of france" {
		t.Errorf("Unexpected transcription %q", got)
	}
	if got := fieldString(t, frames["llm_text"][0], "text"); got != "Paris." {
		t.Errorf("Unexpected llm_text %q", got)
	}
	if len(frames["tts_start"]) != 1 || len(frames["tts_done"]) != 1 {
		t.Errorf("Expected tts_start and tts_done, got %d/%d", len(frames["tts_start"]), len(frames["tts_done"]))
	}
	if !bytes.Equal(audio, ttsAudio) {
		t.Errorf("Expected %d audio bytes reassembled, got %d", len(ttsAudio), len(audio))
	}
	if got := fieldString(t, frames["status"][0], "status"); got != "idle" {
		t.Errorf("Expected idle status, got %q", got)
	}

	msgs := llm.messages()
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Content != "what is the capital of france" {
		t.Errorf("Unexpected LLM messages %+v", msgs)
	}
}

func TestServe_RetrievalContextInjected(t *testing.T) {
	speech := &fakeSpeech{text: "when was the warranty extended", audio: []byte{1}}
	llm := &fakeTurnLLM{reply: "Last March."}
	svc := NewService(&fakeSpeechSource{model: speech}, &fakeTurnLLMSource{model: llm}, nil, nil)

	opts := TurnOptions{
		RetrieveContext: func(ctx context.Context, query string) (string, error) {
			return "Warranty was extended to 24 months in March.", nil
		},
	}
	ws := dialVoice(t, svc, opts)

	if err := ws.WriteMessage(websocket.BinaryMessage, pcmTone(100*time.Millisecond, 900)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"flush"}`)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	turnFrames(t, ws)

	var found bool
	for _, msg := range llm.messages() {
		if msg.Role == "system" && strings.Contains(msg.Content, "24 months") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected retrieval context in LLM messages, got %+v", llm.messages())
	}
}

func TestServe_ResetDropsCapture(t *testing.T) {
	speech := &fakeSpeech{text: "never transcribed", audio: []byte{1}}
	svc := NewService(&fakeSpeechSource{model: speech}, &fakeTurnLLMSource{model: &fakeTurnLLM{reply: "x"}}, nil, nil)
	ws := dialVoice(t, svc, TurnOptions{})

	if err := ws.WriteMessage(websocket.BinaryMessage, pcmTone(100*time.Millisecond, 900)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"reset"}`)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	frames, _ := turnFrames(t, ws)
	if len(frames["transcription"]) != 0 {
		t.Error("Reset must drop the capture without transcribing")
	}
	if speech.transcribeCalls() != 0 {
		t.Errorf("Expected no transcribe calls, got %d", speech.transcribeCalls())
	}

	// A flush after reset has nothing voiced to process either.
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"flush"}`)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	frames, _ = turnFrames(t, ws)
	if len(frames["transcription"]) != 0 || speech.transcribeCalls() != 0 {
		t.Error("Flush of an empty capture must not transcribe")
	}
}

func TestServe_ErrorKeepsSocketOpen(t *testing.T) {
	speech := &fakeSpeech{transErr: fmt.Errorf("stt backend down")}
	svc := NewService(&fakeSpeechSource{model: speech}, &fakeTurnLLMSource{model: &fakeTurnLLM{reply: "x"}}, nil, nil)
	ws := dialVoice(t, svc, TurnOptions{})

	if err := ws.WriteMessage(websocket.BinaryMessage, pcmTone(100*time.Millisecond, 900)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"flush"}`)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	frames, _ := turnFrames(t, ws)
	if len(frames["error"]) != 1 {
		t.Fatalf("Expected one in-band error, got %d", len(frames["error"]))
	}

	// The connection survives: config still round-trips.
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"config","voice":"alloy"}`)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if !strings.Contains(string(data), "config_ack") {
		t.Errorf("Expected config_ack, got %s", data)
	}
}

func TestServe_SlotLimit(t *testing.T) {
	svc := NewService(
		&fakeSpeechSource{model: &fakeSpeech{}},
		&fakeTurnLLMSource{model: &fakeTurnLLM{}},
		semaphore.NewWeighted(0),
		nil,
	)
	ws := dialVoice(t, svc, TurnOptions{})

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if !strings.Contains(string(data), "too many concurrent streaming sessions") {
		t.Errorf("Expected capacity error, got %s", data)
	}
}
