package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// SpeechHTTPBackend speaks the audio transcription and speech synthesis
// endpoints of a local runtime server (whisper.cpp style).
type SpeechHTTPBackend struct {
	httpBackend
}

// NewSpeechHTTP builds a speech adapter for an OpenAI-compatible runtime
// endpoint.
func NewSpeechHTTP(cfg HTTPConfig) *SpeechHTTPBackend {
	return &SpeechHTTPBackend{httpBackend: newHTTPBackend(cfg)}
}

// Transcribe converts audio bytes to text. The audio is posted as a
// multipart form the way the OpenAI transcription API expects.
func (c *SpeechHTTPBackend) Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (*Transcription, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("empty audio input")
	}

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	_ = writer.WriteField("model", c.model)
	if opts.Language != "" {
		_ = writer.WriteField("language", opts.Language)
	}
	if opts.Prompt != "" {
		_ = writer.WriteField("prompt", opts.Prompt)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}

	endpoint := c.baseURL + "/audio/transcriptions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &form)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("transcription error (%d): %s", resp.StatusCode, string(respBody))
		return nil, mapHTTPError(resp.StatusCode, respBody, resp.Header)
	}

	var result Transcription
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// Synthesize converts text to audio bytes in the requested format.
func (c *SpeechHTTPBackend) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("empty synthesis input")
	}

	payload := map[string]any{
		"model": c.model,
		"input": text,
	}
	if opts.Voice != "" {
		payload["voice"] = opts.Voice
	}
	if opts.Format != "" {
		payload["response_format"] = opts.Format
	}
	if opts.Speed > 0 {
		payload["speed"] = opts.Speed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.doPost(ctx, c.baseURL+"/audio/speech", body)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr := readResponseBody(resp.Body)
		if readErr != nil {
			respBody = nil
		}
		c.logger.Debug("synthesis error (%d): %s", resp.StatusCode, string(respBody))
		return nil, mapHTTPError(resp.StatusCode, respBody, resp.Header)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return audio, nil
}
