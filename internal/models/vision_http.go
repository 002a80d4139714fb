package models

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// VisionHTTPBackend speaks the multimodal chat and detection endpoints of
// a local runtime server.
type VisionHTTPBackend struct {
	httpBackend
}

// NewVisionHTTP builds a vision adapter for an OpenAI-compatible runtime
// endpoint.
func NewVisionHTTP(cfg HTTPConfig) *VisionHTTPBackend {
	return &VisionHTTPBackend{httpBackend: newHTTPBackend(cfg)}
}

func imageDataURI(image []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
}

// Describe answers a free-form prompt about the image through the
// multimodal chat completions endpoint.
func (c *VisionHTTPBackend) Describe(ctx context.Context, image []byte, prompt string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("empty image input")
	}
	if prompt == "" {
		prompt = "Describe this image."
	}

	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
					{"type": "image_url", "image_url": map[string]any{"url": imageDataURI(image)}},
				},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.doPost(ctx, c.baseURL+"/chat/completions", body)
	if err != nil {
		return "", wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("describe error (%d): %s", resp.StatusCode, string(respBody))
		return "", mapHTTPError(resp.StatusCode, respBody, resp.Header)
	}

	var oaiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return oaiResp.Choices[0].Message.Content, nil
}

// Detect locates objects in the image. With a non-empty class list only
// those classes are searched for.
func (c *VisionHTTPBackend) Detect(ctx context.Context, image []byte, classes []string) ([]Detection, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("empty image input")
	}

	payload := map[string]any{
		"model": c.model,
		"image": base64.StdEncoding.EncodeToString(image),
	}
	if len(classes) > 0 {
		payload["classes"] = classes
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.doPost(ctx, c.baseURL+"/detect", body)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("detect error (%d): %s", resp.StatusCode, string(respBody))
		return nil, mapHTTPError(resp.StatusCode, respBody, resp.Header)
	}

	var detResp struct {
		Detections []Detection `json:"detections"`
	}
	if err := json.Unmarshal(respBody, &detResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return detResp.Detections, nil
}
