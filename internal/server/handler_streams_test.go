package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamRouteDispatch(t *testing.T) {
	srv := newTestServer(t, newStubRuntime(t).URL)
	createProject(t, srv, "acme", "assistant")

	// Unknown project on the voice path answers with the project lookup
	// failure, not with a generic routing miss.
	w := doJSON(t, srv, http.MethodGet, "/v1/acme/ghost/voice/chat", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	body := decodeMap(t, w)
	errObj := body["error"].(map[string]any)
	assert.Contains(t, errObj["message"], "ghost")

	// The test project declares no speech model, so a voice session has
	// nothing to transcribe with. This fails before any upgrade.
	w = doJSON(t, srv, http.MethodGet, "/v1/acme/assistant/voice/chat", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	body = decodeMap(t, w)
	errObj = body["error"].(map[string]any)
	assert.Contains(t, errObj["message"], "speech")

	// Wrong method and wrong suffix both fall through to the 404 handler.
	w = doJSON(t, srv, http.MethodPost, "/v1/acme/assistant/voice/chat", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	body = decodeMap(t, w)
	errObj = body["error"].(map[string]any)
	assert.Equal(t, "route not found", errObj["message"])

	w = doJSON(t, srv, http.MethodGet, "/v1/acme/assistant/video/stream", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	body = decodeMap(t, w)
	errObj = body["error"].(map[string]any)
	assert.Equal(t, "route not found", errObj["message"])
}

func TestVisionStreamRequiresUpgrade(t *testing.T) {
	srv := newTestServer(t, newStubRuntime(t).URL)
	createProject(t, srv, "acme", "assistant")

	// A plain GET with no websocket handshake headers is refused by the
	// upgrader itself.
	w := doJSON(t, srv, http.MethodGet, "/v1/acme/assistant/vision/stream", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}
