package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectLifecycle(t *testing.T) {
	srv := newTestServer(t, newStubRuntime(t).URL)

	// Empty namespace lists cleanly.
	w := doJSON(t, srv, http.MethodGet, "/v1/projects/acme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeMap(t, w)
	assert.Equal(t, float64(0), body["total"])

	createProject(t, srv, "acme", "assistant")

	w = doJSON(t, srv, http.MethodGet, "/v1/projects/acme/assistant", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeMap(t, w)
	assert.Equal(t, "assistant", body["name"])
	assert.Equal(t, "acme", body["namespace"])

	w = doJSON(t, srv, http.MethodGet, "/v1/projects/acme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeMap(t, w)
	assert.Equal(t, float64(1), body["total"])

	// Updates replace the stored config wholesale.
	updated := testProjectConfig("assistant")
	updated["version"] = "2"
	w = doJSON(t, srv, http.MethodPut, "/v1/projects/acme/assistant", updated)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decodeMap(t, w)
	assert.Equal(t, "2", body["version"])

	w = doJSON(t, srv, http.MethodDelete, "/v1/projects/acme/assistant", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeMap(t, w)
	assert.Equal(t, "assistant", body["deleted"])

	w = doJSON(t, srv, http.MethodGet, "/v1/projects/acme/assistant", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateProjectRejectsInvalidConfig(t *testing.T) {
	srv := newTestServer(t, newStubRuntime(t).URL)

	// No name.
	cfg := testProjectConfig("")
	w := doJSON(t, srv, http.MethodPost, "/v1/projects/acme", cfg)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	// Unknown model family.
	cfg = testProjectConfig("broken")
	cfg["runtime"] = map[string]any{
		"models":        []map[string]any{{"name": "m", "family": "quantum", "model": "x"}},
		"default_model": "m",
	}
	w = doJSON(t, srv, http.MethodPost, "/v1/projects/acme", cfg)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	// Default model that no runtime entry declares.
	cfg = testProjectConfig("dangling")
	cfg["runtime"].(map[string]any)["default_model"] = "ghost"
	w = doJSON(t, srv, http.MethodPost, "/v1/projects/acme", cfg)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestCreateProjectConflict(t *testing.T) {
	srv := newTestServer(t, newStubRuntime(t).URL)
	createProject(t, srv, "acme", "assistant")

	w := doJSON(t, srv, http.MethodPost, "/v1/projects/acme", testProjectConfig("assistant"))
	require.Equal(t, http.StatusConflict, w.Code)
	body := decodeMap(t, w)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "conflict", errObj["type"])
}

func TestProjectsIsolatedByNamespace(t *testing.T) {
	srv := newTestServer(t, newStubRuntime(t).URL)
	createProject(t, srv, "acme", "assistant")
	createProject(t, srv, "globex", "assistant")

	w := doJSON(t, srv, http.MethodGet, "/v1/projects/acme", nil)
	body := decodeMap(t, w)
	require.Equal(t, float64(1), body["total"])

	// Deleting one namespace's project leaves the twin alone.
	w = doJSON(t, srv, http.MethodDelete, "/v1/projects/acme/assistant", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/v1/projects/globex/assistant", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
