package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventsURL(namespace, projectName, rest string) string {
	return "/v1/projects/" + namespace + "/" + projectName + "/event_logs" + rest
}

func TestEventLogRecordsChatTurns(t *testing.T) {
	rt := newStubRuntime(t)
	srv := newTestServer(t, rt.URL)
	createProject(t, srv, "acme", "assistant")

	w := doJSON(t, srv, http.MethodPost, chatURL("acme", "assistant"), map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, srv, http.MethodGet, eventsURL("acme", "assistant", ""), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeMap(t, w)
	require.Equal(t, float64(1), body["total"])

	events := body["events"].([]any)
	ev := events[0].(map[string]any)
	assert.Equal(t, "chat_completion", ev["type"])
	assert.Equal(t, "completed", ev["status"])
	assert.Equal(t, "acme", ev["namespace"])
	assert.NotEmpty(t, ev["request_id"])

	// The single-event endpoint returns the same record.
	id := ev["id"].(string)
	w = doJSON(t, srv, http.MethodGet, eventsURL("acme", "assistant", "/"+id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	single := decodeMap(t, w)
	assert.Equal(t, id, single["id"])
}

func TestEventLogFiltersAndValidation(t *testing.T) {
	rt := newStubRuntime(t)
	srv := newTestServer(t, rt.URL)
	createProject(t, srv, "acme", "assistant")

	w := doJSON(t, srv, http.MethodPost, chatURL("acme", "assistant"), map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	// A type filter that matches nothing.
	w = doJSON(t, srv, http.MethodGet, eventsURL("acme", "assistant", "?type=rag_ingest"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeMap(t, w)
	assert.Equal(t, float64(0), body["total"])

	// Bad paging values.
	w = doJSON(t, srv, http.MethodGet, eventsURL("acme", "assistant", "?limit=abc"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doJSON(t, srv, http.MethodGet, eventsURL("acme", "assistant", "?offset=-2"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown event id.
	w = doJSON(t, srv, http.MethodGet, eventsURL("acme", "assistant", "/ev-missing"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
