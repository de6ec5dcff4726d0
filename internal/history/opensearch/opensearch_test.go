package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/agentvisor/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var method, path string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink := New(srv.URL+"/", "agent-history")
	ev := history.NewEvent(history.EventRestart, time.Now(), history.Record{Workspace: "/ws", PID: 7, RestartCount: 1})
	require.NoError(t, sink.Send(context.Background(), ev))

	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/agent-history/_doc/"+ev.ID, path)
	var got history.Event
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, history.EventRestart, got.Type)
	assert.Equal(t, 1, got.Record.RestartCount)
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := New(srv.URL, "idx").Send(context.Background(), history.NewEvent(history.EventStop, time.Now(), history.Record{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
