package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"login":"agent"}`))
	})
	mux.HandleFunc("/repos", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "2", r.URL.Query().Get("per_page"))
		_, _ = w.Write([]byte(`[{"id":1},{"id":2},{"id":3}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSourceAuthenticate(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	good, err := NewHTTPSource(HTTPConfig{BaseURL: srv.URL + "/", Token: "good", Path: "repos"})
	require.NoError(t, err)
	assert.True(t, good.Authenticate(ctx))

	bad, err := NewHTTPSource(HTTPConfig{BaseURL: srv.URL, Token: "bad"})
	require.NoError(t, err)
	assert.False(t, bad.Authenticate(ctx))

	none, err := NewHTTPSource(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	assert.False(t, none.Authenticate(ctx))

	down, err := NewHTTPSource(HTTPConfig{BaseURL: "http://127.0.0.1:1", Token: "good"})
	require.NoError(t, err)
	assert.False(t, down.Authenticate(ctx))
}

func TestHTTPSourceListItems(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	s, err := NewHTTPSource(HTTPConfig{BaseURL: srv.URL, Token: "good", Path: "/repos"})
	require.NoError(t, err)
	items, err := s.ListItems(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2, "page is capped at the requested size")
	assert.JSONEq(t, `{"id":1}`, string(items[0]))

	s, err = NewHTTPSource(HTTPConfig{BaseURL: srv.URL, Token: "bad", Path: "/repos"})
	require.NoError(t, err)
	_, err = s.ListItems(ctx, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestNoop(t *testing.T) {
	var s Source = Noop{}
	assert.False(t, s.Authenticate(context.Background()))
	_, err := s.ListItems(context.Background(), 5)
	assert.Error(t, err)

	_, err = NewHTTPSource(HTTPConfig{})
	assert.Error(t, err)
}
