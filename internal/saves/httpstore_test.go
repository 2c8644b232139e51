package saves

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpoletaev/depot/internal/httpx"
)

func newTestHTTPStore(t *testing.T, handler http.Handler) *HTTPStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := httpx.NewClient(httpx.Options{Token: "tok", MaxAttempts: 1})
	return NewHTTPStore(client, srv.URL)
}

func TestHTTPStoreList(t *testing.T) {
	want := []Metadata{
		{Name: "slot1.sav", Size: 42, ModTime: time.Unix(1750000000, 0).UTC(), Hash: "abc"},
	}
	store := newTestHTTPStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rocket/saves", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(want)
	}))

	got, err := store.List(context.Background(), "rocket")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHTTPStoreDownload(t *testing.T) {
	store := newTestHTTPStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rocket/saves/slot1.sav", r.URL.Path)
		w.Write([]byte("save bytes"))
	}))

	data, err := store.Download(context.Background(), "rocket", "slot1.sav")
	require.NoError(t, err)
	assert.Equal(t, []byte("save bytes"), data)
}

func TestHTTPStoreUpload(t *testing.T) {
	var gotPath, gotMTime, gotHash string
	store := newTestHTTPStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.Path
		gotMTime = r.URL.Query().Get("mtime")
		gotHash = r.URL.Query().Get("sha256")
		w.WriteHeader(http.StatusNoContent)
	}))

	meta := Metadata{
		Name:    "slot1.sav",
		ModTime: time.Unix(1750000000, 0).UTC(),
		Hash:    "deadbeef",
	}
	require.NoError(t, store.Upload(context.Background(), "rocket", meta, []byte("payload")))
	assert.Equal(t, "/rocket/saves/slot1.sav", gotPath)
	assert.Equal(t, "1750000000", gotMTime)
	assert.Equal(t, "deadbeef", gotHash)
}

func TestHTTPStoreDelete(t *testing.T) {
	var gotMethod string
	store := newTestHTTPStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, store.Delete(context.Background(), "rocket", "slot1.sav"))
	assert.Equal(t, http.MethodDelete, gotMethod)
}

func TestHTTPStoreDownloadNotFound(t *testing.T) {
	store := newTestHTTPStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := store.Download(context.Background(), "rocket", "missing.sav")
	require.Error(t, err)
	assert.ErrorIs(t, err, httpx.ErrNotFound)
}
