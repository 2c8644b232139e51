package manifest

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpoletaev/depot/internal/httpx"
	"github.com/vpoletaev/depot/internal/logging"
)

func encode(t *testing.T, m *Manifest) []byte {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newTestResolver(t *testing.T, srvURL string, ttl time.Duration) *Resolver {
	t.Helper()
	client := httpx.NewClient(httpx.Options{MaxAttempts: 1, Timeout: 5 * time.Second})
	return NewResolver(client, srvURL, ttl, logging.Discard())
}

func TestFetch_ParsesPlainJSON(t *testing.T) {
	body := encode(t, validManifest())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/demo.manifest", r.URL.Path)
		w.Write(body)
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL, 0)
	m, err := r.Fetch(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", m.AppID)
	assert.Len(t, m.Files, 1)
}

func TestFetch_GunzipsCompressedManifest(t *testing.T) {
	body := gzipBytes(t, encode(t, validManifest()))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL, 0)
	m, err := r.Fetch(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.Version)
}

func TestFetch_NetworkFailureIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL, 0)
	_, err := r.Fetch(context.Background(), "demo")

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, httpx.ErrServer)
}

func TestFetch_GarbageIsDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL, 0)
	_, err := r.Fetch(context.Background(), "demo")

	var de *DecodeError
	require.ErrorAs(t, err, &de)
}

func TestFetch_InvalidTilingIsIntegrityError(t *testing.T) {
	m := validManifest()
	m.Files[0].Chunks[1].Offset = 99
	body := encode(t, m)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL, 0)
	_, err := r.Fetch(context.Background(), "demo")

	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
}

func TestFetch_CacheWithinTTL(t *testing.T) {
	var calls atomic.Int32
	body := encode(t, validManifest())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(body)
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL, time.Hour)
	ctx := context.Background()

	_, err := r.Fetch(ctx, "demo")
	require.NoError(t, err)
	_, err = r.Fetch(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_CacheExpiresAfterTTL(t *testing.T) {
	var calls atomic.Int32
	body := encode(t, validManifest())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(body)
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL, time.Minute)
	now := time.Now()
	r.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := r.Fetch(ctx, "demo")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = r.Fetch(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvalidate_DropsCacheEntry(t *testing.T) {
	var calls atomic.Int32
	body := encode(t, validManifest())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(body)
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL, time.Hour)
	ctx := context.Background()

	_, err := r.Fetch(ctx, "demo")
	require.NoError(t, err)
	r.Invalidate("demo")
	_, err = r.Fetch(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
