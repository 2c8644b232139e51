package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/vpoletaev/depot/internal/httpx"
	"github.com/vpoletaev/depot/internal/logging"
)

// cached pairs a parsed manifest with its fetch time for TTL expiry.
type cached struct {
	manifest *Manifest
	fetched  time.Time
}

// Resolver fetches build manifests over HTTP, transparently handling
// gzip compression, and caches parsed results per application for a
// configurable TTL.
type Resolver struct {
	client  *httpx.Client
	baseURL string
	ttl     time.Duration
	log     logging.Logger

	mu    sync.Mutex
	cache map[string]cached
	now   func() time.Time
}

// NewResolver creates a resolver fetching from baseURL
// ("{baseURL}/{app}.manifest"). A zero ttl disables caching.
func NewResolver(client *httpx.Client, baseURL string, ttl time.Duration, log logging.Logger) *Resolver {
	return &Resolver{
		client:  client,
		baseURL: baseURL,
		ttl:     ttl,
		log:     log,
		cache:   make(map[string]cached),
		now:     time.Now,
	}
}

// Fetch retrieves, decodes, and validates the manifest for app.
func (r *Resolver) Fetch(ctx context.Context, app string) (*Manifest, error) {
	if m := r.fromCache(app); m != nil {
		r.log.Debug(ctx, "manifest cache hit", "app", app)
		return m, nil
	}

	url := fmt.Sprintf("%s/%s.manifest", r.baseURL, app)
	raw, err := r.client.Get(ctx, url)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	m, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	r.log.Info(ctx, "manifest fetched", "app", m.AppID, "version", m.Version, "files", len(m.Files))

	r.mu.Lock()
	r.cache[app] = cached{manifest: m, fetched: r.now()}
	r.mu.Unlock()

	return m, nil
}

// Invalidate drops any cached manifest for app.
func (r *Resolver) Invalidate(app string) {
	r.mu.Lock()
	delete(r.cache, app)
	r.mu.Unlock()
}

func (r *Resolver) fromCache(app string) *Manifest {
	if r.ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cache[app]
	if !ok || r.now().Sub(c.fetched) > r.ttl {
		return nil
	}
	return c.manifest
}

// Decode parses a manifest blob, gunzipping first when the payload
// carries the gzip magic bytes.
func Decode(raw []byte) (*Manifest, error) {
	if isGzipped(raw) {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
		defer gz.Close()
		raw, err = io.ReadAll(gz)
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &m, nil
}

func isGzipped(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
