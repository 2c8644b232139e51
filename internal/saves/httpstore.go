package saves

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/vpoletaev/depot/internal/httpx"
)

// HTTPStore talks to a save endpoint:
//
//	GET    {base}/{app}/saves            -> JSON []Metadata
//	GET    {base}/{app}/saves/{name}     -> raw bytes
//	PUT    {base}/{app}/saves/{name}?mtime=...&sha256=... <- raw bytes
//	DELETE {base}/{app}/saves/{name}
//
// The bearer credential travels on the shared httpx client.
type HTTPStore struct {
	client  *httpx.Client
	baseURL string
}

func NewHTTPStore(client *httpx.Client, baseURL string) *HTTPStore {
	return &HTTPStore{client: client, baseURL: baseURL}
}

func (s *HTTPStore) List(ctx context.Context, app string) ([]Metadata, error) {
	raw, err := s.client.Get(ctx, fmt.Sprintf("%s/%s/saves", s.baseURL, url.PathEscape(app)))
	if err != nil {
		return nil, fmt.Errorf("list saves for %s: %w", app, err)
	}
	var list []Metadata
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("list saves for %s: decode: %w", app, err)
	}
	return list, nil
}

func (s *HTTPStore) Download(ctx context.Context, app, name string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.saveURL(app, name))
	if err != nil {
		return nil, fmt.Errorf("download save %s/%s: %w", app, name, err)
	}
	return data, nil
}

func (s *HTTPStore) Upload(ctx context.Context, app string, meta Metadata, data []byte) error {
	q := url.Values{}
	q.Set("mtime", strconv.FormatInt(meta.ModTime.UTC().Unix(), 10))
	q.Set("sha256", meta.Hash)
	target := s.saveURL(app, meta.Name) + "?" + q.Encode()
	if err := s.client.Put(ctx, target, data, "application/octet-stream"); err != nil {
		return fmt.Errorf("upload save %s/%s: %w", app, meta.Name, err)
	}
	return nil
}

func (s *HTTPStore) Delete(ctx context.Context, app, name string) error {
	if err := s.client.Delete(ctx, s.saveURL(app, name)); err != nil {
		return fmt.Errorf("delete save %s/%s: %w", app, name, err)
	}
	return nil
}

func (s *HTTPStore) saveURL(app, name string) string {
	return fmt.Sprintf("%s/%s/saves/%s", s.baseURL, url.PathEscape(app), url.PathEscape(name))
}
