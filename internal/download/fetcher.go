package download

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/vpoletaev/depot/internal/httpx"
)

// Fetcher retrieves raw chunk bytes. Implementations perform exactly
// one attempt; the scheduler owns the retry budget.
type Fetcher interface {
	FetchChunk(ctx context.Context, hash string) ([]byte, error)
}

// HTTPFetcher fetches chunks from a CDN-style endpoint, addressing them
// as {base}/{aa}/{bb}/{hash}.chunk where aa/bb are the leading hash
// byte pairs. Gzip-compressed chunk bodies are decompressed
// transparently.
type HTTPFetcher struct {
	client  *httpx.Client
	baseURL string
}

func NewHTTPFetcher(client *httpx.Client, baseURL string) *HTTPFetcher {
	return &HTTPFetcher{client: client, baseURL: baseURL}
}

func (f *HTTPFetcher) FetchChunk(ctx context.Context, hash string) ([]byte, error) {
	url := f.chunkURL(hash)
	data, err := f.client.GetOnce(ctx, url)
	if err != nil {
		return nil, err
	}
	if isGzipped(data) {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompress chunk %s: %w", hash, err)
		}
		defer gz.Close()
		data, err = io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("decompress chunk %s: %w", hash, err)
		}
	}
	return data, nil
}

func (f *HTTPFetcher) chunkURL(hash string) string {
	if len(hash) < 4 {
		return fmt.Sprintf("%s/%s.chunk", f.baseURL, hash)
	}
	return fmt.Sprintf("%s/%s/%s/%s.chunk", f.baseURL, hash[0:2], hash[2:4], hash)
}

func isGzipped(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
