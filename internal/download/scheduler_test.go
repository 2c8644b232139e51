package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpoletaev/depot/internal/chunkstore"
	"github.com/vpoletaev/depot/internal/digest"
	"github.com/vpoletaev/depot/internal/httpx"
	"github.com/vpoletaev/depot/internal/logging"
	"github.com/vpoletaev/depot/internal/manifest"
)

type fakeFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	blobs    map[string][]byte
	failures map[string]int // fail the first N calls for a hash
	err      error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:    make(map[string]int),
		blobs:    make(map[string][]byte),
		failures: make(map[string]int),
	}
}

func (f *fakeFetcher) add(data []byte) manifest.ChunkRef {
	h := digest.Sum(data)
	f.blobs[h] = data
	return manifest.ChunkRef{Hash: h, Size: int64(len(data))}
}

func (f *fakeFetcher) FetchChunk(_ context.Context, hash string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[hash]++
	if f.failures[hash] > 0 {
		f.failures[hash]--
		if f.err != nil {
			return nil, f.err
		}
		return nil, errors.New("connection reset")
	}
	data, ok := f.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", hash, httpx.ErrNotFound)
	}
	return data, nil
}

func (f *fakeFetcher) callCount(hash string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[hash]
}

type fakeSink struct {
	mu    sync.Mutex
	blobs map[string][]byte
	// putErrs returns an error for the first N puts of a hash.
	putErrs map[string]int
	err     error
}

func newFakeSink() *fakeSink {
	return &fakeSink{blobs: make(map[string][]byte), putErrs: make(map[string]int)}
}

func (s *fakeSink) Put(hash string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErrs[hash] > 0 {
		s.putErrs[hash]--
		return s.err
	}
	s.blobs[hash] = data
	return nil
}

func (s *fakeSink) Has(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[hash]
	return ok
}

func testScheduler(f Fetcher, sink BlobSink, opts Options) *Scheduler {
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Millisecond
	}
	return NewScheduler(f, sink, opts, logging.Discard())
}

func TestSchedulerRunAllChunks(t *testing.T) {
	fetcher := newFakeFetcher()
	sink := newFakeSink()

	var chunks []manifest.ChunkRef
	for i := 0; i < 20; i++ {
		chunks = append(chunks, fetcher.add([]byte(fmt.Sprintf("chunk-%d", i))))
	}

	var mu sync.Mutex
	var got []string
	s := testScheduler(fetcher, sink, Options{Workers: 4})
	err := s.Run(context.Background(), chunks, func(ref manifest.ChunkRef) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ref.Hash)
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, got, len(chunks))
	for _, c := range chunks {
		assert.True(t, sink.Has(c.Hash), "chunk %s not persisted", c.Hash)
	}
}

func TestSchedulerEmptyQueue(t *testing.T) {
	s := testScheduler(newFakeFetcher(), newFakeSink(), Options{})
	require.NoError(t, s.Run(context.Background(), nil, nil))
}

func TestSchedulerSkipsPresentChunks(t *testing.T) {
	fetcher := newFakeFetcher()
	sink := newFakeSink()

	ref := fetcher.add([]byte("already here"))
	require.NoError(t, sink.Put(ref.Hash, []byte("already here")))

	var acked int
	s := testScheduler(fetcher, sink, Options{Workers: 1})
	err := s.Run(context.Background(), []manifest.ChunkRef{ref}, func(manifest.ChunkRef) error {
		acked++
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, acked, "present chunk must still be acknowledged")
	assert.Equal(t, 0, fetcher.callCount(ref.Hash), "present chunk must not be fetched")
}

func TestSchedulerRetriesTransientFailure(t *testing.T) {
	fetcher := newFakeFetcher()
	sink := newFakeSink()

	ref := fetcher.add([]byte("flaky"))
	fetcher.failures[ref.Hash] = 2

	s := testScheduler(fetcher, sink, Options{Workers: 1, MaxAttempts: 5})
	err := s.Run(context.Background(), []manifest.ChunkRef{ref}, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, fetcher.callCount(ref.Hash))
	assert.True(t, sink.Has(ref.Hash))
}

func TestSchedulerBudgetExhausted(t *testing.T) {
	fetcher := newFakeFetcher()
	sink := newFakeSink()

	ref := fetcher.add([]byte("doomed"))
	fetcher.failures[ref.Hash] = 100

	s := testScheduler(fetcher, sink, Options{Workers: 1, MaxAttempts: 3})
	err := s.Run(context.Background(), []manifest.ChunkRef{ref}, nil)
	require.Error(t, err)

	var ce *ChunkError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ref.Hash, ce.Hash)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, 3, fetcher.callCount(ref.Hash))
	assert.False(t, sink.Has(ref.Hash))
}

func TestSchedulerPermanentFailureNoRetry(t *testing.T) {
	fetcher := newFakeFetcher()
	sink := newFakeSink()

	ref := manifest.ChunkRef{Hash: digest.Sum([]byte("missing")), Size: 7}

	s := testScheduler(fetcher, sink, Options{Workers: 1, MaxAttempts: 5})
	err := s.Run(context.Background(), []manifest.ChunkRef{ref}, nil)
	require.Error(t, err)

	var ce *ChunkError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, httpx.ErrNotFound)
	assert.Equal(t, 1, ce.Attempts, "404 must not be retried")
	assert.Equal(t, 1, fetcher.callCount(ref.Hash))
}

func TestSchedulerIntegrityFailure(t *testing.T) {
	fetcher := newFakeFetcher()
	sink := newFakeSink()

	// Serve bytes that do not match the advertised hash.
	data := []byte("genuine bytes")
	bogus := digest.Sum([]byte("something else"))
	fetcher.blobs[bogus] = data
	ref := manifest.ChunkRef{Hash: bogus, Size: int64(len(data))}

	sink.putErrs[bogus] = 100
	sink.err = fmt.Errorf("put %s: %w", bogus, chunkstore.ErrCorrupted)

	s := testScheduler(fetcher, sink, Options{Workers: 1, MaxAttempts: 3})
	err := s.Run(context.Background(), []manifest.ChunkRef{ref}, nil)
	require.Error(t, err)

	var ie *ChunkIntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, bogus, ie.Hash)
	assert.Equal(t, 3, ie.Attempts)
	assert.Equal(t, 3, fetcher.callCount(bogus), "integrity failures are retried within the budget")
}

func TestSchedulerSizeMismatchIsIntegrityFailure(t *testing.T) {
	fetcher := newFakeFetcher()
	sink := newFakeSink()

	ref := fetcher.add([]byte("short"))
	ref.Size = 4096 // manifest lies about the size

	s := testScheduler(fetcher, sink, Options{Workers: 1, MaxAttempts: 2})
	err := s.Run(context.Background(), []manifest.ChunkRef{ref}, nil)
	require.Error(t, err)

	var ie *ChunkIntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 2, ie.Attempts)
}

func TestSchedulerOnVerifiedErrorAborts(t *testing.T) {
	fetcher := newFakeFetcher()
	sink := newFakeSink()

	var chunks []manifest.ChunkRef
	for i := 0; i < 50; i++ {
		chunks = append(chunks, fetcher.add([]byte(fmt.Sprintf("c-%d", i))))
	}

	ledgerErr := errors.New("ledger: disk full")
	var acked int
	s := testScheduler(fetcher, sink, Options{Workers: 4})
	err := s.Run(context.Background(), chunks, func(manifest.ChunkRef) error {
		acked++
		if acked == 3 {
			return ledgerErr
		}
		return nil
	})
	require.ErrorIs(t, err, ledgerErr)
}

func TestSchedulerCancellation(t *testing.T) {
	fetcher := newFakeFetcher()
	sink := newFakeSink()

	var chunks []manifest.ChunkRef
	for i := 0; i < 100; i++ {
		chunks = append(chunks, fetcher.add([]byte(fmt.Sprintf("c-%d", i))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := testScheduler(fetcher, sink, Options{Workers: 2})
	err := s.Run(ctx, chunks, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSchedulerSerializesOnVerified(t *testing.T) {
	fetcher := newFakeFetcher()
	sink := newFakeSink()

	var chunks []manifest.ChunkRef
	for i := 0; i < 40; i++ {
		chunks = append(chunks, fetcher.add([]byte(fmt.Sprintf("c-%d", i))))
	}

	var inFlight, maxInFlight int32
	var mu sync.Mutex
	s := testScheduler(fetcher, sink, Options{Workers: 8})
	err := s.Run(context.Background(), chunks, func(manifest.ChunkRef) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), maxInFlight, "onVerified must never run concurrently")
}
