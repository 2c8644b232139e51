package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vpoletaev/depot/internal/chunkstore"
	"github.com/vpoletaev/depot/internal/httpx"
	"github.com/vpoletaev/depot/internal/logging"
	"github.com/vpoletaev/depot/internal/manifest"
)

// BlobSink persists verified chunks. Put must reject bytes that do not
// hash to the claimed key (chunkstore.Store does).
type BlobSink interface {
	Put(hash string, data []byte) error
	Has(hash string) bool
}

// Options tunes the scheduler.
type Options struct {
	// Workers is the fixed pool size. Default: 8.
	Workers int

	// MaxAttempts is the per-chunk attempt budget, shared between
	// transfer and integrity failures. Default: 5.
	MaxAttempts int

	// BaseBackoff is the delay before the second attempt; it doubles
	// each retry up to MaxBackoff. Defaults: 1s / 30s.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// BandwidthLimit caps aggregate fetch throughput in bytes/s across
	// all workers. 0 disables throttling.
	BandwidthLimit int64
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
}

// Scheduler drains a planned chunk queue through a bounded worker pool.
// The orchestrating caller never blocks on network I/O itself: all
// fetching happens inside workers, and verified chunks are reported
// back through a single collector goroutine, preserving single-writer
// discipline for the ledger.
type Scheduler struct {
	fetch   Fetcher
	store   BlobSink
	opts    Options
	limiter *rate.Limiter
	log     logging.Logger
}

func NewScheduler(fetch Fetcher, store BlobSink, opts Options, log logging.Logger) *Scheduler {
	opts.defaults()
	s := &Scheduler{fetch: fetch, store: store, opts: opts, log: log}
	if opts.BandwidthLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.BandwidthLimit), int(opts.BandwidthLimit))
	}
	return s
}

// Run fetches every chunk in order. chunks is consumed as a priority
// queue: the planner emits launch-critical content first and Run
// preserves that ordering across pickups. onVerified, when non-nil, is
// invoked serially (never concurrently) for each verified chunk; a
// non-nil return aborts the run. Cancellation is cooperative: ctx is
// polled between task pickups and between retry attempts.
func (s *Scheduler) Run(ctx context.Context, chunks []manifest.ChunkRef, onVerified func(manifest.ChunkRef) error) error {
	if len(chunks) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	tasks := make(chan manifest.ChunkRef)
	verified := make(chan manifest.ChunkRef, s.opts.Workers)

	// Collector: the one place verified chunks are acknowledged, so the
	// ledger sees strictly serialized updates.
	var collectErr error
	var collectWG sync.WaitGroup
	collectWG.Add(1)
	go func() {
		defer collectWG.Done()
		for ref := range verified {
			if collectErr != nil || onVerified == nil {
				continue
			}
			if err := onVerified(ref); err != nil {
				collectErr = err
				cancel()
			}
		}
	}()

	// Feeder.
	g.Go(func() error {
		defer close(tasks)
		for _, c := range chunks {
			select {
			case tasks <- c:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	// Fixed worker pool.
	for i := 0; i < s.opts.Workers; i++ {
		g.Go(func() error {
			for ref := range tasks {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := s.runTask(gctx, ref, verified); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	close(verified)
	collectWG.Wait()

	if collectErr != nil {
		return collectErr
	}
	return err
}

// runTask drives one chunk through its state machine until Verified or
// Failed.
func (s *Scheduler) runTask(ctx context.Context, ref manifest.ChunkRef, verified chan<- manifest.ChunkRef) error {
	if s.store.Has(ref.Hash) {
		// Resumed run; the blob survived a previous interrupted session.
		select {
		case verified <- ref:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	t := &Task{Ref: ref}
	var lastErr error
	integrity := false

	for {
		t.State = Transition(t.State, EventStart, t.Attempts, s.opts.MaxAttempts)
		t.Attempts++

		lastErr, integrity = s.attempt(ctx, ref)
		if lastErr == nil {
			t.State = Transition(t.State, EventSuccess, t.Attempts, s.opts.MaxAttempts)
			select {
			case verified <- ref:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !integrity && !httpx.IsTransient(lastErr) {
			// Permanent transfer failure: no point burning the budget.
			t.State = StateFailed
			return &ChunkError{Hash: ref.Hash, Attempts: t.Attempts, Err: lastErr}
		}

		t.State = Transition(t.State, EventFailure, t.Attempts, s.opts.MaxAttempts)
		if t.State == StateFailed {
			if integrity {
				return &ChunkIntegrityError{Hash: ref.Hash, Attempts: t.Attempts}
			}
			return &ChunkError{Hash: ref.Hash, Attempts: t.Attempts, Err: lastErr}
		}

		s.log.Warn(ctx, "chunk attempt failed, retrying",
			"hash", ref.Hash, "attempt", t.Attempts, "err", lastErr)
		if err := s.backoff(ctx, t.Attempts); err != nil {
			return err
		}
	}
}

// attempt performs one fetch-verify-persist cycle. The second return
// value marks integrity failures (bad bytes) as opposed to transfer
// failures.
func (s *Scheduler) attempt(ctx context.Context, ref manifest.ChunkRef) (error, bool) {
	if err := s.throttle(ctx, ref.Size); err != nil {
		return err, false
	}

	data, err := s.fetch.FetchChunk(ctx, ref.Hash)
	if err != nil {
		return err, false
	}
	if int64(len(data)) != ref.Size {
		return fmt.Errorf("chunk %s: got %d bytes, manifest declares %d", ref.Hash, len(data), ref.Size), true
	}
	if err := s.store.Put(ref.Hash, data); err != nil {
		return err, errors.Is(err, chunkstore.ErrCorrupted)
	}
	return nil, false
}

// throttle blocks until the shared token bucket releases n bytes.
func (s *Scheduler) throttle(ctx context.Context, n int64) error {
	if s.limiter == nil || n <= 0 {
		return nil
	}
	burst := int64(s.limiter.Burst())
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := s.limiter.WaitN(ctx, int(take)); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// backoff sleeps the exponential delay for the given attempt count,
// honoring cancellation.
func (s *Scheduler) backoff(ctx context.Context, attempts int) error {
	d := s.opts.BaseBackoff << uint(attempts-1)
	if d > s.opts.MaxBackoff || d <= 0 {
		d = s.opts.MaxBackoff
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
