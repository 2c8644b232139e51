// Package progress tracks download progress with atomic counters and
// emits periodic snapshots to a caller-supplied sink. The engine never
// renders anything itself; the CLI (or any other frontend) decides what
// a snapshot looks like on screen.
package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// Update is one progress snapshot.
type Update struct {
	BytesDone   int64
	BytesTotal  int64
	ChunksDone  int
	ChunksTotal int
	// Speed is the transfer rate over the last interval, bytes/s.
	Speed float64
	// ETA is the estimated remaining time at the current speed; zero
	// when the speed is still unknown.
	ETA time.Duration
	// CurrentFile is the path most recently entering assembly.
	CurrentFile string
	// Final marks the last snapshot, emitted from Stop.
	Final bool
}

// Percent returns completion as 0..100.
func (u Update) Percent() float64 {
	if u.BytesTotal <= 0 {
		return 0
	}
	return float64(u.BytesDone) / float64(u.BytesTotal) * 100
}

// Sink receives snapshots. Emit is called from a single goroutine.
type Sink interface {
	Emit(u Update)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(u Update)

func (f SinkFunc) Emit(u Update) { f(u) }

// Discard is a Sink that ignores every update.
var Discard Sink = SinkFunc(func(Update) {})

// Tracker accumulates progress from concurrent workers and forwards
// snapshots to a sink at a fixed cadence. Counter methods are safe for
// concurrent use.
type Tracker struct {
	sink     Sink
	interval time.Duration

	bytesTotal  int64
	chunksTotal int

	bytesDone  atomic.Int64
	chunksDone atomic.Int32

	mu          sync.Mutex
	currentFile string
	started     time.Time
	lastEmit    time.Time
	lastBytes   int64
	stopCh      chan struct{}
	doneCh      chan struct{}
	stopped     bool
}

// NewTracker creates a tracker for a run of the given totals. interval
// defaults to 500ms.
func NewTracker(sink Sink, bytesTotal int64, chunksTotal int, interval time.Duration) *Tracker {
	if sink == nil {
		sink = Discard
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Tracker{
		sink:        sink,
		interval:    interval,
		bytesTotal:  bytesTotal,
		chunksTotal: chunksTotal,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the emit loop.
func (t *Tracker) Start() {
	t.mu.Lock()
	t.started = time.Now()
	t.lastEmit = t.started
	t.mu.Unlock()
	go t.loop()
}

// Stop emits a final snapshot and shuts the loop down. Safe to call
// more than once.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	close(t.stopCh)
	<-t.doneCh
}

// ChunkDone records one verified chunk of the given size.
func (t *Tracker) ChunkDone(size int64) {
	t.bytesDone.Add(size)
	t.chunksDone.Add(1)
}

// SetCurrentFile records the path currently being assembled.
func (t *Tracker) SetCurrentFile(path string) {
	t.mu.Lock()
	t.currentFile = path
	t.mu.Unlock()
}

func (t *Tracker) loop() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			t.sink.Emit(t.snapshot(true))
			return
		case <-ticker.C:
			t.sink.Emit(t.snapshot(false))
		}
	}
}

func (t *Tracker) snapshot(final bool) Update {
	now := time.Now()
	done := t.bytesDone.Load()

	t.mu.Lock()
	var speed float64
	if final {
		// Average over the whole run.
		if d := now.Sub(t.started).Seconds(); d > 0 {
			speed = float64(done) / d
		}
	} else {
		elapsed := now.Sub(t.lastEmit).Seconds()
		if elapsed < 0.1 {
			elapsed = 0.1
		}
		speed = float64(done-t.lastBytes) / elapsed
		t.lastEmit = now
		t.lastBytes = done
	}
	file := t.currentFile
	t.mu.Unlock()

	u := Update{
		BytesDone:   done,
		BytesTotal:  t.bytesTotal,
		ChunksDone:  int(t.chunksDone.Load()),
		ChunksTotal: t.chunksTotal,
		Speed:       speed,
		CurrentFile: file,
		Final:       final,
	}
	if !final && speed > 0 && t.bytesTotal > done {
		u.ETA = time.Duration(float64(t.bytesTotal-done) / speed * float64(time.Second))
	}
	return u
}
