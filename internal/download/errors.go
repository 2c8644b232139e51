package download

import "fmt"

// ChunkError reports a chunk whose transfer budget is exhausted (or
// that failed permanently, e.g. a 404 from the CDN).
type ChunkError struct {
	Hash     string
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %s: download failed after %d attempt(s): %v", e.Hash, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// ChunkIntegrityError reports a chunk whose bytes repeatedly failed
// hash verification. Integrity retries count against the same budget as
// transfer retries.
type ChunkIntegrityError struct {
	Hash     string
	Attempts int
}

func (e *ChunkIntegrityError) Error() string {
	return fmt.Sprintf("chunk %s: integrity check failed after %d attempt(s)", e.Hash, e.Attempts)
}
