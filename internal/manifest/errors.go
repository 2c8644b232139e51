package manifest

import "fmt"

// FetchError reports a network-level failure while retrieving a
// manifest. No partial work has been performed when it is returned.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("manifest fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError reports a decompression or parse failure.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("manifest decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IntegrityError reports a structural inconsistency or checksum
// mismatch in a fetched manifest.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return "manifest integrity: " + e.Reason
}
