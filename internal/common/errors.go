// Package common defines shared constants and sentinel errors used across
// depot components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Store/repository-level errors.
	ErrNotFound = errors.New("not found")

	// ErrStateStore marks install-ledger I/O failures. These are always
	// fatal: the caller must abort rather than continue on a record that
	// may be inconsistent.
	ErrStateStore = errors.New("state store failure")

	// ErrPlanning marks a manifest whose chunk layout is internally
	// inconsistent and cannot be turned into a download plan.
	ErrPlanning = errors.New("planning error")
)
