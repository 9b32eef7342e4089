// Package archiverr collects the cross-cutting error kinds used across
// the archive pipeline, so callers can classify a failure with
// errors.Is regardless of which component raised it.
package archiverr

import "errors"

var (
	// ErrNotFound is returned when a lookup by filename or content hash
	// finds nothing.
	ErrNotFound = errors.New("not found")

	// ErrFormat indicates an unrecognized or ambiguous input format.
	ErrFormat = errors.New("unrecognized format")

	// ErrIndexLocked indicates the metadata index could not be acquired
	// for writing after its bounded retry budget was exhausted.
	ErrIndexLocked = errors.New("metadata index locked")

	// ErrCodec indicates a delta encode/decode failure.
	ErrCodec = errors.New("delta codec failure")

	// ErrIntegrity indicates a digest or length mismatch while decoding
	// a stored object; the archive is considered corrupted.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrRacedOut indicates a delta trial was cancelled because another
	// trial already produced a smaller result. It never escapes the
	// push controller as a user-visible error.
	ErrRacedOut = errors.New("trial raced out")

	// ErrDehydrated indicates the requested root's object file has been
	// intentionally removed and must be rehydrated before use.
	ErrDehydrated = errors.New("root is dehydrated")
)
