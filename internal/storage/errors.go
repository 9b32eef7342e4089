package storage

import "errors"

// Object store errors.
var (
	// ErrObjectNotFound indicates that the requested object is absent
	// from the content-addressed store (either never written, or a
	// dehydrated root).
	ErrObjectNotFound = errors.New("object not found in store")

	// ErrObjectExists indicates that an object with the same store hash
	// is already present.
	ErrObjectExists = errors.New("object already exists")
)
