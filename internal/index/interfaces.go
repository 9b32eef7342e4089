// Package index defines the metadata index contract: a transactional
// table of domain.Blob records keyed by store hash.
package index

import (
	"context"

	"github.com/prn-tf/deltavault/internal/domain"
)

// Index is the metadata store behind the archive. Implementations MUST
// serialize writers (single-writer discipline) and may serve many
// concurrent readers.
type Index interface {
	// Insert adds blob, keyed by its StoreHash. Returns false without
	// error if a row with that StoreHash already exists (idempotent
	// insert); blob.ID is populated on success.
	Insert(ctx context.Context, blob *domain.Blob) (bool, error)

	// Remove deletes the row for blob's StoreHash.
	Remove(ctx context.Context, blob *domain.Blob) error

	// Rename changes the filename of every row currently named from to
	// the name to.
	Rename(ctx context.Context, from, to string) error

	// All returns every blob, ordered by ID ascending.
	All(ctx context.Context) ([]*domain.Blob, error)

	// Roots returns every blob with no ParentHash, ordered by ID
	// ascending.
	Roots(ctx context.Context) ([]*domain.Blob, error)

	// ByFilename returns every blob with the given filename, ordered by
	// ID ascending.
	ByFilename(ctx context.Context, name string) ([]*domain.Blob, error)

	// ByContentHash returns every blob (alias set) sharing the given
	// content hash, ordered by ID ascending.
	ByContentHash(ctx context.Context, hash string) ([]*domain.Blob, error)

	// Latest returns the blob with the filename most recently inserted
	// (maximum ID) for that filename, or nil if none exists.
	Latest(ctx context.Context, filename string) (*domain.Blob, error)

	// MaxID returns the highest assigned blob ID, or 0 if the index is
	// empty.
	MaxID(ctx context.Context) (int64, error)

	// Close releases the underlying database handle.
	Close() error
}
